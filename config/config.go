/*
Package config loads the service configuration.

SOURCES (later wins):
  1. Defaults()
  2. YAML file (config.yaml unless --config says otherwise); missing is fine
  3. .env in the working directory, if present
  4. Environment variables:

     LEDGER_DB_PATH          database.path
     LEDGER_PORT             server.port
     LOG_LEVEL               log.level
     CHAIN_RPC_URL           chain.rpc_url
     CHAIN_PRIVATE_KEY       chain.private_key
     CHAIN_CONTRACT_ADDRESS  chain.contract_address

  Secrets belong in the environment, not in the YAML file.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/warp/token-ledger/chain"
	"github.com/warp/token-ledger/logger"
	"github.com/warp/token-ledger/rewards"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       logger.Config   `yaml:"log"`
	Rewards   RewardsConfig   `yaml:"rewards"`
	Chain     ChainConfig     `yaml:"chain"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Path is a SQLite file, or ":memory:".
	Path string `yaml:"path"`
}

// RewardsConfig amounts are decimal strings.
type RewardsConfig struct {
	DefaultCourseReward   string `yaml:"default_course_reward"`
	RegistrationBonus     string `yaml:"registration_bonus"`
	WalletBonus           string `yaml:"wallet_bonus"`
	EarlyCompletionRatio  string `yaml:"early_completion_ratio"`
	PerfectScoreThreshold string `yaml:"perfect_score_threshold"`
}

type ChainConfig struct {
	RPCURL          string        `yaml:"rpc_url"`
	PrivateKey      string        `yaml:"private_key"`
	ContractAddress string        `yaml:"contract_address"`
	ChainID         int64         `yaml:"chain_id"`
	Decimals        int32         `yaml:"decimals"`
	ReceiptTimeout  time.Duration `yaml:"receipt_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`

	// MirrorWait bounds how long a request waits for the mirror outcome.
	MirrorWait time.Duration `yaml:"mirror_wait"`
}

type ReconcileConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{Path: "token-ledger.db"},
		Log:      logger.Config{Level: "info"},
		Rewards: RewardsConfig{
			DefaultCourseReward:   "100",
			RegistrationBonus:     "50",
			WalletBonus:           "25",
			EarlyCompletionRatio:  "0.8",
			PerfectScoreThreshold: "95",
		},
		Chain: ChainConfig{
			Decimals:       18,
			ReceiptTimeout: 2 * time.Minute,
			PollInterval:   2 * time.Second,
			MirrorWait:     5 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval:  10 * time.Minute,
			BatchSize: 50,
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"LEDGER_DB_PATH":         &c.Database.Path,
		"LOG_LEVEL":              &c.Log.Level,
		"CHAIN_RPC_URL":          &c.Chain.RPCURL,
		"CHAIN_PRIVATE_KEY":      &c.Chain.PrivateKey,
		"CHAIN_CONTRACT_ADDRESS": &c.Chain.ContractAddress,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("LEDGER_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEDGER_PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if _, err := c.Rewards.Policy(); err != nil {
		return err
	}
	if c.Reconcile.Enabled && c.Reconcile.Interval <= 0 {
		return errors.New("reconcile.interval must be positive when enabled")
	}
	return nil
}

// Policy parses the reward amounts.
func (r RewardsConfig) Policy() (rewards.Policy, error) {
	var p rewards.Policy
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"rewards.default_course_reward", r.DefaultCourseReward, &p.DefaultCourseReward},
		{"rewards.registration_bonus", r.RegistrationBonus, &p.RegistrationBonus},
		{"rewards.wallet_bonus", r.WalletBonus, &p.WalletBonus},
		{"rewards.early_completion_ratio", r.EarlyCompletionRatio, &p.EarlyCompletionRatio},
		{"rewards.perfect_score_threshold", r.PerfectScoreThreshold, &p.PerfectScoreThreshold},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return rewards.Policy{}, fmt.Errorf("%s: %w", f.name, err)
		}
		if d.IsNegative() {
			return rewards.Policy{}, fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return p, nil
}

// EVM converts the chain section for chain.NewMirror.
func (c ChainConfig) EVM() chain.EVMConfig {
	return chain.EVMConfig{
		RPCURL:          c.RPCURL,
		PrivateKey:      c.PrivateKey,
		ContractAddress: c.ContractAddress,
		ChainID:         c.ChainID,
		Decimals:        c.Decimals,
		PollInterval:    c.PollInterval,
	}
}
