package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-ledger/ledger"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// clearEnv blanks every override; applyEnv ignores empty values.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"LEDGER_DB_PATH", "LEDGER_PORT", "LOG_LEVEL", "CHAIN_RPC_URL", "CHAIN_PRIVATE_KEY", "CHAIN_CONTRACT_ADDRESS"} {
		t.Setenv(name, "")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	// GIVEN: no config file
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "absent.yaml")

	// WHEN: loading
	cfg, err := Load(path)

	// THEN: defaults apply
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	// GIVEN: a file that sets a few values
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: 9090
database:
  path: ":memory:"
rewards:
  wallet_bonus: "40"
chain:
  mirror_wait: 750ms
reconcile:
  enabled: true
  interval: 1m
`)

	// WHEN: loading
	cfg, err := Load(path)

	// THEN: file values win, the rest stay at defaults
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, 750*time.Millisecond, cfg.Chain.MirrorWait)
	assert.True(t, cfg.Reconcile.Enabled)
	assert.Equal(t, time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 50, cfg.Reconcile.BatchSize)

	p, err := cfg.Rewards.Policy()
	require.NoError(t, err)
	assert.True(t, p.WalletBonus.Equal(ledger.Tokens(40)))
	assert.True(t, p.DefaultCourseReward.Equal(ledger.Tokens(100)))
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	// GIVEN: a file and environment overrides
	clearEnv(t)
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("LEDGER_PORT", "7070")
	t.Setenv("LEDGER_DB_PATH", "/tmp/ledger.db")
	t.Setenv("CHAIN_RPC_URL", "http://node:8545")
	t.Setenv("LOG_LEVEL", "debug")

	// WHEN: loading
	cfg, err := Load(path)

	// THEN: the environment wins
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/tmp/ledger.db", cfg.Database.Path)
	assert.Equal(t, "http://node:8545", cfg.Chain.RPCURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Chain.EVM().Configured(), "no key or contract yet")
}

func TestLoad_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"port out of range", "server:\n  port: 70000\n"},
		{"amount not a number", "rewards:\n  registration_bonus: lots\n"},
		{"negative amount", "rewards:\n  wallet_bonus: \"-5\"\n"},
		{"malformed yaml", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_BadPortInEnvironment(t *testing.T) {
	t.Setenv("LEDGER_PORT", "eighty")

	_, err := Load("")
	assert.ErrorContains(t, err, "LEDGER_PORT")
}

func TestDefaults_PolicyMatchesRewardDefaults(t *testing.T) {
	p, err := Defaults().Rewards.Policy()
	require.NoError(t, err)

	assert.True(t, p.RegistrationBonus.Equal(ledger.Tokens(50)))
	assert.True(t, p.WalletBonus.Equal(ledger.Tokens(25)))
	assert.Equal(t, "0.8", p.EarlyCompletionRatio.String())
	assert.True(t, p.PerfectScoreThreshold.Equal(ledger.Tokens(95)))
}
