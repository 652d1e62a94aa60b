/*
main.go - Application entry point

PURPOSE:
  Starts the token ledger service, or runs one of its maintenance commands.
  Handles configuration, dependency wiring and graceful shutdown.

COMMANDS:
  serve   HTTP API (default when no command is given)
  sweep   One mirror reconciliation pass, then exit
  seed    Load a demo scenario into the database

FLAGS:
  --config  YAML config path (default: config.yaml; missing is fine)

  Environment overrides are listed in config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reconciliation sweeper
  2. Stop accepting new connections, wait for active requests
  3. Wait for in-flight blockchain mirrors to record their outcome
  4. Close the database

EXAMPLES:
  # File database, chain disabled
  ./server serve

  # In-memory database on another port
  LEDGER_DB_PATH=":memory:" LEDGER_PORT=3000 ./server serve

  # Catch up mirrors for wallets connected after their rewards
  ./server sweep --config prod.yaml

SEE ALSO:
  - app.go: Service wiring
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/token-ledger/api"
	"github.com/warp/token-ledger/chain"
	"github.com/warp/token-ledger/config"
	"github.com/warp/token-ledger/logger"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().StringP("scenario", "s", "", "scenario id (omit to list scenarios)")
}

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Token ledger and reward/redemption service",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := load()
	if err != nil {
		return err
	}
	defer a.Close()

	a.sweeper.Start()
	defer a.sweeper.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      api.NewRouter(a.handler(), a.cfg.Server.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15*time.Second + a.cfg.Chain.MirrorWait,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Int("port", a.cfg.Server.Port).Bool("chain", a.mirror.Available()).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	a.log.Info().Msg("server stopped")
	return nil
}

// ─── sweep ──────────────────────────────────────────────────────────────────

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-mirror off-chain rewards once, then exit",
	Long: `Runs one reconciliation pass: rewards that settled completed_offchain
for accounts that now have a wallet are mirrored again and, on success,
upgraded to completed. Requires the chain section to be configured.`,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	a, err := load()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.sweeper.SweepOnce(cmd.Context())
	if errors.Is(err, chain.ErrUnavailable) {
		return errors.New("blockchain mirror is not configured; set chain.rpc_url, CHAIN_PRIVATE_KEY and chain.contract_address")
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, mirrored %d, failed %d, skipped %d\n", res.Attempted, res.Mirrored, res.Failed, res.Skipped)
	return nil
}

// ─── helpers ────────────────────────────────────────────────────────────────

func load() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, logger.New(cfg.Log))
}
