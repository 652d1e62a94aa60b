/*
sweeper.go - Mirror reconciliation sweep

PURPOSE:
  Rewards settled completed_offchain (chain down, mirror failed, receipt
  timed out) are re-mirrored later for accounts that have a wallet. A
  successful attempt upgrades the transaction to completed with its hash.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Each pass takes the oldest BatchSize backlog transactions
  - Each transaction is claimed on the ledger first, so a `server sweep`
    run next to a serving sweeper never mints the same entry twice
  - A transaction that kept the hash of an earlier submission is resolved
    by receipt lookup; only a reverted submission is minted again
  - One mirror attempt per transaction per pass, recorded on the ledger
  - Disabled by default; `server sweep` runs a single pass

USAGE:
  sweeper := chain.NewSweeper(store, ledger, mirror, log)
  sweeper.Start()
  // ... later
  sweeper.Stop()
*/
package chain

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/token-ledger/ledger"
)

// Backlog lists transactions waiting for a mirror.
type Backlog interface {
	MirrorBacklog(ctx context.Context, limit int) ([]ledger.Transaction, error)
}

type Sweeper struct {
	Backlog        Backlog
	Ledger         Recorder
	Mirror         Mirror
	Interval       time.Duration
	BatchSize      int
	ReceiptTimeout time.Duration
	Enabled        bool
	Log            zerolog.Logger

	// ClaimTimeout is how long a claim blocks other sweepers. A claim left
	// by a crashed process is taken over after it.
	ClaimTimeout time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweeper(backlog Backlog, rec Recorder, m Mirror, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		Backlog:        backlog,
		Ledger:         rec,
		Mirror:         m,
		Interval:       10 * time.Minute,
		BatchSize:      50,
		ReceiptTimeout: defaultReceiptTimeout,
		ClaimTimeout:   defaultClaimTimeout,
		Log:            log.With().Str("component", "sweeper").Logger(),
	}
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Attempted int
	Mirrored  int
	Failed    int

	// Skipped counts transactions claimed by another sweeper.
	Skipped int
}

const defaultClaimTimeout = 10 * time.Minute

// Start begins periodic sweeps.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.Log.Info().Dur("interval", s.Interval).Msg("started")
}

// Stop stops the sweeper and waits for a running pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Log.Info().Msg("stopped")
	}
}

func (s *Sweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	s.pass(ctx)
	for {
		select {
		case <-ticker.C:
			s.pass(ctx)
		case <-stop:
			return
		}
	}
}

func (s *Sweeper) pass(ctx context.Context) {
	res, err := s.SweepOnce(ctx)
	if err != nil && !errors.Is(err, ErrUnavailable) {
		s.Log.Error().Err(err).Msg("sweep failed")
		return
	}
	s.Log.Info().Int("attempted", res.Attempted).Int("mirrored", res.Mirrored).Int("failed", res.Failed).Int("skipped", res.Skipped).Msg("sweep finished")
}

// SweepOnce runs a single pass over the backlog.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if s.Mirror == nil || !s.Mirror.Available() {
		return res, ErrUnavailable
	}
	backlog, err := s.Backlog.MirrorBacklog(ctx, s.BatchSize)
	if err != nil {
		return res, err
	}

	for _, tx := range backlog {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		acct, err := s.Ledger.Account(ctx, tx.AccountID)
		if err != nil {
			return res, err
		}
		if !acct.HasWallet() {
			continue
		}
		claimed, err := s.Ledger.ClaimMirror(ctx, tx.ID, time.Now().Add(-s.claimTimeout()))
		if err != nil {
			// Claimed or already settled by another sweeper.
			if !errors.Is(err, ledger.ErrConcurrentModification) && !errors.Is(err, ledger.ErrInvalidTransition) {
				s.Log.Warn().Err(err).Str("transaction_id", string(tx.ID)).Msg("could not claim transaction")
			}
			res.Skipped++
			continue
		}

		res.Attempted++
		done, settled := s.resolveSubmitted(ctx, claimed)
		if !settled {
			done = mirrorAndRecord(ctx, s.Mirror, s.Ledger, s.Log, claimed, acct.WalletAddress, "reconciliation: "+tx.Description, s.ReceiptTimeout).Transaction
		}
		if done.Status == ledger.StatusCompleted {
			res.Mirrored++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

// resolveSubmitted looks up the hash an earlier attempt left on a claimed
// transaction. It reports false only when minting again is safe: there is
// no earlier submission, or it reverted. A hash that cannot be resolved
// releases the claim and keeps the hash for the next pass.
func (s *Sweeper) resolveSubmitted(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, bool) {
	if tx.Mirror == nil || tx.Mirror.Hash == "" {
		return tx, false
	}
	hash := tx.Mirror.Hash
	log := s.Log.With().Str("transaction_id", string(tx.ID)).Str("hash", hash).Logger()

	checker, ok := s.Mirror.(ReceiptChecker)
	if !ok {
		return s.release(ctx, tx, hash, "earlier submission cannot be checked"), true
	}
	cctx, cancel := context.WithTimeout(ctx, recordTimeout)
	receipt, found, err := checker.CheckReceipt(cctx, hash)
	cancel()

	switch {
	case errors.Is(err, ErrReverted):
		log.Warn().Msg("earlier submission reverted, minting again")
		return tx, false
	case err != nil:
		log.Warn().Err(err).Msg("receipt lookup failed")
		return s.release(ctx, tx, hash, err.Error()), true
	case !found:
		log.Info().Msg("earlier submission not mined yet")
		return s.release(ctx, tx, hash, "earlier submission "+hash+" not mined yet"), true
	}

	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer rcancel()
	done, err := s.Ledger.MarkCompleted(rctx, tx.ID, receipt.Hash, receipt.BlockNumber)
	if err != nil {
		log.Error().Err(err).Msg("could not record earlier receipt")
		return tx, true
	}
	if receipt.Confirmations > 0 {
		if withConf, err := s.Ledger.AttachConfirmations(rctx, tx.ID, receipt.Confirmations); err == nil {
			done = withConf
		}
	}
	log.Info().Uint64("block", receipt.BlockNumber).Msg("earlier submission confirmed")
	return done, true
}

// release hands a claimed transaction back to the backlog.
func (s *Sweeper) release(ctx context.Context, tx ledger.Transaction, hash, reason string) ledger.Transaction {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	done, err := s.Ledger.MarkCompletedOffchain(rctx, tx.ID, hash, reason)
	if err != nil {
		s.Log.Error().Err(err).Str("transaction_id", string(tx.ID)).Msg("could not release claim")
		return tx
	}
	return done
}

func (s *Sweeper) claimTimeout() time.Duration {
	if s.ClaimTimeout <= 0 {
		return defaultClaimTimeout
	}
	return s.ClaimTimeout
}
