package chain

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/metrics"
)

const (
	recordTimeout         = 10 * time.Second
	defaultReceiptTimeout = 2 * time.Minute
)

// Recorder is the part of the ledger the mirror writes outcomes to.
type Recorder interface {
	Account(ctx context.Context, id ledger.AccountID) (ledger.Account, error)
	MarkMirrorPending(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error)
	MarkCompleted(ctx context.Context, id ledger.TransactionID, hash string, blockNumber uint64) (ledger.Transaction, error)
	MarkCompletedOffchain(ctx context.Context, id ledger.TransactionID, hash, mirrorErr string) (ledger.Transaction, error)
	ClaimMirror(ctx context.Context, id ledger.TransactionID, staleBefore time.Time) (ledger.Transaction, error)
	AttachConfirmations(ctx context.Context, id ledger.TransactionID, confirmations int) (ledger.Transaction, error)
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher settles freshly recorded reward transactions. The mirror call
// runs on its own goroutine with a context detached from the request, so a
// slow chain never holds the request open longer than Wait, and the outcome
// is recorded even after the caller stopped waiting.
type Dispatcher struct {
	Mirror         Mirror
	Ledger         Recorder
	ReceiptTimeout time.Duration
	Wait           time.Duration
	Log            zerolog.Logger

	wg sync.WaitGroup
}

func NewDispatcher(m Mirror, l Recorder, receiptTimeout, wait time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Mirror:         m,
		Ledger:         l,
		ReceiptTimeout: receiptTimeout,
		Wait:           wait,
		Log:            log.With().Str("component", "mirror").Logger(),
	}
}

// Settlement is what the caller learns within the wait.
type Settlement struct {
	Transaction ledger.Transaction

	// Warning is set when the chain side failed, is unavailable or is still
	// in flight. It never means the off-chain change failed.
	Warning string
}

// Settle finishes a pending reward transaction: mirrored and completed when
// address is set and the chain answers in time, completed_offchain otherwise.
func (d *Dispatcher) Settle(ctx context.Context, tx ledger.Transaction, address, reason string) (Settlement, error) {
	if address == "" {
		done, err := d.Ledger.MarkCompletedOffchain(ctx, tx.ID, "", "")
		return Settlement{Transaction: done}, err
	}
	if d.Mirror == nil || !d.Mirror.Available() {
		metrics.MirrorOutcomes.WithLabelValues("unavailable").Inc()
		done, err := d.Ledger.MarkCompletedOffchain(ctx, tx.ID, "", "")
		return Settlement{Transaction: done, Warning: ErrUnavailable.Error()}, err
	}

	pending, err := d.Ledger.MarkMirrorPending(ctx, tx.ID)
	if err != nil {
		return Settlement{Transaction: tx}, err
	}

	result := make(chan Settlement, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		result <- mirrorAndRecord(context.WithoutCancel(ctx), d.Mirror, d.Ledger, d.Log, pending, address, reason, d.ReceiptTimeout)
	}()

	wait := time.NewTimer(d.Wait)
	defer wait.Stop()
	select {
	case s := <-result:
		return s, nil
	case <-wait.C:
	case <-ctx.Done():
	}
	d.Log.Info().Str("transaction_id", string(tx.ID)).Msg("mirror still in flight, responding with off-chain result")
	return Settlement{Transaction: pending, Warning: "blockchain mirror still in flight"}, nil
}

// Drain blocks until every in-flight mirror has recorded its outcome.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}

// mirrorAndRecord performs one mirror attempt and writes the outcome on the
// transaction. Recording errors are logged; the ledger stays authoritative.
func mirrorAndRecord(ctx context.Context, m Mirror, rec Recorder, log zerolog.Logger, tx ledger.Transaction, address, reason string, timeout time.Duration) Settlement {
	log = log.With().Str("transaction_id", string(tx.ID)).Str("account_id", string(tx.AccountID)).Logger()

	if timeout <= 0 {
		timeout = defaultReceiptTimeout
	}
	mctx, cancel := context.WithTimeout(ctx, timeout)
	started := time.Now()
	receipt, mirrorErr := m.MirrorReward(mctx, address, tx.Magnitude(), reason)
	cancel()
	metrics.MirrorLatency.Observe(time.Since(started).Seconds())

	rctx, rcancel := context.WithTimeout(ctx, recordTimeout)
	defer rcancel()

	if mirrorErr != nil {
		outcome := "failed"
		switch {
		case errors.Is(mirrorErr, ErrUnavailable):
			outcome = "unavailable"
		case errors.Is(mirrorErr, context.DeadlineExceeded):
			outcome = "timeout"
		}
		metrics.MirrorOutcomes.WithLabelValues(outcome).Inc()
		// A hash means the mint may still land; keep it so nobody mints blind.
		var submitted string
		var chainErr *Error
		if errors.As(mirrorErr, &chainErr) {
			submitted = chainErr.Hash
		}
		log.Warn().Err(mirrorErr).Str("hash", submitted).Msg("mirror failed, transaction settles off-chain")

		done, err := rec.MarkCompletedOffchain(rctx, tx.ID, submitted, mirrorErr.Error())
		if err != nil {
			log.Error().Err(err).Msg("could not record mirror failure")
			return Settlement{Transaction: tx, Warning: mirrorErr.Error()}
		}
		return Settlement{Transaction: done, Warning: mirrorErr.Error()}
	}

	metrics.MirrorOutcomes.WithLabelValues("confirmed").Inc()
	done, err := rec.MarkCompleted(rctx, tx.ID, receipt.Hash, receipt.BlockNumber)
	if err != nil {
		log.Error().Err(err).Str("hash", receipt.Hash).Msg("could not record mirror receipt")
		return Settlement{Transaction: tx}
	}
	if receipt.Confirmations > 0 {
		if withConf, err := rec.AttachConfirmations(rctx, tx.ID, receipt.Confirmations); err == nil {
			done = withConf
		}
	}
	log.Info().Str("hash", receipt.Hash).Uint64("block", receipt.BlockNumber).Msg("mirror confirmed")
	return Settlement{Transaction: done}
}
