/*
ledger.go - The Ledger service

CONTRACT:
  RecordTransaction(entry)      validates, plans and applies atomically.
                                Decreasing types fail with
                                *InsufficientBalanceError when total would
                                drop below zero.
  MarkCompleted(id, hash)       idempotent; a hash stamps the mirror confirmed.
  MarkCompletedOffchain(id, h, e)
                                tokens usable in-product, chain not involved
                                or failed (e kept as the mirror error, h as
                                the submitted hash if there was one).
  ClaimMirror(id, staleBefore)  one re-mirror attempt at a time per
                                completed_offchain transaction.
  MarkFailed(id, reason)        terminal; the balance is NOT rolled back.
                                Compensation is the caller's job, done with
                                a new refund entry.

CONCURRENCY:
  Apply and UpdateTransaction both carry a precondition. When it fails the
  ledger re-reads and replans, up to MaxAttempts times. ClaimTransaction
  fails fast instead: a lost claim means another sweeper owns the row.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultMaxAttempts = 16

type Ledger struct {
	Store       Store
	Now         func() time.Time
	NewID       func() TransactionID
	MaxAttempts int
}

func New(store Store) *Ledger {
	return &Ledger{
		Store:       store,
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       func() TransactionID { return TransactionID(uuid.NewString()) },
		MaxAttempts: defaultMaxAttempts,
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// OpenAccount creates an account with a zero balance.
func (l *Ledger) OpenAccount(ctx context.Context, id AccountID) (Account, error) {
	if id == "" {
		return Account{}, &ValidationError{Field: "account", Message: "required"}
	}
	now := l.Now()
	acct := Account{
		ID:        id,
		Balance:   ZeroBalance(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.Store.CreateAccount(ctx, acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

func (l *Ledger) Account(ctx context.Context, id AccountID) (Account, error) {
	return l.Store.Account(ctx, id)
}

// ConnectWallet stores address on the account. Connecting the same address
// again is a no-op (changed=false); replacing a different one is rejected.
func (l *Ledger) ConnectWallet(ctx context.Context, id AccountID, address string) (Account, bool, error) {
	if address == "" {
		return Account{}, false, &ValidationError{Field: "walletAddress", Message: "required"}
	}
	acct, err := l.Store.Account(ctx, id)
	if err != nil {
		return Account{}, false, err
	}
	if acct.WalletAddress == address {
		return acct, false, nil
	}
	if acct.WalletAddress != "" {
		return acct, false, &ValidationError{Field: "walletAddress", Message: "a different wallet is already connected"}
	}
	acct, err = l.Store.SetWalletAddress(ctx, id, address, l.Now())
	if err != nil {
		return Account{}, false, err
	}
	return acct, true, nil
}

// =============================================================================
// WRITES
// =============================================================================

// RecordTransaction applies e to the account balance and persists the
// transaction in the same atomic unit.
func (l *Ledger) RecordTransaction(ctx context.Context, e Entry) (Transaction, error) {
	if err := e.Validate(); err != nil {
		return Transaction{}, err
	}
	id := l.NewID()

	var lastErr error
	for attempt := 0; attempt < l.attempts(); attempt++ {
		now := l.Now()
		tx, err := l.Store.Apply(ctx, e.AccountID, func(acct Account) (Mutation, error) {
			return Plan(acct, e, id, now)
		})
		if err == nil {
			return tx, nil
		}
		if !IsRetryable(err) {
			return Transaction{}, err
		}
		lastErr = err
	}
	return Transaction{}, fmt.Errorf("record %s for %s: %w", e.Type, e.AccountID, lastErr)
}

func (l *Ledger) MarkCompleted(ctx context.Context, id TransactionID, hash string, blockNumber uint64) (Transaction, error) {
	return l.transition(ctx, id, func(t Transaction, now time.Time) (Transaction, bool, error) {
		return t.Complete(hash, blockNumber, now)
	})
}

// MarkCompletedOffchain settles id off-chain. hash is the submission a
// failed mirror attempt left behind, empty when nothing reached the chain.
func (l *Ledger) MarkCompletedOffchain(ctx context.Context, id TransactionID, hash, mirrorErr string) (Transaction, error) {
	return l.transition(ctx, id, func(t Transaction, now time.Time) (Transaction, bool, error) {
		return t.CompleteOffchain(hash, mirrorErr, now)
	})
}

func (l *Ledger) MarkFailed(ctx context.Context, id TransactionID, reason string) (Transaction, error) {
	return l.transition(ctx, id, func(t Transaction, now time.Time) (Transaction, bool, error) {
		return t.Fail(reason, now)
	})
}

// MarkMirrorPending flags that a chain mirror attempt is in flight.
func (l *Ledger) MarkMirrorPending(ctx context.Context, id TransactionID) (Transaction, error) {
	return l.transition(ctx, id, func(t Transaction, now time.Time) (Transaction, bool, error) {
		return t.StartMirror(now)
	})
}

// ClaimMirror reserves a completed_offchain transaction for one re-mirror
// attempt. Claims older than staleBefore are taken over. Losing the race
// returns ErrConcurrentModification and is not retried.
func (l *Ledger) ClaimMirror(ctx context.Context, id TransactionID, staleBefore time.Time) (Transaction, error) {
	current, err := l.Store.Transaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	claimed, err := current.ClaimMirror(staleBefore, l.Now())
	if err != nil {
		return current, err
	}
	if err := l.Store.ClaimTransaction(ctx, claimed, current); err != nil {
		return Transaction{}, err
	}
	return claimed, nil
}

func (l *Ledger) AttachConfirmations(ctx context.Context, id TransactionID, confirmations int) (Transaction, error) {
	return l.transition(ctx, id, func(t Transaction, now time.Time) (Transaction, bool, error) {
		return t.WithConfirmations(confirmations, now)
	})
}

func (l *Ledger) transition(ctx context.Context, id TransactionID, next func(Transaction, time.Time) (Transaction, bool, error)) (Transaction, error) {
	var lastErr error
	for attempt := 0; attempt < l.attempts(); attempt++ {
		current, err := l.Store.Transaction(ctx, id)
		if err != nil {
			return Transaction{}, err
		}
		updated, changed, err := next(current, l.Now())
		if err != nil {
			return current, err
		}
		if !changed {
			return current, nil
		}
		err = l.Store.UpdateTransaction(ctx, updated, current.Status)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return Transaction{}, err
		}
		lastErr = err
	}
	return Transaction{}, fmt.Errorf("update transaction %s: %w", id, lastErr)
}

func (l *Ledger) attempts() int {
	if l.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return l.MaxAttempts
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) Transaction(ctx context.Context, id TransactionID) (Transaction, error) {
	return l.Store.Transaction(ctx, id)
}

func (l *Ledger) TransactionByKey(ctx context.Context, key string) (Transaction, error) {
	return l.Store.TransactionByKey(ctx, key)
}
