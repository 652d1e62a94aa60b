/*
plan.go - Pure balance arithmetic and mutation planning

Nothing in this file touches storage. Plan takes an account snapshot and an
entry and returns the Mutation the store must apply: the new balance, the
version the stored row must still have, and the transaction that proves the
change. The store applies the whole Mutation or nothing.

  snapshot ──▶ Plan(entry) ──▶ Mutation{ExpectedVersion, Balance, Transaction}
                                    │
                                    ▼
                            Store.Apply (atomic)

Status transitions on an existing transaction follow the same shape: the
methods on Transaction return the next value and the store writes it under a
status precondition.
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENTRY - A request to move tokens
// =============================================================================

// Entry is what callers hand to RecordTransaction. Amount is a magnitude;
// the sign comes from Type.
type Entry struct {
	AccountID      AccountID
	Type           TransactionType
	Amount         decimal.Decimal
	Description    string
	Source         Source
	IdempotencyKey string

	// Status is the initial status: StatusPending or StatusCompleted.
	// Zero value means StatusCompleted.
	Status Status
}

// Validate rejects malformed entries before any mutation.
func (e Entry) Validate() error {
	if e.AccountID == "" {
		return &ValidationError{Field: "account", Message: "required"}
	}
	if !e.Type.Valid() {
		return &ValidationError{Field: "type", Message: "unknown transaction type " + string(e.Type)}
	}
	if !e.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if e.Source == nil {
		return &ValidationError{Field: "source", Message: "required"}
	}
	switch e.Status {
	case "", StatusPending, StatusCompleted:
	default:
		return &ValidationError{Field: "status", Message: "initial status must be pending or completed"}
	}
	return nil
}

func (e Entry) initialStatus() Status {
	if e.Status == "" {
		return StatusCompleted
	}
	return e.Status
}

// =============================================================================
// BALANCE ARITHMETIC
// =============================================================================

// Apply returns the balance after moving magnitude tokens of type t.
//
//	earned, bonus: earned += m, total += m
//	refund:        redeemed -= m, total += m
//	spent, penalty: redeemed += m, total -= m (fails below zero)
func (b Balance) Apply(t TransactionType, magnitude decimal.Decimal) (Balance, error) {
	m := magnitude.Abs()
	switch t {
	case TxEarned, TxBonus:
		return Balance{
			Total:    b.Total.Add(m),
			Earned:   b.Earned.Add(m),
			Redeemed: b.Redeemed,
		}, nil
	case TxRefund:
		if m.GreaterThan(b.Redeemed) {
			return b, &ValidationError{Field: "amount", Message: "refund exceeds redeemed tokens"}
		}
		return Balance{
			Total:    b.Total.Add(m),
			Earned:   b.Earned,
			Redeemed: b.Redeemed.Sub(m),
		}, nil
	case TxSpent, TxPenalty:
		if b.Total.LessThan(m) {
			return b, &InsufficientBalanceError{Available: b.Total, Requested: m}
		}
		return Balance{
			Total:    b.Total.Sub(m),
			Earned:   b.Earned,
			Redeemed: b.Redeemed.Add(m),
		}, nil
	}
	return b, &ValidationError{Field: "type", Message: "unknown transaction type " + string(t)}
}

// =============================================================================
// MUTATION - Command applied atomically by the store
// =============================================================================

type Mutation struct {
	AccountID       AccountID
	ExpectedVersion int64
	Balance         Balance
	Transaction     Transaction
}

// Plan computes the mutation for recording e against the account snapshot.
func Plan(acct Account, e Entry, id TransactionID, now time.Time) (Mutation, error) {
	if err := e.Validate(); err != nil {
		return Mutation{}, err
	}
	next, err := acct.Balance.Apply(e.Type, e.Amount)
	if err != nil {
		if ib, ok := err.(*InsufficientBalanceError); ok {
			ib.AccountID = acct.ID
		}
		return Mutation{}, err
	}

	tx := Transaction{
		ID:             id,
		AccountID:      acct.ID,
		Type:           e.Type,
		Amount:         e.Type.Signed(e.Amount),
		BalanceBefore:  acct.Balance.Total,
		BalanceAfter:   next.Total,
		Status:         e.initialStatus(),
		Description:    e.Description,
		Source:         e.Source,
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	switch s := e.Source.(type) {
	case CourseCompletion:
		tx.CourseID = s.CourseID
	case Redemption:
		tx.RedemptionID = s.RedemptionID
	case Registration, WalletConnection, AdminAction, BlockchainTransfer:
	}

	return Mutation{
		AccountID:       acct.ID,
		ExpectedVersion: acct.Version,
		Balance:         next,
		Transaction:     tx,
	}, nil
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================
// Each returns the next value and whether anything changed. Repeating a
// transition that already happened is a no-op, not an error.

// Complete marks the transaction completed. A non-empty hash stamps the
// mirror as confirmed. completed_offchain upgrades to completed only when a
// hash arrives.
func (t Transaction) Complete(hash string, blockNumber uint64, now time.Time) (Transaction, bool, error) {
	switch t.Status {
	case StatusPending:
		t.Status = StatusCompleted
	case StatusCompleted:
		if hash == "" || (t.Mirror != nil && t.Mirror.Hash != "") {
			return t, false, nil
		}
	case StatusCompletedOffchain:
		if hash == "" {
			return t, false, nil
		}
		t.Status = StatusCompleted
	default:
		return t, false, &TransitionError{From: string(t.Status), To: string(StatusCompleted)}
	}
	if hash != "" {
		t.Mirror = &Mirror{Hash: hash, Status: ChainConfirmed, BlockNumber: blockNumber}
	} else if t.Mirror != nil && t.Mirror.Status == ChainPending {
		t.Mirror = nil
	}
	t.UpdatedAt = now
	return t, true, nil
}

// CompleteOffchain records that the tokens are settled off-chain only.
// A non-empty mirrorErr is kept as the failed mirror attempt, along with the
// hash of a submission whose receipt never arrived. Without a new hash the
// previously stored one is kept.
func (t Transaction) CompleteOffchain(hash, mirrorErr string, now time.Time) (Transaction, bool, error) {
	switch t.Status {
	case StatusPending:
		t.Status = StatusCompletedOffchain
	case StatusCompletedOffchain:
		if mirrorErr == "" {
			return t, false, nil
		}
	case StatusCompleted:
		return t, false, nil
	default:
		return t, false, &TransitionError{From: string(t.Status), To: string(StatusCompletedOffchain)}
	}
	if mirrorErr != "" {
		if hash == "" && t.Mirror != nil {
			hash = t.Mirror.Hash
		}
		t.Mirror = &Mirror{Hash: hash, Status: ChainFailed, ErrorMessage: mirrorErr}
	} else if t.Mirror != nil && t.Mirror.Status == ChainPending {
		t.Mirror = nil
	}
	t.UpdatedAt = now
	return t, true, nil
}

// Fail moves a pending transaction to failed. The balance effect stays.
func (t Transaction) Fail(reason string, now time.Time) (Transaction, bool, error) {
	switch t.Status {
	case StatusPending:
		t.Status = StatusFailed
		t.ErrorMessage = reason
		t.UpdatedAt = now
		return t, true, nil
	case StatusFailed:
		return t, false, nil
	}
	return t, false, &TransitionError{From: string(t.Status), To: string(StatusFailed)}
}

// StartMirror flags an in-flight mirror attempt. Status is untouched.
func (t Transaction) StartMirror(now time.Time) (Transaction, bool, error) {
	if t.Mirror != nil && t.Mirror.Status == ChainConfirmed {
		return t, false, nil
	}
	if t.Status == StatusFailed || t.Status == StatusCancelled {
		return t, false, &TransitionError{From: string(t.Status), To: "mirror_pending"}
	}
	t.Mirror = &Mirror{Status: ChainPending}
	t.UpdatedAt = now
	return t, true, nil
}

// ClaimMirror takes a completed_offchain transaction for one re-mirror
// attempt. A claim made after staleBefore is still held and blocks with
// ErrConcurrentModification. The hash of an earlier submission is kept.
func (t Transaction) ClaimMirror(staleBefore, now time.Time) (Transaction, error) {
	if t.Status != StatusCompletedOffchain {
		return t, &TransitionError{From: string(t.Status), To: "mirror_pending"}
	}
	m := Mirror{Status: ChainPending}
	if t.Mirror != nil {
		if t.Mirror.Status == ChainPending && t.UpdatedAt.After(staleBefore) {
			return t, ErrConcurrentModification
		}
		m.Hash = t.Mirror.Hash
	}
	t.Mirror = &m
	t.UpdatedAt = now
	return t, nil
}

// WithConfirmations updates the confirmation count of a mirrored transaction.
func (t Transaction) WithConfirmations(n int, now time.Time) (Transaction, bool, error) {
	if t.Mirror == nil || t.Mirror.Hash == "" {
		return t, false, &ValidationError{Field: "confirmations", Message: "transaction has no chain hash"}
	}
	if n < 0 {
		return t, false, &ValidationError{Field: "confirmations", Message: "must not be negative"}
	}
	if t.Mirror.Confirmations == n {
		return t, false, nil
	}
	m := *t.Mirror
	m.Confirmations = n
	t.Mirror = &m
	t.UpdatedAt = now
	return t, true, nil
}
