/*
Package ledger provides the token ledger: accounts, their balance triple,
and the transaction log that proves every balance change.

PURPOSE:
  The ledger is the off-chain source of truth for learning tokens. Rewards,
  redemptions, refunds and admin adjustments all land here as transactions,
  and the account balance is only ever changed together with the transaction
  that explains it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Balance: total / earned / redeemed, with total == earned - redeemed
  - Transaction: signed amount plus balanceBefore / balanceAfter snapshot
  - TransactionType: earned, bonus, refund (increase) and spent, penalty (decrease)
  - Status: pending -> completed | completed_offchain | failed | cancelled
  - Mirror: optional blockchain fields (hash, status, confirmations)

INVARIANTS:
  1. total == earned - redeemed, always
  2. total >= 0, always
  3. amount sign matches type; callers pass magnitudes, the ledger signs them
  4. a transaction changes status at most once, except for mirror fields

SEE ALSO:
  - plan.go: pure balance arithmetic and mutation planning
  - source.go: tagged-variant transaction sources
  - ledger.go: the Ledger service (record, complete, fail)
  - store.go: persistence interface
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string

// =============================================================================
// TOKENS
// =============================================================================

// Tokens returns a whole-token amount.
func Tokens(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

// ParseTokens parses a stored decimal string.
func ParseTokens(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed token amount %q: %w", s, err)
	}
	return d, nil
}

// =============================================================================
// BALANCE
// =============================================================================

// Balance is the cached balance triple embedded in an account.
type Balance struct {
	Total    decimal.Decimal
	Earned   decimal.Decimal
	Redeemed decimal.Decimal
}

// ZeroBalance is the balance of a freshly opened account.
func ZeroBalance() Balance {
	return Balance{Total: decimal.Zero, Earned: decimal.Zero, Redeemed: decimal.Zero}
}

// Consistent reports whether the balance satisfies both invariants.
func (b Balance) Consistent() bool {
	return b.Total.Equal(b.Earned.Sub(b.Redeemed)) && !b.Total.IsNegative()
}

// =============================================================================
// ACCOUNT
// =============================================================================

type Account struct {
	ID            AccountID
	WalletAddress string
	Balance       Balance

	// Version increments on every balance mutation and guards concurrent writers.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasWallet reports whether the account can receive on-chain mirrors.
func (a Account) HasWallet() bool { return a.WalletAddress != "" }

// =============================================================================
// TRANSACTION
// =============================================================================

type TransactionType string

const (
	TxEarned  TransactionType = "earned"
	TxSpent   TransactionType = "spent"
	TxBonus   TransactionType = "bonus"
	TxRefund  TransactionType = "refund"
	TxPenalty TransactionType = "penalty"
)

// Decreasing reports whether the type takes tokens out of the balance.
func (t TransactionType) Decreasing() bool {
	return t == TxSpent || t == TxPenalty
}

// Valid reports whether t is a known type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxEarned, TxSpent, TxBonus, TxRefund, TxPenalty:
		return true
	}
	return false
}

// Signed applies the type's sign convention to a magnitude.
func (t TransactionType) Signed(magnitude decimal.Decimal) decimal.Decimal {
	if t.Decreasing() {
		return magnitude.Abs().Neg()
	}
	return magnitude.Abs()
}

type Status string

const (
	StatusPending           Status = "pending"
	StatusCompleted         Status = "completed"
	StatusCompletedOffchain Status = "completed_offchain"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether no further status transition is allowed
// (apart from the completed_offchain -> completed upgrade by a late mirror).
func (s Status) Terminal() bool {
	return s != StatusPending
}

type BlockchainStatus string

const (
	ChainPending   BlockchainStatus = "pending"
	ChainConfirmed BlockchainStatus = "confirmed"
	ChainFailed    BlockchainStatus = "failed"
)

// Mirror holds the on-chain replication state of a transaction.
type Mirror struct {
	Hash          string
	Status        BlockchainStatus
	BlockNumber   uint64
	Confirmations int
	ErrorMessage  string
}

// Transaction is one balance-affecting event. Immutable once written apart
// from its single status transition and its mirror fields.
type Transaction struct {
	ID            TransactionID
	AccountID     AccountID
	Type          TransactionType
	Amount        decimal.Decimal // signed
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Status        Status
	Description   string
	Source        Source

	// Optional links, denormalized from Source for indexing.
	CourseID     string
	RedemptionID string

	IdempotencyKey string
	Mirror         *Mirror
	ErrorMessage   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Magnitude returns the unsigned amount.
func (t Transaction) Magnitude() decimal.Decimal { return t.Amount.Abs() }
