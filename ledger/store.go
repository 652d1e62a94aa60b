/*
store.go - Persistence interface for accounts and transactions

The Store is the only writer of balance fields. Every balance change goes
through Apply, which reads the account, asks the planner for a Mutation and
writes the new balance together with the transaction in one atomic unit.
The stored version must still equal Mutation.ExpectedVersion, otherwise the
write is rejected with ErrConcurrentModification and the caller replans.

IDEMPOTENCY:
  Transaction.IdempotencyKey is unique in the store. Apply reports a
  collision as ErrDuplicateIdempotencyKey and writes nothing, so the
  uniqueness constraint (not a prior read) decides whether an entry is new.

IMPLEMENTATIONS:
  - store/sqlite: durable, conditional UPDATE + unique index
  - store/memory: in-process, single mutex
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PlanFunc turns an account snapshot into the mutation to apply.
type PlanFunc func(Account) (Mutation, error)

// Store handles persistence of accounts and transactions.
type Store interface {
	// CreateAccount persists a new account. Returns ErrAccountExists on conflict.
	CreateAccount(ctx context.Context, acct Account) error

	// Account returns the account or a *NotFoundError.
	Account(ctx context.Context, id AccountID) (Account, error)

	// SetWalletAddress stores the wallet address on the account.
	SetWalletAddress(ctx context.Context, id AccountID, address string, now time.Time) (Account, error)

	// Apply runs plan against the current account and persists the result
	// atomically: balance update and transaction insert, or neither.
	Apply(ctx context.Context, id AccountID, plan PlanFunc) (Transaction, error)

	// Transaction returns a transaction by id.
	Transaction(ctx context.Context, id TransactionID) (Transaction, error)

	// TransactionByKey returns the transaction recorded under an idempotency key.
	TransactionByKey(ctx context.Context, key string) (Transaction, error)

	// UpdateTransaction writes status, mirror and error fields of tx if the
	// stored status still equals expected.
	UpdateTransaction(ctx context.Context, tx Transaction, expected Status) error

	// ClaimTransaction writes tx like UpdateTransaction, but only if the
	// stored status, mirror status and updated_at all still equal prev's.
	// Returns ErrConcurrentModification otherwise.
	ClaimTransaction(ctx context.Context, tx, prev Transaction) error
}

// =============================================================================
// READ SIDE
// =============================================================================

// TransactionFilter selects a page of an account's history.
// Zero-valued fields do not filter.
type TransactionFilter struct {
	AccountID AccountID
	Types     []TransactionType
	Statuses  []Status
	From      *time.Time
	To        *time.Time
	Offset    int
	Limit     int
}

// TypeTotal aggregates one transaction type for an account.
type TypeTotal struct {
	Type  TransactionType
	Count int
	Sum   decimal.Decimal
}

// Reader is the query surface used by the read side and the mirror sweeper.
type Reader interface {
	// ListTransactions returns one page, newest first, and the total match count.
	ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, int, error)

	// TypeTotals sums signed amounts per type for an account.
	TypeTotals(ctx context.Context, id AccountID) ([]TypeTotal, error)

	// Leaderboard returns accounts ordered by earned tokens, highest first.
	Leaderboard(ctx context.Context, limit int) ([]Account, error)

	// MirrorBacklog returns completed_offchain transactions of accounts that
	// have a wallet, oldest first.
	MirrorBacklog(ctx context.Context, limit int) ([]Transaction, error)
}
