/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Durable store for the token ledger. Implements every persistence interface
  so one database file holds balances, transactions, stock, redemptions and
  enrollments, and cross-table steps (returning stock for a redemption) can
  commit in one SQL transaction.

INTERFACES IMPLEMENTED:
  ledger.Store, ledger.Reader:  accounts, transactions, read side
  inventory.Store:              items and stock
  redemption.Store:             redemption records
  enrollment.Store:             course enrollments

ATOMICITY:
  Every balance change is a read-plan-write inside one SQL transaction, and
  the account UPDATE is guarded by "WHERE version = ?". Every stock change is
  a single conditional UPDATE, e.g.

    UPDATE items SET available = available - ? ... WHERE id = ? AND available >= ?

  so the availability check and the decrement cannot be separated.

UNIQUENESS:
  - transactions.idempotency_key is UNIQUE
  - (account_id, course_id) is UNIQUE for course rewards
  - (account_id, course_id) is UNIQUE for enrollments
  A constraint violation is how a duplicate is detected; nothing reads first.

CONCURRENCY:
  The pool is limited to one connection, which makes SQLite's single writer
  explicit and keeps ":memory:" databases shared across calls. Inside a SQL
  transaction only the *sql.Tx is used.

WAL MODE:
  Opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store)

SEE ALSO:
  - ledger/store.go: ledger interfaces
  - store/memory: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		wallet_address TEXT NOT NULL DEFAULT '',
		total TEXT NOT NULL,
		earned TEXT NOT NULL,
		redeemed TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Transactions: balance-affecting events. Only status, mirror and
	-- error columns are ever updated.
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		status TEXT NOT NULL,
		description TEXT,
		source_json TEXT NOT NULL,
		course_id TEXT,
		redemption_id TEXT,
		idempotency_key TEXT UNIQUE,
		chain_hash TEXT,
		chain_status TEXT,
		chain_block INTEGER,
		chain_confirmations INTEGER,
		chain_error TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_account
		ON transactions(account_id, seq);
	CREATE INDEX IF NOT EXISTS idx_transactions_status
		ON transactions(status);

	-- At most one course reward per (account, course).
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_course_reward
		ON transactions(account_id, course_id)
		WHERE course_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		token_cost TEXT NOT NULL,
		available INTEGER NOT NULL CHECK (available >= 0),
		reserved INTEGER NOT NULL CHECK (reserved >= 0),
		total INTEGER NOT NULL,
		is_unlimited INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		available_from TEXT,
		available_until TEXT,
		delivery_type TEXT NOT NULL,
		total_redemptions INTEGER NOT NULL DEFAULT 0,
		popularity INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS redemptions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		item_id TEXT NOT NULL REFERENCES items(id),
		quantity INTEGER NOT NULL,
		unit_cost TEXT NOT NULL,
		total_cost TEXT NOT NULL,
		delivery_type TEXT NOT NULL,
		delivery_json TEXT NOT NULL,
		status TEXT NOT NULL,
		history_json TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		stock_confirmed INTEGER NOT NULL DEFAULT 0,
		stock_returned INTEGER NOT NULL DEFAULT 0,
		refund_transaction_id TEXT,
		cancel_reason TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_account
		ON redemptions(account_id, seq);

	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		payment_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (account_id, course_id)
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// withTx runs fn in a SQL transaction, committing if fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
