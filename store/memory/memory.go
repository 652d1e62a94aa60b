// Package memory provides an in-process implementation of every persistence
// interface (ledger, inventory, redemption, enrollment). One mutex guards all
// of it, which makes each method trivially atomic. Use for tests and dev.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/warp/token-ledger/enrollment"
	"github.com/warp/token-ledger/inventory"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/redemption"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu sync.Mutex

	accounts     map[ledger.AccountID]ledger.Account
	transactions map[ledger.TransactionID]ledger.Transaction
	txOrder      []ledger.TransactionID
	idempotency  map[string]ledger.TransactionID

	items map[inventory.ItemID]inventory.Item

	redemptions map[redemption.ID]redemption.Redemption
	redOrder    []redemption.ID

	enrollments map[enrollmentKey]enrollment.Enrollment
}

type enrollmentKey struct {
	account ledger.AccountID
	course  string
}

func New() *Memory {
	return &Memory{
		accounts:     make(map[ledger.AccountID]ledger.Account),
		transactions: make(map[ledger.TransactionID]ledger.Transaction),
		idempotency:  make(map[string]ledger.TransactionID),
		items:        make(map[inventory.ItemID]inventory.Item),
		redemptions:  make(map[redemption.ID]redemption.Redemption),
		enrollments:  make(map[enrollmentKey]enrollment.Enrollment),
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, acct ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.ID]; ok {
		return ledger.ErrAccountExists
	}
	m.accounts[acct.ID] = acct
	return nil
}

func (m *Memory) Account(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, &ledger.NotFoundError{Resource: "account", ID: string(id)}
	}
	return acct, nil
}

func (m *Memory) SetWalletAddress(_ context.Context, id ledger.AccountID, address string, now time.Time) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, &ledger.NotFoundError{Resource: "account", ID: string(id)}
	}
	if acct.WalletAddress != "" && acct.WalletAddress != address {
		return acct, &ledger.ValidationError{Field: "walletAddress", Message: "a different wallet is already connected"}
	}
	acct.WalletAddress = address
	acct.UpdatedAt = now
	m.accounts[id] = acct
	return acct, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// Apply plans against the current account and commits under the lock, so
// the version precondition always holds here. It is still checked to keep
// the contract identical to the durable store.
func (m *Memory) Apply(_ context.Context, id ledger.AccountID, plan ledger.PlanFunc) (ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return ledger.Transaction{}, &ledger.NotFoundError{Resource: "account", ID: string(id)}
	}
	mut, err := plan(acct)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if mut.ExpectedVersion != acct.Version {
		return ledger.Transaction{}, ledger.ErrConcurrentModification
	}
	tx := mut.Transaction
	if tx.IdempotencyKey != "" {
		if _, dup := m.idempotency[tx.IdempotencyKey]; dup {
			return ledger.Transaction{}, ledger.ErrDuplicateIdempotencyKey
		}
		m.idempotency[tx.IdempotencyKey] = tx.ID
	}

	acct.Balance = mut.Balance
	acct.Version++
	acct.UpdatedAt = tx.CreatedAt
	m.accounts[id] = acct

	m.transactions[tx.ID] = cloneTx(tx)
	m.txOrder = append(m.txOrder, tx.ID)
	return cloneTx(tx), nil
}

func (m *Memory) Transaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return ledger.Transaction{}, &ledger.NotFoundError{Resource: "transaction", ID: string(id)}
	}
	return cloneTx(tx), nil
}

func (m *Memory) TransactionByKey(_ context.Context, key string) (ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.idempotency[key]
	if !ok {
		return ledger.Transaction{}, &ledger.NotFoundError{Resource: "transaction", ID: key}
	}
	return cloneTx(m.transactions[id]), nil
}

func (m *Memory) UpdateTransaction(_ context.Context, tx ledger.Transaction, expected ledger.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.transactions[tx.ID]
	if !ok {
		return &ledger.NotFoundError{Resource: "transaction", ID: string(tx.ID)}
	}
	if cur.Status != expected {
		return ledger.ErrConcurrentModification
	}
	m.writeTransaction(cur, tx)
	return nil
}

func (m *Memory) ClaimTransaction(_ context.Context, tx, prev ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.transactions[tx.ID]
	if !ok {
		return &ledger.NotFoundError{Resource: "transaction", ID: string(tx.ID)}
	}
	if cur.Status != prev.Status || mirrorStatus(cur) != mirrorStatus(prev) || !cur.UpdatedAt.Equal(prev.UpdatedAt) {
		return ledger.ErrConcurrentModification
	}
	m.writeTransaction(cur, tx)
	return nil
}

// writeTransaction copies the mutable fields of tx onto cur. Caller holds mu.
func (m *Memory) writeTransaction(cur, tx ledger.Transaction) {
	cur.Status = tx.Status
	cur.Mirror = tx.Mirror
	cur.ErrorMessage = tx.ErrorMessage
	cur.UpdatedAt = tx.UpdatedAt
	m.transactions[tx.ID] = cloneTx(cur)
}

// =============================================================================
// READ SIDE
// =============================================================================

func (m *Memory) ListTransactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []ledger.Transaction
	for i := len(m.txOrder) - 1; i >= 0; i-- {
		tx := m.transactions[m.txOrder[i]]
		if matches(tx, f) {
			matched = append(matched, tx)
		}
	}
	total := len(matched)
	page := paginate(matched, f.Offset, f.Limit)
	out := make([]ledger.Transaction, len(page))
	for i, tx := range page {
		out[i] = cloneTx(tx)
	}
	return out, total, nil
}

func matches(tx ledger.Transaction, f ledger.TransactionFilter) bool {
	if f.AccountID != "" && tx.AccountID != f.AccountID {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, tx.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, tx.Status) {
		return false
	}
	if f.From != nil && tx.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

func (m *Memory) TypeTotals(_ context.Context, id ledger.AccountID) ([]ledger.TypeTotal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType := make(map[ledger.TransactionType]*ledger.TypeTotal)
	for _, txID := range m.txOrder {
		tx := m.transactions[txID]
		if tx.AccountID != id {
			continue
		}
		t, ok := byType[tx.Type]
		if !ok {
			t = &ledger.TypeTotal{Type: tx.Type, Sum: ledger.Tokens(0)}
			byType[tx.Type] = t
		}
		t.Count++
		t.Sum = t.Sum.Add(tx.Amount)
	}
	out := make([]ledger.TypeTotal, 0, len(byType))
	for _, t := range byType {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (m *Memory) Leaderboard(_ context.Context, limit int) ([]ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Balance.Earned.Cmp(out[j].Balance.Earned); c != 0 {
			return c > 0
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, 0, limit), nil
}

func (m *Memory) MirrorBacklog(_ context.Context, limit int) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ledger.Transaction
	for _, id := range m.txOrder {
		tx := m.transactions[id]
		if tx.Status != ledger.StatusCompletedOffchain || tx.Amount.IsNegative() {
			continue
		}
		if !m.accounts[tx.AccountID].HasWallet() {
			continue
		}
		out = append(out, cloneTx(tx))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneTx(tx ledger.Transaction) ledger.Transaction {
	if tx.Mirror != nil {
		mirror := *tx.Mirror
		tx.Mirror = &mirror
	}
	return tx
}

func mirrorStatus(tx ledger.Transaction) ledger.BlockchainStatus {
	if tx.Mirror == nil {
		return ""
	}
	return tx.Mirror.Status
}

func paginate[T any](s []T, offset, limit int) []T {
	offset = max(offset, 0)
	if offset >= len(s) {
		return nil
	}
	s = s[offset:]
	if limit > 0 && limit < len(s) {
		s = s[:limit]
	}
	return s
}

func notFound(resource, id string) error {
	return &ledger.NotFoundError{Resource: resource, ID: id}
}
