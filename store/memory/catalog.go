package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/warp/token-ledger/enrollment"
	"github.com/warp/token-ledger/inventory"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/redemption"
)

// =============================================================================
// ITEMS
// =============================================================================

func (m *Memory) CreateItem(_ context.Context, item inventory.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; ok {
		return &ledger.ValidationError{Field: "id", Message: fmt.Sprintf("item %s already exists", item.ID)}
	}
	m.items[item.ID] = item
	return nil
}

func (m *Memory) Item(_ context.Context, id inventory.ItemID) (inventory.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return inventory.Item{}, notFound("item", string(id))
	}
	return item, nil
}

func (m *Memory) ListItems(_ context.Context, activeOnly bool) ([]inventory.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]inventory.Item, 0, len(m.items))
	for _, item := range m.items {
		if activeOnly && !item.IsActive {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ApplyStock(_ context.Context, c inventory.StockChange, now time.Time) (inventory.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyStockLocked(c, now)
}

func (m *Memory) applyStockLocked(c inventory.StockChange, now time.Time) (inventory.Item, error) {
	item, ok := m.items[c.ItemID]
	if !ok {
		return inventory.Item{}, notFound("item", string(c.ItemID))
	}
	next, err := item.ApplyStock(c, now)
	if err != nil {
		return inventory.Item{}, err
	}
	m.items[c.ItemID] = next
	return next, nil
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

func (m *Memory) CreateRedemption(_ context.Context, r redemption.Redemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.redemptions[r.ID]; ok {
		return &ledger.ValidationError{Field: "id", Message: fmt.Sprintf("redemption %s already exists", r.ID)}
	}
	r.Version = 1
	m.redemptions[r.ID] = cloneRedemption(r)
	m.redOrder = append(m.redOrder, r.ID)
	return nil
}

func (m *Memory) Redemption(_ context.Context, id redemption.ID) (redemption.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.redemptions[id]
	if !ok {
		return redemption.Redemption{}, notFound("redemption", string(id))
	}
	return cloneRedemption(r), nil
}

func (m *Memory) UpdateRedemption(_ context.Context, r redemption.Redemption) (redemption.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.redemptions[r.ID]
	if !ok {
		return redemption.Redemption{}, notFound("redemption", string(r.ID))
	}
	if cur.Version != r.Version {
		return redemption.Redemption{}, ledger.ErrConcurrentModification
	}
	r.Version++
	m.redemptions[r.ID] = cloneRedemption(r)
	return cloneRedemption(r), nil
}

func (m *Memory) ListRedemptions(_ context.Context, f redemption.Filter) ([]redemption.Redemption, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []redemption.Redemption
	for i := len(m.redOrder) - 1; i >= 0; i-- {
		r := m.redemptions[m.redOrder[i]]
		if f.AccountID != "" && r.AccountID != f.AccountID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		matched = append(matched, r)
	}
	page := paginate(matched, f.Offset, f.Limit)
	out := make([]redemption.Redemption, len(page))
	for i, r := range page {
		out[i] = cloneRedemption(r)
	}
	return out, len(matched), nil
}

func (m *Memory) ReturnStock(_ context.Context, id redemption.ID, c inventory.StockChange, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.redemptions[id]
	if !ok {
		return false, notFound("redemption", string(id))
	}
	if r.StockReturned {
		return false, nil
	}
	if _, err := m.applyStockLocked(c, now); err != nil {
		return false, err
	}
	r.StockReturned = true
	r.UpdatedAt = now
	r.Version++
	m.redemptions[id] = r
	return true, nil
}

func cloneRedemption(r redemption.Redemption) redemption.Redemption {
	r.History = append([]redemption.HistoryEntry(nil), r.History...)
	return r
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

func (m *Memory) CreateEnrollment(_ context.Context, e enrollment.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := enrollmentKey{account: e.AccountID, course: e.CourseID}
	if _, ok := m.enrollments[k]; ok {
		return enrollment.ErrAlreadyEnrolled
	}
	m.enrollments[k] = e
	return nil
}

func (m *Memory) Enrollment(_ context.Context, account ledger.AccountID, course string) (enrollment.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[enrollmentKey{account: account, course: course}]
	if !ok {
		return enrollment.Enrollment{}, notFound("enrollment", string(account)+"/"+course)
	}
	return e, nil
}

func (m *Memory) ListEnrollments(_ context.Context, account ledger.AccountID) ([]enrollment.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []enrollment.Enrollment
	for k, e := range m.enrollments {
		if k.account == account {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
