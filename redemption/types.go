/*
Package redemption provides the Redemption Engine: spending tokens on
redeemable items, and cancelling with compensation.

LIFECYCLE:

	pending ──▶ processing ──┬──▶ shipped ──▶ delivered     (physical only)
	   │            │        ├──▶ completed
	   │            │        └──▶ failed
	   └────────────┴──────────▶ cancelled

	completed and delivered are terminal and not cancellable.
	failed stays cancellable so the cost can be refunded.

ORCHESTRATION:
  The engine owns neither the balance nor the stock. It calls the Ledger and
  the Inventory Guard in sequence and, when a later step fails, issues the
  compensating step (release, refund) before returning the error.

SEE ALSO:
  - engine.go: Create, Cancel, Advance
  - delivery.go: delivery details per delivery type
*/
package redemption

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/token-ledger/inventory"
	"github.com/warp/token-ledger/ledger"
)

type ID string

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusCancelled, StatusFailed},
	StatusProcessing: {StatusShipped, StatusCompleted, StatusCancelled, StatusFailed},
	StatusShipped:    {StatusDelivered, StatusCancelled, StatusFailed},
	StatusFailed:     {StatusCancelled},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Cancellable reports whether a redemption in s can still be cancelled.
func (s Status) Cancellable() bool {
	return s != StatusCompleted && s != StatusDelivered && s != StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusShipped, StatusDelivered,
		StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotCancellable is returned when cancelling a completed or delivered redemption.
	ErrNotCancellable = errors.New("redemption not cancellable")
)

// =============================================================================
// REDEMPTION
// =============================================================================

type HistoryEntry struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
}

type Redemption struct {
	ID           ID
	AccountID    ledger.AccountID
	ItemID       inventory.ItemID
	Quantity     int
	UnitCost     decimal.Decimal
	TotalCost    decimal.Decimal // snapshot at creation; never recomputed
	DeliveryType inventory.DeliveryType
	Delivery     Delivery
	Status       Status
	History      []HistoryEntry

	TransactionID ledger.TransactionID

	// Compensation progress. Each flag is written once its step succeeded,
	// so a repeated Cancel resumes instead of repeating work.
	StockConfirmed      bool
	StockReturned       bool
	RefundTransactionID ledger.TransactionID
	CancelReason        string

	// Version increments on every write and guards concurrent updates.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// moveTo returns r in status to, with the history entry appended.
func (r Redemption) moveTo(to Status, note string, now time.Time) Redemption {
	r.Status = to
	r.History = append(append([]HistoryEntry(nil), r.History...), HistoryEntry{Status: to, At: now, Note: note})
	r.UpdatedAt = now
	return r
}

// =============================================================================
// STORE
// =============================================================================

type Filter struct {
	AccountID ledger.AccountID
	Status    Status
	Offset    int
	Limit     int
}

// Store persists redemptions.
type Store interface {
	CreateRedemption(ctx context.Context, r Redemption) error
	Redemption(ctx context.Context, id ID) (Redemption, error)

	// UpdateRedemption writes r if the stored version equals r.Version and
	// bumps the version. Otherwise returns ledger.ErrConcurrentModification.
	UpdateRedemption(ctx context.Context, r Redemption) (Redemption, error)

	// ListRedemptions returns one page, newest first, and the total match count.
	ListRedemptions(ctx context.Context, f Filter) ([]Redemption, int, error)

	// ReturnStock applies change to the item and sets StockReturned on the
	// redemption in one atomic step. Returns false if stock was already returned.
	ReturnStock(ctx context.Context, id ID, change inventory.StockChange, now time.Time) (bool, error)
}
