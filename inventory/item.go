/*
Package inventory provides the Inventory Guard: redeemable items and their
limited stock.

STOCK TRIPLE:
  available + reserved == total for limited items. A redemption moves units

    reserve:  available -> reserved
    confirm:  reserved  -> gone (total shrinks, redemption counters grow)
    release:  reserved  -> available
    restock:  gone      -> available (total grows, undoes a confirm)

  Unlimited items never touch the triple; only the counters move.

INVARIANTS:
  1. available >= 0 and reserved >= 0 at all times
  2. every reserve is paired with exactly one confirm or release
  3. the availability check and the decrement are one atomic store operation

SEE ALSO:
  - guard.go: Guard service applying stock changes through the Store
  - store/sqlite: conditional UPDATE that enforces available >= quantity
*/
package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/token-ledger/ledger"
)

type ItemID string

type DeliveryType string

const (
	DeliveryPhysical DeliveryType = "physical"
	DeliveryDigital  DeliveryType = "digital"
	DeliveryVoucher  DeliveryType = "voucher"
	DeliveryAccess   DeliveryType = "access"
)

func (d DeliveryType) Valid() bool {
	switch d {
	case DeliveryPhysical, DeliveryDigital, DeliveryVoucher, DeliveryAccess:
		return true
	}
	return false
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrItemUnavailable covers inactive, out-of-window and out-of-stock items.
	ErrItemUnavailable = errors.New("item unavailable")

	// ErrStockConflict is returned when confirm or release finds fewer
	// reserved units than requested, i.e. an unpaired reservation.
	ErrStockConflict = errors.New("stock reservation mismatch")
)

type UnavailableError struct {
	ItemID ItemID
	Reason string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("item %s unavailable: %s", e.ItemID, e.Reason)
}

func (e *UnavailableError) Unwrap() error { return ErrItemUnavailable }

// =============================================================================
// ITEM
// =============================================================================

type Stock struct {
	Available int
	Reserved  int
	Total     int
}

type Item struct {
	ID             ItemID
	Name           string
	TokenCost      decimal.Decimal
	Stock          Stock
	IsUnlimited    bool
	IsActive       bool
	AvailableFrom  *time.Time
	AvailableUntil *time.Time
	DeliveryType   DeliveryType

	TotalRedemptions int
	Popularity       int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks a new item definition.
func (i Item) Validate() error {
	if i.ID == "" {
		return &ledger.ValidationError{Field: "id", Message: "required"}
	}
	if !i.TokenCost.IsPositive() {
		return &ledger.ValidationError{Field: "tokenCost", Message: "must be positive"}
	}
	if !i.DeliveryType.Valid() {
		return &ledger.ValidationError{Field: "deliveryType", Message: "unknown delivery type " + string(i.DeliveryType)}
	}
	if i.Stock.Available < 0 || i.Stock.Reserved < 0 {
		return &ledger.ValidationError{Field: "stock", Message: "must not be negative"}
	}
	if !i.IsUnlimited && i.Stock.Total != i.Stock.Available+i.Stock.Reserved {
		return &ledger.ValidationError{Field: "stock", Message: "total must equal available + reserved"}
	}
	if i.AvailableFrom != nil && i.AvailableUntil != nil && i.AvailableUntil.Before(*i.AvailableFrom) {
		return &ledger.ValidationError{Field: "availableUntil", Message: "before availableFrom"}
	}
	return nil
}

// IsAvailable reports whether quantity units can be reserved at now.
func (i Item) IsAvailable(quantity int, now time.Time) bool {
	return i.unavailableReason(quantity, now) == ""
}

// CheckAvailable is IsAvailable with the reason as an *UnavailableError.
func (i Item) CheckAvailable(quantity int, now time.Time) error {
	if quantity <= 0 {
		return &ledger.ValidationError{Field: "quantity", Message: "must be positive"}
	}
	if reason := i.unavailableReason(quantity, now); reason != "" {
		return &UnavailableError{ItemID: i.ID, Reason: reason}
	}
	return nil
}

func (i Item) unavailableReason(quantity int, now time.Time) string {
	switch {
	case !i.IsActive:
		return "inactive"
	case i.AvailableFrom != nil && now.Before(*i.AvailableFrom):
		return "not yet available"
	case i.AvailableUntil != nil && now.After(*i.AvailableUntil):
		return "no longer available"
	case !i.IsUnlimited && i.Stock.Available < quantity:
		return fmt.Sprintf("only %d in stock", i.Stock.Available)
	}
	return ""
}

// Cost is the token price of quantity units.
func (i Item) Cost(quantity int) decimal.Decimal {
	return i.TokenCost.Mul(decimal.NewFromInt(int64(quantity)))
}

// =============================================================================
// STOCK CHANGES - Commands applied atomically by the store
// =============================================================================

type StockOp string

const (
	OpReserve StockOp = "reserve"
	OpConfirm StockOp = "confirm"
	OpRelease StockOp = "release"
	OpRestock StockOp = "restock"
)

type StockChange struct {
	ItemID   ItemID
	Op       StockOp
	Quantity int
}

// ApplyStock returns the item after c, or an error if c's precondition does
// not hold on this snapshot. Stores evaluate the same precondition atomically.
func (i Item) ApplyStock(c StockChange, now time.Time) (Item, error) {
	q := c.Quantity
	if q <= 0 {
		return i, &ledger.ValidationError{Field: "quantity", Message: "must be positive"}
	}
	switch c.Op {
	case OpReserve:
		if !i.IsActive {
			return i, &UnavailableError{ItemID: i.ID, Reason: "inactive"}
		}
		if !i.IsUnlimited {
			if i.Stock.Available < q {
				return i, &UnavailableError{ItemID: i.ID, Reason: fmt.Sprintf("only %d in stock", i.Stock.Available)}
			}
			i.Stock.Available -= q
			i.Stock.Reserved += q
		}
	case OpConfirm:
		if !i.IsUnlimited {
			if i.Stock.Reserved < q {
				return i, fmt.Errorf("confirm %d of %s with %d reserved: %w", q, i.ID, i.Stock.Reserved, ErrStockConflict)
			}
			i.Stock.Reserved -= q
			i.Stock.Total -= q
		}
		i.TotalRedemptions += q
		i.Popularity += q
	case OpRelease:
		if !i.IsUnlimited {
			if i.Stock.Reserved < q {
				return i, fmt.Errorf("release %d of %s with %d reserved: %w", q, i.ID, i.Stock.Reserved, ErrStockConflict)
			}
			i.Stock.Reserved -= q
			i.Stock.Available += q
		}
	case OpRestock:
		if !i.IsUnlimited {
			i.Stock.Available += q
			i.Stock.Total += q
		}
		i.TotalRedemptions = max(i.TotalRedemptions-q, 0)
	default:
		return i, &ledger.ValidationError{Field: "op", Message: "unknown stock operation " + string(c.Op)}
	}
	i.UpdatedAt = now
	return i, nil
}
