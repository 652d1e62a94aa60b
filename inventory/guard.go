package inventory

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/token-ledger/metrics"
)

// Store persists items. ApplyStock must evaluate the change's precondition
// and write the result as one atomic step; two concurrent reserves for the
// last unit must not both succeed.
type Store interface {
	CreateItem(ctx context.Context, item Item) error
	Item(ctx context.Context, id ItemID) (Item, error)
	ListItems(ctx context.Context, activeOnly bool) ([]Item, error)
	ApplyStock(ctx context.Context, change StockChange, now time.Time) (Item, error)
}

// Guard is the Inventory Guard service.
type Guard struct {
	Store Store
	Now   func() time.Time
	Log   zerolog.Logger
}

func NewGuard(store Store, log zerolog.Logger) *Guard {
	return &Guard{
		Store: store,
		Now:   func() time.Time { return time.Now().UTC() },
		Log:   log.With().Str("component", "inventory").Logger(),
	}
}

func (g *Guard) AddItem(ctx context.Context, item Item) (Item, error) {
	if err := item.Validate(); err != nil {
		return Item{}, err
	}
	now := g.Now()
	item.CreatedAt, item.UpdatedAt = now, now
	if err := g.Store.CreateItem(ctx, item); err != nil {
		return Item{}, err
	}
	return item, nil
}

func (g *Guard) Item(ctx context.Context, id ItemID) (Item, error) {
	return g.Store.Item(ctx, id)
}

func (g *Guard) ListItems(ctx context.Context, activeOnly bool) ([]Item, error) {
	return g.Store.ListItems(ctx, activeOnly)
}

// IsAvailable reads the item and checks it against quantity. The answer can
// be stale by the time the caller acts; Reserve is the authoritative check.
func (g *Guard) IsAvailable(ctx context.Context, id ItemID, quantity int) (bool, error) {
	item, err := g.Store.Item(ctx, id)
	if err != nil {
		return false, err
	}
	return item.IsAvailable(quantity, g.Now()), nil
}

// Reserve moves quantity units from available to reserved. The availability
// window is checked on the snapshot; stock and activity are re-checked by
// the store in the same write that decrements.
func (g *Guard) Reserve(ctx context.Context, id ItemID, quantity int) (Item, error) {
	item, err := g.Store.Item(ctx, id)
	if err != nil {
		return Item{}, err
	}
	now := g.Now()
	if err := item.CheckAvailable(quantity, now); err != nil {
		metrics.StockOperations.WithLabelValues(string(OpReserve), "rejected").Inc()
		return Item{}, err
	}
	return g.apply(ctx, StockChange{ItemID: id, Op: OpReserve, Quantity: quantity}, now)
}

// Confirm turns a reservation into a redemption.
func (g *Guard) Confirm(ctx context.Context, id ItemID, quantity int) (Item, error) {
	return g.apply(ctx, StockChange{ItemID: id, Op: OpConfirm, Quantity: quantity}, g.Now())
}

// Release returns a reservation to available stock.
func (g *Guard) Release(ctx context.Context, id ItemID, quantity int) (Item, error) {
	return g.apply(ctx, StockChange{ItemID: id, Op: OpRelease, Quantity: quantity}, g.Now())
}

// Restock undoes a confirmed redemption.
func (g *Guard) Restock(ctx context.Context, id ItemID, quantity int) (Item, error) {
	return g.apply(ctx, StockChange{ItemID: id, Op: OpRestock, Quantity: quantity}, g.Now())
}

func (g *Guard) apply(ctx context.Context, c StockChange, now time.Time) (Item, error) {
	item, err := g.Store.ApplyStock(ctx, c, now)
	if err != nil {
		metrics.StockOperations.WithLabelValues(string(c.Op), "rejected").Inc()
		g.Log.Debug().Err(err).Str("item", string(c.ItemID)).Str("op", string(c.Op)).Int("quantity", c.Quantity).Msg("stock change rejected")
		return Item{}, err
	}
	metrics.StockOperations.WithLabelValues(string(c.Op), "ok").Inc()
	return item, nil
}
