package inventory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-ledger/ledger"
)

var now = time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)

func limited(available int) Item {
	return Item{
		ID: "mug", Name: "Mug", TokenCost: ledger.Tokens(30),
		Stock:    Stock{Available: available, Total: available},
		IsActive: true, DeliveryType: DeliveryPhysical,
	}
}

func TestItemValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Item)
		field  string
	}{
		{"missing id", func(i *Item) { i.ID = "" }, "id"},
		{"free item", func(i *Item) { i.TokenCost = ledger.Tokens(0) }, "tokenCost"},
		{"unknown delivery", func(i *Item) { i.DeliveryType = "drone" }, "deliveryType"},
		{"negative stock", func(i *Item) { i.Stock.Available = -1 }, "stock"},
		{"triple mismatch", func(i *Item) { i.Stock.Total = 99 }, "stock"},
		{"window reversed", func(i *Item) {
			from, until := now, now.Add(-time.Hour)
			i.AvailableFrom, i.AvailableUntil = &from, &until
		}, "availableUntil"},
	}
	require.NoError(t, limited(5).Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := limited(5)
			tt.mutate(&item)
			var ve *ledger.ValidationError
			require.ErrorAs(t, item.Validate(), &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestItemValidate_UnlimitedIgnoresTriple(t *testing.T) {
	item := limited(0)
	item.IsUnlimited = true
	item.Stock.Total = 7

	assert.NoError(t, item.Validate())
}

func TestCheckAvailable(t *testing.T) {
	before, after := now.Add(time.Hour), now.Add(-time.Hour)

	tests := []struct {
		name     string
		item     func() Item
		quantity int
		reason   string
	}{
		{"inactive", func() Item { i := limited(5); i.IsActive = false; return i }, 1, "inactive"},
		{"window not open", func() Item { i := limited(5); i.AvailableFrom = &before; return i }, 1, "not yet available"},
		{"window closed", func() Item { i := limited(5); i.AvailableUntil = &after; return i }, 1, "no longer available"},
		{"short stock", func() Item { return limited(2) }, 3, "only 2 in stock"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.item().CheckAvailable(tt.quantity, now)
			var ue *UnavailableError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, tt.reason, ue.Reason)
			assert.ErrorIs(t, err, ErrItemUnavailable)
		})
	}

	assert.True(t, limited(3).IsAvailable(3, now))
	assert.ErrorIs(t, limited(3).CheckAvailable(0, now), ledger.ErrValidation)
}

func TestApplyStock_FullCycle(t *testing.T) {
	item := limited(5)

	// reserve 2: 3 available, 2 reserved
	item, err := item.ApplyStock(StockChange{Op: OpReserve, Quantity: 2}, now)
	require.NoError(t, err)
	assert.Equal(t, Stock{Available: 3, Reserved: 2, Total: 5}, item.Stock)

	// confirm 1: the unit leaves the shelf
	item, err = item.ApplyStock(StockChange{Op: OpConfirm, Quantity: 1}, now)
	require.NoError(t, err)
	assert.Equal(t, Stock{Available: 3, Reserved: 1, Total: 4}, item.Stock)
	assert.Equal(t, 1, item.TotalRedemptions)

	// release 1: back to available
	item, err = item.ApplyStock(StockChange{Op: OpRelease, Quantity: 1}, now)
	require.NoError(t, err)
	assert.Equal(t, Stock{Available: 4, Reserved: 0, Total: 4}, item.Stock)

	// restock 1: the confirmed unit returns
	item, err = item.ApplyStock(StockChange{Op: OpRestock, Quantity: 1}, now)
	require.NoError(t, err)
	assert.Equal(t, Stock{Available: 5, Reserved: 0, Total: 5}, item.Stock)
	assert.Equal(t, 0, item.TotalRedemptions)
	assert.Equal(t, 1, item.Popularity)
}

func TestApplyStock_UnpairedReleaseIsConflict(t *testing.T) {
	_, err := limited(5).ApplyStock(StockChange{Op: OpRelease, Quantity: 1}, now)

	assert.ErrorIs(t, err, ErrStockConflict)
}

func TestApplyStock_UnlimitedOnlyMovesCounters(t *testing.T) {
	item := limited(0)
	item.IsUnlimited = true

	item, err := item.ApplyStock(StockChange{Op: OpReserve, Quantity: 50}, now)
	require.NoError(t, err)
	item, err = item.ApplyStock(StockChange{Op: OpConfirm, Quantity: 50}, now)
	require.NoError(t, err)

	assert.Equal(t, Stock{}, item.Stock)
	assert.Equal(t, 50, item.TotalRedemptions)
}

func TestCost(t *testing.T) {
	assert.True(t, limited(1).Cost(3).Equal(ledger.Tokens(90)))
}
