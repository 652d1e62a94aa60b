/*
sqlite_test.go - Store behaviour against an in-memory SQLite database

Tests for:
- Atomic balance + transaction writes and the unique idempotency key
- Conditional status updates, mirror claims and history queries
- Conditional wallet writes
- Corrupt stored amounts surface as errors
- Stock moves that never oversell
- Versioned redemption writes and one-shot stock return
- Unique enrollments
*/
package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-ledger/enrollment"
	"github.com/warp/token-ledger/inventory"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/redemption"
	"github.com/warp/token-ledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func earn(t *testing.T, l *ledger.Ledger, id ledger.AccountID, amount int64, key string) ledger.Transaction {
	t.Helper()
	tx, err := l.RecordTransaction(context.Background(), ledger.Entry{
		AccountID: id, Type: ledger.TxEarned, Amount: ledger.Tokens(amount),
		Source: ledger.AdminAction{ActorID: "test"}, IdempotencyKey: key,
	})
	require.NoError(t, err)
	return tx
}

func openAccount(t *testing.T, l *ledger.Ledger, id ledger.AccountID) {
	t.Helper()
	_, err := l.OpenAccount(context.Background(), id)
	require.NoError(t, err)
}

func voucher(id inventory.ItemID, cost int64, stock int) inventory.Item {
	return inventory.Item{
		ID: id, Name: string(id), TokenCost: ledger.Tokens(cost),
		Stock:    inventory.Stock{Available: stock, Total: stock},
		IsActive: true, DeliveryType: inventory.DeliveryVoucher,
	}
}

// =============================================================================
// ACCOUNTS AND TRANSACTIONS
// =============================================================================

func TestStore_Ping(t *testing.T) {
	assert.NoError(t, newStore(t).Ping(context.Background()))
}

func TestAccount_CreateTwice(t *testing.T) {
	store := newStore(t)
	l := ledger.New(store)
	openAccount(t, l, "ana")

	_, err := l.OpenAccount(context.Background(), "ana")

	assert.ErrorIs(t, err, ledger.ErrAccountExists)
}

func TestAccount_NotFound(t *testing.T) {
	store := newStore(t)

	_, err := store.Account(context.Background(), "ghost")

	assert.True(t, ledger.IsNotFound(err))
}

func TestApply_WritesBalanceAndTransaction(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := ledger.New(store)
	openAccount(t, l, "ana")

	// WHEN: recording a reward and a spend
	earned := earn(t, l, "ana", 100, "")
	_, err := l.RecordTransaction(ctx, ledger.Entry{
		AccountID: "ana", Type: ledger.TxSpent, Amount: ledger.Tokens(40),
		Source: ledger.Redemption{RedemptionID: "r-1", ItemID: "mug", Quantity: 1},
	})
	require.NoError(t, err)

	// THEN: the balance reflects both and the rows read back intact
	acct, err := store.Account(ctx, "ana")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Total.Equal(ledger.Tokens(60)))
	assert.True(t, acct.Balance.Earned.Equal(ledger.Tokens(100)))
	assert.True(t, acct.Balance.Redeemed.Equal(ledger.Tokens(40)))
	assert.Equal(t, int64(3), acct.Version)

	stored, err := store.Transaction(ctx, earned.ID)
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(ledger.Tokens(100)))
	assert.True(t, stored.BalanceAfter.Equal(ledger.Tokens(100)))
	assert.Equal(t, ledger.AdminAction{ActorID: "test"}, stored.Source)
}

func TestApply_InsufficientBalanceWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := ledger.New(store)
	openAccount(t, l, "bo")
	earn(t, l, "bo", 10, "")

	_, err := l.RecordTransaction(ctx, ledger.Entry{
		AccountID: "bo", Type: ledger.TxSpent, Amount: ledger.Tokens(11),
		Source: ledger.Redemption{RedemptionID: "r-1", ItemID: "mug", Quantity: 1},
	})

	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	_, n, err := store.ListTransactions(ctx, ledger.TransactionFilter{AccountID: "bo"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestApply_DuplicateKeyRejected(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := ledger.New(store)
	openAccount(t, l, "cy")
	first := earn(t, l, "cy", 50, "registration:cy")

	// WHEN: the same key is recorded again
	_, err := l.RecordTransaction(ctx, ledger.Entry{
		AccountID: "cy", Type: ledger.TxBonus, Amount: ledger.Tokens(50),
		Source: ledger.Registration{}, IdempotencyKey: "registration:cy",
	})

	// THEN: the unique index rejects it and the balance counts it once
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	byKey, err := store.TransactionByKey(ctx, "registration:cy")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byKey.ID)
	acct, _ := store.Account(ctx, "cy")
	assert.True(t, acct.Balance.Total.Equal(ledger.Tokens(50)))
}

func TestApply_OneRewardPerCourse(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := ledger.New(store)
	openAccount(t, l, "dee")
	entry := ledger.Entry{
		AccountID: "dee", Type: ledger.TxEarned, Amount: ledger.Tokens(100),
		Source: ledger.CourseCompletion{CourseID: "go-101", BaseReward: ledger.Tokens(100)},
	}

	entry.IdempotencyKey = "first"
	_, err := l.RecordTransaction(ctx, entry)
	require.NoError(t, err)
	entry.IdempotencyKey = "second"
	_, err = l.RecordTransaction(ctx, entry)

	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
}

func TestApply_ConcurrentSpendsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := ledger.New(store)
	openAccount(t, l, "eve")
	earn(t, l, "eve", 100, "")

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RecordTransaction(ctx, ledger.Entry{
				AccountID: "eve", Type: ledger.TxSpent, Amount: ledger.Tokens(10),
				Source: ledger.Redemption{RedemptionID: "r", ItemID: "sticker", Quantity: 1},
			})
			if err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	acct, _ := store.Account(ctx, "eve")
	assert.True(t, acct.Balance.Total.IsZero())
	assert.True(t, acct.Balance.Consistent())
}

func TestUpdateTransaction_StatusPrecondition(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := ledger.New(store)
	openAccount(t, l, "fin")
	tx, err := l.RecordTransaction(ctx, ledger.Entry{
		AccountID: "fin", Type: ledger.TxEarned, Amount: ledger.Tokens(5),
		Source: ledger.Registration{}, Status: ledger.StatusPending,
	})
	require.NoError(t, err)

	// GIVEN: the transaction completed on chain
	done, err := l.MarkCompleted(ctx, tx.ID, "0xabc", 9)
	require.NoError(t, err)

	// WHEN: a stale writer still believes it is pending
	stale := done
	stale.Status = ledger.StatusFailed
	err = store.UpdateTransaction(ctx, stale, ledger.StatusPending)

	// THEN: the write is rejected and the mirror survives
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	stored, err := store.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, stored.Status)
	require.NotNil(t, stored.Mirror)
	assert.Equal(t, "0xabc", stored.Mirror.Hash)
	assert.Equal(t, uint64(9), stored.Mirror.BlockNumber)
}

// =============================================================================
// READ SIDE
// =============================================================================

func TestListTransactions_FiltersNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := ledger.New(store)
	openAccount(t, l, "gil")
	earn(t, l, "gil", 10, "")
	earn(t, l, "gil", 20, "")
	_, err := l.RecordTransaction(ctx, ledger.Entry{
		AccountID: "gil", Type: ledger.TxBonus, Amount: ledger.Tokens(5), Source: ledger.Registration{},
	})
	require.NoError(t, err)

	txs, total, err := store.ListTransactions(ctx, ledger.TransactionFilter{
		AccountID: "gil", Types: []ledger.TransactionType{ledger.TxEarned}, Limit: 1,
	})

	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Amount.Equal(ledger.Tokens(20)))

	totals, err := store.TypeTotals(ctx, "gil")
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, ledger.TxBonus, totals[0].Type)
	assert.Equal(t, ledger.TxEarned, totals[1].Type)
	assert.Equal(t, 2, totals[1].Count)
	assert.True(t, totals[1].Sum.Equal(ledger.Tokens(30)))
}

func TestLeaderboard_OrdersByEarned(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := ledger.New(store)
	for _, id := range []ledger.AccountID{"a", "b", "c"} {
		openAccount(t, l, id)
	}
	earn(t, l, "a", 9, "")
	earn(t, l, "b", 100, "")
	earn(t, l, "c", 20, "")

	board, err := store.Leaderboard(ctx, 2)

	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, ledger.AccountID("b"), board[0].ID)
	assert.Equal(t, ledger.AccountID("c"), board[1].ID)
}

func TestMirrorBacklog_OnlyWalletRewardsCompletedOffchain(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := ledger.New(store)
	openAccount(t, l, "hal")
	openAccount(t, l, "ida")
	_, _, err := l.ConnectWallet(ctx, "hal", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	require.NoError(t, err)

	offchain := func(id ledger.AccountID) ledger.Transaction {
		tx, err := l.RecordTransaction(ctx, ledger.Entry{
			AccountID: id, Type: ledger.TxEarned, Amount: ledger.Tokens(10),
			Source: ledger.Registration{}, Status: ledger.StatusPending,
		})
		require.NoError(t, err)
		tx, err = l.MarkCompletedOffchain(ctx, tx.ID, "", "")
		require.NoError(t, err)
		return tx
	}
	want := offchain("hal")
	offchain("ida")
	earn(t, l, "hal", 5, "")

	backlog, err := store.MirrorBacklog(ctx, 0)

	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, want.ID, backlog[0].ID)
}

func TestClaimTransaction_OnlyOneClaimWins(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := ledger.New(store)
	openAccount(t, l, "kai")
	tx, err := l.RecordTransaction(ctx, ledger.Entry{
		AccountID: "kai", Type: ledger.TxEarned, Amount: ledger.Tokens(10),
		Source: ledger.Registration{}, Status: ledger.StatusPending,
	})
	require.NoError(t, err)
	off, err := l.MarkCompletedOffchain(ctx, tx.ID, "0xfirst", "receipt timed out")
	require.NoError(t, err)

	// GIVEN: two sweepers read the same row
	first, err := off.ClaimMirror(off.UpdatedAt, off.UpdatedAt.Add(time.Second))
	require.NoError(t, err)
	second, err := off.ClaimMirror(off.UpdatedAt, off.UpdatedAt.Add(2*time.Second))
	require.NoError(t, err)

	// WHEN: both try to write their claim
	require.NoError(t, store.ClaimTransaction(ctx, first, off))
	err = store.ClaimTransaction(ctx, second, off)

	// THEN: the second one loses and the hash is stored with the claim
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	stored, err := store.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ChainPending, stored.Mirror.Status)
	assert.Equal(t, "0xfirst", stored.Mirror.Hash)
}

func TestSetWalletAddress_DifferentAddressRejected(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := ledger.New(store)
	openAccount(t, l, "lou")

	// GIVEN: a wallet written by one connect
	_, err := store.SetWalletAddress(ctx, "lou", "0x01", time.Now())
	require.NoError(t, err)

	// WHEN: a racing connect with another address writes after it
	_, err = store.SetWalletAddress(ctx, "lou", "0x02", time.Now())

	// THEN: the write matches no row and the first wallet stays
	assert.ErrorIs(t, err, ledger.ErrValidation)
	acct, err := store.Account(ctx, "lou")
	require.NoError(t, err)
	assert.Equal(t, "0x01", acct.WalletAddress)

	// AND: the same address again is accepted
	_, err = store.SetWalletAddress(ctx, "lou", "0x01", time.Now())
	assert.NoError(t, err)
}

func TestSetWalletAddress_UnknownAccount(t *testing.T) {
	_, err := newStore(t).SetWalletAddress(context.Background(), "ghost", "0x01", time.Now())
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestAccount_CorruptBalanceIsAnError(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	l := ledger.New(store)
	openAccount(t, l, "mae")
	earn(t, l, "mae", 40, "")

	// GIVEN: a balance column that no longer parses
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.ExecContext(ctx, `UPDATE accounts SET total = 'forty' WHERE id = ?`, "mae")
	require.NoError(t, err)

	// WHEN: the account is read
	_, err = l.Account(ctx, "mae")

	// THEN: the read fails instead of reporting zero
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forty")

	// AND: no write plans from a zero balance
	_, err = l.RecordTransaction(ctx, ledger.Entry{
		AccountID: "mae", Type: ledger.TxEarned, Amount: ledger.Tokens(5),
		Source: ledger.AdminAction{ActorID: "test"},
	})
	require.Error(t, err)
	var total string
	require.NoError(t, raw.QueryRowContext(ctx, `SELECT total FROM accounts WHERE id = ?`, "mae").Scan(&total))
	assert.Equal(t, "forty", total)
}

func TestTransaction_CorruptAmountIsAnError(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	l := ledger.New(store)
	openAccount(t, l, "ola")
	tx := earn(t, l, "ola", 40, "")

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.ExecContext(ctx, `UPDATE transactions SET amount = '' WHERE id = ?`, string(tx.ID))
	require.NoError(t, err)

	_, err = l.Transaction(ctx, tx.ID)

	assert.Error(t, err)
}

// =============================================================================
// CATALOG
// =============================================================================

func TestApplyStock_NeverOversells(t *testing.T) {
	ctx := context.Background()
	g := inventory.NewGuard(newStore(t), zerolog.Nop())
	_, err := g.AddItem(ctx, voucher("sticker", 10, 3))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var won atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Reserve(ctx, "sticker", 1); err == nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), won.Load())
	item, err := g.Item(ctx, "sticker")
	require.NoError(t, err)
	assert.Equal(t, inventory.Stock{Available: 0, Reserved: 3, Total: 3}, item.Stock)

	_, err = g.Reserve(ctx, "sticker", 1)
	assert.ErrorIs(t, err, inventory.ErrItemUnavailable)
}

func TestApplyStock_UnpairedReleaseIsRejected(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	g := inventory.NewGuard(store, zerolog.Nop())
	_, err := g.AddItem(ctx, voucher("mug", 10, 2))
	require.NoError(t, err)

	_, err = g.Release(ctx, "mug", 1)

	assert.Error(t, err)
	item, _ := g.Item(ctx, "mug")
	assert.Equal(t, inventory.Stock{Available: 2, Total: 2}, item.Stock)
}

func TestCreateItem_Duplicate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.CreateItem(ctx, voucher("cap", 1, 1)))

	err := store.CreateItem(ctx, voucher("cap", 1, 1))

	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestRedemption_FullCycle(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := ledger.New(store)
	g := inventory.NewGuard(store, zerolog.Nop())
	engine := redemption.NewEngine(l, g, store, zerolog.Nop())
	openAccount(t, l, "jo")
	earn(t, l, "jo", 300, "")
	_, err := g.AddItem(ctx, voucher("keyboard", 300, 1))
	require.NoError(t, err)

	// WHEN: the last unit is bought and then cancelled
	r, err := engine.Create(ctx, redemption.Request{AccountID: "jo", ItemID: "keyboard", Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, redemption.StatusCompleted, r.Status)

	stored, err := store.Redemption(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, stored.TotalCost.Equal(ledger.Tokens(300)))
	assert.True(t, stored.StockConfirmed)

	// THEN: a stale version cannot overwrite the record
	stale := stored
	stale.Version--
	_, err = store.UpdateRedemption(ctx, stale)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	// AND: stock is only returned once
	returned, err := store.ReturnStock(ctx, r.ID, inventory.StockChange{ItemID: "keyboard", Op: inventory.OpRestock, Quantity: 1}, stored.UpdatedAt)
	require.NoError(t, err)
	assert.True(t, returned)
	returned, err = store.ReturnStock(ctx, r.ID, inventory.StockChange{ItemID: "keyboard", Op: inventory.OpRestock, Quantity: 1}, stored.UpdatedAt)
	require.NoError(t, err)
	assert.False(t, returned)

	item, _ := g.Item(ctx, "keyboard")
	assert.Equal(t, inventory.Stock{Available: 1, Total: 1}, item.Stock)

	list, total, err := store.ListRedemptions(ctx, redemption.Filter{AccountID: "jo"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)
}

func TestRedemption_NotFound(t *testing.T) {
	_, err := newStore(t).Redemption(context.Background(), "nope")

	assert.True(t, ledger.IsNotFound(err))
}

func TestEnrollment_Unique(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := enrollment.NewService(store, zerolog.Nop())
	p := enrollment.Purchase{AccountID: "kim", CourseID: "rust-intro", PaymentID: "pay-1"}

	first, already, err := svc.ConfirmPurchase(ctx, p)
	require.NoError(t, err)
	assert.False(t, already)
	second, already, err := svc.ConfirmPurchase(ctx, p)
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, first.ID, second.ID)

	err = store.CreateEnrollment(ctx, first)
	assert.ErrorIs(t, err, enrollment.ErrAlreadyEnrolled)

	list, err := store.ListEnrollments(ctx, "kim")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
