package redemption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/token-ledger/inventory"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/metrics"
)

const maxUpdateAttempts = 16

// Ledger is the part of the ledger service the engine drives.
type Ledger interface {
	Account(ctx context.Context, id ledger.AccountID) (ledger.Account, error)
	RecordTransaction(ctx context.Context, e ledger.Entry) (ledger.Transaction, error)
	TransactionByKey(ctx context.Context, key string) (ledger.Transaction, error)
	MarkCompleted(ctx context.Context, id ledger.TransactionID, hash string, blockNumber uint64) (ledger.Transaction, error)
	MarkFailed(ctx context.Context, id ledger.TransactionID, reason string) (ledger.Transaction, error)
}

// Guard is the part of the inventory guard the engine drives.
type Guard interface {
	Item(ctx context.Context, id inventory.ItemID) (inventory.Item, error)
	Reserve(ctx context.Context, id inventory.ItemID, quantity int) (inventory.Item, error)
	Confirm(ctx context.Context, id inventory.ItemID, quantity int) (inventory.Item, error)
	Release(ctx context.Context, id inventory.ItemID, quantity int) (inventory.Item, error)
}

type Engine struct {
	Ledger Ledger
	Guard  Guard
	Store  Store
	Now    func() time.Time
	NewID  func() ID
	Log    zerolog.Logger
}

func NewEngine(l Ledger, g Guard, s Store, log zerolog.Logger) *Engine {
	return &Engine{
		Ledger: l,
		Guard:  g,
		Store:  s,
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  func() ID { return ID(uuid.NewString()) },
		Log:    log.With().Str("component", "redemption").Logger(),
	}
}

// Request asks for quantity units of an item on behalf of an account.
type Request struct {
	AccountID ledger.AccountID
	ItemID    inventory.ItemID
	Quantity  int
	Delivery  Delivery
}

func (r Request) Validate() error {
	if r.AccountID == "" {
		return &ledger.ValidationError{Field: "account", Message: "required"}
	}
	if r.ItemID == "" {
		return &ledger.ValidationError{Field: "item", Message: "required"}
	}
	if r.Quantity <= 0 {
		return &ledger.ValidationError{Field: "quantity", Message: "must be positive"}
	}
	return nil
}

// =============================================================================
// CREATE
// =============================================================================

// Create debits the account, reserves and confirms stock, and records the
// redemption. Any failure after the reservation is compensated before the
// error is returned, so the caller never sees a partial redemption.
func (e *Engine) Create(ctx context.Context, req Request) (Redemption, error) {
	r, err := e.create(ctx, req)
	if err != nil {
		metrics.Redemptions.WithLabelValues(outcome(err)).Inc()
		return Redemption{}, err
	}
	metrics.Redemptions.WithLabelValues("created").Inc()
	return r, nil
}

func (e *Engine) create(ctx context.Context, req Request) (Redemption, error) {
	if err := req.Validate(); err != nil {
		return Redemption{}, err
	}
	acct, err := e.Ledger.Account(ctx, req.AccountID)
	if err != nil {
		return Redemption{}, err
	}
	item, err := e.Guard.Item(ctx, req.ItemID)
	if err != nil {
		return Redemption{}, err
	}
	if err := item.CheckAvailable(req.Quantity, e.Now()); err != nil {
		return Redemption{}, err
	}
	if err := ValidateDelivery(item.DeliveryType, req.Delivery); err != nil {
		return Redemption{}, err
	}
	cost := item.Cost(req.Quantity)
	if acct.Balance.Total.LessThan(cost) {
		// Pre-mutation check. The ledger checks again atomically.
		return Redemption{}, &ledger.InsufficientBalanceError{AccountID: acct.ID, Available: acct.Balance.Total, Requested: cost}
	}

	if _, err := e.Guard.Reserve(ctx, item.ID, req.Quantity); err != nil {
		return Redemption{}, err
	}

	id := e.NewID()
	log := e.Log.With().Str("redemption_id", string(id)).Str("account_id", string(acct.ID)).Str("item_id", string(item.ID)).Logger()

	spend, err := e.Ledger.RecordTransaction(ctx, ledger.Entry{
		AccountID:      acct.ID,
		Type:           ledger.TxSpent,
		Amount:         cost,
		Description:    fmt.Sprintf("Redeemed %d x %s", req.Quantity, item.Name),
		Source:         ledger.Redemption{RedemptionID: string(id), ItemID: string(item.ID), Quantity: req.Quantity},
		IdempotencyKey: "redemption:" + string(id),
		Status:         ledger.StatusPending,
	})
	if err != nil {
		return Redemption{}, errors.Join(err, e.release(ctx, log, item.ID, req.Quantity))
	}

	now := e.Now()
	r := Redemption{
		ID:            id,
		AccountID:     acct.ID,
		ItemID:        item.ID,
		Quantity:      req.Quantity,
		UnitCost:      item.TokenCost,
		TotalCost:     cost,
		DeliveryType:  item.DeliveryType,
		Delivery:      req.Delivery,
		TransactionID: spend.ID,
		CreatedAt:     now,
	}.moveTo(StatusPending, "", now)

	if err := e.Store.CreateRedemption(ctx, r); err != nil {
		_, rerr := e.refund(ctx, log, r, "redemption could not be recorded")
		cerr := errors.Join(
			rerr,
			e.failTransaction(ctx, log, spend.ID, err.Error()),
			e.release(ctx, log, item.ID, req.Quantity),
		)
		return Redemption{}, errors.Join(fmt.Errorf("record redemption: %w", err), cerr)
	}

	if _, err := e.Guard.Confirm(ctx, item.ID, req.Quantity); err != nil {
		refundID, rerr := e.refund(ctx, log, r, "stock could not be confirmed")
		relErr := e.release(ctx, log, item.ID, req.Quantity)
		cerr := errors.Join(rerr, e.failTransaction(ctx, log, spend.ID, err.Error()), relErr)
		// Leave the record failed with whatever compensation succeeded, so
		// a later Cancel finishes the rest.
		if _, uerr := e.update(ctx, id, func(cur Redemption) (Redemption, bool, error) {
			cur = cur.moveTo(StatusFailed, "stock confirmation failed", e.Now())
			cur.RefundTransactionID = refundID
			cur.StockReturned = relErr == nil
			return cur, true, nil
		}); uerr != nil {
			cerr = errors.Join(cerr, uerr)
		}
		return Redemption{}, errors.Join(fmt.Errorf("confirm stock: %w", err), cerr)
	}

	r, err = e.update(ctx, id, func(cur Redemption) (Redemption, bool, error) {
		cur.StockConfirmed = true
		cur.UpdatedAt = e.Now()
		return cur, true, nil
	})
	if err != nil {
		return Redemption{}, fmt.Errorf("record stock confirmation: %w", err)
	}

	if _, err := e.Ledger.MarkCompleted(ctx, spend.ID, "", 0); err != nil {
		// The debit is applied and the redemption exists; only the status
		// stamp is missing. Report it without failing the redemption.
		log.Error().Err(err).Str("transaction_id", string(spend.ID)).Msg("spent transaction left pending")
	}

	log.Info().Str("cost", cost.String()).Int("quantity", req.Quantity).Msg("redemption created")
	return r, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel refunds the redemption cost and returns its stock. Each step is
// persisted as it completes; calling Cancel again after a partial failure
// finishes the remaining steps exactly once. Cancelling an already cancelled
// redemption is a no-op (changed=false).
func (e *Engine) Cancel(ctx context.Context, id ID, reason string) (Redemption, bool, error) {
	r, changed, err := e.cancel(ctx, id, reason)
	switch {
	case err != nil:
		metrics.Cancellations.WithLabelValues(outcome(err)).Inc()
	case changed:
		metrics.Cancellations.WithLabelValues("cancelled").Inc()
	default:
		metrics.Cancellations.WithLabelValues("noop").Inc()
	}
	return r, changed, err
}

func (e *Engine) cancel(ctx context.Context, id ID, reason string) (Redemption, bool, error) {
	r, err := e.Store.Redemption(ctx, id)
	if err != nil {
		return Redemption{}, false, err
	}
	if r.Status == StatusCancelled {
		return r, false, nil
	}
	if !r.Status.Cancellable() {
		return r, false, fmt.Errorf("%w: redemption %s is %s", ErrNotCancellable, id, r.Status)
	}
	log := e.Log.With().Str("redemption_id", string(id)).Str("account_id", string(r.AccountID)).Logger()

	if r.RefundTransactionID == "" {
		refund, err := e.recordRefund(ctx, r, reason)
		if err != nil {
			return r, false, fmt.Errorf("refund redemption %s: %w", id, err)
		}
		r, err = e.update(ctx, id, func(cur Redemption) (Redemption, bool, error) {
			if cur.RefundTransactionID != "" {
				return cur, false, nil
			}
			cur.RefundTransactionID = refund.ID
			cur.UpdatedAt = e.Now()
			return cur, true, nil
		})
		if err != nil {
			return r, false, err
		}
	}

	if !r.StockReturned {
		op := inventory.OpRelease
		if r.StockConfirmed {
			op = inventory.OpRestock
		}
		if _, err := e.Store.ReturnStock(ctx, id, inventory.StockChange{ItemID: r.ItemID, Op: op, Quantity: r.Quantity}, e.Now()); err != nil {
			return r, false, fmt.Errorf("return stock for redemption %s: %w", id, err)
		}
	}

	r, err = e.update(ctx, id, func(cur Redemption) (Redemption, bool, error) {
		if cur.Status == StatusCancelled {
			return cur, false, nil
		}
		cur = cur.moveTo(StatusCancelled, reason, e.Now())
		cur.CancelReason = reason
		return cur, true, nil
	})
	if err != nil {
		return r, false, err
	}
	log.Info().Str("refund", r.TotalCost.String()).Str("reason", reason).Msg("redemption cancelled")
	return r, true, nil
}

// recordRefund records the refund once per redemption.
func (e *Engine) recordRefund(ctx context.Context, r Redemption, reason string) (ledger.Transaction, error) {
	key := "refund:" + string(r.ID)
	tx, err := e.Ledger.RecordTransaction(ctx, ledger.Entry{
		AccountID:      r.AccountID,
		Type:           ledger.TxRefund,
		Amount:         r.TotalCost,
		Description:    fmt.Sprintf("Refund for redemption %s", r.ID),
		Source:         ledger.Redemption{RedemptionID: string(r.ID), ItemID: string(r.ItemID), Quantity: r.Quantity, Reason: reason},
		IdempotencyKey: key,
	})
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		return e.Ledger.TransactionByKey(ctx, key)
	}
	return tx, err
}

// =============================================================================
// ADVANCE
// =============================================================================

// Advance moves a redemption along its fulfilment lifecycle. Use Cancel to
// cancel; it carries the compensation.
func (e *Engine) Advance(ctx context.Context, id ID, to Status, note string) (Redemption, error) {
	if !to.Valid() {
		return Redemption{}, &ledger.ValidationError{Field: "status", Message: "unknown status " + string(to)}
	}
	if to == StatusCancelled {
		return Redemption{}, &ledger.ValidationError{Field: "status", Message: "use cancel to cancel a redemption"}
	}
	return e.update(ctx, id, func(cur Redemption) (Redemption, bool, error) {
		if cur.Status == to {
			return cur, false, nil
		}
		if (to == StatusShipped || to == StatusDelivered) && cur.DeliveryType != inventory.DeliveryPhysical {
			return cur, false, &ledger.ValidationError{Field: "status", Message: string(to) + " applies to physical deliveries only"}
		}
		if !CanTransition(cur.Status, to) {
			return cur, false, &ledger.TransitionError{From: string(cur.Status), To: string(to)}
		}
		return cur.moveTo(to, note, e.Now()), true, nil
	})
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) Get(ctx context.Context, id ID) (Redemption, error) {
	return e.Store.Redemption(ctx, id)
}

func (e *Engine) List(ctx context.Context, f Filter) ([]Redemption, int, error) {
	return e.Store.ListRedemptions(ctx, f)
}

// =============================================================================
// HELPERS
// =============================================================================

// update re-reads the redemption and applies next until the versioned write
// succeeds.
func (e *Engine) update(ctx context.Context, id ID, next func(Redemption) (Redemption, bool, error)) (Redemption, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := e.Store.Redemption(ctx, id)
		if err != nil {
			return Redemption{}, err
		}
		updated, changed, err := next(cur)
		if err != nil {
			return cur, err
		}
		if !changed {
			return cur, nil
		}
		stored, err := e.Store.UpdateRedemption(ctx, updated)
		if err == nil {
			return stored, nil
		}
		if !ledger.IsRetryable(err) {
			return cur, err
		}
		lastErr = err
	}
	return Redemption{}, fmt.Errorf("update redemption %s: %w", id, lastErr)
}

func (e *Engine) release(ctx context.Context, log zerolog.Logger, item inventory.ItemID, quantity int) error {
	_, err := e.Guard.Release(ctx, item, quantity)
	return compensated(log, "release_stock", err)
}

func (e *Engine) refund(ctx context.Context, log zerolog.Logger, r Redemption, reason string) (ledger.TransactionID, error) {
	tx, err := e.recordRefund(ctx, r, reason)
	return tx.ID, compensated(log, "refund", err)
}

func (e *Engine) failTransaction(ctx context.Context, log zerolog.Logger, id ledger.TransactionID, reason string) error {
	_, err := e.Ledger.MarkFailed(ctx, id, reason)
	return compensated(log, "fail_transaction", err)
}

func compensated(log zerolog.Logger, action string, err error) error {
	if err != nil {
		metrics.Compensations.WithLabelValues(action, "error").Inc()
		log.Error().Err(err).Str("action", action).Msg("compensation failed")
		return fmt.Errorf("compensate %s: %w", action, err)
	}
	metrics.Compensations.WithLabelValues(action, "ok").Inc()
	log.Warn().Str("action", action).Msg("compensation applied")
	return nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, inventory.ErrItemUnavailable):
		return "unavailable"
	case errors.Is(err, ErrNotCancellable):
		return "not_cancellable"
	case errors.Is(err, ledger.ErrValidation):
		return "invalid"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	}
	return "error"
}
