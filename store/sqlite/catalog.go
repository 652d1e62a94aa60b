package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/token-ledger/enrollment"
	"github.com/warp/token-ledger/inventory"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/redemption"
)

// =============================================================================
// ITEMS - inventory.Store
// =============================================================================

func (s *Store) CreateItem(ctx context.Context, item inventory.Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (
			id, name, token_cost, available, reserved, total, is_unlimited, is_active,
			available_from, available_until, delivery_type, total_redemptions, popularity,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(item.ID), item.Name, item.TokenCost.String(),
		item.Stock.Available, item.Stock.Reserved, item.Stock.Total,
		boolInt(item.IsUnlimited), boolInt(item.IsActive),
		nullTime(item.AvailableFrom), nullTime(item.AvailableUntil),
		string(item.DeliveryType), item.TotalRedemptions, item.Popularity,
		formatTime(item.CreatedAt), formatTime(item.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return &ledger.ValidationError{Field: "id", Message: fmt.Sprintf("item %s already exists", item.ID)}
	}
	return err
}

func (s *Store) Item(ctx context.Context, id inventory.ItemID) (inventory.Item, error) {
	return getItem(ctx, s.db, id)
}

func (s *Store) ListItems(ctx context.Context, activeOnly bool) ([]inventory.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []inventory.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// stockStatements hold one conditional UPDATE per operation.
// Parameters: ?1 quantity, ?2 updated_at, ?3 item id.
// Unlimited items skip the stock triple and only move counters.
var stockStatements = map[inventory.StockOp]string{
	inventory.OpReserve: `
		UPDATE items SET
			available = available - CASE WHEN is_unlimited = 1 THEN 0 ELSE ?1 END,
			reserved  = reserved  + CASE WHEN is_unlimited = 1 THEN 0 ELSE ?1 END,
			updated_at = ?2
		WHERE id = ?3 AND is_active = 1 AND (is_unlimited = 1 OR available >= ?1)`,
	inventory.OpConfirm: `
		UPDATE items SET
			reserved = reserved - CASE WHEN is_unlimited = 1 THEN 0 ELSE ?1 END,
			total    = total    - CASE WHEN is_unlimited = 1 THEN 0 ELSE ?1 END,
			total_redemptions = total_redemptions + ?1,
			popularity = popularity + ?1,
			updated_at = ?2
		WHERE id = ?3 AND (is_unlimited = 1 OR reserved >= ?1)`,
	inventory.OpRelease: `
		UPDATE items SET
			available = available + CASE WHEN is_unlimited = 1 THEN 0 ELSE ?1 END,
			reserved  = reserved  - CASE WHEN is_unlimited = 1 THEN 0 ELSE ?1 END,
			updated_at = ?2
		WHERE id = ?3 AND (is_unlimited = 1 OR reserved >= ?1)`,
	inventory.OpRestock: `
		UPDATE items SET
			available = available + CASE WHEN is_unlimited = 1 THEN 0 ELSE ?1 END,
			total     = total     + CASE WHEN is_unlimited = 1 THEN 0 ELSE ?1 END,
			total_redemptions = MAX(total_redemptions - ?1, 0),
			updated_at = ?2
		WHERE id = ?3`,
}

func (s *Store) ApplyStock(ctx context.Context, c inventory.StockChange, now time.Time) (inventory.Item, error) {
	var item inventory.Item
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		item, err = applyStock(ctx, tx, c, now)
		return err
	})
	return item, err
}

func applyStock(ctx context.Context, q querier, c inventory.StockChange, now time.Time) (inventory.Item, error) {
	stmt, ok := stockStatements[c.Op]
	if !ok || c.Quantity <= 0 {
		// Let the pure rule produce the validation error.
		_, err := inventory.Item{ID: c.ItemID}.ApplyStock(c, now)
		return inventory.Item{}, err
	}
	res, err := q.ExecContext(ctx, stmt, c.Quantity, formatTime(now), string(c.ItemID))
	if err != nil {
		return inventory.Item{}, fmt.Errorf("%s stock: %w", c.Op, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return inventory.Item{}, err
	}

	item, err := getItem(ctx, q, c.ItemID)
	if err != nil {
		return inventory.Item{}, err
	}
	if n == 0 {
		// Precondition failed. Replay it on the current row for the reason.
		if _, err := item.ApplyStock(c, now); err != nil {
			return inventory.Item{}, err
		}
		return inventory.Item{}, &inventory.UnavailableError{ItemID: c.ItemID, Reason: "stock changed concurrently"}
	}
	return item, nil
}

const itemColumns = `id, name, token_cost, available, reserved, total, is_unlimited, is_active,
	available_from, available_until, delivery_type, total_redemptions, popularity,
	created_at, updated_at`

func getItem(ctx context.Context, q querier, id inventory.ItemID) (inventory.Item, error) {
	row := q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, string(id))
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Item{}, &ledger.NotFoundError{Resource: "item", ID: string(id)}
	}
	return item, err
}

func scanItem(row rowScanner) (inventory.Item, error) {
	var (
		item                             inventory.Item
		id, cost, delivery, created, upd string
		unlimited, active                int
		from, until                      sql.NullString
	)
	err := row.Scan(
		&id, &item.Name, &cost,
		&item.Stock.Available, &item.Stock.Reserved, &item.Stock.Total,
		&unlimited, &active, &from, &until, &delivery,
		&item.TotalRedemptions, &item.Popularity, &created, &upd,
	)
	if err != nil {
		return inventory.Item{}, err
	}
	item.ID = inventory.ItemID(id)
	if item.TokenCost, err = ledger.ParseTokens(cost); err != nil {
		return inventory.Item{}, fmt.Errorf("item %s cost: %w", id, err)
	}
	item.IsUnlimited = unlimited == 1
	item.IsActive = active == 1
	item.AvailableFrom = timePtr(from)
	item.AvailableUntil = timePtr(until)
	item.DeliveryType = inventory.DeliveryType(delivery)
	item.CreatedAt = parseTime(created)
	item.UpdatedAt = parseTime(upd)
	return item, nil
}

// =============================================================================
// REDEMPTIONS - redemption.Store
// =============================================================================

func (s *Store) CreateRedemption(ctx context.Context, r redemption.Redemption) error {
	delivery, history, err := encodeRedemption(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO redemptions (
			id, account_id, item_id, quantity, unit_cost, total_cost, delivery_type,
			delivery_json, status, history_json, transaction_id, stock_confirmed,
			stock_returned, refund_transaction_id, cancel_reason, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`,
		string(r.ID), string(r.AccountID), string(r.ItemID), r.Quantity,
		r.UnitCost.String(), r.TotalCost.String(), string(r.DeliveryType),
		delivery, string(r.Status), history, string(r.TransactionID),
		boolInt(r.StockConfirmed), boolInt(r.StockReturned),
		nullString(string(r.RefundTransactionID)), nullString(r.CancelReason),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return &ledger.ValidationError{Field: "id", Message: fmt.Sprintf("redemption %s already exists", r.ID)}
	}
	return err
}

func (s *Store) Redemption(ctx context.Context, id redemption.ID) (redemption.Redemption, error) {
	return getRedemption(ctx, s.db, id)
}

// UpdateRedemption writes every mutable column if the version still matches.
func (s *Store) UpdateRedemption(ctx context.Context, r redemption.Redemption) (redemption.Redemption, error) {
	delivery, history, err := encodeRedemption(r)
	if err != nil {
		return redemption.Redemption{}, err
	}
	var out redemption.Redemption
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE redemptions SET
				delivery_json = ?, status = ?, history_json = ?, stock_confirmed = ?,
				stock_returned = ?, refund_transaction_id = ?, cancel_reason = ?,
				version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`,
			delivery, string(r.Status), history,
			boolInt(r.StockConfirmed), boolInt(r.StockReturned),
			nullString(string(r.RefundTransactionID)), nullString(r.CancelReason),
			formatTime(r.UpdatedAt), string(r.ID), r.Version,
		)
		if err != nil {
			return fmt.Errorf("update redemption: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		current, err := getRedemption(ctx, tx, r.ID)
		if err != nil {
			return err
		}
		if n == 0 {
			return ledger.ErrConcurrentModification
		}
		out = current
		return nil
	})
	return out, err
}

func (s *Store) ListRedemptions(ctx context.Context, f redemption.Filter) ([]redemption.Redemption, int, error) {
	where := ` WHERE 1 = 1`
	var args []any
	if f.AccountID != "" {
		where += ` AND account_id = ?`
		args = append(args, string(f.AccountID))
	}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(f.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM redemptions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count redemptions: %w", err)
	}

	query := `SELECT ` + redemptionColumns + ` FROM redemptions` + where + ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, max(f.Offset, 0))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []redemption.Redemption
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// ReturnStock flips stock_returned and moves the stock in one SQL transaction.
func (s *Store) ReturnStock(ctx context.Context, id redemption.ID, c inventory.StockChange, now time.Time) (bool, error) {
	var returned bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE redemptions SET stock_returned = 1, version = version + 1, updated_at = ?
			WHERE id = ? AND stock_returned = 0
		`, formatTime(now), string(id))
		if err != nil {
			return fmt.Errorf("mark stock returned: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			_, err := getRedemption(ctx, tx, id)
			return err
		}
		if _, err := applyStock(ctx, tx, c, now); err != nil {
			return err
		}
		returned = true
		return nil
	})
	return returned, err
}

const redemptionColumns = `id, account_id, item_id, quantity, unit_cost, total_cost, delivery_type,
	delivery_json, status, history_json, transaction_id, stock_confirmed, stock_returned,
	refund_transaction_id, cancel_reason, version, created_at, updated_at`

func getRedemption(ctx context.Context, q querier, id redemption.ID) (redemption.Redemption, error) {
	row := q.QueryRowContext(ctx, `SELECT `+redemptionColumns+` FROM redemptions WHERE id = ?`, string(id))
	r, err := scanRedemption(row)
	if errors.Is(err, sql.ErrNoRows) {
		return redemption.Redemption{}, &ledger.NotFoundError{Resource: "redemption", ID: string(id)}
	}
	return r, err
}

func scanRedemption(row rowScanner) (redemption.Redemption, error) {
	var (
		r                                           redemption.Redemption
		id, account, item, unit, total, deliveryTyp string
		delivery, status, history, txID             string
		created, upd                                string
		confirmed, returned                         int
		refundID, reason                            sql.NullString
	)
	err := row.Scan(
		&id, &account, &item, &r.Quantity, &unit, &total, &deliveryTyp,
		&delivery, &status, &history, &txID, &confirmed, &returned,
		&refundID, &reason, &r.Version, &created, &upd,
	)
	if err != nil {
		return redemption.Redemption{}, err
	}
	if err := json.Unmarshal([]byte(delivery), &r.Delivery); err != nil {
		return redemption.Redemption{}, fmt.Errorf("redemption %s delivery: %w", id, err)
	}
	if err := json.Unmarshal([]byte(history), &r.History); err != nil {
		return redemption.Redemption{}, fmt.Errorf("redemption %s history: %w", id, err)
	}
	r.ID = redemption.ID(id)
	r.AccountID = ledger.AccountID(account)
	r.ItemID = inventory.ItemID(item)
	if err := parseTokens([]string{unit, total}, &r.UnitCost, &r.TotalCost); err != nil {
		return redemption.Redemption{}, fmt.Errorf("redemption %s cost: %w", id, err)
	}
	r.DeliveryType = inventory.DeliveryType(deliveryTyp)
	r.Status = redemption.Status(status)
	r.TransactionID = ledger.TransactionID(txID)
	r.StockConfirmed = confirmed == 1
	r.StockReturned = returned == 1
	r.RefundTransactionID = ledger.TransactionID(refundID.String)
	r.CancelReason = reason.String
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(upd)
	return r, nil
}

func encodeRedemption(r redemption.Redemption) (delivery, history string, err error) {
	d, err := json.Marshal(r.Delivery)
	if err != nil {
		return "", "", fmt.Errorf("encode delivery: %w", err)
	}
	h := r.History
	if h == nil {
		h = []redemption.HistoryEntry{}
	}
	hj, err := json.Marshal(h)
	if err != nil {
		return "", "", fmt.Errorf("encode history: %w", err)
	}
	return string(d), string(hj), nil
}

// =============================================================================
// ENROLLMENTS - enrollment.Store
// =============================================================================

func (s *Store) CreateEnrollment(ctx context.Context, e enrollment.Enrollment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrollments (id, account_id, course_id, payment_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, string(e.AccountID), e.CourseID, e.PaymentID, formatTime(e.CreatedAt))
	if isUniqueConstraintError(err) {
		return enrollment.ErrAlreadyEnrolled
	}
	return err
}

func (s *Store) Enrollment(ctx context.Context, account ledger.AccountID, course string) (enrollment.Enrollment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, course_id, payment_id, created_at
		FROM enrollments WHERE account_id = ? AND course_id = ?
	`, string(account), course)
	e, err := scanEnrollment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return enrollment.Enrollment{}, &ledger.NotFoundError{Resource: "enrollment", ID: string(account) + "/" + course}
	}
	return e, err
}

func (s *Store) ListEnrollments(ctx context.Context, account ledger.AccountID) ([]enrollment.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, course_id, payment_id, created_at
		FROM enrollments WHERE account_id = ? ORDER BY created_at
	`, string(account))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []enrollment.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEnrollment(row rowScanner) (enrollment.Enrollment, error) {
	var (
		e                enrollment.Enrollment
		account, created string
	)
	if err := row.Scan(&e.ID, &account, &e.CourseID, &e.PaymentID, &created); err != nil {
		return enrollment.Enrollment{}, err
	}
	e.AccountID = ledger.AccountID(account)
	e.CreatedAt = parseTime(created)
	return e, nil
}
