package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/token-ledger/ledger"
)

// =============================================================================
// ACCOUNTS - ledger.Store
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, wallet_address, total, earned, redeemed, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(acct.ID),
		acct.WalletAddress,
		acct.Balance.Total.String(),
		acct.Balance.Earned.String(),
		acct.Balance.Redeemed.String(),
		acct.Version,
		formatTime(acct.CreatedAt),
		formatTime(acct.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrAccountExists
	}
	return err
}

func (s *Store) Account(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, s.db, id)
}

// SetWalletAddress only writes when the account has no wallet or already
// holds address, so two concurrent connects cannot both win.
func (s *Store) SetWalletAddress(ctx context.Context, id ledger.AccountID, address string, now time.Time) (ledger.Account, error) {
	var acct ledger.Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts SET wallet_address = ?, updated_at = ?
			WHERE id = ? AND (wallet_address = '' OR wallet_address = ?)
		`, address, formatTime(now), string(id), address)
		if err != nil {
			return err
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		acct, err = getAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return &ledger.ValidationError{Field: "walletAddress", Message: "a different wallet is already connected"}
		}
		return nil
	})
	return acct, err
}

const accountColumns = `id, wallet_address, total, earned, redeemed, version, created_at, updated_at`

func getAccount(ctx context.Context, q querier, id ledger.AccountID) (ledger.Account, error) {
	row := q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, string(id))
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, &ledger.NotFoundError{Resource: "account", ID: string(id)}
	}
	return acct, err
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var (
		acct                                      ledger.Account
		id, total, earned, redeemed, created, upd string
	)
	if err := row.Scan(&id, &acct.WalletAddress, &total, &earned, &redeemed, &acct.Version, &created, &upd); err != nil {
		return ledger.Account{}, err
	}
	acct.ID = ledger.AccountID(id)
	err := parseTokens(
		[]string{total, earned, redeemed},
		&acct.Balance.Total, &acct.Balance.Earned, &acct.Balance.Redeemed,
	)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("account %s balance: %w", id, err)
	}
	acct.CreatedAt = parseTime(created)
	acct.UpdatedAt = parseTime(upd)
	return acct, nil
}

// =============================================================================
// TRANSACTIONS - ledger.Store
// =============================================================================

// Apply reads the account, plans, and writes balance and transaction in
// one SQL transaction. The account UPDATE is conditional on the version
// the plan was computed from.
func (s *Store) Apply(ctx context.Context, id ledger.AccountID, plan ledger.PlanFunc) (ledger.Transaction, error) {
	var out ledger.Transaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		acct, err := getAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		mut, err := plan(acct)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET total = ?, earned = ?, redeemed = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`,
			mut.Balance.Total.String(),
			mut.Balance.Earned.String(),
			mut.Balance.Redeemed.String(),
			formatTime(mut.Transaction.CreatedAt),
			string(id),
			mut.ExpectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		if n, err := rowsAffected(res); err != nil {
			return err
		} else if n == 0 {
			return ledger.ErrConcurrentModification
		}

		if err := insertTransaction(ctx, tx, mut.Transaction); err != nil {
			return err
		}
		out = mut.Transaction
		return nil
	})
	return out, err
}

func insertTransaction(ctx context.Context, q querier, t ledger.Transaction) error {
	source, err := ledger.EncodeSource(t.Source)
	if err != nil {
		return err
	}
	hash, status, block, confirmations, chainErr := mirrorColumns(t.Mirror)
	_, err = q.ExecContext(ctx, `
		INSERT INTO transactions (
			id, account_id, tx_type, amount, balance_before, balance_after, status,
			description, source_json, course_id, redemption_id, idempotency_key,
			chain_hash, chain_status, chain_block, chain_confirmations, chain_error,
			error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(t.ID),
		string(t.AccountID),
		string(t.Type),
		t.Amount.String(),
		t.BalanceBefore.String(),
		t.BalanceAfter.String(),
		string(t.Status),
		nullString(t.Description),
		string(source),
		nullString(t.CourseID),
		nullString(t.RedemptionID),
		nullString(t.IdempotencyKey),
		hash, status, block, confirmations, chainErr,
		nullString(t.ErrorMessage),
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *Store) Transaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions t WHERE t.id = ?`, string(id))
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, &ledger.NotFoundError{Resource: "transaction", ID: string(id)}
	}
	return t, err
}

func (s *Store) TransactionByKey(ctx context.Context, key string) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions t WHERE t.idempotency_key = ?`, key)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, &ledger.NotFoundError{Resource: "transaction", ID: key}
	}
	return t, err
}

// UpdateTransaction writes the mutable columns under a status precondition.
func (s *Store) UpdateTransaction(ctx context.Context, t ledger.Transaction, expected ledger.Status) error {
	return s.updateTransaction(ctx, t, `status = ?`, string(expected))
}

// ClaimTransaction writes the mutable columns only if the row is exactly as
// prev saw it. updated_at is stored with nanoseconds and acts as a version.
func (s *Store) ClaimTransaction(ctx context.Context, t, prev ledger.Transaction) error {
	var mirrorStatus string
	if prev.Mirror != nil {
		mirrorStatus = string(prev.Mirror.Status)
	}
	return s.updateTransaction(ctx, t,
		`status = ? AND COALESCE(chain_status, '') = ? AND updated_at = ?`,
		string(prev.Status), mirrorStatus, formatTime(prev.UpdatedAt))
}

func (s *Store) updateTransaction(ctx context.Context, t ledger.Transaction, precondition string, args ...any) error {
	hash, status, block, confirmations, chainErr := mirrorColumns(t.Mirror)
	params := append([]any{
		string(t.Status), hash, status, block, confirmations, chainErr,
		nullString(t.ErrorMessage), formatTime(t.UpdatedAt),
		string(t.ID),
	}, args...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = ?, chain_hash = ?, chain_status = ?, chain_block = ?,
		    chain_confirmations = ?, chain_error = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND `+precondition, params...)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Transaction(ctx, t.ID); err != nil {
			return err
		}
		return ledger.ErrConcurrentModification
	}
	return nil
}

const txColumns = `t.id, t.account_id, t.tx_type, t.amount, t.balance_before, t.balance_after,
	t.status, t.description, t.source_json, t.course_id, t.redemption_id, t.idempotency_key,
	t.chain_hash, t.chain_status, t.chain_block, t.chain_confirmations, t.chain_error,
	t.error_message, t.created_at, t.updated_at`

func scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var (
		t                                       ledger.Transaction
		id, accountID, txType, status           string
		amount, before, after, source           string
		created, updated                        string
		desc, courseID, redemptionID, key       sql.NullString
		hash, chainStatus, chainErr, errMessage sql.NullString
		block, confirmations                    sql.NullInt64
	)
	err := row.Scan(
		&id, &accountID, &txType, &amount, &before, &after,
		&status, &desc, &source, &courseID, &redemptionID, &key,
		&hash, &chainStatus, &block, &confirmations, &chainErr,
		&errMessage, &created, &updated,
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	src, err := ledger.DecodeSource([]byte(source))
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: %w", id, err)
	}

	t.ID = ledger.TransactionID(id)
	t.AccountID = ledger.AccountID(accountID)
	t.Type = ledger.TransactionType(txType)
	err = parseTokens([]string{amount, before, after}, &t.Amount, &t.BalanceBefore, &t.BalanceAfter)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %s amounts: %w", id, err)
	}
	t.Status = ledger.Status(status)
	t.Description = desc.String
	t.Source = src
	t.CourseID = courseID.String
	t.RedemptionID = redemptionID.String
	t.IdempotencyKey = key.String
	t.ErrorMessage = errMessage.String
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	if chainStatus.Valid {
		t.Mirror = &ledger.Mirror{
			Hash:          hash.String,
			Status:        ledger.BlockchainStatus(chainStatus.String),
			BlockNumber:   uint64(block.Int64),
			Confirmations: int(confirmations.Int64),
			ErrorMessage:  chainErr.String,
		}
	}
	return t, nil
}

// parseTokens decodes stored decimal columns into dst, in order.
func parseTokens(raw []string, dst ...*decimal.Decimal) error {
	for i, r := range raw {
		d, err := ledger.ParseTokens(r)
		if err != nil {
			return err
		}
		*dst[i] = d
	}
	return nil
}

func mirrorColumns(m *ledger.Mirror) (hash, status sql.NullString, block, confirmations sql.NullInt64, chainErr sql.NullString) {
	if m == nil {
		return
	}
	return nullString(m.Hash),
		sql.NullString{String: string(m.Status), Valid: true},
		sql.NullInt64{Int64: int64(m.BlockNumber), Valid: m.BlockNumber > 0},
		sql.NullInt64{Int64: int64(m.Confirmations), Valid: true},
		nullString(m.ErrorMessage)
}

// =============================================================================
// READ SIDE - ledger.Reader
// =============================================================================

func (s *Store) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	where, args := transactionWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions t`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	query := `SELECT ` + txColumns + ` FROM transactions t` + where + ` ORDER BY t.seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, max(f.Offset, 0))
	} else if f.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, f.Offset)
	}
	txs, err := s.queryTransactions(ctx, query, args...)
	return txs, total, err
}

func transactionWhere(f ledger.TransactionFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.AccountID != "" {
		conds = append(conds, "t.account_id = ?")
		args = append(args, string(f.AccountID))
	}
	if len(f.Types) > 0 {
		conds = append(conds, "t.tx_type IN ("+placeholders(len(f.Types))+")")
		for _, typ := range f.Types {
			args = append(args, string(typ))
		}
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "t.status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.From != nil {
		conds = append(conds, "t.created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		conds = append(conds, "t.created_at <= ?")
		args = append(args, formatTime(*f.To))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// TypeTotals sums in decimal rather than in SQL to keep amounts exact.
func (s *Store) TypeTotals(ctx context.Context, id ledger.AccountID) ([]ledger.TypeTotal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tx_type, amount FROM transactions WHERE account_id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byType := make(map[ledger.TransactionType]*ledger.TypeTotal)
	for rows.Next() {
		var typ, amount string
		if err := rows.Scan(&typ, &amount); err != nil {
			return nil, err
		}
		t, ok := byType[ledger.TransactionType(typ)]
		if !ok {
			t = &ledger.TypeTotal{Type: ledger.TransactionType(typ), Sum: decimal.Zero}
			byType[t.Type] = t
		}
		sum, err := ledger.ParseTokens(amount)
		if err != nil {
			return nil, fmt.Errorf("account %s %s total: %w", id, typ, err)
		}
		t.Count++
		t.Sum = t.Sum.Add(sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ledger.TypeTotal, 0, len(byType))
	for _, t := range byType {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (s *Store) Leaderboard(ctx context.Context, limit int) ([]ledger.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY CAST(earned AS REAL) DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *Store) MirrorBacklog(ctx context.Context, limit int) ([]ledger.Transaction, error) {
	query := `SELECT ` + txColumns + `
		FROM transactions t JOIN accounts a ON a.id = t.account_id
		WHERE t.status = ? AND a.wallet_address != '' AND t.amount NOT LIKE '-%'
		ORDER BY t.seq`
	args := []any{string(ledger.StatusCompletedOffchain)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryTransactions(ctx, query, args...)
}
