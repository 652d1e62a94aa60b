/*
Package query is the read side of the ledger: balances, filtered history,
per-type summaries and the leaderboard.

Nothing here is cached. Every call reads the store, so an answer always
reflects the ledger as of that read.

PAGINATION:
  Offset defaults to 0, Limit to DefaultLimit and is capped at MaxLimit.
  Pages are newest first; Total is the match count across all pages.
*/
package query

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/token-ledger/ledger"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100

	DefaultLeaderboardSize = 10
)

// Accounts looks up a single account.
type Accounts interface {
	Account(ctx context.Context, id ledger.AccountID) (ledger.Account, error)
}

type Service struct {
	Accounts Accounts
	Reader   ledger.Reader
}

func NewService(accounts Accounts, reader ledger.Reader) *Service {
	return &Service{Accounts: accounts, Reader: reader}
}

// Balance returns the account's balance triple and wallet.
func (s *Service) Balance(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return s.Accounts.Account(ctx, id)
}

// =============================================================================
// HISTORY
// =============================================================================

// HistoryRequest selects a page of one account's transactions.
type HistoryRequest struct {
	AccountID ledger.AccountID
	Types     []ledger.TransactionType
	Statuses  []ledger.Status
	From      *time.Time
	To        *time.Time
	Offset    int
	Limit     int
}

func (r HistoryRequest) Validate() error {
	for _, t := range r.Types {
		if !t.Valid() {
			return &ledger.ValidationError{Field: "type", Message: "unknown transaction type " + string(t)}
		}
	}
	for _, st := range r.Statuses {
		switch st {
		case ledger.StatusPending, ledger.StatusCompleted, ledger.StatusCompletedOffchain, ledger.StatusFailed, ledger.StatusCancelled:
		default:
			return &ledger.ValidationError{Field: "status", Message: "unknown status " + string(st)}
		}
	}
	if r.From != nil && r.To != nil && r.To.Before(*r.From) {
		return &ledger.ValidationError{Field: "to", Message: "must not be before from"}
	}
	if r.Offset < 0 {
		return &ledger.ValidationError{Field: "offset", Message: "must not be negative"}
	}
	if r.Limit < 0 {
		return &ledger.ValidationError{Field: "limit", Message: "must not be negative"}
	}
	return nil
}

// Page is one page of history.
type Page struct {
	Transactions []ledger.Transaction
	Total        int
	Offset       int
	Limit        int
}

// HasMore reports whether a later page exists.
func (p Page) HasMore() bool {
	return p.Offset+len(p.Transactions) < p.Total
}

// History returns a page of the account's transactions, newest first.
func (s *Service) History(ctx context.Context, r HistoryRequest) (Page, error) {
	if err := r.Validate(); err != nil {
		return Page{}, err
	}
	if _, err := s.Accounts.Account(ctx, r.AccountID); err != nil {
		return Page{}, err
	}
	limit := normalizeLimit(r.Limit)
	txs, total, err := s.Reader.ListTransactions(ctx, ledger.TransactionFilter{
		AccountID: r.AccountID,
		Types:     r.Types,
		Statuses:  r.Statuses,
		From:      r.From,
		To:        r.To,
		Offset:    r.Offset,
		Limit:     limit,
	})
	if err != nil {
		return Page{}, err
	}
	return Page{Transactions: txs, Total: total, Offset: r.Offset, Limit: limit}, nil
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// =============================================================================
// SUMMARY
// =============================================================================

// Summary aggregates an account's history by type, next to its balance.
type Summary struct {
	Account ledger.Account
	ByType  []ledger.TypeTotal

	// Net is the sum over every type. Pending and failed entries count: they
	// moved the balance when they were recorded.
	Net              decimal.Decimal
	TransactionCount int
}

func (s *Service) Summary(ctx context.Context, id ledger.AccountID) (Summary, error) {
	acct, err := s.Accounts.Account(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	totals, err := s.Reader.TypeTotals(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Account: acct, ByType: totals, Net: decimal.Zero}
	for _, t := range totals {
		sum.Net = sum.Net.Add(t.Sum)
		sum.TransactionCount += t.Count
	}
	return sum, nil
}

// =============================================================================
// LEADERBOARD
// =============================================================================

// Standing is one leaderboard row.
type Standing struct {
	Rank    int
	Account ledger.Account
}

// Leaderboard ranks accounts by tokens earned. Ties share a rank.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]Standing, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardSize
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	accts, err := s.Reader.Leaderboard(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Standing, len(accts))
	for i, a := range accts {
		rank := i + 1
		if i > 0 && a.Balance.Earned.Equal(accts[i-1].Balance.Earned) {
			rank = out[i-1].Rank
		}
		out[i] = Standing{Rank: rank, Account: a}
	}
	return out, nil
}
