/*
handlers.go - HTTP API handlers for the token ledger

PURPOSE:
  Exposes the ledger, reward, redemption and enrollment engines via REST.
  Handles HTTP request/response and JSON, and delegates to domain logic.
  No business rule lives here.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                          Register (+ welcome bonus)
    GET    /api/accounts/{id}/balance             Balance triple
    GET    /api/accounts/{id}/transactions        Paginated, filtered history
    GET    /api/accounts/{id}/summary             Totals per transaction type
    POST   /api/accounts/{id}/wallet              Connect wallet (+ bonus)
    POST   /api/accounts/{id}/course-completions  Course completion reward

  Leaderboard:
    GET    /api/leaderboard?limit=10

  Admin:
    POST   /api/admin/adjustments                 Manual bonus or penalty

ACCESS:
  A caller may act on its own account. Admins may act on any account.

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 401: No principal
  - 403: Wrong principal or role
  - 404: Resource not found
  - 409: Conflict (duplicate, invalid transition, concurrent write)
  - 422: Insufficient balance, item unavailable, not cancellable
  - 500: Internal errors

SEE ALSO:
  - catalog.go: Items, redemptions, enrollments
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/warp/token-ledger/enrollment"
	"github.com/warp/token-ledger/inventory"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/query"
	"github.com/warp/token-ledger/redemption"
	"github.com/warp/token-ledger/rewards"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Rewards     *rewards.Engine
	Redemptions *redemption.Engine
	Inventory   *inventory.Guard
	Query       *query.Service
	Enrollments *enrollment.Service
	Store       Pinger
	Log         zerolog.Logger
}

// Health pings the store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount registers the caller's account and grants the welcome bonus.
// Registering again is safe and returns the existing account.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := ledger.AccountID(req.ID)
	if id == "" {
		p, _ := principalFrom(r.Context())
		id = p.ID
	}
	if !h.authorize(w, r, id) {
		return
	}

	acct, res, err := h.Rewards.RegisterAccount(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to register account", err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyRewarded {
		status = http.StatusOK
	}
	resp := AccountResponse{Account: toAccountDTO(acct)}
	if res.Transaction.ID != "" {
		resp.Reward = toRewardResponse(res)
	}
	writeJSON(w, status, resp)
}

// GetBalance returns the balance triple.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	acct, err := h.Query.Balance(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetTransactions returns one page of history, newest first.
//
//	?type=earned,bonus&status=completed&from=RFC3339&to=RFC3339&offset=0&limit=20
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	req, err := historyRequest(id, r)
	if err != nil {
		h.fail(w, "Invalid query", err)
		return
	}
	page, err := h.Query.History(r.Context(), req)
	if err != nil {
		h.fail(w, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionPageResponse{
		Transactions: toTransactionDTOs(page.Transactions),
		Total:        page.Total,
		Offset:       page.Offset,
		Limit:        page.Limit,
		HasMore:      page.HasMore(),
	})
}

// GetSummary returns totals per transaction type.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	sum, err := h.Query.Summary(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to summarize account", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(sum))
}

// ConnectWallet links a wallet and grants the one-time wallet bonus.
func (h *Handler) ConnectWallet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	var req ConnectWalletRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, res, err := h.Rewards.RewardWalletConnection(r.Context(), id, req.WalletAddress)
	if err != nil {
		h.fail(w, "Failed to connect wallet", err)
		return
	}
	resp := AccountResponse{Account: toAccountDTO(acct)}
	if res.Transaction.ID != "" {
		resp.Reward = toRewardResponse(res)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CompleteCourse rewards a course completion once per (account, course).
// A repeat answers 200 with alreadyRewarded=true.
func (h *Handler) CompleteCourse(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	var req CourseCompletionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.Rewards.RewardCourseCompletion(r.Context(), rewards.Completion{
		AccountID: id,
		Course: rewards.Course{
			ID:                   req.CourseID,
			TokenReward:          req.TokenReward,
			EarlyCompletionBonus: req.BonusTokens.EarlyCompletion,
			PerfectScoreBonus:    req.BonusTokens.PerfectScore,
			TotalDuration:        time.Duration(req.TotalDurationSeconds) * time.Second,
		},
		TimeSpent: time.Duration(req.TimeSpentSeconds) * time.Second,
		Score:     req.Score,
	})
	if err != nil {
		h.fail(w, "Failed to reward course completion", err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyRewarded {
		status = http.StatusOK
	}
	writeJSON(w, status, toRewardResponse(res))
}

// GetLeaderboard ranks accounts by tokens earned.
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		h.fail(w, "Invalid query", err)
		return
	}
	standings, err := h.Query.Leaderboard(r.Context(), limit)
	if err != nil {
		h.fail(w, "Failed to load leaderboard", err)
		return
	}
	out := make([]LeaderboardEntryDTO, len(standings))
	for i, s := range standings {
		out[i] = LeaderboardEntryDTO{
			Rank:          s.Rank,
			AccountID:     string(s.Account.ID),
			Earned:        s.Account.Balance.Earned,
			Total:         s.Account.Balance.Total,
			WalletAddress: s.Account.WalletAddress,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateAdjustment records a manual bonus or penalty.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, _ := principalFrom(r.Context())
	tx, err := h.Rewards.Adjust(r.Context(), rewards.Adjustment{
		AccountID:      ledger.AccountID(req.AccountID),
		Type:           ledger.TransactionType(req.Type),
		Amount:         req.Amount,
		ActorID:        string(p.ID),
		Note:           req.Note,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.fail(w, "Failed to record adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps err to a status. Internal errors are logged and not echoed.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.Error().Err(err).Msg(message)
		writeError(w, status, message, nil)
		return
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey),
		errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrConcurrentModification),
		errors.Is(err, ledger.ErrAccountExists):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, inventory.ErrItemUnavailable),
		errors.Is(err, redemption.ErrNotCancellable):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// authorize writes 403 unless the caller may act on account.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, account ledger.AccountID) bool {
	p, _ := principalFrom(r.Context())
	if !p.CanAccess(account) {
		writeError(w, http.StatusForbidden, "Not allowed for this account", nil)
		return false
	}
	return true
}

// accountParam reads {id} and authorizes the caller for it.
func (h *Handler) accountParam(w http.ResponseWriter, r *http.Request) (ledger.AccountID, bool) {
	id := ledger.AccountID(chi.URLParam(r, "id"))
	if !h.authorize(w, r, id) {
		return "", false
	}
	return id, true
}

func historyRequest(id ledger.AccountID, r *http.Request) (query.HistoryRequest, error) {
	q := r.URL.Query()
	req := query.HistoryRequest{AccountID: id}
	for _, t := range splitList(q["type"]) {
		req.Types = append(req.Types, ledger.TransactionType(t))
	}
	for _, s := range splitList(q["status"]) {
		req.Statuses = append(req.Statuses, ledger.Status(s))
	}
	var err error
	if req.From, err = timeParam(r, "from"); err != nil {
		return req, err
	}
	if req.To, err = timeParam(r, "to"); err != nil {
		return req, err
	}
	if req.Offset, err = intParam(r, "offset"); err != nil {
		return req, err
	}
	if req.Limit, err = intParam(r, "limit"); err != nil {
		return req, err
	}
	return req, nil
}

// splitList accepts both ?type=a&type=b and ?type=a,b.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ledger.ValidationError{Field: name, Message: fmt.Sprintf("not an integer: %q", v)}
	}
	return n, nil
}

func timeParam(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, &ledger.ValidationError{Field: name, Message: "use RFC 3339"}
	}
	t = t.UTC()
	return &t, nil
}
