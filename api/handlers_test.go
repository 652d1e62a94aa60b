/*
handlers_test.go - HTTP tests for the token ledger API

Tests for:
- Principal headers and role checks
- Registration and course rewards answering 201 then 200
- Redemption errors mapped to status codes
- Cancel round trip and purchase confirmation
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-ledger/chain"
	"github.com/warp/token-ledger/enrollment"
	"github.com/warp/token-ledger/inventory"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/query"
	"github.com/warp/token-ledger/redemption"
	"github.com/warp/token-ledger/rewards"
	"github.com/warp/token-ledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	t      *testing.T
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	l := ledger.New(store)
	d := chain.NewDispatcher(chain.Unavailable{}, l, time.Second, time.Second, zerolog.Nop())
	g := inventory.NewGuard(store, zerolog.Nop())
	h := &Handler{
		Rewards:     rewards.NewEngine(l, d, rewards.DefaultPolicy(), zerolog.Nop()),
		Redemptions: redemption.NewEngine(l, g, store, zerolog.Nop()),
		Inventory:   g,
		Query:       query.NewService(l, store),
		Enrollments: enrollment.NewService(store, zerolog.Nop()),
		Store:       store,
		Log:         zerolog.Nop(),
	}
	return &testServer{t: t, router: NewRouter(h, nil)}
}

// do sends body as JSON on behalf of user (empty for anonymous) and
// decodes the response into out when out is non-nil.
func (s *testServer) do(method, path, user, role string, body any, out any) int {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	if role != "" {
		req.Header.Set(HeaderUserRole, role)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func (s *testServer) register(user string) {
	s.t.Helper()
	code := s.do(http.MethodPost, "/api/accounts", user, "", CreateAccountRequest{}, nil)
	require.Equal(s.t, http.StatusCreated, code)
}

func (s *testServer) item(id string, cost int64, stock int) {
	s.t.Helper()
	code := s.do(http.MethodPost, "/api/items", "ops", RoleAdmin, CreateItemRequest{
		ID: id, Name: id, TokenCost: ledger.Tokens(cost), Stock: stock, DeliveryType: "voucher",
	}, nil)
	require.Equal(s.t, http.StatusCreated, code)
}

func (s *testServer) balance(user string) BalanceDTO {
	s.t.Helper()
	var acct AccountDTO
	code := s.do(http.MethodGet, "/api/accounts/"+user+"/balance", user, "", nil, &acct)
	require.Equal(s.t, http.StatusOK, code)
	return acct.Balance
}

// =============================================================================
// ACCESS
// =============================================================================

func TestAPI_MissingPrincipal(t *testing.T) {
	s := newTestServer(t)

	code := s.do(http.MethodGet, "/api/accounts/ana/balance", "", "", nil, nil)

	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestAPI_OtherAccountForbidden(t *testing.T) {
	s := newTestServer(t)
	s.register("ana")

	code := s.do(http.MethodGet, "/api/accounts/ana/balance", "ben", "", nil, nil)

	assert.Equal(t, http.StatusForbidden, code)
}

func TestAPI_AdminRoutesRequireRole(t *testing.T) {
	s := newTestServer(t)
	s.register("ana")

	code := s.do(http.MethodPost, "/api/admin/adjustments", "ana", "", AdjustmentRequest{
		AccountID: "ana", Type: "bonus", Amount: ledger.Tokens(1000), Note: "self-service",
	}, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code = s.do(http.MethodPost, "/api/items", "ana", "", CreateItemRequest{ID: "x"}, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestAPI_Health(t *testing.T) {
	s := newTestServer(t)

	var body map[string]string
	code := s.do(http.MethodGet, "/healthz", "", "", nil, &body)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

// =============================================================================
// ACCOUNTS AND REWARDS
// =============================================================================

func TestAPI_RegisterTwice(t *testing.T) {
	s := newTestServer(t)

	var first AccountResponse
	code := s.do(http.MethodPost, "/api/accounts", "ana", "", CreateAccountRequest{}, &first)
	require.Equal(t, http.StatusCreated, code)
	require.NotNil(t, first.Reward)
	assert.True(t, first.Account.Balance.Total.Equal(ledger.Tokens(50)))

	var second AccountResponse
	code = s.do(http.MethodPost, "/api/accounts", "ana", "", CreateAccountRequest{}, &second)

	assert.Equal(t, http.StatusOK, code)
	assert.True(t, second.Account.Balance.Total.Equal(ledger.Tokens(50)))
}

func TestAPI_CourseCompletionOnce(t *testing.T) {
	s := newTestServer(t)
	s.register("ana")
	req := CourseCompletionRequest{
		CourseID:             "go-101",
		TotalDurationSeconds: 3600,
		TimeSpentSeconds:     3600,
		Score:                ledger.Tokens(70),
	}

	var first RewardResponse
	code := s.do(http.MethodPost, "/api/accounts/ana/course-completions", "ana", "", req, &first)
	require.Equal(t, http.StatusCreated, code)
	require.NotNil(t, first.Transaction)
	assert.Equal(t, "completed_offchain", first.Transaction.Status)
	require.NotNil(t, first.Award)
	assert.True(t, first.Award.Total.Equal(ledger.Tokens(100)))

	var second RewardResponse
	code = s.do(http.MethodPost, "/api/accounts/ana/course-completions", "ana", "", req, &second)

	assert.Equal(t, http.StatusOK, code)
	assert.True(t, second.AlreadyRewarded)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.True(t, s.balance("ana").Total.Equal(ledger.Tokens(150)))
}

func TestAPI_TransactionsAndSummary(t *testing.T) {
	s := newTestServer(t)
	s.register("ana")
	code := s.do(http.MethodPost, "/api/admin/adjustments", "ops", RoleAdmin, AdjustmentRequest{
		AccountID: "ana", Type: "bonus", Amount: ledger.Tokens(20), Note: "meetup speaker",
	}, nil)
	require.Equal(t, http.StatusCreated, code)

	var page TransactionPageResponse
	code = s.do(http.MethodGet, "/api/accounts/ana/transactions?type=bonus&limit=1", "ana", "", nil, &page)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, page.Total)
	assert.True(t, page.HasMore)
	require.Len(t, page.Transactions, 1)
	assert.True(t, page.Transactions[0].Amount.Equal(ledger.Tokens(20)))

	var sum SummaryDTO
	code = s.do(http.MethodGet, "/api/accounts/ana/summary", "ana", "", nil, &sum)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, sum.Net.Equal(ledger.Tokens(70)))

	code = s.do(http.MethodGet, "/api/accounts/ana/transactions?limit=abc", "ana", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_InvalidWallet(t *testing.T) {
	s := newTestServer(t)
	s.register("ana")

	code := s.do(http.MethodPost, "/api/accounts/ana/wallet", "ana", "", ConnectWalletRequest{WalletAddress: "nope"}, nil)

	assert.Equal(t, http.StatusBadRequest, code)
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

func TestAPI_RedeemInsufficientBalance(t *testing.T) {
	s := newTestServer(t)
	s.register("ana")
	s.item("headphones", 300, 3)

	var errResp ErrorResponse
	code := s.do(http.MethodPost, "/api/redemptions", "ana", "", CreateRedemptionRequest{
		ItemID: "headphones", Quantity: 1,
	}, &errResp)

	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.NotEmpty(t, errResp.Details)
	assert.True(t, s.balance("ana").Total.Equal(ledger.Tokens(50)))
}

func TestAPI_RedeemAndCancel(t *testing.T) {
	s := newTestServer(t)
	s.register("ana")
	s.item("coffee", 15, 4)

	var red RedemptionDTO
	code := s.do(http.MethodPost, "/api/redemptions", "ana", "", CreateRedemptionRequest{
		ItemID: "coffee", Quantity: 2,
	}, &red)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "pending", red.Status)
	assert.True(t, red.TotalTokenCost.Equal(ledger.Tokens(30)))
	assert.True(t, s.balance("ana").Total.Equal(ledger.Tokens(20)))

	// a stranger cannot see it at all
	code = s.do(http.MethodGet, "/api/redemptions/"+red.ID, "ben", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code = s.do(http.MethodPost, "/api/redemptions/"+red.ID+"/cancel", "ben", "", CancelRedemptionRequest{}, nil)
	assert.Equal(t, http.StatusNotFound, code)

	// WHEN: the owner cancels twice
	var cancelled CancelResponse
	code = s.do(http.MethodPost, "/api/redemptions/"+red.ID+"/cancel", "ana", "", CancelRedemptionRequest{Reason: "oops"}, &cancelled)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, cancelled.Changed)
	assert.Equal(t, "cancelled", cancelled.Redemption.Status)
	assert.NotEmpty(t, cancelled.Redemption.RefundTransactionID)

	var again CancelResponse
	code = s.do(http.MethodPost, "/api/redemptions/"+red.ID+"/cancel", "ana", "", nil, &again)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, again.Changed)

	// THEN: refunded once, stock back
	assert.True(t, s.balance("ana").Total.Equal(ledger.Tokens(50)))
	var item ItemDTO
	code = s.do(http.MethodGet, "/api/items/coffee", "ana", "", nil, &item)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, StockDTO{Available: 4, Total: 4}, item.Stock)

	var page RedemptionPageResponse
	code = s.do(http.MethodGet, "/api/accounts/ana/redemptions", "ana", "", nil, &page)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, page.Total)
}

func TestAPI_UnknownItem(t *testing.T) {
	s := newTestServer(t)

	code := s.do(http.MethodGet, "/api/items/ghost", "ana", "", nil, nil)

	assert.Equal(t, http.StatusNotFound, code)
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

func TestAPI_ConfirmPurchaseTwice(t *testing.T) {
	s := newTestServer(t)
	body := ConfirmPurchaseRequest{UserID: "ana", CourseID: "rust-intro", PaymentID: "pay-1"}

	// GIVEN: the synchronous confirmation from the learner
	var first EnrollmentResponse
	code := s.do(http.MethodPost, "/api/enrollments", "ana", "", body, &first)
	require.Equal(t, http.StatusCreated, code)

	// WHEN: the payment webhook delivers the same purchase
	var second EnrollmentResponse
	code = s.do(http.MethodPost, "/api/enrollments", "payments-relay", RolePayment, body, &second)

	// THEN: one enrollment, reported as already present
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, second.AlreadyEnrolled)
	assert.Equal(t, first.Enrollment.ID, second.Enrollment.ID)

	var list []EnrollmentDTO
	code = s.do(http.MethodGet, "/api/accounts/ana/enrollments", "ana", "", nil, &list)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, list, 1)

	code = s.do(http.MethodPost, "/api/enrollments", "ben", "", body, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ledger.ValidationError{Field: "amount"}, http.StatusBadRequest},
		{&ledger.NotFoundError{Resource: "account", ID: "x"}, http.StatusNotFound},
		{ledger.ErrDuplicateIdempotencyKey, http.StatusConflict},
		{&ledger.TransitionError{From: "failed", To: "completed"}, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", ledger.ErrConcurrentModification), http.StatusConflict},
		{&ledger.InsufficientBalanceError{Available: ledger.Tokens(1), Requested: ledger.Tokens(2)}, http.StatusUnprocessableEntity},
		{&inventory.UnavailableError{ItemID: "x", Reason: "inactive"}, http.StatusUnprocessableEntity},
		{redemption.ErrNotCancellable, http.StatusUnprocessableEntity},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
