/*
catalog.go - Catalog, redemption and enrollment handlers

ENDPOINTS:
  Items:
    GET    /api/items?active=true          List items
    GET    /api/items/{id}                 Item with live stock
    POST   /api/items                      Create item (admin)

  Redemptions:
    POST   /api/redemptions                Redeem tokens for an item
    GET    /api/redemptions/{id}           Redemption with status history
    POST   /api/redemptions/{id}/cancel    Cancel, refund, return stock
    POST   /api/redemptions/{id}/status    Advance fulfilment (admin)
    GET    /api/accounts/{id}/redemptions  Account's redemptions

  Enrollments:
    POST   /api/enrollments                Purchase confirmed (idempotent)
    GET    /api/accounts/{id}/enrollments  Account's enrollments
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/warp/token-ledger/enrollment"
	"github.com/warp/token-ledger/inventory"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/redemption"
)

// RolePayment is the role of the payment collaborator's webhook relay.
const RolePayment = "payment"

// =============================================================================
// ITEM HANDLERS
// =============================================================================

func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	items, err := h.Inventory.ListItems(r.Context(), activeOnly)
	if err != nil {
		h.fail(w, "Failed to list items", err)
		return
	}
	out := make([]ItemDTO, len(items))
	for i, it := range items {
		out[i] = toItemDTO(it)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Inventory.Item(r.Context(), inventory.ItemID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to get item", err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

// CreateItem adds an item. Stock is the initial available count and is
// ignored for unlimited items.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	item := inventory.Item{
		ID:             inventory.ItemID(req.ID),
		Name:           req.Name,
		TokenCost:      req.TokenCost,
		IsUnlimited:    req.IsUnlimited,
		IsActive:       active,
		AvailableFrom:  req.AvailableFrom,
		AvailableUntil: req.AvailableUntil,
		DeliveryType:   inventory.DeliveryType(req.DeliveryType),
	}
	if !req.IsUnlimited {
		item.Stock = inventory.Stock{Available: req.Stock, Total: req.Stock}
	}
	created, err := h.Inventory.AddItem(r.Context(), item)
	if err != nil {
		h.fail(w, "Failed to create item", err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(created))
}

// =============================================================================
// REDEMPTION HANDLERS
// =============================================================================

func (h *Handler) CreateRedemption(w http.ResponseWriter, r *http.Request) {
	var req CreateRedemptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, _ := principalFrom(r.Context())
	account := p.ID
	if req.AccountID != "" {
		account = ledger.AccountID(req.AccountID)
	}
	if !h.authorize(w, r, account) {
		return
	}
	red, err := h.Redemptions.Create(r.Context(), redemption.Request{
		AccountID: account,
		ItemID:    inventory.ItemID(req.ItemID),
		Quantity:  req.Quantity,
		Delivery:  req.Delivery,
	})
	if err != nil {
		h.fail(w, "Failed to redeem", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRedemptionDTO(red))
}

func (h *Handler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	red, ok := h.ownedRedemption(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTO(red))
}

// CancelRedemption refunds and returns stock. Cancelling twice is a no-op
// with changed=false.
func (h *Handler) CancelRedemption(w http.ResponseWriter, r *http.Request) {
	red, ok := h.ownedRedemption(w, r)
	if !ok {
		return
	}
	// The body is optional.
	var req CancelRedemptionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	red, changed, err := h.Redemptions.Cancel(r.Context(), red.ID, req.Reason)
	if err != nil {
		h.fail(w, "Failed to cancel redemption", err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Redemption: toRedemptionDTO(red), Changed: changed})
}

// AdvanceRedemption moves a redemption along its fulfilment lifecycle.
func (h *Handler) AdvanceRedemption(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRedemptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	red, err := h.Redemptions.Advance(r.Context(), redemption.ID(chi.URLParam(r, "id")), redemption.Status(req.Status), req.Note)
	if err != nil {
		h.fail(w, "Failed to update redemption", err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTO(red))
}

// ListAccountRedemptions returns the account's redemptions, newest first.
//
//	?status=pending&offset=0&limit=20
func (h *Handler) ListAccountRedemptions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		h.fail(w, "Invalid query", err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		h.fail(w, "Invalid query", err)
		return
	}
	reds, total, err := h.Redemptions.List(r.Context(), redemption.Filter{
		AccountID: id,
		Status:    redemption.Status(r.URL.Query().Get("status")),
		Offset:    offset,
		Limit:     limit,
	})
	if err != nil {
		h.fail(w, "Failed to list redemptions", err)
		return
	}
	out := make([]RedemptionDTO, len(reds))
	for i, red := range reds {
		out[i] = toRedemptionDTO(red)
	}
	writeJSON(w, http.StatusOK, RedemptionPageResponse{Redemptions: out, Total: total})
}

// ownedRedemption loads {id} and checks the caller owns it. Strangers get
// 404 rather than 403.
func (h *Handler) ownedRedemption(w http.ResponseWriter, r *http.Request) (redemption.Redemption, bool) {
	red, err := h.Redemptions.Get(r.Context(), redemption.ID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to get redemption", err)
		return redemption.Redemption{}, false
	}
	p, _ := principalFrom(r.Context())
	if !p.CanAccess(red.AccountID) {
		writeError(w, http.StatusNotFound, "Failed to get redemption", &ledger.NotFoundError{Resource: "redemption", ID: string(red.ID)})
		return redemption.Redemption{}, false
	}
	return red, true
}

// =============================================================================
// ENROLLMENT HANDLERS
// =============================================================================

// ConfirmPurchase records a purchase fact. The synchronous confirmation and
// the payment webhook may both deliver it; the second gets 200 with
// alreadyEnrolled=true.
func (h *Handler) ConfirmPurchase(w http.ResponseWriter, r *http.Request) {
	var req ConfirmPurchaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, _ := principalFrom(r.Context())
	if p.Role != RolePayment && !p.CanAccess(ledger.AccountID(req.UserID)) {
		writeError(w, http.StatusForbidden, "Not allowed for this account", nil)
		return
	}
	e, already, err := h.Enrollments.ConfirmPurchase(r.Context(), enrollment.Purchase{
		AccountID: ledger.AccountID(req.UserID),
		CourseID:  req.CourseID,
		PaymentID: req.PaymentID,
	})
	if err != nil {
		h.fail(w, "Failed to confirm purchase", err)
		return
	}
	status := http.StatusCreated
	if already {
		status = http.StatusOK
	}
	writeJSON(w, status, EnrollmentResponse{Enrollment: toEnrollmentDTO(e), AlreadyEnrolled: already})
}

func (h *Handler) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountParam(w, r)
	if !ok {
		return
	}
	list, err := h.Enrollments.List(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to list enrollments", err)
		return
	}
	out := make([]EnrollmentDTO, len(list))
	for i, e := range list {
		out[i] = toEnrollmentDTO(e)
	}
	writeJSON(w, http.StatusOK, out)
}
