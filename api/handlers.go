/*
handlers.go - HTTP API handlers for the transaction ledger

PURPOSE:
  Exposes the transaction ledger via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Events:
    POST   /api/events                  Ingest a gateway event

  Items:
    GET    /api/items/{id}              Item with aggregates and status
    GET    /api/items/{id}/events       Event history
    POST   /api/items/{id}/actions      Request charge/refund/cancel
    POST   /api/items/{id}/recompute    Re-fold and report mismatches

  Owners:
    GET    /api/orders/{id}             Order rollup state
    GET    /api/checkouts/{id}          Checkout rollup state

  Adjustments:
    POST   /api/orders/{id}/granted-refunds   Grant a manual refund
    GET    /api/orders/{id}/granted-refunds   List granted refunds
    GET    /api/orders/{id}/refundable        Remaining refundable balance
    POST   /api/orders/{id}/gift-cards        Record a gift card
    GET    /api/orders/{id}/reconciliation    Reconciliation report

  Admin:
    POST   /api/admin/backfill          Bounded-batch rollup backfill

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (ledger service, rollup engine, overlay)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Item or owner not found
  - 409: Action not available, insufficient refundable balance
  - 500: Internal errors
  Duplicate event deliveries are NOT errors: they return 200 with
  duplicate=true, because at-least-once webhook delivery is expected.

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - backfill.go: Scheduled backfill worker
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/clearbook/payment-ledger/adjustment"
	"github.com/clearbook/payment-ledger/ledger"
	"github.com/clearbook/payment-ledger/rollup"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger  *ledger.Service
	Rollup  *rollup.Engine
	Overlay *adjustment.Overlay
}

// NewHandler creates a new handler.
func NewHandler(svc *ledger.Service, eng *rollup.Engine, overlay *adjustment.Overlay) *Handler {
	return &Handler{
		Ledger:  svc,
		Rollup:  eng,
		Overlay: overlay,
	}
}

// =============================================================================
// EVENT INGESTION
// =============================================================================

// IngestEvent records a gateway event against a transaction item.
// POST /api/events
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req IngestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rec := ledger.EventRecord{
		Owner: ledger.OwnerRef{
			Type: ledger.OwnerType(req.OwnerType),
			ID:   ledger.OwnerID(req.OwnerID),
		},
		ItemID:         ledger.ItemID(req.ItemID),
		Kind:           ledger.EventKind(req.Kind),
		Currency:       ledger.Currency(req.Currency),
		PSPReference:   req.PSPReference,
		IdempotencyKey: req.IdempotencyKey,
		Message:        req.Message,
		CreatedBy:      req.CreatedBy,
		CreatedByType:  req.CreatedByType,
	}
	if req.Amount != nil {
		rec.Amount = decimal.NewFromFloat(*req.Amount)
	}

	result, err := h.Ledger.Ingest(r.Context(), rec)
	if err != nil {
		writeDomainError(w, "Failed to ingest event", err)
		return
	}

	dto := IngestResultDTO{
		Duplicate: result.Duplicate,
		Item:      toItemDTO(*result.Item),
	}
	if result.Event != nil {
		ev := toEventDTO(*result.Event)
		dto.Event = &ev
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, dto)
}

// =============================================================================
// ITEM HANDLERS
// =============================================================================

// GetItem returns a transaction item with its derived state.
// GET /api/items/{id}
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	id := ledger.ItemID(chi.URLParam(r, "id"))

	item, err := h.Ledger.Item(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get item", err)
		return
	}

	writeJSON(w, http.StatusOK, toItemDTO(*item))
}

// GetItemEvents returns the item's full event history.
// GET /api/items/{id}/events
func (h *Handler) GetItemEvents(w http.ResponseWriter, r *http.Request) {
	id := ledger.ItemID(chi.URLParam(r, "id"))

	events, err := h.Ledger.Events(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get events", err)
		return
	}

	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

// RequestAction records a charge/refund/cancel request and forwards it to
// the gateway.
// POST /api/items/{id}/actions
func (h *Handler) RequestAction(w http.ResponseWriter, r *http.Request) {
	id := ledger.ItemID(chi.URLParam(r, "id"))

	var req RequestActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ev, err := h.Ledger.RequestAction(r.Context(), id, ledger.Action(req.Action), req.Actor)
	if err != nil {
		writeDomainError(w, "Failed to request action", err)
		return
	}

	writeJSON(w, http.StatusCreated, toEventDTO(*ev))
}

// RecomputeItem re-folds the item's aggregates from its event history and
// persists the result. Mismatches with the stored cache are reported
// through the service's mismatch hook.
// POST /api/items/{id}/recompute
func (h *Handler) RecomputeItem(w http.ResponseWriter, r *http.Request) {
	id := ledger.ItemID(chi.URLParam(r, "id"))

	if _, err := h.Ledger.Recompute(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to recompute item", err)
		return
	}

	item, err := h.Ledger.Item(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get item", err)
		return
	}

	writeJSON(w, http.StatusOK, toItemDTO(*item))
}

// =============================================================================
// OWNER HANDLERS
// =============================================================================

// GetOrder returns the rollup state of an order.
// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	h.getOwner(w, r, ledger.OrderOwner(ledger.OwnerID(chi.URLParam(r, "id"))))
}

// GetCheckout returns the rollup state of a checkout.
// GET /api/checkouts/{id}
func (h *Handler) GetCheckout(w http.ResponseWriter, r *http.Request) {
	h.getOwner(w, r, ledger.CheckoutOwner(ledger.OwnerID(chi.URLParam(r, "id"))))
}

func (h *Handler) getOwner(w http.ResponseWriter, r *http.Request, owner ledger.OwnerRef) {
	ctx := r.Context()

	state, err := h.Rollup.State(ctx, owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get owner state", err)
		return
	}

	items, err := h.Rollup.Items.ItemsByOwner(ctx, owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get owner items", err)
		return
	}

	writeJSON(w, http.StatusOK, toOwnerStateDTO(owner, state, items))
}

// =============================================================================
// ADJUSTMENT HANDLERS
// =============================================================================

// GrantRefund records a manual refund promise against an order.
// POST /api/orders/{id}/granted-refunds
func (h *Handler) GrantRefund(w http.ResponseWriter, r *http.Request) {
	orderID := ledger.OwnerID(chi.URLParam(r, "id"))

	var req GrantRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount := ledger.NewAmount(req.Amount, ledger.Currency(req.Currency))
	grant, err := h.Overlay.GrantRefund(r.Context(), orderID, amount, req.Reason, req.Actor)
	if err != nil {
		writeDomainError(w, "Failed to grant refund", err)
		return
	}

	writeJSON(w, http.StatusCreated, toGrantedRefundDTO(*grant))
}

// ListGrantedRefunds returns all granted refunds for an order.
// GET /api/orders/{id}/granted-refunds
func (h *Handler) ListGrantedRefunds(w http.ResponseWriter, r *http.Request) {
	orderID := ledger.OwnerID(chi.URLParam(r, "id"))

	grants, err := h.Overlay.GrantedRefunds(r.Context(), orderID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list granted refunds", err)
		return
	}

	dtos := make([]GrantedRefundDTO, len(grants))
	for i, g := range grants {
		dtos[i] = toGrantedRefundDTO(g)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRefundable returns the order's remaining refundable balance.
// GET /api/orders/{id}/refundable
func (h *Handler) GetRefundable(w http.ResponseWriter, r *http.Request) {
	orderID := ledger.OwnerID(chi.URLParam(r, "id"))

	remaining, err := h.Overlay.RemainingRefundable(r.Context(), orderID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute refundable balance", err)
		return
	}

	value, _ := remaining.Value.Float64()
	writeJSON(w, http.StatusOK, RefundableDTO{
		OrderID:   string(orderID),
		Remaining: value,
		Currency:  string(remaining.Currency),
	})
}

// ApplyGiftCard records a gift card application against an order.
// POST /api/orders/{id}/gift-cards
func (h *Handler) ApplyGiftCard(w http.ResponseWriter, r *http.Request) {
	orderID := ledger.OwnerID(chi.URLParam(r, "id"))

	var req GiftCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount := ledger.NewAmount(req.Amount, ledger.Currency(req.Currency))
	app, err := h.Overlay.ApplyGiftCard(r.Context(), orderID, req.GiftCardID, amount)
	if err != nil {
		writeDomainError(w, "Failed to apply gift card", err)
		return
	}

	writeJSON(w, http.StatusCreated, toGiftCardApplicationDTO(*app))
}

// GetReconciliation returns the order's reconciliation report.
// GET /api/orders/{id}/reconciliation
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	orderID := ledger.OwnerID(chi.URLParam(r, "id"))

	report, err := h.Overlay.Report(r.Context(), orderID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build reconciliation report", err)
		return
	}

	writeJSON(w, http.StatusOK, toReconciliationDTO(report))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerBackfill runs a bounded-batch rollup backfill over all owners.
// POST /api/admin/backfill
func (h *Handler) TriggerBackfill(w http.ResponseWriter, r *http.Request) {
	var req BackfillRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = rollup.DefaultBatchSize
	}

	var refolder rollup.Refolder
	if req.Refold {
		refolder = h.Ledger
	}

	stats, err := h.Rollup.Backfill(r.Context(), batchSize, refolder)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Backfill failed", err)
		return
	}

	writeJSON(w, http.StatusOK, BackfillResultDTO{
		Owners:  stats.Owners,
		Items:   stats.Items,
		Batches: stats.Batches,
	})
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

// writeDomainError maps domain errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	var validation *ledger.ValidationError
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, ledger.ErrActionNotAvailable),
		errors.Is(err, ledger.ErrInsufficientRefundableBalance):
		writeError(w, http.StatusConflict, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
