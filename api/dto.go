/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Events:
    IngestEventRequest, EventDTO, IngestResultDTO

  Items:
    ItemDTO, AggregatesDTO, RequestActionRequest

  Owners:
    OwnerStateDTO

  Adjustments:
    GrantRefundRequest, GrantedRefundDTO, GiftCardRequest,
    GiftCardApplicationDTO, RefundableDTO, ReconciliationDTO

  Admin:
    BackfillRequest, BackfillResultDTO

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/clearbook/payment-ledger/adjustment"
	"github.com/clearbook/payment-ledger/ledger"
	"github.com/clearbook/payment-ledger/rollup"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// IngestEventRequest is the canonical event ingestion payload. It is what
// a gateway webhook adapter posts after translating the provider's shape.
type IngestEventRequest struct {
	OwnerType string `json:"owner_type"`
	OwnerID   string `json:"owner_id"`

	// ItemID targets an existing item directly. When empty, the item is
	// resolved (or created) from owner + psp_reference.
	ItemID string `json:"item_id,omitempty"`

	Kind     string   `json:"kind"`
	Amount   *float64 `json:"amount,omitempty"`
	Currency string   `json:"currency,omitempty"`

	PSPReference   string `json:"psp_reference,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Message        string `json:"message,omitempty"`

	CreatedBy     string `json:"created_by,omitempty"`
	CreatedByType string `json:"created_by_type,omitempty"`
}

// IngestResultDTO is the response to event ingestion. Duplicate deliveries
// are acknowledged with duplicate=true and the item's current state.
type IngestResultDTO struct {
	Duplicate bool      `json:"duplicate"`
	Item      ItemDTO   `json:"item"`
	Event     *EventDTO `json:"event,omitempty"`
}

// RequestActionRequest asks the gateway to perform an action on an item.
type RequestActionRequest struct {
	Action string `json:"action"`
	Actor  string `json:"actor,omitempty"`
}

// ItemDTO represents a transaction item in API responses.
type ItemDTO struct {
	ID               string        `json:"id"`
	OwnerType        string        `json:"owner_type"`
	OwnerID          string        `json:"owner_id"`
	PSPReference     string        `json:"psp_reference,omitempty"`
	CreatedBy        string        `json:"created_by,omitempty"`
	CreatedByType    string        `json:"created_by_type,omitempty"`
	Currency         string        `json:"currency"`
	Aggregates       AggregatesDTO `json:"aggregates"`
	ChargeStatus     string        `json:"charge_status"`
	AvailableActions []string      `json:"available_actions"`
	CreatedAt        string        `json:"created_at,omitempty"`
	ModifiedAt       string        `json:"modified_at,omitempty"`
}

// AggregatesDTO carries the item's derived monetary totals.
type AggregatesDTO struct {
	Authorized float64 `json:"authorized"`
	Charged    float64 `json:"charged"`
	Canceled   float64 `json:"canceled"`
	Refunded   float64 `json:"refunded"`
}

// EventDTO represents one event in the item's history.
type EventDTO struct {
	ID             string  `json:"id"`
	ItemID         string  `json:"item_id"`
	Kind           string  `json:"kind"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency,omitempty"`
	Message        string  `json:"message,omitempty"`
	ExternalID     string  `json:"external_id,omitempty"`
	IdempotencyKey string  `json:"idempotency_key"`
	CreatedAt      string  `json:"created_at,omitempty"`
}

// OwnerStateDTO is the rollup state of an order or checkout.
type OwnerStateDTO struct {
	OwnerType               string    `json:"owner_type"`
	OwnerID                 string    `json:"owner_id"`
	AutomaticallyRefundable bool      `json:"automatically_refundable"`
	LastModifiedAt          *string   `json:"last_modified_at,omitempty"`
	Items                   []ItemDTO `json:"items,omitempty"`
}

// GrantRefundRequest records a manual refund promise against an order.
type GrantRefundRequest struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Reason   string  `json:"reason,omitempty"`
	Actor    string  `json:"actor,omitempty"`
}

// GrantedRefundDTO represents a granted refund in API responses.
type GrantedRefundDTO struct {
	ID        string  `json:"id"`
	OrderID   string  `json:"order_id"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Reason    string  `json:"reason,omitempty"`
	GrantedBy string  `json:"granted_by,omitempty"`
	CreatedAt string  `json:"created_at,omitempty"`
}

// GiftCardRequest records a gift card application against an order.
type GiftCardRequest struct {
	GiftCardID string  `json:"gift_card_id"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
}

// GiftCardApplicationDTO represents a gift card application.
type GiftCardApplicationDTO struct {
	ID         string  `json:"id"`
	OrderID    string  `json:"order_id"`
	GiftCardID string  `json:"gift_card_id"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	CreatedAt  string  `json:"created_at,omitempty"`
}

// RefundableDTO is the order's remaining refundable balance.
type RefundableDTO struct {
	OrderID   string  `json:"order_id"`
	Remaining float64 `json:"remaining"`
	Currency  string  `json:"currency"`
}

// ReconciliationDTO summarizes how an order's value splits between
// gateway-settled money, refunds, refund promises, and gift cards.
type ReconciliationDTO struct {
	OrderID   string  `json:"order_id"`
	Currency  string  `json:"currency"`
	Captured  float64 `json:"captured"`
	Refunded  float64 `json:"refunded"`
	Granted   float64 `json:"granted"`
	GiftCards float64 `json:"gift_cards"`
	Remaining float64 `json:"remaining"`
}

// BackfillRequest triggers a bounded-batch rollup backfill.
type BackfillRequest struct {
	BatchSize int  `json:"batch_size,omitempty"`
	Refold    bool `json:"refold,omitempty"`
}

// BackfillResultDTO is the outcome of a backfill run.
type BackfillResultDTO struct {
	Owners  int `json:"owners"`
	Items   int `json:"items"`
	Batches int `json:"batches"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toItemDTO(item ledger.TransactionItem) ItemDTO {
	actions := make([]string, len(item.AvailableActions))
	for i, a := range item.AvailableActions {
		actions[i] = string(a)
	}
	return ItemDTO{
		ID:               string(item.ID),
		OwnerType:        string(item.Owner.Type),
		OwnerID:          string(item.Owner.ID),
		PSPReference:     item.PSPReference,
		CreatedBy:        item.CreatedBy,
		CreatedByType:    item.CreatedByType,
		Currency:         string(item.Currency),
		Aggregates:       toAggregatesDTO(item.Aggregates),
		ChargeStatus:     string(item.Status),
		AvailableActions: actions,
		CreatedAt:        item.CreatedAt.Format(time.RFC3339),
		ModifiedAt:       item.ModifiedAt.Format(time.RFC3339),
	}
}

func toItemDTOs(items []ledger.TransactionItem) []ItemDTO {
	dtos := make([]ItemDTO, len(items))
	for i, item := range items {
		dtos[i] = toItemDTO(item)
	}
	return dtos
}

func toAggregatesDTO(agg ledger.Aggregates) AggregatesDTO {
	authorized, _ := agg.Authorized.Value.Float64()
	charged, _ := agg.Charged.Value.Float64()
	canceled, _ := agg.Canceled.Value.Float64()
	refunded, _ := agg.Refunded.Value.Float64()
	return AggregatesDTO{
		Authorized: authorized,
		Charged:    charged,
		Canceled:   canceled,
		Refunded:   refunded,
	}
}

func toEventDTO(ev ledger.TransactionEvent) EventDTO {
	amount, _ := ev.Amount.Value.Float64()
	return EventDTO{
		ID:             string(ev.ID),
		ItemID:         string(ev.ItemID),
		Kind:           string(ev.Kind),
		Amount:         amount,
		Currency:       string(ev.Amount.Currency),
		Message:        ev.Message,
		ExternalID:     ev.ExternalID,
		IdempotencyKey: ev.IdempotencyKey,
		CreatedAt:      ev.CreatedAt.Format(time.RFC3339),
	}
}

func toEventDTOs(events []ledger.TransactionEvent) []EventDTO {
	dtos := make([]EventDTO, len(events))
	for i, ev := range events {
		dtos[i] = toEventDTO(ev)
	}
	return dtos
}

func toOwnerStateDTO(owner ledger.OwnerRef, state rollup.OwnerState, items []ledger.TransactionItem) OwnerStateDTO {
	dto := OwnerStateDTO{
		OwnerType:               string(owner.Type),
		OwnerID:                 string(owner.ID),
		AutomaticallyRefundable: state.AutomaticallyRefundable,
		Items:                   toItemDTOs(items),
	}
	if state.LastModifiedAt != nil {
		s := state.LastModifiedAt.Format(time.RFC3339)
		dto.LastModifiedAt = &s
	}
	return dto
}

func toGrantedRefundDTO(g adjustment.GrantedRefund) GrantedRefundDTO {
	amount, _ := g.Amount.Value.Float64()
	return GrantedRefundDTO{
		ID:        g.ID,
		OrderID:   string(g.OrderID),
		Amount:    amount,
		Currency:  string(g.Amount.Currency),
		Reason:    g.Reason,
		GrantedBy: g.GrantedBy,
		CreatedAt: g.CreatedAt.Format(time.RFC3339),
	}
}

func toGiftCardApplicationDTO(a adjustment.GiftCardApplication) GiftCardApplicationDTO {
	amount, _ := a.Amount.Value.Float64()
	return GiftCardApplicationDTO{
		ID:         a.ID,
		OrderID:    string(a.OrderID),
		GiftCardID: a.GiftCardID,
		Amount:     amount,
		Currency:   string(a.Amount.Currency),
		CreatedAt:  a.CreatedAt.Format(time.RFC3339),
	}
}

func toReconciliationDTO(r adjustment.Reconciliation) ReconciliationDTO {
	captured, _ := r.Captured.Value.Float64()
	refunded, _ := r.Refunded.Value.Float64()
	granted, _ := r.Granted.Value.Float64()
	giftCards, _ := r.GiftCards.Value.Float64()
	remaining, _ := r.Remaining.Value.Float64()
	return ReconciliationDTO{
		OrderID:   string(r.OrderID),
		Currency:  string(r.Currency),
		Captured:  captured,
		Refunded:  refunded,
		Granted:   granted,
		GiftCards: giftCards,
		Remaining: remaining,
	}
}
