/*
Package ledger is the payment transaction ledger engine.

PURPOSE:
  This package contains the core types and algorithms for recording
  payment-gateway events against transaction items and deriving consistent
  monetary state from them. Every authorize, charge, cancel, and refund
  (and their request/failure counterparts) is an immutable event; the
  item's aggregates are always a fold over its event history.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A monetary quantity with a fixed ISO currency code
  - TransactionItem: One gateway transaction attempt and its derived state
  - TransactionEvent: One immutable fact recorded against an item
  - OwnerRef: The order or checkout a transaction item belongs to

DESIGN PRINCIPLES:
  1. Immutability: Events are never modified or deleted
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Derivation: Aggregates, charge status, and available actions are
     computed from events, never set directly
  4. Idempotency: Every event carries a key unique per item, so
     at-least-once webhook delivery is safe

SEE ALSO:
  - aggregate.go: Fold from events to aggregates
  - status.go: Charge-status derivation
  - eventstore.go: Validated, idempotent append
  - service.go: Ingestion orchestration
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Monetary quantity with a fixed currency
// =============================================================================

// Currency is a three-letter ISO 4217 code. The ledger never converts
// between currencies; an item's currency is immutable after creation.
type Currency string

type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

func NewAmount(value float64, currency Currency) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewAmountFromInt(value int, currency Currency) Amount {
	return Amount{Value: decimal.NewFromInt(int64(value)), Currency: currency}
}

func ZeroAmount(currency Currency) Amount {
	return Amount{Value: decimal.Zero, Currency: currency}
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Zero() Amount              { return Amount{Value: decimal.Zero, Currency: a.Currency} }
func (a Amount) Add(b Amount) Amount       { return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency} }
func (a Amount) Sub(b Amount) Amount       { return Amount{Value: a.Value.Sub(b.Value), Currency: a.Currency} }
func (a Amount) Neg() Amount               { return Amount{Value: a.Value.Neg(), Currency: a.Currency} }
func (a Amount) IsNegative() bool          { return a.Value.IsNegative() }
func (a Amount) IsZero() bool              { return a.Value.IsZero() }
func (a Amount) IsPositive() bool          { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool    { return a.Value.LessThan(b.Value) }
func (a Amount) GreaterThanOrEqual(b Amount) bool { return a.Value.GreaterThanOrEqual(b.Value) }
func (a Amount) Equal(b Amount) bool {
	return a.Currency == b.Currency && a.Value.Equal(b.Value)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ItemID string
type EventID string
type OwnerID string

// =============================================================================
// OWNER - Tagged union over the two aggregate roots that own items
// =============================================================================

// OwnerType distinguishes the two external aggregate roots a transaction
// item can belong to. An item belongs to exactly one of them, never both.
type OwnerType string

const (
	OwnerOrder    OwnerType = "order"
	OwnerCheckout OwnerType = "checkout"
)

// OwnerRef identifies the order or checkout that owns a transaction item.
// Both variants expose the same rollup contract; the rollup engine never
// branches on the type beyond persistence keys.
type OwnerRef struct {
	Type OwnerType
	ID   OwnerID
}

func OrderOwner(id OwnerID) OwnerRef    { return OwnerRef{Type: OwnerOrder, ID: id} }
func CheckoutOwner(id OwnerID) OwnerRef { return OwnerRef{Type: OwnerCheckout, ID: id} }

func (o OwnerRef) IsZero() bool { return o.Type == "" && o.ID == "" }

func (o OwnerRef) Valid() bool {
	return (o.Type == OwnerOrder || o.Type == OwnerCheckout) && o.ID != ""
}

// =============================================================================
// EVENT KINDS
// =============================================================================

type EventKind string

const (
	KindAuthorizationRequest EventKind = "authorization_request"
	KindAuthorizationSuccess EventKind = "authorization_success"
	KindAuthorizationFailure EventKind = "authorization_failure"
	KindChargeRequest        EventKind = "charge_request"
	KindChargeSuccess        EventKind = "charge_success"
	KindChargeFailure        EventKind = "charge_failure"
	KindCancelRequest        EventKind = "cancel_request"
	KindCancelSuccess        EventKind = "cancel_success"
	KindCancelFailure        EventKind = "cancel_failure"
	KindRefundRequest        EventKind = "refund_request"
	KindRefundSuccess        EventKind = "refund_success"
	KindRefundFailure        EventKind = "refund_failure"
	KindInfo                 EventKind = "info"
)

// legacyKinds maps historical kind names to their current equivalents.
// Earlier schema versions recorded charges as "capture" and cancels as
// "void"; those rows are never rewritten in place. The fold consults this
// table so old histories keep producing correct aggregates.
var legacyKinds = map[EventKind]EventKind{
	"capture_request": KindChargeRequest,
	"capture_success": KindChargeSuccess,
	"capture_failure": KindChargeFailure,
	"void_request":    KindCancelRequest,
	"void_success":    KindCancelSuccess,
	"void_failure":    KindCancelFailure,
}

// NormalizeKind resolves legacy kind names to their current spelling.
// Unknown kinds are returned unchanged; Valid() catches them.
func NormalizeKind(k EventKind) EventKind {
	if current, ok := legacyKinds[k]; ok {
		return current
	}
	return k
}

func (k EventKind) Valid() bool {
	switch NormalizeKind(k) {
	case KindAuthorizationRequest, KindAuthorizationSuccess, KindAuthorizationFailure,
		KindChargeRequest, KindChargeSuccess, KindChargeFailure,
		KindCancelRequest, KindCancelSuccess, KindCancelFailure,
		KindRefundRequest, KindRefundSuccess, KindRefundFailure,
		KindInfo:
		return true
	}
	return false
}

func (k EventKind) IsSuccess() bool {
	switch NormalizeKind(k) {
	case KindAuthorizationSuccess, KindChargeSuccess, KindCancelSuccess, KindRefundSuccess:
		return true
	}
	return false
}

func (k EventKind) IsFailure() bool {
	switch NormalizeKind(k) {
	case KindAuthorizationFailure, KindChargeFailure, KindCancelFailure, KindRefundFailure:
		return true
	}
	return false
}

func (k EventKind) IsRequest() bool {
	switch NormalizeKind(k) {
	case KindAuthorizationRequest, KindChargeRequest, KindCancelRequest, KindRefundRequest:
		return true
	}
	return false
}

// =============================================================================
// ACTIONS - Operations the owner may still request on an item
// =============================================================================

type Action string

const (
	ActionCharge Action = "charge"
	ActionRefund Action = "refund"
	ActionCancel Action = "cancel"
)

// RequestKind returns the event kind recorded when this action is
// requested through the command surface.
func (a Action) RequestKind() (EventKind, bool) {
	switch a {
	case ActionCharge:
		return KindChargeRequest, true
	case ActionRefund:
		return KindRefundRequest, true
	case ActionCancel:
		return KindCancelRequest, true
	}
	return "", false
}

// =============================================================================
// TRANSACTION EVENT - One immutable fact in the event log
// =============================================================================

type TransactionEvent struct {
	ID     EventID
	ItemID ItemID
	Kind   EventKind

	// Amount is required and non-negative for *_success kinds, zero for
	// everything else. Its currency must equal the owning item's.
	Amount Amount

	// Message carries the gateway's failure message or provider error code
	// for *_failure events, free-form detail otherwise.
	Message string

	// ExternalID is the psp reference the gateway attached to this event.
	ExternalID string

	// IdempotencyKey is unique per item. It is either supplied by the
	// gateway adapter or derived from (psp reference, kind).
	IdempotencyKey string

	CreatedAt time.Time
}

// =============================================================================
// AGGREGATES - Derived monetary totals, always a fold over events
// =============================================================================

// Aggregates equals the sum of successful events of each kind applied to
// the item. No aggregate is ever set directly; the stored copy on a
// TransactionItem is a cache of Fold and is repaired from events on any
// mismatch.
type Aggregates struct {
	Authorized Amount
	Charged    Amount
	Canceled   Amount
	Refunded   Amount
}

func NewAggregates(currency Currency) Aggregates {
	return Aggregates{
		Authorized: ZeroAmount(currency),
		Charged:    ZeroAmount(currency),
		Canceled:   ZeroAmount(currency),
		Refunded:   ZeroAmount(currency),
	}
}

func (a Aggregates) Equal(b Aggregates) bool {
	return a.Authorized.Equal(b.Authorized) &&
		a.Charged.Equal(b.Charged) &&
		a.Canceled.Equal(b.Canceled) &&
		a.Refunded.Equal(b.Refunded)
}

// =============================================================================
// TRANSACTION ITEM - One gateway transaction attached to one owner
// =============================================================================

type TransactionItem struct {
	ID    ItemID
	Owner OwnerRef

	// PSPReference is the external correlation id assigned by the gateway.
	// It is set once, the first time an event carries one, and never
	// overwritten afterwards.
	PSPReference string

	// CreatedBy identifies the authoring actor (installed integration or
	// user) by a stable external identifier, so ownership survives actor
	// deletion. CreatedByType is "app" or "user".
	CreatedBy     string
	CreatedByType string

	// Currency is fixed at creation. Every event must match it.
	Currency Currency

	// Derived state: cached fold of the event history.
	Aggregates       Aggregates
	Status           ChargeStatus
	AvailableActions []Action

	CreatedAt  time.Time
	ModifiedAt time.Time
}
