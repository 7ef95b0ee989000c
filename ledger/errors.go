/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The adjustment and api packages wrap or map these rather than
  defining their own taxonomy.

ERROR CATEGORIES:
  1. Validation errors - malformed events, rejected before persistence
  2. Idempotency - duplicate delivery, a successful no-op for callers
  3. Balance errors - refund grants/requests exceeding refundable value
  4. Store errors - persistence-level failures

Gateway-side failures are NOT errors: *_failure events are first-class
ledger facts and participate in available-action derivation.
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateEvent is returned when an event with the same idempotency
	// key already exists for the item. This is expected behavior under
	// at-least-once webhook delivery; callers treat it as an acknowledgment.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrItemNotFound is returned when a referenced transaction item
	// doesn't exist.
	ErrItemNotFound = errors.New("transaction item not found")

	// ErrActionNotAvailable is returned when a requested action is not in
	// the item's currently derived available actions.
	ErrActionNotAvailable = errors.New("action not available")

	// ErrInsufficientRefundableBalance is returned when a refund grant or
	// refund request exceeds the order's remaining refundable balance.
	ErrInsufficientRefundableBalance = errors.New("insufficient refundable balance")

	// ErrEventStoreFailed is returned when an event cannot be persisted.
	ErrEventStoreFailed = errors.New("event store failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a malformed event rejected before persistence.
type ValidationError struct {
	Field   string // "kind", "amount", "currency", "owner", "idempotency_key"
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Message)
}

// InsufficientBalanceError provides details about a refundable-balance
// shortage on an order.
type InsufficientBalanceError struct {
	OrderID   OwnerID
	Available Amount
	Requested Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient refundable balance on order %s: available %v, requested %v",
		e.OrderID, e.Available.Value, e.Requested.Value)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientRefundableBalance
}

// ReconciliationMismatch records a disagreement between an item's stored
// aggregates and the fold of its events, detected outside a backfill run.
// The derived value is authoritative and has already overwritten the
// stored one by the time this is reported.
type ReconciliationMismatch struct {
	ItemID  ItemID
	Stored  Aggregates
	Derived Aggregates
}

func (m ReconciliationMismatch) String() string {
	return fmt.Sprintf("aggregate mismatch on item %s: stored {%v %v %v %v}, derived {%v %v %v %v}",
		m.ItemID,
		m.Stored.Authorized.Value, m.Stored.Charged.Value, m.Stored.Canceled.Value, m.Stored.Refunded.Value,
		m.Derived.Authorized.Value, m.Derived.Charged.Value, m.Derived.Canceled.Value, m.Derived.Refunded.Value)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input
// rather than a ledger-side failure.
func IsClientError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrActionNotAvailable) ||
		errors.Is(err, ErrInsufficientRefundableBalance)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound)
}

// IsDuplicate returns true for idempotency collisions, which callers treat
// as successful no-ops.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateEvent)
}
