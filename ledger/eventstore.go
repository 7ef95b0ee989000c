/*
eventstore.go - Validated, idempotent append to the event log

PURPOSE:
  The EventStore is the single gate through which events enter the
  ledger. It validates an event against its owning item (recognized kind,
  amount rules, currency match), then appends. Malformed events are
  rejected before persistence; duplicates surface as ErrDuplicateEvent
  and perform no further work.

WHY VALIDATE HERE?
  Aggregation must never run on an event that failed to persist, and
  persistence must never accept an event the fold could not interpret.
  Keeping both checks in front of the store write is what makes the
  stored aggregates trustworthy as a cache of the fold.
*/
package ledger

import "context"

// =============================================================================
// EVENT STORE - Append gate over the persistence layer
// =============================================================================

type EventStore struct {
	store Store
}

func NewEventStore(store Store) *EventStore {
	return &EventStore{store: store}
}

// Append validates ev against item and persists it.
// Returns *ValidationError for malformed events (not persisted) and
// ErrDuplicateEvent for idempotency collisions (a no-op).
func (s *EventStore) Append(ctx context.Context, item *TransactionItem, ev TransactionEvent) error {
	if err := ValidateEvent(item, ev); err != nil {
		return err
	}
	return s.store.AppendEvent(ctx, ev)
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateEvent checks the input constraints for appending ev to item.
func ValidateEvent(item *TransactionItem, ev TransactionEvent) error {
	if !ev.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: "unrecognized event kind " + string(ev.Kind)}
	}
	if ev.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotency_key", Message: "idempotency key is required"}
	}
	if ev.Amount.Currency != "" && ev.Amount.Currency != item.Currency {
		return &ValidationError{
			Field:   "currency",
			Message: "event currency " + string(ev.Amount.Currency) + " does not match item currency " + string(item.Currency),
		}
	}
	if ev.Kind.IsSuccess() {
		// Success events move money: they must name the currency. Only
		// the zero-amount request/failure/info kinds may omit it.
		if ev.Amount.Currency == "" {
			return &ValidationError{Field: "currency", Message: "currency is required for success events"}
		}
		if ev.Amount.IsNegative() {
			return &ValidationError{Field: "amount", Message: "amount must be non-negative for success events"}
		}
	} else if !ev.Amount.IsZero() {
		return &ValidationError{Field: "amount", Message: "amount must be zero or absent for non-success events"}
	}
	return nil
}
