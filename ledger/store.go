/*
store.go - Persistence interface for items and events

PURPOSE:
  Defines the interface between the ledger logic and the database.
  The Store keeps the event log append-only while allowing the cached,
  derived fields on items to be rewritten from the fold.

APPEND-ONLY CONTRACT:
  transaction_events has exactly one write operation: AppendEvent.
  No Update, no Delete. "Cancelling" a pending request is expressed by
  appending a *_failure or cancel_success event, never by removing state.

IDEMPOTENCY:
  AppendEvent must be an atomic check-and-insert on
  (item id, idempotency key). Two concurrent deliveries of the same
  duplicate must not both pass a "not found" check; implementations use a
  unique index (sqlite) or a locked map (memory) to guarantee this.

ITEM DERIVED STATE:
  Items carry a cache of the fold (aggregates, status, actions,
  modified_at). UpdateItemDerived is the only way to rewrite it, and it
  always travels in the same store transaction as the append that caused
  it.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - ledger/store/memory.go: In-memory for testing
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Items plus the append-only event log
// =============================================================================

type Store interface {
	// CreateItem persists a new transaction item. Items are never deleted;
	// they are the permanent audit trail for one payment attempt.
	CreateItem(ctx context.Context, item TransactionItem) error

	// GetItem returns the item or ErrItemNotFound.
	GetItem(ctx context.Context, id ItemID) (*TransactionItem, error)

	// ItemsByOwner returns all items attached to an order or checkout.
	ItemsByOwner(ctx context.Context, owner OwnerRef) ([]TransactionItem, error)

	// UpdateItemDerived rewrites the item's cached derived state. The psp
	// reference is set-once: implementations keep an existing non-empty
	// value when pspReference is empty.
	UpdateItemDerived(ctx context.Context, id ItemID, agg Aggregates, status ChargeStatus, actions []Action, pspReference string, modifiedAt time.Time) error

	// AppendEvent persists an event. Returns ErrDuplicateEvent if an event
	// with the same idempotency key exists for the item. This is the ONLY
	// write operation on the event log.
	AppendEvent(ctx context.Context, ev TransactionEvent) error

	// LoadEvents returns the item's full event history in append order.
	LoadEvents(ctx context.Context, itemID ItemID) ([]TransactionEvent, error)

	// EventExists checks whether an idempotency key is already used for
	// the item.
	EventExists(ctx context.Context, itemID ItemID, idempotencyKey string) (bool, error)
}

// =============================================================================
// TRANSACTIONAL STORE - Append and aggregate update as one unit
// =============================================================================

// TxStore wraps Store with transaction support. The service runs every
// append together with its aggregate recomputation inside WithTx: no event
// is applied without the aggregates reflecting it, and no aggregate
// changes without a corresponding event existing.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. Reads inside fn observe
	// writes made earlier in the same transaction.
	WithTx(ctx context.Context, fn func(Store) error) error
}
