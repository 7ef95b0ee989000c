/*
service.go - Ingestion and command orchestration

PURPOSE:
  The Service is the entry point the gateway adapters and the command
  surface talk to. It owns the sequencing that the raw Store cannot
  express on its own:

  1. Resolve or create the transaction item for an inbound event
  2. Serialize all work per item (concurrent webhooks for the same item
     cannot interleave their aggregate updates)
  3. Append the event and recompute aggregates/status/actions inside ONE
     store transaction
  4. Notify the rollup layer that the owner's derived fields are stale

DUPLICATES:
  A duplicate delivery is not an error to callers: Ingest returns the
  current item state with Duplicate set, mirroring "already processed"
  webhook semantics.

RECONCILIATION:
  Recompute re-folds an item outside the ingest path. If the stored
  aggregates disagree with the fold, the derived value wins and the
  mismatch is reported through the OnMismatch hook; it never blocks.

SEE ALSO:
  - eventstore.go: Validation in front of the append
  - rollup: Consumes the OnOwnerChanged notifications
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SERVICE
// =============================================================================

// Forwarder hands a requested action to the external gateway adapter for
// execution. The adapter layer owns timeouts and retries; the ledger only
// records the *_request fact.
type Forwarder interface {
	Forward(ctx context.Context, item TransactionItem, action Action) error
}

type Service struct {
	Store TxStore

	// Forwarder receives requestAction commands after the *_request event
	// is recorded. Optional.
	Forwarder Forwarder

	// OnOwnerChanged is called after a committed change to any item owned
	// by the given order/checkout. The rollup engine hangs off this hook.
	// Optional.
	OnOwnerChanged func(ctx context.Context, owner OwnerRef)

	// OnMismatch receives reconciliation mismatches detected by Recompute.
	// The derived value has already been persisted when this fires.
	// Optional.
	OnMismatch func(m ReconciliationMismatch)

	locks *KeyedMutex
}

func NewService(store TxStore) *Service {
	return &Service{
		Store: store,
		locks: NewKeyedMutex(),
	}
}

// =============================================================================
// INGESTION
// =============================================================================

// EventRecord is the canonical inbound event shape delivered by gateway
// adapters. When ItemID is empty a new TransactionItem is created for
// Owner first.
type EventRecord struct {
	Owner  OwnerRef
	ItemID ItemID

	Kind     EventKind
	Amount   decimal.Decimal
	Currency Currency

	PSPReference   string
	IdempotencyKey string
	Message        string

	CreatedBy     string
	CreatedByType string
}

type IngestResult struct {
	Item      *TransactionItem
	Event     *TransactionEvent
	Duplicate bool
}

// Ingest applies one canonical gateway event to the ledger.
//
// The append and the aggregate recomputation run in a single store
// transaction; on success the owner-changed hook fires. A duplicate
// idempotency key yields Duplicate=true and no state change.
func (s *Service) Ingest(ctx context.Context, rec EventRecord) (*IngestResult, error) {
	// Resolution by psp reference must be serialized, or two concurrent
	// first deliveries of the same gateway transaction would each create
	// an item. Lock order is reference first, then item; RequestAction
	// takes only the item lock, so the ordering is consistent.
	if rec.ItemID == "" && rec.PSPReference != "" {
		unlockRef := s.locks.Lock("psp:" + string(rec.Owner.Type) + ":" + string(rec.Owner.ID) + ":" + rec.PSPReference)
		defer unlockRef()
	}

	item, created, err := s.resolveItem(ctx, rec)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(string(item.ID))
	defer unlock()

	ev := TransactionEvent{
		ID:             EventID(uuid.NewString()),
		ItemID:         item.ID,
		Kind:           rec.Kind,
		Amount:         Amount{Value: rec.Amount, Currency: rec.Currency},
		Message:        rec.Message,
		ExternalID:     rec.PSPReference,
		IdempotencyKey: rec.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if ev.IdempotencyKey == "" {
		if rec.PSPReference == "" {
			return nil, &ValidationError{
				Field:   "idempotency_key",
				Message: "either an idempotency key or a psp reference is required",
			}
		}
		// Derived key: one event per (psp reference, kind) pair.
		ev.IdempotencyKey = rec.PSPReference + ":" + string(NormalizeKind(rec.Kind))
	}

	// Fast path for redeliveries: an existing item that already carries
	// this key needs no write transaction. The unique index remains the
	// authority for anything this pre-check misses.
	if !created {
		if exists, err := s.Store.EventExists(ctx, item.ID, ev.IdempotencyKey); err == nil && exists {
			return &IngestResult{Item: item, Duplicate: true}, nil
		}
	}

	err = s.Store.WithTx(ctx, func(st Store) error {
		if created {
			if err := st.CreateItem(ctx, *item); err != nil {
				return err
			}
		}
		if err := NewEventStore(st).Append(ctx, item, ev); err != nil {
			return err
		}
		return s.refreshItem(ctx, st, item, rec.PSPReference, ev.CreatedAt)
	})
	if IsDuplicate(err) {
		// Already processed: acknowledge with the current state, no-op.
		current := item
		if !created {
			if fresh, gerr := s.Store.GetItem(ctx, item.ID); gerr == nil {
				current = fresh
			}
		}
		return &IngestResult{Item: current, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	s.ownerChanged(ctx, item.Owner)
	return &IngestResult{Item: item, Event: &ev}, nil
}

// resolveItem loads the referenced item, or builds a new one for the
// record's owner. The new item is persisted later, inside the ingest
// transaction.
//
// Webhooks never carry our internal item id, so without an ItemID the
// record is matched to an existing item through owner + psp reference.
// Only when no item carries that reference is a new one created.
func (s *Service) resolveItem(ctx context.Context, rec EventRecord) (*TransactionItem, bool, error) {
	if rec.ItemID != "" {
		item, err := s.Store.GetItem(ctx, rec.ItemID)
		if err != nil {
			return nil, false, err
		}
		return item, false, nil
	}

	if !rec.Owner.Valid() {
		return nil, false, &ValidationError{Field: "owner", Message: "an order or checkout owner is required to create an item"}
	}

	if rec.PSPReference != "" {
		items, err := s.Store.ItemsByOwner(ctx, rec.Owner)
		if err != nil {
			return nil, false, err
		}
		for i := range items {
			if items[i].PSPReference == rec.PSPReference {
				return &items[i], false, nil
			}
		}
	}

	if rec.Currency == "" {
		return nil, false, &ValidationError{Field: "currency", Message: "currency is required to create an item"}
	}

	now := time.Now().UTC()
	item := &TransactionItem{
		ID:            ItemID(uuid.NewString()),
		Owner:         rec.Owner,
		PSPReference:  rec.PSPReference,
		CreatedBy:     rec.CreatedBy,
		CreatedByType: rec.CreatedByType,
		Currency:      rec.Currency,
		Aggregates:    NewAggregates(rec.Currency),
		Status:        StatusNotCharged,
		CreatedAt:     now,
		ModifiedAt:    now,
	}
	return item, true, nil
}

// refreshItem re-folds the item's events and persists the derived state.
// Runs inside the caller's store transaction.
func (s *Service) refreshItem(ctx context.Context, st Store, item *TransactionItem, pspReference string, modifiedAt time.Time) error {
	events, err := st.LoadEvents(ctx, item.ID)
	if err != nil {
		return err
	}

	agg := Fold(item.Currency, events)
	status := StatusFor(agg)
	actions := AvailableActions(agg)

	if err := st.UpdateItemDerived(ctx, item.ID, agg, status, actions, pspReference, modifiedAt); err != nil {
		return err
	}

	item.Aggregates = agg
	item.Status = status
	item.AvailableActions = actions
	item.ModifiedAt = modifiedAt
	if item.PSPReference == "" {
		item.PSPReference = pspReference
	}
	return nil
}

// =============================================================================
// COMMANDS
// =============================================================================

// RequestAction appends a *_request event for the action and forwards it
// to the gateway adapter. The action must currently be offered by the
// item's derived available actions.
func (s *Service) RequestAction(ctx context.Context, itemID ItemID, action Action, actor string) (*TransactionEvent, error) {
	kind, ok := action.RequestKind()
	if !ok {
		return nil, &ValidationError{Field: "kind", Message: "unknown action " + string(action)}
	}

	unlock := s.locks.Lock(string(itemID))

	item, err := s.Store.GetItem(ctx, itemID)
	if err != nil {
		unlock()
		return nil, err
	}
	if !HasAction(item.Aggregates, action) {
		unlock()
		return nil, fmt.Errorf("%w: %s on item %s", ErrActionNotAvailable, action, itemID)
	}

	ev := TransactionEvent{
		ID:             EventID(uuid.NewString()),
		ItemID:         item.ID,
		Kind:           kind,
		Amount:         ZeroAmount(""),
		Message:        "requested by " + actor,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      time.Now().UTC(),
	}

	err = s.Store.WithTx(ctx, func(st Store) error {
		if err := NewEventStore(st).Append(ctx, item, ev); err != nil {
			return err
		}
		return s.refreshItem(ctx, st, item, "", ev.CreatedAt)
	})
	unlock()
	if err != nil {
		return nil, err
	}

	s.ownerChanged(ctx, item.Owner)

	if s.Forwarder != nil {
		if err := s.Forwarder.Forward(ctx, *item, action); err != nil {
			// The request fact is recorded; execution is the adapter's
			// responsibility and its failure will come back as an event.
			return &ev, err
		}
	}
	return &ev, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Recompute re-folds the item from its event history and persists the
// result. Detected mismatches between the stored cache and the fold are
// reported through OnMismatch; the derived value always wins.
func (s *Service) Recompute(ctx context.Context, itemID ItemID) (Aggregates, error) {
	return s.recompute(ctx, itemID, true)
}

// Refold is Recompute in backfill mode: stored values are rewritten from
// the fold without mismatch reporting, since backfill runs exist exactly
// to repair them.
func (s *Service) Refold(ctx context.Context, itemID ItemID) error {
	_, err := s.recompute(ctx, itemID, false)
	return err
}

func (s *Service) recompute(ctx context.Context, itemID ItemID, report bool) (Aggregates, error) {
	unlock := s.locks.Lock(string(itemID))
	defer unlock()

	var derived Aggregates
	var owner OwnerRef
	var changed bool

	err := s.Store.WithTx(ctx, func(st Store) error {
		item, err := st.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		events, err := st.LoadEvents(ctx, itemID)
		if err != nil {
			return err
		}

		derived = Fold(item.Currency, events)
		owner = item.Owner
		changed = !derived.Equal(item.Aggregates)

		if changed && report && s.OnMismatch != nil {
			s.OnMismatch(ReconciliationMismatch{
				ItemID:  itemID,
				Stored:  item.Aggregates,
				Derived: derived,
			})
		}
		if !changed {
			return nil
		}
		return st.UpdateItemDerived(ctx, itemID, derived, StatusFor(derived), AvailableActions(derived), "", item.ModifiedAt)
	})
	if err != nil {
		return Aggregates{}, err
	}

	if changed {
		s.ownerChanged(ctx, owner)
	}
	return derived, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Item returns the current derived state for a transaction item.
func (s *Service) Item(ctx context.Context, id ItemID) (*TransactionItem, error) {
	return s.Store.GetItem(ctx, id)
}

// Events returns the item's full event history.
func (s *Service) Events(ctx context.Context, id ItemID) ([]TransactionEvent, error) {
	if _, err := s.Store.GetItem(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.LoadEvents(ctx, id)
}

func (s *Service) ownerChanged(ctx context.Context, owner OwnerRef) {
	if s.OnOwnerChanged != nil && owner.Valid() {
		s.OnOwnerChanged(ctx, owner)
	}
}
