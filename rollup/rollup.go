/*
Package rollup derives order/checkout-level payment state.

PURPOSE:
  Combines the transaction items belonging to one owner (an order or a
  checkout) into two derived fields consumed by the storefront layer:

  - lastModifiedAt:          max modified_at across the owner's items,
                             absent when the owner has none
  - automaticallyRefundable: true iff any item has positive authorized
                             or charged value

  These fields are written only here, never by user-facing code.

MONOTONICITY:
  Rollup recomputation may be deferred and batched, so a recompute can
  run against a stale read. Persisted state never regresses: the merge is
  last-writer-wins by modified_at comparison, not by wall-clock arrival
  order. A previously observed lastModifiedAt (and the refundable flag it
  vouched for) survives until a recomputation backed by a newer
  modified_at replaces it.

BACKFILL:
  Historical data created before these fields existed is repaired by
  Backfill: a cursor-driven pass over all owners in bounded batches, so
  it runs against large datasets without unbounded memory or lock
  duration. Each item is re-folded before its owner is recomputed.
*/
package rollup

import (
	"context"
	"time"

	"github.com/clearbook/payment-ledger/ledger"
)

// DefaultBatchSize bounds how many owners one backfill batch processes.
const DefaultBatchSize = 1000

// =============================================================================
// OWNER STATE
// =============================================================================

// OwnerState holds the two derived fields for one order or checkout.
type OwnerState struct {
	LastModifiedAt          *time.Time
	AutomaticallyRefundable bool
}

// Derive computes owner state from the owner's items. Pure.
func Derive(items []ledger.TransactionItem) OwnerState {
	var state OwnerState
	for _, item := range items {
		modified := item.ModifiedAt
		if state.LastModifiedAt == nil || modified.After(*state.LastModifiedAt) {
			state.LastModifiedAt = &modified
		}
		if item.Aggregates.Authorized.IsPositive() || item.Aggregates.Charged.IsPositive() {
			state.AutomaticallyRefundable = true
		}
	}
	return state
}

// =============================================================================
// STORES
// =============================================================================

// Store persists owner rollup state and enumerates owners for backfill.
type Store interface {
	// GetOwnerState returns the stored state, or nil if none was ever
	// written for this owner.
	GetOwnerState(ctx context.Context, owner ledger.OwnerRef) (*OwnerState, error)

	// SaveOwnerState overwrites the stored state for the owner.
	SaveOwnerState(ctx context.Context, owner ledger.OwnerRef, state OwnerState) error

	// ListOwners pages through all owners that have transaction items,
	// in a stable order. Returns the next cursor, empty when exhausted.
	ListOwners(ctx context.Context, cursor string, limit int) ([]ledger.OwnerRef, string, error)
}

// ItemSource reads an owner's items. Satisfied by ledger.Store.
type ItemSource interface {
	ItemsByOwner(ctx context.Context, owner ledger.OwnerRef) ([]ledger.TransactionItem, error)
}

// Refolder repairs one item's cached aggregates from its event history.
// Satisfied by ledger.Service.
type Refolder interface {
	Refold(ctx context.Context, id ledger.ItemID) error
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Items ItemSource
	Store Store

	locks *ledger.KeyedMutex
}

func NewEngine(items ItemSource, store Store) *Engine {
	return &Engine{Items: items, Store: store, locks: ledger.NewKeyedMutex()}
}

// Recompute derives the owner's state from its items and persists it,
// applying the monotonic merge against whatever is already stored.
//
// The read-merge-write is serialized per owner. Two unserialized
// recomputes could interleave so that the one holding the stale read
// saves last, regressing the stored state.
func (e *Engine) Recompute(ctx context.Context, owner ledger.OwnerRef) (OwnerState, error) {
	unlock := e.locks.Lock(string(owner.Type) + ":" + string(owner.ID))
	defer unlock()

	items, err := e.Items.ItemsByOwner(ctx, owner)
	if err != nil {
		return OwnerState{}, err
	}

	derived := Derive(items)

	prev, err := e.Store.GetOwnerState(ctx, owner)
	if err != nil {
		return OwnerState{}, err
	}
	merged := merge(prev, derived)

	if err := e.Store.SaveOwnerState(ctx, owner, merged); err != nil {
		return OwnerState{}, err
	}
	return merged, nil
}

// State returns the stored rollup state for an owner. Owners that never
// had items report a zero state.
func (e *Engine) State(ctx context.Context, owner ledger.OwnerRef) (OwnerState, error) {
	stored, err := e.Store.GetOwnerState(ctx, owner)
	if err != nil {
		return OwnerState{}, err
	}
	if stored == nil {
		return OwnerState{}, nil
	}
	return *stored, nil
}

// merge enforces monotonicity: a recompute backed by an older
// lastModifiedAt than the stored one is a stale read and loses entirely.
func merge(prev *OwnerState, next OwnerState) OwnerState {
	if prev == nil || prev.LastModifiedAt == nil {
		return next
	}
	if next.LastModifiedAt == nil || next.LastModifiedAt.Before(*prev.LastModifiedAt) {
		return *prev
	}
	return next
}

// =============================================================================
// BACKFILL
// =============================================================================

// BackfillStats summarizes one backfill run.
type BackfillStats struct {
	Owners  int
	Items   int
	Batches int
}

// Backfill re-folds every item and recomputes every owner, advancing a
// cursor in bounded batches. Used after any change to the folding rules
// and to populate the derived fields on historical data.
//
// refolder may be nil, in which case only owner state is recomputed.
func (e *Engine) Backfill(ctx context.Context, batchSize int, refolder Refolder) (BackfillStats, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var stats BackfillStats
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		owners, next, err := e.Store.ListOwners(ctx, cursor, batchSize)
		if err != nil {
			return stats, err
		}
		if len(owners) == 0 {
			return stats, nil
		}
		stats.Batches++

		for _, owner := range owners {
			items, err := e.Items.ItemsByOwner(ctx, owner)
			if err != nil {
				return stats, err
			}
			if refolder != nil {
				for _, item := range items {
					if err := refolder.Refold(ctx, item.ID); err != nil {
						return stats, err
					}
					stats.Items++
				}
			} else {
				stats.Items += len(items)
			}
			if _, err := e.Recompute(ctx, owner); err != nil {
				return stats, err
			}
			stats.Owners++
		}

		if next == "" {
			return stats, nil
		}
		cursor = next
	}
}
