// Package store provides ledger Store implementations.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/clearbook/payment-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	items       map[ledger.ItemID]ledger.TransactionItem
	events      map[ledger.ItemID][]ledger.TransactionEvent
	idempotency map[idemKey]bool
}

type idemKey struct {
	ItemID ledger.ItemID
	Key    string
}

func NewMemory() *Memory {
	return &Memory{
		items:       make(map[ledger.ItemID]ledger.TransactionItem),
		events:      make(map[ledger.ItemID][]ledger.TransactionEvent),
		idempotency: make(map[idemKey]bool),
	}
}

func (m *Memory) CreateItem(_ context.Context, item ledger.TransactionItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createItemLocked(item)
}

func (m *Memory) createItemLocked(item ledger.TransactionItem) error {
	m.items[item.ID] = item
	return nil
}

func (m *Memory) GetItem(_ context.Context, id ledger.ItemID) (*ledger.TransactionItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getItemLocked(id)
}

func (m *Memory) getItemLocked(id ledger.ItemID) (*ledger.TransactionItem, error) {
	item, ok := m.items[id]
	if !ok {
		return nil, ledger.ErrItemNotFound
	}
	cp := item
	return &cp, nil
}

func (m *Memory) ItemsByOwner(_ context.Context, owner ledger.OwnerRef) ([]ledger.TransactionItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.itemsByOwnerLocked(owner), nil
}

func (m *Memory) itemsByOwnerLocked(owner ledger.OwnerRef) []ledger.TransactionItem {
	var items []ledger.TransactionItem
	for _, item := range m.items {
		if item.Owner == owner {
			items = append(items, item)
		}
	}
	return items
}

func (m *Memory) UpdateItemDerived(_ context.Context, id ledger.ItemID, agg ledger.Aggregates, status ledger.ChargeStatus, actions []ledger.Action, pspReference string, modifiedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateItemDerivedLocked(id, agg, status, actions, pspReference, modifiedAt)
}

func (m *Memory) updateItemDerivedLocked(id ledger.ItemID, agg ledger.Aggregates, status ledger.ChargeStatus, actions []ledger.Action, pspReference string, modifiedAt time.Time) error {
	item, ok := m.items[id]
	if !ok {
		return ledger.ErrItemNotFound
	}
	item.Aggregates = agg
	item.Status = status
	item.AvailableActions = actions
	if item.PSPReference == "" && pspReference != "" {
		item.PSPReference = pspReference
	}
	item.ModifiedAt = modifiedAt
	m.items[id] = item
	return nil
}

// AppendEvent adds an event. Append-only; the idempotency check and the
// insert happen under one lock, so concurrent duplicate deliveries cannot
// both pass the "not found" check.
func (m *Memory) AppendEvent(_ context.Context, ev ledger.TransactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(ev)
}

func (m *Memory) appendLocked(ev ledger.TransactionEvent) error {
	k := idemKey{ItemID: ev.ItemID, Key: ev.IdempotencyKey}
	if m.idempotency[k] {
		return ledger.ErrDuplicateEvent
	}
	m.events[ev.ItemID] = append(m.events[ev.ItemID], ev)
	m.idempotency[k] = true
	return nil
}

func (m *Memory) LoadEvents(_ context.Context, itemID ledger.ItemID) ([]ledger.TransactionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadEventsLocked(itemID), nil
}

func (m *Memory) loadEventsLocked(itemID ledger.ItemID) []ledger.TransactionEvent {
	result := make([]ledger.TransactionEvent, len(m.events[itemID]))
	copy(result, m.events[itemID])
	return result
}

func (m *Memory) EventExists(_ context.Context, itemID ledger.ItemID, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idemKey{ItemID: itemID, Key: idempotencyKey}], nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn against a view of the store, simulated with a
// snapshot + rollback on error. Reads inside fn observe earlier writes of
// the same fn call.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txMemoryView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

func (m *Memory) snapshot() memorySnapshot {
	itemsCopy := make(map[ledger.ItemID]ledger.TransactionItem, len(m.items))
	for k, v := range m.items {
		itemsCopy[k] = v
	}
	eventsCopy := make(map[ledger.ItemID][]ledger.TransactionEvent, len(m.events))
	for k, v := range m.events {
		eventsCopy[k] = append([]ledger.TransactionEvent{}, v...)
	}
	idemCopy := make(map[idemKey]bool, len(m.idempotency))
	for k, v := range m.idempotency {
		idemCopy[k] = v
	}
	return memorySnapshot{items: itemsCopy, events: eventsCopy, idempotency: idemCopy}
}

func (m *Memory) restore(s memorySnapshot) {
	m.items = s.items
	m.events = s.events
	m.idempotency = s.idempotency
}

type memorySnapshot struct {
	items       map[ledger.ItemID]ledger.TransactionItem
	events      map[ledger.ItemID][]ledger.TransactionEvent
	idempotency map[idemKey]bool
}

type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) CreateItem(_ context.Context, item ledger.TransactionItem) error {
	return tv.parent.createItemLocked(item)
}

func (tv *txMemoryView) GetItem(_ context.Context, id ledger.ItemID) (*ledger.TransactionItem, error) {
	return tv.parent.getItemLocked(id)
}

func (tv *txMemoryView) ItemsByOwner(_ context.Context, owner ledger.OwnerRef) ([]ledger.TransactionItem, error) {
	return tv.parent.itemsByOwnerLocked(owner), nil
}

func (tv *txMemoryView) UpdateItemDerived(_ context.Context, id ledger.ItemID, agg ledger.Aggregates, status ledger.ChargeStatus, actions []ledger.Action, pspReference string, modifiedAt time.Time) error {
	return tv.parent.updateItemDerivedLocked(id, agg, status, actions, pspReference, modifiedAt)
}

func (tv *txMemoryView) AppendEvent(_ context.Context, ev ledger.TransactionEvent) error {
	return tv.parent.appendLocked(ev)
}

func (tv *txMemoryView) LoadEvents(_ context.Context, itemID ledger.ItemID) ([]ledger.TransactionEvent, error) {
	return tv.parent.loadEventsLocked(itemID), nil
}

func (tv *txMemoryView) EventExists(_ context.Context, itemID ledger.ItemID, idempotencyKey string) (bool, error) {
	return tv.parent.idempotency[idemKey{ItemID: itemID, Key: idempotencyKey}], nil
}
