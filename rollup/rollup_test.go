package rollup_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearbook/payment-ledger/ledger"
	"github.com/clearbook/payment-ledger/rollup"
	"github.com/clearbook/payment-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T) (*rollup.Engine, *ledger.Service, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := ledger.NewService(store)
	engine := rollup.NewEngine(store, store)
	return engine, svc, store
}

func ingest(t *testing.T, svc *ledger.Service, orderID string, kind ledger.EventKind, amount float64, pspRef string) *ledger.IngestResult {
	t.Helper()
	result, err := svc.Ingest(context.Background(), ledger.EventRecord{
		Owner:        ledger.OrderOwner(ledger.OwnerID(orderID)),
		Kind:         kind,
		Amount:       decimal.NewFromFloat(amount),
		Currency:     "USD",
		PSPReference: pspRef,
	})
	require.NoError(t, err)
	return result
}

func itemAt(id string, modifiedAt time.Time, charged float64) ledger.TransactionItem {
	agg := ledger.NewAggregates("USD")
	agg.Charged = ledger.NewAmount(charged, "USD")
	return ledger.TransactionItem{
		ID:         ledger.ItemID(id),
		Currency:   "USD",
		Aggregates: agg,
		ModifiedAt: modifiedAt,
	}
}

// =============================================================================
// DERIVE TESTS
// =============================================================================

func TestDerive_NoItems_ZeroState(t *testing.T) {
	state := rollup.Derive(nil)

	assert.Nil(t, state.LastModifiedAt)
	assert.False(t, state.AutomaticallyRefundable)
}

func TestDerive_LastModifiedAt_IsMaxAcrossItems(t *testing.T) {
	older := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	newer := time.Date(2025, time.March, 5, 12, 0, 0, 0, time.UTC)

	state := rollup.Derive([]ledger.TransactionItem{
		itemAt("item-1", newer, 0),
		itemAt("item-2", older, 0),
	})

	require.NotNil(t, state.LastModifiedAt)
	assert.Equal(t, newer, *state.LastModifiedAt)
}

func TestDerive_AnyChargedItem_Refundable(t *testing.T) {
	// GIVEN: One item with charged=50, one untouched item
	// THEN: The owner is automatically refundable, driven by the first

	now := time.Now().UTC()
	state := rollup.Derive([]ledger.TransactionItem{
		itemAt("item-1", now, 50),
		itemAt("item-2", now, 0),
	})

	assert.True(t, state.AutomaticallyRefundable)
}

func TestDerive_AuthorizedOnly_Refundable(t *testing.T) {
	agg := ledger.NewAggregates("USD")
	agg.Authorized = ledger.NewAmount(100, "USD")
	item := ledger.TransactionItem{ID: "item-1", Currency: "USD", Aggregates: agg, ModifiedAt: time.Now().UTC()}

	state := rollup.Derive([]ledger.TransactionItem{item})

	assert.True(t, state.AutomaticallyRefundable)
}

func TestDerive_NoMoneyMoved_NotRefundable(t *testing.T) {
	state := rollup.Derive([]ledger.TransactionItem{
		itemAt("item-1", time.Now().UTC(), 0),
	})

	assert.False(t, state.AutomaticallyRefundable)
}

// =============================================================================
// RECOMPUTE TESTS
// =============================================================================

func TestRecompute_PersistsDerivedState(t *testing.T) {
	engine, svc, _ := newTestEngine(t)
	ctx := context.Background()

	ingest(t, svc, "order-1", ledger.KindChargeSuccess, 100, "psp-1")

	state, err := engine.Recompute(ctx, ledger.OrderOwner("order-1"))
	require.NoError(t, err)
	assert.True(t, state.AutomaticallyRefundable)
	require.NotNil(t, state.LastModifiedAt)

	stored, err := engine.State(ctx, ledger.OrderOwner("order-1"))
	require.NoError(t, err)
	assert.Equal(t, state.AutomaticallyRefundable, stored.AutomaticallyRefundable)
}

func TestRecompute_StaleRead_DoesNotRegress(t *testing.T) {
	// GIVEN: Stored state backed by a recent modified_at
	// WHEN: A recompute runs against an older snapshot of the items
	// THEN: The stored state survives untouched

	engine, _, store := newTestEngine(t)
	ctx := context.Background()
	owner := ledger.OrderOwner("order-1")

	newer := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveOwnerState(ctx, owner, rollup.OwnerState{
		LastModifiedAt:          &newer,
		AutomaticallyRefundable: true,
	}))

	// The items table is empty, so Derive sees nothing: the classic stale
	// read. Monotonic merge must keep the stored state.
	state, err := engine.Recompute(ctx, owner)
	require.NoError(t, err)

	require.NotNil(t, state.LastModifiedAt)
	assert.Equal(t, newer, state.LastModifiedAt.UTC())
	assert.True(t, state.AutomaticallyRefundable)
}

func TestRecompute_NewerItems_ReplaceStoredState(t *testing.T) {
	engine, svc, store := newTestEngine(t)
	ctx := context.Background()
	owner := ledger.OrderOwner("order-1")

	old := time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveOwnerState(ctx, owner, rollup.OwnerState{
		LastModifiedAt:          &old,
		AutomaticallyRefundable: false,
	}))

	ingest(t, svc, "order-1", ledger.KindChargeSuccess, 100, "psp-1")

	state, err := engine.Recompute(ctx, owner)
	require.NoError(t, err)
	assert.True(t, state.AutomaticallyRefundable)
	assert.True(t, state.LastModifiedAt.After(old))
}

// swappableItems is an ItemSource whose snapshot can change between two
// concurrent recomputes.
type swappableItems struct {
	mu    sync.Mutex
	items []ledger.TransactionItem
}

func (s *swappableItems) set(items ...ledger.TransactionItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = items
}

func (s *swappableItems) ItemsByOwner(context.Context, ledger.OwnerRef) ([]ledger.TransactionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items, nil
}

// pausingStore blocks the first GetOwnerState between a recompute's reads
// and its save, holding the race window open.
type pausingStore struct {
	rollup.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *pausingStore) GetOwnerState(ctx context.Context, owner ledger.OwnerRef) (*rollup.OwnerState, error) {
	p.once.Do(func() {
		close(p.entered)
		<-p.release
	})
	return p.Store.GetOwnerState(ctx, owner)
}

func TestRecompute_ConcurrentRecomputes_DoNotRegress(t *testing.T) {
	// GIVEN: One recompute paused between its reads and its save, holding
	//        a stale snapshot of the items
	// WHEN: A second recompute for the same owner runs with newer items
	// THEN: The stored state ends on the newer side; the stale save never
	//       lands last

	sqliteStore, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	items := &swappableItems{}
	paused := &pausingStore{
		Store:   sqliteStore,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	engine := rollup.NewEngine(items, paused)

	ctx := context.Background()
	owner := ledger.OrderOwner("order-1")
	stale := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	fresh := time.Date(2025, time.June, 1, 1, 0, 0, 0, time.UTC)

	items.set(itemAt("item-1", stale, 0))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := engine.Recompute(ctx, owner)
		assert.NoError(t, err)
	}()
	<-paused.entered

	// The first recompute has read the stale items and is parked. Swap in
	// the newer snapshot and race a second recompute against it.
	items.set(itemAt("item-1", fresh, 100))
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := engine.Recompute(ctx, owner)
		assert.NoError(t, err)
	}()

	time.Sleep(20 * time.Millisecond)
	close(paused.release)
	wg.Wait()

	state, err := engine.State(ctx, owner)
	require.NoError(t, err)
	require.NotNil(t, state.LastModifiedAt)
	assert.Equal(t, fresh, state.LastModifiedAt.UTC())
	assert.True(t, state.AutomaticallyRefundable)
}

func TestState_UnknownOwner_ZeroState(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	state, err := engine.State(context.Background(), ledger.OrderOwner("never-seen"))
	require.NoError(t, err)
	assert.Nil(t, state.LastModifiedAt)
	assert.False(t, state.AutomaticallyRefundable)
}

// =============================================================================
// BACKFILL TESTS
// =============================================================================

func TestBackfill_PopulatesAllOwners(t *testing.T) {
	engine, svc, _ := newTestEngine(t)
	ctx := context.Background()

	ingest(t, svc, "order-1", ledger.KindChargeSuccess, 100, "psp-1")
	ingest(t, svc, "order-2", ledger.KindAuthorizationSuccess, 50, "psp-2")
	ingest(t, svc, "order-3", ledger.KindAuthorizationFailure, 0, "psp-3")

	stats, err := engine.Backfill(ctx, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Owners)
	assert.Equal(t, 3, stats.Items)

	state, err := engine.State(ctx, ledger.OrderOwner("order-1"))
	require.NoError(t, err)
	assert.True(t, state.AutomaticallyRefundable)

	state, err = engine.State(ctx, ledger.OrderOwner("order-3"))
	require.NoError(t, err)
	assert.False(t, state.AutomaticallyRefundable, "failed authorization moves no money")
}

func TestBackfill_SmallBatches_WalksEveryOwner(t *testing.T) {
	// Batch size 2 over 5 owners must advance the cursor through three
	// batches without skipping or repeating anyone.

	engine, svc, _ := newTestEngine(t)
	ctx := context.Background()

	orders := []string{"order-a", "order-b", "order-c", "order-d", "order-e"}
	for i, id := range orders {
		ingest(t, svc, id, ledger.KindChargeSuccess, float64(10*(i+1)), "psp-"+id)
	}

	stats, err := engine.Backfill(ctx, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Owners)
	assert.GreaterOrEqual(t, stats.Batches, 3)

	for _, id := range orders {
		state, err := engine.State(ctx, ledger.OrderOwner(ledger.OwnerID(id)))
		require.NoError(t, err)
		assert.True(t, state.AutomaticallyRefundable, id)
	}
}

func TestBackfill_WithRefolder_RepairsDriftedItems(t *testing.T) {
	engine, svc, store := newTestEngine(t)
	ctx := context.Background()

	ingest(t, svc, "order-1", ledger.KindAuthorizationSuccess, 100, "psp-1")
	result := ingest(t, svc, "order-1", ledger.KindChargeSuccess, 100, "psp-1")
	itemID := result.Item.ID

	// Corrupt the cached aggregates, as a bad migration would.
	bad := ledger.NewAggregates("USD")
	require.NoError(t, store.UpdateItemDerived(ctx, itemID, bad, ledger.StatusNotCharged, nil, "", result.Item.ModifiedAt))

	_, err := engine.Backfill(ctx, 10, svc)
	require.NoError(t, err)

	item, err := svc.Item(ctx, itemID)
	require.NoError(t, err)
	assert.True(t, item.Aggregates.Charged.Equal(ledger.NewAmount(100, "USD")))
	assert.Equal(t, ledger.StatusFullyCharged, item.Status)
}

func TestBackfill_CancelledContext_Stops(t *testing.T) {
	engine, svc, _ := newTestEngine(t)

	ingest(t, svc, "order-1", ledger.KindChargeSuccess, 100, "psp-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Backfill(ctx, 10, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
