package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearbook/payment-ledger/adjustment"
	"github.com/clearbook/payment-ledger/ledger"
	"github.com/clearbook/payment-ledger/rollup"
	"github.com/clearbook/payment-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testItem(id string, owner ledger.OwnerRef) ledger.TransactionItem {
	now := time.Now().UTC()
	return ledger.TransactionItem{
		ID:               ledger.ItemID(id),
		Owner:            owner,
		Currency:         "USD",
		Aggregates:       ledger.NewAggregates("USD"),
		Status:           ledger.StatusNotCharged,
		AvailableActions: []ledger.Action{},
		CreatedAt:        now,
		ModifiedAt:       now,
	}
}

func testEvent(itemID, idemKey string, kind ledger.EventKind) ledger.TransactionEvent {
	return ledger.TransactionEvent{
		ID:             ledger.EventID(uuid.NewString()),
		ItemID:         ledger.ItemID(itemID),
		Kind:           kind,
		Amount:         ledger.NewAmount(100, "USD"),
		IdempotencyKey: idemKey,
		CreatedAt:      time.Now().UTC(),
	}
}

// =============================================================================
// ITEM TESTS
// =============================================================================

func TestItemRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := testItem("item-1", ledger.OrderOwner("order-1"))
	item.PSPReference = "psp-ref-1"
	item.CreatedBy = "app-42"
	item.CreatedByType = "app"
	item.AvailableActions = []ledger.Action{ledger.ActionCharge, ledger.ActionCancel}
	require.NoError(t, store.CreateItem(ctx, item))

	got, err := store.GetItem(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, item.Owner, got.Owner)
	assert.Equal(t, "psp-ref-1", got.PSPReference)
	assert.Equal(t, "app-42", got.CreatedBy)
	assert.Equal(t, ledger.Currency("USD"), got.Currency)
	assert.Equal(t, []ledger.Action{ledger.ActionCharge, ledger.ActionCancel}, got.AvailableActions)
	assert.True(t, got.Aggregates.Equal(item.Aggregates))
}

func TestGetItem_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetItem(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrItemNotFound)
}

func TestItemsByOwner_FiltersAndOrders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"item-b", "item-a"} {
		item := testItem(id, ledger.OrderOwner("order-1"))
		item.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.CreateItem(ctx, item))
	}
	require.NoError(t, store.CreateItem(ctx, testItem("item-c", ledger.OrderOwner("order-2"))))

	items, err := store.ItemsByOwner(ctx, ledger.OrderOwner("order-1"))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, ledger.ItemID("item-b"), items[0].ID)
	assert.Equal(t, ledger.ItemID("item-a"), items[1].ID)
}

func TestUpdateItemDerived_PSPReferenceSetOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := testItem("item-1", ledger.OrderOwner("order-1"))
	require.NoError(t, store.CreateItem(ctx, item))

	agg := ledger.NewAggregates("USD")
	now := time.Now().UTC()

	// First update carries the reference: it sticks.
	require.NoError(t, store.UpdateItemDerived(ctx, "item-1", agg, ledger.StatusNotCharged, nil, "psp-1", now))
	got, err := store.GetItem(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, "psp-1", got.PSPReference)

	// Later updates, with or without a reference, never change it.
	require.NoError(t, store.UpdateItemDerived(ctx, "item-1", agg, ledger.StatusNotCharged, nil, "", now))
	require.NoError(t, store.UpdateItemDerived(ctx, "item-1", agg, ledger.StatusNotCharged, nil, "psp-2", now))
	got, err = store.GetItem(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, "psp-1", got.PSPReference)
}

func TestUpdateItemDerived_UnknownItem(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateItemDerived(context.Background(), "missing",
		ledger.NewAggregates("USD"), ledger.StatusNotCharged, nil, "", time.Now())
	assert.ErrorIs(t, err, ledger.ErrItemNotFound)
}

// =============================================================================
// EVENT TESTS
// =============================================================================

func TestAppendEvent_DuplicateIdempotencyKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateItem(ctx, testItem("item-1", ledger.OrderOwner("order-1"))))
	require.NoError(t, store.AppendEvent(ctx, testEvent("item-1", "key-1", ledger.KindChargeSuccess)))

	err := store.AppendEvent(ctx, testEvent("item-1", "key-1", ledger.KindChargeSuccess))
	assert.ErrorIs(t, err, ledger.ErrDuplicateEvent)

	// Same key on a different item is fine.
	require.NoError(t, store.CreateItem(ctx, testItem("item-2", ledger.OrderOwner("order-1"))))
	assert.NoError(t, store.AppendEvent(ctx, testEvent("item-2", "key-1", ledger.KindChargeSuccess)))
}

func TestLoadEvents_OrderedByCreation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateItem(ctx, testItem("item-1", ledger.OrderOwner("order-1"))))

	base := time.Now().UTC()
	for i, key := range []string{"first", "second", "third"} {
		ev := testEvent("item-1", key, ledger.KindChargeSuccess)
		ev.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, store.AppendEvent(ctx, ev))
	}

	events, err := store.LoadEvents(ctx, "item-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "first", events[0].IdempotencyKey)
	assert.Equal(t, "third", events[2].IdempotencyKey)
}

func TestEventExists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateItem(ctx, testItem("item-1", ledger.OrderOwner("order-1"))))
	require.NoError(t, store.AppendEvent(ctx, testEvent("item-1", "key-1", ledger.KindChargeSuccess)))

	exists, err := store.EventExists(ctx, "item-1", "key-1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.EventExists(ctx, "item-1", "other")
	require.NoError(t, err)
	assert.False(t, exists)
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	failure := errors.New("boom")
	err := store.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.CreateItem(ctx, testItem("item-1", ledger.OrderOwner("order-1"))); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, testEvent("item-1", "key-1", ledger.KindChargeSuccess)); err != nil {
			return err
		}
		return failure
	})
	require.ErrorIs(t, err, failure)

	_, err = store.GetItem(ctx, "item-1")
	assert.ErrorIs(t, err, ledger.ErrItemNotFound)

	events, err := store.LoadEvents(ctx, "item-1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWithTx_ReadsSeeOwnWrites(t *testing.T) {
	// The fold after an append must see the event just written, so reads
	// inside the callback go through the transaction, not the root handle.

	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.CreateItem(ctx, testItem("item-1", ledger.OrderOwner("order-1"))); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, testEvent("item-1", "key-1", ledger.KindChargeSuccess)); err != nil {
			return err
		}
		events, err := tx.LoadEvents(ctx, "item-1")
		if err != nil {
			return err
		}
		if len(events) != 1 {
			return fmt.Errorf("expected 1 event inside tx, got %d", len(events))
		}
		return nil
	})
	require.NoError(t, err)

	// And the commit made it durable.
	events, err := store.LoadEvents(ctx, "item-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// =============================================================================
// OWNER ROLLUP TESTS
// =============================================================================

func TestOwnerStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	modified := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	state := rollup.OwnerState{LastModifiedAt: &modified, AutomaticallyRefundable: true}
	require.NoError(t, store.SaveOwnerState(ctx, ledger.OrderOwner("order-1"), state))

	got, err := store.GetOwnerState(ctx, ledger.OrderOwner("order-1"))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.LastModifiedAt)
	assert.True(t, got.LastModifiedAt.Equal(modified))
	assert.True(t, got.AutomaticallyRefundable)

	// Upsert replaces in place.
	state.AutomaticallyRefundable = false
	require.NoError(t, store.SaveOwnerState(ctx, ledger.OrderOwner("order-1"), state))
	got, err = store.GetOwnerState(ctx, ledger.OrderOwner("order-1"))
	require.NoError(t, err)
	assert.False(t, got.AutomaticallyRefundable)
}

func TestOwnerState_NilLastModifiedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := rollup.OwnerState{AutomaticallyRefundable: false}
	require.NoError(t, store.SaveOwnerState(ctx, ledger.CheckoutOwner("co-1"), state))

	got, err := store.GetOwnerState(ctx, ledger.CheckoutOwner("co-1"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.LastModifiedAt)
}

func TestGetOwnerState_Unknown(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetOwnerState(context.Background(), ledger.OrderOwner("missing"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListOwners_CursorPaging(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		owner := ledger.OrderOwner(ledger.OwnerID(fmt.Sprintf("order-%d", i)))
		require.NoError(t, store.CreateItem(ctx, testItem(fmt.Sprintf("item-%d", i), owner)))
	}
	// Two items under one owner must not yield a duplicate entry.
	require.NoError(t, store.CreateItem(ctx, testItem("item-5b", ledger.OrderOwner("order-0"))))

	seen := map[ledger.OwnerRef]bool{}
	cursor := ""
	pages := 0
	for {
		owners, next, err := store.ListOwners(ctx, cursor, 2)
		require.NoError(t, err)
		if len(owners) == 0 {
			break
		}
		pages++
		require.LessOrEqual(t, pages, 10, "paging did not terminate")
		for _, o := range owners {
			assert.False(t, seen[o], "owner %v returned twice", o)
			seen[o] = true
		}
		if next == "" {
			break
		}
		cursor = next
	}

	assert.Len(t, seen, 5)
}

// =============================================================================
// ADJUSTMENT TESTS
// =============================================================================

func TestGrantedRefundRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, amount := range []float64{10, 20} {
		g := adjustment.GrantedRefund{
			ID:        fmt.Sprintf("grant-%d", i),
			OrderID:   "order-1",
			Amount:    ledger.NewAmount(amount, "USD"),
			Reason:    "goodwill",
			GrantedBy: "support@example.com",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.SaveGrantedRefund(ctx, g))
	}

	grants, err := store.GrantedRefundsByOrder(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, "grant-0", grants[0].ID)
	assert.True(t, grants[0].Amount.Equal(ledger.NewAmount(10, "USD")))
	assert.Equal(t, "goodwill", grants[0].Reason)
	assert.Equal(t, "support@example.com", grants[0].GrantedBy)

	other, err := store.GrantedRefundsByOrder(ctx, "order-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestGiftCardApplicationRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	app := adjustment.GiftCardApplication{
		ID:         "app-1",
		OrderID:    "order-1",
		GiftCardID: "gc-9",
		Amount:     ledger.NewAmount(25, "USD"),
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.SaveGiftCardApplication(ctx, app))

	apps, err := store.GiftCardApplicationsByOrder(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "gc-9", apps[0].GiftCardID)
	assert.True(t, apps[0].Amount.Equal(ledger.NewAmount(25, "USD")))
}

// =============================================================================
// RESET
// =============================================================================

func TestReset_ClearsEverything(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateItem(ctx, testItem("item-1", ledger.OrderOwner("order-1"))))
	require.NoError(t, store.AppendEvent(ctx, testEvent("item-1", "key-1", ledger.KindChargeSuccess)))
	require.NoError(t, store.SaveOwnerState(ctx, ledger.OrderOwner("order-1"), rollup.OwnerState{}))

	require.NoError(t, store.Reset(ctx))

	_, err := store.GetItem(ctx, "item-1")
	assert.ErrorIs(t, err, ledger.ErrItemNotFound)
	state, err := store.GetOwnerState(ctx, ledger.OrderOwner("order-1"))
	require.NoError(t, err)
	assert.Nil(t, state)
}
