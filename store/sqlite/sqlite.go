/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements all persistence interfaces using SQLite. In production, the
  same patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  ledger.TxStore:   Items plus the append-only event log
  rollup.Store:     Owner rollup state and owner enumeration
  adjustment.Store: Granted refunds and gift card applications

APPEND-ONLY ENFORCEMENT:
  The store enforces append-only semantics on the event log:
  - No UPDATE statements on transaction_events
  - No DELETE statements on transaction_events
  Items are updatable only through UpdateItemDerived, which rewrites the
  cached fold and nothing else.

IDEMPOTENCY:
  idx_events_item_idempotency is a UNIQUE index on
  (item_id, idempotency_key). The duplicate check is the INSERT itself,
  so two concurrent deliveries of the same webhook cannot both land.

KEY TABLES:
  transaction_items:      One row per gateway transaction attempt
  transaction_events:     Immutable event log
  owner_rollups:          Cached per-order / per-checkout rollup state
  granted_refunds:        Manual refund promises (adjustment overlay)
  gift_card_applications: Gift card records (adjustment overlay)

TRANSACTIONS:
  WithTx hands the callback a store bound to the open *sql.Tx. Reads
  inside the callback go through the same transaction, so the fold that
  follows an append observes the event it just wrote.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/clearbook/payment-ledger/adjustment"
	"github.com/clearbook/payment-ledger/ledger"
	"github.com/clearbook/payment-ledger/rollup"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Transaction items (one per gateway transaction attempt)
	CREATE TABLE IF NOT EXISTS transaction_items (
		id TEXT PRIMARY KEY,
		owner_type TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		psp_reference TEXT,
		created_by TEXT,
		created_by_type TEXT,
		currency TEXT NOT NULL,
		authorized_value TEXT NOT NULL,
		charged_value TEXT NOT NULL,
		canceled_value TEXT NOT NULL,
		refunded_value TEXT NOT NULL,
		charge_status TEXT NOT NULL,
		available_actions TEXT NOT NULL,
		created_at TEXT NOT NULL,
		modified_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_owner
		ON transaction_items(owner_type, owner_id);

	-- Transaction events (append-only log)
	CREATE TABLE IF NOT EXISTS transaction_events (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount_value TEXT NOT NULL,
		amount_currency TEXT NOT NULL,
		message TEXT,
		external_id TEXT,
		idempotency_key TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: the idempotency guarantee. At-least-once webhook delivery
	-- means the same event will arrive twice; the second INSERT hits this
	-- index and is reported as a duplicate, never applied.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_item_idempotency
		ON transaction_events(item_id, idempotency_key);

	CREATE INDEX IF NOT EXISTS idx_events_item_created
		ON transaction_events(item_id, created_at);

	-- Owner rollups (cached per-order / per-checkout state)
	CREATE TABLE IF NOT EXISTS owner_rollups (
		owner_type TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		automatically_refundable BOOLEAN NOT NULL,
		last_modified_at TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (owner_type, owner_id)
	);

	-- Granted refunds (manual adjustment overlay)
	CREATE TABLE IF NOT EXISTS granted_refunds (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		amount_value TEXT NOT NULL,
		amount_currency TEXT NOT NULL,
		reason TEXT,
		granted_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_granted_refunds_order
		ON granted_refunds(order_id);

	-- Gift card applications (manual adjustment overlay)
	CREATE TABLE IF NOT EXISTS gift_card_applications (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		gift_card_id TEXT NOT NULL,
		amount_value TEXT NOT NULL,
		amount_currency TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_gift_card_applications_order
		ON gift_card_applications(order_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx so the same statement
// helpers serve direct calls and calls inside WithTx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ITEM STORE (ledger.Store interface)
// =============================================================================

// CreateItem persists a new transaction item.
func (s *Store) CreateItem(ctx context.Context, item ledger.TransactionItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return createItem(ctx, s.db, item)
}

func createItem(ctx context.Context, db queryer, item ledger.TransactionItem) error {
	actionsJSON, _ := json.Marshal(item.AvailableActions)

	query := `
		INSERT INTO transaction_items
		(id, owner_type, owner_id, psp_reference, created_by, created_by_type, currency,
		 authorized_value, charged_value, canceled_value, refunded_value,
		 charge_status, available_actions, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		string(item.ID),
		string(item.Owner.Type),
		string(item.Owner.ID),
		nullString(item.PSPReference),
		nullString(item.CreatedBy),
		nullString(item.CreatedByType),
		string(item.Currency),
		item.Aggregates.Authorized.Value.String(),
		item.Aggregates.Charged.Value.String(),
		item.Aggregates.Canceled.Value.String(),
		item.Aggregates.Refunded.Value.String(),
		string(item.Status),
		string(actionsJSON),
		item.CreatedAt.UTC().Format(time.RFC3339Nano),
		item.ModifiedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

// GetItem returns the item or ledger.ErrItemNotFound.
func (s *Store) GetItem(ctx context.Context, id ledger.ItemID) (*ledger.TransactionItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getItem(ctx, s.db, id)
}

const itemColumns = `id, owner_type, owner_id, psp_reference, created_by, created_by_type, currency,
	       authorized_value, charged_value, canceled_value, refunded_value,
	       charge_status, available_actions, created_at, modified_at`

func getItem(ctx context.Context, db queryer, id ledger.ItemID) (*ledger.TransactionItem, error) {
	items, err := queryItems(ctx, db,
		`SELECT `+itemColumns+` FROM transaction_items WHERE id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ledger.ErrItemNotFound
	}
	return &items[0], nil
}

// ItemsByOwner returns all items attached to an order or checkout.
func (s *Store) ItemsByOwner(ctx context.Context, owner ledger.OwnerRef) ([]ledger.TransactionItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return itemsByOwner(ctx, s.db, owner)
}

func itemsByOwner(ctx context.Context, db queryer, owner ledger.OwnerRef) ([]ledger.TransactionItem, error) {
	return queryItems(ctx, db,
		`SELECT `+itemColumns+` FROM transaction_items
		 WHERE owner_type = ? AND owner_id = ?
		 ORDER BY created_at ASC, id ASC`,
		string(owner.Type), string(owner.ID))
}

// UpdateItemDerived rewrites the item's cached derived state. The psp
// reference is set-once: an empty value never clears an existing one.
func (s *Store) UpdateItemDerived(ctx context.Context, id ledger.ItemID, agg ledger.Aggregates, status ledger.ChargeStatus, actions []ledger.Action, pspReference string, modifiedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return updateItemDerived(ctx, s.db, id, agg, status, actions, pspReference, modifiedAt)
}

func updateItemDerived(ctx context.Context, db queryer, id ledger.ItemID, agg ledger.Aggregates, status ledger.ChargeStatus, actions []ledger.Action, pspReference string, modifiedAt time.Time) error {
	actionsJSON, _ := json.Marshal(actions)

	query := `
		UPDATE transaction_items SET
			authorized_value = ?,
			charged_value = ?,
			canceled_value = ?,
			refunded_value = ?,
			charge_status = ?,
			available_actions = ?,
			psp_reference = COALESCE(psp_reference, NULLIF(?, '')),
			modified_at = ?
		WHERE id = ?
	`

	res, err := db.ExecContext(ctx, query,
		agg.Authorized.Value.String(),
		agg.Charged.Value.String(),
		agg.Canceled.Value.String(),
		agg.Refunded.Value.String(),
		string(status),
		string(actionsJSON),
		pspReference,
		modifiedAt.UTC().Format(time.RFC3339Nano),
		string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrItemNotFound
	}
	return nil
}

func queryItems(ctx context.Context, db queryer, query string, args ...any) ([]ledger.TransactionItem, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []ledger.TransactionItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItem(rows *sql.Rows) (ledger.TransactionItem, error) {
	var (
		item          ledger.TransactionItem
		ownerType     string
		ownerID       string
		pspReference  sql.NullString
		createdBy     sql.NullString
		createdByType sql.NullString
		currency      string
		authorized    string
		charged       string
		canceled      string
		refunded      string
		status        string
		actionsJSON   string
		createdAt     string
		modifiedAt    string
	)

	err := rows.Scan(
		&item.ID, &ownerType, &ownerID, &pspReference, &createdBy, &createdByType,
		&currency, &authorized, &charged, &canceled, &refunded,
		&status, &actionsJSON, &createdAt, &modifiedAt,
	)
	if err != nil {
		return item, fmt.Errorf("failed to scan item: %w", err)
	}

	item.Owner = ledger.OwnerRef{Type: ledger.OwnerType(ownerType), ID: ledger.OwnerID(ownerID)}
	item.PSPReference = pspReference.String
	item.CreatedBy = createdBy.String
	item.CreatedByType = createdByType.String
	item.Currency = ledger.Currency(currency)
	item.Aggregates = ledger.Aggregates{
		Authorized: ledger.Amount{Value: ledger.MustParseDecimal(authorized), Currency: item.Currency},
		Charged:    ledger.Amount{Value: ledger.MustParseDecimal(charged), Currency: item.Currency},
		Canceled:   ledger.Amount{Value: ledger.MustParseDecimal(canceled), Currency: item.Currency},
		Refunded:   ledger.Amount{Value: ledger.MustParseDecimal(refunded), Currency: item.Currency},
	}
	item.Status = ledger.ChargeStatus(status)
	json.Unmarshal([]byte(actionsJSON), &item.AvailableActions)
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	item.ModifiedAt, _ = time.Parse(time.RFC3339Nano, modifiedAt)

	return item, nil
}

// =============================================================================
// EVENT STORE (ledger.Store interface, append-only)
// =============================================================================

// AppendEvent adds an event to the log. Returns ledger.ErrDuplicateEvent
// when the item already has an event with this idempotency key.
func (s *Store) AppendEvent(ctx context.Context, ev ledger.TransactionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return appendEvent(ctx, s.db, ev)
}

func appendEvent(ctx context.Context, db queryer, ev ledger.TransactionEvent) error {
	query := `
		INSERT INTO transaction_events
		(id, item_id, kind, amount_value, amount_currency, message, external_id, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		string(ev.ID),
		string(ev.ItemID),
		string(ev.Kind),
		ev.Amount.Value.String(),
		string(ev.Amount.Currency),
		nullString(ev.Message),
		nullString(ev.ExternalID),
		ev.IdempotencyKey,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// LoadEvents returns the item's full event history in append order.
func (s *Store) LoadEvents(ctx context.Context, itemID ledger.ItemID) ([]ledger.TransactionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return loadEvents(ctx, s.db, itemID)
}

func loadEvents(ctx context.Context, db queryer, itemID ledger.ItemID) ([]ledger.TransactionEvent, error) {
	query := `
		SELECT id, item_id, kind, amount_value, amount_currency, message, external_id, idempotency_key, created_at
		FROM transaction_events
		WHERE item_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := db.QueryContext(ctx, query, string(itemID))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []ledger.TransactionEvent
	for rows.Next() {
		var (
			ev         ledger.TransactionEvent
			value      string
			currency   string
			message    sql.NullString
			externalID sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&ev.ID, &ev.ItemID, &ev.Kind, &value, &currency,
			&message, &externalID, &ev.IdempotencyKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Amount = ledger.Amount{Value: ledger.MustParseDecimal(value), Currency: ledger.Currency(currency)}
		ev.Message = message.String
		ev.ExternalID = externalID.String
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// EventExists checks whether an idempotency key is already used for the item.
func (s *Store) EventExists(ctx context.Context, itemID ledger.ItemID, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return eventExists(ctx, s.db, itemID, idempotencyKey)
}

func eventExists(ctx context.Context, db queryer, itemID ledger.ItemID, idempotencyKey string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transaction_events WHERE item_id = ? AND idempotency_key = ?",
		string(itemID), idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. The store
// handed to fn is bound to the open *sql.Tx, so reads inside fn observe
// the writes made earlier in the same transaction. An append followed by
// a fold over LoadEvents sees the event it just wrote.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CreateItem(ctx context.Context, item ledger.TransactionItem) error {
	return createItem(ctx, ts.tx, item)
}

func (ts *txStore) GetItem(ctx context.Context, id ledger.ItemID) (*ledger.TransactionItem, error) {
	return getItem(ctx, ts.tx, id)
}

func (ts *txStore) ItemsByOwner(ctx context.Context, owner ledger.OwnerRef) ([]ledger.TransactionItem, error) {
	return itemsByOwner(ctx, ts.tx, owner)
}

func (ts *txStore) UpdateItemDerived(ctx context.Context, id ledger.ItemID, agg ledger.Aggregates, status ledger.ChargeStatus, actions []ledger.Action, pspReference string, modifiedAt time.Time) error {
	return updateItemDerived(ctx, ts.tx, id, agg, status, actions, pspReference, modifiedAt)
}

func (ts *txStore) AppendEvent(ctx context.Context, ev ledger.TransactionEvent) error {
	return appendEvent(ctx, ts.tx, ev)
}

func (ts *txStore) LoadEvents(ctx context.Context, itemID ledger.ItemID) ([]ledger.TransactionEvent, error) {
	return loadEvents(ctx, ts.tx, itemID)
}

func (ts *txStore) EventExists(ctx context.Context, itemID ledger.ItemID, idempotencyKey string) (bool, error) {
	return eventExists(ctx, ts.tx, itemID, idempotencyKey)
}

// =============================================================================
// ROLLUP STORE (rollup.Store interface)
// =============================================================================

// GetOwnerState returns the stored owner rollup, or nil when none was
// ever written.
func (s *Store) GetOwnerState(ctx context.Context, owner ledger.OwnerRef) (*rollup.OwnerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		refundable     bool
		lastModifiedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT automatically_refundable, last_modified_at FROM owner_rollups WHERE owner_type = ? AND owner_id = ?",
		string(owner.Type), string(owner.ID),
	).Scan(&refundable, &lastModifiedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state := rollup.OwnerState{AutomaticallyRefundable: refundable}
	if lastModifiedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastModifiedAt.String)
		state.LastModifiedAt = &t
	}
	return &state, nil
}

// SaveOwnerState overwrites the stored rollup for the owner.
func (s *Store) SaveOwnerState(ctx context.Context, owner ledger.OwnerRef, state rollup.OwnerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastModifiedAt *string
	if state.LastModifiedAt != nil {
		t := state.LastModifiedAt.UTC().Format(time.RFC3339Nano)
		lastModifiedAt = &t
	}

	query := `
		INSERT INTO owner_rollups (owner_type, owner_id, automatically_refundable, last_modified_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_type, owner_id) DO UPDATE SET
			automatically_refundable = excluded.automatically_refundable,
			last_modified_at = excluded.last_modified_at,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		string(owner.Type), string(owner.ID),
		state.AutomaticallyRefundable,
		lastModifiedAt,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListOwners pages through all owners that have transaction items. The
// cursor is the "type:id" of the last owner returned; the next cursor is
// empty when the page came back short.
func (s *Store) ListOwners(ctx context.Context, cursor string, limit int) ([]ledger.OwnerRef, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT DISTINCT owner_type, owner_id
		FROM transaction_items
		WHERE (owner_type || ':' || owner_id) > ?
		ORDER BY (owner_type || ':' || owner_id) ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list owners: %w", err)
	}
	defer rows.Close()

	var owners []ledger.OwnerRef
	for rows.Next() {
		var ownerType, ownerID string
		if err := rows.Scan(&ownerType, &ownerID); err != nil {
			return nil, "", err
		}
		owners = append(owners, ledger.OwnerRef{
			Type: ledger.OwnerType(ownerType),
			ID:   ledger.OwnerID(ownerID),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(owners) == limit {
		last := owners[len(owners)-1]
		next = string(last.Type) + ":" + string(last.ID)
	}
	return owners, next, nil
}

// =============================================================================
// ADJUSTMENT STORE (adjustment.Store interface)
// =============================================================================

// SaveGrantedRefund persists a granted refund record.
func (s *Store) SaveGrantedRefund(ctx context.Context, g adjustment.GrantedRefund) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO granted_refunds (id, order_id, amount_value, amount_currency, reason, granted_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		g.ID,
		string(g.OrderID),
		g.Amount.Value.String(),
		string(g.Amount.Currency),
		nullString(g.Reason),
		nullString(g.GrantedBy),
		g.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GrantedRefundsByOrder returns all granted refunds for the order.
func (s *Store) GrantedRefundsByOrder(ctx context.Context, orderID ledger.OwnerID) ([]adjustment.GrantedRefund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, order_id, amount_value, amount_currency, reason, granted_by, created_at
		FROM granted_refunds
		WHERE order_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(orderID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []adjustment.GrantedRefund
	for rows.Next() {
		var (
			g         adjustment.GrantedRefund
			value     string
			currency  string
			reason    sql.NullString
			grantedBy sql.NullString
			createdAt string
		)
		if err := rows.Scan(&g.ID, &g.OrderID, &value, &currency, &reason, &grantedBy, &createdAt); err != nil {
			return nil, err
		}
		g.Amount = ledger.Amount{Value: ledger.MustParseDecimal(value), Currency: ledger.Currency(currency)}
		g.Reason = reason.String
		g.GrantedBy = grantedBy.String
		g.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// SaveGiftCardApplication persists a gift card application record.
func (s *Store) SaveGiftCardApplication(ctx context.Context, a adjustment.GiftCardApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO gift_card_applications (id, order_id, gift_card_id, amount_value, amount_currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		string(a.OrderID),
		a.GiftCardID,
		a.Amount.Value.String(),
		string(a.Amount.Currency),
		a.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GiftCardApplicationsByOrder returns all gift card applications for the order.
func (s *Store) GiftCardApplicationsByOrder(ctx context.Context, orderID ledger.OwnerID) ([]adjustment.GiftCardApplication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, order_id, gift_card_id, amount_value, amount_currency, created_at
		FROM gift_card_applications
		WHERE order_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(orderID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []adjustment.GiftCardApplication
	for rows.Next() {
		var (
			a         adjustment.GiftCardApplication
			value     string
			currency  string
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.OrderID, &a.GiftCardID, &value, &currency, &createdAt); err != nil {
			return nil, err
		}
		a.Amount = ledger.Amount{Value: ledger.MustParseDecimal(value), Currency: ledger.Currency(currency)}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo). The event log is included;
// this is the one deliberate exception to append-only and exists only for
// test environments.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"transaction_events", "transaction_items", "owner_rollups", "granted_refunds", "gift_card_applications"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
