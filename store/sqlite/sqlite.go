/*
Package sqlite provides the SQLite-backed implementation of the
storage interfaces.

PURPOSE:
  Implements ledger.EventStore, ledger.TxEventStore, ledger.BalanceStore
  and catalog.Store using SQLite. In production the same patterns apply
  to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  items:        Catalog reference data (soft-deactivated, never dropped)
  collections:  Collection batch headers
  withdrawals:  Withdrawal batch headers
  events:       Line events, logically partitioned by kind
  balances:     Cached derived aggregate keyed by item

NATIVE TRANSACTIONS:
  WithTx wraps a header+lines commit in one SQLite transaction, which
  eliminates the orphaned-header failure mode of the two-step commit
  path entirely.

TIMESTAMPS:
  Stored as RFC3339 UTC text. Lexicographic comparison on that format
  matches chronological order, so range scans are plain string
  comparisons. RFC3339 carries second precision, which is also the
  canonical granularity of the reconciliation dedup key.

CONCURRENCY:
  sync.RWMutex for thread-safety, WAL mode for concurrent readers.

USAGE:
  store, err := sqlite.New("./data/relief.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/relieftrack/ledger-engine/catalog"
	"github.com/relieftrack/ledger-engine/ledger"
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

func (s *Store) migrate() error {
	schema := `
	-- Catalog reference data
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		unit TEXT NOT NULL DEFAULT 'unit',
		low_stock_threshold TEXT NOT NULL DEFAULT '0',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_active ON items(active);

	-- Batch headers, one table per kind
	CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		submitted_by TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		origin TEXT NOT NULL DEFAULT 'manual',
		notes TEXT
	);

	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		submitted_by TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		origin TEXT NOT NULL DEFAULT 'manual',
		notes TEXT
	);

	-- Line events, logically partitioned by kind
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		header_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		quantity TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		recorded_by TEXT NOT NULL,
		origin TEXT NOT NULL DEFAULT 'manual',
		recipient TEXT,
		reason TEXT,
		notes TEXT,
		created_at TEXT NOT NULL
	);

	-- Hot path: balance derivation and range scans
	CREATE INDEX IF NOT EXISTS idx_events_item_occurred
		ON events(item_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_events_kind_occurred
		ON events(kind, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_events_header
		ON events(header_id);

	-- Reconciliation dedup key
	CREATE INDEX IF NOT EXISTS idx_events_dedup
		ON events(item_id, kind, occurred_at);

	-- Cached derived aggregate; replaced wholesale on rebuild
	CREATE TABLE IF NOT EXISTS balances (
		item_id TEXT PRIMARY KEY,
		collected TEXT NOT NULL,
		withdrawn TEXT NOT NULL,
		stock TEXT NOT NULL,
		rebuilt_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func headerTable(kind ledger.EventKind) string {
	if kind == ledger.KindWithdrawn {
		return "withdrawals"
	}
	return "collections"
}

// =============================================================================
// EVENT STORE (ledger.EventStore interface)
// =============================================================================

// dbtx is the slice of database/sql shared by *sql.DB and *sql.Tx, so
// the same internal helpers serve both the plain store and txStore.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InsertHeader writes a batch header.
func (s *Store) InsertHeader(ctx context.Context, h ledger.Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertHeader(ctx, s.db, h)
}

func (s *Store) insertHeader(ctx context.Context, db dbtx, h ledger.Header) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, submitted_by, submitted_at, origin, notes)
		VALUES (?, ?, ?, ?, ?)
	`, headerTable(h.Kind))

	_, err := db.ExecContext(ctx, query,
		h.ID,
		h.SubmittedBy,
		h.SubmittedAt.UTC().Format(time.RFC3339),
		h.Origin,
		nullString(h.Notes),
	)
	if err != nil {
		return fmt.Errorf("failed to insert header: %w", err)
	}
	return nil
}

// InsertEvents writes line events in one batch.
func (s *Store) InsertEvents(ctx context.Context, events []ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, e := range events {
		if err := s.insertEvent(ctx, sqlTx, e); err != nil {
			return err
		}
	}
	return sqlTx.Commit()
}

func (s *Store) insertEvent(ctx context.Context, db dbtx, e ledger.Event) error {
	query := `
		INSERT INTO events
		(id, kind, header_id, item_id, quantity, occurred_at, recorded_by,
		 origin, recipient, reason, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		e.ID,
		e.Kind,
		e.Header,
		e.Item,
		e.Quantity.Value.String(),
		e.OccurredAt.UTC().Format(time.RFC3339),
		e.RecordedBy,
		e.Origin,
		nullString(e.Recipient),
		nullString(e.Reason),
		nullString(e.Notes),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// GetHeader returns nil when the header does not exist.
func (s *Store) GetHeader(ctx context.Context, kind ledger.EventKind, id ledger.HeaderID) (*ledger.Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getHeader(ctx, s.db, kind, id)
}

func (s *Store) getHeader(ctx context.Context, db dbtx, kind ledger.EventKind, id ledger.HeaderID) (*ledger.Header, error) {
	query := fmt.Sprintf(`
		SELECT id, submitted_by, submitted_at, origin, notes
		FROM %s WHERE id = ?
	`, headerTable(kind))

	var h ledger.Header
	var submittedAt string
	var notes sql.NullString
	err := db.QueryRowContext(ctx, query, id).Scan(
		&h.ID, &h.SubmittedBy, &submittedAt, &h.Origin, &notes,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	h.Kind = kind
	h.SubmittedAt, _ = time.Parse(time.RFC3339, submittedAt)
	h.Notes = notes.String
	return &h, nil
}

// DeleteHeader removes a header and cascades to its line events.
func (s *Store) DeleteHeader(ctx context.Context, kind ledger.EventKind, id ledger.HeaderID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteHeader(ctx, s.db, kind, id)
}

func (s *Store) deleteHeader(ctx context.Context, db dbtx, kind ledger.EventKind, id ledger.HeaderID) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM events WHERE header_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete header lines: %w", err)
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", headerTable(kind))
	res, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete header: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrHeaderNotFound
	}
	return nil
}

// Query returns events matching the filter, ordered by occurred_at
// ascending with insertion order breaking ties.
func (s *Store) Query(ctx context.Context, f ledger.EventFilter) ([]ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEvents(ctx, s.db, f)
}

func (s *Store) queryEvents(ctx context.Context, db dbtx, f ledger.EventFilter) ([]ledger.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.Item != nil {
		where = append(where, "item_id = ?")
		args = append(args, *f.Item)
	}
	if f.Kind != nil {
		where = append(where, "kind = ?")
		args = append(args, *f.Kind)
	}
	if f.From != nil {
		where = append(where, "occurred_at >= ?")
		args = append(args, f.From.UTC().Format(time.RFC3339))
	}
	if f.Until != nil {
		where = append(where, "occurred_at < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339))
	}

	query := `
		SELECT id, kind, header_id, item_id, quantity, occurred_at,
		       recorded_by, origin, recipient, reason, notes
		FROM events
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at ASC, seq ASC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (ledger.Event, error) {
	var (
		e          ledger.Event
		quantity   string
		occurredAt string
		recipient  sql.NullString
		reason     sql.NullString
		notes      sql.NullString
	)

	err := rows.Scan(
		&e.ID, &e.Kind, &e.Header, &e.Item, &quantity, &occurredAt,
		&e.RecordedBy, &e.Origin, &recipient, &reason, &notes,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan event: %w", err)
	}

	e.Quantity = ledger.MustParseQuantity(quantity)
	e.OccurredAt, _ = time.Parse(time.RFC3339, occurredAt)
	e.Recipient = recipient.String
	e.Reason = reason.String
	e.Notes = notes.String
	return e, nil
}

// EarliestEventAt returns the timestamp of the oldest event.
func (s *Store) EarliestEventAt(ctx context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.earliestEventAt(ctx, s.db)
}

func (s *Store) earliestEventAt(ctx context.Context, db dbtx) (time.Time, bool, error) {
	var at sql.NullString
	err := db.QueryRowContext(ctx, "SELECT MIN(occurred_at) FROM events").Scan(&at)
	if err != nil {
		return time.Time{}, false, err
	}
	if !at.Valid {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, at.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// EmptyHeaders returns headers of both kinds that own zero line events.
func (s *Store) EmptyHeaders(ctx context.Context) ([]ledger.Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emptyHeaders(ctx, s.db)
}

func (s *Store) emptyHeaders(ctx context.Context, db dbtx) ([]ledger.Header, error) {
	var headers []ledger.Header
	for _, kind := range []ledger.EventKind{ledger.KindCollected, ledger.KindWithdrawn} {
		query := fmt.Sprintf(`
			SELECT h.id, h.submitted_by, h.submitted_at, h.origin, h.notes
			FROM %s h
			LEFT JOIN events e ON e.header_id = h.id
			WHERE e.id IS NULL
			ORDER BY h.submitted_at ASC
		`, headerTable(kind))

		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var h ledger.Header
			var submittedAt string
			var notes sql.NullString
			if err := rows.Scan(&h.ID, &h.SubmittedBy, &submittedAt, &h.Origin, &notes); err != nil {
				rows.Close()
				return nil, err
			}
			h.Kind = kind
			h.SubmittedAt, _ = time.Parse(time.RFC3339, submittedAt)
			h.Notes = notes.String
			headers = append(headers, h)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return headers, nil
}

// DeleteEvents removes events by id. Reconciliation repair only.
func (s *Store) DeleteEvents(ctx context.Context, ids []ledger.EventID) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, id := range ids {
		if _, err := sqlTx.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete event %s: %w", id, err)
		}
	}
	return sqlTx.Commit()
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxEventStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.EventStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore routes every operation through the open transaction, so
// reads inside WithTx observe the transaction's own writes. The parent
// mutex is held for the duration of WithTx; nothing here may lock it
// again.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) InsertHeader(ctx context.Context, h ledger.Header) error {
	return ts.parent.insertHeader(ctx, ts.tx, h)
}

func (ts *txStore) InsertEvents(ctx context.Context, events []ledger.Event) error {
	for _, e := range events {
		if err := ts.parent.insertEvent(ctx, ts.tx, e); err != nil {
			return err
		}
	}
	return nil
}

func (ts *txStore) DeleteHeader(ctx context.Context, kind ledger.EventKind, id ledger.HeaderID) error {
	return ts.parent.deleteHeader(ctx, ts.tx, kind, id)
}

func (ts *txStore) GetHeader(ctx context.Context, kind ledger.EventKind, id ledger.HeaderID) (*ledger.Header, error) {
	return ts.parent.getHeader(ctx, ts.tx, kind, id)
}

func (ts *txStore) Query(ctx context.Context, f ledger.EventFilter) ([]ledger.Event, error) {
	return ts.parent.queryEvents(ctx, ts.tx, f)
}

func (ts *txStore) EarliestEventAt(ctx context.Context) (time.Time, bool, error) {
	return ts.parent.earliestEventAt(ctx, ts.tx)
}

func (ts *txStore) EmptyHeaders(ctx context.Context) ([]ledger.Header, error) {
	return ts.parent.emptyHeaders(ctx, ts.tx)
}

func (ts *txStore) DeleteEvents(ctx context.Context, ids []ledger.EventID) error {
	for _, id := range ids {
		if _, err := ts.tx.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete event %s: %w", id, err)
		}
	}
	return nil
}

// =============================================================================
// BALANCE STORE (ledger.BalanceStore interface)
// =============================================================================

// ReplaceBalances swaps the full cached aggregate.
func (s *Store) ReplaceBalances(ctx context.Context, rows []ledger.StockRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if _, err := sqlTx.ExecContext(ctx, "DELETE FROM balances"); err != nil {
		return fmt.Errorf("failed to clear balances: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, row := range rows {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO balances (item_id, collected, withdrawn, stock, rebuilt_at)
			VALUES (?, ?, ?, ?, ?)
		`, row.Item, row.Collected.Value.String(), row.Withdrawn.Value.String(),
			row.Stock.Value.String(), now)
		if err != nil {
			return fmt.Errorf("failed to insert balance: %w", err)
		}
	}
	return sqlTx.Commit()
}

// LoadBalances returns the cached aggregate, ordered by item id.
func (s *Store) LoadBalances(ctx context.Context) ([]ledger.StockRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT item_id, collected, withdrawn, stock FROM balances ORDER BY item_id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.StockRow
	for rows.Next() {
		var row ledger.StockRow
		var collected, withdrawn, stock string
		if err := rows.Scan(&row.Item, &collected, &withdrawn, &stock); err != nil {
			return nil, err
		}
		row.Collected = ledger.MustParseQuantity(collected)
		row.Withdrawn = ledger.MustParseQuantity(withdrawn)
		row.Stock = ledger.MustParseQuantity(stock)
		result = append(result, row)
	}
	return result, rows.Err()
}

// =============================================================================
// CATALOG STORE (catalog.Store interface)
// =============================================================================

// SaveItem creates or updates a catalog item.
func (s *Store) SaveItem(ctx context.Context, item catalog.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO items (id, name, category, unit, low_stock_threshold, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			unit = excluded.unit,
			low_stock_threshold = excluded.low_stock_threshold,
			active = excluded.active
	`

	_, err := s.db.ExecContext(ctx, query,
		item.ID, item.Name, item.Category, item.Unit,
		item.LowStockThreshold.Value.String(), item.Active,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetItem returns nil when the item does not exist.
func (s *Store) GetItem(ctx context.Context, id ledger.ItemID) (*catalog.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var item catalog.Item
	var threshold string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, unit, low_stock_threshold, active
		FROM items WHERE id = ?
	`, id).Scan(&item.ID, &item.Name, &item.Category, &item.Unit, &threshold, &item.Active)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	item.LowStockThreshold = ledger.MustParseQuantity(threshold)
	return &item, nil
}

// ListItems returns items ordered by name.
func (s *Store) ListItems(ctx context.Context, includeInactive bool) ([]catalog.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, name, category, unit, low_stock_threshold, active
		FROM items
	`
	if !includeInactive {
		query += " WHERE active = TRUE"
	}
	query += " ORDER BY name ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []catalog.Item
	for rows.Next() {
		var item catalog.Item
		var threshold string
		if err := rows.Scan(&item.ID, &item.Name, &item.Category, &item.Unit, &threshold, &item.Active); err != nil {
			return nil, err
		}
		item.LowStockThreshold = ledger.MustParseQuantity(threshold)
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeactivateItem soft-deactivates an item.
func (s *Store) DeactivateItem(ctx context.Context, id ledger.ItemID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE items SET active = FALSE WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrUnknownItem
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"events", "collections", "withdrawals", "balances", "items"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
