/*
store.go - Persistence interfaces for events and derived balances

PURPOSE:
  Defines the interface between the engine and the backing store.
  Different implementations can use SQLite, PostgreSQL, or in-memory
  storage.

KEY INTERFACES:
  EventStore:   Headers + line events, ordered scans
  TxEventStore: EventStore with a native transaction wrapping a commit
  BalanceStore: Persisted derived aggregate keyed by item

APPEND-DOMINANT CONTRACT:
  The events table is append-only in normal operation. The two
  exceptions, both repair paths, are explicit:
  - DeleteHeader: compensating rollback of a failed commit, and the
    orphaned-header integrity sweep. Deleting a header cascades to its
    lines.
  - DeleteEvents: duplicate removal during reconciliation. Any caller
    of DeleteEvents must trigger a full aggregate rebuild afterwards.

ORDERED SCANS:
  Query returns events sorted by OccurredAt ascending (ties broken by
  insertion order). Each call is a restartable snapshot, not a live
  cursor.

IMPLEMENTATIONS:
  - store/sqlite: Production store (native transactions)
  - ledger/store: In-memory store for tests (no native transactions,
    exercises the compensating-rollback path)
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// EVENT STORE
// =============================================================================

// EventFilter narrows a Query. Nil fields mean "no constraint".
// From is inclusive, Until exclusive, so [DayStart, DayEnd) windows
// compose without overlap.
type EventFilter struct {
	Item  *ItemID
	Kind  *EventKind
	From  *time.Time
	Until *time.Time
}

// EventStore persists batch headers and their line events.
type EventStore interface {
	// InsertHeader writes a batch header.
	InsertHeader(ctx context.Context, h Header) error

	// InsertEvents writes line events in one batch. Either all lines
	// are written or none are.
	InsertEvents(ctx context.Context, events []Event) error

	// GetHeader returns nil when the header does not exist.
	GetHeader(ctx context.Context, kind EventKind, id HeaderID) (*Header, error)

	// DeleteHeader removes a header and cascades to its line events.
	// Used only by the commit rollback and the integrity sweep.
	DeleteHeader(ctx context.Context, kind EventKind, id HeaderID) error

	// Query returns events matching the filter, ordered by OccurredAt
	// ascending. Restartable per call.
	Query(ctx context.Context, f EventFilter) ([]Event, error)

	// EarliestEventAt returns the timestamp of the oldest event.
	// ok is false when the store holds no events.
	EarliestEventAt(ctx context.Context) (at time.Time, ok bool, err error)

	// EmptyHeaders returns headers that own zero line events, for the
	// orphaned-header integrity sweep.
	EmptyHeaders(ctx context.Context) ([]Header, error)

	// DeleteEvents removes events by id. Reconciliation repair only;
	// the caller must rebuild aggregates afterwards.
	DeleteEvents(ctx context.Context, ids []EventID) error
}

// TxEventStore extends EventStore with a native transaction. When the
// backing store provides this, the commit protocol wraps header and
// lines in one transaction and the orphaned-header failure mode
// disappears entirely.
type TxEventStore interface {
	EventStore

	// WithTx executes fn within a transaction. If fn returns an error
	// the transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(EventStore) error) error
}

// =============================================================================
// BALANCE STORE - Persisted derived aggregate
// =============================================================================

// BalanceStore holds the cached per-item aggregate. It is derived data:
// always reproducible from events, replaced wholesale on rebuild.
type BalanceStore interface {
	// ReplaceBalances swaps the full cached aggregate.
	ReplaceBalances(ctx context.Context, rows []StockRow) error

	// LoadBalances returns the cached aggregate, ordered by item id.
	LoadBalances(ctx context.Context) ([]StockRow, error)
}
