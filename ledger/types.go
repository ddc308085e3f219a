/*
Package ledger provides the core inventory ledger engine.

PURPOSE:
  This package contains the event model and derivation algorithms for a
  donated-goods inventory. Items enter via collection batches (credits)
  and leave via withdrawal batches (debits). Current stock, daily
  opening/closing balances, and point-in-time snapshots are all derived
  by replaying events - there is no authoritative "stock" field that
  can drift out of sync.

KEY CONCEPTS IN THIS FILE (types.go):
  - Quantity: A positive decimal amount of an item (unit of measure
    lives on the catalog item, not on the quantity)
  - Event: An immutable ledger entry (collected or withdrawn)
  - Header: The batch record that owns 1..N line events
  - StockRow: Derived per-item balance (collected - withdrawn)
  - DailyBalanceRow: Derived per (date, item) opening/closing balance

DESIGN PRINCIPLES:
  1. Events are the source of truth; everything else is derived
  2. Precision: decimal.Decimal everywhere, never float64
  3. Negative stock is surfaced, never clamped - it signals a data or
     process problem that an operator must see
  4. Headers and lines are written together; a header must never
     survive without its lines

SEE ALSO:
  - store.go: Persistence interfaces
  - aggregate.go: Current-stock derivation and caching
  - daily.go: Daily opening/closing balance recurrence
  - commit.go: Header-then-lines write protocol
  - reconcile.go: Historical import and deduplication
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// QUANTITY - Decimal amount of an item
// =============================================================================

type Quantity struct {
	Value decimal.Decimal
}

func NewQuantity(value float64) Quantity {
	return Quantity{Value: decimal.NewFromFloat(value)}
}

func QuantityFromInt(value int) Quantity {
	return Quantity{Value: decimal.NewFromInt(int64(value))}
}

func MustParseQuantity(s string) Quantity {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Quantity{Value: decimal.Zero}
	}
	return Quantity{Value: d}
}

func ZeroQuantity() Quantity { return Quantity{Value: decimal.Zero} }

func (q Quantity) Add(o Quantity) Quantity      { return Quantity{Value: q.Value.Add(o.Value)} }
func (q Quantity) Sub(o Quantity) Quantity      { return Quantity{Value: q.Value.Sub(o.Value)} }
func (q Quantity) Neg() Quantity                { return Quantity{Value: q.Value.Neg()} }
func (q Quantity) IsZero() bool                 { return q.Value.IsZero() }
func (q Quantity) IsPositive() bool             { return q.Value.IsPositive() }
func (q Quantity) IsNegative() bool             { return q.Value.IsNegative() }
func (q Quantity) GreaterThan(o Quantity) bool  { return q.Value.GreaterThan(o.Value) }
func (q Quantity) LessThan(o Quantity) bool     { return q.Value.LessThan(o.Value) }
func (q Quantity) Equal(o Quantity) bool        { return q.Value.Equal(o.Value) }
func (q Quantity) String() string               { return q.Value.String() }
func (q Quantity) Float64() float64             { f, _ := q.Value.Float64(); return f }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ItemID string
type HeaderID string
type EventID string
type ActorID string

// =============================================================================
// EVENT - Atomic stock movement, owned by exactly one header
// =============================================================================

type EventKind string

const (
	KindCollected EventKind = "collected" // Donation received (credit)
	KindWithdrawn EventKind = "withdrawn" // Goods distributed (debit)
)

// EventOrigin records how an event entered the ledger. Import-origin
// headers are exempt from the orphaned-header integrity sweep because a
// bulk import may legitimately produce an empty header when every
// candidate line is skipped.
type EventOrigin string

const (
	OriginManual EventOrigin = "manual"
	OriginImport EventOrigin = "import"
)

type Event struct {
	ID         EventID
	Kind       EventKind
	Header     HeaderID
	Item       ItemID
	Quantity   Quantity  // Always positive; kind determines the sign
	OccurredAt time.Time // Normalized to whole UTC seconds on write
	RecordedBy ActorID
	Origin     EventOrigin

	// Withdrawal context; empty for collections
	Recipient string
	Reason    string

	Notes string
}

// Delta returns the signed stock effect of the event.
func (e Event) Delta() Quantity {
	if e.Kind == KindWithdrawn {
		return e.Quantity.Neg()
	}
	return e.Quantity
}

// =============================================================================
// HEADER - Batch record owning the line events
// =============================================================================

type Header struct {
	ID          HeaderID
	Kind        EventKind
	SubmittedBy ActorID
	SubmittedAt time.Time
	Origin      EventOrigin
	Notes       string
}

// Line is one requested item+quantity within a batch submission.
// Within one batch, each item appears in at most one line.
type Line struct {
	Item     ItemID
	Quantity Quantity
}

// =============================================================================
// ITEM DIRECTORY - Minimal catalog view the engine validates against
// =============================================================================

// ItemInfo is the slice of catalog data the ledger needs. The full item
// record (thresholds, lifecycle) lives in the catalog package.
type ItemInfo struct {
	ID       ItemID
	Name     string
	Category string
	Unit     string
	Active   bool
}

// ItemDirectory resolves item references during validation and
// reporting. Implemented by catalog.Directory.
type ItemDirectory interface {
	// Item returns nil when the item is unknown.
	Item(ctx context.Context, id ItemID) (*ItemInfo, error)

	// ActiveItems returns all active items, ordered by name.
	ActiveItems(ctx context.Context) ([]ItemInfo, error)
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// StockRow is the derived all-time balance for one item.
// Stock = Collected - Withdrawn, and may legitimately be negative.
type StockRow struct {
	Item      ItemID
	Collected Quantity
	Withdrawn Quantity
	Stock     Quantity
}

// DailyBalanceRow is the derived balance for one (date, item) pair.
// Closing = Opening + Collected - Withdrawn, and the closing of one day
// is the opening of the next. Never stored as source of truth.
type DailyBalanceRow struct {
	Date      Date
	Item      ItemID
	ItemName  string
	Opening   Quantity
	Collected Quantity
	Withdrawn Quantity
	Closing   Quantity
}
