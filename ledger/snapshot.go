package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// SNAPSHOT - Single-day view with category grouping and summary
// =============================================================================

// SnapshotRow is a daily balance row plus the item's catalog context.
type SnapshotRow struct {
	Item      ItemID
	ItemName  string
	Unit      string
	Opening   Quantity
	Collected Quantity
	Withdrawn Quantity
	Closing   Quantity
}

// CategoryGroup holds a snapshot's rows for one item category.
type CategoryGroup struct {
	Category string
	Rows     []SnapshotRow
}

type SnapshotSummary struct {
	TotalCollected    Quantity
	TotalWithdrawn    Quantity
	NetChange         Quantity
	ItemsWithActivity int
}

type Snapshot struct {
	Date    Date
	Groups  []CategoryGroup
	Summary SnapshotSummary
}

// =============================================================================
// SNAPSHOT ENGINE
// =============================================================================

// SnapshotEngine answers point-in-time review requests. A snapshot is
// the daily calculator run with start == end == date, regrouped by
// category and summarized.
type SnapshotEngine struct {
	daily  *DailyCalculator
	events EventStore
	items  ItemDirectory

	now func() time.Time
}

func NewSnapshotEngine(daily *DailyCalculator, events EventStore, items ItemDirectory) *SnapshotEngine {
	return &SnapshotEngine{daily: daily, events: events, items: items, now: time.Now}
}

// WithClock overrides the engine clock. Tests only.
func (s *SnapshotEngine) WithClock(now func() time.Time) *SnapshotEngine {
	s.now = now
	return s
}

func (s *SnapshotEngine) Snapshot(ctx context.Context, date Date, item *ItemID) (*Snapshot, error) {
	rows, err := s.daily.DailyBalances(ctx, date, date, item)
	if err != nil {
		return nil, err
	}

	byCategory := make(map[string][]SnapshotRow)
	summary := SnapshotSummary{
		TotalCollected: ZeroQuantity(),
		TotalWithdrawn: ZeroQuantity(),
		NetChange:      ZeroQuantity(),
	}

	for _, row := range rows {
		info, err := s.items.Item(ctx, row.Item)
		if err != nil {
			return nil, fmt.Errorf("%w: lookup item %s: %v", ErrStorage, row.Item, err)
		}
		category := ""
		unit := ""
		if info != nil {
			category = info.Category
			unit = info.Unit
		}

		byCategory[category] = append(byCategory[category], SnapshotRow{
			Item:      row.Item,
			ItemName:  row.ItemName,
			Unit:      unit,
			Opening:   row.Opening,
			Collected: row.Collected,
			Withdrawn: row.Withdrawn,
			Closing:   row.Closing,
		})

		summary.TotalCollected = summary.TotalCollected.Add(row.Collected)
		summary.TotalWithdrawn = summary.TotalWithdrawn.Add(row.Withdrawn)
		if !row.Collected.IsZero() || !row.Withdrawn.IsZero() {
			summary.ItemsWithActivity++
		}
	}
	summary.NetChange = summary.TotalCollected.Sub(summary.TotalWithdrawn)

	groups := make([]CategoryGroup, 0, len(byCategory))
	for category, catRows := range byCategory {
		sort.Slice(catRows, func(i, j int) bool { return catRows[i].ItemName < catRows[j].ItemName })
		groups = append(groups, CategoryGroup{Category: category, Rows: catRows})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Category < groups[j].Category })

	return &Snapshot{Date: date, Groups: groups, Summary: summary}, nil
}

// =============================================================================
// DATE NAVIGATION
// =============================================================================

// EarliestEventDate returns the calendar day of the oldest event.
// This is a store query, never a hardcoded floor.
func (s *SnapshotEngine) EarliestEventDate(ctx context.Context) (Date, error) {
	at, ok, err := s.events.EarliestEventAt(ctx)
	if err != nil {
		return Date{}, fmt.Errorf("%w: earliest event: %v", ErrStorage, err)
	}
	if !ok {
		return Date{}, ErrNoEvents
	}
	return DateOf(at), nil
}

// PreviousDay returns date-1, rejecting navigation before the earliest
// recorded event.
func (s *SnapshotEngine) PreviousDay(ctx context.Context, date Date) (Date, error) {
	earliest, err := s.EarliestEventDate(ctx)
	if err != nil {
		return Date{}, err
	}
	prev := date.Prev()
	if prev.Before(earliest) {
		return Date{}, ErrBeforeHistory
	}
	return prev, nil
}

// NextDay returns date+1, rejecting navigation into the future
// relative to the engine clock.
func (s *SnapshotEngine) NextDay(ctx context.Context, date Date) (Date, error) {
	next := date.Next()
	if next.After(DateOf(s.now())) {
		return Date{}, ErrFutureDate
	}
	return next, nil
}
