/*
daily.go - Daily opening/closing balance recurrence

PURPOSE:
  Derives, for a date range, each item's opening balance, daily
  collected, daily withdrawn, and closing balance.

ALGORITHM:
  1. Opening at startDate = full scan of events strictly before the
     window (not an incremental walk from day zero - sparse history
     must not drift).
  2. Per day d in [start, end]: sum same-day collected and withdrawn.
  3. closing(d) = opening(d) + collected(d) - withdrawn(d), and
     opening(d+1) = closing(d). Strict left-to-right recurrence; only
     day one ever touches raw pre-window history.

ROW EMISSION POLICY:
  An item gets rows (one per day, zero-activity days included so the
  recurrence chain is visible) only when it had at least one event
  inside the range OR its current stock is nonzero. This keeps a
  hundreds-of-days report from exploding to O(items x days) rows of
  zeros for long-dormant items.

NUMERIC SEMANTICS:
  Quantities are non-negative decimals; closing balances may go
  negative and are emitted as-is.

SORT ORDER:
  Date ascending, then item name ascending - deterministic pagination.
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
)

// =============================================================================
// DAILY CALCULATOR
// =============================================================================

type DailyCalculator struct {
	events EventStore
	items  ItemDirectory
	agg    *Aggregator
}

func NewDailyCalculator(events EventStore, items ItemDirectory, agg *Aggregator) *DailyCalculator {
	return &DailyCalculator{events: events, items: items, agg: agg}
}

// DailyBalances computes rows for [start, end] inclusive. A nil item
// means all active items (subject to the emission policy); a non-nil
// item restricts the report to that item regardless of activity.
func (c *DailyCalculator) DailyBalances(ctx context.Context, start, end Date, item *ItemID) ([]DailyBalanceRow, error) {
	if end.Before(start) {
		return nil, ErrInvalidDateRange
	}

	scope, err := c.resolveScope(ctx, item)
	if err != nil {
		return nil, err
	}

	// One scan for everything before the window, one for the window
	// itself; both restricted to a single item when requested.
	windowStart := start.DayStart()
	windowEnd := end.DayEnd()

	before, err := c.events.Query(ctx, EventFilter{Item: item, Until: &windowStart})
	if err != nil {
		return nil, fmt.Errorf("%w: scan pre-window events: %v", ErrStorage, err)
	}
	inWindow, err := c.events.Query(ctx, EventFilter{Item: item, From: &windowStart, Until: &windowEnd})
	if err != nil {
		return nil, fmt.Errorf("%w: scan window events: %v", ErrStorage, err)
	}

	// Opening balances: full pre-window sums per item.
	opening := make(map[ItemID]Quantity)
	for _, e := range before {
		opening[e.Item] = openingOf(opening, e.Item).Add(e.Delta())
	}

	// Same-day sums keyed by (date, item).
	type dayKey struct {
		date Date
		item ItemID
	}
	collected := make(map[dayKey]Quantity)
	withdrawn := make(map[dayKey]Quantity)
	active := make(map[ItemID]bool)
	for _, e := range inWindow {
		k := dayKey{date: DateOf(e.OccurredAt), item: e.Item}
		switch e.Kind {
		case KindCollected:
			collected[k] = collected[k].Add(e.Quantity)
		case KindWithdrawn:
			withdrawn[k] = withdrawn[k].Add(e.Quantity)
		}
		active[e.Item] = true
	}

	// Apply the emission policy, then run the recurrence per item.
	included, err := c.applyEmissionPolicy(ctx, scope, active, item != nil)
	if err != nil {
		return nil, err
	}

	var rows []DailyBalanceRow
	for _, info := range included {
		running := openingOf(opening, info.ID)
		for d := start; !d.After(end); d = d.Next() {
			k := dayKey{date: d, item: info.ID}
			in := collected[k]
			out := withdrawn[k]
			closing := running.Add(in).Sub(out)
			rows = append(rows, DailyBalanceRow{
				Date:      d,
				Item:      info.ID,
				ItemName:  info.Name,
				Opening:   running,
				Collected: in,
				Withdrawn: out,
				Closing:   closing,
			})
			running = closing // opening(d+1) = closing(d)
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Date.Equal(rows[j].Date) {
			return rows[i].Date.Before(rows[j].Date)
		}
		return rows[i].ItemName < rows[j].ItemName
	})
	return rows, nil
}

func (c *DailyCalculator) resolveScope(ctx context.Context, item *ItemID) ([]ItemInfo, error) {
	if item != nil {
		info, err := c.items.Item(ctx, *item)
		if err != nil {
			return nil, fmt.Errorf("%w: lookup item %s: %v", ErrStorage, *item, err)
		}
		if info == nil {
			return nil, &LineError{Item: *item, Err: ErrUnknownItem}
		}
		return []ItemInfo{*info}, nil
	}

	infos, err := c.items.ActiveItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list active items: %v", ErrStorage, err)
	}
	return infos, nil
}

func (c *DailyCalculator) applyEmissionPolicy(ctx context.Context, scope []ItemInfo, active map[ItemID]bool, explicit bool) ([]ItemInfo, error) {
	if explicit {
		// A caller asking for one item always gets its rows.
		return scope, nil
	}

	var included []ItemInfo
	for _, info := range scope {
		if active[info.ID] {
			included = append(included, info)
			continue
		}
		row, err := c.agg.CurrentStock(ctx, info.ID)
		if err != nil {
			return nil, err
		}
		if !row.Stock.IsZero() {
			included = append(included, info)
		}
	}
	return included, nil
}

func openingOf(m map[ItemID]Quantity, item ItemID) Quantity {
	if q, ok := m[item]; ok {
		return q
	}
	return ZeroQuantity()
}
