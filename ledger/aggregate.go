/*
aggregate.go - Current-stock derivation and caching

PURPOSE:
  Answers "how much of item X do we have right now?". Stock is always
  sum(collected) - sum(withdrawn) over the full event history; this
  file adds an explicit cache in front of that scan.

CACHE STATE MACHINE:
  Clean -> Dirty -> Rebuilding -> Clean

  The cache is never implicitly stale: every successful commit marks
  it Dirty and immediately triggers a rebuild before the write result
  is returned. If that rebuild fails, the write is still committed
  (events are the source of truth) and the cache stays Dirty; the next
  read or an explicit Rebuild repairs it.

WHY ALWAYS A FULL RECOMPUTE:
  Reconciliation may delete duplicate events. An incremental aggregate
  cannot observe deletions and would drift, so every rebuild replays
  the complete event history.

NEGATIVE STOCK:
  Stock can go negative (concurrent withdrawals, bad imports). The
  aggregator surfaces negative values unchanged - clamping would hide
  the very signal an operator needs.

SEE ALSO:
  - commit.go: Marks the cache dirty and triggers the rebuild
  - reconcile.go: Forces rebuilds after duplicate removal
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// =============================================================================
// AGGREGATE STATE
// =============================================================================

type AggregateState string

const (
	StateClean      AggregateState = "clean"
	StateDirty      AggregateState = "dirty"
	StateRebuilding AggregateState = "rebuilding"
)

// =============================================================================
// AGGREGATOR
// =============================================================================

// Aggregator derives and caches per-item stock from the event store.
// The optional BalanceStore receives a persisted copy of the aggregate
// on every rebuild so external readers can query it directly.
type Aggregator struct {
	events   EventStore
	balances BalanceStore // may be nil

	mu     sync.RWMutex
	state  AggregateState
	stocks map[ItemID]StockRow
}

func NewAggregator(events EventStore, balances BalanceStore) *Aggregator {
	return &Aggregator{
		events:   events,
		balances: balances,
		state:    StateDirty, // Nothing cached yet
		stocks:   make(map[ItemID]StockRow),
	}
}

// State returns the current cache state. Staleness is observable, not
// hidden behind reads.
func (a *Aggregator) State() AggregateState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// MarkDirty invalidates the cache. Called after every event-set change.
func (a *Aggregator) MarkDirty() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = StateDirty
}

// CurrentStock returns the derived balance for one item. A dirty cache
// is rebuilt first, so the answer is always consistent with a full
// event-store scan. Items with no events have zero stock.
func (a *Aggregator) CurrentStock(ctx context.Context, item ItemID) (StockRow, error) {
	if err := a.ensureClean(ctx); err != nil {
		return StockRow{}, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	row, ok := a.stocks[item]
	if !ok {
		return StockRow{
			Item:      item,
			Collected: ZeroQuantity(),
			Withdrawn: ZeroQuantity(),
			Stock:     ZeroQuantity(),
		}, nil
	}
	return row, nil
}

// AllStocks returns derived balances for every item that has at least
// one event, ordered by item id.
func (a *Aggregator) AllStocks(ctx context.Context) ([]StockRow, error) {
	if err := a.ensureClean(ctx); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	rows := make([]StockRow, 0, len(a.stocks))
	for _, row := range a.stocks {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Item < rows[j].Item })
	return rows, nil
}

// Rebuild recomputes the aggregate from the complete event history.
// Idempotent and safe to call at any time; this is the repair
// operation behind the admin rebuild endpoint.
func (a *Aggregator) Rebuild(ctx context.Context) error {
	a.mu.Lock()
	a.state = StateRebuilding
	a.mu.Unlock()

	events, err := a.events.Query(ctx, EventFilter{})
	if err != nil {
		a.MarkDirty()
		return fmt.Errorf("aggregate rebuild: %w", err)
	}

	stocks := make(map[ItemID]StockRow)
	for _, e := range events {
		row, ok := stocks[e.Item]
		if !ok {
			row = StockRow{
				Item:      e.Item,
				Collected: ZeroQuantity(),
				Withdrawn: ZeroQuantity(),
				Stock:     ZeroQuantity(),
			}
		}
		switch e.Kind {
		case KindCollected:
			row.Collected = row.Collected.Add(e.Quantity)
		case KindWithdrawn:
			row.Withdrawn = row.Withdrawn.Add(e.Quantity)
		}
		row.Stock = row.Collected.Sub(row.Withdrawn)
		stocks[e.Item] = row
	}

	if a.balances != nil {
		rows := make([]StockRow, 0, len(stocks))
		for _, row := range stocks {
			rows = append(rows, row)
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Item < rows[j].Item })
		if err := a.balances.ReplaceBalances(ctx, rows); err != nil {
			// Events replayed fine; only the persisted copy is behind.
			a.MarkDirty()
			return fmt.Errorf("aggregate rebuild: persist balances: %w", err)
		}
	}

	a.mu.Lock()
	a.stocks = stocks
	a.state = StateClean
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) ensureClean(ctx context.Context) error {
	a.mu.RLock()
	clean := a.state == StateClean
	a.mu.RUnlock()
	if clean {
		return nil
	}
	return a.Rebuild(ctx)
}
