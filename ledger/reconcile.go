/*
reconcile.go - Historical import, deduplication, and integrity repair

PURPOSE:
  Merges externally sourced historical events into the ledger without
  corrupting aggregates, and provides the repair operations an operator
  uses to confirm a reconciliation succeeded.

DUPLICATE DETECTION:
  Key = (item, kind, timestamp normalized to a canonical UTC second).
  Exact instant equality, not a date-level match. When existing and
  candidate lines collide on the key, all but the first are excluded
  and counted as duplicates.

  KNOWN LIMITATION: two genuinely distinct submissions of the same item
  at the same instant would incorrectly merge. The source data offers
  no stronger natural key, so this limitation is preserved rather than
  silently papered over.

FULL REBUILD AFTER EVERY PASS:
  Removing or bulk-adding events invalidates any incremental
  aggregate, so every import and every dedup pass ends with a full
  recompute of derived balances.

INTEGRITY SWEEP:
  A crash between the header and line writes of a manual commit can
  leave an empty header. SweepOrphanedHeaders finds headers with zero
  lines and manual origin and removes them. Import-origin headers are
  exempt (an import whose candidates were all skipped legitimately
  owns no lines).

VERIFICATION:
  VerifyTotals compares actual per-item totals against operator-known
  expected figures and reports the delta - reconciliation success is
  confirmed explicitly, never inferred.
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CANDIDATES AND REPORTS
// =============================================================================

// CandidateEvent is one externally sourced historical event offered
// for import.
type CandidateEvent struct {
	Kind       EventKind
	Item       ItemID
	Quantity   Quantity
	OccurredAt time.Time
	RecordedBy ActorID
	Recipient  string
	Reason     string
	Notes      string
}

// ImportReport accounts for every candidate: imported, skipped as a
// duplicate, or skipped as invalid (with a reason in Errors).
type ImportReport struct {
	Imported         int
	SkippedDuplicate int
	SkippedInvalid   int
	Errors           []string
}

// DedupReport summarizes a duplicate-removal pass over existing events.
type DedupReport struct {
	Scanned int
	Removed int
}

// TotalsDelta is one row of a compare-to-expected verification.
type TotalsDelta struct {
	Item     ItemID
	Expected Quantity
	Actual   Quantity
	Delta    Quantity // Actual - Expected; zero means reconciled
}

// SweepReport summarizes an orphaned-header sweep.
type SweepReport struct {
	Orphaned []HeaderID
	Removed  int
}

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	store EventStore
	items ItemDirectory
	agg   *Aggregator

	now func() time.Time
}

func NewReconciler(store EventStore, items ItemDirectory, agg *Aggregator) *Reconciler {
	return &Reconciler{store: store, items: items, agg: agg, now: time.Now}
}

// dedupKey is the canonical duplicate-detection key.
type dedupKey struct {
	item ItemID
	kind EventKind
	at   time.Time
}

func keyOf(item ItemID, kind EventKind, at time.Time) dedupKey {
	return dedupKey{item: item, kind: kind, at: at.UTC().Truncate(time.Second)}
}

// ImportBatch merges candidates into the ledger. Candidates referencing
// deactivated items are accepted - history legitimately predates
// deactivation - but unknown items and non-positive quantities are
// skipped as invalid. Ends with a full aggregate rebuild.
func (r *Reconciler) ImportBatch(ctx context.Context, source string, candidates []CandidateEvent) (*ImportReport, error) {
	existing, err := r.store.Query(ctx, EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("%w: scan existing events: %v", ErrStorage, err)
	}

	seen := make(map[dedupKey]bool, len(existing))
	for _, e := range existing {
		seen[keyOf(e.Item, e.Kind, e.OccurredAt)] = true
	}

	report := &ImportReport{}
	accepted := make(map[EventKind][]CandidateEvent)

	for _, c := range candidates {
		if c.Kind != KindCollected && c.Kind != KindWithdrawn {
			report.SkippedInvalid++
			report.Errors = append(report.Errors, fmt.Sprintf("item %s: unknown event kind %q", c.Item, c.Kind))
			continue
		}
		if !c.Quantity.IsPositive() {
			report.SkippedInvalid++
			report.Errors = append(report.Errors, fmt.Sprintf("item %s: %v", c.Item, ErrInvalidQuantity))
			continue
		}
		info, err := r.items.Item(ctx, c.Item)
		if err != nil {
			return nil, fmt.Errorf("%w: lookup item %s: %v", ErrStorage, c.Item, err)
		}
		if info == nil {
			report.SkippedInvalid++
			report.Errors = append(report.Errors, fmt.Sprintf("item %s: %v", c.Item, ErrUnknownItem))
			continue
		}

		key := keyOf(c.Item, c.Kind, c.OccurredAt)
		if seen[key] {
			report.SkippedDuplicate++
			continue
		}
		seen[key] = true
		accepted[c.Kind] = append(accepted[c.Kind], c)
	}

	// One import header per kind present in the batch.
	for _, kind := range []EventKind{KindCollected, KindWithdrawn} {
		batch := accepted[kind]
		if len(batch) == 0 {
			continue
		}

		// Events may persist from here on; the cache must not keep
		// claiming cleanliness if a later step fails.
		r.agg.MarkDirty()

		header := Header{
			ID:          HeaderID(uuid.NewString()),
			Kind:        kind,
			SubmittedBy: ActorID(source),
			SubmittedAt: r.now().UTC(),
			Origin:      OriginImport,
			Notes:       fmt.Sprintf("historical import from %s", source),
		}
		if err := r.store.InsertHeader(ctx, header); err != nil {
			return nil, fmt.Errorf("%w: insert import header: %v", ErrStorage, err)
		}

		events := make([]Event, len(batch))
		for i, c := range batch {
			events[i] = Event{
				ID:         EventID(uuid.NewString()),
				Kind:       kind,
				Header:     header.ID,
				Item:       c.Item,
				Quantity:   c.Quantity,
				OccurredAt: c.OccurredAt.UTC().Truncate(time.Second),
				RecordedBy: c.RecordedBy,
				Origin:     OriginImport,
				Recipient:  c.Recipient,
				Reason:     c.Reason,
				Notes:      c.Notes,
			}
		}
		if err := r.store.InsertEvents(ctx, events); err != nil {
			// A line-less import header is exempt from the orphan
			// sweep, so remove it here rather than leaving it behind
			// invisibly.
			if rbErr := r.store.DeleteHeader(ctx, kind, header.ID); rbErr != nil {
				return nil, fmt.Errorf("%w: insert imported events: %v (empty import header %s survives: %v)",
					ErrStorage, err, header.ID, rbErr)
			}
			return nil, fmt.Errorf("%w: insert imported events: %v", ErrStorage, err)
		}
		report.Imported += len(events)
	}

	r.agg.MarkDirty()
	if err := r.agg.Rebuild(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// DeduplicateExisting removes events that collide on the dedup key,
// keeping the first occurrence in scan order. Ends with a full
// aggregate rebuild - the only safe way to derive balances after a
// deletion.
func (r *Reconciler) DeduplicateExisting(ctx context.Context) (*DedupReport, error) {
	events, err := r.store.Query(ctx, EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("%w: scan events: %v", ErrStorage, err)
	}

	seen := make(map[dedupKey]bool, len(events))
	var doomed []EventID
	for _, e := range events {
		key := keyOf(e.Item, e.Kind, e.OccurredAt)
		if seen[key] {
			doomed = append(doomed, e.ID)
			continue
		}
		seen[key] = true
	}

	report := &DedupReport{Scanned: len(events), Removed: len(doomed)}
	if len(doomed) == 0 {
		return report, nil
	}

	// Stale the moment deletions may have landed.
	r.agg.MarkDirty()
	if err := r.store.DeleteEvents(ctx, doomed); err != nil {
		return nil, fmt.Errorf("%w: delete duplicate events: %v", ErrStorage, err)
	}

	if err := r.agg.Rebuild(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// VerifyTotals compares actual current stock against operator-supplied
// expected totals. Rows are returned for every expected item plus any
// item with actual stock that the operator did not list.
func (r *Reconciler) VerifyTotals(ctx context.Context, expected map[ItemID]Quantity) ([]TotalsDelta, error) {
	stocks, err := r.agg.AllStocks(ctx)
	if err != nil {
		return nil, err
	}

	actual := make(map[ItemID]Quantity, len(stocks))
	for _, row := range stocks {
		actual[row.Item] = row.Stock
	}

	items := make(map[ItemID]bool, len(expected)+len(actual))
	for item := range expected {
		items[item] = true
	}
	for item := range actual {
		items[item] = true
	}

	deltas := make([]TotalsDelta, 0, len(items))
	for item := range items {
		exp := expected[item]
		act := actual[item]
		deltas = append(deltas, TotalsDelta{
			Item:     item,
			Expected: exp,
			Actual:   act,
			Delta:    act.Sub(exp),
		})
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Item < deltas[j].Item })
	return deltas, nil
}

// SweepOrphanedHeaders removes manual-origin headers that own zero
// lines - the residue of a crash between the header and line writes.
func (r *Reconciler) SweepOrphanedHeaders(ctx context.Context) (*SweepReport, error) {
	empty, err := r.store.EmptyHeaders(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list empty headers: %v", ErrStorage, err)
	}

	report := &SweepReport{}
	for _, h := range empty {
		if h.Origin == OriginImport {
			continue
		}
		report.Orphaned = append(report.Orphaned, h.ID)
		if err := r.store.DeleteHeader(ctx, h.Kind, h.ID); err != nil {
			return report, fmt.Errorf("%w: remove orphaned header %s: %v", ErrStorage, h.ID, err)
		}
		report.Removed++
	}
	return report, nil
}
