/*
commit.go - Header-then-lines write protocol

PURPOSE:
  Persists a collection or withdrawal batch: one header plus 1..N line
  events, followed by a synchronous aggregate refresh.

STATE MACHINE (per write):
  Pending -> HeaderWritten -> LinesWritten -> Committed
                   \-> RolledBack (compensating delete on line failure)

TWO COMMIT PATHS:
  1. Native transaction: when the store implements TxEventStore, header
     and lines are wrapped in one transaction. No orphaned-header
     failure mode exists on this path.
  2. Best-effort two-step: validate everything in memory, insert the
     header, insert the lines, and on line failure delete the header.
     If the compensating delete itself fails, the orphaned header is
     reported distinctly (PartialWriteError.Orphaned) for operator
     repair; it is never silently swallowed. A crash between the two
     steps can also leave an empty header - the integrity sweep in
     reconcile.go detects and removes those.

STOCK-SUFFICIENCY CHECK:
  Withdrawals read current stock per item and reject the whole batch if
  any line exceeds it. This check-then-write is NOT protected by a
  lock: two concurrent withdrawals against the same near-zero item can
  both pass validation and together drive stock negative. That is an
  accepted, documented race - the resulting negative stock is surfaced
  by the aggregator, and a real deployment wanting to close it needs
  either per-item serialized commits or a conditional decrement.

AGGREGATE REFRESH:
  Runs synchronously after the write, before the result returns. A
  refresh failure does not un-commit the write; the result carries
  AggregateStale=true and the cache repairs itself on the next read.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// COMMIT STATE
// =============================================================================

type CommitState string

const (
	CommitPending       CommitState = "pending"
	CommitHeaderWritten CommitState = "header_written"
	CommitLinesWritten  CommitState = "lines_written"
	CommitCommitted     CommitState = "committed"
	CommitRolledBack    CommitState = "rolled_back"
)

// =============================================================================
// INPUTS / RESULT
// =============================================================================

// CollectionInput is a batch of incoming donations.
type CollectionInput struct {
	Actor ActorID
	Lines []Line
	Notes string

	// OccurredAt defaults to the protocol clock when zero.
	OccurredAt time.Time
}

// WithdrawalInput is a batch of outgoing goods.
type WithdrawalInput struct {
	Actor     ActorID
	Lines     []Line
	Recipient string
	Reason    string
	Notes     string

	OccurredAt time.Time
}

// CommitResult reports a successful write. AggregateStale warns that
// the post-write refresh failed and a subsequent read may be served
// from a rebuild instead of the warm cache.
type CommitResult struct {
	Header         HeaderID
	State          CommitState
	AggregateStale bool
}

// =============================================================================
// COMMIT PROTOCOL
// =============================================================================

type CommitProtocol struct {
	store EventStore
	items ItemDirectory
	agg   *Aggregator

	// now is swappable for tests.
	now func() time.Time
}

func NewCommitProtocol(store EventStore, items ItemDirectory, agg *Aggregator) *CommitProtocol {
	return &CommitProtocol{
		store: store,
		items: items,
		agg:   agg,
		now:   time.Now,
	}
}

// WithClock overrides the protocol clock. Tests only.
func (p *CommitProtocol) WithClock(now func() time.Time) *CommitProtocol {
	p.now = now
	return p
}

// SubmitCollection validates and persists a collection batch.
func (p *CommitProtocol) SubmitCollection(ctx context.Context, in CollectionInput) (*CommitResult, error) {
	if err := p.validateLines(ctx, in.Lines); err != nil {
		return nil, err
	}

	// Stored instants are second-granularity; normalize before the
	// write so every backend and the reconciliation key agree.
	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = p.now()
	}
	occurredAt = occurredAt.UTC().Truncate(time.Second)

	header := Header{
		ID:          HeaderID(uuid.NewString()),
		Kind:        KindCollected,
		SubmittedBy: in.Actor,
		SubmittedAt: p.now().UTC(),
		Origin:      OriginManual,
		Notes:       in.Notes,
	}

	events := make([]Event, len(in.Lines))
	for i, line := range in.Lines {
		events[i] = Event{
			ID:         EventID(uuid.NewString()),
			Kind:       KindCollected,
			Header:     header.ID,
			Item:       line.Item,
			Quantity:   line.Quantity,
			OccurredAt: occurredAt,
			RecordedBy: in.Actor,
			Origin:     OriginManual,
			Notes:      in.Notes,
		}
	}

	return p.commit(ctx, header, events)
}

// SubmitWithdrawal validates (including stock sufficiency) and
// persists a withdrawal batch.
func (p *CommitProtocol) SubmitWithdrawal(ctx context.Context, in WithdrawalInput) (*CommitResult, error) {
	if err := p.validateLines(ctx, in.Lines); err != nil {
		return nil, err
	}

	// Stock-sufficiency: the whole batch is rejected if any single
	// line exceeds current stock. Requesting exactly the current stock
	// succeeds and drives it to zero.
	for _, line := range in.Lines {
		row, err := p.agg.CurrentStock(ctx, line.Item)
		if err != nil {
			return nil, err
		}
		if line.Quantity.GreaterThan(row.Stock) {
			return nil, &InsufficientStockError{
				Item:      line.Item,
				Requested: line.Quantity,
				Available: row.Stock,
				Shortfall: line.Quantity.Sub(row.Stock),
			}
		}
	}

	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = p.now()
	}
	occurredAt = occurredAt.UTC().Truncate(time.Second)

	header := Header{
		ID:          HeaderID(uuid.NewString()),
		Kind:        KindWithdrawn,
		SubmittedBy: in.Actor,
		SubmittedAt: p.now().UTC(),
		Origin:      OriginManual,
		Notes:       in.Notes,
	}

	events := make([]Event, len(in.Lines))
	for i, line := range in.Lines {
		events[i] = Event{
			ID:         EventID(uuid.NewString()),
			Kind:       KindWithdrawn,
			Header:     header.ID,
			Item:       line.Item,
			Quantity:   line.Quantity,
			OccurredAt: occurredAt,
			RecordedBy: in.Actor,
			Origin:     OriginManual,
			Recipient:  in.Recipient,
			Reason:     in.Reason,
			Notes:      in.Notes,
		}
	}

	return p.commit(ctx, header, events)
}

// =============================================================================
// VALIDATION - All in memory, before any write
// =============================================================================

func (p *CommitProtocol) validateLines(ctx context.Context, lines []Line) error {
	if len(lines) == 0 {
		return ErrEmptyBatch
	}

	seen := make(map[ItemID]bool, len(lines))
	for _, line := range lines {
		if !line.Quantity.IsPositive() {
			return &LineError{Item: line.Item, Err: ErrInvalidQuantity}
		}
		if seen[line.Item] {
			return &LineError{Item: line.Item, Err: ErrDuplicateLineItem}
		}
		seen[line.Item] = true

		info, err := p.items.Item(ctx, line.Item)
		if err != nil {
			return fmt.Errorf("%w: lookup item %s: %v", ErrStorage, line.Item, err)
		}
		if info == nil {
			return &LineError{Item: line.Item, Err: ErrUnknownItem}
		}
		if !info.Active {
			return &LineError{Item: line.Item, Err: ErrInactiveItem}
		}
	}
	return nil
}

// =============================================================================
// COMMIT - Native transaction when available, two-step otherwise
// =============================================================================

func (p *CommitProtocol) commit(ctx context.Context, header Header, events []Event) (*CommitResult, error) {
	if tx, ok := p.store.(TxEventStore); ok {
		err := tx.WithTx(ctx, func(s EventStore) error {
			if err := s.InsertHeader(ctx, header); err != nil {
				return err
			}
			return s.InsertEvents(ctx, events)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: commit batch %s: %v", ErrStorage, header.ID, err)
		}
		return p.finish(ctx, header.ID)
	}

	// Two-step path: Pending -> HeaderWritten -> LinesWritten, with the
	// compensating delete taking HeaderWritten -> RolledBack.
	if err := p.store.InsertHeader(ctx, header); err != nil {
		return nil, fmt.Errorf("%w: insert header %s: %v", ErrStorage, header.ID, err)
	}

	if err := p.store.InsertEvents(ctx, events); err != nil {
		// Compensating delete; the header must never be left orphaned.
		if rbErr := p.store.DeleteHeader(ctx, header.Kind, header.ID); rbErr != nil {
			return nil, &PartialWriteError{Header: header.ID, Cause: err, RollbackErr: rbErr}
		}
		return nil, &PartialWriteError{Header: header.ID, Cause: err}
	}

	return p.finish(ctx, header.ID)
}

func (p *CommitProtocol) finish(ctx context.Context, id HeaderID) (*CommitResult, error) {
	result := &CommitResult{Header: id, State: CommitCommitted}

	// Synchronous refresh: the caller that just wrote must not observe
	// a stale read. Events are the source of truth, so a refresh
	// failure leaves the write committed and only flags staleness.
	p.agg.MarkDirty()
	if err := p.agg.Rebuild(ctx); err != nil {
		result.AggregateStale = true
	}
	return result, nil
}
