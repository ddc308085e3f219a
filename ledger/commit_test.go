package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relieftrack/ledger-engine/catalog"
	"github.com/relieftrack/ledger-engine/ledger"
	"github.com/relieftrack/ledger-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testEngine struct {
	mem      *store.Memory
	catalog  *catalog.MemoryStore
	agg      *ledger.Aggregator
	protocol *ledger.CommitProtocol
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	mem := store.NewMemory()
	cat := catalog.NewMemoryStore()
	dir := catalog.NewDirectory(cat)
	agg := ledger.NewAggregator(mem, mem)
	return &testEngine{
		mem:      mem,
		catalog:  cat,
		agg:      agg,
		protocol: ledger.NewCommitProtocol(mem, dir, agg),
	}
}

func (e *testEngine) addItem(t *testing.T, id, name string) {
	t.Helper()
	err := e.catalog.SaveItem(context.Background(), catalog.Item{
		ID:     ledger.ItemID(id),
		Name:   name,
		Unit:   "unit",
		Active: true,
	})
	require.NoError(t, err)
}

func (e *testEngine) collect(t *testing.T, item string, qty float64) {
	t.Helper()
	_, err := e.protocol.SubmitCollection(context.Background(), ledger.CollectionInput{
		Actor: "volunteer-1",
		Lines: []ledger.Line{{Item: ledger.ItemID(item), Quantity: ledger.NewQuantity(qty)}},
	})
	require.NoError(t, err)
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestSubmitCollection_EmptyBatch_Rejected(t *testing.T) {
	// GIVEN: A submission with no lines
	// WHEN: Submitting it
	// THEN: Rejected with ErrEmptyBatch; nothing is written

	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.protocol.SubmitCollection(ctx, ledger.CollectionInput{Actor: "v-1"})
	assert.ErrorIs(t, err, ledger.ErrEmptyBatch)

	events, err := e.mem.Query(ctx, ledger.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSubmitCollection_NonPositiveQuantity_Rejected(t *testing.T) {
	e := newTestEngine(t)
	e.addItem(t, "rice", "Rice 1kg")

	for _, qty := range []float64{0, -5} {
		_, err := e.protocol.SubmitCollection(context.Background(), ledger.CollectionInput{
			Actor: "v-1",
			Lines: []ledger.Line{{Item: "rice", Quantity: ledger.NewQuantity(qty)}},
		})
		assert.ErrorIs(t, err, ledger.ErrInvalidQuantity)
	}
}

func TestSubmitCollection_DuplicateLineItem_Rejected(t *testing.T) {
	// GIVEN: A batch listing rice twice
	// WHEN: Submitting it
	// THEN: The whole batch is rejected; no partial application

	e := newTestEngine(t)
	e.addItem(t, "rice", "Rice 1kg")
	ctx := context.Background()

	_, err := e.protocol.SubmitCollection(ctx, ledger.CollectionInput{
		Actor: "v-1",
		Lines: []ledger.Line{
			{Item: "rice", Quantity: ledger.QuantityFromInt(3)},
			{Item: "rice", Quantity: ledger.QuantityFromInt(2)},
		},
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateLineItem)

	var lineErr *ledger.LineError
	require.ErrorAs(t, err, &lineErr)
	assert.Equal(t, ledger.ItemID("rice"), lineErr.Item)

	events, err := e.mem.Query(ctx, ledger.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events, "rejected batch must not be partially applied")
}

func TestSubmitCollection_UnknownItem_Rejected(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.protocol.SubmitCollection(context.Background(), ledger.CollectionInput{
		Actor: "v-1",
		Lines: []ledger.Line{{Item: "ghost", Quantity: ledger.QuantityFromInt(1)}},
	})
	assert.ErrorIs(t, err, ledger.ErrUnknownItem)
}

func TestSubmitCollection_InactiveItem_Rejected(t *testing.T) {
	// GIVEN: A deactivated item
	// WHEN: Submitting a manual collection against it
	// THEN: Rejected; only historical imports may reference inactive items

	e := newTestEngine(t)
	e.addItem(t, "coats", "Winter Coats")
	ctx := context.Background()
	require.NoError(t, e.catalog.DeactivateItem(ctx, "coats"))

	_, err := e.protocol.SubmitCollection(ctx, ledger.CollectionInput{
		Actor: "v-1",
		Lines: []ledger.Line{{Item: "coats", Quantity: ledger.QuantityFromInt(5)}},
	})
	assert.ErrorIs(t, err, ledger.ErrInactiveItem)
}

// =============================================================================
// COMMIT TESTS
// =============================================================================

func TestSubmitCollection_WritesHeaderAndLines(t *testing.T) {
	// GIVEN: A two-line collection batch
	// WHEN: Submitting it
	// THEN: One header owns both line events and stock reflects the batch

	e := newTestEngine(t)
	e.addItem(t, "rice", "Rice 1kg")
	e.addItem(t, "water", "Bottled Water")
	ctx := context.Background()

	result, err := e.protocol.SubmitCollection(ctx, ledger.CollectionInput{
		Actor: "volunteer-1",
		Lines: []ledger.Line{
			{Item: "rice", Quantity: ledger.QuantityFromInt(10)},
			{Item: "water", Quantity: ledger.QuantityFromInt(24)},
		},
		Notes: "morning drive",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.CommitCommitted, result.State)
	assert.False(t, result.AggregateStale)

	header, err := e.mem.GetHeader(ctx, ledger.KindCollected, result.Header)
	require.NoError(t, err)
	require.NotNil(t, header)
	assert.Equal(t, ledger.ActorID("volunteer-1"), header.SubmittedBy)
	assert.Equal(t, ledger.OriginManual, header.Origin)

	events, err := e.mem.Query(ctx, ledger.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, result.Header, ev.Header)
		assert.Equal(t, ledger.KindCollected, ev.Kind)
	}

	row, err := e.agg.CurrentStock(ctx, "rice")
	require.NoError(t, err)
	assert.True(t, row.Stock.Equal(ledger.QuantityFromInt(10)))
}

func TestSubmitWithdrawal_ExactStock_Succeeds(t *testing.T) {
	// GIVEN: 10 units of rice in stock
	// WHEN: Withdrawing exactly 10
	// THEN: Succeeds and stock is driven to zero, not rejected

	e := newTestEngine(t)
	e.addItem(t, "rice", "Rice 1kg")
	e.collect(t, "rice", 10)
	ctx := context.Background()

	_, err := e.protocol.SubmitWithdrawal(ctx, ledger.WithdrawalInput{
		Actor:     "staff-1",
		Lines:     []ledger.Line{{Item: "rice", Quantity: ledger.QuantityFromInt(10)}},
		Recipient: "family-42",
	})
	require.NoError(t, err)

	row, err := e.agg.CurrentStock(ctx, "rice")
	require.NoError(t, err)
	assert.True(t, row.Stock.IsZero())
}

func TestSubmitWithdrawal_ExceedsStock_Rejected(t *testing.T) {
	// GIVEN: 10 units of rice in stock
	// WHEN: Withdrawing 10.01
	// THEN: Rejected with the exact shortfall reported

	e := newTestEngine(t)
	e.addItem(t, "rice", "Rice 1kg")
	e.collect(t, "rice", 10)

	_, err := e.protocol.SubmitWithdrawal(context.Background(), ledger.WithdrawalInput{
		Actor: "staff-1",
		Lines: []ledger.Line{{Item: "rice", Quantity: ledger.NewQuantity(10.01)}},
	})
	require.Error(t, err)

	var stockErr *ledger.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
	assert.Equal(t, ledger.ItemID("rice"), stockErr.Item)
	assert.True(t, stockErr.Shortfall.Equal(ledger.NewQuantity(0.01)))
}

func TestSubmitWithdrawal_OneBadLine_RejectsWholeBatch(t *testing.T) {
	// GIVEN: Enough rice but not enough water
	// WHEN: Withdrawing both in one batch
	// THEN: The whole batch is rejected; rice stock is untouched

	e := newTestEngine(t)
	e.addItem(t, "rice", "Rice 1kg")
	e.addItem(t, "water", "Bottled Water")
	e.collect(t, "rice", 10)
	e.collect(t, "water", 2)
	ctx := context.Background()

	_, err := e.protocol.SubmitWithdrawal(ctx, ledger.WithdrawalInput{
		Actor: "staff-1",
		Lines: []ledger.Line{
			{Item: "rice", Quantity: ledger.QuantityFromInt(5)},
			{Item: "water", Quantity: ledger.QuantityFromInt(3)},
		},
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)

	row, err := e.agg.CurrentStock(ctx, "rice")
	require.NoError(t, err)
	assert.True(t, row.Stock.Equal(ledger.QuantityFromInt(10)), "rice must be untouched")
}

func TestSubmitCollection_ExplicitOccurredAt_Preserved(t *testing.T) {
	e := newTestEngine(t)
	e.addItem(t, "rice", "Rice 1kg")
	ctx := context.Background()

	past := time.Date(2026, time.January, 15, 9, 30, 0, 0, time.UTC)
	_, err := e.protocol.SubmitCollection(ctx, ledger.CollectionInput{
		Actor:      "v-1",
		Lines:      []ledger.Line{{Item: "rice", Quantity: ledger.QuantityFromInt(1)}},
		OccurredAt: past,
	})
	require.NoError(t, err)

	events, err := e.mem.Query(ctx, ledger.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].OccurredAt.Equal(past))
}

func TestSubmitCollection_SubSecondOccurredAt_NormalizedToSecond(t *testing.T) {
	// Stored instants are second-granularity everywhere; sub-second
	// input is truncated on write so every backend stores the same
	// value.

	e := newTestEngine(t)
	e.addItem(t, "rice", "Rice 1kg")
	ctx := context.Background()

	precise := time.Date(2026, time.January, 15, 9, 30, 12, 345678901, time.UTC)
	_, err := e.protocol.SubmitCollection(ctx, ledger.CollectionInput{
		Actor:      "v-1",
		Lines:      []ledger.Line{{Item: "rice", Quantity: ledger.QuantityFromInt(1)}},
		OccurredAt: precise,
	})
	require.NoError(t, err)

	events, err := e.mem.Query(ctx, ledger.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].OccurredAt.Equal(precise.Truncate(time.Second)))
	assert.Zero(t, events[0].OccurredAt.Nanosecond())
}

// =============================================================================
// ROLLBACK TESTS - compensating delete on the two-step path
// =============================================================================

// faultStore injects failures into the line-insert and header-delete
// steps. It embeds Memory, so like Memory it is not a TxEventStore and
// forces the protocol onto the two-step path.
type faultStore struct {
	*store.Memory
	failInsertEvents bool
	failDeleteHeader bool
}

func (f *faultStore) InsertEvents(ctx context.Context, events []ledger.Event) error {
	if f.failInsertEvents {
		return errors.New("disk full")
	}
	return f.Memory.InsertEvents(ctx, events)
}

func (f *faultStore) DeleteHeader(ctx context.Context, kind ledger.EventKind, id ledger.HeaderID) error {
	if f.failDeleteHeader {
		return errors.New("disk full")
	}
	return f.Memory.DeleteHeader(ctx, kind, id)
}

func TestCommit_LineFailure_RollsBackHeader(t *testing.T) {
	// GIVEN: A store whose line insert fails
	// WHEN: Submitting a collection
	// THEN: The compensating delete removes the header; no orphan remains
	//       and stock is unchanged

	mem := store.NewMemory()
	faulty := &faultStore{Memory: mem, failInsertEvents: true}
	cat := catalog.NewMemoryStore()
	dir := catalog.NewDirectory(cat)
	agg := ledger.NewAggregator(faulty, nil)
	protocol := ledger.NewCommitProtocol(faulty, dir, agg)
	ctx := context.Background()

	require.NoError(t, cat.SaveItem(ctx, catalog.Item{ID: "rice", Name: "Rice", Unit: "unit", Active: true}))

	_, err := protocol.SubmitCollection(ctx, ledger.CollectionInput{
		Actor: "v-1",
		Lines: []ledger.Line{{Item: "rice", Quantity: ledger.QuantityFromInt(5)}},
	})
	require.Error(t, err)

	var partial *ledger.PartialWriteError
	require.ErrorAs(t, err, &partial)
	assert.False(t, partial.Orphaned(), "rollback succeeded, header must not be orphaned")

	// The header was deleted by the compensating rollback.
	empty, err := mem.EmptyHeaders(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	row, err := agg.CurrentStock(ctx, "rice")
	require.NoError(t, err)
	assert.True(t, row.Stock.IsZero())
}

func TestCommit_RollbackFailure_ReportsOrphan(t *testing.T) {
	// GIVEN: A store where both the line insert and the compensating
	//        delete fail
	// WHEN: Submitting a collection
	// THEN: The error reports the orphaned header for operator repair

	mem := store.NewMemory()
	faulty := &faultStore{Memory: mem, failInsertEvents: true, failDeleteHeader: true}
	cat := catalog.NewMemoryStore()
	dir := catalog.NewDirectory(cat)
	agg := ledger.NewAggregator(faulty, nil)
	protocol := ledger.NewCommitProtocol(faulty, dir, agg)
	ctx := context.Background()

	require.NoError(t, cat.SaveItem(ctx, catalog.Item{ID: "rice", Name: "Rice", Unit: "unit", Active: true}))

	_, err := protocol.SubmitCollection(ctx, ledger.CollectionInput{
		Actor: "v-1",
		Lines: []ledger.Line{{Item: "rice", Quantity: ledger.QuantityFromInt(5)}},
	})
	require.Error(t, err)

	var partial *ledger.PartialWriteError
	require.ErrorAs(t, err, &partial)
	assert.True(t, partial.Orphaned())
	assert.NotEmpty(t, partial.Header)

	// The orphan is visible to the integrity sweep.
	empty, err := mem.EmptyHeaders(ctx)
	require.NoError(t, err)
	require.Len(t, empty, 1)
	assert.Equal(t, partial.Header, empty[0].ID)
}

// =============================================================================
// CONCURRENT-WITHDRAWAL RACE - unguarded check-then-write
// =============================================================================

// gatedStore holds line writes back until released, letting two
// submissions validate against the same stock reading before either
// batch lands.
type gatedStore struct {
	*store.Memory
	held [][]ledger.Event
	open bool
}

func (g *gatedStore) InsertEvents(ctx context.Context, events []ledger.Event) error {
	if !g.open {
		g.held = append(g.held, events)
		return nil
	}
	return g.Memory.InsertEvents(ctx, events)
}

func (g *gatedStore) release(ctx context.Context) error {
	g.open = true
	for _, events := range g.held {
		if err := g.Memory.InsertEvents(ctx, events); err != nil {
			return err
		}
	}
	g.held = nil
	return nil
}

func TestSubmitWithdrawal_ConcurrentOversell_DrivesStockNegative(t *testing.T) {
	// GIVEN: 100 units of rice and two 60-unit withdrawals whose
	//        sufficiency checks both read stock before either write lands
	// WHEN: Both writes land
	// THEN: Stock is -20, surfaced not clamped

	mem := store.NewMemory()
	gated := &gatedStore{Memory: mem}
	cat := catalog.NewMemoryStore()
	dir := catalog.NewDirectory(cat)
	agg := ledger.NewAggregator(gated, nil)
	protocol := ledger.NewCommitProtocol(gated, dir, agg)
	ctx := context.Background()

	require.NoError(t, cat.SaveItem(ctx, catalog.Item{ID: "rice", Name: "Rice", Unit: "unit", Active: true}))
	seedEvent(t, mem, ledger.KindCollected, "rice", 100, time.Now().UTC().Add(-time.Hour))

	for i := 0; i < 2; i++ {
		_, err := protocol.SubmitWithdrawal(ctx, ledger.WithdrawalInput{
			Actor:     "staff-1",
			Lines:     []ledger.Line{{Item: "rice", Quantity: ledger.QuantityFromInt(60)}},
			Recipient: "family-42",
		})
		require.NoError(t, err, "each check read 100 in stock and passed")
	}

	require.NoError(t, gated.release(ctx))
	agg.MarkDirty()

	row, err := agg.CurrentStock(ctx, "rice")
	require.NoError(t, err)
	assert.True(t, row.Stock.IsNegative())
	assert.True(t, row.Stock.Equal(ledger.QuantityFromInt(-20)), "oversell must be surfaced, not clamped")
}
