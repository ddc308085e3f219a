package ledger_test

import (
	"context"
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

type dailyFixture struct {
	mem     *store.Memory
	catalog *catalog.MemoryStore
	agg     *ledger.Aggregator
	calc    *ledger.DailyCalculator
}

func newDailyFixture(t *testing.T, items ...string) *dailyFixture {
	t.Helper()
	mem := store.NewMemory()
	cat := catalog.NewMemoryStore()
	dir := catalog.NewDirectory(cat)
	agg := ledger.NewAggregator(mem, nil)

	for _, id := range items {
		require.NoError(t, cat.SaveItem(context.Background(), catalog.Item{
			ID:     ledger.ItemID(id),
			Name:   id,
			Unit:   "unit",
			Active: true,
		}))
	}

	return &dailyFixture{
		mem:     mem,
		catalog: cat,
		agg:     agg,
		calc:    ledger.NewDailyCalculator(mem, dir, agg),
	}
}

func at(day ledger.Date, hour int) time.Time {
	return day.Time.Add(time.Duration(hour) * time.Hour)
}

// =============================================================================
// RECURRENCE TESTS
// =============================================================================

func TestDailyBalances_OpeningPlusInMinusOut(t *testing.T) {
	// GIVEN: 100 widgets collected before the report window, then 50
	//        collected and 30 withdrawn on the report day
	// WHEN: Computing daily balances for that day
	// THEN: opening=100, collected=50, withdrawn=30, closing=120

	f := newDailyFixture(t, "widget")
	day := ledger.NewDate(2026, time.March, 10)
	before := ledger.NewDate(2026, time.March, 5)

	seedEvent(t, f.mem, ledger.KindCollected, "widget", 100, at(before, 9))
	seedEvent(t, f.mem, ledger.KindCollected, "widget", 50, at(day, 10))
	seedEvent(t, f.mem, ledger.KindWithdrawn, "widget", 30, at(day, 14))

	rows, err := f.calc.DailyBalances(context.Background(), day, day, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.True(t, row.Opening.Equal(ledger.QuantityFromInt(100)))
	assert.True(t, row.Collected.Equal(ledger.QuantityFromInt(50)))
	assert.True(t, row.Withdrawn.Equal(ledger.QuantityFromInt(30)))
	assert.True(t, row.Closing.Equal(ledger.QuantityFromInt(120)))
}

func TestDailyBalances_ClosingChainsToNextOpening(t *testing.T) {
	// GIVEN: Activity spread over three days, including a zero-activity
	//        middle day
	// WHEN: Computing the three-day report
	// THEN: opening(d+1) == closing(d) for every consecutive pair, and
	//       the quiet day still gets a row so the chain stays visible

	f := newDailyFixture(t, "rice")
	d1 := ledger.NewDate(2026, time.April, 1)
	d2 := d1.Next()
	d3 := d2.Next()

	seedEvent(t, f.mem, ledger.KindCollected, "rice", 20, at(d1, 9))
	seedEvent(t, f.mem, ledger.KindWithdrawn, "rice", 5, at(d1, 15))
	// d2: no activity
	seedEvent(t, f.mem, ledger.KindWithdrawn, "rice", 7, at(d3, 11))

	rows, err := f.calc.DailyBalances(context.Background(), d1, d3, nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.True(t, rows[0].Closing.Equal(ledger.QuantityFromInt(15)))
	assert.True(t, rows[1].Opening.Equal(rows[0].Closing))
	assert.True(t, rows[1].Closing.Equal(rows[1].Opening), "quiet day must not move the balance")
	assert.True(t, rows[2].Opening.Equal(rows[1].Closing))
	assert.True(t, rows[2].Closing.Equal(ledger.QuantityFromInt(8)))
}

func TestDailyBalances_SameDayEventsAggregate(t *testing.T) {
	// Multiple same-day events collapse into one row's sums.

	f := newDailyFixture(t, "water")
	day := ledger.NewDate(2026, time.May, 2)

	seedEvent(t, f.mem, ledger.KindCollected, "water", 10, at(day, 8))
	seedEvent(t, f.mem, ledger.KindCollected, "water", 15, at(day, 12))
	seedEvent(t, f.mem, ledger.KindWithdrawn, "water", 4, at(day, 16))

	rows, err := f.calc.DailyBalances(context.Background(), day, day, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Collected.Equal(ledger.QuantityFromInt(25)))
	assert.True(t, rows[0].Withdrawn.Equal(ledger.QuantityFromInt(4)))
	assert.True(t, rows[0].Closing.Equal(ledger.QuantityFromInt(21)))
}

func TestDailyBalances_EndBeforeStart_Rejected(t *testing.T) {
	f := newDailyFixture(t, "rice")
	day := ledger.NewDate(2026, time.March, 10)

	_, err := f.calc.DailyBalances(context.Background(), day, day.Prev(), nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidDateRange)
}

func TestDailyBalances_NegativeClosing_Emitted(t *testing.T) {
	// Withdrawals can exceed prior stock via imports; the negative
	// closing is emitted as-is.

	f := newDailyFixture(t, "rice")
	day := ledger.NewDate(2026, time.June, 1)

	seedEvent(t, f.mem, ledger.KindWithdrawn, "rice", 5, at(day, 10))

	rows, err := f.calc.DailyBalances(context.Background(), day, day, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Closing.Equal(ledger.QuantityFromInt(-5)))
}

// =============================================================================
// EMISSION POLICY TESTS
// =============================================================================

func TestDailyBalances_DormantZeroStockItem_Excluded(t *testing.T) {
	// GIVEN: An item with no events in range and zero current stock
	// WHEN: Computing the all-items report
	// THEN: It produces no rows

	f := newDailyFixture(t, "rice", "dormant")
	day := ledger.NewDate(2026, time.March, 10)

	seedEvent(t, f.mem, ledger.KindCollected, "rice", 5, at(day, 9))

	rows, err := f.calc.DailyBalances(context.Background(), day, day, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ledger.ItemID("rice"), rows[0].Item)
}

func TestDailyBalances_DormantNonzeroStockItem_Included(t *testing.T) {
	// GIVEN: An item whose only event is well before the window but
	//        whose stock is nonzero
	// WHEN: Computing the all-items report
	// THEN: It gets rows carrying the balance forward

	f := newDailyFixture(t, "blankets")
	day := ledger.NewDate(2026, time.March, 10)
	longAgo := ledger.NewDate(2026, time.January, 1)

	seedEvent(t, f.mem, ledger.KindCollected, "blankets", 12, at(longAgo, 9))

	rows, err := f.calc.DailyBalances(context.Background(), day, day, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Opening.Equal(ledger.QuantityFromInt(12)))
	assert.True(t, rows[0].Closing.Equal(ledger.QuantityFromInt(12)))
}

func TestDailyBalances_ExplicitItem_AlwaysEmitted(t *testing.T) {
	// A caller asking for one specific item gets its rows even with no
	// history at all.

	f := newDailyFixture(t, "rice")
	day := ledger.NewDate(2026, time.March, 10)
	item := ledger.ItemID("rice")

	rows, err := f.calc.DailyBalances(context.Background(), day, day, &item)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Opening.IsZero())
	assert.True(t, rows[0].Closing.IsZero())
}

func TestDailyBalances_ExplicitUnknownItem_Rejected(t *testing.T) {
	f := newDailyFixture(t)
	day := ledger.NewDate(2026, time.March, 10)
	item := ledger.ItemID("ghost")

	_, err := f.calc.DailyBalances(context.Background(), day, day, &item)
	assert.ErrorIs(t, err, ledger.ErrUnknownItem)
}

// =============================================================================
// ORDERING TESTS
// =============================================================================

func TestDailyBalances_SortedByDateThenName(t *testing.T) {
	f := newDailyFixture(t, "water", "rice")
	d1 := ledger.NewDate(2026, time.March, 10)
	d2 := d1.Next()

	seedEvent(t, f.mem, ledger.KindCollected, "water", 1, at(d1, 9))
	seedEvent(t, f.mem, ledger.KindCollected, "rice", 1, at(d1, 10))

	rows, err := f.calc.DailyBalances(context.Background(), d1, d2, nil)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, d1, rows[0].Date)
	assert.Equal(t, "rice", rows[0].ItemName)
	assert.Equal(t, d1, rows[1].Date)
	assert.Equal(t, "water", rows[1].ItemName)
	assert.Equal(t, d2, rows[2].Date)
	assert.Equal(t, "rice", rows[2].ItemName)
}
