package closure

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengov/budgetcore/internal/clock"
	"github.com/opengov/budgetcore/internal/domain/budget"
	"github.com/opengov/budgetcore/internal/domain/ledger"
	"github.com/opengov/budgetcore/internal/events"
	"github.com/opengov/budgetcore/internal/storage/memory"
)

func newProcessor(t *testing.T) (*Processor, *memory.Store) {
	t.Helper()
	store := memory.New()
	cal := clock.NewFixed(time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC))
	return New(store, store, cal, events.NoOp{}, nil), store
}

func TestCloseArchivesAndResets(t *testing.T) {
	proc, store := newProcessor(t)
	_, err := store.CreateBudget(context.Background(), budget.Record{
		ProjectRef:          "proj-1",
		AnnualCredit:        decimal.NewFromInt(10000),
		CumulativeSpent:     decimal.NewFromInt(8000),
		CurrentQuarterSpent: decimal.NewFromInt(1200),
		SettledQuarter:      budget.Q4,
		CarriedForward:      decimal.NewFromInt(300),
	})
	require.NoError(t, err)

	updated, err := proc.Close(context.Background(), "proj-1", 2026)
	require.NoError(t, err)

	assert.True(t, updated.CumulativeSpent.IsZero())
	assert.True(t, updated.CurrentQuarterSpent.IsZero())
	assert.Equal(t, budget.Q1, updated.SettledQuarter)
	require.Contains(t, updated.YearArchive, 2026)
	assert.True(t, updated.YearArchive[2026].Equal(decimal.NewFromInt(8000)))
	assert.True(t, updated.AnnualCredit.Equal(decimal.NewFromInt(10000)), "allocations survive closure")

	entries, err := store.ListLedgerEntries(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.KindYearEndClosure, entries[0].Kind)
}

func TestCloseSkipsZeroSpend(t *testing.T) {
	proc, store := newProcessor(t)
	created, err := store.CreateBudget(context.Background(), budget.Record{
		ProjectRef:     "proj-1",
		SettledQuarter: budget.Q3,
	})
	require.NoError(t, err)

	updated, err := proc.Close(context.Background(), "proj-1", 2026)
	require.NoError(t, err)

	assert.Equal(t, created.Version, updated.Version, "skip must not write")
	assert.Equal(t, budget.Q3, updated.SettledQuarter)
	assert.Empty(t, updated.YearArchive)

	entries, err := store.ListLedgerEntries(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Empty(t, entries, "skipped closure writes no ledger entry")
}

func TestCloseSuccessiveYears(t *testing.T) {
	proc, store := newProcessor(t)
	_, err := store.CreateBudget(context.Background(), budget.Record{
		ProjectRef:      "proj-1",
		CumulativeSpent: decimal.NewFromInt(5000),
	})
	require.NoError(t, err)

	_, err = proc.Close(context.Background(), "proj-1", 2026)
	require.NoError(t, err)

	rec, err := store.GetBudget(context.Background(), "proj-1")
	require.NoError(t, err)
	rec.CumulativeSpent = decimal.NewFromInt(7000)
	_, err = store.UpdateBudget(context.Background(), rec)
	require.NoError(t, err)

	updated, err := proc.Close(context.Background(), "proj-1", 2027)
	require.NoError(t, err)

	assert.True(t, updated.YearArchive[2026].Equal(decimal.NewFromInt(5000)))
	assert.True(t, updated.YearArchive[2027].Equal(decimal.NewFromInt(7000)))
}
