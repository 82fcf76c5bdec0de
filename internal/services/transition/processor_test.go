package transition

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

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func evenAllocations(v string) [4]decimal.Decimal {
	return [4]decimal.Decimal{dec(v), dec(v), dec(v), dec(v)}
}

func newProcessor(t *testing.T) (*Processor, *memory.Store, *clock.Fixed) {
	t.Helper()
	store := memory.New()
	cal := clock.NewFixed(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC))
	return New(store, store, cal, events.NoOp{}, nil), store, cal
}

func seed(t *testing.T, store *memory.Store, rec budget.Record) {
	t.Helper()
	_, err := store.CreateBudget(context.Background(), rec)
	require.NoError(t, err)
}

func TestComputeSingleStepCarry(t *testing.T) {
	rec := budget.Record{
		QuarterAllocation:   evenAllocations("2500"),
		SettledQuarter:      budget.Q1,
		CurrentQuarterSpent: dec("1000"),
	}
	steps := Compute(&rec, budget.Q2)
	require.Len(t, steps, 1)

	step := steps[0]
	assert.Equal(t, budget.Q1, step.OutgoingQuarter)
	assert.Equal(t, budget.Q2, step.IncomingQuarter)
	assert.True(t, step.CarriedOut.Equal(dec("1500")))
	assert.True(t, step.IncomingAvailable.Equal(dec("4000")))
	assert.False(t, step.Synthetic)
}

func TestComputeCarryNeverNegative(t *testing.T) {
	rec := budget.Record{
		QuarterAllocation:   evenAllocations("2500"),
		SettledQuarter:      budget.Q1,
		CurrentQuarterSpent: dec("9000"),
	}
	steps := Compute(&rec, budget.Q2)
	require.Len(t, steps, 1)
	assert.True(t, steps[0].CarriedOut.IsZero(), "overspent quarter carries zero, got %s", steps[0].CarriedOut)
}

func TestComputeMultiQuarterCatchUp(t *testing.T) {
	// Spend only applies to the first step; synthetic steps assume zero
	// spending, so the unspent balance accumulates across them.
	rec := budget.Record{
		QuarterAllocation:   evenAllocations("2500"),
		SettledQuarter:      budget.Q1,
		CurrentQuarterSpent: dec("1000"),
	}
	steps := Compute(&rec, budget.Q3)
	require.Len(t, steps, 2)

	assert.False(t, steps[0].Synthetic)
	assert.True(t, steps[0].CarriedOut.Equal(dec("1500")))

	assert.True(t, steps[1].Synthetic)
	assert.True(t, steps[1].SpentApplied.IsZero())
	assert.True(t, steps[1].CarriedOut.Equal(dec("4000")))
	assert.True(t, steps[1].IncomingAvailable.Equal(dec("6500")))
}

func TestComputeWrapAcrossYear(t *testing.T) {
	rec := budget.Record{
		QuarterAllocation:   evenAllocations("1000"),
		SettledQuarter:      budget.Q4,
		CurrentQuarterSpent: dec("400"),
	}
	steps := Compute(&rec, budget.Q2)
	require.Len(t, steps, 2)
	assert.Equal(t, budget.Q1, steps[0].IncomingQuarter)
	assert.Equal(t, budget.Q2, steps[1].IncomingQuarter)
	// Q4: 1000 - 400 = 600; Q1 synthetic: 1000 + 600 = 1600 carried on.
	assert.True(t, steps[1].CarriedOut.Equal(dec("1600")))
}

func TestAdvancePersistsStateAndHistory(t *testing.T) {
	proc, store, _ := newProcessor(t)
	seed(t, store, budget.Record{
		ProjectRef:          "proj-1",
		QuarterAllocation:   evenAllocations("2500"),
		SettledQuarter:      budget.Q1,
		CumulativeSpent:     dec("1000"),
		CurrentQuarterSpent: dec("1000"),
	})

	updated, err := proc.Advance(context.Background(), "proj-1", budget.Q2)
	require.NoError(t, err)

	assert.Equal(t, budget.Q2, updated.SettledQuarter)
	assert.True(t, updated.CarriedForward.Equal(dec("1500")))
	assert.True(t, updated.CurrentQuarterSpent.IsZero(), "quarter spend resets at transition")
	assert.True(t, updated.CumulativeSpent.Equal(dec("1000")), "cumulative spend is untouched")
	require.Len(t, updated.TransitionHistory, 1)
	assert.False(t, updated.TransitionHistory[0].AppliedAt.IsZero())

	entries, err := store.ListLedgerEntries(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.KindQuarterChange, entries[0].Kind)
}

func TestAdvanceIsIdempotent(t *testing.T) {
	proc, store, _ := newProcessor(t)
	seed(t, store, budget.Record{
		ProjectRef:          "proj-1",
		QuarterAllocation:   evenAllocations("2500"),
		SettledQuarter:      budget.Q1,
		CurrentQuarterSpent: dec("1000"),
	})

	first, err := proc.Advance(context.Background(), "proj-1", budget.Q2)
	require.NoError(t, err)
	second, err := proc.Advance(context.Background(), "proj-1", budget.Q2)
	require.NoError(t, err)

	assert.True(t, first.CarriedForward.Equal(second.CarriedForward))
	assert.Len(t, second.TransitionHistory, 1, "repeat advance adds no steps")

	entries, err := store.ListLedgerEntries(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "repeat advance writes no ledger entry")
}

func TestAdvanceMultiStepMatchesSequential(t *testing.T) {
	// One Q1->Q4 jump must land on the same balance as advancing one
	// quarter at a time with no spending in between.
	jumpProc, jumpStore, _ := newProcessor(t)
	seqProc, seqStore, _ := newProcessor(t)
	start := budget.Record{
		ProjectRef:          "proj-1",
		QuarterAllocation:   evenAllocations("2500"),
		SettledQuarter:      budget.Q1,
		CumulativeSpent:     dec("1000"),
		CurrentQuarterSpent: dec("1000"),
	}
	seed(t, jumpStore, start)
	seed(t, seqStore, start)

	jumped, err := jumpProc.Advance(context.Background(), "proj-1", budget.Q3)
	require.NoError(t, err)

	_, err = seqProc.Advance(context.Background(), "proj-1", budget.Q2)
	require.NoError(t, err)
	stepped, err := seqProc.Advance(context.Background(), "proj-1", budget.Q3)
	require.NoError(t, err)

	assert.True(t, jumped.CarriedForward.Equal(stepped.CarriedForward),
		"jump carried %s, sequential carried %s", jumped.CarriedForward, stepped.CarriedForward)
	assert.Equal(t, len(stepped.TransitionHistory), len(jumped.TransitionHistory))
}

func TestAdvanceInvalidQuarter(t *testing.T) {
	proc, store, _ := newProcessor(t)
	seed(t, store, budget.Record{ProjectRef: "proj-1", SettledQuarter: budget.Q1})

	_, err := proc.Advance(context.Background(), "proj-1", budget.Quarter(9))
	assert.Error(t, err)
}

func TestVerifyReportsDriftWithoutMutating(t *testing.T) {
	proc, store, _ := newProcessor(t)
	log := events.NewRingBuffer(16)
	proc.events = log
	seed(t, store, budget.Record{
		ProjectRef:          "proj-1",
		QuarterAllocation:   evenAllocations("2500"),
		SettledQuarter:      budget.Q1,
		CurrentQuarterSpent: dec("1000"),
	})

	steps, err := proc.Verify(context.Background(), "proj-1", budget.Q3)
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	rec, err := store.GetBudget(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, budget.Q1, rec.SettledQuarter, "verify must not mutate")
	require.Len(t, log.Recent(10), 1)
	assert.Equal(t, events.TypeVerifyDrift, log.Recent(1)[0].Type)
}
