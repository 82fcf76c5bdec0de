package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengov/budgetcore/internal/clock"
	"github.com/opengov/budgetcore/internal/domain/budget"
	"github.com/opengov/budgetcore/internal/events"
	"github.com/opengov/budgetcore/internal/services/closure"
	"github.com/opengov/budgetcore/internal/services/transition"
	"github.com/opengov/budgetcore/internal/storage"
	"github.com/opengov/budgetcore/internal/storage/memory"
)

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

// faultyStore fails reads for one project to exercise batch isolation.
type faultyStore struct {
	storage.BudgetStore
	failRef string
}

func (f *faultyStore) GetBudget(ctx context.Context, projectRef string) (budget.Record, error) {
	if projectRef == f.failRef {
		return budget.Record{}, errors.New("simulated storage fault")
	}
	return f.BudgetStore.GetBudget(ctx, projectRef)
}

func seed(t *testing.T, store storage.BudgetStore, ref string, q budget.Quarter, spent string) {
	t.Helper()
	_, err := store.CreateBudget(context.Background(), budget.Record{
		ProjectRef:          ref,
		AnnualCredit:        dec("10000"),
		QuarterAllocation:   [4]decimal.Decimal{dec("2500"), dec("2500"), dec("2500"), dec("2500")},
		SettledQuarter:      q,
		CumulativeSpent:     dec(spent),
		CurrentQuarterSpent: dec(spent),
	})
	require.NoError(t, err)
}

func newScheduler(store storage.BudgetStore, ledger *memory.Store, cal clock.Calendar) *Scheduler {
	transitions := transition.New(store, ledger, cal, events.NoOp{}, nil)
	closures := closure.New(store, ledger, cal, events.NoOp{}, nil)
	return New(store, transitions, closures, cal, events.NoOp{}, nil, Config{})
}

func TestRunQuarterBatchAdvancesLaggingRecords(t *testing.T) {
	store := memory.New()
	cal := clock.NewFixed(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC))
	s := newScheduler(store, store, cal)

	seed(t, store, "proj-behind", budget.Q1, "1000")
	seed(t, store, "proj-current", budget.Q2, "0")

	s.RunQuarterBatch(context.Background())

	behind, err := store.GetBudget(context.Background(), "proj-behind")
	require.NoError(t, err)
	assert.Equal(t, budget.Q2, behind.SettledQuarter)
	assert.True(t, behind.CarriedForward.Equal(dec("1500")))

	current, err := store.GetBudget(context.Background(), "proj-current")
	require.NoError(t, err)
	assert.Equal(t, budget.Q2, current.SettledQuarter)
	assert.Empty(t, current.TransitionHistory, "already-current record is untouched")
}

func TestRunQuarterBatchIsolatesFailures(t *testing.T) {
	inner := memory.New()
	store := &faultyStore{BudgetStore: inner, failRef: "proj-bad"}
	cal := clock.NewFixed(time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC))
	s := newScheduler(store, inner, cal)

	seed(t, inner, "proj-bad", budget.Q1, "0")
	seed(t, inner, "proj-good", budget.Q1, "500")

	s.RunQuarterBatch(context.Background())

	good, err := inner.GetBudget(context.Background(), "proj-good")
	require.NoError(t, err)
	assert.Equal(t, budget.Q3, good.SettledQuarter, "failure of one record must not stop the batch")

	bad, err := inner.GetBudget(context.Background(), "proj-bad")
	require.NoError(t, err)
	assert.Equal(t, budget.Q1, bad.SettledQuarter)
}

func TestRunClosureBatchClosesJustEndedYear(t *testing.T) {
	store := memory.New()
	// Fires at the first instant of January: the year to close is the one
	// that ended the moment before.
	cal := clock.NewFixed(time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC))
	s := newScheduler(store, store, cal)

	seed(t, store, "proj-1", budget.Q4, "8000")

	s.RunClosureBatch(context.Background())

	rec, err := store.GetBudget(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Contains(t, rec.YearArchive, 2026)
	assert.True(t, rec.YearArchive[2026].Equal(dec("8000")))
	assert.True(t, rec.CumulativeSpent.IsZero())
	assert.Equal(t, budget.Q1, rec.SettledQuarter)
}

func TestRunVerifyBatchDoesNotMutate(t *testing.T) {
	store := memory.New()
	cal := clock.NewFixed(time.Date(2026, time.October, 2, 0, 0, 0, 0, time.UTC))
	s := newScheduler(store, store, cal)

	seed(t, store, "proj-1", budget.Q1, "100")

	s.RunVerifyBatch(context.Background())

	rec, err := store.GetBudget(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, budget.Q1, rec.SettledQuarter)
	assert.Empty(t, rec.TransitionHistory)
}

func TestStartStop(t *testing.T) {
	store := memory.New()
	cal := clock.NewFixed(time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC))
	s := newScheduler(store, store, cal)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "second start is a no-op")
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()), "second stop is a no-op")
}

func TestStartRejectsBadCronSpec(t *testing.T) {
	store := memory.New()
	transitions := transition.New(store, store, nil, events.NoOp{}, nil)
	closures := closure.New(store, store, nil, events.NoOp{}, nil)
	s := New(store, transitions, closures, nil, events.NoOp{}, nil, Config{QuarterSpec: "not a cron spec"})

	err := s.Start(context.Background())
	assert.Error(t, err)
}
