package validation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengov/budgetcore/internal/clock"
	"github.com/opengov/budgetcore/internal/domain/budget"
	"github.com/opengov/budgetcore/internal/domain/notification"
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

type capturingNotifier struct {
	kinds []notification.Kind
}

func (c *capturingNotifier) Create(_ context.Context, _ string, kind notification.Kind, amount decimal.Decimal, _ budget.Snapshot, _ string, _ *string) (notification.Notification, error) {
	c.kinds = append(c.kinds, kind)
	return notification.Notification{Kind: kind, RequestedAmount: amount, Status: notification.StatusPending}, nil
}

func newEngine(t *testing.T) (*Engine, *memory.Store, *capturingNotifier) {
	t.Helper()
	store := memory.New()
	notifier := &capturingNotifier{}
	cal := clock.NewFixed(time.Date(2026, time.February, 10, 10, 0, 0, 0, time.UTC))
	return New(store, notifier, cal, events.NoOp{}, nil), store, notifier
}

func seedRecord(t *testing.T, store *memory.Store, rec budget.Record) {
	t.Helper()
	_, err := store.CreateBudget(context.Background(), rec)
	require.NoError(t, err)
}

func standardRecord() budget.Record {
	return budget.Record{
		ProjectRef:        "proj-1",
		AnnualCredit:      dec("10000"),
		AllocatedToDate:   dec("10000"),
		QuarterAllocation: [4]decimal.Decimal{dec("2500"), dec("2500"), dec("2500"), dec("2500")},
		SettledQuarter:    budget.Q1,
	}
}

func TestValidateRejectsNonPositiveAmount(t *testing.T) {
	engine, _, _ := newEngine(t)
	_, err := engine.Validate(context.Background(), "proj-1", decimal.Zero)
	assert.Error(t, err)
	_, err = engine.Validate(context.Background(), "proj-1", dec("-5"))
	assert.Error(t, err)
}

func TestValidateMissingRecordFailsOpen(t *testing.T) {
	engine, _, notifier := newEngine(t)

	decision, err := engine.Validate(context.Background(), "unknown", dec("100"))
	require.NoError(t, err, "a missing record must not fail the caller")
	assert.Equal(t, OutcomeWarning, decision.Outcome)
	assert.True(t, decision.Permitted())
	require.Len(t, notifier.kinds, 1)
	assert.Equal(t, notification.KindBudgetNotFound, notifier.kinds[0])
}

func TestValidateAnnualCreditBoundary(t *testing.T) {
	engine, store, notifier := newEngine(t)
	seedRecord(t, store, standardRecord())

	// Exactly the annual credit is still within funding.
	decision, err := engine.Validate(context.Background(), "proj-1", dec("10000"))
	require.NoError(t, err)
	assert.NotEqual(t, OutcomeBlocked, decision.Outcome)

	decision, err = engine.Validate(context.Background(), "proj-1", dec("10000.01"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, decision.Outcome)
	assert.Equal(t, notification.KindFundingRequired, decision.Kind)
	assert.False(t, decision.Permitted())
	assert.True(t, decision.Threshold.Equal(dec("10000")))
	assert.Contains(t, notifier.kinds, notification.KindFundingRequired)
}

func TestValidateReallocationBoundary(t *testing.T) {
	engine, store, notifier := newEngine(t)
	seedRecord(t, store, standardRecord())

	// 20% of allocated-to-date is 2000. Exactly at the limit passes.
	decision, err := engine.Validate(context.Background(), "proj-1", dec("2000"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAllowed, decision.Outcome)
	assert.Empty(t, notifier.kinds)

	decision, err = engine.Validate(context.Background(), "proj-1", dec("2000.01"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAllowedWithNotification, decision.Outcome)
	assert.Equal(t, notification.KindReallocationRequired, decision.Kind)
	assert.True(t, decision.Permitted(), "reallocation review does not block the spend")
	require.Len(t, notifier.kinds, 1)
}

func TestValidateQuarterExceeded(t *testing.T) {
	engine, store, _ := newEngine(t)
	rec := standardRecord()
	rec.CumulativeSpent = dec("2000")
	seedRecord(t, store, rec)

	// Quarter available: 2500 - 2000 = 500.
	decision, err := engine.Validate(context.Background(), "proj-1", dec("500"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAllowed, decision.Outcome)

	decision, err = engine.Validate(context.Background(), "proj-1", dec("500.01"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, decision.Outcome)
	assert.Equal(t, notification.KindQuarterExceeded, decision.Kind)
}

func TestValidateOverspentQuarterBlocks(t *testing.T) {
	// Available is negative; any request must still be blocked even
	// though the display snapshot floors at zero.
	engine, store, _ := newEngine(t)
	rec := standardRecord()
	rec.CumulativeSpent = dec("2600")
	seedRecord(t, store, rec)

	decision, err := engine.Validate(context.Background(), "proj-1", dec("1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, decision.Outcome)
	assert.Equal(t, notification.KindQuarterExceeded, decision.Kind)
	assert.True(t, decision.Threshold.IsNegative())
}

func TestValidateZeroQuarterBudgetSkipsQuarterRule(t *testing.T) {
	engine, store, _ := newEngine(t)
	rec := standardRecord()
	rec.QuarterAllocation = [4]decimal.Decimal{}
	rec.CarriedForward = decimal.Zero
	seedRecord(t, store, rec)

	// No quarter budget configured: only the annual and reallocation
	// rules apply.
	decision, err := engine.Validate(context.Background(), "proj-1", dec("1500"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAllowed, decision.Outcome)
}

func TestValidateRuleOrderAnnualBeforeQuarter(t *testing.T) {
	engine, store, _ := newEngine(t)
	rec := standardRecord()
	rec.AnnualCredit = dec("100")
	seedRecord(t, store, rec)

	// The amount violates both the annual credit and the quarter rule;
	// the annual rule wins.
	decision, err := engine.Validate(context.Background(), "proj-1", dec("5000"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, decision.Outcome)
	assert.Equal(t, notification.KindFundingRequired, decision.Kind)
}

func TestValidateCarryForwardExtendsQuarter(t *testing.T) {
	engine, store, _ := newEngine(t)
	rec := standardRecord()
	rec.SettledQuarter = budget.Q2
	rec.CarriedForward = dec("1500")
	seedRecord(t, store, rec)

	// Quarter available: 2500 + 1500 = 4000, but 20% of allocated is
	// 2000, so only amounts up to 2000 pass silently.
	decision, err := engine.Validate(context.Background(), "proj-1", dec("2000"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAllowed, decision.Outcome)
	require.NotNil(t, decision.Snapshot)
	assert.True(t, decision.Snapshot.QuarterAvailable.Equal(dec("4000")))
}
