// Package transition implements the quarter transition processor: the
// cyclic state machine that advances a budget record's settled quarter,
// computing carry-forward across one or more steps, including synthetic
// catch-up steps after missed scheduler runs and year wraparound.
package transition

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opengov/budgetcore/internal/clock"
	"github.com/opengov/budgetcore/internal/domain/budget"
	"github.com/opengov/budgetcore/internal/domain/ledger"
	"github.com/opengov/budgetcore/internal/events"
	"github.com/opengov/budgetcore/internal/metrics"
	"github.com/opengov/budgetcore/internal/storage"
	"github.com/opengov/budgetcore/pkg/logger"
)

// Processor advances budget records through quarter transitions.
type Processor struct {
	budgets storage.BudgetStore
	ledger  storage.LedgerStore
	cal     clock.Calendar
	events  events.Log
	log     *logger.Logger
}

// New constructs a transition processor.
func New(budgets storage.BudgetStore, ledgerStore storage.LedgerStore, cal clock.Calendar, eventLog events.Log, log *logger.Logger) *Processor {
	if cal == nil {
		cal = clock.NewSystem(nil)
	}
	if eventLog == nil {
		eventLog = events.NoOp{}
	}
	if log == nil {
		log = logger.NewDefault("transition")
	}
	return &Processor{budgets: budgets, ledger: ledgerStore, cal: cal, events: eventLog, log: log}
}

// Compute builds the transition steps from the record's settled quarter to
// target without mutating anything. The first step subtracts the spending
// observed in the settled quarter; subsequent steps are synthetic catch-up
// for quarters the system never saw, so they assume zero spending rather
// than losing or double-counting balance.
func Compute(rec *budget.Record, target budget.Quarter) []budget.TransitionEntry {
	path := rec.SettledQuarter.PathTo(target)
	if len(path) == 0 {
		return nil
	}

	steps := make([]budget.TransitionEntry, 0, len(path))
	carried := rec.CarriedForward
	outgoing := rec.SettledQuarter

	for i, incoming := range path {
		allocation := rec.Allocation(outgoing)
		total := allocation.Add(carried)

		spent := decimal.Zero
		if i == 0 {
			spent = rec.CurrentQuarterSpent
		}

		unspent := total.Sub(spent)
		if unspent.IsNegative() {
			unspent = decimal.Zero
		}

		incomingAllocation := rec.Allocation(incoming)
		steps = append(steps, budget.TransitionEntry{
			OutgoingQuarter:    outgoing,
			OutgoingAllocation: allocation,
			CarriedIn:          carried,
			SpentApplied:       spent,
			CarriedOut:         unspent,
			IncomingQuarter:    incoming,
			IncomingAllocation: incomingAllocation,
			IncomingAvailable:  incomingAllocation.Add(unspent),
			Synthetic:          i > 0,
		})

		carried = unspent
		outgoing = incoming
	}
	return steps
}

// Advance moves the record's settled quarter to target, persisting the
// carry-forward result, the per-step transition history, one ledger entry
// summarising the whole jump, and a transition event. Calling it with the
// already-settled quarter is a no-op.
func (p *Processor) Advance(ctx context.Context, projectRef string, target budget.Quarter) (budget.Record, error) {
	if !target.Valid() {
		return budget.Record{}, fmt.Errorf("invalid target quarter %d", int(target))
	}

	rec, err := p.budgets.GetBudget(ctx, projectRef)
	if err != nil {
		return budget.Record{}, fmt.Errorf("load budget %s: %w", projectRef, err)
	}
	if rec.SettledQuarter == target {
		return rec, nil
	}

	now := p.cal.Now().UTC()
	steps := Compute(&rec, target)
	for i := range steps {
		steps[i].AppliedAt = now
	}

	previousCarried := rec.CarriedForward
	final := steps[len(steps)-1]

	rec.SettledQuarter = target
	rec.CurrentQuarterSpent = decimal.Zero
	rec.CarriedForward = final.CarriedOut
	rec.TransitionHistory = append(rec.TransitionHistory, steps...)

	updated, err := p.budgets.UpdateBudget(ctx, rec)
	if err != nil {
		return budget.Record{}, fmt.Errorf("persist transition for %s: %w", projectRef, err)
	}

	if _, err := p.ledger.AppendLedgerEntry(ctx, ledger.Entry{
		ProjectRef:     projectRef,
		PreviousAmount: previousCarried,
		NewAmount:      updated.CarriedForward,
		Kind:           ledger.KindQuarterChange,
		Reason:         fmt.Sprintf("quarter transition %s to %s (%d steps)", steps[0].OutgoingQuarter, target, len(steps)),
	}); err != nil {
		p.log.WithError(err).WithField("project_ref", projectRef).Warn("ledger append for transition failed")
	}

	metrics.Transitions.Inc()
	for _, step := range steps {
		metrics.TransitionSteps.WithLabelValues(fmt.Sprintf("%t", step.Synthetic)).Inc()
	}
	p.events.Record(events.Event{
		Type:       events.TypeTransitionApplied,
		ProjectRef: projectRef,
		Quarter:    target,
		Message:    fmt.Sprintf("settled quarter advanced to %s, carried forward %s", target, updated.CarriedForward.StringFixed(2)),
		Metadata: map[string]string{
			"from":            steps[0].OutgoingQuarter.String(),
			"steps":           fmt.Sprintf("%d", len(steps)),
			"carried_forward": updated.CarriedForward.String(),
		},
	})
	p.log.WithField("project_ref", projectRef).
		WithField("from", steps[0].OutgoingQuarter.String()).
		WithField("to", target.String()).
		WithField("carried_forward", updated.CarriedForward.String()).
		Info("quarter transition applied")
	return updated, nil
}

// Verify performs the transition computation without persisting anything.
// It is used by the mid-quarter verification pass and the startup
// self-check to surface drift for monitoring.
func (p *Processor) Verify(ctx context.Context, projectRef string, target budget.Quarter) ([]budget.TransitionEntry, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("invalid target quarter %d", int(target))
	}

	rec, err := p.budgets.GetBudget(ctx, projectRef)
	if err != nil {
		return nil, fmt.Errorf("load budget %s: %w", projectRef, err)
	}

	steps := Compute(&rec, target)
	if len(steps) > 0 {
		p.events.Record(events.Event{
			Type:       events.TypeVerifyDrift,
			Severity:   events.SeverityWarning,
			ProjectRef: projectRef,
			Quarter:    target,
			Message:    fmt.Sprintf("record lags current quarter by %d transition(s)", len(steps)),
		})
		p.log.WithField("project_ref", projectRef).
			WithField("settled", rec.SettledQuarter.String()).
			WithField("current", target.String()).
			WithField("pending_steps", len(steps)).
			Warn("budget record lags the calendar quarter")
	}
	return steps, nil
}
