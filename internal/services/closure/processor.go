// Package closure implements the year-end closure processor: it archives a
// record's cumulative spend under the closing year and resets the spend
// counters and quarter cursor for the new cycle. Fixed quarterly
// allocations are untouched; next year's reallocation is a separate
// administrative action.
package closure

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

// Processor performs annual closure of budget records.
type Processor struct {
	budgets storage.BudgetStore
	ledger  storage.LedgerStore
	cal     clock.Calendar
	events  events.Log
	log     *logger.Logger
}

// New constructs a closure processor.
func New(budgets storage.BudgetStore, ledgerStore storage.LedgerStore, cal clock.Calendar, eventLog events.Log, log *logger.Logger) *Processor {
	if cal == nil {
		cal = clock.NewSystem(nil)
	}
	if eventLog == nil {
		eventLog = events.NoOp{}
	}
	if log == nil {
		log = logger.NewDefault("closure")
	}
	return &Processor{budgets: budgets, ledger: ledgerStore, cal: cal, events: eventLog, log: log}
}

// Close archives the record's cumulative spend under year and resets the
// spend counters and the quarter cursor to Q1. A record with zero
// cumulative spend is skipped entirely: no state change, no ledger entry.
func (p *Processor) Close(ctx context.Context, projectRef string, year int) (budget.Record, error) {
	rec, err := p.budgets.GetBudget(ctx, projectRef)
	if err != nil {
		return budget.Record{}, fmt.Errorf("load budget %s: %w", projectRef, err)
	}

	if rec.CumulativeSpent.IsZero() {
		p.log.WithField("project_ref", projectRef).
			WithField("year", year).
			Debug("nothing to archive, closure skipped")
		return rec, nil
	}

	archived := rec.CumulativeSpent
	if rec.YearArchive == nil {
		rec.YearArchive = make(map[int]decimal.Decimal)
	}
	rec.YearArchive[year] = archived
	rec.CumulativeSpent = decimal.Zero
	rec.CurrentQuarterSpent = decimal.Zero
	rec.SettledQuarter = budget.Q1

	updated, err := p.budgets.UpdateBudget(ctx, rec)
	if err != nil {
		return budget.Record{}, fmt.Errorf("persist closure for %s: %w", projectRef, err)
	}

	if _, err := p.ledger.AppendLedgerEntry(ctx, ledger.Entry{
		ProjectRef:     projectRef,
		PreviousAmount: archived,
		NewAmount:      decimal.Zero,
		Kind:           ledger.KindYearEndClosure,
		Reason:         fmt.Sprintf("year %d closed, archived spend %s", year, archived.StringFixed(2)),
	}); err != nil {
		p.log.WithError(err).WithField("project_ref", projectRef).Warn("ledger append for closure failed")
	}

	metrics.Closures.Inc()
	p.events.Record(events.Event{
		Type:       events.TypeClosureApplied,
		ProjectRef: projectRef,
		Year:       year,
		Message:    fmt.Sprintf("year %d closed, archived %s", year, archived.StringFixed(2)),
	})
	p.log.WithField("project_ref", projectRef).
		WithField("year", year).
		WithField("archived", archived.String()).
		Info("year-end closure applied")
	return updated, nil
}
