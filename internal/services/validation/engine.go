// Package validation implements the budget validation engine: pure decision
// logic over a budget record and a requested expenditure amount, with a
// fail-open policy when the record is missing.
package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opengov/budgetcore/internal/clock"
	"github.com/opengov/budgetcore/internal/domain/budget"
	"github.com/opengov/budgetcore/internal/domain/notification"
	"github.com/opengov/budgetcore/internal/events"
	"github.com/opengov/budgetcore/internal/metrics"
	"github.com/opengov/budgetcore/internal/storage"
	"github.com/opengov/budgetcore/pkg/logger"
)

// Outcome is the validation verdict for a requested expenditure.
type Outcome string

const (
	// OutcomeAllowed permits the expenditure with no further action.
	OutcomeAllowed Outcome = "allowed"
	// OutcomeAllowedWithNotification permits the expenditure but raises
	// a review notification.
	OutcomeAllowedWithNotification Outcome = "allowed-with-notification"
	// OutcomeBlocked denies the expenditure.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeWarning permits the expenditure despite missing budget
	// metadata (fail-open).
	OutcomeWarning Outcome = "warning"
)

// reallocationShare is the fraction of allocated-to-date above which a
// single expenditure requires reallocation review.
var reallocationShare = decimal.NewFromFloat(0.20)

// Decision is the result of validating a requested amount. Threshold
// carries the numeric context of the matched rule so a blocked caller sees
// the limit it crossed.
type Decision struct {
	Outcome         Outcome           `json:"outcome"`
	Kind            notification.Kind `json:"kind,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	RequestedAmount decimal.Decimal   `json:"requested_amount"`
	Threshold       decimal.Decimal   `json:"threshold"`
	Snapshot        *budget.Snapshot  `json:"snapshot,omitempty"`
}

// Permitted reports whether the expenditure may proceed.
func (d Decision) Permitted() bool {
	return d.Outcome != OutcomeBlocked
}

// Notifier raises review notifications. Satisfied by the notifications
// service; failures are swallowed so validation never fails on its account.
type Notifier interface {
	Create(ctx context.Context, projectRef string, kind notification.Kind, amount decimal.Decimal, snapshot budget.Snapshot, reason string, actor *string) (notification.Notification, error)
}

// Engine evaluates the layered threshold ladder.
type Engine struct {
	budgets  storage.BudgetStore
	notifier Notifier
	cal      clock.Calendar
	events   events.Log
	log      *logger.Logger
}

// New constructs a validation engine. A nil notifier disables notification
// side effects (decisions are still computed).
func New(budgets storage.BudgetStore, notifier Notifier, cal clock.Calendar, eventLog events.Log, log *logger.Logger) *Engine {
	if cal == nil {
		cal = clock.NewSystem(nil)
	}
	if eventLog == nil {
		eventLog = events.NoOp{}
	}
	if log == nil {
		log = logger.NewDefault("validation")
	}
	return &Engine{budgets: budgets, notifier: notifier, cal: cal, events: eventLog, log: log}
}

// Validate evaluates the decision ladder for a requested amount. Rules are
// checked in fixed order and the first match wins:
//
//  1. amount above the annual credit: blocked, funding required.
//  2. amount above 20% of allocated-to-date (but within the annual
//     credit): allowed with a reallocation notification.
//  3. a positive quarter budget exists and the amount exceeds the
//     unfloored quarter-available figure: blocked, quarter exceeded.
//  4. otherwise allowed.
//
// A missing record never fails the caller: the decision is a warning that
// still permits the operation, because blocking document creation on absent
// budget metadata is worse than allowing an under-tracked spend.
func (e *Engine) Validate(ctx context.Context, projectRef string, amount decimal.Decimal) (Decision, error) {
	if !amount.IsPositive() {
		return Decision{}, fmt.Errorf("requested amount must be positive, got %s", amount)
	}

	rec, err := e.budgets.GetBudget(ctx, projectRef)
	if err != nil {
		reason := fmt.Sprintf("no budget record for project %s", projectRef)
		if !errors.Is(err, storage.ErrNotFound) {
			reason = fmt.Sprintf("budget lookup failed for project %s", projectRef)
			e.log.WithError(err).WithField("project_ref", projectRef).Error("budget lookup failed; failing open")
		}
		decision := Decision{
			Outcome:         OutcomeWarning,
			Kind:            notification.KindBudgetNotFound,
			Reason:          reason,
			RequestedAmount: amount,
		}
		e.notify(ctx, projectRef, decision, budget.Snapshot{ProjectRef: projectRef, CapturedAt: e.cal.Now().UTC()})
		e.events.Record(events.Event{
			Type:       events.TypeValidationWarned,
			Severity:   events.SeverityWarning,
			ProjectRef: projectRef,
			Message:    reason,
		})
		metrics.Validations.WithLabelValues(string(OutcomeWarning)).Inc()
		return decision, nil
	}

	snapshot := rec.Snapshot(e.cal.Now())
	decision := e.evaluate(&rec, amount)
	decision.Snapshot = &snapshot

	if decision.Outcome != OutcomeAllowed {
		e.notify(ctx, projectRef, decision, snapshot)
	}
	if decision.Outcome == OutcomeBlocked {
		e.events.Record(events.Event{
			Type:       events.TypeValidationBlocked,
			Severity:   events.SeverityWarning,
			ProjectRef: projectRef,
			Message:    decision.Reason,
			Metadata:   map[string]string{"kind": string(decision.Kind)},
		})
	}
	metrics.Validations.WithLabelValues(string(decision.Outcome)).Inc()
	return decision, nil
}

func (e *Engine) evaluate(rec *budget.Record, amount decimal.Decimal) Decision {
	if amount.GreaterThan(rec.AnnualCredit) {
		return Decision{
			Outcome:         OutcomeBlocked,
			Kind:            notification.KindFundingRequired,
			Reason:          fmt.Sprintf("requested %s exceeds annual credit %s", amount.StringFixed(2), rec.AnnualCredit.StringFixed(2)),
			RequestedAmount: amount,
			Threshold:       rec.AnnualCredit,
		}
	}

	reallocationLimit := rec.AllocatedToDate.Mul(reallocationShare)
	if amount.GreaterThan(reallocationLimit) {
		return Decision{
			Outcome:         OutcomeAllowedWithNotification,
			Kind:            notification.KindReallocationRequired,
			Reason:          fmt.Sprintf("requested %s exceeds 20%% of allocated-to-date (%s)", amount.StringFixed(2), reallocationLimit.StringFixed(2)),
			RequestedAmount: amount,
			Threshold:       reallocationLimit,
		}
	}

	// The quarter rule only applies when a quarter budget is configured.
	// The comparison uses the unfloored quarter-available figure so an
	// overspent quarter (negative available) still blocks.
	if rec.QuarterBudget().IsPositive() {
		available := rec.QuarterAvailable()
		if amount.GreaterThan(available) {
			return Decision{
				Outcome:         OutcomeBlocked,
				Kind:            notification.KindQuarterExceeded,
				Reason:          fmt.Sprintf("requested %s exceeds quarter available %s in %s", amount.StringFixed(2), available.StringFixed(2), rec.SettledQuarter),
				RequestedAmount: amount,
				Threshold:       available,
			}
		}
	}

	return Decision{Outcome: OutcomeAllowed, RequestedAmount: amount}
}

// notify raises the notification for a non-allowed decision. Failures are
// logged and swallowed: they must never fail the validation itself.
func (e *Engine) notify(ctx context.Context, projectRef string, decision Decision, snapshot budget.Snapshot) {
	if e.notifier == nil || decision.Kind == "" {
		return
	}
	if _, err := e.notifier.Create(ctx, projectRef, decision.Kind, decision.RequestedAmount, snapshot, decision.Reason, nil); err != nil {
		e.log.WithError(err).
			WithField("project_ref", projectRef).
			WithField("kind", string(decision.Kind)).
			Error("notification creation failed; decision unaffected")
	}
}
