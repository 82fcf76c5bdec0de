// Package budgets manages budget records: registration, administrative
// imports, expenditure recording (through the validation engine) and
// explicit manual spend adjustments. It also exposes the derived snapshot
// read model used by reporting collaborators.
package budgets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opengov/budgetcore/internal/clock"
	"github.com/opengov/budgetcore/internal/domain/budget"
	"github.com/opengov/budgetcore/internal/domain/ledger"
	"github.com/opengov/budgetcore/internal/domain/notification"
	"github.com/opengov/budgetcore/internal/services/validation"
	"github.com/opengov/budgetcore/internal/storage"
	"github.com/opengov/budgetcore/pkg/logger"
)

// Reviewer resolves pending notifications. Satisfied by the notifications
// service.
type Reviewer interface {
	List(ctx context.Context, projectRef string) ([]notification.Notification, error)
	Transition(ctx context.Context, id string, newStatus notification.Status, actor *string) (notification.Notification, error)
}

// Service manages budget records and their ledger.
type Service struct {
	store     storage.BudgetStore
	ledger    storage.LedgerStore
	validator *validation.Engine
	reviewer  Reviewer
	cal       clock.Calendar
	log       *logger.Logger
}

// New constructs the budget service. A nil validator disables request-time
// validation (spends are applied unconditionally); a nil reviewer disables
// import-driven notification resolution.
func New(store storage.BudgetStore, ledgerStore storage.LedgerStore, validator *validation.Engine, reviewer Reviewer, cal clock.Calendar, log *logger.Logger) *Service {
	if cal == nil {
		cal = clock.NewSystem(nil)
	}
	if log == nil {
		log = logger.NewDefault("budgets")
	}
	return &Service{store: store, ledger: ledgerStore, validator: validator, reviewer: reviewer, cal: cal, log: log}
}

// Register creates a budget record settled at Q1 with zero counters.
func (s *Service) Register(ctx context.Context, projectRef string, annualCredit decimal.Decimal, allocations [4]decimal.Decimal) (budget.Record, error) {
	projectRef = strings.TrimSpace(projectRef)
	if projectRef == "" {
		return budget.Record{}, fmt.Errorf("project_ref is required")
	}
	if annualCredit.IsNegative() {
		return budget.Record{}, fmt.Errorf("annual credit cannot be negative")
	}
	for i, alloc := range allocations {
		if alloc.IsNegative() {
			return budget.Record{}, fmt.Errorf("allocation for Q%d cannot be negative", i+1)
		}
	}

	rec := budget.Record{
		ProjectRef:        projectRef,
		AnnualCredit:      annualCredit,
		QuarterAllocation: allocations,
		SettledQuarter:    budget.Q1,
	}
	created, err := s.store.CreateBudget(ctx, rec)
	if err != nil {
		return budget.Record{}, fmt.Errorf("create budget %s: %w", projectRef, err)
	}

	if _, err := s.ledger.AppendLedgerEntry(ctx, ledger.Entry{
		ProjectRef:     projectRef,
		PreviousAmount: decimal.Zero,
		NewAmount:      annualCredit,
		Kind:           ledger.KindImport,
		Reason:         "budget record registered",
	}); err != nil {
		s.log.WithError(err).WithField("project_ref", projectRef).Warn("ledger append for registration failed")
	}

	s.log.WithField("project_ref", projectRef).
		WithField("annual_credit", annualCredit.String()).
		Info("budget record registered")
	return created, nil
}

// ApplyImport applies an administrative import: annual credit, fixed
// quarterly allocations and allocated-to-date. Import never mutates
// cumulative spending; the historical variants that did are superseded
// (the explicit AdjustSpending operation exists for that purpose). A
// raised allocated-to-date resolves pending funding and reallocation
// notifications whose requested amount now fits.
func (s *Service) ApplyImport(ctx context.Context, projectRef string, annualCredit decimal.Decimal, allocations [4]decimal.Decimal, allocatedToDate decimal.Decimal, actor *string) (budget.Record, error) {
	rec, err := s.store.GetBudget(ctx, projectRef)
	if err != nil {
		return budget.Record{}, fmt.Errorf("load budget %s: %w", projectRef, err)
	}

	previousCredit := rec.AnnualCredit
	rec.AnnualCredit = annualCredit
	rec.QuarterAllocation = allocations
	rec.AllocatedToDate = allocatedToDate

	updated, err := s.store.UpdateBudget(ctx, rec)
	if err != nil {
		return budget.Record{}, fmt.Errorf("persist import for %s: %w", projectRef, err)
	}

	if _, err := s.ledger.AppendLedgerEntry(ctx, ledger.Entry{
		ProjectRef:     projectRef,
		PreviousAmount: previousCredit,
		NewAmount:      annualCredit,
		Kind:           ledger.KindImport,
		Reason:         "administrative import applied",
		ActorRef:       actor,
	}); err != nil {
		s.log.WithError(err).WithField("project_ref", projectRef).Warn("ledger append for import failed")
	}

	s.resolveSatisfied(ctx, &updated)

	s.log.WithField("project_ref", projectRef).
		WithField("annual_credit", annualCredit.String()).
		WithField("allocated_to_date", allocatedToDate.String()).
		Info("import applied")
	return updated, nil
}

// resolveSatisfied approves pending funding/reallocation notifications that
// the imported figures now satisfy. Failures are logged; the import itself
// already succeeded.
func (s *Service) resolveSatisfied(ctx context.Context, rec *budget.Record) {
	if s.reviewer == nil {
		return
	}
	pending, err := s.reviewer.List(ctx, rec.ProjectRef)
	if err != nil {
		s.log.WithError(err).WithField("project_ref", rec.ProjectRef).Warn("listing notifications after import failed")
		return
	}

	reallocationLimit := rec.AllocatedToDate.Mul(decimal.NewFromFloat(0.20))
	for _, n := range pending {
		if n.Status != notification.StatusPending {
			continue
		}
		satisfied := false
		switch n.Kind {
		case notification.KindFundingRequired:
			satisfied = !n.RequestedAmount.GreaterThan(rec.AnnualCredit)
		case notification.KindReallocationRequired:
			satisfied = !n.RequestedAmount.GreaterThan(reallocationLimit)
		}
		if !satisfied {
			continue
		}
		if _, err := s.reviewer.Transition(ctx, n.ID, notification.StatusApproved, nil); err != nil {
			s.log.WithError(err).WithField("notification_id", n.ID).Warn("resolving notification after import failed")
			continue
		}
		s.log.WithField("notification_id", n.ID).
			WithField("project_ref", rec.ProjectRef).
			WithField("kind", string(n.Kind)).
			Info("notification resolved by import")
	}
}

// RecordExpenditure validates the requested amount and, when permitted,
// applies it to the record's spend counters with a ledger entry linking
// the expenditure document. A blocked decision is returned without any
// mutation.
func (s *Service) RecordExpenditure(ctx context.Context, projectRef string, amount decimal.Decimal, documentRef string, actor *string) (validation.Decision, error) {
	if !amount.IsPositive() {
		return validation.Decision{}, fmt.Errorf("amount must be positive, got %s", amount)
	}

	decision := validation.Decision{Outcome: validation.OutcomeAllowed, RequestedAmount: amount}
	if s.validator != nil {
		var err error
		decision, err = s.validator.Validate(ctx, projectRef, amount)
		if err != nil {
			return validation.Decision{}, err
		}
	}
	if !decision.Permitted() {
		return decision, nil
	}

	rec, err := s.store.GetBudget(ctx, projectRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Fail-open: the expenditure proceeds untracked, the
			// warning decision already raised a notification.
			s.log.WithField("project_ref", projectRef).
				WithField("amount", amount.String()).
				Warn("expenditure permitted without budget record")
			return decision, nil
		}
		return validation.Decision{}, fmt.Errorf("load budget %s: %w", projectRef, err)
	}

	previousSpent := rec.CumulativeSpent
	rec.CumulativeSpent = rec.CumulativeSpent.Add(amount)
	rec.CurrentQuarterSpent = rec.CurrentQuarterSpent.Add(amount)

	if _, err := s.store.UpdateBudget(ctx, rec); err != nil {
		return validation.Decision{}, fmt.Errorf("persist expenditure for %s: %w", projectRef, err)
	}

	if _, err := s.ledger.AppendLedgerEntry(ctx, ledger.Entry{
		ProjectRef:     projectRef,
		PreviousAmount: previousSpent,
		NewAmount:      rec.CumulativeSpent,
		Kind:           ledger.KindSpending,
		Reason:         "expenditure recorded",
		ActorRef:       actor,
		DocumentRef:    documentRef,
	}); err != nil {
		s.log.WithError(err).WithField("project_ref", projectRef).Warn("ledger append for expenditure failed")
	}

	s.log.WithField("project_ref", projectRef).
		WithField("amount", amount.String()).
		WithField("outcome", string(decision.Outcome)).
		Info("expenditure recorded")
	return decision, nil
}

// AdjustSpending applies an explicit manual adjustment to cumulative
// spending. This is the separately-named operation replacing the legacy
// behaviour where imports silently mutated spend. The resulting cumulative
// spend may not go negative.
func (s *Service) AdjustSpending(ctx context.Context, projectRef string, delta decimal.Decimal, reason string, actor *string) (budget.Record, error) {
	if delta.IsZero() {
		return budget.Record{}, fmt.Errorf("adjustment delta cannot be zero")
	}

	rec, err := s.store.GetBudget(ctx, projectRef)
	if err != nil {
		return budget.Record{}, fmt.Errorf("load budget %s: %w", projectRef, err)
	}

	previousSpent := rec.CumulativeSpent
	newSpent := rec.CumulativeSpent.Add(delta)
	if newSpent.IsNegative() {
		return budget.Record{}, fmt.Errorf("adjustment would make cumulative spend negative (%s)", newSpent)
	}

	rec.CumulativeSpent = newSpent
	quarterSpent := rec.CurrentQuarterSpent.Add(delta)
	if quarterSpent.IsNegative() {
		quarterSpent = decimal.Zero
	}
	rec.CurrentQuarterSpent = quarterSpent

	updated, err := s.store.UpdateBudget(ctx, rec)
	if err != nil {
		return budget.Record{}, fmt.Errorf("persist adjustment for %s: %w", projectRef, err)
	}

	if _, err := s.ledger.AppendLedgerEntry(ctx, ledger.Entry{
		ProjectRef:     projectRef,
		PreviousAmount: previousSpent,
		NewAmount:      newSpent,
		Kind:           ledger.KindManualAdjustment,
		Reason:         reason,
		ActorRef:       actor,
	}); err != nil {
		s.log.WithError(err).WithField("project_ref", projectRef).Warn("ledger append for adjustment failed")
	}

	s.log.WithField("project_ref", projectRef).
		WithField("delta", delta.String()).
		Info("manual spend adjustment applied")
	return updated, nil
}

// Get fetches a budget record.
func (s *Service) Get(ctx context.Context, projectRef string) (budget.Record, error) {
	return s.store.GetBudget(ctx, projectRef)
}

// List lists all budget records.
func (s *Service) List(ctx context.Context) ([]budget.Record, error) {
	return s.store.ListBudgets(ctx)
}

// Snapshot returns the derived read model for a record, computed on
// demand. The persisted primitives are the source of truth; this value is
// never stored.
func (s *Service) Snapshot(ctx context.Context, projectRef string) (budget.Snapshot, error) {
	rec, err := s.store.GetBudget(ctx, projectRef)
	if err != nil {
		return budget.Snapshot{}, err
	}
	return rec.Snapshot(s.cal.Now()), nil
}

// History returns the ledger trail for a project.
func (s *Service) History(ctx context.Context, projectRef string) ([]ledger.Entry, error) {
	return s.ledger.ListLedgerEntries(ctx, projectRef)
}
