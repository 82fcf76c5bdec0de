// Package scheduler drives the calendar-triggered batch runs: quarter
// rollover, mid-quarter verification, year-end closure and a startup
// self-check. Batches process records sequentially so carry-forward
// arithmetic stays deterministic and easy to audit; per-record failures
// are logged and never abort the batch.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opengov/budgetcore/internal/clock"
	"github.com/opengov/budgetcore/internal/events"
	"github.com/opengov/budgetcore/internal/metrics"
	"github.com/opengov/budgetcore/internal/services/closure"
	"github.com/opengov/budgetcore/internal/services/transition"
	"github.com/opengov/budgetcore/internal/storage"
	"github.com/opengov/budgetcore/internal/system"
	"github.com/opengov/budgetcore/pkg/logger"
)

// Config holds the cron expressions for the calendar triggers. The quarter
// trigger fires at the first instant of each calendar quarter; catch-up
// semantics in the transition processor make this equivalent to a
// last-instant trigger even across missed runs.
type Config struct {
	// QuarterSpec advances lagging records. Default: first instant of
	// each quarter.
	QuarterSpec string
	// VerifySpec runs the non-mutating drift check mid-quarter.
	VerifySpec string
	// ClosureSpec closes the just-ended year.
	ClosureSpec string
	// StartupCheckDelay is how long after Start the one-off
	// verification pass runs.
	StartupCheckDelay time.Duration
	// Location is the calendar location for the cron triggers.
	Location *time.Location
}

func (c *Config) applyDefaults() {
	if c.QuarterSpec == "" {
		c.QuarterSpec = "0 0 1 1,4,7,10 *"
	}
	if c.VerifySpec == "" {
		c.VerifySpec = "0 12 15 2,5,8,11 *"
	}
	if c.ClosureSpec == "" {
		c.ClosureSpec = "0 0 1 1 *"
	}
	if c.StartupCheckDelay <= 0 {
		c.StartupCheckDelay = 15 * time.Second
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// Scheduler owns the cron runner and the batch loops.
type Scheduler struct {
	budgets     storage.BudgetStore
	transitions *transition.Processor
	closures    *closure.Processor
	cal         clock.Calendar
	events      events.Log
	log         *logger.Logger
	cfg         Config

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Scheduler)(nil)

// New constructs the scheduler.
func New(budgets storage.BudgetStore, transitions *transition.Processor, closures *closure.Processor, cal clock.Calendar, eventLog events.Log, log *logger.Logger, cfg Config) *Scheduler {
	if cal == nil {
		cal = clock.NewSystem(cfg.Location)
	}
	if eventLog == nil {
		eventLog = events.NoOp{}
	}
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	cfg.applyDefaults()
	return &Scheduler{
		budgets:     budgets,
		transitions: transitions,
		closures:    closures,
		cal:         cal,
		events:      eventLog,
		log:         log,
		cfg:         cfg,
	}
}

func (s *Scheduler) Name() string { return "scheduler" }

// Start registers the cron entries and launches the startup self-check.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	runner := cron.New(cron.WithLocation(s.cfg.Location))

	// Closure is registered first so a shared fire time (Jan 1) closes
	// the old year before the Q1 rollover runs.
	if _, err := runner.AddFunc(s.cfg.ClosureSpec, func() { s.RunClosureBatch(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("closure trigger %q: %w", s.cfg.ClosureSpec, err)
	}
	if _, err := runner.AddFunc(s.cfg.QuarterSpec, func() { s.RunQuarterBatch(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("quarter trigger %q: %w", s.cfg.QuarterSpec, err)
	}
	if _, err := runner.AddFunc(s.cfg.VerifySpec, func() { s.RunVerifyBatch(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("verify trigger %q: %w", s.cfg.VerifySpec, err)
	}

	runner.Start()
	s.cron = runner
	s.cancel = cancel
	s.running = true

	// Startup self-check: one verification pass shortly after start to
	// surface configuration problems early.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-runCtx.Done():
		case <-time.After(s.cfg.StartupCheckDelay):
			s.RunVerifyBatch(runCtx)
		}
	}()

	s.log.WithField("quarter_spec", s.cfg.QuarterSpec).
		WithField("verify_spec", s.cfg.VerifySpec).
		WithField("closure_spec", s.cfg.ClosureSpec).
		Info("scheduler started")
	return nil
}

// Stop halts the cron runner. A running batch completes its queued record
// set; there is no cancellation protocol beyond context expiry.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	runner := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.running = false
	s.mu.Unlock()

	if runner != nil {
		stopCtx := runner.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

// RunQuarterBatch advances every record whose settled quarter lags the
// calendar's current quarter.
func (s *Scheduler) RunQuarterBatch(ctx context.Context) {
	target := s.cal.CurrentQuarter()
	start := time.Now()
	s.events.Record(events.Event{
		Type:    events.TypeBatchStarted,
		Quarter: target,
		Message: "quarter rollover batch started",
	})

	records, err := s.budgets.ListBudgets(ctx)
	if err != nil {
		s.log.WithError(err).Error("quarter batch: listing budgets failed")
		metrics.BatchFailures.WithLabelValues("quarter").Inc()
		return
	}

	var advanced, failed int
	for _, rec := range records {
		if rec.SettledQuarter == target {
			continue
		}
		if _, err := s.transitions.Advance(ctx, rec.ProjectRef, target); err != nil {
			failed++
			metrics.BatchFailures.WithLabelValues("quarter").Inc()
			s.log.WithError(err).WithField("project_ref", rec.ProjectRef).Error("quarter transition failed, batch continues")
			continue
		}
		advanced++
	}

	metrics.BatchRuns.WithLabelValues("quarter").Inc()
	metrics.BatchDuration.WithLabelValues("quarter").Observe(time.Since(start).Seconds())
	s.events.Record(events.Event{
		Type:    events.TypeBatchCompleted,
		Quarter: target,
		Message: fmt.Sprintf("quarter rollover batch: %d advanced, %d failed of %d records", advanced, failed, len(records)),
	})
	s.log.WithField("target", target.String()).
		WithField("advanced", advanced).
		WithField("failed", failed).
		Info("quarter rollover batch completed")
}

// RunVerifyBatch performs the non-mutating drift check over all records.
func (s *Scheduler) RunVerifyBatch(ctx context.Context) {
	target := s.cal.CurrentQuarter()
	start := time.Now()

	records, err := s.budgets.ListBudgets(ctx)
	if err != nil {
		s.log.WithError(err).Error("verify batch: listing budgets failed")
		metrics.BatchFailures.WithLabelValues("verify").Inc()
		return
	}

	var drifted int
	for _, rec := range records {
		steps, err := s.transitions.Verify(ctx, rec.ProjectRef, target)
		if err != nil {
			metrics.BatchFailures.WithLabelValues("verify").Inc()
			s.log.WithError(err).WithField("project_ref", rec.ProjectRef).Error("verification failed, batch continues")
			continue
		}
		if len(steps) > 0 {
			drifted++
		}
	}

	metrics.BatchRuns.WithLabelValues("verify").Inc()
	metrics.BatchDuration.WithLabelValues("verify").Observe(time.Since(start).Seconds())
	s.log.WithField("target", target.String()).
		WithField("records", len(records)).
		WithField("drifted", drifted).
		Info("verification batch completed")
}

// RunClosureBatch closes the just-ended year for every record. The closing
// year is taken from the instant before the trigger, so both a
// first-instant-of-January and a last-instant-of-December schedule close
// the same year.
func (s *Scheduler) RunClosureBatch(ctx context.Context) {
	year := s.cal.Now().AddDate(0, 0, -1).Year()
	start := time.Now()

	records, err := s.budgets.ListBudgets(ctx)
	if err != nil {
		s.log.WithError(err).Error("closure batch: listing budgets failed")
		metrics.BatchFailures.WithLabelValues("closure").Inc()
		return
	}

	var closed int
	for _, rec := range records {
		if _, err := s.closures.Close(ctx, rec.ProjectRef, year); err != nil {
			metrics.BatchFailures.WithLabelValues("closure").Inc()
			s.log.WithError(err).WithField("project_ref", rec.ProjectRef).Error("closure failed, batch continues")
			continue
		}
		closed++
	}

	metrics.BatchRuns.WithLabelValues("closure").Inc()
	metrics.BatchDuration.WithLabelValues("closure").Observe(time.Since(start).Seconds())
	s.log.WithField("year", year).
		WithField("closed", closed).
		WithField("records", len(records)).
		Info("year-end closure batch completed")
}
