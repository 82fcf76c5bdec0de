// Package app wires the budget engine together: storage, the domain
// services, the scheduler, the broadcast hub and the HTTP server, all
// managed through the shared service lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/opengov/budgetcore/internal/broadcast"
	"github.com/opengov/budgetcore/internal/clock"
	"github.com/opengov/budgetcore/internal/config"
	"github.com/opengov/budgetcore/internal/events"
	"github.com/opengov/budgetcore/internal/httpapi"
	"github.com/opengov/budgetcore/internal/middleware"
	"github.com/opengov/budgetcore/internal/services/budgets"
	"github.com/opengov/budgetcore/internal/services/closure"
	"github.com/opengov/budgetcore/internal/services/notifications"
	"github.com/opengov/budgetcore/internal/services/scheduler"
	"github.com/opengov/budgetcore/internal/services/transition"
	"github.com/opengov/budgetcore/internal/services/validation"
	"github.com/opengov/budgetcore/internal/storage"
	"github.com/opengov/budgetcore/internal/storage/memory"
	"github.com/opengov/budgetcore/internal/system"
	"github.com/opengov/budgetcore/pkg/logger"
)

// Stores bundles the persistence dependencies. Nil fields default to a
// shared in-memory store, which keeps tests and local runs free of any
// database requirement.
type Stores struct {
	Budgets       storage.BudgetStore
	Ledger        storage.LedgerStore
	Notifications storage.NotificationStore
}

func (s *Stores) applyDefaults() {
	var shared *memory.Store
	ensure := func() *memory.Store {
		if shared == nil {
			shared = memory.New()
		}
		return shared
	}
	if s.Budgets == nil {
		s.Budgets = ensure()
	}
	if s.Ledger == nil {
		s.Ledger = ensure()
	}
	if s.Notifications == nil {
		s.Notifications = ensure()
	}
}

// Application is the assembled engine.
type Application struct {
	cfg *config.Config
	log *logger.Logger

	Events        events.Log
	Budgets       *budgets.Service
	Notifications *notifications.Service
	Validator     *validation.Engine
	Transitions   *transition.Processor
	Closures      *closure.Processor
	Scheduler     *scheduler.Scheduler
	Hub           *broadcast.Hub

	manager *system.Manager
}

// New builds the application from configuration and stores.
func New(cfg *config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.New(logger.LoggingConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
	}
	stores.applyDefaults()

	eventLog := events.NewRingBuffer(cfg.Events.BufferSize)
	cal := clock.NewSystem(cfg.Location())

	notificationSvc := notifications.New(stores.Notifications, stores.Ledger, cal, eventLog, log.WithField("component", "notifications"))
	validator := validation.New(stores.Budgets, notificationSvc, cal, eventLog, log.WithField("component", "validation"))
	transitions := transition.New(stores.Budgets, stores.Ledger, cal, eventLog, log.WithField("component", "transition"))
	closures := closure.New(stores.Budgets, stores.Ledger, cal, eventLog, log.WithField("component", "closure"))
	budgetSvc := budgets.New(stores.Budgets, stores.Ledger, validator, notificationSvc, cal, log.WithField("component", "budgets"))
	hub := broadcast.NewHub(eventLog, log.WithField("component", "broadcast"))

	app := &Application{
		cfg:           cfg,
		log:           log,
		Events:        eventLog,
		Budgets:       budgetSvc,
		Notifications: notificationSvc,
		Validator:     validator,
		Transitions:   transitions,
		Closures:      closures,
		Hub:           hub,
		manager:       system.NewManager(),
	}

	if err := app.manager.Register(hub); err != nil {
		return nil, err
	}

	if cfg.Scheduler.Enabled {
		app.Scheduler = scheduler.New(stores.Budgets, transitions, closures, cal, eventLog, log.WithField("component", "scheduler"), scheduler.Config{
			QuarterSpec:       cfg.Scheduler.QuarterSpec,
			VerifySpec:        cfg.Scheduler.VerifySpec,
			ClosureSpec:       cfg.Scheduler.ClosureSpec,
			StartupCheckDelay: cfg.Scheduler.StartupCheckDelay,
			Location:          cfg.Location(),
		})
		if err := app.manager.Register(app.Scheduler); err != nil {
			return nil, err
		}
	}

	handler := httpapi.New(budgetSvc, notificationSvc, validator, eventLog, hub, log.WithField("component", "httpapi"))
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      handler.Router(limiter),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	if err := app.manager.Register(&httpService{
		server:          server,
		shutdownTimeout: cfg.Server.ShutdownTimeout,
		log:             log.WithField("component", "http"),
	}); err != nil {
		return nil, err
	}

	return app, nil
}

// Start brings up all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop shuts services down in reverse registration order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// httpService adapts http.Server to the managed service lifecycle.
type httpService struct {
	server          *http.Server
	shutdownTimeout time.Duration
	log             *logger.Logger
}

var _ system.Service = (*httpService)(nil)

func (s *httpService) Name() string { return "http" }

func (s *httpService) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server terminated")
		}
	}()
	s.log.WithField("addr", s.server.Addr).Info("http server listening")
	return nil
}

func (s *httpService) Stop(ctx context.Context) error {
	shutdownCtx := ctx
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	return s.server.Shutdown(shutdownCtx)
}
