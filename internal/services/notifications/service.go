// Package notifications manages review notifications: creation with
// 24-hour deduplication, and the pending → approved/rejected review
// transition.
package notifications

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opengov/budgetcore/internal/clock"
	"github.com/opengov/budgetcore/internal/domain/budget"
	"github.com/opengov/budgetcore/internal/domain/ledger"
	"github.com/opengov/budgetcore/internal/domain/notification"
	"github.com/opengov/budgetcore/internal/events"
	"github.com/opengov/budgetcore/internal/metrics"
	"github.com/opengov/budgetcore/internal/storage"
	"github.com/opengov/budgetcore/pkg/logger"
)

// Service creates, deduplicates and reviews budget notifications.
type Service struct {
	store  storage.NotificationStore
	ledger storage.LedgerStore
	cal    clock.Calendar
	events events.Log
	log    *logger.Logger
}

// New constructs the notification service. A nil calendar defaults to the
// system clock; a nil event log discards events.
func New(store storage.NotificationStore, ledgerStore storage.LedgerStore, cal clock.Calendar, eventLog events.Log, log *logger.Logger) *Service {
	if cal == nil {
		cal = clock.NewSystem(nil)
	}
	if eventLog == nil {
		eventLog = events.NoOp{}
	}
	if log == nil {
		log = logger.NewDefault("notifications")
	}
	return &Service{store: store, ledger: ledgerStore, cal: cal, events: eventLog, log: log}
}

// Create raises a notification for a threshold crossing. A pending
// notification of the same (project, kind) created within the dedup window
// is updated in place instead of duplicated.
func (s *Service) Create(ctx context.Context, projectRef string, kind notification.Kind, amount decimal.Decimal, snapshot budget.Snapshot, reason string, actor *string) (notification.Notification, error) {
	now := s.cal.Now().UTC()
	since := now.Add(-notification.DedupWindow)

	existing, found, err := s.store.FindPendingNotification(ctx, projectRef, kind, since)
	if err != nil {
		return notification.Notification{}, fmt.Errorf("dedup lookup: %w", err)
	}
	if found {
		existing.RequestedAmount = amount
		existing.Snapshot = snapshot
		existing.Reason = reason
		updated, err := s.store.UpdateNotification(ctx, existing)
		if err != nil {
			return notification.Notification{}, fmt.Errorf("refresh notification: %w", err)
		}
		metrics.Notifications.WithLabelValues("deduplicated").Inc()
		s.log.WithField("notification_id", updated.ID).
			WithField("project_ref", projectRef).
			WithField("kind", string(kind)).
			Info("pending notification refreshed")
		return updated, nil
	}

	created, err := s.store.CreateNotification(ctx, notification.Notification{
		ProjectRef:      projectRef,
		Kind:            kind,
		RequestedAmount: amount,
		Snapshot:        snapshot,
		Reason:          reason,
		Status:          notification.StatusPending,
		ActorRef:        actor,
	})
	if err != nil {
		return notification.Notification{}, fmt.Errorf("create notification: %w", err)
	}

	// The ledger append is best-effort: the notification itself is
	// already persisted.
	if _, err := s.ledger.AppendLedgerEntry(ctx, ledger.Entry{
		ProjectRef:     projectRef,
		PreviousAmount: decimal.Zero,
		NewAmount:      amount,
		Kind:           ledger.KindNotificationCreated,
		Reason:         reason,
		ActorRef:       actor,
	}); err != nil {
		s.log.WithError(err).WithField("notification_id", created.ID).Warn("ledger append for notification failed")
	}

	metrics.Notifications.WithLabelValues("created").Inc()
	s.events.Record(events.Event{
		Type:       events.TypeNotificationCreated,
		ProjectRef: projectRef,
		Message:    fmt.Sprintf("%s notification raised for %s", kind, amount.StringFixed(2)),
		Metadata:   map[string]string{"kind": string(kind)},
	})
	s.log.WithField("notification_id", created.ID).
		WithField("project_ref", projectRef).
		WithField("kind", string(kind)).
		Info("notification created")
	return created, nil
}

// Transition moves a notification from pending to approved or rejected.
// Any other source or target status is an invalid transition. The review
// outcome is written to the ledger.
func (s *Service) Transition(ctx context.Context, id string, newStatus notification.Status, actor *string) (notification.Notification, error) {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return notification.Notification{}, err
	}
	if n.Status != notification.StatusPending {
		return notification.Notification{}, fmt.Errorf("%w: notification %s is %s", notification.ErrInvalidTransition, id, n.Status)
	}
	if newStatus != notification.StatusApproved && newStatus != notification.StatusRejected {
		return notification.Notification{}, fmt.Errorf("%w: target status %s", notification.ErrInvalidTransition, newStatus)
	}

	n.Status = newStatus
	n.ActorRef = actor
	updated, err := s.store.UpdateNotification(ctx, n)
	if err != nil {
		return notification.Notification{}, fmt.Errorf("update notification: %w", err)
	}

	entryKind := ledger.KindNotificationApproved
	if newStatus == notification.StatusRejected {
		entryKind = ledger.KindNotificationRejected
	}
	if _, err := s.ledger.AppendLedgerEntry(ctx, ledger.Entry{
		ProjectRef:     n.ProjectRef,
		PreviousAmount: n.RequestedAmount,
		NewAmount:      n.RequestedAmount,
		Kind:           entryKind,
		Reason:         fmt.Sprintf("%s notification %s", n.Kind, newStatus),
		ActorRef:       actor,
	}); err != nil {
		return notification.Notification{}, fmt.Errorf("ledger append for review: %w", err)
	}

	metrics.Notifications.WithLabelValues(string(newStatus)).Inc()
	s.events.Record(events.Event{
		Type:       events.TypeNotificationReviewed,
		ProjectRef: n.ProjectRef,
		Message:    fmt.Sprintf("%s notification %s", n.Kind, newStatus),
		Metadata:   map[string]string{"kind": string(n.Kind), "status": string(newStatus)},
	})
	s.log.WithField("notification_id", id).
		WithField("project_ref", n.ProjectRef).
		WithField("status", string(newStatus)).
		Info("notification reviewed")
	return updated, nil
}

// Get fetches a notification by ID.
func (s *Service) Get(ctx context.Context, id string) (notification.Notification, error) {
	return s.store.GetNotification(ctx, id)
}

// List lists notifications, optionally filtered by project.
func (s *Service) List(ctx context.Context, projectRef string) ([]notification.Notification, error) {
	return s.store.ListNotifications(ctx, projectRef)
}
