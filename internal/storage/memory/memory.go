// Package memory provides a thread-safe in-memory implementation of the
// storage interfaces. It is intended for tests and prototyping and
// deliberately keeps the implementation simple.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opengov/budgetcore/internal/domain/budget"
	"github.com/opengov/budgetcore/internal/domain/ledger"
	"github.com/opengov/budgetcore/internal/domain/notification"
	"github.com/opengov/budgetcore/internal/storage"
)

// Store is an in-memory implementation of every storage interface.
type Store struct {
	mu            sync.RWMutex
	budgets       map[string]budget.Record
	entries       []ledger.Entry
	notifications map[string]notification.Notification
}

var _ storage.BudgetStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.NotificationStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		budgets:       make(map[string]budget.Record),
		notifications: make(map[string]notification.Notification),
	}
}

// BudgetStore implementation -------------------------------------------------

func (s *Store) CreateBudget(_ context.Context, rec budget.Record) (budget.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.budgets[rec.ProjectRef]; exists {
		return budget.Record{}, storage.ErrVersionConflict
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Version = 1

	s.budgets[rec.ProjectRef] = rec.Clone()
	return rec.Clone(), nil
}

func (s *Store) UpdateBudget(_ context.Context, rec budget.Record) (budget.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.budgets[rec.ProjectRef]
	if !ok {
		return budget.Record{}, storage.ErrNotFound
	}
	if original.Version != rec.Version {
		return budget.Record{}, storage.ErrVersionConflict
	}

	rec.CreatedAt = original.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	rec.Version = original.Version + 1

	s.budgets[rec.ProjectRef] = rec.Clone()
	return rec.Clone(), nil
}

func (s *Store) GetBudget(_ context.Context, projectRef string) (budget.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.budgets[projectRef]
	if !ok {
		return budget.Record{}, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) ListBudgets(_ context.Context) ([]budget.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]budget.Record, 0, len(s.budgets))
	for _, rec := range s.budgets {
		result = append(result, rec.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ProjectRef < result[j].ProjectRef
	})
	return result, nil
}

// LedgerStore implementation -------------------------------------------------

func (s *Store) AppendLedgerEntry(_ context.Context, entry ledger.Entry) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *Store) ListLedgerEntries(_ context.Context, projectRef string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ledger.Entry, 0)
	for _, entry := range s.entries {
		if projectRef == "" || entry.ProjectRef == projectRef {
			result = append(result, entry)
		}
	}
	return result, nil
}

// NotificationStore implementation -------------------------------------------

func (s *Store) CreateNotification(_ context.Context, n notification.Notification) (notification.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	n.CreatedAt = now
	n.UpdatedAt = now

	s.notifications[n.ID] = n
	return n, nil
}

func (s *Store) UpdateNotification(_ context.Context, n notification.Notification) (notification.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.notifications[n.ID]
	if !ok {
		return notification.Notification{}, storage.ErrNotFound
	}

	n.CreatedAt = original.CreatedAt
	n.UpdatedAt = time.Now().UTC()

	s.notifications[n.ID] = n
	return n, nil
}

func (s *Store) GetNotification(_ context.Context, id string) (notification.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.notifications[id]
	if !ok {
		return notification.Notification{}, storage.ErrNotFound
	}
	return n, nil
}

func (s *Store) ListNotifications(_ context.Context, projectRef string) ([]notification.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]notification.Notification, 0)
	for _, n := range s.notifications {
		if projectRef == "" || n.ProjectRef == projectRef {
			result = append(result, n)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) FindPendingNotification(_ context.Context, projectRef string, kind notification.Kind, since time.Time) (notification.Notification, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range s.notifications {
		if n.ProjectRef == projectRef && n.Kind == kind && n.Status == notification.StatusPending && !n.CreatedAt.Before(since) {
			return n, true, nil
		}
	}
	return notification.Notification{}, false, nil
}
