// Package storage defines the persistence interfaces consumed by the
// budget engine. Implementations live in the memory and postgres
// subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/opengov/budgetcore/internal/domain/budget"
	"github.com/opengov/budgetcore/internal/domain/ledger"
	"github.com/opengov/budgetcore/internal/domain/notification"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrVersionConflict is returned when an update carries a stale version
// stamp. The caller should reload and retry or surface the conflict.
var ErrVersionConflict = errors.New("storage: version conflict")

// BudgetStore persists per-project budget records. UpdateBudget performs an
// optimistic version check: the stored version must match the incoming
// record's version, and the persisted record's version is incremented.
type BudgetStore interface {
	CreateBudget(ctx context.Context, rec budget.Record) (budget.Record, error)
	UpdateBudget(ctx context.Context, rec budget.Record) (budget.Record, error)
	GetBudget(ctx context.Context, projectRef string) (budget.Record, error)
	ListBudgets(ctx context.Context) ([]budget.Record, error)
}

// LedgerStore persists the append-only audit trail. Entries are never
// updated or deleted.
type LedgerStore interface {
	AppendLedgerEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error)
	ListLedgerEntries(ctx context.Context, projectRef string) ([]ledger.Entry, error)
}

// NotificationStore persists review notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n notification.Notification) (notification.Notification, error)
	UpdateNotification(ctx context.Context, n notification.Notification) (notification.Notification, error)
	GetNotification(ctx context.Context, id string) (notification.Notification, error)
	ListNotifications(ctx context.Context, projectRef string) ([]notification.Notification, error)
	// FindPendingNotification returns the pending notification of the
	// given (project, kind) created at or after since, if one exists.
	FindPendingNotification(ctx context.Context, projectRef string, kind notification.Kind, since time.Time) (notification.Notification, bool, error)
}
