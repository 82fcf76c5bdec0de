// Package notification defines review notifications raised when an
// expenditure crosses a financial threshold and requires human approval.
package notification

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opengov/budgetcore/internal/domain/budget"
)

// Kind classifies why a notification was raised.
type Kind string

const (
	KindFundingRequired      Kind = "funding-required"
	KindReallocationRequired Kind = "reallocation-required"
	KindQuarterExceeded      Kind = "quarter-exceeded"
	KindBudgetNotFound       Kind = "budget-not-found"
)

// Status is the review lifecycle state. Approved and rejected are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// ErrInvalidTransition is returned when a status change is attempted from a
// non-pending state or to a non-terminal state.
var ErrInvalidTransition = errors.New("notification: invalid status transition")

// DedupWindow is how far back a pending notification of the same
// (project, kind) suppresses a duplicate in favour of an in-place update.
const DedupWindow = 24 * time.Hour

// Notification is a pending or reviewed threshold crossing. Snapshot is the
// budget state captured at creation (or last dedup refresh) time.
type Notification struct {
	ID              string          `json:"id"`
	ProjectRef      string          `json:"project_ref"`
	Kind            Kind            `json:"kind"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	Snapshot        budget.Snapshot `json:"snapshot"`
	Reason          string          `json:"reason,omitempty"`
	Status          Status          `json:"status"`
	ActorRef        *string         `json:"actor_ref,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Terminal reports whether the notification has been reviewed.
func (n *Notification) Terminal() bool {
	return n.Status == StatusApproved || n.Status == StatusRejected
}
