// Package ledger defines the append-only audit trail written for every
// mutating budget event. Entries are immutable once written.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChangeKind classifies the event a ledger entry records.
type ChangeKind string

const (
	KindSpending             ChangeKind = "spending"
	KindImport               ChangeKind = "import"
	KindManualAdjustment     ChangeKind = "manual-adjustment"
	KindQuarterChange        ChangeKind = "quarter-change"
	KindYearEndClosure       ChangeKind = "year-end-closure"
	KindNotificationCreated  ChangeKind = "notification-created"
	KindNotificationApproved ChangeKind = "notification-approved"
	KindNotificationRejected ChangeKind = "notification-rejected"
)

// Entry is one append-only ledger record. ActorRef is nil for system
// actions. DocumentRef links the expenditure document when one exists.
type Entry struct {
	ID             string          `json:"id"`
	ProjectRef     string          `json:"project_ref"`
	PreviousAmount decimal.Decimal `json:"previous_amount"`
	NewAmount      decimal.Decimal `json:"new_amount"`
	Kind           ChangeKind      `json:"kind"`
	Reason         string          `json:"reason,omitempty"`
	ActorRef       *string         `json:"actor_ref,omitempty"`
	DocumentRef    string          `json:"document_ref,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
