// Package budget defines the per-project budget record and the quarterly
// state machine it carries. A record holds one annual cycle: the funding
// ceiling, the four fixed quarterly allocations, cumulative spending and the
// carry-forward balance computed at each quarter transition.
package budget

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record is the per-project budget state for one annual cycle. Monetary
// fields use decimal arithmetic so threshold comparisons are cent-exact.
type Record struct {
	// ProjectRef identifies the owning project. Immutable.
	ProjectRef string `json:"project_ref"`

	// AnnualCredit is the total funding ceiling for the year. Set by
	// import, never mutated by transitions.
	AnnualCredit decimal.Decimal `json:"annual_credit"`

	// QuarterAllocation holds the four fixed allocations, indexed by
	// quarter minus one. Transition and closure logic never rewrite
	// them; only an explicit reallocation import may.
	QuarterAllocation [4]decimal.Decimal `json:"quarter_allocation"`

	// AllocatedToDate is the cumulative allocation released so far.
	AllocatedToDate decimal.Decimal `json:"allocated_to_date"`

	// CumulativeSpent is the running total consumed by documents and
	// manual adjustments. Import never touches it.
	CumulativeSpent decimal.Decimal `json:"cumulative_spent"`

	// CurrentQuarterSpent is spending attributed to the settled quarter
	// since its last transition. Reset to zero at every transition.
	CurrentQuarterSpent decimal.Decimal `json:"current_quarter_spent"`

	// SettledQuarter is the most recent quarter for which carry-forward
	// has been fully computed and persisted.
	SettledQuarter Quarter `json:"settled_quarter"`

	// CarriedForward is the non-negative unspent balance rolled from the
	// previous quarter.
	CarriedForward decimal.Decimal `json:"carried_forward"`

	// TransitionHistory logs past quarter transitions in order.
	TransitionHistory []TransitionEntry `json:"transition_history,omitempty"`

	// YearArchive maps year to the cumulative spend archived at closure.
	YearArchive map[int]decimal.Decimal `json:"year_archive,omitempty"`

	// Version is the optimistic concurrency stamp maintained by the
	// store; updates with a stale version are rejected.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransitionEntry records the inputs and outputs of one quarter transition
// step for audit.
type TransitionEntry struct {
	OutgoingQuarter    Quarter         `json:"outgoing_quarter"`
	OutgoingAllocation decimal.Decimal `json:"outgoing_allocation"`
	CarriedIn          decimal.Decimal `json:"carried_in"`
	SpentApplied       decimal.Decimal `json:"spent_applied"`
	CarriedOut         decimal.Decimal `json:"carried_out"`
	IncomingQuarter    Quarter         `json:"incoming_quarter"`
	IncomingAllocation decimal.Decimal `json:"incoming_allocation"`
	IncomingAvailable  decimal.Decimal `json:"incoming_available"`
	// Synthetic marks catch-up steps processed for quarters the system
	// never observed; they assume zero spending.
	Synthetic bool      `json:"synthetic,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

// Snapshot is the derived read model for a record. It is recomputed on
// demand and never persisted as a source of truth.
type Snapshot struct {
	ProjectRef          string             `json:"project_ref"`
	AnnualCredit        decimal.Decimal    `json:"annual_credit"`
	AllocatedToDate     decimal.Decimal    `json:"allocated_to_date"`
	CumulativeSpent     decimal.Decimal    `json:"cumulative_spent"`
	CurrentQuarterSpent decimal.Decimal    `json:"current_quarter_spent"`
	SettledQuarter      Quarter            `json:"settled_quarter"`
	CarriedForward      decimal.Decimal    `json:"carried_forward"`
	QuarterAllocation   [4]decimal.Decimal `json:"quarter_allocation"`
	// QuarterAvailable is floored at zero for display. Comparisons in
	// the validation engine use the unfloored figure.
	QuarterAvailable decimal.Decimal `json:"quarter_available"`
	CapturedAt       time.Time       `json:"captured_at"`
}

// Allocation returns the fixed allocation of the given quarter.
func (r *Record) Allocation(q Quarter) decimal.Decimal {
	if !q.Valid() {
		return decimal.Zero
	}
	return r.QuarterAllocation[q-1]
}

// QuarterAvailable computes the unfloored quarter-available figure:
// the settled quarter's allocation plus carry-forward minus cumulative
// spending. Negative values are meaningful for validation.
func (r *Record) QuarterAvailable() decimal.Decimal {
	return r.Allocation(r.SettledQuarter).Add(r.CarriedForward).Sub(r.CumulativeSpent)
}

// QuarterBudget is the settled quarter's allocation plus carry-forward,
// before spending is subtracted.
func (r *Record) QuarterBudget() decimal.Decimal {
	return r.Allocation(r.SettledQuarter).Add(r.CarriedForward)
}

// Snapshot captures the derived read model at now.
func (r *Record) Snapshot(now time.Time) Snapshot {
	available := r.QuarterAvailable()
	if available.IsNegative() {
		available = decimal.Zero
	}
	return Snapshot{
		ProjectRef:          r.ProjectRef,
		AnnualCredit:        r.AnnualCredit,
		AllocatedToDate:     r.AllocatedToDate,
		CumulativeSpent:     r.CumulativeSpent,
		CurrentQuarterSpent: r.CurrentQuarterSpent,
		SettledQuarter:      r.SettledQuarter,
		CarriedForward:      r.CarriedForward,
		QuarterAllocation:   r.QuarterAllocation,
		QuarterAvailable:    available,
		CapturedAt:          now.UTC(),
	}
}

// Clone returns a deep copy so stores can hand out records without
// aliasing internal state.
func (r *Record) Clone() Record {
	out := *r
	out.TransitionHistory = append([]TransitionEntry(nil), r.TransitionHistory...)
	if r.YearArchive != nil {
		out.YearArchive = make(map[int]decimal.Decimal, len(r.YearArchive))
		for year, amount := range r.YearArchive {
			out.YearArchive[year] = amount
		}
	}
	return out
}
