// Package clock supplies the calendar source the scheduler and processors
// consult for the current quarter and year. Tests substitute a fixed
// calendar to drive transitions deterministically.
package clock

import (
	"sync"
	"time"

	"github.com/opengov/budgetcore/internal/domain/budget"
)

// Calendar provides the current time, quarter and year.
type Calendar interface {
	Now() time.Time
	CurrentQuarter() budget.Quarter
	CurrentYear() int
}

// System is the wall-clock calendar in a fixed location.
type System struct {
	loc *time.Location
}

// NewSystem creates a system calendar. A nil location means UTC.
func NewSystem(loc *time.Location) *System {
	if loc == nil {
		loc = time.UTC
	}
	return &System{loc: loc}
}

func (s *System) Now() time.Time                 { return time.Now().In(s.loc) }
func (s *System) CurrentQuarter() budget.Quarter { return budget.QuarterOf(s.Now()) }
func (s *System) CurrentYear() int               { return s.Now().Year() }

// Fixed is a settable calendar for tests.
type Fixed struct {
	mu sync.RWMutex
	t  time.Time
}

// NewFixed creates a calendar frozen at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{t: t}
}

// Set moves the frozen time.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
}

func (f *Fixed) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.t
}

func (f *Fixed) CurrentQuarter() budget.Quarter { return budget.QuarterOf(f.Now()) }
func (f *Fixed) CurrentYear() int               { return f.Now().Year() }
