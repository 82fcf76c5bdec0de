// Package events provides structured event logging for the budget engine.
// Events capture quarter transitions, year-end closures, blocked
// validations and scheduler batch outcomes; the broadcast hub subscribes to
// push them to connected clients, and a bounded ring buffer keeps recent
// history for diagnostics.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/opengov/budgetcore/internal/domain/budget"
)

// Type classifies the kind of engine event.
type Type string

const (
	// Lifecycle of a budget record
	TypeTransitionApplied Type = "transition.applied"
	TypeClosureApplied    Type = "closure.applied"

	// Validation outcomes worth surfacing
	TypeValidationBlocked Type = "validation.blocked"
	TypeValidationWarned  Type = "validation.warned"

	// Notification lifecycle
	TypeNotificationCreated  Type = "notification.created"
	TypeNotificationReviewed Type = "notification.reviewed"

	// Scheduler batches
	TypeBatchStarted   Type = "batch.started"
	TypeBatchCompleted Type = "batch.completed"
	TypeVerifyDrift    Type = "verify.drift"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one structured engine occurrence.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	ProjectRef string         `json:"project_ref,omitempty"`
	Quarter    budget.Quarter `json:"quarter,omitempty"`
	Year       int            `json:"year,omitempty"`

	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// String returns the JSON form.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler processes events as they occur.
type Handler func(Event)

// Log is the interface processors and the scheduler emit events through.
type Log interface {
	Record(event Event)
	Subscribe(handler Handler) func()
	Recent(n int) []Event
	RecentByProject(projectRef string, n int) []Event
}

// RingBuffer is a thread-safe circular buffer implementing Log.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers map[int64]Handler
	nextID   int64
}

var _ Log = (*RingBuffer)(nil)

// NewRingBuffer creates a buffer holding the most recent size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events:   make([]Event, size),
		size:     size,
		handlers: make(map[int64]Handler),
	}
}

// Record adds an event and notifies subscribers outside the lock.
func (rb *RingBuffer) Record(event Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if event.ID == "" {
		event.ID = event.Timestamp.Format("20060102150405.000000000")
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]Handler, 0, len(rb.handlers))
	for _, h := range rb.handlers {
		handlers = append(handlers, h)
	}
	rb.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// Subscribe registers a handler and returns an unsubscribe function.
func (rb *RingBuffer) Subscribe(handler Handler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers[id] = handler
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		delete(rb.handlers, id)
		rb.mu.Unlock()
	}
}

// Recent returns up to n events, newest first.
func (rb *RingBuffer) Recent(n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	if n > rb.count {
		n = rb.count
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		result[i] = rb.events[idx]
	}
	return result
}

// RecentByProject returns up to n events for one project, newest first.
func (rb *RingBuffer) RecentByProject(projectRef string, n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if rb.events[idx].ProjectRef == projectRef {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of buffered events.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// NoOp discards all events.
type NoOp struct{}

var _ Log = NoOp{}

func (NoOp) Record(Event)                        {}
func (NoOp) Subscribe(Handler) func()            { return func() {} }
func (NoOp) Recent(int) []Event                  { return nil }
func (NoOp) RecentByProject(string, int) []Event { return nil }
