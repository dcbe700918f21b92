package mail

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event kinds emitted at observable runtime transitions.
const (
	EventNewMessage         = "new_message"
	EventToolCall           = "tool_call"
	EventActionCall         = "action_call"
	EventActionComplete     = "action_complete"
	EventActionError        = "action_error"
	EventAgentError         = "agent_error"
	EventTaskComplete       = "task_complete"
	EventTaskError          = "task_error"
	EventBreakpointToolCall = "breakpoint_tool_call"
	EventPing               = "ping"
)

// Event is one record in a task's observable stream.
type Event struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Timestamp   time.Time      `json:"timestamp"`
	TaskID      string         `json:"task_id"`
	Description string         `json:"description"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// NewEvent stamps an event record.
func NewEvent(kind, taskID, description string, extra map[string]any) Event {
	return Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		Timestamp:   time.Now().UTC(),
		TaskID:      taskID,
		Description: description,
		Extra:       extra,
	}
}

const defaultRingCapacity = 1024

// EventRing is a bounded append-only buffer of events. On overflow the
// oldest entries are discarded and a drop counter is incremented.
type EventRing struct {
	mu      sync.RWMutex
	buf     []Event
	start   int
	count   int
	dropped int
}

func NewEventRing(capacity int) *EventRing {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &EventRing{buf: make([]Event, capacity)}
}

func (r *EventRing) Append(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == len(r.buf) {
		r.buf[r.start] = ev
		r.start = (r.start + 1) % len(r.buf)
		r.dropped++
		return
	}
	r.buf[(r.start+r.count)%len(r.buf)] = ev
	r.count++
}

// Snapshot returns the retained events in append order.
func (r *EventRing) Snapshot() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Event, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Dropped reports how many events have been discarded to overflow.
func (r *EventRing) Dropped() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

func (r *EventRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
