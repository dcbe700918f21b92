package mail

import "time"

type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskErrored   TaskStatus = "errored"
)

type taskResult struct {
	body string
	err  error
}

// Task tracks one unit of work across all messages exchanged for it.
// Owner is the instance the task was created on (format role:id@swarm)
// and is immutable; contributors grow as remote instances handle
// messages for the task. All fields are guarded by the runtime mutex.
type Task struct {
	ID           string
	Owner        string
	Contributors []string
	Status       TaskStatus
	StartedAt    time.Time

	// stash holds the task's queued envelopes while it is paused at a
	// breakpoint or completed; they are restored on resume.
	stash []*Message

	// breakpoints maps the calling agent name to its pending breakpoint
	// tool calls.
	breakpoints map[string][]ToolCall

	future   chan taskResult
	resolved bool

	ring     *EventRing
	messages []*Message

	subs    map[int]chan Event
	nextSub int
}

func newTask(id, owner string) *Task {
	t := &Task{
		ID:          id,
		Owner:       owner,
		Status:      TaskRunning,
		StartedAt:   time.Now().UTC(),
		breakpoints: make(map[string][]ToolCall),
		future:      make(chan taskResult, 1),
		ring:        NewEventRing(defaultRingCapacity),
		subs:        make(map[int]chan Event),
	}
	if owner != "" {
		t.Contributors = []string{owner}
	}
	return t
}

// AddContributor records a swarm instance that handled a message for
// the task. Set semantics: duplicates are ignored.
func (t *Task) AddContributor(id string) {
	for _, c := range t.Contributors {
		if c == id {
			return
		}
	}
	t.Contributors = append(t.Contributors, id)
}

// HasContributor reports membership in the contributor set.
func (t *Task) HasContributor(id string) bool {
	for _, c := range t.Contributors {
		if c == id {
			return true
		}
	}
	return false
}

// resolve completes the pending future exactly once. Later calls are
// no-ops and report false.
func (t *Task) resolve(body string, err error) bool {
	if t.resolved {
		return false
	}
	t.resolved = true
	t.future <- taskResult{body: body, err: err}
	return true
}

// rearm prepares the task for another submit_and_wait on the same id
// after a previous completion.
func (t *Task) rearm() {
	if t.resolved {
		t.future = make(chan taskResult, 1)
		t.resolved = false
	}
	t.Status = TaskRunning
}

func (t *Task) recordMessage(m *Message) {
	t.messages = append(t.messages, m)
}

func (t *Task) recordEvent(ev Event) {
	t.ring.Append(ev)
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (t *Task) subscribe(buffer int) (int, chan Event) {
	id := t.nextSub
	t.nextSub++
	ch := make(chan Event, buffer)
	t.subs[id] = ch
	return id, ch
}

func (t *Task) unsubscribe(id int) {
	if ch, ok := t.subs[id]; ok {
		delete(t.subs, id)
		close(ch)
	}
}

func (t *Task) closeSubscribers() {
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

// FilterMessagesByKind selects envelopes of one kind.
func FilterMessagesByKind(msgs []*Message, kind MessageKind) []*Message {
	var out []*Message
	for _, m := range msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// FilterMessagesByAgent selects envelopes sent or received by an agent.
func FilterMessagesByAgent(msgs []*Message, agent string) []*Message {
	var out []*Message
	for _, m := range msgs {
		if m.Sender.Name == agent {
			out = append(out, m)
			continue
		}
		for _, r := range m.AllRecipients() {
			if r.Name == agent || r.Name == AllAgents {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// FilterMessagesBySender selects envelopes from a sender kind, e.g. all
// system traffic.
func FilterMessagesBySender(msgs []*Message, kind AddressKind) []*Message {
	var out []*Message
	for _, m := range msgs {
		if m.Sender.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// Lifetime reports how long the task has been running.
func (t *Task) Lifetime() time.Duration {
	return time.Since(t.StartedAt)
}
