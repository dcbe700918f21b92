package mail

import "container/heap"

// Priority assigns the scheduling tier for an envelope. Lower is more
// urgent. Sender identity dominates: system traffic preempts everything,
// then admin/user submissions, then agent traffic ordered by kind.
func Priority(m *Message) int {
	switch m.Sender.Kind {
	case AddressSystem:
		return 1
	case AddressAdmin, AddressUser:
		return 2
	}
	switch m.Kind {
	case KindInterrupt:
		return 3
	case KindBroadcast, KindTaskComplete:
		return 4
	default:
		return 5
	}
}

// messageQueue is a priority queue over envelopes. Ordering is tier,
// then timestamp (earlier first), then id, so dequeue order is fully
// deterministic. Not safe for concurrent use; the runtime serializes
// access under its mutex.
type messageQueue struct {
	items messageHeap
}

func newMessageQueue() *messageQueue {
	q := &messageQueue{}
	heap.Init(&q.items)
	return q
}

func (q *messageQueue) Push(m *Message) {
	heap.Push(&q.items, m)
}

func (q *messageQueue) Pop() *Message {
	if q.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*Message)
}

func (q *messageQueue) Len() int { return q.items.Len() }

// RemoveTask evicts every queued envelope for a task and returns them in
// dequeue order, preserving priority semantics when they are restored.
func (q *messageQueue) RemoveTask(taskID string) []*Message {
	var kept, removed messageHeap
	for _, m := range q.items {
		if m.TaskID == taskID {
			removed = append(removed, m)
		} else {
			kept = append(kept, m)
		}
	}
	q.items = kept
	heap.Init(&q.items)
	heap.Init(&removed)
	out := make([]*Message, 0, removed.Len())
	for removed.Len() > 0 {
		out = append(out, heap.Pop(&removed).(*Message))
	}
	return out
}

type messageHeap []*Message

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	pi, pj := Priority(h[i]), Priority(h[j])
	if pi != pj {
		return pi < pj
	}
	if !h[i].Timestamp.Equal(h[j].Timestamp) {
		return h[i].Timestamp.Before(h[j].Timestamp)
	}
	return h[i].ID < h[j].ID
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(*Message)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
