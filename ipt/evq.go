package ipt

// DefaultEventDepth is the default bound of the pending-event queue. It
// reflects the most events a single packet may legally carry, not overall
// trace length: events drain before the engine advances past the packet
// that produced them.
const DefaultEventDepth = 8

// EventQueue is a bounded FIFO of decoded-but-not-yet-delivered events.
// It never silently drops an entry; enqueueing past the bound is an engine
// logic fault.
type EventQueue struct {
	events []Event
	head   int
	count  int
}

// NewEventQueue creates a queue bounded to depth entries. Non-positive
// depths select DefaultEventDepth.
func NewEventQueue(depth int) *EventQueue {
	if depth <= 0 {
		depth = DefaultEventDepth
	}
	return &EventQueue{events: make([]Event, depth)}
}

// IsEmpty reports whether no events are pending.
func (q *EventQueue) IsEmpty() bool {
	return q.count == 0
}

// Len returns the number of pending events.
func (q *EventQueue) Len() int {
	return q.count
}

// Enqueue appends an event, preserving arrival order. Returns ErrInternal
// if the queue is full.
func (q *EventQueue) Enqueue(ev Event) error {
	if q.count == len(q.events) {
		return ErrInternal
	}
	q.events[(q.head+q.count)%len(q.events)] = ev
	q.count++
	return nil
}

// Dequeue removes and returns the oldest pending event. The second return
// is false if the queue is empty.
func (q *EventQueue) Dequeue() (Event, bool) {
	if q.count == 0 {
		return Event{}, false
	}
	ev := q.events[q.head]
	q.head = (q.head + 1) % len(q.events)
	q.count--
	return ev, true
}

// Clear drops all pending events.
func (q *EventQueue) Clear() {
	q.head = 0
	q.count = 0
}
