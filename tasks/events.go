package tasks

import (
	"sync/atomic"
	"time"
)

// EventKind identifies the type of a scheduler event.
type EventKind string

const (
	// EventFragmentChanged is raised for every fragment state or tag change.
	EventFragmentChanged EventKind = "fragment.changed"

	// EventTaskCompleted is raised when the last fragment becomes terminal.
	EventTaskCompleted EventKind = "task.completed"

	// EventTaskCreated is raised by a Container when it registers a task.
	EventTaskCreated EventKind = "task.created"

	// EventTaskEvicted is raised by a Container when it drops a task.
	EventTaskEvicted EventKind = "task.evicted"

	// EventDescriptionChanged is raised when a task description changes.
	EventDescriptionChanged EventKind = "task.description"
)

// Event describes a single change to a task.
type Event struct {
	Kind EventKind

	// Service is filled in by a Container; empty for bare tasks.
	Service string

	TaskID string
	JobID  string

	// Fragment is the fragment after the change (fragment.changed only).
	Fragment Fragment

	// Previous is the fragment state before the change (fragment.changed only).
	Previous FragmentState

	// Description is the new description (task.description only).
	Description string

	Time time.Time

	// Task is the task that raised the event. Listeners may call back into
	// it; delivery happens after the task lock is released.
	Task *Task
}

// Listener receives scheduler events.
type Listener interface {
	OnEvent(ev Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ev Event)

// OnEvent implements Listener.
func (f ListenerFunc) OnEvent(ev Event) {
	f(ev)
}

// Listeners fans a single event out to several listeners in order.
type Listeners []Listener

// OnEvent implements Listener.
func (ls Listeners) OnEvent(ev Event) {
	for _, l := range ls {
		if l != nil {
			l.OnEvent(ev)
		}
	}
}

// EventQueue is a Listener that buffers events on a channel for callers that
// prefer to poll. When the buffer is full new events are dropped.
type EventQueue struct {
	ch      chan Event
	dropped atomic.Uint64
	closed  atomic.Bool
}

// NewEventQueue creates a queue holding up to size events.
// Default: 256
func NewEventQueue(size int) *EventQueue {
	if size <= 0 {
		size = 256
	}
	return &EventQueue{ch: make(chan Event, size)}
}

// OnEvent implements Listener.
func (q *EventQueue) OnEvent(ev Event) {
	if q.closed.Load() {
		return
	}
	select {
	case q.ch <- ev:
	default:
		q.dropped.Add(1)
	}
}

// Events returns the channel of buffered events.
func (q *EventQueue) Events() <-chan Event {
	return q.ch
}

// Drain returns every event currently buffered without blocking.
func (q *EventQueue) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-q.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Dropped returns the number of events lost to a full buffer.
func (q *EventQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close stops accepting events. Buffered events remain readable.
func (q *EventQueue) Close() {
	q.closed.Store(true)
}
