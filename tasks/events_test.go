package tasks

import "testing"

func TestEventQueue(t *testing.T) {
	q := NewEventQueue(2)
	task := newTestTask(t, 3)
	task.Subscribe(q)

	task.Pick()
	task.Pick()
	task.Pick()

	if q.Dropped() != 1 {
		t.Errorf("Expected 1 dropped event, got %d", q.Dropped())
	}

	evs := q.Drain()
	if len(evs) != 2 {
		t.Fatalf("Expected 2 buffered events, got %d", len(evs))
	}
	if evs[0].Fragment.Index != 0 || evs[1].Fragment.Index != 1 {
		t.Errorf("Events out of order: %d, %d", evs[0].Fragment.Index, evs[1].Fragment.Index)
	}

	q.Close()
	f, _ := task.FragmentAt(0)
	task.UpdateFragment(f.ID, StateSuccess)
	if len(q.Drain()) != 0 {
		t.Error("Closed queue accepted an event")
	}
}

func TestListenersFanOut(t *testing.T) {
	var order []string
	ls := Listeners{
		ListenerFunc(func(Event) { order = append(order, "a") }),
		nil,
		ListenerFunc(func(Event) { order = append(order, "b") }),
	}
	ls.OnEvent(Event{Kind: EventTaskCreated})

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("Fan-out order = %v", order)
	}
}

func TestChangedEventCarriesPrevious(t *testing.T) {
	task := newTestTask(t, 1)
	q := NewEventQueue(0)
	task.Subscribe(q)

	f, _ := task.Pick()
	task.UpdateFragment(f.ID, StateFailure)

	evs := q.Drain()
	if len(evs) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(evs))
	}
	if evs[0].Previous != StatePending || evs[0].Fragment.State != StateWorking {
		t.Errorf("Claim event = %s -> %s", evs[0].Previous, evs[0].Fragment.State)
	}
	if evs[1].Previous != StateWorking || evs[1].Fragment.State != StateFailure {
		t.Errorf("Report event = %s -> %s", evs[1].Previous, evs[1].Fragment.State)
	}
	if evs[1].Task != task || evs[1].JobID != "job-1" {
		t.Error("Event should reference its task")
	}
}
