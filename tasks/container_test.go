package tasks

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestContainerCreate(t *testing.T) {
	c := NewContainer()

	task, err := c.Create("render", "job-1", 3, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if task.Len() != 3 {
		t.Errorf("Expected 3 fragments, got %d", task.Len())
	}
	if c.Count("render") != 1 {
		t.Errorf("Expected 1 task, got %d", c.Count("render"))
	}

	got, ok := c.Get("render", task.ID())
	if !ok || got != task {
		t.Error("Get did not return the created task")
	}
	if _, ok := c.Get("other", task.ID()); ok {
		t.Error("Task must be scoped to its service")
	}
}

func TestContainerCreateErrors(t *testing.T) {
	c := NewContainer()

	if _, err := c.Create("", "job", 1, false); err != ErrInvalidService {
		t.Errorf("Expected ErrInvalidService, got %v", err)
	}
	if _, err := c.Create("svc", "job", 0, false); err != ErrInvalidFragmentCount {
		t.Errorf("Expected ErrInvalidFragmentCount, got %v", err)
	}
	if c.Count("svc") != 0 {
		t.Error("Failed create must not register anything")
	}
}

func TestContainerAddDuplicate(t *testing.T) {
	c := NewContainer()
	task := newTestTask(t, 1)

	if err := c.Add("svc", task, false); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := c.Add("svc", task, false); err != ErrTaskExists {
		t.Errorf("Expected ErrTaskExists, got %v", err)
	}
	if err := c.Add("svc", nil, false); err != ErrNilTask {
		t.Errorf("Expected ErrNilTask, got %v", err)
	}
}

func TestContainerAddDoneTask(t *testing.T) {
	c := NewContainer()
	task := newTestTask(t, 1)
	task.Cancel()

	if err := c.Add("svc", task, true); err != ErrTaskDone {
		t.Fatalf("Expected ErrTaskDone, got %v", err)
	}
	if c.Count("svc") != 0 {
		t.Error("Done task must not be registered with auto-evict")
	}

	if err := c.Add("svc", task, false); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if c.Count("svc") != 1 {
		t.Error("Done task should be registered without auto-evict")
	}
	if len(c.List("svc", 0)) != 0 {
		t.Error("List must skip done tasks")
	}
}

func TestContainerEventsUseTaskClock(t *testing.T) {
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	c := NewContainer(WithTaskOptions(WithClock(func() time.Time { return at })))
	rec := &recorder{}
	c.Subscribe(rec)

	task, err := c.Create("svc", "job", 1, true)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f, _ := task.Pick()
	task.UpdateFragment(f.ID, StateSuccess)

	for _, ev := range rec.all() {
		if ev.Kind != EventTaskCreated && ev.Kind != EventTaskEvicted {
			continue
		}
		if !ev.Time.Equal(at) {
			t.Errorf("%s at %v, want %v", ev.Kind, ev.Time, at)
		}
	}
	if rec.count(EventTaskEvicted) != 1 {
		t.Errorf("Expected 1 eviction event, got %d", rec.count(EventTaskEvicted))
	}
}

func TestContainerAutoEvict(t *testing.T) {
	c := NewContainer()
	rec := &recorder{}
	c.Subscribe(rec)

	task, _ := c.Create("svc", "job", 2, true)
	for {
		f, ok := task.Pick()
		if !ok {
			break
		}
		task.UpdateFragment(f.ID, StateSuccess)
	}

	if c.Count("svc") != 0 {
		t.Errorf("Expected task to be evicted, %d remain", c.Count("svc"))
	}
	if _, ok := c.Get("svc", task.ID()); ok {
		t.Error("Evicted task still reachable")
	}
	if n := rec.count(EventTaskEvicted); n != 1 {
		t.Errorf("Expected 1 eviction event, got %d", n)
	}

	// evicted tasks stay usable but the container no longer relays
	before := len(rec.all())
	f, _ := task.FragmentAt(0)
	task.UpdateFragment(f.ID, StateIgnored)
	if len(rec.all()) != before {
		t.Error("Container relayed an event after eviction")
	}
}

func TestContainerNoAutoEvict(t *testing.T) {
	c := NewContainer()
	task, _ := c.Create("svc", "job", 1, false)
	task.Cancel()

	if c.Count("svc") != 1 {
		t.Error("Task without auto-evict must stay registered")
	}
	if _, ok := c.First("svc"); ok {
		t.Error("First must skip done tasks")
	}
	if _, ok := c.Get("svc", task.ID()); !ok {
		t.Error("Get must still find a done task")
	}
}

func TestContainerEventOrder(t *testing.T) {
	c := NewContainer()
	rec := &recorder{}
	c.Subscribe(rec)

	task, _ := c.Create("svc", "job", 1, true)
	f, _ := task.Pick()
	task.UpdateFragment(f.ID, StateSuccess)

	want := []EventKind{
		EventTaskCreated,
		EventFragmentChanged,
		EventFragmentChanged,
		EventTaskCompleted,
		EventTaskEvicted,
	}
	evs := rec.all()
	if len(evs) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(evs))
	}
	for i, ev := range evs {
		if ev.Kind != want[i] {
			t.Errorf("Event %d = %s, want %s", i, ev.Kind, want[i])
		}
		if ev.Service != "svc" {
			t.Errorf("Event %d service = %q", i, ev.Service)
		}
		if ev.TaskID != task.ID() {
			t.Errorf("Event %d task = %q", i, ev.TaskID)
		}
	}
}

func TestContainerList(t *testing.T) {
	c := NewContainer()
	var ids []string
	for i := 0; i < 4; i++ {
		task, _ := c.Create("svc", "job", 1, false)
		ids = append(ids, task.ID())
	}

	all := c.List("svc", 0)
	if len(all) != 4 {
		t.Fatalf("Expected 4 tasks, got %d", len(all))
	}
	for i, task := range all {
		if task.ID() != ids[i] {
			t.Errorf("List[%d] = %s, want registration order", i, task.ID())
		}
	}

	if n := len(c.List("svc", 2)); n != 2 {
		t.Errorf("List with limit 2 returned %d", n)
	}
	if n := len(c.List("missing", 0)); n != 0 {
		t.Errorf("Unknown service returned %d tasks", n)
	}

	first, ok := c.First("svc")
	if !ok || first.ID() != ids[0] {
		t.Error("First should return the oldest active task")
	}
}

func TestContainerPick(t *testing.T) {
	c := NewContainer()
	a, _ := c.Create("svc", "job-a", 1, false)
	b, _ := c.Create("svc", "job-b", 2, false)

	task, f, ok := c.Pick("svc", nil)
	if !ok || task != a || f.Index != 0 {
		t.Fatalf("First pick should come from the oldest task")
	}

	task, _, ok = c.Pick("svc", nil)
	if !ok || task != b {
		t.Fatal("Second pick should fall through to the next task")
	}

	task, f, ok = c.Pick("svc", PickWith(ClaimTag("w1")))
	if !ok || task != b || f.Index != 1 || f.Tag != "w1" {
		t.Errorf("Tagged pick = %v %+v %v", task == b, f, ok)
	}

	if _, _, ok := c.Pick("svc", nil); ok {
		t.Error("Nothing should be claimable")
	}
	if _, _, ok := c.Pick("missing", nil); ok {
		t.Error("Unknown service should yield nothing")
	}
}

func TestContainerRemove(t *testing.T) {
	c := NewContainer()
	rec := &recorder{}
	c.Subscribe(rec)

	task, _ := c.Create("svc", "job", 1, false)
	if !c.Remove("svc", task.ID()) {
		t.Fatal("Remove failed")
	}
	if c.Remove("svc", task.ID()) {
		t.Error("Second Remove should report false")
	}
	if n := rec.count(EventTaskEvicted); n != 1 {
		t.Errorf("Expected 1 eviction event, got %d", n)
	}
	if len(c.Services()) != 0 {
		t.Errorf("Empty service should be dropped, got %v", c.Services())
	}
}

func TestContainerCancel(t *testing.T) {
	c := NewContainer()
	c.Create("svc", "job", 2, true)
	c.Create("svc", "job", 3, true)
	c.Create("other", "job", 1, true)

	if n := c.Cancel("svc"); n != 5 {
		t.Errorf("Cancel changed %d fragments, want 5", n)
	}
	if c.Count("svc") != 0 {
		t.Errorf("Cancelled auto-evict tasks should leave, %d remain", c.Count("svc"))
	}
	if c.Count("other") != 1 {
		t.Error("Cancel must not touch other services")
	}
}

func TestContainerServices(t *testing.T) {
	c := NewContainer()
	c.Create("zeta", "job", 1, false)
	c.Create("alpha", "job", 1, false)

	got := c.Services()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zeta" {
		t.Errorf("Services = %v", got)
	}
}

func TestContainerClose(t *testing.T) {
	c := NewContainer()
	rec := &recorder{}
	c.Subscribe(rec)

	task, _ := c.Create("svc", "job", 1, true)
	c.Close()
	before := len(rec.all())

	task.Cancel()
	if len(rec.all()) != before {
		t.Error("Closed container relayed events")
	}
	if c.Count("svc") != 0 {
		t.Error("Close should empty the registry")
	}
}

func TestContainerTaskOptions(t *testing.T) {
	n := 0
	gen := func() string {
		n++
		return "id-" + string(rune('a'+n-1))
	}
	c := NewContainer(WithTaskOptions(WithIDGenerator(gen)))

	task, err := c.Create("svc", "job", 2, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if task.ID() != "id-a" {
		t.Errorf("Task ID = %s, want id-a", task.ID())
	}
	if f, _ := task.FragmentAt(1); f.ID != "id-c" {
		t.Errorf("Fragment 1 ID = %s, want id-c", f.ID)
	}
}

func TestContainerConcurrentAutoEvict(t *testing.T) {
	c := NewContainer()
	var evictions atomic.Int32
	c.Subscribe(ListenerFunc(func(ev Event) {
		if ev.Kind == EventTaskEvicted {
			evictions.Add(1)
		}
	}))

	const tasks = 20
	for i := 0; i < tasks; i++ {
		if _, err := c.Create("svc", "job", 10, true); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, f, ok := c.Pick("svc", nil)
				if !ok {
					return
				}
				task.UpdateFragment(f.ID, StateSuccess)
			}
		}()
	}
	wg.Wait()

	if c.Count("svc") != 0 {
		t.Errorf("Expected every task evicted, %d remain", c.Count("svc"))
	}
	if evictions.Load() != tasks {
		t.Errorf("Expected %d evictions, got %d", tasks, evictions.Load())
	}
}
