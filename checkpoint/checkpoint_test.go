package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vinayprograms/fragkit/codec"
	"github.com/vinayprograms/fragkit/logging"
	"github.com/vinayprograms/fragkit/state"
	"github.com/vinayprograms/fragkit/tasks"
)

func newTestCheckpointer(t *testing.T, store state.StateStore, deleteOnEvict bool) (*Checkpointer, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	log := logging.New()
	log.SetOutput(&buf)
	cp, err := New(Config{
		Store:         store,
		Codec:         codec.Get(codec.NameMsgpack),
		DeleteOnEvict: deleteOnEvict,
		Logger:        log,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return cp, &buf
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(Config{}); err != ErrInvalidConfig {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestKey(t *testing.T) {
	cp, _ := newTestCheckpointer(t, state.NewMemoryStore(), false)
	if got := cp.Key("video.render", "t1"); got != "tasks.video_render.t1" {
		t.Errorf("Key() = %q", got)
	}
}

func TestCheckpointer_SavesOnEveryChange(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	cp, _ := newTestCheckpointer(t, store, false)

	c := tasks.NewContainer()
	c.Subscribe(cp)

	task, err := c.Create("render", "job-1", 2, false, tasks.WithTaskID("t1"))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	f, _ := task.Pick()

	loaded, err := cp.Load(ctx, "render", "t1")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	got, _ := loaded.FragmentByID(f.ID)
	if got.State != tasks.StateWorking {
		t.Errorf("stored state = %q, want working", got.State)
	}

	task.UpdateFragment(f.ID, tasks.StateSuccess)
	loaded, _ = cp.Load(ctx, "render", "t1")
	got, _ = loaded.FragmentByID(f.ID)
	if got.State != tasks.StateSuccess {
		t.Errorf("stored state = %q, want success", got.State)
	}
	if loaded.JobID() != "job-1" || loaded.Len() != 2 {
		t.Errorf("loaded task = %s/%d", loaded.JobID(), loaded.Len())
	}
	// created + claim + report
	if cp.Saved() != 3 {
		t.Errorf("Saved() = %d, want 3", cp.Saved())
	}
}

func TestCheckpointer_DeleteOnEvict(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	cp, _ := newTestCheckpointer(t, store, true)

	c := tasks.NewContainer()
	c.Subscribe(cp)

	task, _ := c.Create("render", "job-1", 1, true, tasks.WithTaskID("t1"))
	f, _ := task.Pick()
	task.UpdateFragment(f.ID, tasks.StateSuccess)

	if _, err := store.Get(ctx, cp.Key("render", "t1")); err != state.ErrNotFound {
		t.Errorf("snapshot still stored after eviction: %v", err)
	}
	if cp.Deleted() != 1 {
		t.Errorf("Deleted() = %d, want 1", cp.Deleted())
	}

	// late events for an evicted task do not resurrect the snapshot
	cp.OnEvent(tasks.Event{Kind: tasks.EventFragmentChanged, Service: "render", TaskID: "t1", Task: task})
	if _, err := store.Get(ctx, cp.Key("render", "t1")); err != state.ErrNotFound {
		t.Errorf("late event re-saved the snapshot: %v", err)
	}
}

func TestCheckpointer_KeepOnEvict(t *testing.T) {
	store := state.NewMemoryStore()
	cp, _ := newTestCheckpointer(t, store, false)

	c := tasks.NewContainer()
	c.Subscribe(cp)

	task, _ := c.Create("render", "job-1", 1, true, tasks.WithTaskID("t1"))
	f, _ := task.Pick()
	task.UpdateFragment(f.ID, tasks.StateSuccess)

	loaded, err := cp.Load(context.Background(), "render", "t1")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !loaded.IsDone() {
		t.Error("final snapshot should be done")
	}
}

type failingStore struct {
	*state.MemoryStore
}

func (failingStore) Put(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestCheckpointer_StoreFailureIsLogged(t *testing.T) {
	cp, buf := newTestCheckpointer(t, failingStore{state.NewMemoryStore()}, false)

	task, _ := tasks.NewTask("job-1", 1, tasks.WithTaskID("t1"))
	task.Subscribe(cp)

	if _, ok := task.Pick(); !ok {
		t.Fatal("claim failed while the store was failing")
	}
	if cp.Failed() != 1 {
		t.Errorf("Failed() = %d, want 1", cp.Failed())
	}
	out := buf.String()
	if !strings.Contains(out, "checkpoint_save_failed") || !strings.Contains(out, "disk full") {
		t.Errorf("log output = %q", out)
	}
}

func TestCheckpointer_EvictedWhileWaitingForLock(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	cp, _ := newTestCheckpointer(t, store, true)

	task, err := tasks.NewTask("job-1", 1, tasks.WithTaskID("t1"))
	if err != nil {
		t.Fatalf("NewTask error: %v", err)
	}
	key := cp.Key("render", "t1")

	// an event that passed the eviction check before the delete ran
	mu := cp.lock(key)
	mu.Lock()
	done := make(chan error, 1)
	go func() { done <- cp.save(ctx, key, task, true) }()
	cp.evicted.Store(key, struct{}{})
	mu.Unlock()

	if err := <-done; err != nil {
		t.Fatalf("save error: %v", err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("evicted key written back: %v", err)
	}

	// explicit saves still write
	if err := cp.Save(ctx, "render", task); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if _, err := store.Get(ctx, key); err != nil {
		t.Errorf("Save did not write: %v", err)
	}
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	cp, logs := newTestCheckpointer(t, store, false)

	before := tasks.NewContainer()
	before.Subscribe(cp)

	open, _ := before.Create("render", "job-1", 3, false, tasks.WithTaskID("open"))
	f, _ := open.Pick()
	open.UpdateFragment(f.ID, tasks.StateFailure)

	done, _ := before.Create("encode", "job-2", 1, false, tasks.WithTaskID("done"))
	g, _ := done.Pick()
	done.UpdateFragment(g.ID, tasks.StateSuccess)

	store.Put(ctx, "tasks.render.corrupt", []byte{0xc1})
	store.Put(ctx, "other.render.x", []byte("ignored"))

	after := tasks.NewContainer()
	n, err := cp.Restore(ctx, after, true)
	if err != nil {
		t.Fatalf("Restore error: %v", err)
	}
	if n != 1 {
		t.Fatalf("Restore() = %d, want 1 (done task skipped with auto-evict)", n)
	}
	restored, ok := after.Get("render", "open")
	if !ok {
		t.Fatal("open task not restored")
	}
	rf, _ := restored.FragmentByID(f.ID)
	if rf.State != tasks.StateFailure {
		t.Errorf("restored state = %q, want failure", rf.State)
	}
	if cp.Failed() != 1 {
		t.Errorf("Failed() = %d, want 1 for the corrupt record", cp.Failed())
	}
	if !strings.Contains(logs.String(), "decode snapshot") {
		t.Errorf("corrupt record not logged: %s", logs.String())
	}

	// restoring again keeps the registered task
	n, err = cp.Restore(ctx, after, true)
	if err != nil || n != 0 {
		t.Errorf("second Restore() = %d, %v; want 0, nil", n, err)
	}

	keep := tasks.NewContainer()
	n, _ = cp.Restore(ctx, keep, false)
	if n != 2 {
		t.Errorf("Restore without auto-evict = %d, want 2", n)
	}
}

func TestServiceOf(t *testing.T) {
	cp, _ := newTestCheckpointer(t, state.NewMemoryStore(), false)
	tests := []struct {
		key     string
		service string
		ok      bool
	}{
		{"tasks.render.t1", "render", true},
		{"tasks.render", "", false},
		{"tasks.render.t1.extra", "", false},
		{"other.render.t1", "", false},
	}
	for _, tt := range tests {
		service, ok := cp.serviceOf(tt.key)
		if service != tt.service || ok != tt.ok {
			t.Errorf("serviceOf(%q) = %q, %v; want %q, %v", tt.key, service, ok, tt.service, tt.ok)
		}
	}
}
