package tasks

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// PickFunc claims a fragment from a task.
type PickFunc func(t *Task) (Fragment, bool)

// PickWith returns a PickFunc that claims with the given options.
func PickWith(opts ...PickOption) PickFunc {
	return func(t *Task) (Fragment, bool) {
		return t.Pick(opts...)
	}
}

// Container multiplexes many concurrently active tasks per service name.
//
// The registry lock only guards the service map. It is never held while a
// task lock is acquired, and tasks never take it while holding their own.
type Container struct {
	mu       sync.Mutex
	services map[string][]*entry
	taskOpts []TaskOption

	listeners    *xsync.Map[uint64, Listener]
	nextListener atomic.Uint64
}

type entry struct {
	task        *Task
	autoEvict   bool
	unsubscribe func()
	removed     bool
}

// ContainerOption configures a Container.
type ContainerOption func(*Container)

// WithTaskOptions applies opts to every task created by the container.
func WithTaskOptions(opts ...TaskOption) ContainerOption {
	return func(c *Container) {
		c.taskOpts = append(c.taskOpts, opts...)
	}
}

// NewContainer creates an empty container.
func NewContainer(opts ...ContainerOption) *Container {
	c := &Container{
		services:  make(map[string][]*entry),
		listeners: xsync.NewMap[uint64, Listener](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create builds a task with count Pending fragments and registers it under
// service. With autoEvict the task leaves the active list as soon as it is
// done.
func (c *Container) Create(service, jobID string, count int, autoEvict bool, opts ...TaskOption) (*Task, error) {
	if service == "" {
		return nil, ErrInvalidService
	}

	all := make([]TaskOption, 0, len(c.taskOpts)+len(opts))
	all = append(all, c.taskOpts...)
	all = append(all, opts...)

	t, err := NewTask(jobID, count, all...)
	if err != nil {
		return nil, err
	}
	if err := c.Add(service, t, autoEvict); err != nil {
		return nil, err
	}
	return t, nil
}

// Add registers an existing task, for example one restored from a snapshot.
// A task that is already done is refused with ErrTaskDone when autoEvict
// is set.
// A task should be registered with at most one container entry.
func (c *Container) Add(service string, t *Task, autoEvict bool) error {
	if service == "" {
		return ErrInvalidService
	}
	if t == nil {
		return ErrNilTask
	}
	if autoEvict && t.IsDone() {
		return ErrTaskDone
	}

	e := &entry{task: t, autoEvict: autoEvict}

	c.mu.Lock()
	for _, existing := range c.services[service] {
		if existing.task.ID() == t.ID() {
			c.mu.Unlock()
			return ErrTaskExists
		}
	}
	c.services[service] = append(c.services[service], e)
	c.mu.Unlock()

	unsub := t.Subscribe(ListenerFunc(func(ev Event) {
		c.forward(service, e, ev)
	}))

	c.mu.Lock()
	e.unsubscribe = unsub
	removed := e.removed
	c.mu.Unlock()
	if removed {
		unsub()
	}

	c.emit(Event{
		Kind:    EventTaskCreated,
		Service: service,
		TaskID:  t.ID(),
		JobID:   t.JobID(),
		Time:    t.now(),
		Task:    t,
	})

	// completion may have happened before the subscription was in place
	if autoEvict && t.IsDone() {
		c.evict(service, e)
	}
	return nil
}

func (c *Container) forward(service string, e *entry, ev Event) {
	ev.Service = service
	c.emit(ev)
	if ev.Kind == EventTaskCompleted && e.autoEvict {
		c.evict(service, e)
	}
}

// evict removes e from the service list. Only the call that actually removes
// the entry raises task.evicted.
func (c *Container) evict(service string, e *entry) bool {
	c.mu.Lock()
	ok := c.removeLocked(service, e)
	unsub := e.unsubscribe
	c.mu.Unlock()
	if !ok {
		return false
	}
	if unsub != nil {
		unsub()
	}

	c.emit(Event{
		Kind:    EventTaskEvicted,
		Service: service,
		TaskID:  e.task.ID(),
		JobID:   e.task.JobID(),
		Time:    e.task.now(),
		Task:    e.task,
	})
	return true
}

func (c *Container) removeLocked(service string, target *entry) bool {
	list := c.services[service]
	for i, e := range list {
		if e != target {
			continue
		}
		rest := make([]*entry, 0, len(list)-1)
		rest = append(rest, list[:i]...)
		rest = append(rest, list[i+1:]...)
		if len(rest) == 0 {
			delete(c.services, service)
		} else {
			c.services[service] = rest
		}
		target.removed = true
		return true
	}
	return false
}

// Remove drops a task from a service regardless of its state.
func (c *Container) Remove(service, taskID string) bool {
	c.mu.Lock()
	var found *entry
	for _, e := range c.services[service] {
		if e.task.ID() == taskID {
			found = e
			break
		}
	}
	c.mu.Unlock()
	if found == nil {
		return false
	}
	return c.evict(service, found)
}

// entries returns a copy of the registered tasks for a service.
func (c *Container) entries(service string) []*Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.services[service]
	out := make([]*Task, len(list))
	for i, e := range list {
		out[i] = e.task
	}
	return out
}

// List returns the active (not done) tasks of a service in registration
// order. A limit of zero or less means no cap.
func (c *Container) List(service string, limit int) []*Task {
	var out []*Task
	for _, t := range c.entries(service) {
		if t.IsDone() {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// First returns the first active task of a service.
func (c *Container) First(service string) (*Task, bool) {
	list := c.List(service, 1)
	if len(list) == 0 {
		return nil, false
	}
	return list[0], true
}

// Get returns a registered task by ID, done or not.
func (c *Container) Get(service, taskID string) (*Task, bool) {
	for _, t := range c.entries(service) {
		if t.ID() == taskID {
			return t, true
		}
	}
	return nil, false
}

// Pick walks the tasks of a service in registration order and returns the
// first task for which pick yields a fragment. A nil pick performs a plain
// claim. At most one fragment is claimed per call.
func (c *Container) Pick(service string, pick PickFunc) (*Task, Fragment, bool) {
	if pick == nil {
		pick = PickWith()
	}
	for _, t := range c.entries(service) {
		if f, ok := pick(t); ok {
			return t, f, true
		}
	}
	return nil, Fragment{}, false
}

// Cancel cancels every registered task of a service and returns the number
// of fragments that changed.
func (c *Container) Cancel(service string) int {
	n := 0
	for _, t := range c.entries(service) {
		n += t.Cancel()
	}
	return n
}

// Count returns the number of registered tasks for a service, done or not.
func (c *Container) Count(service string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.services[service])
}

// Services returns the names of services with registered tasks, sorted.
func (c *Container) Services() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)
	return names
}

// Subscribe registers a listener for the events of every registered task,
// with Service filled in, plus task.created and task.evicted.
func (c *Container) Subscribe(l Listener) (unsubscribe func()) {
	if l == nil {
		return func() {}
	}
	id := c.nextListener.Add(1)
	c.listeners.Store(id, l)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listeners.Delete(id)
		})
	}
}

func (c *Container) emit(ev Event) {
	c.listeners.Range(func(_ uint64, l Listener) bool {
		l.OnEvent(ev)
		return true
	})
}

// Close detaches every task and empties the registry. Tasks keep their
// state; no events are raised.
func (c *Container) Close() {
	c.mu.Lock()
	var unsubs []func()
	for _, list := range c.services {
		for _, e := range list {
			e.removed = true
			if e.unsubscribe != nil {
				unsubs = append(unsubs, e.unsubscribe)
			}
		}
	}
	c.services = make(map[string][]*entry)
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}
