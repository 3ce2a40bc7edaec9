package tasks

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

// Task is an ordered, fixed-size set of fragments sharing a job identifier.
//
// Claims, reports and cancellation are linearized by a per-task lock.
// Listeners are notified after the lock is released.
type Task struct {
	id       string
	jobID    string
	creation time.Time
	idGen    func() string
	now      func() time.Time

	mu          sync.RWMutex
	description string
	fragments   []Fragment
	byID        map[string]int
	terminal    int // fragments in a terminal state

	listeners    *xsync.Map[uint64, Listener]
	nextListener atomic.Uint64
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithTaskID sets the task ID instead of generating one.
func WithTaskID(id string) TaskOption {
	return func(t *Task) {
		t.id = id
	}
}

// WithDescription sets the initial description.
func WithDescription(desc string) TaskOption {
	return func(t *Task) {
		t.description = desc
	}
}

// WithIDGenerator sets a custom ID generator for the task and its fragments.
func WithIDGenerator(gen func() string) TaskOption {
	return func(t *Task) {
		if gen != nil {
			t.idGen = gen
		}
	}
}

// WithClock sets the time source used for creation and modification stamps.
func WithClock(now func() time.Time) TaskOption {
	return func(t *Task) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTask creates a task for jobID with count fragments, all Pending.
func NewTask(jobID string, count int, opts ...TaskOption) (*Task, error) {
	if count < 1 {
		return nil, ErrInvalidFragmentCount
	}

	t := newTask(jobID, opts...)
	t.fragments = make([]Fragment, count)
	for i := range t.fragments {
		id := t.uniqueID("")
		t.fragments[i] = Fragment{
			ID:           id,
			Index:        i,
			State:        StatePending,
			Creation:     t.creation,
			Modification: t.creation,
		}
		t.byID[id] = i
	}
	return t, nil
}

func newTask(jobID string, opts ...TaskOption) *Task {
	t := &Task{
		jobID:     jobID,
		idGen:     generateID,
		now:       time.Now,
		byID:      make(map[string]int),
		listeners: xsync.NewMap[uint64, Listener](),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.id == "" {
		t.id = t.idGen()
	}
	t.creation = t.now()
	return t
}

// uniqueID returns want if it is free, otherwise a fresh generated ID.
func (t *Task) uniqueID(want string) string {
	id := want
	for id == "" || t.hasID(id) {
		id = t.idGen()
	}
	return id
}

func (t *Task) hasID(id string) bool {
	_, ok := t.byID[id]
	return ok
}

// generateID creates a unique identifier.
func generateID() string {
	return uuid.New().String()
}

// ID returns the task identifier.
func (t *Task) ID() string {
	return t.id
}

// JobID returns the job identifier shared by all fragments.
func (t *Task) JobID() string {
	return t.jobID
}

// Creation returns when the task was created.
func (t *Task) Creation() time.Time {
	return t.creation
}

// Description returns the current description.
func (t *Task) Description() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.description
}

// SetDescription changes the description and notifies listeners if it
// differs from the current one.
func (t *Task) SetDescription(desc string) {
	t.mu.Lock()
	if t.description == desc {
		t.mu.Unlock()
		return
	}
	t.description = desc
	t.mu.Unlock()

	t.emit(Event{
		Kind:        EventDescriptionChanged,
		TaskID:      t.id,
		JobID:       t.jobID,
		Description: desc,
		Time:        t.now(),
		Task:        t,
	})
}

// Modification returns the latest modification time over all fragments.
func (t *Task) Modification() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.modificationLocked()
}

func (t *Task) modificationLocked() time.Time {
	latest := t.creation
	for i := range t.fragments {
		if t.fragments[i].Modification.After(latest) {
			latest = t.fragments[i].Modification
		}
	}
	return latest
}

// IsDone returns true when every fragment is in a terminal state.
func (t *Task) IsDone() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.doneLocked()
}

func (t *Task) doneLocked() bool {
	return t.terminal == len(t.fragments)
}

// Len returns the number of fragments.
func (t *Task) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fragments)
}

// --- Claiming ---

type pickOptions struct {
	exclude map[string]struct{}
	expect  FragmentState
	tag     *string
}

// PickOption configures a claim.
type PickOption func(*pickOptions)

// Exclude skips the given fragment IDs.
func Exclude(ids ...string) PickOption {
	return func(o *pickOptions) {
		if o.exclude == nil {
			o.exclude = make(map[string]struct{}, len(ids))
		}
		for _, id := range ids {
			o.exclude[id] = struct{}{}
		}
	}
}

// ExpectState claims only a fragment that is exactly in state.
// This allows re-claiming an in-flight fragment, which a plain claim never
// does. Terminal states are never claimed.
func ExpectState(state FragmentState) PickOption {
	return func(o *pickOptions) {
		o.expect = state
	}
}

// ClaimTag sets the fragment tag as part of the claim.
func ClaimTag(tag string) PickOption {
	return func(o *pickOptions) {
		o.tag = &tag
	}
}

// Pick claims the first eligible fragment in index order.
// Pending fragments become Working; every other claimed state becomes
// Retrying. Returns false when nothing is eligible.
func (t *Task) Pick(opts ...PickOption) (Fragment, bool) {
	var o pickOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.expect != StateUnchanged && (!o.expect.Valid() || o.expect.IsTerminal()) {
		return Fragment{}, false
	}

	t.mu.Lock()
	i := t.claimableLocked(&o)
	if i < 0 {
		t.mu.Unlock()
		return Fragment{}, false
	}

	f := &t.fragments[i]
	prev := f.State
	if prev == StatePending {
		f.State = StateWorking
	} else {
		f.State = StateRetrying
	}
	if o.tag != nil {
		f.Tag = *o.tag
	}
	f.Modification = t.now()
	claimed := *f
	t.mu.Unlock()

	t.emit(t.changedEvent(claimed, prev))
	return claimed, true
}

func (t *Task) claimableLocked(o *pickOptions) int {
	for i := range t.fragments {
		f := &t.fragments[i]
		if _, skip := o.exclude[f.ID]; skip {
			continue
		}
		if o.expect != StateUnchanged {
			if f.State == o.expect {
				return i
			}
			continue
		}
		if f.State.IsWaiting() {
			return i
		}
	}
	return -1
}

// --- Reporting ---

type updateOptions struct {
	tag    *string
	expect *Fragment
}

// UpdateOption configures UpdateFragment.
type UpdateOption func(*updateOptions)

// WithTag sets the fragment tag after the state change.
func WithTag(tag string) UpdateOption {
	return func(o *updateOptions) {
		o.tag = &tag
	}
}

// IfUnchanged rejects the update unless the fragment still has the state,
// tag and modification time of seen.
func IfUnchanged(seen Fragment) UpdateOption {
	return func(o *updateOptions) {
		o.expect = &seen
	}
}

func (o *updateOptions) stale(f *Fragment) bool {
	if o.expect == nil {
		return false
	}
	return f.State != o.expect.State || f.Tag != o.expect.Tag ||
		!f.Modification.Equal(o.expect.Modification)
}

// UpdateFragment reports a new state for fragment id.
//
// Pass StateUnchanged with WithTag to change only the tag. Working and
// Retrying are normalized: a Pending fragment becomes Working, anything else
// becomes Retrying. Returns false for an unknown id or a rejected
// transition; the caller should treat its view of the fragment as stale.
func (t *Task) UpdateFragment(id string, state FragmentState, opts ...UpdateOption) bool {
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}
	if state != StateUnchanged && !state.Valid() {
		return false
	}

	t.mu.Lock()
	i, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return false
	}

	f := &t.fragments[i]
	if o.stale(f) {
		t.mu.Unlock()
		return false
	}
	prev := f.State
	next, ok := nextState(prev, state)
	if !ok {
		t.mu.Unlock()
		return false
	}
	if state == StateUnchanged && o.tag == nil {
		t.mu.Unlock()
		return true
	}

	wasDone := t.doneLocked()
	t.setStateLocked(f, next)
	f.Modification = t.now()
	if o.tag != nil {
		f.Tag = *o.tag
		f.Modification = t.now()
	}
	updated := *f
	completed := !wasDone && t.doneLocked()
	t.mu.Unlock()

	t.emit(t.changedEvent(updated, prev))
	if completed {
		t.emit(t.completedEvent())
	}
	return true
}

// nextState resolves a requested state against the current one.
func nextState(cur, req FragmentState) (FragmentState, bool) {
	switch req {
	case StateUnchanged:
		return cur, true
	case StateWorking, StateRetrying:
		if cur == StateSuccess || cur == StateFatal {
			return "", false
		}
		if cur == StatePending {
			return StateWorking, true
		}
		return StateRetrying, true
	case StateFailure:
		if cur == StateSuccess || cur == StateFatal || cur == StatePending {
			return "", false
		}
		return StateFailure, true
	case StateSuccess, StateFatal:
		// an outcome needs a claim first
		if cur == StatePending {
			return "", false
		}
		return req, true
	case StateIgnored:
		return StateIgnored, true
	default:
		// StatePending and unknown tokens
		return "", false
	}
}

func (t *Task) setStateLocked(f *Fragment, next FragmentState) {
	switch {
	case !f.State.IsTerminal() && next.IsTerminal():
		t.terminal++
	case f.State.IsTerminal() && !next.IsTerminal():
		t.terminal--
	}
	f.State = next
}

// Cancel moves every non-terminal fragment to Ignored and returns how many
// fragments changed. A second call returns 0 and raises no events.
func (t *Task) Cancel() int {
	t.mu.Lock()
	wasDone := t.doneLocked()
	now := t.now()
	var events []Event
	for i := range t.fragments {
		f := &t.fragments[i]
		if f.State.IsTerminal() {
			continue
		}
		prev := f.State
		t.setStateLocked(f, StateIgnored)
		f.Modification = now
		events = append(events, t.changedEvent(*f, prev))
	}
	completed := !wasDone && t.doneLocked()
	t.mu.Unlock()

	for _, ev := range events {
		t.emit(ev)
	}
	if completed {
		t.emit(t.completedEvent())
	}
	return len(events)
}

// --- Queries ---

// Fragments returns a copy of all fragments in index order.
func (t *Task) Fragments() []Fragment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Fragment, len(t.fragments))
	copy(out, t.fragments)
	return out
}

// Filter returns copies of the fragments for which pred returns true.
// pred runs on a snapshot, outside the task lock.
func (t *Task) Filter(pred func(Fragment) bool) []Fragment {
	var out []Fragment
	for _, f := range t.Fragments() {
		if pred(f) {
			out = append(out, f)
		}
	}
	return out
}

// InState returns the fragments currently in any of the given states.
func (t *Task) InState(states ...FragmentState) []Fragment {
	return t.Filter(func(f Fragment) bool {
		for _, s := range states {
			if f.State == s {
				return true
			}
		}
		return false
	})
}

// Processing returns the fragments that are Working or Retrying.
func (t *Task) Processing() []Fragment {
	return t.Filter(func(f Fragment) bool { return f.State.IsProcessing() })
}

// Waiting returns the fragments that are Pending or Failure.
func (t *Task) Waiting() []Fragment {
	return t.Filter(func(f Fragment) bool { return f.State.IsWaiting() })
}

// Finished returns the fragments in a terminal state.
func (t *Task) Finished() []Fragment {
	return t.Filter(func(f Fragment) bool { return f.State.IsTerminal() })
}

// Errored returns the fragments in Failure or Fatal.
func (t *Task) Errored() []Fragment {
	return t.InState(StateFailure, StateFatal)
}

// FragmentByID returns the fragment with the given id.
func (t *Task) FragmentByID(id string) (Fragment, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.byID[id]
	if !ok {
		return Fragment{}, ErrFragmentNotFound
	}
	return t.fragments[i], nil
}

// FragmentAt returns the fragment at position i.
func (t *Task) FragmentAt(i int) (Fragment, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || i >= len(t.fragments) {
		return Fragment{}, ErrIndexOutOfRange
	}
	return t.fragments[i], nil
}

// Contains reports whether the task owns a fragment with the given id.
func (t *Task) Contains(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hasID(id)
}

// Progress returns per-state fragment counts.
func (t *Task) Progress() Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := Progress{
		Total:  len(t.fragments),
		Counts: make(map[FragmentState]int, len(AllStates)),
	}
	for i := range t.fragments {
		p.Counts[t.fragments[i].State]++
	}
	return p
}

// --- Events ---

// Subscribe registers a listener and returns a function that removes it.
func (t *Task) Subscribe(l Listener) (unsubscribe func()) {
	if l == nil {
		return func() {}
	}
	id := t.nextListener.Add(1)
	t.listeners.Store(id, l)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.listeners.Delete(id)
		})
	}
}

func (t *Task) emit(ev Event) {
	t.listeners.Range(func(_ uint64, l Listener) bool {
		l.OnEvent(ev)
		return true
	})
}

func (t *Task) changedEvent(f Fragment, prev FragmentState) Event {
	return Event{
		Kind:     EventFragmentChanged,
		TaskID:   t.id,
		JobID:    t.jobID,
		Fragment: f,
		Previous: prev,
		Time:     f.Modification,
		Task:     t,
	}
}

func (t *Task) completedEvent() Event {
	return Event{
		Kind:   EventTaskCompleted,
		TaskID: t.id,
		JobID:  t.jobID,
		Time:   t.now(),
		Task:   t,
	}
}
