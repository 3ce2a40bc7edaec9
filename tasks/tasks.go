package tasks

import (
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	// ErrFragmentNotFound indicates the requested fragment does not exist.
	ErrFragmentNotFound = errors.New("fragment not found")

	// ErrIndexOutOfRange indicates a fragment index outside the task.
	ErrIndexOutOfRange = errors.New("fragment index out of range")

	// ErrInvalidFragmentCount indicates a task was requested with no fragments.
	ErrInvalidFragmentCount = errors.New("fragment count must be positive")

	// ErrInvalidService indicates an empty service name.
	ErrInvalidService = errors.New("invalid service name")

	// ErrTaskExists indicates a task with the same ID is already registered.
	ErrTaskExists = errors.New("task already registered")

	// ErrTaskDone indicates a finished task offered to an auto-evicting
	// registration. It is not registered.
	ErrTaskDone = errors.New("task already done")

	// ErrNilTask indicates a nil task was passed where one is required.
	ErrNilTask = errors.New("nil task")
)

// FragmentState represents the current state of a fragment.
type FragmentState string

const (
	// StateUnchanged leaves the state alone when passed to UpdateFragment.
	StateUnchanged FragmentState = ""

	// StatePending indicates the fragment has never been claimed.
	StatePending FragmentState = "pending"

	// StateWorking indicates the fragment is claimed for its first attempt.
	StateWorking FragmentState = "working"

	// StateSuccess indicates the fragment was processed successfully.
	StateSuccess FragmentState = "success"

	// StateFailure indicates the last attempt failed and may be retried.
	StateFailure FragmentState = "failure"

	// StateRetrying indicates the fragment is claimed for a later attempt.
	StateRetrying FragmentState = "retrying"

	// StateFatal indicates the fragment failed permanently.
	StateFatal FragmentState = "fatal"

	// StateIgnored indicates the fragment was cancelled or skipped.
	StateIgnored FragmentState = "ignored"
)

// AllStates lists every fragment state in lifecycle order.
var AllStates = []FragmentState{
	StatePending,
	StateWorking,
	StateSuccess,
	StateFailure,
	StateRetrying,
	StateFatal,
	StateIgnored,
}

// String returns the string representation of the state.
func (s FragmentState) String() string {
	return string(s)
}

// Valid returns true if the state is a known value.
func (s FragmentState) Valid() bool {
	switch s {
	case StatePending, StateWorking, StateSuccess, StateFailure,
		StateRetrying, StateFatal, StateIgnored:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further claim is possible from this state.
func (s FragmentState) IsTerminal() bool {
	return s == StateSuccess || s == StateFatal || s == StateIgnored
}

// IsWaiting returns true if the fragment is eligible for a plain claim.
func (s FragmentState) IsWaiting() bool {
	return s == StatePending || s == StateFailure
}

// IsProcessing returns true if the fragment is currently claimed.
func (s FragmentState) IsProcessing() bool {
	return s == StateWorking || s == StateRetrying
}

// ParseFragmentState parses a state token case-insensitively.
// Empty or unrecognized tokens yield StatePending.
func ParseFragmentState(s string) FragmentState {
	state := FragmentState(strings.ToLower(strings.TrimSpace(s)))
	if !state.Valid() {
		return StatePending
	}
	return state
}

// Fragment is one equally weighted unit of a partitioned job.
//
// Fragments handed out by a Task are copies; changing a field has no effect
// on the task. All mutation goes through Task methods.
type Fragment struct {
	// ID uniquely identifies the fragment within its task.
	ID string

	// Index is the zero-based position in the task's fragment sequence.
	Index int

	// State is the lifecycle state at the time the copy was taken.
	State FragmentState

	// Tag is free-form text set by the claimant, usually a worker identity.
	Tag string

	// Creation is when the fragment was created.
	Creation time.Time

	// Modification is when the state or tag last changed.
	Modification time.Time
}

// IsZero reports whether f is the zero Fragment.
func (f Fragment) IsZero() bool {
	return f.ID == ""
}

// Age returns how long ago the fragment was last modified.
func (f Fragment) Age(now time.Time) time.Duration {
	return now.Sub(f.Modification)
}

// Progress counts the fragments of a task per state.
type Progress struct {
	Total  int
	Counts map[FragmentState]int
}

// Count returns the number of fragments in the given states.
func (p Progress) Count(states ...FragmentState) int {
	n := 0
	for _, s := range states {
		n += p.Counts[s]
	}
	return n
}

// Done returns the number of fragments in a terminal state.
func (p Progress) Done() int {
	return p.Count(StateSuccess, StateFatal, StateIgnored)
}

// Ratio returns the fraction of terminal fragments (0.0 to 1.0).
func (p Progress) Ratio() float64 {
	if p.Total == 0 {
		return 1
	}
	return float64(p.Done()) / float64(p.Total)
}
