// Package tasks provides equipartition fragment scheduling.
//
// A job is divided into a fixed number of equally weighted fragments.
// Independent workers repeatedly claim a fragment, process it outside this
// package and report the outcome. Tasks guarantee that a fragment has at most
// one active claim, that every state change follows the fragment lifecycle,
// and that job completion is detected exactly once.
//
// # Basic Usage
//
//	c := tasks.NewContainer()
//	task, err := c.Create("render", "job-42", 8, true)
//
//	// Worker side
//	t, frag, ok := c.Pick("render", nil)
//	if !ok {
//	    // nothing to do, back off
//	}
//	// ... process frag ...
//	t.UpdateFragment(frag.ID, tasks.StateSuccess)
//
// # Fragment Lifecycle
//
//	Pending → Working → Success | Failure | Fatal | Ignored
//	             Failure → Retrying → Success | Fatal | Ignored
//
// Success, Fatal and Ignored are terminal. Cancel moves every fragment that is
// not terminal straight to Ignored.
//
// # Events
//
// Listeners receive a fragment.changed event for every mutation and a
// task.completed event when the last fragment becomes terminal. Events are
// delivered synchronously on the goroutine that made the change, after the
// task lock has been released, so a listener may call back into the task.
//
// # Thread Safety
//
// Each Task has its own lock; unrelated tasks never contend. The Container
// guards its service registry with a separate lock that is never held while
// a task lock is being acquired.
package tasks
