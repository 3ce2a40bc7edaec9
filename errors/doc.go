// Package errors classifies fragment processing failures.
//
// A worker hands whatever its processor returned to Outcome and reports the
// resulting state for the fragment:
//
//	state := errors.Outcome(err)
//	task.UpdateFragment(fragment.ID, state)
//
// # Categories
//
//   - Transient: another attempt may succeed (timeouts, lost workers)
//   - Resource: a shared limit was hit; retry later
//   - Permanent: retrying will not help (invalid input, exhausted attempts)
//   - Internal: bugs, corruption or recovered panics
//
// Transient and resource errors map to the failure state, so the fragment is
// claimed again. Everything else maps to fatal, except FRAGMENT_SKIPPED,
// which maps to ignored.
//
// # Usage
//
//	return errors.Timeout("upstream did not answer",
//	    errors.WithFragment(service, taskID, fragmentID))
//
//	return errors.Wrap(err, "decoding frame")
//
// Errors marshal to JSON so they can travel with published events.
package errors
