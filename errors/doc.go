// Package errors provides the structured error taxonomy used by kvmirror.
// Errors carry a code, a category and an optional store key and operation,
// so callers can tell a flaky store from a corrupt snapshot.
//
// # Error Categories
//
//   - Transient: the store was unreachable or slow; a later save may succeed
//   - Permanent: retrying will not help (malformed snapshot, bad value)
//   - Resource: contention such as a key lease held elsewhere
//   - Internal: bugs and recovered panics
//
// # Usage
//
//	err := errors.New(errors.ErrCodeUnavailable, "save failed",
//	    errors.WithKey("app.state"), errors.WithOp("save"), errors.WithCause(cause))
//
//	if errors.IsRetryable(err) {
//	    // the next mutation will schedule another save
//	}
//
// Errors marshal to JSON so they can travel with relayed mirror events.
package errors
