// Package schederr implements the error taxonomy of spec §7: every layer
// either handles an error or wraps it with one of four kinds, so the
// scheduler API surface exposes only these and never an opaque rethrow.
package schederr

import "fmt"

// Kind is one of the four taxonomy buckets in spec §7.
type Kind string

const (
	// Transient errors (network timeout, monitor-socket blip, disk full
	// briefly) are retried locally with exponential backoff up to
	// max_retries; if still failing, escalated.
	Transient Kind = "transient"
	// Recoverable errors (worker dropped, VM died mid-revert) are
	// surfaced to the scheduler; affected jobs are re-queued per §4.3.
	Recoverable Kind = "recoverable"
	// Logical errors (illegal transition, unknown job, unsatisfied
	// dependency) are rejected synchronously at the API boundary.
	Logical Kind = "logical"
	// Fatal errors (corrupted scheduler state, incompatible snapshot) are
	// logged at ERROR; the affected loop halts and reports, and the
	// process must be restarted by an operator.
	Fatal Kind = "fatal"
)

// Error is a tagged error: a taxonomy kind, a stable code for callers that
// want to switch on it programmatically, and a human message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

// Logical error constructors — the four named in spec §4.1 "Errors".
func UnknownEntity(msg string) *Error {
	return newErr(Logical, "unknown_entity", msg, nil)
}

func IllegalTransition(msg string) *Error {
	return newErr(Logical, "illegal_transition", msg, nil)
}

func ResourceUnavailable(msg string) *Error {
	return newErr(Logical, "resource_unavailable", msg, nil)
}

func DependencyUnsatisfied(msg string) *Error {
	return newErr(Logical, "dependency_unsatisfied", msg, nil)
}

// WrapTransient classifies an arbitrary error as Transient, for retry loops around
// network and monitor-socket I/O.
func WrapTransient(msg string, cause error) *Error {
	return newErr(Transient, "transient", msg, cause)
}

// WrapRecoverable classifies an arbitrary error as Recoverable.
func WrapRecoverable(msg string, cause error) *Error {
	return newErr(Recoverable, "recoverable", msg, cause)
}

// WrapFatal classifies an arbitrary error as Fatal.
func WrapFatal(msg string, cause error) *Error {
	return newErr(Fatal, "fatal", msg, cause)
}

// KindOf extracts the taxonomy Kind from err, defaulting to Fatal for
// errors that were never classified (a programming error upstream, not
// something a caller should silently retry).
func KindOf(err error) Kind {
	var se *Error
	if as(err, &se) {
		return se.Kind
	}
	return Fatal
}

// as is a tiny errors.As wrapper kept local to avoid importing errors
// just for its one call site in KindOf.
func as(err error, target **Error) bool {
	for err != nil {
		if se, ok := err.(*Error); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
