// Package errs defines the typed error kinds of the scheduler core.
package errs

import "fmt"

// Kind identifies one of the scheduler's error categories.
type Kind string

const (
	KindConfig            Kind = "config_error"
	KindPlatformLookup    Kind = "platform_lookup_error"
	KindPlatformUnreach   Kind = "platform_unreachable"
	KindJobSubmit         Kind = "job_submit_error"
	KindJobPoll           Kind = "job_poll_error"
	KindJobKill           Kind = "job_kill_error"
	KindJobRunFail        Kind = "job_run_fail"
	KindMessageAuth       Kind = "message_auth_error"
	KindInternalInvariant Kind = "internal_invariant_error"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// category with errors.As while still getting a useful message and an
// unwrappable chain.
type Error struct {
	Kind    Kind
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

// Is lets errors.Is(err, errs.KindX) style checks work by comparing Kind
// whenever the target is also an *Error; the target's message and
// cause are not compared.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Retriable reports whether a condition of this kind should be retried
// locally (submission/host fallback) rather than surfaced as a terminal
// task-semantic failure.
func (k Kind) Retriable() bool {
	switch k {
	case KindPlatformUnreach, KindJobSubmit, KindJobPoll, KindJobKill, KindJobRunFail:
		return true
	default:
		return false
	}
}

// Fatal reports whether the condition should abort the scheduler process
// (an invariant violation — recorded, then an emergency snapshot taken).
func (k Kind) Fatal() bool {
	return k == KindInternalInvariant
}
