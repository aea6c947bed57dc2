package types

import "fmt"

// Kind classifies an error the way spec.md §7 taxonomizes failures, not by
// Go type. Callers branch on Kind, never on the underlying message.
type Kind string

const (
	KindTimeout       Kind = "TIMEOUT"
	KindOverloaded    Kind = "OVERLOADED"
	KindNoQuorum      Kind = "NO_QUORUM"
	KindCASFailed     Kind = "CAS_FAILED"
	KindNotHolder     Kind = "NOT_HOLDER"
	KindConfiguration Kind = "CONFIGURATION"
	KindNotFound      Kind = "NOT_FOUND"
	KindAlreadyExists Kind = "ALREADY_REGISTERED"
	KindNoSeedReachable Kind = "NO_SEED_REACHABLE"
	KindFatal         Kind = "FATAL"
	// KindProbePanic marks a health probe that recovered from a panic.
	// Distinct from KindFatal (spec.md §7's storage-corruption/cluster-id-
	// mismatch halt condition): a panicking probe is a failed check, not a
	// reason to halt the node.
	KindProbePanic Kind = "PROBE_PANIC"
)

// Error is the error type returned by every public operation in the control
// plane. It always carries a Kind so callers can branch without string
// matching, plus whether retrying with the same arguments is safe.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an *Error wrapping cause (which may be nil) with a Kind
// and a human-readable message.
func NewError(kind Kind, retryable bool, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryable, Cause: cause}
}

// Wrapf wraps cause under kind the way the teacher's call sites wrap with
// fmt.Errorf("...: %w", err), but preserves the Kind for callers to branch
// on.
func Wrapf(kind Kind, retryable bool, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: retryable, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and the
// empty Kind otherwise; it never panics on a plain error.
func KindOf(err error) Kind {
	var he *Error
	if ok := asError(err, &he); ok {
		return he.Kind
	}
	return ""
}

func asError(err error, target **Error) bool {
	for err != nil {
		if he, ok := err.(*Error); ok {
			*target = he
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
