// Package errs defines the error taxonomy shared across the gateway.
// Callers branch on the Kind of a failure rather than its message:
// definite negatives (NotFound), definite rejections (Conflict,
// InvalidProof), and retryable infrastructure failures (Transient).
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to decide between
// surfacing, rejecting, and retrying.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotFound marks a definite negative: the requested record does
	// not exist locally.
	KindNotFound
	// KindConflict marks a state rejection: the request is well formed
	// but the current state forbids it (window closed, replay, already
	// active). Never retried automatically.
	KindConflict
	// KindInvalidProof marks a cryptographic or validation failure: bad
	// HMAC, expired QR, bad signature, malformed address or payload.
	KindInvalidProof
	// KindTransient marks an infrastructure failure (ledger RPC, store
	// I/O) that background loops retry on their own schedule.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidProof:
		return "invalid_proof"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with an underlying cause.
type Error struct {
	kind Kind
	err  error
}

// New builds a kinded error from a message.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, err: errors.New(msg)}
}

// Wrap attaches a Kind to an existing error. A nil err yields nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

// Wrapf attaches a Kind to a formatted error; the %w verb is honoured.
func Wrapf(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string { return e.err.Error() }

func (e *Error) Unwrap() error { return e.err }

// Kind reports the taxonomy kind of this error.
func (e *Error) Kind() Kind { return e.kind }

// KindOf walks an error chain and returns the first Kind found, or
// KindUnknown when no kinded error is present.
func KindOf(err error) Kind {
	var kinded *Error
	if errors.As(err, &kinded) {
		return kinded.kind
	}
	return KindUnknown
}
