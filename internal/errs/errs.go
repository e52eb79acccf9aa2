// Package errs defines the neutral error kinds used across the tracker
// and peer components (see spec §7).
package errs

import "errors"

// Kind classifies an error the way callers across the UDP/TCP boundary
// need to dispatch on, independent of the underlying cause.
type Kind int

const (
	_ Kind = iota
	KindNotFound
	KindUnavailable
	KindTimeout
	KindProtocolViolation
	KindIntegrityFailure
	KindAdmissionDenied
	KindDuplicateName
	KindTrackerUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindUnavailable:
		return "Unavailable"
	case KindTimeout:
		return "Timeout"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindIntegrityFailure:
		return "IntegrityFailure"
	case KindAdmissionDenied:
		return "AdmissionDenied"
	case KindDuplicateName:
		return "DuplicateName"
	case KindTrackerUnreachable:
		return "TrackerUnreachable"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// the kind with errors.As instead of string matching.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or something it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	// ErrNotFound is a convenience sentinel for the common NotFound case.
	ErrNotFound = New(KindNotFound, "not found")
	// ErrDuplicateName signals a username already bound to another address.
	ErrDuplicateName = New(KindDuplicateName, "username already registered")
	// ErrAdmissionDenied signals the tracker's active set is at peer_limit.
	ErrAdmissionDenied = New(KindAdmissionDenied, "tracker full")
)
