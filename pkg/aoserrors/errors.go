// Package aoserrors classifies errors into the small set of kinds the
// launcher's components agree on, so a caller three layers up can still
// tell a missing instance from a resource exhaustion without parsing
// strings.
package aoserrors

import "errors"

// Kind is one of the error categories collaborators across the launcher
// core use to decide how to react (retry, drop, surface to the cloud).
type Kind int

const (
	KindFailed Kind = iota
	KindNotFound
	KindAlreadyExist
	KindInvalidArgument
	KindInvalidChecksum
	KindNoMemory
	KindOutOfRange
	KindTimeout
	KindWrongState
	KindNotSupported
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAlreadyExist:
		return "already exists"
	case KindInvalidArgument:
		return "invalid argument"
	case KindInvalidChecksum:
		return "invalid checksum"
	case KindNoMemory:
		return "no memory"
	case KindOutOfRange:
		return "out of range"
	case KindTimeout:
		return "timeout"
	case KindWrongState:
		return "wrong state"
	case KindNotSupported:
		return "not supported"
	default:
		return "failed"
	}
}

// kindError pairs a Kind with the wrapped cause. It satisfies Unwrap so
// errors.Is/errors.As keep working through it.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return e.kind.String() + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() error {
	return e.cause
}

// Wrap attaches kind to cause. Wrapping nil returns nil, so call sites can
// write `return aoserrors.Wrap(aoserrors.KindNotFound, err)` without a
// separate nil check.
func Wrap(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &kindError{kind: kind, cause: cause}
}

// New creates an error of kind whose cause is a plain error carrying msg.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, cause: errors.New(msg)}
}

// Is reports whether err (or something it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindFailed when err
// was never classified through this package.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindFailed
}

func NotFound(cause error) error        { return Wrap(KindNotFound, cause) }
func AlreadyExist(cause error) error    { return Wrap(KindAlreadyExist, cause) }
func InvalidArgument(cause error) error { return Wrap(KindInvalidArgument, cause) }
func InvalidChecksum(cause error) error { return Wrap(KindInvalidChecksum, cause) }
func NoMemory(cause error) error        { return Wrap(KindNoMemory, cause) }
func OutOfRange(cause error) error      { return Wrap(KindOutOfRange, cause) }
func Timeout(cause error) error         { return Wrap(KindTimeout, cause) }
func WrongState(cause error) error      { return Wrap(KindWrongState, cause) }
func NotSupported(cause error) error    { return Wrap(KindNotSupported, cause) }
