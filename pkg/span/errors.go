// Copyright 2025 LogLine Contributors
//
// Error taxonomy shared by every LogLine subsystem. Kinds map directly
// onto the propagation policy described in the runtime design: some
// surface to API callers verbatim, some are converted into enforcement
// rejections, some only ever trigger a reconnect.

package span

import "fmt"

// Kind is the stable, machine-readable error category.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindConflict         Kind = "conflict"
	KindExpired          Kind = "expired"
	KindIntegrity        Kind = "integrity"
	KindTimeout          Kind = "timeout"
	KindCancelled        Kind = "cancelled"
	KindTransport        Kind = "transport"
	KindSerialization    Kind = "serialization"
	KindConfig           Kind = "config"
	KindInternal         Kind = "internal"
)

// Error is the concrete error type every package returns for
// classifiable failures. It always carries a Kind so callers at an API
// boundary can pick a status code without string-matching messages.
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

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error       { return newf(KindValidation, format, args...) }
func NotFound(format string, args ...any) *Error         { return newf(KindNotFound, format, args...) }
func PermissionDenied(format string, args ...any) *Error { return newf(KindPermissionDenied, format, args...) }
func Conflict(format string, args ...any) *Error         { return newf(KindConflict, format, args...) }
func Expired(format string, args ...any) *Error          { return newf(KindExpired, format, args...) }
func Integrity(format string, args ...any) *Error        { return newf(KindIntegrity, format, args...) }
func Timeout(format string, args ...any) *Error          { return newf(KindTimeout, format, args...) }
func Cancelled(format string, args ...any) *Error        { return newf(KindCancelled, format, args...) }
func Transport(format string, args ...any) *Error        { return newf(KindTransport, format, args...) }
func Serialization(format string, args ...any) *Error    { return newf(KindSerialization, format, args...) }
func Config(format string, args ...any) *Error           { return newf(KindConfig, format, args...) }
func Internal(cause error, format string, args ...any) *Error {
	e := newf(KindInternal, format, args...)
	e.Cause = cause
	return e
}

// Wrap attaches a Kind to an arbitrary error without discarding it.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := newf(kind, format, args...)
	e.Cause = cause
	return e
}

// KindOf extracts the Kind of err, defaulting to KindInternal for
// errors that never went through this package.
func KindOf(err error) Kind {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return KindInternal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
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
