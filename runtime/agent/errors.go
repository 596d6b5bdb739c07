package agent

import (
	"errors"
	"fmt"
)

// Code classifies runtime failures. Codes are stable and surface unchanged in
// terminal run results so callers can branch without string matching.
type Code string

const (
	// CodeValidation reports bad input or a schema violation.
	CodeValidation Code = "Validation"
	// CodeNotFound reports missing persisted state or a missing manifest.
	CodeNotFound Code = "NotFound"
	// CodeBadRequest reports an invalid transition, an approval identifier
	// that matches no pending suspension, or a circular manifest graph.
	CodeBadRequest Code = "BadRequest"
	// CodeUnauthorized is reserved for boundary layers; opaque to the core.
	CodeUnauthorized Code = "Unauthorized"
	// CodeForbidden is reserved for boundary layers; opaque to the core.
	CodeForbidden Code = "Forbidden"
	// CodeConflict reports that a run is already executing.
	CodeConflict Code = "Conflict"
	// CodeTimeout reports that the active-execution budget was exceeded.
	CodeTimeout Code = "Timeout"
	// CodeCancelled reports cooperative cancellation.
	CodeCancelled Code = "Cancelled"
	// CodeInternal reports tool execution exceptions, provider failures and
	// cache/storage IO errors.
	CodeInternal Code = "InternalServer"
)

// Error is the runtime error descriptor. Errors flow explicitly as return
// values between components; only truly unexpected panics unwind and those
// are converted to CodeInternal at the service facade.
type Error struct {
	// Code is the stable classification of the failure.
	Code Code
	// Message is a human-readable description.
	Message string
	// Metadata identifies the offending entity (manifest id, approval id...).
	Metadata map[string]any
	// Cause is the wrapped underlying error, when any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Cause }

// WithMeta returns a copy of the error with the given metadata entry added.
func (e *Error) WithMeta(key string, value any) *Error {
	meta := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta[key] = value
	return &Error{Code: e.Code, Message: e.Message, Metadata: meta, Cause: e.Cause}
}

// Errorf builds an Error with the given code and formatted message. When the
// format arguments contain an error it is recorded as the cause.
func Errorf(code Code, format string, args ...any) *Error {
	var cause error
	for _, a := range args {
		if err, ok := a.(error); ok {
			cause = err
		}
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// ValidationErrorf builds a CodeValidation error.
func ValidationErrorf(format string, args ...any) *Error {
	return Errorf(CodeValidation, format, args...)
}

// NotFoundf builds a CodeNotFound error.
func NotFoundf(format string, args ...any) *Error {
	return Errorf(CodeNotFound, format, args...)
}

// BadRequestf builds a CodeBadRequest error.
func BadRequestf(format string, args ...any) *Error {
	return Errorf(CodeBadRequest, format, args...)
}

// Conflictf builds a CodeConflict error.
func Conflictf(format string, args ...any) *Error {
	return Errorf(CodeConflict, format, args...)
}

// Timeoutf builds a CodeTimeout error.
func Timeoutf(format string, args ...any) *Error {
	return Errorf(CodeTimeout, format, args...)
}

// Cancelledf builds a CodeCancelled error.
func Cancelledf(format string, args ...any) *Error {
	return Errorf(CodeCancelled, format, args...)
}

// Internalf builds a CodeInternal error.
func Internalf(format string, args ...any) *Error {
	return Errorf(CodeInternal, format, args...)
}

// AsError extracts an *Error from err, wrapping unknown errors as
// CodeInternal so every failure crossing the facade carries a stable code.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Code: CodeInternal, Message: err.Error(), Cause: err}
}

// CodeOf reports the classification of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if ae := AsError(err); ae != nil {
		return ae.Code
	}
	return CodeInternal
}
