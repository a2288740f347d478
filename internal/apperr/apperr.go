// Package apperr carries categorized failures from the upload core to the
// HTTP layer without reinterpreting error strings.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the machine-readable kind of a failure.
type Code string

const (
	CodeBadRequest       Code = "BAD_REQUEST"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeScopeViolation   Code = "SCOPE_VIOLATION"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeOffsetMismatch   Code = "OFFSET_MISMATCH"
	CodeIncomplete       Code = "INCOMPLETE"
	CodeExpired          Code = "EXPIRED"
	CodeTooLarge         Code = "CHUNK_TOO_LARGE"
	CodeChecksumMismatch Code = "CHECKSUM_MISMATCH"
	CodeInvalidFileType  Code = "INVALID_FILE_TYPE"
	CodeTooManyRequests  Code = "TOO_MANY_REQUESTS"
	CodeBandwidth        Code = "BANDWIDTH_EXCEEDED"
	CodeStorageQuota     Code = "STORAGE_QUOTA_EXCEEDED"
	CodeUpstream         Code = "UPSTREAM_FAILURE"
	CodeInternal         Code = "INTERNAL"
)

var statusByCode = map[Code]int{
	CodeBadRequest:       http.StatusBadRequest,
	CodeUnauthorized:     http.StatusUnauthorized,
	CodeForbidden:        http.StatusForbidden,
	CodeScopeViolation:   http.StatusForbidden,
	CodeNotFound:         http.StatusNotFound,
	CodeConflict:         http.StatusConflict,
	CodeOffsetMismatch:   http.StatusConflict,
	CodeIncomplete:       http.StatusConflict,
	CodeExpired:          http.StatusGone,
	CodeTooLarge:         http.StatusRequestEntityTooLarge,
	CodeChecksumMismatch: http.StatusUnprocessableEntity,
	CodeInvalidFileType:  http.StatusBadRequest,
	CodeTooManyRequests:  http.StatusTooManyRequests,
	CodeBandwidth:        http.StatusTooManyRequests,
	CodeStorageQuota:     http.StatusTooManyRequests,
	CodeUpstream:         http.StatusBadGateway,
	CodeInternal:         http.StatusInternalServerError,
}

// Error is a categorized failure with optional response context such as
// the authoritative offset after an OFFSET_MISMATCH.
type Error struct {
	Code    Code
	Message string
	Context map[string]any
	Err     error
}

// New returns an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches cause to a new Error. The cause is never shown to clients.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// With returns e with key set in its response context.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 1)
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Status is the HTTP status for e.
func (e *Error) Status() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeInternal
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}
