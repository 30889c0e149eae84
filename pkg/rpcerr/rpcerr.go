// Package rpcerr defines the structured error taxonomy shared by the router, the
// server-side service and the client-side dispatcher.
package rpcerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes.
const (
	CodeRouteNotFound         = "ROUTE_NOT_FOUND"
	CodeMissingParameter      = "MISSING_PARAMETER"
	CodeInvalidArgument       = "INVALID_ARGUMENT"
	CodeUnsupportedVersion    = "UNSUPPORTED_VERSION"
	CodeUnsupportedKind       = "UNSUPPORTED_KIND"
	CodeExecutionFailure      = "EXECUTION_FAILURE"
	CodeRequestTimeout        = "REQUEST_TIMEOUT"
	CodeConnectionLost        = "CONNECTION_LOST"
	CodeConnectionUnavailable = "CONNECTION_UNAVAILABLE"
	CodeDuplicateCorrelation  = "DUPLICATE_CORRELATION"
	CodeDuplicateCall         = "DUPLICATE_CALL"
	CodeDuplicateRoute        = "DUPLICATE_ROUTE"
	CodeInternal              = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrRouteNotFound         = &Error{Code: CodeRouteNotFound}
	ErrMissingParameter      = &Error{Code: CodeMissingParameter}
	ErrInvalidArgument       = &Error{Code: CodeInvalidArgument}
	ErrUnsupportedVersion    = &Error{Code: CodeUnsupportedVersion}
	ErrUnsupportedKind       = &Error{Code: CodeUnsupportedKind}
	ErrExecutionFailure      = &Error{Code: CodeExecutionFailure}
	ErrRequestTimeout        = &Error{Code: CodeRequestTimeout}
	ErrConnectionLost        = &Error{Code: CodeConnectionLost}
	ErrConnectionUnavailable = &Error{Code: CodeConnectionUnavailable}
	ErrDuplicateCorrelation  = &Error{Code: CodeDuplicateCorrelation}
	ErrDuplicateCall         = &Error{Code: CodeDuplicateCall}
	ErrDuplicateRoute        = &Error{Code: CodeDuplicateRoute}
)

// Error is a classified failure. Status is the HTTP-equivalent code used when the
// error is carried inside a response envelope.
type Error struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Status    int         `json:"-"`
	Retryable bool        `json:"retryable"`
	cause     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	if e.cause != nil {
		return e.Code + ": " + e.Message + ": " + e.cause.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an Error with the default status for code.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: StatusFor(code), Retryable: retryable(code)}
}

// Newf is New with formatting.
func Newf(code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error that carries cause.
func Wrap(code string, cause error, message string) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// WithDetails sets Details and returns e.
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// RouteNotFound reports that no route matches verb and path.
func RouteNotFound(verb, path string) *Error {
	return Newf(CodeRouteNotFound, "no route for %s %s", verb, path).
		WithDetails(map[string]string{"verb": verb, "path": path})
}

// MissingParameter reports a required parameter absent from the request.
func MissingParameter(name, path string) *Error {
	return Newf(CodeMissingParameter, "missing required parameter %q for %s", name, path).
		WithDetails(map[string]string{"parameter": name, "path": path})
}

// ExecutionFailure wraps a failing method invocation.
func ExecutionFailure(verb, path string, cause error) *Error {
	msg := fmt.Sprintf("execution of %s %s failed", verb, path)
	return Wrap(CodeExecutionFailure, cause, msg).
		WithDetails(map[string]string{"verb": verb, "path": path})
}

// RequestTimeout reports a call that outlived its timeout.
func RequestTimeout(id string, timeoutMillis int64) *Error {
	return Newf(CodeRequestTimeout, "call %s timed out after %dms", id, timeoutMillis).
		WithDetails(map[string]interface{}{"msgId": id, "timeoutMillis": timeoutMillis})
}

// ConnectionLost reports that the transport closed while a call was pending.
func ConnectionLost(reason error) *Error {
	return Wrap(CodeConnectionLost, reason, "connection lost")
}

// ConnectionUnavailable reports that no active transport could be obtained.
func ConnectionUnavailable(reason error) *Error {
	return Wrap(CodeConnectionUnavailable, reason, "connection unavailable")
}

// From converts any error to an *Error. Unknown errors become INTERNAL_ERROR.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, err, "internal error")
}

// StatusFor maps a code to its HTTP-equivalent status.
func StatusFor(code string) int {
	switch code {
	case CodeRouteNotFound:
		return http.StatusNotFound
	case CodeMissingParameter, CodeInvalidArgument, CodeUnsupportedVersion, CodeUnsupportedKind:
		return http.StatusBadRequest
	case CodeRequestTimeout:
		return http.StatusRequestTimeout
	case CodeConnectionLost, CodeConnectionUnavailable:
		return http.StatusServiceUnavailable
	case CodeDuplicateCall, CodeDuplicateCorrelation, CodeDuplicateRoute:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// CodeForStatus maps an HTTP status back to the closest code.
func CodeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return CodeRouteNotFound
	case http.StatusBadRequest:
		return CodeInvalidArgument
	case http.StatusRequestTimeout:
		return CodeRequestTimeout
	case http.StatusServiceUnavailable:
		return CodeConnectionUnavailable
	default:
		return CodeInternal
	}
}

func retryable(code string) bool {
	switch code {
	case CodeInternal, CodeConnectionLost, CodeConnectionUnavailable:
		return true
	default:
		return false
	}
}
