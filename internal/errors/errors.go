// Package errors maps failures of the calibration API onto HTTP statuses and
// JSON-RPC 2.0 error codes.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
)

// JSON-RPC 2.0 error codes. Codes from -32000 down are implementation defined.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerError    = -32000
	CodeNotFound       = -32001
	CodeConflict       = -32002
)

// Error is an API error with its HTTP status and JSON-RPC code.
type Error struct {
	// The underlying error, if any
	Err error
	// A human-readable message describing the error
	Message string
	// HTTP status written for REST requests
	Status int
	// JSON-RPC error code
	Code int
}

// Error implements the error interface.
func (e *Error) Error() string {
	var builder strings.Builder
	builder.WriteString(e.Message)

	if e.Err != nil {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Err.Error())
	}

	return builder.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// BadRequest reports invalid client input.
func BadRequest(err error, msg string) *Error {
	return &Error{Err: err, Message: msg, Status: http.StatusBadRequest, Code: CodeInvalidParams}
}

// NotFound reports an unknown resource.
func NotFound(msg string) *Error {
	return &Error{Message: msg, Status: http.StatusNotFound, Code: CodeNotFound}
}

// Conflict reports a request that the resource's state forbids.
func Conflict(msg string) *Error {
	return &Error{Message: msg, Status: http.StatusConflict, Code: CodeConflict}
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return &Error{Err: err, Message: "internal error", Status: http.StatusInternalServerError, Code: CodeServerError}
}

// From returns the *Error in err's chain, or wraps err as Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// WriteJSON writes err as {"error": "..."} with its HTTP status.
func WriteJSON(w http.ResponseWriter, err error) {
	e := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": e.Error(),
	})
}
