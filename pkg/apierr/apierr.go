// Package apierr defines the closed error-kind taxonomy that travels on the
// wire with every control-plane failure, per the error handling design: every
// user-visible failure carries a taxonomy label and a human reason.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a closed enumeration of the failure categories a HakuRiver
// component can report.
type Kind string

const (
	Validation  Kind = "validation"
	Capacity    Kind = "capacity"
	Dispatch    Kind = "dispatch"
	Backend     Kind = "backend"
	ExecNonzero Kind = "exec-nonzero"
	OOM         Kind = "oom"
	Liveness    Kind = "liveness"
	Proxy       Kind = "proxy"
	Conflict    Kind = "conflict"
	NotFound    Kind = "not-found"
)

// httpStatus maps each taxonomy kind to the HTTP status the coordinator's
// and runner's routers respond with.
var httpStatus = map[Kind]int{
	Validation:  http.StatusBadRequest,
	Capacity:    http.StatusConflict,
	Dispatch:    http.StatusBadGateway,
	Backend:     http.StatusBadGateway,
	ExecNonzero: http.StatusOK,
	OOM:         http.StatusOK,
	Liveness:    http.StatusConflict,
	Proxy:       http.StatusBadGateway,
	Conflict:    http.StatusConflict,
	NotFound:    http.StatusNotFound,
}

// Error is a taxonomy-tagged failure. It wraps an optional underlying error.
type Error struct {
	ErrKind Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrKind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.ErrKind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the HTTP status code associated with this error's kind.
func (e *Error) HTTPStatus() int {
	if status, ok := httpStatus[e.ErrKind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New builds a taxonomy-tagged error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{ErrKind: kind, Message: message}
}

// Wrap builds a taxonomy-tagged error around an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{ErrKind: kind, Message: message, Err: err}
}

// As extracts an *Error from err, if any exists in its chain.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// Envelope is the JSON shape an *Error is rendered as on the wire.
type Envelope struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Envelope renders e as its wire representation.
func (e *Error) Envelope() Envelope {
	return Envelope{Kind: e.ErrKind, Message: e.Message}
}
