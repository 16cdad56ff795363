// Package errors provides the closed error-kind catalogue for the safety
// core. Every fallible core operation returns one of these
// kinds (or wraps one) instead of relying on exceptions for control flow.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is one of the closed set of error kinds the safety core recognizes.
// Each kind carries a fixed propagation policy (see the table): no
// kind is ever invented ad hoc by a caller.
type Kind string

const (
	NotFound            Kind = "NotFound"
	InvalidInput        Kind = "InvalidInput"
	Forbidden           Kind = "Forbidden"
	InterlockViolated   Kind = "InterlockViolated"
	Conflict            Kind = "Conflict"
	ServiceUnavailable  Kind = "ServiceUnavailable"
	CircuitOpen         Kind = "CircuitOpen"
	TransmitQueueFull   Kind = "TransmitQueueFull"
	Timeout             Kind = "Timeout"
	EmergencyStopActive Kind = "EmergencyStopActive"
	CircularDependency  Kind = "CircularDependency"
	Internal            Kind = "Internal"
)

// httpStatus is the HTTP-equivalent status for each kind, surfaced only
// for the HTTP handlers layered on top; the core itself never writes to
// an http.ResponseWriter.
var httpStatus = map[Kind]int{
	NotFound:            http.StatusNotFound,
	InvalidInput:        http.StatusBadRequest,
	Forbidden:           http.StatusForbidden,
	InterlockViolated:   http.StatusConflict,
	Conflict:            http.StatusConflict,
	ServiceUnavailable:  http.StatusServiceUnavailable,
	CircuitOpen:         http.StatusServiceUnavailable,
	TransmitQueueFull:   http.StatusServiceUnavailable,
	Timeout:             http.StatusGatewayTimeout,
	EmergencyStopActive: http.StatusConflict,
	CircularDependency:  http.StatusInternalServerError,
	Internal:            http.StatusInternalServerError,
}

// retryableKinds are the transient kinds that carry a
// suggested retry-after.
var retryableKinds = map[Kind]bool{
	CircuitOpen:       true,
	TransmitQueueFull: true,
	Timeout:           true,
}

// ServiceError is the structured error every fallible core operation
// returns.
type ServiceError struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
	Retryable  bool
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional structured detail to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter marks the error retryable with the given suggested delay.
func (e *ServiceError) WithRetryAfter(d time.Duration) *ServiceError {
	e.Retryable = true
	e.RetryAfter = d
	return e
}

// New creates a new ServiceError of the given kind.
func New(kind Kind, message string) *ServiceError {
	return &ServiceError{
		Kind:       kind,
		Message:    message,
		HTTPStatus: httpStatus[kind],
		Retryable:  retryableKinds[kind],
	}
}

// Wrap wraps an existing error with a ServiceError of the given kind.
func Wrap(kind Kind, message string, err error) *ServiceError {
	se := New(kind, message)
	se.Err = err
	return se
}

// Constructors for each kind.

func NotFoundErr(resource, id string) *ServiceError {
	return New(NotFound, "resource not found").
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func InvalidInputErr(field, reason string) *ServiceError {
	return New(InvalidInput, "invalid input").
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func ForbiddenErr(message string) *ServiceError {
	return New(Forbidden, message)
}

func InterlockViolatedErr(reason string) *ServiceError {
	return New(InterlockViolated, "safety interlock violated").
		WithDetails("reason", reason)
}

func ConflictErr(message string) *ServiceError {
	return New(Conflict, message)
}

func ServiceUnavailableErr(service string) *ServiceError {
	return New(ServiceUnavailable, "required service unavailable").
		WithDetails("service", service)
}

func CircuitOpenErr(target string, retryAfter time.Duration) *ServiceError {
	return New(CircuitOpen, "circuit breaker open").
		WithDetails("target", target).
		WithRetryAfter(retryAfter)
}

func TransmitQueueFullErr(iface string, retryAfter time.Duration) *ServiceError {
	return New(TransmitQueueFull, "CAN transmit queue full").
		WithDetails("interface", iface).
		WithRetryAfter(retryAfter)
}

func TimeoutErr(operation string, retryAfter time.Duration) *ServiceError {
	return New(Timeout, "operation exceeded bound").
		WithDetails("operation", operation).
		WithRetryAfter(retryAfter)
}

func EmergencyStopActiveErr() *ServiceError {
	return New(EmergencyStopActive, "emergency stop active")
}

func CircularDependencyErr(detail string) *ServiceError {
	return New(CircularDependency, "circular dependency in service registration").
		WithDetails("detail", detail)
}

func InternalErr(message string, err error) *ServiceError {
	return Wrap(Internal, message, err)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP-equivalent status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is reports whether err is a ServiceError of the given kind. Used at
// call sites that branch on error kind (e.g. the control service
// distinguishing InterlockViolated from Forbidden).
func Is(err error, kind Kind) bool {
	se := GetServiceError(err)
	return se != nil && se.Kind == kind
}
