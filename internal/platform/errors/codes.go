// Package errors provides structured error handling with machine-readable
// codes shared by the dispatcher core and the administrative API.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Task errors
	CodeTaskValidation        Code = "TASK_VALIDATION"
	CodeUnknownTaskType       Code = "UNKNOWN_TASK_TYPE"
	CodeDuplicateTaskType     Code = "DUPLICATE_TASK_TYPE"
	CodeTaskInvalidTransition Code = "TASK_INVALID_TRANSITION"

	// Execution errors
	CodeTransientExecution Code = "TRANSIENT_EXECUTION"
	CodeExecutionTimeout   Code = "EXECUTION_TIMEOUT"
	CodeCircuitOpen        Code = "CIRCUIT_OPEN"

	// Queue/storage errors
	CodeNotFound             Code = "NOT_FOUND"
	CodeBackendUnavailable   Code = "BACKEND_UNAVAILABLE"
	CodeUnsupportedOperation Code = "UNSUPPORTED_OPERATION"
	CodeQueueUnknown         Code = "QUEUE_UNKNOWN"

	// Administrative errors
	CodeConfirmationRequired Code = "CONFIRMATION_REQUIRED"
	CodeBadRequest           Code = "BAD_REQUEST"
)

// HTTPStatus maps domain codes to HTTP status codes for the admin surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeTaskValidation,
		CodeUnknownTaskType,
		CodeTaskInvalidTransition,
		CodeQueueUnknown,
		CodeConfirmationRequired,
		CodeBadRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDuplicateTaskType:
		return http.StatusConflict
	case CodeUnsupportedOperation:
		return http.StatusNotImplemented
	case CodeCircuitOpen,
		CodeBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether an error with this code may be retried by the
// dispatcher. Validation and registration failures are permanent; transient
// execution failures, timeouts, and open circuits may be retried.
func (c Code) Retryable() bool {
	switch c {
	case CodeTransientExecution, CodeExecutionTimeout, CodeCircuitOpen, CodeBackendUnavailable:
		return true
	default:
		return false
	}
}
