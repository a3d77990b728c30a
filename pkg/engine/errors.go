// Package engine provides the core types and interfaces for the Faultline
// orchestration engine. It defines the fault lifecycle:
// Request -> Validate -> Render -> Apply -> Active -> Revert, plus the
// periodic reconciliation pass that detects drift between recorded and live
// backend state.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: backend timeouts, temporary API unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a fault scope conflict.
	// Example: an overlapping active fault holds the target selector.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: unknown template, invalid parameters, backend rejection.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Violation describes a single validation or policy failure. Validation is
// never fail-fast: callers receive every violation found in one pass.
type Violation struct {
	// Field is the request or template field that failed, if applicable.
	Field string `json:"field,omitempty"`

	// Message is the human-readable description of the failure.
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Field != "" {
		return fmt.Sprintf("%s: %s", v.Field, v.Message)
	}
	return v.Message
}

// FaultError represents a classified error with context.
// nolint:revive // FaultError is intentionally named to distinguish from standard errors
type FaultError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Instance is the fault instance ID that caused the error, if applicable.
	Instance string `json:"instance,omitempty"`

	// Template is the template ID involved, if applicable.
	Template string `json:"template,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Violations lists individual validation or policy failures.
	// Populated for VALIDATION_FAILED, INVALID_TEMPLATE and POLICY_DENIED.
	Violations []Violation `json:"violations,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *FaultError) Error() string {
	base := fmt.Sprintf("[%s]", e.Class)
	if e.Code != "" {
		base = fmt.Sprintf("[%s/%s]", e.Class, e.Code)
	}
	msg := fmt.Sprintf("%s %s", base, e.Message)
	if e.Instance != "" {
		msg += fmt.Sprintf(" (instance=%s)", e.Instance)
	}
	if e.Template != "" {
		msg += fmt.Sprintf(" (template=%s)", e.Template)
	}
	if len(e.Violations) > 0 {
		msg += fmt.Sprintf(": %d violation(s)", len(e.Violations))
		for _, v := range e.Violations {
			msg += "; " + v.String()
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *FaultError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *FaultError) Is(target error) bool {
	t, ok := target.(*FaultError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *FaultError {
	return &FaultError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *FaultError {
	return &FaultError{
		Class:   ErrorClassConflict,
		Message: message,
		Code:    ErrCodeConflict,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *FaultError {
	return &FaultError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a permanent error carrying the full list of
// violations found. The list is never truncated to the first failure.
func NewValidationError(message string, violations []Violation) *FaultError {
	return &FaultError{
		Class:      ErrorClassPermanent,
		Message:    message,
		Code:       ErrCodeValidation,
		Violations: violations,
	}
}

// WithInstance adds fault instance context to an error.
func (e *FaultError) WithInstance(instanceID string) *FaultError {
	e.Instance = instanceID
	return e
}

// WithTemplate adds template context to an error.
func (e *FaultError) WithTemplate(templateID string) *FaultError {
	e.Template = templateID
	return e
}

// WithOperation adds operation context to an error.
func (e *FaultError) WithOperation(operation string) *FaultError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *FaultError) WithCode(code string) *FaultError {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *FaultError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *FaultError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *FaultError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Only transient errors are retried by the engine; conflicts are surfaced to
// the caller, which may retry after backoff or choose a different scope.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// HasCode returns true if err is a FaultError with the given code.
func HasCode(err error, code string) bool {
	var e *FaultError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Common error codes. These mirror the engine's error taxonomy: lookups,
// load-time template defects, caller input defects, scope conflicts, and the
// adapter-boundary failures (render/apply/revert/status).
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeInvalidTemplate = "INVALID_TEMPLATE"
	ErrCodeValidation      = "VALIDATION_FAILED"
	ErrCodePolicyDenied    = "POLICY_DENIED"
	ErrCodeConflict        = "SCOPE_CONFLICT"
	ErrCodeRenderFailed    = "RENDER_FAILED"
	ErrCodeApplyRejected   = "APPLY_REJECTED"
	ErrCodeApplyFailed     = "APPLY_FAILED"
	ErrCodeRevertFailed    = "REVERT_FAILED"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeUnsupported     = "BACKEND_UNSUPPORTED"
	ErrCodeInvalidState    = "INVALID_STATE"
	ErrCodeInternal        = "INTERNAL_ERROR"
)
