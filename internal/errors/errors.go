// Package errors provides centralized error definitions and error handling utilities
// for draftsmith. It defines the orchestration fault taxonomy returned by the
// iteration engine, sentinel errors, semantic error types, and classification
// helpers.
//
// # Fault Codes
//
// Every failure the engine surfaces to a caller is a [Fault] carrying one of:
//   - invalid_state: the call is illegal for the session's current status
//   - provider_failure: the step executor or model call failed
//   - storage_error: the persistence collaborator failed
//   - template_error / persona_error: a descriptor lookup failed
//   - validation_error: input or output failed a shape/content check
//
// # Usage
//
//	fault := errors.NewFault(errors.CodeInvalidState, "session is not running").
//		WithDetail("status", "completed")
//
//	if errors.CodeOf(err) == errors.CodeProviderFailure && errors.IsRecoverable(err) {
//		// retry the step
//	}
//
// # Error Classification
//
// Faults carry an explicit recoverable flag so callers can decide whether to
// retry a step or abandon the session. Severity is derived from the code.
package errors

import (
	"errors"
	"fmt"
	"maps"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a session could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrSessionExists indicates that a session with the same ID is already registered.
	ErrSessionExists = New("session already exists")
	// ErrSessionBusy indicates that a step is already in flight for the session.
	ErrSessionBusy = New("session has a step in flight")
	// ErrSessionTerminal indicates that the session reached a terminal status.
	ErrSessionTerminal = New("session is terminal")
	// ErrSessionCorrupted indicates that persisted session data is corrupted.
	ErrSessionCorrupted = New("session data corrupted")
)

// Catalog-related sentinel errors
var (
	// ErrPersonaNotFound indicates that a persona descriptor could not be found.
	ErrPersonaNotFound = New("persona not found")
	// ErrTemplateNotFound indicates that a template descriptor could not be found.
	ErrTemplateNotFound = New("template not found")
)

// Provider-related sentinel errors
var (
	// ErrProviderUnavailable indicates the provider channel has no usable credentials.
	ErrProviderUnavailable = New("provider unavailable")
	// ErrEmptyCompletion indicates the model returned no usable text.
	ErrEmptyCompletion = New("model returned empty completion")
)

// General sentinel errors
var (
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Fault
// -----------------------------------------------------------------------------

// Code classifies a Fault.
type Code string

const (
	CodeInvalidState    Code = "invalid_state"
	CodeProviderFailure Code = "provider_failure"
	CodeStorageError    Code = "storage_error"
	CodeTemplateError   Code = "template_error"
	CodePersonaError    Code = "persona_error"
	CodeValidationError Code = "validation_error"
)

// Codes returns every fault code in a stable order.
func Codes() []Code {
	return []Code{
		CodeInvalidState,
		CodeProviderFailure,
		CodeStorageError,
		CodeTemplateError,
		CodePersonaError,
		CodeValidationError,
	}
}

// Fault is the uniform error result of the iteration engine and its callers.
// It is JSON-serializable so it can travel inside transition results.
//
// Example:
//
//	err := errors.NewFault(errors.CodeStorageError, "save snapshot").WithCause(ioErr)
//	fmt.Println(err) // "storage_error: save snapshot: <io error>"
type Fault struct {
	Code        Code           `json:"code"`
	Message     string         `json:"message"`
	Recoverable bool           `json:"recoverable"`
	Details     map[string]any `json:"details,omitempty"`

	cause error
}

// NewFault creates a Fault with the default recoverability for its code.
func NewFault(code Code, message string) *Fault {
	return &Fault{
		Code:        code,
		Message:     message,
		Recoverable: defaultRecoverable(code),
	}
}

// Newf creates a Fault with a formatted message.
func Newf(code Code, format string, args ...any) *Fault {
	return NewFault(code, fmt.Sprintf(format, args...))
}

// InvalidState is shorthand for a non-recoverable invalid_state fault.
func InvalidState(format string, args ...any) *Fault {
	return Newf(CodeInvalidState, format, args...)
}

// ProviderFailure wraps an executor error as a provider_failure fault.
func ProviderFailure(cause error) *Fault {
	msg := "step executor failed"
	if cause != nil {
		msg = cause.Error()
	}
	return NewFault(CodeProviderFailure, msg).WithCause(cause)
}

// StorageError wraps a persistence error as a storage_error fault.
func StorageError(operation string, cause error) *Fault {
	return NewFault(CodeStorageError, operation).WithCause(cause)
}

// Validation is shorthand for a validation_error fault.
func Validation(format string, args ...any) *Fault {
	return Newf(CodeValidationError, format, args...)
}

func defaultRecoverable(code Code) bool {
	switch code {
	case CodeProviderFailure, CodeStorageError:
		return true
	case CodeInvalidState, CodeTemplateError, CodePersonaError, CodeValidationError:
		return false
	default:
		return false
	}
}

// WithCause attaches an underlying error.
func (f *Fault) WithCause(cause error) *Fault {
	f.cause = cause
	return f
}

// WithRecoverable overrides the default recoverability.
func (f *Fault) WithRecoverable(r bool) *Fault {
	f.Recoverable = r
	return f
}

// WithDetail adds a key/value pair to the fault details.
func (f *Fault) WithDetail(key string, value any) *Fault {
	if f.Details == nil {
		f.Details = make(map[string]any)
	}
	f.Details[key] = value
	return f
}

// Error returns the formatted error message.
func (f *Fault) Error() string {
	var sb strings.Builder
	sb.WriteString(string(f.Code))
	if f.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(f.Message)
	}
	if f.cause != nil && f.cause.Error() != f.Message {
		sb.WriteString(": ")
		sb.WriteString(f.cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (f *Fault) Unwrap() error {
	return f.cause
}

// Is matches any *Fault with the same code, so errors.Is(err, &Fault{Code: c}) works.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return t.Code == "" || t.Code == f.Code
}

// Severity returns the severity level implied by the fault code.
func (f *Fault) Severity() Severity {
	switch f.Code {
	case CodeProviderFailure:
		if f.Recoverable {
			return SeverityWarning
		}
		return SeverityError
	case CodeStorageError:
		return SeverityError
	case CodeInvalidState, CodeValidationError, CodeTemplateError, CodePersonaError:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// Clone returns a deep copy of the fault, including its details map.
func (f *Fault) Clone() *Fault {
	if f == nil {
		return nil
	}
	out := *f
	if f.Details != nil {
		out.Details = maps.Clone(f.Details)
	}
	return &out
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("persona", "grumpy-editor")
//	fmt.Println(err) // "persona 'grumpy-editor' not found"
type NotFoundError struct {
	ResourceType string
	ResourceID   string
	cause        error
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceID: resourceID}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Unwrap returns the underlying error.
func (e *NotFoundError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("idea cannot be empty").WithField("idea")
type ValidationError struct {
	Field   string
	Value   any
	message string
	cause   error
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{message: message}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return target == ErrInvalidInput
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// FaultOf converts any error into a Fault. Existing faults in the chain are
// returned as-is; semantic errors map to their natural code; anything else
// becomes fallback.
func FaultOf(err error, fallback Code) *Fault {
	if err == nil {
		return nil
	}

	var fault *Fault
	if As(err, &fault) {
		return fault
	}

	var validation *ValidationError
	if As(err, &validation) {
		return NewFault(CodeValidationError, validation.Error()).WithCause(err)
	}

	switch {
	case Is(err, ErrPersonaNotFound):
		return NewFault(CodePersonaError, err.Error()).WithCause(err)
	case Is(err, ErrTemplateNotFound):
		return NewFault(CodeTemplateError, err.Error()).WithCause(err)
	case Is(err, ErrSessionBusy), Is(err, ErrSessionTerminal), Is(err, ErrSessionNotFound):
		return NewFault(CodeInvalidState, err.Error()).WithCause(err)
	}

	return NewFault(fallback, err.Error()).WithCause(err)
}

// CodeOf returns the fault code carried by err, or "" if err holds no Fault.
func CodeOf(err error) Code {
	var fault *Fault
	if As(err, &fault) {
		return fault.Code
	}
	return ""
}

// IsRecoverable returns true if err carries a recoverable Fault.
//
// Example:
//
//	if errors.IsRecoverable(err) {
//	    return advanceAgain(sessionID)
//	}
func IsRecoverable(err error) bool {
	var fault *Fault
	if As(err, &fault) {
		return fault.Recoverable
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that do not carry a Fault.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var fault *Fault
	if As(err, &fault) {
		return fault.Severity()
	}
	var notFound *NotFoundError
	var validation *ValidationError
	if As(err, &notFound) || As(err, &validation) {
		return SeverityWarning
	}
	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to load snapshot")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to load session %s", sessionID)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
