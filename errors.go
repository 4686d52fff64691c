package exporter

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error.
type ErrorType string

const (
	ErrorTypeSchemaConflict ErrorType = "schema_conflict"
	ErrorTypeCoercion       ErrorType = "coercion"
	ErrorTypeTransient      ErrorType = "transient"
	ErrorTypeBuffer         ErrorType = "buffer"
	ErrorTypeAuth           ErrorType = "auth"
	ErrorTypeNetwork        ErrorType = "network"
	ErrorTypeConfig         ErrorType = "config"
	ErrorTypeInternal       ErrorType = "internal"
)

// Error codes used across the exporter.
const (
	ErrCodeSchemaConflict   = "SCHEMA_CONFLICT"
	ErrCodeValueCoercion    = "VALUE_COERCION_FAILED"
	ErrCodeTransientWrite   = "TRANSIENT_WRITE"
	ErrCodeTransientAlter   = "TRANSIENT_ALTER"
	ErrCodeBufferNotFlushed = "BUFFER_NOT_FLUSHED"
	ErrCodeAuthFailed       = "AUTH_FAILED"
	ErrCodeNetworkFailure   = "NETWORK_FAILURE"
	ErrCodeConfigInvalid    = "CONFIG_INVALID"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// ExportError is the unified error type of the exporter. The retry layer
// relies on Type/Code to classify failures as retryable or fatal.
type ExportError struct {
	Type      ErrorType      `json:"type"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Blueprint string         `json:"blueprint,omitempty"`
	Entity    string         `json:"entity,omitempty"`
	Field     string         `json:"field,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *ExportError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	switch {
	case e.Entity != "" && e.Field != "":
		return fmt.Sprintf("[%s:%s] entity %s field '%s': %s", e.Type, e.Code, e.Entity, e.Field, msg)
	case e.Entity != "":
		return fmt.Sprintf("[%s:%s] entity %s: %s", e.Type, e.Code, e.Entity, msg)
	case e.Blueprint != "":
		return fmt.Sprintf("[%s:%s] blueprint %s: %s", e.Type, e.Code, e.Blueprint, msg)
	case e.Field != "":
		return fmt.Sprintf("[%s:%s] field '%s': %s", e.Type, e.Code, e.Field, msg)
	default:
		return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, msg)
	}
}

func (e *ExportError) Unwrap() error {
	return e.Cause
}

// WithBlueprint adds blueprint context to the error.
func (e *ExportError) WithBlueprint(blueprint string) *ExportError {
	e.Blueprint = blueprint
	return e
}

// WithEntity adds entity context to the error.
func (e *ExportError) WithEntity(identifier string) *ExportError {
	e.Entity = identifier
	return e
}

// WithField adds field context to the error.
func (e *ExportError) WithField(field string) *ExportError {
	e.Field = field
	return e
}

// WithCause adds an underlying cause to the error.
func (e *ExportError) WithCause(cause error) *ExportError {
	e.Cause = cause
	return e
}

// WithDetail adds a single detail to the error.
func (e *ExportError) WithDetail(key string, value any) *ExportError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ============================================================================
// Constructors
// ============================================================================

// NewSchemaConflictError reports two source fields sanitizing to the same
// column name. Fatal for the blueprint.
func NewSchemaConflictError(column, fieldA, fieldB string) *ExportError {
	return &ExportError{
		Type:    ErrorTypeSchemaConflict,
		Code:    ErrCodeSchemaConflict,
		Message: fmt.Sprintf("source fields %q and %q both sanitize to column %q", fieldA, fieldB, column),
		Details: map[string]any{"column": column, "fields": []string{fieldA, fieldB}},
	}
}

// NewValueCoercionError reports a row-level coercion failure. The caller
// skips the row and continues the batch.
func NewValueCoercionError(entity, field, message string) *ExportError {
	return &ExportError{
		Type:    ErrorTypeCoercion,
		Code:    ErrCodeValueCoercion,
		Message: message,
		Entity:  entity,
		Field:   field,
	}
}

// NewTransientWriteError reports a retryable streaming-insert failure.
func NewTransientWriteError(message string, cause error) *ExportError {
	return &ExportError{
		Type:    ErrorTypeTransient,
		Code:    ErrCodeTransientWrite,
		Message: message,
		Cause:   cause,
	}
}

// NewTransientAlterError reports a retryable table create/alter failure.
func NewTransientAlterError(message string, cause error) *ExportError {
	return &ExportError{
		Type:    ErrorTypeTransient,
		Code:    ErrCodeTransientAlter,
		Message: message,
		Cause:   cause,
	}
}

// NewBufferNotFlushedError reports a deduplication pass rejected because the
// warehouse streaming buffer has not flushed yet. Retried with long backoff,
// degrades to a warning on exhaustion.
func NewBufferNotFlushedError(message string, cause error) *ExportError {
	return &ExportError{
		Type:    ErrorTypeBuffer,
		Code:    ErrCodeBufferNotFlushed,
		Message: message,
		Cause:   cause,
	}
}

// NewAuthError reports an authentication failure from a collaborator. Fatal,
// never retried.
func NewAuthError(message string, cause error) *ExportError {
	return &ExportError{
		Type:    ErrorTypeAuth,
		Code:    ErrCodeAuthFailed,
		Message: message,
		Cause:   cause,
	}
}

// NewNetworkError reports a network failure from a collaborator. Fatal,
// never retried.
func NewNetworkError(message string, cause error) *ExportError {
	return &ExportError{
		Type:    ErrorTypeNetwork,
		Code:    ErrCodeNetworkFailure,
		Message: message,
		Cause:   cause,
	}
}

// NewInternalError reports an unexpected internal failure.
func NewInternalError(message string, cause error) *ExportError {
	return &ExportError{
		Type:    ErrorTypeInternal,
		Code:    ErrCodeInternal,
		Message: message,
		Cause:   cause,
	}
}

// ============================================================================
// Checkers
// ============================================================================

func hasCode(err error, code string) bool {
	var ee *ExportError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsSchemaConflict checks for a sanitized-name collision error.
func IsSchemaConflict(err error) bool { return hasCode(err, ErrCodeSchemaConflict) }

// IsValueCoercion checks for a row-level coercion error.
func IsValueCoercion(err error) bool { return hasCode(err, ErrCodeValueCoercion) }

// IsTransientWrite checks for a retryable insert error.
func IsTransientWrite(err error) bool { return hasCode(err, ErrCodeTransientWrite) }

// IsTransientAlter checks for a retryable create/alter error.
func IsTransientAlter(err error) bool { return hasCode(err, ErrCodeTransientAlter) }

// IsBufferNotFlushed checks for the streaming-buffer failure class.
func IsBufferNotFlushed(err error) bool { return hasCode(err, ErrCodeBufferNotFlushed) }

// IsAuth checks for an authentication error.
func IsAuth(err error) bool { return hasCode(err, ErrCodeAuthFailed) }

// IsNetwork checks for a network error.
func IsNetwork(err error) bool { return hasCode(err, ErrCodeNetworkFailure) }
