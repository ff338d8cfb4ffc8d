package service

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies an AppError for the command façade.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindDatabase   ErrorKind = "database"
	KindFileSystem ErrorKind = "file_system"
	KindNetwork    ErrorKind = "network"
	KindLLM        ErrorKind = "llm"
	KindMigration  ErrorKind = "migration"
	KindInternal   ErrorKind = "internal"
)

var (
	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrExternalService is returned when an external service call fails.
	ErrExternalService = errors.New("external service error")
)

// AppError is the typed error returned by every façade command.
type AppError struct {
	Kind    ErrorKind       `json:"kind"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`

	cause error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error { return e.cause }

// NewAppError creates an AppError of the given kind wrapping cause (which may be nil).
func NewAppError(kind ErrorKind, message string, cause error) *AppError {
	return &AppError{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches structured details to the error. Marshal failures are
// ignored; the error itself is the payload that matters.
func (e *AppError) WithDetails(v any) *AppError {
	if raw, err := json.Marshal(v); err == nil {
		e.Details = raw
	}
	return e
}

// Validation builds a validation error for a single field.
func Validation(field, message string) *AppError {
	return NewAppError(KindValidation, fmt.Sprintf("%s: %s", field, message), ErrInvalidInput)
}

// WrapError wraps an error with additional context.
func WrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Classify maps an arbitrary error onto an AppError. Errors that already are
// AppErrors pass through unchanged.
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}
	var app *AppError
	if errors.As(err, &app) {
		return app
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return NewAppError(KindNotFound, err.Error(), err)
	case errors.Is(err, ErrInvalidInput):
		return NewAppError(KindValidation, err.Error(), err)
	case errors.Is(err, ErrExternalService):
		return NewAppError(KindNetwork, err.Error(), err)
	default:
		return NewAppError(KindInternal, err.Error(), err)
	}
}
