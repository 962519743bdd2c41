// Package errors provides the structured error type used across the
// librarian pipeline for category-based classification and retry semantics.
package errors

import (
	"errors"
	"fmt"
)

// Category classifies a pipeline error by the stage contract it violates.
type Category string

const (
	// Manifest intake errors.
	CategorySchema Category = "schema"
	CategoryConfig Category = "config"

	// External collaborator errors.
	CategorySource      Category = "source"
	CategoryBuild       Category = "build"
	CategoryInfra       Category = "infra"
	CategorySigning     Category = "signing"
	CategoryPublication Category = "publication"

	// State and scheduling errors.
	CategoryConflict Category = "conflict"
	CategoryTimeout  Category = "timeout"
	CategoryInternal Category = "internal"
)

// Severity indicates how critical an error is.
type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Fields carries structured context for an Error.
type Fields map[string]any

// Error is a structured pipeline error with category, retryability, and context.
type Error struct {
	Category  Category `json:"category"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	Cause     error    `json:"-"`
	Retryable bool     `json:"retryable"`
	Context   Fields   `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds a context field to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(Fields)
	}
	e.Context[key] = value
	return e
}

// New creates a new Error.
func New(category Category, severity Severity, message string) *Error {
	return &Error{Category: category, Severity: severity, Message: message}
}

// Wrap creates a new Error that wraps an existing error.
func Wrap(err error, category Category, severity Severity, message string) *Error {
	return &Error{Category: category, Severity: severity, Message: message, Cause: err}
}

// Retryable creates a new retryable Error.
func Retryable(category Category, severity Severity, message string) *Error {
	return &Error{Category: category, Severity: severity, Message: message, Retryable: true}
}

// WrapRetryable creates a new retryable Error that wraps an existing error.
func WrapRetryable(err error, category Category, severity Severity, message string) *Error {
	return &Error{Category: category, Severity: severity, Message: message, Cause: err, Retryable: true}
}

// IsCategory reports whether err (or anything it wraps) carries the category.
func IsCategory(err error, category Category) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Category == category
	}
	return false
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Retryable
	}
	return false
}

// GetCategory extracts the category from an error, or CategoryInternal when
// err is not a structured Error.
func GetCategory(err error) Category {
	var le *Error
	if errors.As(err, &le) {
		return le.Category
	}
	return CategoryInternal
}
