package svcacct

import (
	"errors"
	"fmt"
)

// Category classifies errors for handling and reporting.
type Category string

const (
	// CategoryForbidden indicates the caller lacks the owner or admin grant.
	CategoryForbidden Category = "forbidden"
	// CategoryValidation indicates malformed input, an invalid access level,
	// or a rejected self-lockout attempt.
	CategoryValidation Category = "validation"
	// CategoryNotFound indicates an unknown account, subject or role.
	CategoryNotFound Category = "not_found"
	// CategoryConflict indicates the resource already exists or is already
	// in the requested state.
	CategoryConflict Category = "conflict"
	// CategoryQuota indicates a provider-side credential quota was hit.
	CategoryQuota Category = "quota"
	// CategoryBackend indicates a downstream call failed with no applicable
	// compensation.
	CategoryBackend Category = "backend"
	// CategoryPartial indicates a saga's compensating rollback also failed.
	// The system is in a state that needs operator attention.
	CategoryPartial Category = "partial_failure"
)

// Error is a structured error with a category and call context.
type Error struct {
	// Category classifies the error type.
	Category Category

	// Message is a human-readable error message.
	Message string

	// Operation is the operation that failed.
	Operation string

	// ResourceType is the type of resource involved.
	ResourceType string

	// ResourceID is the id of the resource involved.
	ResourceID string

	// Cause is the underlying error.
	Cause error

	// Details contains additional error context.
	Details map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Category, e.Message)
	if e.Operation != "" {
		msg = fmt.Sprintf("[%s:%s] %s", e.Operation, e.Category, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by category.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Category == other.Category
	}
	return false
}

// NewError creates a new Error.
func NewError(category Category, message string) *Error {
	return &Error{
		Category: category,
		Message:  message,
		Details:  make(map[string]interface{}),
	}
}

// WithOperation sets the operation.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithResource sets the resource type and id.
func (e *Error) WithResource(resourceType, resourceID string) *Error {
	e.ResourceType = resourceType
	e.ResourceID = resourceID
	return e
}

// WithCause sets the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetail adds a detail to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// Convenience constructors for common error types

// ErrForbidden creates a forbidden error.
func ErrForbidden(message string) *Error {
	return NewError(CategoryForbidden, message)
}

// ErrValidation creates a validation error.
func ErrValidation(message string) *Error {
	return NewError(CategoryValidation, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(resourceType, resourceID string) *Error {
	return NewError(CategoryNotFound, fmt.Sprintf("%s not found: %s", resourceType, resourceID)).
		WithResource(resourceType, resourceID)
}

// ErrConflict creates a conflict error.
func ErrConflict(message string) *Error {
	return NewError(CategoryConflict, message)
}

// ErrQuota creates a quota error.
func ErrQuota(message string) *Error {
	return NewError(CategoryQuota, message)
}

// ErrBackend creates a backend failure error.
func ErrBackend(message string) *Error {
	return NewError(CategoryBackend, message)
}

// ErrPartial creates a partial-failure error. The contact-admin suffix is
// always appended so the outcome is never mistaken for a clean failure.
func ErrPartial(message string) *Error {
	return NewError(CategoryPartial, message+" "+MsgContactAdmin)
}

// IsCategory checks if an error is of a specific category.
func IsCategory(err error, category Category) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Category == category
	}
	return false
}

// RollbackError reports a failed compensating rollback with partial
// cleanup information. It always classifies as CategoryPartial.
type RollbackError struct {
	// OriginalError is the error that triggered rollback.
	OriginalError error

	// RollbackErrors are errors encountered during rollback.
	RollbackErrors []error

	// CleanedResources lists resources that were successfully cleaned up.
	CleanedResources []string

	// OrphanedResources lists resources that couldn't be cleaned up.
	OrphanedResources []string
}

// Error implements the error interface.
func (e *RollbackError) Error() string {
	msg := fmt.Sprintf("rollback failed after: %v", e.OriginalError)
	if len(e.OrphanedResources) > 0 {
		msg = fmt.Sprintf("%s; orphaned resources: %v", msg, e.OrphanedResources)
	}
	return msg + " " + MsgContactAdmin
}

// Unwrap returns the original error.
func (e *RollbackError) Unwrap() error {
	return e.OriginalError
}

// Is classifies a RollbackError as a partial failure.
func (e *RollbackError) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Category == CategoryPartial
	}
	return false
}
