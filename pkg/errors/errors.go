// Package errors provides custom error types for the canonflow system.
// These errors enable programmatic error checking with errors.Is/As and
// keep failure diagnostics attached to the entity that produced them.
package errors

import (
	"errors"
	"fmt"
)

// New returns an error that formats as the given text.
// It's an alias for the standard library errors.New for convenience.
var New = errors.New

// Common sentinel errors for the canonflow system
var (
	// ErrNotFound indicates that a requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates that provided input was invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrStorageUnavailable indicates that a backing store is unreachable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrAlreadyStarted indicates a start operation on a running component
	ErrAlreadyStarted = errors.New("already started")

	// ErrNotStarted indicates a stop or runtime operation on a stopped component
	ErrNotStarted = errors.New("not started")

	// ErrCanceled indicates that an operation was canceled
	ErrCanceled = errors.New("operation canceled")

	// ErrTransform indicates that a materialization transformer failed
	ErrTransform = errors.New("transform failed")
)

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Is implements errors.Is support
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidationError creates a new ValidationError
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// NotFoundError represents an error when a resource is not found
type NotFoundError struct {
	Resource string
	ID       string
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Resource, e.ID)
}

// Is implements errors.Is support
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// StorageError represents a failure in a backing store (ledger, parking
// queue, dead-letter sink). It always unwraps to ErrStorageUnavailable so
// callers can treat the whole update as retryable.
type StorageError struct {
	Operation string // "append", "read", "park", "drain", ...
	Resource  string // "ledger", "materialized", "parking", "deadletter"
	ID        string // entity type + canonical id when known
	Err       error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("storage error during %s on %s %s: %v", e.Operation, e.Resource, e.ID, e.Err)
	}
	return fmt.Sprintf("storage error during %s on %s: %v", e.Operation, e.Resource, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// NewStorageError creates a new StorageError
func NewStorageError(operation, resource, id string, err error) *StorageError {
	return &StorageError{Operation: operation, Resource: resource, ID: id, Err: err}
}

// TransformError represents a failure raised by a materialization
// transformer. The record for the offending canonical id is left unchanged
// for the cycle that produced this error.
type TransformError struct {
	EntityType  string
	CanonicalID string
	FieldPath   string // empty for record-level transformers
	Err         error
}

// Error implements the error interface
func (e *TransformError) Error() string {
	if e.FieldPath != "" {
		return fmt.Sprintf("transform failed for %s/%s field %s: %v", e.EntityType, e.CanonicalID, e.FieldPath, e.Err)
	}
	return fmt.Sprintf("transform failed for %s/%s: %v", e.EntityType, e.CanonicalID, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *TransformError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *TransformError) Is(target error) bool {
	return target == ErrTransform
}

// NewTransformError creates a new TransformError
func NewTransformError(entityType, canonicalID, fieldPath string, err error) *TransformError {
	return &TransformError{EntityType: entityType, CanonicalID: canonicalID, FieldPath: fieldPath, Err: err}
}

// ResolutionError records a failed identity-resolution attempt for a parked
// entry. It is stored on the entry, never returned to a caller.
type ResolutionError struct {
	EntityType string
	Attempts   int
	Err        error
}

// Error implements the error interface
func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolution failed for %s after %d attempts: %v", e.EntityType, e.Attempts, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Helper wrapping functions for common patterns

// WrapValidation wraps an error as a ValidationError
func WrapValidation(field string, err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Field: field, Message: err.Error()}
}

// WrapStorage wraps an error as a StorageError
func WrapStorage(operation, resource, id string, err error) error {
	if err == nil {
		return nil
	}
	return NewStorageError(operation, resource, id, err)
}

// WrapTransform wraps an error as a TransformError
func WrapTransform(entityType, canonicalID, fieldPath string, err error) error {
	if err == nil {
		return nil
	}
	return NewTransformError(entityType, canonicalID, fieldPath, err)
}
