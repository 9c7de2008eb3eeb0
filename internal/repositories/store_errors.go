package repositories

import "fmt"

// StoreErrorKind classifies a persistence failure.
type StoreErrorKind string

const (
	// StoreErrorUnknown represents an unspecified failure.
	StoreErrorUnknown StoreErrorKind = "store_unknown"
	// StoreErrorNotFound indicates the addressed record does not exist.
	StoreErrorNotFound StoreErrorKind = "store_not_found"
	// StoreErrorConflict indicates a duplicate key or a failed precondition.
	StoreErrorConflict StoreErrorKind = "store_conflict"
	// StoreErrorUnavailable indicates the backend could not be reached.
	StoreErrorUnavailable StoreErrorKind = "store_unavailable"
)

// StoreError is a RepositoryError for backends without a native error taxonomy.
type StoreError struct {
	Op      string
	Kind    StoreErrorKind
	Message string
	Err     error
}

var _ RepositoryError = (*StoreError)(nil)

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound implements RepositoryError.
func (e *StoreError) IsNotFound() bool { return e != nil && e.Kind == StoreErrorNotFound }

// IsConflict implements RepositoryError.
func (e *StoreError) IsConflict() bool { return e != nil && e.Kind == StoreErrorConflict }

// IsUnavailable implements RepositoryError.
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Kind == StoreErrorUnavailable }

// NewStoreError constructs a typed store error.
func NewStoreError(op string, kind StoreErrorKind, message string, err error) *StoreError {
	if message == "" {
		message = string(kind)
	}
	return &StoreError{
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NotFound is shorthand for a not-found store error.
func NotFound(op, format string, args ...any) *StoreError {
	return NewStoreError(op, StoreErrorNotFound, fmt.Sprintf(format, args...), nil)
}

// Conflict is shorthand for a conflict store error.
func Conflict(op, format string, args ...any) *StoreError {
	return NewStoreError(op, StoreErrorConflict, fmt.Sprintf(format, args...), nil)
}
