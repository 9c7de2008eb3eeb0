package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error carries the gRPC status of a failed Firestore call. It satisfies
// repositories.RepositoryError so services can branch on the category.
type Error struct {
	Op   string
	Code codes.Code
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports a missing document.
func (e *Error) IsNotFound() bool { return e.Code == codes.NotFound }

// IsConflict reports a create over an existing document, a failed precondition or an
// aborted transaction.
func (e *Error) IsConflict() bool {
	switch e.Code {
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return true
	}
	return false
}

// IsUnavailable reports errors worth retrying later.
func (e *Error) IsUnavailable() bool {
	switch e.Code {
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return true
	}
	return false
}

type categorised interface {
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// Wrap attaches op and the gRPC status to err. Cancellation surfaces as the context error
// and already categorised errors pass through untouched.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	var known categorised
	if errors.As(err, &known) {
		return err
	}
	return &Error{Op: op, Code: code, Err: err}
}
