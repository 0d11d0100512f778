package indexing

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError means the requested change collides with an in-flight action
// or a state that does not allow it.
type ConflictError struct {
	ExistingID int64
	Target     string
	Reason     string
}

func (e *ConflictError) Error() string {
	if e.ExistingID != 0 {
		return fmt.Sprintf("conflict on %s with action %d: %s", e.Target, e.ExistingID, e.Reason)
	}
	if e.Target != "" {
		return fmt.Sprintf("conflict on %s: %s", e.Target, e.Reason)
	}
	return "conflict: " + e.Reason
}

type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

// ExternalOperationError is a definitive rejection from the network side,
// e.g. a reverted transaction.
type ExternalOperationError struct {
	Reason         string
	TransactionRef string
}

func (e *ExternalOperationError) Error() string {
	return "external operation failed: " + e.Reason
}

// TransientNetworkError is a failure whose outcome is unknown and must be retried
// or reconciled later.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error on %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsTransient(err error) bool {
	var target *TransientNetworkError
	return errors.As(err, &target)
}
