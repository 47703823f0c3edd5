// Package fault defines the error taxonomy shared by the convoy core.
// Validation and NotFound surface to callers as 4xx-equivalents; Execution
// is captured into a task's error field; Persistence wraps datastore
// failures and is propagated as-is for CRUD paths.
package fault

import (
	"errors"
	"fmt"
)

// ValidationError reports missing or malformed input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// Validation builds a ValidationError for a field.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports an absent entity, or one not owned by the caller.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// ExecutionError is a step failure inside a task run. It is recorded on the
// task and ends the step loop; it does not propagate out of Execute.
type ExecutionError struct {
	TaskID string
	Step   int
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s step %d: %v", e.TaskID, e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Execution wraps a step failure.
func Execution(taskID string, step int, err error) error {
	return &ExecutionError{TaskID: taskID, Step: step, Err: err}
}

// PersistenceError wraps a datastore failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps a datastore failure for the given operation.
func Persistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
