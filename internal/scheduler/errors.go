package scheduler

import (
	"errors"
	"fmt"

	"github.com/t77yq/agent-scheduler/internal/storage"
)

var (
	// ErrNotFound is returned when a schedule or run does not exist
	ErrNotFound = storage.ErrNotFound

	// ErrValidation is wrapped by every ValidationError
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when pausing a schedule that is not active or
	// resuming one that is not paused
	ErrInvalidTransition = storage.ErrStatusConflict

	// ErrDispatchRaceLost is reported when another trigger pass claimed the firing first
	ErrDispatchRaceLost = errors.New("dispatch race lost")

	// ErrAgentNotFound is returned by agent directories for unknown agent ids
	ErrAgentNotFound = errors.New("agent not found")

	// ErrExecutionTimeout is recorded on runs whose executor did not answer in time
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrRunAbandoned is recorded on runs left running by a scheduler that stopped
	// before recording their outcome
	ErrRunAbandoned = errors.New("run abandoned: scheduler stopped before recording an outcome")
)

// ValidationError describes a rejected schedule definition
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
