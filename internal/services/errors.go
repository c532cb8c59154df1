package services

import (
	"errors"
	"fmt"

	"workflow-api/internal/repository"
)

// Store sentinels surface unchanged through the service layer so callers
// need a single import to classify failures.
var (
	ErrWorkflowNotFound = repository.ErrWorkflowNotFound
	ErrWorkflowExists   = repository.ErrWorkflowExists
	ErrJobNotFound      = repository.ErrJobNotFound
	ErrJobExists        = repository.ErrJobExists
	ErrVersionConflict  = repository.ErrVersionConflict
)

var (
	// ErrTaskBodyRequired is returned when a task of a submitted workflow has
	// no body.
	ErrTaskBodyRequired = errors.New("Task body is required")

	// ErrInvalidTransition is returned when a job update requests an
	// execution state the job cannot move to.
	ErrInvalidTransition = errors.New("invalid execution transition")
)

// InternalError is a backend failure the caller cannot act on. Op names the
// operation that failed.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// internal wraps err as an InternalError unless it is one of the sentinels
// the transport maps to a client error.
func internal(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrWorkflowNotFound),
		errors.Is(err, repository.ErrWorkflowExists),
		errors.Is(err, repository.ErrJobNotFound),
		errors.Is(err, repository.ErrJobExists),
		errors.Is(err, repository.ErrVersionConflict):
		return err
	}
	return &InternalError{Op: op, Err: err}
}
