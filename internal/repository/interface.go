package repository

import (
	"context"
	"errors"

	"workflow-api/pkg/models"
)

var (
	// ErrWorkflowNotFound is returned when no workflow is stored at a uuid.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrWorkflowExists is returned when creating a workflow whose uuid is taken.
	ErrWorkflowExists = errors.New("workflow already exists")
	// ErrJobNotFound is returned when no job is stored at a uuid.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when creating a job whose uuid is taken.
	ErrJobExists = errors.New("job already exists")
	// ErrVersionConflict is returned when the stored version differs from
	// the version the caller expected.
	ErrVersionConflict = errors.New("version conflict")
)

// AnyVersion disables the version check of an update or delete.
const AnyVersion int64 = 0

// WorkflowStore persists workflows keyed by uuid. Every operation is atomic
// for its key.
type WorkflowStore interface {
	// ListWorkflows returns every stored workflow.
	ListWorkflows(ctx context.Context) ([]*models.Workflow, error)
	// GetWorkflow returns the workflow stored at uuid or ErrWorkflowNotFound.
	GetWorkflow(ctx context.Context, uuid string) (*models.Workflow, error)
	// CreateWorkflow stores a new workflow, setting its version and timestamps.
	CreateWorkflow(ctx context.Context, workflow *models.Workflow) error
	// UpdateWorkflow replaces the stored workflow and returns the new record.
	UpdateWorkflow(ctx context.Context, workflow *models.Workflow, expectedVersion int64) (*models.Workflow, error)
	// DeleteWorkflow removes the workflow and reports whether a record was removed.
	DeleteWorkflow(ctx context.Context, uuid string, expectedVersion int64) (bool, error)
}

// JobStore persists jobs keyed by uuid.
type JobStore interface {
	ListJobs(ctx context.Context) ([]*models.Job, error)
	GetJob(ctx context.Context, uuid string) (*models.Job, error)
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJob(ctx context.Context, job *models.Job, expectedVersion int64) (*models.Job, error)
	DeleteJob(ctx context.Context, uuid string, expectedVersion int64) (bool, error)
}

// Store is a backend able to hold every resource of the API.
type Store interface {
	WorkflowStore
	JobStore
	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the backend's resources.
	Close() error
}
