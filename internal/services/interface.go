package services

import (
	"context"

	"workflow-api/pkg/models"
)

// WorkflowManager is the lifecycle of workflow definitions as seen by the
// transports.
type WorkflowManager interface {
	List(ctx context.Context) ([]*models.Workflow, error)
	// Create validates, compiles and stores a new workflow. Nothing is
	// stored when any task fails validation or compilation.
	Create(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error)
	Get(ctx context.Context, uuid string) (*models.Workflow, error)
	Update(ctx context.Context, uuid string, workflow *models.Workflow, expectedVersion int64) (*models.Workflow, error)
	Delete(ctx context.Context, uuid string, expectedVersion int64) error
}

// JobManager is the lifecycle of job records.
type JobManager interface {
	List(ctx context.Context) ([]*models.Job, error)
	Create(ctx context.Context, req CreateJobRequest) (*models.Job, error)
	Get(ctx context.Context, uuid string) (*models.Job, error)
	Update(ctx context.Context, uuid string, req UpdateJobRequest, expectedVersion int64) (*models.Job, error)
	Delete(ctx context.Context, uuid string, expectedVersion int64) error
	Info(ctx context.Context, uuid string) ([]models.JobInfo, error)
	AddInfo(ctx context.Context, uuid string, entry models.JobInfo) (*models.Job, error)
}

// CreateJobRequest holds the fields a client may set on a new job.
type CreateJobRequest struct {
	UUID         string         `json:"uuid,omitempty"`
	Name         string         `json:"name,omitempty"`
	WorkflowUUID string         `json:"workflow_uuid"`
	Params       map[string]any `json:"params,omitempty"`
}

// UpdateJobRequest holds the mutable fields of a job. Nil fields are left
// unchanged.
type UpdateJobRequest struct {
	Name      *string              `json:"name,omitempty"`
	Params    map[string]any       `json:"params,omitempty"`
	Execution *models.JobExecution `json:"execution,omitempty"`
}
