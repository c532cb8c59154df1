package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mohae/deepcopy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"workflow-api/internal/compiler"
	"workflow-api/internal/logging"
	"workflow-api/internal/monitoring"
	"workflow-api/internal/repository"
	"workflow-api/pkg/models"
)

var _ JobManager = (*JobService)(nil)

// JobService records jobs. A job holds a snapshot of its workflow taken at
// creation; jobs are never executed here.
type JobService struct {
	jobs      repository.JobStore
	workflows repository.WorkflowStore
	compiler  *compiler.Compiler
	logger    logging.Logger
	metrics   *monitoring.Service
	tracer    trace.Tracer
	now       func() time.Time
}

// NewJobService creates a new JobService.
func NewJobService(jobs repository.JobStore, workflows repository.WorkflowStore, c *compiler.Compiler, logger logging.Logger, metrics *monitoring.Service) *JobService {
	if metrics == nil {
		metrics = monitoring.NewNop()
	}
	return &JobService{
		jobs:      jobs,
		workflows: workflows,
		compiler:  c,
		logger:    logging.With(logger, "component", "jobs"),
		metrics:   metrics,
		tracer:    otel.Tracer(tracerName),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// List returns every stored job.
func (s *JobService) List(ctx context.Context) (_ []*models.Job, err error) {
	ctx, span := s.tracer.Start(ctx, "jobs.list")
	defer func() { s.finish(ctx, span, "list", err) }()

	jobs, err := s.jobs.ListJobs(ctx)
	if err != nil {
		return nil, internal("Cannot list the jobs", err)
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	return jobs, nil
}

// Create snapshots the referenced workflow and stores a queued job.
func (s *JobService) Create(ctx context.Context, req CreateJobRequest) (_ *models.Job, err error) {
	ctx, span := s.tracer.Start(ctx, "jobs.create", trace.WithAttributes(attribute.String("workflow.uuid", req.WorkflowUUID)))
	defer func() { s.finish(ctx, span, "create", err) }()

	wf, err := s.workflows.GetWorkflow(ctx, req.WorkflowUUID)
	if err != nil {
		return nil, internal("Cannot fetch the workflow", err)
	}
	snapshot, err := s.snapshot(wf)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		UUID:         req.UUID,
		Name:         req.Name,
		WorkflowUUID: wf.UUID,
		Params:       req.Params,
		Execution:    models.JobQueued,
		Info:         []models.JobInfo{},
		Workflow:     snapshot,
	}
	if job.UUID == "" {
		job.UUID = uuid.New().String()
	}
	span.SetAttributes(attribute.String("job.uuid", job.UUID))

	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, internal("Cannot create the job", err)
	}
	s.logger.Info("Job created", "uuid", job.UUID, "workflow", wf.UUID, "workflow_version", wf.Version)
	return job, nil
}

// Get returns the job stored at id.
func (s *JobService) Get(ctx context.Context, id string) (_ *models.Job, err error) {
	ctx, span := s.tracer.Start(ctx, "jobs.get", trace.WithAttributes(attribute.String("job.uuid", id)))
	defer func() { s.finish(ctx, span, "get", err) }()

	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, internal("Cannot fetch the job", err)
	}
	return job, nil
}

// Update applies the non-nil fields of req. The only execution change a
// client may request is queued to canceled.
func (s *JobService) Update(ctx context.Context, id string, req UpdateJobRequest, expectedVersion int64) (_ *models.Job, err error) {
	ctx, span := s.tracer.Start(ctx, "jobs.update", trace.WithAttributes(attribute.String("job.uuid", id)))
	defer func() { s.finish(ctx, span, "update", err) }()

	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, internal("Cannot fetch the job", err)
	}
	if req.Name != nil {
		job.Name = *req.Name
	}
	if req.Params != nil {
		job.Params = req.Params
	}
	if req.Execution != nil && *req.Execution != job.Execution {
		if err := transition(job.Execution, *req.Execution); err != nil {
			return nil, err
		}
		job.Execution = *req.Execution
	}

	updated, err := s.jobs.UpdateJob(ctx, job, versionOr(expectedVersion, job.Version))
	if err != nil {
		return nil, internal("Cannot update the job", err)
	}
	s.logger.Info("Job updated", "uuid", id, "execution", updated.Execution, "version", updated.Version)
	return updated, nil
}

// Delete removes the job stored at id.
func (s *JobService) Delete(ctx context.Context, id string, expectedVersion int64) (err error) {
	ctx, span := s.tracer.Start(ctx, "jobs.delete", trace.WithAttributes(attribute.String("job.uuid", id)))
	defer func() { s.finish(ctx, span, "delete", err) }()

	if _, err := s.jobs.GetJob(ctx, id); err != nil {
		return internal("Cannot fetch the job", err)
	}
	deleted, err := s.jobs.DeleteJob(ctx, id, expectedVersion)
	if err != nil {
		return internal("Cannot delete the job", err)
	}
	if !deleted {
		return &InternalError{Op: "Cannot delete the job"}
	}
	s.logger.Info("Job deleted", "uuid", id)
	return nil
}

// Info returns the info log of the job stored at id.
func (s *JobService) Info(ctx context.Context, id string) ([]models.JobInfo, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return job.Info, nil
}

// AddInfo appends entry to the job's info log, stamping it with the
// current time.
func (s *JobService) AddInfo(ctx context.Context, id string, entry models.JobInfo) (_ *models.Job, err error) {
	ctx, span := s.tracer.Start(ctx, "jobs.add_info", trace.WithAttributes(attribute.String("job.uuid", id)))
	defer func() { s.finish(ctx, span, "add_info", err) }()

	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, internal("Cannot fetch the job", err)
	}
	entry.CreatedAt = s.now()
	job.Info = append(job.Info, entry)

	// Conditional on the version just read so concurrent appends never drop
	// an entry.
	updated, err := s.jobs.UpdateJob(ctx, job, job.Version)
	if err != nil {
		return nil, internal("Cannot update the job", err)
	}
	return updated, nil
}

// snapshot returns a deep copy of wf whose units are compiled, so the copy
// stays invocable however the source workflow changes later.
func (s *JobService) snapshot(wf *models.Workflow) (*models.Workflow, error) {
	cp, ok := deepcopy.Copy(wf).(*models.Workflow)
	if !ok || cp == nil {
		return nil, &InternalError{Op: "Cannot copy the workflow"}
	}
	cp.Normalize()
	for _, list := range cp.TaskLists() {
		for i := range list.Tasks {
			task := &list.Tasks[i]
			body, err := s.compiler.Hydrate(task.Body)
			if err != nil {
				return nil, &InternalError{Op: fmt.Sprintf("Cannot compile %s[%d].body", list.Name, i), Err: err}
			}
			fallback, err := s.compiler.Hydrate(task.Fallback)
			if err != nil {
				return nil, &InternalError{Op: fmt.Sprintf("Cannot compile %s[%d].fallback", list.Name, i), Err: err}
			}
			task.Body, task.Fallback = body, fallback
		}
	}
	return cp, nil
}

func (s *JobService) finish(ctx context.Context, span trace.Span, op string, err error) {
	s.metrics.RecordOperation(ctx, "job", op, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var ie *InternalError
		if errors.As(err, &ie) {
			s.logger.Error("Job operation failed", "op", op, "error", err)
		}
	}
	span.End()
}

func transition(from, to models.JobExecution) error {
	if from == models.JobQueued && to == models.JobCanceled {
		return nil
	}
	return fmt.Errorf("%s to %s: %w", from, to, ErrInvalidTransition)
}

// versionOr returns expected unless it is AnyVersion, in which case the
// version the caller read is used.
func versionOr(expected, read int64) int64 {
	if expected == repository.AnyVersion {
		return read
	}
	return expected
}
