package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
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

const tracerName = "workflow-api/services"

var _ WorkflowManager = (*WorkflowService)(nil)

// WorkflowService validates, compiles and persists workflow definitions.
type WorkflowService struct {
	store    repository.WorkflowStore
	compiler *compiler.Compiler
	logger   logging.Logger
	metrics  *monitoring.Service
	tracer   trace.Tracer
}

// NewWorkflowService creates a new WorkflowService. A nil metrics service
// records nothing.
func NewWorkflowService(store repository.WorkflowStore, c *compiler.Compiler, logger logging.Logger, metrics *monitoring.Service) *WorkflowService {
	if metrics == nil {
		metrics = monitoring.NewNop()
	}
	return &WorkflowService{
		store:    store,
		compiler: c,
		logger:   logging.With(logger, "component", "workflows"),
		metrics:  metrics,
		tracer:   otel.Tracer(tracerName),
	}
}

// List returns every stored workflow.
func (s *WorkflowService) List(ctx context.Context) (_ []*models.Workflow, err error) {
	ctx, span := s.tracer.Start(ctx, "workflows.list")
	defer func() { s.finish(ctx, span, "list", err) }()

	workflows, err := s.store.ListWorkflows(ctx)
	if err != nil {
		return nil, internal("Cannot list the workflows", err)
	}
	if workflows == nil {
		workflows = []*models.Workflow{}
	}
	return workflows, nil
}

// Create validates every task, compiles every body and fallback and stores
// the result. The store is not touched unless every step succeeded.
func (s *WorkflowService) Create(ctx context.Context, workflow *models.Workflow) (_ *models.Workflow, err error) {
	ctx, span := s.tracer.Start(ctx, "workflows.create")
	defer func() { s.finish(ctx, span, "create", err) }()

	wf := project(workflow)
	if err := validate(wf); err != nil {
		return nil, err
	}
	if err := s.compile(ctx, wf); err != nil {
		return nil, err
	}

	if wf.UUID == "" {
		wf.UUID = uuid.New().String()
	}
	span.SetAttributes(attribute.String("workflow.uuid", wf.UUID))

	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, internal("Cannot create the workflow", err)
	}
	s.logger.Info("Workflow created", "uuid", wf.UUID, "name", wf.Name,
		"chain", len(wf.Chain), "onerror", len(wf.OnError))
	return wf, nil
}

// Get returns the workflow stored at id.
func (s *WorkflowService) Get(ctx context.Context, id string) (_ *models.Workflow, err error) {
	ctx, span := s.tracer.Start(ctx, "workflows.get", trace.WithAttributes(attribute.String("workflow.uuid", id)))
	defer func() { s.finish(ctx, span, "get", err) }()

	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, internal("Cannot fetch the workflow", err)
	}
	return wf, nil
}

// Update replaces the workflow stored at id. expectedVersion is
// repository.AnyVersion for an unconditional replace.
func (s *WorkflowService) Update(ctx context.Context, id string, workflow *models.Workflow, expectedVersion int64) (_ *models.Workflow, err error) {
	ctx, span := s.tracer.Start(ctx, "workflows.update", trace.WithAttributes(attribute.String("workflow.uuid", id)))
	defer func() { s.finish(ctx, span, "update", err) }()

	wf := project(workflow)
	wf.UUID = id
	if err := validate(wf); err != nil {
		return nil, err
	}
	if err := s.compile(ctx, wf); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateWorkflow(ctx, wf, expectedVersion)
	if err != nil {
		return nil, internal("Cannot update the workflow", err)
	}
	s.logger.Info("Workflow updated", "uuid", id, "version", updated.Version)
	return updated, nil
}

// Delete removes the workflow stored at id. A delete that removes nothing
// after the workflow was found is an InternalError.
func (s *WorkflowService) Delete(ctx context.Context, id string, expectedVersion int64) (err error) {
	ctx, span := s.tracer.Start(ctx, "workflows.delete", trace.WithAttributes(attribute.String("workflow.uuid", id)))
	defer func() { s.finish(ctx, span, "delete", err) }()

	if _, err := s.store.GetWorkflow(ctx, id); err != nil {
		return internal("Cannot fetch the workflow", err)
	}

	deleted, err := s.store.DeleteWorkflow(ctx, id, expectedVersion)
	if err != nil {
		return internal("Cannot delete the workflow", err)
	}
	if !deleted {
		return &InternalError{Op: "Cannot delete the workflow"}
	}
	s.logger.Info("Workflow deleted", "uuid", id)
	return nil
}

func (s *WorkflowService) compile(ctx context.Context, wf *models.Workflow) error {
	for _, list := range wf.TaskLists() {
		for i := range list.Tasks {
			task := &list.Tasks[i]
			body, err := s.compiler.Compile(task.Body.Source)
			if err != nil {
				s.metrics.RecordCompileError(ctx)
				return fmt.Errorf("%s[%d].body: %w", list.Name, i, err)
			}
			task.Body = body

			// An empty fallback means none.
			if task.Fallback == nil || task.Fallback.Source == "" {
				task.Fallback = nil
				continue
			}
			fallback, err := s.compiler.Compile(task.Fallback.Source)
			if err != nil {
				s.metrics.RecordCompileError(ctx)
				return fmt.Errorf("%s[%d].fallback: %w", list.Name, i, err)
			}
			task.Fallback = fallback
		}
	}
	return nil
}

func (s *WorkflowService) finish(ctx context.Context, span trace.Span, op string, err error) {
	s.metrics.RecordOperation(ctx, "workflow", op, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var ie *InternalError
		if errors.As(err, &ie) {
			s.logger.Error("Workflow operation failed", "op", op, "error", err)
		}
	}
	span.End()
}

// project copies the client-settable fields of a workflow. Chains are
// copied so compiling in place never touches the caller's value.
func project(in *models.Workflow) *models.Workflow {
	if in == nil {
		in = &models.Workflow{}
	}
	out := &models.Workflow{
		UUID:    in.UUID,
		Name:    in.Name,
		Timeout: in.Timeout,
		Chain:   append([]models.Task(nil), in.Chain...),
		OnError: append([]models.Task(nil), in.OnError...),
	}
	out.Normalize()
	return out
}

// validate scans every task of both chains and reports the first task
// without a body. The scan always runs to completion.
func validate(wf *models.Workflow) error {
	var first error
	for _, list := range wf.TaskLists() {
		for i, task := range list.Tasks {
			if task.Body != nil && task.Body.Source != "" {
				continue
			}
			if first == nil {
				first = fmt.Errorf("%s[%d]: %w", list.Name, i, ErrTaskBodyRequired)
			}
		}
	}
	return first
}
