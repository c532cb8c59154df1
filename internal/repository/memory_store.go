package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"workflow-api/pkg/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps records in process memory. Records are held in their
// JSON form so callers never share state with the store. Safe for
// concurrent use; intended for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string][]byte
	jobs      map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string][]byte),
		jobs:      make(map[string][]byte),
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// ListWorkflows returns every stored workflow ordered by creation time.
func (s *MemoryStore) ListWorkflows(_ context.Context) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workflows := make([]*models.Workflow, 0, len(s.workflows))
	for _, data := range s.workflows {
		wf, err := decodeWorkflow(data)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	sort.Slice(workflows, func(i, j int) bool {
		if !workflows[i].CreatedAt.Equal(workflows[j].CreatedAt) {
			return workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
		}
		return workflows[i].UUID < workflows[j].UUID
	})
	return workflows, nil
}

// GetWorkflow retrieves a workflow by uuid.
func (s *MemoryStore) GetWorkflow(_ context.Context, uuid string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.workflows[uuid]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return decodeWorkflow(data)
}

// CreateWorkflow stores a new workflow.
func (s *MemoryStore) CreateWorkflow(_ context.Context, workflow *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[workflow.UUID]; exists {
		return ErrWorkflowExists
	}

	now := time.Now().UTC()
	workflow.Version = 1
	workflow.CreatedAt = now
	workflow.UpdatedAt = now

	data, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("failed to encode workflow: %w", err)
	}
	s.workflows[workflow.UUID] = data
	return nil
}

// UpdateWorkflow replaces the stored workflow.
func (s *MemoryStore) UpdateWorkflow(_ context.Context, workflow *models.Workflow, expectedVersion int64) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.workflows[workflow.UUID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	current, err := decodeWorkflow(data)
	if err != nil {
		return nil, err
	}
	if expectedVersion != AnyVersion && current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	updated := *workflow
	updated.Version = current.Version + 1
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = time.Now().UTC()

	data, err = json.Marshal(&updated)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow: %w", err)
	}
	s.workflows[workflow.UUID] = data
	return decodeWorkflow(data)
}

// DeleteWorkflow removes a workflow by uuid.
func (s *MemoryStore) DeleteWorkflow(_ context.Context, uuid string, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.workflows[uuid]
	if !ok {
		return false, nil
	}
	if expectedVersion != AnyVersion {
		current, err := decodeWorkflow(data)
		if err != nil {
			return false, err
		}
		if current.Version != expectedVersion {
			return false, ErrVersionConflict
		}
	}
	delete(s.workflows, uuid)
	return true, nil
}

// ListJobs returns every stored job ordered by creation time.
func (s *MemoryStore) ListJobs(_ context.Context) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, data := range s.jobs {
		job, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].UUID < jobs[j].UUID
	})
	return jobs, nil
}

// GetJob retrieves a job by uuid.
func (s *MemoryStore) GetJob(_ context.Context, uuid string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.jobs[uuid]
	if !ok {
		return nil, ErrJobNotFound
	}
	return decodeJob(data)
}

// CreateJob stores a new job.
func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.UUID]; exists {
		return ErrJobExists
	}

	now := time.Now().UTC()
	job.Version = 1
	job.CreatedAt = now
	job.UpdatedAt = now

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	s.jobs[job.UUID] = data
	return nil
}

// UpdateJob replaces the stored job.
func (s *MemoryStore) UpdateJob(_ context.Context, job *models.Job, expectedVersion int64) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.jobs[job.UUID]
	if !ok {
		return nil, ErrJobNotFound
	}
	current, err := decodeJob(data)
	if err != nil {
		return nil, err
	}
	if expectedVersion != AnyVersion && current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	updated := *job
	updated.Version = current.Version + 1
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = time.Now().UTC()

	data, err = json.Marshal(&updated)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	s.jobs[job.UUID] = data
	return decodeJob(data)
}

// DeleteJob removes a job by uuid.
func (s *MemoryStore) DeleteJob(_ context.Context, uuid string, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.jobs[uuid]
	if !ok {
		return false, nil
	}
	if expectedVersion != AnyVersion {
		current, err := decodeJob(data)
		if err != nil {
			return false, err
		}
		if current.Version != expectedVersion {
			return false, ErrVersionConflict
		}
	}
	delete(s.jobs, uuid)
	return true, nil
}

func decodeWorkflow(data []byte) (*models.Workflow, error) {
	var wf models.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	wf.Normalize()
	return &wf, nil
}

func decodeJob(data []byte) (*models.Job, error) {
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	job.Normalize()
	return &job, nil
}
