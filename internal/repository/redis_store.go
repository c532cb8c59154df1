package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"workflow-api/pkg/models"
)

var _ Store = (*RedisStore)(nil)

// Redis key layout. Every record is a JSON string value; a set per resource
// tracks the ids for enumeration.
const keyPrefix = "workflow-api:"

func workflowKey(uuid string) string { return keyPrefix + "workflow:" + uuid }

const workflowIDsKey = keyPrefix + "workflow_ids"

func jobKey(uuid string) string { return keyPrefix + "job:" + uuid }

const jobIDsKey = keyPrefix + "job_ids"

// RedisStore is a Redis implementation of Store. Updates and deletes run in
// WATCH/MULTI transactions; a concurrent write to the same key surfaces as
// ErrVersionConflict.
type RedisStore struct {
	client goredis.UniversalClient
}

// NewRedisStore creates a RedisStore over an existing client.
func NewRedisStore(client goredis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// ListWorkflows returns every stored workflow ordered by creation time.
func (s *RedisStore) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	values, err := s.list(ctx, workflowIDsKey, workflowKey)
	if err != nil {
		return nil, fmt.Errorf("redis: list workflows: %w", err)
	}
	workflows := make([]*models.Workflow, 0, len(values))
	for _, data := range values {
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
func (s *RedisStore) GetWorkflow(ctx context.Context, uuid string) (*models.Workflow, error) {
	data, err := s.client.Get(ctx, workflowKey(uuid)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get workflow: %w", err)
	}
	return decodeWorkflow(data)
}

// CreateWorkflow stores a new workflow.
func (s *RedisStore) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	now := time.Now().UTC()
	workflow.Version = 1
	workflow.CreatedAt = now
	workflow.UpdatedAt = now

	data, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("failed to encode workflow: %w", err)
	}
	created, err := s.create(ctx, workflowKey(workflow.UUID), workflowIDsKey, workflow.UUID, data)
	if err != nil {
		return fmt.Errorf("redis: create workflow: %w", err)
	}
	if !created {
		return ErrWorkflowExists
	}
	return nil
}

// UpdateWorkflow replaces the stored workflow.
func (s *RedisStore) UpdateWorkflow(ctx context.Context, workflow *models.Workflow, expectedVersion int64) (*models.Workflow, error) {
	var updated models.Workflow
	err := s.replace(ctx, workflowKey(workflow.UUID), expectedVersion, ErrWorkflowNotFound, func(data []byte) ([]byte, error) {
		current, err := decodeWorkflow(data)
		if err != nil {
			return nil, err
		}
		if expectedVersion != AnyVersion && current.Version != expectedVersion {
			return nil, ErrVersionConflict
		}
		updated = *workflow
		updated.Version = current.Version + 1
		updated.CreatedAt = current.CreatedAt
		updated.UpdatedAt = time.Now().UTC()
		return json.Marshal(&updated)
	})
	if err != nil {
		return nil, err
	}
	updated.Normalize()
	return &updated, nil
}

// DeleteWorkflow removes a workflow by uuid.
func (s *RedisStore) DeleteWorkflow(ctx context.Context, uuid string, expectedVersion int64) (bool, error) {
	return s.remove(ctx, workflowKey(uuid), workflowIDsKey, uuid, expectedVersion, func(data []byte) error {
		if expectedVersion == AnyVersion {
			return nil
		}
		current, err := decodeWorkflow(data)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return ErrVersionConflict
		}
		return nil
	})
}

// ListJobs returns every stored job ordered by creation time.
func (s *RedisStore) ListJobs(ctx context.Context) ([]*models.Job, error) {
	values, err := s.list(ctx, jobIDsKey, jobKey)
	if err != nil {
		return nil, fmt.Errorf("redis: list jobs: %w", err)
	}
	jobs := make([]*models.Job, 0, len(values))
	for _, data := range values {
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
func (s *RedisStore) GetJob(ctx context.Context, uuid string) (*models.Job, error) {
	data, err := s.client.Get(ctx, jobKey(uuid)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get job: %w", err)
	}
	return decodeJob(data)
}

// CreateJob stores a new job.
func (s *RedisStore) CreateJob(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	job.Version = 1
	job.CreatedAt = now
	job.UpdatedAt = now

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	created, err := s.create(ctx, jobKey(job.UUID), jobIDsKey, job.UUID, data)
	if err != nil {
		return fmt.Errorf("redis: create job: %w", err)
	}
	if !created {
		return ErrJobExists
	}
	return nil
}

// UpdateJob replaces the stored job.
func (s *RedisStore) UpdateJob(ctx context.Context, job *models.Job, expectedVersion int64) (*models.Job, error) {
	var updated models.Job
	err := s.replace(ctx, jobKey(job.UUID), expectedVersion, ErrJobNotFound, func(data []byte) ([]byte, error) {
		current, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		if expectedVersion != AnyVersion && current.Version != expectedVersion {
			return nil, ErrVersionConflict
		}
		updated = *job
		updated.Version = current.Version + 1
		updated.CreatedAt = current.CreatedAt
		updated.UpdatedAt = time.Now().UTC()
		return json.Marshal(&updated)
	})
	if err != nil {
		return nil, err
	}
	updated.Normalize()
	return &updated, nil
}

// DeleteJob removes a job by uuid.
func (s *RedisStore) DeleteJob(ctx context.Context, uuid string, expectedVersion int64) (bool, error) {
	return s.remove(ctx, jobKey(uuid), jobIDsKey, uuid, expectedVersion, func(data []byte) error {
		if expectedVersion == AnyVersion {
			return nil
		}
		current, err := decodeJob(data)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return ErrVersionConflict
		}
		return nil
	})
}

func (s *RedisStore) list(ctx context.Context, idsKey string, key func(string) string) ([][]byte, error) {
	ids, err := s.client.SMembers(ctx, idsKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([][]byte, 0, len(values))
	for _, v := range values {
		// A member whose key was removed between SMEMBERS and MGET.
		str, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, []byte(str))
	}
	return out, nil
}

func (s *RedisStore) create(ctx context.Context, key, idsKey, id string, data []byte) (bool, error) {
	pipe := s.client.TxPipeline()
	set := pipe.SetNX(ctx, key, data, 0)
	pipe.SAdd(ctx, idsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return set.Val(), nil
}

func (s *RedisStore) replace(ctx context.Context, key string, expectedVersion int64, notFound error, fn func([]byte) ([]byte, error)) error {
	return s.watch(ctx, key, expectedVersion, func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return notFound
		}
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	})
}

func (s *RedisStore) remove(ctx context.Context, key, idsKey, id string, expectedVersion int64, check func([]byte) error) (bool, error) {
	var removed bool
	err := s.watch(ctx, key, expectedVersion, func(tx *goredis.Tx) error {
		removed = false
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := check(current); err != nil {
			return err
		}
		var del *goredis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			del = pipe.Del(ctx, key)
			pipe.SRem(ctx, idsKey, id)
			return nil
		})
		if err != nil {
			return err
		}
		removed = del.Val() > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// maxTxAttempts bounds the retries of an unconditional write that keeps
// losing its WATCH race.
const maxTxAttempts = 16

// watch runs fn in a WATCH transaction on key. A lost race is a version
// conflict for a conditional write and is retried for an unconditional one.
func (s *RedisStore) watch(ctx context.Context, key string, expectedVersion int64, fn func(*goredis.Tx) error) error {
	attempts := 1
	if expectedVersion == AnyVersion {
		attempts = maxTxAttempts
	}
	for range attempts {
		err := s.client.Watch(ctx, fn, key)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return ErrVersionConflict
}
