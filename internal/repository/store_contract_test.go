package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-api/internal/compiler"
	"workflow-api/pkg/models"
)

func newWorkflow(name string) *models.Workflow {
	timeout := 30.0
	return &models.Workflow{
		UUID:    uuid.New().String(),
		Name:    name,
		Timeout: &timeout,
		Chain: []models.Task{
			{Body: compiler.Raw("function(job, cb) { cb(); }")},
			{
				Body:     compiler.Raw("native:fail"),
				Fallback: compiler.Raw("(job, cb) => cb(null)"),
			},
		},
		OnError: []models.Task{
			{Body: compiler.Raw("native:noop")},
		},
	}
}

func newJob(wf *models.Workflow) *models.Job {
	snapshot := *wf
	return &models.Job{
		UUID:         uuid.New().String(),
		Name:         "job of " + wf.Name,
		WorkflowUUID: wf.UUID,
		Params:       map[string]any{"who": "world"},
		Execution:    models.JobQueued,
		Workflow:     &snapshot,
	}
}

func sources(tasks []models.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		s := t.Body.Source
		if t.Fallback != nil {
			s += " | " + t.Fallback.Source
		}
		out = append(out, s)
	}
	return out
}

// runStoreContract exercises the behaviour every Store backend must share.
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})

	t.Run("Workflow create and get", func(t *testing.T) {
		wf := newWorkflow("create-get")
		require.NoError(t, store.CreateWorkflow(ctx, wf))
		assert.Equal(t, int64(1), wf.Version)
		assert.False(t, wf.CreatedAt.IsZero())

		got, err := store.GetWorkflow(ctx, wf.UUID)
		require.NoError(t, err)
		assert.Equal(t, wf.UUID, got.UUID)
		assert.Equal(t, "create-get", got.Name)
		require.NotNil(t, got.Timeout)
		assert.Equal(t, 30.0, *got.Timeout)
		assert.Equal(t, sources(wf.Chain), sources(got.Chain))
		assert.Equal(t, sources(wf.OnError), sources(got.OnError))
		assert.Equal(t, int64(1), got.Version)
		assert.False(t, got.Chain[0].Body.Compiled(), "stored units come back as source")
	})

	t.Run("Workflow duplicate uuid", func(t *testing.T) {
		wf := newWorkflow("dup")
		require.NoError(t, store.CreateWorkflow(ctx, wf))

		again := newWorkflow("dup again")
		again.UUID = wf.UUID
		assert.ErrorIs(t, store.CreateWorkflow(ctx, again), ErrWorkflowExists)

		got, err := store.GetWorkflow(ctx, wf.UUID)
		require.NoError(t, err)
		assert.Equal(t, "dup", got.Name)
	})

	t.Run("Workflow empty chains", func(t *testing.T) {
		wf := &models.Workflow{UUID: uuid.New().String(), Name: "empty"}
		require.NoError(t, store.CreateWorkflow(ctx, wf))

		got, err := store.GetWorkflow(ctx, wf.UUID)
		require.NoError(t, err)
		assert.NotNil(t, got.Chain)
		assert.Empty(t, got.Chain)
		assert.NotNil(t, got.OnError)
		assert.Nil(t, got.Timeout)
	})

	t.Run("Workflow not found", func(t *testing.T) {
		_, err := store.GetWorkflow(ctx, uuid.New().String())
		assert.ErrorIs(t, err, ErrWorkflowNotFound)

		_, err = store.UpdateWorkflow(ctx, newWorkflow("ghost"), AnyVersion)
		assert.ErrorIs(t, err, ErrWorkflowNotFound)

		removed, err := store.DeleteWorkflow(ctx, uuid.New().String(), AnyVersion)
		assert.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("Workflow update bumps version", func(t *testing.T) {
		wf := newWorkflow("before")
		require.NoError(t, store.CreateWorkflow(ctx, wf))

		replacement := &models.Workflow{
			UUID:  wf.UUID,
			Name:  "after",
			Chain: []models.Task{{Body: compiler.Raw("native:noop")}},
		}
		updated, err := store.UpdateWorkflow(ctx, replacement, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.Equal(t, "after", updated.Name)
		assert.Nil(t, updated.Timeout)
		assert.Equal(t, []string{"native:noop"}, sources(updated.Chain))
		assert.Empty(t, updated.OnError)
		assert.False(t, updated.UpdatedAt.Before(updated.CreatedAt))

		got, err := store.GetWorkflow(ctx, wf.UUID)
		require.NoError(t, err)
		assert.Equal(t, updated.Version, got.Version)
		assert.True(t, updated.CreatedAt.Equal(got.CreatedAt))

		_, err = store.UpdateWorkflow(ctx, replacement, 1)
		assert.ErrorIs(t, err, ErrVersionConflict)

		again, err := store.UpdateWorkflow(ctx, replacement, AnyVersion)
		require.NoError(t, err)
		assert.Equal(t, int64(3), again.Version)
	})

	t.Run("Workflow delete", func(t *testing.T) {
		wf := newWorkflow("doomed")
		require.NoError(t, store.CreateWorkflow(ctx, wf))

		_, err := store.DeleteWorkflow(ctx, wf.UUID, 7)
		assert.ErrorIs(t, err, ErrVersionConflict)

		removed, err := store.DeleteWorkflow(ctx, wf.UUID, 1)
		require.NoError(t, err)
		assert.True(t, removed)

		_, err = store.GetWorkflow(ctx, wf.UUID)
		assert.ErrorIs(t, err, ErrWorkflowNotFound)

		removed, err = store.DeleteWorkflow(ctx, wf.UUID, AnyVersion)
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("Workflow list", func(t *testing.T) {
		created := map[string]bool{}
		for _, name := range []string{"list-a", "list-b", "list-c"} {
			wf := newWorkflow(name)
			require.NoError(t, store.CreateWorkflow(ctx, wf))
			created[wf.UUID] = true
		}

		workflows, err := store.ListWorkflows(ctx)
		require.NoError(t, err)
		found := 0
		for _, wf := range workflows {
			if created[wf.UUID] {
				found++
			}
		}
		assert.Equal(t, 3, found)
		for i := 1; i < len(workflows); i++ {
			assert.False(t, workflows[i].CreatedAt.Before(workflows[i-1].CreatedAt))
		}
	})

	t.Run("Workflow concurrent updates", func(t *testing.T) {
		wf := newWorkflow("race")
		require.NoError(t, store.CreateWorkflow(ctx, wf))

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			winners   int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.UpdateWorkflow(ctx, newWorkflowAt(wf.UUID), 1)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners++
				case assert.ErrorIs(t, err, ErrVersionConflict):
					conflicts++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
		assert.Equal(t, writers-1, conflicts)

		got, err := store.GetWorkflow(ctx, wf.UUID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("Workflow concurrent unconditional writes", func(t *testing.T) {
		wf := newWorkflow("last writer wins")
		require.NoError(t, store.CreateWorkflow(ctx, wf))

		const writers = 8
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.UpdateWorkflow(ctx, newWorkflowAt(wf.UUID), AnyVersion)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := store.GetWorkflow(ctx, wf.UUID)
		require.NoError(t, err)
		assert.Equal(t, int64(1+writers), got.Version)

		var (
			mu      sync.Mutex
			removed int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.DeleteWorkflow(ctx, wf.UUID, AnyVersion)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					removed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, removed)
	})

	t.Run("Job lifecycle", func(t *testing.T) {
		wf := newWorkflow("job source")
		require.NoError(t, store.CreateWorkflow(ctx, wf))

		job := newJob(wf)
		require.NoError(t, store.CreateJob(ctx, job))
		assert.Equal(t, int64(1), job.Version)
		assert.ErrorIs(t, store.CreateJob(ctx, newJobAt(job.UUID, wf)), ErrJobExists)

		got, err := store.GetJob(ctx, job.UUID)
		require.NoError(t, err)
		assert.Equal(t, wf.UUID, got.WorkflowUUID)
		assert.Equal(t, models.JobQueued, got.Execution)
		assert.Equal(t, "world", got.Params["who"])
		assert.NotNil(t, got.Info)
		require.NotNil(t, got.Workflow)
		assert.Equal(t, sources(wf.Chain), sources(got.Workflow.Chain))

		got.Execution = models.JobCanceled
		got.Info = append(got.Info, models.JobInfo{Message: "stopped", CreatedAt: got.CreatedAt})
		updated, err := store.UpdateJob(ctx, got, got.Version)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.Equal(t, models.JobCanceled, updated.Execution)
		require.Len(t, updated.Info, 1)
		assert.Equal(t, "stopped", updated.Info[0].Message)

		_, err = store.UpdateJob(ctx, got, 1)
		assert.ErrorIs(t, err, ErrVersionConflict)

		jobs, err := store.ListJobs(ctx)
		require.NoError(t, err)
		var listed bool
		for _, j := range jobs {
			listed = listed || j.UUID == job.UUID
		}
		assert.True(t, listed)

		removed, err := store.DeleteJob(ctx, job.UUID, 2)
		require.NoError(t, err)
		assert.True(t, removed)
		_, err = store.GetJob(ctx, job.UUID)
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("Job snapshot outlives workflow", func(t *testing.T) {
		wf := newWorkflow("original")
		require.NoError(t, store.CreateWorkflow(ctx, wf))
		job := newJob(wf)
		require.NoError(t, store.CreateJob(ctx, job))

		_, err := store.UpdateWorkflow(ctx, &models.Workflow{
			UUID:  wf.UUID,
			Name:  "edited",
			Chain: []models.Task{{Body: compiler.Raw("native:noop")}},
		}, AnyVersion)
		require.NoError(t, err)
		removed, err := store.DeleteWorkflow(ctx, wf.UUID, AnyVersion)
		require.NoError(t, err)
		require.True(t, removed)

		got, err := store.GetJob(ctx, job.UUID)
		require.NoError(t, err)
		require.NotNil(t, got.Workflow)
		assert.Equal(t, "original", got.Workflow.Name)
		assert.Equal(t, sources(wf.Chain), sources(got.Workflow.Chain))
	})

	t.Run("Job not found", func(t *testing.T) {
		_, err := store.GetJob(ctx, uuid.New().String())
		assert.ErrorIs(t, err, ErrJobNotFound)

		_, err = store.UpdateJob(ctx, newJob(newWorkflow("ghost")), AnyVersion)
		assert.ErrorIs(t, err, ErrJobNotFound)

		removed, err := store.DeleteJob(ctx, uuid.New().String(), AnyVersion)
		assert.NoError(t, err)
		assert.False(t, removed)
	})
}

func newWorkflowAt(id string) *models.Workflow {
	wf := newWorkflow("writer")
	wf.UUID = id
	return wf
}

func newJobAt(id string, wf *models.Workflow) *models.Job {
	job := newJob(wf)
	job.UUID = id
	return job
}
