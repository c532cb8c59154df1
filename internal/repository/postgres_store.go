package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"

	"workflow-api/internal/logging"
	"workflow-api/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ Store = (*PostgresStore)(nil)

const workflowColumns = "uuid, name, timeout, chain, onerror, version, created_at, updated_at"

const jobColumns = "uuid, name, workflow_uuid, params, execution, info, workflow, version, created_at, updated_at"

// PostgresStore is a PostgreSQL implementation of Store. Task chains and job
// snapshots are stored as JSONB holding task source text.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool, logger logging.Logger) *PostgresStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Migrate applies the embedded goose migrations that have not run yet.
// Each file runs in its own transaction and a session advisory lock keeps
// concurrent migrators from racing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.db)
	defer db.Close()

	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return fmt.Errorf("failed to create migration lock: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations, goose.WithSessionLocker(locker))
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	for _, r := range results {
		s.logger.Info("Applied migration", "file", r.Source.Path, "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// ListWorkflows returns every stored workflow ordered by creation time.
func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx, "SELECT "+workflowColumns+" FROM workflows ORDER BY created_at, uuid")
	if err != nil {
		return nil, fmt.Errorf("postgres: list workflows: %w", err)
	}
	defer rows.Close()

	workflows := []*models.Workflow{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list workflows: %w", err)
	}
	return workflows, nil
}

// GetWorkflow retrieves a workflow by uuid.
func (s *PostgresStore) GetWorkflow(ctx context.Context, uuid string) (*models.Workflow, error) {
	row := s.db.QueryRow(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE uuid = $1", uuid)
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	return wf, err
}

// CreateWorkflow stores a new workflow.
func (s *PostgresStore) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	chain, onerror, err := encodeChains(workflow)
	if err != nil {
		return err
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO workflows (uuid, name, timeout, chain, onerror, version)
		VALUES ($1, $2, $3, $4, $5, 1)
		RETURNING version, created_at, updated_at`,
		workflow.UUID, workflow.Name, workflow.Timeout, chain, onerror,
	).Scan(&workflow.Version, &workflow.CreatedAt, &workflow.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrWorkflowExists
		}
		return fmt.Errorf("postgres: create workflow: %w", err)
	}
	return nil
}

// UpdateWorkflow replaces the stored workflow.
func (s *PostgresStore) UpdateWorkflow(ctx context.Context, workflow *models.Workflow, expectedVersion int64) (*models.Workflow, error) {
	chain, onerror, err := encodeChains(workflow)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRow(ctx, `
		UPDATE workflows
		SET name = $2, timeout = $3, chain = $4, onerror = $5,
			version = version + 1, updated_at = NOW()
		WHERE uuid = $1 AND ($6::bigint = 0 OR version = $6::bigint)
		RETURNING `+workflowColumns,
		workflow.UUID, workflow.Name, workflow.Timeout, chain, onerror, expectedVersion,
	)
	updated, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrConflict(ctx, "workflows", workflow.UUID, ErrWorkflowNotFound)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteWorkflow removes a workflow by uuid.
func (s *PostgresStore) DeleteWorkflow(ctx context.Context, uuid string, expectedVersion int64) (bool, error) {
	return s.delete(ctx, "workflows", uuid, expectedVersion)
}

// ListJobs returns every stored job ordered by creation time.
func (s *PostgresStore) ListJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.db.Query(ctx, "SELECT "+jobColumns+" FROM jobs ORDER BY created_at, uuid")
	if err != nil {
		return nil, fmt.Errorf("postgres: list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list jobs: %w", err)
	}
	return jobs, nil
}

// GetJob retrieves a job by uuid.
func (s *PostgresStore) GetJob(ctx context.Context, uuid string) (*models.Job, error) {
	row := s.db.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE uuid = $1", uuid)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// CreateJob stores a new job.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	params, info, snapshot, err := encodeJob(job)
	if err != nil {
		return err
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO jobs (uuid, name, workflow_uuid, params, execution, info, workflow, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		RETURNING version, created_at, updated_at`,
		job.UUID, job.Name, job.WorkflowUUID, params, string(job.Execution), info, snapshot,
	).Scan(&job.Version, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrJobExists
		}
		return fmt.Errorf("postgres: create job: %w", err)
	}
	return nil
}

// UpdateJob replaces the stored job. The workflow snapshot column is never
// rewritten.
func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.Job, expectedVersion int64) (*models.Job, error) {
	params, info, _, err := encodeJob(job)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRow(ctx, `
		UPDATE jobs
		SET name = $2, params = $3, execution = $4, info = $5,
			version = version + 1, updated_at = NOW()
		WHERE uuid = $1 AND ($6::bigint = 0 OR version = $6::bigint)
		RETURNING `+jobColumns,
		job.UUID, job.Name, params, string(job.Execution), info, expectedVersion,
	)
	updated, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrConflict(ctx, "jobs", job.UUID, ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteJob removes a job by uuid.
func (s *PostgresStore) DeleteJob(ctx context.Context, uuid string, expectedVersion int64) (bool, error) {
	return s.delete(ctx, "jobs", uuid, expectedVersion)
}

// delete removes a row of table. table is always one of the constant table
// names above.
func (s *PostgresStore) delete(ctx context.Context, table, uuid string, expectedVersion int64) (bool, error) {
	tag, err := s.db.Exec(ctx,
		"DELETE FROM "+table+" WHERE uuid = $1 AND ($2::bigint = 0 OR version = $2::bigint)",
		uuid, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: delete from %s: %w", table, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if expectedVersion == AnyVersion {
		return false, nil
	}
	if err := s.missOrConflict(ctx, table, uuid, nil); err != nil {
		return false, err
	}
	return false, nil
}

// missOrConflict tells apart a conditional write that matched no row because
// the row is missing (returns notFound) from one that lost on version.
func (s *PostgresStore) missOrConflict(ctx context.Context, table, uuid string, notFound error) error {
	var exists bool
	err := s.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM "+table+" WHERE uuid = $1)", uuid).Scan(&exists)
	if err != nil {
		return fmt.Errorf("postgres: check %s existence: %w", table, err)
	}
	if exists {
		return ErrVersionConflict
	}
	return notFound
}

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var (
		wf      models.Workflow
		chain   []byte
		onerror []byte
	)
	err := row.Scan(&wf.UUID, &wf.Name, &wf.Timeout, &chain, &onerror, &wf.Version, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: scan workflow: %w", err)
	}
	if err := json.Unmarshal(chain, &wf.Chain); err != nil {
		return nil, fmt.Errorf("failed to decode chain: %w", err)
	}
	if err := json.Unmarshal(onerror, &wf.OnError); err != nil {
		return nil, fmt.Errorf("failed to decode onerror: %w", err)
	}
	wf.Normalize()
	return &wf, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job       models.Job
		execution string
		params    []byte
		info      []byte
		snapshot  []byte
	)
	err := row.Scan(&job.UUID, &job.Name, &job.WorkflowUUID, &params, &execution, &info, &snapshot,
		&job.Version, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: scan job: %w", err)
	}
	job.Execution = models.JobExecution(execution)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params: %w", err)
		}
	}
	if err := json.Unmarshal(info, &job.Info); err != nil {
		return nil, fmt.Errorf("failed to decode info: %w", err)
	}
	if err := json.Unmarshal(snapshot, &job.Workflow); err != nil {
		return nil, fmt.Errorf("failed to decode workflow snapshot: %w", err)
	}
	job.Normalize()
	return &job, nil
}

func encodeChains(workflow *models.Workflow) ([]byte, []byte, error) {
	workflow.Normalize()
	chain, err := json.Marshal(workflow.Chain)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode chain: %w", err)
	}
	onerror, err := json.Marshal(workflow.OnError)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode onerror: %w", err)
	}
	return chain, onerror, nil
}

func encodeJob(job *models.Job) (params, info, snapshot []byte, err error) {
	job.Normalize()
	if job.Params != nil {
		if params, err = json.Marshal(job.Params); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode params: %w", err)
		}
	}
	if info, err = json.Marshal(job.Info); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode info: %w", err)
	}
	if snapshot, err = json.Marshal(job.Workflow); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode workflow snapshot: %w", err)
	}
	return params, info, snapshot, nil
}

// isDuplicateKey reports a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
