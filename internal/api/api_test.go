package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-api/internal/compiler"
	"workflow-api/internal/logging"
	"workflow-api/internal/repository"
	"workflow-api/internal/services"
	"workflow-api/pkg/models"
)

func newTestAPI(t *testing.T, store repository.Store) *echo.Echo {
	t.Helper()
	registry := compiler.NewRegistry()
	compiler.RegisterBuiltins(registry)
	c, err := compiler.New(registry, compiler.DefaultOptions())
	require.NoError(t, err)

	logger := logging.NewNop()
	server := NewServer(
		services.NewWorkflowService(store, c, logger, nil),
		services.NewJobService(store, store, c, logger, nil),
	)
	return New(Options{Server: server, Store: store, Logger: logger})
}

func do(e *echo.Echo, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateWorkflow_Created(t *testing.T) {
	e := newTestAPI(t, repository.NewMemoryStore())

	rec := do(e, http.MethodPost, "/workflows", `{"name":"demo","chain":[{"body":"function(job,cb){cb()}"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	wf := decode[map[string]any](t, rec)
	id, _ := wf["uuid"].(string)
	require.NotEmpty(t, id)
	assert.True(t, strings.HasSuffix(rec.Header().Get(echo.HeaderLocation), id))
	assert.Equal(t, "/workflows/"+id, rec.Header().Get(echo.HeaderLocation))
	assert.Equal(t, `"1"`, rec.Header().Get("ETag"))
	assert.Equal(t, APIVersion, rec.Header().Get("Api-Version"))
	assert.Equal(t, "demo", wf["name"])
	assert.Equal(t, []any{map[string]any{"body": "function(job,cb){cb()}"}}, wf["chain"])
	assert.Equal(t, []any{}, wf["onerror"])
}

func TestCreateWorkflow_LocationEscapesUUID(t *testing.T) {
	e := newTestAPI(t, repository.NewMemoryStore())

	rec := do(e, http.MethodPost, "/workflows", `{"uuid":"a b/c"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/workflows/a%20b%2Fc", rec.Header().Get(echo.HeaderLocation))
}

func TestCreateWorkflow_EmptyFallback(t *testing.T) {
	e := newTestAPI(t, repository.NewMemoryStore())

	rec := do(e, http.MethodPost, "/workflows", `{"uuid":"wf-fb","chain":[{"body":"function(job,cb){cb()}","fallback":""}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(e, http.MethodGet, "/workflows/wf-fb", "")
	require.Equal(t, http.StatusOK, rec.Code)
	wf := decode[map[string]any](t, rec)
	assert.Equal(t, []any{map[string]any{"body": "function(job,cb){cb()}"}}, wf["chain"])
}

func TestCreateWorkflow_MissingBody(t *testing.T) {
	store := repository.NewMemoryStore()
	e := newTestAPI(t, store)

	rec := do(e, http.MethodPost, "/workflows", `{"chain":[{}]}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))

	problem := decode[ProblemDetails](t, rec)
	assert.Equal(t, "ConflictError", problem.Code)
	assert.Contains(t, problem.Detail, "Task body is required")

	rec = do(e, http.MethodGet, "/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCreateWorkflow_Rejections(t *testing.T) {
	e := newTestAPI(t, repository.NewMemoryStore())

	tests := []struct {
		name    string
		body    string
		headers []string
		status  int
		code    string
	}{
		{"empty body in onerror", `{"chain":[{"body":"native:noop"}],"onerror":[{"body":""}]}`, nil, http.StatusConflict, "ConflictError"},
		{"compile error", `{"chain":[{"body":"function(job){}"}]}`, nil, http.StatusConflict, "ConflictError"},
		{"unknown native", `{"chain":[{"body":"native:nope"}]}`, nil, http.StatusConflict, "ConflictError"},
		{"body not a string", `{"chain":[{"body":42}]}`, nil, http.StatusBadRequest, "BadRequest"},
		{"malformed json", `{"chain":`, nil, http.StatusBadRequest, "BadRequest"},
		{"wrong media type", `{}`, []string{echo.HeaderContentType, "text/plain"}, http.StatusUnsupportedMediaType, "UnsupportedMediaType"},
		{"not acceptable", `{}`, []string{echo.HeaderAccept, "text/html"}, http.StatusNotAcceptable, "NotAcceptable"},
		{"version mismatch", `{}`, []string{"Accept-Version", "^1.0.0"}, http.StatusBadRequest, "InvalidVersion"},
		{"version garbage", `{}`, []string{"Accept-Version", "latest"}, http.StatusBadRequest, "InvalidVersion"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, "/workflows", tt.body, tt.headers...)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ProblemDetails](t, rec).Code)
		})
	}

	rec := do(e, http.MethodGet, "/workflows", "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCreateWorkflow_DropsUnknownFields(t *testing.T) {
	e := newTestAPI(t, repository.NewMemoryStore())

	rec := do(e, http.MethodPost, "/workflows", `{"uuid":"wf-1","owner":"mallory","version":99,"timeout":1.5}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(e, http.MethodGet, "/workflows/wf-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	wf := decode[map[string]any](t, rec)
	assert.NotContains(t, wf, "owner")
	assert.EqualValues(t, 1, wf["version"])
	assert.EqualValues(t, 1.5, wf["timeout"])

	rec = do(e, http.MethodPost, "/workflows", `{"uuid":"wf-1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWorkflow_RoundTripAndList(t *testing.T) {
	e := newTestAPI(t, repository.NewMemoryStore())

	chain := `[{"body":"native:noop"},{"body":"(job, cb) => cb()","fallback":"native:noop"},{"body":"function(a, b) { b(null); }"}]`
	rec := do(e, http.MethodPost, "/workflows", `{"uuid":"A","chain":`+chain+`,"onerror":[{"body":"native:fail"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(e, http.MethodPost, "/workflows", `{"uuid":"B"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(e, http.MethodGet, "/workflows/A", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Chain   json.RawMessage `json:"chain"`
		OnError json.RawMessage `json:"onerror"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.JSONEq(t, chain, string(got.Chain))
	assert.JSONEq(t, `[{"body":"native:fail"}]`, string(got.OnError))

	rec = do(e, http.MethodGet, "/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ids []string
	for _, wf := range decode[[]models.Workflow](t, rec) {
		ids = append(ids, wf.UUID)
	}
	assert.ElementsMatch(t, []string{"A", "B"}, ids)

	rec = do(e, http.MethodHead, "/workflows/A", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"1"`, rec.Header().Get("ETag"))
}

func TestWorkflow_NotFound(t *testing.T) {
	e := newTestAPI(t, repository.NewMemoryStore())

	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/workflows/unknown", "").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodHead, "/workflows/unknown", "").Code)

	rec := do(e, http.MethodPut, "/workflows/unknown", `{"chain":[{"body":"native:noop"}]}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NotFoundError", decode[ProblemDetails](t, rec).Code)

	assert.Equal(t, http.StatusNotFound, do(e, http.MethodDelete, "/workflows/unknown", "").Code)
}

func TestWorkflow_DeleteTwice(t *testing.T) {
	e := newTestAPI(t, repository.NewMemoryStore())

	rec := do(e, http.MethodPost, "/workflows", `{"uuid":"wf"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, http.StatusNoContent, do(e, http.MethodDelete, "/workflows/wf", "").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodDelete, "/workflows/wf", "").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/workflows/wf", "").Code)
}

func TestWorkflow_UpdateVersions(t *testing.T) {
	e := newTestAPI(t, repository.NewMemoryStore())

	require.Equal(t, http.StatusCreated, do(e, http.MethodPost, "/workflows", `{"uuid":"wf","name":"one"}`).Code)

	rec := do(e, http.MethodPut, "/workflows/wf", `{"name":"two"}`, "If-Match", `"1"`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, `"2"`, rec.Header().Get("ETag"))
	assert.Equal(t, "two", decode[models.Workflow](t, rec).Name)

	rec = do(e, http.MethodPut, "/workflows/wf", `{"name":"stale"}`, "If-Match", `"1"`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(e, http.MethodPut, "/workflows/wf", `{"chain":[{"fallback":"native:noop"}]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(e, http.MethodPut, "/workflows/wf", `{"name":"x"}`, "If-Match", "soon")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusConflict, do(e, http.MethodDelete, "/workflows/wf", "", "If-Match", `"1"`).Code)
	assert.Equal(t, http.StatusNoContent, do(e, http.MethodDelete, "/workflows/wf", "", "If-Match", `W/"2"`).Code)
}

func TestAcceptVersion(t *testing.T) {
	e := newTestAPI(t, repository.NewMemoryStore())

	for _, constraint := range []string{"0.1.0", "~0.1", ">=0.1.0, <1.0.0", "*"} {
		rec := do(e, http.MethodGet, "/workflows", "", "Accept-Version", constraint)
		assert.Equal(t, http.StatusOK, rec.Code, constraint)
	}
	rec := do(e, http.MethodGet, "/workflows", "", echo.HeaderAccept, "application/json;q=0.9, text/html")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJobs(t *testing.T) {
	e := newTestAPI(t, repository.NewMemoryStore())

	rec := do(e, http.MethodPost, "/jobs", `{"workflow_uuid":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(e, http.MethodPost, "/jobs", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusCreated, do(e, http.MethodPost, "/workflows", `{"uuid":"wf","chain":[{"body":"native:noop"}]}`).Code)

	rec = do(e, http.MethodPost, "/jobs", `{"name":"nightly","workflow_uuid":"wf","params":{"n":1}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decode[models.Job](t, rec)
	assert.Equal(t, "/jobs/"+job.UUID, rec.Header().Get(echo.HeaderLocation))
	assert.Equal(t, models.JobQueued, job.Execution)
	require.NotNil(t, job.Workflow)
	assert.Equal(t, "native:noop", job.Workflow.Chain[0].Body.Source)

	// Deleting the workflow leaves the job's copy intact.
	require.Equal(t, http.StatusNoContent, do(e, http.MethodDelete, "/workflows/wf", "").Code)
	rec = do(e, http.MethodGet, "/jobs/"+job.UUID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wf", decode[models.Job](t, rec).Workflow.UUID)

	rec = do(e, http.MethodPut, "/jobs/"+job.UUID, `{"execution":"canceled"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.JobCanceled, decode[models.Job](t, rec).Execution)

	rec = do(e, http.MethodPut, "/jobs/"+job.UUID, `{"execution":"queued"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(e, http.MethodPut, "/jobs/"+job.UUID+"/info", `{"message":"hello","data":{"k":"v"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(e, http.MethodGet, "/jobs/"+job.UUID+"/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[[]models.JobInfo](t, rec)
	require.Len(t, info, 1)
	assert.Equal(t, "hello", info[0].Message)

	rec = do(e, http.MethodPut, "/jobs/"+job.UUID+"/info", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Job](t, rec), 1)

	assert.Equal(t, http.StatusNoContent, do(e, http.MethodDelete, "/jobs/"+job.UUID, "").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/jobs/"+job.UUID+"/info", "").Code)
}

type brokenStore struct {
	*repository.MemoryStore
}

func (brokenStore) ListWorkflows(context.Context) ([]*models.Workflow, error) {
	return nil, errors.New("disk on fire")
}

func (brokenStore) Ping(context.Context) error {
	return errors.New("disk on fire")
}

func TestInternalErrors(t *testing.T) {
	e := newTestAPI(t, brokenStore{repository.NewMemoryStore()})

	rec := do(e, http.MethodGet, "/workflows", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	problem := decode[ProblemDetails](t, rec)
	assert.Equal(t, "InternalError", problem.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")

	rec = do(e, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOperationalRoutes(t *testing.T) {
	e := newTestAPI(t, repository.NewMemoryStore())

	rec := do(e, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthStatus](t, rec).Status)

	rec = do(e, http.MethodGet, "/openapi.yaml", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/workflows/{uuid}")

	rec = do(e, http.MethodGet, "/docs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/openapi.yaml")
}
