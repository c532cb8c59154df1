// Package api contains the HTTP handlers for the workflow API
package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"workflow-api/internal/repository"
	"workflow-api/internal/services"
	"workflow-api/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	Workflows services.WorkflowManager
	Jobs      services.JobManager
}

// NewServer creates a new Server.
func NewServer(workflows services.WorkflowManager, jobs services.JobManager) *Server {
	return &Server{Workflows: workflows, Jobs: jobs}
}

// workflowRequest is the set of fields a client may submit for a workflow.
// Anything else in the payload is dropped.
type workflowRequest struct {
	UUID    string        `json:"uuid"`
	Name    string        `json:"name"`
	Timeout *float64      `json:"timeout"`
	Chain   []models.Task `json:"chain"`
	OnError []models.Task `json:"onerror"`
}

func (r *workflowRequest) workflow() *models.Workflow {
	return &models.Workflow{
		UUID:    r.UUID,
		Name:    r.Name,
		Timeout: r.Timeout,
		Chain:   r.Chain,
		OnError: r.OnError,
	}
}

// ListWorkflows returns a list of all workflows
// (GET /workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	workflows, err := s.Workflows.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflows)
}

// CreateWorkflow validates, compiles and stores a workflow
// (POST /workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	var req workflowRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	workflow, err := s.Workflows.Create(c.Request().Context(), req.workflow())
	if err != nil {
		return err
	}

	setLocation(c, workflow.UUID)
	setETag(c, workflow.Version)
	return c.JSON(http.StatusCreated, workflow)
}

// GetWorkflow returns one workflow
// (GET /workflows/{uuid})
func (s *Server) GetWorkflow(c echo.Context) error {
	id, err := pathUUID(c)
	if err != nil {
		return err
	}

	workflow, err := s.Workflows.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}

	setETag(c, workflow.Version)
	return c.JSON(http.StatusOK, workflow)
}

// UpdateWorkflow replaces a workflow
// (PUT /workflows/{uuid})
func (s *Server) UpdateWorkflow(c echo.Context) error {
	id, err := pathUUID(c)
	if err != nil {
		return err
	}
	version, err := ifMatch(c)
	if err != nil {
		return err
	}
	var req workflowRequest
	if err := (&echo.DefaultBinder{}).BindBody(c, &req); err != nil {
		return err
	}

	workflow, err := s.Workflows.Update(c.Request().Context(), id, req.workflow(), version)
	if err != nil {
		return err
	}

	setETag(c, workflow.Version)
	return c.JSON(http.StatusOK, workflow)
}

// DeleteWorkflow removes a workflow
// (DELETE /workflows/{uuid})
func (s *Server) DeleteWorkflow(c echo.Context) error {
	id, err := pathUUID(c)
	if err != nil {
		return err
	}
	version, err := ifMatch(c)
	if err != nil {
		return err
	}

	if err := s.Workflows.Delete(c.Request().Context(), id, version); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// pathUUID binds the {uuid} path parameter.
func pathUUID(c echo.Context) (string, error) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "uuid", c.Param("uuid"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return "", newProblem(http.StatusBadRequest, "BadRequest", "Invalid format for parameter uuid: "+err.Error())
	}
	return id, nil
}

// ifMatch reads the optional If-Match header as a record version.
func ifMatch(c echo.Context) (int64, error) {
	raw := strings.TrimSpace(c.Request().Header.Get("If-Match"))
	if raw == "" || raw == "*" {
		return repository.AnyVersion, nil
	}
	raw = strings.TrimPrefix(raw, "W/")
	version, err := strconv.ParseInt(strings.Trim(raw, `"`), 10, 64)
	if err != nil || version <= 0 {
		return 0, newProblem(http.StatusBadRequest, "BadRequest", "If-Match must carry a version returned as ETag")
	}
	return version, nil
}

func setETag(c echo.Context, version int64) {
	c.Response().Header().Set("ETag", strconv.Quote(strconv.FormatInt(version, 10)))
}

// setLocation points at the created resource below the request path.
func setLocation(c echo.Context, id string) {
	base := strings.TrimSuffix(c.Request().URL.Path, "/")
	c.Response().Header().Set(echo.HeaderLocation, base+"/"+url.PathEscape(id))
}
