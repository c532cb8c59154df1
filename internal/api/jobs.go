package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"workflow-api/internal/services"
	"workflow-api/pkg/models"
)

type jobInfoRequest struct {
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// ListJobs returns a list of all jobs
// (GET /jobs)
func (s *Server) ListJobs(c echo.Context) error {
	jobs, err := s.Jobs.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, jobs)
}

// CreateJob records a job over a snapshot of its workflow
// (POST /jobs)
func (s *Server) CreateJob(c echo.Context) error {
	var req services.CreateJobRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.WorkflowUUID == "" {
		return newProblem(http.StatusBadRequest, "BadRequest", "workflow_uuid is required")
	}

	job, err := s.Jobs.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}

	setLocation(c, job.UUID)
	setETag(c, job.Version)
	return c.JSON(http.StatusCreated, job)
}

// GetJob returns one job
// (GET /jobs/{uuid})
func (s *Server) GetJob(c echo.Context) error {
	id, err := pathUUID(c)
	if err != nil {
		return err
	}

	job, err := s.Jobs.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}

	setETag(c, job.Version)
	return c.JSON(http.StatusOK, job)
}

// UpdateJob changes the name, params or execution of a job
// (PUT /jobs/{uuid})
func (s *Server) UpdateJob(c echo.Context) error {
	id, err := pathUUID(c)
	if err != nil {
		return err
	}
	version, err := ifMatch(c)
	if err != nil {
		return err
	}
	var req services.UpdateJobRequest
	if err := (&echo.DefaultBinder{}).BindBody(c, &req); err != nil {
		return err
	}

	job, err := s.Jobs.Update(c.Request().Context(), id, req, version)
	if err != nil {
		return err
	}

	setETag(c, job.Version)
	return c.JSON(http.StatusOK, job)
}

// DeleteJob removes a job
// (DELETE /jobs/{uuid})
func (s *Server) DeleteJob(c echo.Context) error {
	id, err := pathUUID(c)
	if err != nil {
		return err
	}
	version, err := ifMatch(c)
	if err != nil {
		return err
	}

	if err := s.Jobs.Delete(c.Request().Context(), id, version); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// GetJobInfo returns the info log of a job
// (GET /jobs/{uuid}/info)
func (s *Server) GetJobInfo(c echo.Context) error {
	id, err := pathUUID(c)
	if err != nil {
		return err
	}

	info, err := s.Jobs.Info(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, info)
}

// AddJobInfo appends one entry to the info log of a job
// (PUT /jobs/{uuid}/info)
func (s *Server) AddJobInfo(c echo.Context) error {
	id, err := pathUUID(c)
	if err != nil {
		return err
	}
	var req jobInfoRequest
	if err := (&echo.DefaultBinder{}).BindBody(c, &req); err != nil {
		return err
	}
	if req.Message == "" {
		return newProblem(http.StatusBadRequest, "BadRequest", "message is required")
	}

	job, err := s.Jobs.AddInfo(c.Request().Context(), id, models.JobInfo{Message: req.Message, Data: req.Data})
	if err != nil {
		return err
	}

	setETag(c, job.Version)
	return c.JSON(http.StatusOK, job.Info)
}
