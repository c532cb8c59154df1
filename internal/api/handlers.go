package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"workflow-api/internal/compiler"
	"workflow-api/internal/logging"
	"workflow-api/internal/services"
)

// Pinger reports whether the storage backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the operational endpoints.
type Handler struct {
	store   Pinger
	service string
	version string
}

// NewHandler creates a new Handler.
func NewHandler(store Pinger, service, version string) *Handler {
	return &Handler{store: store, service: service, version: version}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Store     string    `json:"store"`
}

// HandleHealth reports 200 when the store answers a ping and 503 otherwise.
func (h *Handler) HandleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   h.service,
		Version:   h.version,
		Store:     "ok",
	}
	code := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		status.Status = "unavailable"
		status.Store = err.Error()
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
}

// problem is an error that already knows how it renders.
type problem struct {
	status int
	code   string
	detail string
}

func (p *problem) Error() string {
	return p.code + ": " + p.detail
}

func newProblem(status int, code, detail string) *problem {
	return &problem{status: status, code: code, detail: detail}
}

// classify maps an error returned by a handler to its problem document.
func classify(err error) *problem {
	var (
		p  *problem
		he *echo.HTTPError
		ce *compiler.CompileError
		ie *services.InternalError
	)
	switch {
	case errors.As(err, &p):
		return p
	case errors.As(err, &ce),
		errors.Is(err, services.ErrTaskBodyRequired),
		errors.Is(err, services.ErrWorkflowExists),
		errors.Is(err, services.ErrJobExists),
		errors.Is(err, services.ErrVersionConflict),
		errors.Is(err, services.ErrInvalidTransition):
		return newProblem(http.StatusConflict, "ConflictError", err.Error())
	case errors.Is(err, services.ErrWorkflowNotFound),
		errors.Is(err, services.ErrJobNotFound):
		return newProblem(http.StatusNotFound, "NotFoundError", err.Error())
	case errors.As(err, &ie):
		// The backend cause is logged, never returned to the client.
		return newProblem(http.StatusInternalServerError, "InternalError", ie.Op)
	case errors.As(err, &he):
		detail := http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok {
			detail = msg
		}
		return newProblem(he.Code, codeFor(he.Code), detail)
	}
	return newProblem(http.StatusInternalServerError, "InternalError", http.StatusText(http.StatusInternalServerError))
}

func codeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BadRequest"
	case http.StatusNotFound:
		return "NotFoundError"
	case http.StatusMethodNotAllowed:
		return "MethodNotAllowed"
	case http.StatusNotAcceptable:
		return "NotAcceptable"
	case http.StatusConflict:
		return "ConflictError"
	case http.StatusUnsupportedMediaType:
		return "UnsupportedMediaType"
	case http.StatusRequestEntityTooLarge:
		return "PayloadTooLarge"
	}
	if status >= 500 {
		return "InternalError"
	}
	return ""
}

// HTTPErrorHandler renders every handler error as an RFC 7807 Problem
// Details document.
func HTTPErrorHandler(logger logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		p := classify(err)
		if p.status >= http.StatusInternalServerError {
			logger.Error("Request failed", "method", c.Request().Method, "path", c.Request().URL.Path, "error", err)
		}
		writeError(c, p)
	}
}

// writeError writes an RFC 7807 Problem Details JSON error response
func writeError(c echo.Context, p *problem) {
	doc := ProblemDetails{
		Type:     "about:blank",
		Title:    http.StatusText(p.status),
		Status:   p.status,
		Detail:   p.detail,
		Instance: c.Request().URL.Path,
		Code:     p.code,
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(p.status)
		return
	}
	_ = c.JSON(p.status, doc)
}
