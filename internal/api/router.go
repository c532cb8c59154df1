package api

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"workflow-api/internal/logging"
	"workflow-api/internal/monitoring"
)

// EchoRouter is the subset of echo.Echo and echo.Group the resource routes
// are registered on.
type EchoRouter interface {
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	HEAD(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	PUT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	DELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// RegisterHandlers adds the workflow and job routes to router.
func RegisterHandlers(router EchoRouter, s *Server) {
	router.GET("/workflows", s.ListWorkflows)
	router.HEAD("/workflows", s.ListWorkflows)
	router.POST("/workflows", s.CreateWorkflow)
	router.GET("/workflows/:uuid", s.GetWorkflow)
	router.HEAD("/workflows/:uuid", s.GetWorkflow)
	router.PUT("/workflows/:uuid", s.UpdateWorkflow)
	router.DELETE("/workflows/:uuid", s.DeleteWorkflow)

	router.GET("/jobs", s.ListJobs)
	router.HEAD("/jobs", s.ListJobs)
	router.POST("/jobs", s.CreateJob)
	router.GET("/jobs/:uuid", s.GetJob)
	router.HEAD("/jobs/:uuid", s.GetJob)
	router.PUT("/jobs/:uuid", s.UpdateJob)
	router.DELETE("/jobs/:uuid", s.DeleteJob)
	router.GET("/jobs/:uuid/info", s.GetJobInfo)
	router.HEAD("/jobs/:uuid/info", s.GetJobInfo)
	router.PUT("/jobs/:uuid/info", s.AddJobInfo)
}

// Options holds what New needs to assemble the HTTP surface.
type Options struct {
	Server      *Server
	Store       Pinger
	Logger      logging.Logger
	Metrics     *monitoring.Service
	ServiceName string
	// BodyLimit caps request bodies, e.g. "1M". Empty means no limit.
	BodyLimit string
}

// New builds the echo instance serving the API, health, metrics and docs.
func New(opts Options) *echo.Echo {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewNop()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "workflow-api"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = HTTPErrorHandler(opts.Logger)

	e.Use(middleware.Recover())
	e.Use(opts.Metrics.Middleware())
	e.Use(requestLogger(opts.Logger))
	// otelecho hands errors to HTTPErrorHandler, so the outer middleware sees
	// the final status.
	e.Use(otelecho.Middleware(opts.ServiceName))
	if opts.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opts.BodyLimit))
	}

	h := NewHandler(opts.Store, opts.ServiceName, APIVersion)
	e.GET("/health", h.HandleHealth)
	e.GET("/metrics", echo.WrapHandler(opts.Metrics.Handler()))
	e.GET("/openapi.yaml", SpecHandler)
	e.GET("/docs", SwaggerHandler)

	resources := e.Group("", Versioned(APIVersion), JSONOnly())
	RegisterHandlers(resources, opts.Server)
	return e
}

func requestLogger(logger logging.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			keyvals := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				keyvals = append(keyvals, "error", v.Error)
			}
			if v.Status >= 500 {
				logger.Warn("Request served", keyvals...)
			} else {
				logger.Debug("Request served", keyvals...)
			}
			return nil
		},
	})
}
