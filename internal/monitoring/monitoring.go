// Package monitoring wires OpenTelemetry metrics to a Prometheus registry and
// exposes the instruments the HTTP layer and the services record into.
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "workflow-api"

// Service owns the meter provider and the instruments.
type Service struct {
	provider *sdkmetric.MeterProvider
	registry *prom.Registry
	meter    metric.Meter

	httpRequests  metric.Int64Counter
	httpDuration  metric.Float64Histogram
	operations    metric.Int64Counter
	compileErrors metric.Int64Counter
	enabled       bool
}

// New creates a Service exporting to a fresh Prometheus registry.
func New() (*Service, error) {
	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	s := &Service{
		provider: provider,
		registry: registry,
		meter:    provider.Meter(meterName),
		enabled:  true,
	}
	if err := s.initInstruments(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewNop creates a Service whose instruments record nothing.
func NewNop() *Service {
	s := &Service{meter: noop.NewMeterProvider().Meter(meterName)}
	// noop instruments never fail to build.
	_ = s.initInstruments()
	return s
}

func (s *Service) initInstruments() error {
	var err error
	s.httpRequests, err = s.meter.Int64Counter(
		"workflow_api_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http requests counter: %w", err)
	}
	s.httpDuration, err = s.meter.Float64Histogram(
		"workflow_api_http_request_duration_seconds",
		metric.WithDescription("HTTP request latency"),
		metric.WithExplicitBucketBoundaries(.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5),
	)
	if err != nil {
		return fmt.Errorf("failed to create http duration histogram: %w", err)
	}
	s.operations, err = s.meter.Int64Counter(
		"workflow_api_operations_total",
		metric.WithDescription("Resource operations by resource, operation and outcome"),
	)
	if err != nil {
		return fmt.Errorf("failed to create operations counter: %w", err)
	}
	s.compileErrors, err = s.meter.Int64Counter(
		"workflow_api_compile_errors_total",
		metric.WithDescription("Task sources rejected by the compiler"),
	)
	if err != nil {
		return fmt.Errorf("failed to create compile errors counter: %w", err)
	}
	return nil
}

// RecordOperation counts one resource operation.
func (s *Service) RecordOperation(ctx context.Context, resource, operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

// RecordCompileError counts one rejected task source.
func (s *Service) RecordCompileError(ctx context.Context) {
	s.compileErrors.Add(ctx, 1)
}

// Middleware records request count and latency per route.
func (s *Service) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", c.Path()),
				attribute.String("status", strconv.Itoa(status)),
			)
			ctx := c.Request().Context()
			s.httpRequests.Add(ctx, 1, attrs)
			s.httpDuration.Record(ctx, time.Since(start).Seconds(), attrs)
			return err
		}
	}
}

// Handler serves the Prometheus exposition format.
func (s *Service) Handler() http.Handler {
	if !s.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.provider != nil {
		return s.provider.Shutdown(ctx)
	}
	return nil
}
