package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"workflow-api/internal/api"
	"workflow-api/internal/app"
	"workflow-api/internal/config"
	"workflow-api/internal/logging"
	"workflow-api/internal/mcp"
	"workflow-api/internal/monitoring"
	"workflow-api/internal/repository"
	"workflow-api/internal/services"
	"workflow-api/internal/tls"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := app.NewLogger(cfg)
	logger.Info("Starting workflow-api", "version", version, "store", cfg.Store.Driver)

	store, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if pg, ok := store.(*repository.PostgresStore); ok {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}

	c, err := app.NewCompiler(cfg)
	if err != nil {
		return err
	}

	metrics := monitoring.NewNop()
	if cfg.Telemetry.Metrics {
		if metrics, err = monitoring.New(); err != nil {
			return err
		}
	}
	defer func() {
		if err := metrics.Shutdown(context.Background()); err != nil {
			logger.Warn("Metrics shutdown failed", "error", err)
		}
	}()

	workflows := services.NewWorkflowService(store, c, logger, metrics)
	jobs := services.NewJobService(store, store, c, logger, metrics)
	logger.Info("Service layer initialized", "native_tasks", c.Registry().Names())

	e := api.New(api.Options{
		Server:      api.NewServer(workflows, jobs),
		Store:       store,
		Logger:      logger,
		Metrics:     metrics,
		ServiceName: cfg.Telemetry.ServiceName,
		BodyLimit:   cfg.Server.BodyLimit,
	})

	mcpServer := mcp.NewServer(workflows, jobs, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(mcpHandlers))
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))
	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		serverErrors <- listen(server, cfg, logger)
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("Server close error", "error", err)
		}
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}

func listen(server *http.Server, cfg *config.Config, logger logging.Logger) error {
	if !cfg.TLS.Enable {
		return server.ListenAndServe()
	}
	generated, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
	if err != nil {
		return err
	}
	if generated {
		logger.Warn("Generated a self-signed certificate", "cert_file", cfg.TLS.CertFile, "hosts", cfg.TLS.Hostnames)
	}
	return server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
}
