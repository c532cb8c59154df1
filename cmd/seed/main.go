package main

import (
	"context"
	"errors"
	"flag"
	"log"

	"workflow-api/internal/app"
	"workflow-api/internal/compiler"
	"workflow-api/internal/config"
	"workflow-api/internal/services"
	"workflow-api/pkg/models"
)

func main() {
	ctx := context.Background()

	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := app.NewLogger(cfg)

	store, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	c, err := app.NewCompiler(cfg)
	if err != nil {
		log.Fatalf("Failed to create compiler: %v", err)
	}
	workflows := services.NewWorkflowService(store, c, logger, nil)

	timeout := 60.0
	seeds := []*models.Workflow{
		{
			UUID: "hello-world",
			Name: "Hello World",
			Chain: []models.Task{
				{Body: compiler.Raw("function(job, cb) { job.greeting = 'hello ' + (job.name || 'world'); cb(); }")},
			},
		},
		{
			UUID:    "retry-with-fallback",
			Name:    "Retry with fallback",
			Timeout: &timeout,
			Chain: []models.Task{
				{
					Body:     compiler.Raw("native:fail"),
					Fallback: compiler.Raw("(job, cb) => { job.recovered = true; cb(null); }"),
				},
			},
			OnError: []models.Task{
				{Body: compiler.Raw("native:noop")},
			},
		},
		{
			UUID: "two-steps",
			Name: "Two steps",
			Chain: []models.Task{
				{Body: compiler.Raw("function(job, cb) { job.step = 1; cb(); }")},
				{Body: compiler.Raw("function(job, cb) { if (job.step !== 1) { return cb('out of order'); } job.step = 2; cb(); }")},
			},
		},
	}

	for _, wf := range seeds {
		created, err := workflows.Create(ctx, wf)
		switch {
		case errors.Is(err, services.ErrWorkflowExists):
			logger.Info("Skipping existing workflow", "uuid", wf.UUID)
		case err != nil:
			log.Printf("Failed to create workflow %s: %v", wf.UUID, err)
		default:
			logger.Info("Seeded workflow", "name", created.Name, "uuid", created.UUID)
		}
	}
	logger.Info("Seeding complete!")
}
