package server

import (
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"

	"geoimages/internal/core/run"
	"geoimages/internal/health"
	"geoimages/internal/platform/postgres"
	"geoimages/internal/platform/rabbit"
	"geoimages/internal/platform/redis"
	tasks "geoimages/internal/platform/tasks"
)

type Dependencies struct {
	Status   *run.StatusService
	Tasks    *tasks.Client
	Redis    *redis.Service
	Postgres *postgres.Service
	Rabbit   *rabbit.Service

	TaskMaxRetries int
}

func RegisterRoutes(app *fiber.App, d Dependencies) *health.HealthHandler {
	// Health endpoints
	healthHandler := health.NewHealthHandler(d.Redis, d.Postgres, d.Rabbit)
	app.Get("/v1/health", health.HealthLimiter(), healthHandler.HandleHealth)

	api := app.Group("/v1")

	api.Get("/runs/:executionId", func(c *fiber.Ctx) error {
		rec, err := d.Status.Get(c.Context(), c.Params("executionId"))
		if err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(rec)
	})

	// Queue an off-schedule pipeline run.
	api.Post("/runs", func(c *fiber.Ctx) error {
		task := asynq.NewTask(tasks.TaskTypePipelineRun, nil)
		if err := d.Tasks.Enqueue(task, "default", d.TaskMaxRetries); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "queued"})
	})

	return healthHandler
}
