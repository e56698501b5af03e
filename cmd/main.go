package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"

	"geoimages/internal/config"
	"geoimages/internal/core/area"
	"geoimages/internal/core/dispatch"
	"geoimages/internal/core/execlog"
	"geoimages/internal/core/ingest"
	"geoimages/internal/core/pipeline"
	"geoimages/internal/core/registry"
	"geoimages/internal/core/run"
	"geoimages/internal/logger"
	"geoimages/internal/platform/postgres"
	"geoimages/internal/platform/rabbit"
	rds "geoimages/internal/platform/redis"
	"geoimages/internal/platform/stac"
	tasks "geoimages/internal/platform/tasks"
	"geoimages/internal/server"
)

func main() {
	cfg := config.Load()
	logr := logger.New("main")
	logr.LogInfof("geoimages starting (env=%s, daemon=%v)", cfg.AppEnv, cfg.Daemon)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sources, err := config.LoadSources(cfg.ConfigDir, stac.SysName)
	if err != nil {
		log.Fatal(err)
	}
	areas, err := area.Load(cfg.ConfigDir)
	if err != nil {
		log.Fatal(err)
	}

	// Database and queue connection failures at startup abort before any
	// ingestion work begins.
	redisSvc, err := rds.New(rds.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		log.Fatal(err)
	}
	defer redisSvc.Close()

	pgSvc, err := postgres.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal(err)
	}
	defer pgSvc.Close()
	if err := pgSvc.EnsureSchema(ctx); err != nil {
		log.Fatal(err)
	}

	rabbitSvc, err := rabbit.New(rabbit.Options{URL: cfg.RabbitURL, Queue: cfg.DispatchQueue})
	if err != nil {
		log.Fatal(err)
	}
	defer rabbitSvc.Close()

	statusSvc := run.NewStatusService(redisSvc)

	// One pipeline per enabled source.
	var pipelines []*pipeline.Service
	for _, src := range sources {
		cat, err := stac.Open(ctx, src.Endpoint, cfg.StacKey)
		if err != nil {
			logr.LogErrorf("source %s unavailable, skipping: %v", src.Name, err)
			continue
		}
		reg := registry.New(cfg.MetaDir, src.SysName)
		store := execlog.NewStore(pgSvc.Pool(), cfg.LogDir, src.SysName)
		ingSvc := ingest.NewService(cat, cfg.DataDir)
		dispSvc := dispatch.NewService(rabbitSvc, store)
		pipelines = append(pipelines,
			pipeline.NewService(src, areas, reg, cat, ingSvc, store, dispSvc, statusSvc, cfg))
	}
	if len(pipelines) == 0 {
		logr.LogWarn("no usable sources configured")
	}

	runAll := func(ctx context.Context) error {
		for _, p := range pipelines {
			if err := p.Run(ctx); err != nil {
				logr.LogErrorf("pipeline run: %v", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		return nil
	}

	if !cfg.Daemon {
		if err := runAll(ctx); err != nil {
			if ctx.Err() != nil {
				// Handled interrupt: close connections and exit clean.
				logr.LogWarn("interrupted, shutting down")
				return
			}
			log.Fatal(err)
		}
		return
	}

	// Daemon mode: cron-scheduled runs through the task queue, plus the
	// health and run-status HTTP surface.
	taskClient := tasks.New(redisSvc)
	defer taskClient.Close()

	scheduler := asynq.NewScheduler(redisSvc.AsynqRedisOpt(), nil)
	if _, err := scheduler.Register(cfg.RunSchedule, asynq.NewTask(tasks.TaskTypePipelineRun, nil)); err != nil {
		log.Fatalf("register schedule: %v", err)
	}
	go func() {
		if err := scheduler.Run(); err != nil {
			log.Printf("[scheduler] stopped: %v\n", err)
		}
	}()

	asynqServer := asynq.NewServer(redisSvc.AsynqRedisOpt(), asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{"default": 1},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TaskTypePipelineRun, func(ctx context.Context, _ *asynq.Task) error {
		return runAll(ctx)
	})
	go func() {
		if err := asynqServer.Start(mux); err != nil {
			log.Printf("[worker] stopped: %v\n", err)
		}
	}()

	app := fiber.New(fiber.Config{AppName: "GeoImages Pipeline"})
	healthHandler := server.RegisterRoutes(app, server.Dependencies{
		Status:         statusSvc,
		Tasks:          taskClient,
		Redis:          redisSvc,
		Postgres:       pgSvc,
		Rabbit:         rabbitSvc,
		TaskMaxRetries: cfg.TaskMaxRetries,
	})

	go func() {
		time.Sleep(2 * time.Second)
		healthHandler.SetReady()
	}()

	go func() {
		<-ctx.Done()
		logr.LogInfo("Shutting down...")
		scheduler.Shutdown()
		asynqServer.Shutdown()
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	if err := app.Listen(cfg.HTTPAddr); err != nil {
		log.Fatalf("server listen: %v", err)
	}
}
