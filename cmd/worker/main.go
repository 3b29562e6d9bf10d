package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/storycraft/deploy/internal/app"
	"github.com/storycraft/deploy/internal/metrics"
	"github.com/storycraft/deploy/internal/provisioner/terraform"
	"github.com/storycraft/deploy/internal/queue"
	"github.com/storycraft/deploy/internal/queue/tasks"
	"github.com/storycraft/deploy/internal/repository"
	"github.com/storycraft/deploy/internal/services"
	"github.com/storycraft/deploy/pkg/config"
	"github.com/storycraft/deploy/pkg/logger"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log.Info("starting StoryCraft deploy worker", cfg.LogFields()...)
	metrics.Register()

	if cfg.RedisAddr == "" {
		log.Fatal("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	_ = rdb.Close()

	// The worker records history, so it always uses the database store.
	ctx := context.Background()
	db, err := app.OpenDatabase(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer app.CloseDatabase(db)

	stateStore := terraform.NewDatabaseStateStore(repository.NewStackStateRepository(db))
	if cfg.WorkingDir != "" {
		if err := os.MkdirAll(cfg.WorkingDir, 0o755); err != nil {
			log.Fatal("failed to create working dir", zap.Error(err))
		}
	}
	prov := app.NewProvisioner(cfg, stateStore)

	push, err := app.PushCommand(cfg, false)
	if err != nil {
		log.Fatal("failed to resolve push command", zap.Error(err))
	}

	// deployment service (worker doesn't need asynq client)
	deploySvc := services.NewDeploymentService(app.StackKey(cfg), repository.NewDeploymentRepository(db), nil)
	handler := tasks.NewProvisionTaskHandler(prov, deploySvc, app.StackBuilder(cfg, push))

	mux := asynq.NewServeMux()
	handler.Register(mux)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		},
		asynq.Config{
			Concurrency:     cfg.AsynqConcurrency,
			Queues:          map[string]int{queue.Name: 1},
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          log.Named("asynq").Sugar(),
		},
	)

	errCh := make(chan error, 1)
	go func() {
		log.Info("asynq worker starting", zap.Int("concurrency", cfg.AsynqConcurrency), logger.Stack(app.StackKey(cfg)))
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("worker stopped with error", zap.Error(err))
	}

	// Allow in-flight tasks to finish gracefully
	srv.Shutdown()
}
