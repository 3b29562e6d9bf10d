package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/storycraft/deploy/internal/api"
	"github.com/storycraft/deploy/internal/api/handlers"
	"github.com/storycraft/deploy/internal/app"
	"github.com/storycraft/deploy/internal/metrics"
	"github.com/storycraft/deploy/internal/provisioner/terraform"
	"github.com/storycraft/deploy/internal/repository"
	"github.com/storycraft/deploy/internal/services"
	"github.com/storycraft/deploy/pkg/config"
	"github.com/storycraft/deploy/pkg/database"
	"github.com/storycraft/deploy/pkg/logger"
)

func main() {
	// Load configuration
	cfg := config.MustLoad()

	// Initialize logger
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	key := app.StackKey(cfg)
	log.Info("Starting StoryCraft deploy API",
		append(cfg.LogFields(),
			zap.String("env", cfg.AppEnv),
			zap.String("addr", cfg.HTTPAddr),
			zap.Bool("auth", cfg.APIToken != ""),
		)...,
	)
	if err := app.CheckAPIAuth(cfg); err != nil {
		log.Fatal("refusing to start", zap.Error(err))
	}
	if cfg.APIToken == "" {
		log.Warn("API_TOKEN not set, the deployment API is unauthenticated")
	}
	if cfg.RedisAddr == "" {
		log.Fatal("REDIS_ADDR is required to enqueue deployments")
	}
	metrics.Register()

	// Connect to database
	ctx := context.Background()
	db, err := app.OpenDatabase(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer app.CloseDatabase(db)
	log.Info("Database connected successfully")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer client.Close()

	deploySvc := services.NewDeploymentService(key, repository.NewDeploymentRepository(db), client)
	stateStore := terraform.NewDatabaseStateStore(repository.NewStackStateRepository(db))

	// Create router with dependencies
	router := api.NewRouter(api.Dependencies{
		APIToken:  cfg.APIToken,
		RateLimit: cfg.APIRateLimit,
		RateBurst: cfg.APIRateBurst,
		HealthChecks: []handlers.Check{
			{Name: "database", Probe: func(ctx context.Context) error { return database.Ping(ctx, db) }},
			{Name: "redis", Probe: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		},
		DeploymentsHandler: handlers.NewDeploymentsHandler(deploySvc),
		StackHandler:       handlers.NewStackHandler(key, stateStore),
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr), logger.Stack(key))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}
