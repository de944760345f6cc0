package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duckmesh/duckfilter/internal/api"
	"github.com/duckmesh/duckfilter/internal/auth"
	"github.com/duckmesh/duckfilter/internal/config"
	"github.com/duckmesh/duckfilter/internal/filter"
	"github.com/duckmesh/duckfilter/internal/observability"
	"github.com/duckmesh/duckfilter/internal/task"
)

func main() {
	cfg, err := config.LoadFromEnv("duckfilter-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	tasks, err := task.LoadDir(cfg.Filter.TaskDir)
	if err != nil {
		logger.Error("failed to load tasks", slog.String("dir", cfg.Filter.TaskDir), slog.Any("error", err))
		os.Exit(1)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	registry, err := api.NewRegistry(startCtx, tasks, cfg.Filter.SessionsPerTask, filter.Options{Logger: logger})
	cancelStart()
	if err != nil {
		logger.Error("failed to prepare tasks", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warn("closing engine sessions", slog.Any("error", err))
		}
	}()
	logger.Info("tasks loaded", slog.Int("count", len(tasks)), slog.Any("names", registry.Names()))

	deps := api.Dependencies{
		Logger:            logger,
		Tasks:             registry,
		Readiness:         api.CheckTasksLoaded(registry),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
	}
}
