package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duckmesh/duckfilter/internal/auth"
	"github.com/duckmesh/duckfilter/internal/config"
	"github.com/duckmesh/duckfilter/internal/observability"
)

type ReadinessCheck func(ctx context.Context) error

// TaskLookup resolves the tasks the API serves.
type TaskLookup interface {
	Lookup(name string) (*TaskEntry, bool)
	Names() []string
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Tasks             TaskLookup
	Allocator         memory.Allocator
	MaxBodyBytes      int64
	InvocationTimeout time.Duration
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	if deps.MaxBodyBytes == 0 {
		deps.MaxBodyBytes = int64(cfg.Filter.MaxBodyBytes)
	}
	if deps.InvocationTimeout == 0 {
		deps.InvocationTimeout = cfg.Filter.InvocationTimeout
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protect := func(handler http.HandlerFunc) http.Handler {
		protected := chain(handler, auth.RequireRole(auth.RoleFilterRunner), auth.RequireTask("task"))
		if !cfg.Auth.Required {
			return protected
		}
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		}
		return deps.AuthMiddleware(protected)
	}
	mux.Handle("GET /v1/tasks", protect(func(w http.ResponseWriter, r *http.Request) {
		handleListTasks(deps, w, r)
	}))
	mux.Handle("GET /v1/tasks/{task}", protect(func(w http.ResponseWriter, r *http.Request) {
		handleGetTask(deps, w, r)
	}))
	mux.Handle("POST /v1/tasks/{task}/filter", protect(func(w http.ResponseWriter, r *http.Request) {
		handleFilter(deps, w, r)
	}))

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	middlewares = append(middlewares, observability.RecoverMiddleware(deps.Logger))
	return chain(mux, middlewares...)
}

// CheckTasksLoaded fails readiness until at least one task is served.
func CheckTasksLoaded(tasks TaskLookup) ReadinessCheck {
	return func(_ context.Context) error {
		if tasks == nil || len(tasks.Names()) == 0 {
			return errors.New("no filter tasks are loaded")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
