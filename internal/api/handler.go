package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tabletalk/tabletalk/internal/auth"
	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/ingest"
	"github.com/tabletalk/tabletalk/internal/ledger"
	"github.com/tabletalk/tabletalk/internal/nl2sql"
	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/pipeline"
	"github.com/tabletalk/tabletalk/internal/session"
	"github.com/tabletalk/tabletalk/internal/store"
	"github.com/tabletalk/tabletalk/internal/table"
)

type ReadinessCheck func(ctx context.Context) error

// Sessions is the session-scoped workflow the handlers drive.
type Sessions interface {
	CreateSession(ctx context.Context) session.Session
	DeleteSession(ctx context.Context, sessionID string) error
	Upload(ctx context.Context, sessionID string, upload ingest.Upload, tableName string) (*table.Table, error)
	Table(ctx context.Context, sessionID string, limit int) (*table.Table, error)
	Convert(ctx context.Context, sessionID string) (store.Artifact, error)
	Download(ctx context.Context, sessionID string) (pipeline.Download, error)
	ExportParquet(ctx context.Context, sessionID string, w io.Writer) error
	Translate(ctx context.Context, sessionID, question string) (nl2sql.Result, error)
	Ask(ctx context.Context, sessionID, question string) (pipeline.Answer, error)
	History(ctx context.Context, sessionID string) ([]ledger.Entry, error)
	ClearHistory(ctx context.Context, sessionID string) error
}

type Dependencies struct {
	Logger           *slog.Logger
	Readiness        ReadinessCheck
	AuthMiddleware   func(http.Handler) http.Handler
	DependencyTimout time.Duration
	Sessions         Sessions
}

type route struct {
	pattern string
	role    string
	handle  func(Dependencies, config.Config, http.ResponseWriter, *http.Request)
}

var protectedRoutes = []route{
	{pattern: "POST /v1/sessions", handle: handleCreateSession},
	{pattern: "DELETE /v1/sessions/{id}", handle: handleDeleteSession},
	{pattern: "POST /v1/upload", role: auth.RoleUploader, handle: handleUpload},
	{pattern: "GET /v1/table", handle: handleTable},
	{pattern: "POST /v1/convert", role: auth.RoleUploader, handle: handleConvert},
	{pattern: "GET /v1/download", handle: handleDownload},
	{pattern: "GET /v1/export.parquet", handle: handleExportParquet},
	{pattern: "POST /v1/query/translate", role: auth.RoleAsker, handle: handleTranslate},
	{pattern: "POST /v1/ask", role: auth.RoleAsker, handle: handleAsk},
	{pattern: "GET /v1/history", role: auth.RoleAsker, handle: handleHistory},
	{pattern: "DELETE /v1/history", role: auth.RoleAsker, handle: handleClearHistory},
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimout
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

	protected := http.NewServeMux()
	for _, rt := range protectedRoutes {
		handle := rt.handle
		var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if deps.Sessions == nil {
				writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session service is not configured", false, nil)
				return
			}
			handle(deps, cfg, w, r)
		})
		if rt.role != "" {
			h = auth.RequireRole(rt.role, h)
		}
		protected.Handle(rt.pattern, h)
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for _, rt := range protectedRoutes {
		mux.Handle(rt.pattern, protectedHandler)
	}

	return chain(mux, observability.TraceMiddleware, observability.AccessMiddleware(deps.Logger))
}

// CheckDataDir reports whether store files can be created under dir.
func CheckDataDir(dir string) ReadinessCheck {
	return func(_ context.Context) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		probe, err := os.CreateTemp(dir, ".ready-*")
		if err != nil {
			return err
		}
		name := probe.Name()
		_ = probe.Close()
		return os.Remove(filepath.Clean(name))
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if !cfg.ObjectStore.Enabled {
			return nil
		}
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
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
