// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/dossier/internal/annotate"
	"github.com/starford/dossier/internal/api"
	"github.com/starford/dossier/internal/apperr"
	"github.com/starford/dossier/internal/index"
	"github.com/starford/dossier/internal/mcpserver"
	"github.com/starford/dossier/internal/metrics"
	"github.com/starford/dossier/internal/sse"
	"github.com/starford/dossier/internal/storage"
)

func newApplication(opts []Option) (*application, error) {
	app := &application{out: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

func newLogger(cfg *Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// openService prepares the data root and wires the annotation service.
func openService(cfg *Config, pub annotate.Publisher, m *metrics.Metrics, logger *slog.Logger) (*annotate.Service, *storage.FS, error) {
	if err := os.MkdirAll(cfg.Data.Path, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.NewFS(cfg.Data.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("init storage: %w", err)
	}
	svc := annotate.New(store, pub, m, logger, annotate.Options{
		Card:     cfg.Card.Defaults(),
		Analysis: cfg.Analysis.Options(),
		Index:    cfg.Index.Options(),
	})
	return svc, store, nil
}

func writeResult(app *application, v any) error {
	enc := json.NewEncoder(app.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Run starts the HTTP server, the file watcher and the delayed initial
// index build, and blocks until ctx is cancelled or a signal arrives.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := newLogger(cfg)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("data_path", cfg.Data.Path),
		slog.String("snapshot_path", cfg.Index.SnapshotPath),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	m := metrics.New()
	svc, store, err := openService(cfg, broker, m, logger)
	if err != nil {
		return err
	}

	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", readyHandler(svc.Index()))
	r.Handle("/metrics", m.Handler())

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Initial full build, delayed so startup is not blocked by a large data root.
	g.Go(func() error {
		select {
		case <-time.After(cfg.Index.InitialBuildDelay):
		case <-gCtx.Done():
			return nil
		}
		if _, err := svc.Index().BuildFull(gCtx); err != nil {
			logger.Warn("initial build failed", slog.String("error", err.Error()))
		}
		return nil
	})

	// Start file watcher with SSE callback.
	if cfg.Index.Watch {
		g.Go(func() error {
			if err := index.Watch(gCtx, svc.Index(), store, store.Root(), logger, broker.PublishPathEvent); err != nil {
				logger.Error("watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group context so the watcher and build goroutines
// stop once the server has shut down.
var errShutdown = errors.New("shutdown")

// readyHandler reports 503 until the first index build has completed.
func readyHandler(idx *index.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		state := idx.State()
		if state != index.StateReady {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, `{"status":%q}`, state.String())
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// Reindex rebuilds the index once, optionally collecting orphaned
// references first, and writes the result as JSON.
func Reindex(ctx context.Context, gc, dryRun bool, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger := newLogger(app.config)
	svc, _, err := openService(app.config, nil, nil, logger)
	if err != nil {
		return err
	}
	res, err := svc.Reindex(ctx, gc, dryRun)
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	// Snapshot is large; print the summary only.
	return writeResult(app, struct {
		Stats index.Stats     `json:"stats"`
		GC    *index.GCReport `json:"gc,omitempty"`
	}{Stats: res.Snapshot.Stats, GC: res.GC})
}

// Verify checks one card against its source file and writes the report.
// It returns an error when the card does not match.
func Verify(ctx context.Context, cardName string, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger := newLogger(app.config)
	svc, _, err := openService(app.config, nil, nil, logger)
	if err != nil {
		return err
	}
	report, err := svc.VerifyCard(ctx, cardName)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if err := writeResult(app, report); err != nil {
		return err
	}
	if !report.Valid {
		return fmt.Errorf("verify: %s does not match its source: %w", cardName, apperr.ErrIntegrityMismatch)
	}
	return nil
}

// ServeMCP builds the index and serves the MCP tools on stdin/stdout.
func ServeMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger := newLogger(app.config)
	svc, _, err := openService(app.config, nil, nil, logger)
	if err != nil {
		return err
	}
	if _, err := svc.Index().Get(ctx); err != nil {
		return fmt.Errorf("load index: %w", err)
	}
	logger.Info("mcp: serving on stdio")
	return mcpserver.New(svc).ServeStdio()
}
