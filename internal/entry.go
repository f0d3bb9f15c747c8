// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
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

	"github.com/starford/gebo/internal/api"
	"github.com/starford/gebo/internal/apikeys"
	"github.com/starford/gebo/internal/events"
	"github.com/starford/gebo/internal/mcpserver"
	"github.com/starford/gebo/internal/pool"
	"github.com/starford/gebo/internal/store"
	"github.com/starford/gebo/internal/upstream"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Initialize SQLite store.
	db, err := store.Open(cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	// External collaborators.
	ownership := upstream.NewOwnershipClient(cfg.Upstream.OwnershipURL, cfg.Upstream.Timeout)
	links := upstream.NewLinkCheckClient(cfg.Upstream.Timeout)

	var classifier pool.Classifier
	if cfg.Upstream.ClassifierURL != "" {
		classifier = upstream.NewClassifierClient(cfg.Upstream.ClassifierURL, cfg.Upstream.Timeout)
	}
	var authority pool.AuthorityScorer
	if cfg.Upstream.AuthorityURL != "" {
		authority = upstream.NewAuthorityClient(cfg.Upstream.AuthorityURL, cfg.Upstream.Timeout)
	}

	// Event broker for the SSE stream.
	broker := events.NewBroker()
	defer broker.Close()

	// Pool engine.
	svc := pool.NewService(db, ownership, links, classifier, authority, broker, pool.Params{
		CooldownDays:     cfg.Pool.CooldownDays,
		ConfirmGraceDays: cfg.Pool.ConfirmGraceDays,
		VerifyWindowDays: cfg.Pool.VerifyWindowDays,
		MinScore:         cfg.Pool.MinScore,
		ContributionCap:  cfg.Pool.ContributionCap,
	}, logger)

	if app.mcpMode {
		// MCP stdio mode: expose pool tools instead of serving HTTP.
		return mcpserver.New(svc).ServeStdio()
	}

	// API keys (hot-reloaded when auth is enabled).
	var keys *apikeys.Store
	if cfg.Auth.AuthEnabled() {
		keys, err = apikeys.Load(cfg.Auth.KeysFile)
		if err != nil {
			return fmt.Errorf("load api keys: %w", err)
		}
	}

	apiRouter := api.NewRouter(svc, keys, broker)

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
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /v1.
	r.Mount("/v1", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Timeout sweep: matched/confirmed placements past their windows fail,
	// freed capacity is re-offered to the pending backlog.
	g.Go(func() error {
		svc.RunSweeper(gCtx, cfg.Pool.SweepInterval)
		return nil
	})

	// API-key hot reload.
	if keys != nil {
		g.Go(func() error {
			return keys.Watch(gCtx, logger)
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

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}
