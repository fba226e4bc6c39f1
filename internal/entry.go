// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/bibshelf/internal/api"
	"github.com/starford/bibshelf/internal/bibtex"
	"github.com/starford/bibshelf/internal/library"
	"github.com/starford/bibshelf/internal/loop"
	"github.com/starford/bibshelf/internal/mcpserver"
	"github.com/starford/bibshelf/internal/memories"
	"github.com/starford/bibshelf/internal/registry"
	"github.com/starford/bibshelf/internal/search"
	"github.com/starford/bibshelf/internal/sse"
	"github.com/starford/bibshelf/internal/storage"
	"github.com/starford/bibshelf/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

// core is the part of the application shared by the HTTP and MCP front ends.
type core struct {
	loop     *loop.Loop
	watcher  *watcher.Watcher
	search   *search.DB
	memories *memories.Store
	lib      *library.Library
}

func newApplication(opts []Option, defaultLog io.Writer) (*application, error) {
	app := &application{version: "dev", logOut: defaultLog}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	app.logger = slog.New(slog.NewJSONHandler(app.logOut, &slog.HandlerOptions{
		Level: app.config.App.LogLevel,
	}))
	slog.SetDefault(app.logger)
	return app, nil
}

// build wires the library stack. Nothing runs until start.
func (a *application) build(notifier library.Notifier) (*core, error) {
	cfg := a.config
	logger := a.logger

	if err := os.MkdirAll(cfg.Library.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	mem, err := memories.Load(cfg.Library.MemoriesPath(), cfg.Library.RecentLimit, logger)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}

	c := &core{loop: loop.New(logger.With(slog.String("component", "loop"))), memories: mem}

	if cfg.Search.Enabled {
		c.search, err = search.Open(cfg.Search.Path)
		if err != nil {
			return nil, fmt.Errorf("init search: %w", err)
		}
	}

	// The watcher only posts; the library is assigned before it runs.
	var lib *library.Library
	c.watcher, err = watcher.New(logger, cfg.Library.ReloadDelay, func(path string) {
		lib.ExternalChange(path)
	})
	if err != nil {
		c.close()
		return nil, fmt.Errorf("init watcher: %w", err)
	}

	reg := registry.New(registry.Options{
		Settings:  cfg.Library.Settings(),
		Codec:     bibtex.NewCodec(),
		Storage:   storage.NewFS(),
		Scheduler: c.loop,
		Watcher:   c.watcher,
		Recents:   mem,
		Logger:    logger,
	})
	lib = library.New(reg, c.loop, library.Options{
		Search:          c.search,
		Notifier:        notifier,
		MinKeyLength:    cfg.Library.MinKeyLength,
		SearchSyncDelay: cfg.Search.Delay,
		Logger:          logger,
	})
	c.lib = lib
	return c, nil
}

func (c *core) close() {
	if c.search != nil {
		c.search.Close()
	}
}

// startupFiles lists the remembered files followed by the configured ones.
func (a *application) startupFiles(c *core) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range append(c.memories.OpenFiles(), a.config.Library.Files...) {
		abs, err := storage.Resolve(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		out = append(out, abs)
	}
	return out
}

// shutdown writes pending saves while the loop is still running, then
// stops it.
func (a *application) shutdown(c *core, stopLoop context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.lib.Flush(ctx); err != nil {
		a.logger.Error("flush on shutdown failed", slog.String("error", err.Error()))
	}
	stopLoop()
}

// Run starts the HTTP application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts, os.Stdout)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := app.logger

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("data_dir", cfg.Library.DataDir),
		slog.Bool("search", cfg.Search.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	broker := sse.NewBroker(time.Second)
	defer broker.Close()

	c, err := app.build(broker)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	g, gCtx := errgroup.WithContext(ctx)

	// The loop outlives gCtx so the final flush can still run on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	g.Go(func() error { return c.loop.Run(loopCtx) })
	g.Go(func() error { return c.watcher.Run(gCtx) })

	if err := c.lib.Bootstrap(gCtx, cfg.Library.DataDir, cfg.Library.Extension, app.startupFiles(c)); err != nil {
		stopLoop()
		_ = g.Wait()
		return fmt.Errorf("open library: %w", err)
	}

	apiRouter := api.NewRouter(c.lib, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

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
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := c.lib.Files(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		app.shutdown(c, stopLoop)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the library to an MCP client over stdio until the client
// disconnects or a signal arrives.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts, os.Stderr)
	if err != nil {
		return err
	}
	c, err := app.build(nil)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	g, gCtx := errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	g.Go(func() error { return c.loop.Run(loopCtx) })

	watchCtx, stopWatch := context.WithCancel(gCtx)
	g.Go(func() error { return c.watcher.Run(watchCtx) })

	cfg := app.config
	if err := c.lib.Bootstrap(gCtx, cfg.Library.DataDir, cfg.Library.Extension, app.startupFiles(c)); err != nil {
		stopWatch()
		stopLoop()
		_ = g.Wait()
		return fmt.Errorf("open library: %w", err)
	}

	srv := mcpserver.New(c.lib, app.version)
	serveErr := srv.ServeStdio()

	stopWatch()
	app.shutdown(c, stopLoop)
	if err := g.Wait(); err != nil {
		return err
	}
	return serveErr
}
