// Package runtime assembles the pipeline server: valve storage, unit
// discovery, the dispatcher, the HTTP surface, and a directory watcher
// that reloads pipelines when their files change.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pipeworks-ai/pipeworks/internal/auth"
	"github.com/pipeworks-ai/pipeworks/internal/config"
	"github.com/pipeworks-ai/pipeworks/internal/dispatch"
	"github.com/pipeworks-ai/pipeworks/internal/frontdoor"
	"github.com/pipeworks-ai/pipeworks/internal/loader"
	"github.com/pipeworks-ai/pipeworks/internal/pipeline"
	"github.com/pipeworks-ai/pipeworks/internal/registry"
	"github.com/pipeworks-ai/pipeworks/internal/server"
	"github.com/pipeworks-ai/pipeworks/internal/storage/sqlite"
	"github.com/pipeworks-ai/pipeworks/internal/valves"
)

const reloadDebounce = 500 * time.Millisecond

// Runtime owns every long-lived component of the server process.
type Runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *valves.Store
	loader     *loader.Loader
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	server     *server.Server
	recorder   *sqlite.Store
}

// New wires the runtime from configuration. Legacy valve files found
// next to their pipeline units are migrated into the valves directory
// before the first scan.
func New(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store := valves.NewStore(cfg.Valves.Dir, logger)
	if err := store.MigrateLegacy(cfg.Pipelines.Dir); err != nil {
		logger.Warn("legacy valve migration incomplete", slog.String("error", err.Error()))
	}

	reg := registry.New(logger)
	ld := loader.New(cfg.Pipelines.Dir, store, logger)

	opts := []dispatch.Option{dispatch.WithTimeout(cfg.Dispatch.Timeout)}

	var recorder *sqlite.Store
	if cfg.Storage.Path != "" {
		rec, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open invocation log: %w", err)
		}
		recorder = rec
		opts = append(opts, dispatch.WithRecorder(rec))
		logger.Info("invocation log enabled", slog.String("path", cfg.Storage.Path))
	}

	dispatcher := dispatch.New(reg, cfg.Dispatch.Workers, logger, opts...)

	srv := server.New(cfg.Server.Port, logger)
	handler := frontdoor.NewHandler(reg, dispatcher, store, auth.New(cfg.Server.APIKey), logger)
	handler.Mount(srv.Router)

	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		loader:     ld,
		registry:   reg,
		dispatcher: dispatcher,
		server:     srv,
		recorder:   recorder,
	}, nil
}

// Run performs the initial scan, starts the directory watcher and the
// HTTP server, and blocks until ctx is cancelled or the server fails.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.reload(ctx); err != nil {
		return err
	}

	if err := r.watch(ctx); err != nil {
		r.logger.Warn("pipeline watcher unavailable, hot reload disabled",
			slog.String("error", err.Error()))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.server.Start()
	}()

	r.logger.Info("pipeline server started",
		slog.Int("port", r.cfg.Server.Port),
		slog.String("pipelines_dir", r.cfg.Pipelines.Dir),
		slog.Int("pipelines", r.registry.Len()))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}

	r.shutdown()
	return runErr
}

// reload rescans the pipelines directory and swaps the registry to the
// freshly loaded handles. Old handles are left to the process lifetime:
// in-flight executions may still hold them.
func (r *Runtime) reload(ctx context.Context) error {
	results, err := r.loader.Discover()
	if err != nil {
		return fmt.Errorf("discover pipelines: %w", err)
	}

	var handles []*pipeline.Handle
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		if err := res.Handle.OnStartup(ctx); err != nil {
			r.logger.Error("on_startup hook failed",
				slog.String("unit", res.Unit),
				slog.String("error", err.Error()))
		}
		handles = append(handles, res.Handle)
	}

	r.registry.Replace(handles)
	r.logger.Info("registry updated", slog.Int("pipelines", len(handles)))
	return nil
}

// watch reloads the registry after filesystem changes in the pipelines
// directory, debounced so editors that write in bursts trigger one scan.
// Package unit subdirectories are watched too, so editing a required
// sibling file reloads the unit the same as editing its init.lua.
func (r *Runtime) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(r.cfg.Pipelines.Dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.cfg.Pipelines.Dir, err)
	}
	r.watchPackageDirs(watcher)

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if event.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
						if err := watcher.Add(event.Name); err != nil {
							r.logger.Warn("failed to watch new package dir",
								slog.String("path", event.Name),
								slog.String("error", err.Error()))
						}
					}
				}
				r.logger.Debug("pipelines dir changed", slog.String("path", event.Name))
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					if err := r.reload(ctx); err != nil {
						r.logger.Error("pipeline reload failed", slog.String("error", err.Error()))
					}
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("pipeline watch error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

// watchPackageDirs adds the existing package unit subdirectories to the
// watcher. Subdirectories created later are picked up from their Create
// events on the top-level watch.
func (r *Runtime) watchPackageDirs(watcher *fsnotify.Watcher) {
	entries, err := os.ReadDir(r.cfg.Pipelines.Dir)
	if err != nil {
		r.logger.Warn("failed to scan for package dirs", slog.String("error", err.Error()))
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || name == "failed" {
			continue
		}
		dir := filepath.Join(r.cfg.Pipelines.Dir, name)
		if err := watcher.Add(dir); err != nil {
			r.logger.Warn("failed to watch package dir",
				slog.String("path", dir),
				slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.server.Shutdown(ctx); err != nil {
		r.logger.Error("server shutdown failed", slog.String("error", err.Error()))
	}

	for _, h := range r.registry.Handles() {
		if err := h.OnShutdown(ctx); err != nil {
			r.logger.Error("on_shutdown hook failed",
				slog.String("pipeline", h.ID()),
				slog.String("error", err.Error()))
		}
	}

	if r.recorder != nil {
		if err := r.recorder.Close(); err != nil {
			r.logger.Error("failed to close invocation log", slog.String("error", err.Error()))
		}
	}

	r.logger.Info("pipeline server stopped")
}
