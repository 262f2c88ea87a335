// Package loader discovers pipeline units in a directory and instantiates
// them into runtime handles. Discovery is independent per unit: a unit
// that fails to load is reported and skipped, never aborting the scan.
package loader

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pipeworks-ai/pipeworks/internal/pipeline"
	"github.com/pipeworks-ai/pipeworks/internal/valves"
)

const (
	unitExt   = ".lua"
	entryFile = "init.lua"
)

// Result is the outcome of loading one discovered unit: a live handle or
// the error that kept it out of the registry.
type Result struct {
	Unit   string
	Handle *pipeline.Handle
	Err    error
}

// Loader scans a pipelines directory and hydrates each loaded handle's
// valves from the store before it is considered ready.
type Loader struct {
	dir    string
	store  *valves.Store
	logger *slog.Logger
}

// New creates a Loader for the given pipelines directory.
func New(dir string, store *valves.Store, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dir: dir, store: store, logger: logger}
}

// Discover scans the directory in two passes. Pass one loads every
// standalone unit (a single .lua file). Pass two loads every subdirectory
// containing an init.lua, skipping dot-directories, the failed directory,
// and any name already claimed in pass one (the standalone unit wins; the
// collision is logged so the operator can rename one of the two).
//
// The directory is created when absent rather than treated as an error.
func (l *Loader) Discover() ([]Result, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pipelines dir: %w", err)
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("scan pipelines dir: %w", err)
	}

	var results []Result
	claimed := make(map[string]bool)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, unitExt) || strings.HasPrefix(name, ".") {
			continue
		}
		unit := strings.TrimSuffix(name, unitExt)
		results = append(results, l.load(unit, filepath.Join(l.dir, name), false))
		claimed[unit] = true
	}

	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || name == "failed" {
			continue
		}
		if claimed[name] {
			l.logger.Warn("package unit shadowed by standalone unit of the same name",
				slog.String("unit", name))
			continue
		}
		entryPath := filepath.Join(l.dir, name, entryFile)
		if _, err := os.Stat(entryPath); err != nil {
			continue
		}
		results = append(results, l.load(name, entryPath, true))
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Unit < results[j].Unit })
	return results, nil
}

// load instantiates one unit and hydrates its valves. Hydration I/O
// errors are non-fatal: the handle keeps its compiled-in defaults.
func (l *Loader) load(unit, entry string, pkg bool) Result {
	h, err := pipeline.Load(unit, entry, pkg)
	if err != nil {
		l.logger.Error("failed to load pipeline unit",
			slog.String("unit", unit),
			slog.String("error", err.Error()))
		return Result{Unit: unit, Err: err}
	}

	if h.HasValves() {
		values, err := l.store.Hydrate(h.Unit(), h.Schema())
		if err != nil {
			l.logger.Warn("valve hydration failed, keeping defaults",
				slog.String("unit", unit),
				slog.String("error", err.Error()))
		}
		h.SetValves(values)
	}

	l.logger.Info("loaded pipeline",
		slog.String("unit", unit),
		slog.String("id", h.ID()),
		slog.Bool("package", pkg))

	return Result{Unit: unit, Handle: h}
}
