// Package registry holds the process-wide mapping from pipeline
// identifier to its runtime handle. The externally visible listing is
// recomputed on every call rather than cached: loads are rare and small
// relative to request volume, and staleness-free reads are worth more than
// the copy.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/pipeworks-ai/pipeworks/internal/pipeline"
)

// Entry is one row of the registry listing.
type Entry struct {
	ID        string
	Name      string
	Unit      string
	HasValves bool
}

// Registry maps pipeline identifiers to handles. Handles are owned by the
// registry for the process lifetime; a re-scan replaces the whole set.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*pipeline.Handle
	logger  *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handles: make(map[string]*pipeline.Handle),
		logger:  logger,
	}
}

// Replace swaps in a freshly discovered set of handles. Two handles
// declaring the same identifier collapse to the later one; that is an
// operator error and is logged rather than silently hidden.
func (r *Registry) Replace(handles []*pipeline.Handle) {
	next := make(map[string]*pipeline.Handle, len(handles))
	for _, h := range handles {
		if prev, ok := next[h.ID()]; ok {
			r.logger.Warn("duplicate pipeline id, keeping later unit",
				slog.String("id", h.ID()),
				slog.String("dropped_unit", prev.Unit()),
				slog.String("kept_unit", h.Unit()))
		}
		next[h.ID()] = h
	}

	r.mu.Lock()
	r.handles = next
	r.mu.Unlock()
}

// Resolve looks up a handle by identifier. Absence is a distinct outcome,
// never an empty handle.
func (r *Registry) Resolve(id string) (*pipeline.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// Snapshot recomputes the listing from the currently loaded handles,
// sorted by identifier.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.handles))
	for id, h := range r.handles {
		out = append(out, Entry{
			ID:        id,
			Name:      h.Name(),
			Unit:      h.Unit(),
			HasValves: h.HasValves(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Handles returns the current handle set in unspecified order.
func (r *Registry) Handles() []*pipeline.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*pipeline.Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// Len returns the number of registered pipelines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
