// Package route derives the navigable route tables from the widget registry.
// A single descriptor list feeds both the client route table and the
// server-rendered mirror, so the two can never drift apart.
package route

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/OysteinAmundsen/home-sub001/internal/ctxlog"
	"github.com/OysteinAmundsen/home-sub001/internal/model"
	"github.com/OysteinAmundsen/home-sub001/internal/widget"
)

// ErrUnknownPath is wrapped by ResolutionError when an override names a path
// that is not in the registry.
var ErrUnknownPath = errors.New("override references unknown widget path")

// ResolutionError is returned when a route table cannot be built.
type ResolutionError struct {
	Path string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve route %q: %v", e.Path, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Entry is one route derived from a widget descriptor.
type Entry struct {
	Path       string             `json:"path"`
	RenderMode model.RenderMode   `json:"render_mode"`
	Descriptor *widget.Descriptor `json:"-"`
}

// Table is an immutable, ordered route table with exactly one entry per
// registered widget.
type Table struct {
	entries []Entry
}

// Build emits one Entry per descriptor in registry order. The render mode is
// overrides[path] when present, otherwise defaultMode; an empty defaultMode
// falls back to the descriptor's own render mode. Any override naming an
// unknown path fails the whole build and no table is returned.
func Build(reg *widget.Registry, defaultMode model.RenderMode, overrides map[string]model.RenderMode) (*Table, error) {
	if defaultMode != "" && !defaultMode.Valid() {
		return nil, &ResolutionError{Path: "", Err: fmt.Errorf("invalid default render mode %q", defaultMode)}
	}

	// Check overrides in sorted order so the reported path is deterministic.
	keys := make([]string, 0, len(overrides))
	for path := range overrides {
		keys = append(keys, path)
	}
	slices.Sort(keys)
	for _, path := range keys {
		if _, err := reg.ResolveByPath(path); err != nil {
			return nil, &ResolutionError{Path: path, Err: fmt.Errorf("%w: %w", ErrUnknownPath, err)}
		}
		if mode := overrides[path]; !mode.Valid() {
			return nil, &ResolutionError{Path: path, Err: fmt.Errorf("invalid render mode %q", mode)}
		}
	}

	entries := make([]Entry, 0, reg.Len())
	for d := range reg.All() {
		mode := defaultMode
		if mode == "" {
			mode = d.RenderMode()
		}
		if o, ok := overrides[d.Path()]; ok {
			mode = o
		}
		entries = append(entries, Entry{Path: d.Path(), RenderMode: mode, Descriptor: d})
	}
	return &Table{entries: entries}, nil
}

// Entries returns a copy of every entry in registry order.
func (t *Table) Entries() []Entry {
	return slices.Clone(t.entries)
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// Client returns the entries rendered by the client.
func (t *Table) Client() []Entry { return t.filter(model.RenderClient) }

// Server returns the entries rendered by the host.
func (t *Table) Server() []Entry { return t.filter(model.RenderServer) }

func (t *Table) filter(mode model.RenderMode) []Entry {
	out := []Entry{}
	for _, e := range t.entries {
		if e.RenderMode == mode {
			out = append(out, e)
		}
	}
	return out
}

// Mount registers every server-rendered entry on r under prefix. The widget
// module is loaded on the first request; a failed load is served by the
// not-found module.
func (t *Table) Mount(r chi.Router, prefix string, logger *slog.Logger) {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	for _, e := range t.Server() {
		base := prefix + "/" + e.Path
		h := http.StripPrefix(base, moduleHandler(e, logger))
		r.Handle(base, h)
		r.Handle(base+"/*", h)
	}
}

// moduleHandler resolves the entry's module per request.
func moduleHandler(e Entry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ctxlog.WithLogger(r.Context(), logger.With("widget", e.Path))
		module, err := e.Descriptor.Load(ctx)
		if err != nil {
			logger.Warn("widget module unavailable", "widget", e.Path, "error", err)
			module = widget.NotFound(e.Path)
		}
		module.ServeHTTP(w, r)
	})
}
