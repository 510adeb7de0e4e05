package widget

import (
	"errors"
	"iter"
	"slices"
	"sync"

	"github.com/agnivade/levenshtein"
)

// Registry is an ordered catalog of widget descriptors keyed by path.
// Insertion order is the canonical listing order. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	order  []*Descriptor
	byPath map[string]*Descriptor
}

// NewRegistry creates an empty widget registry.
func NewRegistry() *Registry {
	return &Registry{
		byPath: make(map[string]*Descriptor),
	}
}

// Register appends d to the catalog. It fails with a RegistrationError if the
// path is empty or already registered, leaving the catalog unchanged.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Path() == "" {
		path := ""
		if d != nil {
			path = d.Path()
		}
		return &RegistrationError{Path: path, Err: errors.New("path must not be empty")}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byPath[d.Path()]; exists {
		return &RegistrationError{Path: d.Path(), Err: ErrDuplicatePath}
	}
	r.byPath[d.Path()] = d
	r.order = append(r.order, d)
	return nil
}

// ResolveByPath returns the descriptor registered under path.
func (r *Registry) ResolveByPath(path string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byPath[path]
	if !ok {
		return nil, &LookupError{Path: path, Suggestion: r.suggest(path)}
	}
	return d, nil
}

// ListByTag yields, in insertion order, every descriptor labelled with tag.
// The sequence is lazy and may be ranged over any number of times.
func (r *Registry) ListByTag(tag string) iter.Seq[*Descriptor] {
	return func(yield func(*Descriptor) bool) {
		for d := range r.All() {
			if d.HasTag(tag) && !yield(d) {
				return
			}
		}
	}
}

// All yields every descriptor in insertion order.
func (r *Registry) All() iter.Seq[*Descriptor] {
	return func(yield func(*Descriptor) bool) {
		// The registry only ever appends, so the prefix seen here is stable.
		r.mu.RLock()
		snapshot := r.order
		r.mu.RUnlock()

		for _, d := range snapshot {
			if !yield(d) {
				return
			}
		}
	}
}

// Len returns the number of registered widgets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Tags returns the sorted set of tags used across the catalog.
func (r *Registry) Tags() []string {
	seen := make(map[string]bool)
	var tags []string
	for d := range r.All() {
		for _, t := range d.spec.Tags {
			if !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}
	slices.Sort(tags)
	return tags
}

// suggest returns the registered path closest to path by edit distance, or ""
// when nothing is reasonably close. Callers must hold r.mu.
func (r *Registry) suggest(path string) string {
	best := ""
	bestDist := max(2, len(path)/3) + 1
	for _, d := range r.order {
		if dist := levenshtein.ComputeDistance(path, d.Path()); dist < bestDist {
			best, bestDist = d.Path(), dist
		}
	}
	return best
}
