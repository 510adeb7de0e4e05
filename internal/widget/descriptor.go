package widget

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"

	"github.com/OysteinAmundsen/home-sub001/internal/model"
)

// Loader builds the module for a widget. It is invoked at most once per
// Descriptor; the result, error included, is cached.
type Loader func(ctx context.Context) (http.Handler, error)

// Spec is the declarative part of a widget descriptor.
type Spec struct {
	Path        string           `json:"path"`
	Tags        []string         `json:"tags"`
	RenderMode  model.RenderMode `json:"render_mode"`
	Description string           `json:"description,omitempty"`
	Meta        []string         `json:"meta,omitempty"`

	// Worker marks a widget that delegates heavy computation to a worker session.
	Worker bool `json:"worker"`
}

// Descriptor is an immutable, registered widget. Use NewDescriptor to build one.
type Descriptor struct {
	spec Spec

	once   sync.Once
	loader Loader
	module http.Handler
	err    error
}

// NewDescriptor creates a descriptor from spec. The spec's slices are copied so
// later changes by the caller do not leak into the descriptor. loader may be nil.
func NewDescriptor(spec Spec, loader Loader) *Descriptor {
	spec.Tags = slices.Clone(spec.Tags)
	spec.Meta = slices.Clone(spec.Meta)
	if spec.RenderMode == "" {
		spec.RenderMode = model.RenderClient
	}
	return &Descriptor{spec: spec, loader: loader}
}

// Path returns the unique route segment of the widget.
func (d *Descriptor) Path() string { return d.spec.Path }

// RenderMode returns the widget's declared render mode.
func (d *Descriptor) RenderMode() model.RenderMode { return d.spec.RenderMode }

// Worker reports whether the widget requests off-thread compute.
func (d *Descriptor) Worker() bool { return d.spec.Worker }

// Tags returns a copy of the widget's tags.
func (d *Descriptor) Tags() []string { return slices.Clone(d.spec.Tags) }

// HasTag reports whether the widget is labelled with tag.
func (d *Descriptor) HasTag(tag string) bool { return slices.Contains(d.spec.Tags, tag) }

// Spec returns a copy of the declarative fields.
func (d *Descriptor) Spec() Spec {
	s := d.spec
	s.Tags = slices.Clone(s.Tags)
	s.Meta = slices.Clone(s.Meta)
	return s
}

// Load returns the widget's module, invoking the loader on first use only.
// The context of the first caller is the one handed to the loader.
func (d *Descriptor) Load(ctx context.Context) (http.Handler, error) {
	d.once.Do(func() {
		if d.loader == nil {
			d.err = ErrNoModule
			return
		}
		d.module, d.err = d.loader(ctx)
	})
	return d.module, d.err
}

// MarshalJSON encodes the descriptor using its Spec fields.
func (d *Descriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.spec)
}
