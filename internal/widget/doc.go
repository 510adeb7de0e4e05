// Package widget holds the catalog of pluggable UI modules. Each widget is
// described by an immutable Descriptor (path, tags, render mode) whose module
// is built lazily by a memoized loader the first time the widget is activated.
// Catalogs are declared in HCL files and registered atomically at startup.
package widget
