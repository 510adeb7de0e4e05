package widget

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/OysteinAmundsen/home-sub001/internal/ctxlog"
	"github.com/OysteinAmundsen/home-sub001/internal/model"
)

// catalogExt is the file extension of widget catalog files.
const catalogExt = ".hcl"

// CatalogEntry is one widget declared in a catalog file.
type CatalogEntry struct {
	Spec Spec

	// Assets is the directory served as the widget's module. Relative paths
	// are resolved against the directory of the declaring file.
	Assets string

	// Source is the file the entry was declared in.
	Source string
}

// Catalog is the format-agnostic result of loading catalog files.
type Catalog struct {
	Entries   []CatalogEntry
	Overrides map[string]model.RenderMode
}

// hclCatalogFile is the top-level structure of a catalog file.
type hclCatalogFile struct {
	Widgets   []*hclWidget   `hcl:"widget,block"`
	Overrides []*hclOverride `hcl:"override,block"`
}

type hclWidget struct {
	Path        string   `hcl:"path,label"`
	Tags        []string `hcl:"tags,optional"`
	RenderMode  string   `hcl:"render_mode,optional"`
	Description string   `hcl:"description,optional"`
	Meta        []string `hcl:"meta,optional"`
	Worker      bool     `hcl:"worker,optional"`
	Assets      string   `hcl:"assets,optional"`
}

type hclOverride struct {
	Path       string `hcl:"path,label"`
	RenderMode string `hcl:"render_mode"`
}

// LoadCatalog reads every catalog file found under paths. A path may be a
// single file or a directory, which is searched recursively. Files are read
// in lexical order so the resulting catalog is deterministic.
func LoadCatalog(ctx context.Context, paths ...string) (*Catalog, error) {
	logger := ctxlog.FromContext(ctx)

	var files []string
	for _, p := range paths {
		found, err := findCatalogFiles(p)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		logger.Warn("no widget catalog files found", "paths", paths)
	}

	cat := &Catalog{Overrides: make(map[string]model.RenderMode)}
	parser := hclparse.NewParser()
	for _, file := range files {
		logger.Debug("loading widget catalog", "path", file)
		f, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("parse catalog %s: %w", file, diags)
		}
		if err := cat.decode(f, file); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

// ParseCatalog decodes a single catalog from src. filename is used in
// diagnostics and to resolve relative asset directories.
func ParseCatalog(src []byte, filename string) (*Catalog, error) {
	f, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse catalog %s: %w", filename, diags)
	}
	cat := &Catalog{Overrides: make(map[string]model.RenderMode)}
	if err := cat.decode(f, filename); err != nil {
		return nil, err
	}
	return cat, nil
}

// decode appends the widgets and overrides of one parsed file to c.
func (c *Catalog) decode(f *hcl.File, filename string) error {
	var parsed hclCatalogFile
	if diags := gohcl.DecodeBody(f.Body, nil, &parsed); diags.HasErrors() {
		return fmt.Errorf("decode catalog %s: %w", filename, diags)
	}

	for _, w := range parsed.Widgets {
		mode := model.RenderClient
		if w.RenderMode != "" {
			m, err := model.ParseRenderMode(w.RenderMode)
			if err != nil {
				return fmt.Errorf("widget %q in %s: %w", w.Path, filename, err)
			}
			mode = m
		}

		assets := w.Assets
		if assets != "" && !filepath.IsAbs(assets) {
			assets = filepath.Join(filepath.Dir(filename), assets)
		}

		c.Entries = append(c.Entries, CatalogEntry{
			Spec: Spec{
				Path:        w.Path,
				Tags:        w.Tags,
				RenderMode:  mode,
				Description: w.Description,
				Meta:        w.Meta,
				Worker:      w.Worker,
			},
			Assets: assets,
			Source: filename,
		})
	}

	for _, o := range parsed.Overrides {
		if _, dup := c.Overrides[o.Path]; dup {
			return fmt.Errorf("duplicate override for %q in %s", o.Path, filename)
		}
		m, err := model.ParseRenderMode(o.RenderMode)
		if err != nil {
			return fmt.Errorf("override %q in %s: %w", o.Path, filename, err)
		}
		c.Overrides[o.Path] = m
	}
	return nil
}

// Build registers every catalog entry into a new Registry. Construction is
// all-or-nothing: the first failure aborts and no registry is returned.
func (c *Catalog) Build() (*Registry, error) {
	reg := NewRegistry()
	for _, e := range c.Entries {
		var loader Loader
		if e.Assets != "" {
			loader = AssetsLoader(e.Assets)
		}
		if err := reg.Register(NewDescriptor(e.Spec, loader)); err != nil {
			return nil, fmt.Errorf("build catalog (%s): %w", e.Source, err)
		}
	}
	return reg, nil
}

// AssetsLoader returns a Loader that serves dir as a static module. The
// directory is checked when the module is first loaded, not at startup.
func AssetsLoader(dir string) Loader {
	return func(ctx context.Context) (http.Handler, error) {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("load widget assets: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("load widget assets: %s is not a directory", dir)
		}
		ctxlog.FromContext(ctx).Info("widget module loaded", "assets", dir)
		return http.FileServer(http.Dir(dir)), nil
	}
}

// findCatalogFiles returns the catalog files at path in lexical order.
func findCatalogFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat catalog path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(p), catalogExt) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk catalog dir %s: %w", path, err)
	}
	slices.Sort(files)
	return files, nil
}
