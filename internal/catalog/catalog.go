// Package catalog loads persona and template descriptors from a directory
// of YAML files:
//
//	{dir}/personas/*.yaml
//	{dir}/templates/*.yaml
//
// Each file holds one descriptor. The id defaults to the file name without
// its extension. The catalog is read-only for its users; Reload and Watch
// pick up changes made on disk.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/draftsmith/internal/errors"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
	"github.com/Iron-Ham/draftsmith/internal/logging"
)

// Kind is the kind of descriptor.
type Kind string

const (
	KindPersona  Kind = "persona"
	KindTemplate Kind = "template"
)

// Kinds returns every descriptor kind.
func Kinds() []Kind {
	return []Kind{KindPersona, KindTemplate}
}

// ParseKind parses a kind name; plural forms are accepted.
func ParseKind(s string) (Kind, error) {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s") {
	case string(KindPersona):
		return KindPersona, nil
	case string(KindTemplate):
		return KindTemplate, nil
	}
	return "", fmt.Errorf("unknown descriptor kind %q", s)
}

func (k Kind) dir() string { return string(k) + "s" }

// Store resolves descriptors by id.
type Store interface {
	Persona(id string) (types.Descriptor, error)
	Template(id string) (types.Descriptor, error)
}

// Catalog is a Store backed by a directory.
type Catalog struct {
	dir    string
	logger *logging.Logger

	mu          sync.RWMutex
	descriptors map[Kind]map[string]types.Descriptor
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger used for reload messages.
func WithLogger(l *logging.Logger) Option {
	return func(c *Catalog) { c.logger = l }
}

// Open loads the catalog in dir. A missing directory yields an empty
// catalog. Files that fail to parse are skipped and reported in the error;
// the rest of the catalog is still usable.
func Open(dir string, opts ...Option) (*Catalog, error) {
	c := &Catalog{dir: dir, logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(c)
	}
	err := c.Reload()
	return c, err
}

// Dir returns the catalog directory.
func (c *Catalog) Dir() string { return c.dir }

// Reload re-reads every descriptor file.
func (c *Catalog) Reload() error {
	loaded := make(map[Kind]map[string]types.Descriptor, len(Kinds()))
	var errs []error
	for _, kind := range Kinds() {
		byID, err := loadKind(filepath.Join(c.dir, kind.dir()), kind)
		loaded[kind] = byID
		if err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	c.descriptors = loaded
	c.mu.Unlock()

	c.logger.Debug("catalog loaded", "dir", c.dir,
		"personas", len(loaded[KindPersona]), "templates", len(loaded[KindTemplate]))
	return errors.Join(errs...)
}

// Persona returns the persona with id.
func (c *Catalog) Persona(id string) (types.Descriptor, error) {
	d, ok := c.lookup(KindPersona, id)
	if !ok {
		return types.Descriptor{}, fmt.Errorf("%w: %s", errors.ErrPersonaNotFound, id)
	}
	return d, nil
}

// Template returns the template with id.
func (c *Catalog) Template(id string) (types.Descriptor, error) {
	d, ok := c.lookup(KindTemplate, id)
	if !ok {
		return types.Descriptor{}, fmt.Errorf("%w: %s", errors.ErrTemplateNotFound, id)
	}
	return d, nil
}

// List returns the descriptors of kind whose id matches pattern, sorted by
// id. An empty pattern matches everything.
func (c *Catalog) List(kind Kind, pattern string) ([]types.Descriptor, error) {
	var match func(string) bool
	if pattern == "" {
		match = func(string) bool { return true }
	} else {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, errors.Validation("invalid pattern %q: %v", pattern, err)
		}
		match = g.Match
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []types.Descriptor
	for id, d := range c.descriptors[kind] {
		if match(id) {
			out = append(out, *d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Catalog) lookup(kind Kind, id string) (types.Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.descriptors[kind][id]
	if !ok {
		return types.Descriptor{}, false
	}
	return *d.Clone(), true
}

func loadKind(dir string, kind Kind) (map[string]types.Descriptor, error) {
	byID := make(map[string]types.Descriptor)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return byID, nil
	}
	if err != nil {
		return byID, fmt.Errorf("read %s: %w", dir, err)
	}

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !isDescriptorFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		d, err := readDescriptor(path, kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := byID[d.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate %s id %q", path, kind, d.ID))
			continue
		}
		byID[d.ID] = d
	}
	return byID, errors.Join(errs...)
}

func isDescriptorFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(name, ".")
}

func readDescriptor(path string, kind Kind) (types.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Descriptor{}, fmt.Errorf("read %s: %w", path, err)
	}
	var d types.Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return types.Descriptor{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if d.ID == "" {
		d.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	d.Kind = string(kind)
	if strings.TrimSpace(d.Prompt) == "" {
		return types.Descriptor{}, fmt.Errorf("%s: %s %q has no prompt", path, kind, d.ID)
	}
	return d, nil
}

// Write stores d as a YAML file in the catalog directory and reloads.
func (c *Catalog) Write(kind Kind, d types.Descriptor) (string, error) {
	if d.ID == "" || strings.ContainsAny(d.ID, `/\`) {
		return "", errors.Validation("invalid %s id %q", kind, d.ID)
	}
	d.Kind = ""
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode %s %s: %w", kind, d.ID, err)
	}
	dir := filepath.Join(c.dir, kind.dir())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, d.ID+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, c.Reload()
}

// Memory is an in-memory Store.
type Memory struct {
	personas  map[string]types.Descriptor
	templates map[string]types.Descriptor
}

// NewMemory creates a Store holding descriptors. Each descriptor's Kind
// decides where it goes; an empty Kind means persona.
func NewMemory(descriptors ...types.Descriptor) *Memory {
	m := &Memory{personas: map[string]types.Descriptor{}, templates: map[string]types.Descriptor{}}
	for _, d := range descriptors {
		if d.Kind == string(KindTemplate) {
			m.templates[d.ID] = d
		} else {
			m.personas[d.ID] = d
		}
	}
	return m
}

// Persona returns the persona with id.
func (m *Memory) Persona(id string) (types.Descriptor, error) {
	if d, ok := m.personas[id]; ok {
		return *d.Clone(), nil
	}
	return types.Descriptor{}, fmt.Errorf("%w: %s", errors.ErrPersonaNotFound, id)
}

// Template returns the template with id.
func (m *Memory) Template(id string) (types.Descriptor, error) {
	if d, ok := m.templates[id]; ok {
		return *d.Clone(), nil
	}
	return types.Descriptor{}, fmt.Errorf("%w: %s", errors.ErrTemplateNotFound, id)
}
