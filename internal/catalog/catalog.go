// Package catalog holds the static, process-wide mapping from model name to
// its spawn command, upstream URL, and learned VRAM estimate.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrModelNotFound is returned by Get when no model with the given name is
// registered.
var ErrModelNotFound = errors.New("model not found")

// ModelSpec describes a single catalog entry. VRAM is a pointer so that an
// absent "vram" field in config.json is distinguishable from an explicit 0.
type ModelSpec struct {
	Name        string `json:"name"`
	Location    string `json:"location"`
	LoadCommand string `json:"load_command,omitempty"`
	VRAM        *int   `json:"vram,omitempty"`
}

// Remote reports whether the model has no local spawn command, i.e. it is
// hosted remotely and is always considered resident.
func (m ModelSpec) Remote() bool {
	return m.LoadCommand == ""
}

// document mirrors the on-disk shape of config.json.
type document struct {
	Port   int         `json:"port"`
	Models []ModelSpec `json:"models"`
}

// Catalog is the shared, mostly-read-only model registry. The only field
// that may be mutated after Load is a model's learned VRAM estimate, and
// only the lifecycle controller is expected to call UpdateVRAM.
type Catalog struct {
	mu     sync.RWMutex
	port   int
	models map[string]*ModelSpec
}

// Load reads and parses config.json from path. It is fatal-on-error by
// convention: callers should treat a non-nil error as a reason to abort
// startup.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	models := make(map[string]*ModelSpec, len(doc.Models))
	for i := range doc.Models {
		spec := doc.Models[i]
		models[spec.Name] = &spec
	}

	return &Catalog{port: doc.Port, models: models}, nil
}

// Port returns the listen port read from config.json.
func (c *Catalog) Port() int {
	return c.port
}

// Get returns the model spec registered under name.
func (c *Catalog) Get(name string) (ModelSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.models[name]
	if !ok {
		return ModelSpec{}, ErrModelNotFound
	}
	return *spec, nil
}

// List returns the registered model names in no particular order.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.models))
	for name := range c.models {
		names = append(names, name)
	}
	return names
}

// UpdateVRAM records a learned VRAM estimate for name. It is a no-op if the
// model isn't registered.
func (c *Catalog) UpdateVRAM(name string, mib int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	spec, ok := c.models[name]
	if !ok {
		return
	}
	spec.VRAM = &mib
}
