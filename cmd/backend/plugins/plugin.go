// Package plugins holds the analysis plugin contract, the registry built at
// startup and the built-in plugins.
package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fwlab/fact/common/models"
)

// ErrUnknownPlugin is returned for names that are not registered
var ErrUnknownPlugin = errors.New("unknown analysis plugin")

// Output is what a plugin produces for one object
type Output struct {
	Result  json.RawMessage
	Summary []string
}

// Plugin analyses one file object.
// Process receives the completed results of the plugin's dependencies.
type Plugin interface {
	Name() string
	Version() string
	Description() string
	Dependencies() []string
	Process(ctx context.Context, obj *models.FileObject, deps map[string]*models.AnalysisResult) (*Output, error)
}

// Registry is the set of plugins available to the analysis scheduler.
// It is read-only once the scheduler starts.
type Registry struct {
	mu        sync.RWMutex
	plugins   map[string]Plugin
	mandatory map[string]bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		plugins:   make(map[string]Plugin),
		mandatory: make(map[string]bool),
	}
}

// Register adds p. Names must be unique, versions non-empty and every
// dependency already registered, which also rules out cycles.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if p.Version() == "" {
		return fmt.Errorf("plugin %s: version is required", name)
	}
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("plugin %s is already registered", name)
	}
	for _, dep := range p.Dependencies() {
		if dep == name {
			return fmt.Errorf("plugin %s depends on itself", name)
		}
		if _, ok := r.plugins[dep]; !ok {
			return fmt.Errorf("plugin %s: dependency %s: %w", name, dep, ErrUnknownPlugin)
		}
	}

	r.plugins[name] = p
	return nil
}

// MustRegister is like Register but panics on error
func (r *Registry) MustRegister(plugins ...Plugin) *Registry {
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

// SetMandatory marks plugins that run on every object
func (r *Registry) SetMandatory(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		if _, ok := r.plugins[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
		}
		r.mandatory[name] = true
	}
	return nil
}

// Get returns a registered plugin
func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	return p, nil
}

// Names returns the registered plugin names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Mandatory returns the names of plugins that always run
func (r *Registry) Mandatory() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.mandatory))
	for name := range r.mandatory {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info returns name -> metadata of every plugin
func (r *Registry) Info() map[string]models.PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := make(map[string]models.PluginInfo, len(r.plugins))
	for name, p := range r.plugins {
		info[name] = models.PluginInfo{
			Name:         name,
			Version:      p.Version(),
			Description:  p.Description(),
			Dependencies: p.Dependencies(),
			Mandatory:    r.mandatory[name],
		}
	}
	return info
}

// Builtin returns a registry holding every built-in plugin
func Builtin() *Registry {
	return NewRegistry().MustRegister(
		NewFileHashes(),
		NewFileType(),
		NewPrintableStrings(),
	)
}
