package module

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Entry pairs a descriptor with the factory that instantiates it.
type Entry struct {
	Descriptor Descriptor
	Factory    Factory
	Options    map[string]any
}

// Registry maps module names to their entries.
// It is safe for concurrent reads; Register is expected at startup.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{entries: make(map[string]*Entry), logger: logger}
}

// Register adds a module. A second registration under the same name replaces the first.
func (r *Registry) Register(d Descriptor, f Factory) error {
	if err := d.validate(); err != nil {
		return fmt.Errorf("module registry: %w", err)
	}
	if f == nil {
		return fmt.Errorf("module registry: %s: nil factory", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[d.Name]; exists {
		r.logger.Warn("module re-registered, replacing earlier descriptor", "module", d.Name)
	}
	r.entries[d.Name] = &Entry{Descriptor: d, Factory: f}
	return nil
}

// MustRegister is Register for compiled-in catalogs, where a bad descriptor is a
// programming error.
func (r *Registry) MustRegister(d Descriptor, f Factory) {
	if err := r.Register(d, f); err != nil {
		panic(err)
	}
}

// Get returns the entry registered under name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// All returns every descriptor sorted by name.
func (r *Registry) All() []Descriptor {
	return r.filter(func(Descriptor) bool { return true })
}

// ByProducedType returns modules that may emit typ.
func (r *Registry) ByProducedType(typ string) []Descriptor {
	return r.filter(func(d Descriptor) bool { return d.Produces(typ) })
}

// ByWatchedType returns modules that consume typ, wildcard watchers included.
func (r *Registry) ByWatchedType(typ string) []Descriptor {
	return r.filter(func(d Descriptor) bool { return d.Watches(typ) })
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) filter(keep func(Descriptor) bool) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e.Descriptor) {
			out = append(out, e.Descriptor)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ApplyManifest disables, re-prioritises and configures registered modules.
// It returns the manifest entries that name no registered module.
func (r *Registry) ApplyManifest(m *Manifest) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var unknown []string
	for _, me := range m.Modules {
		e, ok := r.entries[me.Name]
		if !ok {
			unknown = append(unknown, me.Name)
			continue
		}
		if me.Enabled != nil && !*me.Enabled {
			delete(r.entries, me.Name)
			r.logger.Info("module disabled by manifest", "module", me.Name)
			continue
		}
		if me.Priority != nil {
			e.Descriptor.Priority = *me.Priority
		}
		if me.Timeout > 0 {
			e.Descriptor.Timeout = me.Timeout
		}
		if len(me.Options) > 0 {
			e.Options = me.Options
		}
	}
	for _, name := range unknown {
		r.logger.Warn("manifest names unknown module", "module", name)
	}
	return unknown
}
