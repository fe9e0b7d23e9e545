package plugin

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry manages loaded plugins.
type Registry struct {
	sync.RWMutex
	plugins map[string]*Plugin
	logger  *zap.Logger
}

// NewRegistry creates a new plugin registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		plugins: make(map[string]*Plugin),
		logger:  logger.With(zap.String("component", "plugin-registry")),
	}
}

// Register adds a plugin to the registry.
func (r *Registry) Register(p *Plugin) error {
	r.Lock()
	defer r.Unlock()

	if _, exists := r.plugins[p.Name]; exists {
		return &PluginAlreadyRegisteredError{PluginName: p.Name}
	}
	r.plugins[p.Name] = p

	r.logger.Info("Plugin registered",
		zap.String("name", p.Name),
		zap.String("source", p.Source),
	)

	return nil
}

// Get retrieves a plugin by name.
func (r *Registry) Get(name string) (*Plugin, bool) {
	r.RLock()
	defer r.RUnlock()

	p, ok := r.plugins[name]
	return p, ok
}

// List returns all registered plugins sorted by name.
func (r *Registry) List() []*Plugin {
	r.RLock()
	defer r.RUnlock()

	result := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Unregister removes a plugin from the registry.
func (r *Registry) Unregister(name string) {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.plugins[name]; !ok {
		return
	}
	delete(r.plugins, name)

	r.logger.Info("Plugin unregistered", zap.String("name", name))
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.plugins)
}
