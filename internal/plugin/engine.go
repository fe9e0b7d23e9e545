package plugin

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/wasp/internal/wasm"
)

// Engine loads plugins onto a runtime and creates instances of them.
// Callbacks must be added before the first instance is created.
type Engine struct {
	runtime     *wasm.Runtime
	loader      *wasm.ModuleLoader
	registry    *Registry
	instanceMgr *wasm.InstanceManager
	logger      *zap.Logger
}

// NewEngine creates an engine on runtime.
func NewEngine(runtime *wasm.Runtime, logger *zap.Logger) *Engine {
	return &Engine{
		runtime:     runtime,
		loader:      wasm.NewModuleLoader(runtime, logger),
		registry:    NewRegistry(logger),
		instanceMgr: wasm.NewInstanceManager(runtime, logger),
		logger:      logger.With(zap.String("component", "plugin-engine")),
	}
}

// AddCallback makes a host callback importable by plugins under env.name.
func (e *Engine) AddCallback(name string, cb wasm.Callback) error {
	return e.runtime.RegisterCallback(name, cb)
}

// RegisterPlugin loads the module at path and registers it under name.
func (e *Engine) RegisterPlugin(ctx context.Context, name, path string, cfg *Config) (*Plugin, error) {
	return e.register(ctx, name, &wasm.FileModuleSource{Path: path}, cfg)
}

// RegisterPluginBytes registers an in-memory module under name.
func (e *Engine) RegisterPluginBytes(ctx context.Context, name string, data []byte, cfg *Config) (*Plugin, error) {
	return e.register(ctx, name, &wasm.MemoryModuleSource{ModuleName: name, Data: data}, cfg)
}

func (e *Engine) register(ctx context.Context, name string, source wasm.ModuleSource, cfg *Config) (*Plugin, error) {
	if _, exists := e.registry.Get(name); exists {
		return nil, &PluginAlreadyRegisteredError{PluginName: name}
	}

	e.logger.Info("Loading plugin",
		zap.String("name", name),
		zap.String("source", source.Name()),
	)

	compiled, err := e.loader.LoadPlugin(ctx, source)
	if err != nil {
		return nil, &PluginLoadError{PluginName: name, Err: err}
	}

	p := &Plugin{
		Name:     name,
		Source:   source.Name(),
		Compiled: compiled,
		LoadedAt: time.Now(),
	}
	if cfg != nil {
		p.Config = *cfg
	}
	if problems := p.Config.checkCallbacks(compiled); len(problems) > 0 {
		return nil, &PluginLoadError{
			PluginName: name,
			Err:        &wasm.ABIError{ModuleName: compiled.Name, Problems: problems},
		}
	}

	if err := e.registry.Register(p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetInstance creates a fresh instance of a registered plugin. The caller
// closes it.
func (e *Engine) GetInstance(ctx context.Context, name string) (*wasm.Instance, error) {
	p, ok := e.registry.Get(name)
	if !ok {
		return nil, &PluginNotFoundError{PluginName: name}
	}

	return e.instanceMgr.Instantiate(ctx, &wasm.InstanceConfig{
		ModuleName:  p.Compiled.Name,
		Environment: p.Config.Environment,
	})
}

// Shutdown closes the runtime and every instance it still tracks.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info("Shutting down plugin engine")

	if err := e.runtime.Close(ctx); err != nil {
		e.logger.Error("Failed to shutdown runtime", zap.Error(err))
		return err
	}

	e.logger.Info("Plugin engine shutdown complete")
	return nil
}

// Registry returns the plugin registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Runtime returns the runtime plugins run on.
func (e *Engine) Runtime() *wasm.Runtime {
	return e.runtime
}
