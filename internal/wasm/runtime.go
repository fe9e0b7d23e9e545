package wasm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasp/internal/metrics"
)

// Runtime manages the wazero runtime lifecycle.
// It's a singleton that creates a single wazero.Runtime for the entire application.
type Runtime struct {
	// wazero runtime (singleton)
	runtime wazero.Runtime
	cache   wazero.CompilationCache

	// Compiled module cache (key: module name/path -> value: compiled module)
	// This avoids recompiling the same Wasm binary multiple times
	modules sync.Map // map[string]*CompiledModule

	// Active module instances (for cleanup on shutdown)
	instances sync.Map // map[string]*Instance
	active    atomic.Int64

	// Host functions guests may import from env.
	imports *ImportTable

	config  *RuntimeConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	// Shutdown management
	closeOnce sync.Once
	closed    chan struct{}
}

// RuntimeConfig holds runtime configuration.
type RuntimeConfig struct {
	// Memory limits for Wasm modules (in pages, 64KB each)
	// Default: 256 pages = 16MB max memory per module
	MemoryPages uint32

	// Enable debug logging for Wasm execution
	DebugEnabled bool

	// Compilation cache directory (for persistent caching)
	// If empty, uses in-memory caching only
	CacheDir string

	// Maximum number of concurrent instances, 0 for no limit
	MaxInstances int

	// Upper bound on a single export call. Exceeding it closes the instance.
	// Zero disables the limit.
	ExecutionTimeout time.Duration

	// Instantiate wasi_snapshot_preview1 and route guest stdout/stderr to
	// the logger.
	EnableWASI bool

	// Deallocate guest result buffers once they have been read.
	ReleaseResults bool
}

// RuntimeOption configures optional runtime collaborators.
type RuntimeOption func(*Runtime)

// WithMetrics records call telemetry on m.
func WithMetrics(m *metrics.Metrics) RuntimeOption {
	return func(r *Runtime) {
		r.metrics = m
	}
}

// CompiledModule wraps a wazero.CompiledModule with metadata.
type CompiledModule struct {
	// wazero compiled module
	Module wazero.CompiledModule

	// Module metadata
	Name      string
	Source    string // File path or identifier
	SizeBytes int64

	// Compilation timestamp
	CompiledAt int64
}

// NewRuntime creates and initializes a new wazero runtime.
// This should be called once during application startup.
func NewRuntime(ctx context.Context, logger *zap.Logger, config *RuntimeConfig, opts ...RuntimeOption) (*Runtime, error) {
	if config == nil {
		config = DefaultRuntimeConfig()
	}

	rc := wazero.NewRuntimeConfig().WithDebugInfoEnabled(config.DebugEnabled)
	if config.MemoryPages > 0 {
		rc = rc.WithMemoryLimitPages(config.MemoryPages)
	}
	if config.ExecutionTimeout > 0 {
		// Lets a call deadline interrupt guest code that never returns.
		rc = rc.WithCloseOnContextDone(true)
	}

	var cache wazero.CompilationCache
	if config.CacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(config.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache %s: %w", config.CacheDir, err)
		}
		rc = rc.WithCompilationCache(cache)
	}

	runtime := &Runtime{
		runtime: wazero.NewRuntimeWithConfig(ctx, rc),
		cache:   cache,
		imports: NewImportTable(),
		config:  config,
		logger:  logger.With(zap.String("component", "wasm-runtime")),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(runtime)
	}

	logger.Info("Wasm runtime initialized",
		zap.Uint32("memory_pages", config.MemoryPages),
		zap.Bool("debug_enabled", config.DebugEnabled),
		zap.String("cache_dir", config.CacheDir),
		zap.Int("max_instances", config.MaxInstances),
		zap.Duration("execution_timeout", config.ExecutionTimeout),
		zap.Bool("wasi", config.EnableWASI),
		zap.Bool("release_results", config.ReleaseResults),
	)

	return runtime, nil
}

// DefaultRuntimeConfig returns sensible defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MemoryPages:    256, // 16MB
		DebugEnabled:   false,
		CacheDir:       "",
		MaxInstances:   100,
		EnableWASI:     true,
		ReleaseResults: true,
	}
}

// Close gracefully shuts down the runtime.
// Safe to call multiple times (idempotent).
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.logger.Info("Shutting down Wasm runtime")
		close(r.closed)

		// Close all active instances first
		r.instances.Range(func(key, value any) bool {
			if inst, ok := value.(interface{ Close(context.Context) error }); ok {
				if closeErr := inst.Close(ctx); closeErr != nil {
					r.logger.Warn("Failed to close instance",
						zap.String("instance_id", key.(string)),
						zap.Error(closeErr),
					)
				}
			}
			return true
		})

		// Close the runtime (closes compiled modules)
		err = r.runtime.Close(ctx)
		if r.cache != nil {
			if cacheErr := r.cache.Close(ctx); cacheErr != nil && err == nil {
				err = cacheErr
			}
		}

		r.logger.Info("Wasm runtime shutdown complete")
	})

	return err
}

// Config returns the configuration the runtime was built with.
func (r *Runtime) Config() RuntimeConfig {
	return *r.config
}

// Imports returns the runtime's import table.
func (r *Runtime) Imports() *ImportTable {
	return r.imports
}

// RegisterCallback adds a host callback guests can import from env. All
// callbacks must be registered before the first instance is created.
func (r *Runtime) RegisterCallback(name string, cb Callback) error {
	if err := r.imports.Register(name, cb); err != nil {
		return err
	}
	r.logger.Debug("Registered host callback", zap.String("callback", name))
	return nil
}

// GetCompiledModule retrieves a compiled module from cache.
func (r *Runtime) GetCompiledModule(name string) (*CompiledModule, bool) {
	if val, ok := r.modules.Load(name); ok {
		if mod, ok := val.(*CompiledModule); ok {
			return mod, true
		}
	}
	return nil, false
}

// StoreCompiledModule stores a compiled module in cache.
func (r *Runtime) StoreCompiledModule(module *CompiledModule) {
	r.modules.Store(module.Name, module)
}

// GetInstance retrieves an active instance.
func (r *Runtime) GetInstance(instanceID string) (*Instance, bool) {
	if val, ok := r.instances.Load(instanceID); ok {
		if inst, ok := val.(*Instance); ok {
			return inst, true
		}
	}
	return nil, false
}

// StoreInstance stores an active instance.
func (r *Runtime) StoreInstance(instance *Instance) {
	r.instances.Store(instance.ID, instance)
}

// DeleteInstance removes an instance from tracking.
func (r *Runtime) DeleteInstance(instanceID string) {
	r.instances.Delete(instanceID)
}

// ActiveInstances returns the number of open instances.
func (r *Runtime) ActiveInstances() int {
	return int(r.active.Load())
}

// IsClosed returns whether the runtime has been closed.
func (r *Runtime) IsClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// reserveInstance claims a slot under MaxInstances.
func (r *Runtime) reserveInstance() error {
	limit := int64(r.config.MaxInstances)
	for {
		n := r.active.Load()
		if limit > 0 && n >= limit {
			return &TooManyInstancesError{Limit: r.config.MaxInstances}
		}
		if r.active.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

func (r *Runtime) releaseInstance() {
	r.active.Add(-1)
}
