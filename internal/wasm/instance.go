package wasm

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// InstanceManager creates and manages module instances.
type InstanceManager struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewInstanceManager creates a new instance manager.
func NewInstanceManager(runtime *Runtime, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-instance")),
	}
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Module name to instantiate.
	ModuleName string

	// Instance ID (if empty, generates UUID).
	InstanceID string

	// Environment variables visible to WASI guests.
	Environment map[string]string
}

// Instance represents an instantiated Wasm module. Calls into one instance
// are serialized.
type Instance struct {
	module  api.Module
	memory  *Memory
	output  *guestOutput
	runtime *Runtime
	logger  *zap.Logger

	// Instance metadata.
	ID        string
	Name      string
	CreatedAt int64

	// Exported functions (cached for performance).
	exports map[string]api.Function

	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Instantiate creates a new instance from a compiled module. The host import
// table is bound on the first instantiation.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	if m.runtime.IsClosed() {
		return nil, ErrRuntimeClosed
	}

	compiled, ok := m.runtime.GetCompiledModule(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}
	if err := m.runtime.ValidateABI(compiled); err != nil {
		return nil, err
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = generateUUID()
	}

	if err := m.runtime.reserveInstance(); err != nil {
		return nil, err
	}
	reserved := true
	defer func() {
		if reserved {
			m.runtime.releaseInstance()
		}
	}()

	if err := m.runtime.bindImports(ctx); err != nil {
		return nil, &InstantiationError{ModuleName: config.ModuleName, InstanceID: instanceID, Err: err}
	}

	m.logger.Info("Instantiating Wasm module",
		zap.String("module", config.ModuleName),
		zap.String("instance_id", instanceID),
	)

	// Reactor modules initialize through _initialize; missing start
	// functions are skipped.
	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions("_initialize")

	var output *guestOutput
	if m.runtime.config.EnableWASI {
		output = newGuestOutput(m.logger.With(zap.String("instance_id", instanceID)))
		moduleConfig = moduleConfig.WithStdout(output.stdout).WithStderr(output.stderr)
	}
	keys := make([]string, 0, len(config.Environment))
	for k := range config.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		moduleConfig = moduleConfig.WithEnv(k, config.Environment[k])
	}

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		if output != nil {
			_ = output.Close()
		}
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	memory := NewMemory(module)
	memory.metrics = m.runtime.metrics

	instance := &Instance{
		module:    module,
		memory:    memory,
		output:    output,
		runtime:   m.runtime,
		logger:    m.logger.With(zap.String("instance_id", instanceID)),
		ID:        instanceID,
		Name:      config.ModuleName,
		CreatedAt: time.Now().Unix(),
		exports:   cacheExportedFunctions(compiled, module),
	}

	reserved = false
	m.runtime.StoreInstance(instance)
	m.runtime.metrics.InstanceOpened()

	m.logger.Info("Module instantiated successfully",
		zap.String("instance_id", instanceID),
		zap.Int("exported_functions", len(instance.exports)),
	)

	return instance, nil
}

// Exports returns the names of the exported functions.
func (i *Instance) Exports() []string {
	names := make([]string, 0, len(i.exports))
	for name := range i.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Memory returns the instance's memory helper.
func (i *Instance) Memory() *Memory {
	return i.memory
}

// Closed reports whether the instance was torn down.
func (i *Instance) Closed() bool {
	return i.closed.Load()
}

// Close closes the instance and releases resources. Safe to call more than
// once; addresses from this instance must not be used afterwards.
func (i *Instance) Close(ctx context.Context) error {
	i.closeOnce.Do(func() {
		i.closed.Store(true)
		i.closeErr = i.module.Close(ctx)
		if i.output != nil {
			_ = i.output.Close()
		}
		i.runtime.DeleteInstance(i.ID)
		i.runtime.releaseInstance()
		i.runtime.metrics.InstanceClosed()
		i.logger.Debug("Instance closed")
	})
	return i.closeErr
}

// cacheExportedFunctions caches references to exported functions.
// This improves performance by avoiding repeated lookups.
func cacheExportedFunctions(compiled *CompiledModule, module api.Module) map[string]api.Function {
	exports := make(map[string]api.Function)
	for name := range compiled.Module.ExportedFunctions() {
		if fn := module.ExportedFunction(name); fn != nil {
			exports[name] = fn
		}
	}
	return exports
}

// generateUUID generates a unique instance ID.
func generateUUID() string {
	return "inst-" + uuid.NewString()
}
