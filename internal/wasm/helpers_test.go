package wasm

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/wasp/internal/wasm/wasmtest"
)

// newTestRuntime creates a runtime closed at the end of the test.
func newTestRuntime(t *testing.T, config *RuntimeConfig, opts ...RuntimeOption) *Runtime {
	t.Helper()
	return newTestRuntimeWithLogger(t, zaptest.NewLogger(t), config, opts...)
}

func newTestRuntimeWithLogger(t *testing.T, logger *zap.Logger, config *RuntimeConfig, opts ...RuntimeOption) *Runtime {
	t.Helper()
	runtime, err := NewRuntime(context.Background(), logger, config, opts...)
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}
	t.Cleanup(func() {
		if err := runtime.Close(context.Background()); err != nil {
			t.Errorf("Failed to close runtime: %v", err)
		}
	})
	return runtime
}

// instantiate loads wasmBytes under name and creates an instance.
func instantiate(t *testing.T, runtime *Runtime, name string, wasmBytes []byte) (*Instance, error) {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	if _, err := NewModuleLoader(runtime, logger).LoadModuleFromMemory(ctx, name, wasmBytes); err != nil {
		t.Fatalf("Failed to load module: %v", err)
	}
	return NewInstanceManager(runtime, logger).Instantiate(ctx, &InstanceConfig{ModuleName: name})
}

// newPluginInstance instantiates the fixture plugin with a call_me callback
// that greets its argument.
func newPluginInstance(t *testing.T, config *RuntimeConfig) (*Runtime, *Instance) {
	t.Helper()
	runtime := newTestRuntime(t, config)
	if err := runtime.RegisterCallback("call_me", TextCallback(greet)); err != nil {
		t.Fatalf("Failed to register callback: %v", err)
	}
	inst, err := instantiate(t, runtime, "plugin", wasmtest.Plugin())
	if err != nil {
		t.Fatalf("Failed to instantiate plugin: %v", err)
	}
	return runtime, inst
}

func greet(_ context.Context, name string) (string, error) {
	return "Hello " + name, nil
}

// liveAllocations asks the fixture how many of its allocations are live.
func liveAllocations(t *testing.T, inst *Instance) int32 {
	t.Helper()
	n, err := inst.CallInt32(context.Background(), "live_allocations")
	if err != nil {
		t.Fatalf("live_allocations failed: %v", err)
	}
	return n
}
