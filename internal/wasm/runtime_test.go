package wasm

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/wasp/internal/wasm/wasmtest"
)

func TestNewRuntime(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}

	if runtime == nil {
		t.Fatal("Runtime is nil")
	}

	if err := runtime.Close(context.Background()); err != nil {
		t.Errorf("Failed to close runtime: %v", err)
	}
}

func TestRuntimeCloseIdempotent(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := runtime.Close(ctx); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := runtime.Close(ctx); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}

func TestDefaultRuntimeConfig(t *testing.T) {
	config := DefaultRuntimeConfig()

	if config.MemoryPages != 256 {
		t.Errorf("Default memory pages = %d, want 256", config.MemoryPages)
	}

	if config.DebugEnabled {
		t.Error("Debug should be disabled by default")
	}

	if config.MaxInstances != 100 {
		t.Errorf("Default max instances = %d, want 100", config.MaxInstances)
	}

	if !config.ReleaseResults {
		t.Error("Result buffers should be released by default")
	}

	if config.ExecutionTimeout != 0 {
		t.Errorf("Default execution timeout = %v, want none", config.ExecutionTimeout)
	}
}

func TestRuntimeConfiguration(t *testing.T) {
	runtime := newTestRuntime(t, &RuntimeConfig{
		MemoryPages:      128,
		DebugEnabled:     true,
		MaxInstances:     50,
		ExecutionTimeout: time.Second,
	})

	if got := runtime.Config(); got.MemoryPages != 128 || got.ExecutionTimeout != time.Second {
		t.Errorf("Config not applied: %+v", got)
	}
}

func TestRuntimeCompilationCacheDir(t *testing.T) {
	dir := t.TempDir()
	config := DefaultRuntimeConfig()
	config.CacheDir = dir

	runtime := newTestRuntime(t, config)
	if _, err := instantiate(t, runtime, "plugin", wasmtest.PluginWithoutCallback()); err != nil {
		t.Fatalf("Failed to instantiate with compilation cache: %v", err)
	}
}

func TestRuntimeContextCancellation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}

	cancel()

	// wazero should handle cancelled context gracefully
	err = runtime.Close(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("Unexpected error when closing with cancelled context: %v", err)
	}
}

func TestRuntimeModuleCache(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	module := &CompiledModule{
		Name:       "test-module",
		Source:     "test",
		SizeBytes:  1024,
		CompiledAt: time.Now().Unix(),
	}

	runtime.StoreCompiledModule(module)

	retrieved, ok := runtime.GetCompiledModule("test-module")
	if !ok {
		t.Fatal("Failed to retrieve module from cache")
	}

	if retrieved.Name != "test-module" {
		t.Errorf("Retrieved wrong module: %s", retrieved.Name)
	}
}

func TestRuntimeInstanceTracking(t *testing.T) {
	runtime, inst := newPluginInstance(t, nil)
	ctx := context.Background()

	retrieved, ok := runtime.GetInstance(inst.ID)
	if !ok {
		t.Fatal("Failed to retrieve instance from tracking")
	}
	if retrieved != inst {
		t.Errorf("Retrieved wrong instance")
	}
	if n := runtime.ActiveInstances(); n != 1 {
		t.Errorf("Active instances = %d, want 1", n)
	}

	if err := inst.Close(ctx); err != nil {
		t.Fatalf("Failed to close instance: %v", err)
	}

	if _, ok := runtime.GetInstance(inst.ID); ok {
		t.Error("Instance should have been untracked")
	}
	if n := runtime.ActiveInstances(); n != 0 {
		t.Errorf("Active instances = %d, want 0", n)
	}
}

func TestRuntimeCloseClosesInstances(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	inst, err := instantiate(t, runtime, "plugin", wasmtest.PluginWithoutCallback())
	if err != nil {
		t.Fatal(err)
	}

	if err := runtime.Close(ctx); err != nil {
		t.Fatal(err)
	}

	if !inst.Closed() {
		t.Error("Instance should be closed with the runtime")
	}
	if _, err := inst.CallInt32(ctx, "sum", 1, 2); !errors.Is(err, ErrInstanceClosed) {
		t.Errorf("Call after runtime close = %v, want ErrInstanceClosed", err)
	}
	if _, err := instantiate(t, runtime, "plugin", wasmtest.PluginWithoutCallback()); !errors.Is(err, ErrRuntimeClosed) {
		t.Errorf("Instantiate after close = %v, want ErrRuntimeClosed", err)
	}
}

func TestRuntimeIsClosed(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}

	if runtime.IsClosed() {
		t.Error("Runtime should not be closed initially")
	}

	runtime.Close(ctx)

	if !runtime.IsClosed() {
		t.Error("Runtime should be closed after Close()")
	}
}

func TestMaxInstances(t *testing.T) {
	config := DefaultRuntimeConfig()
	config.MaxInstances = 1
	runtime := newTestRuntime(t, config)
	ctx := context.Background()

	first, err := instantiate(t, runtime, "plugin", wasmtest.PluginWithoutCallback())
	if err != nil {
		t.Fatal(err)
	}

	_, err = NewInstanceManager(runtime, zaptest.NewLogger(t)).Instantiate(ctx, &InstanceConfig{ModuleName: "plugin"})
	var limitErr *TooManyInstancesError
	if !errors.As(err, &limitErr) {
		t.Fatalf("Expected TooManyInstancesError, got %v", err)
	}
	if limitErr.Limit != 1 {
		t.Errorf("Limit = %d, want 1", limitErr.Limit)
	}

	if err := first.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := NewInstanceManager(runtime, zaptest.NewLogger(t)).Instantiate(ctx, &InstanceConfig{ModuleName: "plugin"}); err != nil {
		t.Errorf("Instantiate after freeing a slot failed: %v", err)
	}
}

func TestCompilationError(t *testing.T) {
	err := &CompilationError{
		ModuleName: "test",
		Err:        &testError{},
	}

	expected := "failed to compile Wasm module 'test': test error"
	if err.Error() != expected {
		t.Errorf("Error message = %s, want %s", err.Error(), expected)
	}
}

func TestInstantiationError(t *testing.T) {
	err := &InstantiationError{
		ModuleName: "test",
		InstanceID: "inst-1",
		Err:        &testError{},
	}

	expected := "failed to instantiate module 'test' (instance: inst-1): test error"
	if err.Error() != expected {
		t.Errorf("Error message = %s, want %s", err.Error(), expected)
	}
}

func TestModuleNotFoundError(t *testing.T) {
	err := &ModuleNotFoundError{ModuleName: "test"}

	expected := "module 'test' not found in cache"
	if err.Error() != expected {
		t.Errorf("Error message = %s, want %s", err.Error(), expected)
	}
}

func TestGuestSignaledFailureError(t *testing.T) {
	err := &GuestSignaledFailure{Function: "fail", Message: "Oops"}

	expected := "guest function 'fail' failed: Oops"
	if err.Error() != expected {
		t.Errorf("Error message = %s, want %s", err.Error(), expected)
	}
}

// testError is a simple error for testing.
type testError struct{}

func (e *testError) Error() string {
	return "test error"
}
