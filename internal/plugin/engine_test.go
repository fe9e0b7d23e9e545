package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/wasp/internal/wasm"
	"github.com/woxQAQ/wasp/internal/wasm/wasmtest"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	runtime, err := wasm.NewRuntime(context.Background(), logger, wasm.DefaultRuntimeConfig())
	require.NoError(t, err)

	engine := NewEngine(runtime, logger)
	t.Cleanup(func() {
		assert.NoError(t, engine.Shutdown(context.Background()))
	})
	return engine
}

func TestEngineRegisterAndCall(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.AddCallback("call_me", wasm.TextCallback(func(_ context.Context, name string) (string, error) {
		return "Hello " + name, nil
	})))

	p, err := engine.RegisterPluginBytes(ctx, "example", wasmtest.Plugin(), &Config{
		Environment: map[string]string{"GREETING": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "example", p.Name)
	assert.Equal(t, "hi", p.Config.Environment["GREETING"])

	inst, err := engine.GetInstance(ctx, "example")
	require.NoError(t, err)
	defer inst.Close(ctx)

	sum, err := inst.CallInt32(ctx, "sum", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int32(5), sum)

	var out string
	require.NoError(t, inst.CallFunction(ctx, "callback", &out))
	assert.Equal(t, "Hello Nic", out)
}

func TestEngineAllowedCallbacks(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	greet := wasm.TextCallback(func(_ context.Context, name string) (string, error) { return name, nil })
	require.NoError(t, engine.AddCallback("call_me", greet))
	require.NoError(t, engine.AddCallback("lookup", greet))

	_, err := engine.RegisterPluginBytes(ctx, "restricted", wasmtest.PluginWithImports("lookup"), &Config{
		Callbacks: []string{},
	})
	var abiErr *wasm.ABIError
	require.ErrorAs(t, err, &abiErr)
	assert.Equal(t, []string{"import 'env.lookup' is not in the plugin's allowed callbacks"}, abiErr.Problems)
	_, ok := engine.Registry().Get("restricted")
	assert.False(t, ok)

	_, err = engine.RegisterPluginBytes(ctx, "allowed", wasmtest.PluginWithImports("lookup"), &Config{
		Callbacks: []string{"lookup"},
	})
	require.NoError(t, err)

	// raise_error and log_message are always allowed.
	_, err = engine.RegisterPluginBytes(ctx, "plain", wasmtest.PluginWithoutCallback(), &Config{
		Callbacks: []string{},
	})
	require.NoError(t, err)
}

func TestEngineInstancesAreIndependent(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.RegisterPluginBytes(ctx, "example", wasmtest.PluginWithoutCallback(), nil)
	require.NoError(t, err)

	first, err := engine.GetInstance(ctx, "example")
	require.NoError(t, err)
	second, err := engine.GetInstance(ctx, "example")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// Tearing one down leaves the other usable.
	require.NoError(t, first.Close(ctx))
	_, err = second.CallString(ctx, "hello", "Nic")
	assert.NoError(t, err)
}

func TestEngineRegisterPluginFromFile(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "example.wasm")
	require.NoError(t, os.WriteFile(path, wasmtest.PluginWithoutCallback(), 0o644))

	p, err := engine.RegisterPlugin(ctx, "example", path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, p.Source)
	assert.Equal(t, 1, engine.Registry().Count())
}

func TestEngineRegisterDuplicate(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.RegisterPluginBytes(ctx, "example", wasmtest.PluginWithoutCallback(), nil)
	require.NoError(t, err)

	_, err = engine.RegisterPluginBytes(ctx, "example", wasmtest.PluginWithoutCallback(), nil)
	var dup *PluginAlreadyRegisteredError
	assert.ErrorAs(t, err, &dup)
}

func TestEngineRegisterNonConformant(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.RegisterPluginBytes(context.Background(), "broken", wasmtest.PluginMissingAllocator(), nil)

	var loadErr *PluginLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "broken", loadErr.PluginName)

	var abiErr *wasm.ABIError
	assert.ErrorAs(t, err, &abiErr)
	assert.Zero(t, engine.Registry().Count())
}

func TestEngineRegisterMissingFile(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.RegisterPlugin(context.Background(), "ghost", filepath.Join(t.TempDir(), "ghost.wasm"), nil)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestEngineGetInstanceNotFound(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.GetInstance(context.Background(), "missing")
	var notFound *PluginNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.PluginName)
}

func TestEngineAddCallbackAfterInstance(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.RegisterPluginBytes(ctx, "example", wasmtest.PluginWithoutCallback(), nil)
	require.NoError(t, err)
	_, err = engine.GetInstance(ctx, "example")
	require.NoError(t, err)

	err = engine.AddCallback("late", func(context.Context, []byte) ([]byte, error) { return nil, nil })
	var sealed *wasm.ImportTableSealedError
	assert.ErrorAs(t, err, &sealed)
}
