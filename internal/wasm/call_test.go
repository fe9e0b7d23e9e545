package wasm

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/wasp/internal/wasm/wasmtest"
	"github.com/woxQAQ/wasp/pkg/protocol"
)

func TestCallSum(t *testing.T) {
	_, inst := newPluginInstance(t, nil)

	got, err := inst.CallInt32(context.Background(), "sum", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int32(5), got)
}

func TestCallSumNegative(t *testing.T) {
	_, inst := newPluginInstance(t, nil)

	got, err := inst.CallInt32(context.Background(), "sum", -7, 3)
	require.NoError(t, err)
	assert.Equal(t, int32(-4), got)
}

func TestCallHello(t *testing.T) {
	_, inst := newPluginInstance(t, nil)

	got, err := inst.CallString(context.Background(), "hello", "Nic")
	require.NoError(t, err)
	assert.Equal(t, "Hello Nic", got)
	assert.Zero(t, liveAllocations(t, inst), "input and result buffers must be released")
}

func TestCallReverse(t *testing.T) {
	_, inst := newPluginInstance(t, nil)
	ctx := context.Background()

	got, err := inst.CallBytes(ctx, "reverse", []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 2, 1}, got)

	got, err = inst.CallBytes(ctx, "reverse", []byte{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCallFail(t *testing.T) {
	_, inst := newPluginInstance(t, nil)
	ctx := context.Background()

	var out int32
	err := inst.CallFunction(ctx, "fail", &out)

	var failure *GuestSignaledFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "Oops", failure.Message)
	assert.Equal(t, "fail", failure.Function)
	assert.Zero(t, out, "the result of a failed call is ignored")

	// The instance stays usable after a guest-signaled failure.
	got, err := inst.CallInt32(ctx, "sum", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int32(5), got)
	assert.False(t, inst.Closed())
}

func TestCallFailInvalidUTF8Message(t *testing.T) {
	_, inst := newPluginInstance(t, nil)

	var out int32
	err := inst.CallFunction(context.Background(), "fail_invalid_utf8", &out)

	var failure *GuestSignaledFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "Oo\uFFFDs", failure.Message)
	assert.Equal(t, "fail_invalid_utf8", failure.Function)

	var hostErr *HostFunctionError
	assert.False(t, errors.As(err, &hostErr))
	assert.False(t, inst.Closed())
}

func TestEchoRoundTrip(t *testing.T) {
	_, inst := newPluginInstance(t, nil)
	ctx := context.Background()

	payloads := [][]byte{
		{},
		{0},
		[]byte("Hello Nic"),
		bytes.Repeat([]byte{0xab, 0x00, 0xff}, 300),
	}
	for _, payload := range payloads {
		got, err := inst.CallBytes(ctx, "echo", payload)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
		if len(payload) == 0 {
			assert.NotNil(t, got)
		}
	}
	assert.Zero(t, liveAllocations(t, inst))
}

func TestEchoTextRoundTrip(t *testing.T) {
	_, inst := newPluginInstance(t, nil)

	for _, text := range []string{"", "Nic", "héllo wörld", "日本語", "\U0001F600"} {
		got, err := inst.CallString(context.Background(), "echo", text)
		require.NoError(t, err)
		assert.Equal(t, text, got)
	}
}

func TestEchoInvalidUTF8(t *testing.T) {
	_, inst := newPluginInstance(t, nil)

	var out string
	err := inst.CallFunction(context.Background(), "echo", &out, []byte{'a', 0xc3, 0x28})
	assert.ErrorIs(t, err, protocol.ErrInvalidEncoding)

	var invalid *protocol.InvalidEncodingError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 1, invalid.Offset)
	assert.Zero(t, liveAllocations(t, inst), "the result is released even when it is not valid text")
}

func TestCallbackSequencing(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	var inst *Instance
	var calls int
	err := runtime.RegisterCallback("call_me", TextCallback(func(ctx context.Context, name string) (string, error) {
		calls++
		req, ok := RequestFromContext(ctx)
		require.True(t, ok)
		assert.Equal(t, protocol.StateCallbackInFlight, req.State())
		assert.Equal(t, "callback", req.Function)
		assert.Equal(t, inst.ID, req.InstanceID())
		return "Hello " + name, nil
	}))
	require.NoError(t, err)

	inst, err = instantiate(t, runtime, "plugin", wasmtest.Plugin())
	require.NoError(t, err)

	var out string
	require.NoError(t, inst.CallFunction(context.Background(), "callback", &out))
	assert.Equal(t, "Hello Nic", out)
	assert.Equal(t, 1, calls)
	assert.Zero(t, liveAllocations(t, inst))
}

func TestCallbackError(t *testing.T) {
	runtime := newTestRuntime(t, nil)
	boom := errors.New("boom")
	require.NoError(t, runtime.RegisterCallback("call_me", func(context.Context, []byte) ([]byte, error) {
		return nil, boom
	}))
	inst, err := instantiate(t, runtime, "plugin", wasmtest.Plugin())
	require.NoError(t, err)
	ctx := context.Background()

	var out string
	err = inst.CallFunction(ctx, "callback", &out)

	var hostErr *HostFunctionError
	require.ErrorAs(t, err, &hostErr)
	assert.Equal(t, "call_me", hostErr.FunctionName)
	assert.ErrorIs(t, err, boom)

	// A failing callback traps the guest but does not close the instance.
	got, err := inst.CallInt32(ctx, "sum", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), got)
}

func TestReentrantCallRejected(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	var inst *Instance
	var reentrant error
	require.NoError(t, runtime.RegisterCallback("call_me", func(ctx context.Context, payload []byte) ([]byte, error) {
		_, reentrant = inst.CallInt32(ctx, "sum", 1, 2)
		return payload, nil
	}))
	inst, err := instantiate(t, runtime, "plugin", wasmtest.Plugin())
	require.NoError(t, err)

	var out []byte
	require.NoError(t, inst.CallFunction(context.Background(), "callback", &out))
	assert.Equal(t, []byte("Nic"), out)

	var reentrantErr *ReentrantCallError
	require.ErrorAs(t, reentrant, &reentrantErr)
	assert.Equal(t, "sum", reentrantErr.Function)
}

func TestCallOtherInstanceFromCallback(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	var other *Instance
	require.NoError(t, runtime.RegisterCallback("call_me", TextCallback(func(ctx context.Context, name string) (string, error) {
		return other.CallString(ctx, "hello", name)
	})))
	inst, err := instantiate(t, runtime, "plugin", wasmtest.Plugin())
	require.NoError(t, err)
	other, err = NewInstanceManager(runtime, zaptest.NewLogger(t)).Instantiate(context.Background(), &InstanceConfig{ModuleName: "plugin"})
	require.NoError(t, err)

	var out string
	require.NoError(t, inst.CallFunction(context.Background(), "callback", &out))
	assert.Equal(t, "Hello Nic", out)
}

func TestIndirectReentrantCallRejected(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	var first, second *Instance
	var reentrant error
	require.NoError(t, runtime.RegisterCallback("call_me", func(ctx context.Context, payload []byte) ([]byte, error) {
		if req, ok := RequestFromContext(ctx); ok && req.InstanceID() == first.ID {
			var out []byte
			err := second.CallFunction(ctx, "callback", &out)
			return out, err
		}
		// Called back from second while first is still waiting on it.
		_, reentrant = first.CallInt32(ctx, "sum", 1, 2)
		return payload, nil
	}))

	var err error
	first, err = instantiate(t, runtime, "plugin", wasmtest.Plugin())
	require.NoError(t, err)
	second, err = NewInstanceManager(runtime, zaptest.NewLogger(t)).Instantiate(context.Background(), &InstanceConfig{ModuleName: "plugin"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		var out []byte
		done <- first.CallFunction(context.Background(), "callback", &out)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("call chain first -> second -> first did not return")
	}

	var reentrantErr *ReentrantCallError
	require.ErrorAs(t, reentrant, &reentrantErr)
	assert.Equal(t, first.ID, reentrantErr.InstanceID)
	assert.Equal(t, "sum", reentrantErr.Function)
}

func TestMalformedResult(t *testing.T) {
	_, inst := newPluginInstance(t, nil)
	ctx := context.Background()

	var out []byte
	err := inst.CallFunction(ctx, "corrupt", &out)
	assert.ErrorIs(t, err, protocol.ErrMalformedBuffer)

	var malformed *protocol.MalformedBufferError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, int64(100), malformed.Declared)
	assert.Equal(t, 4, malformed.Available)

	// Codec errors are local to the request.
	assert.False(t, inst.Closed())
}

func TestAllocationContractViolationClosesInstance(t *testing.T) {
	runtime, inst := newPluginInstance(t, nil)
	ctx := context.Background()

	// Address 16 was never returned by allocate.
	err := inst.Deallocate(ctx, 16, 4)

	var violation *AllocationContractViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, protocol.Address(16), violation.Address)
	assert.Equal(t, uint32(4), violation.Size)

	assert.True(t, inst.Closed())
	_, ok := runtime.GetInstance(inst.ID)
	assert.False(t, ok)

	_, err = inst.CallInt32(ctx, "sum", 2, 3)
	assert.ErrorIs(t, err, ErrInstanceClosed)
}

func TestKeepResultsPolicy(t *testing.T) {
	config := DefaultRuntimeConfig()
	config.ReleaseResults = false
	_, inst := newPluginInstance(t, config)

	got, err := inst.CallString(context.Background(), "hello", "Nic")
	require.NoError(t, err)
	assert.Equal(t, "Hello Nic", got)
	assert.Equal(t, int32(1), liveAllocations(t, inst), "the result buffer stays with the host until teardown")
}

func TestExecutionTimeoutClosesInstance(t *testing.T) {
	config := DefaultRuntimeConfig()
	config.ExecutionTimeout = 50 * time.Millisecond
	_, inst := newPluginInstance(t, config)

	_, err := inst.Call(context.Background(), "spin")

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "spin", timeout.Function)
	assert.True(t, inst.Closed())
}

func TestCancelledCallClosesInstance(t *testing.T) {
	config := DefaultRuntimeConfig()
	config.ExecutionTimeout = time.Minute
	runtime, inst := newPluginInstance(t, config)

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(100*time.Millisecond, cancel)
	defer timer.Stop()

	_, err := inst.Call(ctx, "spin")
	require.ErrorIs(t, err, context.Canceled)
	var timeout *TimeoutError
	assert.False(t, errors.As(err, &timeout), "caller cancellation is not the configured timeout")

	assert.True(t, inst.Closed())
	assert.Zero(t, runtime.ActiveInstances())
	_, ok := runtime.GetInstance(inst.ID)
	assert.False(t, ok)

	_, err = inst.CallInt32(context.Background(), "sum", 1, 2)
	assert.ErrorIs(t, err, ErrInstanceClosed)
}

func TestCallUnknownFunction(t *testing.T) {
	_, inst := newPluginInstance(t, nil)

	_, err := inst.Call(context.Background(), "nope")
	var notFound *FunctionNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope", notFound.FunctionName)
}

func TestCallUnsupportedArgument(t *testing.T) {
	_, inst := newPluginInstance(t, nil)

	err := inst.CallFunction(context.Background(), "hello", nil, 3.14)
	assert.ErrorContains(t, err, "unsupported type float64")
}

func TestCallRaw(t *testing.T) {
	_, inst := newPluginInstance(t, nil)

	results, err := inst.Call(context.Background(), "sum", 40, 2)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(42), results[0])
}

func TestConcurrentCallsAreSerialized(t *testing.T) {
	_, inst := newPluginInstance(t, nil)
	ctx := context.Background()

	errs := make(chan error, 8)
	for n := 0; n < 8; n++ {
		go func() {
			got, err := inst.CallString(ctx, "hello", "Nic")
			if err == nil && got != "Hello Nic" {
				err = errors.New("unexpected result " + got)
			}
			errs <- err
		}()
	}
	for n := 0; n < 8; n++ {
		assert.NoError(t, <-errs)
	}
	assert.Zero(t, liveAllocations(t, inst))
}
