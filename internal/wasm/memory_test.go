package wasm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woxQAQ/wasp/internal/wasm/wasmtest"
	"github.com/woxQAQ/wasp/pkg/protocol"
)

func TestAllocateZeroSize(t *testing.T) {
	_, inst := newPluginInstance(t, nil)
	ctx := context.Background()

	a, err := inst.Allocate(ctx, 0)
	require.NoError(t, err)
	b, err := inst.Allocate(ctx, 0)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, uint32(a), uint32(wasmtest.HeapBase))
	assert.NotEqual(t, a, b, "live allocations must not alias")

	require.NoError(t, inst.Deallocate(ctx, a, 0))
	require.NoError(t, inst.Deallocate(ctx, b, 0))
	assert.Zero(t, liveAllocations(t, inst))
}

func TestWriteReadBuffer(t *testing.T) {
	_, inst := newPluginInstance(t, nil)
	ctx := context.Background()

	for _, payload := range [][]byte{{}, []byte("Nic"), {0, 1, 2, 3, 4}} {
		addr, err := inst.WriteBuffer(ctx, payload)
		require.NoError(t, err)

		// The prefix is the first four bytes at the address.
		raw, ok := inst.Memory().ReadBytes(uint32(addr), 4)
		require.True(t, ok)
		assert.Equal(t, protocol.Encode(payload)[:4], raw)

		got, err := inst.ReadBuffer(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, payload, got)

		size, err := inst.Memory().BufferSize(addr)
		require.NoError(t, err)
		assert.Equal(t, uint32(len(payload)+4), size)

		require.NoError(t, inst.Deallocate(ctx, addr, size))
	}
	assert.Zero(t, liveAllocations(t, inst))
}

func TestReadString(t *testing.T) {
	_, inst := newPluginInstance(t, nil)
	ctx := context.Background()

	addr, err := inst.WriteBuffer(ctx, []byte("Hello Nic"))
	require.NoError(t, err)
	text, err := inst.ReadString(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, "Hello Nic", text)

	bad, err := inst.WriteBuffer(ctx, []byte{0xff})
	require.NoError(t, err)
	_, err = inst.ReadString(ctx, bad)
	assert.ErrorIs(t, err, protocol.ErrInvalidEncoding)
}

func TestReadBufferOutOfBounds(t *testing.T) {
	_, inst := newPluginInstance(t, nil)
	ctx := context.Background()

	// Past the end of the single page.
	_, err := inst.ReadBuffer(ctx, 70000)
	assert.ErrorIs(t, err, protocol.ErrMalformedBuffer)

	var access *MemoryAccessError
	require.ErrorAs(t, err, &access)
	assert.Equal(t, "read_buffer", access.Operation)

	// Prefix straddles the end of memory.
	_, err = inst.ReadBuffer(ctx, 65534)
	assert.ErrorIs(t, err, protocol.ErrMalformedBuffer)
}

func TestReadBufferNeverReadsPastPrefix(t *testing.T) {
	_, inst := newPluginInstance(t, nil)
	ctx := context.Background()

	// Over-allocate and fill the tail with bytes that must not leak into
	// the payload.
	addr, err := inst.Allocate(ctx, 16)
	require.NoError(t, err)
	region := append(protocol.Encode([]byte{7, 7}), 9, 9, 9, 9)
	require.True(t, inst.module.Memory().Write(uint32(addr), region))

	got, err := inst.ReadBuffer(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 7}, got)
}

func TestAllocateExhaustsMemory(t *testing.T) {
	_, inst := newPluginInstance(t, nil)

	_, err := inst.Allocate(context.Background(), 1<<20)
	var access *MemoryAccessError
	require.ErrorAs(t, err, &access)
	assert.Equal(t, "allocate", access.Operation)
	assert.False(t, inst.Closed(), "a failed allocation is not a contract violation")
}
