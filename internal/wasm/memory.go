package wasm

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/woxQAQ/wasp/internal/metrics"
	"github.com/woxQAQ/wasp/pkg/protocol"
)

// Memory provides safe memory operations for Wasm module interaction.
//
// Reads are bounded by the current memory size and never trust the length
// prefix beyond it. Writes only go to regions obtained from the guest's own
// allocate export; the host never picks addresses itself.
type Memory struct {
	module     string
	mem        api.Memory
	allocate   api.Function
	deallocate api.Function
	metrics    *metrics.Metrics
}

// NewMemory creates a memory helper.
func NewMemory(module api.Module) *Memory {
	return &Memory{
		module:     module.Name(),
		mem:        module.Memory(),
		allocate:   module.ExportedFunction(protocol.ExportAllocate),
		deallocate: module.ExportedFunction(protocol.ExportDeallocate),
	}
}

// ReadBytes reads raw bytes from Wasm memory. The result aliases guest
// memory and is only valid until the next guest call.
func (m *Memory) ReadBytes(ptr uint32, length uint32) ([]byte, bool) {
	return m.mem.Read(ptr, length)
}

// ReadBuffer decodes the wire buffer at addr and returns a copy of its
// payload.
func (m *Memory) ReadBuffer(addr protocol.Address) ([]byte, error) {
	return readBuffer(m.mem, addr)
}

// ReadString decodes the wire buffer at addr as UTF-8 text.
func (m *Memory) ReadString(addr protocol.Address) (string, error) {
	payload, err := m.ReadBuffer(addr)
	if err != nil {
		return "", err
	}
	return protocol.TextFromPayload(payload)
}

// BufferSize returns the physical size L+4 of the wire buffer at addr.
func (m *Memory) BufferSize(addr protocol.Address) (uint32, error) {
	region, err := tail(m.mem, addr)
	if err != nil {
		return 0, err
	}
	n, err := protocol.PayloadLen(region)
	if err != nil {
		return 0, &MemoryAccessError{Operation: "read_buffer", Address: uint32(addr), Length: uint32(len(region)), Err: err}
	}
	return n + protocol.HeaderSize, nil
}

// Allocate calls the guest's allocate export.
func (m *Memory) Allocate(ctx context.Context, size uint32) (protocol.Address, error) {
	if m.allocate == nil {
		return 0, &FunctionNotFoundError{ModuleName: m.module, FunctionName: protocol.ExportAllocate}
	}
	results, err := m.allocate.Call(ctx, api.EncodeU32(size))
	if err != nil {
		return 0, &MemoryAccessError{Operation: "allocate", Length: size, Err: err}
	}
	m.metrics.AddAllocated(size)
	return protocol.Address(api.DecodeU32(results[0])), nil
}

// Deallocate calls the guest's deallocate export. A guest that rejects the
// release reports an AllocationContractViolation.
func (m *Memory) Deallocate(ctx context.Context, addr protocol.Address, size uint32) error {
	if m.deallocate == nil {
		return &FunctionNotFoundError{ModuleName: m.module, FunctionName: protocol.ExportDeallocate}
	}
	if _, err := m.deallocate.Call(ctx, api.EncodeU32(uint32(addr)), api.EncodeU32(size)); err != nil {
		return &AllocationContractViolation{Address: addr, Size: size, Err: err}
	}
	return nil
}

// WriteBuffer allocates L+4 bytes in the guest and writes payload there as
// a wire buffer. The caller owns the returned region.
func (m *Memory) WriteBuffer(ctx context.Context, payload []byte) (protocol.Address, error) {
	if len(payload) > protocol.MaxPayload {
		return 0, &MemoryAccessError{
			Operation: "write_buffer",
			Length:    uint32(len(payload)),
			Err:       fmt.Errorf("payload of %d bytes exceeds the wire format", len(payload)),
		}
	}

	size := uint32(protocol.Size(payload))
	addr, err := m.Allocate(ctx, size)
	if err != nil {
		return 0, err
	}
	if !m.mem.Write(uint32(addr), protocol.Encode(payload)) {
		return 0, &MemoryAccessError{
			Operation: "write_buffer",
			Address:   uint32(addr),
			Length:    size,
			Err:       fmt.Errorf("allocate returned a region outside memory of %d bytes", m.mem.Size()),
		}
	}
	return addr, nil
}

func readBuffer(mem api.Memory, addr protocol.Address) ([]byte, error) {
	region, err := tail(mem, addr)
	if err != nil {
		return nil, err
	}
	payload, err := protocol.Decode(region)
	if err != nil {
		return nil, &MemoryAccessError{Operation: "read_buffer", Address: uint32(addr), Length: uint32(len(region)), Err: err}
	}
	return bytes.Clone(payload), nil
}

// tail returns the view of memory from addr to its end.
func tail(mem api.Memory, addr protocol.Address) ([]byte, error) {
	size := mem.Size()
	if uint32(addr) > size {
		return nil, &MemoryAccessError{
			Operation: "read_buffer",
			Address:   uint32(addr),
			Err:       &protocol.MalformedBufferError{Declared: -1, Available: 0},
		}
	}
	region, _ := mem.Read(uint32(addr), size-uint32(addr))
	return region, nil
}
