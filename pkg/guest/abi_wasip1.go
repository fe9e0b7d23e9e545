//go:build wasip1

package guest

import (
	"fmt"
	"unsafe"

	"github.com/woxQAQ/wasp/pkg/protocol"
)

// NOTE: uint32 is used for pointers and sizes because WebAssembly uses a
// 32-bit linear memory model. A Go slice's data pointer is its offset in
// linear memory.

var heap = NewHeap(linearAddress)

func linearAddress(buf []byte) protocol.Address {
	return protocol.Address(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}

// Default returns the heap behind the allocate and deallocate exports.
func Default() *Heap {
	return heap
}

// allocate reserves memory the host can write a wire buffer into.
//
//go:wasmexport allocate
func allocate(size uint32) uint32 {
	return uint32(heap.Allocate(size))
}

// deallocate releases memory obtained from allocate. A mismatched address or
// size traps, which the host treats as fatal for this instance.
//
//go:wasmexport deallocate
func deallocate(ptr uint32, size uint32) {
	if err := heap.Deallocate(protocol.Address(ptr), size); err != nil {
		panic(err)
	}
}

//go:wasmimport env raise_error
func raiseError(ptr uint32)

//go:wasmimport env log_message
func logMessage(level uint32, ptr uint32)

// Read decodes the wire buffer at ptr. Buffers passed in by the host stay
// owned by the host and must not be released.
func Read(ptr uint32) ([]byte, error) {
	return heap.Decode(protocol.Address(ptr))
}

// ReadString decodes the UTF-8 wire buffer at ptr.
func ReadString(ptr uint32) (string, error) {
	return heap.DecodeString(protocol.Address(ptr))
}

// Write encodes payload into a new buffer and returns its address. Return
// it from an export to hand ownership to the host.
func Write(payload []byte) uint32 {
	return uint32(heap.Encode(payload))
}

// WriteString encodes s as a UTF-8 wire buffer.
func WriteString(s string) (uint32, error) {
	addr, err := heap.EncodeString(s)
	return uint32(addr), err
}

// Fail reports msg through the host's error import. The calling export must
// not produce a result afterwards; whatever it returns is ignored.
// msg should be UTF-8. The host replaces invalid sequences with U+FFFD.
func Fail(msg string) {
	addr := heap.Encode([]byte(msg))
	raiseError(uint32(addr))
	_ = heap.Release(addr)
}

// Failf formats and reports a failure.
func Failf(format string, args ...any) {
	Fail(fmt.Sprintf(format, args...))
}

// Log forwards msg to the host logger.
func Log(level protocol.LogLevel, msg string) {
	addr := heap.Encode([]byte(msg))
	logMessage(uint32(level), uint32(addr))
	_ = heap.Release(addr)
}

// Invoke calls a host callback import declared with go:wasmimport.
func Invoke(fn func(ptr uint32) uint32, payload []byte) ([]byte, error) {
	return heap.Invoke(func(arg protocol.Address) protocol.Address {
		return protocol.Address(fn(uint32(arg)))
	}, payload)
}
