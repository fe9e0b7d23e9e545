// Package guest is the guest side of the buffer ABI: the allocator behind the
// allocate and deallocate exports, and helpers that move wire buffers across
// the boundary.
//
// The allocator logic is platform independent and tested natively. The
// exports and imports themselves only exist when building for wasip1.
package guest

import (
	"fmt"
	"sync"

	"github.com/woxQAQ/wasp/pkg/protocol"
)

// AddressFunc maps a freshly allocated slice to its address in linear memory.
type AddressFunc func(buf []byte) protocol.Address

type allocation struct {
	// backing keeps the slice reachable so the GC cannot reclaim it while
	// the host holds the address.
	backing []byte
	size    uint32
}

// Heap tracks every region handed out through allocate until it is
// released through deallocate.
type Heap struct {
	mu        sync.Mutex
	addressOf AddressFunc
	live      map[protocol.Address]allocation
	liveBytes uint64
}

// NewHeap creates a heap that derives addresses with addressOf.
func NewHeap(addressOf AddressFunc) *Heap {
	return &Heap{
		addressOf: addressOf,
		live:      make(map[protocol.Address]allocation),
	}
}

// Allocate reserves a region of size bytes and returns its address.
// A zero size still yields a distinct, valid address.
func (h *Heap) Allocate(size uint32) protocol.Address {
	n := size
	if n == 0 {
		n = 1
	}
	buf := make([]byte, n)
	addr := h.addressOf(buf)

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.live[addr]; exists {
		panic(&AllocationContractViolation{Address: addr, Size: size, Reason: "address already live"})
	}
	h.live[addr] = allocation{backing: buf, size: size}
	h.liveBytes += uint64(size)

	return addr
}

// Deallocate releases a region returned by Allocate. The size must match
// the size it was allocated with.
func (h *Heap) Deallocate(addr protocol.Address, size uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	a, ok := h.live[addr]
	if !ok {
		return &AllocationContractViolation{Address: addr, Size: size, Reason: "address is not a live allocation"}
	}
	if a.size != size {
		return &AllocationContractViolation{
			Address: addr,
			Size:    size,
			Reason:  fmt.Sprintf("size does not match the allocation of %d bytes", a.size),
		}
	}

	delete(h.live, addr)
	h.liveBytes -= uint64(size)
	return nil
}

// Region returns the live region at addr, exactly as long as it was
// allocated.
func (h *Heap) Region(addr protocol.Address) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	a, ok := h.live[addr]
	if !ok {
		return nil, false
	}
	return a.backing[:a.size:a.size], true
}

// Live returns the number of live allocations.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// LiveBytes returns the total size of all live allocations.
func (h *Heap) LiveBytes() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.liveBytes
}

// Reset drops every live allocation. Addresses previously handed to the
// host become invalid.
func (h *Heap) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clear(h.live)
	h.liveBytes = 0
}
