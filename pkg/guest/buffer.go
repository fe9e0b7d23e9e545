package guest

import (
	"bytes"
	"fmt"

	"github.com/woxQAQ/wasp/pkg/protocol"
)

// Encode allocates a wire buffer holding payload and returns its address.
// Ownership of the region passes to whoever receives the address.
func (h *Heap) Encode(payload []byte) protocol.Address {
	addr := h.Allocate(uint32(protocol.Size(payload)))
	region, _ := h.Region(addr)
	// Cannot fail: the region was sized by protocol.Size.
	_ = protocol.EncodeTo(region, payload)
	return addr
}

// EncodeString encodes s as a UTF-8 wire buffer.
func (h *Heap) EncodeString(s string) (protocol.Address, error) {
	if _, err := protocol.TextFromPayload([]byte(s)); err != nil {
		return 0, err
	}
	return h.Encode([]byte(s)), nil
}

// Decode copies the payload of the wire buffer at addr. The read is bounded
// by the allocation the host wrote into, never by anything the host claims.
func (h *Heap) Decode(addr protocol.Address) ([]byte, error) {
	region, ok := h.Region(addr)
	if !ok {
		return nil, fmt.Errorf("decode %s: %w", addr, ErrUnknownAddress)
	}
	payload, err := protocol.Decode(region)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(payload), nil
}

// DecodeString decodes the wire buffer at addr as UTF-8 text.
func (h *Heap) DecodeString(addr protocol.Address) (string, error) {
	payload, err := h.Decode(addr)
	if err != nil {
		return "", err
	}
	return protocol.TextFromPayload(payload)
}

// Release deallocates the wire buffer at addr using the size its length
// prefix declares.
func (h *Heap) Release(addr protocol.Address) error {
	region, ok := h.Region(addr)
	if !ok {
		return &AllocationContractViolation{Address: addr, Reason: "address is not a live allocation"}
	}
	n, err := protocol.PayloadLen(region)
	if err != nil {
		return err
	}
	return h.Deallocate(addr, n+protocol.HeaderSize)
}

// Import is the shape of a host callback import: wire buffer in, wire
// buffer out.
type Import func(arg protocol.Address) protocol.Address

// Invoke calls a host callback import with payload and returns the decoded
// result. The argument buffer is released once the call returns and the
// result buffer, owned by the guest on return, is released after decoding.
func (h *Heap) Invoke(fn Import, payload []byte) ([]byte, error) {
	arg := h.Encode(payload)
	res := fn(arg)

	if err := h.Release(arg); err != nil {
		return nil, err
	}

	out, err := h.Decode(res)
	if err != nil {
		return nil, err
	}
	if err := h.Release(res); err != nil {
		return nil, fmt.Errorf("release callback result: %w", err)
	}
	return out, nil
}
