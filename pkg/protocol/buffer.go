package protocol

import (
	"encoding/binary"
	"math"
)

// HeaderSize is the size of the little-endian uint32 length prefix.
const HeaderSize = 4

// MaxPayload is the largest payload a wire buffer can carry.
const MaxPayload = math.MaxUint32 - HeaderSize

// Size returns the physical size of the wire buffer for payload.
func Size(payload []byte) int {
	return len(payload) + HeaderSize
}

// Encode returns a new wire buffer holding payload.
// The length prefix is always present, so an empty payload encodes to
// four zero bytes.
func Encode(payload []byte) []byte {
	buf := make([]byte, Size(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// EncodeTo writes payload as a wire buffer at the start of dst.
func EncodeTo(dst []byte, payload []byte) error {
	if len(dst) < Size(payload) {
		return &MalformedBufferError{Declared: int64(len(payload)), Available: len(dst)}
	}
	binary.LittleEndian.PutUint32(dst, uint32(len(payload)))
	copy(dst[HeaderSize:], payload)
	return nil
}

// Decode returns the payload of the wire buffer at the start of region.
//
// Only the length prefix is trusted for the payload size, and only region
// bounds the read. The returned slice aliases region.
func Decode(region []byte) ([]byte, error) {
	declared, err := PayloadLen(region)
	if err != nil {
		return nil, err
	}
	end := uint64(declared) + HeaderSize
	if end > uint64(len(region)) {
		return nil, &MalformedBufferError{Declared: int64(declared), Available: len(region)}
	}
	return region[HeaderSize:end:end], nil
}

// PayloadLen reads the declared payload length from the prefix.
func PayloadLen(region []byte) (uint32, error) {
	if len(region) < HeaderSize {
		return 0, &MalformedBufferError{Declared: -1, Available: len(region)}
	}
	return binary.LittleEndian.Uint32(region), nil
}
