package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedBuffer matches any MalformedBufferError.
	ErrMalformedBuffer = errors.New("malformed buffer")

	// ErrInvalidEncoding matches any InvalidEncodingError.
	ErrInvalidEncoding = errors.New("invalid encoding")
)

// MalformedBufferError occurs when a region is too short for the wire buffer
// its length prefix declares.
type MalformedBufferError struct {
	// Declared is the payload length read from the prefix, or -1 when the
	// prefix itself could not be read.
	Declared int64
	// Available is the number of bytes in the backing region.
	Available int
}

func (e *MalformedBufferError) Error() string {
	if e.Declared < 0 {
		return fmt.Sprintf("malformed buffer: region of %d bytes cannot hold the %d byte length prefix",
			e.Available, HeaderSize)
	}
	return fmt.Sprintf("malformed buffer: declared length %d needs %d bytes, region has %d",
		e.Declared, e.Declared+HeaderSize, e.Available)
}

func (e *MalformedBufferError) Is(target error) bool {
	return target == ErrMalformedBuffer
}

// InvalidEncodingError occurs when a text payload is not valid UTF-8.
type InvalidEncodingError struct {
	// Offset is the index of the first invalid byte in the payload.
	Offset int
}

func (e *InvalidEncodingError) Error() string {
	return fmt.Sprintf("invalid encoding: payload is not valid UTF-8 at byte %d", e.Offset)
}

func (e *InvalidEncodingError) Is(target error) bool {
	return target == ErrInvalidEncoding
}
