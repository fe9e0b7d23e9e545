package protocol

import "unicode/utf8"

// EncodeUTF8 encodes s as a wire buffer.
// Go strings may hold arbitrary bytes, so s is validated first.
func EncodeUTF8(s string) ([]byte, error) {
	if err := validateUTF8([]byte(s)); err != nil {
		return nil, err
	}
	return Encode([]byte(s)), nil
}

// DecodeUTF8 decodes the wire buffer at the start of region as UTF-8 text.
func DecodeUTF8(region []byte) (string, error) {
	payload, err := Decode(region)
	if err != nil {
		return "", err
	}
	return TextFromPayload(payload)
}

// TextFromPayload validates an already decoded payload as UTF-8.
func TextFromPayload(payload []byte) (string, error) {
	if err := validateUTF8(payload); err != nil {
		return "", err
	}
	return string(payload), nil
}

func validateUTF8(b []byte) error {
	if utf8.Valid(b) {
		return nil
	}
	offset := 0
	for offset < len(b) {
		r, size := utf8.DecodeRune(b[offset:])
		if r == utf8.RuneError && size <= 1 {
			break
		}
		offset += size
	}
	return &InvalidEncodingError{Offset: offset}
}
