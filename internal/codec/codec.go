// Package codec implements the opaque value encoding shared by local storage
// and the remote wire payload: JSON, then percent-encoded UTF-8, then base64.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrMalformed = errors.New("malformed encoded value")

// Encode serializes v as JSON and wraps it in the opaque text encoding.
func Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return EncodeText(string(data)), nil
}

// Decode reverses Encode into out. Every failure wraps ErrMalformed.
func Decode(encoded string, out any) error {
	text, err := DecodeText(encoded)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// EncodeText percent-encodes s and base64s the result.
func EncodeText(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(EscapeComponent(s)))
}

func DecodeText(encoded string) (string, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return "", fmt.Errorf("%w: empty value", ErrMalformed)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	text, err := url.PathUnescape(string(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return text, nil
}

const upperHex = "0123456789ABCDEF"

// EscapeComponent percent-encodes every byte of s outside the URI
// component unreserved set, matching the browser encodeURIComponent output
// so values written by scripts and by this package stay interchangeable.
func EscapeComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}
