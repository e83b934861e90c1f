package app

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// EncodeHeaders encodes headers into the block accepted by Session.SendHeaders:
//
//	headers ::= header*
//	header  ::= name NUL value NUL
//
// Names and values must be non-empty and must not contain NUL. Pairs are emitted in name order.
func EncodeHeaders(headers map[string]string) ([]byte, error) {
	names := make([]string, 0, len(headers))
	size := 0
	for name, value := range headers {
		if err := checkHeaderField(name); err != nil {
			return nil, fmt.Errorf("header name %q: %w", name, err)
		}
		if err := checkHeaderField(value); err != nil {
			return nil, fmt.Errorf("value of header %q: %w", name, err)
		}
		names = append(names, name)
		size += len(name) + len(value) + 2
	}
	sort.Strings(names)

	buf := make([]byte, 0, size)
	for _, name := range names {
		buf = append(buf, name...)
		buf = append(buf, 0)
		buf = append(buf, headers[name]...)
		buf = append(buf, 0)
	}
	return buf, nil
}

func checkHeaderField(s string) error {
	if s == "" {
		return fmt.Errorf("empty: %w", ErrInvalidHeader)
	}
	if i := strings.IndexByte(s, 0); i >= 0 {
		return fmt.Errorf("NUL byte at offset %d: %w", i, ErrInvalidHeader)
	}
	return nil
}

// DecodeHeaders parses a block produced by EncodeHeaders.
func DecodeHeaders(block []byte) (map[string]string, error) {
	headers := map[string]string{}
	rest := block
	for len(rest) > 0 {
		name, after, ok := cutField(rest)
		if !ok {
			return nil, fmt.Errorf("unterminated header name at offset %d: %w", len(block)-len(rest), ErrInvalidHeader)
		}
		value, after, ok := cutField(after)
		if !ok {
			return nil, fmt.Errorf("header %q has no terminated value: %w", name, ErrInvalidHeader)
		}
		if len(name) == 0 || len(value) == 0 {
			return nil, fmt.Errorf("empty header field at offset %d: %w", len(block)-len(rest), ErrInvalidHeader)
		}
		headers[string(name)] = string(value)
		rest = after
	}
	return headers, nil
}

func cutField(b []byte) (field, rest []byte, ok bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return nil, nil, false
	}
	return b[:i], b[i+1:], true
}
