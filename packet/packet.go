// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet encodes and decodes the fields of fixed-size message
// records. Multi-byte values are little-endian.
package packet

import (
	"encoding/binary"
	"fmt"
	"io"
)

// A Builder accumulates the fields of a record. The zero value is an empty
// builder with no size limit.
type Builder struct {
	buf   []byte
	limit int // 0 means no limit
}

// NewBuilder constructs a Builder for a record of at most limit bytes.
// Writing past the limit is not prevented, but is reported by [Builder.Err].
func NewBuilder(limit int) *Builder {
	return &Builder{buf: make([]byte, 0, limit), limit: limit}
}

// Put appends raw bytes to b.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// Uint16 appends v to b.
func (b *Builder) Uint16(v uint16) { b.buf = binary.LittleEndian.AppendUint16(b.buf, v) }

// Uint32 appends v to b.
func (b *Builder) Uint32(v uint32) { b.buf = binary.LittleEndian.AppendUint32(b.buf, v) }

// Err reports an error if b holds more than its limit.
func (b *Builder) Err() error {
	if b.limit > 0 && len(b.buf) > b.limit {
		return fmt.Errorf("payload too long (%d > %d bytes)", len(b.buf), b.limit)
	}
	return nil
}

// Bytes returns the contents of b. The slice aliases the builder's buffer.
func (b *Builder) Bytes() []byte { return b.buf }

// A Scanner reads fields from the head of a record. A field that runs past
// the end of the input reports [io.ErrUnexpectedEOF] and consumes nothing.
type Scanner struct {
	rest []byte
}

// NewScanner constructs a Scanner over data. The scanner does not copy data.
func NewScanner(data []byte) *Scanner { return &Scanner{rest: data} }

func (s *Scanner) take(n int) ([]byte, error) {
	if len(s.rest) < n {
		return nil, fmt.Errorf("field truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	out := s.rest[:n]
	s.rest = s.rest[n:]
	return out, nil
}

// Uint16 reads a uint16 field.
func (s *Scanner) Uint16() (uint16, error) {
	v, err := s.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(v), nil
}

// Uint32 reads a uint32 field.
func (s *Scanner) Uint32() (uint32, error) {
	v, err := s.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(v), nil
}

// Rest returns the unread remainder of the input.
func (s *Scanner) Rest() []byte { return s.rest }
