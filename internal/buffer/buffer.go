// Package buffer provides the growable byte buffer used to marshal and
// unmarshal AMQP 0-9-1 frames. It is a thin wrapper around a []byte with
// cursor-based reads, so a single allocation can be reused across an
// entire frame's worth of fields.
package buffer

import (
	"encoding/binary"
	"errors"
)

// Buffer is a growable, cursor-addressed byte buffer. The zero value is
// an empty, ready-to-use Buffer.
type Buffer struct {
	b   []byte
	off int
}

// New creates a Buffer for reading the given bytes. The Buffer takes
// ownership of b; callers must not mutate it afterward.
func New(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Reset empties the buffer, keeping the underlying storage for reuse.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.off = 0
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.b) - b.off
}

// Bytes returns the unread portion of the buffer. The returned slice is
// only valid until the next mutating call.
func (b *Buffer) Bytes() []byte {
	return b.b[b.off:]
}

// Detach returns the unread portion and resets the buffer to empty.
func (b *Buffer) Detach() []byte {
	out := b.b[b.off:]
	b.b = nil
	b.off = 0
	return out
}

// Append appends p to the buffer.
func (b *Buffer) Append(p []byte) {
	b.b = append(b.b, p...)
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(c byte) {
	b.b = append(b.b, c)
}

// AppendString appends the bytes of s.
func (b *Buffer) AppendString(s string) {
	b.b = append(b.b, s...)
}

// AppendUint16 appends v in big-endian order.
func (b *Buffer) AppendUint16(v uint16) {
	b.b = append(b.b, byte(v>>8), byte(v))
}

// AppendUint32 appends v in big-endian order.
func (b *Buffer) AppendUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

// AppendUint64 appends v in big-endian order.
func (b *Buffer) AppendUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

// ReadByte reads and consumes one byte.
func (b *Buffer) ReadByte() (byte, error) {
	if b.off >= len(b.b) {
		return 0, errors.New("buffer: read past end")
	}
	c := b.b[b.off]
	b.off++
	return c, nil
}

// UnreadByte rewinds the cursor by one byte.
func (b *Buffer) UnreadByte() error {
	if b.off == 0 {
		return errors.New("buffer: nothing to unread")
	}
	b.off--
	return nil
}

// ReadUint16 reads and consumes a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, error) {
	buf, ok := b.Next(2)
	if !ok {
		return 0, errors.New("buffer: short read for uint16")
	}
	return binary.BigEndian.Uint16(buf), nil
}

// ReadUint32 reads and consumes a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, error) {
	buf, ok := b.Next(4)
	if !ok {
		return 0, errors.New("buffer: short read for uint32")
	}
	return binary.BigEndian.Uint32(buf), nil
}

// ReadUint64 reads and consumes a big-endian uint64.
func (b *Buffer) ReadUint64() (uint64, error) {
	buf, ok := b.Next(8)
	if !ok {
		return 0, errors.New("buffer: short read for uint64")
	}
	return binary.BigEndian.Uint64(buf), nil
}

// Next returns the next n unread bytes and advances the cursor. ok is
// false if fewer than n bytes remain, in which case the cursor is not
// advanced and the returned slice is nil.
func (b *Buffer) Next(n int64) ([]byte, bool) {
	if n < 0 || int64(b.Len()) < n {
		return nil, false
	}
	buf := b.b[b.off : b.off+int(n)]
	b.off += int(n)
	return buf, true
}

// Skip advances the cursor by n bytes without returning them.
func (b *Buffer) Skip(n int) {
	if n < 0 {
		n = 0
	}
	if b.off+n > len(b.b) {
		n = len(b.b) - b.off
	}
	b.off += n
}
