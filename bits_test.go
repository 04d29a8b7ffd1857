package amqp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kehrazy/amqp091/internal/buffer"
)

func TestBitPackingEightBitsPerOctet(t *testing.T) {
	buf := buffer.New(nil)
	w := newBitWriter(buf)
	bits := []bool{true, false, true, true, false, false, true, false}
	for _, b := range bits {
		w.WriteBit(b)
	}
	// eighth bit should have auto-flushed; no pending Flush() needed.
	require.Equal(t, 1, buf.Len())

	r := newBitReader(buffer.New(buf.Bytes()))
	for i, want := range bits {
		got, err := r.ReadBit()
		require.NoError(t, err)
		require.Equal(t, want, got, "bit %d", i)
	}
}

func TestBitWriterFlushResetsOnPartialGroup(t *testing.T) {
	buf := buffer.New(nil)
	w := newBitWriter(buf)
	w.WriteBit(true)
	w.WriteBit(false)
	w.WriteBit(true)
	w.Flush()
	require.Equal(t, 1, buf.Len())

	r := newBitReader(buffer.New(buf.Bytes()))
	b0, _ := r.ReadBit()
	b1, _ := r.ReadBit()
	b2, _ := r.ReadBit()
	require.Equal(t, []bool{true, false, true}, []bool{b0, b1, b2})
}

func TestBitReaderResetStartsFreshGroup(t *testing.T) {
	buf := buffer.New([]byte{0x01, 0x01})
	r := newBitReader(buf)
	first, _ := r.ReadBit()
	require.True(t, first)
	r.Reset()
	second, _ := r.ReadBit()
	require.True(t, second)
}
