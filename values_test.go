package amqp

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/kehrazy/amqp091/internal/buffer"
)

func TestShortStrWireFormat(t *testing.T) {
	buf := buffer.New(nil)
	require.NoError(t, writeShortStr(buf, "hello"))
	require.Equal(t, []byte{0x05, 0x68, 0x65, 0x6C, 0x6C, 0x6F}, buf.Bytes())

	r := buffer.New(buf.Bytes())
	got, err := readShortStr(r)
	require.NoError(t, err)
	require.Equal(t, "hello", got)
}

func TestFieldTableSingleBoolWireFormat(t *testing.T) {
	buf := buffer.New(nil)
	require.NoError(t, writeFieldTable(buf, Table{"ok": true}))
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x05, 0x02, 0x6F, 0x6B, 0x74, 0x01}, buf.Bytes())

	r := buffer.New(buf.Bytes())
	got, err := readFieldTable(r)
	require.NoError(t, err)
	require.Equal(t, Table{"ok": true}, got)
}

func TestLongStrRoundTrip(t *testing.T) {
	buf := buffer.New(nil)
	writeLongStr(buf, "a reasonably long payload string")
	r := buffer.New(buf.Bytes())
	got, err := readLongStr(r)
	require.NoError(t, err)
	require.Equal(t, "a reasonably long payload string", got)
}

func TestFixedWidthIntRoundTrip(t *testing.T) {
	buf := buffer.New(nil)
	writeShortUint(buf, 0xBEEF)
	writeLongUint(buf, 0xDEADBEEF)
	writeLongLongUint(buf, 0x0102030405060708)

	r := buffer.New(buf.Bytes())
	s, err := readShortUint(r)
	require.NoError(t, err)
	require.Equal(t, uint16(0xBEEF), s)

	l, err := readLongUint(r)
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), l)

	ll, err := readLongLongUint(r)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), ll)
}

func TestDecimalRoundTrip(t *testing.T) {
	buf := buffer.New(nil)
	writeDecimal(buf, Decimal{Scale: 2, Value: 12345})
	r := buffer.New(buf.Bytes())
	got, err := readDecimal(r)
	require.NoError(t, err)
	require.Equal(t, Decimal{Scale: 2, Value: 12345}, got)
}

func TestTimestampRoundTrip(t *testing.T) {
	want := time.Unix(1_700_000_000, 0).UTC()
	buf := buffer.New(nil)
	writeTimestamp(buf, want)
	r := buffer.New(buf.Bytes())
	got, err := readTimestamp(r)
	require.NoError(t, err)
	require.True(t, want.Equal(got))
}

func TestFieldValueRoundTripAllTags(t *testing.T) {
	cases := []interface{}{
		true,
		false,
		int8(-12),
		byte(200),
		int16(-1000),
		uint16(1000),
		int32(-100000),
		uint32(100000),
		int64(-10000000000),
		uint64(10000000000),
		float32(3.25),
		float64(3.14159),
		Decimal{Scale: 3, Value: 42},
		"a short string",
		string(make([]byte, 300)),
		[]byte("raw bytes"),
		time.Unix(1_700_000_000, 0).UTC(),
		Table{"k": "v"},
		[]interface{}{"x", true},
		nil,
	}

	for _, tc := range cases {
		buf := buffer.New(nil)
		require.NoError(t, writeFieldValue(buf, tc), "%#v", tc)
		r := buffer.New(buf.Bytes())
		got, err := readFieldValue(r)
		require.NoError(t, err, "%#v", tc)
		if diff := cmp.Diff(tc, got); diff != "" {
			t.Fatalf("round trip mismatch for %#v (-want +got):\n%s", tc, diff)
		}
	}
}

func TestFieldTableNestedRoundTrip(t *testing.T) {
	want := Table{
		"str":   "value",
		"num":   uint32(42),
		"flag":  true,
		"inner": Table{"nested": "yes"},
	}
	buf := buffer.New(nil)
	require.NoError(t, writeFieldTable(buf, want))
	r := buffer.New(buf.Bytes())
	got, err := readFieldTable(r)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFieldArrayRoundTrip(t *testing.T) {
	want := []interface{}{"one", uint32(2), true}
	buf := buffer.New(nil)
	require.NoError(t, writeFieldArray(buf, want))
	r := buffer.New(buf.Bytes())
	got, err := readFieldArray(r)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestReadFieldValueRejectsUnknownTag(t *testing.T) {
	r := buffer.New([]byte{'?'})
	_, err := readFieldValue(r)
	require.Error(t, err)
}

func TestShortStrRejectsOverLongInput(t *testing.T) {
	buf := buffer.New(nil)
	err := writeShortStr(buf, string(make([]byte, 256)))
	require.Error(t, err)
}
