package amqp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	f := &Frame{Type: frameMethod, Channel: 7, Payload: []byte{1, 2, 3, 4}}
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, f.Type, got.Type)
	require.Equal(t, f.Channel, got.Channel)
	require.Equal(t, f.Payload, got.Payload)
}

func TestReadFrameRejectsBadFrameEnd(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{Type: frameHeartbeat, Channel: 0}))
	raw := buf.Bytes()
	raw[len(raw)-1] = 0x00 // corrupt the frame-end octet

	_, err := ReadFrame(bytes.NewReader(raw))
	require.Error(t, err)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestMethodFrameRoundTrip(t *testing.T) {
	mf := &MethodFrame{
		Channel:  0,
		ClassID:  classConnection,
		MethodID: 50, // close
		Args: Args{
			"reply-code": uint16(200),
			"reply-text": "ok",
			"class-id":   uint16(0),
			"method-id":  uint16(0),
		},
	}
	f, err := mf.toFrame()
	require.NoError(t, err)
	require.Equal(t, frameMethod, f.Type)

	got, err := parseMethodFrame(f)
	require.NoError(t, err)
	require.Equal(t, mf.ClassID, got.ClassID)
	require.Equal(t, mf.MethodID, got.MethodID)
	require.Equal(t, mf.Args, got.Args)
}

func TestHeaderFrameRoundTrip(t *testing.T) {
	hf := &HeaderFrame{
		Channel:  3,
		ClassID:  60, // basic, for content framing purposes only
		BodySize: 1024,
		Properties: Args{
			"content-type":  "text/plain",
			"delivery-mode": byte(2),
			"headers":       Table{"x-custom": "value"},
		},
	}
	f, err := hf.toFrame()
	require.NoError(t, err)
	require.Equal(t, frameHeader, f.Type)

	got, err := parseHeaderFrame(f)
	require.NoError(t, err)
	require.Equal(t, hf.BodySize, got.BodySize)
	require.Equal(t, hf.Properties, got.Properties)
}

func TestBodyFrameRoundTrip(t *testing.T) {
	bf := &BodyFrame{Channel: 3, Payload: []byte("hello world")}
	f, err := bf.toFrame()
	require.NoError(t, err)
	require.Equal(t, frameBody, f.Type)

	got, err := parseBodyFrame(f)
	require.NoError(t, err)
	require.Equal(t, bf.Payload, got.Payload)
}

func TestParseMethodFrameRejectsUnknownClassOrMethod(t *testing.T) {
	f := &Frame{Type: frameMethod, Channel: 0, Payload: []byte{0xFF, 0xFF, 0x00, 0x01}}
	_, err := parseMethodFrame(f)
	require.Error(t, err)
}
