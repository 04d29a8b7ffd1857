package amqp

import (
	"io"

	"github.com/pkg/errors"

	"github.com/kehrazy/amqp091/internal/buffer"
)

// Frame types, per the generic frame envelope.
const (
	frameMethod    byte = 1
	frameHeader    byte = 2
	frameBody      byte = 3
	frameHeartbeat byte = 8
)

const frameEnd byte = 0xCE

// frameHeaderSize is the length of the type+channel+size prefix that
// precedes every frame's payload.
const frameHeaderSize = 1 + 2 + 4

// Frame is the generic AMQP envelope: a type, the channel it belongs to
// (0 for connection-level frames), and an opaque payload.
type Frame struct {
	Type    byte
	Channel uint16
	Payload []byte
}

// ReadFrame reads one complete frame from r, validating the frame-end
// octet. It never returns a partially-read Frame: an error means no
// usable frame was decoded.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errors.Wrap(err, "read frame header")
	}
	head := buffer.New(hdr[:])
	typ, _ := head.ReadByte()
	channel, _ := head.ReadUint16()
	size, _ := head.ReadUint32()

	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, errors.Wrap(err, "read frame payload")
		}
	}

	var end [1]byte
	if _, err := io.ReadFull(r, end[:]); err != nil {
		return nil, errors.Wrap(err, "read frame-end")
	}
	if end[0] != frameEnd {
		return nil, errProtocolf("malformed frame: expected frame-end 0x%02x, got 0x%02x", frameEnd, end[0])
	}

	return &Frame{Type: typ, Channel: channel, Payload: payload}, nil
}

// WriteFrame serializes f to w as a single Write, so a concurrent writer
// on the same connection can never interleave a partial frame.
func WriteFrame(w io.Writer, f *Frame) error {
	buf := buffer.New(make([]byte, 0, frameHeaderSize+len(f.Payload)+1))
	buf.AppendByte(f.Type)
	buf.AppendUint16(f.Channel)
	buf.AppendUint32(uint32(len(f.Payload)))
	buf.Append(f.Payload)
	buf.AppendByte(frameEnd)
	_, err := w.Write(buf.Bytes())
	return errors.Wrap(err, "write frame")
}

// MethodFrame is a decoded method-class frame: a method invocation or
// its response, addressed to Channel (0 for connection.* methods).
type MethodFrame struct {
	Channel  uint16
	ClassID  uint16
	MethodID uint16
	Args     Args
}

func (m *MethodFrame) descriptor() (*MethodDescriptor, error) {
	return lookupMethod(m.ClassID, m.MethodID)
}

// toFrame encodes m into its generic Frame form.
func (m *MethodFrame) toFrame() (*Frame, error) {
	desc, err := m.descriptor()
	if err != nil {
		return nil, err
	}
	buf := buffer.New(nil)
	buf.AppendUint16(m.ClassID)
	buf.AppendUint16(m.MethodID)
	if err := buildMethodArgs(desc, buf, m.Args); err != nil {
		return nil, err
	}
	return &Frame{Type: frameMethod, Channel: m.Channel, Payload: buf.Detach()}, nil
}

// parseMethodFrame decodes f's payload as a method invocation.
func parseMethodFrame(f *Frame) (*MethodFrame, error) {
	buf := buffer.New(f.Payload)
	classID, err := readShortUint(buf)
	if err != nil {
		return nil, errors.Wrap(err, "method frame: class id")
	}
	methodID, err := readShortUint(buf)
	if err != nil {
		return nil, errors.Wrap(err, "method frame: method id")
	}
	desc, err := lookupMethod(classID, methodID)
	if err != nil {
		return nil, err
	}
	args, err := parseMethodArgs(desc, buf)
	if err != nil {
		return nil, err
	}
	return &MethodFrame{Channel: f.Channel, ClassID: classID, MethodID: methodID, Args: args}, nil
}

// basicProperties is the fixed, ordered content-property list carried by
// header frames. It matches the property list peers expect regardless of
// which higher-level class the content belongs to, since header-frame
// framing (in scope) is independent of the basic-class verbs that
// produce the content (out of scope).
var basicProperties = []ArgSpec{
	{"content-type", KindShortStr},
	{"content-encoding", KindShortStr},
	{"headers", KindTable},
	{"delivery-mode", KindOctet},
	{"priority", KindOctet},
	{"correlation-id", KindShortStr},
	{"reply-to", KindShortStr},
	{"expiration", KindShortStr},
	{"message-id", KindShortStr},
	{"timestamp", KindTimestamp},
	{"type", KindShortStr},
	{"user-id", KindShortStr},
	{"app-id", KindShortStr},
	{"reserved", KindShortStr},
}

// HeaderFrame carries a message's total body size and content properties
// ahead of the Body frames that follow it.
type HeaderFrame struct {
	Channel    uint16
	ClassID    uint16
	BodySize   uint64
	Properties Args
}

func (h *HeaderFrame) toFrame() (*Frame, error) {
	buf := buffer.New(nil)
	buf.AppendUint16(h.ClassID)
	buf.AppendUint16(0) // weight, always zero
	buf.AppendUint64(h.BodySize)

	var flags uint16
	for i, spec := range basicProperties {
		if _, present := h.Properties[spec.Name]; present {
			flags |= 1 << uint(15-i)
		}
	}
	buf.AppendUint16(flags)

	for i, spec := range basicProperties {
		v, present := h.Properties[spec.Name]
		if !present {
			continue
		}
		bw := newBitWriter(buf) // properties never pack bits; kept for writeArg's signature
		if err := writeArg(buf, bw, spec, v); err != nil {
			return nil, errors.Wrapf(err, "header frame: property %q", basicProperties[i].Name)
		}
	}
	return &Frame{Type: frameHeader, Channel: h.Channel, Payload: buf.Detach()}, nil
}

func parseHeaderFrame(f *Frame) (*HeaderFrame, error) {
	buf := buffer.New(f.Payload)
	classID, err := readShortUint(buf)
	if err != nil {
		return nil, errors.Wrap(err, "header frame: class id")
	}
	if _, err := readShortUint(buf); err != nil { // weight
		return nil, errors.Wrap(err, "header frame: weight")
	}
	bodySize, err := readLongLongUint(buf)
	if err != nil {
		return nil, errors.Wrap(err, "header frame: body size")
	}
	flags, err := readShortUint(buf)
	if err != nil {
		return nil, errors.Wrap(err, "header frame: property flags")
	}

	props := make(Args)
	br := newBitReader(buf)
	for i, spec := range basicProperties {
		if flags&(1<<uint(15-i)) == 0 {
			continue
		}
		v, err := readArg(buf, br, spec)
		if err != nil {
			return nil, errors.Wrapf(err, "header frame: property %q", spec.Name)
		}
		props[spec.Name] = v
	}
	return &HeaderFrame{Channel: f.Channel, ClassID: classID, BodySize: bodySize, Properties: props}, nil
}

// BodyFrame carries a contiguous slice of a message's body.
type BodyFrame struct {
	Channel uint16
	Payload []byte
}

func (b *BodyFrame) toFrame() (*Frame, error) {
	return &Frame{Type: frameBody, Channel: b.Channel, Payload: b.Payload}, nil
}

func parseBodyFrame(f *Frame) (*BodyFrame, error) {
	return &BodyFrame{Channel: f.Channel, Payload: f.Payload}, nil
}

// HeartbeatFrame keeps the connection alive when no other traffic flows.
// It is always on channel 0 and carries no payload.
type HeartbeatFrame struct{}

func (HeartbeatFrame) toFrame() (*Frame, error) {
	return &Frame{Type: frameHeartbeat, Channel: 0}, nil
}
