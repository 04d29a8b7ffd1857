package amqp

import (
	"time"

	"github.com/pkg/errors"

	"github.com/kehrazy/amqp091/internal/buffer"
)

// ArgKind identifies the wire type of one method argument or content
// property, driving both its parse and its bit-grouping behavior.
type ArgKind int

const (
	KindBit ArgKind = iota
	KindOctet
	KindShort    // unsigned short (uint16)
	KindLong     // unsigned long (uint32)
	KindLongLong // unsigned long-long (uint64)
	KindShortStr
	KindLongStr
	KindTable
	KindTimestamp
)

// ArgSpec names and types one positional argument of a method, or one
// property of a content-header property list.
type ArgSpec struct {
	Name string
	Kind ArgKind
}

// MethodDescriptor is the catalog entry for one method: its numeric id,
// its argument schema in wire order, and the name of the method that
// answers it synchronously, if any.
type MethodDescriptor struct {
	ClassID  uint16
	ID       uint16
	Name     string
	Args     []ArgSpec
	Response string // method name within the same class, or "" if none
}

// ClassDescriptor is the catalog entry for one class: its numeric id and
// its methods, indexed by method id.
type ClassDescriptor struct {
	ID      uint16
	Name    string
	Methods map[uint16]*MethodDescriptor
	byName  map[string]*MethodDescriptor
}

// Args is the decoded argument list of a method, keyed by argument name.
// Values are the Go types readArg produces: bool, byte, uint16, uint32,
// uint64, string, Table, and time.Time for timestamps.
type Args map[string]interface{}

const (
	classConnection uint16 = 10
	classChannel    uint16 = 20
)

var classCatalog = map[uint16]*ClassDescriptor{}

func registerClass(id uint16, name string) *ClassDescriptor {
	c := &ClassDescriptor{
		ID:      id,
		Name:    name,
		Methods: make(map[uint16]*MethodDescriptor),
		byName:  make(map[string]*MethodDescriptor),
	}
	classCatalog[id] = c
	return c
}

func (c *ClassDescriptor) register(id uint16, name, response string, args ...ArgSpec) {
	m := &MethodDescriptor{ClassID: c.ID, ID: id, Name: name, Args: args, Response: response}
	c.Methods[id] = m
	c.byName[name] = m
}

func init() {
	conn := registerClass(classConnection, "connection")
	conn.register(10, "start", "start-ok",
		ArgSpec{"version-major", KindOctet},
		ArgSpec{"version-minor", KindOctet},
		ArgSpec{"server-properties", KindTable},
		ArgSpec{"mechanisms", KindLongStr},
		ArgSpec{"locales", KindLongStr},
	)
	conn.register(11, "start-ok", "",
		ArgSpec{"client-properties", KindTable},
		ArgSpec{"mechanism", KindShortStr},
		ArgSpec{"response", KindLongStr},
		ArgSpec{"locale", KindShortStr},
	)
	conn.register(20, "secure", "secure-ok",
		ArgSpec{"challenge", KindLongStr},
	)
	conn.register(21, "secure-ok", "",
		ArgSpec{"response", KindLongStr},
	)
	conn.register(30, "tune", "tune-ok",
		ArgSpec{"channel-max", KindShort},
		ArgSpec{"frame-max", KindLong},
		ArgSpec{"heartbeat", KindShort},
	)
	conn.register(31, "tune-ok", "",
		ArgSpec{"channel-max", KindShort},
		ArgSpec{"frame-max", KindLong},
		ArgSpec{"heartbeat", KindShort},
	)
	conn.register(40, "open", "open-ok",
		ArgSpec{"virtual-host", KindShortStr},
		ArgSpec{"reserved-1", KindShortStr},
		ArgSpec{"reserved-2", KindBit},
	)
	conn.register(41, "open-ok", "",
		ArgSpec{"reserved-1", KindShortStr},
	)
	conn.register(50, "close", "close-ok",
		ArgSpec{"reply-code", KindShort},
		ArgSpec{"reply-text", KindShortStr},
		ArgSpec{"class-id", KindShort},
		ArgSpec{"method-id", KindShort},
	)
	conn.register(51, "close-ok", "")
	conn.register(60, "blocked", "",
		ArgSpec{"reason", KindShortStr},
	)
	conn.register(61, "unblocked", "")

	ch := registerClass(classChannel, "channel")
	ch.register(10, "open", "open-ok",
		ArgSpec{"reserved-1", KindShortStr},
	)
	ch.register(11, "open-ok", "",
		ArgSpec{"reserved-1", KindLongStr},
	)
	ch.register(20, "flow", "flow-ok",
		ArgSpec{"active", KindBit},
	)
	ch.register(21, "flow-ok", "",
		ArgSpec{"active", KindBit},
	)
	ch.register(40, "close", "close-ok",
		ArgSpec{"reply-code", KindShort},
		ArgSpec{"reply-text", KindShortStr},
		ArgSpec{"class-id", KindShort},
		ArgSpec{"method-id", KindShort},
	)
	ch.register(41, "close-ok", "")
}

// lookupMethod resolves a (classId, methodId) pair to its descriptor.
func lookupMethod(classID, methodID uint16) (*MethodDescriptor, error) {
	class, ok := classCatalog[classID]
	if !ok {
		return nil, errProtocolf("unknown class id %d", classID)
	}
	m, ok := class.Methods[methodID]
	if !ok {
		return nil, errProtocolf("unknown method id %d in class %q", methodID, class.Name)
	}
	return m, nil
}

// lookupMethodByName resolves a (className, methodName) pair, used when
// constructing an outbound method from code rather than from the wire.
func lookupMethodByName(className, methodName string) (*MethodDescriptor, error) {
	for _, c := range classCatalog {
		if c.Name != className {
			continue
		}
		m, ok := c.byName[methodName]
		if !ok {
			return nil, errProtocolf("unknown method %q in class %q", methodName, className)
		}
		return m, nil
	}
	return nil, errProtocolf("unknown class %q", className)
}

// readArg reads one argument value per spec.Kind, using br for bit
// packing. Non-bit kinds flush any in-progress bit group first.
func readArg(buf *buffer.Buffer, br *bitReader, spec ArgSpec) (interface{}, error) {
	if spec.Kind != KindBit {
		br.Reset()
	}
	switch spec.Kind {
	case KindBit:
		return br.ReadBit()
	case KindOctet:
		return readOctet(buf)
	case KindShort:
		return readShortUint(buf)
	case KindLong:
		return readLongUint(buf)
	case KindLongLong:
		return readLongLongUint(buf)
	case KindShortStr:
		return readShortStr(buf)
	case KindLongStr:
		return readLongStr(buf)
	case KindTable:
		return readFieldTable(buf)
	case KindTimestamp:
		return readTimestamp(buf)
	default:
		return nil, errProtocolf("unhandled argument kind %v", spec.Kind)
	}
}

// writeArg writes one argument value per spec.Kind, using bw for bit
// packing. Non-bit kinds flush any in-progress bit group first.
func writeArg(buf *buffer.Buffer, bw *bitWriter, spec ArgSpec, v interface{}) error {
	if spec.Kind != KindBit {
		bw.Flush()
	}
	switch spec.Kind {
	case KindBit:
		b, _ := v.(bool)
		bw.WriteBit(b)
		return nil
	case KindOctet:
		b, _ := v.(byte)
		writeOctet(buf, b)
		return nil
	case KindShort:
		n, _ := v.(uint16)
		writeShortUint(buf, n)
		return nil
	case KindLong:
		n, _ := v.(uint32)
		writeLongUint(buf, n)
		return nil
	case KindLongLong:
		n, _ := v.(uint64)
		writeLongLongUint(buf, n)
		return nil
	case KindShortStr:
		s, _ := v.(string)
		return writeShortStr(buf, s)
	case KindLongStr:
		s, _ := v.(string)
		writeLongStr(buf, s)
		return nil
	case KindTable:
		t, _ := v.(Table)
		return writeFieldTable(buf, t)
	case KindTimestamp:
		ts, _ := v.(time.Time)
		writeTimestamp(buf, ts)
		return nil
	default:
		return errProtocolf("unhandled argument kind %v", spec.Kind)
	}
}

// parseMethodArgs decodes buf's remaining bytes as m's argument list.
func parseMethodArgs(m *MethodDescriptor, buf *buffer.Buffer) (Args, error) {
	args := make(Args, len(m.Args))
	br := newBitReader(buf)
	for _, spec := range m.Args {
		v, err := readArg(buf, br, spec)
		if err != nil {
			return nil, errors.Wrapf(err, "%s.%s: argument %q", classCatalog[m.ClassID].Name, m.Name, spec.Name)
		}
		args[spec.Name] = v
	}
	return args, nil
}

// buildMethodArgs encodes args into buf per m's argument schema.
func buildMethodArgs(m *MethodDescriptor, buf *buffer.Buffer, args Args) error {
	bw := newBitWriter(buf)
	for _, spec := range m.Args {
		if err := writeArg(buf, bw, spec, args[spec.Name]); err != nil {
			return errors.Wrapf(err, "%s.%s: argument %q", classCatalog[m.ClassID].Name, m.Name, spec.Name)
		}
	}
	bw.Flush()
	return nil
}
