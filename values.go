package amqp

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/kehrazy/amqp091/internal/buffer"
)

// Decimal is the AMQP decimal-value type: a fixed-point number carried as
// an unscaled 32-bit integer plus a power-of-ten scale.
type Decimal struct {
	Scale uint8
	Value uint32
}

// Table is an AMQP field-table: an unordered bag of named, typed values.
// Re-encoding a decoded Table is only required to produce the same set of
// pairs, not the same byte order, since map iteration order is undefined.
type Table map[string]interface{}

// errInvalidFieldTag reports an unrecognized field-value type tag.
func errInvalidFieldTag(tag byte) error {
	return errProtocol(fmt.Sprintf("unknown field-value type tag %q (0x%02x)", tag, tag))
}

// --- fixed-width primitives ---

func readOctet(r *buffer.Buffer) (byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, errors.Wrap(err, "read octet")
	}
	return b, nil
}

func writeOctet(w *buffer.Buffer, v byte) {
	w.AppendByte(v)
}

func readShortUint(r *buffer.Buffer) (uint16, error) {
	v, err := r.ReadUint16()
	if err != nil {
		return 0, errors.Wrap(err, "read short-uint")
	}
	return v, nil
}

func writeShortUint(w *buffer.Buffer, v uint16) {
	w.AppendUint16(v)
}

func readShortInt(r *buffer.Buffer) (int16, error) {
	v, err := readShortUint(r)
	return int16(v), err
}

func writeShortInt(w *buffer.Buffer, v int16) {
	writeShortUint(w, uint16(v))
}

func readLongUint(r *buffer.Buffer) (uint32, error) {
	v, err := r.ReadUint32()
	if err != nil {
		return 0, errors.Wrap(err, "read long-uint")
	}
	return v, nil
}

func writeLongUint(w *buffer.Buffer, v uint32) {
	w.AppendUint32(v)
}

func readLongInt(r *buffer.Buffer) (int32, error) {
	v, err := readLongUint(r)
	return int32(v), err
}

func writeLongInt(w *buffer.Buffer, v int32) {
	writeLongUint(w, uint32(v))
}

func readLongLongUint(r *buffer.Buffer) (uint64, error) {
	v, err := r.ReadUint64()
	if err != nil {
		return 0, errors.Wrap(err, "read longlong-uint")
	}
	return v, nil
}

func writeLongLongUint(w *buffer.Buffer, v uint64) {
	w.AppendUint64(v)
}

func readLongLongInt(r *buffer.Buffer) (int64, error) {
	v, err := readLongLongUint(r)
	return int64(v), err
}

func writeLongLongInt(w *buffer.Buffer, v int64) {
	writeLongLongUint(w, uint64(v))
}

func readFloat32(r *buffer.Buffer) (float32, error) {
	v, err := readLongUint(r)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func writeFloat32(w *buffer.Buffer, v float32) {
	writeLongUint(w, math.Float32bits(v))
}

func readFloat64(r *buffer.Buffer) (float64, error) {
	v, err := readLongLongUint(r)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func writeFloat64(w *buffer.Buffer, v float64) {
	writeLongLongUint(w, math.Float64bits(v))
}

func readTimestamp(r *buffer.Buffer) (time.Time, error) {
	secs, err := readLongLongUint(r)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(secs), 0).UTC(), nil
}

func writeTimestamp(w *buffer.Buffer, t time.Time) {
	writeLongLongUint(w, uint64(t.Unix()))
}

func readDecimal(r *buffer.Buffer) (Decimal, error) {
	scale, err := readOctet(r)
	if err != nil {
		return Decimal{}, err
	}
	value, err := readLongUint(r)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{Scale: scale, Value: value}, nil
}

func writeDecimal(w *buffer.Buffer, d Decimal) {
	writeOctet(w, d.Scale)
	writeLongUint(w, d.Value)
}

// --- strings ---

const maxShortStrLen = 255

func readShortStr(r *buffer.Buffer) (string, error) {
	n, err := readOctet(r)
	if err != nil {
		return "", err
	}
	buf, ok := r.Next(int64(n))
	if !ok {
		return "", errProtocol("short-string: declared length exceeds remaining frame")
	}
	return string(buf), nil
}

func writeShortStr(w *buffer.Buffer, s string) error {
	if len(s) > maxShortStrLen {
		return errProtocol(fmt.Sprintf("short-string %q exceeds %d bytes", s, maxShortStrLen))
	}
	writeOctet(w, byte(len(s)))
	w.AppendString(s)
	return nil
}

func readLongStr(r *buffer.Buffer) (string, error) {
	n, err := readLongUint(r)
	if err != nil {
		return "", err
	}
	buf, ok := r.Next(int64(n))
	if !ok {
		return "", errProtocol("long-string: declared length exceeds remaining frame")
	}
	return string(buf), nil
}

func writeLongStr(w *buffer.Buffer, s string) {
	writeLongUint(w, uint32(len(s)))
	w.AppendString(s)
}

// --- field values, tables, arrays ---

// Field-value type tag alphabet, per the AMQP 0-9-1 table-value grammar.
const (
	tagBool       = 't'
	tagShortShort = 'b' // signed byte
	tagUShort     = 'B' // unsigned byte (non-standard but widely emitted, kept for round-trip of peers that send it)
	tagShort      = 'U'
	tagUShortInt  = 'u'
	tagLong       = 'I'
	tagULong      = 'i'
	tagLongLong   = 'L'
	tagULongLong  = 'l'
	tagFloat      = 'f'
	tagDouble     = 'd'
	tagDecimal    = 'D'
	tagShortStr   = 's'
	tagLongStr    = 'S'
	tagByteArray  = 'x'
	tagArray      = 'A'
	tagTimestamp  = 'T'
	tagTable      = 'F'
	tagVoid       = 'V'
)

func readFieldValue(r *buffer.Buffer) (interface{}, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "read field-value tag")
	}

	switch tag {
	case tagBool:
		b, err := readOctet(r)
		return b != 0, err
	case tagShortShort:
		b, err := readOctet(r)
		return int8(b), err
	case tagUShort:
		b, err := readOctet(r)
		return b, err
	case tagShort:
		return readShortInt(r)
	case tagUShortInt:
		return readShortUint(r)
	case tagLong:
		return readLongInt(r)
	case tagULong:
		return readLongUint(r)
	case tagLongLong:
		return readLongLongInt(r)
	case tagULongLong:
		return readLongLongUint(r)
	case tagFloat:
		return readFloat32(r)
	case tagDouble:
		return readFloat64(r)
	case tagDecimal:
		return readDecimal(r)
	case tagShortStr:
		return readShortStr(r)
	case tagLongStr, tagByteArray:
		s, err := readLongStr(r)
		if tag == tagByteArray {
			return []byte(s), err
		}
		return s, err
	case tagArray:
		return readFieldArray(r)
	case tagTimestamp:
		return readTimestamp(r)
	case tagTable:
		return readFieldTable(r)
	case tagVoid:
		return nil, nil
	default:
		return nil, errInvalidFieldTag(tag)
	}
}

// writeFieldValue writes v tagged with its AMQP field-value type. The
// supported Go types are the ones readFieldValue can itself produce, plus
// the common integer/string widths callers are likely to hand in.
func writeFieldValue(w *buffer.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		w.AppendByte(tagVoid)
	case bool:
		w.AppendByte(tagBool)
		if t {
			writeOctet(w, 1)
		} else {
			writeOctet(w, 0)
		}
	case int8:
		w.AppendByte(tagShortShort)
		writeOctet(w, byte(t))
	case byte:
		w.AppendByte(tagUShort)
		writeOctet(w, t)
	case int16:
		w.AppendByte(tagShort)
		writeShortInt(w, t)
	case uint16:
		w.AppendByte(tagUShortInt)
		writeShortUint(w, t)
	case int32:
		w.AppendByte(tagLong)
		writeLongInt(w, t)
	case int:
		w.AppendByte(tagLong)
		writeLongInt(w, int32(t))
	case uint32:
		w.AppendByte(tagULong)
		writeLongUint(w, t)
	case int64:
		w.AppendByte(tagLongLong)
		writeLongLongInt(w, t)
	case uint64:
		w.AppendByte(tagULongLong)
		writeLongLongUint(w, t)
	case float32:
		w.AppendByte(tagFloat)
		writeFloat32(w, t)
	case float64:
		w.AppendByte(tagDouble)
		writeFloat64(w, t)
	case Decimal:
		w.AppendByte(tagDecimal)
		writeDecimal(w, t)
	case string:
		// Short strings round-trip as 's'; longer values are promoted to
		// long-string so writers never have to reject an over-long field.
		if len(t) <= maxShortStrLen {
			w.AppendByte(tagShortStr)
			return writeShortStr(w, t)
		}
		w.AppendByte(tagLongStr)
		writeLongStr(w, t)
	case []byte:
		w.AppendByte(tagByteArray)
		writeLongStr(w, string(t))
	case time.Time:
		w.AppendByte(tagTimestamp)
		writeTimestamp(w, t)
	case Table:
		w.AppendByte(tagTable)
		return writeFieldTable(w, t)
	case []interface{}:
		w.AppendByte(tagArray)
		return writeFieldArray(w, t)
	default:
		return errProtocol(fmt.Sprintf("cannot encode field-value of type %T", v))
	}
	return nil
}

// readFieldTable reads a four-octet byte length followed by exactly that
// many bytes' worth of (name, value) pairs.
func readFieldTable(r *buffer.Buffer) (Table, error) {
	n, err := readLongUint(r)
	if err != nil {
		return nil, err
	}
	raw, ok := r.Next(int64(n))
	if !ok {
		return nil, errProtocol("field-table: declared length exceeds remaining frame")
	}

	view := buffer.New(append([]byte(nil), raw...))
	table := make(Table)
	for view.Len() > 0 {
		name, err := readShortStr(view)
		if err != nil {
			return nil, errors.Wrap(err, "field-table: name")
		}
		value, err := readFieldValue(view)
		if err != nil {
			return nil, errors.Wrapf(err, "field-table: value for %q", name)
		}
		table[name] = value
	}
	return table, nil
}

func writeFieldTable(w *buffer.Buffer, t Table) error {
	staging := buffer.New(nil)
	for name, value := range t {
		if err := writeShortStr(staging, name); err != nil {
			return errors.Wrapf(err, "field-table: name %q", name)
		}
		if err := writeFieldValue(staging, value); err != nil {
			return errors.Wrapf(err, "field-table: value for %q", name)
		}
	}
	body := staging.Detach()
	writeLongUint(w, uint32(len(body)))
	w.Append(body)
	return nil
}

// readFieldArray reads a four-octet byte length followed by exactly that
// many bytes' worth of field-values.
func readFieldArray(r *buffer.Buffer) ([]interface{}, error) {
	n, err := readLongUint(r)
	if err != nil {
		return nil, err
	}
	raw, ok := r.Next(int64(n))
	if !ok {
		return nil, errProtocol("field-array: declared length exceeds remaining frame")
	}

	view := buffer.New(append([]byte(nil), raw...))
	var arr []interface{}
	for view.Len() > 0 {
		v, err := readFieldValue(view)
		if err != nil {
			return nil, errors.Wrap(err, "field-array: element")
		}
		arr = append(arr, v)
	}
	return arr, nil
}

func writeFieldArray(w *buffer.Buffer, arr []interface{}) error {
	staging := buffer.New(nil)
	for i, v := range arr {
		if err := writeFieldValue(staging, v); err != nil {
			return errors.Wrapf(err, "field-array: element %d", i)
		}
	}
	body := staging.Detach()
	writeLongUint(w, uint32(len(body)))
	w.Append(body)
	return nil
}
