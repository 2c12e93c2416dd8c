// Package graph is the storage engine's top layer: property codecs, the
// node and edge row format, adjacency and index maintenance, and the
// transaction pipeline that ties them to the pager's commit groups.
package graph

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Property codec errors.
var (
	ErrBadProps = errors.New("graph: malformed property encoding")
)

// Kind discriminates property values.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindDate
	KindDateTime
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindDate:
		return "date"
	case KindDateTime:
		return "datetime"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is one property value. Construct through the typed helpers; the
// zero Value is Null.
type Value struct {
	Kind  Kind
	B     bool
	I     int64 // Int; also days for Date and unix millis for DateTime
	F     float64
	S     string
	Bytes []byte
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// Bool wraps a boolean property.
func Bool(v bool) Value { return Value{Kind: KindBool, B: v} }

// Int wraps an integer property.
func Int(v int64) Value { return Value{Kind: KindInt, I: v} }

// Float wraps a float property.
func Float(v float64) Value { return Value{Kind: KindFloat, F: v} }

// String wraps a string property.
func String(v string) Value { return Value{Kind: KindString, S: v} }

// BytesValue wraps a binary property.
func BytesValue(v []byte) Value { return Value{Kind: KindBytes, Bytes: v} }

// Date wraps a calendar date as days since the unix epoch.
func Date(t time.Time) Value {
	days := t.UTC().Truncate(24*time.Hour).Unix() / 86400
	return Value{Kind: KindDate, I: days}
}

// DateTime wraps an instant with millisecond precision.
func DateTime(t time.Time) Value {
	return Value{Kind: KindDateTime, I: t.UnixMilli()}
}

// Time converts a Date or DateTime value back to time.Time in UTC.
func (v Value) Time() time.Time {
	if v.Kind == KindDate {
		return time.Unix(v.I*86400, 0).UTC()
	}
	return time.UnixMilli(v.I).UTC()
}

// Props is a node's or edge's property bag.
type Props map[string]Value

// encodedLen returns the exact size EncodeProps will produce.
func (p Props) encodedLen() int {
	n := 2
	for name, v := range p {
		n += 2 + len(name) + 1
		switch v.Kind {
		case KindNull:
		case KindBool:
			n++
		case KindInt, KindFloat, KindDateTime:
			n += 8
		case KindDate:
			n += 4
		case KindString:
			n += 4 + len(v.S)
		case KindBytes:
			n += 4 + len(v.Bytes)
		}
	}
	return n
}

// EncodeProps serializes the bag deterministically: entries sorted by
// name so identical bags always encode to identical bytes.
func EncodeProps(p Props) []byte {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]byte, 0, p.encodedLen())
	var scratch [8]byte
	binary.BigEndian.PutUint16(scratch[:2], uint16(len(names)))
	out = append(out, scratch[:2]...)

	for _, name := range names {
		v := p[name]
		binary.BigEndian.PutUint16(scratch[:2], uint16(len(name)))
		out = append(out, scratch[:2]...)
		out = append(out, name...)
		out = append(out, byte(v.Kind))

		switch v.Kind {
		case KindNull:
		case KindBool:
			if v.B {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
		case KindInt, KindDateTime:
			binary.BigEndian.PutUint64(scratch[:8], uint64(v.I))
			out = append(out, scratch[:8]...)
		case KindFloat:
			binary.BigEndian.PutUint64(scratch[:8], math.Float64bits(v.F))
			out = append(out, scratch[:8]...)
		case KindDate:
			binary.BigEndian.PutUint32(scratch[:4], uint32(int32(v.I)))
			out = append(out, scratch[:4]...)
		case KindString:
			binary.BigEndian.PutUint32(scratch[:4], uint32(len(v.S)))
			out = append(out, scratch[:4]...)
			out = append(out, v.S...)
		case KindBytes:
			binary.BigEndian.PutUint32(scratch[:4], uint32(len(v.Bytes)))
			out = append(out, scratch[:4]...)
			out = append(out, v.Bytes...)
		}
	}
	return out
}

// DecodeProps parses an encoded bag.
func DecodeProps(buf []byte) (Props, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadProps, len(buf))
	}
	count := int(binary.BigEndian.Uint16(buf[:2]))
	pos := 2
	out := make(Props, count)

	for i := 0; i < count; i++ {
		if pos+2 > len(buf) {
			return nil, fmt.Errorf("%w: truncated name length", ErrBadProps)
		}
		nameLen := int(binary.BigEndian.Uint16(buf[pos:]))
		pos += 2
		if pos+nameLen+1 > len(buf) {
			return nil, fmt.Errorf("%w: truncated name", ErrBadProps)
		}
		name := string(buf[pos : pos+nameLen])
		pos += nameLen
		kind := Kind(buf[pos])
		pos++

		var v Value
		switch kind {
		case KindNull:
			v = Null()
		case KindBool:
			if pos+1 > len(buf) {
				return nil, fmt.Errorf("%w: truncated bool", ErrBadProps)
			}
			v = Bool(buf[pos] != 0)
			pos++
		case KindInt, KindDateTime:
			if pos+8 > len(buf) {
				return nil, fmt.Errorf("%w: truncated %s", ErrBadProps, kind)
			}
			v = Value{Kind: kind, I: int64(binary.BigEndian.Uint64(buf[pos:]))}
			pos += 8
		case KindFloat:
			if pos+8 > len(buf) {
				return nil, fmt.Errorf("%w: truncated float", ErrBadProps)
			}
			v = Float(math.Float64frombits(binary.BigEndian.Uint64(buf[pos:])))
			pos += 8
		case KindDate:
			if pos+4 > len(buf) {
				return nil, fmt.Errorf("%w: truncated date", ErrBadProps)
			}
			v = Value{Kind: KindDate, I: int64(int32(binary.BigEndian.Uint32(buf[pos:])))}
			pos += 4
		case KindString:
			strLen, next, err := readLen(buf, pos)
			if err != nil {
				return nil, err
			}
			v = String(string(buf[next : next+strLen]))
			pos = next + strLen
		case KindBytes:
			byteLen, next, err := readLen(buf, pos)
			if err != nil {
				return nil, err
			}
			v = BytesValue(append([]byte(nil), buf[next:next+byteLen]...))
			pos = next + byteLen
		default:
			return nil, fmt.Errorf("%w: unknown kind 0x%02x", ErrBadProps, uint8(kind))
		}
		out[name] = v
	}
	return out, nil
}

func readLen(buf []byte, pos int) (int, int, error) {
	if pos+4 > len(buf) {
		return 0, 0, fmt.Errorf("%w: truncated length", ErrBadProps)
	}
	n := int(binary.BigEndian.Uint32(buf[pos:]))
	pos += 4
	if pos+n > len(buf) {
		return 0, 0, fmt.Errorf("%w: payload shorter than length", ErrBadProps)
	}
	return n, pos, nil
}
