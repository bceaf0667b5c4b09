package protocol

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Payload fields use protobuf wire encoding with proto3 presence rules:
// zero values are omitted, so every value has exactly one encoding.

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

// field is one decoded tag/value pair.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	raw    []byte
}

var errWireType = errors.New("wrong wire type")

func (f field) str() (string, error) {
	if f.typ != protowire.BytesType {
		return "", fmt.Errorf("field %d: %w", f.num, errWireType)
	}
	return string(f.raw), nil
}

// bytes returns a copy so decoded messages never alias the frame buffer.
func (f field) bytes() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("field %d: %w", f.num, errWireType)
	}
	return append([]byte(nil), f.raw...), nil
}

func (f field) uint64() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, fmt.Errorf("field %d: %w", f.num, errWireType)
	}
	return f.varint, nil
}

func (f field) uint32() (uint32, error) {
	v, err := f.uint64()
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("field %d: value %d overflows uint32", f.num, v)
	}
	return uint32(v), nil
}

func (f field) uint8() (uint8, error) {
	v, err := f.uint64()
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint8 {
		return 0, fmt.Errorf("field %d: value %d overflows uint8", f.num, v)
	}
	return uint8(v), nil
}

func (f field) bool() (bool, error) {
	v, err := f.uint64()
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, fmt.Errorf("field %d: invalid bool %d", f.num, v)
	}
	return protowire.DecodeBool(v), nil
}

func unknownField(f field) error {
	return fmt.Errorf("unknown field %d", f.num)
}

// walk visits every field in b in order.
func walk(b []byte, visit func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.varint = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.raw = v
			b = b[n:]
		default:
			return fmt.Errorf("field %d: unsupported wire type %d", num, typ)
		}

		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}
