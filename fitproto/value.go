package fitproto

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	// ValueNA marks a field that is present but carries its invalid sentinel.
	ValueNA ValueKind = iota + 1
	ValueScalar
	ValueSequence
	ValueText
	ValueBytes
)

func (k ValueKind) String() string {
	switch k {
	case ValueNA:
		return "na"
	case ValueScalar:
		return "scalar"
	case ValueSequence:
		return "sequence"
	case ValueText:
		return "text"
	case ValueBytes:
		return "bytes"
	default:
		return fmt.Sprintf("value_kind_%d", uint8(k))
	}
}

// Value is a decoded field. Scalars keep their raw bit pattern so that floats
// and signed integers round-trip exactly; sequence elements are scalars or NA.
type Value struct {
	Kind  ValueKind
	Type  BaseType
	Bits  uint64
	Elems []Value
	Text  string
	Raw   []byte
}

func NA() Value { return Value{Kind: ValueNA} }

// Scalar wraps a raw element bit pattern of base type t.
func Scalar(t BaseType, bits uint64) Value {
	if w := t.Size(); w < 8 {
		bits &= 1<<(8*w) - 1
	}
	return Value{Kind: ValueScalar, Type: t, Bits: bits}
}

func Uint(t BaseType, v uint64) Value { return Scalar(t, v) }
func Int(t BaseType, v int64) Value   { return Scalar(t, uint64(v)) }

func Float(t BaseType, f float64) Value {
	if t == BaseFloat32 {
		return Scalar(t, uint64(math.Float32bits(float32(f))))
	}
	return Scalar(t, math.Float64bits(f))
}

func Text(s string) Value  { return Value{Kind: ValueText, Type: BaseString, Text: s} }
func Bytes(b []byte) Value { return Value{Kind: ValueBytes, Type: BaseByte, Raw: b} }

// Sequence builds an array value of base type t; elements may be NA.
func Sequence(t BaseType, vs ...Value) Value {
	return Value{Kind: ValueSequence, Type: t, Elems: vs}
}

func (v Value) IsNA() bool { return v.Kind == ValueNA }

// Uint returns the scalar zero-extended.
func (v Value) Uint() uint64 { return v.Bits }

// Int returns the scalar sign-extended from its base type width.
func (v Value) Int() int64 {
	switch v.Type.Size() {
	case 1:
		return int64(int8(v.Bits))
	case 2:
		return int64(int16(v.Bits))
	case 4:
		return int64(int32(v.Bits))
	default:
		return int64(v.Bits)
	}
}

func (v Value) Float() float64 {
	if v.Type == BaseFloat32 {
		return float64(math.Float32frombits(uint32(v.Bits)))
	}
	return math.Float64frombits(v.Bits)
}

// Interface converts v into plain Go values: nil for NA, a typed number for
// scalars, []any for sequences, string for text and []byte for bytes.
func (v Value) Interface() any {
	switch v.Kind {
	case ValueScalar:
		switch v.Type {
		case BaseSint8:
			return int8(v.Bits)
		case BaseSint16:
			return int16(v.Bits)
		case BaseSint32:
			return int32(v.Bits)
		case BaseSint64:
			return int64(v.Bits)
		case BaseFloat32:
			return math.Float32frombits(uint32(v.Bits))
		case BaseFloat64:
			return math.Float64frombits(v.Bits)
		case BaseUint16, BaseUint16z:
			return uint16(v.Bits)
		case BaseUint32, BaseUint32z:
			return uint32(v.Bits)
		case BaseUint64, BaseUint64z:
			return v.Bits
		default:
			return uint8(v.Bits)
		}
	case ValueSequence:
		out := make([]any, len(v.Elems))
		for i, e := range v.Elems {
			out[i] = e.Interface()
		}
		return out
	case ValueText:
		return v.Text
	case ValueBytes:
		return v.Raw
	default:
		return nil
	}
}

func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case ValueNA:
		return true
	case ValueScalar:
		return v.Type == o.Type && v.Bits == o.Bits
	case ValueSequence:
		if v.Type != o.Type || len(v.Elems) != len(o.Elems) {
			return false
		}
		for i := range v.Elems {
			if !v.Elems[i].Equal(o.Elems[i]) {
				return false
			}
		}
		return true
	case ValueText:
		return v.Text == o.Text
	case ValueBytes:
		return bytes.Equal(v.Raw, o.Raw)
	}
	return false
}

func (v Value) String() string {
	switch v.Kind {
	case ValueNA:
		return "na"
	case ValueScalar:
		return fmt.Sprint(v.Interface())
	case ValueSequence:
		parts := make([]string, len(v.Elems))
		for i, e := range v.Elems {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	case ValueText:
		return fmt.Sprintf("%q", v.Text)
	case ValueBytes:
		return "0x" + hex.EncodeToString(v.Raw)
	default:
		return "<absent>"
	}
}
