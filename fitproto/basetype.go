package fitproto

import "fmt"

// BaseType is the 5-bit primitive type ordinal of a field.
type BaseType uint8

const (
	BaseEnum BaseType = iota
	BaseSint8
	BaseUint8
	BaseSint16
	BaseUint16
	BaseSint32
	BaseUint32
	BaseString
	BaseFloat32
	BaseFloat64
	BaseUint8z
	BaseUint16z
	BaseUint32z
	BaseByte
	BaseSint64
	BaseUint64
	BaseUint64z
)

const (
	baseTypeEndianFlag   = 0x80
	baseTypeReservedMask = 0x60
	baseTypeNumMask      = 0x1F
)

type baseSpec struct {
	name     string
	size     int
	invalid  uint64
	signed   bool
	floating bool
}

var baseSpecs = [...]baseSpec{
	BaseEnum:    {name: "enum", size: 1, invalid: 0xFF},
	BaseSint8:   {name: "sint8", size: 1, invalid: 0x7F, signed: true},
	BaseUint8:   {name: "uint8", size: 1, invalid: 0xFF},
	BaseSint16:  {name: "sint16", size: 2, invalid: 0x7FFF, signed: true},
	BaseUint16:  {name: "uint16", size: 2, invalid: 0xFFFF},
	BaseSint32:  {name: "sint32", size: 4, invalid: 0x7FFFFFFF, signed: true},
	BaseUint32:  {name: "uint32", size: 4, invalid: 0xFFFFFFFF},
	BaseString:  {name: "string", size: 1},
	BaseFloat32: {name: "float32", size: 4, invalid: 0xFFFFFFFF, signed: true, floating: true},
	BaseFloat64: {name: "float64", size: 8, invalid: 0xFFFFFFFFFFFFFFFF, signed: true, floating: true},
	BaseUint8z:  {name: "uint8z", size: 1},
	BaseUint16z: {name: "uint16z", size: 2},
	BaseUint32z: {name: "uint32z", size: 4},
	BaseByte:    {name: "byte", size: 1, invalid: 0xFF},
	BaseSint64:  {name: "sint64", size: 8, invalid: 0x7FFFFFFFFFFFFFFF, signed: true},
	BaseUint64:  {name: "uint64", size: 8, invalid: 0xFFFFFFFFFFFFFFFF},
	BaseUint64z: {name: "uint64z", size: 8},
}

// Valid reports whether t is one of the 17 defined ordinals.
func (t BaseType) Valid() bool {
	return int(t) < len(baseSpecs)
}

func (t BaseType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("base_type_%d", uint8(t))
	}
	return baseSpecs[t].name
}

// Size is the width in bytes of one element.
func (t BaseType) Size() int {
	return baseSpecs[t].size
}

// Invalid is the element bit pattern that decodes to NA.
func (t BaseType) Invalid() uint64 {
	return baseSpecs[t].invalid
}

func (t BaseType) Signed() bool   { return baseSpecs[t].signed }
func (t BaseType) Floating() bool { return baseSpecs[t].floating }

// Byte encodes t as it appears in a field definition, with the endian
// ability flag set for multi-byte types.
func (t BaseType) Byte() byte {
	b := byte(t)
	if t.Size() > 1 {
		b |= baseTypeEndianFlag
	}
	return b
}

// ParseBaseType validates a field definition base type byte.
func ParseBaseType(b byte, offset int64) (BaseType, error) {
	t := BaseType(b & baseTypeNumMask)
	if !t.Valid() {
		return 0, Malformed(offset, KindBadBaseType, "unknown base type number %d in byte 0x%02X", uint8(t), b)
	}
	if reserved := (b & baseTypeReservedMask) >> 5; reserved != 0 {
		return 0, Malformed(offset, KindReservedBit, "expected field base type bits 5-6 (reserved) to be 0, got %d", reserved)
	}
	if t.Size() > 1 && b&baseTypeEndianFlag == 0 {
		return 0, Malformed(offset, KindEndianAbility, "expected field endian ability to be set for base type %s", t)
	}
	return t, nil
}
