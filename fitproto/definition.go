package fitproto

import (
	"fmt"
	"strings"

	"github.com/tormoder/fit"
)

// Well-known numbers of the FIT profile used by the decoder and checks.
const (
	FieldNumTimestamp uint8 = 253
	fieldNumInvalid   uint8 = 255

	MesgNumFileID           = uint16(fit.MesgNumFileId)
	MesgNumRecord           = uint16(fit.MesgNumRecord)
	MesgNumFieldDescription = uint16(fit.MesgNumFieldDescription)
)

// FieldDefinition declares one native field of a definition message.
type FieldDefinition struct {
	Num  uint8
	Size uint8
	Type BaseType
}

// Count is the number of base type elements the field holds.
func (f FieldDefinition) Count() int {
	return int(f.Size) / f.Type.Size()
}

// DeveloperFieldDefinition declares a developer field. Type is resolved from
// the field description registered for (DevIndex, Num).
type DeveloperFieldDefinition struct {
	Num      uint8
	Size     uint8
	DevIndex uint8
	Type     BaseType
}

func (f DeveloperFieldDefinition) Count() int {
	return int(f.Size) / f.Type.Size()
}

// DefinitionMessage is the layout a local message type currently maps to.
type DefinitionMessage struct {
	LocalType uint8
	GlobalNum uint16
	Arch      Arch
	Fields    []FieldDefinition
	DevFields []DeveloperFieldDefinition
}

func (*DefinitionMessage) isMessage() {}

// HasField reports whether the definition declares native field num.
func (d *DefinitionMessage) HasField(num uint8) bool {
	for _, f := range d.Fields {
		if f.Num == num {
			return true
		}
	}
	return false
}

// DataSize is the byte length of a data message body using this definition.
func (d *DefinitionMessage) DataSize() int {
	n := 0
	for _, f := range d.Fields {
		n += int(f.Size)
	}
	for _, f := range d.DevFields {
		n += int(f.Size)
	}
	return n
}

func (d *DefinitionMessage) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "definition local=%d global=%d arch=%s fields=(", d.LocalType, d.GlobalNum, d.Arch)
	for i, f := range d.Fields {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d:%s", f.Num, f.Type)
		if c := f.Count(); c != 1 {
			fmt.Fprintf(&sb, "[%d]", c)
		}
	}
	sb.WriteByte(')')
	if len(d.DevFields) > 0 {
		sb.WriteString(" developer_fields=(")
		for i, f := range d.DevFields {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "dev:%d:%d:%s", f.DevIndex, f.Num, f.Type)
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// DevFieldKey identifies a developer field description.
type DevFieldKey struct {
	DevIndex uint8
	Num      uint8
}

// Registry holds the per-session schema: the active definition of every local
// message type and the developer field types learned from field descriptions.
// It lives exactly as long as one Reader.
type Registry struct {
	definitions map[uint8]*DefinitionMessage
	devTypes    map[DevFieldKey]BaseType
}

func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[uint8]*DefinitionMessage),
		devTypes:    make(map[DevFieldKey]BaseType),
	}
}

// Define replaces whatever definition local type def.LocalType had.
func (r *Registry) Define(def *DefinitionMessage) {
	r.definitions[def.LocalType] = def
}

func (r *Registry) Definition(local uint8) (*DefinitionMessage, bool) {
	def, ok := r.definitions[local]
	return def, ok
}

// RegisterDeveloperType records a field description. Registering the same
// key twice is a malformed stream.
func (r *Registry) RegisterDeveloperType(key DevFieldKey, t BaseType, offset int64) error {
	if _, ok := r.devTypes[key]; ok {
		return Malformed(offset, KindDuplicateFieldDescription, "duplicate field description for developer %d field %d", key.DevIndex, key.Num)
	}
	r.devTypes[key] = t
	return nil
}

func (r *Registry) DeveloperType(key DevFieldKey) (BaseType, bool) {
	t, ok := r.devTypes[key]
	return t, ok
}
