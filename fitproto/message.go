package fitproto

import (
	"fmt"
	"strings"
)

// Message is either a *DefinitionMessage or a *DataMessage.
type Message interface {
	isMessage()
}

// FieldKey names a field of a data message. Developer fields live in their
// own key space so they never collide with native field numbers.
type FieldKey struct {
	Developer bool
	DevIndex  uint8
	Num       uint8
}

func NativeKey(num uint8) FieldKey { return FieldKey{Num: num} }

func DeveloperKey(devIndex, num uint8) FieldKey {
	return FieldKey{Developer: true, DevIndex: devIndex, Num: num}
}

func (k FieldKey) String() string {
	if k.Developer {
		return fmt.Sprintf("dev:%d:%d", k.DevIndex, k.Num)
	}
	return fmt.Sprintf("%d", k.Num)
}

// Field is one decoded key/value pair.
type Field struct {
	Key   FieldKey
	Value Value
}

// DataMessage is a decoded data or compressed-data record. Fields keep
// definition order; a compressed record's reconstructed timestamp comes first.
type DataMessage struct {
	GlobalNum  uint16
	LocalType  uint8
	Compressed bool
	Fields     []Field
}

func (*DataMessage) isMessage() {}

// Get looks up a field by key.
func (m *DataMessage) Get(key FieldKey) (Value, bool) {
	for _, f := range m.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Field looks up a native field.
func (m *DataMessage) Field(num uint8) (Value, bool) {
	return m.Get(NativeKey(num))
}

// Timestamp returns the native timestamp field when it holds a scalar.
func (m *DataMessage) Timestamp() (uint32, bool) {
	v, ok := m.Field(FieldNumTimestamp)
	if !ok || v.Kind != ValueScalar {
		return 0, false
	}
	return uint32(v.Bits), true
}

// set replaces an existing key in place or appends it.
func (m *DataMessage) set(key FieldKey, v Value) {
	for i := range m.Fields {
		if m.Fields[i].Key == key {
			m.Fields[i].Value = v
			return
		}
	}
	m.Fields = append(m.Fields, Field{Key: key, Value: v})
}

func (m *DataMessage) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "data global=%d local=%d", m.GlobalNum, m.LocalType)
	if m.Compressed {
		sb.WriteString(" compressed")
	}
	sb.WriteString(" (")
	for i, f := range m.Fields {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s:%s", f.Key, f.Value)
	}
	sb.WriteByte(')')
	return sb.String()
}
