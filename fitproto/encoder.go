package fitproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tormoder/fit/dyncrc16"
)

// Encoder writes a FIT file. Records are buffered until Close so the header
// can carry the final data size and both CRCs.
type Encoder struct {
	w      io.Writer
	header Header
	body   bytes.Buffer
	defs   map[uint8]*DefinitionMessage
	closed bool
}

// NewEncoder returns an Encoder that will write a 14-byte header with the
// given versions.
func NewEncoder(w io.Writer, protocolVersion uint8, profileVersion uint16) *Encoder {
	return &Encoder{
		w: w,
		header: Header{
			Size:            HeaderSizeCRC,
			ProtocolVersion: protocolVersion,
			ProfileVersion:  profileVersion,
			DataType:        DataTypeTag,
		},
		defs: make(map[uint8]*DefinitionMessage),
	}
}

// WriteDefinition appends a definition message and makes it the active layout
// for def.LocalType. The layout is written as given, without validation.
func (e *Encoder) WriteDefinition(def *DefinitionMessage) error {
	if def.LocalType > localMesgNumMask {
		return fmt.Errorf("local message type %d out of range", def.LocalType)
	}
	rh := RecordHeader{Kind: RecordDefinition, LocalType: def.LocalType, HasDeveloperData: len(def.DevFields) > 0}
	order := def.Arch.ByteOrder()

	buf := make([]byte, 0, 6+3*len(def.Fields)+1+3*len(def.DevFields))
	var global [2]byte
	order.PutUint16(global[:], def.GlobalNum)
	buf = append(buf, rh.Byte(), 0, byte(def.Arch))
	buf = append(buf, global[:]...)
	buf = append(buf, byte(len(def.Fields)))
	for _, f := range def.Fields {
		buf = append(buf, f.Num, f.Size, f.Type.Byte())
	}
	if rh.HasDeveloperData {
		buf = append(buf, byte(len(def.DevFields)))
		for _, f := range def.DevFields {
			buf = append(buf, f.Num, f.Size, f.DevIndex)
		}
	}
	e.body.Write(buf)
	e.defs[def.LocalType] = def
	return nil
}

// WriteData appends a normal data message for msg.LocalType. Fields missing
// from msg are written as NA.
func (e *Encoder) WriteData(msg *DataMessage) error {
	return e.writeData(RecordHeader{Kind: RecordData, LocalType: msg.LocalType}, msg)
}

// WriteCompressed appends a compressed-timestamp data message. The local type
// must fit in two bits; the definition is expected not to declare a timestamp.
func (e *Encoder) WriteCompressed(msg *DataMessage, timeOffset uint8) error {
	if msg.LocalType > 3 {
		return fmt.Errorf("local message type %d cannot use a compressed header", msg.LocalType)
	}
	rh := RecordHeader{Kind: RecordCompressedData, LocalType: msg.LocalType, TimeOffset: timeOffset}
	return e.writeData(rh, msg)
}

func (e *Encoder) writeData(rh RecordHeader, msg *DataMessage) error {
	def, ok := e.defs[msg.LocalType]
	if !ok {
		return fmt.Errorf("no definition written for local message type %d", msg.LocalType)
	}
	order := def.Arch.ByteOrder()
	buf := make([]byte, 1, 1+def.DataSize())
	buf[0] = rh.Byte()
	for _, f := range def.Fields {
		v, ok := msg.Field(f.Num)
		if !ok {
			v = NA()
		}
		enc, err := encodeField(f.Type, int(f.Size), order, v)
		if err != nil {
			return fmt.Errorf("encode field %d of global message %d: %w", f.Num, def.GlobalNum, err)
		}
		buf = append(buf, enc...)
	}
	for _, f := range def.DevFields {
		v, ok := msg.Get(DeveloperKey(f.DevIndex, f.Num))
		if !ok {
			v = NA()
		}
		enc, err := encodeField(f.Type, int(f.Size), order, v)
		if err != nil {
			return fmt.Errorf("encode developer field %d:%d: %w", f.DevIndex, f.Num, err)
		}
		buf = append(buf, enc...)
	}
	e.body.Write(buf)
	return nil
}

// Close writes header, data region and footer to the underlying writer.
func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.header.DataSize = uint32(e.body.Len())
	return writeFile(e.w, e.header.encode(true), e.body.Bytes())
}

// writeFile emits header and body followed by the CRC of both.
func writeFile(w io.Writer, header, body []byte) error {
	crc := dyncrc16.New()
	mw := io.MultiWriter(w, crc)
	if err := writeExact(mw, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := writeExact(mw, body); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	var footer [2]byte
	binary.LittleEndian.PutUint16(footer[:], crc.Sum16())
	if err := writeExact(w, footer[:]); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	return nil
}

// WriteFile writes a complete file around an already encoded data region.
// The header size and data size are recomputed; the header CRC is written
// only when withHeaderCRC is set.
func WriteFile(w io.Writer, h Header, body []byte, withHeaderCRC bool) error {
	h.Size = HeaderSizeCRC
	h.DataSize = uint32(len(body))
	return writeFile(w, h.encode(withHeaderCRC), body)
}

func encodeField(t BaseType, size int, order binary.ByteOrder, v Value) ([]byte, error) {
	out := make([]byte, size)
	switch t {
	case BaseString:
		switch v.Kind {
		case ValueNA:
			return out, nil
		case ValueText:
			if len(v.Text) >= size {
				return nil, fmt.Errorf("string of %d bytes does not fit field of %d bytes with terminator", len(v.Text), size)
			}
			copy(out, v.Text)
			return out, nil
		}
		return nil, fmt.Errorf("cannot encode %s value as string", v.Kind)
	case BaseByte:
		switch v.Kind {
		case ValueNA:
			for i := range out {
				out[i] = 0xFF
			}
			return out, nil
		case ValueBytes:
			if len(v.Raw) != size {
				return nil, fmt.Errorf("byte value of %d bytes does not match field size %d", len(v.Raw), size)
			}
			copy(out, v.Raw)
			return out, nil
		}
		return nil, fmt.Errorf("cannot encode %s value as byte", v.Kind)
	}

	width := t.Size()
	count := size / width
	var elems []Value
	switch {
	case v.Kind == ValueNA:
		elems = make([]Value, count)
		for i := range elems {
			elems[i] = NA()
		}
	case v.Kind == ValueScalar && count == 1:
		elems = []Value{v}
	case v.Kind == ValueSequence && len(v.Elems) == count:
		elems = v.Elems
	default:
		return nil, fmt.Errorf("cannot encode %s value into %d elements of %s", v.Kind, count, t)
	}
	for i, el := range elems {
		bits := t.Invalid()
		if el.Kind == ValueScalar {
			bits = el.Bits
		} else if el.Kind != ValueNA {
			return nil, fmt.Errorf("sequence element %d is %s", i, el.Kind)
		}
		putUint(order, out[i*width:(i+1)*width], bits)
	}
	return out, nil
}
