package fitproto

import (
	"bytes"
	"encoding/binary"
	"io"
	"unicode/utf8"
)

// Reader decodes one FIT stream front to back. It owns the session state of a
// single pass: the definition registry, developer field types and the last
// full timestamp. A Reader must not be shared between goroutines or reused
// for another stream.
type Reader struct {
	r        *byteReader
	registry *Registry
	checks   []Check

	header     Header
	haveHeader bool

	lastTimestamp uint32
	haveTimestamp bool
}

// NewReader returns a Reader over r. checks run in the order given.
func NewReader(r io.Reader, checks ...Check) *Reader {
	return &Reader{
		r:        newByteReader(r),
		registry: NewRegistry(),
		checks:   checks,
	}
}

// Offset is the number of bytes consumed from the start of the stream.
func (d *Reader) Offset() int64 { return d.r.off }

// Header returns the header read by ReadHeader.
func (d *Reader) Header() Header { return d.header }

func (d *Reader) Definition(local uint8) (*DefinitionMessage, bool) {
	return d.registry.Definition(local)
}

// ReadHeader decodes the file header.
func (d *Reader) ReadHeader() (Header, error) {
	h, err := readHeader(d.r)
	if err != nil {
		return Header{}, err
	}
	d.header = h
	d.haveHeader = true
	return h, nil
}

// More reports whether the data region declared by the header has records left.
func (d *Reader) More() bool {
	return d.haveHeader && d.r.off < d.header.End()
}

// Skip discards exactly n bytes.
func (d *Reader) Skip(n int) error {
	return d.r.discard(n)
}

// ReadRecordHeader decodes the next control byte and runs the record header hooks.
func (d *Reader) ReadRecordHeader() (RecordHeader, error) {
	off := d.r.off
	b, err := d.r.readUint8()
	if err != nil {
		return RecordHeader{}, err
	}
	h, err := ParseRecordHeader(b, off)
	if err != nil {
		return RecordHeader{}, err
	}
	for _, c := range d.checks {
		if err := c.OnRecordHeader(d, h); err != nil {
			return RecordHeader{}, err
		}
	}
	return h, nil
}

// ReadMessage decodes the body announced by h and runs the message hooks.
func (d *Reader) ReadMessage(h RecordHeader) (Message, error) {
	var (
		msg Message
		err error
	)
	switch h.Kind {
	case RecordDefinition:
		msg, err = d.readDefinition(h)
	default:
		msg, err = d.readData(h)
	}
	if err != nil {
		return nil, err
	}
	for _, c := range d.checks {
		if err := c.OnMessage(d, msg); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// Next reads one whole record.
func (d *Reader) Next() (RecordHeader, Message, error) {
	h, err := d.ReadRecordHeader()
	if err != nil {
		return RecordHeader{}, nil, err
	}
	msg, err := d.ReadMessage(h)
	if err != nil {
		return h, nil, err
	}
	return h, msg, nil
}

// ReadFooter reads the trailing file CRC. The data region must have been
// consumed exactly.
func (d *Reader) ReadFooter() (Footer, error) {
	if d.haveHeader && d.r.off != d.header.End() {
		return Footer{}, Malformed(d.r.off, KindDataSizeMismatch, "records end at offset %d but header declares data region end %d", d.r.off, d.header.End())
	}
	crc, err := d.r.readUint16(binary.LittleEndian)
	if err != nil {
		return Footer{}, err
	}
	return Footer{CRC: crc}, nil
}

func (d *Reader) readDefinition(h RecordHeader) (*DefinitionMessage, error) {
	off := d.r.off
	reserved, err := d.r.readUint8()
	if err != nil {
		return nil, err
	}
	if reserved != 0 {
		return nil, Malformed(off, KindReservedByte, "expected definition message reserved field to be 0, got %d", reserved)
	}
	archRaw, err := d.r.readUint8()
	if err != nil {
		return nil, err
	}
	if archRaw > 1 {
		return nil, Malformed(off+1, KindBadArchitecture, "expected definition message architecture to be 0 or 1, got %d", archRaw)
	}
	def := &DefinitionMessage{
		LocalType: h.LocalType,
		Arch:      Arch(archRaw),
	}
	if def.GlobalNum, err = d.r.readUint16(def.Arch.ByteOrder()); err != nil {
		return nil, err
	}
	numFields, err := d.r.readUint8()
	if err != nil {
		return nil, err
	}

	def.Fields = make([]FieldDefinition, 0, numFields)
	seen := make(map[uint8]bool, numFields)
	for i := 0; i < int(numFields); i++ {
		off := d.r.off
		raw, err := d.r.readExact(3)
		if err != nil {
			return nil, err
		}
		bt, err := ParseBaseType(raw[2], off+2)
		if err != nil {
			return nil, err
		}
		f := FieldDefinition{Num: raw[0], Size: raw[1], Type: bt}
		if f.Num == fieldNumInvalid {
			return nil, Malformed(off, KindInvalidFieldNumber, "invalid field definition number 255")
		}
		if int(f.Size)%bt.Size() != 0 {
			return nil, Malformed(off+1, KindFieldSize, "expected field size %d to be multiple of base type %s size %d", f.Size, bt, bt.Size())
		}
		if seen[f.Num] {
			return nil, Malformed(off, KindDuplicateField, "duplicate field definition number %d", f.Num)
		}
		seen[f.Num] = true
		def.Fields = append(def.Fields, f)
	}

	if h.HasDeveloperData {
		numDev, err := d.r.readUint8()
		if err != nil {
			return nil, err
		}
		def.DevFields = make([]DeveloperFieldDefinition, 0, numDev)
		for i := 0; i < int(numDev); i++ {
			off := d.r.off
			raw, err := d.r.readExact(3)
			if err != nil {
				return nil, err
			}
			f := DeveloperFieldDefinition{Num: raw[0], Size: raw[1], DevIndex: raw[2]}
			bt, ok := d.registry.DeveloperType(DevFieldKey{DevIndex: f.DevIndex, Num: f.Num})
			if !ok {
				return nil, Malformed(off, KindUnknownDeveloperField, "developer field using undefined developer index %d field %d", f.DevIndex, f.Num)
			}
			if int(f.Size)%bt.Size() != 0 {
				return nil, Malformed(off+1, KindFieldSize, "expected developer field size %d to be multiple of base type %s size %d", f.Size, bt, bt.Size())
			}
			f.Type = bt
			def.DevFields = append(def.DevFields, f)
		}
	}

	d.registry.Define(def)
	return def, nil
}

func (d *Reader) readData(h RecordHeader) (*DataMessage, error) {
	def, ok := d.registry.Definition(h.LocalType)
	if !ok {
		return nil, Malformed(d.r.off-1, KindUndefinedLocalType, "data message for undefined local type %d", h.LocalType)
	}
	msg := &DataMessage{
		GlobalNum:  def.GlobalNum,
		LocalType:  h.LocalType,
		Compressed: h.Kind == RecordCompressedData,
		Fields:     make([]Field, 0, len(def.Fields)+len(def.DevFields)+1),
	}

	if msg.Compressed {
		if !d.haveTimestamp {
			return nil, Malformed(d.r.off-1, KindNoTimestampReference, "compressed timestamp header before any full timestamp")
		}
		ts := ReconstructTimestamp(d.lastTimestamp, h.TimeOffset)
		msg.set(NativeKey(FieldNumTimestamp), Uint(BaseUint32, uint64(ts)))
	}

	order := def.Arch.ByteOrder()
	for _, f := range def.Fields {
		v, err := d.readField(f.Type, int(f.Size), order)
		if err != nil {
			return nil, err
		}
		msg.set(NativeKey(f.Num), v)
		if f.Num == FieldNumTimestamp && v.Kind == ValueScalar && !msg.Compressed {
			d.lastTimestamp = uint32(v.Bits)
			d.haveTimestamp = true
		}
	}
	for _, f := range def.DevFields {
		v, err := d.readField(f.Type, int(f.Size), order)
		if err != nil {
			return nil, err
		}
		msg.set(DeveloperKey(f.DevIndex, f.Num), v)
	}

	if msg.GlobalNum == MesgNumFieldDescription {
		if err := d.registerFieldDescription(msg); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (d *Reader) registerFieldDescription(msg *DataMessage) error {
	var nums [3]uint64
	for i := range nums {
		v, ok := msg.Field(uint8(i))
		if !ok || v.Kind != ValueScalar {
			return Malformed(d.r.off, KindBadFieldDescription, "field description message lacks a valid field %d", i)
		}
		nums[i] = v.Bits
	}
	bt, err := ParseBaseType(byte(nums[2]), d.r.off)
	if err != nil {
		return err
	}
	key := DevFieldKey{DevIndex: uint8(nums[0]), Num: uint8(nums[1])}
	return d.registry.RegisterDeveloperType(key, bt, d.r.off)
}

func (d *Reader) readField(t BaseType, size int, order binary.ByteOrder) (Value, error) {
	off := d.r.off
	raw, err := d.r.readExact(size)
	if err != nil {
		return Value{}, err
	}

	switch t {
	case BaseString:
		end := bytes.IndexByte(raw, 0)
		if end < 0 {
			return Value{}, Malformed(off, KindUnterminatedString, "expected string value to be null-terminated")
		}
		if !utf8.Valid(raw[:end]) {
			return Value{}, Malformed(off, KindInvalidUTF8, "expected string value to be encoded as UTF-8")
		}
		return Text(string(raw[:end])), nil
	case BaseByte:
		if allBytes(raw, 0xFF) {
			return NA(), nil
		}
		return Bytes(raw), nil
	}

	width := t.Size()
	count := size / width
	elems := make([]Value, count)
	for i := range elems {
		bits := getUint(order, raw[i*width:(i+1)*width])
		if bits == t.Invalid() {
			elems[i] = NA()
		} else {
			elems[i] = Scalar(t, bits)
		}
	}
	if count == 1 {
		return elems[0], nil
	}
	return Value{Kind: ValueSequence, Type: t, Elems: elems}, nil
}

// ReconstructTimestamp expands a 5-bit compressed time offset against the
// last full timestamp. The result is the smallest value >= last whose low
// five bits equal offset. Arithmetic is modulo 2^32: past 0xFFFFFFFF the
// result wraps to a small value, matching a rolled-over device clock.
func ReconstructTimestamp(last uint32, offset uint8) uint32 {
	offset &= compressedTimeMask
	base := last &^ compressedTimeMask
	if uint32(offset) >= last&compressedTimeMask {
		return base + uint32(offset)
	}
	return base + uint32(offset) + 0x20
}

func allBytes(raw []byte, value byte) bool {
	if len(raw) == 0 {
		return false
	}
	for _, b := range raw {
		if b != value {
			return false
		}
	}
	return true
}
