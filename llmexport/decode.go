package llmexport

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tormoder/fit/dyncrc16"

	"github.com/lucasjlepore/fitrepair/fitproto"
)

type parseOutput struct {
	Header           fitproto.Header
	HeaderCRC        CRCCheck
	FileCRC          CRCCheck
	Records          []RecordEnvelope
	DefinitionCount  int
	DataMessageCount int
	LeftoverBytes    int64
}

// parseFITBytes decodes data with checks and renders every record as an
// envelope. Any malformed record aborts the export; repair the file first.
func parseFITBytes(data []byte, checks []fitproto.Check) (*parseOutput, error) {
	r := fitproto.NewReader(bytes.NewReader(data), checks...)
	header, err := r.ReadHeader()
	if err != nil {
		return nil, err
	}

	out := &parseOutput{
		Header:    header,
		HeaderCRC: headerCRCCheck(data, header),
	}
	for index := 1; r.More(); index++ {
		start := r.Offset()
		rh, msg, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("record %d at offset %d: %w", index, start, err)
		}
		raw := data[start:r.Offset()]
		env := RecordEnvelope{
			FormatVersion:    ExportFormatVersion,
			RecordIndex:      index,
			FileOffset:       start,
			HeaderByte:       raw[0],
			RecordKind:       rh.Kind.String(),
			LocalMessageType: rh.LocalType,
			RawRecordHex:     hex.EncodeToString(raw),
		}

		switch m := msg.(type) {
		case *fitproto.DefinitionMessage:
			env.GlobalMessageNum = m.GlobalNum
			env.Definition = definitionRecord(m)
			out.DefinitionCount++
		case *fitproto.DataMessage:
			def, _ := r.Definition(rh.LocalType)
			env.GlobalMessageNum = m.GlobalNum
			env.Data = dataRecord(rh, def, m, raw[1:])
			out.DataMessageCount++
		}
		env.MessageName = globalMessageName(env.GlobalMessageNum)
		out.Records = append(out.Records, env)
	}

	footer, err := r.ReadFooter()
	if err != nil {
		return nil, err
	}
	computed := dyncrc16.Checksum(data[:header.End()])
	out.FileCRC = CRCCheck{
		Present:         true,
		StoredHex:       fmt.Sprintf("0x%04X", footer.CRC),
		ComputedHex:     fmt.Sprintf("0x%04X", computed),
		Valid:           footer.CRC == computed,
		ValidationStyle: "header_plus_data_checksum_equals_stored_crc",
	}
	out.LeftoverBytes = int64(len(data)) - header.End() - 2
	return out, nil
}

func headerCRCCheck(data []byte, h fitproto.Header) CRCCheck {
	check := CRCCheck{
		Present:         h.Size == fitproto.HeaderSizeCRC,
		Valid:           true,
		ValidationStyle: "fit_header_crc16",
	}
	if !check.Present {
		return check
	}
	stored := binary.LittleEndian.Uint16(data[12:14])
	check.StoredHex = fmt.Sprintf("0x%04X", stored)
	if stored != 0 {
		computed := dyncrc16.Checksum(data[:fitproto.HeaderSizeNoCRC])
		check.ComputedHex = fmt.Sprintf("0x%04X", computed)
		check.Valid = stored == computed
	}
	return check
}

func definitionRecord(def *fitproto.DefinitionMessage) *DefinitionRecord {
	rec := &DefinitionRecord{
		ArchitectureByte: uint8(def.Arch),
		Architecture:     def.Arch.String(),
		FieldDefinitions: make([]FieldDefinition, 0, len(def.Fields)),
	}
	for _, f := range def.Fields {
		rec.FieldDefinitions = append(rec.FieldDefinitions, FieldDefinition{
			FieldNumber: f.Num,
			Name:        semanticForField(def.GlobalNum, f.Num).name,
			Size:        f.Size,
			BaseType:    makeBaseTypeInfo(f.Type),
		})
	}
	for _, f := range def.DevFields {
		rec.DeveloperDefinition = append(rec.DeveloperDefinition, DeveloperFieldDefinition{
			FieldNumber:      f.Num,
			Size:             f.Size,
			DeveloperDataIdx: f.DevIndex,
			BaseType:         makeBaseTypeInfo(f.Type),
		})
	}
	return rec
}

// dataRecord renders msg; body is the record without its header byte and is
// sliced along def to attach each field's raw bytes.
func dataRecord(rh fitproto.RecordHeader, def *fitproto.DefinitionMessage, msg *fitproto.DataMessage, body []byte) *DataRecord {
	rec := &DataRecord{Fields: make([]FieldValue, 0, len(def.Fields))}
	if msg.Compressed {
		ts, _ := msg.Timestamp()
		rec.CompressedTimestamp = &CompressedTimestampInfo{
			Offset5bit:           rh.TimeOffset,
			AbsoluteTimestampRaw: ts,
			AbsoluteTimestampUTC: fitTimestampToUTC(ts).Format(time.RFC3339),
		}
	}

	pos := 0
	for i, f := range def.Fields {
		raw := body[pos : pos+int(f.Size)]
		pos += int(f.Size)
		v, _ := msg.Field(f.Num)
		rec.Fields = append(rec.Fields, fieldValue(i, msg.GlobalNum, f, v, raw))
	}
	for i, f := range def.DevFields {
		raw := body[pos : pos+int(f.Size)]
		pos += int(f.Size)
		v, _ := msg.Get(fitproto.DeveloperKey(f.DevIndex, f.Num))
		decoded, kind, invalid, _ := projectValue(v)
		rec.DeveloperFields = append(rec.DeveloperFields, DeveloperFieldValue{
			FieldIndex:       i,
			FieldNumber:      f.Num,
			DeveloperDataIdx: f.DevIndex,
			Size:             f.Size,
			BaseType:         makeBaseTypeInfo(f.Type),
			RawHex:           hex.EncodeToString(raw),
			Decoded:          decoded,
			DecodedType:      kind,
			Invalid:          invalid,
		})
	}
	return rec
}

func fieldValue(index int, global uint16, f fitproto.FieldDefinition, v fitproto.Value, raw []byte) FieldValue {
	sem := semanticForField(global, f.Num)
	decoded, kind, invalid, invalidElems := projectValue(v)
	fv := FieldValue{
		FieldIndex:      index,
		FieldNumber:     f.Num,
		Name:            sem.name,
		Units:           sem.units,
		Size:            f.Size,
		BaseType:        makeBaseTypeInfo(f.Type),
		RawHex:          hex.EncodeToString(raw),
		Decoded:         decoded,
		DecodedType:     kind,
		IsArray:         v.Kind == fitproto.ValueSequence || (v.Kind == fitproto.ValueBytes && len(v.Raw) > 1),
		Invalid:         invalid,
		InvalidElements: invalidElems,
	}
	if v.Kind != fitproto.ValueScalar {
		return fv
	}
	if sem.scaler != nil {
		if scaled, ok := sem.scaler(decoded); ok {
			fv.Scaled = scaled
		}
	}
	if f.Num == fitproto.FieldNumTimestamp {
		ts := uint32(v.Uint())
		fv.Timestamp = &TimeProjection{Raw: ts, UTC: fitTimestampToUTC(ts).Format(time.RFC3339)}
	}
	return fv
}

// projectValue turns a decoded value into JSON-friendly data plus NA flags.
func projectValue(v fitproto.Value) (decoded any, kind string, invalid bool, invalidElems []int) {
	switch v.Kind {
	case fitproto.ValueScalar:
		return v.Interface(), "scalar", false, nil
	case fitproto.ValueSequence:
		for i, e := range v.Elems {
			if e.IsNA() {
				invalidElems = append(invalidElems, i)
			}
		}
		return v.Interface(), "array", len(invalidElems) == len(v.Elems), invalidElems
	case fitproto.ValueText:
		return v.Text, "string", v.Text == "", nil
	case fitproto.ValueBytes:
		return bytesToInts(v.Raw), "bytes", false, nil
	default:
		return nil, "na", true, nil
	}
}

func bytesToInts(raw []byte) []int {
	out := make([]int, len(raw))
	for i := range raw {
		out[i] = int(raw[i])
	}
	return out
}
