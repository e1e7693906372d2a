package fitproto

import "fmt"

const (
	compressedHeaderMask       = 0x80
	compressedLocalMesgNumMask = 0x60
	compressedTimeMask         = 0x1F
	mesgDefinitionMask         = 0x40
	devDataMask                = 0x20
	reservedBit4Mask           = 0x10
	localMesgNumMask           = 0x0F
)

// RecordKind discriminates the three record header variants.
type RecordKind uint8

const (
	RecordDefinition RecordKind = iota + 1
	RecordData
	RecordCompressedData
)

func (k RecordKind) String() string {
	switch k {
	case RecordDefinition:
		return "definition"
	case RecordData:
		return "data"
	case RecordCompressedData:
		return "compressed_data"
	default:
		return fmt.Sprintf("record_kind_%d", uint8(k))
	}
}

// RecordHeader is the decoded control byte that starts every record.
// HasDeveloperData is only meaningful for definitions and TimeOffset only
// for compressed data records.
type RecordHeader struct {
	Kind             RecordKind
	LocalType        uint8
	HasDeveloperData bool
	TimeOffset       uint8
}

// ParseRecordHeader classifies a control byte. offset is used for error reporting.
func ParseRecordHeader(b byte, offset int64) (RecordHeader, error) {
	if b&compressedHeaderMask != 0 {
		return RecordHeader{
			Kind:       RecordCompressedData,
			LocalType:  (b & compressedLocalMesgNumMask) >> 5,
			TimeOffset: b & compressedTimeMask,
		}, nil
	}
	if b&mesgDefinitionMask != 0 {
		if b&reservedBit4Mask != 0 {
			return RecordHeader{}, Malformed(offset, KindReservedBit, "expected record header bit 4 (reserved) to be 0 in definition header 0x%02X", b)
		}
		return RecordHeader{
			Kind:             RecordDefinition,
			LocalType:        b & localMesgNumMask,
			HasDeveloperData: b&devDataMask != 0,
		}, nil
	}
	if b&devDataMask != 0 {
		return RecordHeader{}, Malformed(offset, KindReservedBit, "expected record header bit 5 (message type specific) to be 0 in data header 0x%02X", b)
	}
	if b&reservedBit4Mask != 0 {
		return RecordHeader{}, Malformed(offset, KindReservedBit, "expected record header bit 4 (reserved) to be 0 in data header 0x%02X", b)
	}
	return RecordHeader{
		Kind:      RecordData,
		LocalType: b & localMesgNumMask,
	}, nil
}

// Byte encodes h back into a control byte.
func (h RecordHeader) Byte() byte {
	switch h.Kind {
	case RecordCompressedData:
		return compressedHeaderMask | (h.LocalType&0x03)<<5 | h.TimeOffset&compressedTimeMask
	case RecordDefinition:
		b := mesgDefinitionMask | h.LocalType&localMesgNumMask
		if h.HasDeveloperData {
			b |= devDataMask
		}
		return b
	default:
		return h.LocalType & localMesgNumMask
	}
}

func (h RecordHeader) String() string {
	s := fmt.Sprintf("record header %s local=%d", h.Kind, h.LocalType)
	switch {
	case h.Kind == RecordCompressedData:
		s += fmt.Sprintf(" time_offset=%d", h.TimeOffset)
	case h.Kind == RecordDefinition && h.HasDeveloperData:
		s += " has_developer_data"
	}
	return s
}
