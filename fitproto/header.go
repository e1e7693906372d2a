package fitproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	HeaderSizeNoCRC = 12
	HeaderSizeCRC   = 14

	// DataTypeTag is the literal every FIT header carries at bytes 8..11.
	DataTypeTag = ".FIT"
)

// Header is the file header that precedes the data region.
type Header struct {
	Size            uint8  `json:"size"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ProfileVersion  uint16 `json:"profile_version"`
	DataSize        uint32 `json:"data_size"`
	DataType        string `json:"data_type"`
	// CRC is zero when the header is 12 bytes long or the writer left it unset.
	CRC uint16 `json:"crc"`
}

// HasCRC reports whether the header carries a checked CRC.
func (h Header) HasCRC() bool {
	return h.Size == HeaderSizeCRC && h.CRC != 0
}

// End is the offset one past the data region, where the footer starts.
func (h Header) End() int64 {
	return int64(h.Size) + int64(h.DataSize)
}

// ParseHeader decodes a header from the start of data.
func ParseHeader(data []byte) (Header, error) {
	return readHeader(newByteReader(bytes.NewReader(data)))
}

func readHeader(r *byteReader) (Header, error) {
	start := r.off
	size, err := r.peekUint8()
	if err != nil {
		return Header{}, err
	}
	if size != HeaderSizeNoCRC && size != HeaderSizeCRC {
		return Header{}, Malformed(start, KindBadHeaderSize, "expected header size to be 12 or 14, got %d", size)
	}
	raw, err := r.readExact(int(size))
	if err != nil {
		return Header{}, err
	}

	h := Header{
		Size:            size,
		ProtocolVersion: raw[1],
		ProfileVersion:  binary.LittleEndian.Uint16(raw[2:4]),
		DataSize:        binary.LittleEndian.Uint32(raw[4:8]),
		DataType:        string(raw[8:12]),
	}
	if h.DataType != DataTypeTag {
		return Header{}, Malformed(start+8, KindBadDataType, "expected header data type to be %q, got %q", DataTypeTag, h.DataType)
	}
	if size == HeaderSizeCRC {
		h.CRC = binary.LittleEndian.Uint16(raw[12:14])
		if h.CRC != 0 {
			if actual := Checksum(raw[:HeaderSizeNoCRC]); actual != h.CRC {
				return Header{}, Malformed(start+12, KindHeaderCRC, "header CRC 0x%04X doesn't match actual CRC 0x%04X", h.CRC, actual)
			}
		}
	}
	return h, nil
}

// MarshalBinary encodes h as a 14-byte header whose CRC covers the first 12 bytes.
func (h Header) MarshalBinary() ([]byte, error) {
	return h.encode(true), nil
}

// encode always emits 14 bytes. With withCRC false the CRC slot is left zero,
// which readers treat as "not present".
func (h Header) encode(withCRC bool) []byte {
	buf := make([]byte, HeaderSizeCRC)
	buf[0] = HeaderSizeCRC
	buf[1] = h.ProtocolVersion
	binary.LittleEndian.PutUint16(buf[2:4], h.ProfileVersion)
	binary.LittleEndian.PutUint32(buf[4:8], h.DataSize)
	copy(buf[8:12], DataTypeTag)
	if withCRC {
		binary.LittleEndian.PutUint16(buf[12:14], Checksum(buf[:HeaderSizeNoCRC]))
	}
	return buf
}

func (h Header) String() string {
	return fmt.Sprintf("header size=%d protocol_version=%d profile_version=%d data_size=%d data_type=%q crc=0x%04X",
		h.Size, h.ProtocolVersion, h.ProfileVersion, h.DataSize, h.DataType, h.CRC)
}

// Footer carries the trailing file CRC.
type Footer struct {
	CRC uint16 `json:"crc"`
}
