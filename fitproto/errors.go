package fitproto

import (
	"errors"
	"fmt"
)

// ErrMalformed matches every *MalformedError via errors.Is.
var ErrMalformed = errors.New("malformed fit stream")

// ErrorKind identifies which structural rule a stream violated.
type ErrorKind uint8

const (
	KindTruncated ErrorKind = iota + 1
	KindBadHeaderSize
	KindBadDataType
	KindHeaderCRC
	KindBadArchitecture
	KindReservedBit
	KindReservedByte
	KindBadBaseType
	KindEndianAbility
	KindFieldSize
	KindDuplicateField
	KindInvalidFieldNumber
	KindUnknownDeveloperField
	KindUndefinedLocalType
	KindUnterminatedString
	KindInvalidUTF8
	KindDuplicateFieldDescription
	KindBadFieldDescription
	KindNoTimestampReference
	KindDecreasingTimestamp
	KindMixedTimestamps
	KindFileID
	KindDataSizeMismatch
)

var errorKindNames = map[ErrorKind]string{
	KindTruncated:                 "truncated",
	KindBadHeaderSize:             "bad_header_size",
	KindBadDataType:               "bad_data_type",
	KindHeaderCRC:                 "header_crc",
	KindBadArchitecture:           "bad_architecture",
	KindReservedBit:               "reserved_bit",
	KindReservedByte:              "reserved_byte",
	KindBadBaseType:               "bad_base_type",
	KindEndianAbility:             "endian_ability",
	KindFieldSize:                 "field_size",
	KindDuplicateField:            "duplicate_field",
	KindInvalidFieldNumber:        "invalid_field_number",
	KindUnknownDeveloperField:     "unknown_developer_field",
	KindUndefinedLocalType:        "undefined_local_type",
	KindUnterminatedString:        "unterminated_string",
	KindInvalidUTF8:               "invalid_utf8",
	KindDuplicateFieldDescription: "duplicate_field_description",
	KindBadFieldDescription:       "bad_field_description",
	KindNoTimestampReference:      "no_timestamp_reference",
	KindDecreasingTimestamp:       "decreasing_timestamp",
	KindMixedTimestamps:           "mixed_timestamps",
	KindFileID:                    "file_id",
	KindDataSizeMismatch:          "data_size_mismatch",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind_%d", uint8(k))
}

// MalformedError reports a structural violation together with the stream
// offset at which decoding stopped.
type MalformedError struct {
	Offset int64
	Kind   ErrorKind
	Msg    string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed fit stream at offset %d: %s", e.Offset, e.Msg)
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

// Malformed builds a *MalformedError. Checks outside this package use it so
// their failures share the decoder's error taxonomy.
func Malformed(offset int64, kind ErrorKind, format string, args ...any) *MalformedError {
	return &MalformedError{
		Offset: offset,
		Kind:   kind,
		Msg:    fmt.Sprintf(format, args...),
	}
}

// KindOf returns the ErrorKind carried by err, or 0 when err is not a
// malformed-stream error.
func KindOf(err error) ErrorKind {
	var me *MalformedError
	if errors.As(err, &me) {
		return me.Kind
	}
	return 0
}
