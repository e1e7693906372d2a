package llmexport

import (
	"time"

	"github.com/lucasjlepore/fitrepair/fitcheck"
	"github.com/lucasjlepore/fitrepair/fitproto"
)

const (
	// ExportFormatVersion identifies the on-disk schema for record exports.
	ExportFormatVersion = "fitrepair_records_jsonl_v1"

	RecordsFileName           = "records.jsonl"
	CompressedRecordsFileName = "records.jsonl.xz"
	ManifestFileName          = "manifest.json"
)

// ExportOptions controls export behavior.
type ExportOptions struct {
	// Overwrite allows writing into a non-empty output directory.
	Overwrite bool

	// CopySourceFile writes a byte-for-byte copy of the source FIT file to the output directory.
	CopySourceFile bool

	// CompressRecords writes records.jsonl.xz instead of records.jsonl.
	CompressRecords bool

	// Checks builds the validation checks run while decoding; nil runs none.
	Checks fitcheck.Factory
}

// ExportResult describes generated files.
type ExportResult struct {
	OutputDir        string `json:"output_dir"`
	ManifestPath     string `json:"manifest_path"`
	RecordsPath      string `json:"records_path"`
	SourceCopyPath   string `json:"source_copy_path,omitempty"`
	RecordCount      int    `json:"record_count"`
	DefinitionCount  int    `json:"definition_count"`
	DataMessageCount int    `json:"data_message_count"`
	SourceSHA256     string `json:"source_sha256"`
	SourceBLAKE3     string `json:"source_blake3"`
	SourceSizeBytes  int64  `json:"source_size_bytes"`
	FileCRCValid     bool   `json:"file_crc_valid"`
	HeaderCRCValid   bool   `json:"header_crc_valid"`
	LeftoverBytes    int64  `json:"leftover_bytes"`
}

// Manifest captures export metadata and pointers to exported files.
type Manifest struct {
	FormatVersion      string          `json:"format_version"`
	GeneratedAt        time.Time       `json:"generated_at"`
	SourceFile         string          `json:"source_file"`
	SourceFileName     string          `json:"source_file_name"`
	SourceSHA256       string          `json:"source_sha256"`
	SourceBLAKE3       string          `json:"source_blake3"`
	SourceSizeBytes    int64           `json:"source_size_bytes"`
	Header             fitproto.Header `json:"header"`
	HeaderCRC          CRCCheck        `json:"header_crc"`
	FileCRC            CRCCheck        `json:"file_crc"`
	RecordsPath        string          `json:"records_path"`
	RecordsCompression string          `json:"records_compression,omitempty"`
	RecordCount        int             `json:"record_count"`
	DefinitionCount    int             `json:"definition_count"`
	DataMessageCount   int             `json:"data_message_count"`
	LeftoverBytes      int64           `json:"leftover_bytes"`
	FileIDProjection   *FileIDInfo     `json:"file_id_projection,omitempty"`
	Warnings           []string        `json:"warnings,omitempty"`
	SchemaDescription  SchemaDetails   `json:"schema_description"`
}

// SchemaDetails documents the record shape for downstream applications.
type SchemaDetails struct {
	RecordType string   `json:"record_type"`
	Notes      []string `json:"notes"`
}

// CRCCheck describes CRC validation results.
type CRCCheck struct {
	Present         bool   `json:"present"`
	StoredHex       string `json:"stored_hex,omitempty"`
	ComputedHex     string `json:"computed_hex,omitempty"`
	Valid           bool   `json:"valid"`
	ValidationStyle string `json:"validation_style"`
}

// FileIDInfo is a convenience projection from the file_id message.
type FileIDInfo struct {
	Type         string `json:"type"`
	Manufacturer string `json:"manufacturer"`
	Product      string `json:"product"`
	TimeCreated  string `json:"time_created,omitempty"`
	SerialNumber uint32 `json:"serial_number,omitempty"`
}

// RecordEnvelope is one JSONL line in records.jsonl.
// The stream preserves original FIT record order.
type RecordEnvelope struct {
	FormatVersion    string            `json:"format_version"`
	RecordIndex      int               `json:"record_index"`
	FileOffset       int64             `json:"file_offset"`
	HeaderByte       uint8             `json:"header_byte"`
	RecordKind       string            `json:"record_kind"` // "definition", "data" or "compressed_data"
	LocalMessageType uint8             `json:"local_message_type"`
	GlobalMessageNum uint16            `json:"global_message_num"`
	MessageName      string            `json:"message_name"`
	Definition       *DefinitionRecord `json:"definition,omitempty"`
	Data             *DataRecord       `json:"data,omitempty"`
	RawRecordHex     string            `json:"raw_record_hex"`
}

// DefinitionRecord captures a FIT definition message.
type DefinitionRecord struct {
	ArchitectureByte    uint8                      `json:"architecture_byte"`
	Architecture        string                     `json:"architecture"`
	FieldDefinitions    []FieldDefinition          `json:"field_definitions"`
	DeveloperDefinition []DeveloperFieldDefinition `json:"developer_field_definitions,omitempty"`
}

// FieldDefinition captures a native field definition.
type FieldDefinition struct {
	FieldNumber uint8        `json:"field_number"`
	Name        string       `json:"name"`
	Size        uint8        `json:"size"`
	BaseType    BaseTypeInfo `json:"base_type"`
}

// DeveloperFieldDefinition captures a developer-data field definition with
// its type resolved from the matching field description.
type DeveloperFieldDefinition struct {
	FieldNumber      uint8        `json:"field_number"`
	Size             uint8        `json:"size"`
	DeveloperDataIdx uint8        `json:"developer_data_index"`
	BaseType         BaseTypeInfo `json:"base_type"`
}

// BaseTypeInfo describes canonical FIT base type information.
type BaseTypeInfo struct {
	CanonicalByte uint8  `json:"canonical_byte"`
	Name          string `json:"name"`
	SizeBytes     int    `json:"size_bytes"`
	Signed        bool   `json:"signed"`
	Floating      bool   `json:"floating"`
	ZeroIsInvalid bool   `json:"zero_is_invalid"`
	InvalidRule   string `json:"invalid_rule"`
}

// DataRecord captures a FIT data message.
type DataRecord struct {
	CompressedTimestamp *CompressedTimestampInfo `json:"compressed_timestamp,omitempty"`
	Fields              []FieldValue             `json:"fields"`
	DeveloperFields     []DeveloperFieldValue    `json:"developer_fields,omitempty"`
}

// CompressedTimestampInfo is the reconstructed timestamp of a compressed header.
type CompressedTimestampInfo struct {
	Offset5bit           uint8  `json:"offset_5bit"`
	AbsoluteTimestampRaw uint32 `json:"absolute_timestamp_raw"`
	AbsoluteTimestampUTC string `json:"absolute_timestamp_utc"`
}

// FieldValue is a decoded native field.
type FieldValue struct {
	FieldIndex      int             `json:"field_index"`
	FieldNumber     uint8           `json:"field_number"`
	Name            string          `json:"name"`
	Units           string          `json:"units,omitempty"`
	Size            uint8           `json:"size"`
	BaseType        BaseTypeInfo    `json:"base_type"`
	RawHex          string          `json:"raw_hex"`
	Decoded         any             `json:"decoded"`
	Scaled          any             `json:"scaled,omitempty"`
	DecodedType     string          `json:"decoded_type"`
	IsArray         bool            `json:"is_array"`
	Invalid         bool            `json:"invalid"`
	InvalidElements []int           `json:"invalid_elements,omitempty"`
	Timestamp       *TimeProjection `json:"timestamp_projection,omitempty"`
}

// TimeProjection is attached to timestamp fields.
type TimeProjection struct {
	Raw uint32 `json:"raw"`
	UTC string `json:"utc"`
}

// DeveloperFieldValue is a decoded developer-data field.
type DeveloperFieldValue struct {
	FieldIndex       int          `json:"field_index"`
	FieldNumber      uint8        `json:"field_number"`
	DeveloperDataIdx uint8        `json:"developer_data_index"`
	Size             uint8        `json:"size"`
	BaseType         BaseTypeInfo `json:"base_type"`
	RawHex           string       `json:"raw_hex"`
	Decoded          any          `json:"decoded"`
	DecodedType      string       `json:"decoded_type"`
	Invalid          bool         `json:"invalid"`
}
