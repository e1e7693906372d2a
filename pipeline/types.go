package pipeline

import (
	"log/slog"
	"time"

	"github.com/lucasjlepore/fitrepair/fitproto"
	"github.com/lucasjlepore/fitrepair/repair"
)

const (
	RepairedFileName = "repaired.fit"
	ReportFileName   = "repair_report.json"
	MessagesFileName = "messages_index.json"
	ExportDirName    = "export"
	indexBaseName    = "records_index"
)

// Options configures an on-disk run.
type Options struct {
	FitPath string
	OutDir  string
	Repair  repair.Options
	// Checks names the validation checks; nil keeps Repair.Checks.
	Checks          []string
	IndexFormat     string // parquet|csv
	CompressRecords bool
	Overwrite       bool
	CopySource      bool
	Logger          *slog.Logger
}

// BytesOptions configures an in-memory run.
type BytesOptions struct {
	SourceFileName  string
	FitData         []byte
	Repair          repair.Options
	Checks          []string
	IndexFormat     string
	CompressRecords bool
	CopySource      bool
	Logger          *slog.Logger
}

// Result returns generated output paths.
type Result struct {
	OutputDir         string        `json:"output_dir"`
	RepairedPath      string        `json:"repaired_path"`
	ReportPath        string        `json:"report_path"`
	ManifestPath      string        `json:"manifest_path"`
	RecordsPath       string        `json:"records_path"`
	MessagesIndexPath string        `json:"messages_index_path"`
	RecordsIndexPath  string        `json:"records_index_path"`
	SourceCopyPath    string        `json:"source_copy_path,omitempty"`
	Report            *RepairReport `json:"report"`
}

// BytesResult holds every artifact of an in-memory run keyed by file name.
type BytesResult struct {
	Files  map[string][]byte
	Report *RepairReport
}

// RepairReport records what a run found and removed.
type RepairReport struct {
	RunID            string             `json:"run_id"`
	GeneratedAt      time.Time          `json:"generated_at"`
	SourceFileName   string             `json:"source_file_name"`
	Header           fitproto.Header    `json:"header"`
	Clean            bool               `json:"clean"`
	Repaired         bool               `json:"repaired"`
	FirstError       string             `json:"first_error,omitempty"`
	FirstErrorKind   string             `json:"first_error_kind,omitempty"`
	FirstErrorOffset int64              `json:"first_error_offset,omitempty"`
	CorruptionStart  int64              `json:"corruption_start,omitempty"`
	Excisions        []repair.Excision  `json:"excisions"`
	BytesRemoved     int64              `json:"bytes_removed"`
	Stats            repair.Stats       `json:"stats"`
	Input            ArtifactDigest     `json:"input"`
	Output           *ArtifactDigest    `json:"output,omitempty"`
	Options          RepairOptionsEntry `json:"options"`
	Error            string             `json:"error,omitempty"`
}

// ArtifactDigest identifies a byte stream.
type ArtifactDigest struct {
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
	BLAKE3    string `json:"blake3"`
}

// RepairOptionsEntry is the effective search configuration.
type RepairOptionsEntry struct {
	MaxExcision     int64    `json:"max_excision"`
	MultiGap        bool     `json:"multi_gap"`
	ConfirmMessages int      `json:"confirm_messages,omitempty"`
	MaxGaps         int      `json:"max_gaps"`
	Checks          []string `json:"checks"`
}

// MessageIndexFile contains local/global message mapping metadata.
type MessageIndexFile struct {
	LocalMessageTypes []LocalMessageIndex `json:"local_message_types"`
	ReverseIndex      map[string][]int    `json:"reverse_index"`
}

// LocalMessageIndex maps one local message type to its last global message and fields.
type LocalMessageIndex struct {
	LocalMessageType  int                         `json:"local_message_type"`
	GlobalMessageNum  int                         `json:"global_message_num"`
	GlobalMessageName string                      `json:"global_message_name"`
	Redefinitions     int                         `json:"redefinitions"`
	Fields            map[string]MessageFieldMeta `json:"fields"`
}

// MessageFieldMeta describes one field in message index.
type MessageFieldMeta struct {
	FieldName   string `json:"field_name"`
	BaseType    string `json:"base_type"`
	Size        int    `json:"size"`
	InvalidRule string `json:"invalid_rule,omitempty"`
}

// IndexRow is one row of records_index: a flat view of a record envelope.
type IndexRow struct {
	RecordIndex      int
	FileOffset       int64
	SizeBytes        int
	RecordKind       string
	LocalMessageType int
	GlobalMessageNum int
	MessageName      string
	TimestampUTC     string
	InvalidFields    int
}
