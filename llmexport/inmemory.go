package llmexport

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tormoder/fit"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"github.com/lucasjlepore/fitrepair/fitcheck"
	"github.com/lucasjlepore/fitrepair/fitproto"
)

// ParsedBundle is the in-memory representation of a decoded FIT stream.
type ParsedBundle struct {
	Header             fitproto.Header
	HeaderCRC          CRCCheck
	FileCRC            CRCCheck
	Records            []RecordEnvelope
	DefinitionCount    int
	DataMessageCount   int
	LeftoverBytesCount int64
	SourceSHA256       string
	SourceBLAKE3       string
	SourceSizeBytes    int64
}

// ParseBytes parses raw FIT bytes into the same record model used by JSONL
// export. checks may be nil.
func ParseBytes(data []byte, checks fitcheck.Factory) (*ParsedBundle, error) {
	var active []fitproto.Check
	if checks != nil {
		active = checks()
	}
	parsed, err := parseFITBytes(data, active)
	if err != nil {
		return nil, fmt.Errorf("parse fit bytes: %w", err)
	}
	sha, b3 := Digests(data)
	return &ParsedBundle{
		Header:             parsed.Header,
		HeaderCRC:          parsed.HeaderCRC,
		FileCRC:            parsed.FileCRC,
		Records:            parsed.Records,
		DefinitionCount:    parsed.DefinitionCount,
		DataMessageCount:   parsed.DataMessageCount,
		LeftoverBytesCount: parsed.LeftoverBytes,
		SourceSHA256:       sha,
		SourceBLAKE3:       b3,
		SourceSizeBytes:    int64(len(data)),
	}, nil
}

// Digests returns the hex SHA-256 and BLAKE3 sums of data.
func Digests(data []byte) (sha string, b3 string) {
	s := sha256.Sum256(data)
	b := blake3.Sum256(data)
	return hex.EncodeToString(s[:]), hex.EncodeToString(b[:])
}

// ProjectFileIDFromBytes returns the file_id projection directly from bytes.
// It returns nil when the profile decoder cannot read the file_id.
func ProjectFileIDFromBytes(data []byte) *FileIDInfo {
	_, id, err := fit.DecodeHeaderAndFileID(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	info := &FileIDInfo{
		Type:         fmt.Sprint(id.Type),
		Manufacturer: fmt.Sprint(id.Manufacturer),
		Product:      fmt.Sprint(id.GetProduct()),
		SerialNumber: id.SerialNumber,
	}
	if !id.TimeCreated.IsZero() {
		info.TimeCreated = id.TimeCreated.UTC().Format(time.RFC3339)
	}
	return info
}

// MarshalJSON renders indented JSON with deterministic key order.
func MarshalJSON(v any) ([]byte, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	out = append(out, '\n')
	return out, nil
}

// MarshalJSONL renders record envelopes as JSONL bytes.
func MarshalJSONL(records []RecordEnvelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeJSONL(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CompressXZ wraps data in an xz stream.
func CompressXZ(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeJSONL(w io.Writer, records []RecordEnvelope) error {
	bw := bufio.NewWriterSize(w, 1<<20)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for _, record := range records {
		if err := enc.Encode(record); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// BuildWarningsFromBundle returns deterministic parse-quality warning notes.
func BuildWarningsFromBundle(bundle *ParsedBundle) []string {
	if bundle == nil {
		return nil
	}
	warnings := make([]string, 0, 4)
	if bundle.HeaderCRC.Present && !bundle.HeaderCRC.Valid {
		warnings = append(warnings, "header CRC mismatch")
	}
	if bundle.HeaderCRC.Present && bundle.HeaderCRC.StoredHex == "0x0000" {
		warnings = append(warnings, "header CRC not set")
	}
	if bundle.FileCRC.Present && !bundle.FileCRC.Valid {
		warnings = append(warnings, "file CRC mismatch")
	}
	if bundle.LeftoverBytesCount > 0 {
		warnings = append(warnings, fmt.Sprintf("leftover trailing bytes detected: %d", bundle.LeftoverBytesCount))
	}
	if n := countRecordKind(bundle.Records, fitproto.RecordCompressedData); n > 0 {
		warnings = append(warnings, fmt.Sprintf("compressed timestamp records: %d", n))
	}
	return dedupeStrings(warnings)
}

func countRecordKind(records []RecordEnvelope, kind fitproto.RecordKind) int {
	name := kind.String()
	n := 0
	for _, rec := range records {
		if rec.RecordKind == name {
			n++
		}
	}
	return n
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
