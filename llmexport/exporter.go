package llmexport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
)

// ExportFile decodes a FIT file and writes a lossless record export.
// Output files:
//   - manifest.json
//   - records.jsonl or records.jsonl.xz
//   - source.fit (optional)
func ExportFile(inputPath, outputDir string, opts ExportOptions) (*ExportResult, error) {
	if strings.TrimSpace(inputPath) == "" {
		return nil, fmt.Errorf("input path is required")
	}
	if strings.TrimSpace(outputDir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, fmt.Errorf("read fit file: %w", err)
	}
	bundle, err := ParseBytes(data, opts.Checks)
	if err != nil {
		return nil, err
	}

	if err := ensureOutputDir(outputDir, opts.Overwrite); err != nil {
		return nil, err
	}

	recordsPath := filepath.Join(outputDir, RecordsFileName)
	compression := ""
	if opts.CompressRecords {
		recordsPath = filepath.Join(outputDir, CompressedRecordsFileName)
		compression = "xz"
	}
	if err := writeJSONL(recordsPath, bundle.Records, opts.CompressRecords); err != nil {
		return nil, fmt.Errorf("write %s: %w", filepath.Base(recordsPath), err)
	}

	manifest := NewManifest(inputPath, data, bundle, filepath.Base(recordsPath), compression)

	manifestPath := filepath.Join(outputDir, ManifestFileName)
	if err := writeJSON(manifestPath, manifest); err != nil {
		return nil, fmt.Errorf("write %s: %w", ManifestFileName, err)
	}

	sourceCopyPath := ""
	if opts.CopySourceFile {
		sourceCopyPath = filepath.Join(outputDir, "source.fit")
		if err := copyFile(inputPath, sourceCopyPath); err != nil {
			return nil, fmt.Errorf("copy source fit file: %w", err)
		}
	}

	return &ExportResult{
		OutputDir:        outputDir,
		ManifestPath:     manifestPath,
		RecordsPath:      recordsPath,
		SourceCopyPath:   sourceCopyPath,
		RecordCount:      len(bundle.Records),
		DefinitionCount:  bundle.DefinitionCount,
		DataMessageCount: bundle.DataMessageCount,
		SourceSHA256:     bundle.SourceSHA256,
		SourceBLAKE3:     bundle.SourceBLAKE3,
		SourceSizeBytes:  bundle.SourceSizeBytes,
		FileCRCValid:     bundle.FileCRC.Valid,
		HeaderCRCValid:   bundle.HeaderCRC.Valid,
		LeftoverBytes:    bundle.LeftoverBytesCount,
	}, nil
}

// NewManifest describes an export of data whose records were written to
// recordsName. compression is empty or "xz".
func NewManifest(sourcePath string, data []byte, bundle *ParsedBundle, recordsName, compression string) Manifest {
	return Manifest{
		FormatVersion:      ExportFormatVersion,
		GeneratedAt:        time.Now().UTC(),
		SourceFile:         sourcePath,
		SourceFileName:     filepath.Base(sourcePath),
		SourceSHA256:       bundle.SourceSHA256,
		SourceBLAKE3:       bundle.SourceBLAKE3,
		SourceSizeBytes:    bundle.SourceSizeBytes,
		Header:             bundle.Header,
		HeaderCRC:          bundle.HeaderCRC,
		FileCRC:            bundle.FileCRC,
		RecordsPath:        recordsName,
		RecordsCompression: compression,
		RecordCount:        len(bundle.Records),
		DefinitionCount:    bundle.DefinitionCount,
		DataMessageCount:   bundle.DataMessageCount,
		LeftoverBytes:      bundle.LeftoverBytesCount,
		FileIDProjection:   ProjectFileIDFromBytes(data),
		Warnings:           BuildWarningsFromBundle(bundle),
		SchemaDescription: SchemaDetails{
			RecordType: "JSONL line-per-FIT-record preserving original order and byte offsets",
			Notes: []string{
				"Lossless: every record is exported with its raw bytes in hex.",
				"Fields carrying their base type's invalid sentinel are exported with invalid=true and a null decoded value.",
				"Developer fields are decoded with the base type from their field description.",
				"Compressed timestamp records carry the reconstructed absolute timestamp.",
				"Use record_index and file_offset for deterministic chunking.",
			},
		},
	}
}

// ReadRecords loads an exported record stream. Paths ending in .xz are
// decompressed.
func ReadRecords(path string) (records []RecordEnvelope, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".xz") {
		xr, err := xz.NewReader(bufio.NewReader(f))
		if err != nil {
			return nil, fmt.Errorf("open xz stream: %w", err)
		}
		r = xr
	}

	dec := json.NewDecoder(r)
	for {
		var rec RecordEnvelope
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return nil, fmt.Errorf("decode record %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
}

func ensureOutputDir(path string, overwrite bool) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("read output directory: %w", err)
	}
	if len(entries) > 0 && !overwrite {
		return fmt.Errorf("output directory is not empty: %s (set overwrite=true to allow)", path)
	}
	return nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONL(path string, records []RecordEnvelope, compress bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if !compress {
		return encodeJSONL(f, records)
	}
	xw, err := xz.NewWriter(f)
	if err != nil {
		return err
	}
	if err := encodeJSONL(xw, records); err != nil {
		return err
	}
	return xw.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
