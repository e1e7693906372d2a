package pipeline

import (
	"bytes"
	"encoding/binary"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/lucasjlepore/fitrepair/fitcheck"
	"github.com/lucasjlepore/fitrepair/fitproto"
	"github.com/lucasjlepore/fitrepair/llmexport"
	"github.com/lucasjlepore/fitrepair/repair"
)

// Fixture layout: 14-byte header, file_id definition (12) and data (6),
// record definition (12), then 6-byte records.
const firstRecordOffset = 14 + 12 + 6 + 12

func TestRunBytesRepairsCorruptedStream(t *testing.T) {
	clean := buildActivity(t, 10)
	corrupted := splice(t, clean, firstRecordOffset+2*6, 7)

	res, err := RunBytes(BytesOptions{
		SourceFileName: "ride.fit",
		FitData:        corrupted,
		IndexFormat:    "csv",
		CopySource:     true,
	})
	if err != nil {
		t.Fatalf("RunBytes() error: %v", err)
	}

	required := []string{
		RepairedFileName,
		ReportFileName,
		MessagesFileName,
		"export/manifest.json",
		"export/records.jsonl",
		"records_index.csv",
		"source.fit",
	}
	for _, name := range required {
		if _, ok := res.Files[name]; !ok {
			t.Fatalf("missing artifact %s", name)
		}
	}

	report := res.Report
	if report.Clean || !report.Repaired {
		t.Fatalf("clean=%v repaired=%v", report.Clean, report.Repaired)
	}
	want := []repair.Excision{{Offset: firstRecordOffset + 2*6, Length: 7}}
	if diff := cmp.Diff(want, report.Excisions); diff != "" {
		t.Fatalf("excisions mismatch (-want +got):\n%s", diff)
	}
	if report.BytesRemoved != 7 || report.CorruptionStart != want[0].Offset {
		t.Fatalf("bytes removed %d, corruption start %d", report.BytesRemoved, report.CorruptionStart)
	}
	if report.FirstError == "" || report.FirstErrorKind == "" {
		t.Fatalf("first error not reported: %+v", report)
	}
	if report.Output == nil || report.Output.SizeBytes != int64(len(corrupted)-7) {
		t.Fatalf("unexpected output digest: %+v", report.Output)
	}
	if report.Input.SHA256 == report.Output.SHA256 {
		t.Fatal("input and output digests should differ")
	}
	if _, err := uuid.Parse(report.RunID); err != nil {
		t.Fatalf("run id %q: %v", report.RunID, err)
	}

	repaired := res.Files[RepairedFileName]
	if !bytes.Equal(repaired[14:len(repaired)-2], clean[14:len(clean)-2]) {
		t.Fatal("repaired data region differs from the uncorrupted stream")
	}
	if !bytes.Equal(res.Files["source.fit"], corrupted) {
		t.Fatal("source copy differs from input")
	}

	rows, err := csv.NewReader(bytes.NewReader(res.Files["records_index.csv"])).ReadAll()
	if err != nil {
		t.Fatalf("read index csv: %v", err)
	}
	if diff := cmp.Diff(indexColumns, rows[0]); diff != "" {
		t.Fatalf("index header mismatch (-want +got):\n%s", diff)
	}
	if len(rows) != 1+13 {
		t.Fatalf("index has %d rows, want 13", len(rows)-1)
	}

	var stored RepairReport
	if err := json.Unmarshal(res.Files[ReportFileName], &stored); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if stored.RunID != report.RunID || len(stored.Excisions) != 1 {
		t.Fatalf("stored report differs: %+v", stored)
	}
}

func TestRunBytesCleanInputIsUnchanged(t *testing.T) {
	clean := buildActivity(t, 4)

	res, err := RunBytes(BytesOptions{FitData: clean})
	if err != nil {
		t.Fatalf("RunBytes() error: %v", err)
	}
	if !res.Report.Clean || res.Report.Repaired || len(res.Report.Excisions) != 0 {
		t.Fatalf("unexpected report: %+v", res.Report)
	}
	if !bytes.Equal(res.Files[RepairedFileName], clean) {
		t.Fatal("clean input should be passed through unchanged")
	}
	index := res.Files["records_index.parquet"]
	if !bytes.HasPrefix(index, []byte("PAR1")) {
		t.Fatalf("records_index.parquet does not look like parquet (%d bytes)", len(index))
	}
	if diff := cmp.Diff(fitcheck.DefaultNames, res.Report.Options.Checks); diff != "" {
		t.Fatalf("checks mismatch (-want +got):\n%s", diff)
	}
}

func TestRunWritesArtifacts(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "ride.fit")
	corrupted := splice(t, buildActivity(t, 6), firstRecordOffset+6, 3)
	if err := os.WriteFile(inputPath, corrupted, 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	res, err := Run(Options{
		FitPath:         inputPath,
		OutDir:          filepath.Join(tmp, "out"),
		IndexFormat:     "csv",
		CompressRecords: true,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	for _, p := range []string{res.RepairedPath, res.ReportPath, res.ManifestPath, res.RecordsPath, res.MessagesIndexPath, res.RecordsIndexPath} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("artifact missing: %v", err)
		}
	}
	if filepath.Base(res.RecordsPath) != llmexport.CompressedRecordsFileName {
		t.Fatalf("records path = %s", res.RecordsPath)
	}

	records, err := llmexport.ReadRecords(res.RecordsPath)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(records) != 3+6 {
		t.Fatalf("exported %d records, want 9", len(records))
	}

	var manifest llmexport.Manifest
	data, err := os.ReadFile(res.ManifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if manifest.RecordsCompression != "xz" || !manifest.FileCRC.Valid {
		t.Fatalf("unexpected manifest: compression=%q file_crc=%+v", manifest.RecordsCompression, manifest.FileCRC)
	}

	if _, err := Run(Options{FitPath: inputPath, OutDir: filepath.Join(tmp, "out")}); err == nil {
		t.Fatal("expected error for non-empty output directory")
	}
}

func TestRunReportsUnrecoverableStream(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "ride.fit")
	corrupted := splice(t, buildActivity(t, 6), firstRecordOffset+6, 9)
	if err := os.WriteFile(inputPath, corrupted, 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	res, err := Run(Options{
		FitPath:     inputPath,
		OutDir:      filepath.Join(tmp, "out"),
		Repair:      repair.Options{MaxExcision: 3},
		IndexFormat: "csv",
	})
	if !errors.Is(err, repair.ErrUnrecoverable) {
		t.Fatalf("want ErrUnrecoverable, got %v", err)
	}
	if res == nil || res.Report.Error == "" || res.Report.Stats.Candidates != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := os.Stat(res.ReportPath); err != nil {
		t.Fatalf("report missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmp, "out", RepairedFileName)); !os.IsNotExist(err) {
		t.Fatalf("repaired file should not be written, stat err=%v", err)
	}
}

func TestRunBytesReportsChecksThatRan(t *testing.T) {
	data := buildActivity(t, 3)
	// Third record's timestamp drops below the second's.
	off := firstRecordOffset + 2*6 + 1
	binary.LittleEndian.PutUint32(data[off:off+4], 0x30303000)

	res, err := RunBytes(BytesOptions{FitData: data, IndexFormat: "csv", Checks: []string{}})
	if err != nil {
		t.Fatalf("RunBytes() error: %v", err)
	}
	if !res.Report.Clean {
		t.Fatalf("no checks should run, got first error %q", res.Report.FirstError)
	}
	if got := res.Report.Options.Checks; got == nil || len(got) != 0 {
		t.Fatalf("checks = %#v, want empty list", got)
	}
	var raw map[string]any
	if err := json.Unmarshal(res.Files[ReportFileName], &raw); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if checks, ok := raw["options"].(map[string]any)["checks"].([]any); !ok || len(checks) != 0 {
		t.Fatalf("report options.checks = %#v, want []", raw["options"])
	}

	none, err := fitcheck.New()
	if err != nil {
		t.Fatalf("fitcheck.New error: %v", err)
	}
	res, err = RunBytes(BytesOptions{FitData: data, IndexFormat: "csv", Repair: repair.Options{Checks: none}})
	if err != nil {
		t.Fatalf("RunBytes() error: %v", err)
	}
	if !res.Report.Clean || res.Report.Options.Checks != nil {
		t.Fatalf("unnamed factory: clean=%v checks=%#v", res.Report.Clean, res.Report.Options.Checks)
	}

	res, err = RunBytes(BytesOptions{FitData: data, IndexFormat: "csv"})
	if res == nil || res.Report.Clean {
		t.Fatalf("default checks should reject the stream, err=%v", err)
	}
	if diff := cmp.Diff(fitcheck.DefaultNames, res.Report.Options.Checks); diff != "" {
		t.Fatalf("checks mismatch (-want +got):\n%s", diff)
	}
}

func TestRunBytesRejectsBadOptions(t *testing.T) {
	data := buildActivity(t, 2)
	if _, err := RunBytes(BytesOptions{FitData: data, IndexFormat: "xlsx"}); err == nil {
		t.Fatal("expected error for unknown index format")
	}
	if _, err := RunBytes(BytesOptions{FitData: data, Checks: []string{"no-such-check"}}); err == nil {
		t.Fatal("expected error for unknown check")
	}
	if _, err := RunBytes(BytesOptions{}); err == nil {
		t.Fatal("expected error for empty input")
	}
	if _, err := RunBytes(BytesOptions{FitData: []byte("not a fit file")}); err == nil {
		t.Fatal("expected error for unreadable header")
	}
}

func TestBuildMessagesIndexTracksRedefinitions(t *testing.T) {
	field := llmexport.FieldDefinition{FieldNumber: 253, Name: "timestamp", Size: 4, BaseType: llmexport.BaseTypeInfo{Name: "uint32"}}
	def := func(local uint8, global uint16) llmexport.RecordEnvelope {
		return llmexport.RecordEnvelope{
			RecordKind:       "definition",
			LocalMessageType: local,
			GlobalMessageNum: global,
			MessageName:      "m",
			Definition:       &llmexport.DefinitionRecord{FieldDefinitions: []llmexport.FieldDefinition{field}},
		}
	}
	idx := buildMessagesIndex([]llmexport.RecordEnvelope{def(0, 0), def(1, 20), def(0, 21), {RecordKind: "data"}})

	if len(idx.LocalMessageTypes) != 2 {
		t.Fatalf("want 2 local types, got %d", len(idx.LocalMessageTypes))
	}
	first := idx.LocalMessageTypes[0]
	if first.GlobalMessageNum != 21 || first.Redefinitions != 1 {
		t.Fatalf("local 0 = %+v", first)
	}
	if first.Fields["253"].BaseType != "uint32" {
		t.Fatalf("field meta = %+v", first.Fields["253"])
	}
	want := map[string][]int{"0": {0}, "20": {1}, "21": {0}}
	if diff := cmp.Diff(want, idx.ReverseIndex); diff != "" {
		t.Fatalf("reverse index mismatch (-want +got):\n%s", diff)
	}
}

// buildActivity writes a file_id and n records whose bytes all carry reserved
// record-header bits, so decoding from inside a record fails at once.
func buildActivity(t *testing.T, n int) []byte {
	t.Helper()

	var buf bytes.Buffer
	e := fitproto.NewEncoder(&buf, 0x20, 2132)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("encode error: %v", err)
		}
	}
	must(e.WriteDefinition(&fitproto.DefinitionMessage{LocalType: 0, GlobalNum: fitproto.MesgNumFileID, Fields: []fitproto.FieldDefinition{
		{Num: 0, Size: 1, Type: fitproto.BaseEnum},
		{Num: 4, Size: 4, Type: fitproto.BaseUint32},
	}}))
	must(e.WriteData(&fitproto.DataMessage{LocalType: 0, Fields: []fitproto.Field{
		{Key: fitproto.NativeKey(0), Value: fitproto.Uint(fitproto.BaseEnum, 4)},
		{Key: fitproto.NativeKey(4), Value: fitproto.Uint(fitproto.BaseUint32, 1_000_000)},
	}}))
	must(e.WriteDefinition(&fitproto.DefinitionMessage{LocalType: 1, GlobalNum: fitproto.MesgNumRecord, Fields: []fitproto.FieldDefinition{
		{Num: 253, Size: 4, Type: fitproto.BaseUint32},
		{Num: 3, Size: 1, Type: fitproto.BaseUint8},
	}}))
	for i := 0; i < n; i++ {
		must(e.WriteData(&fitproto.DataMessage{LocalType: 1, Fields: []fitproto.Field{
			{Key: fitproto.NativeKey(253), Value: fitproto.Uint(fitproto.BaseUint32, uint64(0x30303030+i))},
			{Key: fitproto.NativeKey(3), Value: fitproto.Uint(fitproto.BaseUint8, 0x20)},
		}}))
	}
	must(e.Close())
	return buf.Bytes()
}

// splice inserts n junk bytes at offset and grows the declared data size.
func splice(t *testing.T, data []byte, offset, n int) []byte {
	t.Helper()

	out := make([]byte, 0, len(data)+n)
	out = append(out, data[:offset]...)
	out = append(out, bytes.Repeat([]byte{0x3F}, n)...)
	out = append(out, data[offset:]...)
	binary.LittleEndian.PutUint32(out[4:8], binary.LittleEndian.Uint32(out[4:8])+uint32(n))
	out[12], out[13] = 0, 0
	return out
}
