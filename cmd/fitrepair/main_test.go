package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasjlepore/fitrepair/fitproto"
	"github.com/lucasjlepore/fitrepair/repair"
)

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"version"}, &out, &bytes.Buffer{}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "fitrepair ") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestCheckReportsCorruption(t *testing.T) {
	dir := t.TempDir()
	clean := writeFixture(t, dir, "clean.fit", 0)
	bad := writeFixture(t, dir, "bad.fit", 5)

	var out bytes.Buffer
	if err := run([]string{"check", clean}, &out, &bytes.Buffer{}); err != nil {
		t.Fatalf("check clean: %v", err)
	}
	if !strings.Contains(out.String(), "clean:   7 records") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	out.Reset()
	err := run([]string{"check", bad}, &out, &bytes.Buffer{})
	if fitproto.KindOf(err) != fitproto.KindReservedBit {
		t.Fatalf("want reserved bit error, got %v", err)
	}
	if !strings.Contains(out.String(), "corrupt: 6 records decoded") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	if err := run([]string{"check", "--checks", "no-such-check", clean}, &out, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown check")
	}
}

func TestRepairWritesDecodableFile(t *testing.T) {
	dir := t.TempDir()
	bad := writeFixture(t, dir, "bad.fit", 5)
	fixed := filepath.Join(dir, "fixed.fit")
	report := filepath.Join(dir, "repair.json")

	var out bytes.Buffer
	if err := run([]string{"--log-level", "debug", "repair", bad, "-o", fixed, "--report", report}, &out, &bytes.Buffer{}); err != nil {
		t.Fatalf("repair: %v", err)
	}
	if !strings.Contains(out.String(), "excised [") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
	if _, err := os.Stat(report); err != nil {
		t.Fatalf("report missing: %v", err)
	}

	out.Reset()
	if err := run([]string{"dump", fixed}, &out, &bytes.Buffer{}); err != nil {
		t.Fatalf("dump repaired: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "footer crc=") {
		t.Fatalf("dump did not reach the footer:\n%s", out.String())
	}
}

func TestRepairGivesUpPastMaxExcision(t *testing.T) {
	dir := t.TempDir()
	bad := writeFixture(t, dir, "bad.fit", 5)
	err := run([]string{"repair", bad, "-o", filepath.Join(dir, "fixed.fit"), "--max-excision", "2"}, &bytes.Buffer{}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), repair.ErrUnrecoverable.Error()) {
		t.Fatalf("want unrecoverable error, got %v", err)
	}
}

func TestExportThenDumpRecords(t *testing.T) {
	dir := t.TempDir()
	clean := writeFixture(t, dir, "clean.fit", 0)
	outDir := filepath.Join(dir, "export")

	var out bytes.Buffer
	if err := run([]string{"export", clean, "--out-dir", outDir, "--compress", "--no-copy-source"}, &out, &bytes.Buffer{}); err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "source.fit")); !os.IsNotExist(err) {
		t.Fatalf("source copy should be skipped, stat err=%v", err)
	}

	out.Reset()
	if err := run([]string{"dump", filepath.Join(outDir, "records.jsonl.xz")}, &out, &bytes.Buffer{}); err != nil {
		t.Fatalf("dump export: %v", err)
	}
	if !strings.HasSuffix(out.String(), "7 records\n") {
		t.Fatalf("unexpected dump output:\n%s", out.String())
	}
}

func TestReportWithConfigFile(t *testing.T) {
	dir := t.TempDir()
	bad := writeFixture(t, dir, "bad.fit", 5)
	cfgPath := filepath.Join(dir, "fitrepair.yaml")
	cfg := "export:\n  index_format: csv\nlogging:\n  format: json\n  file: logs/run.log\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run([]string{"--config", cfgPath, "report", bad, "-o", filepath.Join(dir, "out")}, &out, &bytes.Buffer{}); err != nil {
		t.Fatalf("report: %v\n%s", err, out.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "out", "records_index.csv")); err != nil {
		t.Fatalf("csv index missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "logs", "run.log")); err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	if !strings.Contains(out.String(), "excisions:      1 (5 bytes)") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestReportListsConfiguredChecks(t *testing.T) {
	dir := t.TempDir()
	clean := writeFixture(t, dir, "clean.fit", 0)
	cfgPath := filepath.Join(dir, "fitrepair.yaml")
	if err := os.WriteFile(cfgPath, []byte("checks: null\nexport:\n  index_format: csv\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	outDir := filepath.Join(dir, "out")
	if err := run([]string{"--config", cfgPath, "report", clean, "-o", outDir}, &bytes.Buffer{}, &bytes.Buffer{}); err != nil {
		t.Fatalf("report: %v", err)
	}
	body, err := os.ReadFile(filepath.Join(outDir, "repair_report.json"))
	if err != nil {
		t.Fatal(err)
	}
	var report struct {
		Options struct {
			Checks []string `json:"checks"`
		} `json:"options"`
	}
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.Options.Checks == nil || len(report.Options.Checks) != 0 {
		t.Fatalf("report checks = %#v, want empty list", report.Options.Checks)
	}
}

// writeFixture writes a file_id and four records; junk > 0 splices that many
// 0x3F bytes in front of the fourth record.
func writeFixture(t *testing.T, dir, name string, junk int) string {
	t.Helper()

	var buf bytes.Buffer
	e := fitproto.NewEncoder(&buf, 0x20, 2132)
	steps := []func() error{
		func() error {
			return e.WriteDefinition(&fitproto.DefinitionMessage{GlobalNum: fitproto.MesgNumFileID, Fields: []fitproto.FieldDefinition{
				{Num: 0, Size: 1, Type: fitproto.BaseEnum},
			}})
		},
		func() error {
			return e.WriteData(&fitproto.DataMessage{Fields: []fitproto.Field{
				{Key: fitproto.NativeKey(0), Value: fitproto.Uint(fitproto.BaseEnum, 4)},
			}})
		},
		func() error {
			return e.WriteDefinition(&fitproto.DefinitionMessage{LocalType: 1, GlobalNum: fitproto.MesgNumRecord, Fields: []fitproto.FieldDefinition{
				{Num: 253, Size: 4, Type: fitproto.BaseUint32},
				{Num: 3, Size: 1, Type: fitproto.BaseUint8},
			}})
		},
	}
	for i := 0; i < 4; i++ {
		ts := uint64(0x30303030 + i)
		steps = append(steps, func() error {
			return e.WriteData(&fitproto.DataMessage{LocalType: 1, Fields: []fitproto.Field{
				{Key: fitproto.NativeKey(253), Value: fitproto.Uint(fitproto.BaseUint32, ts)},
				{Key: fitproto.NativeKey(3), Value: fitproto.Uint(fitproto.BaseUint8, 0x20)},
			}})
		})
	}
	steps = append(steps, e.Close)
	for _, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("encode fixture: %v", err)
		}
	}

	data := buf.Bytes()
	if junk > 0 {
		// header 14, file_id definition 9 and data 2, record definition 12,
		// then 6-byte records.
		at := 14 + 9 + 2 + 12 + 3*6
		spliced := append([]byte(nil), data[:at]...)
		spliced = append(spliced, bytes.Repeat([]byte{0x3F}, junk)...)
		spliced = append(spliced, data[at:]...)
		binary.LittleEndian.PutUint32(spliced[4:8], binary.LittleEndian.Uint32(spliced[4:8])+uint32(junk))
		spliced[12], spliced[13] = 0, 0
		data = spliced
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}
