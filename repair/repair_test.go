package repair

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lucasjlepore/fitrepair/fitcheck"
	"github.com/lucasjlepore/fitrepair/fitproto"
)

// Fixture layout: 14-byte header, file_id definition (12) and data (6),
// record definition (12), then 6-byte record messages.
const (
	firstRecordOffset = 14 + 12 + 6 + 12
	recordSize        = 6
)

func recordBoundary(k int) int { return firstRecordOffset + k*recordSize }

func TestScanCleanFile(t *testing.T) {
	data := buildActivity(t, 10)

	scan, err := Scan(data, Options{})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if !scan.Clean || scan.Err != nil {
		t.Fatalf("expected clean scan, got %+v", scan)
	}
	if scan.Records != 13 {
		t.Fatalf("scan decoded %d records, want 13", scan.Records)
	}

	res, err := Repair(data, Options{})
	if err != nil {
		t.Fatalf("Repair error: %v", err)
	}
	if !res.Clean || len(res.Excisions) != 0 || !bytes.Equal(res.Repaired, data) {
		t.Fatalf("clean file should pass through untouched: %+v", res)
	}
}

func TestScanLocatesCorruptionStart(t *testing.T) {
	good := buildActivity(t, 10)
	bad := splice(t, good, recordBoundary(2), 7)

	scan, err := Scan(bad, Options{})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if scan.Clean {
		t.Fatal("expected corrupted scan")
	}
	if scan.RecordOffset != int64(recordBoundary(2)) {
		t.Fatalf("corruption start = %d, want %d", scan.RecordOffset, recordBoundary(2))
	}
	if fitproto.KindOf(scan.Err) != fitproto.KindReservedBit {
		t.Fatalf("unexpected scan error: %v", scan.Err)
	}
}

func TestRepairSingleGap(t *testing.T) {
	good := buildActivity(t, 10)
	bad := splice(t, good, recordBoundary(2), 7)

	res, err := Repair(bad, Options{})
	if err != nil {
		t.Fatalf("Repair error: %v", err)
	}
	want := []Excision{{Offset: int64(recordBoundary(2)), Length: 7}}
	if diff := cmp.Diff(want, res.Excisions); diff != "" {
		t.Fatalf("excisions mismatch (-want +got):\n%s", diff)
	}
	if res.Stats.Candidates != 7 {
		t.Fatalf("tried %d candidates, want 7", res.Stats.Candidates)
	}
	if res.FirstError == "" {
		t.Fatal("expected first error text")
	}
	assertRepaired(t, res.Repaired, good)
}

func TestRepairMultiGap(t *testing.T) {
	good := buildActivity(t, 20)
	// Splice the later gap first so the earlier one does not shift it.
	bad := splice(t, good, recordBoundary(8), 9)
	bad = splice(t, bad, recordBoundary(2), 5)

	res, err := Repair(bad, Options{MultiGap: true, ConfirmMessages: 3})
	if err != nil {
		t.Fatalf("Repair error: %v", err)
	}
	want := []Excision{
		{Offset: int64(recordBoundary(2)), Length: 5},
		{Offset: int64(recordBoundary(8)) + 5, Length: 9},
	}
	if diff := cmp.Diff(want, res.Excisions); diff != "" {
		t.Fatalf("excisions mismatch (-want +got):\n%s", diff)
	}
	assertRepaired(t, res.Repaired, good)
}

func TestLocateSingleGapModeSpansBothGaps(t *testing.T) {
	good := buildActivity(t, 20)
	bad := splice(t, good, recordBoundary(8), 9)
	bad = splice(t, bad, recordBoundary(2), 5)

	excisions, _, err := Locate(bad, Options{})
	if err != nil {
		t.Fatalf("Locate error: %v", err)
	}
	start := int64(recordBoundary(2))
	end := int64(recordBoundary(8)) + 5 + 9
	want := []Excision{{Offset: start, Length: end - start}}
	if diff := cmp.Diff(want, excisions); diff != "" {
		t.Fatalf("excisions mismatch (-want +got):\n%s", diff)
	}

	repaired, err := Apply(bad, excisions)
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if err := decodeClean(repaired); err != nil {
		t.Fatalf("repaired output does not decode: %v", err)
	}
}

func TestLocateHonorsMaxExcision(t *testing.T) {
	bad := splice(t, buildActivity(t, 10), recordBoundary(2), 7)

	_, stats, err := Locate(bad, Options{MaxExcision: 3})
	if !errors.Is(err, ErrUnrecoverable) {
		t.Fatalf("want ErrUnrecoverable, got %v", err)
	}
	if stats.Candidates != 3 {
		t.Fatalf("tried %d candidates, want 3", stats.Candidates)
	}
}

// A splice inside a record's field data is absorbed by that record, so the
// search starts at the end of the record rather than at the splice and cuts
// the record's own trailing bytes.
func TestRepairSpliceInsideFieldData(t *testing.T) {
	good := buildActivity(t, 1)
	recordStart := recordBoundary(0)
	recordEnd := recordBoundary(1)

	for off := recordStart + 1; off < recordEnd; off++ {
		for k := 1; k <= 4; k++ {
			bad := splice(t, good, off, k)

			scan, err := Scan(bad, Options{})
			if err != nil {
				t.Fatalf("splice %d@%d: Scan error: %v", k, off, err)
			}
			if scan.Clean || scan.RecordOffset != int64(recordEnd) {
				t.Fatalf("splice %d@%d: scan = %+v, want failure at %d", k, off, scan, recordEnd)
			}

			res, err := Repair(bad, Options{})
			if err != nil {
				t.Fatalf("splice %d@%d: Repair error: %v", k, off, err)
			}
			if len(res.Excisions) != 1 {
				t.Fatalf("splice %d@%d: excisions = %+v", k, off, res.Excisions)
			}
			ex := res.Excisions[0]
			if ex.Offset != int64(recordEnd) || ex.Length < int64(k) {
				t.Fatalf("splice %d@%d: excision = %+v, want offset %d and length >= %d", k, off, ex, recordEnd, k)
			}
			if len(res.Repaired) != len(good) {
				t.Fatalf("splice %d@%d: repaired is %d bytes, want %d", k, off, len(res.Repaired), len(good))
			}
			if err := decodeClean(res.Repaired); err != nil {
				t.Fatalf("splice %d@%d: repaired output does not decode: %v", k, off, err)
			}
		}
	}
}

func TestRepairRecordOverrunningDataRegion(t *testing.T) {
	data := buildActivity(t, 3)
	// Shrink the declared data size so the last record ends two bytes past it.
	binary.LittleEndian.PutUint32(data[4:8], binary.LittleEndian.Uint32(data[4:8])-2)
	data[12], data[13] = 0, 0

	scan, err := Scan(data, Options{})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if fitproto.KindOf(scan.Err) != fitproto.KindDataSizeMismatch {
		t.Fatalf("unexpected scan error: %v", scan.Err)
	}
	if scan.RecordOffset != int64(recordBoundary(2)) {
		t.Fatalf("corruption start = %d, want %d", scan.RecordOffset, recordBoundary(2))
	}

	res, err := Repair(data, Options{})
	if err != nil {
		t.Fatalf("Repair error: %v", err)
	}
	want := []Excision{{Offset: int64(recordBoundary(2)), Length: recordSize - 2}}
	if diff := cmp.Diff(want, res.Excisions); diff != "" {
		t.Fatalf("excisions mismatch (-want +got):\n%s", diff)
	}
	if err := decodeClean(res.Repaired); err != nil {
		t.Fatalf("repaired output does not decode: %v", err)
	}
}

func TestLocateUsesConfiguredChecks(t *testing.T) {
	good := buildActivity(t, 10)
	// Rewrite the third record's timestamp below the second's.
	off := recordBoundary(2) + 1
	binary.LittleEndian.PutUint32(good[off:off+4], 0x30303030)

	none, err := fitcheck.New()
	if err != nil {
		t.Fatalf("fitcheck.New error: %v", err)
	}
	scan, err := Scan(good, Options{Checks: none})
	if err != nil || !scan.Clean {
		t.Fatalf("without checks the stream should decode: %+v, %v", scan, err)
	}

	scan, err = Scan(good, Options{})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if fitproto.KindOf(scan.Err) != fitproto.KindDecreasingTimestamp {
		t.Fatalf("want decreasing timestamp failure, got %v", scan.Err)
	}
}

func TestApplyValidatesExcisions(t *testing.T) {
	data := buildActivity(t, 4)
	end := int64(len(data) - 2)

	tests := []struct {
		name      string
		excisions []Excision
	}{
		{"inside header", []Excision{{Offset: 4, Length: 2}}},
		{"zero length", []Excision{{Offset: 50, Length: 0}}},
		{"past end", []Excision{{Offset: end - 1, Length: 2}}},
		{"overlapping", []Excision{{Offset: 50, Length: 6}, {Offset: 52, Length: 1}}},
		{"out of order", []Excision{{Offset: 60, Length: 1}, {Offset: 50, Length: 1}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Apply(data, tc.excisions); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestApplyRebuildsFraming(t *testing.T) {
	data := buildActivity(t, 4)
	ex := []Excision{{Offset: int64(recordBoundary(1)), Length: recordSize}, {Offset: int64(recordBoundary(3)), Length: recordSize}}

	out, err := Apply(data, ex)
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if len(out) != len(data)-2*recordSize {
		t.Fatalf("output is %d bytes, want %d", len(out), len(data)-2*recordSize)
	}
	h, err := fitproto.ParseHeader(out)
	if err != nil {
		t.Fatalf("ParseHeader error: %v", err)
	}
	if h.Size != 14 || h.CRC != 0 || int(h.DataSize) != len(out)-16 {
		t.Fatalf("unexpected header: %+v", h)
	}
	if got, want := binary.LittleEndian.Uint16(out[len(out)-2:]), fitproto.Checksum(out[:len(out)-2]); got != want {
		t.Fatalf("footer CRC 0x%04X, want 0x%04X", got, want)
	}
	if err := decodeClean(out); err != nil {
		t.Fatalf("output does not decode: %v", err)
	}
}

func assertRepaired(t *testing.T, repaired, good []byte) {
	t.Helper()

	if len(repaired) != len(good) {
		t.Fatalf("repaired file is %d bytes, original %d", len(repaired), len(good))
	}
	if !bytes.Equal(repaired[:12], good[:12]) {
		t.Fatalf("header mismatch:\n got %x\nwant %x", repaired[:12], good[:12])
	}
	if repaired[12] != 0 || repaired[13] != 0 {
		t.Fatalf("repaired header CRC should be zero, got %x", repaired[12:14])
	}
	if !bytes.Equal(repaired[14:len(repaired)-2], good[14:len(good)-2]) {
		t.Fatal("repaired data region differs from the original")
	}
	if got, want := binary.LittleEndian.Uint16(repaired[len(repaired)-2:]), fitproto.Checksum(repaired[:len(repaired)-2]); got != want {
		t.Fatalf("footer CRC 0x%04X, want 0x%04X", got, want)
	}
	if err := decodeClean(repaired); err != nil {
		t.Fatalf("repaired output does not decode: %v", err)
	}
}

// buildActivity writes file_id plus n record messages. Every byte inside a
// record body has bit 4 or 5 set without bit 6 or 7, so a decode that lands
// mid-record fails on the reserved bits right away.
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
		ts := uint64(0x30303030 + i%16)
		if i >= 16 {
			ts = uint64(0x31303030 + i%16)
		}
		must(e.WriteData(&fitproto.DataMessage{LocalType: 1, Fields: []fitproto.Field{
			{Key: fitproto.NativeKey(253), Value: fitproto.Uint(fitproto.BaseUint32, ts)},
			{Key: fitproto.NativeKey(3), Value: fitproto.Uint(fitproto.BaseUint8, 0x20)},
		}}))
	}
	must(e.Close())
	return buf.Bytes()
}

// splice inserts n junk bytes at offset and grows the declared data size to
// match, leaving the header CRC unchecked and the footer stale.
func splice(t *testing.T, data []byte, offset, n int) []byte {
	t.Helper()

	junk := bytes.Repeat([]byte{0x3F}, n)
	out := make([]byte, 0, len(data)+n)
	out = append(out, data[:offset]...)
	out = append(out, junk...)
	out = append(out, data[offset:]...)
	binary.LittleEndian.PutUint32(out[4:8], binary.LittleEndian.Uint32(out[4:8])+uint32(n))
	out[12], out[13] = 0, 0
	return out
}

func decodeClean(data []byte) error {
	r := fitproto.NewReader(bytes.NewReader(data), fitcheck.Default()...)
	if _, err := r.ReadHeader(); err != nil {
		return err
	}
	for r.More() {
		if _, _, err := r.Next(); err != nil {
			return err
		}
	}
	_, err := r.ReadFooter()
	return err
}
