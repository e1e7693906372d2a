package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lucasjlepore/fitrepair/fitcheck"
	"github.com/lucasjlepore/fitrepair/fitproto"
	"github.com/lucasjlepore/fitrepair/llmexport"
	"github.com/lucasjlepore/fitrepair/repair"
)

// Run repairs a FIT file and writes the repaired stream, the repair report, a
// record export of the repaired stream and both indexes under OutDir. When no
// repair is found the report is still written and the error is returned.
func Run(opts Options) (*Result, error) {
	if strings.TrimSpace(opts.FitPath) == "" {
		return nil, fmt.Errorf("fit path is required")
	}
	if strings.TrimSpace(opts.OutDir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	data, err := os.ReadFile(opts.FitPath)
	if err != nil {
		return nil, fmt.Errorf("read fit file: %w", err)
	}
	if err := ensureOutputDir(opts.OutDir, opts.Overwrite); err != nil {
		return nil, err
	}

	out, runErr := process(filepath.Base(opts.FitPath), data, runSettings{
		repair:          opts.Repair,
		checks:          opts.Checks,
		indexFormat:     opts.IndexFormat,
		compressRecords: opts.CompressRecords,
		copySource:      opts.CopySource,
		logger:          opts.Logger,
	})
	if out == nil {
		return nil, runErr
	}

	names := make([]string, 0, len(out.files))
	for name := range out.files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dst := filepath.Join(opts.OutDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
		}
		if err := os.WriteFile(dst, out.files[name], 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
	}

	res := &Result{
		OutputDir:  opts.OutDir,
		ReportPath: filepath.Join(opts.OutDir, ReportFileName),
		Report:     out.report,
	}
	if runErr != nil {
		return res, runErr
	}
	join := func(name string) string { return filepath.Join(opts.OutDir, filepath.FromSlash(name)) }
	res.RepairedPath = join(RepairedFileName)
	res.ManifestPath = join(path.Join(ExportDirName, llmexport.ManifestFileName))
	res.RecordsPath = join(out.recordsName)
	res.MessagesIndexPath = join(MessagesFileName)
	res.RecordsIndexPath = join(out.indexName)
	if opts.CopySource {
		res.SourceCopyPath = join("source.fit")
	}
	return res, nil
}

// RunBytes is Run without a filesystem: every artifact is returned in memory
// keyed by its slash-separated path relative to the output directory.
func RunBytes(opts BytesOptions) (*BytesResult, error) {
	if len(opts.FitData) == 0 {
		return nil, fmt.Errorf("fit data is required")
	}
	name := opts.SourceFileName
	if strings.TrimSpace(name) == "" {
		name = "input.fit"
	}
	out, err := process(name, opts.FitData, runSettings{
		repair:          opts.Repair,
		checks:          opts.Checks,
		indexFormat:     opts.IndexFormat,
		compressRecords: opts.CompressRecords,
		copySource:      opts.CopySource,
		logger:          opts.Logger,
	})
	if out == nil {
		return nil, err
	}
	return &BytesResult{Files: out.files, Report: out.report}, err
}

type runSettings struct {
	repair          repair.Options
	checks          []string
	indexFormat     string
	compressRecords bool
	copySource      bool
	logger          *slog.Logger
}

type runOutput struct {
	files       map[string][]byte
	report      *RepairReport
	recordsName string
	indexName   string
}

// process returns nil output only when nothing, not even a report, could be
// produced. An unrecoverable stream yields the report and the error.
func process(sourceName string, data []byte, s runSettings) (*runOutput, error) {
	format := strings.ToLower(strings.TrimSpace(s.indexFormat))
	if format == "" {
		format = "parquet"
	}
	if format != "parquet" && format != "csv" {
		return nil, fmt.Errorf("unsupported index format %q (expected parquet|csv)", format)
	}

	// Named checks win over a caller-supplied factory; an empty, non-nil list
	// runs no checks. A factory without names is reported as unnamed.
	ropts := s.repair
	var checkNames []string
	switch {
	case s.checks != nil:
		factory, err := fitcheck.New(s.checks...)
		if err != nil {
			return nil, err
		}
		ropts.Checks = factory
		checkNames = s.checks
	case ropts.Checks == nil:
		ropts.Checks = fitcheck.Default
		checkNames = fitcheck.DefaultNames
	}
	if s.logger != nil {
		ropts.Logger = s.logger
	}
	log := ropts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	scan, err := repair.Scan(data, ropts)
	if err != nil {
		return nil, err
	}
	report := newReport(sourceName, data, scan, ropts, checkNames)
	out := &runOutput{files: make(map[string][]byte), report: report}
	log.Info("scanned input", "file", sourceName, "clean", scan.Clean, "records", scan.Records)

	repaired := data
	if !scan.Clean {
		excisions, stats, err := repair.Locate(data, ropts)
		report.Stats = stats
		if err != nil {
			report.Error = err.Error()
			return out, finishReport(out, fmt.Errorf("locate corruption: %w", err))
		}
		if repaired, err = repair.Apply(data, excisions); err != nil {
			report.Error = err.Error()
			return out, finishReport(out, fmt.Errorf("apply excisions: %w", err))
		}
		report.Repaired = true
		report.Excisions = excisions
		for _, ex := range excisions {
			report.BytesRemoved += ex.Length
		}
		log.Info("repaired input", "excisions", len(excisions), "bytes_removed", report.BytesRemoved, "passes", stats.Passes)
	}
	output := digest(repaired)
	report.Output = &output
	out.files[RepairedFileName] = repaired

	bundle, err := llmexport.ParseBytes(repaired, ropts.Checks)
	if err != nil {
		report.Error = err.Error()
		return out, finishReport(out, fmt.Errorf("export repaired stream: %w", err))
	}
	if err := addExport(out, sourceName, repaired, bundle, s.compressRecords); err != nil {
		return nil, err
	}

	msgIndex, err := llmexport.MarshalJSON(buildMessagesIndex(bundle.Records))
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", MessagesFileName, err)
	}
	out.files[MessagesFileName] = msgIndex

	rows := buildIndexRows(bundle.Records)
	var index []byte
	switch format {
	case "csv":
		index, err = marshalIndexCSV(rows)
	case "parquet":
		index, err = marshalIndexParquet(rows)
	}
	if err != nil {
		return nil, fmt.Errorf("write %s index: %w", format, err)
	}
	out.indexName = indexBaseName + "." + format
	out.files[out.indexName] = index

	if s.copySource {
		out.files["source.fit"] = data
	}
	return out, finishReport(out, nil)
}

func addExport(out *runOutput, sourceName string, data []byte, bundle *llmexport.ParsedBundle, compress bool) error {
	records, err := llmexport.MarshalJSONL(bundle.Records)
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	name, compression := llmexport.RecordsFileName, ""
	if compress {
		if records, err = llmexport.CompressXZ(records); err != nil {
			return fmt.Errorf("compress records: %w", err)
		}
		name, compression = llmexport.CompressedRecordsFileName, "xz"
	}
	manifest, err := llmexport.MarshalJSON(llmexport.NewManifest(sourceName, data, bundle, name, compression))
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	out.recordsName = path.Join(ExportDirName, name)
	out.files[out.recordsName] = records
	out.files[path.Join(ExportDirName, llmexport.ManifestFileName)] = manifest
	return nil
}

func newReport(sourceName string, data []byte, scan repair.ScanResult, opts repair.Options, checks []string) *RepairReport {
	r := &RepairReport{
		RunID:          uuid.NewString(),
		GeneratedAt:    time.Now().UTC(),
		SourceFileName: sourceName,
		Header:         scan.Header,
		Clean:          scan.Clean,
		Excisions:      []repair.Excision{},
		Input:          digest(data),
		Options: RepairOptionsEntry{
			MaxExcision: opts.MaxExcision,
			MultiGap:    opts.MultiGap,
			MaxGaps:     opts.MaxGaps,
			Checks:      checks,
		},
	}
	if r.Options.MaxExcision <= 0 {
		r.Options.MaxExcision = repair.DefaultMaxExcision
	}
	if r.Options.MaxGaps <= 0 {
		r.Options.MaxGaps = repair.DefaultMaxGaps
	}
	if opts.MultiGap {
		r.Options.ConfirmMessages = opts.ConfirmMessages
		if r.Options.ConfirmMessages <= 0 {
			r.Options.ConfirmMessages = repair.DefaultConfirmMessages
		}
	}
	if !scan.Clean {
		r.FirstError = scan.Err.Error()
		r.CorruptionStart = scan.RecordOffset
		r.FirstErrorOffset = scan.ErrorOffset
		var me *fitproto.MalformedError
		if errors.As(scan.Err, &me) {
			r.FirstErrorKind = me.Kind.String()
			r.FirstErrorOffset = me.Offset
		}
	}
	return r
}

// finishReport serializes the report into out and passes err through.
func finishReport(out *runOutput, err error) error {
	body, merr := llmexport.MarshalJSON(out.report)
	if merr != nil {
		return errors.Join(err, fmt.Errorf("marshal %s: %w", ReportFileName, merr))
	}
	out.files[ReportFileName] = body
	return err
}

func digest(data []byte) ArtifactDigest {
	sha, b3 := llmexport.Digests(data)
	return ArtifactDigest{SizeBytes: int64(len(data)), SHA256: sha, BLAKE3: b3}
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

func buildMessagesIndex(records []llmexport.RecordEnvelope) MessageIndexFile {
	localLatest := make(map[int]LocalMessageIndex)
	reverseSets := make(map[string]map[int]struct{})

	for _, rec := range records {
		if rec.Definition == nil {
			continue
		}
		local := int(rec.LocalMessageType)
		global := int(rec.GlobalMessageNum)
		fields := make(map[string]MessageFieldMeta, len(rec.Definition.FieldDefinitions))
		for _, fd := range rec.Definition.FieldDefinitions {
			fields[strconv.Itoa(int(fd.FieldNumber))] = MessageFieldMeta{
				FieldName:   fd.Name,
				BaseType:    fd.BaseType.Name,
				Size:        int(fd.Size),
				InvalidRule: fd.BaseType.InvalidRule,
			}
		}
		redefinitions := 0
		if prev, ok := localLatest[local]; ok {
			redefinitions = prev.Redefinitions + 1
		}
		localLatest[local] = LocalMessageIndex{
			LocalMessageType:  local,
			GlobalMessageNum:  global,
			GlobalMessageName: rec.MessageName,
			Redefinitions:     redefinitions,
			Fields:            fields,
		}

		gKey := strconv.Itoa(global)
		if _, ok := reverseSets[gKey]; !ok {
			reverseSets[gKey] = make(map[int]struct{})
		}
		reverseSets[gKey][local] = struct{}{}
	}

	locals := make([]int, 0, len(localLatest))
	for k := range localLatest {
		locals = append(locals, k)
	}
	sort.Ints(locals)
	localList := make([]LocalMessageIndex, 0, len(locals))
	for _, k := range locals {
		localList = append(localList, localLatest[k])
	}

	reverse := make(map[string][]int, len(reverseSets))
	for gKey, set := range reverseSets {
		list := make([]int, 0, len(set))
		for l := range set {
			list = append(list, l)
		}
		sort.Ints(list)
		reverse[gKey] = list
	}
	return MessageIndexFile{
		LocalMessageTypes: localList,
		ReverseIndex:      reverse,
	}
}

func buildIndexRows(records []llmexport.RecordEnvelope) []IndexRow {
	rows := make([]IndexRow, 0, len(records))
	for _, rec := range records {
		row := IndexRow{
			RecordIndex:      rec.RecordIndex,
			FileOffset:       rec.FileOffset,
			SizeBytes:        len(rec.RawRecordHex) / 2,
			RecordKind:       rec.RecordKind,
			LocalMessageType: int(rec.LocalMessageType),
			GlobalMessageNum: int(rec.GlobalMessageNum),
			MessageName:      rec.MessageName,
		}
		if rec.Data != nil {
			row.TimestampUTC = recordTimestamp(rec.Data)
			for _, f := range rec.Data.Fields {
				if f.Invalid {
					row.InvalidFields++
				}
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func recordTimestamp(d *llmexport.DataRecord) string {
	if d.CompressedTimestamp != nil {
		return d.CompressedTimestamp.AbsoluteTimestampUTC
	}
	for _, f := range d.Fields {
		if f.Timestamp != nil {
			return f.Timestamp.UTC
		}
	}
	return ""
}

var indexColumns = []string{
	"record_index", "file_offset", "size_bytes", "record_kind", "local_message_type",
	"global_message_num", "message_name", "timestamp_utc", "invalid_fields",
}

func marshalIndexCSV(rows []IndexRow) ([]byte, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(indexColumns); err != nil {
		return nil, err
	}
	for _, r := range rows {
		row := []string{
			strconv.Itoa(r.RecordIndex),
			strconv.FormatInt(r.FileOffset, 10),
			strconv.Itoa(r.SizeBytes),
			r.RecordKind,
			strconv.Itoa(r.LocalMessageType),
			strconv.Itoa(r.GlobalMessageNum),
			r.MessageName,
			r.TimestampUTC,
			strconv.Itoa(r.InvalidFields),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}
