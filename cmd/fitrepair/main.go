// Command fitrepair checks, dumps, repairs and exports FIT activity files.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/tormoder/fit"

	"github.com/lucasjlepore/fitrepair/fitcheck"
	"github.com/lucasjlepore/fitrepair/fitproto"
	"github.com/lucasjlepore/fitrepair/internal/config"
	"github.com/lucasjlepore/fitrepair/internal/logging"
	"github.com/lucasjlepore/fitrepair/llmexport"
	"github.com/lucasjlepore/fitrepair/pipeline"
	"github.com/lucasjlepore/fitrepair/repair"
)

var version = "dev"

// CLI defines the command-line interface for fitrepair.
type CLI struct {
	Config    string `name:"config" short:"c" help:"YAML configuration file" type:"existingfile"`
	LogLevel  string `name:"log-level" help:"Log level (debug|info|warn|error); overrides the config file"`
	LogFormat string `name:"log-format" help:"Log format (text|json); overrides the config file"`
	LogFile   string `name:"log-file" help:"Also write logs to this rotating file" type:"path"`

	Check   CheckCmd   `cmd:"" help:"Decode a file with validation checks and report the first failure"`
	Dump    DumpCmd    `cmd:"" help:"Print every record of a FIT file or of a records.jsonl export"`
	Repair  RepairCmd  `cmd:"" help:"Remove corrupted byte ranges and write a repaired file"`
	Export  ExportCmd  `cmd:"" help:"Write manifest.json and records.jsonl for a FIT file"`
	Report  ReportCmd  `cmd:"" help:"Repair, export and index a file into an output directory"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

type app struct {
	cfg *config.Config
	log *slog.Logger
	out io.Writer
}

// checkFactory returns the checks named on the command line, or the
// configured set when none were given.
func (a *app) checkFactory(names []string) (fitcheck.Factory, []string, error) {
	if len(names) == 0 {
		names = a.cfg.Checks
	}
	if names == nil {
		names = []string{}
	}
	f, err := fitcheck.New(names...)
	return f, names, err
}

// RepairFlags tunes the excision search; zero values keep the configured value.
type RepairFlags struct {
	MaxExcision     int64    `name:"max-excision" help:"Longest excision tried at each corruption start"`
	MultiGap        bool     `name:"multi-gap" help:"Search for several independent corrupted ranges"`
	ConfirmMessages int      `name:"confirm-messages" help:"Records that must decode after a gap before it is accepted in multi-gap mode"`
	MaxGaps         int      `name:"max-gaps" help:"Maximum number of gaps in multi-gap mode"`
	Checks          []string `name:"checks" sep:"," help:"Comma-separated validation checks"`
}

func (f RepairFlags) options(a *app) (repair.Options, error) {
	checks, _, err := a.checkFactory(f.Checks)
	if err != nil {
		return repair.Options{}, err
	}
	opts := repair.Options{
		MaxExcision:     a.cfg.Repair.MaxExcision,
		MultiGap:        a.cfg.Repair.MultiGap || f.MultiGap,
		ConfirmMessages: a.cfg.Repair.ConfirmMessages,
		MaxGaps:         a.cfg.Repair.MaxGaps,
		Checks:          checks,
		Logger:          a.log,
	}
	if f.MaxExcision > 0 {
		opts.MaxExcision = f.MaxExcision
	}
	if f.ConfirmMessages > 0 {
		opts.ConfirmMessages = f.ConfirmMessages
	}
	if f.MaxGaps > 0 {
		opts.MaxGaps = f.MaxGaps
	}
	return opts, nil
}

// CheckCmd decodes a file and reports whether it is clean.
type CheckCmd struct {
	File   string   `arg:"" help:"FIT file" type:"existingfile"`
	Checks []string `name:"checks" sep:"," help:"Comma-separated validation checks"`
}

func (c *CheckCmd) Run(a *app) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("read fit file: %w", err)
	}
	checks, names, err := a.checkFactory(c.Checks)
	if err != nil {
		return err
	}
	scan, err := repair.Scan(data, repair.Options{Checks: checks, Logger: a.log})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s: %s\n", c.File, scan.Header)
	fmt.Fprintf(a.out, "checks:  %s\n", strings.Join(names, ", "))
	if scan.Clean {
		fmt.Fprintf(a.out, "clean:   %d records\n", scan.Records)
		return nil
	}
	fmt.Fprintf(a.out, "corrupt: %d records decoded, failing record at offset %d\n", scan.Records, scan.RecordOffset)
	return fmt.Errorf("%s: %w", c.File, scan.Err)
}

// DumpCmd prints a file record by record.
type DumpCmd struct {
	File   string   `arg:"" help:"FIT file, records.jsonl or records.jsonl.xz" type:"existingfile"`
	Checks []string `name:"checks" sep:"," help:"Comma-separated validation checks"`
}

func (c *DumpCmd) Run(a *app) error {
	if strings.HasSuffix(c.File, ".jsonl") || strings.HasSuffix(c.File, ".jsonl.xz") {
		return c.dumpExport(a.out)
	}
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("read fit file: %w", err)
	}
	checks, _, err := a.checkFactory(c.Checks)
	if err != nil {
		return err
	}
	return dumpFIT(a.out, data, checks())
}

func dumpFIT(w io.Writer, data []byte, checks []fitproto.Check) error {
	r := fitproto.NewReader(bytes.NewReader(data), checks...)
	h, err := r.ReadHeader()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "header %s\n", h)
	for r.More() {
		off := r.Offset()
		rh, msg, err := r.Next()
		if err != nil {
			fmt.Fprintf(w, "@%d error: %v\n", off, err)
			return err
		}
		name := ""
		switch m := msg.(type) {
		case *fitproto.DefinitionMessage:
			name = fmt.Sprint(fit.MesgNum(m.GlobalNum))
		case *fitproto.DataMessage:
			name = fmt.Sprint(fit.MesgNum(m.GlobalNum))
		}
		fmt.Fprintf(w, "@%d %s [%s] %s\n", off, rh, name, msg)
	}
	footer, err := r.ReadFooter()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "footer crc=0x%04X computed=0x%04X\n", footer.CRC, fitproto.Checksum(data[:h.End()]))
	return nil
}

func (c *DumpCmd) dumpExport(w io.Writer) error {
	records, err := llmexport.ReadRecords(c.File)
	if err != nil {
		return err
	}
	for _, rec := range records {
		fmt.Fprintf(w, "%6d @%-8d %-15s local=%-2d global=%-4d %s\n",
			rec.RecordIndex, rec.FileOffset, rec.RecordKind, rec.LocalMessageType, rec.GlobalMessageNum, rec.MessageName)
	}
	fmt.Fprintf(w, "%d records\n", len(records))
	return nil
}

// RepairCmd writes a repaired copy of a file.
type RepairCmd struct {
	File   string `arg:"" help:"FIT file" type:"existingfile"`
	Output string `short:"o" required:"" help:"Repaired output file" type:"path"`
	Report string `help:"Write the repair result as JSON to this file" type:"path"`

	RepairFlags `embed:""`
}

func (c *RepairCmd) Run(a *app) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("read fit file: %w", err)
	}
	opts, err := c.options(a)
	if err != nil {
		return err
	}
	res, err := repair.Repair(data, opts)
	if res != nil && c.Report != "" {
		body, merr := llmexport.MarshalJSON(res)
		if merr != nil {
			return errors.Join(err, merr)
		}
		if werr := os.WriteFile(c.Report, body, 0o644); werr != nil {
			return errors.Join(err, werr)
		}
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.Output, res.Repaired, 0o644); err != nil {
		return fmt.Errorf("write repaired file: %w", err)
	}

	if res.Clean {
		fmt.Fprintf(a.out, "%s is clean; copied unchanged to %s\n", c.File, c.Output)
		return nil
	}
	fmt.Fprintf(a.out, "first error: %s\n", res.FirstError)
	for _, ex := range res.Excisions {
		fmt.Fprintf(a.out, "excised [%d, %d) %d bytes\n", ex.Offset, ex.End(), ex.Length)
	}
	fmt.Fprintf(a.out, "wrote %s (%d bytes, %d decode passes)\n", c.Output, len(res.Repaired), res.Stats.Passes)
	return nil
}

// ExportCmd writes a lossless record export.
type ExportCmd struct {
	File       string   `arg:"" help:"FIT file" type:"existingfile"`
	OutDir     string   `name:"out-dir" help:"Output directory (default ./exports/<name>_<format>)" type:"path"`
	Compress   bool     `help:"Write records.jsonl.xz"`
	CopySource bool     `name:"copy-source" default:"true" negatable:"" help:"Copy the source file into the export as source.fit"`
	Overwrite  bool     `default:"true" negatable:"" help:"Allow writing to a non-empty output directory"`
	Checks     []string `name:"checks" sep:"," help:"Comma-separated validation checks"`
}

func (c *ExportCmd) Run(a *app) error {
	outDir := c.OutDir
	if strings.TrimSpace(outDir) == "" {
		base := strings.TrimSuffix(filepath.Base(c.File), filepath.Ext(c.File))
		outDir = filepath.Join(".", "exports", base+"_"+llmexport.ExportFormatVersion)
	}
	checks, _, err := a.checkFactory(c.Checks)
	if err != nil {
		return err
	}
	result, err := llmexport.ExportFile(c.File, outDir, llmexport.ExportOptions{
		Overwrite:       c.Overwrite,
		CopySourceFile:  c.CopySource,
		CompressRecords: c.Compress || a.cfg.Export.CompressRecords,
		Checks:          checks,
	})
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	fmt.Fprintf(a.out, "Export complete\n")
	fmt.Fprintf(a.out, "Output dir: %s\n", result.OutputDir)
	fmt.Fprintf(a.out, "Manifest:   %s\n", result.ManifestPath)
	fmt.Fprintf(a.out, "Records:    %s\n", result.RecordsPath)
	if result.SourceCopyPath != "" {
		fmt.Fprintf(a.out, "Source fit: %s\n", result.SourceCopyPath)
	}
	fmt.Fprintf(a.out, "Records:    %d (%d definitions, %d data messages)\n", result.RecordCount, result.DefinitionCount, result.DataMessageCount)
	fmt.Fprintf(a.out, "CRC valid:  header=%t file=%t\n", result.HeaderCRCValid, result.FileCRCValid)
	return nil
}

// ReportCmd runs the full repair pipeline into a directory.
type ReportCmd struct {
	File        string `arg:"" help:"FIT file" type:"existingfile"`
	Out         string `short:"o" required:"" help:"Output directory" type:"path"`
	IndexFormat string `name:"index-format" help:"Record index format (parquet|csv); overrides the config file"`
	Compress    bool   `help:"Write records.jsonl.xz"`
	CopySource  bool   `name:"copy-source" help:"Copy the source file into the output directory"`
	Overwrite   bool   `help:"Allow writing into a non-empty output directory"`

	RepairFlags `embed:""`
}

func (c *ReportCmd) Run(a *app) error {
	opts, err := c.options(a)
	if err != nil {
		return err
	}
	_, names, err := a.checkFactory(c.Checks)
	if err != nil {
		return err
	}
	format := c.IndexFormat
	if format == "" {
		format = a.cfg.Export.IndexFormat
	}
	res, err := pipeline.Run(pipeline.Options{
		FitPath:         c.File,
		OutDir:          c.Out,
		Repair:          opts,
		Checks:          names,
		IndexFormat:     format,
		CompressRecords: c.Compress || a.cfg.Export.CompressRecords,
		Overwrite:       c.Overwrite,
		CopySource:      c.CopySource,
		Logger:          a.log,
	})
	if res != nil {
		fmt.Fprintf(a.out, "run %s\n", res.Report.RunID)
		fmt.Fprintf(a.out, "repair report:  %s\n", res.ReportPath)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "repaired file:  %s\n", res.RepairedPath)
	fmt.Fprintf(a.out, "manifest:       %s\n", res.ManifestPath)
	fmt.Fprintf(a.out, "records:        %s\n", res.RecordsPath)
	fmt.Fprintf(a.out, "messages index: %s\n", res.MessagesIndexPath)
	fmt.Fprintf(a.out, "records index:  %s\n", res.RecordsIndexPath)
	if res.SourceCopyPath != "" {
		fmt.Fprintf(a.out, "source copy:    %s\n", res.SourceCopyPath)
	}
	fmt.Fprintf(a.out, "excisions:      %d (%d bytes)\n", len(res.Report.Excisions), res.Report.BytesRemoved)
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (VersionCmd) Run(a *app) error {
	fmt.Fprintf(a.out, "fitrepair %s\n", version)
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "fitrepair: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("fitrepair"),
		kong.Description("Validate and repair corrupted FIT activity files"),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	if err != nil {
		return err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cfg := config.Default()
	if cli.Config != "" {
		if cfg, err = config.Load(cli.Config); err != nil {
			return err
		}
	}
	logOpts, err := cli.loggingOptions(cfg.Logging)
	if err != nil {
		return err
	}
	logger, closer := logging.New(stderr, logOpts)
	defer closer.Close()

	return ctx.Run(&app{cfg: cfg, log: logger, out: stdout})
}

func (c *CLI) loggingOptions(l config.Logging) (logging.Options, error) {
	if c.LogLevel != "" {
		l.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		l.Format = c.LogFormat
	}
	if c.LogFile != "" {
		l.File = c.LogFile
	}
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return logging.Options{}, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return logging.Options{}, err
	}
	return logging.Options{
		Level:      level,
		Format:     format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}, nil
}
