// Package repair locates corrupted byte ranges in a FIT stream and removes
// them. The search re-decodes the whole data region for every candidate
// excision length, so its cost grows with corruption length times file size.
package repair

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/lucasjlepore/fitrepair/fitcheck"
	"github.com/lucasjlepore/fitrepair/fitproto"
)

// ErrUnrecoverable is returned when no excision within the configured limits
// makes the stream decode.
var ErrUnrecoverable = errors.New("no excision makes the stream decode")

const (
	DefaultMaxExcision     = 100000
	DefaultConfirmMessages = 10
	DefaultMaxGaps         = 16
)

// Options tunes the search. The zero value searches for a single gap with the
// default check set.
type Options struct {
	// MaxExcision caps the candidate length tried at each corruption start.
	MaxExcision int64
	// MultiGap accepts a candidate that gets past its own gap and decodes at
	// least ConfirmMessages records before failing again, then searches the
	// next failure independently.
	MultiGap        bool
	ConfirmMessages int
	MaxGaps         int
	// Checks builds the checks for every decode pass; nil means fitcheck.Default.
	Checks fitcheck.Factory
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxExcision <= 0 {
		o.MaxExcision = DefaultMaxExcision
	}
	if o.ConfirmMessages <= 0 {
		o.ConfirmMessages = DefaultConfirmMessages
	}
	if o.MaxGaps <= 0 {
		o.MaxGaps = DefaultMaxGaps
	}
	if o.Checks == nil {
		o.Checks = fitcheck.Default
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Excision is a byte range removed from the input. Offset is an absolute file
// offset and always falls on a record boundary.
type Excision struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

func (e Excision) End() int64 { return e.Offset + e.Length }

// ScanResult describes one full decode pass over an unmodified stream.
type ScanResult struct {
	Header  fitproto.Header `json:"header"`
	Clean   bool            `json:"clean"`
	Records int             `json:"records"`
	// RecordOffset is where the failing record starts, i.e. the end of the
	// last fully decoded record. It is the candidate corruption start.
	RecordOffset int64 `json:"record_offset,omitempty"`
	ErrorOffset  int64 `json:"error_offset,omitempty"`
	Err          error `json:"-"`
}

// Scan decodes data front to back and reports where it first breaks. Only an
// unreadable file header is returned as an error.
func Scan(data []byte, opts Options) (ScanResult, error) {
	opts = opts.withDefaults()
	p := decodePass(data, nil, opts.Checks())
	if p.headerErr {
		return ScanResult{}, fmt.Errorf("read file header: %w", p.err)
	}
	return ScanResult{
		Header:       p.header,
		Clean:        p.err == nil,
		Records:      p.records,
		RecordOffset: p.recordOffset,
		ErrorOffset:  p.errorOffset,
		Err:          p.err,
	}, nil
}

// Stats counts the work a Locate call did.
type Stats struct {
	Passes     int `json:"passes"`
	Candidates int `json:"candidates"`
}

// Locate returns the excisions, in file order, that make data decode. A clean
// stream yields no excisions.
func Locate(data []byte, opts Options) ([]Excision, Stats, error) {
	opts = opts.withDefaults()
	log := opts.Logger
	var (
		stats Stats
		gaps  []Excision
	)

	for {
		p := decodePass(data, gaps, opts.Checks())
		stats.Passes++
		if p.headerErr {
			return nil, stats, fmt.Errorf("read file header: %w", p.err)
		}
		if p.err == nil {
			return gaps, stats, nil
		}
		if len(gaps) >= opts.MaxGaps {
			return gaps, stats, fmt.Errorf("%w: more than %d gaps", ErrUnrecoverable, opts.MaxGaps)
		}

		start := p.recordOffset
		end := p.header.End()
		log.Info("located corruption start", "offset", start, "error_offset", p.errorOffset, "error", p.err)

		confirmed := false
		for length := int64(1); length <= opts.MaxExcision && start+length <= end; length++ {
			cand := append(append(make([]Excision, 0, len(gaps)+1), gaps...), Excision{Offset: start, Length: length})
			r := decodePass(data, cand, opts.Checks())
			stats.Passes++
			stats.Candidates++
			if r.err == nil {
				log.Info("found excision", "offset", start, "length", length, "candidates", stats.Candidates)
				return cand, stats, nil
			}
			log.Debug("candidate failed", "offset", start, "length", length, "error_offset", r.errorOffset, "error", r.err)

			if opts.MultiGap && r.applied == len(cand) && r.recordOffset > start && r.sinceSkip >= opts.ConfirmMessages {
				log.Info("confirmed gap", "offset", start, "length", length, "records_after", r.sinceSkip, "next_failure", r.recordOffset)
				gaps = cand
				confirmed = true
				break
			}
		}
		if !confirmed {
			return gaps, stats, fmt.Errorf("%w: corruption at offset %d", ErrUnrecoverable, start)
		}
	}
}

// Result is the outcome of Repair.
type Result struct {
	Header     fitproto.Header `json:"header"`
	Clean      bool            `json:"clean"`
	FirstError string          `json:"first_error,omitempty"`
	Excisions  []Excision      `json:"excisions"`
	Stats      Stats           `json:"stats"`
	Repaired   []byte          `json:"-"`
}

// Repair scans data, searches for excisions when it is corrupted and returns
// the re-serialized stream. A clean input is returned unchanged.
func Repair(data []byte, opts Options) (*Result, error) {
	scan, err := Scan(data, opts)
	if err != nil {
		return nil, err
	}
	res := &Result{Header: scan.Header, Clean: scan.Clean}
	if scan.Clean {
		res.Repaired = data
		return res, nil
	}
	res.FirstError = scan.Err.Error()

	excisions, stats, err := Locate(data, opts)
	res.Stats = stats
	if err != nil {
		return res, err
	}
	res.Excisions = excisions
	if res.Repaired, err = Apply(data, excisions); err != nil {
		return res, err
	}
	return res, nil
}

// Apply removes excisions from data and re-serializes the stream with a
// 14-byte header, a zero header CRC, the shortened data size and a fresh file
// CRC. Excisions must be in file order, non-overlapping and inside the data
// region.
func Apply(data []byte, excisions []Excision) ([]byte, error) {
	h, err := fitproto.ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("read file header: %w", err)
	}
	end := h.End()
	if int64(len(data)) < end {
		return nil, fmt.Errorf("input has %d bytes, header declares data region end %d", len(data), end)
	}

	body := make([]byte, 0, end-int64(h.Size))
	pos := int64(h.Size)
	for i, ex := range excisions {
		if ex.Length <= 0 {
			return nil, fmt.Errorf("excision %d has non-positive length %d", i, ex.Length)
		}
		if ex.Offset < pos {
			return nil, fmt.Errorf("excision %d at offset %d overlaps the header or a previous excision", i, ex.Offset)
		}
		if ex.End() > end {
			return nil, fmt.Errorf("excision %d [%d, %d) extends past data region end %d", i, ex.Offset, ex.End(), end)
		}
		body = append(body, data[pos:ex.Offset]...)
		pos = ex.End()
	}
	body = append(body, data[pos:end]...)

	var out bytes.Buffer
	if err := fitproto.WriteFile(&out, h, body, false); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

type passResult struct {
	header    fitproto.Header
	headerErr bool
	err       error

	records      int
	recordOffset int64
	errorOffset  int64

	applied   int
	sinceSkip int
}

// decodePass runs one fresh decode with gaps skipped. A gap is skipped only
// when the reader sits exactly on its offset at a record boundary.
func decodePass(data []byte, gaps []Excision, checks []fitproto.Check) passResult {
	var res passResult
	r := fitproto.NewReader(bytes.NewReader(data), checks...)
	h, err := r.ReadHeader()
	if err != nil {
		res.headerErr = true
		res.err = err
		return res
	}
	res.header = h

	fail := func(start int64, err error) passResult {
		res.recordOffset = start
		res.errorOffset = r.Offset()
		res.err = err
		return res
	}

	var last int64
	for r.More() {
		off := r.Offset()
		last = off
		if res.applied < len(gaps) && off == gaps[res.applied].Offset {
			if err := r.Skip(int(gaps[res.applied].Length)); err != nil {
				return fail(off, err)
			}
			res.applied++
			res.sinceSkip = 0
			continue
		}
		if _, _, err := r.Next(); err != nil {
			return fail(off, err)
		}
		res.records++
		res.sinceSkip++
	}
	if _, err := r.ReadFooter(); err != nil {
		// A record that overruns the data region is where the damage starts.
		if fitproto.KindOf(err) == fitproto.KindDataSizeMismatch {
			return fail(last, err)
		}
		return fail(r.Offset(), err)
	}
	return res
}
