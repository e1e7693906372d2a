// Package fitcheck holds the validation checks that can be plugged into a
// fitproto.Reader. A failing check turns an otherwise decodable stream into a
// malformed one, which is what lets the repair search reject excisions that
// only happen to parse.
package fitcheck

import (
	"fmt"
	"sort"

	"github.com/lucasjlepore/fitrepair/fitproto"
)

// Check names accepted by New and the configuration file.
const (
	NameMonotonicRecordTimestamps = "monotonic-record-timestamps"
	NameNoMixedTimestamps         = "no-mixed-timestamps"
	NameFileIDFirstUnique         = "file-id-first-unique"
	NameFileIDFirst               = "file-id-first"
	NameSingleFileID              = "single-file-id"
)

var builders = map[string]func() fitproto.Check{
	NameMonotonicRecordTimestamps: func() fitproto.Check { return &MonotonicRecordTimestamps{} },
	NameNoMixedTimestamps:         func() fitproto.Check { return NoMixedTimestamps{} },
	NameFileIDFirstUnique:         func() fitproto.Check { return &FileIDFirstAndUnique{} },
	NameFileIDFirst:               func() fitproto.Check { return &FileIDFirst{} },
	NameSingleFileID:              func() fitproto.Check { return &SingleFileID{} },
}

// Factory returns a fresh set of checks for one decode pass.
type Factory func() []fitproto.Check

// DefaultNames lists the checks Default builds, in evaluation order.
var DefaultNames = []string{
	NameMonotonicRecordTimestamps,
	NameNoMixedTimestamps,
	NameFileIDFirstUnique,
}

// Default returns fresh instances of the standard check set.
func Default() []fitproto.Check {
	out := make([]fitproto.Check, 0, len(DefaultNames))
	for _, name := range DefaultNames {
		out = append(out, builders[name]())
	}
	return out
}

// New validates names and returns a Factory producing those checks in the
// given order. An empty list yields a Factory with no checks.
func New(names ...string) (Factory, error) {
	for _, name := range names {
		if _, ok := builders[name]; !ok {
			return nil, fmt.Errorf("unknown check %q (known: %v)", name, Names())
		}
	}
	picked := append([]string(nil), names...)
	return func() []fitproto.Check {
		out := make([]fitproto.Check, 0, len(picked))
		for _, name := range picked {
			out = append(out, builders[name]())
		}
		return out
	}, nil
}

// Names returns every known check name, sorted.
func Names() []string {
	out := make([]string, 0, len(builders))
	for name := range builders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// MonotonicRecordTimestamps rejects a record message whose timestamp is
// lower than the previous record timestamp. Equal timestamps are allowed.
type MonotonicRecordTimestamps struct {
	fitproto.NopCheck
	last uint32
	seen bool
}

func (c *MonotonicRecordTimestamps) OnMessage(s fitproto.Session, m fitproto.Message) error {
	dm, ok := m.(*fitproto.DataMessage)
	if !ok || dm.GlobalNum != fitproto.MesgNumRecord {
		return nil
	}
	ts, ok := dm.Timestamp()
	if !ok {
		return nil
	}
	if c.seen && ts < c.last {
		return fitproto.Malformed(s.Offset(), fitproto.KindDecreasingTimestamp,
			"saw decreasing record message timestamp %d, previous record message timestamp was %d", ts, c.last)
	}
	c.last, c.seen = ts, true
	return nil
}

// NoMixedTimestamps rejects a compressed-timestamp record whose active
// definition also declares field 253.
type NoMixedTimestamps struct {
	fitproto.NopCheck
}

func (NoMixedTimestamps) OnRecordHeader(s fitproto.Session, h fitproto.RecordHeader) error {
	if h.Kind != fitproto.RecordCompressedData {
		return nil
	}
	def, ok := s.Definition(h.LocalType)
	if !ok {
		return nil
	}
	if def.HasField(fitproto.FieldNumTimestamp) {
		return fitproto.Malformed(s.Offset()-1, fitproto.KindMixedTimestamps,
			"got compressed timestamp, but timestamp field is also in definition for local type %d", h.LocalType)
	}
	return nil
}

// FileIDFirst requires the first data message to be a file_id message.
type FileIDFirst struct {
	fitproto.NopCheck
	seen bool
}

func (c *FileIDFirst) OnMessage(s fitproto.Session, m fitproto.Message) error {
	dm, ok := m.(*fitproto.DataMessage)
	if !ok || c.seen {
		return nil
	}
	if dm.GlobalNum != fitproto.MesgNumFileID {
		return fitproto.Malformed(s.Offset(), fitproto.KindFileID,
			"first data message is global message %d, not a file_id message", dm.GlobalNum)
	}
	c.seen = true
	return nil
}

// SingleFileID rejects a second file_id data message.
type SingleFileID struct {
	fitproto.NopCheck
	seen bool
}

func (c *SingleFileID) OnMessage(s fitproto.Session, m fitproto.Message) error {
	dm, ok := m.(*fitproto.DataMessage)
	if !ok || dm.GlobalNum != fitproto.MesgNumFileID {
		return nil
	}
	if c.seen {
		return fitproto.Malformed(s.Offset(), fitproto.KindFileID, "saw a second file_id data message")
	}
	c.seen = true
	return nil
}

// FileIDFirstAndUnique combines FileIDFirst and SingleFileID.
type FileIDFirstAndUnique struct {
	fitproto.NopCheck
	first  FileIDFirst
	single SingleFileID
}

func (c *FileIDFirstAndUnique) OnMessage(s fitproto.Session, m fitproto.Message) error {
	if err := c.first.OnMessage(s, m); err != nil {
		return err
	}
	return c.single.OnMessage(s, m)
}
