package llmexport

import (
	"fmt"
	"strings"
	"time"

	"github.com/tormoder/fit"

	"github.com/lucasjlepore/fitrepair/fitproto"
)

type fieldSemantic struct {
	name   string
	units  string
	scaler func(decoded any) (any, bool)
}

var fitEpoch = time.Date(1989, 12, 31, 0, 0, 0, 0, time.UTC)

var timestampSemantic = fieldSemantic{name: "timestamp", units: "s_since_fit_epoch", scaler: scaleTimestamp}

// Profile names for the messages a repaired activity file is made of. Field
// 253 is the timestamp everywhere and is handled separately.
var semanticsByMessage = map[uint16]map[uint8]fieldSemantic{
	fitproto.MesgNumFileID: {
		0: {name: "type"},
		1: {name: "manufacturer"},
		2: {name: "product"},
		3: {name: "serial_number"},
		4: {name: "time_created", units: "s_since_fit_epoch", scaler: scaleTimestamp},
		5: {name: "number"},
		8: {name: "product_name"},
	},
	18: { // session
		2:  {name: "start_time", units: "s_since_fit_epoch", scaler: scaleTimestamp},
		7:  {name: "total_elapsed_time", units: "s", scaler: scaleBy(1000, 0)},
		8:  {name: "total_timer_time", units: "s", scaler: scaleBy(1000, 0)},
		9:  {name: "total_distance", units: "m", scaler: scaleBy(100, 0)},
		16: {name: "avg_heart_rate", units: "bpm"},
		20: {name: "avg_power", units: "w"},
	},
	19: { // lap
		2: {name: "start_time", units: "s_since_fit_epoch", scaler: scaleTimestamp},
		7: {name: "total_elapsed_time", units: "s", scaler: scaleBy(1000, 0)},
		9: {name: "total_distance", units: "m", scaler: scaleBy(100, 0)},
	},
	fitproto.MesgNumRecord: {
		0:  {name: "position_lat", units: "semicircles"},
		1:  {name: "position_long", units: "semicircles"},
		2:  {name: "altitude", units: "m", scaler: scaleBy(5, 500)},
		3:  {name: "heart_rate", units: "bpm"},
		4:  {name: "cadence", units: "rpm"},
		5:  {name: "distance", units: "m", scaler: scaleBy(100, 0)},
		6:  {name: "speed", units: "m/s", scaler: scaleBy(1000, 0)},
		7:  {name: "power", units: "w"},
		13: {name: "temperature", units: "c"},
	},
	21: { // event
		0: {name: "event"},
		1: {name: "event_type"},
		3: {name: "data"},
	},
	fitproto.MesgNumFieldDescription: {
		0: {name: "developer_data_index"},
		1: {name: "field_definition_number"},
		2: {name: "fit_base_type_id"},
		3: {name: "field_name"},
		8: {name: "units"},
	},
	207: { // developer_data_id
		0: {name: "developer_id"},
		1: {name: "application_id"},
		3: {name: "developer_data_index"},
	},
}

func semanticForField(global uint16, field uint8) fieldSemantic {
	if field == fitproto.FieldNumTimestamp {
		return timestampSemantic
	}
	if m, ok := semanticsByMessage[global]; ok {
		if s, ok := m[field]; ok {
			return s
		}
	}
	return fieldSemantic{name: fmt.Sprintf("field_%d", field)}
}

func scaleBy(scale, offset float64) func(any) (any, bool) {
	return func(decoded any) (any, bool) {
		var f float64
		switch v := decoded.(type) {
		case float32:
			f = float64(v)
		case float64:
			f = v
		case int8:
			f = float64(v)
		case int16:
			f = float64(v)
		case int32:
			f = float64(v)
		case int64:
			f = float64(v)
		case uint8:
			f = float64(v)
		case uint16:
			f = float64(v)
		case uint32:
			f = float64(v)
		case uint64:
			f = float64(v)
		default:
			return nil, false
		}
		return f/scale - offset, true
	}
}

func scaleTimestamp(decoded any) (any, bool) {
	raw, ok := decoded.(uint32)
	if !ok {
		return nil, false
	}
	return fitTimestampToUTC(raw).Format(time.RFC3339), true
}

func fitTimestampToUTC(ts uint32) time.Time {
	return fitEpoch.Add(time.Duration(ts) * time.Second)
}

func invalidRuleForBase(t fitproto.BaseType) string {
	switch {
	case t == fitproto.BaseString:
		return "NUL terminated; empty string when the first byte is NUL"
	case t == fitproto.BaseByte:
		return "all bytes 0xFF"
	case t.Invalid() == 0:
		return "0 sentinel"
	case t.Floating():
		return fmt.Sprintf("0x%X bit-pattern sentinel", t.Invalid())
	default:
		return fmt.Sprintf("0x%X sentinel", t.Invalid())
	}
}

func makeBaseTypeInfo(t fitproto.BaseType) BaseTypeInfo {
	return BaseTypeInfo{
		CanonicalByte: t.Byte(),
		Name:          t.String(),
		SizeBytes:     t.Size(),
		Signed:        t.Signed(),
		Floating:      t.Floating(),
		ZeroIsInvalid: t != fitproto.BaseString && t.Invalid() == 0,
		InvalidRule:   invalidRuleForBase(t),
	}
}

// globalMessageName returns the profile name of a global message number, or
// global_N for numbers the profile does not know.
func globalMessageName(global uint16) string {
	name := fmt.Sprint(fit.MesgNum(global))
	if strings.HasPrefix(name, "MesgNum(") {
		return fmt.Sprintf("global_%d", global)
	}
	return name
}
