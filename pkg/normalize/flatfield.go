package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

// Field names of the flat-field schema.
const (
	FieldTerminalTime = "_terminalTime"
	FieldGroupName    = "_groupName"
	FieldOxygenPurity = "Oxygen Purity"
	FieldO2Tank       = "O2 Tank"
	FieldFlowMeter    = "Flow Meter"
	FieldFlowMeter2   = "Flow Meter 2"
	FieldTotalFlow    = "Total Flow"
	FieldRunningTime  = "Running Time"
)

var terminalTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
}

func (n *Normalizer) applyFlatField(doc map[string]json.RawMessage, r *types.CanonicalReading) {
	r.OxygenPurity = numberField(doc, FieldOxygenPurity)
	r.O2Tank = numberField(doc, FieldO2Tank)
	r.FlowMeter = numberField(doc, FieldFlowMeter)
	r.FlowMeter2 = numberField(doc, FieldFlowMeter2)
	r.TotalFlow = numberField(doc, FieldTotalFlow)
	r.RunningTime = numberField(doc, FieldRunningTime)

	if ts, ok := terminalTime(doc[FieldTerminalTime]); ok {
		r.DeviceTime = ts
	}
	if group, ok := stringValue(doc[FieldGroupName]); ok {
		n.logger.Debug().Str("device_id", r.DeviceID).Str("group", group).Msg("Flat-field payload group")
	}
}

// numberField parses doc[key] as a float and rounds it to 2dp. Missing or
// non-numeric values yield null.
func numberField(doc map[string]json.RawMessage, key string) decimal.NullDecimal {
	raw, ok := doc[key]
	if !ok {
		return decimal.NullDecimal{}
	}
	f, ok := coerceFloat(raw)
	if !ok {
		return decimal.NullDecimal{}
	}
	return types.Fixed2(f)
}

// coerceFloat accepts a JSON number or a string holding a number.
func coerceFloat(raw json.RawMessage) (float64, bool) {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		f, err := num.Float64()
		return f, err == nil
	}
	s, ok := stringValue(raw)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func stringValue(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// terminalTime accepts the layouts seen from variant-A gateways, or a unix
// timestamp in seconds or milliseconds.
func terminalTime(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 {
		return time.Time{}, false
	}
	if s, ok := stringValue(raw); ok {
		s = strings.TrimSpace(s)
		for _, layout := range terminalTimeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixTime(n), true
		}
		return time.Time{}, false
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		if n, err := num.Int64(); err == nil {
			return unixTime(n), true
		}
	}
	return time.Time{}, false
}

func unixTime(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
