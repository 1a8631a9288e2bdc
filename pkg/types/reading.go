package types

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// CanonicalReading is the normalized, sink-ready record produced from a raw
// message. DeviceID and IngestedAt are always set; every numeric field is
// nullable and fixed to 2 decimal places.
type CanonicalReading struct {
	DeviceID     string              `json:"id_mesin"`
	DeviceTime   time.Time           `json:"waktu_mesin"`
	OxygenPurity decimal.NullDecimal `json:"oxygen_purity"`
	O2Tank       decimal.NullDecimal `json:"o2_tank"`
	FlowMeter    decimal.NullDecimal `json:"flow_meter"`
	FlowMeter2   decimal.NullDecimal `json:"flow_meter2"`
	TotalFlow    decimal.NullDecimal `json:"total_flow"`
	RunningTime  decimal.NullDecimal `json:"running_time"`
	Organization *string             `json:"nama_dinas"`
	IngestedAt   time.Time           `json:"created_at"`
}

// Fixed2 rounds f to 2 decimal places. NaN and infinities yield a null value.
func Fixed2(f float64) decimal.NullDecimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: decimal.NewFromFloat(f).Round(2), Valid: true}
}
