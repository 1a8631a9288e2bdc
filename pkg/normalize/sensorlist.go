package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

// Well-known sensor identifiers of the sensor-list schema.
const (
	SensorOxygenPurity = "2618034"
	SensorO2Tank       = "2618033"
	SensorTotalFlow    = "2618037"
	SensorRunningTime  = "2618057"
)

// FieldSensorDatas is the list-valued field of the sensor-list schema.
const FieldSensorDatas = "sensorDatas"

type sensorDatum struct {
	SensorsID string          `json:"sensorsId"`
	Value     json.RawMessage `json:"value"`
	Switcher  json.RawMessage `json:"switcher"`
}

func applySensorList(doc map[string]json.RawMessage, r *types.CanonicalReading) error {
	raw, ok := doc[FieldSensorDatas]
	if !ok {
		return fmt.Errorf("%w: missing %s", ErrMalformedPayload, FieldSensorDatas)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("%w: %s is not a list: %v", ErrMalformedPayload, FieldSensorDatas, err)
	}

	values := make(map[string]decimal.NullDecimal, 4)
	for _, e := range entries {
		var d sensorDatum
		if err := json.Unmarshal(e, &d); err != nil {
			// an odd entry does not spoil the rest of the list
			continue
		}
		switch d.SensorsID {
		case SensorOxygenPurity, SensorO2Tank, SensorTotalFlow, SensorRunningTime:
			if _, dup := values[d.SensorsID]; dup {
				continue
			}
			values[d.SensorsID] = sensorValue(d.Value)
		}
	}

	r.OxygenPurity = values[SensorOxygenPurity]
	r.O2Tank = values[SensorO2Tank]
	r.TotalFlow = values[SensorTotalFlow]
	r.RunningTime = values[SensorRunningTime]
	return nil
}

// sensorValue treats a missing, empty or non-numeric value as null.
func sensorValue(v json.RawMessage) decimal.NullDecimal {
	if len(v) == 0 {
		return decimal.NullDecimal{}
	}
	f, ok := coerceFloat(v)
	if !ok {
		return decimal.NullDecimal{}
	}
	return types.Fixed2(f)
}
