package types

import "strings"

// Manufacturer selects the topic naming scheme and payload schema of a device.
type Manufacturer string

const (
	ManufacturerStandard Manufacturer = "standard"
	ManufacturerVariantA Manufacturer = "variant-A"
)

// ParseManufacturer maps a registry tag onto a Manufacturer. Unknown or empty
// tags are treated as standard devices.
func ParseManufacturer(tag string) Manufacturer {
	if strings.EqualFold(strings.TrimSpace(tag), string(ManufacturerVariantA)) {
		return ManufacturerVariantA
	}
	return ManufacturerStandard
}

// Device is a row of the device registry. It is read-only to the ingestion
// pipeline.
type Device struct {
	ID           string       `json:"id_mesin"`
	Manufacturer Manufacturer `json:"manufacture"`
	Organization string       `json:"nama_dinas,omitempty"`
}

// SchemaVariant identifies the payload layout published on a topic.
type SchemaVariant int

const (
	// SensorList payloads carry a sensorDatas array of {sensorsId, value} entries.
	SensorList SchemaVariant = iota
	// FlatField payloads carry top level named numeric fields.
	FlatField
)

func (v SchemaVariant) String() string {
	switch v {
	case FlatField:
		return "flat-field"
	default:
		return "sensor-list"
	}
}

// TopicBinding is the broker topic derived from one Device, tagged with the
// schema variant decided at resolution time.
type TopicBinding struct {
	Topic    string        `json:"topic"`
	DeviceID string        `json:"device_id"`
	Variant  SchemaVariant `json:"variant"`
}
