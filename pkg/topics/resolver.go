// Package topics turns device registry rows into MQTT topic bindings.
package topics

import (
	"sort"
	"strings"

	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

// DefaultVariantAPrefix is the reserved topic prefix of variant-A devices.
const DefaultVariantAPrefix = "Oxygen/Data/"

// Resolver applies the manufacturer specific naming rule.
type Resolver struct {
	VariantAPrefix string
}

// NewResolver returns a Resolver using prefix, or DefaultVariantAPrefix when
// prefix is empty.
func NewResolver(prefix string) Resolver {
	if prefix == "" {
		prefix = DefaultVariantAPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return Resolver{VariantAPrefix: prefix}
}

// Bind returns the binding for a single device.
func (r Resolver) Bind(d types.Device) types.TopicBinding {
	id := strings.TrimSpace(d.ID)
	if d.Manufacturer == types.ManufacturerVariantA {
		return types.TopicBinding{Topic: r.VariantAPrefix + id, DeviceID: id, Variant: types.FlatField}
	}
	return types.TopicBinding{Topic: id, DeviceID: id, Variant: types.SensorList}
}

// Resolve maps devices to bindings. The result is de-duplicated by topic and
// sorted, so it does not depend on registry order. Devices with an empty id are
// skipped.
func (r Resolver) Resolve(devices []types.Device) []types.TopicBinding {
	seen := make(map[string]types.TopicBinding, len(devices))
	for _, d := range devices {
		if strings.TrimSpace(d.ID) == "" {
			continue
		}
		b := r.Bind(d)
		seen[b.Topic] = b
	}
	out := make([]types.TopicBinding, 0, len(seen))
	for _, b := range seen {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// VariantForTopic infers the schema variant from the topic shape. It is only
// used for topics that arrive without a known binding.
func (r Resolver) VariantForTopic(topic string) types.SchemaVariant {
	if strings.HasPrefix(topic, r.VariantAPrefix) {
		return types.FlatField
	}
	return types.SensorList
}

// DeviceIDFromTopic returns the last path segment of topic, or the whole
// topic when it has no separator.
func DeviceIDFromTopic(topic string) string {
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

// Index builds a topic lookup table from bindings.
func Index(bindings []types.TopicBinding) map[string]types.TopicBinding {
	idx := make(map[string]types.TopicBinding, len(bindings))
	for _, b := range bindings {
		idx[b.Topic] = b
	}
	return idx
}

// Diff reports the topics present in next but not prev (added) and present in
// prev but not next (removed).
func Diff(prev, next []types.TopicBinding) (added, removed []types.TopicBinding) {
	p, n := Index(prev), Index(next)
	for _, b := range next {
		if _, ok := p[b.Topic]; !ok {
			added = append(added, b)
		}
	}
	for _, b := range prev {
		if _, ok := n[b.Topic]; !ok {
			removed = append(removed, b)
		}
	}
	return added, removed
}
