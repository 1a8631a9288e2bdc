// Package normalize converts the two device payload schemas into a single
// canonical reading.
package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/machine-telemetry/pkg/topics"
	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

// ErrMalformedPayload is returned when a message body is not a JSON document of
// the expected shape. Such messages are dropped, never retried.
var ErrMalformedPayload = errors.New("malformed payload")

// OrganizationLookup resolves the owning organization of a device.
// found is false when the registry has no record for the device.
type OrganizationLookup interface {
	Organization(ctx context.Context, deviceID string) (name string, found bool, err error)
}

// Normalizer extracts canonical readings from raw payloads.
type Normalizer struct {
	lookup OrganizationLookup
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// New creates a Normalizer. lookup may be nil, in which case every reading has
// a null organization.
func New(lookup OrganizationLookup, logger zerolog.Logger, opts ...Option) *Normalizer {
	n := &Normalizer{
		lookup: lookup,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "Normalizer").Logger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize parses raw as the given schema variant and returns the canonical
// reading for topic. The only error it returns wraps ErrMalformedPayload;
// individual fields that cannot be coerced become null.
func (n *Normalizer) Normalize(ctx context.Context, topic string, variant types.SchemaVariant, raw []byte) (*types.CanonicalReading, error) {
	doc, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	now := n.now()
	reading := &types.CanonicalReading{
		DeviceID:   topics.DeviceIDFromTopic(topic),
		DeviceTime: now,
		IngestedAt: now,
	}

	switch variant {
	case types.FlatField:
		n.applyFlatField(doc, reading)
	default:
		if err := applySensorList(doc, reading); err != nil {
			return nil, err
		}
	}

	reading.Organization = n.organization(ctx, reading.DeviceID)
	return reading, nil
}

func (n *Normalizer) organization(ctx context.Context, deviceID string) *string {
	if n.lookup == nil {
		return nil
	}
	name, found, err := n.lookup.Organization(ctx, deviceID)
	if err != nil {
		n.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Organization lookup failed, storing reading without it")
		return nil
	}
	if !found || name == "" {
		return nil
	}
	return &name
}

func decodeObject(raw []byte) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]json.RawMessage
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document is not an object", ErrMalformedPayload)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after document", ErrMalformedPayload)
	}
	return doc, nil
}
