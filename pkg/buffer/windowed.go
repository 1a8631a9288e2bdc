// Package buffer holds the latest canonical reading per topic between
// flushes.
package buffer

import (
	"sync"
	"time"

	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

// Entry is the buffered reading of one topic together with the minute bucket
// it was observed in.
type Entry struct {
	Topic   string
	Bucket  time.Time
	Reading types.CanonicalReading
}

// Windowed keeps at most one reading per topic. A later Put for the same topic
// always replaces the earlier one; the one-row-per-minute guarantee comes from
// draining once per flush interval.
type Windowed struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewWindowed returns an empty buffer.
func NewWindowed() *Windowed {
	return &Windowed{entries: make(map[string]Entry)}
}

// MinuteBucket truncates t to the start of its minute.
func MinuteBucket(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}

// Put stores reading for topic, overwriting any previous entry.
func (w *Windowed) Put(topic string, reading types.CanonicalReading) {
	w.mu.Lock()
	w.entries[topic] = Entry{Topic: topic, Bucket: MinuteBucket(reading.IngestedAt), Reading: reading}
	w.mu.Unlock()
}

// Len returns the number of buffered topics.
func (w *Windowed) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// DrainEntries swaps the live map for an empty one and returns what it held.
// No caller can observe a partially cleared buffer.
func (w *Windowed) DrainEntries() []Entry {
	w.mu.Lock()
	drained := w.entries
	w.entries = make(map[string]Entry, len(drained))
	w.mu.Unlock()

	out := make([]Entry, 0, len(drained))
	for _, e := range drained {
		out = append(out, e)
	}
	return out
}

// DrainAll is DrainEntries without the bucket metadata.
func (w *Windowed) DrainAll() []types.CanonicalReading {
	entries := w.DrainEntries()
	out := make([]types.CanonicalReading, len(entries))
	for i, e := range entries {
		out[i] = e.Reading
	}
	return out
}
