// Package metrics holds the Prometheus instruments of the ingestion pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/illmade-knight/machine-telemetry/pkg/flusher"
)

const namespace = "telemetry_ingest"

// Drop reasons for MessagesDropped.
const (
	DropQueueFull = "queue_full"
	DropMalformed = "malformed"
	DropShutdown  = "shutdown"
)

// Metrics is registered against its own registry so several pipelines (and
// tests) can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesReceived prometheus.Counter
	MessagesDropped  *prometheus.CounterVec
	BufferedReadings prometheus.Gauge
	SubscribedTopics prometheus.Gauge
	SessionConnected prometheus.Gauge
	SessionErrors    prometheus.Counter

	RowsInserted  prometheus.Counter
	FailedChunks  prometheus.Counter
	FailedRows    prometheus.Counter
	ZeroInserts   prometheus.Counter
	FlushDuration prometheus.Histogram
	LastFlushUnix prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages delivered by the broker session.",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages discarded before reaching the buffer.",
		}, []string{"reason"}),
		BufferedReadings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_readings",
			Help:      "Readings waiting in the current window.",
		}),
		SubscribedTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribed_topics",
			Help:      "Topics in the current binding set.",
		}),
		SessionConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_connected",
			Help:      "1 while the broker session is connected.",
		}),
		SessionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Transport and subscription errors reported by the broker session.",
		}),
		RowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_inserted_total",
			Help:      "Rows the sink acknowledged as written.",
		}),
		FailedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_failed_chunks_total",
			Help:      "Chunks whose insert failed and were dropped.",
		}),
		FailedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_failed_rows_total",
			Help:      "Rows dropped because their chunk failed.",
		}),
		ZeroInserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_zero_insert_total",
			Help:      "Non-empty flushes where the sink reported zero rows written.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Wall time of a flush cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		LastFlushUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_flush_timestamp_seconds",
			Help:      "Unix time of the last non-empty flush.",
		}),
	}
	m.Registry.MustRegister(
		m.MessagesReceived, m.MessagesDropped, m.BufferedReadings, m.SubscribedTopics,
		m.SessionConnected, m.SessionErrors, m.RowsInserted, m.FailedChunks, m.FailedRows,
		m.ZeroInserts, m.FlushDuration, m.LastFlushUnix,
	)
	return m
}

// ObserveFlush implements flusher.Recorder.
func (m *Metrics) ObserveFlush(res flusher.Result, elapsed time.Duration) {
	m.RowsInserted.Add(float64(res.Inserted))
	m.FailedChunks.Add(float64(res.FailedChunks))
	m.FailedRows.Add(float64(res.FailedRows))
	if res.ZeroInsert {
		m.ZeroInserts.Inc()
	}
	m.FlushDuration.Observe(elapsed.Seconds())
	m.LastFlushUnix.SetToCurrentTime()
}

// SetConnected records the session's connectivity.
func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.SessionConnected.Set(1)
		return
	}
	m.SessionConnected.Set(0)
}
