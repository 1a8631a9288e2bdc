package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/illmade-knight/machine-telemetry/pkg/flusher"
)

func TestObserveFlush(t *testing.T) {
	m := New()

	m.ObserveFlush(flusher.Result{Inserted: 70, FailedChunks: 1, FailedRows: 50}, 120*time.Millisecond)
	m.ObserveFlush(flusher.Result{BatchSize: 3, ZeroInsert: true}, time.Millisecond)

	assert.Equal(t, 70.0, testutil.ToFloat64(m.RowsInserted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailedChunks))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.FailedRows))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ZeroInserts))
	assert.Equal(t, 1, testutil.CollectAndCount(m.FlushDuration))
	assert.Greater(t, testutil.ToFloat64(m.LastFlushUnix), 0.0)
}

func TestDropsAndConnectivity(t *testing.T) {
	m := New()
	m.MessagesDropped.WithLabelValues(DropMalformed).Inc()
	m.MessagesDropped.WithLabelValues(DropQueueFull).Add(2)
	m.SetConnected(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues(DropMalformed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues(DropQueueFull)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionConnected))

	m.SetConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionConnected))
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.MessagesReceived.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.MessagesReceived))
}
