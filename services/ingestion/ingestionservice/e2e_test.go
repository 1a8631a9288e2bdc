package ingestionservice

import (
	"context"
	"net"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/machine-telemetry/pkg/flusher"
	"github.com/illmade-knight/machine-telemetry/pkg/metrics"
	"github.com/illmade-knight/machine-telemetry/pkg/mqttsession"
	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

func startTestBroker(t *testing.T) (*mochi.Server, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	broker := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, broker.AddHook(&auth.AllowHook{}, nil))
	require.NoError(t, broker.AddListener(listeners.NewTCP(listeners.Config{Type: "tcp", ID: "e2e", Address: addr})))
	require.NoError(t, broker.Serve())
	t.Cleanup(func() { _ = broker.Close() })
	return broker, addr
}

func TestCoordinator_EndToEndWithBroker(t *testing.T) {
	broker, addr := startTestBroker(t)

	reg := &fakeRegistry{devices: []types.Device{
		{ID: "2618034", Organization: "Dinas Kesehatan"},
		{ID: "X-9", Manufacturer: types.ManufacturerVariantA, Organization: "Dinas B"},
	}}
	sink := &recordingSink{}
	m := metrics.New()

	sessionCfg := mqttsession.DefaultConfig()
	sessionCfg.BrokerURL = "tcp://" + addr
	sessionCfg.ClientIDPrefix = "e2e-"
	session := mqttsession.New(sessionCfg, zerolog.Nop())

	c, err := NewCoordinator(CoordinatorConfig{FlushInterval: time.Hour}, Dependencies{
		Registry: reg,
		Session:  session,
		Flusher:  flusher.New(flusher.Config{ChunkSize: 1}, sink, m, zerolog.Nop()),
		Metrics:  m,
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, mqttsession.StateActive, c.SessionState())

	require.NoError(t, broker.Publish("2618034", []byte(sensorList("90")), false, 1))
	require.NoError(t, broker.Publish("2618034", []byte(sensorList("93.456")), false, 1))
	require.NoError(t, broker.Publish("Oxygen/Data/X-9", []byte(`{"Oxygen Purity": "95", "_terminalTime": "2025-05-01 06:00:00"}`), false, 1))

	// Delivery is ordered, so two buffered topics means the overwrite on
	// 2618034 has already happened.
	require.Eventually(t, func() bool { return c.BufferedReadings() == 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.MessagesReceived))

	c.Stop()
	assert.Equal(t, mqttsession.StateClosed, session.State())

	rows := sink.all()
	require.Len(t, rows, 2)
	byID := map[string]types.CanonicalReading{}
	for _, r := range rows {
		byID[r.DeviceID] = r
	}
	assert.Equal(t, "93.46", byID["2618034"].OxygenPurity.Decimal.String())
	require.NotNil(t, byID["2618034"].Organization)
	assert.Equal(t, "Dinas Kesehatan", *byID["2618034"].Organization)
	assert.Equal(t, time.Date(2025, 5, 1, 6, 0, 0, 0, time.UTC), byID["X-9"].DeviceTime.UTC())
	require.NotNil(t, byID["X-9"].Organization)
	assert.Equal(t, "Dinas B", *byID["X-9"].Organization)
}
