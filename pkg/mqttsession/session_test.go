package mqttsession

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

func nopLogger() zerolog.Logger { return zerolog.Nop() }

// freeAddress reserves a loopback port and releases it for the broker.
func freeAddress(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// startBroker spins up an in-process MQTT broker with an inline client for publishing.
func startBroker(t *testing.T, addr string) *mochi.Server {
	t.Helper()
	broker := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, broker.AddHook(&auth.AllowHook{}, nil))
	require.NoError(t, broker.AddListener(listeners.NewTCP(listeners.Config{Type: "tcp", ID: "t1", Address: addr})))
	require.NoError(t, broker.Serve())
	return broker
}

type collector struct {
	mu   sync.Mutex
	msgs []types.InMessage
}

func (c *collector) handle(msg types.InMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) all() []types.InMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.InMessage, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func testConfig(addr string) Config {
	cfg := DefaultConfig()
	cfg.BrokerURL = "tcp://" + addr
	cfg.ClientIDPrefix = "session-test-"
	cfg.ConnectTimeout = 5 * time.Second
	cfg.ReconnectWaitMax = time.Second
	return cfg
}

func TestSession_ConnectSubscribeDeliver(t *testing.T) {
	addr := freeAddress(t)
	broker := startBroker(t, addr)
	defer broker.Close()

	ctx := context.Background()
	var got collector
	session := New(testConfig(addr), zerolog.Nop())
	session.OnMessage(got.handle)
	defer session.Disconnect()

	require.NoError(t, session.Connect(ctx))
	assert.Equal(t, StateConnected, session.State())

	bindings := []types.TopicBinding{
		{Topic: "2618034", DeviceID: "2618034", Variant: types.SensorList},
		{Topic: "Oxygen/Data/X-9", DeviceID: "X-9", Variant: types.FlatField},
	}
	require.NoError(t, session.Subscribe(ctx, bindings))
	assert.Equal(t, StateActive, session.State())
	assert.Equal(t, []string{"2618034", "Oxygen/Data/X-9"}, session.Topics())

	for i := 0; i < 5; i++ {
		require.NoError(t, broker.Publish("Oxygen/Data/X-9", []byte{byte('0' + i)}, false, 1))
	}
	require.NoError(t, broker.Publish("not-subscribed", []byte("x"), false, 1))

	require.Eventually(t, func() bool { return got.count() == 5 }, 5*time.Second, 20*time.Millisecond)
	for i, msg := range got.all() {
		assert.Equal(t, "Oxygen/Data/X-9", msg.Topic)
		assert.Equal(t, []byte{byte('0' + i)}, msg.Payload, "transport order must be preserved")
		assert.False(t, msg.ArrivedAt.IsZero())
	}
}

func TestSession_PerTopicFailureDoesNotBlockOthers(t *testing.T) {
	addr := freeAddress(t)
	broker := startBroker(t, addr)
	defer broker.Close()

	ctx := context.Background()
	var got collector
	session := New(testConfig(addr), zerolog.Nop())
	session.OnMessage(got.handle)
	defer session.Disconnect()
	require.NoError(t, session.Connect(ctx))

	err := session.Subscribe(ctx, []types.TopicBinding{
		{Topic: "bad/#/device", DeviceID: "device"},
		{Topic: "good", DeviceID: "good"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad/#/device")
	assert.NotContains(t, err.Error(), "subscribe good")

	select {
	case reported := <-session.Errors():
		assert.Contains(t, reported.Error(), "bad/#/device")
	case <-time.After(time.Second):
		t.Fatal("expected the failure on the error channel")
	}

	require.NoError(t, broker.Publish("good", []byte("{}"), false, 1))
	require.Eventually(t, func() bool { return got.count() == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestSession_Unsubscribe(t *testing.T) {
	addr := freeAddress(t)
	broker := startBroker(t, addr)
	defer broker.Close()

	ctx := context.Background()
	var got collector
	session := New(testConfig(addr), zerolog.Nop())
	session.OnMessage(got.handle)
	defer session.Disconnect()
	require.NoError(t, session.Connect(ctx))
	require.NoError(t, session.Subscribe(ctx, []types.TopicBinding{{Topic: "a"}, {Topic: "b"}}))

	require.NoError(t, session.Unsubscribe(ctx, "a"))
	assert.Equal(t, []string{"b"}, session.Topics())

	require.NoError(t, broker.Publish("a", []byte("1"), false, 1))
	require.NoError(t, broker.Publish("b", []byte("2"), false, 1))
	require.Eventually(t, func() bool { return got.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Never(t, func() bool { return got.count() > 1 }, 300*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, "b", got.all()[0].Topic)
}

func TestSession_ResubscribesAfterReconnect(t *testing.T) {
	addr := freeAddress(t)
	broker := startBroker(t, addr)

	ctx := context.Background()
	var got collector
	session := New(testConfig(addr), zerolog.Nop())
	session.OnMessage(got.handle)
	defer session.Disconnect()
	require.NoError(t, session.Connect(ctx))
	require.NoError(t, session.Subscribe(ctx, []types.TopicBinding{{Topic: "2618034", DeviceID: "2618034"}}))

	require.NoError(t, broker.Close())
	require.Eventually(t, func() bool { return session.State() < StateConnected }, 5*time.Second, 20*time.Millisecond)

	// The new broker has no memory of the old subscription.
	restarted := startBroker(t, addr)
	defer restarted.Close()
	require.Eventually(t, func() bool { return session.State() == StateActive }, 15*time.Second, 50*time.Millisecond)

	require.NoError(t, restarted.Publish("2618034", []byte("{}"), false, 1))
	require.Eventually(t, func() bool { return got.count() == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestSession_ConnectFailure(t *testing.T) {
	addr := freeAddress(t) // nothing listens here

	session := New(testConfig(addr), zerolog.Nop())
	defer session.Disconnect()

	err := session.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, session.State())

	select {
	case reported := <-session.Errors():
		assert.Error(t, reported)
	case <-time.After(time.Second):
		t.Fatal("expected the connect failure on the error channel")
	}

	assert.ErrorIs(t, session.Subscribe(context.Background(), []types.TopicBinding{{Topic: "later"}}), ErrNotConnected)
	assert.Equal(t, []string{"later"}, session.Topics(), "bindings are kept for the next connection")
}

func TestSession_DisconnectIsIdempotent(t *testing.T) {
	addr := freeAddress(t)
	broker := startBroker(t, addr)
	defer broker.Close()

	var states []State
	var mu sync.Mutex
	session := New(testConfig(addr), zerolog.Nop())
	session.OnStateChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})
	require.NoError(t, session.Connect(context.Background()))

	session.Disconnect()
	session.Disconnect()

	assert.Equal(t, StateClosed, session.State())
	assert.ErrorIs(t, session.Connect(context.Background()), ErrClosed)
	_, open := <-session.Errors()
	assert.False(t, open)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Equal(t, StateClosed, states[len(states)-1])
}
