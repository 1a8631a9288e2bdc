// Package mqttsession manages the broker connection and the subscription set
// of the ingestion pipeline.
package mqttsession

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

var (
	// ErrNotConnected is returned by operations that need a live connection.
	// Subscribe still records its bindings so they are applied on connect.
	ErrNotConnected = errors.New("mqtt session is not connected")
	// ErrClosed is returned once Disconnect has been called.
	ErrClosed = errors.New("mqtt session is closed")
	// ErrTimeout is returned when the broker does not answer in time.
	ErrTimeout = errors.New("mqtt operation timed out")
)

// subscribeFailure is the SUBACK return code for a rejected filter.
const subscribeFailure = 0x80

// State is the lifecycle position of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribing
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MessageHandler receives every message delivered on a subscribed topic.
// It is called on the client's delivery goroutine and must not block.
type MessageHandler func(types.InMessage)

// StateListener is notified after every state transition.
type StateListener func(State)

// Session wraps a single paho client. The subscription set is owned by the
// session and re-applied whenever the client (re)connects.
type Session struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	client   mqtt.Client
	state    State
	bindings map[string]types.TopicBinding
	handler  MessageHandler
	listener StateListener
	errs     chan error
}

// New creates a disconnected Session.
func New(cfg Config, logger zerolog.Logger) *Session {
	defaults := DefaultConfig()
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaults.KeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.ReconnectWaitMax <= 0 {
		cfg.ReconnectWaitMax = defaults.ReconnectWaitMax
	}
	if cfg.QoS > 2 {
		cfg.QoS = defaults.QoS
	}
	return &Session{
		cfg:      cfg,
		logger:   logger.With().Str("component", "BrokerSession").Logger(),
		state:    StateDisconnected,
		bindings: make(map[string]types.TopicBinding),
		errs:     make(chan error, 32),
	}
}

// OnMessage installs the message handler. It must be called before Connect.
func (s *Session) OnMessage(handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// OnStateChange installs a listener for state transitions.
func (s *Session) OnStateChange(listener StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Errors delivers transport and subscription failures. The channel is closed
// by Disconnect; errors are dropped if nobody reads it.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// Topics returns the current subscription set, sorted.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.bindings))
	for topic := range s.bindings {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Connect dials the broker and waits for the CONNACK. A failure leaves the
// session Disconnected, is reported on Errors and returned.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.client != nil && s.client.IsConnectionOpen() {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	opts, err := s.clientOptions()
	if err != nil {
		s.setState(StateDisconnected)
		s.report(err)
		return err
	}
	client := mqtt.NewClient(opts)

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	s.setState(StateConnecting)

	s.logger.Info().Str("client_id", opts.ClientID).Msg("Paho MQTT client created. Attempting to connect...")
	if err := waitToken(ctx, client.Connect(), s.cfg.ConnectTimeout); err != nil {
		client.Disconnect(0)
		err = fmt.Errorf("paho MQTT client connect error: %w", err)
		s.logger.Error().Err(err).Msg("Failed to connect Paho MQTT client")
		s.setState(StateDisconnected)
		s.report(err)
		return err
	}
	s.promote(StateConnected)
	return nil
}

// Subscribe adds bindings to the subscription set and subscribes each topic.
// A failing topic is logged and reported; the others still proceed. The
// returned error joins the per-topic failures.
func (s *Session) Subscribe(ctx context.Context, bindings []types.TopicBinding) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	for _, b := range bindings {
		s.bindings[b.Topic] = b
	}
	client := s.client
	s.mu.Unlock()

	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return s.subscribeAll(ctx, client, bindings)
}

// Unsubscribe removes topics from the subscription set and from the broker.
func (s *Session) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	for _, topic := range topics {
		delete(s.bindings, topic)
	}
	client := s.client
	s.mu.Unlock()

	if client == nil || !client.IsConnectionOpen() {
		return nil
	}
	if err := waitToken(ctx, client.Unsubscribe(topics...), s.cfg.ConnectTimeout); err != nil {
		err = fmt.Errorf("unsubscribe %v: %w", topics, err)
		s.logger.Error().Err(err).Msg("Failed to unsubscribe topics")
		s.report(err)
		return err
	}
	s.logger.Info().Strs("topics", topics).Msg("Unsubscribed topics")
	return nil
}

// Disconnect closes the connection for good. It is safe to call repeatedly.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	client := s.client
	s.state = StateClosed
	listener := s.listener
	close(s.errs)
	s.mu.Unlock()

	if client != nil {
		s.logger.Info().Msg("Disconnecting Paho MQTT client...")
		client.Disconnect(250)
	}
	if listener != nil {
		listener(StateClosed)
	}
	s.logger.Info().Msg("Broker session closed.")
}

func (s *Session) clientOptions() (*mqtt.ClientOptions, error) {
	address, err := s.cfg.BrokerAddress()
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(address)

	uniqueSuffix := time.Now().UnixNano() % 1000000
	opts.SetClientID(s.cfg.ClientIDPrefix + strconv.FormatInt(uniqueSuffix, 10))
	opts.SetUsername(s.cfg.Username)
	opts.SetPassword(s.cfg.Password)

	opts.SetKeepAlive(s.cfg.KeepAlive)
	opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(s.cfg.ReconnectWaitMax)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetConnectionAttemptHandler(func(broker *url.URL, tlsCfg *tls.Config) *tls.Config {
		s.logger.Info().Str("broker", broker.String()).Msg("Attempting to connect to MQTT broker")
		return tlsCfg
	})

	if usesTLS(address) {
		tlsConfig, err := newTLSConfig(s.cfg, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
		s.logger.Info().Msg("TLS configured for MQTT client.")
	}

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		s.logger.Warn().Str("topic", msg.Topic()).Msg("Received unexpected message on subscribed client (default handler)")
	})
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		s.logger.Info().Msg("Reconnecting to MQTT broker")
		s.setState(StateConnecting)
	})
	return opts, nil
}

// onConnect runs on every successful (re)connection and restores the current
// subscription set on the fresh connection.
func (s *Session) onConnect(client mqtt.Client) {
	s.logger.Info().Msg("Paho client connected to MQTT broker")
	s.promote(StateConnected)

	s.mu.Lock()
	bindings := make([]types.TopicBinding, 0, len(s.bindings))
	for _, b := range s.bindings {
		bindings = append(bindings, b)
	}
	s.mu.Unlock()

	if len(bindings) == 0 {
		return
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].Topic < bindings[j].Topic })
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout*time.Duration(len(bindings)+1))
	defer cancel()
	_ = s.subscribeAll(ctx, client, bindings)
}

func (s *Session) onConnectionLost(_ mqtt.Client, err error) {
	s.logger.Error().Err(err).Msg("Paho client lost MQTT connection")
	s.setState(StateDisconnected)
	s.report(fmt.Errorf("connection lost: %w", err))
}

func (s *Session) subscribeAll(ctx context.Context, client mqtt.Client, bindings []types.TopicBinding) error {
	if len(bindings) == 0 {
		return nil
	}
	s.setState(StateSubscribing)

	var errs []error
	for _, b := range bindings {
		if err := s.subscribeOne(ctx, client, b.Topic); err != nil {
			s.logger.Error().Err(err).Str("topic", b.Topic).Str("device_id", b.DeviceID).Msg("Failed to subscribe to MQTT topic")
			s.report(err)
			errs = append(errs, err)
			continue
		}
		s.logger.Debug().Str("topic", b.Topic).Msg("Successfully subscribed to MQTT topic")
	}
	s.logger.Info().Int("topics", len(bindings)).Int("failed", len(errs)).Msg("Subscription pass complete")

	s.promote(StateActive)
	return errors.Join(errs...)
}

func (s *Session) subscribeOne(ctx context.Context, client mqtt.Client, topic string) error {
	token := client.Subscribe(topic, s.cfg.QoS, s.deliver)
	if err := waitToken(ctx, token, s.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		if code, found := st.Result()[topic]; found && code == subscribeFailure {
			return fmt.Errorf("subscribe %s: rejected by broker", topic)
		}
	}
	return nil
}

// deliver is the paho message handler for every subscribed topic.
func (s *Session) deliver(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		s.logger.Warn().Str("topic", msg.Topic()).Msg("No message handler installed, message dropped")
		return
	}

	// Copy the payload in case paho reuses the buffer.
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	handler(types.InMessage{
		Topic:     msg.Topic(),
		Payload:   payload,
		MessageID: strconv.Itoa(int(msg.MessageID())),
		ArrivedAt: time.Now().UTC(),
	})
}

// setState moves to next unless the session is closed.
func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == next {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	listener := s.listener
	s.mu.Unlock()

	s.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("Session state changed")
	if listener != nil {
		listener(next)
	}
}

// promote only moves forward, so a late OnConnect callback does not pull an
// already subscribed session back to Connected.
func (s *Session) promote(next State) {
	s.mu.Lock()
	current := s.state
	s.mu.Unlock()
	if current >= next {
		return
	}
	s.setState(next)
}

func (s *Session) report(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	select {
	case s.errs <- err:
	default:
		s.logger.Warn().Err(err).Msg("Error channel is full, dropping error")
	}
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}
