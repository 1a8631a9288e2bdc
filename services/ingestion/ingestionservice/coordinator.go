package ingestionservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/machine-telemetry/pkg/buffer"
	"github.com/illmade-knight/machine-telemetry/pkg/flusher"
	"github.com/illmade-knight/machine-telemetry/pkg/metrics"
	"github.com/illmade-knight/machine-telemetry/pkg/mqttsession"
	"github.com/illmade-knight/machine-telemetry/pkg/normalize"
	"github.com/illmade-knight/machine-telemetry/pkg/registry"
	"github.com/illmade-knight/machine-telemetry/pkg/topics"
	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

// ErrNotStarted is returned by operations that need a running coordinator.
var ErrNotStarted = errors.New("coordinator has not been started")

// BrokerSession is the part of mqttsession.Session the coordinator drives.
type BrokerSession interface {
	OnMessage(handler mqttsession.MessageHandler)
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, bindings []types.TopicBinding) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Disconnect()
	State() mqttsession.State
	Topics() []string
}

// errorSource is implemented by sessions that report asynchronous transport
// and subscription failures.
type errorSource interface {
	Errors() <-chan error
}

// OrganizationPrimer is implemented by caches that should be warmed after
// each registry read.
type OrganizationPrimer interface {
	Prime(ctx context.Context, devices []types.Device) error
}

// CoordinatorConfig holds the event loop settings.
type CoordinatorConfig struct {
	FlushInterval time.Duration
	QueueCapacity int
}

// DefaultCoordinatorConfig provides sensible defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		FlushInterval: 60 * time.Second,
		QueueCapacity: 1000,
	}
}

// Dependencies are the collaborators a Coordinator is assembled from.
// Snapshot, Lookup and Primer are optional; without a Lookup the registry
// snapshot answers organization queries.
type Dependencies struct {
	Registry registry.Registry
	Snapshot *registry.Snapshot
	Session  BrokerSession
	Flusher  *flusher.Flusher
	Resolver topics.Resolver
	Lookup   normalize.OrganizationLookup
	Primer   OrganizationPrimer
	Metrics  *metrics.Metrics
	Clock    func() time.Time
}

// Coordinator wires registry, session, normalizer, buffer and flusher
// together. One goroutine owns message handling and the flush tick, and a
// second one performs the sink writes so a slow write never stalls intake.
// Broker callbacks only enqueue.
type Coordinator struct {
	cfg        CoordinatorConfig
	registry   registry.Registry
	session    BrokerSession
	resolver   topics.Resolver
	normalizer *normalize.Normalizer
	buffer     *buffer.Windowed
	flusher    *flusher.Flusher
	snapshot   *registry.Snapshot
	primer     OrganizationPrimer
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	// refreshMu serializes registry refreshes.
	refreshMu sync.Mutex
	mu        sync.RWMutex
	bindings  map[string]types.TopicBinding

	messages chan types.InMessage
	// intakeMu guards intakeClosed; enqueue holds the read lock while sending.
	intakeMu     sync.RWMutex
	intakeClosed bool

	// flushReq coalesces ticks while a write is in flight.
	flushReq chan struct{}
	// flushMu allows at most one sink write at a time.
	flushMu sync.Mutex

	cancelCtx  context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	started    bool
	stopOnce   sync.Once
}

// NewCoordinator assembles a Coordinator. It does not touch the network.
func NewCoordinator(cfg CoordinatorConfig, deps Dependencies, logger zerolog.Logger) (*Coordinator, error) {
	if deps.Registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if deps.Session == nil {
		return nil, errors.New("broker session cannot be nil")
	}
	if deps.Flusher == nil {
		return nil, errors.New("flusher cannot be nil")
	}
	defaults := DefaultCoordinatorConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaults.QueueCapacity
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Resolver.VariantAPrefix == "" {
		deps.Resolver = topics.NewResolver("")
	}

	snapshot := deps.Snapshot
	if snapshot == nil {
		snapshot = registry.NewSnapshot()
	}
	lookup := deps.Lookup
	if lookup == nil {
		lookup = snapshot
	}
	var opts []normalize.Option
	if deps.Clock != nil {
		opts = append(opts, normalize.WithClock(deps.Clock))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		registry:   deps.Registry,
		session:    deps.Session,
		resolver:   deps.Resolver,
		normalizer: normalize.New(lookup, logger, opts...),
		buffer:     buffer.NewWindowed(),
		flusher:    deps.Flusher,
		snapshot:   snapshot,
		primer:     deps.Primer,
		metrics:    deps.Metrics,
		logger:     logger.With().Str("component", "IngestionCoordinator").Logger(),
		bindings:   make(map[string]types.TopicBinding),
		messages:   make(chan types.InMessage, cfg.QueueCapacity),
		flushReq:   make(chan struct{}, 1),
		cancelCtx:  ctx,
		cancelFunc: cancel,
	}, nil
}

// Snapshot exposes the organization index fed by registry reads.
func (c *Coordinator) Snapshot() *registry.Snapshot {
	return c.snapshot
}

// Metrics returns the instruments of this coordinator.
func (c *Coordinator) Metrics() *metrics.Metrics {
	return c.metrics
}

// Start loads the registry, connects and subscribes, then starts the event
// loop. Only a registry or connect failure is returned.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info().Dur("flush_interval", c.cfg.FlushInterval).Msg("Starting IngestionCoordinator...")

	bindings, err := c.loadBindings(ctx)
	if err != nil {
		return fmt.Errorf("initial registry load: %w", err)
	}

	c.session.OnMessage(c.enqueue)
	if err := c.session.Connect(ctx); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	c.mu.Lock()
	c.bindings = topics.Index(bindings)
	c.mu.Unlock()
	c.metrics.SubscribedTopics.Set(float64(len(bindings)))

	if len(bindings) == 0 {
		c.logger.Warn().Msg("No topics to subscribe to; waiting for a registry change.")
	} else if err := c.session.Subscribe(ctx, bindings); err != nil {
		c.logger.Error().Err(err).Msg("Some topics could not be subscribed")
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.loop()
	go c.flushWorker()
	if src, ok := c.session.(errorSource); ok {
		c.wg.Add(1)
		go c.watchSessionErrors(src.Errors())
	}
	c.logger.Info().Int("topics", len(bindings)).Msg("IngestionCoordinator started.")
	return nil
}

// OnRegistryChanged re-reads the registry and moves the existing session to
// the new topic set. It may be called from any goroutine.
func (c *Coordinator) OnRegistryChanged(ctx context.Context) error {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	next, err := c.loadBindings(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Registry refresh failed, keeping current subscriptions")
		return fmt.Errorf("registry refresh: %w", err)
	}

	c.mu.Lock()
	prev := make([]types.TopicBinding, 0, len(c.bindings))
	for _, b := range c.bindings {
		prev = append(prev, b)
	}
	c.bindings = topics.Index(next)
	c.mu.Unlock()
	c.metrics.SubscribedTopics.Set(float64(len(next)))

	added, removed := topics.Diff(prev, next)
	c.logger.Info().Int("added", len(added)).Int("removed", len(removed)).Int("topics", len(next)).Msg("Registry changed, resubscribing")

	var errs []error
	if len(removed) > 0 {
		names := make([]string, len(removed))
		for i, b := range removed {
			names[i] = b.Topic
		}
		if err := c.session.Unsubscribe(ctx, names...); err != nil {
			errs = append(errs, err)
		}
	}
	// The whole set is subscribed again so topics whose earlier SUBACK failed
	// get another attempt. Repeating a subscription is harmless.
	if len(next) > 0 {
		if err := c.session.Subscribe(ctx, next); err != nil && !errors.Is(err, mqttsession.ErrNotConnected) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bindings returns the current topic bindings.
func (c *Coordinator) Bindings() []types.TopicBinding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.TopicBinding, 0, len(c.bindings))
	for _, b := range c.bindings {
		out = append(out, b)
	}
	return out
}

// SessionState reports the broker session state.
func (c *Coordinator) SessionState() mqttsession.State {
	return c.session.State()
}

// BufferedReadings reports how many topics hold a reading in the current window.
func (c *Coordinator) BufferedReadings() int {
	return c.buffer.Len()
}

// Stop disconnects from the broker, stops the loop and flushes whatever is
// still buffered. It is safe to call more than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping IngestionCoordinator...")
		c.session.Disconnect()

		c.intakeMu.Lock()
		c.intakeClosed = true
		c.intakeMu.Unlock()

		// Waits for the loop and for any write already in flight.
		c.cancelFunc()
		c.wg.Wait()

		// Messages accepted before intake closed still belong to this window.
		for drained := false; !drained; {
			select {
			case msg := <-c.messages:
				c.HandleMessage(msg)
			default:
				drained = true
			}
		}
		c.flush(context.Background(), "shutdown")
		c.logger.Info().Msg("IngestionCoordinator stopped.")
	})
}

// HandleMessage normalizes one message and stores it in the current window.
func (c *Coordinator) HandleMessage(msg types.InMessage) {
	c.metrics.MessagesReceived.Inc()

	c.mu.RLock()
	binding, bound := c.bindings[msg.Topic]
	c.mu.RUnlock()
	variant := binding.Variant
	if !bound {
		variant = c.resolver.VariantForTopic(msg.Topic)
		c.logger.Debug().Str("topic", msg.Topic).Str("variant", variant.String()).Msg("Message on unbound topic, variant inferred")
	}

	reading, err := c.normalizer.Normalize(context.Background(), msg.Topic, variant, msg.Payload)
	if err != nil {
		snippetLen := min(len(msg.Payload), 100)
		c.logger.Warn().Err(err).
			Str("topic", msg.Topic).
			Str("raw_message_snippet", string(msg.Payload[:snippetLen])).
			Msg("Dropping message that could not be normalized")
		c.metrics.MessagesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}
	c.buffer.Put(msg.Topic, *reading)
	c.metrics.BufferedReadings.Set(float64(c.buffer.Len()))
}

// enqueue is the session's message handler. It never blocks the client.
func (c *Coordinator) enqueue(msg types.InMessage) {
	c.intakeMu.RLock()
	defer c.intakeMu.RUnlock()
	if c.intakeClosed {
		c.logger.Warn().Str("topic", msg.Topic).Msg("Shutdown signaled, message dropped")
		c.metrics.MessagesDropped.WithLabelValues(metrics.DropShutdown).Inc()
		return
	}
	select {
	case c.messages <- msg:
	default:
		c.logger.Error().Str("topic", msg.Topic).Msg("Message queue is full. Message dropped.")
		c.metrics.MessagesDropped.WithLabelValues(metrics.DropQueueFull).Inc()
	}
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.cancelCtx.Done():
			return
		case msg := <-c.messages:
			c.HandleMessage(msg)
		case <-ticker.C:
			select {
			case c.flushReq <- struct{}{}:
			default:
				c.logger.Debug().Msg("Previous flush still running, tick coalesced")
			}
		}
	}
}

// flushWorker performs tick flushes off the message loop. The window is
// drained when the write starts, so readings arriving during a slow write
// land in the next window.
func (c *Coordinator) flushWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.cancelCtx.Done():
			return
		case <-c.flushReq:
			c.flush(context.Background(), "tick")
		}
	}
}

func (c *Coordinator) watchSessionErrors(errs <-chan error) {
	defer c.wg.Done()
	for {
		select {
		case <-c.cancelCtx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			c.metrics.SessionErrors.Inc()
			c.logger.Warn().Err(err).Msg("Broker session reported an error")
		}
	}
}

// flush drains the window and hands the batch to the flusher. Readings that
// arrive during the write land in the next window.
func (c *Coordinator) flush(ctx context.Context, trigger string) flusher.Result {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	batch := c.buffer.DrainAll()
	c.metrics.BufferedReadings.Set(0)
	if len(batch) == 0 {
		c.logger.Debug().Str("trigger", trigger).Msg("Nothing buffered, skipping flush")
		return flusher.Result{}
	}
	c.logger.Debug().Str("trigger", trigger).Int("batch_size", len(batch)).Msg("Flushing window")
	return c.flusher.Flush(ctx, batch)
}

// FlushNow drains and writes the current window immediately.
func (c *Coordinator) FlushNow(ctx context.Context) flusher.Result {
	return c.flush(ctx, "manual")
}

func (c *Coordinator) loadBindings(ctx context.Context) ([]types.TopicBinding, error) {
	devices, err := c.registry.Devices(ctx)
	if err != nil {
		return nil, err
	}
	c.snapshot.Replace(devices)
	if c.primer != nil {
		if err := c.primer.Prime(ctx, devices); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to prime organization cache")
		}
	}
	return c.resolver.Resolve(devices), nil
}
