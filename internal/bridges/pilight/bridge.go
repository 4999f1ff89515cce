package pilight

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Bridge operation constants.
const (
	// defaultCommandTimeout bounds one bus-triggered control request.
	defaultCommandTimeout = 5 * time.Second

	// disconnectQuiesce is the MQTT disconnect grace period in milliseconds.
	disconnectQuiesce = 250
)

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
	Disconnect(quiesce uint)
}

// HubSession is the interface to the pilight daemon session.
type HubSession interface {
	Connect(ctx context.Context) error
	Heartbeat() error
	SendControl(ctx context.Context, device, state string) error
	ProcessEvents(onEvent func(Event)) error
	Reconnect(ctx context.Context) ReconnectResult
	Terminate()
	Terminated() bool
	Disconnect() error
	IsConnected() bool
	Address() string
	Stats() SessionStats
}

// Ensure Session implements HubSession.
var _ HubSession = (*Session)(nil)

// Config holds the bridge's runtime settings.
type Config struct {
	// TopicRoot prefixes every topic. Default: PILIGHT.
	TopicRoot string

	// QoS and Retain apply to status publishes and the command subscription.
	QoS    byte
	Retain bool

	// AutoReconnect re-establishes a lost hub connection instead of exiting.
	AutoReconnect bool

	// CommandTimeout bounds one control request. Default: 5 seconds.
	CommandTimeout time.Duration

	// HealthTopic receives periodic health reports; empty disables them.
	HealthTopic    string
	HealthInterval time.Duration

	Version string
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	Config Config

	// MQTTClient is the bus connection. Required.
	MQTTClient MQTTClient

	// Hub is the pilight session. Required.
	Hub HubSession

	// Logger is optional.
	Logger Logger

	// StatsRecorder optionally receives statistics on every health tick.
	StatsRecorder StatsRecorder
}

// BridgeStats holds bridge counters together with the session's.
type BridgeStats struct {
	HubAddress        string
	Session           SessionStats
	EventsPublished   uint64
	PublishErrors     uint64
	TranslateErrors   uint64
	CommandsForwarded uint64
	CommandsFailed    uint64
}

// Bridge wires hub events to bus publishes and bus commands to hub
// control requests.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg        Config
	mqtt       MQTTClient
	hub        HubSession
	translator *Translator
	health     *HealthReporter
	logger     Logger

	// Bridge-level context, cancelled on shutdown to abort in-flight commands.
	ctx       context.Context
	ctxCancel context.CancelFunc
	stopOnce  sync.Once

	eventsPublished   atomic.Uint64
	publishErrors     atomic.Uint64
	translateErrors   atomic.Uint64
	commandsForwarded atomic.Uint64
	commandsFailed    atomic.Uint64
}

// NewBridge creates a new bridge. Call Run to start it.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("hub session is required")
	}
	if opts.Config.QoS > 2 {
		return nil, fmt.Errorf("invalid QoS %d", opts.Config.QoS)
	}

	cfg := opts.Config
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:        cfg,
		mqtt:       opts.MQTTClient,
		hub:        opts.Hub,
		translator: NewTranslator(cfg.TopicRoot),
		logger:     logger,
		ctx:        ctx,
		ctxCancel:  ctxCancel,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		Topic:     cfg.HealthTopic,
		Version:   cfg.Version,
		Interval:  cfg.HealthInterval,
		Publisher: opts.MQTTClient,
		Stats:     b.Stats,
		Recorder:  opts.StatsRecorder,
		Logger:    logger,
	})

	return b, nil
}

// Translator returns the bridge's translator.
func (b *Bridge) Translator() *Translator {
	return b.translator
}

// Run subscribes to the bus, connects and validates the hub session and
// then streams events until ctx is cancelled or the hub connection is
// lost for good. The hub and the bus are disconnected, in that order,
// before Run returns.
//
// A nil return means a clean shutdown.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.shutdown()

	stopTerminate := context.AfterFunc(ctx, b.hub.Terminate)
	defer stopTerminate()

	subscribeTopic := b.translator.SubscribeTopic()
	if err := b.mqtt.Subscribe(subscribeTopic, b.cfg.QoS, b.handleBusMessage); err != nil {
		return fmt.Errorf("%w: subscribe %s: %w", ErrBusConnect, subscribeTopic, err)
	}
	b.logger.Info("subscribed to bus", "topic", subscribeTopic)

	if err := b.hub.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to hub: %w", err)
	}
	if err := b.hub.Heartbeat(); err != nil {
		return fmt.Errorf("validating hub session: %w", err)
	}

	if err := b.health.PublishStarting(); err != nil {
		b.logger.Warn("failed to publish starting status", "error", err)
	}
	b.logger.Info("bridge started", "hub", b.hub.Address(), "topic_root", b.translator.Root())

	g, gctx := errgroup.WithContext(ctx)
	healthCtx, stopHealth := context.WithCancel(gctx)

	g.Go(func() error {
		defer stopHealth()
		return b.stream(ctx)
	})
	g.Go(func() error {
		b.health.Run(healthCtx)
		return nil
	})

	err := g.Wait()
	if err != nil {
		b.logger.Error("bridge stopped with error", "error", err)
	} else {
		b.logger.Info("bridge stopped")
	}
	return err
}

// stream runs the event loop, reconnecting after a lost connection when
// AutoReconnect is set.
func (b *Bridge) stream(ctx context.Context) error {
	for {
		err := b.hub.ProcessEvents(b.handleHubEvent)
		if err == nil {
			return nil
		}
		if !b.cfg.AutoReconnect || !errors.Is(err, ErrConnectionLost) {
			return err
		}

		b.logger.Warn("hub connection lost, reconnecting", "error", err)
		if pubErr := b.health.PublishNow(); pubErr != nil {
			b.logger.Warn("failed to publish health", "error", pubErr)
		}

		if b.hub.Reconnect(ctx) != ReconnectConnected {
			if ctx.Err() != nil || b.hub.Terminated() {
				return nil
			}
			return fmt.Errorf("reconnect gave up: %w", err)
		}
		if hbErr := b.hub.Heartbeat(); hbErr != nil {
			return fmt.Errorf("validating hub session after reconnect: %w", hbErr)
		}
	}
}

// handleHubEvent translates one hub event and publishes the result.
func (b *Bridge) handleHubEvent(ev Event) {
	msgs, err := b.translator.ToBusMessages(ev)
	if err != nil {
		b.translateErrors.Add(1)
		b.logger.Warn("skipping event", "error", err, "type", int(ev.Type), "devices", ev.Devices)
		return
	}

	for _, msg := range msgs {
		if err := b.mqtt.Publish(msg.Topic, msg.Payload, b.cfg.QoS, b.cfg.Retain); err != nil {
			b.publishErrors.Add(1)
			b.logger.Error("publish failed", "topic", msg.Topic, "error", err)
			continue
		}
		b.eventsPublished.Add(1)
		b.logger.Info("published device update", "topic", msg.Topic, "payload", string(msg.Payload))
	}
}

// handleBusMessage forwards set commands to the hub. It runs on the MQTT
// client's dispatch goroutine.
func (b *Bridge) handleBusMessage(topic string, payload []byte) {
	cmd, ok := b.translator.ToHubCommand(topic, payload)
	if !ok {
		return
	}

	b.logger.Info("received command", "device", cmd.Device, "state", cmd.State)

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.CommandTimeout)
	defer cancel()

	if err := b.hub.SendControl(ctx, cmd.Device, cmd.State); err != nil {
		b.commandsFailed.Add(1)
		b.logger.Warn("control command failed", "device", cmd.Device, "state", cmd.State, "error", err)
		return
	}
	b.commandsForwarded.Add(1)
}

// shutdown disconnects the hub and then the bus. Safe to call multiple times.
func (b *Bridge) shutdown() {
	b.stopOnce.Do(func() {
		b.ctxCancel()
		b.hub.Terminate()

		if err := b.hub.Disconnect(); err != nil {
			b.logger.Warn("hub disconnect failed", "error", err)
		}

		if b.mqtt.IsConnected() {
			if err := b.health.PublishStopping(); err != nil {
				b.logger.Warn("failed to publish stopping status", "error", err)
			}
		}
		b.mqtt.Disconnect(disconnectQuiesce)
	})
}

// Stats returns a snapshot of bridge and session counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		HubAddress:        b.hub.Address(),
		Session:           b.hub.Stats(),
		EventsPublished:   b.eventsPublished.Load(),
		PublishErrors:     b.publishErrors.Load(),
		TranslateErrors:   b.translateErrors.Load(),
		CommandsForwarded: b.commandsForwarded.Load(),
		CommandsFailed:    b.commandsFailed.Load(),
	}
}

// ExitCode maps the result of Run to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
