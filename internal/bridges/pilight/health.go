package pilight

import (
	"context"
	"encoding/json"
	"time"
)

// HealthStatus is the overall bridge status published in health reports.
type HealthStatus string

// Health statuses.
const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

const defaultHealthInterval = 30 * time.Second

// HealthMessage is the retained JSON document published on {root}/bridge/health.
type HealthMessage struct {
	Status        HealthStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	Version       string       `json:"version"`
	Timestamp     time.Time    `json:"timestamp"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Hub           HubHealth    `json:"hub"`
	Statistics    HealthCounts `json:"statistics"`
}

// HubHealth describes the hub connection.
type HubHealth struct {
	Address      string     `json:"address"`
	State        string     `json:"state"`
	Connected    bool       `json:"connected"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// HealthCounts are the counters included in a health report.
type HealthCounts struct {
	FramesReceived    uint64 `json:"frames_received"`
	EventsPublished   uint64 `json:"events_published"`
	MalformedFrames   uint64 `json:"malformed_frames"`
	TranslateErrors   uint64 `json:"translate_errors"`
	PublishErrors     uint64 `json:"publish_errors"`
	CommandsForwarded uint64 `json:"commands_forwarded"`
	CommandsFailed    uint64 `json:"commands_failed"`
	Reconnects        uint64 `json:"reconnects"`
}

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// StatsRecorder receives a statistics snapshot on every health tick.
// It is optional; the InfluxDB client satisfies it through an adapter.
type StatsRecorder interface {
	RecordStats(hub string, stats BridgeStats)
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// Topic receives the retained health document.
	Topic string

	// Version is the bridge software version.
	Version string

	// Interval is how often to publish. Default: 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher

	// Stats returns the current bridge statistics.
	Stats func() BridgeStats

	// Recorder is optional.
	Recorder StatsRecorder

	Logger Logger
}

// HealthReporter publishes periodic health reports.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time
	logger    Logger
}

// NewHealthReporter creates a health reporter. Call Run to start reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval == 0 {
		cfg.Interval = defaultHealthInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Run publishes a report immediately and then every interval until ctx
// is cancelled. A negative interval disables periodic reports.
func (h *HealthReporter) Run(ctx context.Context) {
	if h.cfg.Interval < 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *HealthReporter) tick() {
	if err := h.PublishNow(); err != nil {
		h.logger.Warn("failed to publish health", "error", err)
	}
	if h.cfg.Recorder != nil && h.cfg.Stats != nil {
		stats := h.cfg.Stats()
		h.cfg.Recorder.RecordStats(stats.HubAddress, stats)
	}
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishStopping publishes a "stopping" status.
func (h *HealthReporter) PublishStopping() error {
	return h.publish(HealthStopping, "bridge stopping")
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publish(status, reason)
}

func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.cfg.Stats != nil && !h.cfg.Stats().Session.Connected {
		return HealthDegraded, "hub disconnected"
	}
	return HealthHealthy, ""
}

// Message builds the health document for status.
func (h *HealthReporter) Message(status HealthStatus, reason string) HealthMessage {
	now := time.Now()
	msg := HealthMessage{
		Status:        status,
		Reason:        reason,
		Version:       h.cfg.Version,
		Timestamp:     now.UTC(),
		UptimeSeconds: int64(now.Sub(h.startTime).Seconds()),
	}

	if h.cfg.Stats == nil {
		return msg
	}

	stats := h.cfg.Stats()
	msg.Hub = HubHealth{
		Address:   stats.HubAddress,
		State:     stats.Session.State.String(),
		Connected: stats.Session.Connected,
	}
	if !stats.Session.LastActivity.IsZero() {
		last := stats.Session.LastActivity.UTC()
		msg.Hub.LastActivity = &last
	}
	msg.Statistics = HealthCounts{
		FramesReceived:    stats.Session.FramesReceived,
		EventsPublished:   stats.EventsPublished,
		MalformedFrames:   stats.Session.MalformedFrames,
		TranslateErrors:   stats.TranslateErrors,
		PublishErrors:     stats.PublishErrors,
		CommandsForwarded: stats.CommandsForwarded,
		CommandsFailed:    stats.CommandsFailed,
		Reconnects:        stats.Session.Reconnects,
	}
	return msg
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil || h.cfg.Topic == "" {
		return nil
	}

	payload, err := json.Marshal(h.Message(status, reason))
	if err != nil {
		return err
	}

	// QoS 1, retained
	return h.cfg.Publisher.Publish(h.cfg.Topic, payload, 1, true)
}
