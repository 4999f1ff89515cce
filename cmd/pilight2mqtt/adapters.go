package main

import (
	"sync"

	"github.com/nerrad567/pilight2mqtt/internal/bridges/pilight"
	"github.com/nerrad567/pilight2mqtt/internal/infrastructure/influxdb"
	"github.com/nerrad567/pilight2mqtt/internal/infrastructure/logging"
	"github.com/nerrad567/pilight2mqtt/internal/infrastructure/mqtt"
)

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The differences are the Subscribe handler
// signature and Disconnect, which closes the client once.
type mqttBridgeAdapter struct {
	client *mqtt.Client
	log    *logging.Logger
	once   sync.Once
}

// Publish implements pilight.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements pilight.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements pilight.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Disconnect implements pilight.MQTTClient. Only the first call closes
// the client.
func (a *mqttBridgeAdapter) Disconnect(quiesce uint) {
	a.once.Do(func() {
		a.log.Info("disconnecting from MQTT", "quiesce_ms", quiesce)
		if err := a.client.Disconnect(quiesce); err != nil {
			a.log.Error("error closing MQTT", "error", err)
		}
	})
}

// influxStatsRecorder writes bridge statistics to InfluxDB.
type influxStatsRecorder struct {
	client *influxdb.Client
}

// RecordStats implements pilight.StatsRecorder.
func (r *influxStatsRecorder) RecordStats(hub string, stats pilight.BridgeStats) {
	r.client.WriteBridgeStats(toInfluxStats(hub, stats))
}

// toInfluxStats flattens a statistics snapshot into named counters.
func toInfluxStats(hub string, stats pilight.BridgeStats) influxdb.BridgeStats {
	return influxdb.BridgeStats{
		Hub:       hub,
		Connected: stats.Session.Connected,
		Counters: map[string]uint64{
			"frames_received":    stats.Session.FramesReceived,
			"events_delivered":   stats.Session.EventsDelivered,
			"malformed_frames":   stats.Session.MalformedFrames,
			"controls_sent":      stats.Session.ControlsSent,
			"controls_rejected":  stats.Session.ControlsRejected,
			"reconnects":         stats.Session.Reconnects,
			"events_published":   stats.EventsPublished,
			"publish_errors":     stats.PublishErrors,
			"translate_errors":   stats.TranslateErrors,
			"commands_forwarded": stats.CommandsForwarded,
			"commands_failed":    stats.CommandsFailed,
		},
	}
}
