package pilight

import (
	"fmt"
	"strings"
)

// DefaultTopicRoot is the topic root used when none is configured.
const DefaultTopicRoot = "PILIGHT"

// Readings published per device.
const (
	ReadingState       = "STATE"
	ReadingHumidity    = "HUMIDITY"
	ReadingTemperature = "TEMPERATURE"
)

// BusMessage is a topic and payload pair for the MQTT bus.
type BusMessage struct {
	Topic   string
	Payload []byte
}

// ControlCommand is a device state change requested over the bus.
type ControlCommand struct {
	Device string
	State  string
}

// sensorReadings maps event value names to published readings, in
// publish order.
var sensorReadings = []struct {
	value   string
	reading string
}{
	{value: "humidity", reading: ReadingHumidity},
	{value: "temperature", reading: ReadingTemperature},
}

// Translator maps hub events to bus messages and bus commands to hub
// control requests. It holds no state beyond the topic root and is safe
// for concurrent use.
type Translator struct {
	root string
}

// NewTranslator returns a Translator publishing under root.
func NewTranslator(root string) *Translator {
	root = strings.TrimSuffix(root, "/")
	if root == "" {
		root = DefaultTopicRoot
	}
	return &Translator{root: root}
}

// Root returns the topic root.
func (t *Translator) Root() string {
	return t.root
}

// StatusTopic returns {root}/status/{device}/{reading}.
func (t *Translator) StatusTopic(device, reading string) string {
	return fmt.Sprintf("%s/status/%s/%s", t.root, device, reading)
}

// SetTopic returns {root}/set/{device}/STATE.
func (t *Translator) SetTopic(device string) string {
	return fmt.Sprintf("%s/set/%s/%s", t.root, device, ReadingState)
}

// SubscribeTopic returns {root}/#.
func (t *Translator) SubscribeTopic() string {
	return t.root + "/#"
}

// ToBusMessages maps an event to the messages to publish.
//
// Events whose origin is not "update" produce no messages and no error.
// Unknown device classes return ErrUnsupportedEventType and a missing
// required value returns ErrMalformedFrame; in both cases nothing is
// emitted for the event.
func (t *Translator) ToBusMessages(ev Event) ([]BusMessage, error) {
	if ev.Origin != OriginUpdate {
		return nil, nil
	}

	switch ev.Type {
	case DeviceClassSwitch:
		state, ok := ev.Value("state")
		if !ok {
			return nil, fmt.Errorf("%w: switch event without state", ErrMalformedFrame)
		}
		msgs := make([]BusMessage, 0, len(ev.Devices))
		for _, device := range ev.Devices {
			msgs = append(msgs, BusMessage{
				Topic:   t.StatusTopic(device, ReadingState),
				Payload: []byte(state),
			})
		}
		return msgs, nil

	case DeviceClassSensor:
		values := make([]string, len(sensorReadings))
		for i, r := range sensorReadings {
			v, ok := ev.Value(r.value)
			if !ok {
				return nil, fmt.Errorf("%w: sensor event without %s", ErrMalformedFrame, r.value)
			}
			values[i] = v
		}
		msgs := make([]BusMessage, 0, len(ev.Devices)*len(sensorReadings))
		for _, device := range ev.Devices {
			for i, r := range sensorReadings {
				msgs = append(msgs, BusMessage{
					Topic:   t.StatusTopic(device, r.reading),
					Payload: []byte(values[i]),
				})
			}
		}
		return msgs, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedEventType, int(ev.Type))
	}
}

// ToHubCommand maps a bus message to a control command. Only topics of
// the form {root}/set/{device}/STATE match; the device name may itself
// contain slashes.
func (t *Translator) ToHubCommand(topic string, payload []byte) (ControlCommand, bool) {
	rest, ok := strings.CutPrefix(topic, t.root+"/set/")
	if !ok {
		return ControlCommand{}, false
	}
	device, ok := strings.CutSuffix(rest, "/"+ReadingState)
	if !ok || device == "" {
		return ControlCommand{}, false
	}
	return ControlCommand{Device: device, State: string(payload)}, true
}
