package pilight

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Request actions understood by the pilight daemon.
const (
	ActionIdentify = "identify"
	ActionControl  = "control"
)

// OriginUpdate marks events that carry device state changes.
const OriginUpdate = "update"

// StatusSuccess is the status value of an accepted request.
const StatusSuccess = "success"

// DefaultUUID is the client UUID sent in the identify request.
const DefaultUUID = "0000-d0-63-00-000000"

// Heartbeat sentinels. HEART is written without a terminator; the daemon
// answers with a regular frame containing BEAT.
var (
	heartbeatRequest = []byte("HEART")
	heartbeatReply   = []byte("BEAT")
)

// DeviceClass is the numeric device type carried by an event.
type DeviceClass int

// Device classes mapped to bus topics.
const (
	DeviceClassSwitch DeviceClass = 1
	DeviceClassSensor DeviceClass = 3
)

// IdentifyOptions are the capability flags requested during the handshake.
type IdentifyOptions struct {
	Receiver int `json:"receiver"`
	Core     int `json:"core"`
	Config   int `json:"config"`
	Forward  int `json:"forward"`
}

// IdentifyRequest opens a session with the daemon.
type IdentifyRequest struct {
	Action  string          `json:"action"`
	Options IdentifyOptions `json:"options"`
	UUID    string          `json:"uuid"`
	Media   string          `json:"media"`
}

// NewIdentifyRequest builds the identify request asking for receiver,
// config and forwarded messages, but not core messages.
func NewIdentifyRequest(uuid string) IdentifyRequest {
	if uuid == "" {
		uuid = DefaultUUID
	}
	return IdentifyRequest{
		Action: ActionIdentify,
		Options: IdentifyOptions{
			Receiver: 1,
			Core:     0,
			Config:   1,
			Forward:  1,
		},
		UUID:  uuid,
		Media: "all",
	}
}

// ControlCode names the device and the state it should move to.
type ControlCode struct {
	Device string `json:"device"`
	State  string `json:"state"`
}

// ControlRequest asks the daemon to change a device state.
type ControlRequest struct {
	Action string      `json:"action"`
	Code   ControlCode `json:"code"`
}

// NewControlRequest builds a control request.
func NewControlRequest(device, state string) ControlRequest {
	return ControlRequest{
		Action: ActionControl,
		Code:   ControlCode{Device: device, State: state},
	}
}

// StatusResponse is the daemon's reply to identify and control requests.
type StatusResponse struct {
	Status string `json:"status"`
}

// Success reports whether the request was accepted.
func (r StatusResponse) Success() bool {
	return r.Status == StatusSuccess
}

// Event is an unsolicited message pushed by the daemon.
//
// Values are kept raw so that numbers are forwarded exactly as the
// daemon formatted them.
type Event struct {
	Origin  string                     `json:"origin"`
	Type    DeviceClass                `json:"type"`
	Devices []string                   `json:"devices"`
	Values  map[string]json.RawMessage `json:"values"`
}

// Value returns the named value as text. JSON strings are unquoted;
// numbers and booleans are returned verbatim. A missing or null value
// reports false.
func (e Event) Value(name string) (string, bool) {
	raw, ok := e.Values[name]
	if !ok {
		return "", false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	}
	return string(raw), true
}

// DecodeEvent parses an event frame.
func DecodeEvent(frame []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if ev.Origin == "" {
		return Event{}, fmt.Errorf("%w: missing origin", ErrMalformedFrame)
	}
	return ev, nil
}

// encodeRequest serialises a request as one JSON line.
func encodeRequest(req any) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return append(data, '\n'), nil
}

// replyHeader is used to tell replies apart from pushed events.
type replyHeader struct {
	Origin *string `json:"origin"`
	Status *string `json:"status"`
}

// isStatusReply reports whether frame answers identify or control: a JSON
// object carrying a status but no origin.
func isStatusReply(frame []byte) bool {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var head replyHeader
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return false
	}
	return head.Status != nil && head.Origin == nil
}

// isHeartbeatAnswer reports whether frame ends the wait for BEAT. Anything
// that is not a JSON object answers the heartbeat, as does a status reply;
// only BEAT itself is a successful answer.
func isHeartbeatAnswer(frame []byte) bool {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return true
	}
	return isStatusReply(trimmed)
}

// isReplyFrame reports whether a frame read while streaming is a late
// reply rather than an event. Only BEAT and status replies qualify;
// everything else is decoded as an event.
func isReplyFrame(frame []byte) bool {
	return bytes.Equal(frame, heartbeatReply) || isStatusReply(frame)
}

// decodeStatus parses a status reply.
func decodeStatus(frame []byte) (StatusResponse, error) {
	var resp StatusResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		return StatusResponse{}, fmt.Errorf("%w: status reply %q: %w", ErrMalformedFrame, truncate(frame), err)
	}
	return resp, nil
}

// truncate shortens a frame for log and error messages.
func truncate(frame []byte) string {
	const limit = 64
	s := string(frame)
	if len(s) <= limit {
		return s
	}
	return strings.ToValidUTF8(s[:limit], "") + "..."
}
