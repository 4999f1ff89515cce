package pilight

import "errors"

// Domain errors for the pilight bridge package.
var (
	// ErrConnectFailed is returned when the hub cannot be reached.
	ErrConnectFailed = errors.New("pilight: connection to hub failed")

	// ErrHandshakeFailed is returned when the hub rejects the identify
	// request or answers the heartbeat with anything but BEAT.
	ErrHandshakeFailed = errors.New("pilight: handshake failed")

	// ErrConnectionLost is returned when the socket closes or keeps
	// failing while streaming.
	ErrConnectionLost = errors.New("pilight: connection lost")

	// ErrMalformedFrame is returned when a frame cannot be decoded as an
	// event or an event lacks a value its device class requires.
	ErrMalformedFrame = errors.New("pilight: malformed frame")

	// ErrUnsupportedEventType is returned for device-class codes the
	// translator has no mapping for.
	ErrUnsupportedEventType = errors.New("pilight: unsupported event type")

	// ErrBusConnect is returned when the MQTT side cannot be set up.
	ErrBusConnect = errors.New("pilight: bus connection failed")

	// ErrControlRejected is returned when the hub does not acknowledge a
	// control request with a success status.
	ErrControlRejected = errors.New("pilight: control rejected")

	// ErrWriteFailed is returned when writing to the hub socket fails.
	ErrWriteFailed = errors.New("pilight: write failed")

	// ErrNotConnected is returned when an operation needs an open session.
	ErrNotConnected = errors.New("pilight: not connected to hub")

	// ErrTerminated is returned once termination has been requested.
	ErrTerminated = errors.New("pilight: session terminated")

	// ErrNoReply is returned when the hub does not answer in time.
	ErrNoReply = errors.New("pilight: no reply from hub")

	// ErrFrameTooLarge is returned when no terminator arrives within
	// maxFrameSize bytes.
	ErrFrameTooLarge = errors.New("pilight: frame exceeds maximum size")
)
