package process

import "errors"

var (
	// ErrAlreadyRunning is returned when the PID file names a live process.
	ErrAlreadyRunning = errors.New("process: already running")

	// ErrInvalidPIDFile is returned when a PID file cannot be parsed.
	ErrInvalidPIDFile = errors.New("process: invalid pid file")

	// ErrNotReady is returned when the child does not become ready in time.
	ErrNotReady = errors.New("process: child not ready")
)
