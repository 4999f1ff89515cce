package pilight

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// readChunkSize is the size of a single socket read.
	readChunkSize = 1024

	// maxFrameSize bounds the bytes buffered while waiting for a terminator.
	maxFrameSize = 1 << 20

	// maxReadFailures is the number of consecutive non-timeout read errors
	// after which the connection is considered lost.
	maxReadFailures = 3

	defaultWriteTimeout = 5 * time.Second
)

// frameTerminator ends every frame sent by the daemon.
var frameTerminator = []byte("\n\n")

// frameTransport delimits frames on a stream socket.
//
// It is not safe for concurrent use; Session serialises access.
type frameTransport struct {
	conn         net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       Logger

	buf      []byte
	pending  []byte
	failures int

	// idle is set when the last poll ended on a read timeout.
	idle bool
}

// dialTransport opens a TCP connection to address.
func dialTransport(ctx context.Context, address string, readTimeout time.Duration, logger Logger) (*frameTransport, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectFailed, address, err)
	}
	return newFrameTransport(conn, readTimeout, logger), nil
}

func newFrameTransport(conn net.Conn, readTimeout time.Duration, logger Logger) *frameTransport {
	if logger == nil {
		logger = nopLogger{}
	}
	return &frameTransport{
		conn:         conn,
		readTimeout:  readTimeout,
		writeTimeout: defaultWriteTimeout,
		logger:       logger,
		buf:          make([]byte, readChunkSize),
	}
}

// poll performs at most one bounded read and returns a frame if one is
// complete. It returns nil, nil when the read timed out or failed
// transiently; callers poll again unless they were asked to stop.
func (t *frameTransport) poll() ([]byte, error) {
	t.idle = false
	if frame := t.extract(); frame != nil {
		return frame, nil
	}

	if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
		return nil, fmt.Errorf("%w: set read deadline: %w", ErrConnectionLost, err)
	}

	n, err := t.conn.Read(t.buf)
	if n > 0 {
		t.pending = append(t.pending, t.buf[:n]...)
		t.failures = 0
	}

	// A frame completed by this read is delivered even if the peer closed
	// right after sending it; the close is reported on the next poll.
	if frame := t.extract(); frame != nil {
		return frame, nil
	}

	if len(t.pending) > maxFrameSize {
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, ErrFrameTooLarge)
	}

	if err == nil {
		return nil, nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.idle = n == 0
		return nil, nil
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		if len(t.pending) > 0 {
			return nil, fmt.Errorf("%w: closed with %d bytes of unterminated frame", ErrConnectionLost, len(t.pending))
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	t.failures++
	if t.failures >= maxReadFailures {
		return nil, fmt.Errorf("%w: %d consecutive read errors: %w", ErrConnectionLost, t.failures, err)
	}
	t.logger.Warn("hub read failed, retrying", "error", err, "failures", t.failures)
	return nil, nil
}

// readFrame polls until a frame arrives. stop is consulted before every
// read; when it reports true readFrame returns ErrTerminated without
// touching the socket.
//
// A non-nil unterminated is also accepted as a frame when, after a read
// timeout, the pending bytes are exactly unterminated. The daemon may
// answer HEART with a bare BEAT.
func (t *frameTransport) readFrame(stop func() bool, unterminated []byte) ([]byte, error) {
	for {
		if stop() {
			return nil, ErrTerminated
		}
		frame, err := t.poll()
		if err != nil {
			return nil, err
		}
		if frame != nil {
			return frame, nil
		}
		if unterminated != nil && t.takeUnterminated(unterminated) {
			return append([]byte(nil), unterminated...), nil
		}
	}
}

// takeUnterminated consumes the pending bytes if the last read timed out
// and they are exactly want.
func (t *frameTransport) takeUnterminated(want []byte) bool {
	if !t.idle || !bytes.Equal(t.pending, want) {
		return false
	}
	t.pending = t.pending[:0]
	return true
}

// extract removes the first complete frame from the pending buffer.
// The returned slice is never nil for a complete frame, even an empty one.
func (t *frameTransport) extract() []byte {
	idx := bytes.Index(t.pending, frameTerminator)
	if idx < 0 {
		return nil
	}
	frame := make([]byte, idx)
	copy(frame, t.pending[:idx])

	rest := t.pending[idx+len(frameTerminator):]
	if len(rest) == 0 {
		t.pending = t.pending[:0]
	} else {
		t.pending = append(t.pending[:0], rest...)
	}
	return frame
}

// writeFrame writes data as-is with a write deadline.
func (t *frameTransport) writeFrame(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("%w: set write deadline: %w", ErrWriteFailed, err)
	}
	if _, err := t.conn.Write(data); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

func (t *frameTransport) close() error {
	return t.conn.Close()
}
