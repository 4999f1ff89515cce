package pilight

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Default timeouts and intervals for hub communication.
const (
	// defaultReadTimeout bounds each read and therefore the latency of Terminate.
	defaultReadTimeout = time.Second

	defaultConnectTimeout = 10 * time.Second
	defaultControlTimeout = 5 * time.Second

	defaultReconnectInterval = time.Second
	maxReconnectInterval     = time.Minute

	reconnectBackoffFactor = 1.5
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// SessionState is the lifecycle state of a hub session.
type SessionState int32

// Session states.
const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateIdentified
	StateStreaming
	StateReconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentified:
		return "identified"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// ReconnectResult is the outcome of Reconnect.
type ReconnectResult int

// Reconnect outcomes.
const (
	ReconnectGaveUp ReconnectResult = iota
	ReconnectConnected
)

func (r ReconnectResult) String() string {
	if r == ReconnectConnected {
		return "connected"
	}
	return "gave_up"
}

// ReconnectPolicy controls Reconnect's retry loop.
type ReconnectPolicy struct {
	// InitialDelay is the wait after the first failed attempt.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// MaxAttempts limits attempts. 0 means retry until terminated.
	MaxAttempts int
}

// SessionConfig holds hub connection configuration.
type SessionConfig struct {
	// Address is the daemon's host:port.
	Address string

	// UUID identifies this client. Default: DefaultUUID.
	UUID string

	// ReadTimeout bounds each socket read. Default: 1 second.
	ReadTimeout time.Duration

	// ConnectTimeout bounds dialling plus the identify exchange. Default: 10 seconds.
	ConnectTimeout time.Duration

	// ControlTimeout bounds waiting for a control or heartbeat reply. Default: 5 seconds.
	ControlTimeout time.Duration

	Reconnect ReconnectPolicy
}

// SessionStats holds operational statistics.
type SessionStats struct {
	FramesReceived   uint64
	EventsDelivered  uint64
	MalformedFrames  uint64
	ControlsSent     uint64
	ControlsRejected uint64
	Reconnects       uint64
	LastActivity     time.Time
	State            SessionState
	Connected        bool
}

// Session is a client session with the pilight daemon.
//
// Thread Safety:
//   - ProcessEvents runs on one goroutine; SendControl, Terminate and Stats
//     may be called from any other goroutine.
//   - All socket access is serialised by ioMu. The event loop holds it for
//     at most one read timeout, so a concurrent SendControl never
//     interleaves bytes with a read in progress.
//   - Event frames read while waiting for a reply are queued and
//     delivered by ProcessEvents in arrival order.
type Session struct {
	cfg    SessionConfig
	logger Logger

	ioMu      sync.Mutex
	transport *frameTransport // guarded by ioMu
	backlog   [][]byte        // guarded by ioMu

	state atomic.Int32

	// terminated only changes under deliverMu, which is held while onEvent
	// runs, so no callback is running or starts once Terminate returns.
	deliverMu  sync.Mutex
	terminated atomic.Bool
	done       *closeOnce
	stopAfter  func() bool

	framesRx         atomic.Uint64
	eventsDelivered  atomic.Uint64
	malformedFrames  atomic.Uint64
	controlsSent     atomic.Uint64
	controlsRejected atomic.Uint64
	reconnects       atomic.Uint64
	lastActivity     atomic.Int64
}

// NewSession creates a disconnected session. Cancelling ctx terminates it.
func NewSession(ctx context.Context, cfg SessionConfig, logger Logger) *Session {
	if cfg.UUID == "" {
		cfg.UUID = DefaultUUID
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = defaultControlTimeout
	}
	if cfg.Reconnect.InitialDelay <= 0 {
		cfg.Reconnect.InitialDelay = defaultReconnectInterval
	}
	if cfg.Reconnect.MaxDelay <= 0 {
		cfg.Reconnect.MaxDelay = maxReconnectInterval
	}
	if logger == nil {
		logger = nopLogger{}
	}

	s := &Session{
		cfg:    cfg,
		logger: logger,
		done:   newCloseOnce(),
	}
	s.stopAfter = context.AfterFunc(ctx, s.Terminate)
	return s
}

// Connect dials the daemon and performs the identify handshake.
//
// A rejected handshake closes the socket and returns ErrHandshakeFailed;
// an unreachable daemon returns ErrConnectFailed.
func (s *Session) Connect(ctx context.Context) error {
	if s.terminated.Load() {
		return ErrTerminated
	}

	s.setState(StateConnecting)
	s.logger.Info("connecting to hub", "address", s.cfg.Address)

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	transport, err := dialTransport(connectCtx, s.cfg.Address, s.cfg.ReadTimeout, s.logger)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if s.transport != nil {
		s.transport.close()
	}
	s.transport = transport
	s.backlog = nil

	resp, err := s.exchange(connectCtx, NewIdentifyRequest(s.cfg.UUID))
	if err == nil && !resp.Success() {
		err = fmt.Errorf("hub replied %q", resp.Status)
	}
	if err != nil {
		s.closeTransport()
		s.setState(StateDisconnected)
		return fmt.Errorf("%w: identify: %w", ErrHandshakeFailed, err)
	}

	s.touch()
	s.setState(StateIdentified)
	s.logger.Info("identified with hub", "address", s.cfg.Address)
	return nil
}

// Heartbeat sends HEART and succeeds only if the reply is exactly BEAT,
// either as a frame or as bare bytes with no terminator.
func (s *Session) Heartbeat() error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if s.transport == nil {
		return ErrNotConnected
	}

	if err := s.transport.writeFrame(heartbeatRequest); err != nil {
		return fmt.Errorf("%w: heartbeat: %w", ErrHandshakeFailed, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ControlTimeout)
	defer cancel()

	reply, err := s.awaitReply(ctx, isHeartbeatAnswer, heartbeatReply)
	if err != nil {
		return fmt.Errorf("%w: heartbeat: %w", ErrHandshakeFailed, err)
	}
	if !bytes.Equal(reply, heartbeatReply) {
		return fmt.Errorf("%w: heartbeat reply %q", ErrHandshakeFailed, truncate(reply))
	}

	s.touch()
	s.logger.Debug("heartbeat ok")
	return nil
}

// SendControl asks the daemon to set device to state and waits for the
// acknowledgement. Any failure is reported as ErrControlRejected.
func (s *Session) SendControl(ctx context.Context, device, state string) error {
	if device == "" {
		return fmt.Errorf("%w: empty device name", ErrControlRejected)
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if s.terminated.Load() {
		return fmt.Errorf("%w: %w", ErrControlRejected, ErrTerminated)
	}
	if s.transport == nil {
		return fmt.Errorf("%w: %w", ErrControlRejected, ErrNotConnected)
	}

	s.controlsSent.Add(1)

	controlCtx, cancel := context.WithTimeout(ctx, s.cfg.ControlTimeout)
	defer cancel()

	resp, err := s.exchange(controlCtx, NewControlRequest(device, state))
	if err == nil && !resp.Success() {
		err = fmt.Errorf("hub replied %q", resp.Status)
	}
	if err != nil {
		s.controlsRejected.Add(1)
		return fmt.Errorf("%w: device %q: %w", ErrControlRejected, device, err)
	}

	s.touch()
	s.logger.Info("device state set", "device", device, "state", state)
	return nil
}

// ProcessEvents reads frames until termination or connection loss and
// calls onEvent once per event frame, in arrival order.
//
// It returns nil when terminated and an error wrapping ErrConnectionLost
// when the connection cannot be recovered. Malformed frames are logged
// and skipped. onEvent is never called after Terminate returns, and must
// not itself call Terminate.
func (s *Session) ProcessEvents(onEvent func(Event)) error {
	s.setState(StateStreaming)
	s.logger.Info("processing hub events")

	for {
		if s.terminated.Load() {
			return nil
		}

		frame, err := s.nextFrame()
		if err != nil {
			if errors.Is(err, ErrTerminated) {
				return nil
			}
			s.setState(StateDisconnected)
			s.logger.Error("hub connection lost", "error", err)
			return err
		}
		if frame == nil {
			continue
		}

		if !s.deliver(frame, onEvent) {
			return nil
		}
	}
}

// nextFrame returns a queued frame or performs one bounded read.
func (s *Session) nextFrame() ([]byte, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if len(s.backlog) > 0 {
		frame := s.backlog[0]
		s.backlog = s.backlog[1:]
		return frame, nil
	}

	if s.terminated.Load() {
		return nil, ErrTerminated
	}
	if s.transport == nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, ErrNotConnected)
	}

	frame, err := s.transport.poll()
	if err != nil {
		return nil, err
	}
	if frame != nil {
		s.framesRx.Add(1)
		s.touch()
	}
	return frame, nil
}

// deliver decodes frame and hands it to onEvent. It returns false when the
// session was terminated and the event was not delivered.
func (s *Session) deliver(frame []byte, onEvent func(Event)) bool {
	if isReplyFrame(frame) {
		// Late reply to a request whose waiter already gave up.
		s.logger.Debug("discarding unsolicited reply", "frame", truncate(frame))
		return true
	}

	ev, err := DecodeEvent(frame)
	if err != nil {
		s.malformedFrames.Add(1)
		s.logger.Warn("skipping malformed frame", "error", err, "frame", truncate(frame))
		return true
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.terminated.Load() {
		return false
	}
	s.eventsDelivered.Add(1)
	onEvent(ev)
	return true
}

// exchange writes a request and waits for its status reply. ioMu must be held.
func (s *Session) exchange(ctx context.Context, req any) (StatusResponse, error) {
	data, err := encodeRequest(req)
	if err != nil {
		return StatusResponse{}, err
	}
	if err := s.transport.writeFrame(data); err != nil {
		return StatusResponse{}, err
	}

	reply, err := s.awaitReply(ctx, isStatusReply, nil)
	if err != nil {
		return StatusResponse{}, err
	}
	return decodeStatus(reply)
}

// awaitReply reads until isReply accepts a frame, queueing every other
// frame for ProcessEvents. unterminated is passed to readFrame. ioMu must
// be held.
func (s *Session) awaitReply(ctx context.Context, isReply func([]byte) bool, unterminated []byte) ([]byte, error) {
	stop := func() bool {
		return s.terminated.Load() || ctx.Err() != nil
	}

	for {
		frame, err := s.transport.readFrame(stop, unterminated)
		if errors.Is(err, ErrTerminated) {
			if s.terminated.Load() {
				return nil, ErrTerminated
			}
			return nil, fmt.Errorf("%w: %w", ErrNoReply, ctx.Err())
		}
		if err != nil {
			return nil, err
		}

		s.framesRx.Add(1)
		if isReply(frame) {
			return frame, nil
		}
		s.backlog = append(s.backlog, frame)
	}
}

// Reconnect retries Connect with exponential backoff until it succeeds,
// the policy's attempt limit is reached, or the session is terminated.
func (s *Session) Reconnect(ctx context.Context) ReconnectResult {
	policy := s.cfg.Reconnect
	backoff := policy.InitialDelay

	for attempt := 1; ; attempt++ {
		if s.terminated.Load() || ctx.Err() != nil {
			return ReconnectGaveUp
		}

		s.setState(StateReconnecting)
		s.logger.Info("attempting reconnection", "attempt", attempt, "backoff", backoff.String())

		err := s.Connect(ctx)
		if err == nil {
			total := s.reconnects.Add(1)
			s.logger.Info("reconnection successful", "total_reconnects", total)
			return ReconnectConnected
		}
		s.logger.Warn("reconnection failed", "attempt", attempt, "error", err)

		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			s.setState(StateDisconnected)
			s.logger.Error("giving up reconnection", "attempts", attempt)
			return ReconnectGaveUp
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateDisconnected)
			return ReconnectGaveUp
		case <-s.done.Done():
			timer.Stop()
			s.setState(StateDisconnected)
			return ReconnectGaveUp
		case <-timer.C:
		}

		backoff = nextBackoff(backoff, policy.MaxDelay)
	}
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := time.Duration(float64(current) * reconnectBackoffFactor)
	if next > limit {
		return limit
	}
	return next
}

// Terminate requests the event loop to stop. It is idempotent and safe to
// call from any goroutine; ProcessEvents returns within one read timeout.
//
// Terminate waits for an event callback in progress to return, so it must
// not be called from onEvent; cancel the session context instead.
func (s *Session) Terminate() {
	s.deliverMu.Lock()
	requested := s.terminated.CompareAndSwap(false, true)
	s.deliverMu.Unlock()

	if requested {
		s.done.Close()
		s.logger.Info("terminate requested")
	}
}

// Disconnect terminates the session and closes the socket.
func (s *Session) Disconnect() error {
	s.Terminate()
	s.stopAfter()

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	err := s.closeTransport()
	s.setState(StateDisconnected)
	s.logger.Info("disconnected from hub")
	return err
}

// closeTransport closes and forgets the socket. ioMu must be held.
func (s *Session) closeTransport() error {
	if s.transport == nil {
		return nil
	}
	err := s.transport.close()
	s.transport = nil
	s.backlog = nil
	return err
}

// Terminated reports whether termination has been requested.
func (s *Session) Terminated() bool {
	return s.terminated.Load()
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// IsConnected reports whether the session has completed the handshake.
func (s *Session) IsConnected() bool {
	switch s.State() {
	case StateIdentified, StateStreaming:
		return true
	default:
		return false
	}
}

// Address returns the daemon address the session connects to.
func (s *Session) Address() string {
	return s.cfg.Address
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() SessionStats {
	var last time.Time
	if ts := s.lastActivity.Load(); ts > 0 {
		last = time.Unix(0, ts)
	}
	return SessionStats{
		FramesReceived:   s.framesRx.Load(),
		EventsDelivered:  s.eventsDelivered.Load(),
		MalformedFrames:  s.malformedFrames.Load(),
		ControlsSent:     s.controlsSent.Load(),
		ControlsRejected: s.controlsRejected.Load(),
		Reconnects:       s.reconnects.Load(),
		LastActivity:     last,
		State:            s.State(),
		Connected:        s.IsConnected(),
	}
}

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}
