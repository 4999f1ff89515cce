package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status represents the current state of the supervised process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

const (
	defaultRestartDelay    = 5 * time.Second
	defaultMaxRestartDelay = 5 * time.Minute
	defaultGracefulTimeout = 10 * time.Second
	defaultStartupTimeout  = 2 * time.Second

	// readyPollInterval is how often ReadyFunc is retried during startup.
	readyPollInterval = 100 * time.Millisecond
)

// Config holds configuration for the supervised daemon.
type Config struct {
	// Name is used in log messages. Default: pilight-daemon.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are passed to the binary. pilight-daemon needs -F to stay in
	// the foreground.
	Args []string

	// RestartOnFailure enables automatic restart when the process exits unexpectedly.
	RestartOnFailure bool

	// RestartDelay is the wait before the first restart; it doubles for
	// each consecutive restart up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	MaxRestartAttempts int

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// ReadyFunc reports whether the daemon accepts connections. Start
	// polls it until it succeeds or StartupTimeout expires. Optional.
	ReadyFunc func(ctx context.Context) error

	StartupTimeout time.Duration

	// OnExit is called each time the process exits, with nil after Stop.
	OnExit func(err error)
}

// Logger defines the logging interface for the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Supervisor runs a daemon as a child process and restarts it on failure.
type Supervisor struct {
	config Config
	logger Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	exited        chan error
	status        Status
	restartCount  int
	lastError     error
	startTime     time.Time
	stopRequested bool

	stopping chan struct{}
	done     chan struct{}
}

// NewSupervisor creates a supervisor. Call Start to launch the process.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.Name == "" {
		cfg.Name = "pilight-daemon"
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.MaxRestartDelay <= 0 {
		cfg.MaxRestartDelay = defaultMaxRestartDelay
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}

	return &Supervisor{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// DialReady returns a ReadyFunc that succeeds once address accepts TCP
// connections.
func DialReady(address string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// Start launches the process, waits for it to become ready and begins
// monitoring it. ctx bounds the lifetime of the process.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusRunning || s.status == StatusStarting {
		s.mu.Unlock()
		return fmt.Errorf("process %s is already running", s.config.Name)
	}
	s.status = StatusStarting
	s.stopRequested = false
	s.stopping = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.startProcess(ctx); err != nil {
		s.setFailed(err)
		close(s.done)
		return err
	}

	go s.monitor(ctx)

	if err := s.waitReady(ctx); err != nil {
		s.Stop()
		return err
	}
	return nil
}

func (s *Supervisor) startProcess(ctx context.Context) error {
	s.logger.Info("starting process",
		"name", s.config.Name,
		"binary", s.config.Binary,
		"args", s.config.Args,
	)

	cmd := exec.CommandContext(ctx, s.config.Binary, s.config.Args...) //nolint:gosec // binary comes from operator configuration

	// Own process group so Stop signals the daemon's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", s.config.Name, err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	s.mu.Lock()
	s.cmd = cmd
	s.exited = exited
	s.status = StatusRunning
	s.startTime = time.Now()
	s.mu.Unlock()

	go s.captureOutput("stdout", stdout)
	go s.captureOutput("stderr", stderr)

	s.logger.Info("process started", "name", s.config.Name, "pid", cmd.Process.Pid)
	return nil
}

// captureOutput logs each line written by the child.
func (s *Supervisor) captureOutput(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug("process output",
			"name", s.config.Name,
			"stream", stream,
			"line", scanner.Text(),
		)
	}
}

// waitReady polls ReadyFunc until it succeeds, the process exits or
// StartupTimeout expires.
func (s *Supervisor) waitReady(ctx context.Context) error {
	if s.config.ReadyFunc == nil {
		return nil
	}

	readyCtx, cancel := context.WithTimeout(ctx, s.config.StartupTimeout)
	defer cancel()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		attemptCtx, attemptCancel := context.WithTimeout(readyCtx, readyPollInterval)
		lastErr = s.config.ReadyFunc(attemptCtx)
		attemptCancel()
		if lastErr == nil {
			s.logger.Info("process ready", "name", s.config.Name)
			return nil
		}

		select {
		case <-readyCtx.Done():
			return fmt.Errorf("%w: %s after %v: %w", ErrNotReady, s.config.Name, s.config.StartupTimeout, lastErr)
		case <-s.done:
			return fmt.Errorf("%w: %s exited during startup: %w", ErrNotReady, s.config.Name, s.LastError())
		case <-ticker.C:
		}
	}
}

// monitor waits for the process to exit and restarts it if configured.
func (s *Supervisor) monitor(ctx context.Context) {
	defer close(s.done)

	for {
		s.mu.RLock()
		exited := s.exited
		s.mu.RUnlock()

		err := <-exited

		s.mu.RLock()
		stopRequested := s.stopRequested
		s.mu.RUnlock()

		if stopRequested {
			s.logger.Info("process stopped as requested", "name", s.config.Name)
			s.setStatus(StatusStopped)
			s.notifyExit(nil)
			return
		}

		if err == nil {
			err = errors.New("exited with status 0")
		}
		s.logger.Warn("process exited unexpectedly", "name", s.config.Name, "error", err)
		s.setFailed(err)
		s.notifyExit(err)

		if !s.config.RestartOnFailure {
			s.logger.Info("restart disabled, not restarting", "name", s.config.Name)
			return
		}
		if !s.restart(ctx) {
			return
		}
	}
}

// restart waits for the backoff delay and starts the process again,
// retrying failed starts. It reports whether a new process is running.
func (s *Supervisor) restart(ctx context.Context) bool {
	for {
		s.mu.Lock()
		if s.config.MaxRestartAttempts > 0 && s.restartCount >= s.config.MaxRestartAttempts {
			attempts := s.restartCount
			s.mu.Unlock()
			s.logger.Error("max restart attempts reached", "name", s.config.Name, "attempts", attempts)
			return false
		}
		s.restartCount++
		attempt := s.restartCount
		s.mu.Unlock()

		delay := s.calculateBackoffDelay(attempt)
		s.logger.Info("restarting process", "name", s.config.Name, "attempt", attempt, "delay", delay)

		s.mu.RLock()
		stopping := s.stopping
		s.mu.RUnlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("context cancelled, not restarting", "name", s.config.Name)
			return false
		case <-stopping:
			timer.Stop()
			s.setStatus(StatusStopped)
			return false
		case <-timer.C:
		}

		if err := s.startProcess(ctx); err != nil {
			s.logger.Error("failed to restart process", "name", s.config.Name, "error", err)
			s.setFailed(err)
			continue
		}

		// Stop may have raced with the restart; it is waiting on done.
		s.mu.RLock()
		stopRequested, pid := s.stopRequested, s.cmd.Process.Pid
		s.mu.RUnlock()
		if stopRequested {
			syscall.Kill(-pid, syscall.SIGTERM)
		}
		return true
	}
}

// calculateBackoffDelay returns RestartDelay doubled for every attempt
// after the first, capped at MaxRestartDelay.
func (s *Supervisor) calculateBackoffDelay(attempt int) time.Duration {
	delay := s.config.RestartDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.config.MaxRestartDelay {
			return s.config.MaxRestartDelay
		}
	}
	return delay
}

// Stop sends SIGTERM to the process group, waits GracefulTimeout and
// then sends SIGKILL. It is a no-op when nothing is running.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.done == nil {
		s.mu.Unlock()
		return nil
	}
	if !s.stopRequested {
		s.stopRequested = true
		close(s.stopping)
	}
	cmd := s.cmd
	done := s.done
	running := s.status == StatusRunning
	s.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		<-done
		return nil
	}

	pid := cmd.Process.Pid
	s.logger.Info("stopping process", "name", s.config.Name, "pid", pid)

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("failed to send SIGTERM to process group", "name", s.config.Name, "error", err)
	}

	select {
	case <-done:
		s.logger.Info("process stopped gracefully", "name", s.config.Name)
		return nil
	case <-time.After(s.config.GracefulTimeout):
		s.logger.Warn("graceful shutdown timeout, sending SIGKILL",
			"name", s.config.Name,
			"timeout", s.config.GracefulTimeout,
		)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group %s: %w", s.config.Name, err)
	}

	<-done
	s.logger.Info("process killed", "name", s.config.Name)
	return nil
}

// Done is closed once the supervisor has stopped monitoring, either
// after Stop or when it gave up restarting.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

func (s *Supervisor) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *Supervisor) setFailed(err error) {
	s.mu.Lock()
	s.status = StatusFailed
	s.lastError = err
	s.mu.Unlock()
}

func (s *Supervisor) notifyExit(err error) {
	if s.config.OnExit != nil {
		s.config.OnExit(err)
	}
}

// Status returns the current status of the process.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsRunning returns true if the process is currently running.
func (s *Supervisor) IsRunning() bool {
	return s.Status() == StatusRunning
}

// LastError returns the last error that caused the process to exit.
func (s *Supervisor) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// RestartCount returns the number of restart attempts.
func (s *Supervisor) RestartCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restartCount
}

// PID returns the process ID, or 0 if not running.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == StatusRunning && s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// Stats holds supervisor statistics.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Name:         s.config.Name,
		Status:       s.status,
		RestartCount: s.restartCount,
	}
	if s.status == StatusRunning {
		if s.cmd != nil && s.cmd.Process != nil {
			stats.PID = s.cmd.Process.Pid
		}
		stats.Uptime = time.Since(s.startTime)
	}
	if s.lastError != nil {
		stats.LastError = s.lastError.Error()
	}
	return stats
}
