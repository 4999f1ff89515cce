package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// CheckPIDFile returns ErrAlreadyRunning if path records the PID of a
// live process other than the current one. A missing file, or one naming
// a dead process, is not an error.
func CheckPIDFile(path string) error {
	pid, err := ReadPIDFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	if pid == os.Getpid() || !processAlive(pid) {
		return nil
	}
	return fmt.Errorf("%w: pid %d (from %s)", ErrAlreadyRunning, pid, path)
}

// ReadPIDFile returns the PID recorded in path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %s: %q", ErrInvalidPIDFile, path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// WritePIDFile records the current PID in path, creating parent
// directories as needed.
func WritePIDFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating pid file directory: %w", err)
		}
	}
	data := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil { //nolint:gosec // PID files are world-readable by convention
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// RemovePIDFile deletes path if it still records the current PID.
func RemovePIDFile(path string) error {
	pid, err := ReadPIDFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing pid file: %w", err)
	}
	return nil
}

// processAlive reports whether pid exists. EPERM means it exists but
// belongs to another user.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
