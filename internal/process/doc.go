// Package process provides PID file handling and supervision of the
// pilight daemon as a child process.
//
// Features:
//   - PID file check, write and removal so only one bridge runs per file
//   - Start/stop of pilight-daemon with SIGTERM, then SIGKILL after a timeout
//   - Automatic restart on failure with doubling backoff
//   - Readiness wait until the daemon accepts connections
//   - Log capture from the child's stdout/stderr
//
// Example usage:
//
//	sup := process.NewSupervisor(process.Config{
//	    Binary:             "/usr/local/sbin/pilight-daemon",
//	    Args:               []string{"-F"},
//	    RestartOnFailure:   true,
//	    MaxRestartAttempts: 10,
//	    ReadyFunc:          process.DialReady("127.0.0.1:5001"),
//	})
//
//	if err := sup.Start(ctx); err != nil {
//	    return err
//	}
//	defer sup.Stop()
package process
