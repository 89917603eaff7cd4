package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/neondatabase/pageserver-redo/internal/config"
)

// InitialPidFileMode selects how StartProcess should obtain its pidfile.
type InitialPidFileMode int

const (
	// InitialPidFileCreate claims a fresh pidfile for the process this call
	// spawns.
	InitialPidFileCreate InitialPidFileMode = iota
	// InitialPidFileExpect means the spawned process claims its own pidfile
	// at a known path; StartProcess only polls for it to appear.
	InitialPidFileExpect
)

// StatusCheck reports whether the monitored process is considered up.
// Supplied by the caller: for the wal-redo child this might probe the
// control pipe, for other daemons a TCP or HTTP health check.
type StatusCheck func() (bool, error)

// StartProcess launches command/args with env, waits for it to report ready
// via pidFileMode/pidFilePath and statusCheck, polling at the configured
// interval up to RetryUntilSec, and returns the running *exec.Cmd. On
// failure to start in time, the spawned process is killed before returning
// the error.
func StartProcess(ctx context.Context, cfg config.SupervisorConfig, processName string, command string, args []string, env []string, pidFileMode InitialPidFileMode, pidFilePath string, statusCheck StatusCheck) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = env

	logFile, err := os.OpenFile(processName+".log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file for %s: %w", processName, err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	var pidFile *os.File
	if pidFileMode == InitialPidFileCreate {
		pidFile, err = ClaimPidFile(pidFilePath)
		if err != nil {
			logFile.Close()
			return nil, fmt.Errorf("claiming pidfile for %s: %w", processName, err)
		}
	}

	if err := cmd.Start(); err != nil {
		if pidFile != nil {
			pidFile.Close()
		}
		logFile.Close()
		return nil, fmt.Errorf("spawning %s: %w", processName, err)
	}
	if pidFile != nil {
		pidFile.Close()
	}

	retries := (cfg.RetryUntilSec * 1000) / cfg.RetryIntervalMilli
	interval := cfg.RetryInterval()

	for i := 0; i < retries; i++ {
		ready, err := processStarted(cmd.Process.Pid, pidFilePath, statusCheck)
		if err != nil {
			_ = cmd.Process.Kill()
			go func() { _ = cmd.Wait() }()
			return nil, fmt.Errorf("%s failed to start: %w", processName, err)
		}
		if ready {
			return cmd, nil
		}

		if i > 0 && i%cfg.DotEveryRetries == 0 {
			slog.Info("still waiting for process to start", "process", processName, "attempt", i)
		}
		if i == cfg.NoticeAfterRetries {
			slog.Warn("process is taking a long time to start", "process", processName, "waited", time.Duration(i)*interval)
		}
		time.Sleep(interval)
	}

	_ = cmd.Process.Kill()
	go func() { _ = cmd.Wait() }()
	return nil, fmt.Errorf("%s did not start within %ds", processName, cfg.RetryUntilSec)
}

// processStarted reports whether statusCheck (when given) passes and, if
// pidFilePath is non-empty, that the pidfile's held lock actually names pid.
// It does not probe pid for liveness itself.
func processStarted(pid int, pidFilePath string, statusCheck StatusCheck) (bool, error) {
	if statusCheck != nil {
		ok, err := statusCheck()
		if err != nil || !ok {
			return false, err
		}
	}
	if pidFilePath == "" {
		return true, nil
	}
	res, err := ReadPidFile(pidFilePath)
	if err != nil {
		return false, err
	}
	return res.State == PidFileLockedByOtherProcess && res.Pid == pid, nil
}

// StopProcess sends SIGQUIT (immediate) or SIGTERM (graceful) to the
// process named by pidFilePath and waits for it to exit, polling at the
// configured interval up to RetryUntilSec.
//
// A pidfile in PidFileNotExist or PidFileNotHeldByAnyProcess state is left
// completely untouched: there is nothing to signal, and the file must not be
// deleted, since its pid may already have been recycled by an unrelated
// process and an unlink here could race a fresh claim by a process that just
// started.
func StopProcess(cfg config.SupervisorConfig, immediate bool, processName, pidFilePath string) error {
	res, err := ReadPidFile(pidFilePath)
	if err != nil {
		return fmt.Errorf("reading pidfile for %s: %w", processName, err)
	}
	switch res.State {
	case PidFileNotExist:
		return nil
	case PidFileNotHeldByAnyProcess:
		slog.Info("pidfile exists but is not locked, leaving it alone", "process", processName, "path", pidFilePath)
		return nil
	}

	sig := unix.SIGTERM
	if immediate {
		sig = unix.SIGQUIT
	}
	if err := unix.Kill(res.Pid, sig); err != nil {
		if err == unix.ESRCH {
			// Likely the pid got recycled; nothing more to do, and the
			// pidfile must not be removed here either.
			return nil
		}
		return fmt.Errorf("signalling %s (pid %d): %w", processName, res.Pid, err)
	}

	retries := (cfg.RetryUntilSec * 1000) / cfg.RetryIntervalMilli
	interval := cfg.RetryInterval()
	for i := 0; i < retries; i++ {
		stopped, err := processHasStopped(res.Pid)
		if err != nil {
			return fmt.Errorf("checking whether %s stopped: %w", processName, err)
		}
		if stopped {
			return nil
		}
		if i > 0 && i%cfg.DotEveryRetries == 0 {
			slog.Info("still waiting for process to stop", "process", processName, "attempt", i)
		}
		time.Sleep(interval)
	}
	return fmt.Errorf("%s (pid %d) did not stop within %ds", processName, res.Pid, cfg.RetryUntilSec)
}

// processHasStopped probes liveness with signal 0: ESRCH means the process
// is gone, any other outcome means it (or a pid-recycled impostor) is alive.
func processHasStopped(pid int) (bool, error) {
	err := unix.Kill(pid, 0)
	if err == nil {
		return false, nil
	}
	if err == unix.ESRCH {
		return true, nil
	}
	return false, err
}

// passthroughEnv builds a minimal, cleared environment for a launched
// process: only diagnostic and credential variables explicitly named here
// are carried over from the current process's environment, everything else
// is dropped.
func passthroughEnv(extra ...string) []string {
	env := append([]string{}, extra...)

	if v, ok := os.LookupEnv("RUST_BACKTRACE"); ok {
		env = append(env, "RUST_BACKTRACE="+v)
	} else {
		env = append(env, "RUST_BACKTRACE=1")
	}

	for _, name := range []string{"LLVM_PROFILE_FILE", "FAILPOINTS", "RUST_LOG"} {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	for _, name := range []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN"} {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}

	return env
}

// BuildEnv is the exported entry point passthroughEnv backs: callers pass
// any process-specific variables (e.g. PGDATA, LD_LIBRARY_PATH) as extra and
// get back a full environment slice suitable for exec.Cmd.Env.
func BuildEnv(extra ...string) []string {
	return passthroughEnv(extra...)
}
