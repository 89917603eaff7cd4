// Package supervisor spawns and monitors auxiliary daemons using pidfiles
// and advisory file locks, polling for startup/shutdown and sending
// signalled teardown. cmd/pageserver uses it to launch the storage broker;
// the WAL-Redo Applier launches its own child directly and does not use it.
package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// PidFileState is the result of reading a pidfile and checking whether its
// advisory lock is actually held.
type PidFileState int

const (
	// PidFileNotExist means the file is absent: the process isn't running.
	PidFileNotExist PidFileState = iota
	// PidFileNotHeldByAnyProcess means the file exists but no process holds
	// its advisory lock. The pid inside may be stale or recycled; per the
	// conservative policy this state mandates, callers must neither act on
	// the pid nor delete the file — unlinking it could race a fresh
	// creation by a process that just started.
	PidFileNotHeldByAnyProcess
	// PidFileLockedByOtherProcess means the lock is held; Pid is the holder.
	PidFileLockedByOtherProcess
)

// PidFileReadResult is the outcome of ReadPidFile.
type PidFileReadResult struct {
	State PidFileState
	Pid   int
}

// ReadPidFile reads path and determines whether its advisory lock is held.
// It never deletes or otherwise mutates the file.
func ReadPidFile(path string) (PidFileReadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return PidFileReadResult{State: PidFileNotExist}, nil
		}
		return PidFileReadResult{}, fmt.Errorf("reading pidfile %s: %w", path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return PidFileReadResult{}, fmt.Errorf("parsing pidfile %s contents %q: %w", path, data, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return PidFileReadResult{}, fmt.Errorf("opening pidfile %s to probe lock: %w", path, err)
	}
	defer f.Close()

	lock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(f.Fd(), unix.F_GETLK, &lock); err != nil {
		return PidFileReadResult{}, fmt.Errorf("probing pidfile %s lock: %w", path, err)
	}

	if lock.Type == unix.F_UNLCK {
		return PidFileReadResult{State: PidFileNotHeldByAnyProcess, Pid: pid}, nil
	}
	return PidFileReadResult{State: PidFileLockedByOtherProcess, Pid: int(lock.Pid)}, nil
}

// ClaimPidFile creates (or truncates) path, writes the current process's pid
// into it, and takes an exclusive advisory write lock that is held for as
// long as the returned file stays open. The caller must keep the file open
// (and must not set FD_CLOEXEC if the lock needs to survive an exec, as the
// "create pidfile for a child" launch mode requires).
func ClaimPidFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating pidfile %s: %w", path, err)
	}

	lock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lock); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking pidfile %s: %w", path, err)
	}

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing pid into %s: %w", path, err)
	}

	return f, nil
}
