package walredo

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/neondatabase/pageserver-redo/internal/config"
)

// redoProcess is a launched wal-redo child: a stripped-down Postgres running
// in "--wal-redo" mode, driven over three pipes. It is exclusively owned by
// its tenant's Manager mutex, created lazily on first request and destroyed
// by kill() on any I/O error.
//
// Go's os/exec always forks and execs through the runtime's own safe path;
// unlike the sibling implementation this process descends from, there is no
// hook to run arbitrary code between fork and exec, so fd hygiene relies on
// the Go runtime's own guarantee that every fd it opened is FD_CLOEXEC
// unless explicitly listed in cmd.ExtraFiles (which this code never sets).
type redoProcess struct {
	tenantID string
	cmd      *exec.Cmd
	stdin    *os.File
	stdout   *os.File
	stderr   *os.File
	datadir  string
}

func libPathEnv(libDir string) []string {
	env := []string{}
	if libDir != "" {
		env = append(env, "LD_LIBRARY_PATH="+libDir, "DYLD_LIBRARY_PATH="+libDir)
	}
	return env
}

// launchRedoProcess prepares a fresh per-tenant scratch data directory, runs
// initdb against it, appends the minimal runtime config, and spawns the
// wal-redo binary with piped stdio. The pipes are switched to non-blocking
// mode by applyWALRecords.
func launchRedoProcess(ctx context.Context, cfg config.RedoConfig, tenantID, pgVersion string) (*redoProcess, error) {
	binDir := cfg.PgBinDir[pgVersion]
	if binDir == "" {
		return nil, newError(InvalidState, fmt.Sprintf("no pg_bin_dir configured for version %q", pgVersion))
	}
	libDir := cfg.PgLibDir[pgVersion]

	datadir := filepath.Join(cfg.WalRedoDatadirPrefix, fmt.Sprintf("%s-%s", tenantID, uuid.NewString()))
	if err := os.RemoveAll(datadir); err != nil {
		return nil, wrapError(IoError, "clearing previous wal-redo datadir", err)
	}

	initdb := exec.CommandContext(ctx, filepath.Join(binDir, "initdb"), "-D", datadir, "-N")
	initdb.Env = libPathEnv(libDir)
	if out, err := initdb.CombinedOutput(); err != nil {
		return nil, wrapError(IoError, fmt.Sprintf("initdb failed: %s", out), err)
	}

	confPath := filepath.Join(datadir, "postgresql.conf")
	f, err := os.OpenFile(confPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, wrapError(IoError, "opening generated postgresql.conf", err)
	}
	_, werr := f.WriteString("shared_buffers=128kB\nfsync=off\n")
	cerr := f.Close()
	if werr != nil {
		return nil, wrapError(IoError, "writing postgresql.conf", werr)
	}
	if cerr != nil {
		return nil, wrapError(IoError, "closing postgresql.conf", cerr)
	}

	cmd := exec.CommandContext(ctx, filepath.Join(binDir, "postgres"), "--wal-redo")
	cmd.Env = append(libPathEnv(libDir), "PGDATA="+datadir)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, wrapError(IoError, "creating stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, wrapError(IoError, "creating stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, wrapError(IoError, "creating stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, wrapError(IoError, "starting wal-redo process", err)
	}

	p := &redoProcess{
		tenantID: tenantID,
		cmd:      cmd,
		stdin:    stdin.(*os.File),
		stdout:   stdout.(*os.File),
		stderr:   stderr.(*os.File),
		datadir:  datadir,
	}

	// Guarantee the child is killed and reaped even if a caller forgets to
	// call kill(): the finalizer offloads the wait to a background
	// goroutine so it never blocks the garbage collector.
	runtime.SetFinalizer(p, func(p *redoProcess) { p.kill() })

	return p, nil
}

// kill terminates the child and reaps it in the background. It is safe to
// call more than once.
func (p *redoProcess) kill() {
	runtime.SetFinalizer(p, nil)
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	go func() {
		_ = p.cmd.Wait()
	}()
}

// applyWALRecords writes writebuf to the child's stdin while concurrently
// draining stdout into an 8 KiB result buffer and forwarding stderr to the
// log, exactly as described by the redo I/O loop: stderr is drained first
// on each iteration that has it readable, writes trickle in as stdin
// becomes writable, and the loop completes the instant BlockSize result
// bytes have been read.
func (p *redoProcess) applyWALRecords(timeout time.Duration, writebuf []byte) ([]byte, error) {
	stdinFd := int(p.stdin.Fd())
	stdoutFd := int(p.stdout.Fd())
	stderrFd := int(p.stderr.Fd())

	for _, fd := range []int{stdinFd, stdoutFd, stderrFd} {
		if err := unix.SetNonblock(fd, true); err != nil {
			return nil, wrapError(IoError, "setting pipe non-blocking", err)
		}
	}

	nwrite := 0
	result := make([]byte, 0, BlockSize)
	deadline := time.Now().Add(timeout)

	for len(result) < BlockSize {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, newError(Timeout, "wal redo process did not respond in time")
		}

		fds := []unix.PollFd{
			{Fd: int32(stdoutFd), Events: unix.POLLIN},
			{Fd: int32(stderrFd), Events: unix.POLLIN},
		}
		const stdinIdx = 2
		if nwrite < len(writebuf) {
			fds = append(fds, unix.PollFd{Fd: int32(stdinFd), Events: unix.POLLOUT})
		}

		n, err := unix.Poll(fds, int(remaining.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, wrapError(IoError, "polling wal redo pipes", err)
		}
		if n == 0 {
			return nil, newError(Timeout, "wal redo process did not respond in time")
		}

		// Drain stderr first, to capture diagnostics before anything else;
		// skip stdout this iteration if stderr had data.
		if fds[1].Revents&unix.POLLIN != 0 {
			buf := make([]byte, 16*1024)
			rn, rerr := unix.Read(stderrFd, buf)
			if rn > 0 {
				slog.Warn("wal redo stderr", "tenant", p.tenantID, "output", string(buf[:rn]))
			}
			if rerr != nil && rerr != unix.EAGAIN {
				return nil, wrapError(IoError, "reading wal redo stderr", rerr)
			}
			continue
		}
		if fds[1].Revents&unix.POLLHUP != 0 {
			return nil, newError(BrokenPipe, "wal redo stderr pipe hung up")
		}

		if len(fds) > stdinIdx && fds[stdinIdx].Revents&unix.POLLOUT != 0 {
			wn, werr := unix.Write(stdinFd, writebuf[nwrite:])
			if werr != nil && werr != unix.EAGAIN {
				return nil, wrapError(IoError, "writing wal redo request", werr)
			}
			nwrite += wn
		}
		if len(fds) > stdinIdx && fds[stdinIdx].Revents&unix.POLLHUP != 0 && nwrite < len(writebuf) {
			return nil, newError(BrokenPipe, "wal redo stdin pipe hung up")
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			buf := make([]byte, BlockSize-len(result))
			rn, rerr := unix.Read(stdoutFd, buf)
			if rerr != nil && rerr != unix.EAGAIN {
				return nil, wrapError(IoError, "reading wal redo result", rerr)
			}
			result = append(result, buf[:rn]...)
		}
		if fds[0].Revents&unix.POLLHUP != 0 && len(result) < BlockSize {
			return nil, newError(BrokenPipe, "wal redo stdout pipe hung up")
		}
	}

	return result, nil
}
