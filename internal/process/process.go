package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/procgod/internal/errs"
)

// killWait bounds how long Stop waits for the reaper after SIGKILL.
const killWait = 2 * time.Second

// StartOptions carries the per-launch inputs that are not part of the Spec.
type StartOptions struct {
	Env    []string // full environment; nil inherits the daemon's
	Stdout io.Writer
	Stderr io.Writer
}

// Handle wraps one running OS process. A single goroutine owns cmd.Wait;
// everything else observes exit through Done.
type Handle struct {
	name      string
	pid       int
	startedAt time.Time
	done      chan struct{}

	mu       sync.Mutex
	exitCode int
	exitErr  error
	exitedAt time.Time
	stopping bool
}

// Start spawns the spec's executable and returns once the OS has created the
// process. Spawn failures are reported as errs.ErrSpawn.
func Start(spec Spec, opts StartOptions) (*Handle, error) {
	cmd := spec.BuildCommand()
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if cmd.Stdout == nil || cmd.Stderr == nil {
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err == nil {
			defer func() { _ = null.Close() }()
			if cmd.Stdout == nil {
				cmd.Stdout = null
			}
			if cmd.Stderr == nil {
				cmd.Stderr = null
			}
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Spawn(spec.Name, err)
	}
	h := &Handle{
		name:      spec.Name,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		exitCode:  -1,
	}
	go h.reap(cmd)
	return h, nil
}

func (h *Handle) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	code := -1
	var ee *exec.ExitError
	if err == nil {
		code = 0
	} else if errors.As(err, &ee) {
		code = ee.ExitCode()
	}
	h.mu.Lock()
	h.exitCode = code
	h.exitErr = err
	h.exitedAt = time.Now()
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) PID() int             { return h.pid }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode is valid after Done; -1 means killed by a signal.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Err returns the Wait error, nil for a clean exit.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Uptime is measured until exit when the process has exited.
func (h *Handle) Uptime() time.Duration {
	h.mu.Lock()
	end := h.exitedAt
	h.mu.Unlock()
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(h.startedAt)
}

// StopRequested reports whether Stop or Kill has been called.
func (h *Handle) StopRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

// Alive probes liveness without racing the reaper.
func (h *Handle) Alive() bool {
	if h.Exited() {
		return false
	}
	return CheckProcess(h.pid)
}

// Signal delivers sig to the process itself.
func (h *Handle) Signal(sig syscall.Signal) error {
	if h.Exited() {
		return os.ErrProcessDone
	}
	return signalPID(h.pid, sig)
}

// Stop sends SIGTERM to the process group, waits up to grace and escalates to
// SIGKILL. forced reports whether escalation happened.
func (h *Handle) Stop(grace time.Duration) (forced bool, err error) {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()
	if h.Exited() {
		return false, nil
	}
	_ = signalGroup(h.pid, syscall.SIGTERM)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return false, nil
	case <-timer.C:
	}
	_ = signalGroup(h.pid, syscall.SIGKILL)
	select {
	case <-h.done:
		return true, nil
	case <-time.After(killWait):
		return true, errs.Timeout("process %s (pid %d) not reaped after SIGKILL", h.name, h.pid)
	}
}

// Kill sends SIGKILL to the process group and waits briefly for the reaper.
func (h *Handle) Kill() error {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()
	if h.Exited() {
		return nil
	}
	_ = signalGroup(h.pid, syscall.SIGKILL)
	select {
	case <-h.done:
		return nil
	case <-time.After(killWait):
		return errs.Timeout("process %s (pid %d) not reaped after SIGKILL", h.name, h.pid)
	}
}
