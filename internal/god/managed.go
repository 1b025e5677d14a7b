package god

import (
	"sync"
	"time"

	"github.com/loykin/procgod/internal/metrics"
	"github.com/loykin/procgod/internal/process"
	"github.com/loykin/procgod/internal/restart"
)

// ManagedProcess is one registry record.
//
// Lock hierarchy (to prevent deadlocks):
//  1. op - serializes state-changing operations on this record, death
//     handling and timer-driven restarts included. Held across blocking
//     steps (spawn, graceful stop).
//  2. mu - guards the fields below for snapshots; never held while blocking.
//
// During a rolling reload the slot's op is taken before the replacement's.
type ManagedProcess struct {
	op sync.Mutex
	mu sync.RWMutex

	id        int // changes once, when a reload replacement takes over a slot
	slot      int // id the process presents as (logs, PROCGOD_ID)
	spec      process.Spec
	status    process.Status
	handle    *process.Handle
	gen       uint64 // bumped on every spawn and explicit stop
	transient bool   // reload replacement not yet promoted
	deleted   bool

	restartCount  int
	unstable      int
	createdAt     time.Time
	lastStartedAt time.Time
	exitCode      int
	lastErr       string
	monit         metrics.Usage
	agentPID      int // pid reported by the process itself, 0 = use handle pid

	tracker  *restart.Tracker
	timer    *time.Timer
	timerSeq uint64
	release  func() // log writers of the running process
}

// ProcessInfo is a read-only copy of a ManagedProcess.
type ProcessInfo struct {
	ID               int              `json:"id"`
	Name             string           `json:"name"`
	Group            string           `json:"group"`
	PID              int              `json:"pid"`
	Status           process.Status   `json:"status"`
	ExecMode         process.ExecMode `json:"exec_mode"`
	RestartCount     int              `json:"restart_time"`
	UnstableRestarts int              `json:"unstable_restarts"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        time.Time        `json:"started_at,omitempty"`
	Uptime           time.Duration    `json:"uptime"`
	ExitCode         int              `json:"exit_code"`
	LastError        string           `json:"last_error,omitempty"`
	Monit            metrics.Usage    `json:"monit"`
	Source           metrics.Source   `json:"monitor_source"`
	Transient        bool             `json:"transient,omitempty"`
	Spec             process.Spec     `json:"spec"`
}

func newManaged(id int, spec process.Spec, tracker *restart.Tracker) *ManagedProcess {
	return &ManagedProcess{
		id:        id,
		slot:      id,
		spec:      spec,
		status:    process.StatusLaunching,
		createdAt: time.Now(),
		tracker:   tracker,
	}
}

func traitsOf(s process.Spec) restart.Traits {
	return restart.Traits{
		AutoRestart:     s.AutoRestart,
		Fork:            s.ExecMode != process.ModeCluster,
		Watch:           s.HasWatch(),
		RestartDelay:    s.RestartDelay,
		MaxRestartDelay: s.MaxRestartDelay,
	}
}

func (mp *ManagedProcess) snapshot() ProcessInfo {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	info := ProcessInfo{
		ID:               mp.id,
		Name:             mp.spec.Name,
		Group:            mp.spec.Name,
		Status:           mp.status,
		ExecMode:         mp.spec.ExecMode,
		RestartCount:     mp.restartCount,
		UnstableRestarts: mp.unstable,
		CreatedAt:        mp.createdAt,
		StartedAt:        mp.lastStartedAt,
		ExitCode:         mp.exitCode,
		LastError:        mp.lastErr,
		Monit:            mp.monit,
		Transient:        mp.transient,
		Spec:             mp.spec,
	}
	if mp.handle != nil {
		info.PID = mp.handle.PID()
		if mp.status == process.StatusOnline {
			info.Uptime = mp.handle.Uptime().Truncate(time.Millisecond)
		}
	}
	info.Source = mp.sourceLocked()
	return info
}

func (mp *ManagedProcess) sourceLocked() metrics.Source {
	if mp.agentPID > 0 {
		return metrics.Source{Kind: metrics.SourceAgent, PID: mp.agentPID}
	}
	src := metrics.Source{Kind: metrics.SourceOS}
	if mp.handle != nil {
		src.PID = mp.handle.PID()
	}
	return src
}

func (mp *ManagedProcess) name() string {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.spec.Name
}

func (mp *ManagedProcess) hasTag(tag string) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.spec.HasTag(tag)
}

func (mp *ManagedProcess) currentID() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.id
}

func (mp *ManagedProcess) currentStatus() process.Status {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.status
}

func (mp *ManagedProcess) isTransient() bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.transient
}

// cancelTimerLocked drops a pending backoff restart. Caller holds op.
func (mp *ManagedProcess) cancelTimerLocked() {
	if mp.timer != nil {
		mp.timer.Stop()
		mp.timer = nil
	}
	mp.timerSeq++
}
