package god

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/loykin/procgod/internal/errs"
	"github.com/loykin/procgod/internal/history"
	"github.com/loykin/procgod/internal/metrics"
	"github.com/loykin/procgod/internal/process"
	"github.com/loykin/procgod/internal/restart"
)

// errGone marks an id that existed and has been deleted.
var errGone = fmt.Errorf("%w: deleted", errs.ErrNotFound)

// lockLive returns the record currently registered under id with its op lock
// held. The lookup is repeated when a reload swapped the slot meanwhile.
func (g *God) lockLive(id int) (*ManagedProcess, error) {
	for {
		mp, ok := g.reg.Get(id)
		if !ok {
			if g.reg.Retired(id) {
				return nil, fmt.Errorf("process %d: %w", id, errGone)
			}
			return nil, errs.NotFound("process %d", id)
		}
		mp.op.Lock()
		mp.mu.RLock()
		deleted := mp.deleted
		mp.mu.RUnlock()
		if cur, ok := g.reg.Get(id); ok && cur == mp && !deleted {
			return mp, nil
		}
		mp.op.Unlock()
	}
}

func (g *God) newTracker(spec process.Spec) *restart.Tracker {
	return restart.NewTracker(g.opts.Restart, traitsOf(spec), g.nextSeed())
}

// setStatus moves mp to status and records the transition.
func (g *God) setStatus(mp *ManagedProcess, to process.Status, mutate func()) {
	mp.mu.Lock()
	from := mp.status
	mp.status = to
	if mutate != nil {
		mutate()
	}
	id, name := mp.id, mp.spec.Name
	mp.mu.Unlock()
	if from != to {
		metrics.RecordTransition(strconv.Itoa(id), name, string(from), string(to))
		g.log.Debug("state transition", "id", id, "name", name, "from", from, "to", to)
	}
}

func (g *God) emit(t history.EventType, mp *ManagedProcess) {
	if g.history == nil {
		return
	}
	mp.mu.RLock()
	rec := history.Record{
		ID:       mp.id,
		Name:     mp.spec.Name,
		Status:   string(mp.status),
		ExitCode: mp.exitCode,
		Restarts: mp.restartCount,
	}
	if mp.handle != nil {
		rec.PID = mp.handle.PID()
	}
	mp.mu.RUnlock()
	g.history.Emit(history.Event{Type: t, Record: rec})
}

// spawnLocked launches the record's spec. Caller holds mp.op. On failure
// the record ends errored.
func (g *God) spawnLocked(mp *ManagedProcess) error {
	mp.mu.RLock()
	spec, slot, transient := mp.spec, mp.slot, mp.transient
	mp.mu.RUnlock()

	stdout, stderr, release, err := g.files.Acquire(slot)
	if err != nil {
		g.log.Warn("process log files unavailable", "id", slot, "error", err)
		stdout, stderr, release = nil, nil, func() {}
	}
	environ := g.env.Merge(spec.Env, []string{
		"PROCGOD_ID=" + strconv.Itoa(slot),
		"PROCGOD_NAME=" + spec.Name,
	})
	h, err := process.Start(spec, process.StartOptions{Env: environ, Stdout: stdout, Stderr: stderr})
	if err != nil {
		release()
		g.setStatus(mp, process.StatusErrored, func() {
			mp.handle = nil
			mp.lastErr = err.Error()
		})
		g.emit(history.EventErrored, mp)
		g.log.Error("spawn failed", "id", slot, "name", spec.Name, "error", err)
		return err
	}

	var gen uint64
	g.setStatus(mp, process.StatusOnline, func() {
		mp.gen++
		gen = mp.gen
		mp.handle = h
		mp.release = release
		mp.lastStartedAt = h.StartedAt()
		mp.lastErr = ""
		mp.exitCode = 0
		mp.monit = metrics.Usage{}
		mp.agentPID = 0
	})
	go g.watchExit(mp, h, gen)

	metrics.IncStart(spec.Name)
	g.emit(history.EventStart, mp)
	g.log.Info("process online", "id", slot, "name", spec.Name, "pid", h.PID())
	if !transient {
		g.attach(slot, spec)
	}
	return nil
}

// attach enables watch and cron restarts for id.
func (g *God) attach(id int, spec process.Spec) {
	if spec.HasWatch() && !g.watcher.Watching(id) {
		if err := g.watcher.Add(id, spec.Cwd, spec.Watch); err != nil {
			g.log.Warn("watch disabled", "id", id, "name", spec.Name, "error", err)
		}
	}
	if spec.CronRestart != "" {
		if err := g.cron.Add(id, spec.CronRestart); err != nil {
			g.log.Warn("cron restart disabled", "id", id, "name", spec.Name, "error", err)
		}
	}
}

func (g *God) detach(id int) {
	g.watcher.Remove(id)
	g.cron.Remove(id)
}

func (g *God) onWatchChange(id int) {
	if g.closed.Load() {
		return
	}
	g.log.Info("watched files changed, restarting", "id", id)
	if _, err := g.RestartProcessID(context.Background(), id); err != nil {
		g.log.Warn("watch restart failed", "id", id, "error", err)
	}
}

func (g *God) watchExit(mp *ManagedProcess, h *process.Handle, gen uint64) {
	<-h.Done()
	mp.op.Lock()
	defer mp.op.Unlock()
	g.handleDeathLocked(mp, h, gen)
}

// handleDeathLocked applies the restart policy to an unplanned exit. It
// ignores notifications for an earlier spawn and for handles an explicit
// stop already took over. Caller holds mp.op.
func (g *God) handleDeathLocked(mp *ManagedProcess, h *process.Handle, gen uint64) {
	mp.mu.Lock()
	if mp.gen != gen || mp.handle != h || mp.deleted || mp.status != process.StatusOnline || h.StopRequested() {
		mp.mu.Unlock()
		return
	}
	mp.gen++
	mp.handle = nil
	mp.exitCode = h.ExitCode()
	mp.monit = metrics.Usage{}
	rel := mp.release
	mp.release = nil
	spec, id := mp.spec, mp.id
	mp.mu.Unlock()
	if rel != nil {
		rel()
	}

	code, uptime := h.ExitCode(), h.Uptime()
	metrics.IncCrash(spec.Name)
	g.emit(history.EventExit, mp)
	d := mp.tracker.Decide(traitsOf(spec), restart.Death{ExitCode: code, Uptime: uptime, At: time.Now()})
	attrs := []any{"id", id, "name", spec.Name, "exit_code", code,
		"uptime", uptime.Truncate(time.Millisecond), "action", d.Action}
	if err := h.Err(); err != nil {
		attrs = append(attrs, "error", err)
	}
	g.log.Info("process exited", attrs...)

	switch d.Action {
	case restart.ActionOneLaunch:
		g.setStatus(mp, process.StatusOneLaunch, nil)
	case restart.ActionStop:
		g.setStatus(mp, process.StatusStopped, nil)
	case restart.ActionErrored:
		g.setStatus(mp, process.StatusErrored, func() {
			mp.unstable = d.Unstable
			mp.lastErr = fmt.Sprintf("too many unstable restarts (%d)", d.Unstable)
		})
		metrics.IncErrored(spec.Name)
		g.emit(history.EventErrored, mp)
		g.log.Warn("process errored, auto-restart suspended", "id", id, "name", spec.Name, "unstable_restarts", d.Unstable)
	case restart.ActionRestart:
		g.setStatus(mp, process.StatusLaunching, func() {
			mp.restartCount++
			mp.unstable = d.Unstable
		})
		metrics.IncRestart(spec.Name, "crash")
		g.emit(history.EventRestart, mp)
		g.scheduleRestartLocked(mp, d.Delay)
	}
}

// scheduleRestartLocked arms the backoff timer. Caller holds mp.op.
func (g *God) scheduleRestartLocked(mp *ManagedProcess, delay time.Duration) {
	mp.cancelTimerLocked()
	seq := mp.timerSeq
	mp.timer = time.AfterFunc(delay, func() {
		mp.op.Lock()
		defer mp.op.Unlock()
		mp.mu.RLock()
		stale := mp.timerSeq != seq || mp.deleted || mp.status != process.StatusLaunching
		mp.mu.RUnlock()
		if stale || g.closed.Load() {
			return
		}
		mp.timer = nil
		_ = g.spawnLocked(mp)
	})
}

// stopLocked stops the running process, if any, and leaves the record
// stopped. detach also cancels watch and cron restarts. Caller holds mp.op.
func (g *God) stopLocked(mp *ManagedProcess, detach bool) (bool, error) {
	mp.cancelTimerLocked()
	mp.mu.RLock()
	h, id, spec := mp.handle, mp.id, mp.spec
	mp.mu.RUnlock()
	if detach {
		g.detach(id)
	}
	if h == nil {
		g.setStatus(mp, process.StatusStopped, nil)
		return false, nil
	}

	// the bumped generation makes the exit notification of h stale
	g.setStatus(mp, process.StatusStopping, func() { mp.gen++ })
	grace := g.opts.GraceTimeout
	if spec.KillTimeout > 0 {
		grace = spec.KillTimeout
	}
	var (
		forced bool
		err    error
	)
	if g.hurry.Load() {
		forced, err = true, h.Kill()
	} else {
		forced, err = h.Stop(grace)
	}

	var rel func()
	g.setStatus(mp, process.StatusStopped, func() {
		mp.handle = nil
		mp.exitCode = h.ExitCode()
		mp.monit = metrics.Usage{}
		rel = mp.release
		mp.release = nil
	})
	if rel != nil {
		rel()
	}
	metrics.IncStop(spec.Name, forced)
	g.emit(history.EventStop, mp)
	g.log.Info("process stopped", "id", id, "name", spec.Name, "pid", h.PID(), "forced", forced)
	if err != nil {
		return forced, fmt.Errorf("stop %d: %w", id, err)
	}
	return forced, nil
}

// removeLocked drops mp from the registry. Caller holds mp.op.
func (g *God) removeLocked(mp *ManagedProcess) {
	mp.cancelTimerLocked()
	mp.mu.Lock()
	mp.deleted = true
	id, name := mp.id, mp.spec.Name
	mp.mu.Unlock()
	g.reg.Remove(id)
	metrics.Forget(strconv.Itoa(id), name)
	g.emit(history.EventDelete, mp)
}

// Prepare validates spec, registers its instances and spawns them. It returns
// once every instance is online or errored; spawn failures are joined into
// the error while the records stay registered as errored.
//
// A name that is already registered is updated instead: see update. An empty
// name gets a generated adjective-noun one.
func (g *God) Prepare(ctx context.Context, spec process.Spec) ([]ProcessInfo, error) {
	spec = spec.Normalized()
	generated := spec.Name == ""
	if generated {
		spec.Name = g.freeName()
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	for {
		lock := g.groupLock(spec.Name)
		lock.Lock()
		mps := g.byName(spec.Name)
		if len(mps) == 0 {
			defer lock.Unlock()
			return g.launch(ctx, spec, spec.Instances.Resolve())
		}
		if !generated {
			defer lock.Unlock()
			return g.update(ctx, mps, spec)
		}
		// another unnamed prepare took the generated name first
		lock.Unlock()
		spec.Name = g.freeName()
	}
}

// update applies spec to a registered application. Kept instances that run
// a different spec, or are not online, restart in place with it; instances
// already online with the same spec are left alone. The group is then
// resized to spec.Instances. Caller holds the group lock.
func (g *God) update(ctx context.Context, mps []*ManagedProcess, spec process.Spec) ([]ProcessInfo, error) {
	keep := mps
	if n := spec.Instances.Resolve(); len(keep) > n {
		keep = keep[:n]
	}
	var errList []error
	for _, cur := range keep {
		id := cur.currentID()
		err := g.withLive(id, func(mp *ManagedProcess) error {
			mp.mu.Lock()
			same := sameSpec(mp.spec, spec)
			online := mp.status == process.StatusOnline
			if !same {
				mp.spec = spec
				mp.tracker = g.newTracker(spec)
			}
			mp.mu.Unlock()
			if same && online {
				return nil
			}
			if !same {
				g.detach(id)
			}
			return g.restartLocked(mp, "update")
		})
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			errList = append(errList, fmt.Errorf("update %d: %w", id, err))
		}
	}
	if _, err := g.resize(ctx, mps, spec, spec.Instances); err != nil {
		errList = append(errList, err)
	}
	g.log.Info("application updated", "name", spec.Name, "instances", spec.Instances)
	return g.ProcessesByName(spec.Name), errors.Join(errList...)
}

// sameSpec compares two specs ignoring the instance count.
func sameSpec(a, b process.Spec) bool {
	a.Instances, b.Instances = 0, 0
	return reflect.DeepEqual(a.Normalized(), b.Normalized())
}

func (g *God) launch(ctx context.Context, spec process.Spec, n int) ([]ProcessInfo, error) {
	mps := make([]*ManagedProcess, n)
	for i := range mps {
		_, mps[i] = g.reg.Add(func(id int) *ManagedProcess {
			return newManaged(id, spec, g.newTracker(spec))
		})
		metrics.RecordTransition(strconv.Itoa(mps[i].id), spec.Name, "", string(process.StatusLaunching))
	}
	return g.spawnAll(ctx, mps)
}

func (g *God) spawnAll(ctx context.Context, mps []*ManagedProcess) ([]ProcessInfo, error) {
	errList := g.fanOut(ctx, len(mps), func(ctx context.Context, i int) error {
		mp := mps[i]
		mp.op.Lock()
		defer mp.op.Unlock()
		if err := ctx.Err(); err != nil {
			g.setStatus(mp, process.StatusErrored, func() { mp.lastErr = err.Error() })
			return err
		}
		return g.spawnLocked(mp)
	})
	infos := make([]ProcessInfo, len(mps))
	for i, mp := range mps {
		infos[i] = mp.snapshot()
	}
	return infos, errors.Join(errList...)
}

func (g *God) StopProcessID(ctx context.Context, id int) (ProcessInfo, error) {
	mp, err := g.lockLive(id)
	if err != nil {
		return ProcessInfo{}, err
	}
	defer mp.op.Unlock()
	_, err = g.stopLocked(mp, true)
	return mp.snapshot(), err
}

// RestartProcessID stops id and spawns it again under the same id. The
// restart counter grows and the circuit breaker is reset.
func (g *God) RestartProcessID(ctx context.Context, id int) (ProcessInfo, error) {
	mp, err := g.lockLive(id)
	if err != nil {
		return ProcessInfo{}, err
	}
	defer mp.op.Unlock()
	err = g.restartLocked(mp, "manual")
	return mp.snapshot(), err
}

// restartLocked is an in-place restart. Caller holds mp.op.
func (g *God) restartLocked(mp *ManagedProcess, reason string) error {
	if _, err := g.stopLocked(mp, false); err != nil {
		g.log.Warn("restart: stop incomplete", "id", mp.currentID(), "error", err)
	}
	mp.tracker.Reset()
	g.setStatus(mp, process.StatusLaunching, func() {
		mp.restartCount++
		mp.unstable = 0
	})
	metrics.IncRestart(mp.name(), reason)
	g.emit(history.EventRestart, mp)
	return g.spawnLocked(mp)
}

// DeleteProcessID stops id and removes it. Deleting an id that was already
// deleted succeeds; an id never seen is ErrNotFound.
func (g *God) DeleteProcessID(ctx context.Context, id int) error {
	mp, err := g.lockLive(id)
	if errors.Is(err, errGone) {
		return nil
	}
	if err != nil {
		return err
	}
	defer mp.op.Unlock()
	_, stopErr := g.stopLocked(mp, true)
	g.removeLocked(mp)
	g.log.Info("process deleted", "id", id)
	return stopErr
}

// GetFormatedProcesses returns a snapshot of every record in registry order.
func (g *God) GetFormatedProcesses() []ProcessInfo {
	mps := g.reg.Values()
	out := make([]ProcessInfo, len(mps))
	for i, mp := range mps {
		out[i] = mp.snapshot()
	}
	return out
}

func (g *God) FindProcessByID(id int) (ProcessInfo, bool) {
	mp, ok := g.reg.Get(id)
	if !ok {
		return ProcessInfo{}, false
	}
	return mp.snapshot(), true
}

// ProcessesByName returns the promoted instances of an application.
func (g *God) ProcessesByName(name string) []ProcessInfo {
	mps := g.byName(name)
	out := make([]ProcessInfo, len(mps))
	for i, mp := range mps {
		out[i] = mp.snapshot()
	}
	return out
}

// ProcessesByTag lists the promoted processes carrying tag.
func (g *God) ProcessesByTag(tag string) []ProcessInfo {
	mps := g.byTag(tag)
	out := make([]ProcessInfo, len(mps))
	for i, mp := range mps {
		out[i] = mp.snapshot()
	}
	return out
}

func (g *God) byTag(tag string) []*ManagedProcess {
	return g.reg.Select(func(_ int, mp *ManagedProcess) bool {
		return mp.hasTag(tag) && !mp.isTransient()
	})
}

func (g *God) byName(name string) []*ManagedProcess {
	return g.reg.Select(func(_ int, mp *ManagedProcess) bool {
		return mp.name() == name && !mp.isTransient()
	})
}
