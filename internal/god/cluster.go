package god

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/loykin/procgod/internal/cluster"
	"github.com/loykin/procgod/internal/env"
	"github.com/loykin/procgod/internal/errs"
	"github.com/loykin/procgod/internal/history"
	"github.com/loykin/procgod/internal/metrics"
	"github.com/loykin/procgod/internal/process"
)

// Selector picks the reload targets: a single id or every instance of a name.
type Selector struct {
	ID   *int   `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

func (s Selector) String() string {
	if s.ID != nil {
		return strconv.Itoa(*s.ID)
	}
	return s.Name
}

type ReloadOptions struct {
	// UpdateEnv overlays Env on the spec env of the new processes.
	UpdateEnv bool     `json:"update_env"`
	Env       []string `json:"env,omitempty"`
}

type ReloadResult struct {
	Name     string               `json:"name"`
	Mode     process.ExecMode     `json:"exec_mode"`
	Slots    []cluster.SlotResult `json:"slots"`
	Duration time.Duration        `json:"duration"`
}

// Reload replaces the selected instances. Cluster groups are rolled one slot
// at a time and the reload aborts forward on the first failure; fork
// processes are restarted in place, one after another.
func (g *God) Reload(ctx context.Context, sel Selector, opts ReloadOptions) (ReloadResult, error) {
	name, slots, err := g.resolve(sel)
	if err != nil {
		return ReloadResult{}, err
	}
	lock := g.groupLock(name)
	lock.Lock()
	defer lock.Unlock()

	first, ok := g.reg.Get(slots[0])
	if !ok {
		return ReloadResult{}, errs.NotFound("process %d", slots[0])
	}
	mode := first.snapshot().ExecMode
	res := ReloadResult{Name: name, Mode: mode}
	start := time.Now()
	if mode == process.ModeCluster {
		t := &reloadTarget{g: g, opts: opts}
		res.Slots, err = cluster.Rolling(ctx, t, slots, cluster.Options{ReadyTimeout: g.opts.ReloadTimeout})
	} else {
		res.Slots, err = g.reloadInPlace(ctx, slots, opts)
	}
	res.Duration = time.Since(start)
	metrics.ObserveReload(name, err == nil, res.Duration.Seconds())
	if err != nil {
		g.log.Warn("reload finished with errors", "name", name, "mode", mode, "error", err)
	} else {
		g.log.Info("reload finished", "name", name, "mode", mode, "instances", len(slots), "duration", res.Duration)
	}
	return res, err
}

// resolve returns the application name and the ids to act on.
func (g *God) resolve(sel Selector) (string, []int, error) {
	if sel.ID != nil {
		mp, ok := g.reg.Get(*sel.ID)
		if !ok || mp.isTransient() {
			return "", nil, errs.NotFound("process %d", *sel.ID)
		}
		return mp.name(), []int{*sel.ID}, nil
	}
	if sel.Name == "" {
		return "", nil, errs.Validation("selector needs an id or a name")
	}
	mps := g.byName(sel.Name)
	if len(mps) == 0 {
		return "", nil, errs.NotFound("application %s", sel.Name)
	}
	ids := make([]int, len(mps))
	for i, mp := range mps {
		ids[i] = mp.currentID()
	}
	return sel.Name, ids, nil
}

func reloadSpec(spec process.Spec, opts ReloadOptions) process.Spec {
	spec = spec.Normalized()
	if opts.UpdateEnv {
		spec.Env = env.Overlay(spec.Env, opts.Env)
	}
	return spec
}

func (g *God) reloadInPlace(ctx context.Context, slots []int, opts ReloadOptions) ([]cluster.SlotResult, error) {
	results := make([]cluster.SlotResult, 0, len(slots))
	var errList []error
	for _, id := range slots {
		res := cluster.SlotResult{ID: id, Status: cluster.SlotReplaced}
		if err := ctx.Err(); err != nil {
			res.Status = cluster.SlotSkipped
			results = append(results, res)
			continue
		}
		err := g.withLive(id, func(mp *ManagedProcess) error {
			res.OldPID = mp.snapshot().PID
			mp.mu.Lock()
			mp.spec = reloadSpec(mp.spec, opts)
			mp.mu.Unlock()
			err := g.restartLocked(mp, "reload")
			res.NewPID = mp.snapshot().PID
			return err
		})
		if err != nil {
			res.Status = cluster.SlotFailed
			res.Error = err.Error()
			errList = append(errList, fmt.Errorf("reload %d: %w", id, err))
		}
		results = append(results, res)
	}
	return results, errors.Join(errList...)
}

func (g *God) withLive(id int, fn func(mp *ManagedProcess) error) error {
	mp, err := g.lockLive(id)
	if err != nil {
		return err
	}
	defer mp.op.Unlock()
	return fn(mp)
}

// reloadTarget runs the rolling steps against the registry. Replacements are
// transient records that present themselves under the slot id.
type reloadTarget struct {
	g    *God
	opts ReloadOptions
}

func (t *reloadTarget) Spawn(_ context.Context, slot int) (int, error) {
	g := t.g
	old, ok := g.reg.Get(slot)
	if !ok {
		return 0, errs.NotFound("process %d", slot)
	}
	spec := reloadSpec(old.snapshot().Spec, t.opts)
	id, mp := g.reg.Add(func(id int) *ManagedProcess {
		m := newManaged(id, spec, g.newTracker(spec))
		m.slot = slot
		m.transient = true
		return m
	})
	g.log.Debug("replacement registered", "slot", slot, "id", id)

	mp.op.Lock()
	defer mp.op.Unlock()
	if err := g.spawnLocked(mp); err != nil {
		g.removeLocked(mp)
		return 0, err
	}
	return id, nil
}

func (t *reloadTarget) WaitOnline(ctx context.Context, id int) error {
	g := t.g
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		mp, ok := g.reg.Get(id)
		if !ok {
			return errs.NotFound("replacement %d", id)
		}
		mp.mu.RLock()
		st, h := mp.status, mp.handle
		mp.mu.RUnlock()
		if st == process.StatusOnline && h != nil && h.Alive() && h.Uptime() >= g.opts.Restart.MinUptime {
			return nil
		}
		if st.AtRest() {
			return fmt.Errorf("replacement %d ended %s", id, st)
		}
		select {
		case <-ctx.Done():
			return errs.Timeout("replacement %d not online: %v", id, ctx.Err())
		case <-tick.C:
		}
	}
}

func (t *reloadTarget) Promote(_ context.Context, slot, repl int) error {
	g := t.g
	old, err := g.lockLive(slot)
	if err != nil {
		t.Discard(context.Background(), repl)
		return err
	}
	defer old.op.Unlock()
	mp, ok := g.reg.Get(repl)
	if !ok {
		return errs.NotFound("replacement %d", repl)
	}
	mp.op.Lock()
	defer mp.op.Unlock()

	_, stopErr := g.stopLocked(old, true)
	old.mu.Lock()
	old.deleted = true
	restarts := old.restartCount
	old.mu.Unlock()
	if _, err := g.reg.Replace(slot, repl); err != nil {
		return err
	}
	var spec process.Spec
	mp.mu.Lock()
	mp.id = slot
	mp.transient = false
	mp.restartCount = restarts + 1
	spec = mp.spec
	mp.mu.Unlock()

	metrics.Forget(strconv.Itoa(repl), spec.Name)
	metrics.IncRestart(spec.Name, "reload")
	g.emit(history.EventRestart, mp)
	g.attach(slot, spec)
	g.log.Info("replacement promoted", "slot", slot, "from", repl, "pid", mp.snapshot().PID)
	return stopErr
}

func (t *reloadTarget) Discard(_ context.Context, repl int) {
	g := t.g
	err := g.withLive(repl, func(mp *ManagedProcess) error {
		_, err := g.stopLocked(mp, true)
		g.removeLocked(mp)
		return err
	})
	if err != nil {
		g.log.Warn("discard replacement", "id", repl, "error", err)
	}
}

func (t *reloadTarget) PID(id int) int {
	info, ok := t.g.FindProcessByID(id)
	if !ok {
		return 0
	}
	return info.PID
}

type ScaleResult struct {
	Name    string        `json:"name"`
	Added   []ProcessInfo `json:"added,omitempty"`
	Removed []int         `json:"removed,omitempty"`
}

// Scale brings the application to n instances. New instances copy the spec
// of the oldest one; surplus instances are deleted newest first. Every
// remaining instance records n as its spec instance count.
func (g *God) Scale(ctx context.Context, name string, n int) (ScaleResult, error) {
	if n < 1 {
		return ScaleResult{}, errs.Validation("scale %s: instances must be >= 1, got %d", name, n)
	}
	lock := g.groupLock(name)
	lock.Lock()
	defer lock.Unlock()

	mps := g.byName(name)
	if len(mps) == 0 {
		return ScaleResult{}, errs.NotFound("application %s", name)
	}
	return g.resize(ctx, mps, mps[0].snapshot().Spec, process.Instances(n))
}

// resize adds or deletes instances of mps until inst.Resolve() remain, new
// ones running spec. Caller holds the group lock.
func (g *God) resize(ctx context.Context, mps []*ManagedProcess, spec process.Spec, inst process.Instances) (ScaleResult, error) {
	spec.Instances = inst
	n := inst.Resolve()
	res := ScaleResult{Name: spec.Name}
	var errList []error
	cur := len(mps)
	for i := cur - 1; i >= n; i-- {
		id := mps[i].currentID()
		if err := g.DeleteProcessID(ctx, id); err != nil {
			errList = append(errList, err)
			continue
		}
		res.Removed = append(res.Removed, id)
	}
	if cur > n {
		mps = mps[:n]
	}
	g.setInstances(mps, inst)
	if n > cur {
		added, err := g.launch(ctx, spec, n-cur)
		res.Added = added
		if err != nil {
			errList = append(errList, err)
		}
	}
	return res, errors.Join(errList...)
}

// setInstances records inst on every record of mps.
func (g *God) setInstances(mps []*ManagedProcess, inst process.Instances) {
	for _, mp := range mps {
		mp.op.Lock()
		mp.mu.Lock()
		mp.spec.Instances = inst
		mp.mu.Unlock()
		mp.op.Unlock()
	}
}
