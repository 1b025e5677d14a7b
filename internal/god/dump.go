package god

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/loykin/procgod/internal/errs"
	"github.com/loykin/procgod/internal/metrics"
	"github.com/loykin/procgod/internal/persist"
	"github.com/loykin/procgod/internal/process"
)

// DumpProcessList writes every promoted record to the dump file.
func (g *God) DumpProcessList(ctx context.Context) error {
	err := g.store.Dump(ctx, g.dumpEntries)
	metrics.IncDump(err == nil)
	if err != nil {
		return err
	}
	g.log.Debug("process list dumped", "path", g.store.Path())
	return nil
}

func (g *God) dumpEntries() []persist.Entry {
	mps := g.promoted()
	out := make([]persist.Entry, 0, len(mps))
	for _, mp := range mps {
		info := mp.snapshot()
		out = append(out, persist.Entry{
			ID:           info.ID,
			Name:         info.Name,
			Group:        info.Group,
			Spec:         info.Spec,
			Status:       info.Status,
			RestartCount: info.RestartCount,
			CreatedAt:    info.CreatedAt,
		})
	}
	return out
}

// ResurrectReport lists what Resurrect restored. Remapped holds dumped ids
// that were taken and the ids they got instead.
type ResurrectReport struct {
	Restored []ProcessInfo `json:"restored"`
	Remapped map[int]int   `json:"remapped,omitempty"`
	Failures []BatchResult `json:"failures,omitempty"`
}

// Resurrect re-registers the dumped process list. Stopped entries come back
// stopped; the others are spawned when their executable still resolves.
// Per-entry failures are reported, never returned as the error.
func (g *God) Resurrect(ctx context.Context) (ResurrectReport, error) {
	entries, err := g.store.Load()
	if err != nil {
		return ResurrectReport{}, err
	}
	rep := ResurrectReport{Remapped: map[int]int{}}
	existing := map[string]bool{}
	for _, mp := range g.promoted() {
		existing[mp.name()] = true
	}

	var toSpawn []*ManagedProcess
	var restored []*ManagedProcess
	for _, e := range entries {
		fail := func(err error) {
			rep.Failures = append(rep.Failures, BatchResult{ID: e.ID, Name: e.Name, Error: err.Error()})
		}
		spec := e.Spec.Normalized()
		if !e.Status.Valid() {
			fail(errs.Validation("process %s: unknown status %q", spec.Name, e.Status))
			continue
		}
		if existing[spec.Name] {
			fail(errs.Validation("process %s already exists", spec.Name))
			continue
		}
		if err := spec.Validate(); err != nil {
			fail(err)
			continue
		}
		running := e.Status != process.StatusStopped
		if running {
			if _, err := spec.ResolveExecutable(); err != nil {
				fail(errs.Spawn(spec.Name, err))
				continue
			}
		}
		id, mp, kept := g.reg.Reserve(e.ID, func(id int) *ManagedProcess {
			m := newManaged(id, spec, g.newTracker(spec))
			m.restartCount = e.RestartCount
			if !e.CreatedAt.IsZero() {
				m.createdAt = e.CreatedAt
			}
			if !running {
				m.status = process.StatusStopped
			}
			return m
		})
		if !kept {
			rep.Remapped[e.ID] = id
		}
		metrics.RecordTransition(strconv.Itoa(id), spec.Name, "", string(mp.currentStatus()))
		restored = append(restored, mp)
		if running {
			toSpawn = append(toSpawn, mp)
		}
	}

	_, spawnErr := g.spawnAll(ctx, toSpawn)
	if spawnErr != nil {
		for _, mp := range toSpawn {
			info := mp.snapshot()
			if info.Status == process.StatusErrored {
				rep.Failures = append(rep.Failures, BatchResult{ID: info.ID, Name: info.Name, Error: info.LastError})
			}
		}
	}
	for _, mp := range restored {
		rep.Restored = append(rep.Restored, mp.snapshot())
	}
	g.log.Info("resurrected", "restored", len(rep.Restored), "remapped", len(rep.Remapped), "failed", len(rep.Failures))
	return rep, nil
}

// Boot prepares the declared processes marked start_on_boot that are not
// already registered, typically after Resurrect.
func (g *God) Boot(ctx context.Context, specs []process.Spec) ([]ProcessInfo, error) {
	var out []ProcessInfo
	var errList []error
	for _, s := range specs {
		if !s.StartOnBoot {
			continue
		}
		if len(g.byName(s.Name)) > 0 {
			continue
		}
		infos, err := g.Prepare(ctx, s)
		out = append(out, infos...)
		if err != nil {
			errList = append(errList, fmt.Errorf("boot %s: %w", s.Name, err))
		}
	}
	return out, errors.Join(errList...)
}
