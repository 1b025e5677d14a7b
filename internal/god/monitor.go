package god

import (
	"context"
	"strconv"
	"time"

	"github.com/loykin/procgod/internal/errs"
	"github.com/loykin/procgod/internal/metrics"
	"github.com/loykin/procgod/internal/process"
)

const sampleTimeout = 2 * time.Second

// GetMonitorData samples every entry of list. Entries that are not online,
// carry an invalid pid or cannot be sampled report zero usage.
func (g *God) GetMonitorData(list []ProcessInfo) []metrics.Usage {
	out := make([]metrics.Usage, len(list))
	ctx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
	defer cancel()
	g.fanOut(ctx, len(list), func(ctx context.Context, i int) error {
		info := list[i]
		if info.Status != process.StatusOnline {
			return nil
		}
		u, err := g.sampler.Sample(ctx, info.Source)
		if err != nil {
			g.log.Debug("sample failed", "id", info.ID, "pid", info.Source.PID, "error", err)
			return nil
		}
		out[i] = u
		return nil
	})
	return out
}

// SetMonitorSource makes id report usage for pid instead of the pid it was
// started with. pid 0 switches back to the started process.
func (g *God) SetMonitorSource(id, pid int) (ProcessInfo, error) {
	if pid < 0 {
		return ProcessInfo{}, errs.Validation("monitor pid must be >= 0, got %d", pid)
	}
	mp, ok := g.reg.Get(id)
	if !ok {
		return ProcessInfo{}, errs.NotFound("process %d", id)
	}
	mp.mu.Lock()
	mp.agentPID = pid
	mp.mu.Unlock()
	return mp.snapshot(), nil
}

func (g *God) sampleAll(ctx context.Context) {
	mps := g.reg.Select(func(_ int, mp *ManagedProcess) bool {
		return mp.currentStatus() == process.StatusOnline
	})
	sctx, cancel := context.WithTimeout(ctx, sampleTimeout)
	defer cancel()
	g.fanOut(sctx, len(mps), func(ctx context.Context, i int) error {
		mp := mps[i]
		info := mp.snapshot()
		u, err := g.sampler.Sample(ctx, info.Source)
		if err != nil {
			u = metrics.Usage{}
		}
		mp.mu.Lock()
		if mp.status == process.StatusOnline {
			mp.monit = u
		}
		mp.mu.Unlock()
		metrics.SetUsage(strconv.Itoa(info.ID), info.Name, u)
		return nil
	})
}

// reconcile hands online records whose process vanished without a wait
// notification to the restart policy.
func (g *God) reconcile(ctx context.Context) {
	for _, mp := range g.reg.Values() {
		if ctx.Err() != nil {
			return
		}
		mp.mu.RLock()
		h, gen, st := mp.handle, mp.gen, mp.status
		mp.mu.RUnlock()
		if st != process.StatusOnline || h == nil || h.Exited() || process.CheckProcess(h.PID()) {
			continue
		}
		mp.op.Lock()
		if !h.Exited() {
			g.log.Warn("process vanished", "id", mp.currentID(), "pid", h.PID())
			g.handleDeathLocked(mp, h, gen)
		}
		mp.op.Unlock()
	}
}
