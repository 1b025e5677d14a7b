package god

import (
	"context"
	"fmt"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/procgod/internal/errs"
)

// BatchResult is the per-id outcome of a bulk operation.
type BatchResult struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// fanOut runs fn for 0..n-1 with at most Concurrency calls in flight and
// returns the per-index errors. One failure never cancels the others.
func (g *God) fanOut(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error {
	var eg errgroup.Group
	eg.SetLimit(g.opts.Concurrency)
	out := make([]error, n)
	for i := 0; i < n; i++ {
		eg.Go(func() error {
			out[i] = fn(ctx, i)
			return nil
		})
	}
	_ = eg.Wait()
	return out
}

func (g *God) batch(ctx context.Context, mps []*ManagedProcess, fn func(ctx context.Context, id int) error) []BatchResult {
	results := make([]BatchResult, len(mps))
	for i, mp := range mps {
		info := mp.snapshot()
		results[i] = BatchResult{ID: info.ID, Name: info.Name}
	}
	errList := g.fanOut(ctx, len(mps), func(ctx context.Context, i int) error {
		return fn(ctx, results[i].ID)
	})
	for i, err := range errList {
		if err != nil {
			results[i].Error = err.Error()
		}
	}
	return results
}

func (g *God) promoted() []*ManagedProcess {
	return g.reg.Select(func(_ int, mp *ManagedProcess) bool { return !mp.isTransient() })
}

// StopAll stops every process; used on shutdown. Once ctx is done the
// remaining processes are killed without a grace period.
func (g *God) StopAll(ctx context.Context) []BatchResult {
	return g.batch(ctx, g.reg.Values(), func(ctx context.Context, id int) error {
		if ctx.Err() != nil {
			g.hurry.Store(true)
		}
		_, err := g.StopProcessID(ctx, id)
		return err
	})
}

func (g *God) StopProcessName(ctx context.Context, name string) ([]BatchResult, error) {
	mps := g.byName(name)
	if len(mps) == 0 {
		return nil, errs.NotFound("application %s", name)
	}
	return g.batch(ctx, mps, func(ctx context.Context, id int) error {
		_, err := g.StopProcessID(ctx, id)
		return err
	}), nil
}

func (g *God) RestartProcessName(ctx context.Context, name string) ([]BatchResult, error) {
	mps := g.byName(name)
	if len(mps) == 0 {
		return nil, errs.NotFound("application %s", name)
	}
	return g.batch(ctx, mps, func(ctx context.Context, id int) error {
		_, err := g.RestartProcessID(ctx, id)
		return err
	}), nil
}

func (g *God) DeleteProcessName(ctx context.Context, name string) ([]BatchResult, error) {
	mps := g.byName(name)
	if len(mps) == 0 {
		return nil, errs.NotFound("application %s", name)
	}
	return g.batch(ctx, mps, g.DeleteProcessID), nil
}

func (g *God) tagged(tag string) ([]*ManagedProcess, error) {
	mps := g.byTag(tag)
	if len(mps) == 0 {
		return nil, errs.NotFound("tag %s", tag)
	}
	return mps, nil
}

// StopProcessTag stops every process carrying tag, across applications.
func (g *God) StopProcessTag(ctx context.Context, tag string) ([]BatchResult, error) {
	mps, err := g.tagged(tag)
	if err != nil {
		return nil, err
	}
	return g.batch(ctx, mps, func(ctx context.Context, id int) error {
		_, err := g.StopProcessID(ctx, id)
		return err
	}), nil
}

func (g *God) RestartProcessTag(ctx context.Context, tag string) ([]BatchResult, error) {
	mps, err := g.tagged(tag)
	if err != nil {
		return nil, err
	}
	return g.batch(ctx, mps, func(ctx context.Context, id int) error {
		_, err := g.RestartProcessID(ctx, id)
		return err
	}), nil
}

func (g *God) DeleteProcessTag(ctx context.Context, tag string) ([]BatchResult, error) {
	mps, err := g.tagged(tag)
	if err != nil {
		return nil, err
	}
	return g.batch(ctx, mps, g.DeleteProcessID), nil
}

// DeleteAll removes every promoted process.
func (g *God) DeleteAll(ctx context.Context) []BatchResult {
	return g.batch(ctx, g.promoted(), g.DeleteProcessID)
}

// SendSignalToProcessID delivers sig to the running process of id.
func (g *God) SendSignalToProcessID(id int, sig syscall.Signal) error {
	mp, ok := g.reg.Get(id)
	if !ok {
		return errs.NotFound("process %d", id)
	}
	mp.mu.RLock()
	h := mp.handle
	mp.mu.RUnlock()
	if h == nil || h.Exited() {
		return errs.Validation("process %d is not running", id)
	}
	if err := h.Signal(sig); err != nil {
		return fmt.Errorf("signal %d: %w", id, err)
	}
	g.log.Info("signal sent", "id", id, "signal", sig.String(), "pid", h.PID())
	return nil
}

func (g *God) SendSignalToProcessName(sig syscall.Signal, name string) ([]BatchResult, error) {
	mps := g.byName(name)
	if len(mps) == 0 {
		return nil, errs.NotFound("application %s", name)
	}
	return g.batch(context.Background(), mps, func(_ context.Context, id int) error {
		return g.SendSignalToProcessID(id, sig)
	}), nil
}

// ReloadLogs rotates the stdout/stderr files of every running process.
func (g *God) ReloadLogs() error {
	if err := g.files.Rotate(); err != nil {
		return err
	}
	g.log.Info("process logs rotated", "open", g.files.OpenCount())
	return nil
}
