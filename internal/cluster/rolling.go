// Package cluster implements the rolling replacement of sibling instances.
//
// The algorithm only talks to a Target; the supervisor supplies the concrete
// spawn/stop/swap steps, which keeps the ordering rules testable in isolation.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Target is the set of steps a rolling reload performs on one group.
type Target interface {
	// Spawn starts a replacement for slot and returns its transient id.
	Spawn(ctx context.Context, slot int) (int, error)
	// WaitOnline blocks until id is online or ctx is done.
	WaitOnline(ctx context.Context, id int) error
	// Promote gracefully stops the process in slot and moves the replacement
	// into it; the replacement id is retired. A stop failure is returned after
	// the move has happened.
	Promote(ctx context.Context, slot, replacement int) error
	// Discard stops and removes a replacement that never came online.
	Discard(ctx context.Context, replacement int)
	// PID reports the current pid of id, 0 when none.
	PID(id int) int
}

type SlotStatus string

const (
	SlotReplaced SlotStatus = "replaced"
	SlotFailed   SlotStatus = "failed"
	SlotSkipped  SlotStatus = "skipped"
)

type SlotResult struct {
	ID     int        `json:"id"`
	OldPID int        `json:"old_pid"`
	NewPID int        `json:"new_pid"`
	Status SlotStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

type Options struct {
	ReadyTimeout time.Duration
}

// ErrAborted marks a reload that stopped before replacing every slot.
var ErrAborted = errors.New("rolling reload aborted")

// Rolling replaces slots one at a time. A replacement is brought online before
// the old instance is retired, so the group never drops to zero online
// members. On the first failure the replacement is discarded, the old
// instance is left running and the remaining slots are skipped.
func Rolling(ctx context.Context, t Target, slots []int, opts Options) ([]SlotResult, error) {
	results := make([]SlotResult, 0, len(slots))
	var failure error
	for _, slot := range slots {
		if failure != nil {
			results = append(results, SlotResult{ID: slot, OldPID: t.PID(slot), Status: SlotSkipped})
			continue
		}
		res, err := replaceOne(ctx, t, slot, opts)
		results = append(results, res)
		if err != nil {
			failure = fmt.Errorf("%w at slot %d: %w", ErrAborted, slot, err)
		}
	}
	return results, failure
}

func replaceOne(ctx context.Context, t Target, slot int, opts Options) (SlotResult, error) {
	res := SlotResult{ID: slot, OldPID: t.PID(slot)}
	fail := func(err error) (SlotResult, error) {
		res.Status = SlotFailed
		res.Error = err.Error()
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	repl, err := t.Spawn(ctx, slot)
	if err != nil {
		return fail(err)
	}
	wctx := ctx
	if opts.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, opts.ReadyTimeout)
		defer cancel()
	}
	if err := t.WaitOnline(wctx, repl); err != nil {
		t.Discard(context.WithoutCancel(ctx), repl)
		return fail(err)
	}
	res.NewPID = t.PID(repl)

	if err := t.Promote(ctx, slot, repl); err != nil {
		return fail(err)
	}
	res.Status = SlotReplaced
	return res, nil
}
