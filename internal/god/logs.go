package god

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/procgod/internal/errs"
	"github.com/loykin/procgod/internal/logger"
)

// LogOptions selects what Logs reads back.
type LogOptions struct {
	// Lines of history per stream; 0 starts at the end of the files.
	Lines  int
	Follow bool
	// Stream is "out", "err" or empty for both.
	Stream string
}

// LogPaths returns the stdout and stderr files of process id.
func (g *God) LogPaths(id int) (stdout, stderr string, err error) {
	if _, ok := g.reg.Get(id); !ok {
		return "", "", errs.NotFound("process %d", id)
	}
	if g.opts.LogFiles.Dir == "" {
		return "", "", errs.Validation("process log files are disabled")
	}
	stdout, stderr = g.files.Paths(id)
	return stdout, stderr, nil
}

// Logs replays the log files of process id through emit. Without Follow
// stdout history comes before stderr; following tails both at once until
// ctx is done. emit is never called concurrently.
func (g *God) Logs(ctx context.Context, id int, opts LogOptions, emit func(logger.Line) error) error {
	if opts.Lines < 0 {
		return errs.Validation("lines must not be negative")
	}
	stdout, stderr, err := g.LogPaths(id)
	if err != nil {
		return err
	}
	type source struct{ stream, path string }
	var sources []source
	switch opts.Stream {
	case "":
		sources = []source{{"out", stdout}, {"err", stderr}}
	case "out":
		sources = []source{{"out", stdout}}
	case "err":
		sources = []source{{"err", stderr}}
	default:
		return errs.Validation("unknown stream %q: want out or err", opts.Stream)
	}

	if !opts.Follow {
		for _, s := range sources {
			if err := logger.Tail(ctx, s.path, s.stream, opts.Lines, false, emit); err != nil {
				return err
			}
		}
		return nil
	}
	var mu sync.Mutex
	locked := func(l logger.Line) error {
		mu.Lock()
		defer mu.Unlock()
		return emit(l)
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, s := range sources {
		eg.Go(func() error {
			return logger.Tail(ctx, s.path, s.stream, opts.Lines, true, locked)
		})
	}
	return eg.Wait()
}
