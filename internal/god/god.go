// Package god is the supervisor: it owns the process registry and exposes
// the lifecycle operations that the CLI and the HTTP API call.
package god

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/procgod/internal/config"
	"github.com/loykin/procgod/internal/cron"
	"github.com/loykin/procgod/internal/env"
	"github.com/loykin/procgod/internal/history"
	"github.com/loykin/procgod/internal/logger"
	"github.com/loykin/procgod/internal/metrics"
	"github.com/loykin/procgod/internal/persist"
	"github.com/loykin/procgod/internal/process"
	"github.com/loykin/procgod/internal/registry"
	"github.com/loykin/procgod/internal/restart"
	"github.com/loykin/procgod/internal/watch"
)

// DefaultVersion is reported when Options.Version is empty.
const DefaultVersion = "dev"

// Options configures a God. Zero durations take the config package defaults.
type Options struct {
	DataHome          string
	GraceTimeout      time.Duration
	ReloadTimeout     time.Duration
	Concurrency       int
	SampleInterval    time.Duration // 0 disables background sampling
	ReconcileInterval time.Duration // 0 disables liveness reconciliation
	AutodumpInterval  time.Duration // 0 disables periodic dumps
	DumpOnExit        bool
	Restart           restart.Config
	LogFiles          logger.FileConfig
	WatchDebounce     time.Duration
	GlobalEnv         []string
	UseOSEnv          bool
	Logger            *slog.Logger
	// History receives lifecycle events; God closes it on Close.
	History *history.Recorder
	Version string
}

// OptionsFromConfig maps the daemon config onto Options. Logger and History
// are left to the caller.
func OptionsFromConfig(c *config.Config) (Options, error) {
	vars, err := c.GlobalVars()
	if err != nil {
		return Options{}, fmt.Errorf("global env: %w", err)
	}
	return Options{
		DataHome:          c.DataHome,
		GraceTimeout:      c.GraceTimeout,
		ReloadTimeout:     c.ReloadTimeout,
		Concurrency:       c.Concurrency,
		SampleInterval:    c.SampleInterval,
		ReconcileInterval: c.ReconcileInterval,
		AutodumpInterval:  c.AutodumpInterval,
		DumpOnExit:        c.DumpOnExit,
		Restart:           c.Restart,
		LogFiles: logger.FileConfig{
			Dir:        c.Log.Dir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
		WatchDebounce: c.Watch.Debounce,
		GlobalEnv:     vars,
		UseOSEnv:      c.UseOSEnv,
	}, nil
}

func (o Options) withDefaults() Options {
	if o.GraceTimeout <= 0 {
		o.GraceTimeout = 1600 * time.Millisecond
	}
	if o.ReloadTimeout <= 0 {
		o.ReloadTimeout = 30 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Version == "" {
		o.Version = DefaultVersion
	}
	o.Restart = o.Restart.WithDefaults()
	return o
}

// God owns every managed process of the daemon.
type God struct {
	opts    Options
	log     *slog.Logger
	reg     *registry.Registry[*ManagedProcess]
	env     *env.Env
	files   *logger.Files
	store   *persist.Store
	sampler *metrics.Sampler
	watcher *watch.Watcher
	cron    *cron.Scheduler
	history *history.Recorder

	groupMu sync.Mutex
	groups  map[string]*sync.Mutex

	startedAt time.Time
	seed      atomic.Int64
	closed    atomic.Bool
	// set once shutdown runs out of time; stops skip the grace period
	hurry atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New prepares the data home and starts the background loops. An unusable
// data home is the only fatal error.
func New(opts Options) (*God, error) {
	opts = opts.withDefaults()
	if opts.DataHome == "" {
		return nil, errors.New("data home is required")
	}
	if err := os.MkdirAll(opts.DataHome, 0o750); err != nil {
		return nil, fmt.Errorf("data home %s: %w", opts.DataHome, err)
	}
	if opts.LogFiles.Dir != "" {
		if err := os.MkdirAll(opts.LogFiles.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("log dir %s: %w", opts.LogFiles.Dir, err)
		}
	}

	e := env.New()
	if opts.UseOSEnv {
		e.FromOS()
	} else {
		e.WithBase(nil)
	}
	for k, v := range env.Parse(opts.GlobalEnv) {
		e.WithSet(k, v)
	}

	g := &God{
		opts:      opts,
		log:       opts.Logger,
		reg:       registry.New[*ManagedProcess](),
		env:       e,
		files:     logger.NewFiles(opts.LogFiles),
		store:     persist.NewStore(opts.DataHome),
		sampler:   metrics.NewSampler(),
		history:   opts.History,
		groups:    map[string]*sync.Mutex{},
		startedAt: time.Now(),
	}
	g.seed.Store(time.Now().UnixNano())

	w, err := watch.New(g.log, opts.WatchDebounce, g.onWatchChange)
	if err != nil {
		return nil, err
	}
	g.watcher = w
	g.cron = cron.NewScheduler(g.log, func(ctx context.Context, id int) error {
		_, err := g.RestartProcessID(ctx, id)
		return err
	})

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.every(ctx, opts.SampleInterval, g.sampleAll)
	g.every(ctx, opts.ReconcileInterval, g.reconcile)
	g.every(ctx, opts.AutodumpInterval, func(ctx context.Context) {
		if err := g.DumpProcessList(ctx); err != nil {
			g.log.Warn("autodump failed", "error", err)
		}
	})
	g.log.Info("god started", "data_home", opts.DataHome, "version", opts.Version, "pid", os.Getpid())
	return g, nil
}

func (g *God) every(ctx context.Context, d time.Duration, fn func(context.Context)) {
	if d <= 0 {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				fn(ctx)
			}
		}
	}()
}

// Close stops the background loops, dumps the process list when configured,
// stops every process and releases log files and history sinks.
func (g *God) Close(ctx context.Context) error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	g.cancel()
	g.wg.Wait()
	g.cron.Stop()

	var errs []error
	if g.opts.DumpOnExit {
		if err := g.DumpProcessList(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range g.StopAll(ctx) {
		if r.Error != "" {
			errs = append(errs, fmt.Errorf("stop %d: %s", r.ID, r.Error))
		}
	}
	errs = append(errs, g.watcher.Close())
	g.files.CloseAll()
	errs = append(errs, g.history.Close())
	g.log.Info("god stopped")
	return errors.Join(errs...)
}

func (g *God) GetVersion() string { return g.opts.Version }

// DataHome is where the dump file and logs live.
func (g *God) DataHome() string { return g.opts.DataHome }

// Health describes the daemon itself.
type Health struct {
	PID       int                    `json:"pid"`
	StartedAt time.Time              `json:"started_at"`
	Uptime    time.Duration          `json:"uptime"`
	Version   string                 `json:"version"`
	DataHome  string                 `json:"data_home"`
	Processes int                    `json:"processes"`
	ByStatus  map[process.Status]int `json:"by_status"`
}

func (g *God) Status() Health {
	h := Health{
		PID:       os.Getpid(),
		StartedAt: g.startedAt,
		Uptime:    time.Since(g.startedAt).Truncate(time.Second),
		Version:   g.opts.Version,
		DataHome:  g.opts.DataHome,
		ByStatus:  map[process.Status]int{},
	}
	for _, mp := range g.reg.Values() {
		h.Processes++
		h.ByStatus[mp.currentStatus()]++
	}
	return h
}

func (g *God) nextSeed() int64 { return g.seed.Add(1) }

// groupLock serializes prepare, scale and reload of one application.
func (g *God) groupLock(name string) *sync.Mutex {
	g.groupMu.Lock()
	defer g.groupMu.Unlock()
	m, ok := g.groups[name]
	if !ok {
		m = &sync.Mutex{}
		g.groups[name] = m
	}
	return m
}
