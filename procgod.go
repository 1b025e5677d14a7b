// Package procgod embeds the process supervisor in another program.
//
// The daemon binary lives in cmd/procgod; this package exposes the same
// supervisor for callers that want to manage processes in-process.
package procgod

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/procgod/internal/config"
	"github.com/loykin/procgod/internal/errs"
	"github.com/loykin/procgod/internal/god"
	"github.com/loykin/procgod/internal/history"
	"github.com/loykin/procgod/internal/history/factory"
	"github.com/loykin/procgod/internal/logger"
	"github.com/loykin/procgod/internal/metrics"
	"github.com/loykin/procgod/internal/process"
	"github.com/loykin/procgod/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = process.Status

type ExecMode = process.ExecMode

type Instances = process.Instances

type ProcessInfo = god.ProcessInfo

type Options = god.Options

type Selector = god.Selector

type ReloadOptions = god.ReloadOptions

type ReloadResult = god.ReloadResult

type ScaleResult = god.ScaleResult

type BatchResult = god.BatchResult

type ResurrectReport = god.ResurrectReport

type LogOptions = god.LogOptions

type LogLine = logger.Line

type Config = config.Config

type HistorySink = history.Sink

const (
	ModeFork     = process.ModeFork
	ModeCluster  = process.ModeCluster
	MaxInstances = process.MaxInstances
)

// Error kinds; test with errors.Is.
var (
	ErrValidation  = errs.ErrValidation
	ErrSpawn       = errs.ErrSpawn
	ErrNotFound    = errs.ErrNotFound
	ErrTimeout     = errs.ErrTimeout
	ErrPersistence = errs.ErrPersistence
)

// God is the supervisor. All operations of the daemon API are available as
// methods; Close stops every managed process.
type God struct{ *god.God }

func New(opts Options) (*God, error) {
	g, err := god.New(opts)
	if err != nil {
		return nil, err
	}
	return &God{God: g}, nil
}

// NewFromConfig builds a supervisor from a loaded config, wiring the
// configured history sinks.
func NewFromConfig(c *Config, log *slog.Logger) (*God, error) {
	opts, err := god.OptionsFromConfig(c)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	sinks, err := factory.NewSinks(c.History.Sinks)
	if err != nil {
		return nil, err
	}
	opts.Logger = log
	opts.History = history.NewRecorder(log, c.History.Timeout, sinks...)
	g, err := New(opts)
	if err != nil {
		_ = opts.History.Close()
		return nil, err
	}
	return g, nil
}

// Shutdown is Close with a background context.
func (g *God) Shutdown() error { return g.Close(context.Background()) }

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// LoadSpecs reads an ecosystem file (TOML, YAML or JSON).
func LoadSpecs(path string) ([]Spec, error) { return config.LoadSpecs(path) }

func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// NewHTTPServer starts the daemon API for g on addr.
func NewHTTPServer(addr, basePath string, g *God, withMetrics bool, log *slog.Logger) (*http.Server, error) {
	return server.NewServer(addr, basePath, g.God, withMetrics, log)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
