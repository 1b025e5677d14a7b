// Package restart decides what happens to a process after it dies.
package restart

import (
	"time"
)

// Config holds the restart policy constants.
type Config struct {
	// MinUptime is the threshold under which a run counts as unstable.
	MinUptime time.Duration `mapstructure:"min_uptime"`
	// MaxUnstableRestarts is how many unstable restarts the window tolerates
	// before the process is marked errored.
	MaxUnstableRestarts int `mapstructure:"max_unstable_restarts"`
	// Window is the sliding window for unstable restarts. The tracker
	// stretches it by the backoff schedule, see Span.
	Window  time.Duration `mapstructure:"unstable_window"`
	Backoff BackoffConfig `mapstructure:",squash"`
}

func DefaultConfig() Config {
	return Config{
		MinUptime:           time.Second,
		MaxUnstableRestarts: 15,
		Window:              time.Minute,
		Backoff:             DefaultBackoffConfig(),
	}
}

// WithDefaults fills zero fields with the documented defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MinUptime <= 0 {
		c.MinUptime = d.MinUptime
	}
	if c.MaxUnstableRestarts <= 0 {
		c.MaxUnstableRestarts = d.MaxUnstableRestarts
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	c.Backoff = c.Backoff.withDefaults()
	return c
}

// spawnAllowance covers the time between a scheduled restart firing and the
// new process counting as started.
const spawnAllowance = time.Second

// Span returns the window length a tracker applies: Window plus the time a
// crash loop needs to accumulate MaxUnstableRestarts+1 deaths under the
// backoff schedule bc. Without the stretch a long backoff keeps the count
// below the limit forever.
func (c Config) Span(bc BackoffConfig) time.Duration {
	c = c.WithDefaults()
	b := NewBackoff(bc, 0)
	span := c.Window
	for i := 0; i <= c.MaxUnstableRestarts; i++ {
		span += b.ceiling() + c.MinUptime + spawnAllowance
		b.attempts++
	}
	return span
}

// Action is the outcome of a policy decision.
type Action int

const (
	ActionStop Action = iota
	ActionOneLaunch
	ActionRestart
	ActionErrored
)

func (a Action) String() string {
	switch a {
	case ActionStop:
		return "stop"
	case ActionOneLaunch:
		return "one-launch"
	case ActionRestart:
		return "restart"
	case ActionErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Death describes an unplanned exit.
type Death struct {
	ExitCode int
	Uptime   time.Duration
	At       time.Time
}

// Traits are the spec properties the policy looks at.
type Traits struct {
	AutoRestart     bool
	Fork            bool
	Watch           bool
	RestartDelay    time.Duration // overrides Backoff.Initial when > 0
	MaxRestartDelay time.Duration // overrides Backoff.Max when > 0
}

// Decision is what the supervisor should do next.
type Decision struct {
	Action   Action
	Delay    time.Duration
	Unstable int // unstable restarts currently inside the window
}

// Tracker is the per-process policy state. It is not safe for concurrent
// use; the owner serializes calls.
type Tracker struct {
	cfg     Config
	window  *Window
	backoff *Backoff
}

// NewTracker builds a tracker for one process. Per-spec delays override the
// daemon-wide backoff bounds.
func NewTracker(cfg Config, t Traits, seed int64) *Tracker {
	cfg = cfg.WithDefaults()
	bc := cfg.Backoff
	if t.RestartDelay > 0 {
		bc.Initial = t.RestartDelay
	}
	if t.MaxRestartDelay > 0 {
		bc.Max = t.MaxRestartDelay
	}
	return &Tracker{
		cfg:     cfg,
		window:  NewWindow(cfg.Span(bc)),
		backoff: NewBackoff(bc, seed),
	}
}

// Decide applies the policy to a death event.
func (tr *Tracker) Decide(t Traits, d Death) Decision {
	if !t.AutoRestart {
		if d.ExitCode == 0 && t.Fork && !t.Watch {
			return Decision{Action: ActionOneLaunch}
		}
		return Decision{Action: ActionStop}
	}
	at := d.At
	if at.IsZero() {
		at = time.Now()
	}
	if d.Uptime < tr.cfg.MinUptime {
		n := tr.window.Add(at)
		if n > tr.cfg.MaxUnstableRestarts {
			return Decision{Action: ActionErrored, Unstable: n}
		}
		return Decision{Action: ActionRestart, Delay: tr.backoff.Next(), Unstable: n}
	}
	// a stable run ends the streak
	tr.Reset()
	return Decision{Action: ActionRestart, Delay: tr.backoff.Next()}
}

// Reset clears the circuit breaker and backoff, as an explicit restart does.
func (tr *Tracker) Reset() {
	tr.window.Reset()
	tr.backoff.Reset()
}
