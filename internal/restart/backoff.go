package restart

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig holds the configuration for exponential backoff.
type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"backoff_initial"`    // first delay (default 100ms)
	Max        time.Duration `mapstructure:"backoff_max"`        // cap (default 15s)
	Multiplier float64       `mapstructure:"backoff_multiplier"` // growth per attempt (default 1.5)
	JitterPct  float64       `mapstructure:"backoff_jitter"`     // jitter as a fraction of the delay, 0 disables
}

// DefaultBackoffConfig returns the documented defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    100 * time.Millisecond,
		Max:        15 * time.Second,
		Multiplier: 1.5,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.Initial <= 0 {
		c.Initial = d.Initial
	}
	if c.Max <= 0 {
		c.Max = d.Max
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.JitterPct < 0 {
		c.JitterPct = 0
	}
	return c
}

// Backoff calculates exponential backoff delays with optional jitter.
type Backoff struct {
	config   BackoffConfig
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a Backoff; seed makes jitter reproducible per process.
func NewBackoff(cfg BackoffConfig, seed int64) *Backoff {
	return &Backoff{
		config: cfg.withDefaults(),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Next returns the next delay and increments the attempt counter.
func (b *Backoff) Next() time.Duration {
	d := b.Calculate()
	b.attempts++
	return d
}

func (b *Backoff) base() float64 {
	delay := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(b.attempts))
	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}
	return delay
}

// ceiling is the largest delay Calculate can return for the current attempt.
func (b *Backoff) ceiling() time.Duration {
	return time.Duration(b.base() * (1 + b.config.JitterPct/2))
}

// Calculate returns the current delay without incrementing attempts.
func (b *Backoff) Calculate() time.Duration {
	delay := b.base()
	// ±(JitterPct/2) of the delay
	if b.config.JitterPct > 0 {
		r := delay * b.config.JitterPct
		delay += r*b.rng.Float64() - r/2
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (b *Backoff) Reset() { b.attempts = 0 }
