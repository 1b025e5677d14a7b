package restart

import (
	"testing"
	"time"
)

func TestBackoffCapsAtMax(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 3}, 1)
	var last time.Duration
	for i := 0; i < 10; i++ {
		last = b.Next()
	}
	if last != time.Second {
		t.Fatalf("expected delay capped at 1s, got %s", last)
	}
	if b.attempts != 10 {
		t.Fatalf("attempts = %d, want 10", b.attempts)
	}
	b.Reset()
	if b.Calculate() != 100*time.Millisecond {
		t.Fatalf("reset should restore the initial delay")
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Second, Max: time.Second, Multiplier: 2, JitterPct: 0.4}, 42)
	for i := 0; i < 100; i++ {
		d := b.Calculate()
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered delay %s outside ±20%%", d)
		}
		if d > b.ceiling() {
			t.Fatalf("jittered delay %s above ceiling %s", d, b.ceiling())
		}
	}
}

func TestBackoffInvalidConfigUsesDefaults(t *testing.T) {
	b := NewBackoff(BackoffConfig{Multiplier: 0.5}, 1)
	if b.Calculate() != DefaultBackoffConfig().Initial {
		t.Fatalf("expected default initial delay, got %s", b.Calculate())
	}
}

func TestWindowSlides(t *testing.T) {
	w := NewWindow(time.Minute)
	now := time.Now()
	w.Add(now)
	w.Add(now.Add(30 * time.Second))
	if n := w.Count(now.Add(45 * time.Second)); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
	if n := w.Count(now.Add(75 * time.Second)); n != 1 {
		t.Fatalf("count after first event left window = %d, want 1", n)
	}
	w.Reset()
	if n := w.Count(now); n != 0 {
		t.Fatalf("count after reset = %d", n)
	}
}
