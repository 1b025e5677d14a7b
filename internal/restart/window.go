package restart

import "time"

// Window counts events inside a sliding time window.
type Window struct {
	span   time.Duration
	events []time.Time
}

func NewWindow(span time.Duration) *Window { return &Window{span: span} }

// Add records an event at t and returns how many events remain in the window.
func (w *Window) Add(t time.Time) int {
	w.prune(t)
	w.events = append(w.events, t)
	return len(w.events)
}

// Count returns the number of events within the window ending at now.
func (w *Window) Count(now time.Time) int {
	w.prune(now)
	return len(w.events)
}

func (w *Window) Reset() { w.events = w.events[:0] }

func (w *Window) prune(now time.Time) {
	start := now.Add(-w.span)
	kept := w.events[:0]
	for _, e := range w.events {
		if e.After(start) {
			kept = append(kept, e)
		}
	}
	w.events = kept
}
