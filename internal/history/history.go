package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventExit    EventType = "exit"
	EventStop    EventType = "stop"
	EventRestart EventType = "restart"
	EventErrored EventType = "errored"
	EventDelete  EventType = "delete"
)

// Record is the process summary attached to an event.
type Record struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Restarts int    `json:"restarts"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const (
	defaultBuffer  = 256
	defaultTimeout = 2 * time.Second
)

// Recorder delivers events to its sinks from a background goroutine. Emit
// never blocks; events are dropped when the buffer is full.
type Recorder struct {
	sinks   []Sink
	ch      chan Event
	timeout time.Duration
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewRecorder(log *slog.Logger, timeout time.Duration, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	r := &Recorder{
		sinks:   sinks,
		ch:      make(chan Event, defaultBuffer),
		timeout: timeout,
		log:     log,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Emit queues e. A nil Recorder discards everything.
func (r *Recorder) Emit(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.log.Warn("history buffer full, dropping event", "event", e.Type, "id", e.Record.ID)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink send failed", "event", e.Type, "id", e.Record.ID, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events and closes sinks that implement io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done

	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
