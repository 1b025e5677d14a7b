// Package cron fires periodic restarts for processes with a cron_restart schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"
)

var parser = rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// every is a fixed-period schedule. robfig's @every rounds to whole
// seconds; this one keeps the parsed precision.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// ParseEvery parses schedules of the form "@every <duration>".
func ParseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("not an @every schedule: %s", expr)
	}
	durStr := strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	d, err := time.ParseDuration(durStr)
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("@every duration must be > 0")
	}
	return d, nil
}

// Parse accepts "@every <duration>", descriptors such as "@hourly" and
// standard cron expressions with an optional leading seconds field.
func Parse(expr string) (rcron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "@every") {
		d, err := ParseEvery(expr)
		if err != nil {
			return nil, err
		}
		return every(d), nil
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// RestartFunc restarts one process id.
type RestartFunc func(ctx context.Context, id int) error

type job struct {
	id       int
	schedule string
	sched    rcron.Schedule
	running  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// Scheduler runs one timer per scheduled id. A tick is skipped while the
// previous restart of the same id is still in progress.
type Scheduler struct {
	restart RestartFunc
	log     *slog.Logger

	mu   sync.Mutex
	jobs map[int]*job
	ctx  context.Context
	stop context.CancelFunc
}

func NewScheduler(log *slog.Logger, restart RestartFunc) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{restart: restart, log: log, jobs: map[int]*job{}, ctx: ctx, stop: cancel}
}

// Add schedules id, replacing an existing schedule for it.
func (s *Scheduler) Add(id int, schedule string) error {
	sched, err := Parse(schedule)
	if err != nil {
		return fmt.Errorf("process %d: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return fmt.Errorf("scheduler stopped")
	}
	if old, ok := s.jobs[id]; ok {
		if old.schedule == schedule {
			return nil
		}
		old.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{id: id, schedule: schedule, sched: sched, cancel: cancel, done: make(chan struct{})}
	s.jobs[id] = j
	go s.runJob(ctx, j)
	return nil
}

// Remove cancels id's schedule. An in-flight restart is not interrupted.
func (s *Scheduler) Remove(id int) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if ok {
		j.cancel()
	}
}

func (s *Scheduler) Scheduled(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

func (s *Scheduler) runJob(ctx context.Context, j *job) {
	defer close(j.done)
	t := time.NewTimer(time.Until(j.sched.Next(time.Now())))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			t.Reset(time.Until(j.sched.Next(time.Now())))
			if !j.running.CompareAndSwap(false, true) {
				s.log.Debug("cron restart still running, skipping tick", "id", j.id)
				continue
			}
			go func() {
				defer j.running.Store(false)
				s.log.Info("cron restart", "id", j.id, "schedule", j.schedule)
				if err := s.restart(context.WithoutCancel(ctx), j.id); err != nil {
					s.log.Warn("cron restart failed", "id", j.id, "error", err)
				}
			}()
		}
	}
}

// Stop cancels all schedules and waits for their tickers to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stop()
	jobs := make([]*job, 0, len(s.jobs))
	for id, j := range s.jobs {
		jobs = append(jobs, j)
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	for _, j := range jobs {
		<-j.done
	}
}
