// Package jobs runs periodic maintenance work on cron expressions or fixed
// intervals, with admin introspection and manual triggering.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// ErrJobNotFound is returned for an unknown job id.
var ErrJobNotFound = errors.New("job not found")

// Func is the work one job performs.
type Func func(ctx context.Context) error

// RunInfo describes a job's most recent execution.
type RunInfo struct {
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// Info is the introspection view of one job.
type Info struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"next_run"`
	Latest   *RunInfo  `json:"latest,omitempty"`
}

type job struct {
	id       string
	name     string
	spec     string        // cron expression, "" for interval jobs
	interval time.Duration // 0 for cron jobs
	fn       Func

	mu      sync.Mutex // serializes executions of this job
	nextRun time.Time
	latest  *RunInfo
}

// schedule computes the job's next run after ref.
func (j *job) schedule(ref time.Time) (time.Time, error) {
	if j.interval > 0 {
		return ref.Add(j.interval), nil
	}
	return gronx.NextTickAfter(j.spec, ref, false)
}

// Scheduler owns all registered jobs and drives them from a single loop.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*job
	order  []string
	logger *slog.Logger
	wake   chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		jobs:   make(map[string]*job),
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Register adds a cron job. Accepts standard five-field expressions and the
// @daily/@hourly/... aliases.
func (s *Scheduler) Register(id, name, spec string, fn Func) error {
	if !gronx.New().IsValid(spec) {
		return fmt.Errorf("job %s: invalid cron expression %q", id, spec)
	}
	return s.add(&job{id: id, name: name, spec: spec, fn: fn})
}

// RegisterInterval adds a fixed-interval job.
func (s *Scheduler) RegisterInterval(id, name string, interval time.Duration, fn Func) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", id)
	}
	return s.add(&job{id: id, name: name, interval: interval, fn: fn})
}

func (s *Scheduler) add(j *job) error {
	next, err := j.schedule(time.Now())
	if err != nil {
		return fmt.Errorf("job %s: %w", j.id, err)
	}
	j.nextRun = next

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.id]; exists {
		return fmt.Errorf("duplicate job id %s", j.id)
	}
	s.jobs[j.id] = j
	s.order = append(s.order, j.id)
	s.poke()
	return nil
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until ctx is cancelled, then waits for running
// jobs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next, ok := s.earliest()
		var timer *time.Timer
		if ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
		} else {
			timer = time.NewTimer(time.Hour)
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			s.wg.Wait()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.runDue(ctx)
		}
	}
}

func (s *Scheduler) earliest() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	found := false
	for _, j := range s.jobs {
		if !found || j.nextRun.Before(earliest) {
			earliest = j.nextRun
			found = true
		}
	}
	return earliest, found
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.nextRun.After(now) {
			due = append(due, j)
			if next, err := j.schedule(now); err == nil {
				j.nextRun = next
			} else {
				// Should not happen for validated specs; push it out rather
				// than spinning.
				j.nextRun = now.Add(time.Hour)
				s.logger.Error("rescheduling job", "job", j.id, "error", err)
			}
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.wg.Add(1)
		go func(j *job) {
			defer s.wg.Done()
			s.execute(ctx, j)
		}(j)
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := time.Now()
	err := j.fn(ctx)
	info := &RunInfo{Start: start, Duration: time.Since(start)}
	if err != nil {
		info.Error = err.Error()
		s.logger.Error("job failed", "job", j.id, "error", err, "duration", info.Duration)
	} else {
		s.logger.Debug("job finished", "job", j.id, "duration", info.Duration)
	}

	s.mu.Lock()
	j.latest = info
	s.mu.Unlock()
}

// RunNow triggers one job immediately, blocking until it finishes.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	s.execute(ctx, j)

	s.mu.Lock()
	defer s.mu.Unlock()
	if j.latest != nil && j.latest.Error != "" {
		return errors.New(j.latest.Error)
	}
	return nil
}

// Snapshot lists all jobs in registration order.
func (s *Scheduler) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Info, 0, len(s.order))
	for _, id := range s.order {
		j := s.jobs[id]
		schedule := j.spec
		if j.interval > 0 {
			schedule = "every " + j.interval.String()
		}
		info := Info{
			ID:       j.id,
			Name:     j.name,
			Schedule: schedule,
			NextRun:  j.nextRun,
		}
		if j.latest != nil {
			latest := *j.latest
			info.Latest = &latest
		}
		out = append(out, info)
	}
	return out
}
