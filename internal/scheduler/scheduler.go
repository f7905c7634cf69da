// Package scheduler runs named jobs on crontab-like schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
)

const (
	DefaultBackupSchedule = "0 2 * * *"
	DefaultDrainSchedule  = "*/5 * * * *"
)

// JobFunc is the work done by a job.
type JobFunc func(ctx context.Context) error

type job struct {
	name string
	spec string
	expr *cronexpr.Expression
	run  JobFunc
	next time.Time
}

// Scheduler runs its jobs one at a time. A job that is due while another
// is running starts once that one returns.
type Scheduler struct {
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs []*job
}

// New creates an empty Scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, now: time.Now}
}

// Add registers fn under name with a cron expression such as "0 2 * * *".
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return fmt.Errorf("job %s: bad schedule %q: %w", name, spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name: name,
		spec: spec,
		expr: expr,
		run:  fn,
		next: expr.Next(s.now()),
	})
	return nil
}

// Next returns the next run time of each job.
func (s *Scheduler) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.jobs))
	for _, j := range s.jobs {
		out[j.name] = j.next
	}
	return out
}

// RunDue runs every job due at now, in registration order, and schedules
// each one's following run. It returns the number of jobs run.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.next.IsZero() && !j.next.After(now) {
			due = append(due, j)
			j.next = j.expr.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		s.logger.Info("running scheduled job", "job", j.name)
		if err := j.run(ctx); err != nil {
			s.logger.Error("scheduled job failed", "job", j.name, "error", err)
			continue
		}
		s.logger.Info("scheduled job finished", "job", j.name, "duration", time.Since(start))
	}
	return len(due)
}

func (s *Scheduler) earliest() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var min time.Time
	for _, j := range s.jobs {
		if j.next.IsZero() {
			continue
		}
		if min.IsZero() || j.next.Before(min) {
			min = j.next
		}
	}
	return min, !min.IsZero()
}

// Run sleeps until the next job is due and runs it, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for name, next := range s.Next() {
		s.logger.Info("job scheduled", "job", name, "next", next)
	}
	for {
		next, ok := s.earliest()
		if !ok {
			s.logger.Warn("no scheduled jobs left")
			<-ctx.Done()
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunDue(ctx, s.now())
		}
	}
}
