// Package scheduler runs in-process maintenance jobs on cron schedules.
// Jobs never overlap with themselves: a job that is still running when its
// next slot arrives skips that slot.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Schedule string // Standard 5-field cron expression.
	Run      func(ctx context.Context) error
}

type entry struct {
	job     Job
	sched   cron.Schedule
	next    time.Time
	running bool
}

// Scheduler fires registered jobs at their scheduled times.
type Scheduler struct {
	metrics *Metrics
	logger  *slog.Logger
	parser  cron.Parser
	now     func() time.Time

	mu      sync.Mutex
	entries []*entry
	wg      sync.WaitGroup
}

// New creates a Scheduler. metrics may be nil.
func New(metrics *Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		metrics: metrics,
		logger:  logger,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register adds a job. It must be called before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	sched, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for job %s: %w", job.Schedule, job.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{job: job, sched: sched, next: sched.Next(s.now())})
	return nil
}

// Start begins the scheduler loop. Returns a cancel function that stops the
// loop and waits for running jobs to return.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.logger.InfoContext(ctx, "scheduler started", slog.Int("jobs", len(s.entries)))

		for {
			wait := s.untilNext()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("scheduler stopped")
				return
			case <-timer.C:
				s.tick(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
		s.wg.Wait()
	}
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return time.Hour
	}
	earliest := s.entries[0].next
	for _, e := range s.entries[1:] {
		if e.next.Before(earliest) {
			earliest = e.next
		}
	}
	d := earliest.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// tick fires every due job and advances its next run time.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		e.next = e.sched.Next(now)
		if e.running {
			s.logger.WarnContext(ctx, "job still running, skipping slot", slog.String("job", e.job.Name))
			if s.metrics != nil {
				s.metrics.JobsMissed.Inc()
			}
			continue
		}
		e.running = true
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.wg.Add(1)
		go func(e *entry) {
			defer s.wg.Done()
			s.fire(ctx, e)
		}(e)
	}
}

// RunNow fires a registered job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var target *entry
	for _, e := range s.entries {
		if e.job.Name == name {
			target = e
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return fmt.Errorf("unknown job %q", name)
	}
	if target.running {
		s.mu.Unlock()
		return fmt.Errorf("job %q is already running", name)
	}
	target.running = true
	s.mu.Unlock()

	return s.fire(ctx, target)
}

func (s *Scheduler) fire(ctx context.Context, e *entry) error {
	start := time.Now()
	runID := newRunID()
	defer func() {
		s.mu.Lock()
		e.running = false
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RunDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if s.metrics != nil {
		s.metrics.JobsFired.Inc()
	}
	err := e.job.Run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled job failed",
			slog.String("job", e.job.Name),
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		if s.metrics != nil {
			s.metrics.JobsFailed.Inc()
		}
		return err
	}
	s.logger.DebugContext(ctx, "scheduled job completed",
		slog.String("job", e.job.Name),
		slog.String("run_id", runID),
		slog.Duration("duration", time.Since(start)),
	)
	if s.metrics != nil {
		s.metrics.JobsSucceeded.Inc()
	}
	return nil
}

// ComputeNextRunFrom computes the next run time from a given reference time.
func ComputeNextRunFrom(expr string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

func newRunID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
