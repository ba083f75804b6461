// Package schedule runs the device's periodic work (screenshot capture,
// usage snapshots) on cron expressions.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

type job struct {
	name  string
	expr  string
	sched cronlib.Schedule
	next  time.Time
	run   func(ctx context.Context)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 30 seconds if zero
	Now      func() time.Time
}

// Scheduler ticks at a fixed interval and fires each job whose cron schedule
// has come due since the last tick.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	jobs []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		logger:   logger,
		interval: interval,
		now:      now,
	}
}

// Add registers a job under a cron expression. Must be called before Start.
func (s *Scheduler) Add(name, cronExpr string, run func(ctx context.Context)) error {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q for %s: %w", cronExpr, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:  name,
		expr:  cronExpr,
		sched: sched,
		next:  sched.Next(s.now()),
		run:   run,
	})
	return nil
}

// Start begins the scheduler loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.mu.Lock()
	for _, j := range s.jobs {
		s.logger.Info("job scheduled", "job", j.name, "expr", j.expr, "next_run", j.next)
	}
	s.mu.Unlock()
	s.logger.Info("scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires each due job and advances its next run time. Jobs run inline;
// a job that outlives the tick delays later jobs, not the daemon.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.next.After(now) {
			due = append(due, j)
			j.next = j.sched.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.logger.Debug("schedule fired", "job", j.name, "expr", j.expr)
		j.run(ctx)
	}
}
