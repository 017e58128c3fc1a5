// Package cron runs named maintenance jobs on cron schedules.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts standard five-field expressions, an optional leading
// seconds field, and descriptors such as "@every 1m" or "@hourly".
func ParseSchedule(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return s, nil
}

// Job is one scheduled task. A tick is skipped while the previous run of the
// same job is still going.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error

	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
}

// Runs returns how many times the job has run to completion.
func (j *Job) Runs() int64 { return j.runs.Load() }

// Skipped returns how many ticks were dropped because a run was in flight.
func (j *Job) Skipped() int64 { return j.skipped.Load() }

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Schedule == "" {
		return errors.New("cron job requires a schedule")
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s has no run function", j.Name)
	}
	_, err := ParseSchedule(j.Schedule)
	return err
}

// Scheduler owns a robfig cron runner. Jobs receive a context that is
// cancelled by Stop.
type Scheduler struct {
	mu      sync.Mutex
	c       *cron.Cron
	jobs    map[string]*Job
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c:      cron.New(cron.WithParser(parser)),
		jobs:   make(map[string]*Job),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add schedules job. Names are unique within a scheduler.
func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("cron job %s already added", job.Name)
	}
	if _, err := s.c.AddFunc(job.Schedule, func() { s.run(job) }); err != nil {
		return fmt.Errorf("failed to schedule cron job %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	return nil
}

func (s *Scheduler) run(j *Job) {
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.logger.Debug("Cron job still running, tick skipped", "job", j.Name)
		return
	}
	defer j.running.Store(false)
	start := time.Now()
	if err := j.Run(s.ctx); err != nil {
		s.logger.Warn("Cron job failed", "job", j.Name, "error", err, "duration", time.Since(start))
	}
	j.runs.Add(1)
}

// Start launches the scheduler in the background.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	s.c.Start()
	for name, j := range s.jobs {
		s.logger.Info("Cron job scheduled", "job", name, "schedule", j.Schedule)
	}
	return nil
}

// Stop cancels running jobs and waits for them to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	s.cancel()
	if !started {
		return nil
	}
	select {
	case <-s.c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
