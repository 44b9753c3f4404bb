// Package scheduler runs inference and validation jobs on cron schedules
// for the upwreason daemon.
//
// Schedules use a leading seconds field ("0 */15 * * * *") and accept
// descriptors such as "@hourly" or "@every 5m". A job still running when
// its next tick arrives is skipped for that tick.
//
// Example:
//
//	s := scheduler.New(logger, 10*time.Minute)
//	_ = s.Add("run-all", "0 */15 * * * *", func(ctx context.Context) error {
//		_, err := engine.RunAll(ctx)
//		return err
//	})
//	s.Start()
//	defer s.Stop(context.Background())
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/orneryd/upwreason/pkg/config"
)

// TaskFunc is one scheduled job.
type TaskFunc func(ctx context.Context) error

// TaskInfo describes a registered task.
type TaskInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"nextRun"`
	PrevRun  time.Time `json:"prevRun,omitempty"`
}

type task struct {
	id       cron.EntryID
	schedule string
	fn       TaskFunc
}

// Scheduler wraps robfig/cron with named tasks, per-run timeouts and zap
// logging.
type Scheduler struct {
	cron    *cron.Cron
	log     *zap.Logger
	timeout time.Duration

	mu      sync.RWMutex
	tasks   map[string]*task
	running bool

	// base is cancelled by Stop so in-flight tasks see shutdown.
	base   context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler. timeout bounds each task run; zero
// means no bound.
func New(logger *zap.Logger, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(config.CronParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:     logger,
		timeout: timeout,
		tasks:   make(map[string]*task),
		base:    base,
		cancel:  cancel,
	}
}

// Add registers fn under name, replacing any task of the same name.
func (s *Scheduler) Add(name, schedule string, fn TaskFunc) error {
	if name == "" {
		return errors.New("scheduler: empty task name")
	}
	if fn == nil {
		return fmt.Errorf("scheduler: nil task %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.tasks[name]; ok {
		s.cron.Remove(old.id)
		delete(s.tasks, name)
	}

	id, err := s.cron.AddFunc(schedule, func() { s.runTask(name, fn) })
	if err != nil {
		return fmt.Errorf("scheduler: task %q: %w", name, err)
	}
	s.tasks[name] = &task{id: id, schedule: schedule, fn: fn}
	s.log.Info("added task", zap.String("name", name), zap.String("schedule", schedule))
	return nil
}

// Remove unregisters a task. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		s.cron.Remove(t.id)
		delete(s.tasks, name)
		s.log.Info("removed task", zap.String("name", name))
	}
}

// RunNow runs a registered task synchronously and returns its error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	t, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", name)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return t.fn(ctx)
}

// Start begins firing tasks. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.log.Info("scheduler started", zap.Int("tasks", len(s.tasks)))
}

// Stop halts the schedule, cancels running tasks and waits for them to
// return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
		return ctx.Err()
	}
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Tasks lists registered tasks sorted by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskInfo, 0, len(s.tasks))
	for name, t := range s.tasks {
		e := s.cron.Entry(t.id)
		out = append(out, TaskInfo{Name: name, Schedule: t.schedule, NextRun: e.Next, PrevRun: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) runTask(name string, fn TaskFunc) {
	start := time.Now()
	ctx := s.base
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.log.Debug("running task", zap.String("name", name))
	if err := fn(ctx); err != nil {
		s.log.Error("task failed",
			zap.String("name", name),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)))
		return
	}
	s.log.Info("task completed",
		zap.String("name", name),
		zap.Duration("duration", time.Since(start)))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
