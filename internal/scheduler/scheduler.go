// Package scheduler runs the optimizer's periodic tasks on robfig/cron
// "@every" schedules. A tick that finds its task still running is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type task struct {
	Task

	mu      sync.Mutex
	running bool
}

// Scheduler owns the cron runner and the in-flight guards.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu    sync.Mutex
	tasks map[string]*task

	ctx    context.Context
	cancel context.CancelFunc

	// onStop runs after the last job finished, e.g. to flush model registries.
	onStop []func(ctx context.Context) error
}

// New creates a scheduler. onStop hooks run in order during Stop.
func New(logger *zap.Logger, onStop ...func(ctx context.Context) error) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLog := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog))),
		logger: logger,
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
		onStop: onStop,
	}
}

// Add registers a task. Names must be unique and intervals positive.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return errors.New("task needs a name and a run function")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive, got %s", t.Name, t.Interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tasks[t.Name]; dup {
		return fmt.Errorf("task %s already registered", t.Name)
	}
	tk := &task{Task: t}
	if _, err := s.cron.AddFunc("@every "+t.Interval.String(), func() { s.run(tk) }); err != nil {
		return fmt.Errorf("schedule task %s: %w", t.Name, err)
	}
	s.tasks[t.Name] = tk
	s.logger.Info("task scheduled", zap.String("task", t.Name), zap.Duration("interval", t.Interval))
	return nil
}

// Start begins running scheduled tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// RunNow runs a task immediately through the same in-flight guard. It
// reports false when the task is unknown or already running.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.Lock()
	tk, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.run(tk)
}

// run executes one tick of tk unless the previous tick is still in flight.
func (s *Scheduler) run(tk *task) bool {
	tk.mu.Lock()
	if tk.running {
		tk.mu.Unlock()
		metrics.TaskRuns.WithLabelValues(tk.Name, "skipped").Inc()
		s.logger.Warn("previous run still in flight, skipping tick", zap.String("task", tk.Name))
		return false
	}
	tk.running = true
	tk.mu.Unlock()

	defer func() {
		tk.mu.Lock()
		tk.running = false
		tk.mu.Unlock()
	}()

	start := time.Now()
	err := tk.Run(s.ctx)
	status := "success"
	if err != nil {
		status = "failed"
		s.logger.Error("task failed", zap.String("task", tk.Name), zap.Duration("duration", time.Since(start)), zap.Error(err))
	} else {
		s.logger.Debug("task completed", zap.String("task", tk.Name), zap.Duration("duration", time.Since(start)))
	}
	metrics.TaskRuns.WithLabelValues(tk.Name, status).Inc()
	return true
}

// Stop stops scheduling, waits for running jobs until ctx is done, then
// runs the onStop hooks. Jobs still running when ctx expires are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	var errs []error
	select {
	case <-done.Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for running tasks: %w", ctx.Err()))
	}
	s.cancel()

	// Registries are flushed even when the wait timed out.
	flushCtx := context.WithoutCancel(ctx)
	for _, hook := range s.onStop {
		if err := hook(flushCtx); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("scheduler stopped")
	return errors.Join(errs...)
}
