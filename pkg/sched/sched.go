// Package sched runs fixed-interval tasks on a shared errgroup with
// cancellation.
package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrStarted = errors.New("sched: already started")

// Task runs fn every Every until the scheduler stops.
type Task struct {
	Name  string
	Every time.Duration
	Fn    func(ctx context.Context)
}

type Scheduler struct {
	mu      sync.Mutex
	tasks   []Task
	started bool
	cancel  context.CancelFunc
	g       *errgroup.Group
	stop    sync.Once
}

func New(tasks ...Task) *Scheduler { return &Scheduler{tasks: tasks} }

// Add registers a task. Tasks added after Start are ignored.
func (s *Scheduler) Add(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		zap.L().Warn("task added after start", zap.String("task", t.Name))
		return
	}
	s.tasks = append(s.tasks, t)
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.g, ctx = errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		if t.Every <= 0 || t.Fn == nil {
			zap.L().Warn("task skipped", zap.String("task", t.Name), zap.Duration("every", t.Every))
			continue
		}
		s.g.Go(func() error { return run(ctx, t) })
	}
	zap.L().Debug("scheduler started", zap.Int("tasks", len(s.tasks)))
	return nil
}

func run(ctx context.Context, t Task) error {
	tk := time.NewTicker(t.Every)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
			t.Fn(ctx)
		}
	}
}

// Stop cancels every task and waits for in-flight runs to return. It is
// safe to call more than once, and before Start.
func (s *Scheduler) Stop() {
	s.stop.Do(func() {
		s.mu.Lock()
		cancel, g := s.cancel, s.g
		s.started = true
		s.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		_ = g.Wait()
		zap.L().Debug("scheduler stopped")
	})
}
