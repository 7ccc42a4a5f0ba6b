package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type taskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       taskFunc
	cancel   context.CancelFunc
}

// Scheduler runs named periodic tasks, one ticker goroutine each. A task
// never overlaps itself; panics are recovered and logged.
type Scheduler struct {
	log *zap.Logger

	mu     sync.Mutex
	tasks  map[string]*task
	parent context.Context
	wg     sync.WaitGroup
}

func NewScheduler(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{log: log, tasks: make(map[string]*task)}
}

// Add registers a task. Tasks added after Start begin immediately.
func (s *Scheduler) Add(name string, interval time.Duration, fn taskFunc) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be > 0", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %s already scheduled", name)
	}
	t := &task{name: name, interval: interval, fn: fn}
	s.tasks[name] = t
	if s.parent != nil {
		s.launchLocked(t)
	}
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = ctx
	for _, t := range s.tasks {
		if t.cancel == nil {
			s.launchLocked(t)
		}
	}
}

func (s *Scheduler) launchLocked(t *task) {
	ctx, cancel := context.WithCancel(s.parent)
	t.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, t)
	}()
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", zap.String("task", t.name), zap.Any("panic", r))
		}
	}()
	if err := t.fn(ctx); err != nil {
		s.log.Warn("task failed", zap.String("task", t.name), zap.Error(err))
	}
}

// Stop cancels and removes one task.
func (s *Scheduler) Stop(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		if t.cancel != nil {
			t.cancel()
		}
		delete(s.tasks, name)
	}
}

func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.tasks {
		if t.cancel != nil {
			t.cancel()
		}
		delete(s.tasks, name)
	}
}

// Wait blocks until every launched task goroutine has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
