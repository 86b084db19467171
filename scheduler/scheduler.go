// Package scheduler runs named periodic tasks on independent ticker loops.
// Every background process in walletline (outbox dispatching, retention
// cleanups, money-request expiration) is modeled as a Task so it can be
// started and cancelled uniformly.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/walletline/walletline/logger"
)

// Task is a unit of periodic work. Run must be safe to invoke again if a
// previous invocation is still in flight on another instance; tasks that
// touch shared storage are expected to use claim/lease semantics there.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler owns a set of periodic tasks and their goroutines.
type Scheduler struct {
	logger logger.Logger
	tasks  []Task

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

type opt func(s *Scheduler)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(options ...opt) *Scheduler {
	s := &Scheduler{
		logger: &logger.NopLogger{},
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Add registers a task. It panics on an invalid task to surface wiring
// mistakes early, and must be called before Start.
func (s *Scheduler) Add(t Task) {
	if t.Name == "" || t.Interval <= 0 || t.Run == nil {
		panic("a task needs a name, a positive interval and a run function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("tasks cannot be added after the scheduler has started")
	}
	s.tasks = append(s.tasks, t)
}

// Start launches one goroutine per registered task. Each task runs once
// immediately and then on every tick until the scheduler is stopped or the
// parent context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	for _, t := range s.tasks {
		t := t
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runLoop(ctx, t)
		}()
	}
}

// Stop cancels all task loops and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		if err := t.Run(ctx); err != nil {
			s.logger.Error(fmt.Sprintf("running task '%s'", t.Name), err)
		}
		select {
		case <-ctx.Done():
			s.logger.Debug(fmt.Sprintf("task '%s' stopped", t.Name))
			return
		case <-ticker.C:
		}
	}
}
