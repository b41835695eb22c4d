package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskFn is the function signature for scheduled tasks.
type TaskFn func()

type job struct {
	fn   TaskFn
	quit chan struct{}
}

// Scheduler runs named periodic maintenance tasks (sweeps, reconciliation).
// Registering a name twice replaces the previous job.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*job
	quit   chan struct{}
	logger *zap.Logger
}

// New creates an empty Scheduler.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		jobs:   make(map[string]*job),
		quit:   make(chan struct{}),
		logger: logger,
	}
}

// AddTicker registers fn to run every interval under the given name.
func (s *Scheduler) AddTicker(name string, interval time.Duration, fn TaskFn) {
	j := &job{fn: fn, quit: make(chan struct{})}

	s.mu.Lock()
	if old, ok := s.jobs[name]; ok {
		close(old.quit)
	}
	s.jobs[name] = j
	s.mu.Unlock()

	go s.loop(name, interval, j)
	s.logger.Info("scheduler task registered",
		zap.String("name", name),
		zap.Duration("interval", interval))
}

func (s *Scheduler) loop(name string, interval time.Duration, j *job) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.invoke(name, j.fn)
		case <-j.quit:
			return
		case <-s.quit:
			return
		}
	}
}

// invoke runs fn with panic isolation so one bad task cannot take the
// process down.
func (s *Scheduler) invoke(name string, fn TaskFn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler task panicked",
				zap.String("task", name),
				zap.Any("recover", r))
		}
	}()
	fn()
}

// RunNow executes a registered task immediately, outside its tick cycle.
// Returns false if no task with that name exists.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.invoke(name, j.fn)
	return true
}

// Remove stops and unregisters one task.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[name]; ok {
		close(j.quit)
		delete(s.jobs, name)
	}
}

// Stop halts every task. Idempotent.
func (s *Scheduler) Stop() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
}

// ListTickers returns the names of all registered tasks.
func (s *Scheduler) ListTickers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}
