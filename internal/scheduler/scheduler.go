// Package scheduler provides a strict-priority work queue: every queued high
// task is dispatched before any normal task, and every normal before any low,
// re-evaluated after each dispatch.
package scheduler

import (
	"context"
	"sync"

	"github.com/relayq/relay/pkg/logging"
)

// Priority is the scheduling class of a task
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow

	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a string to a Priority, defaulting to normal
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Task is a unit of work. The context is the scheduler's base context and is
// cancelled on Stop.
type Task func(ctx context.Context)

// Config contains scheduler configuration
type Config struct {
	// MaxConcurrent bounds the number of tasks executing at once
	MaxConcurrent int
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() Config {
	return Config{MaxConcurrent: 10}
}

// Scheduler drains three FIFO queues in strict priority order. The drain loop
// is re-armed whenever a queue becomes non-empty and blocks when all queues
// are empty, consuming nothing while idle.
type Scheduler struct {
	mu     sync.Mutex
	queues [numPriorities][]Task

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	sem    chan struct{}

	baseCtx    context.Context
	cancelBase context.CancelFunc

	running bool
	logger  *logging.Logger
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler
func NewScheduler(config Config, logger *logging.Logger) *Scheduler {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Scheduler{
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		sem:    make(chan struct{}, config.MaxConcurrent),
		logger: logger,
	}
}

// Start launches the drain loop
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.baseCtx, s.cancelBase = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.drainLoop()
}

// Stop halts dispatching, cancels the base context handed to tasks, and waits
// for in-flight tasks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.cancelBase()
	<-s.doneCh
	s.wg.Wait()
}

// Submit enqueues a task without blocking the caller. Tasks within one
// priority level dispatch in FIFO order.
func (s *Scheduler) Submit(task Task, priority Priority) {
	if priority < PriorityHigh || priority > PriorityLow {
		priority = PriorityNormal
	}

	s.mu.Lock()
	s.queues[priority] = append(s.queues[priority], task)
	s.mu.Unlock()

	// Re-arm the drain loop if it is parked
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// QueueDepths returns the number of queued tasks per priority level
func (s *Scheduler) QueueDepths() map[Priority]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	depths := make(map[Priority]int, numPriorities)
	for p := PriorityHigh; p <= PriorityLow; p++ {
		depths[p] = len(s.queues[p])
	}
	return depths
}

// drainLoop pops the highest-priority queued task, re-checking priorities
// after every dispatch so a newly arrived high task preempts queued normal
// and low tasks (but never an attempt already in flight). The execution slot
// is acquired before the pop: which task runs next is decided at dispatch
// time, not when a slot first came under contention.
func (s *Scheduler) drainLoop() {
	defer close(s.doneCh)

	for {
		if !s.hasWork() {
			select {
			case <-s.wakeCh:
				continue
			case <-s.stopCh:
				return
			}
		}

		select {
		case s.sem <- struct{}{}:
		case <-s.stopCh:
			return
		}

		task, ok := s.next()
		if !ok {
			<-s.sem
			continue
		}

		s.wg.Add(1)
		go func(t Task) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Scheduled task panicked", "panic", r)
				}
			}()
			t(s.baseCtx)
		}(task)
	}
}

// hasWork reports whether any queue is non-empty
func (s *Scheduler) hasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p := PriorityHigh; p <= PriorityLow; p++ {
		if len(s.queues[p]) > 0 {
			return true
		}
	}
	return false
}

// next pops the front of the highest non-empty queue
func (s *Scheduler) next() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p := PriorityHigh; p <= PriorityLow; p++ {
		if len(s.queues[p]) > 0 {
			task := s.queues[p][0]
			s.queues[p] = s.queues[p][1:]
			return task, true
		}
	}
	return nil, false
}
