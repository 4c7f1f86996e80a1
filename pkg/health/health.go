// Package health aggregates component health checks for the /health
// endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/relayq/relay/pkg/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check is the result of one component's health check
type Check struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Response is the aggregated health report
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]*Check `json:"checks"`
}

// CheckFunc probes one component, returning nil when it is healthy
type CheckFunc func(ctx context.Context) error

// Service runs registered health checks concurrently
type Service struct {
	mu       sync.RWMutex
	checkers map[string]CheckFunc
	logger   *logging.Logger
	timeout  time.Duration
}

// NewService creates a health check service
func NewService(logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Service{
		checkers: make(map[string]CheckFunc),
		logger:   logger,
		timeout:  5 * time.Second,
	}
}

// Register adds a named component check
func (s *Service) Register(name string, check CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = check
}

// Run executes all registered checks and aggregates the result. The overall
// status is unhealthy when any check fails.
func (s *Service) Run(ctx context.Context) *Response {
	s.mu.RLock()
	checkers := make(map[string]CheckFunc, len(s.checkers))
	for name, fn := range s.checkers {
		checkers[name] = fn
	}
	s.mu.RUnlock()

	resp := &Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]*Check, len(checkers)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, fn := range checkers {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			check := s.runOne(ctx, name, fn)
			mu.Lock()
			resp.Checks[name] = check
			if check.Status != StatusHealthy {
				resp.Status = StatusUnhealthy
			}
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	return resp
}

func (s *Service) runOne(ctx context.Context, name string, fn CheckFunc) *Check {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	check := &Check{
		Name:      name,
		Status:    StatusHealthy,
		Duration:  time.Since(start),
		Timestamp: start,
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		s.logger.Warn("Health check failed",
			"check", name,
			"error", err.Error(),
		)
	}
	return check
}
