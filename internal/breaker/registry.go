// Package breaker implements per-origin circuit breaking. Each origin gets an
// independent state machine so an outage on one remote host never blocks
// requests to another.
package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relayq/relay/internal/store"
	"github.com/relayq/relay/pkg/errors"
	"github.com/relayq/relay/pkg/logging"
)

// State represents the state of an origin's circuit breaker
type State int

const (
	// StateClosed - requests are allowed
	StateClosed State = iota
	// StateOpen - requests are rejected without a network call
	StateOpen
	// StateHalfOpen - exactly one trial attempt is allowed
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Outcome is the result of an attempt as seen by the breaker
type Outcome int

const (
	// OutcomeSuccess closes a half-open breaker and clears failure counts
	OutcomeSuccess Outcome = iota
	// OutcomeFailure increments the failure count and may trip the breaker
	OutcomeFailure
	// OutcomeCancelled does not count toward the failure threshold
	OutcomeCancelled
)

// Config holds circuit breaker configuration
type Config struct {
	// FailureThreshold is the consecutive failure count that trips a closed breaker
	FailureThreshold int
	// ResetTimeout is how long an open breaker rejects before permitting a trial
	ResetTimeout time.Duration
	// OnStateChange is called whenever an origin's breaker changes state
	OnStateChange func(origin string, from, to State)
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

type originState struct {
	state        State
	failureCount int
	lastFailure  time.Time
	// probing guards the half-open single-trial invariant; probeStarted
	// bounds how long a trial may hold the slot without reporting back
	probing      bool
	probeStarted time.Time
}

// Registry tracks one breaker per origin
type Registry struct {
	mu      sync.Mutex
	origins map[string]*originState
	config  Config
	clock   clock.Clock
	logger  *logging.Logger
}

// NewRegistry creates a breaker registry
func NewRegistry(config Config, clk clock.Clock, logger *logging.Logger) *Registry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Registry{
		origins: make(map[string]*originState),
		config:  config,
		clock:   clk,
		logger:  logger,
	}
}

// Allow reports whether an attempt to the origin may proceed. An open breaker
// whose reset timeout has elapsed transitions to half-open and admits exactly
// one trial attempt; concurrent attempts during the trial are rejected.
func (r *Registry) Allow(origin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	os := r.origin(origin)

	switch os.state {
	case StateClosed:
		return nil
	case StateOpen:
		if r.clock.Now().Sub(os.lastFailure) >= r.config.ResetTimeout {
			r.setState(origin, os, StateHalfOpen)
			os.probing = true
			os.probeStarted = r.clock.Now()
			return nil
		}
		return errors.NewCircuitOpenError(origin)
	case StateHalfOpen:
		// A trial that never reported an outcome releases the slot after
		// another reset timeout, so a lost probe cannot latch the origin
		// rejecting forever.
		if os.probing && r.clock.Now().Sub(os.probeStarted) < r.config.ResetTimeout {
			return errors.NewCircuitOpenError(origin)
		}
		os.probing = true
		os.probeStarted = r.clock.Now()
		return nil
	}
	return nil
}

// RecordOutcome updates the origin's breaker after an attempt resolves
func (r *Registry) RecordOutcome(origin string, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	os := r.origin(origin)

	switch outcome {
	case OutcomeSuccess:
		os.failureCount = 0
		os.probing = false
		if os.state != StateClosed {
			r.setState(origin, os, StateClosed)
		}
	case OutcomeFailure:
		os.failureCount++
		os.lastFailure = r.clock.Now()
		os.probing = false
		if os.state == StateHalfOpen {
			r.setState(origin, os, StateOpen)
		} else if os.state == StateClosed && os.failureCount >= r.config.FailureThreshold {
			r.setState(origin, os, StateOpen)
		}
	case OutcomeCancelled:
		// Caller aborts say nothing about origin health; release the
		// half-open probe so another trial may run.
		os.probing = false
	}
}

// State returns the current state for an origin, applying the open to
// half-open transition if the reset timeout has elapsed.
func (r *Registry) State(origin string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	os := r.origin(origin)
	if os.state == StateOpen && r.clock.Now().Sub(os.lastFailure) >= r.config.ResetTimeout {
		return StateHalfOpen
	}
	return os.state
}

// FailureCount returns the current consecutive failure count for an origin
func (r *Registry) FailureCount(origin string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.origin(origin).failureCount
}

// Reset returns an origin's breaker to closed with cleared counts
func (r *Registry) Reset(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	os := r.origin(origin)
	os.failureCount = 0
	os.probing = false
	if os.state != StateClosed {
		r.setState(origin, os, StateClosed)
	}
}

// Origins returns all origins the registry has seen
func (r *Registry) Origins() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	origins := make([]string, 0, len(r.origins))
	for origin := range r.origins {
		origins = append(origins, origin)
	}
	return origins
}

func (r *Registry) origin(origin string) *originState {
	os, ok := r.origins[origin]
	if !ok {
		os = &originState{state: StateClosed}
		r.origins[origin] = os
	}
	return os
}

// setState is called with the registry lock held
func (r *Registry) setState(origin string, os *originState, state State) {
	if os.state == state {
		return
	}
	prev := os.state
	os.state = state

	if r.config.OnStateChange != nil {
		r.config.OnStateChange(origin, prev, state)
	}

	r.logger.Info("Circuit breaker state changed",
		"origin", origin,
		"from", prev.String(),
		"to", state.String(),
		"failure_count", os.failureCount,
	)
}

// snapshot is the persisted form of one origin's breaker
type snapshot struct {
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure"`
}

// Persist writes all breaker states to the durable store under key
func (r *Registry) Persist(ctx context.Context, s store.Store, key string) error {
	r.mu.Lock()
	snaps := make(map[string]snapshot, len(r.origins))
	for origin, os := range r.origins {
		snaps[origin] = snapshot{
			State:        os.state,
			FailureCount: os.failureCount,
			LastFailure:  os.lastFailure,
		}
	}
	r.mu.Unlock()

	data, err := json.Marshal(snaps)
	if err != nil {
		return errors.NewInternalError("failed to serialize breaker snapshot").WithCause(err)
	}
	return s.Set(ctx, key, data)
}

// Restore rehydrates breaker states from the durable store. A missing key is
// not an error; the registry simply starts fresh.
func (r *Registry) Restore(ctx context.Context, s store.Store, key string) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil
		}
		return err
	}

	var snaps map[string]snapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return errors.NewInternalError("failed to deserialize breaker snapshot").WithCause(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for origin, snap := range snaps {
		r.origins[origin] = &originState{
			state:        snap.State,
			failureCount: snap.FailureCount,
			lastFailure:  snap.LastFailure,
		}
	}
	return nil
}
