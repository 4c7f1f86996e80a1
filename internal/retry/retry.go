// Package retry wraps a single request attempt with bounded retries and
// backoff between failures.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relayq/relay/internal/transport"
	"github.com/relayq/relay/pkg/errors"
	"github.com/relayq/relay/pkg/logging"
)

// Strategy selects how the delay between attempts grows
type Strategy string

const (
	// StrategyExponential - base * 2^attempt, capped at MaxDelay
	StrategyExponential Strategy = "exponential"
	// StrategyLinear - base * (attempt + 1)
	StrategyLinear Strategy = "linear"
	// StrategyFixed - base for every attempt
	StrategyFixed Strategy = "fixed"
)

// Policy specifies the retry behavior for one request
type Policy struct {
	// MaxAttempts is the total number of attempts including the first
	MaxAttempts int `json:"max_attempts"`
	// Strategy selects the backoff curve
	Strategy Strategy `json:"strategy"`
	// BaseDelay is the backoff base
	BaseDelay time.Duration `json:"base_delay"`
	// MaxDelay caps the computed delay
	MaxDelay time.Duration `json:"max_delay"`
	// MaxJitter bounds the random jitter added to each delay
	MaxJitter time.Duration `json:"max_jitter"`
	// AttemptTimeout is the hard wall-clock bound per attempt; exceeding it
	// counts as a retryable failure
	AttemptTimeout time.Duration `json:"attempt_timeout"`
	// ShouldRetry overrides the default retryability predicate
	ShouldRetry func(error) bool `json:"-"`
}

// DefaultPolicy returns the default retry policy: three attempts with
// exponential backoff, retrying network, timeout, and 5xx failures.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		Strategy:       StrategyExponential,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		MaxJitter:      1 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Strategy == "" {
		p.Strategy = StrategyExponential
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = errors.IsRetryable
	}
	return p
}

// AttemptFunc performs exactly one transport attempt
type AttemptFunc func(ctx context.Context) (*transport.Response, error)

// Executor runs attempts under a retry policy
type Executor struct {
	clock  clock.Clock
	logger *logging.Logger
}

// NewExecutor creates a retry executor
func NewExecutor(clk clock.Clock, logger *logging.Logger) *Executor {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Executor{clock: clk, logger: logger}
}

// Execute runs the attempt function under the policy. Retryable failures are
// retried with backoff until MaxAttempts is exhausted; the last error is then
// surfaced. Non-retryable errors surface on first occurrence.
func (e *Executor) Execute(ctx context.Context, policy Policy, attempt AttemptFunc) (*transport.Response, error) {
	policy = policy.withDefaults()

	var lastErr error
	for i := 0; i < policy.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, transport.Classify(err)
		}

		resp, err := e.runAttempt(ctx, policy, attempt)
		if err == nil {
			if i > 0 {
				e.logger.Info("Attempt succeeded after retry",
					"attempt", i+1,
					"max_attempts", policy.MaxAttempts,
				)
			}
			return resp, nil
		}

		lastErr = err

		if !policy.ShouldRetry(err) {
			e.logger.Debug("Error is not retryable, stopping",
				"error", err.Error(),
				"attempt", i+1,
			)
			return nil, err
		}

		if i == policy.MaxAttempts-1 {
			break
		}

		if err := ctx.Err(); err != nil {
			return nil, transport.Classify(err)
		}

		delay := e.delayFor(policy, i)
		e.logger.Debug("Attempt failed, backing off",
			"error", err.Error(),
			"attempt", i+1,
			"max_attempts", policy.MaxAttempts,
			"delay", delay,
		)

		timer := e.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, transport.Classify(ctx.Err())
		case <-timer.C:
		}
	}

	e.logger.Warn("All retry attempts exhausted",
		"error", lastErr.Error(),
		"attempts", policy.MaxAttempts,
	)
	return nil, fmt.Errorf("operation failed after %d attempts: %w", policy.MaxAttempts, lastErr)
}

// runAttempt executes one attempt under the per-attempt timeout
func (e *Executor) runAttempt(ctx context.Context, policy Policy, attempt AttemptFunc) (*transport.Response, error) {
	attemptCtx := ctx
	if policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
		defer cancel()
	}

	resp, err := attempt(attemptCtx)
	if err != nil {
		// An attempt aborted by its own deadline is a timeout, not a
		// caller cancellation.
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, errors.NewTimeoutError("attempt").WithCause(err)
		}
		return nil, err
	}
	return resp, nil
}

// delayFor computes the backoff delay before the retry following attempt i
// (zero-based), including jitter.
func (e *Executor) delayFor(policy Policy, attempt int) time.Duration {
	var delay float64
	base := float64(policy.BaseDelay)

	switch policy.Strategy {
	case StrategyLinear:
		delay = base * float64(attempt+1)
	case StrategyFixed:
		delay = base
	default:
		delay = base * math.Pow(2, float64(attempt))
	}

	if delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	if policy.MaxJitter > 0 {
		delay += rand.Float64() * float64(policy.MaxJitter)
	}

	return time.Duration(delay)
}
