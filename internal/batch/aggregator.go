// Package batch groups compatible requests to the same endpoint into one
// composite call.
package batch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relayq/relay/internal/transport"
	"github.com/relayq/relay/pkg/errors"
	"github.com/relayq/relay/pkg/logging"
)

// SubRequest is one logical request inside a composite batch
type SubRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// ItemResult is the demultiplexed outcome of one sub-request
type ItemResult struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// compositeRequest is the wire payload sent to {endpoint}/_batch
type compositeRequest struct {
	Requests []SubRequest `json:"requests"`
}

// compositeResponse is the wire payload returned by the batch endpoint
type compositeResponse struct {
	Responses []ItemResult `json:"responses"`
}

// DispatchFunc issues the composite call for a flushed bucket
type DispatchFunc func(ctx context.Context, endpoint string, req *transport.Request) (*transport.Response, error)

// Waiter is handed to each caller whose sub-request joined a bucket
type Waiter struct {
	done   chan struct{}
	result *ItemResult
	err    error
}

// Wait blocks until the composite call resolves or the caller's context is
// cancelled.
func (w *Waiter) Wait(ctx context.Context) (*ItemResult, error) {
	select {
	case <-w.done:
		return w.result, w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type bucket struct {
	endpoint string
	subs     []SubRequest
	waiters  []*Waiter
	timer    *clock.Timer
}

// Config contains batch aggregation configuration
type Config struct {
	// MaxSize flushes a bucket when it accumulates this many sub-requests
	MaxSize int
	// MaxAge flushes a bucket this long after its first sub-request arrived
	MaxAge time.Duration
	// OnFlush observes every dispatched batch and its outcome
	OnFlush func(size int, err error)
}

// DefaultConfig returns default batch configuration
func DefaultConfig() Config {
	return Config{
		MaxSize: 10,
		MaxAge:  50 * time.Millisecond,
	}
}

// Aggregator accumulates sub-requests into per-endpoint buckets and flushes
// each bucket when it fills up or ages out, whichever comes first. A flushed
// bucket is replaced atomically, so late arrivals never join an
// already-dispatched batch.
type Aggregator struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	config   Config
	clock    clock.Clock
	dispatch DispatchFunc
	logger   *logging.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAggregator creates a batch aggregator
func NewAggregator(config Config, clk clock.Clock, dispatch DispatchFunc, logger *logging.Logger) *Aggregator {
	if config.MaxSize <= 0 {
		config.MaxSize = 10
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 50 * time.Millisecond
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		buckets:  make(map[string]*bucket),
		config:   config,
		clock:    clk,
		dispatch: dispatch,
		logger:   logger,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Add places a sub-request in the bucket for endpoint and returns a Waiter
// for its demultiplexed result.
func (a *Aggregator) Add(endpoint string, sub SubRequest) *Waiter {
	w := &Waiter{done: make(chan struct{})}

	a.mu.Lock()
	b, ok := a.buckets[endpoint]
	if !ok {
		b = &bucket{endpoint: endpoint}
		b.timer = a.clock.AfterFunc(a.config.MaxAge, func() {
			a.flushAged(b)
		})
		a.buckets[endpoint] = b
	}
	b.subs = append(b.subs, sub)
	b.waiters = append(b.waiters, w)

	if len(b.subs) >= a.config.MaxSize {
		a.detachLocked(b)
		a.mu.Unlock()
		a.runFlush(b)
		return w
	}
	a.mu.Unlock()

	return w
}

// Close flushes nothing further and waits for in-flight composite calls
func (a *Aggregator) Close() {
	a.mu.Lock()
	pending := make([]*bucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		a.detachLocked(b)
		pending = append(pending, b)
	}
	a.mu.Unlock()

	// Flush what was still accumulating rather than dropping the waiters
	for _, b := range pending {
		a.runFlush(b)
	}

	a.wg.Wait()
	a.cancel()
}

// flushAged handles a bucket whose age timer fired
func (a *Aggregator) flushAged(b *bucket) {
	a.mu.Lock()
	if current, ok := a.buckets[b.endpoint]; !ok || current != b {
		// Already flushed by the size criterion
		a.mu.Unlock()
		return
	}
	a.detachLocked(b)
	a.mu.Unlock()

	a.runFlush(b)
}

// detachLocked removes the bucket from the map so new arrivals start a fresh
// one. Called with the aggregator lock held.
func (a *Aggregator) detachLocked(b *bucket) {
	if current, ok := a.buckets[b.endpoint]; ok && current == b {
		delete(a.buckets, b.endpoint)
	}
	if b.timer != nil {
		b.timer.Stop()
	}
}

// runFlush dispatches the composite call on its own goroutine
func (a *Aggregator) runFlush(b *bucket) {
	if len(b.subs) == 0 {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := a.doFlush(b)
		if a.config.OnFlush != nil {
			a.config.OnFlush(len(b.subs), err)
		}
	}()
}

func (a *Aggregator) doFlush(b *bucket) error {
	payload, err := json.Marshal(compositeRequest{Requests: b.subs})
	if err != nil {
		return a.failAll(b, errors.NewInternalError("failed to serialize batch").WithCause(err))
	}

	req := &transport.Request{
		Method:  "POST",
		URL:     b.endpoint + "/_batch",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    payload,
	}

	a.logger.Debug("Dispatching batch",
		"endpoint", b.endpoint,
		"size", len(b.subs),
	)

	resp, err := a.dispatch(a.baseCtx, b.endpoint, req)
	if err != nil {
		return a.failAll(b, err)
	}

	var composite compositeResponse
	if err := json.Unmarshal(resp.Body, &composite); err != nil {
		return a.failAll(b, errors.NewServerError(resp.StatusCode).
			WithCause(err).
			WithDetail("reason", "malformed batch response"))
	}
	if len(composite.Responses) != len(b.subs) {
		return a.failAll(b, errors.NewServerError(resp.StatusCode).
			WithDetail("reason", "batch response count mismatch"))
	}

	// Demultiplex per-item results back to the waiting callers by index
	for i, w := range b.waiters {
		result := composite.Responses[i]
		w.result = &result
		close(w.done)
	}
	return nil
}

// failAll resolves every waiter in the batch with the same error and returns
// that error for the flush observer.
func (a *Aggregator) failAll(b *bucket, err error) error {
	a.logger.Warn("Batch dispatch failed",
		"endpoint", b.endpoint,
		"size", len(b.subs),
		"error", err.Error(),
	)
	for _, w := range b.waiters {
		w.err = err
		close(w.done)
	}
	return err
}
