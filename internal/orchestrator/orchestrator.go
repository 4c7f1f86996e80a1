// Package orchestrator composes the scheduler, circuit breakers, retry
// executor, dedup table, batch aggregator, and offline queue into one
// request pipeline.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relayq/relay/internal/batch"
	"github.com/relayq/relay/internal/breaker"
	"github.com/relayq/relay/internal/connectivity"
	"github.com/relayq/relay/internal/dedup"
	"github.com/relayq/relay/internal/offline"
	"github.com/relayq/relay/internal/retry"
	"github.com/relayq/relay/internal/scheduler"
	"github.com/relayq/relay/internal/store"
	"github.com/relayq/relay/internal/transport"
	"github.com/relayq/relay/pkg/errors"
	"github.com/relayq/relay/pkg/logging"
	"github.com/relayq/relay/pkg/metrics"
)

// Config contains orchestrator configuration
type Config struct {
	Scheduler scheduler.Config
	Breaker   breaker.Config
	Retry     retry.Policy
	Batch     batch.Config
	Offline   offline.Config

	// DefaultTimeout bounds a request end to end when the descriptor does
	// not set its own
	DefaultTimeout time.Duration
	// BreakerSnapshotKey is the durable key breaker state persists under
	BreakerSnapshotKey string
}

// DefaultConfig returns default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		Scheduler:          scheduler.DefaultConfig(),
		Breaker:            breaker.DefaultConfig(),
		Retry:              retry.DefaultPolicy(),
		Batch:              batch.DefaultConfig(),
		Offline:            offline.DefaultConfig(),
		DefaultTimeout:     2 * time.Minute,
		BreakerSnapshotKey: "relay:breaker:snapshot",
	}
}

// Dependencies are the externally owned collaborators wired in at startup
type Dependencies struct {
	// Transport performs the actual network calls. Required.
	Transport transport.Transport
	// Store enables the offline queue and breaker snapshots when non-nil
	Store store.Store
	// Monitor supplies connectivity state; a Manual monitor pinned online
	// is used when nil
	Monitor connectivity.Monitor
	Metrics *metrics.Metrics
	Logger  *logging.Logger
	Clock   clock.Clock
}

// waiter ties a parked or deduplicated request back to its callers
type waiter struct {
	fut     *Future
	pending *dedup.Pending
}

func (w waiter) resolve(resp *transport.Response, err error) {
	if w.pending != nil {
		w.pending.Resolve(resp, err)
	}
	w.fut.resolve(resp, err)
}

// Orchestrator routes every submitted request through priority scheduling,
// per-origin circuit breaking, retry with backoff, request deduplication,
// batch aggregation, and offline queueing.
type Orchestrator struct {
	config Config

	scheduler *scheduler.Scheduler
	breakers  *breaker.Registry
	dedup     *dedup.Table
	batch     *batch.Aggregator
	offline   *offline.Queue
	executor  *retry.Executor

	transport transport.Transport
	store     store.Store
	monitor   connectivity.Monitor
	metrics   *metrics.Metrics
	logger    *logging.Logger
	clock     clock.Clock

	cancels cancelRegistry

	waitersMu      sync.Mutex
	inflight       map[string]waiter
	offlineWaiters map[string]waiter

	drainMu sync.Mutex

	baseCtx   context.Context
	baseStop  context.CancelFunc
	closeOnce sync.Once
}

// New creates an orchestrator from config and its collaborators
func New(config Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Transport == nil {
		return nil, errors.NewValidationError("transport is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetLogger()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Monitor == nil {
		deps.Monitor = connectivity.NewManual(true)
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 2 * time.Minute
	}
	if config.BreakerSnapshotKey == "" {
		config.BreakerSnapshotKey = "relay:breaker:snapshot"
	}

	baseCtx, baseStop := context.WithCancel(context.Background())
	o := &Orchestrator{
		config:         config,
		transport:      deps.Transport,
		store:          deps.Store,
		monitor:        deps.Monitor,
		metrics:        deps.Metrics,
		logger:         deps.Logger,
		clock:          deps.Clock,
		dedup:          dedup.NewTable(),
		executor:       retry.NewExecutor(deps.Clock, deps.Logger),
		inflight:       make(map[string]waiter),
		offlineWaiters: make(map[string]waiter),
		cancels:        newCancelRegistry(),
		baseCtx:        baseCtx,
		baseStop:       baseStop,
	}

	o.scheduler = scheduler.NewScheduler(config.Scheduler, deps.Logger)

	breakerConfig := config.Breaker
	userOnChange := breakerConfig.OnStateChange
	breakerConfig.OnStateChange = func(origin string, from, to breaker.State) {
		o.observeBreakerChange(origin, to)
		if userOnChange != nil {
			userOnChange(origin, from, to)
		}
	}
	o.breakers = breaker.NewRegistry(breakerConfig, deps.Clock, deps.Logger)

	batchConfig := config.Batch
	batchConfig.OnFlush = func(size int, err error) {
		if o.metrics == nil {
			return
		}
		o.metrics.BatchSize.Observe(float64(size))
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		o.metrics.BatchTotal.WithLabelValues(outcome).Inc()
	}
	o.batch = batch.NewAggregator(batchConfig, deps.Clock, o.dispatchBatch, deps.Logger)

	if deps.Store != nil {
		offlineConfig := config.Offline
		userOnAbandoned := offlineConfig.OnAbandoned
		offlineConfig.OnAbandoned = func(entry offline.Entry, reason string) {
			o.abandon(entry, reason)
			if userOnAbandoned != nil {
				userOnAbandoned(entry, reason)
			}
		}
		o.offline = offline.NewQueue(offlineConfig, deps.Store, deps.Clock, deps.Logger)
	}

	return o, nil
}

// Start loads persisted state, launches the scheduler, and begins watching
// connectivity.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.offline != nil {
		if err := o.offline.Load(ctx); err != nil {
			return err
		}
		o.observeOfflineDepth()
	}
	if o.store != nil {
		if err := o.breakers.Restore(ctx, o.store, o.config.BreakerSnapshotKey); err != nil {
			o.logger.Warn("Failed to restore breaker snapshot",
				"error", err.Error(),
			)
		}
	}

	o.scheduler.Start(o.baseCtx)
	o.monitor.Subscribe(func(online bool) {
		if online {
			go o.drainOffline()
		}
	})

	// Backlog from a previous run replays as soon as we are online
	if o.offline != nil && o.offline.Depth() > 0 && o.monitor.IsOnline() {
		go o.drainOffline()
	}

	o.logger.Info("Orchestrator started",
		"offline_backlog", o.OfflineQueueDepth(),
	)
	return nil
}

// Close stops accepting work, cancels in-flight requests, and persists
// breaker state. Requests still queued when the scheduler halts resolve with
// a cancellation error so no caller is left waiting on a future that will
// never run.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.baseStop()
		o.scheduler.Stop()
		o.batch.Close()
		o.cancels.cancelAll()

		o.waitersMu.Lock()
		dropped := o.inflight
		o.inflight = make(map[string]waiter)
		o.waitersMu.Unlock()
		for id, w := range dropped {
			w.resolve(nil, errors.NewCancelledError(id))
		}

		if o.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := o.breakers.Persist(ctx, o.store, o.config.BreakerSnapshotKey); err != nil {
				o.logger.Warn("Failed to persist breaker snapshot",
					"error", err.Error(),
				)
			}
		}
		o.logger.Info("Orchestrator stopped")
	})
}

// Submit enqueues a request and returns a future for its result. Validation
// failures are returned synchronously.
func (o *Orchestrator) Submit(ctx context.Context, desc *RequestDescriptor) (*Future, error) {
	if desc == nil {
		return nil, errors.NewValidationError("request descriptor is required")
	}
	if err := desc.validate(); err != nil {
		return nil, err
	}
	if desc.ID == "" {
		desc.ID = newRequestID()
	}

	fut := newFuture()

	var pending *dedup.Pending
	if desc.Dedupe {
		sig := dedup.Signature(desc.Method, desc.URL, desc.Body)
		p, created := o.dedup.GetOrCreate(sig)
		if !created {
			o.join(desc.ID, p, fut)
			return fut, nil
		}
		pending = p
	}

	reqCtx, cancel := context.WithCancel(o.baseCtx)
	o.cancels.register(desc.ID, cancel)

	o.waitersMu.Lock()
	o.inflight[desc.ID] = waiter{fut: fut, pending: pending}
	o.waitersMu.Unlock()

	o.scheduler.Submit(func(context.Context) {
		o.run(reqCtx, desc, fut, pending)
	}, desc.Priority)
	o.observeQueueDepths()

	o.logger.Debug("Request submitted",
		"request_id", desc.ID,
		"method", desc.Method,
		"url", desc.URL,
		"priority", desc.Priority.String(),
	)
	return fut, nil
}

// join attaches a duplicate submission to the in-flight attempt. Cancelling
// the joiner detaches only this caller; the shared attempt continues.
func (o *Orchestrator) join(id string, pending *dedup.Pending, fut *Future) {
	if o.metrics != nil {
		o.metrics.DedupHits.Inc()
	}

	joinCtx, cancel := context.WithCancel(o.baseCtx)
	o.cancels.register(id, cancel)

	go func() {
		defer o.cancels.unregister(id)
		resp, err := pending.Wait(joinCtx)
		if err != nil && joinCtx.Err() != nil {
			err = errors.NewCancelledError(id)
		}
		fut.resolve(resp, err)
	}()
}

// run executes one scheduled request end to end
func (o *Orchestrator) run(reqCtx context.Context, desc *RequestDescriptor, fut *Future, pending *dedup.Pending) {
	o.observeQueueDepths()
	start := o.clock.Now()

	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = o.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(reqCtx, timeout)
	defer cancel()

	resp, err := o.executeWithRetry(ctx, desc)

	if err != nil && o.shouldPark(desc, err, reqCtx) {
		if parkErr := o.park(desc, fut, pending); parkErr == nil {
			return
		}
	}

	o.cancels.unregister(desc.ID)
	o.waitersMu.Lock()
	delete(o.inflight, desc.ID)
	o.waitersMu.Unlock()
	w := waiter{fut: fut, pending: pending}
	w.resolve(resp, err)

	if o.metrics != nil {
		o.metrics.ObserveRequest(desc.Priority.String(), outcomeLabel(err), o.clock.Now().Sub(start))
	}
}

// shouldPark decides whether a failed request goes to the offline queue
// instead of failing its caller. Only network-level failures qualify, and
// never when the caller already cancelled.
func (o *Orchestrator) shouldPark(desc *RequestDescriptor, err error, reqCtx context.Context) bool {
	return o.offline != nil &&
		desc.OfflineQueue &&
		errors.IsType(err, errors.ErrorTypeTransport) &&
		reqCtx.Err() == nil
}

// executeWithRetry runs the attempt loop with the breaker wrapped around
// every attempt.
func (o *Orchestrator) executeWithRetry(ctx context.Context, desc *RequestDescriptor) (*transport.Response, error) {
	policy := o.config.Retry
	if desc.Retry != nil {
		policy = *desc.Retry
	}

	userShouldRetry := policy.ShouldRetry
	policy.ShouldRetry = func(err error) bool {
		// Network failures route to the offline queue rather than burning
		// the retry budget
		if o.offline != nil && desc.OfflineQueue && errors.IsType(err, errors.ErrorTypeTransport) {
			return false
		}
		if userShouldRetry != nil {
			return userShouldRetry(err)
		}
		return errors.IsRetryable(err)
	}

	origin := originOf(desc.URL)
	attempt := func(attemptCtx context.Context) (*transport.Response, error) {
		if err := o.breakers.Allow(origin); err != nil {
			if o.metrics != nil {
				o.metrics.BreakerRejections.WithLabelValues(origin).Inc()
			}
			return nil, err
		}

		resp, err := o.perform(attemptCtx, desc)
		o.breakers.RecordOutcome(origin, breakerOutcome(err))
		if o.metrics != nil {
			o.metrics.AttemptsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		}
		return resp, err
	}

	return o.executor.Execute(ctx, policy, attempt)
}

// perform issues a single attempt, batched or direct
func (o *Orchestrator) perform(ctx context.Context, desc *RequestDescriptor) (*transport.Response, error) {
	if desc.Batchable {
		return o.performBatched(ctx, desc)
	}
	return o.performDirect(ctx, desc)
}

func (o *Orchestrator) performDirect(ctx context.Context, desc *RequestDescriptor) (*transport.Response, error) {
	req := &transport.Request{
		Method:  desc.Method,
		URL:     desc.URL,
		Headers: desc.Headers,
		Body:    desc.Body,
	}

	if desc.Compress && len(desc.Body) > 0 {
		compressed, err := gzipBody(desc.Body)
		if err != nil {
			return nil, err
		}
		headers := make(map[string]string, len(desc.Headers)+1)
		for k, v := range desc.Headers {
			headers[k] = v
		}
		headers["Content-Encoding"] = "gzip"
		req.Headers = headers
		req.Body = compressed
	}

	resp, err := o.transport.Perform(ctx, req)
	if err != nil {
		return nil, transport.Classify(err)
	}
	if statusErr := transport.FromStatus(resp.StatusCode); statusErr != nil {
		return resp, statusErr
	}
	return resp, nil
}

func (o *Orchestrator) performBatched(ctx context.Context, desc *RequestDescriptor) (*transport.Response, error) {
	sub := batch.SubRequest{
		Method:  desc.Method,
		Path:    requestURI(desc.URL),
		Headers: desc.Headers,
		Body:    desc.Body,
	}

	w := o.batch.Add(originOf(desc.URL), sub)
	result, err := w.Wait(ctx)
	if err != nil {
		return nil, transport.Classify(err)
	}

	resp := &transport.Response{StatusCode: result.Status, Body: result.Body}
	if statusErr := transport.FromStatus(result.Status); statusErr != nil {
		return resp, statusErr
	}
	return resp, nil
}

// dispatchBatch is the aggregator's composite-call transport
func (o *Orchestrator) dispatchBatch(ctx context.Context, endpoint string, req *transport.Request) (*transport.Response, error) {
	resp, err := o.transport.Perform(ctx, req)
	if err != nil {
		return nil, transport.Classify(err)
	}
	if statusErr := transport.FromStatus(resp.StatusCode); statusErr != nil {
		return nil, statusErr
	}
	return resp, nil
}

// park moves a network-failed request into the offline queue. The caller's
// future stays pending until replay resolves it.
func (o *Orchestrator) park(desc *RequestDescriptor, fut *Future, pending *dedup.Pending) error {
	entry := offline.Entry{
		ID: desc.ID,
		Request: transport.Request{
			Method:  desc.Method,
			URL:     desc.URL,
			Headers: desc.Headers,
			Body:    desc.Body,
		},
		Priority:  desc.Priority.String(),
		Retry:     desc.Retry,
		Timeout:   desc.Timeout,
		Batchable: desc.Batchable,
		Compress:  desc.Compress,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.offline.Enqueue(ctx, entry); err != nil {
		o.logger.Error("Failed to park request offline",
			"request_id", desc.ID,
			"error", err.Error(),
		)
		return err
	}

	o.waitersMu.Lock()
	delete(o.inflight, desc.ID)
	o.offlineWaiters[desc.ID] = waiter{fut: fut, pending: pending}
	o.waitersMu.Unlock()

	o.cancels.unregister(desc.ID)
	fut.markQueued()

	if o.metrics != nil {
		o.metrics.OfflineEnqueued.Inc()
	}
	o.observeOfflineDepth()

	o.logger.Info("Request parked in offline queue",
		"request_id", desc.ID,
		"url", desc.URL,
	)
	return nil
}

// drainOffline replays parked requests in FIFO order until the queue empties
// or connectivity drops again.
func (o *Orchestrator) drainOffline() {
	if o.offline == nil {
		return
	}
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	for o.monitor.IsOnline() && o.baseCtx.Err() == nil {
		entry, ok := o.offline.Pop(o.baseCtx)
		if !ok {
			break
		}

		resp, err := o.replay(*entry)
		if err != nil && errors.IsType(err, errors.ErrorTypeTransport) {
			if o.metrics != nil {
				o.metrics.OfflineReplayed.WithLabelValues("failure").Inc()
			}
			if _, rqErr := o.offline.Requeue(o.baseCtx, *entry); rqErr != nil {
				o.logger.Error("Failed to requeue offline entry",
					"request_id", entry.ID,
					"error", rqErr.Error(),
				)
			}
			// Still unreachable, stop and wait for the next transition
			break
		}

		if o.metrics != nil {
			o.metrics.OfflineReplayed.WithLabelValues(outcomeLabel(err)).Inc()
		}
		o.resolveParked(entry.ID, resp, err)
	}

	o.observeOfflineDepth()
}

// replay runs one parked request back through the breaker and retry loop,
// rebuilt from the persisted descriptor so the replayed attempt carries the
// same policy, timeout, and body treatment as the original submission.
// Offline queueing is disabled for the replay itself; a renewed network
// failure surfaces here and the drain requeues the entry.
func (o *Orchestrator) replay(entry offline.Entry) (*transport.Response, error) {
	desc := &RequestDescriptor{
		ID:        entry.ID,
		Method:    entry.Request.Method,
		URL:       entry.Request.URL,
		Headers:   entry.Request.Headers,
		Body:      entry.Request.Body,
		Priority:  scheduler.ParsePriority(entry.Priority),
		Retry:     entry.Retry,
		Timeout:   entry.Timeout,
		Batchable: entry.Batchable,
		Compress:  entry.Compress,
	}

	timeout := entry.Timeout
	if timeout <= 0 {
		timeout = o.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(o.baseCtx, timeout)
	defer cancel()

	resp, err := o.executeWithRetry(ctx, desc)
	if err == nil {
		o.logger.Info("Replayed offline request",
			"request_id", entry.ID,
			"url", entry.Request.URL,
			"status", resp.StatusCode,
		)
	}
	return resp, err
}

// resolveParked completes the future of a parked request after replay. The
// waiter is absent when the entry was persisted by a previous process.
func (o *Orchestrator) resolveParked(id string, resp *transport.Response, err error) {
	o.waitersMu.Lock()
	w, ok := o.offlineWaiters[id]
	if ok {
		delete(o.offlineWaiters, id)
	}
	o.waitersMu.Unlock()

	if ok {
		w.resolve(resp, err)
	}
}

// abandon resolves a dropped offline entry's caller with a terminal error
func (o *Orchestrator) abandon(entry offline.Entry, reason string) {
	if o.metrics != nil {
		o.metrics.OfflineAbandoned.Inc()
	}
	err := errors.NewTransportError("request abandoned from offline queue").
		WithDetail("reason", reason).
		WithDetail("request_id", entry.ID)
	o.resolveParked(entry.ID, nil, err)
}

// Cancel aborts the request with the given id. In-flight requests are
// cancelled cooperatively; parked requests are removed from the offline
// queue. Returns false when the id is unknown or already resolved.
func (o *Orchestrator) Cancel(id string) bool {
	o.waitersMu.Lock()
	w, parked := o.offlineWaiters[id]
	if parked {
		delete(o.offlineWaiters, id)
	}
	o.waitersMu.Unlock()

	if parked {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.offline.Remove(ctx, id)
		o.observeOfflineDepth()
		w.resolve(nil, errors.NewCancelledError(id))
		o.logger.Info("Cancelled parked request",
			"request_id", id,
		)
		return true
	}

	if o.cancels.cancel(id) {
		o.logger.Info("Cancelled in-flight request",
			"request_id", id,
		)
		return true
	}
	return false
}

// CancelAll aborts every in-flight and parked request, returning how many
// were cancelled.
func (o *Orchestrator) CancelAll() int {
	n := o.cancels.cancelAll()

	o.waitersMu.Lock()
	parked := o.offlineWaiters
	o.offlineWaiters = make(map[string]waiter)
	o.waitersMu.Unlock()

	if len(parked) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for id, w := range parked {
			o.offline.Remove(ctx, id)
			w.resolve(nil, errors.NewCancelledError(id))
			n++
		}
		o.observeOfflineDepth()
	}
	return n
}

// CircuitState returns the breaker state for an origin
func (o *Orchestrator) CircuitState(origin string) breaker.State {
	return o.breakers.State(origin)
}

// CircuitFailures returns the consecutive failure count for an origin
func (o *Orchestrator) CircuitFailures(origin string) int {
	return o.breakers.FailureCount(origin)
}

// CircuitOrigins lists origins with breaker state
func (o *Orchestrator) CircuitOrigins() []string {
	return o.breakers.Origins()
}

// ResetCircuit force-closes the breaker for an origin
func (o *Orchestrator) ResetCircuit(origin string) {
	o.breakers.Reset(origin)
}

// IsOnline reports the connectivity monitor's current view
func (o *Orchestrator) IsOnline() bool {
	return o.monitor.IsOnline()
}

// OfflineQueueDepth returns the number of parked requests
func (o *Orchestrator) OfflineQueueDepth() int {
	if o.offline == nil {
		return 0
	}
	return o.offline.Depth()
}

// OfflineEntries returns a snapshot of the parked requests in replay order
func (o *Orchestrator) OfflineEntries() []offline.Entry {
	if o.offline == nil {
		return nil
	}
	return o.offline.Entries()
}

// ClearOfflineQueue drops all parked requests, resolving their callers with
// a cancellation error.
func (o *Orchestrator) ClearOfflineQueue(ctx context.Context) error {
	if o.offline == nil {
		return nil
	}

	o.waitersMu.Lock()
	parked := o.offlineWaiters
	o.offlineWaiters = make(map[string]waiter)
	o.waitersMu.Unlock()

	for id, w := range parked {
		w.resolve(nil, errors.NewCancelledError(id))
	}

	err := o.offline.Clear(ctx)
	o.observeOfflineDepth()
	return err
}

// QueueDepths returns the scheduler backlog per priority
func (o *Orchestrator) QueueDepths() map[scheduler.Priority]int {
	return o.scheduler.QueueDepths()
}

func (o *Orchestrator) observeQueueDepths() {
	if o.metrics == nil {
		return
	}
	for p, depth := range o.scheduler.QueueDepths() {
		o.metrics.QueueDepth.WithLabelValues(p.String()).Set(float64(depth))
	}
}

func (o *Orchestrator) observeOfflineDepth() {
	if o.metrics == nil || o.offline == nil {
		return
	}
	o.metrics.OfflineDepth.Set(float64(o.offline.Depth()))
}

func (o *Orchestrator) observeBreakerChange(origin string, to breaker.State) {
	if o.metrics == nil {
		return
	}
	o.metrics.BreakerState.WithLabelValues(origin).Set(float64(to))
	o.metrics.BreakerTransitions.WithLabelValues(origin, to.String()).Inc()
}

// breakerOutcome maps an attempt error to what the breaker should record.
// Client errors mean the origin answered, so they do not count as failures.
func breakerOutcome(err error) breaker.Outcome {
	switch {
	case err == nil:
		return breaker.OutcomeSuccess
	case errors.IsType(err, errors.ErrorTypeCancelled):
		return breaker.OutcomeCancelled
	case errors.IsType(err, errors.ErrorTypeClient):
		return breaker.OutcomeSuccess
	default:
		return breaker.OutcomeFailure
	}
}

// outcomeLabel is the metrics label for a request or attempt result
func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return string(errors.GetType(err))
}
