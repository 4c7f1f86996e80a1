package orchestrator

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayq/relay/internal/retry"
	"github.com/relayq/relay/internal/scheduler"
	"github.com/relayq/relay/internal/transport"
	"github.com/relayq/relay/pkg/errors"
)

// RequestDescriptor describes one request submitted to the orchestrator
type RequestDescriptor struct {
	// ID uniquely identifies the request for cancellation and replay.
	// Assigned automatically when empty.
	ID      string
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte

	// Priority selects the scheduler queue
	Priority scheduler.Priority
	// Retry overrides the orchestrator's default retry policy when non-nil
	Retry *retry.Policy
	// Timeout bounds the whole request including retries; zero means the
	// orchestrator default
	Timeout time.Duration

	// Dedupe coalesces this request onto an identical in-flight one
	Dedupe bool
	// Batchable allows this request to be aggregated into a composite call
	Batchable bool
	// Compress gzips the request body before sending
	Compress bool
	// OfflineQueue parks the request for replay when the network is down
	OfflineQueue bool
}

// NewRequest builds a descriptor with the defaults most callers want:
// normal priority, dedup and offline queueing on, batching off.
func NewRequest(method, rawURL string, body []byte) *RequestDescriptor {
	return &RequestDescriptor{
		ID:           uuid.New().String(),
		Method:       strings.ToUpper(method),
		URL:          rawURL,
		Body:         body,
		Priority:     scheduler.PriorityNormal,
		Dedupe:       true,
		OfflineQueue: true,
	}
}

func newRequestID() string {
	return uuid.New().String()
}

func (d *RequestDescriptor) validate() error {
	if d.Method == "" {
		return errors.NewValidationError("method is required")
	}
	if d.URL == "" {
		return errors.NewValidationError("url is required")
	}
	u, err := url.Parse(d.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.NewValidationError("url must be absolute").WithDetail("url", d.URL)
	}
	return nil
}

// originOf reduces a URL to its scheme://host origin, the breaker and batch
// grouping key.
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// requestURI returns the path and query portion of the URL
func requestURI(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.RequestURI()
}

// gzipBody compresses the descriptor body
func gzipBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, errors.NewInternalError("failed to compress request body").WithCause(err)
	}
	if err := zw.Close(); err != nil {
		return nil, errors.NewInternalError("failed to compress request body").WithCause(err)
	}
	return buf.Bytes(), nil
}

// Future is the pending result of a submitted request
type Future struct {
	done   chan struct{}
	queued chan struct{}

	resolveOnce sync.Once
	queuedOnce  sync.Once

	resp *transport.Response
	err  error
}

func newFuture() *Future {
	return &Future{
		done:   make(chan struct{}),
		queued: make(chan struct{}),
	}
}

func (f *Future) resolve(resp *transport.Response, err error) {
	f.resolveOnce.Do(func() {
		f.resp = resp
		f.err = err
		close(f.done)
	})
}

func (f *Future) markQueued() {
	f.queuedOnce.Do(func() {
		close(f.queued)
	})
}

// Wait blocks until the request resolves or ctx is done
func (f *Future) Wait(ctx context.Context) (*transport.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the request has resolved
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Queued is closed if the request was parked in the offline queue. The
// future stays unresolved until the parked request is replayed, abandoned,
// or cancelled.
func (f *Future) Queued() <-chan struct{} {
	return f.queued
}

// IsQueued reports whether the request has been parked offline
func (f *Future) IsQueued() bool {
	select {
	case <-f.queued:
		return true
	default:
		return false
	}
}
