// Package offline provides a durable FIFO queue for requests that failed at
// the network layer, replayed when connectivity returns.
package offline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relayq/relay/internal/retry"
	"github.com/relayq/relay/internal/store"
	"github.com/relayq/relay/internal/transport"
	"github.com/relayq/relay/pkg/errors"
	"github.com/relayq/relay/pkg/logging"
)

// Entry is a parked request awaiting replay. It carries the full submitted
// descriptor so a replay sends exactly what the caller asked for, including
// its retry policy, timeout, and compression flag.
type Entry struct {
	ID         string            `json:"id"`
	Request    transport.Request `json:"request"`
	Priority   string            `json:"priority"`
	Retry      *retry.Policy     `json:"retry,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
	Batchable  bool              `json:"batchable,omitempty"`
	Compress   bool              `json:"compress,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	RetryCount int               `json:"retry_count"`
}

// Config contains offline queue configuration
type Config struct {
	// MaxEntries bounds the queue; the oldest entry is dropped when full
	MaxEntries int
	// ReplayCap abandons an entry after this many failed replays
	ReplayCap int
	// StoreKey is the durable key the whole queue serializes under
	StoreKey string
	// OnAbandoned is invoked for entries dropped from the queue, either
	// displaced by overflow or past the replay cap
	OnAbandoned func(entry Entry, reason string)
}

// DefaultConfig returns default offline queue configuration
func DefaultConfig() Config {
	return Config{
		MaxEntries: 1000,
		ReplayCap:  3,
		StoreKey:   "relay:offline:queue",
	}
}

// Abandonment reasons passed to OnAbandoned
const (
	ReasonOverflow  = "overflow"
	ReasonReplayCap = "replay_cap"
)

// Queue is a bounded FIFO of parked requests persisted as a single durable
// blob, so a restart resumes with the same backlog.
type Queue struct {
	mu      sync.Mutex
	entries []Entry

	config Config
	store  store.Store
	clock  clock.Clock
	logger *logging.Logger
}

// NewQueue creates an offline queue backed by st. Call Load to rehydrate
// persisted entries.
func NewQueue(config Config, st store.Store, clk clock.Clock, logger *logging.Logger) *Queue {
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1000
	}
	if config.ReplayCap <= 0 {
		config.ReplayCap = 3
	}
	if config.StoreKey == "" {
		config.StoreKey = "relay:offline:queue"
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Queue{
		config: config,
		store:  st,
		clock:  clk,
		logger: logger,
	}
}

// Load rehydrates the queue from the store. A missing key leaves the queue
// empty.
func (q *Queue) Load(ctx context.Context) error {
	data, err := q.store.Get(ctx, q.config.StoreKey)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil
		}
		return err
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return errors.NewInternalError("failed to decode offline queue").WithCause(err)
	}

	q.mu.Lock()
	q.entries = entries
	q.mu.Unlock()

	q.logger.Info("Offline queue loaded",
		"entries", len(entries),
	)
	return nil
}

// Enqueue parks an entry at the back of the queue. When the queue is full the
// oldest entry is dropped to make room.
func (q *Queue) Enqueue(ctx context.Context, entry Entry) error {
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = q.clock.Now()
	}

	q.mu.Lock()
	var dropped *Entry
	if len(q.entries) >= q.config.MaxEntries {
		d := q.entries[0]
		dropped = &d
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
	err := q.persistLocked(ctx)
	q.mu.Unlock()

	if dropped != nil {
		q.logger.Warn("Offline queue full, dropping oldest entry",
			"dropped_id", dropped.ID,
		)
		q.notifyAbandoned(*dropped, ReasonOverflow)
	}
	return err
}

// Pop removes and returns the oldest entry. The second return is false when
// the queue is empty.
func (q *Queue) Pop(ctx context.Context) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil, false
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	if err := q.persistLocked(ctx); err != nil {
		q.logger.Error("Failed to persist offline queue", "error", err.Error())
	}
	return &entry, true
}

// Requeue returns a failed replay to the back of the queue with its retry
// count incremented. Entries past the replay cap are abandoned instead, and
// the abandoned flag is returned true.
func (q *Queue) Requeue(ctx context.Context, entry Entry) (bool, error) {
	entry.RetryCount++
	if entry.RetryCount >= q.config.ReplayCap {
		q.logger.Warn("Abandoning offline entry past replay cap",
			"request_id", entry.ID,
			"retry_count", entry.RetryCount,
		)
		q.notifyAbandoned(entry, ReasonReplayCap)
		return true, nil
	}

	q.mu.Lock()
	q.entries = append(q.entries, entry)
	err := q.persistLocked(ctx)
	q.mu.Unlock()
	return false, err
}

// Remove drops the entry with the given request id, returning true when the
// entry was present.
func (q *Queue) Remove(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			if err := q.persistLocked(ctx); err != nil {
				q.logger.Error("Failed to persist offline queue", "error", err.Error())
			}
			return true
		}
	}
	return false
}

// Depth returns the number of parked entries
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a snapshot of the queue in FIFO order
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Clear drops all parked entries and removes the durable record
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	return q.store.Delete(ctx, q.config.StoreKey)
}

// persistLocked writes the whole queue under the single store key. Called
// with the queue lock held.
func (q *Queue) persistLocked(ctx context.Context) error {
	if len(q.entries) == 0 {
		return q.store.Delete(ctx, q.config.StoreKey)
	}
	data, err := json.Marshal(q.entries)
	if err != nil {
		return errors.NewInternalError("failed to encode offline queue").WithCause(err)
	}
	return q.store.Set(ctx, q.config.StoreKey, data)
}

func (q *Queue) notifyAbandoned(entry Entry, reason string) {
	if q.config.OnAbandoned != nil {
		q.config.OnAbandoned(entry, reason)
	}
}
