package offline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relay/internal/retry"
	"github.com/relayq/relay/internal/store"
	"github.com/relayq/relay/internal/transport"
)

func testEntry(id string) Entry {
	return Entry{
		ID: id,
		Request: transport.Request{
			Method: "POST",
			URL:    "https://api.example.com/items",
			Body:   []byte(`{"id":"` + id + `"}`),
		},
		Priority: "normal",
		Retry:    &retry.Policy{MaxAttempts: 2, Strategy: retry.StrategyFixed},
		Timeout:  3 * time.Second,
		Compress: true,
	}
}

func TestQueue_EnqueuePopFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(DefaultConfig(), store.NewMemoryStore(), clock.NewMock(), nil)

	require.NoError(t, q.Enqueue(ctx, testEntry("a")))
	require.NoError(t, q.Enqueue(ctx, testEntry("b")))
	require.NoError(t, q.Enqueue(ctx, testEntry("c")))
	assert.Equal(t, 3, q.Depth())

	for _, want := range []string{"a", "b", "c"} {
		entry, ok := q.Pop(ctx)
		require.True(t, ok)
		assert.Equal(t, want, entry.ID)
	}

	_, ok := q.Pop(ctx)
	assert.False(t, ok)
}

func TestQueue_EnqueueStampsTime(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	q := NewQueue(DefaultConfig(), store.NewMemoryStore(), mock, nil)

	require.NoError(t, q.Enqueue(ctx, testEntry("a")))
	entry, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, mock.Now(), entry.EnqueuedAt)
}

func TestQueue_OverflowDropsOldest(t *testing.T) {
	ctx := context.Background()
	var abandoned []string
	config := Config{
		MaxEntries: 2,
		ReplayCap:  3,
		StoreKey:   "test:queue",
		OnAbandoned: func(entry Entry, reason string) {
			assert.Equal(t, ReasonOverflow, reason)
			abandoned = append(abandoned, entry.ID)
		},
	}
	q := NewQueue(config, store.NewMemoryStore(), clock.NewMock(), nil)

	require.NoError(t, q.Enqueue(ctx, testEntry("a")))
	require.NoError(t, q.Enqueue(ctx, testEntry("b")))
	require.NoError(t, q.Enqueue(ctx, testEntry("c")))

	assert.Equal(t, 2, q.Depth())
	assert.Equal(t, []string{"a"}, abandoned)

	entries := q.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].ID)
	assert.Equal(t, "c", entries[1].ID)
}

func TestQueue_RequeueIncrementsAndCaps(t *testing.T) {
	ctx := context.Background()
	var abandoned []Entry
	config := DefaultConfig()
	config.ReplayCap = 3
	config.OnAbandoned = func(entry Entry, reason string) {
		assert.Equal(t, ReasonReplayCap, reason)
		abandoned = append(abandoned, entry)
	}
	q := NewQueue(config, store.NewMemoryStore(), clock.NewMock(), nil)

	require.NoError(t, q.Enqueue(ctx, testEntry("a")))

	// Two failed replays go back on the queue, the third abandons
	for i := 0; i < 2; i++ {
		entry, ok := q.Pop(ctx)
		require.True(t, ok)
		gone, err := q.Requeue(ctx, *entry)
		require.NoError(t, err)
		assert.False(t, gone)
		assert.Equal(t, i+1, q.Entries()[0].RetryCount)
	}

	entry, ok := q.Pop(ctx)
	require.True(t, ok)
	gone, err := q.Requeue(ctx, *entry)
	require.NoError(t, err)
	assert.True(t, gone)
	assert.Equal(t, 0, q.Depth())

	require.Len(t, abandoned, 1)
	assert.Equal(t, "a", abandoned[0].ID)
	assert.Equal(t, 3, abandoned[0].RetryCount)
}

func TestQueue_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	q1 := NewQueue(DefaultConfig(), st, clock.NewMock(), nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, q1.Enqueue(ctx, testEntry(fmt.Sprintf("r%d", i))))
	}

	q2 := NewQueue(DefaultConfig(), st, clock.NewMock(), nil)
	require.NoError(t, q2.Load(ctx))
	assert.Equal(t, 3, q2.Depth())

	entry, ok := q2.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "r0", entry.ID)
	assert.Equal(t, "POST", entry.Request.Method)
	assert.JSONEq(t, `{"id":"r0"}`, string(entry.Request.Body))

	// Descriptor fields survive the restart too
	require.NotNil(t, entry.Retry)
	assert.Equal(t, 2, entry.Retry.MaxAttempts)
	assert.Equal(t, retry.StrategyFixed, entry.Retry.Strategy)
	assert.Equal(t, 3*time.Second, entry.Timeout)
	assert.True(t, entry.Compress)
}

func TestQueue_LoadMissingKey(t *testing.T) {
	q := NewQueue(DefaultConfig(), store.NewMemoryStore(), clock.NewMock(), nil)
	require.NoError(t, q.Load(context.Background()))
	assert.Equal(t, 0, q.Depth())
}

func TestQueue_ClearRemovesDurableRecord(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	q := NewQueue(DefaultConfig(), st, clock.NewMock(), nil)

	require.NoError(t, q.Enqueue(ctx, testEntry("a")))
	require.NoError(t, q.Clear(ctx))
	assert.Equal(t, 0, q.Depth())

	q2 := NewQueue(DefaultConfig(), st, clock.NewMock(), nil)
	require.NoError(t, q2.Load(ctx))
	assert.Equal(t, 0, q2.Depth())
}
