package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityNormal, ParsePriority("normal"))
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityNormal, ParsePriority(""))
	assert.Equal(t, "high", PriorityHigh.String())
}

func TestScheduler_StrictPriorityOrder(t *testing.T) {
	s := NewScheduler(Config{MaxConcurrent: 1}, nil)
	s.Start(context.Background())
	defer s.Stop()

	var mu sync.Mutex
	var order []string
	record := func(name string) Task {
		return func(ctx context.Context) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	// Occupy the single execution slot so subsequent submissions queue up
	gate := make(chan struct{})
	running := make(chan struct{})
	s.Submit(func(ctx context.Context) {
		close(running)
		<-gate
	}, PriorityNormal)
	<-running

	s.Submit(record("low-1"), PriorityLow)
	s.Submit(record("low-2"), PriorityLow)
	s.Submit(record("high-1"), PriorityHigh)
	s.Submit(record("high-2"), PriorityHigh)
	s.Submit(record("high-3"), PriorityHigh)
	s.Submit(record("normal-1"), PriorityNormal)

	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 6
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high-1", "high-2", "high-3", "normal-1", "low-1", "low-2"}, order)
}

func TestScheduler_FIFOWithinPriority(t *testing.T) {
	s := NewScheduler(Config{MaxConcurrent: 1}, nil)
	s.Start(context.Background())
	defer s.Stop()

	var mu sync.Mutex
	var order []int

	gate := make(chan struct{})
	running := make(chan struct{})
	s.Submit(func(ctx context.Context) {
		close(running)
		<-gate
	}, PriorityNormal)
	<-running

	for i := 0; i < 10; i++ {
		i := i
		s.Submit(func(ctx context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}, PriorityNormal)
	}
	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 10
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.IsIncreasing(t, order)
}

func TestScheduler_ReArmsAfterIdle(t *testing.T) {
	s := NewScheduler(DefaultConfig(), nil)
	s.Start(context.Background())
	defer s.Stop()

	for round := 0; round < 3; round++ {
		done := make(chan struct{})
		s.Submit(func(ctx context.Context) { close(done) }, PriorityNormal)

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("task from round %d never ran", round)
		}

		// Let the loop go idle before the next round
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduler_PanicDoesNotStopSiblings(t *testing.T) {
	s := NewScheduler(Config{MaxConcurrent: 1}, nil)
	s.Start(context.Background())
	defer s.Stop()

	done := make(chan struct{})
	s.Submit(func(ctx context.Context) { panic("boom") }, PriorityNormal)
	s.Submit(func(ctx context.Context) { close(done) }, PriorityNormal)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sibling task never ran after a panicking task")
	}
}

func TestScheduler_TaskMayReEnqueue(t *testing.T) {
	s := NewScheduler(DefaultConfig(), nil)
	s.Start(context.Background())
	defer s.Stop()

	done := make(chan struct{})
	var attempts int
	var mu sync.Mutex

	var work Task
	work = func(ctx context.Context) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			s.Submit(work, PriorityNormal)
			return
		}
		close(done)
	}
	s.Submit(work, PriorityNormal)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("re-enqueued follow-up work never completed")
	}
}

func TestScheduler_StopCancelsTaskContext(t *testing.T) {
	s := NewScheduler(DefaultConfig(), nil)
	s.Start(context.Background())

	observed := make(chan error, 1)
	started := make(chan struct{})
	s.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		observed <- ctx.Err()
	}, PriorityHigh)

	<-started
	s.Stop()

	select {
	case err := <-observed:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled on Stop")
	}
}

func TestScheduler_QueueDepths(t *testing.T) {
	s := NewScheduler(Config{MaxConcurrent: 1}, nil)

	// Not started: everything stays queued
	s.Submit(func(ctx context.Context) {}, PriorityHigh)
	s.Submit(func(ctx context.Context) {}, PriorityHigh)
	s.Submit(func(ctx context.Context) {}, PriorityLow)

	depths := s.QueueDepths()
	assert.Equal(t, 2, depths[PriorityHigh])
	assert.Equal(t, 0, depths[PriorityNormal])
	assert.Equal(t, 1, depths[PriorityLow])
}
