package connectivity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relay/pkg/errors"
)

func TestManual_InitialState(t *testing.T) {
	assert.True(t, NewManual(true).IsOnline())
	assert.False(t, NewManual(false).IsOnline())
}

func TestManual_NotifiesOnTransitionOnly(t *testing.T) {
	m := NewManual(true)

	var mu sync.Mutex
	var events []bool
	m.Subscribe(func(online bool) {
		mu.Lock()
		events = append(events, online)
		mu.Unlock()
	})

	m.SetOnline(true) // no transition
	m.SetOnline(false)
	m.SetOnline(false) // no transition
	m.SetOnline(true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, events)
}

func TestManual_MultipleSubscribers(t *testing.T) {
	m := NewManual(true)

	var mu sync.Mutex
	count := 0
	for i := 0; i < 3; i++ {
		m.Subscribe(func(online bool) {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}

	m.SetOnline(false)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, count)
}

func TestProber_DetectsOutageAndRecovery(t *testing.T) {
	mock := clock.NewMock()

	var mu sync.Mutex
	probeErr := error(nil)
	setProbe := func(err error) {
		mu.Lock()
		probeErr = err
		mu.Unlock()
	}

	p := NewProber(ProberConfig{Interval: 10 * time.Second, Timeout: time.Second, InitialOnline: true},
		func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			return probeErr
		}, mock, nil)

	transitions := make(chan bool, 16)
	p.Subscribe(func(online bool) {
		transitions <- online
	})

	p.Start()
	defer p.Stop()

	// Probes run on the loop goroutine, so keep advancing the clock until
	// the expected state is observed.
	waitForState := func(want bool) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			mock.Add(10 * time.Second)
			if p.IsOnline() == want {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("connectivity never became online=%v", want)
	}

	setProbe(errors.NewTransportError("no route to host"))
	waitForState(false)
	select {
	case online := <-transitions:
		assert.False(t, online)
	case <-time.After(time.Second):
		t.Fatal("expected offline transition")
	}

	setProbe(nil)
	waitForState(true)
	select {
	case online := <-transitions:
		assert.True(t, online)
	case <-time.After(time.Second):
		t.Fatal("expected online transition")
	}
}

func TestProber_StopHaltsProbing(t *testing.T) {
	mock := clock.NewMock()

	var mu sync.Mutex
	calls := 0
	p := NewProber(ProberConfig{Interval: time.Second, InitialOnline: true},
		func(ctx context.Context) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		}, mock, nil)

	p.Start()
	p.Stop()

	mock.Add(10 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, calls)
}
