package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relay/internal/transport"
	"github.com/relayq/relay/pkg/errors"
)

func TestSignature_Deterministic(t *testing.T) {
	a := Signature("GET", "https://api.example.com/users?a=1&b=2", nil)
	b := Signature("GET", "https://api.example.com/users?a=1&b=2", nil)
	assert.Equal(t, a, b)
}

func TestSignature_NormalizesEquivalentURLs(t *testing.T) {
	base := Signature("get", "https://API.Example.com/users?b=2&a=1", nil)

	assert.Equal(t, base, Signature("GET", "https://api.example.com/users?a=1&b=2", nil))
	assert.Equal(t, base, Signature("GET", "https://api.example.com:443/users?a=1&b=2", nil))
}

func TestSignature_DistinguishesRequests(t *testing.T) {
	base := Signature("GET", "https://api.example.com/users", nil)

	assert.NotEqual(t, base, Signature("POST", "https://api.example.com/users", nil))
	assert.NotEqual(t, base, Signature("GET", "https://api.example.com/orders", nil))
	assert.NotEqual(t, base, Signature("GET", "https://api.example.com/users", []byte("x")))
}

func TestTable_SharesResultAcrossWaiters(t *testing.T) {
	table := NewTable()
	sig := Signature("GET", "https://api.example.com/users", nil)

	owner, created := table.GetOrCreate(sig)
	require.True(t, created)

	const waiters = 5
	results := make(chan *transport.Response, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		joined, created := table.GetOrCreate(sig)
		require.False(t, created)
		require.Same(t, owner, joined)

		wg.Add(1)
		go func(p *Pending) {
			defer wg.Done()
			resp, err := p.Wait(context.Background())
			assert.NoError(t, err)
			results <- resp
		}(joined)
	}

	want := &transport.Response{StatusCode: 200, Body: []byte("shared")}
	owner.Resolve(want, nil)
	wg.Wait()

	close(results)
	for resp := range results {
		assert.Same(t, want, resp)
	}
}

func TestTable_RemovesEntryOnResolve(t *testing.T) {
	table := NewTable()
	sig := Signature("GET", "https://api.example.com/users", nil)

	p, created := table.GetOrCreate(sig)
	require.True(t, created)
	assert.Equal(t, 1, table.Len())

	p.Resolve(nil, errors.NewServerError(500))
	assert.Equal(t, 0, table.Len())

	// A later identical request starts fresh and never sees the stale result
	next, created := table.GetOrCreate(sig)
	require.True(t, created)
	assert.NotSame(t, p, next)
}

func TestPending_ResolveIsIdempotent(t *testing.T) {
	table := NewTable()
	p, _ := table.GetOrCreate("sig")

	first := &transport.Response{StatusCode: 200}
	p.Resolve(first, nil)
	p.Resolve(&transport.Response{StatusCode: 500}, errors.NewServerError(500))

	resp, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, resp)
}

func TestPending_PerCallerCancellation(t *testing.T) {
	table := NewTable()
	p, _ := table.GetOrCreate("sig")

	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Wait(cancelledCtx)
	assert.ErrorIs(t, err, context.Canceled)

	// The shared attempt is unaffected; another waiter still gets the result
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Resolve(&transport.Response{StatusCode: 200}, nil)
	}()

	resp, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}
