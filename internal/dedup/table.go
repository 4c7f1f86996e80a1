// Package dedup coalesces concurrent identical in-flight requests into one
// shared result.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/relayq/relay/internal/transport"
)

// Signature derives the deduplication key from method, normalized URL, and
// body. Two requests with the same signature are considered identical.
func Signature(method, rawURL string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(normalizeURL(rawURL)))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeURL lowercases scheme and host, strips default ports, and sorts
// query parameters so equivalent URLs produce equal signatures.
func normalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	if u.RawQuery != "" {
		values, err := url.ParseQuery(u.RawQuery)
		if err == nil {
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var b strings.Builder
			for _, k := range keys {
				vs := values[k]
				sort.Strings(vs)
				for _, v := range vs {
					if b.Len() > 0 {
						b.WriteByte('&')
					}
					b.WriteString(url.QueryEscape(k))
					b.WriteByte('=')
					b.WriteString(url.QueryEscape(v))
				}
			}
			u.RawQuery = b.String()
		}
	}

	return u.String()
}

// Pending is a shared in-flight result. All callers holding the same
// signature wait on the same Pending and observe the same outcome.
type Pending struct {
	done chan struct{}
	once sync.Once

	resp *transport.Response
	err  error

	table *Table
	sig   string
}

// Resolve completes the pending result exactly once and removes it from the
// table, so a later identical request starts a fresh attempt.
func (p *Pending) Resolve(resp *transport.Response, err error) {
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		if p.table != nil {
			p.table.remove(p.sig, p)
		}
		close(p.done)
	})
}

// Wait blocks until the shared attempt resolves or the caller's own context
// is cancelled. Cancellation is per-caller: the shared attempt keeps running
// for the other waiters.
func (p *Pending) Wait(ctx context.Context) (*transport.Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done exposes the resolution channel for select-based waiting
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Table tracks pending results keyed by signature
type Table struct {
	mu      sync.Mutex
	entries map[string]*Pending
}

// NewTable creates an empty deduplication table
func NewTable() *Table {
	return &Table{entries: make(map[string]*Pending)}
}

// GetOrCreate returns the pending entry for sig, creating one if absent.
// The second return value is true when the caller created the entry and is
// therefore responsible for producing and resolving the result.
func (t *Table) GetOrCreate(sig string) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.entries[sig]; ok {
		return existing, false
	}

	p := &Pending{
		done:  make(chan struct{}),
		table: t,
		sig:   sig,
	}
	t.entries[sig] = p
	return p, true
}

// Len returns the number of in-flight entries
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// remove deletes the entry if it is still the registered one for sig
func (t *Table) remove(sig string, p *Pending) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.entries[sig]; ok && current == p {
		delete(t.entries, sig)
	}
}
