// Package transport defines the outbound HTTP exchange capability the
// orchestrator wraps, and the classification of its failures.
package transport

import (
	"context"
	"net/http"
)

// Request is a single outbound HTTP exchange
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Response is the outcome of a performed exchange
type Response struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body,omitempty"`
}

// Transport performs the actual HTTP exchange. Implementations must honor
// context cancellation by aborting the in-flight call.
type Transport interface {
	Perform(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a function to the Transport interface
type Func func(ctx context.Context, req *Request) (*Response, error)

// Perform implements Transport
func (f Func) Perform(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
