package transport

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/relayq/relay/pkg/errors"
)

// HTTPTransport performs exchanges with a standard http.Client
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport backed by http.Client. A zero timeout
// leaves attempt deadlines entirely to the caller's context.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{Timeout: timeout},
	}
}

// Perform executes the HTTP exchange and classifies the outcome
func (t *HTTPTransport) Perform(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, errors.NewValidationError("invalid request").WithCause(err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, Classify(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, Classify(err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       body,
	}, nil
}

// Classify maps a raw transport error onto the orchestration error taxonomy:
// context cancellation becomes a cancelled error, deadline and net timeouts
// become timeout errors, and everything else at the network level counts as a
// connectivity failure.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	if stderrors.Is(err, context.Canceled) {
		return errors.NewCancelledError("").WithCause(err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewTimeoutError("attempt").WithCause(err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewTimeoutError("attempt").WithCause(err)
	}

	return errors.NewTransportError("connectivity failure").WithCause(err)
}

// FromStatus maps an HTTP status to a taxonomy error, or nil for success.
// Server errors (5xx) are retryable, client errors (4xx) are not.
func FromStatus(status int) error {
	switch {
	case status >= 500:
		return errors.NewServerError(status)
	case status >= 400:
		return errors.NewClientError(status)
	default:
		return nil
	}
}
