// Package httpretry wraps an HTTP client with exponential backoff for the
// HTTP mail transports.
package httpretry

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

// HTTPDoer is satisfied by *http.Client and *RetryClient.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient retries transient failures: network errors and 429/5xx
// gateway responses. Client errors are returned to the caller untouched.
type RetryClient struct {
	client     HTTPDoer
	maxRetries uint64
	newBackOff func() backoff.BackOff
}

// NewRetryClient wraps client. A nil client gets a 30s-timeout default and
// maxRetries <= 0 means 3.
func NewRetryClient(client HTTPDoer, maxRetries int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RetryClient{
		client:     client,
		maxRetries: uint64(maxRetries),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// WithBackOff overrides the backoff policy, used by tests to avoid sleeping.
func (rc *RetryClient) WithBackOff(f func() backoff.BackOff) *RetryClient {
	rc.newBackOff = f
	return rc
}

type retryableStatusError struct{ code int }

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("httpretry: server returned retryable status %d", e.code)
}

// Do executes req, retrying on transient failures. The final response is
// returned as-is so callers can read error bodies.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var (
		resp    *http.Response
		attempt uint64
	)
	op := func() error {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(fmt.Errorf("httpretry: reset request body: %w", err))
			}
			req.Body = body
		}
		attempt++

		r, err := rc.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if !isRetryableStatus(r.StatusCode) || attempt > rc.maxRetries {
			resp = r
			return nil
		}
		io.Copy(io.Discard, r.Body)
		r.Body.Close()
		return &retryableStatusError{code: r.StatusCode}
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug("[httpretry] retrying", "method", req.Method, "host", req.URL.Host, "path", req.URL.Path, "wait", wait, "error", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(rc.newBackOff(), rc.maxRetries), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return resp, nil
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
