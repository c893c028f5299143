package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/metrics"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

// RetryingSender retries transient send failures with exponential backoff.
// Rejections and cancellations are returned immediately.
type RetryingSender struct {
	inner       Sender
	kind        domain.TransportType
	maxAttempts int
	metrics     *metrics.Metrics
	newBackOff  func() backoff.BackOff
}

// NewRetryingSender wraps inner. maxAttempts <= 0 means 3.
func NewRetryingSender(inner Sender, kind domain.TransportType, maxAttempts int, m *metrics.Metrics) *RetryingSender {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RetryingSender{
		inner:       inner,
		kind:        kind,
		maxAttempts: maxAttempts,
		metrics:     m,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = time.Minute
			return b
		},
	}
}

// WithBackOff overrides the backoff policy.
func (r *RetryingSender) WithBackOff(f func() backoff.BackOff) *RetryingSender {
	r.newBackOff = f
	return r
}

// Send calls the wrapped sender until it succeeds, is rejected or the
// attempts run out.
func (r *RetryingSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	var res *domain.SendResult
	op := func() error {
		out, err := r.inner.Send(ctx, msg)
		if err != nil {
			if IsRejected(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		res = out
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.WarnCtx(ctx, "[Transport] send failed, retrying",
			"transport", string(r.kind), "message_id", msg.MessageID, "wait", wait, "error", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.maxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, b, notify)
	switch {
	case err == nil:
		r.metrics.TransportSend(string(r.kind), "sent")
	case IsRejected(err):
		r.metrics.TransportSend(string(r.kind), "rejected")
	default:
		r.metrics.TransportSend(string(r.kind), "failed")
	}
	return res, err
}
