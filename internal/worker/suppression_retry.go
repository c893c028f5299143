package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/metrics"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

// =============================================================================
// SUPPRESSION RETRY WORKER: Re-applies Failed Suppression Writes
// =============================================================================
// When the bounce path commits a status change but cannot write the
// suppression entry, the entry is queued. This worker drains the queue,
// re-applying each write with a short exponential backoff. Items that keep
// failing go back to the tail until MaxRetryAttempts, then to the dead
// letter list. A dequeued item stays claimed until it is acked, so items a
// stopped worker was holding are recovered on the next start. Re-applying
// is an upsert, so a recovered duplicate is harmless.

const (
	// DefaultRetryPollInterval is the idle wait between drains.
	DefaultRetryPollInterval = 30 * time.Second

	// DefaultMaxRetryAttempts is the number of drains an item may fail
	// before it is dead-lettered.
	DefaultMaxRetryAttempts = 5
)

// RetryQueue is implemented by the Redis and bbolt retry queues.
type RetryQueue interface {
	Dequeue(ctx context.Context) (*domain.RetryItem, error)
	Ack(ctx context.Context, item *domain.RetryItem) error
	Recover(ctx context.Context) (int, error)
	Requeue(ctx context.Context, item *domain.RetryItem) error
	DeadLetter(ctx context.Context, item *domain.RetryItem) error
	Len(ctx context.Context) (int64, error)
}

// Reapplier writes a queued suppression entry.
type Reapplier interface {
	Reapply(ctx context.Context, e domain.SuppressionEntry) error
}

// SuppressionRetryWorker drains a RetryQueue into a Reapplier.
type SuppressionRetryWorker struct {
	queue       RetryQueue
	target      Reapplier
	metrics     *metrics.Metrics
	interval    time.Duration
	maxAttempts int
	newBackOff  func() backoff.BackOff
}

// NewSuppressionRetryWorker creates the drainer. Zero values select the
// defaults.
func NewSuppressionRetryWorker(queue RetryQueue, target Reapplier, m *metrics.Metrics, interval time.Duration, maxAttempts int) *SuppressionRetryWorker {
	if interval <= 0 {
		interval = DefaultRetryPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxRetryAttempts
	}
	return &SuppressionRetryWorker{
		queue:       queue,
		target:      target,
		metrics:     m,
		interval:    interval,
		maxAttempts: maxAttempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return backoff.WithMaxRetries(b, 2)
		},
	}
}

// WithBackOff overrides the per-item backoff policy.
func (w *SuppressionRetryWorker) WithBackOff(f func() backoff.BackOff) *SuppressionRetryWorker {
	w.newBackOff = f
	return w
}

// Start drains the queue every interval until ctx is cancelled.
func (w *SuppressionRetryWorker) Start(ctx context.Context) {
	logger.Info("[SuppressionRetry] Starting", "interval", w.interval.String(), "max_attempts", w.maxAttempts)
	if n, err := w.queue.Recover(ctx); err != nil {
		logger.Error("[SuppressionRetry] recovering claimed items failed", "error", err)
	} else if n > 0 {
		logger.Warn("[SuppressionRetry] recovered items claimed by a stopped worker", "count", n)
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.Drain(ctx)
		select {
		case <-ctx.Done():
			logger.Info("[SuppressionRetry] Stopping")
			return
		case <-ticker.C:
		}
	}
}

// DrainResult counts what one Drain pass did.
type DrainResult struct {
	Applied      int
	Requeued     int
	DeadLettered int
}

// Drain processes queued items until the queue is empty or an item fails.
// Stopping on the first failure keeps an outage from spinning through the
// whole queue.
func (w *SuppressionRetryWorker) Drain(ctx context.Context) DrainResult {
	var res DrainResult
	defer w.reportDepth(ctx)

	for ctx.Err() == nil {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			logger.ErrorCtx(ctx, "[SuppressionRetry] dequeue failed", "error", err)
			return res
		}
		if item == nil {
			return res
		}

		err = backoff.Retry(func() error {
			return w.target.Reapply(ctx, item.Entry)
		}, backoff.WithContext(w.newBackOff(), ctx))
		if err == nil {
			if aerr := w.queue.Ack(ctx, item); aerr != nil {
				logger.WarnCtx(ctx, "[SuppressionRetry] ack failed, item will be re-applied after recovery", "email", item.Entry.Email, "error", aerr)
			}
			res.Applied++
			logger.InfoCtx(ctx, "[SuppressionRetry] re-applied suppression", "email", item.Entry.Email, "attempts", item.Attempts+1)
			continue
		}

		item.Attempts++
		item.LastError = err.Error()
		if item.Attempts >= w.maxAttempts {
			if derr := w.queue.DeadLetter(ctx, item); derr != nil {
				logger.ErrorCtx(ctx, "[SuppressionRetry] dead letter failed, suppression lost", "email", item.Entry.Email, "error", derr)
			}
			w.metrics.SuppressionWriteResult("dead_lettered")
			res.DeadLettered++
			logger.ErrorCtx(ctx, "[SuppressionRetry] giving up on suppression", "email", item.Entry.Email, "attempts", item.Attempts, "error", err)
			continue
		}
		if rerr := w.queue.Requeue(ctx, item); rerr != nil {
			logger.ErrorCtx(ctx, "[SuppressionRetry] requeue failed, suppression lost", "email", item.Entry.Email, "error", rerr)
		}
		res.Requeued++
		logger.WarnCtx(ctx, "[SuppressionRetry] re-apply failed, requeued", "email", item.Entry.Email, "attempts", item.Attempts, "error", err)
		return res
	}
	return res
}

func (w *SuppressionRetryWorker) reportDepth(ctx context.Context) {
	n, err := w.queue.Len(ctx)
	if err != nil {
		return
	}
	w.metrics.SetRetryQueueDepth(n)
}
