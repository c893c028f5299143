// Package redis holds the Redis-backed suppression retry queue used when
// several processes share one Postgres database.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ignite/deliverytrack/internal/domain"
)

const (
	defaultQueueKey  = "deliverytrack:suppression_retry"
	deadSuffix       = ":dead"
	processingSuffix = ":processing"
)

// RetryQueue is a FIFO list of failed suppression writes. Items are pushed
// on the right and claimed from the left onto a processing list, where they
// stay until the worker acks, requeues or dead-letters them.
type RetryQueue struct {
	client *goredis.Client
	key    string
	now    func() time.Time
}

// NewRetryQueue creates a queue under key, or the default key when empty.
func NewRetryQueue(client *goredis.Client, key string) *RetryQueue {
	if key == "" {
		key = defaultQueueKey
	}
	return &RetryQueue{client: client, key: key, now: time.Now}
}

func (q *RetryQueue) processing() string { return q.key + processingSuffix }

func (q *RetryQueue) Enqueue(ctx context.Context, e domain.SuppressionEntry) error {
	return q.Requeue(ctx, &domain.RetryItem{ID: uuid.NewString(), Entry: e, EnqueuedAt: q.now().UTC()})
}

// Requeue pushes item to the tail of the queue and releases its claim.
func (q *RetryQueue) Requeue(ctx context.Context, item *domain.RetryItem) error {
	return q.move(ctx, item, q.key)
}

// Dequeue claims the head of the queue by moving it onto the processing
// list. It returns nil, nil when empty. A payload that cannot be decoded is
// parked on the dead-letter list as is.
func (q *RetryQueue) Dequeue(ctx context.Context) (*domain.RetryItem, error) {
	data, err := q.client.LMove(ctx, q.key, q.processing(), "LEFT", "RIGHT").Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue retry: %w", err)
	}
	var item domain.RetryItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		if perr := q.settle(ctx, data, q.key+deadSuffix, []byte(data)); perr != nil {
			return nil, fmt.Errorf("decode retry item: %w (park failed: %v)", err, perr)
		}
		return nil, fmt.Errorf("decode retry item, parked on %s: %w", q.key+deadSuffix, err)
	}
	item.Receipt = data
	return &item, nil
}

// Ack releases a claimed item after it was re-applied.
func (q *RetryQueue) Ack(ctx context.Context, item *domain.RetryItem) error {
	if item.Receipt == "" {
		return nil
	}
	if err := q.client.LRem(ctx, q.processing(), 1, item.Receipt).Err(); err != nil {
		return fmt.Errorf("ack retry item: %w", err)
	}
	return nil
}

// Recover returns items left on the processing list by a worker that
// stopped mid-item to the head of the queue, oldest first.
func (q *RetryQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing(), q.key, "RIGHT", "LEFT").Err()
		if errors.Is(err, goredis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover retry items: %w", err)
		}
		n++
	}
}

// DeadLetter parks item on the dead-letter list for manual inspection.
func (q *RetryQueue) DeadLetter(ctx context.Context, item *domain.RetryItem) error {
	return q.move(ctx, item, q.key+deadSuffix)
}

// Len reports the number of queued items, claimed ones excluded.
func (q *RetryQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *RetryQueue) move(ctx context.Context, item *domain.RetryItem, key string) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode retry item: %w", err)
	}
	return q.settle(ctx, item.Receipt, key, data)
}

// settle pushes data onto key and drops the claim named by receipt in the
// same transaction.
func (q *RetryQueue) settle(ctx context.Context, receipt, key string, data []byte) error {
	_, err := q.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		if receipt != "" {
			p.LRem(ctx, q.processing(), 1, receipt)
		}
		p.RPush(ctx, key, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}
