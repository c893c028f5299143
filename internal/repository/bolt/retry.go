package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/ignite/deliverytrack/internal/domain"
)

// RetryQueue is a FIFO of failed suppression writes kept in the same file
// as the suppression list. It serves single-node deployments without Redis.
// A dequeued item moves to a claimed bucket under its queue key until it is
// acked, requeued or dead-lettered.
type RetryQueue struct {
	db *bolt.DB
}

func (q *RetryQueue) Enqueue(ctx context.Context, e domain.SuppressionEntry) error {
	return q.Requeue(ctx, &domain.RetryItem{ID: uuid.NewString(), Entry: e, EnqueuedAt: time.Now().UTC()})
}

// Requeue appends item to the tail of the queue and releases its claim.
func (q *RetryQueue) Requeue(ctx context.Context, item *domain.RetryItem) error {
	return q.settle(item, bucketRetry)
}

// Dequeue claims the head of the queue, or returns nil when empty. A value
// that cannot be decoded is parked on the dead-letter bucket as is.
func (q *RetryQueue) Dequeue(ctx context.Context) (*domain.RetryItem, error) {
	var (
		item      *domain.RetryItem
		decodeErr error
	)
	err := q.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRetry).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		key := append([]byte(nil), k...)
		val := append([]byte(nil), v...)
		if err := c.Delete(); err != nil {
			return err
		}
		var it domain.RetryItem
		if err := json.Unmarshal(val, &it); err != nil {
			decodeErr = fmt.Errorf("decode retry item, parked on dead letters: %w", err)
			return appendRaw(tx.Bucket(bucketRetryDead), val)
		}
		it.Receipt = string(key)
		item = &it
		return tx.Bucket(bucketRetryClaim).Put(key, val)
	})
	if err != nil {
		return nil, err
	}
	return item, decodeErr
}

// Ack releases a claimed item after it was re-applied.
func (q *RetryQueue) Ack(ctx context.Context, item *domain.RetryItem) error {
	if item.Receipt == "" {
		return nil
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetryClaim).Delete([]byte(item.Receipt))
	})
}

// Recover moves claimed items back under their original keys, which puts
// them ahead of everything enqueued since.
func (q *RetryQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		claimed, queue := tx.Bucket(bucketRetryClaim), tx.Bucket(bucketRetry)
		var keys [][]byte
		err := claimed.ForEach(func(k, v []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return queue.Put(append([]byte(nil), k...), append([]byte(nil), v...))
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := claimed.Delete(k); err != nil {
				return err
			}
		}
		n = len(keys)
		return nil
	})
	return n, err
}

// DeadLetter parks an item that exhausted its attempts.
func (q *RetryQueue) DeadLetter(ctx context.Context, item *domain.RetryItem) error {
	return q.settle(item, bucketRetryDead)
}

// Len reports the number of queued items, claimed ones excluded.
func (q *RetryQueue) Len(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.View(func(tx *bolt.Tx) error {
		n = int64(tx.Bucket(bucketRetry).Stats().KeyN)
		return nil
	})
	return n, err
}

// settle appends item to bucket and drops its claim in one transaction.
func (q *RetryQueue) settle(item *domain.RetryItem, bucket []byte) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode retry item: %w", err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		if item.Receipt != "" {
			if err := tx.Bucket(bucketRetryClaim).Delete([]byte(item.Receipt)); err != nil {
				return err
			}
		}
		return appendRaw(tx.Bucket(bucket), data)
	})
}

func appendRaw(b *bolt.Bucket, data []byte) error {
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	return b.Put(binary.BigEndian.AppendUint64(nil, seq), data)
}
