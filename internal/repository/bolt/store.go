// Package bolt implements the service repositories on an embedded bbolt
// file for single-node deployments. bbolt runs one writer transaction at a
// time, which gives every read-modify-write below the same atomicity the
// Postgres repositories get from row locks.
package bolt

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDeliveries  = []byte("deliveries")
	bucketByEmail     = []byte("deliveries_by_email")
	bucketEngagement  = []byte("engagement_events")
	bucketSuppression = []byte("suppressions")
	bucketBounces     = []byte("bounce_log")
	bucketRetry       = []byte("suppression_retry")
	bucketRetryClaim  = []byte("suppression_retry_claimed")
	bucketRetryDead   = []byte("suppression_retry_dead")
)

// Store owns the bbolt file shared by the repositories.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path and ensures every bucket
// exists.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDeliveries, bucketByEmail, bucketEngagement, bucketSuppression, bucketBounces, bucketRetry, bucketRetryClaim, bucketRetryDead} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database file.
func (s *Store) Close() error { return s.db.Close() }

// Deliveries returns the delivery repository.
func (s *Store) Deliveries() *DeliveryRepo { return &DeliveryRepo{db: s.db} }

// Engagement returns the engagement repository.
func (s *Store) Engagement() *EngagementRepo { return &EngagementRepo{db: s.db} }

// Suppressions returns the suppression repository.
func (s *Store) Suppressions() *SuppressionRepo { return &SuppressionRepo{db: s.db} }

// RetryQueue returns the suppression retry queue.
func (s *Store) RetryQueue() *RetryQueue { return &RetryQueue{db: s.db} }

// indexKey builds prefix 0x00 nanos(8, big endian) id, so keys sharing a
// prefix sort by time.
func indexKey(prefix string, t time.Time, id string) []byte {
	k := make([]byte, 0, len(prefix)+1+8+len(id))
	k = append(k, prefix...)
	k = append(k, 0)
	k = binary.BigEndian.AppendUint64(k, uint64(t.UnixNano()))
	return append(k, id...)
}

func indexPrefix(prefix string) []byte {
	return append([]byte(prefix), 0)
}

// indexTime extracts the timestamp from a key built with indexKey for the
// same prefix.
func indexTime(prefix, key []byte) time.Time {
	if len(key) < len(prefix)+8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[len(prefix):len(prefix)+8]))).UTC()
}

// scanPrefix calls fn for each key/value under prefix in key order.
func scanPrefix(b *bolt.Bucket, prefix []byte, fn func(k, v []byte) error) error {
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func put(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return b.Put(key, data)
}
