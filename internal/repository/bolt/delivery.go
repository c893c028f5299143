package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/service/delivery"
)

// DeliveryRepo implements delivery.Repository on bbolt. Records are keyed by
// message id with a secondary email index.
type DeliveryRepo struct {
	db *bolt.DB
}

func (r *DeliveryRepo) Create(ctx context.Context, rec *domain.DeliveryRecord) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeliveries)
		if b.Get([]byte(rec.MessageID)) != nil {
			return fmt.Errorf("create delivery: message id %s already exists", rec.MessageID)
		}
		if err := put(b, []byte(rec.MessageID), rec); err != nil {
			return fmt.Errorf("create delivery: %w", err)
		}
		return tx.Bucket(bucketByEmail).Put(indexKey(rec.Email, rec.CreatedAt, rec.ID), []byte(rec.MessageID))
	})
}

func (r *DeliveryRepo) GetByMessageID(ctx context.Context, messageID string) (*domain.DeliveryRecord, error) {
	var rec *domain.DeliveryRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getDelivery(tx, messageID)
		return err
	})
	return rec, err
}

func (r *DeliveryRepo) LatestByEmail(ctx context.Context, email string) (*domain.DeliveryRecord, error) {
	var rec *domain.DeliveryRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		var latest []byte
		err := scanPrefix(tx.Bucket(bucketByEmail), indexPrefix(email), func(_, v []byte) error {
			latest = v
			return nil
		})
		if err != nil {
			return err
		}
		if latest == nil {
			return domain.ErrNotFound
		}
		rec, err = getDelivery(tx, string(latest))
		return err
	})
	return rec, err
}

func (r *DeliveryRepo) ApplyStatus(ctx context.Context, messageID string, status domain.DeliveryStatus, at time.Time, u domain.StatusUpdate) (*delivery.ApplyResult, error) {
	var res *delivery.ApplyResult
	err := r.db.Update(func(tx *bolt.Tx) error {
		rec, err := getDelivery(tx, messageID)
		if err != nil {
			return err
		}
		prev := rec.Status
		stamped := rec.Apply(status, at, u)
		if err := put(tx.Bucket(bucketDeliveries), []byte(messageID), rec); err != nil {
			return fmt.Errorf("apply status: %w", err)
		}
		res = &delivery.ApplyResult{Record: rec, Previous: prev, Stamped: stamped}
		return nil
	})
	return res, err
}

// DeleteTerminalBefore removes the oldest eligible records first, along with
// their index entries and engagement events.
func (r *DeliveryRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	deleted := 0
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeliveries)
		var victims []domain.DeliveryRecord
		err := b.ForEach(func(_, v []byte) error {
			var rec domain.DeliveryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.Status.IsTerminal() && rec.CreatedAt.Before(cutoff) {
				victims = append(victims, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		sort.Slice(victims, func(i, j int) bool { return victims[i].CreatedAt.Before(victims[j].CreatedAt) })
		if limit > 0 && len(victims) > limit {
			victims = victims[:limit]
		}

		events := tx.Bucket(bucketEngagement)
		for _, rec := range victims {
			if err := b.Delete([]byte(rec.MessageID)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketByEmail).Delete(indexKey(rec.Email, rec.CreatedAt, rec.ID)); err != nil {
				return err
			}
			var keys [][]byte
			_ = scanPrefix(events, indexPrefix(rec.ID), func(k, _ []byte) error {
				keys = append(keys, append([]byte(nil), k...))
				return nil
			})
			for _, k := range keys {
				if err := events.Delete(k); err != nil {
					return err
				}
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func getDelivery(tx *bolt.Tx, messageID string) (*domain.DeliveryRecord, error) {
	data := tx.Bucket(bucketDeliveries).Get([]byte(messageID))
	if data == nil {
		return nil, domain.ErrNotFound
	}
	var rec domain.DeliveryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode delivery: %w", err)
	}
	return &rec, nil
}
