package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ignite/deliverytrack/internal/domain"
)

// EngagementRepo implements engagement.Repository on bbolt. Events are keyed
// by delivery id and time, so a prefix scan returns them oldest first.
type EngagementRepo struct {
	db *bolt.DB
}

func (r *EngagementRepo) AppendEvent(ctx context.Context, ev *domain.EngagementEvent) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := put(tx.Bucket(bucketEngagement), indexKey(ev.DeliveryID, ev.CreatedAt, ev.ID), ev); err != nil {
			return fmt.Errorf("append engagement: %w", err)
		}
		return nil
	})
}

func (r *EngagementRepo) MarkFirst(ctx context.Context, messageID string, status domain.DeliveryStatus, at time.Time) (bool, error) {
	first := false
	err := r.db.Update(func(tx *bolt.Tx) error {
		rec, err := getDelivery(tx, messageID)
		if domain.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		ts := rec.Timestamp(status)
		if ts == nil {
			return &domain.ValidationError{Field: "status", Message: "has no timestamp: " + string(status)}
		}
		if *ts != nil {
			return nil
		}
		stamp := at
		*ts = &stamp
		rec.Status = status
		rec.UpdatedAt = at
		first = true
		return put(tx.Bucket(bucketDeliveries), []byte(messageID), rec)
	})
	if err != nil {
		return false, err
	}
	return first, nil
}

func (r *EngagementRepo) ListEvents(ctx context.Context, deliveryID string) ([]domain.EngagementEvent, error) {
	var out []domain.EngagementEvent
	err := r.db.View(func(tx *bolt.Tx) error {
		return scanPrefix(tx.Bucket(bucketEngagement), indexPrefix(deliveryID), func(_, v []byte) error {
			var ev domain.EngagementEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode engagement: %w", err)
			}
			out = append(out, ev)
			return nil
		})
	})
	return out, err
}
