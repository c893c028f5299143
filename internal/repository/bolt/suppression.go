package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/service/suppression"
)

// SuppressionRepo implements suppression.Repository on bbolt.
type SuppressionRepo struct {
	db *bolt.DB
}

func (r *SuppressionRepo) Get(ctx context.Context, email string) (*domain.SuppressionEntry, error) {
	var e *domain.SuppressionEntry
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSuppression).Get([]byte(email))
		if data == nil {
			return domain.ErrNotFound
		}
		e = new(domain.SuppressionEntry)
		return json.Unmarshal(data, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *SuppressionRepo) Upsert(ctx context.Context, e *domain.SuppressionEntry) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSuppression)
		if data := b.Get([]byte(e.Email)); data != nil {
			var existing domain.SuppressionEntry
			if err := json.Unmarshal(data, &existing); err == nil {
				e.CreatedAt = existing.CreatedAt
			}
		}
		if err := put(b, []byte(e.Email), e); err != nil {
			return fmt.Errorf("upsert suppression: %w", err)
		}
		return nil
	})
}

// UpsertTemporary writes e unless the stored entry is permanent, in which
// case e is replaced by the stored entry. Check and write share one
// transaction.
func (r *SuppressionRepo) UpsertTemporary(ctx context.Context, e *domain.SuppressionEntry) (bool, error) {
	applied := false
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSuppression)
		if data := b.Get([]byte(e.Email)); data != nil {
			var existing domain.SuppressionEntry
			if err := json.Unmarshal(data, &existing); err != nil {
				return fmt.Errorf("decode suppression: %w", err)
			}
			if existing.IsPermanent {
				*e = existing
				return nil
			}
			e.CreatedAt = existing.CreatedAt
		}
		if err := put(b, []byte(e.Email), e); err != nil {
			return fmt.Errorf("upsert suppression: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

func (r *SuppressionRepo) Delete(ctx context.Context, email string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSuppression)
		if b.Get([]byte(email)) == nil {
			return domain.ErrNotFound
		}
		return b.Delete([]byte(email))
	})
}

func (r *SuppressionRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	n := 0
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSuppression)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var e domain.SuppressionEntry
			if json.Unmarshal(v, &e) == nil && e.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// List walks the bucket in key order, which is email order.
func (r *SuppressionRepo) List(ctx context.Context, f suppression.ListFilter, now time.Time) ([]domain.SuppressionEntry, int, error) {
	var (
		out   []domain.SuppressionEntry
		total int
	)
	search := strings.ToLower(f.Search)
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSuppression).ForEach(func(_, v []byte) error {
			var e domain.SuppressionEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode suppression: %w", err)
			}
			if f.Type != "" && e.Type != f.Type {
				return nil
			}
			if search != "" && !strings.Contains(e.Email, search) {
				return nil
			}
			if !f.IncludeExpired && e.Expired(now) {
				return nil
			}
			total++
			if total <= f.Offset {
				return nil
			}
			if f.Limit > 0 && len(out) >= f.Limit {
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *SuppressionRepo) Stats(ctx context.Context, now time.Time) (*domain.SuppressionStats, error) {
	st := &domain.SuppressionStats{ByType: map[domain.SuppressionType]int{}}
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSuppression).ForEach(func(_, v []byte) error {
			var e domain.SuppressionEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode suppression: %w", err)
			}
			st.Total++
			st.ByType[e.Type]++
			switch {
			case e.IsPermanent:
				st.Permanent++
			case e.Expired(now):
				st.Expired++
			default:
				st.Temporary++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func bouncePrefix(email string, t domain.BounceType) string {
	return email + "\x00" + string(t)
}

// RecordBounce skips a notification already logged for the same message.
func (r *SuppressionRepo) RecordBounce(ctx context.Context, b *domain.BounceRecord) (bool, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	logged := false
	err := r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBounces)
		prefix := bouncePrefix(b.Email, b.BounceType)
		if b.MessageID != "" {
			seen := false
			err := scanPrefix(bucket, indexPrefix(prefix), func(_, v []byte) error {
				var rec domain.BounceRecord
				if json.Unmarshal(v, &rec) == nil && rec.MessageID == b.MessageID {
					seen = true
				}
				return nil
			})
			if err != nil || seen {
				return err
			}
		}
		if err := put(bucket, indexKey(prefix, b.CreatedAt, b.ID), b); err != nil {
			return fmt.Errorf("record bounce: %w", err)
		}
		logged = true
		return nil
	})
	return logged, err
}

func (r *SuppressionRepo) CountBounces(ctx context.Context, email string, t domain.BounceType, since time.Time) (int, error) {
	n := 0
	prefix := indexPrefix(bouncePrefix(email, t))
	err := r.db.View(func(tx *bolt.Tx) error {
		return scanPrefix(tx.Bucket(bucketBounces), prefix, func(k, _ []byte) error {
			if !indexTime(prefix, k).Before(since) {
				n++
			}
			return nil
		})
	})
	return n, err
}
