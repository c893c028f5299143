package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/deliverytrack/internal/domain"
)

// EngagementRepo implements engagement.Repository against PostgreSQL.
type EngagementRepo struct{ db *sql.DB }

// NewEngagementRepo creates a Postgres-backed engagement repository.
func NewEngagementRepo(db *sql.DB) *EngagementRepo { return &EngagementRepo{db: db} }

func (r *EngagementRepo) AppendEvent(ctx context.Context, ev *domain.EngagementEvent) error {
	data, err := marshalJSON(ev.Data)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO engagement_events (id, delivery_id, event_type, event_data, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.ID, ev.DeliveryID, string(ev.EventType), data, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append engagement: %w", err)
	}
	return nil
}

// MarkFirst relies on the row-level WHERE ... IS NULL guard: of several
// concurrent callers exactly one sees a row affected.
func (r *EngagementRepo) MarkFirst(ctx context.Context, messageID string, status domain.DeliveryStatus, at time.Time) (bool, error) {
	col := status.TimestampField()
	if col == "" {
		return false, &domain.ValidationError{Field: "status", Message: "has no timestamp: " + string(status)}
	}
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE delivery_records SET status = $2, %[1]s = $3, updated_at = $3
		WHERE message_id = $1 AND %[1]s IS NULL
	`, col), messageID, string(status), at)
	if err != nil {
		return false, fmt.Errorf("mark first %s: %w", status, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *EngagementRepo) ListEvents(ctx context.Context, deliveryID string) ([]domain.EngagementEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, delivery_id, event_type, event_data, created_at
		FROM engagement_events
		WHERE delivery_id = $1
		ORDER BY created_at, id
	`, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("list engagement: %w", err)
	}
	defer rows.Close()

	var out []domain.EngagementEvent
	for rows.Next() {
		var (
			ev   domain.EngagementEvent
			kind string
			data []byte
		)
		if err := rows.Scan(&ev.ID, &ev.DeliveryID, &kind, &data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan engagement: %w", err)
		}
		ev.EventType = domain.EngagementType(kind)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("decode event_data: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
