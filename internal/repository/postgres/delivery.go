// Package postgres implements the service repositories on PostgreSQL via
// database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/service/delivery"
)

const deliveryColumns = `id, message_id, email, name, subject, template_id, campaign_id, status,
	sent_at, delivered_at, opened_at, clicked_at, bounced_at,
	bounce_reason, error_message, tracking_data, created_at, updated_at`

// DeliveryRepo implements delivery.Repository against PostgreSQL.
type DeliveryRepo struct{ db *sql.DB }

// NewDeliveryRepo creates a Postgres-backed delivery repository.
func NewDeliveryRepo(db *sql.DB) *DeliveryRepo { return &DeliveryRepo{db: db} }

func (r *DeliveryRepo) Create(ctx context.Context, rec *domain.DeliveryRecord) error {
	td, err := marshalJSON(rec.TrackingData)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO delivery_records (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, rec.ID, rec.MessageID, rec.Email, rec.Name, rec.Subject, rec.TemplateID, rec.CampaignID, string(rec.Status),
		nullTime(rec.SentAt), nullTime(rec.DeliveredAt), nullTime(rec.OpenedAt), nullTime(rec.ClickedAt), nullTime(rec.BouncedAt),
		rec.BounceReason, rec.ErrorMessage, td, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}
	return nil
}

func (r *DeliveryRepo) GetByMessageID(ctx context.Context, messageID string) (*domain.DeliveryRecord, error) {
	rec, err := scanDelivery(r.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM delivery_records WHERE message_id = $1`, messageID))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return rec, nil
}

func (r *DeliveryRepo) LatestByEmail(ctx context.Context, email string) (*domain.DeliveryRecord, error) {
	rec, err := scanDelivery(r.db.QueryRowContext(ctx, `
		SELECT `+deliveryColumns+` FROM delivery_records
		WHERE email = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, email))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest delivery: %w", err)
	}
	return rec, nil
}

// ApplyStatus locks the row, captures the previous status and timestamp,
// and updates it in a single statement. The status timestamp is only
// written when it is still NULL.
func (r *DeliveryRepo) ApplyStatus(ctx context.Context, messageID string, status domain.DeliveryStatus, at time.Time, u domain.StatusUpdate) (*delivery.ApplyResult, error) {
	if !status.Valid() {
		return nil, &domain.ValidationError{Field: "status", Message: "unknown status " + string(status)}
	}
	td, err := marshalJSON(u.TrackingData)
	if err != nil {
		return nil, err
	}

	stampSet, stampedExpr := "", "false"
	if col := status.TimestampField(); col != "" {
		stampSet = fmt.Sprintf(", %s = COALESCE(d.%s, $3)", col, col)
		stampedExpr = fmt.Sprintf("prev.%s IS NULL", col)
	}
	prevCols := "id, status"
	if col := status.TimestampField(); col != "" {
		prevCols += ", " + col
	}

	query := fmt.Sprintf(`
		WITH prev AS (
			SELECT %s FROM delivery_records WHERE message_id = $1 FOR UPDATE
		)
		UPDATE delivery_records d SET
			status = $2,
			updated_at = $3%s,
			bounce_reason = COALESCE($4, d.bounce_reason),
			error_message = COALESCE($5, d.error_message),
			tracking_data = COALESCE(d.tracking_data, '{}'::jsonb) || $6::jsonb
		FROM prev
		WHERE d.id = prev.id
		RETURNING prev.status, %s, %s
	`, prevCols, stampSet, stampedExpr, prefixed("d.", deliveryColumnList))

	var (
		previous string
		stamped  bool
	)
	rec, err := scanDeliveryWith(r.db.QueryRowContext(ctx, query,
		messageID, string(status), at, nullString(u.BounceReason), nullString(u.ErrorMessage), emptyObject(td),
	), &previous, &stamped)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("apply status: %w", err)
	}
	return &delivery.ApplyResult{Record: rec, Previous: domain.DeliveryStatus(previous), Stamped: stamped}, nil
}

func (r *DeliveryRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM delivery_records WHERE id IN (
			SELECT id FROM delivery_records
			WHERE status IN ('delivered', 'bounced', 'failed') AND created_at < $1
			ORDER BY created_at
			LIMIT $2
		)
	`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete terminal deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

var deliveryColumnList = []string{
	"id", "message_id", "email", "name", "subject", "template_id", "campaign_id", "status",
	"sent_at", "delivered_at", "opened_at", "clicked_at", "bounced_at",
	"bounce_reason", "error_message", "tracking_data", "created_at", "updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (*domain.DeliveryRecord, error) {
	return scanDeliveryWith(row)
}

// scanDeliveryWith scans leading extra columns into extra before the
// delivery columns.
func scanDeliveryWith(row rowScanner, extra ...any) (*domain.DeliveryRecord, error) {
	var (
		rec                                       domain.DeliveryRecord
		status                                    string
		sent, delivered, opened, clicked, bounced sql.NullTime
		td                                        []byte
	)
	dest := append(extra,
		&rec.ID, &rec.MessageID, &rec.Email, &rec.Name, &rec.Subject, &rec.TemplateID, &rec.CampaignID, &status,
		&sent, &delivered, &opened, &clicked, &bounced,
		&rec.BounceReason, &rec.ErrorMessage, &td, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	rec.Status = domain.DeliveryStatus(status)
	rec.SentAt = timePtr(sent)
	rec.DeliveredAt = timePtr(delivered)
	rec.OpenedAt = timePtr(opened)
	rec.ClickedAt = timePtr(clicked)
	rec.BouncedAt = timePtr(bounced)
	if len(td) > 0 {
		if err := json.Unmarshal(td, &rec.TrackingData); err != nil {
			return nil, fmt.Errorf("decode tracking_data: %w", err)
		}
	}
	return &rec, nil
}

// marshalJSON encodes v as a jsonb text parameter. Empty maps become NULL.
func marshalJSON(v map[string]any) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, errors.Join(&domain.ValidationError{Field: "tracking_data", Message: "not serializable"}, err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func emptyObject(s sql.NullString) string {
	if !s.Valid {
		return "{}"
	}
	return s.String
}

func prefixed(p string, cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += p + c
	}
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
