package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/service/suppression"
)

const suppressionColumns = `email, suppression_type, bounce_type, reason, is_permanent, expires_at, created_at, updated_at`

// SuppressionRepo implements suppression.Repository against PostgreSQL.
type SuppressionRepo struct{ db *sql.DB }

// NewSuppressionRepo creates a Postgres-backed suppression repository.
func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

func (r *SuppressionRepo) Get(ctx context.Context, email string) (*domain.SuppressionEntry, error) {
	e, err := scanSuppression(r.db.QueryRowContext(ctx,
		`SELECT `+suppressionColumns+` FROM suppressions WHERE email = $1`, email))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get suppression: %w", err)
	}
	return e, nil
}

// Upsert replaces every column except created_at, which is read back into e.
func (r *SuppressionRepo) Upsert(ctx context.Context, e *domain.SuppressionEntry) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO suppressions (`+suppressionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (email) DO UPDATE SET
			suppression_type = EXCLUDED.suppression_type,
			bounce_type = EXCLUDED.bounce_type,
			reason = EXCLUDED.reason,
			is_permanent = EXCLUDED.is_permanent,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`, e.Email, string(e.Type), string(e.BounceType), e.Reason, e.IsPermanent, nullTime(e.ExpiresAt), e.CreatedAt, e.UpdatedAt,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert suppression: %w", err)
	}
	return nil
}

// UpsertTemporary applies the same upsert, but the conflict update is
// skipped when the stored row is permanent. The row lock taken by ON CONFLICT
// makes the check and the write one step.
func (r *SuppressionRepo) UpsertTemporary(ctx context.Context, e *domain.SuppressionEntry) (bool, error) {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO suppressions (`+suppressionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (email) DO UPDATE SET
			suppression_type = EXCLUDED.suppression_type,
			bounce_type = EXCLUDED.bounce_type,
			reason = EXCLUDED.reason,
			is_permanent = EXCLUDED.is_permanent,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
		WHERE NOT suppressions.is_permanent
		RETURNING created_at
	`, e.Email, string(e.Type), string(e.BounceType), e.Reason, e.IsPermanent, nullTime(e.ExpiresAt), e.CreatedAt, e.UpdatedAt,
	).Scan(&e.CreatedAt)
	if err == nil {
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("upsert temporary suppression: %w", err)
	}
	existing, err := r.Get(ctx, e.Email)
	if err != nil {
		return false, err
	}
	*e = *existing
	return false, nil
}

func (r *SuppressionRepo) Delete(ctx context.Context, email string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM suppressions WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("delete suppression: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SuppressionRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM suppressions WHERE NOT is_permanent AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired suppressions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SuppressionRepo) List(ctx context.Context, f suppression.ListFilter, now time.Time) ([]domain.SuppressionEntry, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Type != "" {
		add("suppression_type = $%d", string(f.Type))
	}
	if f.Search != "" {
		add("email LIKE '%%' || $%d || '%%'", strings.ToLower(f.Search))
	}
	if !f.IncludeExpired {
		add("(is_permanent OR expires_at > $%d)", now)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM suppressions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count suppressions: %w", err)
	}

	query := `SELECT ` + suppressionColumns + ` FROM suppressions` + clause + ` ORDER BY email`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list suppressions: %w", err)
	}
	defer rows.Close()

	var out []domain.SuppressionEntry
	for rows.Next() {
		e, err := scanSuppression(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan suppression: %w", err)
		}
		out = append(out, *e)
	}
	return out, total, rows.Err()
}

func (r *SuppressionRepo) Stats(ctx context.Context, now time.Time) (*domain.SuppressionStats, error) {
	st := &domain.SuppressionStats{ByType: map[domain.SuppressionType]int{}}
	rows, err := r.db.QueryContext(ctx, `
		SELECT suppression_type,
			COUNT(*),
			COUNT(*) FILTER (WHERE is_permanent),
			COUNT(*) FILTER (WHERE NOT is_permanent AND expires_at > $1),
			COUNT(*) FILTER (WHERE NOT is_permanent AND expires_at <= $1)
		FROM suppressions
		GROUP BY suppression_type
	`, now)
	if err != nil {
		return nil, fmt.Errorf("suppression stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind                            string
			total, perm, temporary, expired int
		)
		if err := rows.Scan(&kind, &total, &perm, &temporary, &expired); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.ByType[domain.SuppressionType(kind)] = total
		st.Total += total
		st.Permanent += perm
		st.Temporary += temporary
		st.Expired += expired
	}
	return st, rows.Err()
}

// RecordBounce skips a notification already logged for the same message.
func (r *SuppressionRepo) RecordBounce(ctx context.Context, b *domain.BounceRecord) (bool, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO bounce_log (id, email, bounce_type, message_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`, b.ID, b.Email, string(b.BounceType), b.MessageID, b.Reason, b.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("record bounce: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *SuppressionRepo) CountBounces(ctx context.Context, email string, t domain.BounceType, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bounce_log
		WHERE email = $1 AND bounce_type = $2 AND created_at >= $3
	`, email, string(t), since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count bounces: %w", err)
	}
	return n, nil
}

func scanSuppression(row rowScanner) (*domain.SuppressionEntry, error) {
	var (
		e                domain.SuppressionEntry
		kind, bounceType string
		expires          sql.NullTime
	)
	if err := row.Scan(&e.Email, &kind, &bounceType, &e.Reason, &e.IsPermanent, &expires, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Type = domain.SuppressionType(kind)
	e.BounceType = domain.BounceType(bounceType)
	e.ExpiresAt = timePtr(expires)
	return &e, nil
}
