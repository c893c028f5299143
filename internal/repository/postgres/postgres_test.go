package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/service/suppression"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func deliveryRow(now time.Time) []driver.Value {
	return []driver.Value{
		"d-1", "m-1", "a@example.com", "Ann", "Hello", "", "", "delivered",
		now.Add(-time.Minute), now, nil, nil, nil,
		"", "", []byte(`{"transport":"ses"}`), now.Add(-time.Hour), now,
	}
}

func TestDeliveryGetNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDeliveryRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM delivery_records WHERE message_id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByMessageID(context.Background(), "missing")
	if !domain.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDeliveryGetScansRecord(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDeliveryRepo(db)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM delivery_records WHERE message_id").
		WillReturnRows(sqlmock.NewRows(deliveryColumnList).AddRow(deliveryRow(now)...))

	rec, err := repo.GetByMessageID(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != domain.StatusDelivered {
		t.Fatalf("status = %s", rec.Status)
	}
	if rec.DeliveredAt == nil || !rec.DeliveredAt.Equal(now) {
		t.Fatalf("delivered_at = %v", rec.DeliveredAt)
	}
	if rec.OpenedAt != nil {
		t.Fatal("opened_at should be nil")
	}
	if rec.TrackingData["transport"] != "ses" {
		t.Fatalf("tracking data = %v", rec.TrackingData)
	}
}

func TestDeliveryApplyStatusFirstWriteWins(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDeliveryRepo(db)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	cols := append([]string{"status", "stamped"}, deliveryColumnList...)
	mock.ExpectQuery(regexp.QuoteMeta("delivered_at = COALESCE(d.delivered_at, $3)")).
		WithArgs("m-1", "delivered", now, sqlmock.AnyArg(), sqlmock.AnyArg(), `{"smtp":"250"}`).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(append([]driver.Value{"sent", true}, deliveryRow(now)...)...))

	res, err := repo.ApplyStatus(context.Background(), "m-1", domain.StatusDelivered, now,
		domain.StatusUpdate{TrackingData: map[string]any{"smtp": "250"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Previous != domain.StatusSent || !res.Stamped {
		t.Fatalf("previous=%s stamped=%v", res.Previous, res.Stamped)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDeliveryApplyStatusWithoutTimestamp(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDeliveryRepo(db)
	now := time.Now().UTC()

	cols := append([]string{"status", "stamped"}, deliveryColumnList...)
	mock.ExpectQuery(regexp.QuoteMeta("RETURNING prev.status, false, d.id")).
		WithArgs("m-1", "failed", now, sqlmock.AnyArg(), sqlmock.AnyArg(), "{}").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(append([]driver.Value{"pending", false}, deliveryRow(now)...)...))

	res, err := repo.ApplyStatus(context.Background(), "m-1", domain.StatusFailed, now,
		domain.StatusUpdate{ErrorMessage: domain.StringPtr("boom")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Stamped {
		t.Fatal("failed carries no timestamp")
	}
}

func TestDeliveryApplyStatusNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDeliveryRepo(db)

	mock.ExpectQuery("UPDATE delivery_records").WillReturnError(sql.ErrNoRows)

	_, err := repo.ApplyStatus(context.Background(), "nope", domain.StatusSent, time.Now(), domain.StatusUpdate{})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeliveryDeleteTerminalBefore(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDeliveryRepo(db)
	cutoff := time.Now().Add(-90 * 24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("status IN ('delivered', 'bounced', 'failed') AND created_at < $1")).
		WithArgs(cutoff, 500).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := repo.DeleteTerminalBefore(context.Background(), cutoff, 500)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 42 {
		t.Fatalf("deleted = %d, want 42", n)
	}
}

func TestEngagementMarkFirst(t *testing.T) {
	db, mock := newMock(t)
	repo := NewEngagementRepo(db)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("WHERE message_id = $1 AND opened_at IS NULL")).
		WithArgs("m-1", "opened", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE message_id = $1 AND opened_at IS NULL")).
		WithArgs("m-1", "opened", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := repo.MarkFirst(context.Background(), "m-1", domain.StatusOpened, now)
	if err != nil || !first {
		t.Fatalf("first call: first=%v err=%v", first, err)
	}
	first, err = repo.MarkFirst(context.Background(), "m-1", domain.StatusOpened, now)
	if err != nil || first {
		t.Fatalf("second call: first=%v err=%v", first, err)
	}
}

func TestEngagementListEvents(t *testing.T) {
	db, mock := newMock(t)
	repo := NewEngagementRepo(db)
	now := time.Now().UTC()

	mock.ExpectQuery("FROM engagement_events").
		WithArgs("d-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "delivery_id", "event_type", "event_data", "created_at"}).
			AddRow("e-1", "d-1", "open", nil, now).
			AddRow("e-2", "d-1", "click", []byte(`{"url":"https://x.test"}`), now.Add(time.Second)))

	evs, err := repo.ListEvents(context.Background(), "d-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(evs) != 2 || evs[1].EventType != domain.EngagementClick || evs[1].Data["url"] != "https://x.test" {
		t.Fatalf("unexpected events: %+v", evs)
	}
}

func TestSuppressionDeleteNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSuppressionRepo(db)

	mock.ExpectExec("DELETE FROM suppressions WHERE email").
		WithArgs("a@example.com").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Delete(context.Background(), "a@example.com"); !domain.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSuppressionUpsertKeepsCreatedAt(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSuppressionRepo(db)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (email) DO UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	e := &domain.SuppressionEntry{
		Email: "a@example.com", Type: domain.SuppressionBounce, BounceType: domain.BounceHard,
		IsPermanent: true, CreatedAt: now, UpdatedAt: now,
	}
	if err := repo.Upsert(context.Background(), e); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !e.CreatedAt.Equal(created) {
		t.Fatalf("created_at = %v, want %v", e.CreatedAt, created)
	}
}

func TestSuppressionListFilters(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSuppressionRepo(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM suppressions WHERE suppression_type = $1 AND (is_permanent OR expires_at > $2)")).
		WithArgs("bounce", now).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY email LIMIT $3 OFFSET $4")).
		WithArgs("bounce", now, 2, 1).
		WillReturnRows(sqlmock.NewRows([]string{"email", "suppression_type", "bounce_type", "reason", "is_permanent", "expires_at", "created_at", "updated_at"}).
			AddRow("b@example.com", "bounce", "hard", "550", true, nil, now, now).
			AddRow("c@example.com", "bounce", "soft", "421", false, now.Add(time.Hour), now, now))

	out, total, err := repo.List(context.Background(), suppression.ListFilter{Type: domain.SuppressionBounce, Limit: 2, Offset: 1}, now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(out) != 2 {
		t.Fatalf("total=%d len=%d", total, len(out))
	}
	if out[1].IsPermanent || out[1].ExpiresAt == nil {
		t.Fatalf("second entry should be temporary: %+v", out[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSuppressionStats(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSuppressionRepo(db)
	now := time.Now().UTC()

	mock.ExpectQuery("GROUP BY suppression_type").
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"suppression_type", "total", "permanent", "temporary", "expired"}).
			AddRow("bounce", 5, 3, 1, 1).
			AddRow("unsubscribe", 2, 2, 0, 0))

	st, err := repo.Stats(context.Background(), now)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 7 || st.Permanent != 5 || st.Temporary != 1 || st.Expired != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.ByType[domain.SuppressionUnsubscribe] != 2 {
		t.Fatalf("by type: %v", st.ByType)
	}
}

func TestBounceLog(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSuppressionRepo(db)
	since := time.Now().Add(-7 * 24 * time.Hour)

	mock.ExpectExec("INSERT INTO bounce_log").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM bounce_log").
		WithArgs("a@example.com", "soft", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	b := &domain.BounceRecord{Email: "a@example.com", BounceType: domain.BounceSoft, CreatedAt: time.Now()}
	logged, err := repo.RecordBounce(context.Background(), b)
	if err != nil || !logged {
		t.Fatalf("record: logged=%v err=%v", logged, err)
	}
	if b.ID == "" {
		t.Fatal("expected generated id")
	}
	n, err := repo.CountBounces(context.Background(), "a@example.com", domain.BounceSoft, since)
	if err != nil || n != 2 {
		t.Fatalf("count=%d err=%v", n, err)
	}
}

func TestBounceLogSkipsRedeliveredNotification(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSuppressionRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT DO NOTHING")).
		WithArgs(sqlmock.AnyArg(), "a@example.com", "soft", "m-1", "421", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	logged, err := repo.RecordBounce(context.Background(), &domain.BounceRecord{
		Email: "a@example.com", BounceType: domain.BounceSoft, MessageID: "m-1", Reason: "421", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if logged {
		t.Fatal("duplicate notification should not be logged")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSuppressionUpsertTemporaryKeepsPermanent(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSuppressionRepo(db)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	exp := now.Add(24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE NOT suppressions.is_permanent")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM suppressions WHERE email = $1")).
		WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"email", "suppression_type", "bounce_type", "reason", "is_permanent", "expires_at", "created_at", "updated_at"}).
			AddRow("a@example.com", "bounce", "hard", "no such user", true, nil, now, now))

	e := &domain.SuppressionEntry{
		Email: "a@example.com", Type: domain.SuppressionBounce, BounceType: domain.BounceSoft,
		Reason: "mailbox full", ExpiresAt: &exp, CreatedAt: now, UpdatedAt: now,
	}
	applied, err := repo.UpsertTemporary(context.Background(), e)
	if err != nil {
		t.Fatalf("upsert temporary: %v", err)
	}
	if applied {
		t.Fatal("temporary entry must not replace a permanent one")
	}
	if !e.IsPermanent || e.BounceType != domain.BounceHard || e.ExpiresAt != nil {
		t.Fatalf("entry should be the stored permanent row: %+v", e)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSuppressionUpsertTemporaryWrites(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSuppressionRepo(db)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	exp := now.Add(24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE NOT suppressions.is_permanent")).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	applied, err := repo.UpsertTemporary(context.Background(), &domain.SuppressionEntry{
		Email: "a@example.com", Type: domain.SuppressionBounce, BounceType: domain.BounceSoft,
		ExpiresAt: &exp, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil || !applied {
		t.Fatalf("applied=%v err=%v", applied, err)
	}
}
