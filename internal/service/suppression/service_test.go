package suppression

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ignite/deliverytrack/internal/domain"
)

// mockRepo is an in-memory repository for testing.
type mockRepo struct {
	mu        sync.RWMutex
	store     map[string]domain.SuppressionEntry
	bounces   []domain.BounceRecord
	failWrite bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[string]domain.SuppressionEntry)}
}

func (m *mockRepo) Get(_ context.Context, email string) (*domain.SuppressionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.store[email]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &e, nil
}

func (m *mockRepo) Upsert(_ context.Context, e *domain.SuppressionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return errors.New("connection reset by peer")
	}
	cp := *e
	if old, ok := m.store[e.Email]; ok {
		cp.CreatedAt = old.CreatedAt
	}
	m.store[e.Email] = cp
	return nil
}

func (m *mockRepo) UpsertTemporary(_ context.Context, e *domain.SuppressionEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return false, errors.New("connection reset by peer")
	}
	if old, ok := m.store[e.Email]; ok {
		if old.IsPermanent {
			*e = old
			return false, nil
		}
		e.CreatedAt = old.CreatedAt
	}
	m.store[e.Email] = *e
	return true, nil
}

func (m *mockRepo) Delete(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[email]; !ok {
		return domain.ErrNotFound
	}
	delete(m.store, email)
	return nil
}

func (m *mockRepo) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.store {
		if e.Expired(now) {
			delete(m.store, k)
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) List(_ context.Context, f ListFilter, now time.Time) ([]domain.SuppressionEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []domain.SuppressionEntry
	for _, e := range m.store {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Search != "" && !strings.Contains(e.Email, f.Search) {
			continue
		}
		if !f.IncludeExpired && e.Expired(now) {
			continue
		}
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Email < all[j].Email })
	total := len(all)
	if f.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (m *mockRepo) Stats(_ context.Context, now time.Time) (*domain.SuppressionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := &domain.SuppressionStats{ByType: map[domain.SuppressionType]int{}}
	for _, e := range m.store {
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
	}
	return st, nil
}

func (m *mockRepo) RecordBounce(_ context.Context, b *domain.BounceRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.MessageID != "" {
		for _, old := range m.bounces {
			if old.Email == b.Email && old.BounceType == b.BounceType && old.MessageID == b.MessageID {
				return false, nil
			}
		}
	}
	m.bounces = append(m.bounces, *b)
	return true, nil
}

func (m *mockRepo) CountBounces(_ context.Context, email string, t domain.BounceType, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, b := range m.bounces {
		if b.Email == email && b.BounceType == t && !b.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// fakeTracker records UpdateStatus calls against a set of known ids.
type fakeTracker struct {
	mu    sync.Mutex
	known map[string]*domain.DeliveryRecord
	calls []domain.StatusUpdate
}

func (f *fakeTracker) UpdateStatus(_ context.Context, id string, status domain.DeliveryStatus, u domain.StatusUpdate) (*domain.StatusChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, u)
	rec, ok := f.known[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	prev := rec.Status
	stamped := rec.Apply(status, time.Now(), u)
	var events []domain.LiveEvent
	if stamped {
		events = append(events, domain.LiveEvent{Type: domain.LiveBounce, MessageID: id, Email: rec.Email})
	}
	return &domain.StatusChange{Record: rec, Previous: prev, Stamped: stamped, Events: events}, nil
}

type fakeEngagement struct {
	mu       sync.Mutex
	byID     map[string]*domain.DeliveryRecord
	byEmail  map[string]*domain.DeliveryRecord
	recorded []domain.EngagementType
}

func (f *fakeEngagement) RecordEngagement(_ context.Context, id string, t domain.EngagementType, meta map[string]any) (*domain.EngagementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	f.recorded = append(f.recorded, t)
	return &domain.EngagementResult{
		Event:  &domain.EngagementEvent{DeliveryID: rec.ID, EventType: t, Data: meta},
		Record: rec,
		Events: []domain.LiveEvent{{Type: domain.LiveEventType(t), MessageID: id, Email: rec.Email}},
	}, nil
}

func (f *fakeEngagement) RecordForLatest(ctx context.Context, email string, t domain.EngagementType, meta map[string]any) (*domain.EngagementResult, error) {
	f.mu.Lock()
	rec, ok := f.byEmail[email]
	f.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return f.RecordEngagement(ctx, rec.MessageID, t, meta)
}

type fakeQueue struct {
	entries []domain.SuppressionEntry
}

func (q *fakeQueue) Enqueue(_ context.Context, e domain.SuppressionEntry) error {
	q.entries = append(q.entries, e)
	return nil
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	svc     *Service
	repo    *mockRepo
	tracker *fakeTracker
	eng     *fakeEngagement
	queue   *fakeQueue
	clk     *clock
}

func newFixture() *fixture {
	f := &fixture{
		repo:    newMockRepo(),
		tracker: &fakeTracker{known: map[string]*domain.DeliveryRecord{}},
		eng:     &fakeEngagement{byID: map[string]*domain.DeliveryRecord{}, byEmail: map[string]*domain.DeliveryRecord{}},
		queue:   &fakeQueue{},
		clk:     &clock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
	}
	f.svc = NewService(f.repo, f.tracker,
		WithEngagementLog(f.eng),
		WithRetryQueue(f.queue),
		WithClock(f.clk.Now),
	)
	return f
}

func (f *fixture) delivery(id, email string) *domain.DeliveryRecord {
	rec := &domain.DeliveryRecord{ID: "d-" + id, MessageID: id, Email: email, Status: domain.StatusSent}
	f.tracker.known[id] = rec
	f.eng.byID[id] = rec
	f.eng.byEmail[email] = rec
	return rec
}

func bounce(id, email string, t domain.BounceType) domain.BounceEvent {
	return domain.BounceEvent{MessageID: id, Email: email, BounceType: t, DiagnosticCode: "smtp; 550 5.1.1 user unknown"}
}

func TestClassify_HardBounceIsPermanent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.delivery("m1", "a@example.com")

	// prior temporary entry is replaced
	f.svc.ClassifyAndApply(ctx, bounce("", "a@example.com", domain.BounceSoft))

	out, err := f.svc.ClassifyAndApply(ctx, bounce("m1", "A@Example.com", domain.BounceHard))
	if err != nil {
		t.Fatalf("ClassifyAndApply: %v", err)
	}
	if !out.Applied || out.StatusChange == nil || len(out.Events) != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}

	st, err := f.svc.IsSuppressed(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("IsSuppressed: %v", err)
	}
	if !st.Suppressed || st.Entry.Type != domain.SuppressionBounce || !st.Entry.IsPermanent || st.Entry.BounceType != domain.BounceHard {
		t.Errorf("expected permanent hard bounce suppression, got %+v", st.Entry)
	}
	if st.Entry.ExpiresAt != nil {
		t.Error("permanent entry must not carry an expiry")
	}
	if f.tracker.known["m1"].Status != domain.StatusBounced {
		t.Errorf("record not bounced: %s", f.tracker.known["m1"].Status)
	}
	if f.tracker.known["m1"].TrackingData["bounce_type"] != "hard" {
		t.Errorf("tracking data missing bounce_type: %v", f.tracker.known["m1"].TrackingData)
	}
}

func TestClassify_SoftBounceEscalation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	out, _ := f.svc.ClassifyAndApply(ctx, bounce("", "user@example.com", domain.BounceSoft))
	if out.Entry.IsPermanent || out.Escalated {
		t.Fatalf("first soft bounce must be temporary: %+v", out.Entry)
	}
	f.clk.Advance(time.Hour)
	out, _ = f.svc.ClassifyAndApply(ctx, bounce("", "user@example.com", domain.BounceSoft))
	if out.Entry.IsPermanent || out.SoftBounceCount != 2 {
		t.Fatalf("second soft bounce must be temporary: %+v", out)
	}
	want := f.clk.Now().Add(24 * time.Hour)
	if out.Entry.ExpiresAt == nil || !out.Entry.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, out.Entry.ExpiresAt)
	}

	f.clk.Advance(time.Hour)
	out, _ = f.svc.ClassifyAndApply(ctx, bounce("", "user@example.com", domain.BounceSoft))
	if !out.Entry.IsPermanent || !out.Escalated || out.SoftBounceCount != 3 {
		t.Fatalf("third soft bounce must escalate: %+v", out)
	}
	if !strings.HasPrefix(out.Entry.Reason, "escalated after 3 soft bounces in 7d: ") {
		t.Errorf("unexpected reason %q", out.Entry.Reason)
	}

	// a different address in the same window stays temporary
	f.clk.Advance(time.Hour)
	out, _ = f.svc.ClassifyAndApply(ctx, bounce("", "other@example.com", domain.BounceSoft))
	if out.Entry.IsPermanent {
		t.Error("soft bounce for another address must not escalate")
	}
	if out.Entry.ExpiresAt == nil || !out.Entry.ExpiresAt.Equal(f.clk.Now().Add(24*time.Hour)) {
		t.Errorf("expected 24h expiry, got %v", out.Entry.ExpiresAt)
	}
}

func TestClassify_SoftBouncesOutsideWindowDoNotCount(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.svc.ClassifyAndApply(ctx, bounce("", "u@example.com", domain.BounceSoft))
	f.svc.ClassifyAndApply(ctx, bounce("", "u@example.com", domain.BounceSoft))
	f.clk.Advance(8 * 24 * time.Hour)

	out, _ := f.svc.ClassifyAndApply(ctx, bounce("", "u@example.com", domain.BounceSoft))
	if out.Entry.IsPermanent || out.SoftBounceCount != 1 {
		t.Errorf("expected a fresh window, got %+v", out)
	}
}

func TestClassify_SoftBounceKeepsPermanentEntry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.ProcessUnsubscribe(ctx, "u@example.com", ""); err != nil {
		t.Fatalf("ProcessUnsubscribe: %v", err)
	}
	out, _ := f.svc.ClassifyAndApply(ctx, bounce("", "u@example.com", domain.BounceSoft))
	if !out.Entry.IsPermanent || out.Entry.Type != domain.SuppressionUnsubscribe {
		t.Errorf("temporary entry replaced a permanent one: %+v", out.Entry)
	}
}

func TestClassify_ConcurrentHardAndSoftBounce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		email := fmt.Sprintf("race%d@example.com", round)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.svc.ClassifyAndApply(ctx, bounce("", email, domain.BounceHard))
		}()
		go func() {
			defer wg.Done()
			f.svc.ClassifyAndApply(ctx, bounce("", email, domain.BounceSoft))
		}()
		wg.Wait()

		st, err := f.svc.IsSuppressed(ctx, email)
		if err != nil {
			t.Fatalf("IsSuppressed: %v", err)
		}
		if !st.Suppressed || !st.Entry.IsPermanent || st.Entry.BounceType != domain.BounceHard || st.Entry.ExpiresAt != nil {
			t.Fatalf("round %d: expected permanent hard bounce, got %+v", round, st.Entry)
		}
	}
}

func TestClassify_RedeliveredSoftBounceCountsOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.delivery("m6", "dup@example.com")

	for i := 0; i < 3; i++ {
		out, err := f.svc.ClassifyAndApply(ctx, bounce("m6", "dup@example.com", domain.BounceSoft))
		if err != nil {
			t.Fatalf("ClassifyAndApply: %v", err)
		}
		if out.SoftBounceCount != 1 || out.Escalated || out.Entry.IsPermanent {
			t.Fatalf("delivery %d of one notification: %+v", i+1, out)
		}
		f.clk.Advance(time.Minute)
	}
	if len(f.repo.bounces) != 1 {
		t.Errorf("bounce log rows = %d, want 1", len(f.repo.bounces))
	}

	// distinct messages still escalate
	f.delivery("m7", "dup@example.com")
	f.delivery("m8", "dup@example.com")
	f.svc.ClassifyAndApply(ctx, bounce("m7", "dup@example.com", domain.BounceSoft))
	out, _ := f.svc.ClassifyAndApply(ctx, bounce("m8", "dup@example.com", domain.BounceSoft))
	if !out.Escalated || out.SoftBounceCount != 3 {
		t.Errorf("three distinct soft bounces must escalate: %+v", out)
	}
}

func TestClassify_ProviderTimestampPlacesBounce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := f.clk.Now()

	old := bounce("", "late@example.com", domain.BounceSoft)
	old.Timestamp = now.Add(-8 * 24 * time.Hour)
	f.svc.ClassifyAndApply(ctx, old)
	f.svc.ClassifyAndApply(ctx, old)

	future := bounce("", "late@example.com", domain.BounceSoft)
	future.Timestamp = now.Add(time.Hour)
	out, _ := f.svc.ClassifyAndApply(ctx, future)
	if out.SoftBounceCount != 1 || out.Entry.IsPermanent {
		t.Errorf("bounces older than the window must not count: %+v", out)
	}

	f.repo.mu.RLock()
	defer f.repo.mu.RUnlock()
	if !f.repo.bounces[0].CreatedAt.Equal(old.Timestamp) {
		t.Errorf("logged at %v, want provider time %v", f.repo.bounces[0].CreatedAt, old.Timestamp)
	}
	if last := f.repo.bounces[len(f.repo.bounces)-1]; !last.CreatedAt.Equal(now) {
		t.Errorf("future timestamp should clamp to now, got %v", last.CreatedAt)
	}
}

func TestClassify_Complaint(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.delivery("m2", "c@example.com")

	out, err := f.svc.ClassifyAndApply(ctx, domain.BounceEvent{MessageID: "m2", Email: "c@example.com", BounceType: domain.BounceComplaint, Reason: "abuse"})
	if err != nil {
		t.Fatalf("ClassifyAndApply: %v", err)
	}
	if out.Entry.Type != domain.SuppressionComplaint || !out.Entry.IsPermanent || out.Entry.BounceType != domain.BounceComplaint {
		t.Errorf("unexpected entry %+v", out.Entry)
	}
	if len(f.eng.recorded) != 1 || f.eng.recorded[0] != domain.EngagementComplaint {
		t.Errorf("expected a complaint engagement, got %v", f.eng.recorded)
	}
	var sawComplaint bool
	for _, ev := range out.Events {
		if ev.Type == domain.LiveComplaint {
			sawComplaint = true
		}
	}
	if !sawComplaint {
		t.Errorf("expected complaint live event, got %+v", out.Events)
	}
}

func TestClassify_UnknownMessageStillSuppresses(t *testing.T) {
	f := newFixture()
	out, err := f.svc.ClassifyAndApply(context.Background(), bounce("nope", "x@example.com", domain.BounceHard))
	if err != nil {
		t.Fatalf("ClassifyAndApply: %v", err)
	}
	if out.StatusChange != nil || !out.Applied {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestClassify_WriteFailureIsQueued(t *testing.T) {
	f := newFixture()
	f.delivery("m3", "q@example.com")
	f.repo.failWrite = true

	out, err := f.svc.ClassifyAndApply(context.Background(), bounce("m3", "q@example.com", domain.BounceHard))
	if err != nil {
		t.Fatalf("status update must stand despite suppression failure: %v", err)
	}
	if out.Applied || !out.Queued {
		t.Errorf("expected queued outcome, got %+v", out)
	}
	if len(f.queue.entries) != 1 || f.queue.entries[0].Email != "q@example.com" {
		t.Fatalf("entry not queued: %+v", f.queue.entries)
	}
	if f.tracker.known["m3"].Status != domain.StatusBounced {
		t.Error("status update rolled back")
	}

	f.repo.failWrite = false
	if err := f.svc.Reapply(context.Background(), f.queue.entries[0]); err != nil {
		t.Fatalf("Reapply: %v", err)
	}
	st, _ := f.svc.IsSuppressed(context.Background(), "q@example.com")
	if !st.Suppressed {
		t.Error("reapplied entry not visible")
	}
}

func TestClassify_Validation(t *testing.T) {
	f := newFixture()
	cases := []domain.BounceEvent{
		{Email: "", BounceType: domain.BounceHard},
		{Email: "a@example.com", BounceType: "weird"},
		{Email: "not-an-address", BounceType: domain.BounceSoft},
	}
	for _, ev := range cases {
		if _, err := f.svc.ClassifyAndApply(context.Background(), ev); !domain.IsValidation(err) {
			t.Errorf("%+v: expected validation error, got %v", ev, err)
		}
	}
}

func TestIsSuppressed_LazyExpiry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.svc.ClassifyAndApply(ctx, bounce("", "t@example.com", domain.BounceSoft))

	d, _ := f.svc.ValidateForSending(ctx, "t@example.com")
	if d.CanSend {
		t.Fatal("active temporary suppression must block")
	}
	if d.SuppressionType != domain.SuppressionBounce || d.Reason == "" {
		t.Errorf("decision missing reason/type: %+v", d)
	}

	f.clk.Advance(24*time.Hour + time.Second)
	st, _ := f.svc.IsSuppressed(ctx, "t@example.com")
	if st.Suppressed {
		t.Error("expired entry reported as suppressed")
	}
	if _, ok := f.repo.store["t@example.com"]; !ok {
		t.Error("lazy expiry must not depend on the sweep having run")
	}
	d, _ = f.svc.ValidateForSending(ctx, "t@example.com")
	if !d.CanSend {
		t.Error("expired entry must allow sending")
	}

	n, err := f.svc.CleanupExpired(ctx)
	if err != nil || n != 1 {
		t.Errorf("CleanupExpired = %d, %v", n, err)
	}
	n, _ = f.svc.CleanupExpired(ctx)
	if n != 0 {
		t.Errorf("second sweep removed %d", n)
	}
}

func TestValidateForSending_Unsuppressed(t *testing.T) {
	f := newFixture()
	d, err := f.svc.ValidateForSending(context.Background(), "fresh@example.com")
	if err != nil || !d.CanSend {
		t.Errorf("expected canSend, got %+v %v", d, err)
	}
}

func TestProcessUnsubscribe(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.delivery("m4", "u@example.com")

	out, err := f.svc.ProcessUnsubscribe(ctx, "U@example.com", "list-unsubscribe header")
	if err != nil {
		t.Fatalf("ProcessUnsubscribe: %v", err)
	}
	if !out.Entry.IsPermanent || out.Entry.Type != domain.SuppressionUnsubscribe {
		t.Errorf("unexpected entry %+v", out.Entry)
	}
	if out.Engagement == nil || len(out.Events) != 1 {
		t.Errorf("expected engagement against latest delivery, got %+v", out)
	}

	// no prior delivery: suppression only, no error
	out, err = f.svc.ProcessUnsubscribe(ctx, "stranger@example.com", "")
	if err != nil {
		t.Fatalf("ProcessUnsubscribe: %v", err)
	}
	if out.Engagement != nil {
		t.Error("no delivery exists, no engagement expected")
	}
}

func TestProcessUnsubscribeMessage(t *testing.T) {
	f := newFixture()
	f.delivery("m5", "link@example.com")

	out, err := f.svc.ProcessUnsubscribeMessage(context.Background(), "m5", "", nil)
	if err != nil {
		t.Fatalf("ProcessUnsubscribeMessage: %v", err)
	}
	if out.Entry.Email != "link@example.com" {
		t.Errorf("suppressed wrong address %q", out.Entry.Email)
	}
	if _, err := f.svc.ProcessUnsubscribeMessage(context.Background(), "missing", "", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
