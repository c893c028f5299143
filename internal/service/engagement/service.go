package engagement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/metrics"
)

var tracer = otel.Tracer("deliverytrack/engagement")

// Service implements the engagement recorder.
type Service struct {
	repo       Repository
	deliveries DeliveryLookup
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a recorder over repo resolving ids through deliveries.
func NewService(repo Repository, deliveries DeliveryLookup, opts ...Option) *Service {
	s := &Service{repo: repo, deliveries: deliveries, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RecordEngagement appends an event for messageID. For opens and clicks the
// first occurrence also moves the record to opened/clicked and raises a
// LiveEvent; repeats are logged only. Unsubscribes and complaints always
// raise their LiveEvent and never change status.
func (s *Service) RecordEngagement(ctx context.Context, messageID string, t domain.EngagementType, meta map[string]any) (*domain.EngagementResult, error) {
	ctx, span := tracer.Start(ctx, "engagement.RecordEngagement")
	defer span.End()
	span.SetAttributes(attribute.String("message.id", messageID), attribute.String("engagement.type", string(t)))

	if !t.Valid() {
		return nil, &domain.ValidationError{Field: "event_type", Message: "unknown engagement type " + string(t)}
	}
	rec, err := s.deliveries.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return s.record(ctx, rec, t, meta)
}

// RecordForLatest records an event against the most recent delivery to
// email. Returns domain.ErrNotFound when the address was never sent to.
func (s *Service) RecordForLatest(ctx context.Context, email string, t domain.EngagementType, meta map[string]any) (*domain.EngagementResult, error) {
	if !t.Valid() {
		return nil, &domain.ValidationError{Field: "event_type", Message: "unknown engagement type " + string(t)}
	}
	rec, err := s.deliveries.LatestForEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return s.record(ctx, rec, t, meta)
}

// Events lists the engagement log for a message.
func (s *Service) Events(ctx context.Context, messageID string) ([]domain.EngagementEvent, error) {
	rec, err := s.deliveries.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	evs, err := s.repo.ListEvents(ctx, rec.ID)
	if err != nil {
		return nil, &domain.StoreError{Op: "list engagement", Err: err}
	}
	return evs, nil
}

func (s *Service) record(ctx context.Context, rec *domain.DeliveryRecord, t domain.EngagementType, meta map[string]any) (*domain.EngagementResult, error) {
	now := s.now().UTC()
	ev := &domain.EngagementEvent{
		ID:         uuid.NewString(),
		DeliveryID: rec.ID,
		EventType:  t,
		Data:       meta,
		CreatedAt:  now,
	}
	if err := s.repo.AppendEvent(ctx, ev); err != nil {
		return nil, &domain.StoreError{Op: "append engagement", Err: err}
	}

	res := &domain.EngagementResult{Event: ev, Record: rec}
	var kind domain.LiveEventType
	if status := t.Status(); status != "" {
		first, err := s.repo.MarkFirst(ctx, rec.MessageID, status, now)
		if err != nil {
			return nil, &domain.StoreError{Op: "mark first " + string(t), Err: fmt.Errorf("%s: %w", rec.MessageID, err)}
		}
		res.First = first
		if first {
			rec.Status = status
			rec.UpdatedAt = now
			if ts := rec.Timestamp(status); ts != nil {
				*ts = &now
			}
			kind, _ = domain.LiveEventForStatus(status)
		}
	} else {
		kind = domain.LiveEventType(t)
	}
	s.metrics.Engagement(string(t), res.First)

	if kind != "" {
		data := map[string]any{}
		for k, v := range meta {
			data[k] = v
		}
		if rec.CampaignID != "" {
			data["campaign_id"] = rec.CampaignID
		}
		res.Events = append(res.Events, domain.LiveEvent{
			Type:      kind,
			MessageID: rec.MessageID,
			Email:     rec.Email,
			Timestamp: now,
			Data:      data,
		})
	}
	return res, nil
}
