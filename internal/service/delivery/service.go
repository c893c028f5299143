package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/metrics"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

var tracer = otel.Tracer("deliverytrack/delivery")

const defaultSweepBatch = 5000

// Service implements the lifecycle tracker. It is safe for concurrent use
// when the repository is.
type Service struct {
	repo       Repository
	metrics    *metrics.Metrics
	now        func() time.Time
	sweepBatch int
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithSweepBatch sets the retention delete batch size.
func WithSweepBatch(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sweepBatch = n
		}
	}
}

// NewService creates a tracker backed by repo.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{repo: repo, now: time.Now, sweepBatch: defaultSweepBatch}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateRequest is the input to CreateDelivery.
type CreateRequest struct {
	Email        string         `json:"email"`
	Name         string         `json:"name,omitempty"`
	Subject      string         `json:"subject"`
	TemplateID   string         `json:"template_id,omitempty"`
	CampaignID   string         `json:"campaign_id,omitempty"`
	TrackingData map[string]any `json:"tracking_data,omitempty"`
}

// CreateResult identifies the new record.
type CreateResult struct {
	DeliveryID string `json:"delivery_id"`
	MessageID  string `json:"message_id"`
}

// CreateDelivery stores a pending record under a freshly generated message
// id. The id comes from a CSPRNG and is never derived from the input.
func (s *Service) CreateDelivery(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	ctx, span := tracer.Start(ctx, "delivery.CreateDelivery")
	defer span.End()

	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, &domain.ValidationError{Field: "email", Message: "must be an address"}
	}

	now := s.now().UTC()
	rec := &domain.DeliveryRecord{
		ID:           uuid.NewString(),
		MessageID:    uuid.NewString(),
		Email:        domain.NormalizeEmail(email),
		Name:         req.Name,
		Subject:      req.Subject,
		TemplateID:   req.TemplateID,
		CampaignID:   req.CampaignID,
		Status:       domain.StatusPending,
		TrackingData: req.TrackingData,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		span.RecordError(err)
		return nil, storeErr("create delivery", err)
	}
	span.SetAttributes(attribute.String("message.id", rec.MessageID))
	return &CreateResult{DeliveryID: rec.ID, MessageID: rec.MessageID}, nil
}

// UpdateStatus moves a record to status. The status's timestamp is stamped
// only if it was unset, so repeated callbacks leave the first value intact
// and raise no further event.
func (s *Service) UpdateStatus(ctx context.Context, messageID string, status domain.DeliveryStatus, u domain.StatusUpdate) (*domain.StatusChange, error) {
	ctx, span := tracer.Start(ctx, "delivery.UpdateStatus")
	defer span.End()
	span.SetAttributes(attribute.String("message.id", messageID), attribute.String("status", string(status)))

	if !status.Valid() {
		return nil, &domain.ValidationError{Field: "status", Message: "unknown status " + string(status)}
	}
	if messageID == "" {
		return nil, &domain.ValidationError{Field: "message_id", Message: "is required"}
	}

	at := s.now().UTC()
	res, err := s.repo.ApplyStatus(ctx, messageID, status, at, u)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, fmt.Errorf("update status %s: %w", messageID, domain.ErrNotFound)
		}
		span.RecordError(err)
		return nil, storeErr("update status", err)
	}

	change := &domain.StatusChange{
		Record:   res.Record,
		Previous: res.Previous,
		Stamped:  res.Stamped,
	}
	raise := res.Stamped
	if status.TimestampField() == "" {
		raise = res.Previous != status
	}
	s.metrics.StatusTransition(string(status), raise)
	if raise {
		if kind, ok := domain.LiveEventForStatus(status); ok {
			change.Events = append(change.Events, statusEvent(kind, res.Record, at))
		}
	} else {
		logger.Debug("[Delivery] duplicate status update", "message_id", messageID, "status", string(status))
	}
	return change, nil
}

func statusEvent(kind domain.LiveEventType, rec *domain.DeliveryRecord, at time.Time) domain.LiveEvent {
	data := map[string]any{"status": string(rec.Status)}
	if rec.CampaignID != "" {
		data["campaign_id"] = rec.CampaignID
	}
	switch kind {
	case domain.LiveBounce:
		if rec.BounceReason != "" {
			data["reason"] = rec.BounceReason
		}
	case domain.LiveFailed:
		if rec.ErrorMessage != "" {
			data["error"] = rec.ErrorMessage
		}
	}
	return domain.LiveEvent{
		Type:      kind,
		MessageID: rec.MessageID,
		Email:     rec.Email,
		Timestamp: at,
		Data:      data,
	}
}

// Get returns the record for messageID.
func (s *Service) Get(ctx context.Context, messageID string) (*domain.DeliveryRecord, error) {
	rec, err := s.repo.GetByMessageID(ctx, messageID)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, fmt.Errorf("delivery %s: %w", messageID, domain.ErrNotFound)
		}
		return nil, storeErr("get delivery", err)
	}
	return rec, nil
}

// LatestForEmail returns the most recent record sent to email.
func (s *Service) LatestForEmail(ctx context.Context, email string) (*domain.DeliveryRecord, error) {
	rec, err := s.repo.LatestByEmail(ctx, domain.NormalizeEmail(email))
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, fmt.Errorf("latest delivery: %w", domain.ErrNotFound)
		}
		return nil, storeErr("latest delivery", err)
	}
	return rec, nil
}

// CleanupRetention deletes terminal records older than horizon in batches
// and returns the total removed.
func (s *Service) CleanupRetention(ctx context.Context, horizon time.Duration) (int, error) {
	if horizon <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-horizon)
	total := 0
	for {
		n, err := s.repo.DeleteTerminalBefore(ctx, cutoff, s.sweepBatch)
		if err != nil {
			return total, storeErr("retention sweep", err)
		}
		total += n
		if n < s.sweepBatch || ctx.Err() != nil {
			break
		}
	}
	s.metrics.Swept("delivery_retention", total)
	return total, nil
}

func storeErr(op string, err error) error {
	if _, ok := err.(*domain.StoreError); ok {
		return err
	}
	return &domain.StoreError{Op: op, Err: err}
}
