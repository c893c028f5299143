package suppression

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

var tracer = otel.Tracer("deliverytrack/suppression")

// Config tunes the bounce policy.
type Config struct {
	SoftBounceWindow        time.Duration
	SoftBounceThreshold     int
	TemporarySuppressionTTL time.Duration
}

// DefaultConfig is 3 soft bounces in 7 days, 24h temporary suppressions.
func DefaultConfig() Config {
	return Config{
		SoftBounceWindow:        7 * 24 * time.Hour,
		SoftBounceThreshold:     3,
		TemporarySuppressionTTL: 24 * time.Hour,
	}
}

// Service implements the policy engine. It is safe for concurrent use.
type Service struct {
	repo       Repository
	tracker    StatusTracker
	engagement EngagementLog
	retry      RetryQueue
	metrics    *metrics.Metrics
	cfg        Config
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithEngagementLog attaches the engagement recorder used for unsubscribe
// and complaint events.
func WithEngagementLog(l EngagementLog) Option { return func(s *Service) { s.engagement = l } }

// WithRetryQueue attaches the durable queue for failed suppression writes.
func WithRetryQueue(q RetryQueue) Option { return func(s *Service) { s.retry = q } }

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithConfig overrides the policy thresholds. Zero fields keep defaults.
func WithConfig(c Config) Option {
	return func(s *Service) {
		if c.SoftBounceWindow > 0 {
			s.cfg.SoftBounceWindow = c.SoftBounceWindow
		}
		if c.SoftBounceThreshold > 0 {
			s.cfg.SoftBounceThreshold = c.SoftBounceThreshold
		}
		if c.TemporarySuppressionTTL > 0 {
			s.cfg.TemporarySuppressionTTL = c.TemporarySuppressionTTL
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a policy engine over repo that forwards bounces to
// tracker. tracker may be nil for admin-only use.
func NewService(repo Repository, tracker StatusTracker, opts ...Option) *Service {
	s := &Service{repo: repo, tracker: tracker, cfg: DefaultConfig(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// =============================================================================
// BOUNCE CLASSIFICATION
// =============================================================================

// BounceOutcome reports what ClassifyAndApply did.
type BounceOutcome struct {
	Email           string                   `json:"email"`
	StatusChange    *domain.StatusChange     `json:"status_change,omitempty"`
	Entry           *domain.SuppressionEntry `json:"entry,omitempty"`
	SoftBounceCount int                      `json:"soft_bounce_count,omitempty"`
	Escalated       bool                     `json:"escalated"`
	Applied         bool                     `json:"applied"`
	Queued          bool                     `json:"queued"`
	Events          []domain.LiveEvent       `json:"-"`
}

// ClassifyAndApply forwards a bounce to the lifecycle tracker and then
// suppresses the address according to the bounce type:
//
//	hard      → permanent bounce suppression
//	soft      → permanent once the trailing window holds SoftBounceThreshold
//	            soft bounces (this one included), else temporary
//	complaint → permanent complaint suppression
//
// An unknown message id does not stop the suppression. A failed suppression
// write is logged and handed to the retry queue; the status change stands.
func (s *Service) ClassifyAndApply(ctx context.Context, ev domain.BounceEvent) (*BounceOutcome, error) {
	ctx, span := tracer.Start(ctx, "suppression.ClassifyAndApply")
	defer span.End()
	span.SetAttributes(attribute.String("bounce.type", string(ev.BounceType)), attribute.String("message.id", ev.MessageID))

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	// The provider's timestamp places the bounce in the window; a missing or
	// future one falls back to receipt time.
	if ev.Timestamp.IsZero() || ev.Timestamp.After(now) {
		ev.Timestamp = now
	}
	bouncedAt := ev.Timestamp.UTC()
	email := domain.NormalizeEmail(ev.Email)
	reason := ev.Describe()
	out := &BounceOutcome{Email: email}

	// Step 1: lifecycle status.
	if ev.MessageID != "" && s.tracker != nil {
		change, err := s.tracker.UpdateStatus(ctx, ev.MessageID, domain.StatusBounced, domain.StatusUpdate{
			BounceReason: &reason,
			TrackingData: bounceTrackingData(ev),
		})
		switch {
		case err == nil:
			out.StatusChange = change
			out.Events = append(out.Events, change.Events...)
		case domain.IsNotFound(err):
			logger.WarnCtx(ctx, "[Suppression] bounce for unknown message, suppressing address anyway",
				"message_id", ev.MessageID, "email", email, "bounce_type", string(ev.BounceType))
		default:
			span.RecordError(err)
			return nil, fmt.Errorf("bounce status update: %w", err)
		}
	}

	// Step 2: classify.
	entry := &domain.SuppressionEntry{
		Email:      email,
		Type:       domain.SuppressionBounce,
		BounceType: ev.BounceType,
		Reason:     reason,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	switch ev.BounceType {
	case domain.BounceHard:
		entry.IsPermanent = true
	case domain.BounceComplaint:
		entry.Type = domain.SuppressionComplaint
		entry.IsPermanent = true
	case domain.BounceSoft:
		n := s.logSoftBounce(ctx, ev, email, reason, bouncedAt, now)
		out.SoftBounceCount = n
		if n >= s.cfg.SoftBounceThreshold {
			entry.IsPermanent = true
			entry.Reason = fmt.Sprintf("escalated after %d soft bounces in %s: %s", n, windowLabel(s.cfg.SoftBounceWindow), reason)
			out.Escalated = true
		} else {
			exp := now.Add(s.cfg.TemporarySuppressionTTL)
			entry.ExpiresAt = &exp
		}
	}
	if ev.BounceType != domain.BounceSoft {
		s.logBounce(ctx, ev, email, reason, bouncedAt)
	}

	// Step 3: write, never rolling back step 1.
	out.Entry = entry
	if err := s.upsertPolicyEntry(ctx, entry); err != nil {
		span.RecordError(err)
		s.metrics.SuppressionWriteResult("failed")
		logger.ErrorCtx(ctx, "[Suppression] suppression write failed after bounce", "email", email, "error", err)
		if s.retry != nil {
			if qerr := s.retry.Enqueue(ctx, *entry); qerr != nil {
				logger.ErrorCtx(ctx, "[Suppression] retry enqueue failed, suppression lost", "email", email, "error", qerr)
			} else {
				out.Queued = true
				s.metrics.SuppressionWriteResult("queued")
			}
		}
	} else {
		out.Applied = true
		s.metrics.SuppressionWriteResult("ok")
		s.metrics.SuppressionWritten(string(entry.Type), entry.IsPermanent)
	}

	if ev.BounceType == domain.BounceComplaint && out.StatusChange != nil && s.engagement != nil {
		res, err := s.engagement.RecordEngagement(ctx, ev.MessageID, domain.EngagementComplaint, map[string]any{"reason": reason})
		if err != nil {
			logger.WarnCtx(ctx, "[Suppression] complaint engagement not recorded", "message_id", ev.MessageID, "error", err)
		} else {
			out.Events = append(out.Events, res.Events...)
		}
	}
	return out, nil
}

// logSoftBounce appends the bounce to the log and returns the number of
// distinct soft bounces in the trailing window including this one.
// Counting after the append keeps concurrent bounces for one address from
// all seeing a short count. A redelivered notification is not logged again
// and so is not counted twice.
func (s *Service) logSoftBounce(ctx context.Context, ev domain.BounceEvent, email, reason string, at, now time.Time) int {
	failed := s.logBounce(ctx, ev, email, reason, at)
	n, err := s.repo.CountBounces(ctx, email, domain.BounceSoft, now.Add(-s.cfg.SoftBounceWindow))
	if err != nil {
		logger.ErrorCtx(ctx, "[Suppression] soft bounce count failed", "email", email, "error", err)
		return 1
	}
	if failed {
		n++
	}
	return n
}

// logBounce reports whether the log write failed. A skipped duplicate is
// not a failure.
func (s *Service) logBounce(ctx context.Context, ev domain.BounceEvent, email, reason string, at time.Time) bool {
	logged, err := s.repo.RecordBounce(ctx, &domain.BounceRecord{
		ID:         uuid.NewString(),
		Email:      email,
		BounceType: ev.BounceType,
		MessageID:  ev.MessageID,
		Reason:     reason,
		CreatedAt:  at,
	})
	if err != nil {
		logger.ErrorCtx(ctx, "[Suppression] bounce log write failed", "email", email, "error", err)
		return true
	}
	if !logged {
		logger.InfoCtx(ctx, "[Suppression] bounce notification already logged",
			"email", email, "message_id", ev.MessageID, "bounce_type", string(ev.BounceType))
	}
	return false
}

// upsertPolicyEntry writes an entry produced by policy. A temporary entry
// never replaces a permanent one: a soft bounce must not shorten an earlier
// hard bounce, complaint or unsubscribe. The repository makes that check
// atomic with the write.
func (s *Service) upsertPolicyEntry(ctx context.Context, e *domain.SuppressionEntry) error {
	if e.IsPermanent {
		return s.repo.Upsert(ctx, e)
	}
	applied, err := s.repo.UpsertTemporary(ctx, e)
	if err != nil {
		return err
	}
	if !applied {
		logger.InfoCtx(ctx, "[Suppression] keeping permanent entry over temporary", "email", e.Email, "type", string(e.Type))
	}
	return nil
}

// Reapply writes an entry taken from the retry queue.
func (s *Service) Reapply(ctx context.Context, e domain.SuppressionEntry) error {
	if err := s.upsertPolicyEntry(ctx, &e); err != nil {
		return err
	}
	s.metrics.SuppressionWriteResult("retried")
	s.metrics.SuppressionWritten(string(e.Type), e.IsPermanent)
	return nil
}

func bounceTrackingData(ev domain.BounceEvent) map[string]any {
	td := map[string]any{
		"bounce_type": string(ev.BounceType),
		"bounced_at":  ev.Timestamp.UTC().Format(time.RFC3339),
	}
	if ev.BounceSubType != "" {
		td["bounce_subtype"] = ev.BounceSubType
	}
	if ev.DiagnosticCode != "" {
		td["diagnostic_code"] = ev.DiagnosticCode
	}
	return td
}

func windowLabel(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return d.String()
}

// =============================================================================
// SEND GATE
// =============================================================================

// IsSuppressed looks up the address. An entry whose expiry has passed is
// reported as not suppressed even if the sweep has not removed it yet.
func (s *Service) IsSuppressed(ctx context.Context, email string) (domain.SuppressionStatus, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return domain.SuppressionStatus{}, &domain.ValidationError{Field: "email", Message: "is required"}
	}
	e, err := s.repo.Get(ctx, email)
	if err != nil {
		if domain.IsNotFound(err) {
			return domain.SuppressionStatus{}, nil
		}
		return domain.SuppressionStatus{}, &domain.StoreError{Op: "get suppression", Err: err}
	}
	if e.Expired(s.now()) {
		return domain.SuppressionStatus{}, nil
	}
	return domain.SuppressionStatus{Suppressed: true, Entry: e}, nil
}

// ValidateForSending is the mandatory pre-send gate.
func (s *Service) ValidateForSending(ctx context.Context, email string) (domain.SendDecision, error) {
	st, err := s.IsSuppressed(ctx, email)
	if err != nil {
		return domain.SendDecision{}, err
	}
	s.metrics.SendGate(!st.Suppressed)
	if !st.Suppressed {
		return domain.SendDecision{CanSend: true}, nil
	}
	return domain.SendDecision{
		CanSend:         false,
		Reason:          st.Entry.Reason,
		SuppressionType: st.Entry.Type,
	}, nil
}

// =============================================================================
// UNSUBSCRIBE
// =============================================================================

// UnsubscribeOutcome reports what ProcessUnsubscribe did.
type UnsubscribeOutcome struct {
	Entry      *domain.SuppressionEntry `json:"entry"`
	Engagement *domain.EngagementResult `json:"engagement,omitempty"`
	Events     []domain.LiveEvent       `json:"-"`
}

// ProcessUnsubscribe permanently suppresses the address and records an
// unsubscribe event against its most recent delivery, if there is one.
func (s *Service) ProcessUnsubscribe(ctx context.Context, email, reason string) (*UnsubscribeOutcome, error) {
	entry, err := s.writeUnsubscribe(ctx, email, reason)
	if err != nil {
		return nil, err
	}
	out := &UnsubscribeOutcome{Entry: entry}
	if s.engagement == nil {
		return out, nil
	}
	res, err := s.engagement.RecordForLatest(ctx, entry.Email, domain.EngagementUnsubscribe, map[string]any{"reason": entry.Reason})
	switch {
	case err == nil:
		out.Engagement = res
		out.Events = res.Events
	case domain.IsNotFound(err):
	default:
		logger.WarnCtx(ctx, "[Suppression] unsubscribe engagement not recorded", "email", entry.Email, "error", err)
	}
	return out, nil
}

// ProcessUnsubscribeMessage handles an unsubscribe link click: the event is
// recorded against messageID and the message's recipient is suppressed.
func (s *Service) ProcessUnsubscribeMessage(ctx context.Context, messageID, reason string, meta map[string]any) (*UnsubscribeOutcome, error) {
	if s.engagement == nil {
		return nil, fmt.Errorf("unsubscribe by message: no engagement log configured")
	}
	if meta == nil {
		meta = map[string]any{}
	}
	res, err := s.engagement.RecordEngagement(ctx, messageID, domain.EngagementUnsubscribe, meta)
	if err != nil {
		return nil, err
	}
	entry, err := s.writeUnsubscribe(ctx, res.Record.Email, reason)
	if err != nil {
		return nil, err
	}
	return &UnsubscribeOutcome{Entry: entry, Engagement: res, Events: res.Events}, nil
}

func (s *Service) writeUnsubscribe(ctx context.Context, email, reason string) (*domain.SuppressionEntry, error) {
	email = domain.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, &domain.ValidationError{Field: "email", Message: "must be an address"}
	}
	if reason == "" {
		reason = "recipient unsubscribed"
	}
	now := s.now().UTC()
	entry := &domain.SuppressionEntry{
		Email:       email,
		Type:        domain.SuppressionUnsubscribe,
		Reason:      reason,
		IsPermanent: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Upsert(ctx, entry); err != nil {
		return nil, &domain.StoreError{Op: "upsert unsubscribe", Err: err}
	}
	s.metrics.SuppressionWritten(string(entry.Type), true)
	logger.InfoCtx(ctx, "[Suppression] unsubscribed", "email", email)
	return entry, nil
}

// CleanupExpired removes lapsed temporary entries and returns the count.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, &domain.StoreError{Op: "delete expired", Err: err}
	}
	s.metrics.Swept("suppression_expiry", n)
	return n, nil
}
