// Package webhook translates provider notifications (Amazon SES via SNS,
// SparkPost event webhooks, normalized events from Kafka) into calls on the
// lifecycle tracker, policy engine and engagement recorder. Payload shapes
// stay in this package.
package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
	"github.com/ignite/deliverytrack/internal/service/suppression"
)

// Normalized event kinds.
const (
	KindDelivered   = "delivered"
	KindBounce      = "bounce"
	KindComplaint   = "complaint"
	KindOpen        = "open"
	KindClick       = "click"
	KindUnsubscribe = "unsubscribe"
	KindFailed      = "failed"
)

// NormalizedEvent is the provider-neutral form of a notification. It is
// also the wire format on the provider-events Kafka topic.
type NormalizedEvent struct {
	MessageID      string            `json:"message_id"`
	Email          string            `json:"email,omitempty"`
	Provider       string            `json:"provider"`
	Kind           string            `json:"status"`
	BounceType     domain.BounceType `json:"bounce_type,omitempty"`
	BounceSubType  string            `json:"bounce_subtype,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	DiagnosticCode string            `json:"diagnostic_code,omitempty"`
	URL            string            `json:"url,omitempty"`
	Occurred       time.Time         `json:"occurred_at"`
	Meta           map[string]any    `json:"meta,omitempty"`
}

// Processor is the set of core operations a notification can trigger.
type Processor interface {
	UpdateStatus(ctx context.Context, messageID string, status domain.DeliveryStatus, u domain.StatusUpdate) (*domain.StatusChange, error)
	ClassifyAndApply(ctx context.Context, ev domain.BounceEvent) (*suppression.BounceOutcome, error)
	RecordEngagement(ctx context.Context, messageID string, t domain.EngagementType, meta map[string]any) (*domain.EngagementResult, error)
	ProcessUnsubscribeMessage(ctx context.Context, messageID, reason string, meta map[string]any) (*suppression.UnsubscribeOutcome, error)
}

// Apply routes ev to p. Events for unknown messages and malformed events
// are logged and dropped; only errors worth a provider retry are returned.
func Apply(ctx context.Context, p Processor, ev NormalizedEvent) error {
	err := apply(ctx, p, ev)
	switch {
	case err == nil:
		return nil
	case domain.IsNotFound(err), domain.IsValidation(err):
		logger.InfoCtx(ctx, "[Webhook] dropping event",
			"provider", ev.Provider, "kind", ev.Kind, "message_id", ev.MessageID, "error", err)
		return nil
	}
	return err
}

func apply(ctx context.Context, p Processor, ev NormalizedEvent) error {
	switch ev.Kind {
	case KindDelivered:
		_, err := p.UpdateStatus(ctx, ev.MessageID, domain.StatusDelivered, domain.StatusUpdate{
			TrackingData: map[string]any{"provider": ev.Provider, "delivered_at": ev.Occurred},
		})
		return err
	case KindBounce, KindComplaint:
		bt := ev.BounceType
		if ev.Kind == KindComplaint {
			bt = domain.BounceComplaint
		}
		_, err := p.ClassifyAndApply(ctx, domain.BounceEvent{
			MessageID:      ev.MessageID,
			Email:          ev.Email,
			BounceType:     bt,
			BounceSubType:  ev.BounceSubType,
			Reason:         ev.Reason,
			DiagnosticCode: ev.DiagnosticCode,
			Timestamp:      ev.Occurred,
		})
		return err
	case KindOpen, KindClick:
		meta := map[string]any{"provider": ev.Provider}
		if ev.URL != "" {
			meta["url"] = ev.URL
		}
		_, err := p.RecordEngagement(ctx, ev.MessageID, domain.EngagementType(ev.Kind), meta)
		return err
	case KindUnsubscribe:
		_, err := p.ProcessUnsubscribeMessage(ctx, ev.MessageID, ev.Reason, map[string]any{"provider": ev.Provider})
		return err
	case KindFailed:
		msg := ev.Reason
		if msg == "" {
			msg = ev.Provider + " reported failure"
		}
		_, err := p.UpdateStatus(ctx, ev.MessageID, domain.StatusFailed, domain.StatusUpdate{ErrorMessage: &msg})
		return err
	}
	return &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unsupported event %q", ev.Kind)}
}

// ApplyAll applies events in order and returns the first retryable error
// after attempting all of them.
func ApplyAll(ctx context.Context, p Processor, events []NormalizedEvent) error {
	var first error
	for _, ev := range events {
		if err := Apply(ctx, p, ev); err != nil {
			logger.ErrorCtx(ctx, "[Webhook] event processing failed",
				"provider", ev.Provider, "kind", ev.Kind, "message_id", ev.MessageID, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
