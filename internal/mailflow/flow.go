// Package mailflow is the dispatch step between the core services and the
// realtime layer. Every mutating call runs the service, then hands the
// LiveEvents it returned to the Publisher. Services never publish on their
// own, so an event is only seen after its write has committed.
package mailflow

import (
	"context"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/service/delivery"
	"github.com/ignite/deliverytrack/internal/service/engagement"
	"github.com/ignite/deliverytrack/internal/service/sending"
	"github.com/ignite/deliverytrack/internal/service/suppression"
)

// Publisher receives committed live events. *realtime.Broadcaster and
// *realtime.PGNotifier implement it.
type Publisher interface {
	Publish(ev domain.LiveEvent)
}

// Multi fans events out to several publishers.
type Multi []Publisher

// Publish sends ev to every publisher in order.
func (m Multi) Publish(ev domain.LiveEvent) {
	for _, p := range m {
		p.Publish(ev)
	}
}

// Discard drops every event.
type Discard struct{}

// Publish does nothing.
func (Discard) Publish(domain.LiveEvent) {}

// Flow wraps the services with event dispatch.
type Flow struct {
	Deliveries *delivery.Service
	Policy     *suppression.Service
	Engagement *engagement.Service
	// Sending is optional; processes that never send leave it nil.
	Sending   *sending.Service
	Publisher Publisher
}

func (f *Flow) publish(events []domain.LiveEvent) {
	if f.Publisher == nil {
		return
	}
	for _, ev := range events {
		f.Publisher.Publish(ev)
	}
}

// Send runs the send path.
func (f *Flow) Send(ctx context.Context, req sending.SendRequest) (*sending.SendOutcome, error) {
	if f.Sending == nil {
		return nil, &domain.ValidationError{Field: "transport", Message: "sending is not enabled in this process"}
	}
	out, err := f.Sending.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	f.publish(out.Events)
	return out, nil
}

// UpdateStatus advances a delivery record.
func (f *Flow) UpdateStatus(ctx context.Context, messageID string, status domain.DeliveryStatus, u domain.StatusUpdate) (*domain.StatusChange, error) {
	change, err := f.Deliveries.UpdateStatus(ctx, messageID, status, u)
	if err != nil {
		return nil, err
	}
	f.publish(change.Events)
	return change, nil
}

// ClassifyAndApply processes a bounce or complaint.
func (f *Flow) ClassifyAndApply(ctx context.Context, ev domain.BounceEvent) (*suppression.BounceOutcome, error) {
	out, err := f.Policy.ClassifyAndApply(ctx, ev)
	if err != nil {
		return nil, err
	}
	f.publish(out.Events)
	return out, nil
}

// RecordEngagement records an open, click, unsubscribe or complaint.
func (f *Flow) RecordEngagement(ctx context.Context, messageID string, t domain.EngagementType, meta map[string]any) (*domain.EngagementResult, error) {
	res, err := f.Engagement.RecordEngagement(ctx, messageID, t, meta)
	if err != nil {
		return nil, err
	}
	f.publish(res.Events)
	return res, nil
}

// ProcessUnsubscribe suppresses an address by email.
func (f *Flow) ProcessUnsubscribe(ctx context.Context, email, reason string) (*suppression.UnsubscribeOutcome, error) {
	out, err := f.Policy.ProcessUnsubscribe(ctx, email, reason)
	if err != nil {
		return nil, err
	}
	f.publish(out.Events)
	return out, nil
}

// ProcessUnsubscribeMessage suppresses the recipient of messageID.
func (f *Flow) ProcessUnsubscribeMessage(ctx context.Context, messageID, reason string, meta map[string]any) (*suppression.UnsubscribeOutcome, error) {
	out, err := f.Policy.ProcessUnsubscribeMessage(ctx, messageID, reason, meta)
	if err != nil {
		return nil, err
	}
	f.publish(out.Events)
	return out, nil
}

// Track records an event from the public tracking endpoints.
func (f *Flow) Track(ctx context.Context, ev domain.TrackEvent) error {
	meta := ev.Metadata()
	switch ev.Type {
	case domain.EngagementUnsubscribe:
		_, err := f.ProcessUnsubscribeMessage(ctx, ev.MessageID, "unsubscribed via link", meta)
		return err
	case domain.EngagementOpen, domain.EngagementClick:
		_, err := f.RecordEngagement(ctx, ev.MessageID, ev.Type, meta)
		return err
	}
	return &domain.ValidationError{Field: "type", Message: "unsupported tracking event " + string(ev.Type)}
}
