package sending

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
	"github.com/ignite/deliverytrack/internal/service/delivery"
)

var tracer = otel.Tracer("deliverytrack/sending")

// Service sends one message at a time.
type Service struct {
	gate       PolicyGate
	deliveries Deliveries
	sender     Sender
	injector   TrackingInjector
	unsub      UnsubscribeLinker
	fromEmail  string
	fromName   string
}

// Option configures a Service.
type Option func(*Service)

// WithTracking enables body rewriting and List-Unsubscribe headers.
func WithTracking(injector TrackingInjector, unsub UnsubscribeLinker) Option {
	return func(s *Service) {
		s.injector = injector
		s.unsub = unsub
	}
}

// WithDefaultFrom sets the sender used when a request has none.
func WithDefaultFrom(email, name string) Option {
	return func(s *Service) {
		s.fromEmail = email
		s.fromName = name
	}
}

// NewService wires the send path.
func NewService(gate PolicyGate, deliveries Deliveries, sender Sender, opts ...Option) *Service {
	s := &Service{gate: gate, deliveries: deliveries, sender: sender}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SendRequest is a single outbound message.
type SendRequest struct {
	Email        string            `json:"email"`
	Name         string            `json:"name,omitempty"`
	Subject      string            `json:"subject"`
	HTML         string            `json:"html"`
	Text         string            `json:"text,omitempty"`
	FromEmail    string            `json:"from_email,omitempty"`
	FromName     string            `json:"from_name,omitempty"`
	ReplyTo      string            `json:"reply_to,omitempty"`
	TemplateID   string            `json:"template_id,omitempty"`
	CampaignID   string            `json:"campaign_id,omitempty"`
	TrackingData map[string]any    `json:"tracking_data,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// SendOutcome reports what happened. A suppressed recipient yields
// Suppressed with the decision and no delivery record. A transport failure
// yields Status failed with Error set.
type SendOutcome struct {
	Suppressed bool                  `json:"suppressed"`
	Decision   domain.SendDecision   `json:"decision"`
	DeliveryID string                `json:"delivery_id,omitempty"`
	MessageID  string                `json:"message_id,omitempty"`
	Status     domain.DeliveryStatus `json:"status,omitempty"`
	Response   string                `json:"transport_response,omitempty"`
	Error      string                `json:"error,omitempty"`
	Events     []domain.LiveEvent    `json:"-"`
}

// Send runs the full path. Errors are returned only for invalid input and
// store failures; a transport failure is an outcome.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendOutcome, error) {
	ctx, span := tracer.Start(ctx, "sending.Send")
	defer span.End()

	if strings.TrimSpace(req.Subject) == "" {
		return nil, &domain.ValidationError{Field: "subject", Message: "is required"}
	}
	if req.HTML == "" && req.Text == "" {
		return nil, &domain.ValidationError{Field: "html", Message: "html or text content is required"}
	}
	fromEmail, fromName := req.FromEmail, req.FromName
	if fromEmail == "" {
		fromEmail, fromName = s.fromEmail, s.fromName
	}
	if fromEmail == "" {
		return nil, &domain.ValidationError{Field: "from_email", Message: "is required"}
	}

	decision, err := s.gate.ValidateForSending(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if !decision.CanSend {
		email := domain.NormalizeEmail(req.Email)
		logger.InfoCtx(ctx, "[Sending] recipient suppressed", "email", email, "type", string(decision.SuppressionType))
		return &SendOutcome{
			Suppressed: true,
			Decision:   decision,
			Events: []domain.LiveEvent{{
				Type:  domain.LiveSuppressed,
				Email: email,
				Data: map[string]any{
					"reason":           decision.Reason,
					"suppression_type": string(decision.SuppressionType),
				},
			}},
		}, nil
	}

	created, err := s.deliveries.CreateDelivery(ctx, delivery.CreateRequest{
		Email:        req.Email,
		Name:         req.Name,
		Subject:      req.Subject,
		TemplateID:   req.TemplateID,
		CampaignID:   req.CampaignID,
		TrackingData: req.TrackingData,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("message.id", created.MessageID))

	out := &SendOutcome{
		Decision:   decision,
		DeliveryID: created.DeliveryID,
		MessageID:  created.MessageID,
		Status:     domain.StatusPending,
	}

	msg := s.compose(req, created.MessageID, fromEmail, fromName)
	res, sendErr := s.sender.Send(ctx, msg)
	if sendErr != nil {
		span.RecordError(sendErr)
		logger.WarnCtx(ctx, "[Sending] transport failed", "message_id", created.MessageID, "error", sendErr)
		change, err := s.deliveries.UpdateStatus(ctx, created.MessageID, domain.StatusFailed,
			domain.StatusUpdate{ErrorMessage: domain.StringPtr(sendErr.Error())})
		if err != nil {
			return nil, err
		}
		out.Status = domain.StatusFailed
		out.Error = sendErr.Error()
		out.Events = change.Events
		return out, nil
	}

	change, err := s.deliveries.UpdateStatus(ctx, created.MessageID, domain.StatusSent, domain.StatusUpdate{
		TrackingData: map[string]any{
			"transport":          string(res.Transport),
			"transport_response": res.Response,
		},
	})
	if err != nil {
		return nil, err
	}
	out.Status = domain.StatusSent
	out.Response = res.Response
	out.Events = change.Events
	return out, nil
}

func (s *Service) compose(req SendRequest, messageID, fromEmail, fromName string) *domain.EmailMessage {
	headers := make(map[string]string, len(req.Headers)+2)
	for k, v := range req.Headers {
		headers[k] = v
	}

	html := req.HTML
	if s.injector != nil && html != "" {
		html = s.injector.Rewrite(html, messageID)
	}
	if s.unsub != nil {
		if _, ok := headers["List-Unsubscribe"]; !ok {
			headers["List-Unsubscribe"] = "<" + s.unsub.UnsubscribeURL(messageID) + ">"
			headers["List-Unsubscribe-Post"] = "List-Unsubscribe=One-Click"
		}
	}

	return &domain.EmailMessage{
		MessageID:   messageID,
		Email:       domain.NormalizeEmail(req.Email),
		Name:        req.Name,
		FromName:    fromName,
		FromEmail:   fromEmail,
		ReplyTo:     req.ReplyTo,
		Subject:     req.Subject,
		HTMLContent: html,
		TextContent: req.Text,
		Headers:     headers,
	}
}
