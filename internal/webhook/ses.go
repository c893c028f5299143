package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

// SNS envelope types.
const (
	snsSubscriptionConfirmation = "SubscriptionConfirmation"
	snsNotification             = "Notification"
	snsUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

// snsEnvelope is the AWS SNS HTTP delivery wrapper.
type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageId    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
	Timestamp    string `json:"Timestamp"`
}

// sesNotification covers both the classic notification format
// (notificationType) and event publishing (eventType).
type sesNotification struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Mail             struct {
		MessageID   string              `json:"messageId"`
		Destination []string            `json:"destination"`
		Tags        map[string][]string `json:"tags"`
	} `json:"mail"`
	Bounce *struct {
		BounceType        string `json:"bounceType"`
		BounceSubType     string `json:"bounceSubType"`
		Timestamp         string `json:"timestamp"`
		BouncedRecipients []struct {
			EmailAddress   string `json:"emailAddress"`
			Status         string `json:"status"`
			DiagnosticCode string `json:"diagnosticCode"`
		} `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint *struct {
		ComplaintFeedbackType string `json:"complaintFeedbackType"`
		Timestamp             string `json:"timestamp"`
		ComplainedRecipients  []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"complainedRecipients"`
	} `json:"complaint"`
	Delivery *struct {
		Timestamp    string   `json:"timestamp"`
		Recipients   []string `json:"recipients"`
		SMTPResponse string   `json:"smtpResponse"`
	} `json:"delivery"`
	Open *struct {
		Timestamp string `json:"timestamp"`
	} `json:"open"`
	Click *struct {
		Timestamp string `json:"timestamp"`
		Link      string `json:"link"`
	} `json:"click"`
	Reject *struct {
		Reason string `json:"reason"`
	} `json:"reject"`
	Failure *struct {
		ErrorMessage string `json:"errorMessage"`
	} `json:"failure"`
}

// SESAdapter receives SES notifications delivered over SNS HTTP(S).
type SESAdapter struct {
	proc      Processor
	client    *http.Client
	topicARNs map[string]bool
	now       func() time.Time
}

// NewSESAdapter returns an adapter feeding proc. When topicARNs is non-empty,
// envelopes from other topics are rejected.
func NewSESAdapter(proc Processor, topicARNs ...string) *SESAdapter {
	a := &SESAdapter{
		proc:      proc,
		client:    &http.Client{Timeout: 10 * time.Second},
		topicARNs: map[string]bool{},
		now:       time.Now,
	}
	for _, arn := range topicARNs {
		if arn != "" {
			a.topicARNs[arn] = true
		}
	}
	return a
}

// ServeHTTP handles POST /webhooks/ses.
func (a *SESAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if len(a.topicARNs) > 0 && !a.topicARNs[env.TopicArn] {
		http.Error(w, "unknown topic", http.StatusForbidden)
		return
	}

	switch env.Type {
	case snsSubscriptionConfirmation:
		if err := a.confirm(r.Context(), env.SubscribeURL); err != nil {
			logger.ErrorCtx(r.Context(), "[Webhook] SNS subscription confirmation failed", "topic", env.TopicArn, "error", err)
			http.Error(w, "confirmation failed", http.StatusBadGateway)
			return
		}
		logger.InfoCtx(r.Context(), "[Webhook] SNS subscription confirmed", "topic", env.TopicArn)
		w.WriteHeader(http.StatusOK)
		return
	case snsUnsubscribeConfirmation:
		w.WriteHeader(http.StatusOK)
		return
	case snsNotification:
	default:
		http.Error(w, "unsupported SNS message type", http.StatusBadRequest)
		return
	}

	events, err := ParseSES([]byte(env.Message), a.now())
	if err != nil {
		// Unparseable payloads would fail forever; acknowledge them.
		logger.WarnCtx(r.Context(), "[Webhook] unparseable SES notification", "sns_id", env.MessageId, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := ApplyAll(r.Context(), a.proc, events); err != nil {
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// confirm visits the SNS SubscribeURL. Only AWS hosts are followed.
func (a *SESAdapter) confirm(ctx context.Context, subscribeURL string) error {
	u, err := url.Parse(subscribeURL)
	if err != nil || u.Scheme != "https" || !strings.HasSuffix(u.Hostname(), ".amazonaws.com") {
		return fmt.Errorf("refusing subscribe URL %q", subscribeURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subscribeURL, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("subscribe URL returned %d", resp.StatusCode)
	}
	return nil
}

// ParseSES converts one SES notification into normalized events, one per
// affected recipient. Event types this service does not track yield none.
func ParseSES(msg []byte, now time.Time) ([]NormalizedEvent, error) {
	var n sesNotification
	if err := json.Unmarshal(msg, &n); err != nil {
		return nil, err
	}
	kind := n.NotificationType
	if kind == "" {
		kind = n.EventType
	}

	messageID := n.Mail.MessageID
	if tag := n.Mail.Tags["message_id"]; len(tag) > 0 && tag[0] != "" {
		messageID = tag[0]
	}
	base := NormalizedEvent{
		MessageID: messageID,
		Provider:  "ses",
		Meta:      map[string]any{"ses_message_id": n.Mail.MessageID},
	}

	var out []NormalizedEvent
	switch kind {
	case "Bounce":
		if n.Bounce == nil {
			return nil, fmt.Errorf("bounce notification without bounce object")
		}
		bt := domain.BounceSoft
		if n.Bounce.BounceType == "Permanent" {
			bt = domain.BounceHard
		}
		at := parseTime(n.Bounce.Timestamp, now)
		for _, rcpt := range n.Bounce.BouncedRecipients {
			ev := base
			ev.Kind = KindBounce
			ev.Email = rcpt.EmailAddress
			ev.BounceType = bt
			ev.BounceSubType = n.Bounce.BounceSubType
			ev.DiagnosticCode = rcpt.DiagnosticCode
			ev.Occurred = at
			out = append(out, ev)
		}
	case "Complaint":
		if n.Complaint == nil {
			return nil, fmt.Errorf("complaint notification without complaint object")
		}
		at := parseTime(n.Complaint.Timestamp, now)
		for _, rcpt := range n.Complaint.ComplainedRecipients {
			ev := base
			ev.Kind = KindComplaint
			ev.Email = rcpt.EmailAddress
			ev.BounceType = domain.BounceComplaint
			if n.Complaint.ComplaintFeedbackType != "" {
				ev.Reason = "complaint: " + n.Complaint.ComplaintFeedbackType
			}
			ev.Occurred = at
			out = append(out, ev)
		}
	case "Delivery":
		ev := base
		ev.Kind = KindDelivered
		if n.Delivery != nil {
			ev.Occurred = parseTime(n.Delivery.Timestamp, now)
			ev.Meta["smtp_response"] = n.Delivery.SMTPResponse
		} else {
			ev.Occurred = now
		}
		out = append(out, ev)
	case "Open":
		ev := base
		ev.Kind = KindOpen
		ev.Occurred = now
		if n.Open != nil {
			ev.Occurred = parseTime(n.Open.Timestamp, now)
		}
		out = append(out, ev)
	case "Click":
		ev := base
		ev.Kind = KindClick
		ev.Occurred = now
		if n.Click != nil {
			ev.Occurred = parseTime(n.Click.Timestamp, now)
			ev.URL = n.Click.Link
		}
		out = append(out, ev)
	case "Reject", "Rendering Failure":
		ev := base
		ev.Kind = KindFailed
		ev.Occurred = now
		switch {
		case n.Reject != nil:
			ev.Reason = "ses reject: " + n.Reject.Reason
		case n.Failure != nil:
			ev.Reason = "ses rendering failure: " + n.Failure.ErrorMessage
		}
		out = append(out, ev)
	}
	return out, nil
}

func parseTime(s string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return fallback.UTC()
}
