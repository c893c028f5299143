package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

// Bounce classes SparkPost reports for addresses that will never accept
// mail: invalid recipient, no RCPT and unsubscribe.
var hardBounceClasses = map[int]bool{10: true, 30: true, 90: true}

type spEvent struct {
	Type          string         `json:"type"`
	MessageID     string         `json:"message_id"`
	RcptTo        string         `json:"rcpt_to"`
	Timestamp     string         `json:"timestamp"`
	BounceClass   string         `json:"bounce_class"`
	Reason        string         `json:"reason"`
	RawReason     string         `json:"raw_reason"`
	ErrorCode     string         `json:"error_code"`
	FeedbackType  string         `json:"fbtype"`
	TargetLinkURL string         `json:"target_link_url"`
	RcptMeta      map[string]any `json:"rcpt_meta"`
}

// SparkPostAdapter receives SparkPost event webhook batches.
type SparkPostAdapter struct {
	proc     Processor
	user     string
	password string
	now      func() time.Time
}

// NewSparkPostAdapter returns an adapter feeding proc. When user is set the
// request must carry matching basic auth credentials.
func NewSparkPostAdapter(proc Processor, user, password string) *SparkPostAdapter {
	return &SparkPostAdapter{proc: proc, user: user, password: password, now: time.Now}
}

// ServeHTTP handles POST /webhooks/sparkpost.
func (a *SparkPostAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.user != "" {
		u, p, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), []byte(a.user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), []byte(a.password)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	events, err := ParseSparkPost(body, a.now())
	if err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ApplyAll(r.Context(), a.proc, events); err != nil {
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ParseSparkPost converts a webhook batch. Event types this service does
// not track are skipped; an empty batch is SparkPost's connectivity ping.
func ParseSparkPost(body []byte, now time.Time) ([]NormalizedEvent, error) {
	var batch []struct {
		Msys map[string]json.RawMessage `json:"msys"`
	}
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, err
	}

	var out []NormalizedEvent
	for _, item := range batch {
		for category, raw := range item.Msys {
			var e spEvent
			if err := json.Unmarshal(raw, &e); err != nil {
				logger.Warn("[Webhook] skipping malformed SparkPost event", "category", category, "error", err)
				continue
			}
			if ev, ok := normalizeSparkPost(e, now); ok {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

func normalizeSparkPost(e spEvent, now time.Time) (NormalizedEvent, bool) {
	messageID := e.MessageID
	if id, ok := e.RcptMeta["message_id"].(string); ok && id != "" {
		messageID = id
	}
	ev := NormalizedEvent{
		MessageID: messageID,
		Email:     e.RcptTo,
		Provider:  "sparkpost",
		Occurred:  sparkPostTime(e.Timestamp, now),
		Meta:      map[string]any{"sparkpost_message_id": e.MessageID, "sparkpost_type": e.Type},
	}

	switch e.Type {
	case "delivery":
		ev.Kind = KindDelivered
	case "bounce", "out_of_band":
		ev.Kind = KindBounce
		ev.BounceType = domain.BounceSoft
		class, _ := strconv.Atoi(e.BounceClass)
		if hardBounceClasses[class] {
			ev.BounceType = domain.BounceHard
		}
		ev.BounceSubType = e.BounceClass
		ev.Reason = e.Reason
		ev.DiagnosticCode = e.RawReason
	case "spam_complaint":
		ev.Kind = KindComplaint
		ev.BounceType = domain.BounceComplaint
		if e.FeedbackType != "" {
			ev.Reason = "complaint: " + e.FeedbackType
		}
	case "open", "initial_open", "amp_open", "amp_initial_open":
		ev.Kind = KindOpen
	case "click", "amp_click":
		ev.Kind = KindClick
		ev.URL = e.TargetLinkURL
	case "list_unsubscribe", "link_unsubscribe":
		ev.Kind = KindUnsubscribe
		ev.Reason = "sparkpost " + e.Type
	case "policy_rejection", "generation_failure", "generation_rejection":
		ev.Kind = KindFailed
		ev.Reason = e.Reason
	default:
		return NormalizedEvent{}, false
	}
	return ev, true
}

// SparkPost sends unix seconds as a string; some event types use RFC 3339.
func sparkPostTime(s string, fallback time.Time) time.Time {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	return parseTime(s, fallback)
}
