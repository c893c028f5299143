package domain

import "time"

// LiveEventType names the kinds of events pushed to realtime observers.
type LiveEventType string

const (
	LiveSent        LiveEventType = "sent"
	LiveDelivered   LiveEventType = "delivered"
	LiveBounce      LiveEventType = "bounce"
	LiveOpen        LiveEventType = "open"
	LiveClick       LiveEventType = "click"
	LiveFailed      LiveEventType = "failed"
	LiveUnsubscribe LiveEventType = "unsubscribe"
	LiveComplaint   LiveEventType = "complaint"
	LiveSuppressed  LiveEventType = "suppressed"
)

// LiveEventForStatus maps a delivery status to the event announcing it.
func LiveEventForStatus(s DeliveryStatus) (LiveEventType, bool) {
	switch s {
	case StatusSent:
		return LiveSent, true
	case StatusDelivered:
		return LiveDelivered, true
	case StatusBounced:
		return LiveBounce, true
	case StatusOpened:
		return LiveOpen, true
	case StatusClicked:
		return LiveClick, true
	case StatusFailed:
		return LiveFailed, true
	}
	return "", false
}

// LiveEvent is a single realtime notification.
type LiveEvent struct {
	Type      LiveEventType  `json:"type"`
	MessageID string         `json:"message_id,omitempty"`
	Email     string         `json:"email,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// MetricsSnapshot is the broadcaster's aggregate view. Rates are
// percentages; each is zero when its denominator is zero.
type MetricsSnapshot struct {
	TotalSent      int64       `json:"total_sent"`
	TotalDelivered int64       `json:"total_delivered"`
	TotalBounced   int64       `json:"total_bounced"`
	TotalOpened    int64       `json:"total_opened"`
	TotalClicked   int64       `json:"total_clicked"`
	DeliveryRate   float64     `json:"delivery_rate"`
	OpenRate       float64     `json:"open_rate"`
	ClickRate      float64     `json:"click_rate"`
	BounceRate     float64     `json:"bounce_rate"`
	Recent         []LiveEvent `json:"recent_events"`
	GeneratedAt    time.Time   `json:"generated_at"`
}
