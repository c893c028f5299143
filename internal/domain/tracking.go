package domain

import "time"

// EngagementType enumerates recipient engagement signals.
type EngagementType string

const (
	EngagementOpen        EngagementType = "open"
	EngagementClick       EngagementType = "click"
	EngagementUnsubscribe EngagementType = "unsubscribe"
	EngagementComplaint   EngagementType = "complaint"
)

// Valid reports whether t is a known engagement type.
func (t EngagementType) Valid() bool {
	switch t {
	case EngagementOpen, EngagementClick, EngagementUnsubscribe, EngagementComplaint:
		return true
	}
	return false
}

// Status returns the delivery status an engagement promotes a record to, or
// "" for engagement types that never touch status.
func (t EngagementType) Status() DeliveryStatus {
	switch t {
	case EngagementOpen:
		return StatusOpened
	case EngagementClick:
		return StatusClicked
	}
	return ""
}

// EngagementEvent is an append-only row recording every engagement signal,
// including repeats.
type EngagementEvent struct {
	ID         string         `json:"id" db:"id"`
	DeliveryID string         `json:"delivery_id" db:"delivery_id"`
	EventType  EngagementType `json:"event_type" db:"event_type"`
	Data       map[string]any `json:"data,omitempty" db:"event_data"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// TrackEvent is what the public tracking endpoints emit when a recipient
// loads the pixel, follows a link or unsubscribes.
type TrackEvent struct {
	Type      EngagementType `json:"type"`
	MessageID string         `json:"message_id"`
	URL       string         `json:"url,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Metadata returns the engagement metadata recorded with the event.
func (e TrackEvent) Metadata() map[string]any {
	m := map[string]any{}
	if e.URL != "" {
		m["url"] = e.URL
	}
	if e.IPAddress != "" {
		m["ip"] = e.IPAddress
	}
	if e.UserAgent != "" {
		m["user_agent"] = e.UserAgent
	}
	return m
}

// EngagementResult reports what RecordEngagement did. First is true when
// the call won the first-occurrence race for an open or click.
type EngagementResult struct {
	Event  *EngagementEvent `json:"event"`
	Record *DeliveryRecord  `json:"-"`
	First  bool             `json:"first"`
	Events []LiveEvent      `json:"-"`
}
