package domain

import (
	"strings"
	"time"
)

// DeliveryStatus is the most recently reached state of an outbound message.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusOpened    DeliveryStatus = "opened"
	StatusClicked   DeliveryStatus = "clicked"
	StatusBounced   DeliveryStatus = "bounced"
	StatusFailed    DeliveryStatus = "failed"
)

// Valid reports whether s is a known delivery status.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusOpened,
		StatusClicked, StatusBounced, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether records in this state are eligible for the
// retention sweep.
func (s DeliveryStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusBounced || s == StatusFailed
}

// TimestampField names the per-status timestamp column stamped when a record
// reaches s, or "" when the status carries no timestamp.
func (s DeliveryStatus) TimestampField() string {
	switch s {
	case StatusSent:
		return "sent_at"
	case StatusDelivered:
		return "delivered_at"
	case StatusOpened:
		return "opened_at"
	case StatusClicked:
		return "clicked_at"
	case StatusBounced:
		return "bounced_at"
	}
	return ""
}

// DeliveryRecord is the per-message tracking row keyed by a public,
// unguessable message identifier.
type DeliveryRecord struct {
	ID           string         `json:"id" db:"id"`
	MessageID    string         `json:"message_id" db:"message_id"`
	Email        string         `json:"email" db:"email"`
	Name         string         `json:"name,omitempty" db:"name"`
	Subject      string         `json:"subject" db:"subject"`
	TemplateID   string         `json:"template_id,omitempty" db:"template_id"`
	CampaignID   string         `json:"campaign_id,omitempty" db:"campaign_id"`
	Status       DeliveryStatus `json:"status" db:"status"`
	SentAt       *time.Time     `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt  *time.Time     `json:"delivered_at,omitempty" db:"delivered_at"`
	OpenedAt     *time.Time     `json:"opened_at,omitempty" db:"opened_at"`
	ClickedAt    *time.Time     `json:"clicked_at,omitempty" db:"clicked_at"`
	BouncedAt    *time.Time     `json:"bounced_at,omitempty" db:"bounced_at"`
	BounceReason string         `json:"bounce_reason,omitempty" db:"bounce_reason"`
	ErrorMessage string         `json:"error_message,omitempty" db:"error_message"`
	TrackingData map[string]any `json:"tracking_data,omitempty" db:"tracking_data"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// Timestamp returns a pointer to the timestamp field stamped for status s,
// or nil when s has none. Callers use it to apply first-write-wins updates
// to in-memory copies.
func (r *DeliveryRecord) Timestamp(s DeliveryStatus) **time.Time {
	switch s {
	case StatusSent:
		return &r.SentAt
	case StatusDelivered:
		return &r.DeliveredAt
	case StatusOpened:
		return &r.OpenedAt
	case StatusClicked:
		return &r.ClickedAt
	case StatusBounced:
		return &r.BouncedAt
	}
	return nil
}

// Apply merges a status update into r in memory using the same rules the
// repositories enforce in storage: status always set, the status timestamp
// only if unset, optional fields only when supplied, tracking data merged
// key by key. It reports whether the timestamp was stamped by this call.
func (r *DeliveryRecord) Apply(status DeliveryStatus, at time.Time, u StatusUpdate) bool {
	r.Status = status
	r.UpdatedAt = at
	stamped := false
	if ts := r.Timestamp(status); ts != nil && *ts == nil {
		t := at
		*ts = &t
		stamped = true
	}
	if u.BounceReason != nil {
		r.BounceReason = *u.BounceReason
	}
	if u.ErrorMessage != nil {
		r.ErrorMessage = *u.ErrorMessage
	}
	if len(u.TrackingData) > 0 {
		if r.TrackingData == nil {
			r.TrackingData = make(map[string]any, len(u.TrackingData))
		}
		for k, v := range u.TrackingData {
			r.TrackingData[k] = v
		}
	}
	return stamped
}

// StatusUpdate carries the optional fields merged into a record alongside a
// status transition. Nil pointers leave the stored value untouched.
type StatusUpdate struct {
	BounceReason *string        `json:"bounce_reason,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	TrackingData map[string]any `json:"tracking_data,omitempty"`
}

// StatusChange is the committed result of a status transition together with
// the events it raised for the broadcaster.
type StatusChange struct {
	Record   *DeliveryRecord `json:"record"`
	Previous DeliveryStatus  `json:"previous"`
	Stamped  bool            `json:"stamped"`
	Events   []LiveEvent     `json:"-"`
}

// NormalizeEmail returns the canonical key form of an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// StringPtr is a convenience for building StatusUpdate values.
func StringPtr(s string) *string { return &s }
