package domain

import (
	"strings"
	"time"
)

// BounceEvent is a normalized bounce or complaint notification from a
// provider webhook.
type BounceEvent struct {
	MessageID      string     `json:"message_id"`
	Email          string     `json:"email"`
	BounceType     BounceType `json:"bounce_type"`
	BounceSubType  string     `json:"bounce_sub_type,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	DiagnosticCode string     `json:"diagnostic_code,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// Validate rejects events the policy engine cannot classify.
func (e *BounceEvent) Validate() error {
	if strings.TrimSpace(e.Email) == "" {
		return &ValidationError{Field: "email", Message: "is required"}
	}
	if !strings.Contains(e.Email, "@") {
		return &ValidationError{Field: "email", Message: "is not an address"}
	}
	if !e.BounceType.Valid() {
		return &ValidationError{Field: "bounce_type", Message: "must be hard, soft or complaint"}
	}
	return nil
}

// Describe returns the reason stored on the record and on the suppression
// entry: the provider's reason when given, else one built from the type,
// subtype and diagnostic code.
func (e *BounceEvent) Describe() string {
	if e.Reason != "" {
		return e.Reason
	}
	parts := []string{string(e.BounceType)}
	if e.BounceSubType != "" {
		parts = append(parts, e.BounceSubType)
	}
	r := strings.Join(parts, "/")
	if e.DiagnosticCode != "" {
		r += ": " + e.DiagnosticCode
	}
	return r
}

// BounceRecord is one row of the append-only bounce log used for the
// trailing-window soft bounce count.
type BounceRecord struct {
	ID         string     `json:"id" db:"id"`
	Email      string     `json:"email" db:"email"`
	BounceType BounceType `json:"bounce_type" db:"bounce_type"`
	MessageID  string     `json:"message_id,omitempty" db:"message_id"`
	Reason     string     `json:"reason,omitempty" db:"reason"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
