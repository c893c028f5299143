package domain

import "time"

// SuppressionType enumerates why an address is on the suppression list.
type SuppressionType string

const (
	SuppressionBounce      SuppressionType = "bounce"
	SuppressionComplaint   SuppressionType = "complaint"
	SuppressionUnsubscribe SuppressionType = "unsubscribe"
	SuppressionManual      SuppressionType = "manual"
)

// Valid reports whether t is a known suppression type.
func (t SuppressionType) Valid() bool {
	switch t {
	case SuppressionBounce, SuppressionComplaint, SuppressionUnsubscribe, SuppressionManual:
		return true
	}
	return false
}

// BounceType classifies a bounce notification.
type BounceType string

const (
	BounceHard      BounceType = "hard"
	BounceSoft      BounceType = "soft"
	BounceComplaint BounceType = "complaint"
)

// Valid reports whether b is a known bounce type.
func (b BounceType) Valid() bool {
	return b == BounceHard || b == BounceSoft || b == BounceComplaint
}

// SuppressionEntry is a single row of the suppression list, keyed by the
// normalized address. An upsert replaces every field.
type SuppressionEntry struct {
	Email       string          `json:"email" db:"email"`
	Type        SuppressionType `json:"suppression_type" db:"suppression_type"`
	BounceType  BounceType      `json:"bounce_type,omitempty" db:"bounce_type"`
	Reason      string          `json:"reason,omitempty" db:"reason"`
	IsPermanent bool            `json:"is_permanent" db:"is_permanent"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Expired reports whether a temporary entry has lapsed at now. Permanent
// entries never expire.
func (e *SuppressionEntry) Expired(now time.Time) bool {
	if e.IsPermanent || e.ExpiresAt == nil {
		return false
	}
	return !e.ExpiresAt.After(now)
}

// Validate checks the permanence/expiry invariant.
func (e *SuppressionEntry) Validate() error {
	if e.Email == "" {
		return &ValidationError{Field: "email", Message: "is required"}
	}
	if !e.Type.Valid() {
		return &ValidationError{Field: "suppression_type", Message: "unknown type " + string(e.Type)}
	}
	if e.BounceType != "" && !e.BounceType.Valid() {
		return &ValidationError{Field: "bounce_type", Message: "unknown bounce type " + string(e.BounceType)}
	}
	if !e.IsPermanent && e.ExpiresAt == nil {
		return &ValidationError{Field: "expires_at", Message: "required for temporary suppressions"}
	}
	if e.IsPermanent && e.ExpiresAt != nil {
		return &ValidationError{Field: "expires_at", Message: "must be empty for permanent suppressions"}
	}
	return nil
}

// SuppressionStatus is the answer to "is this address suppressed right now".
type SuppressionStatus struct {
	Suppressed bool              `json:"suppressed"`
	Entry      *SuppressionEntry `json:"entry,omitempty"`
}

// SendDecision is the policy gate result consulted before every send.
type SendDecision struct {
	CanSend         bool            `json:"can_send"`
	Reason          string          `json:"reason,omitempty"`
	SuppressionType SuppressionType `json:"suppression_type,omitempty"`
}

// SuppressionStats summarizes the list for operators.
type SuppressionStats struct {
	Total     int                     `json:"total"`
	Permanent int                     `json:"permanent"`
	Temporary int                     `json:"temporary"`
	Expired   int                     `json:"expired"`
	ByType    map[SuppressionType]int `json:"by_type"`
}

// RetryItem is a suppression write waiting in the retry queue.
type RetryItem struct {
	ID         string           `json:"id"`
	Entry      SuppressionEntry `json:"entry"`
	Attempts   int              `json:"attempts"`
	LastError  string           `json:"last_error,omitempty"`
	EnqueuedAt time.Time        `json:"enqueued_at"`

	// Receipt identifies a claimed item inside its queue until it is acked,
	// requeued or dead-lettered.
	Receipt string `json:"-"`
}
