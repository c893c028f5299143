package domain

import "time"

// TransportType identifies the mail transport used for a send.
type TransportType string

const (
	TransportSES       TransportType = "ses"
	TransportSparkPost TransportType = "sparkpost"
	TransportLog       TransportType = "log"
)

// EmailMessage is the fully-resolved message handed to a transport. Tracking
// injection is complete by the time a message reaches this struct.
type EmailMessage struct {
	MessageID   string            `json:"message_id"`
	Email       string            `json:"email"`
	Name        string            `json:"name,omitempty"`
	FromName    string            `json:"from_name"`
	FromEmail   string            `json:"from_email"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"html_content"`
	TextContent string            `json:"text_content,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// SendResult is returned by a transport after a successful hand-off.
type SendResult struct {
	Transport TransportType `json:"transport"`
	Response  string        `json:"response"`
	SentAt    time.Time     `json:"sent_at"`
}
