// Package sending implements the outbound path: policy gate, delivery
// record, tracking rewrite, transport hand-off and the resulting status.
//
// The transports (SES, SparkPost, dry-run) implement Sender. The policy
// engine and the lifecycle tracker are reached through the narrow
// interfaces below so the path can be tested without either.
package sending

import (
	"context"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/service/delivery"
)

// Sender hands a single message to a mail transport. Implementations must
// be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
}

// PolicyGate is the pre-send suppression check.
type PolicyGate interface {
	ValidateForSending(ctx context.Context, email string) (domain.SendDecision, error)
}

// Deliveries creates and advances delivery records.
type Deliveries interface {
	CreateDelivery(ctx context.Context, req delivery.CreateRequest) (*delivery.CreateResult, error)
	UpdateStatus(ctx context.Context, messageID string, status domain.DeliveryStatus, u domain.StatusUpdate) (*domain.StatusChange, error)
}

// TrackingInjector rewrites the HTML body for open and click tracking.
type TrackingInjector interface {
	Rewrite(html, messageID string) string
}

// UnsubscribeLinker produces the List-Unsubscribe target for a message.
type UnsubscribeLinker interface {
	UnsubscribeURL(messageID string) string
}
