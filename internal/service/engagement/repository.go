package engagement

import (
	"context"
	"time"

	"github.com/ignite/deliverytrack/internal/domain"
)

// Repository defines the data access contract for engagement events.
type Repository interface {
	// AppendEvent stores an event. Events are never updated or deduplicated.
	AppendEvent(ctx context.Context, ev *domain.EngagementEvent) error

	// MarkFirst sets the record's status and the status's timestamp only if
	// that timestamp is still unset, and reports whether this call set it.
	MarkFirst(ctx context.Context, messageID string, status domain.DeliveryStatus, at time.Time) (bool, error)

	// ListEvents returns the events for a delivery, oldest first.
	ListEvents(ctx context.Context, deliveryID string) ([]domain.EngagementEvent, error)
}

// DeliveryLookup resolves message ids and addresses to delivery records.
type DeliveryLookup interface {
	Get(ctx context.Context, messageID string) (*domain.DeliveryRecord, error)
	LatestForEmail(ctx context.Context, email string) (*domain.DeliveryRecord, error)
}
