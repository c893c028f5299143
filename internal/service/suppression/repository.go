package suppression

import (
	"context"
	"time"

	"github.com/ignite/deliverytrack/internal/domain"
)

// Repository defines the data access contract for the suppression list and
// the bounce log.
type Repository interface {
	// Get returns the entry for a normalized address or domain.ErrNotFound.
	// Expired entries are returned as stored.
	Get(ctx context.Context, email string) (*domain.SuppressionEntry, error)

	// Upsert inserts or fully replaces the entry for e.Email. CreatedAt is
	// kept from the existing row.
	Upsert(ctx context.Context, e *domain.SuppressionEntry) error

	// UpsertTemporary writes a temporary entry like Upsert unless the stored
	// entry is permanent. The check and the write are atomic. It reports
	// whether e was written; when it was not, e is replaced by the stored
	// entry.
	UpsertTemporary(ctx context.Context, e *domain.SuppressionEntry) (bool, error)

	// Delete removes an entry. Returns domain.ErrNotFound if absent.
	Delete(ctx context.Context, email string) error

	// DeleteExpired removes temporary entries whose expiry is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// List returns a page of entries matching filter plus the total count.
	List(ctx context.Context, filter ListFilter, now time.Time) ([]domain.SuppressionEntry, int, error)

	// Stats aggregates the list.
	Stats(ctx context.Context, now time.Time) (*domain.SuppressionStats, error)

	// RecordBounce appends a row to the bounce log. A row whose message id
	// is already logged for the same address and bounce type is skipped and
	// reported as not logged.
	RecordBounce(ctx context.Context, b *domain.BounceRecord) (bool, error)

	// CountBounces counts logged bounces of one type for an address since
	// the given time.
	CountBounces(ctx context.Context, email string, t domain.BounceType, since time.Time) (int, error)
}

// ListFilter controls pagination and filtering for suppression lists.
type ListFilter struct {
	Type           domain.SuppressionType `json:"type,omitempty"`
	Search         string                 `json:"search,omitempty"`
	IncludeExpired bool                   `json:"include_expired,omitempty"`
	Limit          int                    `json:"limit,omitempty"`
	Offset         int                    `json:"offset,omitempty"`
}

// StatusTracker is the slice of the lifecycle tracker the engine drives.
type StatusTracker interface {
	UpdateStatus(ctx context.Context, messageID string, status domain.DeliveryStatus, u domain.StatusUpdate) (*domain.StatusChange, error)
}

// EngagementLog records unsubscribe and complaint engagement events.
type EngagementLog interface {
	RecordEngagement(ctx context.Context, messageID string, t domain.EngagementType, meta map[string]any) (*domain.EngagementResult, error)
	RecordForLatest(ctx context.Context, email string, t domain.EngagementType, meta map[string]any) (*domain.EngagementResult, error)
}

// RetryQueue durably holds suppression writes that failed on the bounce
// path so a worker can re-apply them.
type RetryQueue interface {
	Enqueue(ctx context.Context, e domain.SuppressionEntry) error
}

// ExportSink receives entries during Export.
type ExportSink interface {
	Write(e domain.SuppressionEntry) error
}
