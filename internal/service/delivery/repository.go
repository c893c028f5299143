package delivery

import (
	"context"
	"time"

	"github.com/ignite/deliverytrack/internal/domain"
)

// Repository defines the data access contract for delivery records.
type Repository interface {
	// Create inserts a new record.
	Create(ctx context.Context, rec *domain.DeliveryRecord) error

	// GetByMessageID returns domain.ErrNotFound when absent.
	GetByMessageID(ctx context.Context, messageID string) (*domain.DeliveryRecord, error)

	// LatestByEmail returns the most recently created record for the
	// normalized address, or domain.ErrNotFound.
	LatestByEmail(ctx context.Context, email string) (*domain.DeliveryRecord, error)

	// ApplyStatus sets the status and, only when it is still unset, the
	// status's timestamp in one atomic step. Optional fields are merged as
	// described on domain.DeliveryRecord.Apply.
	ApplyStatus(ctx context.Context, messageID string, status domain.DeliveryStatus, at time.Time, u domain.StatusUpdate) (*ApplyResult, error)

	// DeleteTerminalBefore removes up to limit records in a terminal state
	// created before cutoff and returns how many were removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// ApplyResult is what the store reports back from ApplyStatus.
type ApplyResult struct {
	Record   *domain.DeliveryRecord
	Previous domain.DeliveryStatus
	Stamped  bool
}
