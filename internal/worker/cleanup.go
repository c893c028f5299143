// Package worker runs the background jobs of the worker process: the
// cleanup sweeps and the suppression retry drainer.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/deliverytrack/internal/pkg/distlock"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

// =============================================================================
// CLEANUP WORKER: Expired Suppressions & Delivery Retention
// =============================================================================
// Temporary suppressions are ignored by the send gate once they lapse, so
// expiry here is housekeeping only. Terminal delivery records older than the
// retention horizon are removed in batches together with their engagement
// events. Only one worker process sweeps at a time (distlock).

// DefaultCleanupInterval is how often the cleanup cycle runs.
const DefaultCleanupInterval = time.Hour

// ExpirySweeper removes lapsed temporary suppressions.
type ExpirySweeper interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// RetentionSweeper removes terminal delivery records older than horizon.
type RetentionSweeper interface {
	CleanupRetention(ctx context.Context, horizon time.Duration) (int, error)
}

// CleanupWorker periodically runs both sweeps under a distributed lock.
type CleanupWorker struct {
	suppressions ExpirySweeper
	deliveries   RetentionSweeper
	lock         distlock.Locker
	interval     time.Duration
	horizon      time.Duration
}

// NewCleanupWorker creates a cleanup worker. A zero horizon disables the
// retention sweep; a zero interval uses DefaultCleanupInterval.
func NewCleanupWorker(suppressions ExpirySweeper, deliveries RetentionSweeper, lock distlock.Locker, interval, horizon time.Duration) *CleanupWorker {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if lock == nil {
		lock = &distlock.LocalLock{}
	}
	return &CleanupWorker{
		suppressions: suppressions,
		deliveries:   deliveries,
		lock:         lock,
		interval:     interval,
		horizon:      horizon,
	}
}

// Start begins the cleanup loop. It blocks until ctx is cancelled.
func (cw *CleanupWorker) Start(ctx context.Context) {
	logger.Info("[Cleanup] Starting", "interval", cw.interval.String(), "retention", cw.horizon.String())

	// Run once immediately on start
	cw.RunOnce(ctx)

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[Cleanup] Stopping")
			return
		case <-ticker.C:
			cw.RunOnce(ctx)
		}
	}
}

// RunOnce runs one cycle if the lock is free and reports whether it ran.
func (cw *CleanupWorker) RunOnce(ctx context.Context) bool {
	start := time.Now()
	err := distlock.Run(ctx, cw.lock, func(ctx context.Context) error {
		expired, err := cw.suppressions.CleanupExpired(ctx)
		if err != nil {
			logger.ErrorCtx(ctx, "[Cleanup] suppression expiry failed", "error", err)
		} else if expired > 0 {
			logger.InfoCtx(ctx, "[Cleanup] removed expired suppressions", "count", expired)
		}

		if cw.horizon > 0 {
			removed, err := cw.deliveries.CleanupRetention(ctx, cw.horizon)
			if err != nil {
				logger.ErrorCtx(ctx, "[Cleanup] retention sweep failed", "error", err, "removed", removed)
			} else if removed > 0 {
				logger.InfoCtx(ctx, "[Cleanup] removed terminal deliveries", "count", removed)
			}
		}
		return nil
	})
	if errors.Is(err, distlock.ErrNotAcquired) {
		logger.Debug("[Cleanup] another worker holds the sweep lock, skipping")
		return false
	}
	if err != nil {
		logger.Error("[Cleanup] lock error", "error", err)
		return false
	}
	logger.Info("[Cleanup] cycle completed", "duration", time.Since(start).Round(time.Millisecond).String())
	return true
}
