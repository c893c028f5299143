// Package app assembles the stores and core services shared by the server,
// tracking and worker processes from one Config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	goredis "github.com/redis/go-redis/v9"

	"github.com/ignite/deliverytrack/internal/config"
	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/mailflow"
	"github.com/ignite/deliverytrack/internal/metrics"
	"github.com/ignite/deliverytrack/internal/pkg/distlock"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
	"github.com/ignite/deliverytrack/internal/realtime"
	"github.com/ignite/deliverytrack/internal/repository/bolt"
	"github.com/ignite/deliverytrack/internal/repository/postgres"
	"github.com/ignite/deliverytrack/internal/repository/redis"
	"github.com/ignite/deliverytrack/internal/service/delivery"
	"github.com/ignite/deliverytrack/internal/service/engagement"
	"github.com/ignite/deliverytrack/internal/service/sending"
	"github.com/ignite/deliverytrack/internal/service/suppression"
)

// RetryQueue is the full retry queue surface: the policy engine enqueues,
// the worker drains.
type RetryQueue interface {
	Enqueue(ctx context.Context, e domain.SuppressionEntry) error
	Dequeue(ctx context.Context) (*domain.RetryItem, error)
	Ack(ctx context.Context, item *domain.RetryItem) error
	Recover(ctx context.Context) (int, error)
	Requeue(ctx context.Context, item *domain.RetryItem) error
	DeadLetter(ctx context.Context, item *domain.RetryItem) error
	Len(ctx context.Context) (int64, error)
}

// Runtime holds the opened backends and the services built on them.
type Runtime struct {
	Config  *config.Config
	Metrics *metrics.Metrics

	// DB is set for the postgres driver, Bolt for the bolt driver.
	DB    *sql.DB
	Bolt  *bolt.Store
	Redis *goredis.Client

	Deliveries *delivery.Service
	Engagement *engagement.Service
	Policy     *suppression.Service
	Retry      RetryQueue
}

// Open connects the configured storage driver and, when a Redis URL is set,
// the Redis client backing the retry queue and sweep lock.
func Open(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Metrics: m}

	var (
		deliveryRepo   delivery.Repository
		engagementRepo engagement.Repository
		suppRepo       suppression.Repository
	)
	switch cfg.Storage.Driver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(cfg.Storage.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Storage.MaxIdleConns)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("[App] connected to postgres")
		rt.DB = db
		deliveryRepo = postgres.NewDeliveryRepo(db)
		engagementRepo = postgres.NewEngagementRepo(db)
		suppRepo = postgres.NewSuppressionRepo(db)
	case "bolt":
		store, err := bolt.Open(cfg.Storage.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("open bolt: %w", err)
		}
		logger.Info("[App] opened bolt store", "path", cfg.Storage.BoltPath)
		rt.Bolt = store
		deliveryRepo = store.Deliveries()
		engagementRepo = store.Engagement()
		suppRepo = store.Suppressions()
		rt.Retry = store.RetryQueue()
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if cfg.Redis.URL != "" {
		opts, err := goredis.ParseURL(cfg.Redis.URL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rt.Redis = goredis.NewClient(opts)
		if err := rt.Redis.Ping(ctx).Err(); err != nil {
			// The queue still accepts work once Redis comes back.
			logger.Warn("[App] redis ping failed", "error", err)
		}
		rt.Retry = redis.NewRetryQueue(rt.Redis, "")
	}
	if rt.Retry == nil {
		logger.Warn("[App] no retry queue configured, failed suppression writes are only logged")
	}

	rt.Deliveries = delivery.NewService(deliveryRepo,
		delivery.WithMetrics(m),
		delivery.WithSweepBatch(cfg.Retention.BatchSize),
	)
	rt.Engagement = engagement.NewService(engagementRepo, rt.Deliveries, engagement.WithMetrics(m))

	suppOpts := []suppression.Option{
		suppression.WithEngagementLog(rt.Engagement),
		suppression.WithMetrics(m),
		suppression.WithConfig(suppression.Config{
			SoftBounceWindow:        cfg.Policy.SoftBounceWindow(),
			SoftBounceThreshold:     cfg.Policy.SoftBounceThreshold,
			TemporarySuppressionTTL: cfg.Policy.TemporaryTTL(),
		}),
	}
	if rt.Retry != nil {
		suppOpts = append(suppOpts, suppression.WithRetryQueue(rt.Retry))
	}
	rt.Policy = suppression.NewService(suppRepo, rt.Deliveries, suppOpts...)
	return rt, nil
}

// Flow wraps the services with pub. send may be nil for processes that
// never send.
func (rt *Runtime) Flow(pub mailflow.Publisher, send *sending.Service) *mailflow.Flow {
	return &mailflow.Flow{
		Deliveries: rt.Deliveries,
		Policy:     rt.Policy,
		Engagement: rt.Engagement,
		Sending:    send,
		Publisher:  pub,
	}
}

// Publisher returns where live events go. On Postgres every process
// publishes with pg_notify and the server's PGRelay feeds its broadcaster,
// own events included, so nothing is counted twice. A bolt store is held by
// a single process, which publishes straight into local.
func (rt *Runtime) Publisher(local *realtime.Broadcaster) mailflow.Publisher {
	if rt.DB != nil {
		return realtime.NewPGNotifier(rt.DB, rt.Config.Realtime.NotifyChannel)
	}
	if local == nil {
		return mailflow.Discard{}
	}
	return local
}

// Locker returns the sweep lock: Redis when configured, else a Postgres
// advisory lock, else an in-process lock.
func (rt *Runtime) Locker(key string, ttl time.Duration) distlock.Locker {
	return distlock.New(rt.Redis, rt.DB, key, ttl)
}

// Close releases every backend that was opened.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}
	if rt.DB != nil {
		errs = append(errs, rt.DB.Close())
	}
	if rt.Bolt != nil {
		errs = append(errs, rt.Bolt.Close())
	}
	return errors.Join(errs...)
}
