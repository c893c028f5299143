package realtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

// DefaultNotifyChannel is the Postgres channel live events travel on.
const DefaultNotifyChannel = "delivery_events"

// pg_notify payloads are capped at 8000 bytes by the server.
const maxNotifyPayload = 7900

// PGNotifier publishes live events to other processes with pg_notify.
type PGNotifier struct {
	db      *sql.DB
	channel string
}

// NewPGNotifier returns a notifier on channel, or DefaultNotifyChannel when
// channel is empty.
func NewPGNotifier(db *sql.DB, channel string) *PGNotifier {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &PGNotifier{db: db, channel: channel}
}

// Publish sends ev. Failures are logged; live events are best-effort.
func (n *PGNotifier) Publish(ev domain.LiveEvent) {
	if err := n.Notify(context.Background(), ev); err != nil {
		logger.Warn("[Realtime] pg_notify failed", "type", ev.Type, "error", err)
	}
}

// Notify sends ev and reports the error.
func (n *PGNotifier) Notify(ctx context.Context, ev domain.LiveEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal live event: %w", err)
	}
	if len(payload) > maxNotifyPayload {
		// Drop the free-form data rather than lose the event.
		ev.Data = nil
		if payload, err = json.Marshal(ev); err != nil {
			return fmt.Errorf("marshal live event: %w", err)
		}
	}
	_, err = n.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.channel, string(payload))
	return err
}

// PGRelay listens on a Postgres channel and republishes every decoded
// LiveEvent into a local Broadcaster.
type PGRelay struct {
	connStr string
	channel string
	target  *Broadcaster
}

// NewPGRelay creates a relay. Call Run to start it.
func NewPGRelay(connStr, channel string, target *Broadcaster) *PGRelay {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &PGRelay{connStr: connStr, channel: channel, target: target}
}

// Run blocks until ctx is done.
func (r *PGRelay) Run(ctx context.Context) error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("[Realtime] pg listener error", "error", err)
		}
	}
	listener := pq.NewListener(r.connStr, 10*time.Second, time.Minute, reportProblem)
	defer listener.Close()

	if err := listener.Listen(r.channel); err != nil {
		return fmt.Errorf("listen %s: %w", r.channel, err)
	}
	logger.Info("[Realtime] listening for live events", "channel", r.channel)

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// nil after a reconnect
			if n == nil {
				continue
			}
			r.relay(n.Extra)
		case <-ping.C:
			go listener.Ping()
		}
	}
}

func (r *PGRelay) relay(payload string) {
	ev, err := DecodeLiveEvent([]byte(payload))
	if err != nil {
		logger.Warn("[Realtime] dropping malformed notification", "error", err)
		return
	}
	r.target.Publish(ev)
}

// DecodeLiveEvent parses a relayed payload.
func DecodeLiveEvent(b []byte) (domain.LiveEvent, error) {
	var ev domain.LiveEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, err
	}
	if ev.Type == "" {
		return ev, fmt.Errorf("live event without type")
	}
	return ev, nil
}
