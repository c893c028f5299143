// Package realtime fans delivery and engagement events out to live
// subscribers and keeps the running MetricsSnapshot.
//
// A Broadcaster is constructed once per process and passed to whoever
// publishes or subscribes. It has no persistence: on restart the counters
// start from zero.
package realtime

import (
	"sync"
	"time"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/metrics"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

// OverflowPolicy decides what happens when a subscriber's buffer is full.
type OverflowPolicy int

const (
	// DropOldest discards the oldest buffered message to make room.
	DropOldest OverflowPolicy = iota
	// Disconnect removes the subscriber.
	Disconnect
)

// ParseOverflowPolicy maps the config value; anything unknown is DropOldest.
func ParseOverflowPolicy(s string) OverflowPolicy {
	if s == "disconnect" {
		return Disconnect
	}
	return DropOldest
}

func (p OverflowPolicy) String() string {
	if p == Disconnect {
		return "disconnect"
	}
	return "drop_oldest"
}

// MessageKind tags what a Message carries.
type MessageKind string

const (
	KindSnapshot MessageKind = "snapshot"
	KindEvent    MessageKind = "event"
)

// Message is one item delivered to a subscriber.
type Message struct {
	Kind     MessageKind             `json:"kind"`
	Snapshot *domain.MetricsSnapshot `json:"snapshot,omitempty"`
	Event    *domain.LiveEvent       `json:"event,omitempty"`
}

// Options configures a Broadcaster. Zero values take defaults.
type Options struct {
	Buffer       int
	RecentEvents int
	Debounce     time.Duration
	Overflow     OverflowPolicy
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Subscription is a registered subscriber. Read from C until it is closed.
type Subscription struct {
	ch     chan Message
	b      *Broadcaster
	closed bool
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() { s.b.Unsubscribe(s) }

// Broadcaster is the in-memory pub/sub hub. All state is guarded by mu and
// no send under mu ever blocks.
type Broadcaster struct {
	opts Options

	mu        sync.Mutex
	subs      map[*Subscription]struct{}
	sent      int64
	delivered int64
	bounced   int64
	opened    int64
	clicked   int64
	ring      []domain.LiveEvent
	head      int
	size      int
	pending   bool
	timer     *time.Timer
	closed    bool
}

// New creates a Broadcaster.
func New(opts Options) *Broadcaster {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.RecentEvents <= 0 {
		opts.RecentEvents = 50
	}
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Broadcaster{
		opts: opts,
		subs: make(map[*Subscription]struct{}),
		ring: make([]domain.LiveEvent, opts.RecentEvents),
	}
}

// Subscribe registers a subscriber whose first message is the current
// snapshot. On a closed Broadcaster the returned subscription is already
// closed.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan Message, b.opts.Buffer), b: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	snap := b.snapshotLocked()
	sub.ch <- Message{Kind: KindSnapshot, Snapshot: &snap}
	b.subs[sub] = struct{}{}
	b.opts.Metrics.SetSubscribers(len(b.subs))
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe after the transport
// has gone away and safe to repeat.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub)
	close(sub.ch)
	b.opts.Metrics.SetSubscribers(len(b.subs))
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish records ev, pushes it to every subscriber and schedules a
// snapshot broadcast after the debounce window. Publish never blocks on a
// subscriber.
func (b *Broadcaster) Publish(ev domain.LiveEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.opts.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.ring[b.head] = ev
	b.head = (b.head + 1) % len(b.ring)
	if b.size < len(b.ring) {
		b.size++
	}
	switch ev.Type {
	case domain.LiveSent:
		b.sent++
	case domain.LiveDelivered:
		b.delivered++
	case domain.LiveBounce:
		b.bounced++
	case domain.LiveOpen:
		b.opened++
	case domain.LiveClick:
		b.clicked++
	}

	for sub := range b.subs {
		evCopy := ev
		b.sendLocked(sub, Message{Kind: KindEvent, Event: &evCopy})
	}

	if b.opts.Debounce == 0 {
		b.broadcastSnapshotLocked()
		return
	}
	if !b.pending {
		b.pending = true
		b.timer = time.AfterFunc(b.opts.Debounce, b.flushSnapshot)
	}
}

// PublishAll publishes events in order.
func (b *Broadcaster) PublishAll(events []domain.LiveEvent) {
	for _, ev := range events {
		b.Publish(ev)
	}
}

func (b *Broadcaster) flushSnapshot() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = false
	if b.closed {
		return
	}
	b.broadcastSnapshotLocked()
}

func (b *Broadcaster) broadcastSnapshotLocked() {
	if len(b.subs) == 0 {
		return
	}
	snap := b.snapshotLocked()
	for sub := range b.subs {
		b.sendLocked(sub, Message{Kind: KindSnapshot, Snapshot: &snap})
	}
}

// sendLocked delivers msg without blocking, applying the overflow policy
// when the buffer is full.
func (b *Broadcaster) sendLocked(sub *Subscription, msg Message) {
	select {
	case sub.ch <- msg:
		return
	default:
	}

	b.opts.Metrics.Dropped(b.opts.Overflow.String())
	if b.opts.Overflow == Disconnect {
		logger.Warn("[Realtime] subscriber buffer full, disconnecting")
		b.removeLocked(sub)
		return
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- msg:
	default:
	}
}

// Snapshot returns the current metrics.
func (b *Broadcaster) Snapshot() domain.MetricsSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Broadcaster) snapshotLocked() domain.MetricsSnapshot {
	recent := make([]domain.LiveEvent, 0, b.size)
	for i := 1; i <= b.size; i++ {
		idx := (b.head - i + len(b.ring)) % len(b.ring)
		recent = append(recent, b.ring[idx])
	}
	return domain.MetricsSnapshot{
		TotalSent:      b.sent,
		TotalDelivered: b.delivered,
		TotalBounced:   b.bounced,
		TotalOpened:    b.opened,
		TotalClicked:   b.clicked,
		DeliveryRate:   percent(b.delivered, b.sent),
		BounceRate:     percent(b.bounced, b.sent),
		OpenRate:       percent(b.opened, b.delivered),
		ClickRate:      percent(b.clicked, b.opened),
		Recent:         recent,
		GeneratedAt:    b.opts.Now().UTC(),
	}
}

func percent(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den) * 100
}

// Close stops the debounce timer and closes every subscription. Publish
// after Close is a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	for sub := range b.subs {
		b.removeLocked(sub)
	}
}
