// ABOUTME: In-memory fan-out broadcaster for signaling events
// ABOUTME: Subscribers get buffered channels; slow subscribers drop events instead of blocking publishers

package signaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(Event)
}

type subscriber struct {
	ch    chan Event
	types map[EventType]bool // nil means every type
}

// Broadcaster provides in-memory pub/sub for signaling events. Every event
// is stamped with the local device id and the publish time.
type Broadcaster struct {
	deviceID string

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster for the given local device. Pass nil
// logger for default.
func NewBroadcaster(deviceID string, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		deviceID:    deviceID,
		subscribers: make(map[string]*subscriber),
		logger:      logger.With("component", "signaling"),
	}
}

// Subscribe registers a subscriber for the given event types (all types when
// none are given). The returned channel is closed when ctx is cancelled or
// the broadcaster is closed.
func (b *Broadcaster) Subscribe(ctx context.Context, types ...EventType) (<-chan Event, string) {
	subID := uuid.New().String()
	sub := &subscriber{ch: make(chan Event, subscriberBufferSize)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	b.subscribers[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish delivers an event to every matching subscriber. Non-blocking:
// events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event Event) {
	if event.DeviceID == "" {
		event.DeviceID = b.deviceID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Sends never block, so holding the read lock keeps Unsubscribe from
	// closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"sub_id", id,
				"type", event.Type)
		}
	}

	b.logger.Debug("event published", "type", event.Type, "subscribers", len(b.subscribers))
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}

// Ensure Broadcaster implements Publisher
var _ Publisher = (*Broadcaster)(nil)
