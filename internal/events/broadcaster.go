// ABOUTME: In-memory fan-out event broadcaster for operator-side observers
// ABOUTME: Publishes state-change notifications to all subscribed console views

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Type names the state change an Event carries.
type Type string

// Notification types emitted by the gateway.
const (
	ClientConnected        Type = "client-connected"
	ClientDisconnected     Type = "client-disconnected"
	ClientListChanged      Type = "client-list-changed"
	TaskCreated            Type = "task-created"
	TaskUpdated            Type = "task-updated"
	TaskDeleted            Type = "task-deleted"
	TerminalOutputReceived Type = "terminal-output-received"
	TaskResultReceived     Type = "task-result-received"
	LoginRecorded          Type = "login-recorded"
)

// Event is one state-change notification with its payload record.
type Event struct {
	Type    Type      `json:"type"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// Broadcaster provides in-memory pub/sub of Events to console observers.
// Publishing is non-blocking: a subscriber that falls behind loses events
// rather than stalling the publisher.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event // subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers an observer. Returns a channel that receives events and
// a subscription ID for later unsubscription. The subscription is
// automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers. The event's Time is stamped here
// if the caller left it zero. The sends happen under the read lock —
// Unsubscribe and Close close channels under the write lock, so a channel
// cannot be closed while a send is in flight. The sends are non-blocking, so
// the lock hold is bounded.
func (b *Broadcaster) Publish(eventType Type, payload any) {
	event := Event{Type: eventType, Payload: payload, Time: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber channel full — drop event for this subscriber
			b.logger.Debug("dropped event for slow subscriber", "type", eventType)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}

	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}

	b.logger.Debug("broadcaster closed")
}
