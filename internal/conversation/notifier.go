// ABOUTME: In-memory fan-out of conversation lifecycle events
// ABOUTME: Emits discrete facts suitable for bridging onto an external event bus

package conversation

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

	// FirehoseKey subscribes to lifecycle events of every conversation.
	FirehoseKey = "*"
)

// EventType names a conversation lifecycle fact.
type EventType string

const (
	EventConversationCreated   EventType = "conversation_created"
	EventMessageRouted         EventType = "message_routed"
	EventConversationCompleted EventType = "conversation_completed"
	EventConversationArchived  EventType = "conversation_archived"
	EventConversationFailed    EventType = "conversation_failed"
)

// Event is one lifecycle notification. Events are emitted after the durable
// write succeeds, so a consumer never sees a fact storage doesn't hold.
type Event struct {
	Type           EventType
	ConversationID string
	Module         string // the routed-to module for message_routed, otherwise empty
	TurnNumber     int    // turn consumed by message_routed, otherwise 0
	Reason         string // archive/failure reason, if any
	Timestamp      time.Time
}

// Notifier provides in-memory pub/sub for lifecycle events. Subscribers
// register for one conversation id or for FirehoseKey to observe everything.
// The hosting process bridges these onto its event bus.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // key -> subID -> ch
	logger      *slog.Logger
}

// NewNotifier creates a notifier. Pass nil logger for default.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "notifier"),
	}
}

// Subscribe registers a subscriber for events on the given key (a
// conversation id, or FirehoseKey for all conversations). Returns a channel
// that receives events and a subscription ID for later unsubscription. The
// subscription is automatically cleaned up when ctx is cancelled.
func (n *Notifier) Subscribe(ctx context.Context, key string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	n.mu.Lock()
	if _, ok := n.subscribers[key]; !ok {
		n.subscribers[key] = make(map[string]chan *Event)
	}
	n.subscribers[key][subID] = ch
	n.mu.Unlock()

	n.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		n.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish sends an event to subscribers of its conversation id and to
// firehose subscribers. Non-blocking: events are dropped for subscribers
// whose channels are full. The read lock is held across the sends so an
// Unsubscribe cannot close a channel mid-publish; the sends never block, so
// holding it is safe.
func (n *Notifier) Publish(event *Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, key := range []string{event.ConversationID, FirehoseKey} {
		for _, ch := range n.subscribers[key] {
			select {
			case ch <- event:
				// Sent
			default:
				// Subscriber channel full — drop event for this subscriber
				n.logger.Debug("dropped event for slow subscriber",
					"conversation_id", event.ConversationID,
					"type", event.Type)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (n *Notifier) Unsubscribe(key, subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs, ok := n.subscribers[key]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(n.subscribers, key)
	}

	n.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// Close shuts down the notifier and closes all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for key, subs := range n.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(n.subscribers, key)
	}

	n.logger.Debug("notifier closed")
}
