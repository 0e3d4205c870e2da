// ABOUTME: Per-module local conversation state: history, derived context, activity tracking
// ABOUTME: Each module keeps its own view; nothing here is shared between modules

package module

import (
	"log/slog"
	"sync"
	"time"

	"github.com/2389/parley/internal/message"
)

// Context is a module's private view of the conversations it participates
// in. It tracks the messages the module has seen, per-conversation derived
// context values, and last-activity times for staleness cleanup. All methods
// are safe for concurrent use.
type Context struct {
	mu      sync.RWMutex
	history map[string][]*message.Message
	derived map[string]map[string]any
	active  map[string]time.Time
	logger  *slog.Logger
}

// NewContext creates an empty local view.
func NewContext(logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		history: make(map[string][]*message.Message),
		derived: make(map[string]map[string]any),
		active:  make(map[string]time.Time),
		logger:  logger,
	}
}

// Observe records a message in the local history and folds its context
// fields into the conversation's derived context. Later values win on key
// collision.
func (c *Context) Observe(msg *message.Message) {
	if msg == nil || msg.ConversationID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	id := msg.ConversationID
	c.history[id] = append(c.history[id], msg)
	c.active[id] = time.Now().UTC()

	if len(msg.Context) > 0 {
		d := c.derived[id]
		if d == nil {
			d = make(map[string]any, len(msg.Context))
			c.derived[id] = d
		}
		for k, v := range msg.Context {
			d[k] = v
		}
	}
}

// History returns the messages this module has seen for a conversation, in
// observation order. The returned slice is a copy.
func (c *Context) History(conversationID string) []*message.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := c.history[conversationID]
	if len(msgs) == 0 {
		return nil
	}
	return append([]*message.Message(nil), msgs...)
}

// ContextValue looks up a derived context value for a conversation.
func (c *Context) ContextValue(conversationID, key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.derived[conversationID]
	if !ok {
		return nil, false
	}
	v, ok := d[key]
	return v, ok
}

// SetContextValue records a module-computed context value for a
// conversation.
func (c *Context) SetContextValue(conversationID, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.derived[conversationID]
	if d == nil {
		d = make(map[string]any)
		c.derived[conversationID] = d
	}
	d[key] = value
	c.active[conversationID] = time.Now().UTC()
}

// Conversations returns the ids of conversations with local state.
func (c *Context) Conversations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

// Forget drops all local state for a conversation.
func (c *Context) Forget(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.history, conversationID)
	delete(c.derived, conversationID)
	delete(c.active, conversationID)
}

// CleanupInactive drops local state for conversations with no activity
// within timeout and returns how many were dropped.
func (c *Context) CleanupInactive(timeout time.Duration) int {
	cutoff := time.Now().UTC().Add(-timeout)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, last := range c.active {
		if last.Before(cutoff) {
			delete(c.history, id)
			delete(c.derived, id)
			delete(c.active, id)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("cleaned up inactive local conversations", "count", removed)
	}
	return removed
}
