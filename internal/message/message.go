// ABOUTME: Message is the single unit of protocol exchange between modules
// ABOUTME: Defines construction validation and reply-threading rules

package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidMessage is returned when a message is missing a mandatory field
// or its reply linkage is malformed.
var ErrInvalidMessage = errors.New("invalid message")

// Message is one unit of exchange within a conversation. Messages are value
// objects: once constructed they are appended to a conversation and never
// mutated. Content holds the business payload for this turn; Context is the
// key/value knowledge carried forward and enriched turn over turn.
type Message struct {
	ID             string
	Source         string
	Target         string
	Type           string
	ConversationID string
	TurnNumber     int
	Content        map[string]any
	Context        map[string]any
	Timestamp      time.Time
	InReplyTo      string
}

// New constructs a validated message with a fresh ID and timestamp.
// The timestamp is set at construction and is mandatory from then on;
// a message reconstructed without one fails Validate.
func New(source, target, msgType, conversationID string, turn int, content map[string]any) (*Message, error) {
	m := &Message{
		ID:             uuid.New().String(),
		Source:         source,
		Target:         target,
		Type:           msgType,
		ConversationID: conversationID,
		TurnNumber:     turn,
		Content:        content,
		Context:        make(map[string]any),
		Timestamp:      time.Now().UTC(),
	}
	if m.Content == nil {
		m.Content = make(map[string]any)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reply builds a response to parent from the given source. The reply stays in
// the parent's conversation, takes the next turn number, targets the parent's
// source, and carries the parent's context forward. Callers that need to
// address a different module may override Target on the returned message
// before routing it.
func Reply(parent *Message, source, msgType string, content map[string]any) (*Message, error) {
	if parent == nil {
		return nil, fmt.Errorf("%w: reply requires a parent message", ErrInvalidMessage)
	}
	m, err := New(source, parent.Source, msgType, parent.ConversationID, parent.TurnNumber+1, content)
	if err != nil {
		return nil, err
	}
	m.InReplyTo = parent.ID
	m.Context = cloneMap(parent.Context)
	return m, nil
}

// Validate checks the mandatory-field invariants. It is called at
// construction and again by the manager before routing, so messages
// reconstructed from storage get the same gate.
func (m *Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	case m.Source == "":
		return fmt.Errorf("%w: missing source", ErrInvalidMessage)
	case m.Target == "":
		return fmt.Errorf("%w: missing target", ErrInvalidMessage)
	case m.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalidMessage)
	case m.ConversationID == "":
		return fmt.Errorf("%w: missing conversation_id", ErrInvalidMessage)
	case m.TurnNumber < 1:
		return fmt.Errorf("%w: turn_number must be positive, got %d", ErrInvalidMessage, m.TurnNumber)
	case m.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidMessage)
	}
	return nil
}

// EnrichContext records a key/value on the message's carried context.
func (m *Message) EnrichContext(key string, value any) {
	if m.Context == nil {
		m.Context = make(map[string]any)
	}
	m.Context[key] = value
}

func cloneMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
