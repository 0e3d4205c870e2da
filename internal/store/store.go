// ABOUTME: Store interface and row types for parley persistence
// ABOUTME: Conversations and messages are written atomically; the store is the source of truth

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/parley/internal/message"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when creating a conversation whose id
// already exists.
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrDuplicateTurn is returned when appending a message whose turn number is
// already taken within its conversation. Turn numbers among accepted messages
// are dense and unique; hitting this means two writers raced.
var ErrDuplicateTurn = errors.New("turn already recorded")

// Conversation is the persisted aggregate row for one conversation.
type Conversation struct {
	ID                  string
	Participants        []string // ordered, de-duplicated module names
	Status              string   // active, completed, archived, failed
	TurnCount           int
	LastPhase           int // ordinal of the highest phase reached
	Context             map[string]any
	StartedAt           time.Time
	LastMessageAt       time.Time
	CompletedAt         *time.Time
	NegotiationDeadline *time.Time
}

// ConversationFilter narrows ListConversations. Zero fields are ignored.
type ConversationFilter struct {
	Participant string     // only conversations involving this module
	Status      string     // only conversations in this status
	Since       *time.Time // last_message_at at or after
	Until       *time.Time // last_message_at at or before
	Limit       int        // defaults to 100, capped at 1000
}

// Store defines the persistence contract for conversations and their
// messages. AppendMessage must write the message row and the updated
// conversation row as one transaction so a crash never leaves turn_count out
// of sync with stored messages.
type Store interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)

	AppendMessage(ctx context.Context, msg *message.Message, conv *Conversation) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*message.Message, error)
	ListMessageIDs(ctx context.Context, conversationID string) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}
