// ABOUTME: ConversationState is the per-conversation aggregate the manager owns
// ABOUTME: Tracks participants, turn count, phase progress, and accumulated context

package conversation

import (
	"time"

	"github.com/2389/parley/internal/protocol"
	"github.com/2389/parley/internal/store"
)

// Status is a conversation's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
	StatusFailed    Status = "failed"
)

// State is the aggregate root for one conversation. The manager is the only
// writer; callers receive copies and must not expect mutations to stick.
type State struct {
	ID             string
	Participants   []string
	TurnCount      int
	MessageHistory []string // ordered message ids, not payloads
	Status         Status
	Context        map[string]any // conversation-level memory, distinct from any message's context
	LastPhase      protocol.Phase
	StartedAt      time.Time
	LastMessageAt  time.Time
	CompletedAt    *time.Time

	// NegotiationDeadline bounds handshake/negotiation. Cleared once the
	// conversation reaches execution; conversations still short of execution
	// when it passes are failed.
	NegotiationDeadline *time.Time
}

func newState(id string, participants []string, now time.Time) *State {
	return &State{
		ID:            id,
		Participants:  dedupe(participants),
		Status:        StatusActive,
		Context:       make(map[string]any),
		StartedAt:     now,
		LastMessageAt: now,
	}
}

// clone returns a deep-enough copy for handing out or staging a mutation.
func (s *State) clone() *State {
	dup := *s
	dup.Participants = append([]string(nil), s.Participants...)
	dup.MessageHistory = append([]string(nil), s.MessageHistory...)
	dup.Context = make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		dup.Context[k] = v
	}
	if s.CompletedAt != nil {
		completedAt := *s.CompletedAt
		dup.CompletedAt = &completedAt
	}
	if s.NegotiationDeadline != nil {
		deadline := *s.NegotiationDeadline
		dup.NegotiationDeadline = &deadline
	}
	return &dup
}

func (s *State) row() *store.Conversation {
	return &store.Conversation{
		ID:                  s.ID,
		Participants:        s.Participants,
		Status:              string(s.Status),
		TurnCount:           s.TurnCount,
		LastPhase:           int(s.LastPhase),
		Context:             s.Context,
		StartedAt:           s.StartedAt,
		LastMessageAt:       s.LastMessageAt,
		CompletedAt:         s.CompletedAt,
		NegotiationDeadline: s.NegotiationDeadline,
	}
}

func stateFromRow(conv *store.Conversation, messageIDs []string) *State {
	return &State{
		ID:                  conv.ID,
		Participants:        conv.Participants,
		TurnCount:           conv.TurnCount,
		MessageHistory:      messageIDs,
		Status:              Status(conv.Status),
		Context:             conv.Context,
		LastPhase:           protocol.Phase(conv.LastPhase),
		StartedAt:           conv.StartedAt,
		LastMessageAt:       conv.LastMessageAt,
		CompletedAt:         conv.CompletedAt,
		NegotiationDeadline: conv.NegotiationDeadline,
	}
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
