// ABOUTME: Manager is the authoritative, durable owner of conversation lifecycle
// ABOUTME: All routing flows through here - storage is the source of truth, memory is a cache

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/2389/parley/internal/message"
	"github.com/2389/parley/internal/protocol"
	"github.com/2389/parley/internal/store"
)

// cleanupConcurrency bounds how many conversations a cleanup scan touches at
// once. The scan never holds more than one conversation lock per worker.
const cleanupConcurrency = 4

// ConversationStore defines what the manager needs from storage.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	UpdateConversation(ctx context.Context, conv *store.Conversation) error
	ListConversations(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error)
	AppendMessage(ctx context.Context, msg *message.Message, conv *store.Conversation) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*message.Message, error)
	ListMessageIDs(ctx context.Context, conversationID string) ([]string, error)
}

// Resolver maps a module name to a deliverable endpoint. Supplied by the
// external module registry; consulted once per routed message.
type Resolver interface {
	Resolve(name string) (endpoint string, ok bool)
}

// Manager creates conversations, routes messages, enforces protocol legality,
// and persists state and history. Work is serialized per conversation id; the
// in-memory index is a cache that is always reconcilable from the store.
type Manager struct {
	store    ConversationStore
	resolver Resolver
	notifier *Notifier
	logger   *slog.Logger

	mu    sync.Mutex
	live  map[string]*State
	locks map[string]*sync.Mutex
}

// NewManager creates a conversation manager. The notifier may be nil if the
// host does not consume lifecycle events.
func NewManager(st ConversationStore, resolver Resolver, notifier *Notifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    st,
		resolver: resolver,
		notifier: notifier,
		logger:   logger.With("component", "conversation"),
		live:     make(map[string]*State),
		locks:    make(map[string]*sync.Mutex),
	}
}

// CreateConversation registers a new conversation between initiator and
// target. If the initial handshake message already carries a minted
// conversation id, that id is adopted; otherwise a fresh one is generated.
// Each call creates a distinct conversation - ongoing conversations between
// the same pair are never collapsed.
//
// The initial message is not routed here; RouteMessage remains the single
// mutation point for turns.
func (m *Manager) CreateConversation(ctx context.Context, initiator, target string, initial *message.Message) (*State, error) {
	if initiator == "" || target == "" {
		return nil, fmt.Errorf("initiator and target are required")
	}

	id := uuid.New().String()
	if initial != nil && initial.ConversationID != "" {
		id = initial.ConversationID
	}

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	st := newState(id, []string{initiator, target}, time.Now().UTC())
	if err := m.store.CreateConversation(ctx, st.row()); err != nil {
		if errors.Is(err, store.ErrDuplicateConversation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: creating conversation: %v", ErrStorageFailure, err)
	}

	m.setLive(st)
	m.publish(&Event{
		Type:           EventConversationCreated,
		ConversationID: id,
		Timestamp:      st.StartedAt,
	})

	m.logger.Info("conversation created",
		"conversation_id", id,
		"initiator", initiator,
		"target", target)

	return st.clone(), nil
}

// RouteMessage validates, persists, and routes one message. It is the single
// mutation point for conversation turns. Rejected messages never consume a
// turn number; a failed durable write leaves in-memory state untouched.
func (m *Manager) RouteMessage(ctx context.Context, msg *message.Message) (*Result, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", message.ErrInvalidMessage)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	lock := m.lockFor(msg.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.stateLocked(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}

	if st.Status != StatusActive {
		return nil, fmt.Errorf("%w: conversation %s is %s", ErrInvalidPhaseTransition, st.ID, st.Status)
	}

	now := time.Now().UTC()
	if st.NegotiationDeadline != nil && now.After(*st.NegotiationDeadline) && st.LastPhase < protocol.PhaseExecution {
		if err := m.failLocked(ctx, st, "negotiation_timeout"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: conversation %s failed: negotiation timed out", ErrInvalidPhaseTransition, st.ID)
	}

	phase := protocol.PhaseOf(msg.Type)
	if st.TurnCount == 0 {
		if phase != protocol.PhaseHandshake {
			return nil, fmt.Errorf("%w: conversation must open with a handshake, got %s", ErrInvalidPhaseTransition, phase)
		}
	} else {
		if st.LastPhase == protocol.PhaseTermination {
			return nil, fmt.Errorf("%w: conversation %s already terminated", ErrInvalidPhaseTransition, st.ID)
		}
		if phase < st.LastPhase {
			return nil, fmt.Errorf("%w: %s after %s", ErrInvalidPhaseTransition, phase, st.LastPhase)
		}
	}

	if want := st.TurnCount + 1; msg.TurnNumber != want {
		return nil, fmt.Errorf("%w: turn %d, expected %d", message.ErrInvalidMessage, msg.TurnNumber, want)
	}

	endpoint, ok := m.resolver.Resolve(msg.Target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, msg.Target)
	}

	// Stage the mutation; nothing is committed to memory until the durable
	// write succeeds.
	staged := st.clone()
	staged.TurnCount++
	staged.MessageHistory = append(staged.MessageHistory, msg.ID)
	staged.LastMessageAt = msg.Timestamp
	staged.LastPhase = phase
	for k, v := range msg.Context {
		staged.Context[k] = v
	}

	// Only the opening handshake sets the negotiation deadline; later
	// handshake-typed turns must not push it out, or a stalled negotiation
	// could be kept alive forever by re-sent handshakes.
	switch {
	case phase == protocol.PhaseHandshake && st.TurnCount == 0:
		staged.NegotiationDeadline = handshakeDeadline(msg)
	case phase >= protocol.PhaseExecution:
		staged.NegotiationDeadline = nil
	}

	terminated := phase == protocol.PhaseTermination
	if terminated {
		staged.Status = StatusCompleted
		completedAt := now
		staged.CompletedAt = &completedAt
		if reason, ok := msg.Content["reason"].(string); ok {
			staged.Context["termination_reason"] = reason
		}
	}

	if err := m.store.AppendMessage(ctx, msg, staged.row()); err != nil {
		if errors.Is(err, store.ErrDuplicateTurn) {
			return nil, fmt.Errorf("%w: turn %d already recorded", message.ErrInvalidMessage, msg.TurnNumber)
		}
		return nil, fmt.Errorf("%w: appending message: %v", ErrStorageFailure, err)
	}

	if terminated {
		m.dropLive(staged.ID)
	} else {
		m.setLive(staged)
	}

	m.publish(&Event{
		Type:           EventMessageRouted,
		ConversationID: msg.ConversationID,
		Module:         msg.Target,
		TurnNumber:     msg.TurnNumber,
		Timestamp:      msg.Timestamp,
	})
	if terminated {
		m.publish(&Event{
			Type:           EventConversationCompleted,
			ConversationID: staged.ID,
			Timestamp:      now,
		})
	}

	m.logger.Debug("message routed",
		"conversation_id", msg.ConversationID,
		"turn", msg.TurnNumber,
		"phase", phase.String(),
		"target", msg.Target,
		"endpoint", endpoint)

	return &Result{
		Status:     "delivered",
		RoutedTo:   msg.Target,
		TurnNumber: msg.TurnNumber,
	}, nil
}

// GetState returns the conversation's state: the live in-memory copy if
// present, otherwise rehydrated from storage. Active conversations found in
// storage are re-admitted to the live index.
func (m *Manager) GetState(ctx context.Context, conversationID string) (*State, error) {
	lock := m.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.stateLocked(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return st.clone(), nil
}

// GetHistory returns the ordered, fully materialized messages of a
// conversation from durable storage.
func (m *Manager) GetHistory(ctx context.Context, conversationID string) ([]*message.Message, error) {
	msgs, err := m.store.GetMessages(ctx, conversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: loading history: %v", ErrStorageFailure, err)
	}
	if len(msgs) == 0 {
		if _, err := m.store.GetConversation(ctx, conversationID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrConversationNotFound
			}
			return nil, fmt.Errorf("%w: loading conversation: %v", ErrStorageFailure, err)
		}
	}
	return msgs, nil
}

// EndConversation marks a conversation completed, archived, or failed,
// persists the terminal state, and removes it from the live index. Ending an
// already-terminal conversation is a no-op, so timeout conversion happens
// exactly once. Historical data remains queryable via storage.
func (m *Manager) EndConversation(ctx context.Context, conversationID string, status Status) error {
	switch status {
	case StatusCompleted, StatusArchived, StatusFailed:
	default:
		return fmt.Errorf("cannot end conversation with status %q", status)
	}

	lock := m.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.stateLocked(ctx, conversationID)
	if err != nil {
		return err
	}
	if st.Status != StatusActive {
		return nil
	}

	return m.closeLocked(ctx, st, status, "")
}

// CleanupOldConversations archives active conversations idle for longer than
// timeout and fails those whose negotiation deadline has passed without
// reaching execution. Returns the number of conversations closed. The scan
// takes one conversation lock at a time and never blocks unrelated routing.
func (m *Manager) CleanupOldConversations(ctx context.Context, timeout time.Duration) (int, error) {
	candidates, err := m.store.ListConversations(ctx, store.ConversationFilter{
		Status: string(StatusActive),
		Limit:  1000,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: listing active conversations: %v", ErrStorageFailure, err)
	}

	cutoff := time.Now().UTC().Add(-timeout)
	var closed atomic.Int64

	p := pool.New().WithMaxGoroutines(cleanupConcurrency)
	for _, row := range candidates {
		id := row.ID
		p.Go(func() {
			lock := m.lockFor(id)
			lock.Lock()
			defer lock.Unlock()

			st, err := m.stateLocked(ctx, id)
			if err != nil {
				m.logger.Error("cleanup: loading conversation failed", "conversation_id", id, "error", err)
				return
			}
			if st.Status != StatusActive {
				return
			}

			now := time.Now().UTC()
			switch {
			case st.NegotiationDeadline != nil && now.After(*st.NegotiationDeadline) && st.LastPhase < protocol.PhaseExecution:
				if err := m.failLocked(ctx, st, "negotiation_timeout"); err != nil {
					m.logger.Error("cleanup: failing conversation", "conversation_id", id, "error", err)
					return
				}
				closed.Add(1)
			case st.LastMessageAt.Before(cutoff):
				if err := m.closeLocked(ctx, st, StatusArchived, "inactivity"); err != nil {
					m.logger.Error("cleanup: archiving conversation", "conversation_id", id, "error", err)
					return
				}
				closed.Add(1)
			}
		})
	}
	p.Wait()

	if n := closed.Load(); n > 0 {
		m.logger.Info("cleanup pass finished", "closed", n, "scanned", len(candidates))
	}
	return int(closed.Load()), nil
}

// stateLocked returns the conversation's state, rehydrating from storage when
// it is absent from the live index. Only active conversations are re-admitted
// to the index. Callers must hold the conversation's lock.
func (m *Manager) stateLocked(ctx context.Context, conversationID string) (*State, error) {
	m.mu.Lock()
	st, ok := m.live[conversationID]
	m.mu.Unlock()
	if ok {
		return st, nil
	}

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
		}
		return nil, fmt.Errorf("%w: loading conversation: %v", ErrStorageFailure, err)
	}
	ids, err := m.store.ListMessageIDs(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading message ids: %v", ErrStorageFailure, err)
	}

	st = stateFromRow(conv, ids)
	if st.Status == StatusActive {
		m.setLive(st)
		m.logger.Debug("conversation rehydrated", "conversation_id", conversationID, "turns", st.TurnCount)
	}
	return st, nil
}

// closeLocked persists a terminal status and drops the conversation from the
// live index. Callers must hold the conversation's lock.
func (m *Manager) closeLocked(ctx context.Context, st *State, status Status, reason string) error {
	staged := st.clone()
	staged.Status = status
	completedAt := time.Now().UTC()
	staged.CompletedAt = &completedAt
	if reason != "" {
		staged.Context["termination_reason"] = reason
	}

	if err := m.store.UpdateConversation(ctx, staged.row()); err != nil {
		return fmt.Errorf("%w: closing conversation: %v", ErrStorageFailure, err)
	}

	m.dropLive(staged.ID)

	eventType := EventConversationCompleted
	switch status {
	case StatusArchived:
		eventType = EventConversationArchived
	case StatusFailed:
		eventType = EventConversationFailed
	}
	m.publish(&Event{
		Type:           eventType,
		ConversationID: staged.ID,
		Reason:         reason,
		Timestamp:      completedAt,
	})

	m.logger.Info("conversation closed",
		"conversation_id", staged.ID,
		"status", status,
		"reason", reason,
		"turns", staged.TurnCount)
	return nil
}

func (m *Manager) failLocked(ctx context.Context, st *State, reason string) error {
	return m.closeLocked(ctx, st, StatusFailed, reason)
}

// lockFor returns the serialization mutex for a conversation id, creating it
// on first use.
func (m *Manager) lockFor(conversationID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[conversationID] = lock
	}
	return lock
}

func (m *Manager) setLive(st *State) {
	m.mu.Lock()
	m.live[st.ID] = st
	m.mu.Unlock()
}

// dropLive removes a conversation from the live index and retires its
// serialization mutex. Called only once the conversation is terminal in
// storage, so a caller that recreates the mutex afterwards can only observe
// the terminal state.
func (m *Manager) dropLive(conversationID string) {
	m.mu.Lock()
	delete(m.live, conversationID)
	delete(m.locks, conversationID)
	m.mu.Unlock()
}

func (m *Manager) publish(event *Event) {
	if m.notifier != nil {
		m.notifier.Publish(event)
	}
}

// handshakeDeadline derives the negotiation deadline from a handshake
// message's embedded timeout.
func handshakeDeadline(msg *message.Message) *time.Time {
	timeout := protocol.DefaultTimeoutSeconds
	if h, err := protocol.HandshakeFromMessage(msg); err == nil {
		timeout = h.TimeoutSeconds
	}
	deadline := msg.Timestamp.Add(time.Duration(timeout) * time.Second)
	return &deadline
}
