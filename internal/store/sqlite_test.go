// ABOUTME: Tests for the SQLite store
// ABOUTME: Verifies atomic appends, duplicate detection, and filtered listing

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/message"
)

func createTestStore(t *testing.T) *SQLiteStore {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConversation(id string, participants ...string) *Conversation {
	now := time.Now().UTC().Truncate(time.Second)
	return &Conversation{
		ID:            id,
		Participants:  participants,
		Status:        "active",
		Context:       map[string]any{},
		StartedAt:     now,
		LastMessageAt: now,
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-1", "marker", "arangodb")
	conv.Context = map[string]any{"intent": "collaborate"}
	require.NoError(t, s.CreateConversation(ctx, conv))

	got, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"marker", "arangodb"}, got.Participants)
	assert.Equal(t, "active", got.Status)
	assert.Equal(t, 0, got.TurnCount)
	assert.Equal(t, "collaborate", got.Context["intent"])
	assert.Nil(t, got.CompletedAt)
}

func TestCreateConversation_Duplicate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, testConversation("conv-1", "a", "b")))
	err := s.CreateConversation(ctx, testConversation("conv-1", "a", "b"))
	assert.ErrorIs(t, err, ErrDuplicateConversation)
}

func TestGetConversation_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateConversation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-1", "a", "b")
	require.NoError(t, s.CreateConversation(ctx, conv))

	completed := time.Now().UTC().Truncate(time.Second)
	conv.Status = "completed"
	conv.CompletedAt = &completed
	require.NoError(t, s.UpdateConversation(ctx, conv))

	got, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(completed))
}

func TestUpdateConversation_NotFound(t *testing.T) {
	s := createTestStore(t)
	err := s.UpdateConversation(context.Background(), testConversation("missing", "a", "b"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func appendTestMessage(t *testing.T, s *SQLiteStore, conv *Conversation, turn int, msgType string) *message.Message {
	t.Helper()
	msg, err := message.New("a", "b", msgType, conv.ID, turn, map[string]any{"n": turn})
	require.NoError(t, err)

	conv.TurnCount = turn
	conv.LastMessageAt = msg.Timestamp
	require.NoError(t, s.AppendMessage(context.Background(), msg, conv))
	return msg
}

func TestAppendMessage_UpdatesConversationAtomically(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-1", "a", "b")
	require.NoError(t, s.CreateConversation(ctx, conv))

	appendTestMessage(t, s, conv, 1, "conversation_handshake")
	appendTestMessage(t, s, conv, 2, "execution")

	got, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TurnCount)

	messages, err := s.GetMessages(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, 1, messages[0].TurnNumber)
	assert.Equal(t, 2, messages[1].TurnNumber)
}

func TestAppendMessage_DuplicateTurn(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-1", "a", "b")
	require.NoError(t, s.CreateConversation(ctx, conv))
	appendTestMessage(t, s, conv, 1, "conversation_handshake")

	dup, err := message.New("a", "b", "execution", "conv-1", 1, nil)
	require.NoError(t, err)
	err = s.AppendMessage(ctx, dup, conv)
	assert.ErrorIs(t, err, ErrDuplicateTurn)

	// The failed append must not have touched the conversation row.
	got, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.TurnCount)
}

func TestAppendMessage_UnknownConversation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	msg, err := message.New("a", "b", "execution", "missing", 1, nil)
	require.NoError(t, err)
	err = s.AppendMessage(ctx, msg, testConversation("missing", "a", "b"))
	require.Error(t, err)

	// Nothing written: the message insert must have rolled back too.
	messages, err := s.GetMessages(ctx, "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestGetMessages_RoundTripsPayloads(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-1", "a", "b")
	require.NoError(t, s.CreateConversation(ctx, conv))

	msg, err := message.New("a", "b", "extract_result", "conv-1", 1, map[string]any{"pages": 12.0})
	require.NoError(t, err)
	msg.EnrichContext("seen", true)
	msg.InReplyTo = "parent-id"
	conv.TurnCount = 1
	require.NoError(t, s.AppendMessage(ctx, msg, conv))

	messages, err := s.GetMessages(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	got := messages[0]
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "extract_result", got.Type)
	assert.Equal(t, 12.0, got.Content["pages"])
	assert.Equal(t, true, got.Context["seen"])
	assert.Equal(t, "parent-id", got.InReplyTo)
	assert.False(t, got.Timestamp.IsZero())
	require.NoError(t, got.Validate())
}

func TestListMessageIDs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-1", "a", "b")
	require.NoError(t, s.CreateConversation(ctx, conv))

	m1 := appendTestMessage(t, s, conv, 1, "conversation_handshake")
	m2 := appendTestMessage(t, s, conv, 2, "execution")

	ids, err := s.ListMessageIDs(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{m1.ID, m2.ID}, ids)
}

func TestListConversations_Filters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	active := testConversation("conv-active", "marker", "arangodb")
	require.NoError(t, s.CreateConversation(ctx, active))

	done := testConversation("conv-done", "marker", "scorer")
	done.Status = "completed"
	require.NoError(t, s.CreateConversation(ctx, done))

	other := testConversation("conv-other", "fetcher", "scorer")
	require.NoError(t, s.CreateConversation(ctx, other))

	byStatus, err := s.ListConversations(ctx, ConversationFilter{Status: "active"})
	require.NoError(t, err)
	require.Len(t, byStatus, 2)

	byParticipant, err := s.ListConversations(ctx, ConversationFilter{Participant: "marker"})
	require.NoError(t, err)
	require.Len(t, byParticipant, 2)

	both, err := s.ListConversations(ctx, ConversationFilter{Participant: "marker", Status: "completed"})
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, "conv-done", both[0].ID)
}

func TestListConversations_TimeRange(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	old := testConversation("conv-old", "a", "b")
	old.LastMessageAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, s.CreateConversation(ctx, old))

	recent := testConversation("conv-recent", "a", "b")
	require.NoError(t, s.CreateConversation(ctx, recent))

	cutoff := time.Now().Add(-1 * time.Hour)
	since, err := s.ListConversations(ctx, ConversationFilter{Since: &cutoff})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "conv-recent", since[0].ID)

	until, err := s.ListConversations(ctx, ConversationFilter{Until: &cutoff})
	require.NoError(t, err)
	require.Len(t, until, 1)
	assert.Equal(t, "conv-old", until[0].ID)
}

func TestSchemaIsIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s1, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	conv := testConversation("conv-1", "a", "b")
	require.NoError(t, s1.CreateConversation(context.Background(), conv))
	require.NoError(t, s1.Close())

	// Re-opening the same database must not disturb existing rows.
	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Participants)
}
