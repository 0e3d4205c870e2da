// Package conversation provides the durable conversation manager and its
// lifecycle event notifier.
//
// # Overview
//
// The conversation package is the authoritative owner of conversation state.
// Modules exchange phase-tagged messages (see the protocol package); every
// message flows through the Manager, which enforces protocol legality,
// assigns dense turn numbers, and persists each accepted turn before any
// in-memory state changes.
//
// # Manager
//
// The Manager coordinates conversation operations:
//
//	mgr := conversation.NewManager(store, resolver, notifier, logger)
//
// Key operations:
//
//   - CreateConversation(ctx, initiator, target, initial): register a new conversation
//   - RouteMessage(ctx, msg): validate, persist, and route one turn
//   - GetState(ctx, id): live state, rehydrated from storage if needed
//   - GetHistory(ctx, id): ordered materialized messages
//   - EndConversation(ctx, id, status): mark completed/archived/failed
//   - CleanupOldConversations(ctx, timeout): archive idle conversations
//
// # Routing gates
//
// RouteMessage rejects, in order and without consuming a turn:
//
//  1. Unknown conversation ids
//  2. Messages that would move the phase backward, or arrive after
//     termination or on a closed conversation
//  3. Turn numbers that do not extend the accepted sequence by exactly one
//  4. Targets the external module registry cannot resolve
//
// Only a successful durable append advances turn_count, so the turn numbers
// of accepted messages are gap-free.
//
// # Concurrency
//
// Work is serialized per conversation id with a dedicated mutex; routing on
// different conversations never contends. Cleanup scans take one conversation
// lock at a time.
//
// # Rehydration
//
// The live index is a cache. A state absent from memory is reconstructed from
// the conversation row plus its message ids and, while still active,
// re-admitted to the index. A restarted process picks up exactly where the
// previous one stopped.
//
// # Lifecycle events
//
// The Notifier fans out discrete lifecycle facts (created, message_routed,
// completed, archived, failed) per conversation id, with a firehose key for
// observers of everything. Events are published only after the durable write
// succeeds.
package conversation
