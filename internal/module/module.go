// ABOUTME: The module-side conversation contract and a composable base implementation
// ABOUTME: Modules implement ConversationCapable instead of inheriting shared state

package module

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/parley/internal/message"
	"github.com/2389/parley/internal/protocol"
)

// ConversationCapable is the contract a module implements to take part in
// conversations. Implementations must keep ProcessTurn deterministic given
// the message and the module's own history/context; a module never sees
// another module's private history.
type ConversationCapable interface {
	// Name is the module's unique name within the registry.
	Name() string

	// Capabilities is the set of capability tags this module offers.
	Capabilities() []string

	// HandleHandshake decides whether this module joins a proposed conversation.
	HandleHandshake(h *protocol.Handshake) *protocol.Response

	// NegotiateSchema decides whether a proposed payload schema is acceptable.
	NegotiateSchema(proposal *protocol.SchemaProposal, conversationID string) *protocol.Response

	// ProcessTurn handles one execution-phase message and returns the result
	// payload for the reply turn.
	ProcessTurn(ctx context.Context, msg *message.Message) (map[string]any, error)
}

// TurnFunc is a module's execution-phase turn handler. It receives the
// module's local conversation view alongside the message so accumulated
// context can inform the result.
type TurnFunc func(ctx context.Context, msg *message.Message, local *Context) (map[string]any, error)

// BaseModule is a ready-made ConversationCapable built from a name, a
// capability set, a minimal schema contract, and a turn function. Hosts
// compose modules from these pieces rather than inheriting behavior.
type BaseModule struct {
	name         string
	capabilities []string
	schema       *protocol.SchemaProposal
	turn         TurnFunc
	local        *Context
	logger       *slog.Logger
}

// NewBaseModule creates a module. schema is the minimal structural contract
// the module requires from negotiated payloads; nil accepts any object
// schema. turn may be nil for modules that only observe.
func NewBaseModule(name string, capabilities []string, schema *protocol.SchemaProposal, turn TurnFunc, logger *slog.Logger) *BaseModule {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "module", "module", name)
	return &BaseModule{
		name:         name,
		capabilities: capabilities,
		schema:       schema,
		turn:         turn,
		local:        NewContext(logger),
		logger:       logger,
	}
}

// Name returns the module's name.
func (m *BaseModule) Name() string { return m.name }

// Capabilities returns the module's offered capability set.
func (m *BaseModule) Capabilities() []string {
	return append([]string(nil), m.capabilities...)
}

// Local returns the module's local conversation view.
func (m *BaseModule) Local() *Context { return m.local }

// HandleHandshake accepts when every required capability is offered by this
// module.
func (m *BaseModule) HandleHandshake(h *protocol.Handshake) *protocol.Response {
	resp := protocol.HandleHandshake(h, m.capabilities)
	m.logger.Debug("handshake handled", "intent", h.Intent, "accepts", resp.Accepts)
	return resp
}

// NegotiateSchema accepts proposals that satisfy the module's minimal
// structural contract.
func (m *BaseModule) NegotiateSchema(proposal *protocol.SchemaProposal, conversationID string) *protocol.Response {
	resp := protocol.NegotiateSchema(proposal, m.schema)
	m.logger.Debug("schema negotiated",
		"conversation_id", conversationID,
		"accepts", resp.Accepts)
	return resp
}

// ProcessTurn records the message in the module's local view and runs the
// turn function.
func (m *BaseModule) ProcessTurn(ctx context.Context, msg *message.Message) (map[string]any, error) {
	m.local.Observe(msg)
	if m.turn == nil {
		return map[string]any{}, nil
	}
	result, err := m.turn(ctx, msg, m.local)
	if err != nil {
		return nil, fmt.Errorf("module %s turn %d: %w", m.name, msg.TurnNumber, err)
	}
	return result, nil
}
