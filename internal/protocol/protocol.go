// ABOUTME: Phase-tagged message builders, flow validation, and negotiation helpers
// ABOUTME: The state machine that keeps conversations moving handshake -> termination

package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/message"
)

// DefaultTimeoutSeconds bounds handshake/negotiation when the initiator does
// not propose its own timeout.
const DefaultTimeoutSeconds = 30

// Flow validation errors returned by ValidateFlow.
var (
	ErrEmptyFlow            = errors.New("conversation flow is empty")
	ErrFlowFirstPhase       = errors.New("conversation must open with a handshake")
	ErrFlowPhaseBackward    = errors.New("conversation phase moved backward")
	ErrFlowAfterTermination = errors.New("message after termination")
)

// Handshake is the opening proposal of a conversation: what the initiator
// wants, what it needs from the responder, and what it brings.
type Handshake struct {
	Intent               string
	ProposedSchema       *SchemaProposal
	CapabilitiesRequired []string
	CapabilitiesOffered  []string
	TimeoutSeconds       int
	Metadata             map[string]string
}

// Requirements collects the handshake inputs a caller supplies when opening a
// conversation. Zero values fall back to protocol defaults.
type Requirements struct {
	Schema               *SchemaProposal
	CapabilitiesRequired []string
	CapabilitiesOffered  []string
	TimeoutSeconds       int
	Metadata             map[string]string
}

// Response is a responder's answer during handshake or negotiation. On
// rejection, Reason explains the refusal; CounterProposal carries an
// alternative schema and CounterCapabilities the responder's own capability
// set, so the initiator can retry.
type Response struct {
	Accepts             bool
	NextPhase           *Phase
	Content             map[string]any
	Reason              string
	CounterProposal     *SchemaProposal
	CounterCapabilities []string
}

// NewHandshakeMessage builds the opening message of a new conversation. It
// mints the conversation id and always takes turn 1.
func NewHandshakeMessage(source, target, intent string, req Requirements) (*message.Message, error) {
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds
	}
	content := map[string]any{
		"intent":                intent,
		"capabilities_required": append([]string(nil), req.CapabilitiesRequired...),
		"capabilities_offered":  append([]string(nil), req.CapabilitiesOffered...),
		"timeout_seconds":       timeout,
	}
	if req.Schema != nil {
		content["proposed_schema"] = req.Schema.ToMap()
	}
	if len(req.Metadata) > 0 {
		content["metadata"] = req.Metadata
	}
	return message.New(source, target, TypeHandshake, uuid.New().String(), 1, content)
}

// NewNegotiationMessage builds a schema-negotiation turn carrying a proposal.
func NewNegotiationMessage(source, target, conversationID string, turn int, proposal *SchemaProposal) (*message.Message, error) {
	if proposal == nil {
		return nil, fmt.Errorf("%w: negotiation requires a schema proposal", message.ErrInvalidMessage)
	}
	content := map[string]any{"proposal": proposal.ToMap()}
	return message.New(source, target, TypeNegotiation, conversationID, turn, content)
}

// NewExecutionMessage builds a data-exchange turn. inReplyTo may be empty for
// turns that do not answer a specific message.
func NewExecutionMessage(source, target, conversationID string, turn int, content map[string]any, inReplyTo string) (*message.Message, error) {
	msg, err := message.New(source, target, TypeExecution, conversationID, turn, content)
	if err != nil {
		return nil, err
	}
	msg.InReplyTo = inReplyTo
	return msg, nil
}

// NewTerminationMessage builds the closing turn. The summary carries final
// aggregate metrics for audit (turn counts, duration, final state).
func NewTerminationMessage(source, target, conversationID string, turn int, reason string, summary map[string]any) (*message.Message, error) {
	content := map[string]any{"reason": reason}
	if summary != nil {
		content["summary"] = summary
	}
	return message.New(source, target, TypeTermination, conversationID, turn, content)
}

// ValidateFlow checks a message sequence against the phase state machine:
// the sequence must be non-empty, open with a handshake, never move a phase
// backward, and carry nothing after a termination message. The conversation
// manager calls this as the live acceptance gate before appending, so it is
// not merely an offline audit.
func ValidateFlow(msgs []*message.Message) error {
	if len(msgs) == 0 {
		return ErrEmptyFlow
	}
	if PhaseOf(msgs[0].Type) != PhaseHandshake {
		return fmt.Errorf("%w: first message is %s", ErrFlowFirstPhase, PhaseOf(msgs[0].Type))
	}
	prev := PhaseHandshake
	for i, m := range msgs[1:] {
		if prev == PhaseTermination {
			return fmt.Errorf("%w: message %d", ErrFlowAfterTermination, i+2)
		}
		phase := PhaseOf(m.Type)
		if phase < prev {
			return fmt.Errorf("%w: %s after %s at message %d", ErrFlowPhaseBackward, phase, prev, i+2)
		}
		prev = phase
	}
	return nil
}

// HandleHandshake decides whether a responder with the given offered
// capabilities can take part. Acceptance requires every required capability
// to be offered; rejection carries the responder's own capabilities so the
// initiator can retry with a narrower ask.
func HandleHandshake(h *Handshake, offered []string) *Response {
	have := make(map[string]bool, len(offered))
	for _, c := range offered {
		have[c] = true
	}

	var missing []string
	for _, c := range h.CapabilitiesRequired {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return &Response{
			Accepts:             false,
			Reason:              fmt.Sprintf("missing capabilities: %v", missing),
			CounterCapabilities: append([]string(nil), offered...),
		}
	}

	next := PhaseNegotiation
	return &Response{
		Accepts:   true,
		NextPhase: &next,
		Content:   map[string]any{"intent": h.Intent},
	}
}

// NegotiateSchema decides whether a proposed schema satisfies the responder's
// minimal structural contract. The proposal must compile as an object-shaped
// JSON Schema and carry every field the responder requires. Rejection carries
// a counter proposal built by intersecting the two schemas.
func NegotiateSchema(proposed, required *SchemaProposal) *Response {
	if proposed == nil {
		return &Response{
			Accepts:         false,
			Reason:          "no schema proposed",
			CounterProposal: required,
		}
	}
	if err := proposed.Compile(); err != nil {
		return &Response{
			Accepts:         false,
			Reason:          err.Error(),
			CounterProposal: required,
		}
	}
	if !proposed.Satisfies(required) {
		return &Response{
			Accepts:         false,
			Reason:          "proposal does not cover required fields",
			CounterProposal: MergeSchemas(proposed, required),
		}
	}

	next := PhaseExecution
	return &Response{Accepts: true, NextPhase: &next}
}

// HandshakeFromMessage reconstructs the handshake embedded in a message's
// content, tolerating the loosened types a storage round-trip produces.
func HandshakeFromMessage(msg *message.Message) (*Handshake, error) {
	if msg == nil || PhaseOf(msg.Type) != PhaseHandshake {
		return nil, fmt.Errorf("%w: not a handshake message", message.ErrInvalidMessage)
	}
	h := &Handshake{
		CapabilitiesRequired: toStringSlice(msg.Content["capabilities_required"]),
		CapabilitiesOffered:  toStringSlice(msg.Content["capabilities_offered"]),
		TimeoutSeconds:       toInt(msg.Content["timeout_seconds"]),
	}
	if intent, ok := msg.Content["intent"].(string); ok {
		h.Intent = intent
	}
	if h.TimeoutSeconds <= 0 {
		h.TimeoutSeconds = DefaultTimeoutSeconds
	}
	switch schema := msg.Content["proposed_schema"].(type) {
	case map[string]any:
		h.ProposedSchema = SchemaFromMap(schema)
	}
	switch meta := msg.Content["metadata"].(type) {
	case map[string]string:
		h.Metadata = meta
	case map[string]any:
		h.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			if s, ok := v.(string); ok {
				h.Metadata[k] = s
			}
		}
	}
	return h, nil
}

// ProposalFromMessage extracts the schema proposal from a negotiation message.
func ProposalFromMessage(msg *message.Message) (*SchemaProposal, error) {
	if msg == nil || PhaseOf(msg.Type) != PhaseNegotiation {
		return nil, fmt.Errorf("%w: not a negotiation message", message.ErrInvalidMessage)
	}
	raw, ok := msg.Content["proposal"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: negotiation message carries no proposal", message.ErrInvalidMessage)
	}
	return SchemaFromMap(raw), nil
}

func toStringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return append([]string(nil), vals...)
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
