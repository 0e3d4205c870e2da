// ABOUTME: Ordered protocol phases and the message-type to phase mapping
// ABOUTME: Phases only ever move forward within a conversation

package protocol

// Phase is the protocol stage a message belongs to. Phases are ordered and a
// conversation's accepted messages must carry non-decreasing phases.
type Phase int

const (
	PhaseHandshake Phase = iota
	PhaseNegotiation
	PhaseExecution
	PhaseTermination
)

// Message type tags for the protocol-level phases. Execution messages may use
// arbitrary domain-specific types; anything not recognized here maps to the
// execution phase.
const (
	TypeHandshake   = "conversation_handshake"
	TypeNegotiation = "schema_negotiation"
	TypeExecution   = "execution"
	TypeTermination = "conversation_termination"
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseHandshake:
		return "handshake"
	case PhaseNegotiation:
		return "negotiation"
	case PhaseExecution:
		return "execution"
	case PhaseTermination:
		return "termination"
	default:
		return "unknown"
	}
}

// PhaseOf maps a message type to its protocol phase. Unrecognized types are
// treated as domain sub-types of the execution phase.
func PhaseOf(msgType string) Phase {
	switch msgType {
	case TypeHandshake:
		return PhaseHandshake
	case TypeNegotiation:
		return PhaseNegotiation
	case TypeTermination:
		return PhaseTermination
	default:
		return PhaseExecution
	}
}
