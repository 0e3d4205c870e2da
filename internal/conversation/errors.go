// ABOUTME: The manager's error taxonomy and the routing result type
// ABOUTME: Every failure mode is a distinct sentinel, never a generic error

package conversation

import "errors"

var (
	// ErrConversationNotFound means routing referenced an unknown conversation.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrInvalidPhaseTransition means the message would move the conversation's
	// phase backward, or the conversation no longer accepts messages.
	ErrInvalidPhaseTransition = errors.New("invalid phase transition")

	// ErrUnknownTarget means module resolution failed for the message's target.
	ErrUnknownTarget = errors.New("unknown target module")

	// ErrStorageFailure means the durable write did not complete. In-memory
	// state is never mutated in this case; retry policy belongs to the caller.
	ErrStorageFailure = errors.New("storage failure")
)

// Result reports a successful route: where the message went and the turn
// number it consumed.
type Result struct {
	Status     string
	RoutedTo   string
	TurnNumber int
}
