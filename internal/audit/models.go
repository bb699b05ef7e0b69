package audit

import "time"

// Event is an immutable, append-only record of a call lifecycle transition.
//
// Invariants:
// - Events are never updated or deleted.
// - Recording is best-effort; critical flows must never block on audit failures.

type Event struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	Type EventType `json:"type" db:"type"`

	CallID         string `json:"call_id,omitempty" db:"call_id"`
	ConversationID string `json:"conversation_id,omitempty" db:"conversation_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON with full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallCreated        EventType = "call_created"
	EventTypeConversationLinked EventType = "conversation_linked"
	EventTypeCallFailed         EventType = "call_failed"
	EventTypeTurnAppended       EventType = "turn_appended"
	EventTypeCallCompleted      EventType = "call_completed"
)
