package calls

import (
	"encoding/json"
	"time"
)

// Call is one row per initiated call.
//
// Identity invariants:
// - CallID is generated by this system at initiation time, before the provider
//   has acknowledged anything. It is immutable and unique.
// - ConversationID is assigned later by the calling provider. It is empty only
//   while the call is still in progress, except for initiation failures, which
//   may stay failed with no ConversationID forever.
//
// Status is monotonic: in_progress -> completed | failed, never back.
type Call struct {
	CallID         string `json:"call_id" db:"call_id"`
	ConversationID string `json:"conversation_id,omitempty" db:"conversation_id"`
	WorkspaceID    string `json:"workspace_id" db:"workspace_id"`

	Channel string `json:"channel" db:"channel"`
	From    string `json:"from,omitempty" db:"from_number"`
	To      string `json:"to,omitempty" db:"to_number"`

	Status CallStatus `json:"status" db:"status"`

	StartTime *time.Time `json:"start_time,omitempty" db:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty" db:"end_time"`

	// Completion metadata. All empty until the call reaches a terminal status.
	Summary         string          `json:"summary,omitempty" db:"summary"`
	DurationSeconds int             `json:"duration_seconds,omitempty" db:"duration_seconds"`
	Cost            float64         `json:"cost,omitempty" db:"cost"`
	Success         *bool           `json:"success,omitempty" db:"success"`
	Analysis        json.RawMessage `json:"analysis,omitempty" db:"analysis"`
	ProviderData    json.RawMessage `json:"provider_data,omitempty" db:"provider_data"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type CallStatus string

const (
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
)

// Terminal reports whether the status can never change again.
func (s CallStatus) Terminal() bool {
	return s == CallStatusCompleted || s == CallStatusFailed
}

// Transcription is one dialogue turn, owned by a Call via ConversationID.
// The provider has no notion of our CallID at turn time, so turns are always
// keyed by the provider-issued identifier.
//
// SequenceNumber starts at 1 and is strictly increasing per ConversationID.
// It is assigned at write time and never reused or reordered.

type Transcription struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	Speaker        Speaker   `json:"speaker" db:"speaker"`
	Text           string    `json:"text" db:"text"`
	SequenceNumber int       `json:"sequence_number" db:"sequence_number"`
	OccurredAt     time.Time `json:"occurred_at" db:"occurred_at"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

type Speaker string

const (
	SpeakerAssistant Speaker = "assistant"
	SpeakerUser      Speaker = "user"
)

func ValidSpeaker(s Speaker) bool {
	return s == SpeakerAssistant || s == SpeakerUser
}

// ResolvedBy tags which lookup matched an opaque identifier.
type ResolvedBy int

const (
	ResolvedByNone ResolvedBy = iota
	ResolvedByInternal
	ResolvedByExternal
)

func (r ResolvedBy) String() string {
	switch r {
	case ResolvedByInternal:
		return "call_id"
	case ResolvedByExternal:
		return "conversation_id"
	default:
		return "none"
	}
}

// CompletionUpdate carries the terminal transition and its metadata.
// Applied atomically: either the status flips and every field lands, or
// nothing changes.
type CompletionUpdate struct {
	Status          CallStatus
	EndTime         time.Time
	Summary         string
	DurationSeconds int
	Cost            float64
	Success         *bool
	Analysis        json.RawMessage
	ProviderData    json.RawMessage
}
