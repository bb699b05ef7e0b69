package relay

import (
	"encoding/json"
	"time"

	"voice-relay/internal/calls"
)

// Every message to a subscriber carries a type discriminator so clients can
// switch without sniffing fields. The completion protocol is two messages in
// order per connection: call_status first, then call_completed with the full
// metadata payload.

type MessageType string

const (
	MessageTypeSubscribed    MessageType = "subscribed"
	MessageTypeUnsubscribed  MessageType = "unsubscribed"
	MessageTypeTranscription MessageType = "transcription"
	MessageTypeCallStatus    MessageType = "call_status"
	MessageTypeCallCompleted MessageType = "call_completed"
	MessageTypeError         MessageType = "error"
)

// Machine-readable error codes sent on the live channel.
const (
	ErrCodeCallNotFound   = "call_not_found"
	ErrCodeInvalidPayload = "invalid_payload"
	ErrCodeUnknownAction  = "unknown_action"
)

type SubscribedMessage struct {
	Type           MessageType      `json:"type"`
	CallID         string           `json:"call_id"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Status         calls.CallStatus `json:"status"`
}

type UnsubscribedMessage struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"call_id"`
}

type TranscriptionMessage struct {
	Type           MessageType   `json:"type"`
	CallID         string        `json:"call_id"`
	ConversationID string        `json:"conversation_id"`
	Speaker        calls.Speaker `json:"speaker"`
	Text           string        `json:"text"`
	SequenceNumber int           `json:"sequence_number"`
	OccurredAt     time.Time     `json:"occurred_at"`
}

type StatusMessage struct {
	Type           MessageType      `json:"type"`
	CallID         string           `json:"call_id"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Status         calls.CallStatus `json:"status"`
}

type CompletedMessage struct {
	Type            MessageType      `json:"type"`
	CallID          string           `json:"call_id"`
	ConversationID  string           `json:"conversation_id,omitempty"`
	Status          calls.CallStatus `json:"status"`
	Summary         string           `json:"summary,omitempty"`
	DurationSeconds int              `json:"duration_seconds"`
	Cost            float64          `json:"cost"`
	Success         *bool            `json:"success,omitempty"`
	EndTime         *time.Time       `json:"end_time,omitempty"`
	Analysis        json.RawMessage  `json:"analysis,omitempty"`
	ProviderData    json.RawMessage  `json:"provider_data,omitempty"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message,omitempty"`
}

func NewSubscribedMessage(c calls.Call) SubscribedMessage {
	return SubscribedMessage{
		Type:           MessageTypeSubscribed,
		CallID:         c.CallID,
		ConversationID: c.ConversationID,
		Status:         c.Status,
	}
}

func NewUnsubscribedMessage(callID string) UnsubscribedMessage {
	return UnsubscribedMessage{Type: MessageTypeUnsubscribed, CallID: callID}
}

func NewTranscriptionMessage(c calls.Call, tr calls.Transcription) TranscriptionMessage {
	return TranscriptionMessage{
		Type:           MessageTypeTranscription,
		CallID:         c.CallID,
		ConversationID: tr.ConversationID,
		Speaker:        tr.Speaker,
		Text:           tr.Text,
		SequenceNumber: tr.SequenceNumber,
		OccurredAt:     tr.OccurredAt,
	}
}

func NewStatusMessage(c calls.Call) StatusMessage {
	return StatusMessage{
		Type:           MessageTypeCallStatus,
		CallID:         c.CallID,
		ConversationID: c.ConversationID,
		Status:         c.Status,
	}
}

func NewCompletedMessage(c calls.Call) CompletedMessage {
	return CompletedMessage{
		Type:            MessageTypeCallCompleted,
		CallID:          c.CallID,
		ConversationID:  c.ConversationID,
		Status:          c.Status,
		Summary:         c.Summary,
		DurationSeconds: c.DurationSeconds,
		Cost:            c.Cost,
		Success:         c.Success,
		EndTime:         c.EndTime,
		Analysis:        c.Analysis,
		ProviderData:    c.ProviderData,
	}
}

func NewErrorMessage(code, msg string) ErrorMessage {
	return ErrorMessage{Type: MessageTypeError, Code: code, Message: msg}
}

// ControlMessage is what subscribers send on the live channel.
type ControlMessage struct {
	Action string `json:"action"`
	CallID string `json:"call_id"`
}

const (
	ControlActionSubscribe   = "subscribe"
	ControlActionUnsubscribe = "unsubscribe"
)
