package calls

import (
	"context"
	"time"
)

// Repository is the persistence contract for calls and their transcriptions.
//
// Write semantics the relay core depends on:
// - Create inserts a call that has no conversation id yet.
// - Complete and MarkFailed are conditional: they only apply while the call is
//   still in progress, and report ErrAlreadyTerminal (with the current row)
//   when a terminal transition already happened. The database serializes
//   conflicting writers on the same row.
// - AppendTranscription never invents calls: the conversation id must already
//   resolve to a call when the caller assigns the sequence number.

type Repository interface {
	Create(ctx context.Context, c Call) error
	GetByCallID(ctx context.Context, callID string) (Call, error)
	GetByConversationID(ctx context.Context, conversationID string) (Call, error)
	LinkConversationID(ctx context.Context, callID, conversationID string, now time.Time) error

	Complete(ctx context.Context, conversationID string, upd CompletionUpdate) (Call, error)
	MarkFailed(ctx context.Context, callID string, endTime time.Time) (Call, error)

	CountTranscriptions(ctx context.Context, conversationID string) (int, error)
	AppendTranscription(ctx context.Context, tr Transcription) error
	ListTranscriptions(ctx context.Context, conversationID string) ([]Transcription, error)

	ListByWorkspace(ctx context.Context, workspaceID string, from, to time.Time) ([]Call, error)
}
