package calls

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests and early development.
// It mirrors the conditional-update semantics of the Postgres implementation,
// including ErrAlreadyTerminal on duplicate terminal transitions.

type MemoryRepo struct {
	mu sync.Mutex

	byCallID map[string]*Call
	byConvID map[string]*Call
	turns    map[string][]Transcription
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byCallID: map[string]*Call{},
		byConvID: map[string]*Call{},
		turns:    map[string][]Transcription{},
	}
}

func (r *MemoryRepo) Create(ctx context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byCallID[c.CallID]; ok {
		return ErrDuplicateCall
	}
	cp := c
	r.byCallID[c.CallID] = &cp
	if c.ConversationID != "" {
		r.byConvID[c.ConversationID] = &cp
	}
	return nil
}

func (r *MemoryRepo) GetByCallID(ctx context.Context, callID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byCallID[callID]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	return *c, nil
}

func (r *MemoryRepo) GetByConversationID(ctx context.Context, conversationID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byConvID[conversationID]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	return *c, nil
}

func (r *MemoryRepo) LinkConversationID(ctx context.Context, callID, conversationID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byCallID[callID]
	if !ok {
		return ErrCallNotFound
	}
	if c.ConversationID != "" {
		return nil
	}
	c.ConversationID = conversationID
	c.UpdatedAt = now
	r.byConvID[conversationID] = c
	return nil
}

func (r *MemoryRepo) Complete(ctx context.Context, conversationID string, upd CompletionUpdate) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byConvID[conversationID]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	if c.Status.Terminal() {
		return *c, ErrAlreadyTerminal
	}
	c.Status = upd.Status
	end := upd.EndTime
	c.EndTime = &end
	c.Summary = upd.Summary
	c.DurationSeconds = upd.DurationSeconds
	c.Cost = upd.Cost
	c.Success = upd.Success
	c.Analysis = upd.Analysis
	c.ProviderData = upd.ProviderData
	c.UpdatedAt = upd.EndTime
	return *c, nil
}

func (r *MemoryRepo) MarkFailed(ctx context.Context, callID string, endTime time.Time) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byCallID[callID]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	if c.Status.Terminal() {
		return *c, ErrAlreadyTerminal
	}
	c.Status = CallStatusFailed
	end := endTime
	c.EndTime = &end
	c.UpdatedAt = endTime
	return *c, nil
}

func (r *MemoryRepo) CountTranscriptions(ctx context.Context, conversationID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns[conversationID]), nil
}

func (r *MemoryRepo) AppendTranscription(ctx context.Context, tr Transcription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns[tr.ConversationID] = append(r.turns[tr.ConversationID], tr)
	return nil
}

func (r *MemoryRepo) ListTranscriptions(ctx context.Context, conversationID string) ([]Transcription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transcription, len(r.turns[conversationID]))
	copy(out, r.turns[conversationID])
	return out, nil
}

func (r *MemoryRepo) ListByWorkspace(ctx context.Context, workspaceID string, from, to time.Time) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, 0)
	for _, c := range r.byCallID {
		if c.WorkspaceID != workspaceID {
			continue
		}
		if c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}
