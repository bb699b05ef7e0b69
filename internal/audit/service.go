package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It MUST be append-only; no Update/Delete methods exist on purpose.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

var ErrInvalidEvent = errors.New("audit: invalid event")

// Service records call lifecycle events.
// Callers treat recording as best-effort and only log failures.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.CallID == "" && e.ConversationID == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// RecordLifecycle is the one-line helper the call service uses.
func (s *Service) RecordLifecycle(ctx context.Context, typ EventType, workspaceID, callID, conversationID, message string) error {
	return s.Append(ctx, Event{
		WorkspaceID:    workspaceID,
		Type:           typ,
		CallID:         callID,
		ConversationID: conversationID,
		Message:        message,
	})
}
