package calls

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRepo_CreateRejectsDuplicateCallID(t *testing.T) {
	r := NewMemoryRepo()
	c := Call{CallID: "call_phone_1", WorkspaceID: "w", Status: CallStatusInProgress}
	if err := r.Create(context.Background(), c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Create(context.Background(), c); !errors.Is(err, ErrDuplicateCall) {
		t.Fatalf("expected ErrDuplicateCall, got %v", err)
	}
}

func TestMemoryRepo_LinkIsWriteOnce(t *testing.T) {
	r := NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	if err := r.Create(context.Background(), Call{CallID: "call_phone_1", Status: CallStatusInProgress}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := r.LinkConversationID(context.Background(), "call_phone_1", "conv-1", now); err != nil {
		t.Fatalf("link: %v", err)
	}
	// Relinking is a no-op, not an overwrite.
	if err := r.LinkConversationID(context.Background(), "call_phone_1", "conv-2", now); err != nil {
		t.Fatalf("relink: %v", err)
	}

	c, err := r.GetByCallID(context.Background(), "call_phone_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.ConversationID != "conv-1" {
		t.Fatalf("conversation id = %q, want conv-1", c.ConversationID)
	}
	if _, err := r.GetByConversationID(context.Background(), "conv-2"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("conv-2 should not resolve, got err=%v", err)
	}
}

func TestMemoryRepo_TerminalTransitionIsOneShot(t *testing.T) {
	r := NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	if err := r.Create(context.Background(), Call{CallID: "call_phone_1", ConversationID: "conv-1", Status: CallStatusInProgress}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := r.Complete(context.Background(), "conv-1", CompletionUpdate{Status: CallStatusCompleted, EndTime: now}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := r.Complete(context.Background(), "conv-1", CompletionUpdate{Status: CallStatusFailed, EndTime: now}); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	if _, err := r.MarkFailed(context.Background(), "call_phone_1", now); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal from MarkFailed, got %v", err)
	}

	c, err := r.GetByCallID(context.Background(), "call_phone_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != CallStatusCompleted {
		t.Fatalf("status = %q, want completed", c.Status)
	}
}
