package audit

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory audit repository for tests.

type MemoryRepo struct {
	mu     sync.Mutex
	Events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, e)
	return nil
}

// ByCallID returns recorded events for one call, in append order.
func (r *MemoryRepo) ByCallID(callID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0)
	for _, e := range r.Events {
		if e.CallID == callID {
			out = append(out, e)
		}
	}
	return out
}
