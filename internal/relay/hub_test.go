package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voice-relay/internal/calls"
)

// fakeTransport records writes in order. WriteJSON optionally blocks on the
// gate channel to simulate a stuck peer.
type fakeTransport struct {
	mu     sync.Mutex
	writes []any
	closed bool

	gate     chan struct{}
	writeErr error
}

func (t *fakeTransport) WriteJSON(v any) error {
	if t.gate != nil {
		<-t.gate
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.writes = append(t.writes, v)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) snapshot() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]any, len(t.writes))
	copy(out, t.writes)
	return out
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeResolver struct {
	byID map[string]calls.Call
}

func (r *fakeResolver) Resolve(ctx context.Context, identifier string) (calls.Call, calls.ResolvedBy, error) {
	c, ok := r.byID[identifier]
	if !ok {
		return calls.Call{}, calls.ResolvedByNone, calls.ErrCallNotFound
	}
	if identifier == c.CallID {
		return c, calls.ResolvedByInternal, nil
	}
	return c, calls.ResolvedByExternal, nil
}

func newTestHub(known ...calls.Call) *Hub {
	r := &fakeResolver{byID: map[string]calls.Call{}}
	for _, c := range known {
		r.byID[c.CallID] = c
		if c.ConversationID != "" {
			r.byID[c.ConversationID] = c
		}
	}
	return NewHub(r, HubConfig{})
}

// waitFor polls until cond holds or the deadline passes. Writer goroutines
// drain send buffers asynchronously, so assertions on writes need this.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHub_BroadcastReachesEitherIdentifier(t *testing.T) {
	call := calls.Call{CallID: "call_phone_1", ConversationID: "conv-1"}
	h := newTestHub(call)
	defer h.Shutdown()

	byInternal := &fakeTransport{}
	byExternal := &fakeTransport{}
	c1 := h.Connect(byInternal, Identity{UserID: "u1"})
	c2 := h.Connect(byExternal, Identity{UserID: "u2"})

	if _, err := h.Subscribe(context.Background(), c1.ID, "call_phone_1"); err != nil {
		t.Fatalf("subscribe by call id: %v", err)
	}
	if _, err := h.Subscribe(context.Background(), c2.ID, "conv-1"); err != nil {
		t.Fatalf("subscribe by conversation id: %v", err)
	}

	h.Broadcast(call, "hello")

	waitFor(t, func() bool {
		return len(byInternal.snapshot()) == 1 && len(byExternal.snapshot()) == 1
	})
}

func TestHub_UnionDeliversOncePerConnection(t *testing.T) {
	call := calls.Call{CallID: "call_phone_1", ConversationID: "conv-1"}
	h := newTestHub(call)
	defer h.Shutdown()

	tr := &fakeTransport{}
	c := h.Connect(tr, Identity{})

	// Subscribing by each identifier registers the connection under both keys.
	// The union snapshot must still deliver a single copy.
	if _, err := h.Subscribe(context.Background(), c.ID, "call_phone_1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := h.Subscribe(context.Background(), c.ID, "conv-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	subs := h.Subscribers(call)
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscriber in union, got %d", len(subs))
	}

	h.Broadcast(call, "once")
	waitFor(t, func() bool { return len(tr.snapshot()) == 1 })

	// Give the writer a moment to surface any duplicate.
	time.Sleep(20 * time.Millisecond)
	if got := len(tr.snapshot()); got != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", got)
	}
}

func TestHub_EarlySubscriberSurvivesLinking(t *testing.T) {
	// Subscribe while the call is still unlinked, then broadcast once the
	// provider has issued a conversation id.
	unlinked := calls.Call{CallID: "call_phone_1"}
	h := newTestHub(unlinked)
	defer h.Shutdown()

	tr := &fakeTransport{}
	c := h.Connect(tr, Identity{})
	if _, err := h.Subscribe(context.Background(), c.ID, "call_phone_1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	linked := calls.Call{CallID: "call_phone_1", ConversationID: "conv-late"}
	h.Broadcast(linked, "turn")
	waitFor(t, func() bool { return len(tr.snapshot()) == 1 })
}

func TestHub_CompletionMessagesArriveInOrder(t *testing.T) {
	call := calls.Call{CallID: "call_phone_1", ConversationID: "conv-1"}
	h := newTestHub(call)
	defer h.Shutdown()

	tr := &fakeTransport{}
	c := h.Connect(tr, Identity{})
	if _, err := h.Subscribe(context.Background(), c.ID, "conv-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	subs := h.Subscribers(call)
	h.Deliver(subs, "status")
	h.Deliver(subs, "completed")
	h.Retire(call)

	waitFor(t, func() bool { return len(tr.snapshot()) == 2 })
	got := tr.snapshot()
	if got[0] != "status" || got[1] != "completed" {
		t.Fatalf("messages out of order: %v", got)
	}
}

func TestHub_RetireDropsSubscriptionKeys(t *testing.T) {
	call := calls.Call{CallID: "call_phone_1", ConversationID: "conv-1"}
	h := newTestHub(call)
	defer h.Shutdown()

	tr := &fakeTransport{}
	c := h.Connect(tr, Identity{})
	if _, err := h.Subscribe(context.Background(), c.ID, "call_phone_1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h.Retire(call)

	if ids := h.SubscriberIDs("call_phone_1"); len(ids) != 0 {
		t.Fatalf("call id key not retired: %v", ids)
	}
	if ids := h.SubscriberIDs("conv-1"); len(ids) != 0 {
		t.Fatalf("conversation id key not retired: %v", ids)
	}
	if len(h.Subscribers(call)) != 0 {
		t.Fatal("retired call still has subscribers")
	}

	// The connection itself stays alive for other calls.
	if h.ConnectionCount() != 1 {
		t.Fatalf("connection count = %d, want 1", h.ConnectionCount())
	}
}

func TestHub_DisconnectRemovesSubscriptions(t *testing.T) {
	call := calls.Call{CallID: "call_phone_1", ConversationID: "conv-1"}
	h := newTestHub(call)
	defer h.Shutdown()

	tr := &fakeTransport{}
	c := h.Connect(tr, Identity{})
	if _, err := h.Subscribe(context.Background(), c.ID, "conv-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h.Disconnect(c.ID)
	h.Disconnect(c.ID) // idempotent

	if !tr.isClosed() {
		t.Fatal("transport not closed on disconnect")
	}
	if len(h.Subscribers(call)) != 0 {
		t.Fatal("disconnected connection still subscribed")
	}
	h.Broadcast(call, "after") // must not panic or deliver
	time.Sleep(10 * time.Millisecond)
	if got := tr.snapshot(); len(got) != 0 {
		t.Fatalf("delivery after disconnect: %v", got)
	}
}

func TestHub_SubscribeUnknownIdentifier(t *testing.T) {
	h := newTestHub()
	defer h.Shutdown()

	c := h.Connect(&fakeTransport{}, Identity{})
	if _, err := h.Subscribe(context.Background(), c.ID, "ghost"); !errors.Is(err, calls.ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestHub_SubscribeAfterDisconnect(t *testing.T) {
	call := calls.Call{CallID: "call_phone_1"}
	h := newTestHub(call)
	defer h.Shutdown()

	c := h.Connect(&fakeTransport{}, Identity{})
	h.Disconnect(c.ID)

	if _, err := h.Subscribe(context.Background(), c.ID, "call_phone_1"); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestHub_SlowConnectionEvicted(t *testing.T) {
	call := calls.Call{CallID: "call_phone_1", ConversationID: "conv-1"}
	r := &fakeResolver{byID: map[string]calls.Call{"call_phone_1": call, "conv-1": call}}
	h := NewHub(r, HubConfig{SendBuffer: 1})
	defer h.Shutdown()

	stuck := &fakeTransport{gate: make(chan struct{})}
	healthy := &fakeTransport{}
	c1 := h.Connect(stuck, Identity{})
	c2 := h.Connect(healthy, Identity{})
	if _, err := h.Subscribe(context.Background(), c1.ID, "conv-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := h.Subscribe(context.Background(), c2.ID, "conv-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// First message parks in the stuck writer, second fills the buffer,
	// third finds no room and triggers eviction.
	h.Broadcast(call, "m1")
	time.Sleep(10 * time.Millisecond)
	h.Broadcast(call, "m2")
	h.Broadcast(call, "m3")

	waitFor(t, func() bool { return h.ConnectionCount() == 1 })
	waitFor(t, func() bool { return len(healthy.snapshot()) == 3 })

	close(stuck.gate)
	waitFor(t, func() bool { return stuck.isClosed() })
}

func TestHub_WriteFailureEvicts(t *testing.T) {
	call := calls.Call{CallID: "call_phone_1"}
	h := newTestHub(call)
	defer h.Shutdown()

	tr := &fakeTransport{writeErr: errors.New("broken pipe")}
	c := h.Connect(tr, Identity{})
	if _, err := h.Subscribe(context.Background(), c.ID, "call_phone_1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h.Broadcast(call, "boom")
	waitFor(t, func() bool { return h.ConnectionCount() == 0 })
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	call := calls.Call{CallID: "call_phone_1", ConversationID: "conv-1"}
	h := newTestHub(call)
	defer h.Shutdown()

	tr := &fakeTransport{}
	c := h.Connect(tr, Identity{})
	if _, err := h.Subscribe(context.Background(), c.ID, "call_phone_1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Unsubscribing by the other identifier must clear both keys.
	if err := h.Unsubscribe(context.Background(), c.ID, "conv-1"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	h.Broadcast(call, "after")
	time.Sleep(10 * time.Millisecond)
	if got := tr.snapshot(); len(got) != 0 {
		t.Fatalf("delivery after unsubscribe: %v", got)
	}
}
