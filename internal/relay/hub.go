package relay

import (
	"context"
	"log/slog"
	"sync"

	"voice-relay/internal/calls"

	"github.com/google/uuid"
)

// CallResolver maps an opaque identifier to its canonical call.
// Satisfied by *calls.Service.
type CallResolver interface {
	Resolve(ctx context.Context, identifier string) (calls.Call, calls.ResolvedBy, error)
}

const defaultSendBuffer = 64

// Hub is the in-process connection registry and broadcaster.
//
// A call occupies up to two keys in the subscription map: its internal id and,
// once the provider has acknowledged, its conversation id. Subscribe registers
// a connection under both, so a broadcast keyed by either identifier reaches
// the union of subscribers.
//
// Locking discipline: the mutex guards the maps only. Broadcast snapshots the
// subscriber set under the read lock and releases it before any write, so a
// slow connection never holds up the registry or its peers. Actual socket
// writes happen on each connection's own writer goroutine.
//
// The registry is intentionally not durable. A process restart loses every
// subscription; clients resubscribe on reconnect.
type Hub struct {
	resolver   CallResolver
	log        *slog.Logger
	sendBuffer int

	mu       sync.RWMutex
	conns    map[string]*Conn
	subs     map[string]map[string]struct{} // identifier -> conn ids
	connSubs map[string]map[string]struct{} // conn id -> identifiers
}

type HubConfig struct {
	// SendBuffer is the per-connection outbound queue length. A connection
	// that falls this far behind gets evicted.
	SendBuffer int
	Logger     *slog.Logger
}

func NewHub(resolver CallResolver, cfg HubConfig) *Hub {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Hub{
		resolver:   resolver,
		log:        log,
		sendBuffer: buffer,
		conns:      map[string]*Conn{},
		subs:       map[string]map[string]struct{}{},
		connSubs:   map[string]map[string]struct{}{},
	}
}

// Connect registers a new live connection with no subscriptions and starts
// its writer goroutine. A new socket is always a new connection id; there are
// no reconnection semantics.
func (h *Hub) Connect(t Transport, identity Identity) *Conn {
	c := newConn(uuid.NewString(), identity, t, h.sendBuffer)

	h.mu.Lock()
	h.conns[c.ID] = c
	h.connSubs[c.ID] = map[string]struct{}{}
	h.mu.Unlock()

	go c.writeLoop(h)

	h.log.Debug("connection registered", "connection_id", c.ID, "user_id", identity.UserID)
	return c
}

// Disconnect removes the connection from the registry and from every
// subscription set it appears in. Idempotent; unknown ids are a no-op.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
		for ident := range h.connSubs[connID] {
			h.removeSubLocked(ident, connID)
		}
		delete(h.connSubs, connID)
	}
	h.mu.Unlock()

	if ok {
		c.shutdown()
		h.log.Debug("connection removed", "connection_id", connID)
	}
}

// Subscribe resolves the identifier and registers the connection under both
// of the call's identifiers. Fails with calls.ErrCallNotFound when nothing
// resolves; the caller is expected to surface that, not swallow it.
func (h *Hub) Subscribe(ctx context.Context, connID, identifier string) (calls.Call, error) {
	c, _, err := h.resolver.Resolve(ctx, identifier)
	if err != nil {
		return calls.Call{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		return calls.Call{}, ErrConnectionClosed
	}
	h.addSubLocked(c.CallID, connID)
	if c.ConversationID != "" {
		h.addSubLocked(c.ConversationID, connID)
	}
	return c, nil
}

// Unsubscribe is the symmetric removal. Tolerant of "not currently
// subscribed" and of identifiers that no longer resolve.
func (h *Hub) Unsubscribe(ctx context.Context, connID, identifier string) error {
	idents := []string{identifier}
	if c, _, err := h.resolver.Resolve(ctx, identifier); err == nil {
		idents = []string{c.CallID}
		if c.ConversationID != "" {
			idents = append(idents, c.ConversationID)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ident := range idents {
		h.removeSubLocked(ident, connID)
		if set, ok := h.connSubs[connID]; ok {
			delete(set, ident)
		}
	}
	return nil
}

// Subscribers snapshots the union of connections subscribed under either of
// the call's identifiers. The completion path computes this once and delivers
// both protocol messages to the same set.
func (h *Hub) Subscribers(c calls.Call) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := map[string]struct{}{}
	out := make([]*Conn, 0)
	for _, ident := range []string{c.CallID, c.ConversationID} {
		if ident == "" {
			continue
		}
		for connID := range h.subs[ident] {
			if _, dup := seen[connID]; dup {
				continue
			}
			seen[connID] = struct{}{}
			if conn, ok := h.conns[connID]; ok {
				out = append(out, conn)
			}
		}
	}
	return out
}

// Deliver enqueues msg for each connection. A connection that cannot accept
// the message (closed, or buffer full) is evicted; delivery to the rest
// continues. Zero targets is a normal no-op.
func (h *Hub) Deliver(conns []*Conn, msg any) {
	for _, c := range conns {
		if !c.enqueue(msg) {
			h.dropConn(c, "send queue unavailable", nil)
		}
	}
}

// Broadcast delivers msg to every current subscriber of the call.
func (h *Hub) Broadcast(c calls.Call, msg any) {
	h.Deliver(h.Subscribers(c), msg)
}

// Retire drops both identifier keys from the subscription map after the final
// broadcast for a call. Without this the registry would grow for the life of
// the process as calls complete.
func (h *Hub) Retire(c calls.Call) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ident := range []string{c.CallID, c.ConversationID} {
		if ident == "" {
			continue
		}
		for connID := range h.subs[ident] {
			if set, ok := h.connSubs[connID]; ok {
				delete(set, ident)
			}
		}
		delete(h.subs, ident)
	}
}

// Shutdown closes every connection. Used on process exit.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = map[string]*Conn{}
	h.subs = map[string]map[string]struct{}{}
	h.connSubs = map[string]map[string]struct{}{}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}

// ConnectionCount is used by health reporting and tests.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SubscriberIDs lists connection ids subscribed under one identifier key.
func (h *Hub) SubscriberIDs(identifier string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.subs[identifier]))
	for id := range h.subs[identifier] {
		out = append(out, id)
	}
	return out
}

func (h *Hub) addSubLocked(identifier, connID string) {
	set, ok := h.subs[identifier]
	if !ok {
		set = map[string]struct{}{}
		h.subs[identifier] = set
	}
	set[connID] = struct{}{}
	h.connSubs[connID][identifier] = struct{}{}
}

func (h *Hub) removeSubLocked(identifier, connID string) {
	if set, ok := h.subs[identifier]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.subs, identifier)
		}
	}
}

// dropConn evicts a connection after a delivery failure. Broadcast callers
// never see the error; eviction plus a log line is the whole policy.
func (h *Hub) dropConn(c *Conn, reason string, err error) {
	h.log.Warn("evicting connection", "connection_id", c.ID, "reason", reason, "err", err)
	h.Disconnect(c.ID)
}
