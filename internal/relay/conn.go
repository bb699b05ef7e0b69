package relay

import (
	"sync"
)

// Transport is the minimal write side of a live connection. gorilla's
// *websocket.Conn satisfies it via the deadline-wrapping adapter in
// ws_handler.go; tests plug in fakes.
type Transport interface {
	WriteJSON(v any) error
	Close() error
}

// Identity is who authenticated the connection. Informational only; the hub
// does not authorize per-call access.
type Identity struct {
	UserID      string
	WorkspaceID string
}

// Conn is one live subscriber connection.
//
// All outbound traffic funnels through the buffered send channel and a single
// writer goroutine, which is what gives each connection FIFO delivery and
// keeps a stuck peer from stalling anyone else. A full buffer means the
// subscriber is not keeping up; the hub evicts it rather than block.
type Conn struct {
	ID       string
	Identity Identity

	transport Transport
	send      chan any

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, identity Identity, t Transport, buffer int) *Conn {
	return &Conn{
		ID:        id,
		Identity:  identity,
		transport: t,
		send:      make(chan any, buffer),
		done:      make(chan struct{}),
	}
}

// enqueue hands a message to the writer goroutine. Returns false when the
// connection is closed or its buffer is full.
func (c *Conn) enqueue(msg any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// shutdown marks the connection dead and closes the transport. Idempotent.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.transport.Close()
	})
}

func (c *Conn) writeLoop(h *Hub) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.transport.WriteJSON(msg); err != nil {
				h.dropConn(c, "write failed", err)
				return
			}
		}
	}
}
