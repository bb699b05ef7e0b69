package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"voice-relay/internal/auth"
	"voice-relay/internal/calls"
	"voice-relay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 25 * time.Second
	wsReadLimit    = 1 << 16
)

// WSHandler upgrades authenticated requests to live subscriber connections
// and runs their read loops. Identity must already be on the request context;
// token verification happens in middleware before the upgrade.
type WSHandler struct {
	Hub *Hub
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from app origins we do not know ahead of time;
	// the bearer token is the access control, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTransport serializes writes to the socket and applies the write deadline.
// The hub's writer goroutine and the ping ticker are the only callers.
type wsTransport struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (t *wsTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.ws.WriteJSON(v)
}

func (t *wsTransport) ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}

func (h WSHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	userID, _ := auth.UserID(c.Request.Context())
	workspaceID, _ := auth.WorkspaceID(c.Request.Context())

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Warn("websocket upgrade failed", "err", err)
		return
	}

	t := &wsTransport{ws: ws}
	conn := h.Hub.Connect(t, Identity{UserID: userID, WorkspaceID: workspaceID})
	defer h.Hub.Disconnect(conn.ID)

	ws.SetReadLimit(wsReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				if err := t.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			// Explicit close and abrupt death land here the same way.
			log.Debug("connection read ended", "connection_id", conn.ID, "err", err)
			return
		}

		var ctl ControlMessage
		if err := json.Unmarshal(data, &ctl); err != nil {
			h.Hub.Deliver([]*Conn{conn}, NewErrorMessage(ErrCodeInvalidPayload, "malformed control message"))
			continue
		}
		h.handleControl(c, conn, ctl)
	}
}

func (h WSHandler) handleControl(c *gin.Context, conn *Conn, ctl ControlMessage) {
	log := logger.FromGin(c)
	ctx := c.Request.Context()

	if ctl.CallID == "" {
		h.Hub.Deliver([]*Conn{conn}, NewErrorMessage(ErrCodeInvalidPayload, "call_id required"))
		return
	}

	switch ctl.Action {
	case ControlActionSubscribe:
		call, err := h.Hub.Subscribe(ctx, conn.ID, ctl.CallID)
		switch {
		case err == nil:
			h.Hub.Deliver([]*Conn{conn}, NewSubscribedMessage(call))
		case errors.Is(err, calls.ErrCallNotFound) || errors.Is(err, calls.ErrInvalidArgument):
			h.Hub.Deliver([]*Conn{conn}, NewErrorMessage(ErrCodeCallNotFound, "no call for identifier"))
		case errors.Is(err, ErrConnectionClosed):
			// Lost the race with a disconnect; nothing to tell anyone.
		default:
			log.Error("subscribe failed", "connection_id", conn.ID, "err", err)
			h.Hub.Deliver([]*Conn{conn}, NewErrorMessage(ErrCodeInvalidPayload, "subscription failed"))
		}
	case ControlActionUnsubscribe:
		_ = h.Hub.Unsubscribe(ctx, conn.ID, ctl.CallID)
		h.Hub.Deliver([]*Conn{conn}, NewUnsubscribedMessage(ctl.CallID))
	default:
		h.Hub.Deliver([]*Conn{conn}, NewErrorMessage(ErrCodeUnknownAction, "unknown action"))
	}
}
