package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/terrachat/terrachat/internal/event"
	"github.com/terrachat/terrachat/internal/logging"
)

const (
	cableWriteWait      = 10 * time.Second
	cableMaxMessageSize = 4096
	cableSendBuffer     = 64
)

// cableConn is one WebSocket client multiplexing session subscriptions.
type cableConn struct {
	srv    *Server
	conn   *websocket.Conn
	userID string
	send   chan event.Event

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

// cable handles GET /cable. After the welcome frame the client sends
// subscribe and unsubscribe commands naming sessions it owns.
func (s *Server) cable(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("cable upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &cableConn{
		srv:    s,
		conn:   conn,
		userID: getUser(r.Context()),
		send:   make(chan event.Event, cableSendBuffer),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]context.CancelFunc),
	}
	logging.Debug().Str("userID", c.userID).Msg("cable connected")

	c.push(event.Event{Type: event.Welcome})
	go c.writePump()
	c.readPump()
}

func (c *cableConn) pongWait() time.Duration {
	return 2 * c.srv.config.HeartbeatInterval
}

// readPump handles commands until the client disconnects, then tears down
// every subscription.
func (c *cableConn) readPump() {
	defer func() {
		c.cancel()
		c.conn.Close()
		logging.Debug().Str("userID", c.userID).Msg("cable disconnected")
	}()

	c.conn.SetReadLimit(cableMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn().Err(err).Str("userID", c.userID).Msg("cable read error")
			}
			return
		}

		var cmd event.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.push(event.Event{Type: event.RejectSubscription, Reason: "malformed command"})
			continue
		}
		c.handle(cmd)
	}
}

func (c *cableConn) handle(cmd event.Command) {
	switch cmd.Command {
	case event.CommandSubscribe:
		c.subscribe(cmd.SessionID)
	case event.CommandUnsubscribe:
		c.unsubscribe(cmd.SessionID)
	default:
		c.push(event.Event{Type: event.RejectSubscription, SessionID: cmd.SessionID, Reason: "unknown command"})
	}
}

// subscribe confirms only sessions owned by the connected user. A repeated
// subscribe for the same session is confirmed again without a second feed.
func (c *cableConn) subscribe(sessionID string) {
	if sessionID == "" {
		c.push(event.Event{Type: event.RejectSubscription, Reason: "session_id is required"})
		return
	}
	if _, err := c.srv.sessionService.Get(c.ctx, c.userID, sessionID); err != nil {
		c.push(event.Event{Type: event.RejectSubscription, SessionID: sessionID, Reason: "session not found"})
		return
	}

	c.mu.Lock()
	if _, ok := c.subs[sessionID]; ok {
		c.mu.Unlock()
		c.push(event.Event{Type: event.ConfirmSubscription, SessionID: sessionID})
		return
	}
	subCtx, cancel := context.WithCancel(c.ctx)
	events, err := c.srv.bus.Subscribe(subCtx, sessionID)
	if err != nil {
		c.mu.Unlock()
		cancel()
		c.push(event.Event{Type: event.RejectSubscription, SessionID: sessionID, Reason: "subscription unavailable"})
		return
	}
	c.subs[sessionID] = cancel
	c.mu.Unlock()

	c.push(event.Event{Type: event.ConfirmSubscription, SessionID: sessionID})

	go func() {
		for e := range events {
			if subCtx.Err() != nil {
				continue
			}
			if e.SessionID == "" {
				e.SessionID = sessionID
			}
			c.push(e)
		}
	}()
}

func (c *cableConn) unsubscribe(sessionID string) {
	c.mu.Lock()
	cancel, ok := c.subs[sessionID]
	delete(c.subs, sessionID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// push queues a frame for the write pump. Frames for a closed connection
// are discarded.
func (c *cableConn) push(e event.Event) {
	select {
	case c.send <- e:
	case <-c.ctx.Done():
	}
}

// writePump serializes frames and pings onto the socket.
func (c *cableConn) writePump() {
	ticker := time.NewTicker(c.srv.config.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(cableWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case e := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cableWriteWait))
			if err := c.conn.WriteJSON(e); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cableWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}
