package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crewflow/flowd/broadcast"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

// Client is one WebSocket subscriber to the execution event stream.
// Events flow one way, server to client; inbound frames are read only
// to service pongs and detect disconnects.
type Client struct {
	conn     *websocket.Conn
	observer *broadcast.Observer
	logger   *zap.SugaredLogger
}

// handleWebSocket upgrades the connection and streams execution events
// until either side goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed",
			"remote_addr", r.RemoteAddr,
			"error", err)
		return
	}

	client := &Client{
		conn:     conn,
		observer: s.manager.Subscribe(),
		logger:   s.logger,
	}
	s.logger.Infow("WebSocket client connected",
		"remote_addr", r.RemoteAddr,
		"observer_id", client.observer.ID())

	go client.writePump()
	go client.readPump(func() { s.manager.Unsubscribe(client.observer) })
}

// writePump forwards broadcast events to the peer and keeps the
// connection alive with pings. Exits when the observer's channel closes,
// which happens on unsubscribe and on queue saturation.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.observer.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debugw("WebSocket write failed",
					"observer_id", c.observer.ID(),
					"error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains inbound frames until the peer disconnects, then runs
// the unsubscribe callback so the write pump winds down.
func (c *Client) readPump(unsubscribe func()) {
	defer func() {
		unsubscribe()
		c.conn.Close()
		c.logger.Infow("WebSocket client disconnected",
			"observer_id", c.observer.ID())
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debugw("WebSocket read error",
					"observer_id", c.observer.ID(),
					"error", err)
			}
			return
		}
	}
}
