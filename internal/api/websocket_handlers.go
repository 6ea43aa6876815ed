package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendQueue  = 64
)

// StreamClient is one websocket subscriber of a conversation
type StreamClient struct {
	conn           *websocket.Conn
	conversationID string
	server         *Server

	mu     sync.Mutex
	send   chan WebSocketMessage
	closed bool
}

// handleStream upgrades GET /api/conversations/{id}/stream to a websocket
// that receives every assistant message of the conversation.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "conversation", conversationID, "err", err)
		return
	}

	client := &StreamClient{
		conn:           conn,
		conversationID: conversationID,
		send:           make(chan WebSocketMessage, sendQueue),
		server:         s,
	}
	s.connections.Add(conversationID, client)
	s.logger.Debug("stream client connected", "conversation", conversationID)

	go client.writePump()
	go client.readPump()
}

func (c *StreamClient) enqueue(msg WebSocketMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *StreamClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump keeps the connection alive and answers pings
func (c *StreamClient) readPump() {
	defer func() {
		c.server.connections.Remove(c.conversationID, c)
		c.conn.Close()
		c.server.logger.Debug("stream client disconnected", "conversation", c.conversationID)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg WebSocketMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("websocket error", "conversation", c.conversationID, "err", err)
			}
			return
		}

		switch msg.Type {
		case StreamPing:
			c.enqueue(WebSocketMessage{Type: StreamPong})
		default:
			c.enqueue(WebSocketMessage{Type: StreamError, Error: "unsupported message type"})
		}
	}
}

// writePump drains the send queue onto the connection
func (c *StreamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Warn("websocket write failed", "conversation", c.conversationID, "err", err)
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
