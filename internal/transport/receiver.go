package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/entrepeneur4lyf/convostore/internal/api"
	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/gorilla/websocket"
)

const receiveBuffer = 32

// StreamURL is the websocket address of the conversation stream
func (c *Client) StreamURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/conversations/" + url.PathEscape(c.conversationID) + "/stream"
	return u.String()
}

// Receive subscribes to the conversation stream. The first connection is
// made before returning; later drops are redialled with backoff until ctx
// ends, at which point the channel is closed.
func (c *Client) Receive(ctx context.Context) (<-chan message.RawMessage, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan message.RawMessage, receiveBuffer)
	go func() {
		defer close(out)
		attempt := 0
		for {
			if conn != nil {
				attempt = 0
				c.pump(ctx, conn, out)
			}
			if ctx.Err() != nil {
				return
			}

			delay := calculateDelay(nil, attempt, c.retry)
			attempt++
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			conn, err = c.dial(ctx)
			if err != nil {
				c.logger.Warn("stream reconnect failed", "attempt", attempt, "err", err)
				conn = nil
			}
		}
	}()
	return out, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.StreamURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	c.logger.Debug("stream connected", "conversation", c.conversationID)
	return conn, nil
}

// pump forwards message frames until the connection drops or ctx ends
func (c *Client) pump(ctx context.Context, conn *websocket.Conn, out chan<- message.RawMessage) {
	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer func() {
		stop()
		conn.Close()
	}()

	for {
		var frame api.WebSocketMessage
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("stream dropped", "conversation", c.conversationID, "err", err)
			}
			return
		}

		switch frame.Type {
		case api.StreamMessage:
			if frame.Message == nil {
				continue
			}
			select {
			case out <- *frame.Message:
			case <-ctx.Done():
				return
			}
		case api.StreamError:
			c.logger.Warn("stream error frame", "error", frame.Error)
		}
	}
}
