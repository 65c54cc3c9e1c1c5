package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"portal.dev/go/portal/transport/wsrelay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// conn is one member's websocket in one room.
type conn struct {
	server *Server
	room   string
	id     string
	ws     *websocket.Conn

	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func newConn(s *Server, room, id string, ws *websocket.Conn) *conn {
	return &conn{
		server: s,
		room:   room,
		id:     id,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *conn) key() string {
	return c.room + "/" + c.id
}

// queue hands a frame to the write pump. A member that cannot keep up is
// disconnected.
func (c *conn) queue(frameType string, payload any) {
	f, err := wsrelay.NewFrame(frameType, payload)
	if err != nil {
		slog.Warn("Failed to encode frame", "type", frameType, "error", err)
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		slog.Warn("Failed to encode frame", "type", frameType, "error", err)
		return
	}

	select {
	case c.send <- data:
	case <-c.done:
	default:
		slog.Warn("Send buffer full, disconnecting peer", "room", c.room, "peer", c.id)
		c.close()
	}
}

// reject answers a connection that was never added to a room.
func (c *conn) reject(e wsrelay.ErrorPayload) {
	defer c.ws.Close()

	f, err := wsrelay.NewFrame(wsrelay.TypeError, e)
	if err != nil {
		return
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(f); err != nil {
		return
	}
	c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, e.Code))
	slog.Info("Peer rejected", "room", c.room, "peer", c.id, "code", e.Code)
}

func (c *conn) close() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) readPump() {
	defer func() {
		c.server.leave(c)
		c.close()
	}()

	limiter := c.server.limiter
	c.ws.SetReadLimit(int64(2 * limiter.Limits().MaxFrameSize))
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read error", "room", c.room, "peer", c.id, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if err := limiter.Allow(c.key(), len(data)); err != nil {
			c.server.opts.Metrics.RelayRateLimited()
			c.queue(wsrelay.TypeError, wsrelay.ErrorPayload{Code: wsrelay.CodeRateLimited, Message: err.Error()})
			continue
		}

		var f wsrelay.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type != wsrelay.TypeSend {
			c.queue(wsrelay.TypeError, wsrelay.ErrorPayload{Code: wsrelay.CodeBadFrame, Message: "expected a send frame"})
			continue
		}
		var m wsrelay.Message
		if err := f.Decode(&m); err != nil || m.To == "" {
			c.queue(wsrelay.TypeError, wsrelay.ErrorPayload{Code: wsrelay.CodeBadFrame, Message: "send frame needs a recipient"})
			continue
		}

		c.server.opts.Metrics.RelayFrame(wsrelay.TypeSend)
		c.server.route(c, m)
	}
}

// writePump writes one frame per websocket message; peers decode a single
// JSON value per message.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}
