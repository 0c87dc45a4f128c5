package consult

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/seers-hq/consultd/internal/shared"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // 90% of pongWait
	maxMessageSize = 4096
)

// ClientConn is one websocket subscriber.
type ClientConn struct {
	hub       *Hub
	conn      *websocket.Conn
	principal shared.Principal
	send      chan []byte
}

func newClientConn(hub *Hub, conn *websocket.Conn, principal shared.Principal) *ClientConn {
	return &ClientConn{
		hub:       hub,
		conn:      conn,
		principal: principal,
		send:      make(chan []byte, 64),
	}
}

// push enqueues a message for this connection only. Called from the hub loop.
func (c *ClientConn) push(msgType shared.MessageType, payload interface{}) {
	env, err := shared.NewEnvelope(msgType, "", payload)
	if err != nil {
		return
	}
	data, err := shared.MarshalEnvelope(env)
	if err != nil {
		return
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *ClientConn) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close",
					zap.String("principal_id", c.principal.ID),
					zap.Error(err),
				)
			}
			return
		}

		env, err := shared.UnmarshalEnvelope(message)
		if err != nil {
			continue
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if env.Type == string(shared.MessageTypeHeartbeat) {
			c.hub.heartbeat(c.principal)
		}
	}
}

func (c *ClientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
