package ws

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"listenalong/internal/event"
)

// Conn is one session channel: a long-lived bidirectional connection for a
// single participant. Connecting does not imply room membership; the
// connection is associated with a room only after an explicit join-room
// event.
type Conn struct {
	ID   string
	sock *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	userID string
	roomID string
}

func newConn(sock *websocket.Conn, sendBuffer int) *Conn {
	return &Conn{
		ID:   uuid.New().String(),
		sock: sock,
		send: make(chan []byte, sendBuffer),
	}
}

// Identity returns the user and room this channel is bound to; both are
// empty before a join-room event.
func (c *Conn) Identity() (userID, roomID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.roomID
}

func (c *Conn) bind(userID, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.roomID = roomID
}

func (c *Conn) unbindRoom() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = ""
}

// Send queues an event for delivery; at-least-once within the life of the
// channel, dropped when the consumer cannot keep up (the reconciliation
// poll bounds the resulting staleness).
func (c *Conn) Send(name string, payload any) {
	data, err := event.Marshal(name, payload)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Conn) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// readPump reads envelopes off the socket and dispatches them until the
// connection drops, then triggers the hub's unregister path.
func (c *Conn) readPump(h *Hub, readTimeout time.Duration, logger *log.Logger) {
	defer func() {
		h.unregister <- c
		c.sock.Close()
	}()

	c.sock.SetReadDeadline(time.Now().Add(readTimeout))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read", "conn", c.ID, "err", err)
			}
			return
		}
		h.dispatch(c, raw)
	}
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings.
func (c *Conn) writePump(pingInterval, writeTimeout time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("websocket write", "conn", c.ID, "err", err)
				return
			}

		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
