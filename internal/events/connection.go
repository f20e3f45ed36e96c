package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/netpulse/netpulse/pkg/log"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod is the period at which pings are sent. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// sendBufferSize is the buffer size for the send channel.
	sendBufferSize = 256
)

// Connection wraps one operator websocket with read/write pumps and hub
// integration.
type Connection struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	// send is the buffered channel for outbound messages.
	send chan []byte

	// rooms tracks which rooms this connection is subscribed to.
	rooms map[string]struct{}

	mu     sync.RWMutex
	closed bool

	logger       log.Logger
	connectedAt  time.Time
	lastActivity time.Time
}

// NewConnection creates a new Connection wrapper.
func NewConnection(ws *websocket.Conn, hub *Hub, logger log.Logger) *Connection {
	if logger == nil {
		logger = log.NewNop()
	}
	now := time.Now()
	c := &Connection{
		id:           uuid.New().String(),
		hub:          hub,
		conn:         ws,
		send:         make(chan []byte, sendBufferSize),
		rooms:        make(map[string]struct{}),
		connectedAt:  now,
		lastActivity: now,
	}
	c.logger = logger.With("component", "event_conn").With("conn_id", c.id)
	return c
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string {
	return c.id
}

// ConnectedAt returns when the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// LastActivity returns the time of the last inbound frame or pong.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// IsClosed reports whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Rooms returns the rooms this connection is subscribed to.
func (c *Connection) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Send queues a message for delivery to the client. It returns false if the
// connection is closed or the buffer is full; slow consumers lose messages
// rather than stall the hub.
func (c *Connection) Send(message []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- message:
		return true
	default:
		c.logger.Warn().Msg("send buffer full, dropping message")
		return false
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.conn.Close()

	c.logger.Debug().Msg("connection closed")
}

// ReadPump pumps inbound frames from the websocket to the hub. It runs in
// its own goroutine and unregisters the connection when the peer goes away.
func (c *Connection) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("unexpected close error")
			}
			break
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()

		c.handleMessage(message)
	}
}

// WritePump pumps outbound messages from the send channel to the websocket.
// It runs in its own goroutine and keeps the connection alive with pings.
func (c *Connection) WritePump() {
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
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages, newline separated.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// handleMessage processes one inbound frame from the client.
func (c *Connection) handleMessage(data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		c.logger.Debug().Err(err).Msg("failed to parse message")
		c.sendError("invalid_message", "failed to parse message")
		return
	}

	switch msg.Type {
	case MessageTypeSubscribe:
		c.handleSubscribe(msg)
	case MessageTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case MessageTypePing:
		c.handlePing()
	default:
		c.logger.Debug().Str("type", string(msg.Type)).Msg("unknown message type")
	}
}

func (c *Connection) handleSubscribe(msg *Message) {
	room := msg.Room
	if !ValidRoom(room) {
		c.sendError("invalid_room", "subscribe requires a room such as agent:<id>, task:<id>, or global:agents")
		return
	}

	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()

	c.hub.Subscribe(c, room)

	c.logger.Debug().Str("room", room).Msg("subscribed to room")
}

func (c *Connection) handleUnsubscribe(msg *Message) {
	room := msg.Room
	if room == "" {
		c.sendError("invalid_room", "room is required for unsubscribe")
		return
	}

	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()

	c.hub.Unsubscribe(c, room)

	c.logger.Debug().Str("room", room).Msg("unsubscribed from room")
}

func (c *Connection) handlePing() {
	msg, _ := NewMessage(MessageTypePong, nil)
	if data, err := msg.Bytes(); err == nil {
		c.Send(data)
	}
}

func (c *Connection) sendError(code, message string) {
	msg, _ := NewMessage(MessageTypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
	if data, err := msg.Bytes(); err == nil {
		c.Send(data)
	}
}
