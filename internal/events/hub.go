package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/metrics"
)

// Hub owns all event stream connections and fans broadcasts out to room
// subscribers. All state changes flow through its Run loop.
type Hub struct {
	// connections holds all active connections.
	connections map[*Connection]struct{}

	// rooms maps room names to the connections subscribed to them.
	rooms map[string]map[*Connection]struct{}

	register      chan *Connection
	unregister    chan *Connection
	subscribe     chan *subscriptionRequest
	unsubscribeCh chan *subscriptionRequest
	broadcast     chan *broadcastRequest
	broadcastAll  chan []byte

	mu      sync.RWMutex
	logger  log.Logger
	metrics *metrics.OrchestratorMetrics

	running            atomic.Bool
	totalConnections   atomic.Int64
	totalBroadcasts    atomic.Int64
	droppedBroadcasts  atomic.Int64
	totalSubscriptions atomic.Int64
}

type subscriptionRequest struct {
	conn *Connection
	room string
}

type broadcastRequest struct {
	room    string
	message []byte
}

// HubConfig holds configuration for the event hub.
type HubConfig struct {
	// BroadcastBufferSize is the buffer size for the hub's request channels.
	BroadcastBufferSize int
}

// DefaultHubConfig returns sensible defaults for hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BroadcastBufferSize: 256,
	}
}

// NewHub creates an event hub with default configuration.
func NewHub(m *metrics.OrchestratorMetrics, logger log.Logger) *Hub {
	return NewHubWithConfig(DefaultHubConfig(), m, logger)
}

// NewHubWithConfig creates an event hub with custom configuration.
func NewHubWithConfig(cfg HubConfig, m *metrics.OrchestratorMetrics, logger log.Logger) *Hub {
	bufferSize := cfg.BroadcastBufferSize
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if m == nil {
		m = metrics.NewOrchestratorMetrics().Orchestrator
	}
	if logger == nil {
		logger = log.NewNop()
	}

	return &Hub{
		connections:   make(map[*Connection]struct{}),
		rooms:         make(map[string]map[*Connection]struct{}),
		register:      make(chan *Connection, bufferSize),
		unregister:    make(chan *Connection, bufferSize),
		subscribe:     make(chan *subscriptionRequest, bufferSize),
		unsubscribeCh: make(chan *subscriptionRequest, bufferSize),
		broadcast:     make(chan *broadcastRequest, bufferSize),
		broadcastAll:  make(chan []byte, bufferSize),
		logger:        logger.With("component", "event_hub"),
		metrics:       m,
	}
}

// Run starts the hub's event loop. It blocks until the context is cancelled,
// then closes every client connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info().Msg("starting event hub")
	h.running.Store(true)
	defer h.running.Store(false)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Msg("stopping event hub")
			h.closeAllConnections()
			return

		case conn := <-h.register:
			h.handleRegister(conn)

		case conn := <-h.unregister:
			h.handleUnregister(conn)

		case req := <-h.subscribe:
			h.handleSubscribe(req)

		case req := <-h.unsubscribeCh:
			h.handleUnsubscribe(req)

		case req := <-h.broadcast:
			h.handleBroadcast(req)

		case message := <-h.broadcastAll:
			h.handleBroadcastAll(message)

		case <-ticker.C:
			h.logStats()
		}
	}
}

// Register registers a new connection with the hub.
func (h *Hub) Register(conn *Connection) {
	h.register <- conn
}

// Unregister removes a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	h.unregister <- conn
}

// Subscribe subscribes a connection to a room.
func (h *Hub) Subscribe(conn *Connection, room string) {
	h.subscribe <- &subscriptionRequest{conn: conn, room: room}
}

// Unsubscribe unsubscribes a connection from a room.
func (h *Hub) Unsubscribe(conn *Connection, room string) {
	h.unsubscribeCh <- &subscriptionRequest{conn: conn, room: room}
}

// Broadcast sends a message to all connections in a room. The enqueue is
// non-blocking: events are advisory, so when the hub cannot keep up the
// message is dropped rather than stalling the publisher.
func (h *Hub) Broadcast(room string, message []byte) {
	select {
	case h.broadcast <- &broadcastRequest{room: room, message: message}:
	default:
		h.droppedBroadcasts.Add(1)
	}
}

// BroadcastAll sends a message to every connected client, with the same
// non-blocking contract as Broadcast.
func (h *Hub) BroadcastAll(message []byte) {
	select {
	case h.broadcastAll <- message:
	default:
		h.droppedBroadcasts.Add(1)
	}
}

// BroadcastMessage encodes and broadcasts a Message to a room.
func (h *Hub) BroadcastMessage(room string, msg *Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	h.Broadcast(room, data)
	return nil
}

// Running reports whether the hub's event loop is active.
func (h *Hub) Running() bool {
	return h.running.Load()
}

// ConnectionCount returns the current number of connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// RoomCount returns the current number of active rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// RoomConnectionCount returns the number of connections in a room.
func (h *Hub) RoomConnectionCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if conns, ok := h.rooms[room]; ok {
		return len(conns)
	}
	return 0
}

func (h *Hub) handleRegister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[conn] = struct{}{}
	h.totalConnections.Add(1)
	h.metrics.SetEventClients(float64(len(h.connections)))

	h.logger.Debug().
		Str("conn_id", conn.ID()).
		Int("total_connections", len(h.connections)).
		Msg("connection registered")
}

func (h *Hub) handleUnregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[conn]; !ok {
		return
	}

	for room, conns := range h.rooms {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}

	delete(h.connections, conn)
	conn.Close()
	h.metrics.SetEventClients(float64(len(h.connections)))

	h.logger.Debug().
		Str("conn_id", conn.ID()).
		Int("total_connections", len(h.connections)).
		Msg("connection unregistered")
}

func (h *Hub) handleSubscribe(req *subscriptionRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Only registered connections may join rooms.
	if _, ok := h.connections[req.conn]; !ok {
		return
	}

	if _, ok := h.rooms[req.room]; !ok {
		h.rooms[req.room] = make(map[*Connection]struct{})
	}

	h.rooms[req.room][req.conn] = struct{}{}
	h.totalSubscriptions.Add(1)

	h.logger.Debug().
		Str("conn_id", req.conn.ID()).
		Str("room", req.room).
		Int("room_connections", len(h.rooms[req.room])).
		Msg("connection subscribed to room")

	msg, _ := NewRoomMessage(MessageTypeSubscribed, req.room, nil)
	if data, err := msg.Bytes(); err == nil {
		req.conn.Send(data)
	}
}

func (h *Hub) handleUnsubscribe(req *subscriptionRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.rooms[req.room]; ok {
		delete(conns, req.conn)
		if len(conns) == 0 {
			delete(h.rooms, req.room)
		}
	}

	h.logger.Debug().
		Str("conn_id", req.conn.ID()).
		Str("room", req.room).
		Msg("connection unsubscribed from room")

	msg, _ := NewRoomMessage(MessageTypeUnsubscribed, req.room, nil)
	if data, err := msg.Bytes(); err == nil {
		req.conn.Send(data)
	}
}

func (h *Hub) handleBroadcast(req *broadcastRequest) {
	h.mu.RLock()
	conns, ok := h.rooms[req.room]
	if !ok {
		h.mu.RUnlock()
		return
	}

	// Copy connections so sends happen outside the lock.
	targets := make([]*Connection, 0, len(conns))
	for conn := range conns {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	h.totalBroadcasts.Add(1)

	for _, conn := range targets {
		conn.Send(req.message)
	}
}

func (h *Hub) handleBroadcastAll(message []byte) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.connections))
	for conn := range h.connections {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	h.totalBroadcasts.Add(1)

	for _, conn := range targets {
		conn.Send(message)
	}
}

func (h *Hub) closeAllConnections() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.connections {
		conn.Close()
	}

	h.connections = make(map[*Connection]struct{})
	h.rooms = make(map[string]map[*Connection]struct{})
	h.metrics.SetEventClients(0)

	h.logger.Info().Msg("all connections closed")
}

func (h *Hub) logStats() {
	h.mu.RLock()
	connCount := len(h.connections)
	roomCount := len(h.rooms)
	h.mu.RUnlock()

	h.logger.Debug().
		Int("connections", connCount).
		Int("rooms", roomCount).
		Int64("total_connections", h.totalConnections.Load()).
		Int64("total_broadcasts", h.totalBroadcasts.Load()).
		Int64("dropped_broadcasts", h.droppedBroadcasts.Load()).
		Int64("total_subscriptions", h.totalSubscriptions.Load()).
		Msg("hub statistics")
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return HubStats{
		ActiveConnections:  len(h.connections),
		ActiveRooms:        len(h.rooms),
		TotalConnections:   h.totalConnections.Load(),
		TotalBroadcasts:    h.totalBroadcasts.Load(),
		DroppedBroadcasts:  h.droppedBroadcasts.Load(),
		TotalSubscriptions: h.totalSubscriptions.Load(),
	}
}

// HubStats holds hub counters.
type HubStats struct {
	ActiveConnections  int   `json:"active_connections"`
	ActiveRooms        int   `json:"active_rooms"`
	TotalConnections   int64 `json:"total_connections"`
	TotalBroadcasts    int64 `json:"total_broadcasts"`
	DroppedBroadcasts  int64 `json:"dropped_broadcasts"`
	TotalSubscriptions int64 `json:"total_subscriptions"`
}
