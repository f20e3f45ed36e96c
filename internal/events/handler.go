package events

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/netpulse/netpulse/pkg/log"
)

// Handler upgrades operator HTTP requests to websocket connections and
// attaches them to the hub. It carries no authentication of its own: the
// orchestrator mounts it behind the admin token middleware.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   log.Logger
}

// HandlerConfig configures the event stream handler.
type HandlerConfig struct {
	// AllowedOrigins is a list of allowed origins. Use "*" to allow all.
	AllowedOrigins []string
	// ReadBufferSize is the buffer size for reading messages.
	ReadBufferSize int
	// WriteBufferSize is the buffer size for writing messages.
	WriteBufferSize int
}

// DefaultHandlerConfig returns sensible defaults for handler configuration.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		AllowedOrigins:  []string{"*"},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// NewHandler creates an event stream handler with default configuration.
func NewHandler(hub *Hub, logger log.Logger) *Handler {
	return NewHandlerWithConfig(hub, DefaultHandlerConfig(), logger)
}

// NewHandlerWithConfig creates an event stream handler with custom configuration.
func NewHandlerWithConfig(hub *Hub, cfg HandlerConfig, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NewNop()
	}

	h := &Handler{
		hub:    hub,
		logger: logger.With("component", "event_handler"),
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}

	return h
}

// originChecker builds an origin checking function from the allowed list.
func originChecker(allowedOrigins []string) func(*http.Request) bool {
	for _, origin := range allowedOrigins {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
	}

	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients such as netpulse-ctl send no origin.
			return true
		}
		return allowed[origin]
	}
}

// ServeHTTP upgrades the request to a websocket and starts the pumps.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("failed to upgrade connection")
		return
	}

	conn := NewConnection(ws, h.hub, h.logger)
	h.hub.Register(conn)

	h.logger.Info().
		Str("conn_id", conn.ID()).
		Str("remote_addr", r.RemoteAddr).
		Msg("event stream client connected")

	go conn.WritePump()
	go conn.ReadPump()
}
