package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"listenalong/internal/config"
	"listenalong/internal/event"
)

// Registry is the slice of the room registry the hub needs; declared here
// to avoid an import cycle with the room package.
type Registry interface {
	HandleDisconnect(ctx context.Context, roomID, userID string)
}

// outbound is one room-scoped broadcast.
type outbound struct {
	roomID       string
	exceptUserID string
	payload      []byte
}

// Hub owns every session channel and fans room broadcasts out to them.
// Registration, unregistration and broadcasting run through channels into a
// single loop, the connection map is additionally guarded for the
// synchronous readers.
type Hub struct {
	cfg      *config.Config
	logger   *log.Logger
	metrics  *config.Metrics
	registry Registry
	handler  *EventHandler
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	conns      map[string]*Conn
	register   chan *Conn
	unregister chan *Conn
	broadcast  chan outbound
}

// NewHub creates the session-channel hub. The registry and the event
// handler are wired in afterwards; they both depend on the hub for
// broadcasting.
func NewHub(cfg *config.Config, metrics *config.Metrics, logger *log.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:      make(map[string]*Conn),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		broadcast:  make(chan outbound, cfg.BroadcastBuffer),
	}
}

// SetHandler wires the inbound event handler in after construction.
func (h *Hub) SetHandler(handler *EventHandler) { h.handler = handler }

// SetRegistry wires the room registry in after construction.
func (h *Hub) SetRegistry(registry Registry) { h.registry = registry }

// Run drives the hub loop until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case conn := <-h.register:
			h.addConn(conn)
		case conn := <-h.unregister:
			h.dropConn(conn)
		case out := <-h.broadcast:
			h.deliver(out)
		}
	}
}

// ServeWS upgrades an HTTP request into a session channel.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", "err", err)
		return
	}

	conn := newConn(sock, h.cfg.SendBuffer)
	h.register <- conn

	go conn.readPump(h, h.cfg.ReadTimeout, h.logger)
	go conn.writePump(h.cfg.PingInterval, h.cfg.WriteTimeout, h.logger)
}

// ToRoom queues a broadcast to every member of a room. Fire-and-forget: it
// never blocks the mutation that triggered it; a full queue drops the
// message and the clients' reconciliation poll recovers.
func (h *Hub) ToRoom(roomID, eventName string, payload any) {
	h.ToRoomExcept(roomID, "", eventName, payload)
}

// ToRoomExcept is ToRoom minus one user, used to suppress echo to the
// originator.
func (h *Hub) ToRoomExcept(roomID, exceptUserID, eventName string, payload any) {
	data, err := event.Marshal(eventName, payload)
	if err != nil {
		h.logger.Error("marshal broadcast", "event", eventName, "err", err)
		return
	}

	select {
	case h.broadcast <- outbound{roomID: roomID, exceptUserID: exceptUserID, payload: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping", "event", eventName, "room", roomID)
	}
}

// ConnectionCount returns the number of open session channels.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) addConn(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.conns) >= h.cfg.MaxConnections {
		h.logger.Warn("connection limit reached, rejecting", "conn", conn.ID)
		conn.sock.Close()
		return
	}

	h.conns[conn.ID] = conn
	h.metrics.ConnectionOpened()
	h.logger.Debug("session channel opened", "conn", conn.ID, "total", len(h.conns))
}

func (h *Hub) dropConn(conn *Conn) {
	h.mu.Lock()
	_, exists := h.conns[conn.ID]
	if exists {
		delete(h.conns, conn.ID)
		close(conn.send)
		h.metrics.ConnectionClosed()
	}
	h.mu.Unlock()

	if !exists {
		return
	}

	userID, roomID := conn.Identity()
	h.logger.Debug("session channel closed", "conn", conn.ID, "user", userID)

	// Last-resort departure path: an ungraceful drop still runs the
	// membership cascade. Off the hub loop so broadcasts it triggers
	// cannot stall registration.
	if h.registry != nil && userID != "" && roomID != "" {
		go h.registry.HandleDisconnect(context.Background(), roomID, userID)
	}
}

func (h *Hub) deliver(out outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, conn := range h.conns {
		userID, roomID := conn.Identity()
		if roomID != out.roomID {
			continue
		}
		if out.exceptUserID != "" && userID == out.exceptUserID {
			continue
		}

		if !conn.enqueue(out.payload) {
			// Unresponsive consumer; drop the channel, the client
			// reconnects and re-joins.
			delete(h.conns, id)
			close(conn.send)
			conn.sock.Close()
			h.metrics.ConnectionClosed()
			h.logger.Warn("dropped unresponsive session channel", "conn", id, "user", userID)
		}
	}
}

func (h *Hub) dispatch(conn *Conn, raw []byte) {
	if h.handler == nil {
		return
	}
	h.handler.Handle(conn, raw)
}
