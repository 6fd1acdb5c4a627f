package transport

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"atlas/internal/async"
	"atlas/internal/ids"
	"atlas/internal/llm"
	"atlas/internal/logging"
)

// Envelope is the wire shape of every duplex message. Type is required; the
// remaining payload stays raw until a handler decodes it.
type Envelope struct {
	Type string `json:"type"`
}

// Message is an outbound JSON object. Callers build plain maps; the writer
// goroutine serializes them in submission order.
type Message map[string]any

// Handler consumes inbound client messages the hub does not handle itself
// (everything except ping and cancel).
type Handler interface {
	HandleClientMessage(connID, userID, msgType string, raw []byte)
}

// Conn is one client connection. Outbound messages flow through a buffered
// channel so per-connection ordering matches submission order.
type Conn struct {
	ID     string
	UserID string

	ws       *websocket.Conn
	outbound chan Message
	closing  chan struct{}
	once     sync.Once

	// cancelMu guards the per-connection chat cancel event, replaced at the
	// start of each chat request.
	cancelMu sync.Mutex
	cancel   *llm.CancelEvent
}

// CancelEvent returns the connection's current chat cancel event, creating it
// if needed.
func (c *Conn) CancelEvent() *llm.CancelEvent {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if c.cancel == nil {
		c.cancel = llm.NewCancelEvent()
	}
	return c.cancel
}

// ResetCancelEvent installs a fresh cancel event for a new chat request and
// returns it.
func (c *Conn) ResetCancelEvent() *llm.CancelEvent {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	c.cancel = llm.NewCancelEvent()
	return c.cancel
}

// Hub routes messages between clients and pipeline tasks. It maintains
// connection-id -> conn and user-id -> set of connection-ids.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	byUser  map[string]map[string]struct{}
	handler Handler
	logger  logging.Logger
}

// NewHub constructs an empty hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]*Conn),
		byUser: make(map[string]map[string]struct{}),
		logger: logging.OrNop(logger),
	}
}

// SetHandler installs the consumer for pipeline-specific client messages.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// Register attaches a websocket connection for a user and starts its reader
// and writer loops. Returns the connection.
func (h *Hub) Register(ws *websocket.Conn, userID string) *Conn {
	conn := &Conn{
		ID:       ids.NewConnectionID(),
		UserID:   userID,
		ws:       ws,
		outbound: make(chan Message, 256),
		closing:  make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[conn.ID] = conn
	set, ok := h.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		h.byUser[userID] = set
	}
	set[conn.ID] = struct{}{}
	h.mu.Unlock()

	async.Go(h.logger, "ws-writer-"+conn.ID, func() { h.writeLoop(conn) })
	async.Go(h.logger, "ws-reader-"+conn.ID, func() { h.readLoop(conn) })

	h.logger.Info("connection %s registered for user %s", conn.ID, userID)
	return conn
}

// Disconnect removes a connection and closes its socket. Idempotent.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	conn, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
		if set, ok := h.byUser[conn.UserID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(h.byUser, conn.UserID)
			}
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	conn.once.Do(func() {
		close(conn.closing)
		_ = conn.ws.Close()
	})
	// A dropped connection cancels its in-flight chat.
	conn.CancelEvent().Set()
	h.logger.Info("connection %s disconnected", connID)
}

// SendToConn targets one connection. Errors silently disconnect it.
func (h *Hub) SendToConn(connID string, msg Message) {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case conn.outbound <- msg:
	case <-conn.closing:
	default:
		// Outbound queue full: the client is not draining, drop it.
		h.logger.Warn("connection %s outbound queue full, disconnecting", connID)
		h.Disconnect(connID)
	}
}

// SendToUser fan-outs to every current connection of a user.
func (h *Hub) SendToUser(userID string, msg Message) {
	h.mu.RLock()
	var targets []string
	for connID := range h.byUser[userID] {
		targets = append(targets, connID)
	}
	h.mu.RUnlock()
	for _, connID := range targets {
		h.SendToConn(connID, msg)
	}
}

// Conn returns a live connection by id, or nil.
func (h *Hub) Conn(connID string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[connID]
}

// Connections reports the number of live connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) writeLoop(conn *Conn) {
	for {
		select {
		case msg := <-conn.outbound:
			if err := conn.ws.WriteJSON(msg); err != nil {
				h.logger.Debug("write to %s failed: %v", conn.ID, err)
				h.Disconnect(conn.ID)
				return
			}
		case <-conn.closing:
			return
		}
	}
}

func (h *Hub) readLoop(conn *Conn) {
	defer h.Disconnect(conn.ID)
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
			h.logger.Debug("ignoring malformed message on %s", conn.ID)
			continue
		}
		switch env.Type {
		case "ping":
			h.SendToConn(conn.ID, Message{"type": "pong"})
		case "cancel":
			conn.CancelEvent().Set()
		default:
			h.mu.RLock()
			handler := h.handler
			h.mu.RUnlock()
			if handler != nil {
				handler.HandleClientMessage(conn.ID, conn.UserID, env.Type, raw)
			}
		}
	}
}
