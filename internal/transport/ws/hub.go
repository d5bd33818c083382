// Package ws provides the websocket push channel: clients subscribe to a
// session, send and cancel messages, and receive deltas and lifecycle events.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
)

// ErrBufferFull is returned when a connection's send buffer is full.
var ErrBufferFull = errors.New("send buffer full")

// ErrConnectionClosed is returned when sending to an unregistered connection.
var ErrConnectionClosed = errors.New("connection closed")

const (
	sendBuffer      = 256
	broadcastBuffer = 1024
)

// Connection represents a single websocket connection.
type Connection struct {
	ID       string
	Identity domain.Identity
	Conn     *websocket.Conn
	Send     chan []byte

	sessionID string
	mu        sync.Mutex

	writeMu sync.Mutex

	// sendMu guards closing Send against direct sends.
	sendMu sync.Mutex
	closed bool
}

// SessionID returns the session the connection is subscribed to.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

type broadcast struct {
	sessionID  string
	previousID string
	data       []byte
}

// Hub fans service events out to subscribed connections. It implements
// service.Publisher.
type Hub struct {
	// connections indexed by connection id
	connections map[string]*Connection
	// sessions maps session id to the set of subscribed connection ids
	sessions map[string]map[string]bool

	unregister chan *Connection
	broadcast  chan broadcast
	done       chan struct{}

	logger *slog.Logger
	mu     sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]map[string]bool),
		unregister:  make(chan *Connection),
		broadcast:   make(chan broadcast, broadcastBuffer),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run runs the hub's main loop until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				h.unbindLocked(conn)
				conn.sendMu.Lock()
				conn.closed = true
				close(conn.Send)
				conn.sendMu.Unlock()
			}
			h.mu.Unlock()
			h.logger.Debug("connection unregistered", "conn_id", conn.ID)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg broadcast) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Subscribers of a rolled-over session follow it to its successor.
	if msg.previousID != "" {
		for connID := range h.sessions[msg.previousID] {
			if conn, ok := h.connections[connID]; ok {
				h.bindLocked(conn, msg.sessionID)
			}
		}
	}

	for connID := range h.sessions[msg.sessionID] {
		conn, ok := h.connections[connID]
		if !ok {
			continue
		}
		select {
		case conn.Send <- msg.data:
		default:
			h.logger.Warn("connection buffer full, closing", "conn_id", connID)
			go h.Unregister(conn)
		}
	}
}

// NewConnection creates a connection for ws. Register it before use.
func (h *Hub) NewConnection(ws *websocket.Conn, identity domain.Identity) *Connection {
	return &Connection{
		ID:       uuid.New().String(),
		Identity: identity,
		Conn:     ws,
		Send:     make(chan []byte, sendBuffer),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID] = conn
	h.mu.Unlock()
	h.logger.Debug("connection registered", "conn_id", conn.ID, "identity", conn.Identity.ID)
}

// Unregister unregisters a connection and closes its send channel.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// BindSession subscribes conn to sessionID, replacing its previous
// subscription. Unregistered connections are ignored.
func (h *Hub) BindSession(conn *Connection, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[conn.ID]; !ok {
		return
	}
	h.bindLocked(conn, sessionID)
}

func (h *Hub) bindLocked(conn *Connection, sessionID string) {
	h.unbindLocked(conn)
	conn.mu.Lock()
	conn.sessionID = sessionID
	conn.mu.Unlock()
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]bool)
	}
	h.sessions[sessionID][conn.ID] = true
}

func (h *Hub) unbindLocked(conn *Connection) {
	conn.mu.Lock()
	old := conn.sessionID
	conn.sessionID = ""
	conn.mu.Unlock()
	if old == "" || h.sessions[old] == nil {
		return
	}
	delete(h.sessions[old], conn.ID)
	if len(h.sessions[old]) == 0 {
		delete(h.sessions, old)
	}
}

// Publish queues ev for the session's subscribers. It never blocks; events
// are dropped when the hub is saturated.
func (h *Hub) Publish(ev domain.Event) {
	if ev.Ts == 0 {
		ev.Ts = time.Now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", "type", ev.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- broadcast{sessionID: ev.SessionID, previousID: ev.PreviousID, data: data}:
	default:
		h.logger.Warn("event dropped, hub saturated", "type", ev.Type, "session_id", ev.SessionID)
	}
}

// SendJSON sends v to one connection.
func (h *Hub) SendJSON(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()
	if conn.closed {
		return ErrConnectionClosed
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// SessionCount returns the number of sessions with subscribers.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
