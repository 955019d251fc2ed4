package ws

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/tomnoakes9/iRacing-Telemetry/internal/logger"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/model"
)

const sendBufferSize = 256

// Hub tracks open WebSocket connections
type Hub struct {
	conns map[*Connection]struct{}
	mu    sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		conns: make(map[*Connection]struct{}),
	}
}

// Register adds a connection
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a connection
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// Count returns the number of open connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every connection, used on shutdown
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// Connection is one client connection. Frames queue on a buffered channel that
// the write pump drains in order; a full queue drops the frame.
type Connection struct {
	id     string
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

// NewConnection creates a connection with a fresh ID
func NewConnection() *Connection {
	return &Connection{
		id:   uuid.New().String(),
		send: make(chan []byte, sendBufferSize),
	}
}

// ID returns the connection ID
func (c *Connection) ID() string {
	return c.id
}

// Send queues msg for the write pump without blocking
func (c *Connection) Send(msg *model.Outbound) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Logger.WithError(err).WithField("conn_id", c.id).Error("Failed to encode frame")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Alive reports whether the connection still accepts frames
func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close stops the connection; the write pump then sends a close frame
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
