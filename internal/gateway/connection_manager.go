// Package gateway exposes sessions to browsers: a WebSocket endpoint
// carrying client intents and state pushes, plus read-only HTTP state
// routes. Every WebSocket connection owns its own coordinator, so the
// gateway is one participant context per socket.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/coordinator"
)

// CoordinatorFactory builds a fresh coordinator for one connection. The
// callbacks route that coordinator's pushes back down the socket.
type CoordinatorFactory func(cb coordinator.Callbacks) *coordinator.Coordinator

// ConnectionConfig holds WebSocket tuning for the gateway.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns the standard WebSocket tuning.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  8 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// ConnectionManager tracks live sockets grouped by the session each one
// has entered.
type ConnectionManager struct {
	newCoordinator CoordinatorFactory
	upgrader       websocket.Upgrader
	config         ConnectionConfig

	mu                 sync.RWMutex
	connections        map[*Connection]bool
	sessionConnections map[string]map[*Connection]bool
}

// Connection is one WebSocket client and its participant context.
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	coord *coordinator.Coordinator

	ConnectedAt time.Time
	LastPing    time.Time

	mu        sync.Mutex
	sessionID string
	closed    bool
}

// NewConnectionManager creates a manager building per-connection
// coordinators from the given factory.
func NewConnectionManager(config ConnectionConfig, factory CoordinatorFactory) *ConnectionManager {
	return &ConnectionManager{
		newCoordinator: factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:             config,
		connections:        make(map[*Connection]bool),
		sessionConnections: make(map[string]map[*Connection]bool),
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket participant
// context and starts its pumps.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return err
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}
	connection.coord = cm.newCoordinator(coordinator.Callbacks{
		OnStateChange:            connection.pushState,
		OnConnectionStatusChange: connection.pushStatus,
	})

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Msg("WebSocket connection established")
	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[conn] = true
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.connections[conn]; !exists {
		return
	}
	delete(cm.connections, conn)

	conn.mu.Lock()
	conn.closed = true
	close(conn.Send)
	sessionID := conn.sessionID
	conn.mu.Unlock()
	if sessionID != "" {
		if pool, ok := cm.sessionConnections[sessionID]; ok {
			delete(pool, conn)
			if len(pool) == 0 {
				delete(cm.sessionConnections, sessionID)
			}
		}
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("session_id", sessionID).
		Msg("connection unregistered")
}

// bindSession moves the connection into a session pool once its
// coordinator has a membership.
func (cm *ConnectionManager) bindSession(conn *Connection, sessionID string) {
	conn.mu.Lock()
	conn.sessionID = sessionID
	conn.mu.Unlock()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.sessionConnections[sessionID] == nil {
		cm.sessionConnections[sessionID] = make(map[*Connection]bool)
	}
	cm.sessionConnections[sessionID][conn] = true
}

func (cm *ConnectionManager) unbindSession(conn *Connection) {
	conn.mu.Lock()
	sessionID := conn.sessionID
	conn.sessionID = ""
	conn.mu.Unlock()
	if sessionID == "" {
		return
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if pool, ok := cm.sessionConnections[sessionID]; ok {
		delete(pool, conn)
		if len(pool) == 0 {
			delete(cm.sessionConnections, sessionID)
		}
	}
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() (total int, sessions int, perSession map[string]int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	perSession = make(map[string]int, len(cm.sessionConnections))
	for id, pool := range cm.sessionConnections {
		perSession[id] = len(pool)
	}
	return len(cm.connections), len(cm.sessionConnections), perSession
}

// enqueue hands a frame to the write pump, dropping the connection when
// its buffer is full. The closed flag keeps a late frame from racing the
// channel close in unregisterConnection.
func (c *Connection) enqueue(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.Send <- data:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		log.Warn().
			Str("connection_id", c.ID).
			Msg("connection send buffer full, closing connection")
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}
}

// writePump handles sending messages to the WebSocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump handles reading client intents from the WebSocket connection.
func (c *Connection) readPump() {
	defer func() {
		c.teardown()
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// teardown leaves the session when the socket drops without an explicit
// leave intent.
func (c *Connection) teardown() {
	if _, ok := c.coord.SessionID(); !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := c.coord.LeaveSession(ctx); err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", c.ID).
			Msg("leaving session on disconnect failed")
	}
	c.Manager.unbindSession(c)
}
