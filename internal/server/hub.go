package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	hubWriteWait  = 10 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = 54 * time.Second
	hubSendBuffer = 64
)

var (
	errUnknownConnection = errors.New("connection is not attached")
	errSendBufferFull    = errors.New("connection send buffer is full")
)

type hubConnection struct {
	id        string
	socket    *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (connection *hubConnection) close() {
	connection.closeOnce.Do(func() {
		close(connection.send)
	})
}

// Hub tracks live websocket connections and pushes outbound frames to them.
// It is the process-local transport behind the relay: a Push error means the
// connection is gone or wedged and the caller should treat it as stale.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*hubConnection
	logger      *zap.Logger
}

// NewHub returns an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections: make(map[string]*hubConnection),
		logger:      logger,
	}
}

// Attach registers an upgraded socket under a connection id and starts its
// write pump. The caller owns the read side.
func (h *Hub) Attach(connectionID string, socket *websocket.Conn) {
	connection := &hubConnection{
		id:     connectionID,
		socket: socket,
		send:   make(chan []byte, hubSendBuffer),
	}
	h.mu.Lock()
	h.connections[connectionID] = connection
	h.mu.Unlock()
	go h.writePump(connection)
}

// Detach removes a connection and closes its socket.
func (h *Hub) Detach(connectionID string) {
	h.mu.Lock()
	connection, ok := h.connections[connectionID]
	if ok {
		delete(h.connections, connectionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	connection.close()
	_ = connection.socket.Close()
}

// Push queues one frame for delivery on a connection. Unknown connections
// and full send buffers are reported as errors so the relay evicts the
// presence row instead of silently dropping the frame.
func (h *Hub) Push(ctx context.Context, connectionID string, frame []byte) error {
	h.mu.RLock()
	connection, ok := h.connections[connectionID]
	h.mu.RUnlock()
	if !ok {
		return errUnknownConnection
	}

	select {
	case connection.send <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errSendBufferFull
	}
}

func (h *Hub) writePump(connection *hubConnection) {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		_ = connection.socket.Close()
	}()

	for {
		select {
		case frame, ok := <-connection.send:
			_ = connection.socket.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				_ = connection.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := connection.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Warn("websocket write failed",
					zap.String("connection_id", connection.id),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = connection.socket.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := connection.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
