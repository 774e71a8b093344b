package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/siddharth-movaliya/os-chat/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 75 * time.Second
	pingPeriod = 25 * time.Second
	// maxFrameSize bounds a single client frame.
	maxFrameSize = 64 << 10
)

// Client is one authenticated session: a live connection plus the
// identity bound to it. A user may hold several Clients (multi-device).
type Client struct {
	ConnID string
	UserID string
	Claims *Claims

	ws        *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(connID string, claims *Claims, ws *websocket.Conn, queueSize int) *Client {
	return &Client{
		ConnID: connID,
		UserID: claims.UserID,
		Claims: claims,
		ws:     ws,
		send:   make(chan []byte, queueSize),
		closed: make(chan struct{}),
	}
}

// enqueue hands a payload to the writer goroutine. A full queue drops
// the event rather than block fan-out: slow clients lose best-effort
// traffic, never stall other sessions.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		logger.Warn("gateway: send queue full, dropping event",
			zap.String("user", c.UserID), zap.String("conn", c.ConnID))
		return false
	}
}

// writePump is the single writer for the connection. It also owns the
// heartbeat pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}
