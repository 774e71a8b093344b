package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/siddharth-movaliya/os-chat/logger"
	"github.com/siddharth-movaliya/os-chat/model"
	"github.com/siddharth-movaliya/os-chat/service/presence"
	"github.com/siddharth-movaliya/os-chat/service/relay"
	"github.com/siddharth-movaliya/os-chat/service/storage"
	"github.com/siddharth-movaliya/os-chat/tools/ids"
	"github.com/siddharth-movaliya/os-chat/tools/safe"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Emitter is the slice of the fan-out bus the gateway publishes through.
type Emitter interface {
	EmitToUser(userID, event string, payload any) error
}

// Server terminates connections, authenticates each exactly once at
// handshake time, and routes named events to handlers. It holds no
// durable state of its own.
type Server struct {
	verifier TokenVerifier
	registry *Registry
	presence *presence.Coordinator
	producer relay.Producer
	emitter  Emitter
	friends  storage.FriendGraph // nil skips the friendship check

	sendQueueSize int
}

func NewServer(verifier TokenVerifier, coord *presence.Coordinator, producer relay.Producer, emitter Emitter, friends storage.FriendGraph, sendQueueSize int) *Server {
	return &Server{
		verifier:      verifier,
		registry:      NewRegistry(),
		presence:      coord,
		producer:      producer,
		emitter:       emitter,
		friends:       friends,
		sendQueueSize: sendQueueSize,
	}
}

// Registry exposes the local room index so the bus can be started on it.
func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Routes(r *gin.Engine) {
	r.GET("/ws", s.HandleWS)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// HandleWS is the handshake: verify the bearer token, upgrade, register
// the session, reconcile presence, then run the read loop until the
// connection dies. Rejection happens before any event routing.
func (s *Server) HandleWS(c *gin.Context) {
	claims, err := s.verifier.Verify(bearerToken(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("gateway: upgrade failed: %v", err)
		return
	}

	client := newClient(ids.GenerateString(), claims, ws, s.sendQueueSize)
	s.registry.add(client)
	safe.Go("ws-writer-"+client.ConnID, client.writePump)

	logger.Info("gateway: session up",
		zap.String("user", client.UserID), zap.String("conn", client.ConnID))

	s.reconcileConnect(client)
	s.readLoop(client)
	s.teardown(client)
}

// reconcileConnect joins the session to presence and pushes the
// point-in-time snapshot. Store trouble degrades to best-effort: the
// handshake already succeeded for messaging purposes.
func (s *Server) reconcileConnect(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snapshot, err := s.presence.Connect(ctx, client.UserID, client.ConnID, client.Claims.Name)
	if err != nil {
		logger.Warn("gateway: presence indeterminate on connect",
			zap.String("user", client.UserID), zap.Error(err))
		return
	}
	client.enqueue(BuildEvent(model.EventPresenceSnapshot, snapshot))
}

func (s *Server) readLoop(client *Client) {
	ws := client.ws
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("gateway: peer closed conn=%s", client.ConnID)
			} else {
				logger.Infof("gateway: read ended conn=%s err=%v", client.ConnID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame, perr := ParseFrame(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Warnf("gateway: bad frame conn=%s err=%v sample=%q", client.ConnID, perr, sample)
			continue
		}

		s.Dispatch(client, frame)
	}
}

// teardown runs exactly once per connection, clean or abrupt.
func (s *Server) teardown(client *Client) {
	s.registry.remove(client)
	client.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.presence.Disconnect(ctx, client.UserID, client.ConnID, client.Claims.Name); err != nil {
		logger.Warn("gateway: presence indeterminate on disconnect",
			zap.String("user", client.UserID), zap.Error(err))
	}

	logger.Info("gateway: session down",
		zap.String("user", client.UserID), zap.String("conn", client.ConnID))
}

// bearerToken pulls the handshake token from the Authorization header or
// the token query parameter (browser WebSocket clients cannot always set
// headers).
func bearerToken(c *gin.Context) string {
	if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return strings.TrimSpace(authz[len("bearer "):])
		}
	}
	return strings.TrimSpace(c.Query("token"))
}
