package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tomonet/server/cache"
	"github.com/tomonet/server/config"
	mw "github.com/tomonet/server/middleware"
	"github.com/tomonet/server/realtime"
	"go.uber.org/zap"
)

// Handler is the Gin handler for GET /ws.
type Handler struct {
	cache    cache.Cache
	sec      config.SecurityConfig
	registry *realtime.Registry
	router   *Router
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only).
func NewHandler(c cache.Cache, sec config.SecurityConfig, registry *realtime.Registry, router *Router, logger *zap.Logger) *Handler {
	h := &Handler{
		cache:    c,
		sec:      sec,
		registry: registry,
		router:   router,
		logger:   logger,
	}
	allowed := sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true // dev mode: allow all
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// ServeWS handles GET /ws?token=<jwt>.
func (h *Handler) ServeWS(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	// Validate JWT.
	claims, err := mw.ParseToken(tokenStr, h.sec.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	// Validate session cache.
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	exists, err := h.cache.Exists(ctx, "session:"+tokenStr)
	if err != nil || !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
		return
	}

	// Upgrade to WebSocket.
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}

	conn := realtime.NewConn(uuid.NewString(), claims.UserID, ws, h.logger)
	conn.IP = c.ClientIP()
	conn.UserAgent = c.Request.UserAgent()

	// Registration enforces the per-user and global connection caps. A reject
	// closes the socket with a policy violation so the client can tell the
	// difference from a network failure.
	if !h.registry.Add(conn) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection limit reached"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	h.logger.Info("ws connected",
		zap.Int64("user_id", conn.UserID),
		zap.String("conn_id", conn.ID),
		zap.String("ip", conn.IP))

	// Read pump blocks until the connection closes.
	h.readPump(conn)
}

// readPump reads messages from the WebSocket connection and dispatches them.
func (h *Handler) readPump(c *realtime.Conn) {
	defer h.handleDisconnect(c)

	c.SetReadDeadline()
	c.WS.SetPongHandler(func(string) error {
		c.SetReadDeadline()
		h.registry.Touch(c.ID)
		return nil
	})

	for {
		_, raw, err := c.WS.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("ws unexpected close",
					zap.Int64("user_id", c.UserID),
					zap.String("conn_id", c.ID),
					zap.Error(err))
			}
			return
		}
		// Reset read deadline on any message (heartbeat or otherwise).
		c.SetReadDeadline()
		h.registry.Touch(c.ID)
		h.router.Dispatch(c, raw)
	}
}

// handleDisconnect cleans up after the connection closes. Registry removal
// drives the presence transition through the reachability hooks.
func (h *Handler) handleDisconnect(c *realtime.Conn) {
	c.Close()
	h.registry.Remove(c.ID)
	h.logger.Info("ws disconnected",
		zap.Int64("user_id", c.UserID),
		zap.String("conn_id", c.ID))
}
