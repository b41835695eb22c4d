package rest

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tomonet/server/model"
	"github.com/tomonet/server/realtime"
	"github.com/tomonet/server/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Announcer broadcasts a system message to streaming clients.
// Satisfied by sse.Handler.
type Announcer interface {
	Announce(ctx context.Context, message string) error
}

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	db        *gorm.DB
	registry  *realtime.Registry
	sched     *scheduler.Scheduler
	announcer Announcer
	logger    *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(db *gorm.DB, registry *realtime.Registry, sched *scheduler.Scheduler, announcer Announcer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{db: db, registry: registry, sched: sched, announcer: announcer, logger: logger}
}

// Stats returns server health metrics.
// GET /api/admin/stats
func (h *AdminHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"reachable_users":   h.registry.ReachableUserCount(),
		"total_connections": h.registry.TotalConns(),
		"scheduler_tasks":   h.sched.ListTickers(),
	})
}

// OnlineUsers returns a snapshot of connected users and their connection
// counts.
// GET /api/admin/online
func (h *AdminHandler) OnlineUsers(c *gin.Context) {
	ids := h.registry.ReachableUserIDs()
	type userInfo struct {
		UserID      int64 `json:"user_id"`
		Connections int   `json:"connections"`
	}
	result := make([]userInfo, 0, len(ids))
	for _, id := range ids {
		result = append(result, userInfo{UserID: id, Connections: h.registry.ConnCount(id)})
	}
	c.JSON(http.StatusOK, gin.H{"users": result, "count": len(result)})
}

// KickUser forcibly disconnects every connection a user holds.
// POST /api/admin/kick/:id
func (h *AdminHandler) KickUser(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	kicked := h.registry.KickUser(userID)
	if kicked == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not connected"})
		return
	}
	h.logger.Info("admin kicked user",
		zap.Int64("user_id", userID), zap.Int("connections", kicked))
	c.JSON(http.StatusOK, gin.H{"ok": true, "kicked": kicked})
}

// BanUser bans or unbans a user account.
// POST /api/admin/users/:id/ban
func (h *AdminHandler) BanUser(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var req struct {
		Ban bool `json:"ban"`
	}
	_ = c.ShouldBindJSON(&req)

	status := 1
	if req.Ban {
		status = 0
	}
	result := h.db.Model(&model.User{}).Where("id = ?", userID).Update("status", status)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	// Kick the user if currently connected.
	if req.Ban {
		h.registry.KickUser(userID)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

// RunTask triggers a registered scheduler task immediately.
// POST /api/admin/scheduler/:name/run
func (h *AdminHandler) RunTask(c *gin.Context) {
	name := c.Param("name")
	if !h.sched.RunNow(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Announce pushes a system announcement to all streaming clients.
// POST /api/admin/announce
func (h *AdminHandler) Announce(c *gin.Context) {
	var req struct {
		Message string `json:"message" binding:"required,max=500"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message required"})
		return
	}
	if err := h.announcer.Announce(c.Request.Context(), req.Message); err != nil {
		h.logger.Error("announce publish failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListSchedulerTasks returns names of all registered ticker tasks.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.ListTickers()})
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// WARNING: if adminKey is empty all admin endpoints are disabled (503) so the
// server cannot be accidentally deployed without protection. Set a non-empty
// server.admin_key in config to enable admin routes.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if key != adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
