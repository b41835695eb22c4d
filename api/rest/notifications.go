package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	mw "github.com/tomonet/server/middleware"
	"github.com/tomonet/server/notify"
)

// NotificationsHandler handles notification REST endpoints.
type NotificationsHandler struct {
	dispatcher *notify.Dispatcher
}

// NewNotificationsHandler creates a new NotificationsHandler.
func NewNotificationsHandler(dispatcher *notify.Dispatcher) *NotificationsHandler {
	return &NotificationsHandler{dispatcher: dispatcher}
}

// ListUnread handles GET /api/notifications/unread.
func (h *NotificationsHandler) ListUnread(c *gin.Context) {
	userID := mw.GetUserID(c)
	limit, offset := pagination(c)

	rows, total, err := h.dispatcher.Unread(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": rows, "total": total})
}

// MarkRead handles POST /api/notifications/:id/read.
func (h *NotificationsHandler) MarkRead(c *gin.Context) {
	userID := mw.GetUserID(c)
	notifID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	if !h.dispatcher.MarkRead(c.Request.Context(), notifID, userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

// MarkAllRead handles POST /api/notifications/read-all.
func (h *NotificationsHandler) MarkAllRead(c *gin.Context) {
	userID := mw.GetUserID(c)
	count := h.dispatcher.MarkAllRead(c.Request.Context(), userID)
	c.JSON(http.StatusOK, gin.H{"marked": count})
}

// Delete handles DELETE /api/notifications/:id.
func (h *NotificationsHandler) Delete(c *gin.Context) {
	userID := mw.GetUserID(c)
	notifID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	if !h.dispatcher.Delete(c.Request.Context(), notifID, userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

type bulkDeleteBody struct {
	IDs []int64 `json:"ids" binding:"required,min=1,max=100"`
}

// BulkDelete handles POST /api/notifications/bulk-delete.
func (h *NotificationsHandler) BulkDelete(c *gin.Context) {
	userID := mw.GetUserID(c)
	var body bulkDeleteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	count := h.dispatcher.BulkDelete(c.Request.Context(), userID, body.IDs)
	c.JSON(http.StatusOK, gin.H{"deleted": count})
}
