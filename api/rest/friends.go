package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tomonet/server/audit"
	mw "github.com/tomonet/server/middleware"
	"github.com/tomonet/server/social"
)

// FriendsHandler handles the friend graph REST endpoints: friendships,
// requests and blocks.
type FriendsHandler struct {
	svc     *social.Service
	auditor *audit.Service
}

// NewFriendsHandler creates a new FriendsHandler.
func NewFriendsHandler(svc *social.Service, auditor *audit.Service) *FriendsHandler {
	return &FriendsHandler{svc: svc, auditor: auditor}
}

// ListFriends handles GET /api/friends.
func (h *FriendsHandler) ListFriends(c *gin.Context) {
	userID := mw.GetUserID(c)
	limit, offset := pagination(c)

	friends, total, err := h.svc.ListFriends(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": friends, "total": total})
}

// RemoveFriend handles DELETE /api/friends/:id.
func (h *FriendsHandler) RemoveFriend(c *gin.Context) {
	userID := mw.GetUserID(c)
	friendID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	if err := h.svc.RemoveFriend(c.Request.Context(), userID, friendID); err != nil {
		writeSocialError(c, err)
		return
	}
	h.logAction(c, userID, "friends.remove", gin.H{"friend_id": friendID})
	c.JSON(http.StatusOK, gin.H{"message": "removed"})
}

type sendRequestBody struct {
	ReceiverID int64  `json:"receiver_id" binding:"required"`
	Message    string `json:"message" binding:"max=500"`
}

// SendRequest handles POST /api/friends/requests.
func (h *FriendsHandler) SendRequest(c *gin.Context) {
	userID := mw.GetUserID(c)
	var body sendRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := h.svc.SendRequest(c.Request.Context(), userID, body.ReceiverID, body.Message)
	if err != nil {
		writeSocialError(c, err)
		return
	}
	h.logAction(c, userID, "friends.request", gin.H{"receiver_id": body.ReceiverID})
	c.JSON(http.StatusCreated, gin.H{"request": req})
}

// ListReceived handles GET /api/friends/requests/received.
func (h *FriendsHandler) ListReceived(c *gin.Context) {
	userID := mw.GetUserID(c)
	limit, offset := pagination(c)

	reqs, total, err := h.svc.ListReceived(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs, "total": total})
}

// ListSent handles GET /api/friends/requests/sent.
func (h *FriendsHandler) ListSent(c *gin.Context) {
	userID := mw.GetUserID(c)
	limit, offset := pagination(c)

	reqs, total, err := h.svc.ListSent(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs, "total": total})
}

// Accept handles POST /api/friends/requests/:id/accept.
func (h *FriendsHandler) Accept(c *gin.Context) {
	h.closeRequest(c, "friends.accept", h.svc.Accept)
}

// Decline handles POST /api/friends/requests/:id/decline.
func (h *FriendsHandler) Decline(c *gin.Context) {
	h.closeRequest(c, "friends.decline", h.svc.Decline)
}

// Cancel handles POST /api/friends/requests/:id/cancel.
func (h *FriendsHandler) Cancel(c *gin.Context) {
	h.closeRequest(c, "friends.cancel", h.svc.Cancel)
}

func (h *FriendsHandler) closeRequest(c *gin.Context, action string, fn func(ctx context.Context, requestID, userID int64) error) {
	userID := mw.GetUserID(c)
	requestID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	if err := fn(c.Request.Context(), requestID, userID); err != nil {
		writeSocialError(c, err)
		return
	}
	h.logAction(c, userID, action, gin.H{"request_id": requestID})
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

// ListBlocked handles GET /api/blocks.
func (h *FriendsHandler) ListBlocked(c *gin.Context) {
	userID := mw.GetUserID(c)
	limit, offset := pagination(c)

	blocks, total, err := h.svc.ListBlocked(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": blocks, "total": total})
}

type blockBody struct {
	UserID int64  `json:"user_id" binding:"required"`
	Reason string `json:"reason" binding:"max=100"`
}

// Block handles POST /api/blocks.
func (h *FriendsHandler) Block(c *gin.Context) {
	userID := mw.GetUserID(c)
	var body blockBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.Block(c.Request.Context(), userID, body.UserID, body.Reason); err != nil {
		writeSocialError(c, err)
		return
	}
	h.logAction(c, userID, "blocks.create", gin.H{"blocked_id": body.UserID})
	c.JSON(http.StatusCreated, gin.H{"message": "blocked"})
}

// Unblock handles DELETE /api/blocks/:id.
func (h *FriendsHandler) Unblock(c *gin.Context) {
	userID := mw.GetUserID(c)
	targetID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	if err := h.svc.Unblock(c.Request.Context(), userID, targetID); err != nil {
		writeSocialError(c, err)
		return
	}
	h.logAction(c, userID, "blocks.remove", gin.H{"blocked_id": targetID})
	c.JSON(http.StatusOK, gin.H{"message": "unblocked"})
}

func (h *FriendsHandler) logAction(c *gin.Context, userID int64, action string, req interface{}) {
	if h.auditor == nil {
		return
	}
	h.auditor.Log(audit.Entry{
		TraceID: mw.GetTraceID(c),
		UserID:  &userID,
		Action:  action,
		Request: req,
		IP:      c.ClientIP(),
	})
}

// writeSocialError maps social sentinel errors onto HTTP statuses.
func writeSocialError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, social.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, social.ErrSelfTarget),
		errors.Is(err, social.ErrMessageTooLong),
		errors.Is(err, social.ErrReasonTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, social.ErrAlreadyFriends),
		errors.Is(err, social.ErrRequestPending),
		errors.Is(err, social.ErrAlreadyBlocked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, social.ErrBlocked):
		// The caller only learns the interaction failed, not which side blocked.
		c.JSON(http.StatusForbidden, gin.H{"error": "interaction not allowed"})
	case errors.Is(err, social.ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": "request expired"})
	case errors.Is(err, social.ErrNotFriends):
		c.JSON(http.StatusNotFound, gin.H{"error": "not friends"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// pagination reads limit/offset query params with sane bounds.
func pagination(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
