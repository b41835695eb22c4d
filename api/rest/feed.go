package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tomonet/server/feed"
	mw "github.com/tomonet/server/middleware"
)

// FeedHandler handles activity feed REST endpoints.
type FeedHandler struct {
	agg *feed.Aggregator
}

// NewFeedHandler creates a new FeedHandler.
func NewFeedHandler(agg *feed.Aggregator) *FeedHandler {
	return &FeedHandler{agg: agg}
}

// GetFeed handles GET /api/feed.
// Optional query params: limit, offset, type, since (RFC3339).
func (h *FeedHandler) GetFeed(c *gin.Context) {
	userID := mw.GetUserID(c)
	limit, offset := pagination(c)

	opts := feed.FeedOptions{
		Limit:        limit,
		Offset:       offset,
		ActivityType: c.Query("type"),
	}
	if s := c.Query("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since timestamp"})
			return
		}
		opts.Since = since
	}

	entries, total, err := h.agg.Feed(c.Request.Context(), userID, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": total})
}

// HideEntry handles POST /api/feed/:id/hide.
func (h *FeedHandler) HideEntry(c *gin.Context) {
	userID := mw.GetUserID(c)
	entryID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	if !h.agg.Hide(c.Request.Context(), entryID, userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "hidden"})
}
