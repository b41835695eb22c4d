package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	mw "github.com/tomonet/server/middleware"
	"github.com/tomonet/server/model"
	"github.com/tomonet/server/presence"
	"gorm.io/datatypes"
)

// PresenceHandler handles presence REST endpoints.
type PresenceHandler struct {
	engine *presence.Engine
}

// NewPresenceHandler creates a new PresenceHandler.
func NewPresenceHandler(engine *presence.Engine) *PresenceHandler {
	return &PresenceHandler{engine: engine}
}

type setStatusBody struct {
	Status          string `json:"status" binding:"required"`
	ActivityMessage string `json:"activity_message" binding:"max=100"`
}

// SetStatus handles PUT /api/presence/status.
func (h *PresenceHandler) SetStatus(c *gin.Context) {
	userID := mw.GetUserID(c)
	var body setStatusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	row, changed, err := h.engine.SetStatus(c.Request.Context(), userID, body.Status, body.ActivityMessage)
	if err != nil {
		if errors.Is(err, presence.ErrInvalidStatus) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		if errors.Is(err, presence.ErrActivityTooLong) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "activity message too long"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": row, "changed": changed})
}

// FriendsPresence handles GET /api/presence/friends.
func (h *PresenceHandler) FriendsPresence(c *gin.Context) {
	userID := mw.GetUserID(c)
	out, err := h.engine.FriendsPresence(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": out})
}

// GetSettings handles GET /api/presence/settings.
func (h *PresenceHandler) GetSettings(c *gin.Context) {
	userID := mw.GetUserID(c)
	s, err := h.engine.Settings(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": s})
}

type settingsBody struct {
	PrivacyMode           string          `json:"privacy_mode" binding:"omitempty,oneof=everyone friends nobody"`
	AllowedContacts       json.RawMessage `json:"allowed_contacts"`
	NotificationPrefs     json.RawMessage `json:"notification_prefs"`
	AutoAwayEnabled       *bool           `json:"auto_away_enabled"`
	AutoAwayAfterMin      *int            `json:"auto_away_after_min" binding:"omitempty,min=1,max=240"`
	BlockUnknownUsers     *bool           `json:"block_unknown_users"`
	ShowActivityToFriends *bool           `json:"show_activity_to_friends"`
	AllowUrgentOverride   *bool           `json:"allow_urgent_override"`
}

// UpdateSettings handles PUT /api/presence/settings. Absent fields keep
// their current value.
func (h *PresenceHandler) UpdateSettings(c *gin.Context) {
	userID := mw.GetUserID(c)
	var body settingsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s, err := h.engine.Settings(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	applySettings(s, &body)

	if err := h.engine.UpdateSettings(c.Request.Context(), userID, s); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": s})
}

func applySettings(s *model.UserPresenceSettings, body *settingsBody) {
	if body.PrivacyMode != "" {
		s.PrivacyMode = body.PrivacyMode
	}
	if body.AllowedContacts != nil {
		s.AllowedContacts = datatypes.JSON(body.AllowedContacts)
	}
	if body.NotificationPrefs != nil {
		s.NotificationPrefs = datatypes.JSON(body.NotificationPrefs)
	}
	if body.AutoAwayEnabled != nil {
		s.AutoAwayEnabled = *body.AutoAwayEnabled
	}
	if body.AutoAwayAfterMin != nil {
		s.AutoAwayAfterMin = *body.AutoAwayAfterMin
	}
	if body.BlockUnknownUsers != nil {
		s.BlockUnknownUsers = *body.BlockUnknownUsers
	}
	if body.ShowActivityToFriends != nil {
		s.ShowActivityToFriends = *body.ShowActivityToFriends
	}
	if body.AllowUrgentOverride != nil {
		s.AllowUrgentOverride = *body.AllowUrgentOverride
	}
}
