package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tomonet/server/feed"
	mw "github.com/tomonet/server/middleware"
	"github.com/tomonet/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// UsersHandler handles the caller's own profile endpoints.
type UsersHandler struct {
	db     *gorm.DB
	agg    *feed.Aggregator
	logger *zap.Logger
}

// NewUsersHandler creates a new UsersHandler.
func NewUsersHandler(db *gorm.DB, agg *feed.Aggregator, logger *zap.Logger) *UsersHandler {
	return &UsersHandler{db: db, agg: agg, logger: logger}
}

// Me handles GET /api/users/me.
func (h *UsersHandler) Me(c *gin.Context) {
	userID := mw.GetUserID(c)
	var user model.User
	if err := h.db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

type updateProfileBody struct {
	FullName *string `json:"full_name" binding:"omitempty,max=64"`
	Email    *string `json:"email" binding:"omitempty,max=128"`
	Language *string `json:"language" binding:"omitempty,min=2,max=8"`
}

// UpdateMe handles PUT /api/users/me. Absent fields keep their current
// value. Profile and language changes surface in friends' activity feeds.
func (h *UsersHandler) UpdateMe(c *gin.Context) {
	userID := mw.GetUserID(c)
	var body updateProfileBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var user model.User
	if err := h.db.First(&user, userID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	updates := map[string]interface{}{}
	profileChanged := false
	languageChanged := false
	if body.FullName != nil && *body.FullName != user.FullName {
		updates["full_name"] = *body.FullName
		profileChanged = true
	}
	if body.Email != nil && *body.Email != user.Email {
		updates["email"] = *body.Email
		profileChanged = true
	}
	if body.Language != nil && *body.Language != user.Language {
		updates["language"] = *body.Language
		languageChanged = true
	}
	if len(updates) == 0 {
		c.JSON(http.StatusOK, gin.H{"user": user})
		return
	}

	if err := h.db.Model(&user).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	ctx := c.Request.Context()
	if profileChanged {
		if _, err := h.agg.Record(ctx, userID, model.ActivityProfileUpdated, nil); err != nil {
			h.logger.Warn("profile activity record failed",
				zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	if languageChanged {
		data := map[string]interface{}{"language": *body.Language}
		if _, err := h.agg.Record(ctx, userID, model.ActivityLanguageChanged, data); err != nil {
			h.logger.Warn("language activity record failed",
				zap.Int64("user_id", userID), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{"user": user})
}
