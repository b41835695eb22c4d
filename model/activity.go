package model

import (
	"time"

	"gorm.io/datatypes"
)

// Activity types recorded in the friend activity feed.
const (
	ActivityFriendAdded     = "friend_added"
	ActivityStatusChanged   = "status_changed"
	ActivityProfileUpdated  = "profile_updated"
	ActivityCameOnline      = "came_online"
	ActivityWentOffline     = "went_offline"
	ActivityLanguageChanged = "language_changed"
)

// ValidActivityType reports whether t is a known activity type.
func ValidActivityType(t string) bool {
	switch t {
	case ActivityFriendAdded, ActivityStatusChanged, ActivityProfileUpdated,
		ActivityCameOnline, ActivityWentOffline, ActivityLanguageChanged:
		return true
	}
	return false
}

// FriendActivity is one feed entry visible to UserID about ActorID.
// Entries are written in bulk, one row per audience member.
type FriendActivity struct {
	ID           int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       int64          `gorm:"index:idx_activity_user;not null" json:"user_id"`
	ActorID      int64          `gorm:"index:idx_activity_actor;not null" json:"actor_id"`
	ActivityType string         `gorm:"size:32;not null;index" json:"activity_type"`
	ActivityData datatypes.JSON `json:"activity_data"`
	IsVisible    bool           `gorm:"default:true;index" json:"is_visible"`
	CreatedAt    time.Time      `gorm:"index;autoCreateTime" json:"created_at"`
}
