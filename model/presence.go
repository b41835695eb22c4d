package model

import (
	"time"

	"gorm.io/datatypes"
)

// Presence statuses.
const (
	StatusOnline    = "online"
	StatusAway      = "away"
	StatusBusy      = "busy"
	StatusOffline   = "offline"
	StatusInvisible = "invisible"
)

// ValidStatus reports whether s is one of the five presence statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline, StatusInvisible:
		return true
	}
	return false
}

// UserPresence is the persisted presence row for one user.
// SocketCount mirrors the live registry count; it is floored at zero and
// periodically reconciled against registry truth.
type UserPresence struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          int64     `gorm:"uniqueIndex;not null" json:"user_id"`
	Status          string    `gorm:"size:16;default:'offline'" json:"status"`
	ActivityMessage string    `gorm:"size:100" json:"activity_message"`
	LastSeen        time.Time `json:"last_seen"`
	SocketCount     int       `gorm:"default:0" json:"socket_count"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// UserPresenceSettings holds per-user presence privacy knobs.
type UserPresenceSettings struct {
	ID                    int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID                int64          `gorm:"uniqueIndex;not null" json:"user_id"`
	PrivacyMode           string         `gorm:"size:16;default:'friends'" json:"privacy_mode"` // everyone|friends|nobody
	AllowedContacts       datatypes.JSON `json:"allowed_contacts"`
	NotificationPrefs     datatypes.JSON `json:"notification_prefs"` // type → enabled override

	AutoAwayEnabled       bool           `gorm:"default:true" json:"auto_away_enabled"`
	AutoAwayAfterMin      int            `gorm:"default:10" json:"auto_away_after_min"`
	BlockUnknownUsers     bool           `gorm:"default:false" json:"block_unknown_users"`
	ShowActivityToFriends bool           `gorm:"default:true" json:"show_activity_to_friends"`
	AllowUrgentOverride   bool           `gorm:"default:false" json:"allow_urgent_override"`
}
