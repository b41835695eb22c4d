package model

import (
	"time"

	"gorm.io/datatypes"
)

// Notification types. These identifiers are stable: they appear both in
// persisted rows and in wire payloads.
const (
	NotifFriendRequest  = "friend_request"
	NotifFriendAccepted = "friend_accepted"
	NotifFriendOnline   = "friend_online"
	NotifFriendOffline  = "friend_offline"
	NotifFriendMessage  = "friend_message"
	NotifFriendRemoved  = "friend_removed"
	NotifUserBlocked    = "user_blocked"
)

// ValidNotifType reports whether t is a known notification type.
func ValidNotifType(t string) bool {
	switch t {
	case NotifFriendRequest, NotifFriendAccepted, NotifFriendOnline,
		NotifFriendOffline, NotifFriendMessage, NotifFriendRemoved,
		NotifUserBlocked:
		return true
	}
	return false
}

// FriendNotification is one persisted notification for UserID.
type FriendNotification struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64          `gorm:"index:idx_notif_user;not null" json:"user_id"`
	SenderID  *int64         `gorm:"index:idx_notif_sender" json:"sender_id"`
	Type      string         `gorm:"size:32;not null;index" json:"type"`
	Message   string         `gorm:"size:255" json:"message"`
	Data      datatypes.JSON `json:"data"`
	IsRead    bool           `gorm:"default:false;index" json:"is_read"`
	CreatedAt time.Time      `gorm:"index;autoCreateTime" json:"created_at"`
	ReadAt    *time.Time     `json:"read_at"`
}
