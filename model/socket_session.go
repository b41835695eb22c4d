package model

import "time"

// SocketSession is the best-effort persisted record of one live transport
// connection. The realtime registry owns these rows; they are advisory and
// not expected to survive a process restart intact.
type SocketSession struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       int64     `gorm:"index:idx_socket_user;not null" json:"user_id"`
	SocketID     string    `gorm:"uniqueIndex;size:36;not null" json:"socket_id"`
	ConnectedAt  time.Time `gorm:"autoCreateTime" json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	IP           string    `gorm:"size:45" json:"ip"`
	UserAgent    string    `gorm:"size:255" json:"user_agent"`
	IsActive     bool      `gorm:"default:true;index" json:"is_active"`
}
