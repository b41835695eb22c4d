package model

import "time"

// BlockedUser is a directional block from BlockerID against BlockedID.
// Blocking is not symmetric; each direction is its own row.
type BlockedUser struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BlockerID int64     `gorm:"uniqueIndex:idx_block_pair;not null" json:"blocker_id"`
	BlockedID int64     `gorm:"uniqueIndex:idx_block_pair;not null" json:"blocked_id"`
	Reason    string    `gorm:"size:100" json:"reason"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
