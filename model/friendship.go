package model

import "time"

// Friendship statuses.
const (
	FriendshipActive = "active"
)

// Friendship is one accepted friend pair. The pair is stored in canonical
// order (UserA < UserB) so a pair can never exist twice under swapped ids.
type Friendship struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserA     int64     `gorm:"uniqueIndex:idx_friend_pair;not null" json:"user_a"`
	UserB     int64     `gorm:"uniqueIndex:idx_friend_pair;not null" json:"user_b"`
	Status    string    `gorm:"size:16;default:'active'" json:"status"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// OrderPair returns the two ids in canonical (smaller-first) order.
func OrderPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}
