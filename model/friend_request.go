package model

import "time"

// FriendRequest statuses. Pending is the only non-terminal state.
const (
	RequestPending   = "pending"
	RequestAccepted  = "accepted"
	RequestDeclined  = "declined"
	RequestCancelled = "cancelled"
	RequestExpired   = "expired"
)

// FriendRequest is a directed invitation from SenderID to ReceiverID.
// At most one pending, unexpired row may exist per ordered pair.
type FriendRequest struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SenderID   int64     `gorm:"index:idx_request_sender;not null" json:"sender_id"`
	ReceiverID int64     `gorm:"index:idx_request_receiver;not null" json:"receiver_id"`
	Status     string    `gorm:"size:16;default:'pending';index" json:"status"`
	Message    string    `gorm:"size:500" json:"message"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	ExpiresAt  time.Time `gorm:"index" json:"expires_at"`
}

// Expired reports whether the request's expiry timestamp has passed.
func (r *FriendRequest) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}
