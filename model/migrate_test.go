package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomonet/server/model"
	"github.com/tomonet/server/testutil"
)

func TestAutoMigrate_InsertAndQuery(t *testing.T) {
	db := testutil.SetupTestDB(t)

	// User
	user := &model.User{Username: "test_user", PasswordHash: "hash", Status: 1}
	require.NoError(t, db.Create(user).Error)
	assert.Greater(t, user.ID, int64(0))

	var found model.User
	require.NoError(t, db.First(&found, user.ID).Error)
	assert.Equal(t, "test_user", found.Username)

	other := &model.User{Username: "other_user", PasswordHash: "hash", Status: 1}
	require.NoError(t, db.Create(other).Error)

	// Friendship in canonical pair order
	ua, ub := model.OrderPair(other.ID, user.ID)
	require.NoError(t, db.Create(&model.Friendship{
		UserA: ua, UserB: ub, Status: model.FriendshipActive,
	}).Error)

	// FriendRequest
	req := &model.FriendRequest{
		SenderID:   user.ID,
		ReceiverID: other.ID,
		Status:     model.RequestPending,
		Message:    "hello",
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	require.NoError(t, db.Create(req).Error)

	// BlockedUser
	require.NoError(t, db.Create(&model.BlockedUser{
		BlockerID: user.ID, BlockedID: other.ID, Reason: "spam",
	}).Error)

	// UserPresence
	require.NoError(t, db.Create(&model.UserPresence{
		UserID: user.ID, Status: model.StatusOnline, LastSeen: time.Now(), SocketCount: 1,
	}).Error)

	// UserPresenceSettings
	require.NoError(t, db.Create(&model.UserPresenceSettings{
		UserID: user.ID, PrivacyMode: "friends",
	}).Error)

	// FriendNotification
	require.NoError(t, db.Create(&model.FriendNotification{
		UserID: other.ID, SenderID: &user.ID, Type: model.NotifFriendRequest, Message: "hi",
	}).Error)

	// FriendActivity
	require.NoError(t, db.Create(&model.FriendActivity{
		UserID: other.ID, ActorID: user.ID, ActivityType: model.ActivityCameOnline, IsVisible: true,
	}).Error)

	// SocketSession
	require.NoError(t, db.Create(&model.SocketSession{
		UserID: user.ID, SocketID: "sock-001", LastActivity: time.Now(), IsActive: true,
	}).Error)

	// AuditLog
	require.NoError(t, db.Create(&model.AuditLog{
		TraceID: "trace-001", Action: "auth.login", CreatedAt: time.Now(),
	}).Error)
}

func TestFriendRequest_Expired(t *testing.T) {
	now := time.Now()

	fresh := model.FriendRequest{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, fresh.Expired(now))

	stale := model.FriendRequest{ExpiresAt: now.Add(-time.Minute)}
	assert.True(t, stale.Expired(now))

	// A zero expiry never expires.
	assert.False(t, (&model.FriendRequest{}).Expired(now))
}

func TestOrderPair(t *testing.T) {
	a, b := model.OrderPair(5, 3)
	assert.Equal(t, int64(3), a)
	assert.Equal(t, int64(5), b)

	a, b = model.OrderPair(3, 5)
	assert.Equal(t, int64(3), a)
	assert.Equal(t, int64(5), b)
}

func TestValidators(t *testing.T) {
	assert.True(t, model.ValidStatus(model.StatusAway))
	assert.False(t, model.ValidStatus("lurking"))

	assert.True(t, model.ValidNotifType(model.NotifFriendRequest))
	assert.False(t, model.ValidNotifType("carrier_pigeon"))

	assert.True(t, model.ValidActivityType(model.ActivityStatusChanged))
	assert.False(t, model.ValidActivityType("teleported"))
}
