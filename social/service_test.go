package social_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomonet/server/config"
	"github.com/tomonet/server/feed"
	"github.com/tomonet/server/model"
	"github.com/tomonet/server/notify"
	"github.com/tomonet/server/realtime"
	"github.com/tomonet/server/social"
	"github.com/tomonet/server/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type socialEnv struct {
	db       *gorm.DB
	svc      *social.Service
	graph    *social.Graph
	registry *realtime.Registry
}

func newSocialEnv(t *testing.T) *socialEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	logger := zap.NewNop()
	registry := realtime.NewRegistry(db, config.RealtimeConfig{
		MaxConnsPerUser: 5, MaxConnsTotal: 100,
		IdleTimeout: 5 * time.Minute, TouchSyncEvery: 30 * time.Second,
	}, logger)
	graph := social.NewGraph(db, logger)
	// UserThrottle 0 disables throttling so assertions see every notification.
	dispatcher := notify.NewDispatcher(db, registry, graph, config.NotifyConfig{
		UserThrottle: 0, AckTimeout: time.Second,
		DedupWindow: 5 * time.Minute, QueueCap: 100,
		BatchSize: 50, BatchPause: 0,
	}, logger)
	feedAgg := feed.NewAggregator(db, registry, graph, config.FeedConfig{
		ActorThrottle: time.Millisecond, BatchSize: 25,
		MaxAge: 168 * time.Hour,
	}, logger)
	return &socialEnv{
		db:       db,
		svc:      social.NewService(db, graph, dispatcher, feedAgg, logger),
		graph:    graph,
		registry: registry,
	}
}

func (e *socialEnv) user(t *testing.T, name string) int64 {
	t.Helper()
	u := model.User{Username: name, PasswordHash: "x", Status: 1}
	require.NoError(t, e.db.Create(&u).Error)
	return u.ID
}

func (e *socialEnv) befriend(t *testing.T, a, b int64) {
	t.Helper()
	req, err := e.svc.SendRequest(context.Background(), a, b, "")
	require.NoError(t, err)
	require.NoError(t, e.svc.Accept(context.Background(), req.ID, b))
}

func TestSendRequest_Validation(t *testing.T) {
	e := newSocialEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	_, err := e.svc.SendRequest(ctx, alice, alice, "")
	assert.ErrorIs(t, err, social.ErrSelfTarget)

	long := make([]byte, 501)
	for i := range long {
		long[i] = 'a'
	}
	_, err = e.svc.SendRequest(ctx, alice, bob, string(long))
	assert.ErrorIs(t, err, social.ErrMessageTooLong)

	_, err = e.svc.SendRequest(ctx, alice, 999999, "")
	assert.ErrorIs(t, err, social.ErrNotFound)
}

func TestSendRequest_SinglePending(t *testing.T) {
	e := newSocialEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	_, err := e.svc.SendRequest(ctx, alice, bob, "hi")
	require.NoError(t, err)

	_, err = e.svc.SendRequest(ctx, alice, bob, "hi again")
	assert.ErrorIs(t, err, social.ErrRequestPending)
}

func TestSendRequest_CrossedAutoAccepts(t *testing.T) {
	e := newSocialEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	_, err := e.svc.SendRequest(ctx, alice, bob, "")
	require.NoError(t, err)

	// Bob asking Alice back completes the pair instead of mirroring it.
	_, err = e.svc.SendRequest(ctx, bob, alice, "")
	require.NoError(t, err)

	assert.True(t, e.graph.AreFriends(ctx, alice, bob))
	var pending int64
	e.db.Model(&model.FriendRequest{}).Where("status = ?", model.RequestPending).Count(&pending)
	assert.Zero(t, pending)
}

func TestAccept_SymmetryAndNotifications(t *testing.T) {
	e := newSocialEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	req, err := e.svc.SendRequest(ctx, alice, bob, "hello")
	require.NoError(t, err)
	require.NoError(t, e.svc.Accept(ctx, req.ID, bob))

	// Friendship is symmetric regardless of direction queried.
	assert.True(t, e.graph.AreFriends(ctx, alice, bob))
	assert.True(t, e.graph.AreFriends(ctx, bob, alice))

	// Both sides got a friend_accepted notification in the same commit.
	var notifs []model.FriendNotification
	require.NoError(t, e.db.Where("type = ?", model.NotifFriendAccepted).Find(&notifs).Error)
	assert.Len(t, notifs, 2)

	// Accepting twice fails; the request is no longer pending.
	assert.ErrorIs(t, e.svc.Accept(ctx, req.ID, bob), social.ErrNotFound)
}

func TestAccept_OnlyReceiver(t *testing.T) {
	e := newSocialEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	req, err := e.svc.SendRequest(ctx, alice, bob, "")
	require.NoError(t, err)

	assert.ErrorIs(t, e.svc.Accept(ctx, req.ID, alice), social.ErrNotFound)
}

func TestAccept_Expired(t *testing.T) {
	e := newSocialEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	req, err := e.svc.SendRequest(ctx, alice, bob, "")
	require.NoError(t, err)
	require.NoError(t, e.db.Model(req).Update("expires_at", time.Now().Add(-time.Minute)).Error)

	assert.ErrorIs(t, e.svc.Accept(ctx, req.ID, bob), social.ErrExpired)

	var row model.FriendRequest
	require.NoError(t, e.db.First(&row, req.ID).Error)
	assert.Equal(t, model.RequestExpired, row.Status)
}

func TestDeclineAndCancel(t *testing.T) {
	e := newSocialEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	req, err := e.svc.SendRequest(ctx, alice, bob, "")
	require.NoError(t, err)

	// Only the sender may cancel, only the receiver may decline.
	assert.ErrorIs(t, e.svc.Cancel(ctx, req.ID, bob), social.ErrNotFound)
	assert.ErrorIs(t, e.svc.Decline(ctx, req.ID, alice), social.ErrNotFound)

	require.NoError(t, e.svc.Decline(ctx, req.ID, bob))
	assert.False(t, e.graph.AreFriends(ctx, alice, bob))

	// A declined request allows a fresh one.
	req2, err := e.svc.SendRequest(ctx, alice, bob, "")
	require.NoError(t, err)
	require.NoError(t, e.svc.Cancel(ctx, req2.ID, alice))
}

func TestExpireSweep(t *testing.T) {
	e := newSocialEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	req, err := e.svc.SendRequest(ctx, alice, bob, "")
	require.NoError(t, err)
	require.NoError(t, e.db.Model(req).Update("expires_at", time.Now().Add(-time.Hour)).Error)

	assert.Equal(t, int64(1), e.svc.ExpireSweep(ctx))

	var row model.FriendRequest
	require.NoError(t, e.db.First(&row, req.ID).Error)
	assert.Equal(t, model.RequestExpired, row.Status)
}

func TestRemoveFriend_ScrubsHistory(t *testing.T) {
	e := newSocialEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	e.befriend(t, alice, bob)

	require.NoError(t, e.svc.RemoveFriend(ctx, alice, bob))
	assert.False(t, e.graph.AreFriends(ctx, alice, bob))

	// Request history between the pair is gone.
	var reqs int64
	e.db.Model(&model.FriendRequest{}).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
			alice, bob, bob, alice).
		Count(&reqs)
	assert.Zero(t, reqs)

	// Bob gets a friend_removed notification.
	var notif model.FriendNotification
	require.NoError(t, e.db.Where("user_id = ? AND type = ?", bob, model.NotifFriendRemoved).
		First(&notif).Error)

	// Removing again reports not friends.
	assert.ErrorIs(t, e.svc.RemoveFriend(ctx, alice, bob), social.ErrNotFriends)
}

func TestBlock_SeversRelationship(t *testing.T) {
	e := newSocialEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	e.befriend(t, alice, bob)

	require.NoError(t, e.svc.Block(ctx, alice, bob, "spam"))

	assert.False(t, e.graph.AreFriends(ctx, alice, bob))
	assert.True(t, e.graph.IsBlocked(ctx, alice, bob))
	assert.False(t, e.graph.IsBlocked(ctx, bob, alice), "block is directional")
	assert.False(t, e.graph.CanInteract(ctx, alice, bob))

	// Blocked pair cannot start a new request in either direction.
	_, err := e.svc.SendRequest(ctx, bob, alice, "")
	assert.ErrorIs(t, err, social.ErrBlocked)
	_, err = e.svc.SendRequest(ctx, alice, bob, "")
	assert.ErrorIs(t, err, social.ErrBlocked)

	assert.ErrorIs(t, e.svc.Block(ctx, alice, bob, ""), social.ErrAlreadyBlocked)
}

func TestBlock_CancelsPendingRequests(t *testing.T) {
	e := newSocialEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	req, err := e.svc.SendRequest(ctx, bob, alice, "")
	require.NoError(t, err)

	require.NoError(t, e.svc.Block(ctx, alice, bob, ""))

	var row model.FriendRequest
	require.NoError(t, e.db.First(&row, req.ID).Error)
	assert.Equal(t, model.RequestCancelled, row.Status)
}

func TestUnblock_DoesNotRestoreFriendship(t *testing.T) {
	e := newSocialEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	e.befriend(t, alice, bob)

	require.NoError(t, e.svc.Block(ctx, alice, bob, ""))
	require.NoError(t, e.svc.Unblock(ctx, alice, bob))

	assert.False(t, e.graph.IsBlocked(ctx, alice, bob))
	assert.False(t, e.graph.AreFriends(ctx, alice, bob), "unblock must not restore the friendship")

	assert.ErrorIs(t, e.svc.Unblock(ctx, alice, bob), social.ErrNotFound)
}

func TestListFriends_Pagination(t *testing.T) {
	e := newSocialEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	for i := 0; i < 3; i++ {
		friend := e.user(t, fmt.Sprintf("friend%d", i))
		e.befriend(t, alice, friend)
	}

	friends, total, err := e.svc.ListFriends(ctx, alice, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, friends, 2)

	friends, _, err = e.svc.ListFriends(ctx, alice, 2, 2)
	require.NoError(t, err)
	assert.Len(t, friends, 1)
}

func TestListReceived_FiltersExpired(t *testing.T) {
	e := newSocialEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	carol := e.user(t, "carol")

	fresh, err := e.svc.SendRequest(ctx, bob, alice, "")
	require.NoError(t, err)
	stale, err := e.svc.SendRequest(ctx, carol, alice, "")
	require.NoError(t, err)
	require.NoError(t, e.db.Model(stale).Update("expires_at", time.Now().Add(-time.Minute)).Error)

	reqs, total, err := e.svc.ListReceived(ctx, alice, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, reqs, 1)
	assert.Equal(t, fresh.ID, reqs[0].ID)
}

func TestGraph_FriendsOf(t *testing.T) {
	e := newSocialEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	carol := e.user(t, "carol")
	e.befriend(t, alice, bob)
	e.befriend(t, carol, alice)

	ids := e.graph.FriendsOf(ctx, alice)
	assert.ElementsMatch(t, []int64{bob, carol}, ids)

	assert.False(t, e.graph.AreFriends(ctx, alice, alice), "self is never a friend")
}
