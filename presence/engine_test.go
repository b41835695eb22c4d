package presence_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomonet/server/config"
	"github.com/tomonet/server/feed"
	"github.com/tomonet/server/model"
	"github.com/tomonet/server/notify"
	"github.com/tomonet/server/presence"
	"github.com/tomonet/server/realtime"
	"github.com/tomonet/server/social"
	"github.com/tomonet/server/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type presenceEnv struct {
	db       *gorm.DB
	registry *realtime.Registry
	graph    *social.Graph
	engine   *presence.Engine
	connSeq  int
}

func newPresenceEnv(t *testing.T) *presenceEnv {
	return newPresenceEnvThrottled(t, 0)
}

func newPresenceEnvThrottled(t *testing.T, throttle time.Duration) *presenceEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	logger := zap.NewNop()
	registry := realtime.NewRegistry(db, config.RealtimeConfig{
		MaxConnsPerUser: 5, MaxConnsTotal: 100,
		IdleTimeout: 5 * time.Minute, TouchSyncEvery: 30 * time.Second,
	}, logger)
	graph := social.NewGraph(db, logger)
	dispatcher := notify.NewDispatcher(db, registry, graph, config.NotifyConfig{
		AckTimeout: time.Second, DedupWindow: 5 * time.Minute, QueueCap: 100, BatchSize: 50,
	}, logger)
	feedAgg := feed.NewAggregator(db, registry, graph, config.FeedConfig{
		BatchSize: 25, MaxAge: 168 * time.Hour,
	}, logger)
	_, pubsub := testutil.SetupTestCache(t)
	engine := presence.NewEngine(db, registry, graph, dispatcher, feedAgg, pubsub,
		config.PresenceConfig{StatusThrottle: throttle, ReconcileEvery: time.Minute, MaxActivityLen: 100},
		logger)
	return &presenceEnv{db: db, registry: registry, graph: graph, engine: engine}
}

func (e *presenceEnv) user(t *testing.T, name string) int64 {
	t.Helper()
	u := model.User{Username: name, PasswordHash: "x", Status: 1}
	require.NoError(t, e.db.Create(&u).Error)
	return u.ID
}

func (e *presenceEnv) befriend(t *testing.T, a, b int64) {
	t.Helper()
	ua, ub := model.OrderPair(a, b)
	require.NoError(t, e.db.Create(&model.Friendship{
		UserA: ua, UserB: ub, Status: model.FriendshipActive,
	}).Error)
}

// connect registers a connection, which fires the reachable hook.
func (e *presenceEnv) connect(t *testing.T, userID int64) *realtime.Conn {
	t.Helper()
	e.connSeq++
	c := realtime.NewConn(fmt.Sprintf("pc%d", e.connSeq), userID, nil, zap.NewNop())
	require.True(t, e.registry.Add(c))
	return c
}

// recvTypes drains the connection's send channel until timeout and returns
// the packet types seen.
func recvTypes(c *realtime.Conn, window time.Duration) []string {
	var types []string
	deadline := time.After(window)
	for {
		select {
		case data := <-c.SendChan:
			var pkt realtime.Packet
			if json.Unmarshal(data, &pkt) == nil {
				types = append(types, pkt.Type)
			}
		case <-deadline:
			return types
		}
	}
}

func (e *presenceEnv) storedPresence(t *testing.T, userID int64) model.UserPresence {
	t.Helper()
	var row model.UserPresence
	require.NoError(t, e.db.Where("user_id = ?", userID).First(&row).Error)
	return row
}

func TestSetStatus_Validation(t *testing.T) {
	e := newPresenceEnv(t)
	alice := e.user(t, "alice")

	_, _, err := e.engine.SetStatus(context.Background(), alice, "lurking", "")
	assert.ErrorIs(t, err, presence.ErrInvalidStatus)
}

func TestSetStatus_RejectsOverlongActivity(t *testing.T) {
	e := newPresenceEnv(t)
	alice := e.user(t, "alice")

	long := make([]byte, 101)
	for i := range long {
		long[i] = 'z'
	}
	_, _, err := e.engine.SetStatus(context.Background(), alice, model.StatusBusy, string(long))
	assert.ErrorIs(t, err, presence.ErrActivityTooLong)

	// Nothing was persisted for the rejected call.
	var count int64
	e.db.Model(&model.UserPresence{}).Where("user_id = ?", alice).Count(&count)
	assert.Zero(t, count)

	// Exactly at the limit is accepted.
	row, changed, err := e.engine.SetStatus(context.Background(), alice, model.StatusBusy, string(long[:100]))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, row.ActivityMessage, 100)
	assert.Equal(t, model.StatusBusy, e.storedPresence(t, alice).Status)
}

func TestSetStatus_ThrottledChangeNotPersisted(t *testing.T) {
	e := newPresenceEnvThrottled(t, time.Minute)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	e.befriend(t, alice, bob)

	bobConn := e.connect(t, bob)
	recvTypes(bobConn, 50*time.Millisecond)

	_, changed, err := e.engine.SetStatus(context.Background(), alice, model.StatusOnline, "")
	require.NoError(t, err)
	require.True(t, changed)
	recvTypes(bobConn, 50*time.Millisecond) // drain the first broadcast

	// Inside the throttle window the change is rejected outright, so the
	// stored state cannot drift from what friends were last told.
	row, changed, err := e.engine.SetStatus(context.Background(), alice, model.StatusBusy, "secret meeting")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.StatusOnline, row.Status, "caller sees the stored state")

	stored := e.storedPresence(t, alice)
	assert.Equal(t, model.StatusOnline, stored.Status)
	assert.Empty(t, stored.ActivityMessage)
	assert.Empty(t, recvTypes(bobConn, 100*time.Millisecond))
}

func TestSetStatus_RepeatIsNoop(t *testing.T) {
	e := newPresenceEnv(t)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	e.befriend(t, alice, bob)

	bobConn := e.connect(t, bob)
	recvTypes(bobConn, 50*time.Millisecond)

	_, changed, err := e.engine.SetStatus(context.Background(), alice, model.StatusAway, "brb")
	require.NoError(t, err)
	assert.True(t, changed)
	recvTypes(bobConn, 50*time.Millisecond)

	_, changed, err = e.engine.SetStatus(context.Background(), alice, model.StatusAway, "brb")
	require.NoError(t, err)
	assert.False(t, changed, "identical repeat is a no-op")
	assert.Empty(t, recvTypes(bobConn, 100*time.Millisecond), "no second broadcast")
}

func TestSetStatus_BroadcastsToFriends(t *testing.T) {
	e := newPresenceEnv(t)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	e.befriend(t, alice, bob)

	bobConn := e.connect(t, bob)
	recvTypes(bobConn, 50*time.Millisecond) // drain bob's own connect traffic

	_, changed, err := e.engine.SetStatus(context.Background(), alice, model.StatusAway, "brb")
	require.NoError(t, err)
	assert.True(t, changed)

	types := recvTypes(bobConn, 100*time.Millisecond)
	assert.Contains(t, types, "presence_update")
}

func TestSetStatus_InvisibleMaskedInBroadcast(t *testing.T) {
	e := newPresenceEnv(t)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	e.befriend(t, alice, bob)

	bobConn := e.connect(t, bob)
	recvTypes(bobConn, 50*time.Millisecond)

	_, _, err := e.engine.SetStatus(context.Background(), alice, model.StatusInvisible, "")
	require.NoError(t, err)

	// The friend sees offline, never invisible.
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case data := <-bobConn.SendChan:
			var pkt realtime.Packet
			require.NoError(t, json.Unmarshal(data, &pkt))
			if pkt.Type != "presence_update" {
				continue
			}
			var ev presence.Event
			require.NoError(t, json.Unmarshal(pkt.Payload, &ev))
			assert.Equal(t, model.StatusOffline, ev.Status)
			return
		case <-deadline:
			t.Fatal("no presence_update received")
		}
	}
}

func TestReachable_OfflineFlipsOnline(t *testing.T) {
	e := newPresenceEnv(t)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	e.befriend(t, alice, bob)

	bobConn := e.connect(t, bob)
	recvTypes(bobConn, 50*time.Millisecond)

	e.connect(t, alice)

	stored := e.storedPresence(t, alice)
	assert.Equal(t, model.StatusOnline, stored.Status)
	assert.Equal(t, 1, stored.SocketCount)

	types := recvTypes(bobConn, 150*time.Millisecond)
	assert.Contains(t, types, "presence_update")
	assert.Contains(t, types, "notification", "friend gets a came online notification")

	// Feed entry for the transition.
	var count int64
	e.db.Model(&model.FriendActivity{}).
		Where("actor_id = ? AND activity_type = ?", alice, model.ActivityCameOnline).
		Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestReachable_ExplicitStatusSurvivesReconnect(t *testing.T) {
	e := newPresenceEnv(t)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	e.befriend(t, alice, bob)

	e.connect(t, alice)
	_, _, err := e.engine.SetStatus(context.Background(), alice, model.StatusAway, "")
	require.NoError(t, err)

	bobConn := e.connect(t, bob)
	recvTypes(bobConn, 50*time.Millisecond)

	// Second connection while already away: no transition.
	e.connect(t, alice)
	types := recvTypes(bobConn, 100*time.Millisecond)
	assert.NotContains(t, types, "presence_update", "no broadcast without a real transition")

	assert.Equal(t, model.StatusAway, e.storedPresence(t, alice).Status)
}

func TestUnreachable_LastConnGoesOffline(t *testing.T) {
	e := newPresenceEnv(t)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	e.befriend(t, alice, bob)

	c1 := e.connect(t, alice)
	c2 := e.connect(t, alice)
	_, _, err := e.engine.SetStatus(context.Background(), alice, model.StatusOnline, "playing")
	require.NoError(t, err)

	e.registry.Remove(c1.ID)
	assert.Equal(t, model.StatusOnline, e.storedPresence(t, alice).Status,
		"still one connection left")

	e.registry.Remove(c2.ID)
	stored := e.storedPresence(t, alice)
	assert.Equal(t, model.StatusOffline, stored.Status)
	assert.Empty(t, stored.ActivityMessage, "activity clears on disconnect")
	assert.Zero(t, stored.SocketCount)
}

func TestUnreachable_InvisibleGoesQuietly(t *testing.T) {
	e := newPresenceEnv(t)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	e.befriend(t, alice, bob)

	c := e.connect(t, alice)
	_, _, err := e.engine.SetStatus(context.Background(), alice, model.StatusInvisible, "")
	require.NoError(t, err)

	bobConn := e.connect(t, bob)
	recvTypes(bobConn, 50*time.Millisecond)

	e.registry.Remove(c.ID)

	types := recvTypes(bobConn, 100*time.Millisecond)
	assert.NotContains(t, types, "presence_update",
		"invisible was already offline to friends; no broadcast")
	assert.Equal(t, model.StatusInvisible, e.storedPresence(t, alice).Status,
		"the explicit choice outlives the connection")
}

func TestUnreachable_InvisibleSurvivesReconnect(t *testing.T) {
	e := newPresenceEnv(t)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	e.befriend(t, alice, bob)

	// Alice goes invisible, then drops her last connection.
	_, _, err := e.engine.SetStatus(context.Background(), alice, model.StatusInvisible, "")
	require.NoError(t, err)
	c := e.connect(t, alice)
	e.registry.Remove(c.ID)
	require.Equal(t, model.StatusInvisible, e.storedPresence(t, alice).Status)

	bobConn := e.connect(t, bob)
	recvTypes(bobConn, 50*time.Millisecond)

	// Reconnecting must not raise her to online or tell anyone.
	e.connect(t, alice)

	stored := e.storedPresence(t, alice)
	assert.Equal(t, model.StatusInvisible, stored.Status)
	assert.Equal(t, 1, stored.SocketCount)

	types := recvTypes(bobConn, 150*time.Millisecond)
	assert.NotContains(t, types, "presence_update")
	assert.NotContains(t, types, "notification")

	var count int64
	e.db.Model(&model.FriendActivity{}).
		Where("actor_id = ? AND activity_type = ?", alice, model.ActivityCameOnline).
		Count(&count)
	assert.Zero(t, count, "no came online feed entry while invisible")
}

func TestFriendsPresence_MasksInvisible(t *testing.T) {
	e := newPresenceEnv(t)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	carol := e.user(t, "carol")
	e.befriend(t, alice, bob)
	e.befriend(t, alice, carol)

	e.connect(t, bob)
	_, _, err := e.engine.SetStatus(context.Background(), bob, model.StatusInvisible, "sneaky")
	require.NoError(t, err)

	out, err := e.engine.FriendsPresence(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, out, 2)

	byID := map[int64]presence.FriendPresence{}
	for _, fp := range out {
		byID[fp.UserID] = fp
	}
	assert.Equal(t, model.StatusOffline, byID[bob].Status, "invisible reads as offline")
	assert.Empty(t, byID[bob].ActivityMessage, "no activity leaks while masked")
	assert.Equal(t, model.StatusOffline, byID[carol].Status, "never connected")
}

func TestSettings_DefaultsOnFirstRead(t *testing.T) {
	e := newPresenceEnv(t)
	alice := e.user(t, "alice")

	s, err := e.engine.Settings(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, "friends", s.PrivacyMode)
	assert.True(t, s.AutoAwayEnabled)
	assert.True(t, s.ShowActivityToFriends)

	s.PrivacyMode = "nobody"
	require.NoError(t, e.engine.UpdateSettings(context.Background(), alice, s))

	again, err := e.engine.Settings(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, "nobody", again.PrivacyMode)
}

func TestReconcile_RepairsStaleRows(t *testing.T) {
	e := newPresenceEnv(t)
	alice := e.user(t, "alice")

	// A crashed instance left alice marked online with two sockets, but the
	// registry holds nothing for her.
	require.NoError(t, e.db.Create(&model.UserPresence{
		UserID: alice, Status: model.StatusOnline, SocketCount: 2, LastSeen: time.Now(),
	}).Error)

	repaired := e.engine.Reconcile(context.Background())
	assert.Equal(t, 1, repaired)

	stored := e.storedPresence(t, alice)
	assert.Equal(t, model.StatusOffline, stored.Status)
	assert.Zero(t, stored.SocketCount)
}

func TestReconcile_FixesSocketCountDrift(t *testing.T) {
	e := newPresenceEnv(t)
	alice := e.user(t, "alice")

	e.connect(t, alice)
	// Drift the stored count.
	require.NoError(t, e.db.Model(&model.UserPresence{}).
		Where("user_id = ?", alice).
		Update("socket_count", 7).Error)

	repaired := e.engine.Reconcile(context.Background())
	assert.Equal(t, 1, repaired)
	assert.Equal(t, 1, e.storedPresence(t, alice).SocketCount)
}

func TestReconcile_LeavesSettledInvisibleAlone(t *testing.T) {
	e := newPresenceEnv(t)
	alice := e.user(t, "alice")

	require.NoError(t, e.db.Create(&model.UserPresence{
		UserID: alice, Status: model.StatusInvisible, SocketCount: 0, LastSeen: time.Now(),
	}).Error)

	repaired := e.engine.Reconcile(context.Background())
	assert.Zero(t, repaired)
	assert.Equal(t, model.StatusInvisible, e.storedPresence(t, alice).Status)
}
