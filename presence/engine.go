package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/tomonet/server/cache"
	"github.com/tomonet/server/config"
	"github.com/tomonet/server/feed"
	"github.com/tomonet/server/metrics"
	"github.com/tomonet/server/model"
	"github.com/tomonet/server/notify"
	"github.com/tomonet/server/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ChannelPresence is the pub/sub channel presence events are published on.
const ChannelPresence = "presence:events"

var (
	// ErrInvalidStatus is returned for a status outside the known set.
	ErrInvalidStatus = errors.New("presence: invalid status")
	// ErrActivityTooLong is returned for an activity message over the limit.
	ErrActivityTooLong = errors.New("presence: activity message too long")
)

// GraphSource answers the graph queries the engine needs to scope
// broadcasts. Satisfied by social.Graph.
type GraphSource interface {
	FriendsOf(ctx context.Context, userID int64) []int64
	AreFriends(ctx context.Context, a, b int64) bool
	IsBlocked(ctx context.Context, blocker, blocked int64) bool
	CanInteract(ctx context.Context, a, b int64) bool
}

// Engine owns user presence state: explicit status changes, the
// online/offline transitions driven by the connection registry, and the
// friend-scoped broadcast of both.
type Engine struct {
	db         *gorm.DB
	registry   *realtime.Registry
	graph      GraphSource
	dispatcher *notify.Dispatcher
	feed       *feed.Aggregator
	pubsub     cache.PubSub
	cfg        config.PresenceConfig
	logger     *zap.Logger

	mu         sync.Mutex
	lastChange map[int64]time.Time
}

// Event is a presence change published to friends and the pub/sub channel.
type Event struct {
	UserID          int64     `json:"user_id"`
	Status          string    `json:"status"`
	ActivityMessage string    `json:"activity_message,omitempty"`
	LastSeen        time.Time `json:"last_seen"`
}

// FriendPresence is one row of a FriendsPresence answer.
type FriendPresence struct {
	UserID          int64     `json:"user_id"`
	Username        string    `json:"username"`
	Status          string    `json:"status"`
	ActivityMessage string    `json:"activity_message,omitempty"`
	LastSeen        time.Time `json:"last_seen"`
}

// NewEngine creates an Engine and wires it to the registry's reachability
// hooks, so connection add/remove drives the online/offline transitions.
func NewEngine(db *gorm.DB, registry *realtime.Registry, graph GraphSource, dispatcher *notify.Dispatcher, fd *feed.Aggregator, ps cache.PubSub, cfg config.PresenceConfig, logger *zap.Logger) *Engine {
	e := &Engine{
		db:         db,
		registry:   registry,
		graph:      graph,
		dispatcher: dispatcher,
		feed:       fd,
		pubsub:     ps,
		cfg:        cfg,
		logger:     logger,
		lastChange: make(map[int64]time.Time),
	}
	registry.SetReachabilityHooks(e.HandleReachable, e.HandleUnreachable)
	return e
}

// SetStatus applies an explicit status change. A call that changes nothing,
// or that lands inside the throttle window, is a no-op: nothing is persisted
// or broadcast, and the bool reports false. The stored state therefore never
// drifts from what friends were last told.
func (e *Engine) SetStatus(ctx context.Context, userID int64, status, activity string) (*model.UserPresence, bool, error) {
	if !model.ValidStatus(status) {
		return nil, false, ErrInvalidStatus
	}
	if len(activity) > e.cfg.MaxActivityLen {
		return nil, false, ErrActivityTooLong
	}

	row, err := e.loadOrInit(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	if row.Status == status && row.ActivityMessage == activity {
		return row, false, nil
	}
	if e.throttled(userID) {
		return row, false, nil
	}

	row.Status = status
	row.ActivityMessage = activity
	row.LastSeen = time.Now()
	row.SocketCount = e.registry.ConnCount(userID)
	if err := e.db.WithContext(ctx).Save(row).Error; err != nil {
		return nil, false, err
	}

	e.broadcast(ctx, userID, visibleStatus(status), activity, row.LastSeen)
	if e.feed != nil && status != model.StatusInvisible && status != model.StatusOffline {
		if _, err := e.feed.Record(ctx, userID, model.ActivityStatusChanged, map[string]interface{}{"status": status}); err != nil {
			e.logger.Warn("status change feed record failed",
				zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	return row, true, nil
}

// HandleReachable runs when a user's first connection lands. An explicit
// status (away, busy, invisible) survives the reconnect; only offline flips
// to online.
func (e *Engine) HandleReachable(userID int64) {
	ctx := context.Background()
	row, err := e.loadOrInit(ctx, userID)
	if err != nil {
		e.logger.Warn("presence load on connect failed",
			zap.Int64("user_id", userID), zap.Error(err))
		return
	}

	transition := row.Status == model.StatusOffline
	if transition {
		row.Status = model.StatusOnline
	}
	row.LastSeen = time.Now()
	row.SocketCount = e.registry.ConnCount(userID)
	if err := e.db.WithContext(ctx).Save(row).Error; err != nil {
		e.logger.Warn("presence save on connect failed",
			zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	if !transition {
		return
	}
	metrics.PresenceBroadcasts.WithLabelValues("online").Inc()

	e.broadcast(ctx, userID, model.StatusOnline, row.ActivityMessage, row.LastSeen)
	e.notifyFriends(ctx, userID, model.NotifFriendOnline, "came online")
	if e.feed != nil {
		if _, err := e.feed.Record(ctx, userID, model.ActivityCameOnline, map[string]interface{}{"status": model.StatusOnline}); err != nil {
			e.logger.Warn("came online feed record failed",
				zap.Int64("user_id", userID), zap.Error(err))
		}
	}
}

// HandleUnreachable runs when a user's last connection drops.
func (e *Engine) HandleUnreachable(userID int64) {
	ctx := context.Background()
	row, err := e.loadOrInit(ctx, userID)
	if err != nil {
		e.logger.Warn("presence load on disconnect failed",
			zap.Int64("user_id", userID), zap.Error(err))
		return
	}

	wasVisible := row.Status != model.StatusOffline && row.Status != model.StatusInvisible
	// An explicit invisible choice survives the disconnect. The stored row
	// already reads as offline to friends, and keeping it stops the next
	// connect from raising the user to online.
	if row.Status != model.StatusInvisible {
		row.Status = model.StatusOffline
		row.ActivityMessage = ""
	}
	row.LastSeen = time.Now()
	row.SocketCount = 0
	if err := e.db.WithContext(ctx).Save(row).Error; err != nil {
		e.logger.Warn("presence save on disconnect failed",
			zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	if !wasVisible {
		return
	}
	metrics.PresenceBroadcasts.WithLabelValues("offline").Inc()

	e.broadcast(ctx, userID, model.StatusOffline, "", row.LastSeen)
	e.notifyFriends(ctx, userID, model.NotifFriendOffline, "went offline")
	if e.feed != nil {
		if _, err := e.feed.Record(ctx, userID, model.ActivityWentOffline, map[string]interface{}{"status": model.StatusOffline}); err != nil {
			e.logger.Warn("went offline feed record failed",
				zap.Int64("user_id", userID), zap.Error(err))
		}
	}
}

// FriendsPresence returns the presence of the viewer's friends. Invisible
// friends are reported as offline; activity messages honor the friend's
// show_activity setting.
func (e *Engine) FriendsPresence(ctx context.Context, viewerID int64) ([]FriendPresence, error) {
	friendIDs := e.graph.FriendsOf(ctx, viewerID)
	if len(friendIDs) == 0 {
		return []FriendPresence{}, nil
	}

	var rows []struct {
		model.UserPresence
		Username              string
		ShowActivityToFriends *bool
	}
	err := e.db.WithContext(ctx).Model(&model.UserPresence{}).
		Select("user_presences.*, users.username, user_presence_settings.show_activity_to_friends").
		Joins("JOIN users ON users.id = user_presences.user_id").
		Joins("LEFT JOIN user_presence_settings ON user_presence_settings.user_id = user_presences.user_id").
		Where("user_presences.user_id IN ?", friendIDs).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(rows))
	out := make([]FriendPresence, 0, len(friendIDs))
	for _, r := range rows {
		seen[r.UserID] = true
		fp := FriendPresence{
			UserID:   r.UserID,
			Username: r.Username,
			Status:   visibleStatus(r.Status),
			LastSeen: r.LastSeen,
		}
		if fp.Status != model.StatusOffline && (r.ShowActivityToFriends == nil || *r.ShowActivityToFriends) {
			fp.ActivityMessage = r.ActivityMessage
		}
		out = append(out, fp)
	}
	// Friends with no presence row yet have never connected.
	for _, id := range friendIDs {
		if !seen[id] {
			out = append(out, FriendPresence{UserID: id, Status: model.StatusOffline})
		}
	}
	return out, nil
}

// Settings returns the user's presence settings, creating defaults on first
// read.
func (e *Engine) Settings(ctx context.Context, userID int64) (*model.UserPresenceSettings, error) {
	var s model.UserPresenceSettings
	err := e.db.WithContext(ctx).Where("user_id = ?", userID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s = model.UserPresenceSettings{
			UserID:                userID,
			PrivacyMode:           "friends",
			AutoAwayEnabled:       true,
			AutoAwayAfterMin:      10,
			ShowActivityToFriends: true,
		}
		if err := e.db.WithContext(ctx).Create(&s).Error; err != nil {
			return nil, err
		}
		return &s, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateSettings persists the given settings for the user.
func (e *Engine) UpdateSettings(ctx context.Context, userID int64, s *model.UserPresenceSettings) error {
	cur, err := e.Settings(ctx, userID)
	if err != nil {
		return err
	}
	s.ID = cur.ID
	s.UserID = userID
	return e.db.WithContext(ctx).Save(s).Error
}

// Reconcile compares stored presence rows against registry truth and re-runs
// the disconnect transition for users the registry no longer holds. Repairs
// the drift a crashed connection or missed hook leaves behind. Returns the
// number of rows repaired.
func (e *Engine) Reconcile(ctx context.Context) int {
	var rows []model.UserPresence
	err := e.db.WithContext(ctx).
		Where("socket_count > 0 OR status <> ?", model.StatusOffline).
		Find(&rows).Error
	if err != nil {
		e.logger.Warn("presence reconcile query failed", zap.Error(err))
		return 0
	}

	repaired := 0
	for _, row := range rows {
		live := e.registry.ConnCount(row.UserID)
		if live > 0 {
			if row.SocketCount != live {
				e.db.WithContext(ctx).Model(&model.UserPresence{}).
					Where("user_id = ?", row.UserID).
					Update("socket_count", live)
				repaired++
			}
			continue
		}
		settled := row.Status == model.StatusOffline || row.Status == model.StatusInvisible
		if settled && row.SocketCount == 0 {
			continue
		}
		e.logger.Info("reconciling stale presence",
			zap.Int64("user_id", row.UserID),
			zap.String("stored_status", row.Status),
			zap.Int("stored_sockets", row.SocketCount))
		e.HandleUnreachable(row.UserID)
		repaired++
	}
	metrics.ReachableUsers.Set(float64(e.registry.ReachableUserCount()))
	return repaired
}

// loadOrInit fetches the presence row, creating an offline one on first use.
func (e *Engine) loadOrInit(ctx context.Context, userID int64) (*model.UserPresence, error) {
	var row model.UserPresence
	err := e.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = model.UserPresence{
			UserID:   userID,
			Status:   model.StatusOffline,
			LastSeen: time.Now(),
		}
		if err := e.db.WithContext(ctx).Create(&row).Error; err != nil {
			return nil, err
		}
		return &row, nil
	}
	if err != nil {
		return nil, err
	}
	if row.SocketCount < 0 {
		row.SocketCount = 0
	}
	return &row, nil
}

// throttled reports whether the user changed status inside the throttle
// window, recording this attempt.
func (e *Engine) throttled(userID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	if last, ok := e.lastChange[userID]; ok && now.Sub(last) < e.cfg.StatusThrottle {
		return true
	}
	e.lastChange[userID] = now
	return false
}

// broadcast pushes a presence event to every connected friend the user can
// interact with, and publishes it on the pub/sub channel for out-of-process
// consumers.
func (e *Engine) broadcast(ctx context.Context, userID int64, status, activity string, at time.Time) {
	ev := Event{UserID: userID, Status: status, ActivityMessage: activity, LastSeen: at}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	if e.pubsub != nil {
		if err := e.pubsub.Publish(ctx, ChannelPresence, string(payload)); err != nil {
			e.logger.Warn("presence publish failed", zap.Error(err))
		}
	}

	pkt := &realtime.Packet{Type: "presence_update", Payload: payload}
	for _, fid := range e.graph.FriendsOf(ctx, userID) {
		if !e.graph.CanInteract(ctx, userID, fid) {
			continue
		}
		for _, c := range e.registry.ConnectionsFor(fid) {
			c.Send(pkt)
		}
	}
}

// notifyFriends dispatches a presence notification to every friend. The
// dispatcher applies its own block, preference and dedup rules per friend.
func (e *Engine) notifyFriends(ctx context.Context, userID int64, notifType, message string) {
	if e.dispatcher == nil {
		return
	}
	friends := e.graph.FriendsOf(ctx, userID)
	if len(friends) == 0 {
		return
	}
	sender := userID
	e.dispatcher.NotifyMany(ctx, friends, &model.FriendNotification{
		SenderID: &sender,
		Type:     notifType,
		Message:  message,
		Data:     notify.Payload(map[string]interface{}{"user_id": userID}),
	})
}

// visibleStatus maps invisible to offline for everyone but the user.
func visibleStatus(s string) string {
	if s == model.StatusInvisible {
		return model.StatusOffline
	}
	return s
}
