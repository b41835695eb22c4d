package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tomonet/server/config"
	"github.com/tomonet/server/metrics"
	"github.com/tomonet/server/model"
	"github.com/tomonet/server/realtime"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// FriendSource answers the graph queries the aggregator needs.
// Satisfied by social.Graph.
type FriendSource interface {
	FriendsOf(ctx context.Context, userID int64) []int64
	IsBlocked(ctx context.Context, blocker, blocked int64) bool
}

// Aggregator fans an actor's activities out to their friends' feeds.
// Persistence is synchronous (one row per audience member); live push runs
// in the background in fixed-size batches.
type Aggregator struct {
	db       *gorm.DB
	registry *realtime.Registry
	friends  FriendSource
	cfg      config.FeedConfig
	logger   *zap.Logger

	mu         sync.Mutex
	lastRecord map[actorKey]time.Time
}

type actorKey struct {
	actorID int64
	typ     string
}

// Entry is one feed item returned to a reader.
type Entry struct {
	ID           int64          `json:"id"`
	ActorID      int64          `json:"actor_id"`
	ActorName    string         `json:"actor_name"`
	ActivityType string         `json:"activity_type"`
	ActivityData datatypes.JSON `json:"activity_data"`
	CreatedAt    time.Time      `json:"created_at"`
}

// FeedOptions filters a Feed call. Zero values mean "no filter".
type FeedOptions struct {
	Limit        int
	Offset       int
	ActivityType string
	Since        time.Time
}

// NewAggregator creates an Aggregator.
func NewAggregator(db *gorm.DB, registry *realtime.Registry, friends FriendSource, cfg config.FeedConfig, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		db:         db,
		registry:   registry,
		friends:    friends,
		cfg:        cfg,
		logger:     logger,
		lastRecord: make(map[actorKey]time.Time),
	}
}

// Record writes one activity for actorID to every friend's feed and pushes it
// to the friends who are connected. A repeat of the same (actor, type) inside
// the throttle window is silently dropped. Returns the audience size, zero
// when throttled or the actor has no friends.
func (a *Aggregator) Record(ctx context.Context, actorID int64, activityType string, data interface{}) (int, error) {
	if !model.ValidActivityType(activityType) {
		a.logger.Warn("unknown activity type dropped", zap.String("type", activityType))
		return 0, nil
	}
	if a.throttled(actorID, activityType) {
		return 0, nil
	}

	audience := a.friends.FriendsOf(ctx, actorID)
	if len(audience) == 0 {
		return 0, nil
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	rows := make([]model.FriendActivity, 0, len(audience))
	for _, uid := range audience {
		rows = append(rows, model.FriendActivity{
			UserID:       uid,
			ActorID:      actorID,
			ActivityType: activityType,
			ActivityData: datatypes.JSON(payload),
			IsVisible:    true,
			CreatedAt:    now,
		})
	}
	if err := a.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return 0, err
	}

	go a.broadcast(actorID, activityType, payload, audience, now)
	return len(audience), nil
}

// throttled records the attempt and reports whether this (actor, type) pair
// is inside its throttle window.
func (a *Aggregator) throttled(actorID int64, activityType string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := actorKey{actorID: actorID, typ: activityType}
	now := time.Now()
	if last, ok := a.lastRecord[key]; ok && now.Sub(last) < a.cfg.ActorThrottle {
		return true
	}
	a.lastRecord[key] = now
	return false
}

// broadcast pushes the activity to connected audience members in fixed-size
// batches with a pause between batches.
func (a *Aggregator) broadcast(actorID int64, activityType string, data json.RawMessage, audience []int64, at time.Time) {
	event, err := json.Marshal(map[string]interface{}{
		"actor_id":      actorID,
		"activity_type": activityType,
		"activity_data": data,
		"created_at":    at,
	})
	if err != nil {
		return
	}
	pkt := &realtime.Packet{Type: "friend_activity", Payload: event}

	batch := a.cfg.BatchSize
	if batch <= 0 {
		batch = 25
	}
	for i := 0; i < len(audience); i += batch {
		end := i + batch
		if end > len(audience) {
			end = len(audience)
		}
		for _, uid := range audience[i:end] {
			for _, c := range a.registry.ConnectionsFor(uid) {
				c.Send(pkt)
			}
		}
		metrics.FeedFanoutBatches.Inc()
		if end < len(audience) && a.cfg.BatchPause > 0 {
			time.Sleep(a.cfg.BatchPause)
		}
	}
}

// Feed returns the user's feed, newest first. Hidden entries and entries
// whose actor the user has since blocked are excluded.
func (a *Aggregator) Feed(ctx context.Context, userID int64, opts FeedOptions) ([]Entry, int64, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	q := a.db.WithContext(ctx).Model(&model.FriendActivity{}).
		Where("friend_activities.user_id = ? AND friend_activities.is_visible = ?", userID, true).
		Where("NOT EXISTS (SELECT 1 FROM blocked_users WHERE blocked_users.blocker_id = ? AND blocked_users.blocked_id = friend_activities.actor_id)", userID)
	if opts.ActivityType != "" {
		q = q.Where("friend_activities.activity_type = ?", opts.ActivityType)
	}
	if !opts.Since.IsZero() {
		q = q.Where("friend_activities.created_at > ?", opts.Since)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []Entry
	err := q.
		Select("friend_activities.id, friend_activities.actor_id, users.username AS actor_name, friend_activities.activity_type, friend_activities.activity_data, friend_activities.created_at").
		Joins("LEFT JOIN users ON users.id = friend_activities.actor_id").
		Order("friend_activities.created_at DESC, friend_activities.id DESC").
		Limit(limit).Offset(opts.Offset).
		Scan(&entries).Error
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// Hide marks one of the user's own feed entries invisible. Hiding an entry
// that is already hidden, or that belongs to someone else, reports false.
func (a *Aggregator) Hide(ctx context.Context, entryID, userID int64) bool {
	res := a.db.WithContext(ctx).Model(&model.FriendActivity{}).
		Where("id = ? AND user_id = ? AND is_visible = ?", entryID, userID, true).
		Update("is_visible", false)
	if res.Error != nil {
		a.logger.Warn("hide feed entry failed",
			zap.Int64("entry_id", entryID), zap.Error(res.Error))
		return false
	}
	return res.RowsAffected > 0
}

// PruneOld deletes feed entries older than the configured max age. Returns
// the number of rows removed. Run periodically by the scheduler.
func (a *Aggregator) PruneOld(ctx context.Context) int64 {
	cutoff := time.Now().Add(-a.cfg.MaxAge)
	res := a.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&model.FriendActivity{})
	if res.Error != nil {
		a.logger.Warn("feed prune failed", zap.Error(res.Error))
		return 0
	}
	if res.RowsAffected > 0 {
		a.logger.Info("pruned old feed entries", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected
}
