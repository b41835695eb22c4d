package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tomonet/server/config"
	"github.com/tomonet/server/metrics"
	"github.com/tomonet/server/model"
	"github.com/tomonet/server/realtime"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Guard gates deliveries between two users. Satisfied by social.Graph.
type Guard interface {
	CanInteract(ctx context.Context, a, b int64) bool
}

// Outcome classifies what happened to one dispatch attempt.
type Outcome int

const (
	// Suppressed: disabled by preference or blocked; nothing persisted.
	Suppressed Outcome = iota
	// Persisted: stored but the user had no live connection.
	Persisted
	// Delivered: stored and pushed to at least one live connection.
	Delivered
	// Queued: throttled; held in the per-user queue for the drain loop.
	Queued
)

// BatchResult reports the per-outcome counts of a NotifyMany call.
type BatchResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Queued    int `json:"queued"`
}

// Dispatcher delivers typed notifications to a user's live connections and
// persists every accepted notification so it stays retrievable when live
// delivery fails. Live push is at-least-once; persistence is the guarantee.
type Dispatcher struct {
	db       *gorm.DB
	registry *realtime.Registry
	guard    Guard
	cfg      config.NotifyConfig
	logger   *zap.Logger

	mu         sync.Mutex
	lastNotify map[int64]time.Time
	queues     map[int64][]*model.FriendNotification

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Call Start to run the queue drain loop.
func NewDispatcher(db *gorm.DB, registry *realtime.Registry, guard Guard, cfg config.NotifyConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:         db,
		registry:   registry,
		guard:      guard,
		cfg:        cfg,
		logger:     logger,
		lastNotify: make(map[int64]time.Time),
		queues:     make(map[int64][]*model.FriendNotification),
		stopCh:     make(chan struct{}),
	}
}

// Payload marshals v into a JSON column value. Marshal failures yield null.
func Payload(v interface{}) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(data)
}

// Notify dispatches n to userID. Returns true when the notification was
// accepted (delivered live or queued); false when it was suppressed or the
// user was unreachable (persisted for later retrieval in that case).
func (d *Dispatcher) Notify(ctx context.Context, userID int64, n *model.FriendNotification) (bool, error) {
	outcome, err := d.dispatch(ctx, userID, n, true)
	if err != nil {
		return false, err
	}
	return outcome == Delivered || outcome == Queued, nil
}

// NotifyMany dispatches n to every user id, in fixed-size batches with a
// short pause between batches so one fan-out cannot saturate the transport.
// Per-item failures are logged and counted, never aborting the batch.
func (d *Dispatcher) NotifyMany(ctx context.Context, userIDs []int64, n *model.FriendNotification) BatchResult {
	var res BatchResult
	batch := d.cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	for i := 0; i < len(userIDs); i += batch {
		end := i + batch
		if end > len(userIDs) {
			end = len(userIDs)
		}
		for _, uid := range userIDs[i:end] {
			clone := *n
			clone.ID = 0
			clone.UserID = uid
			outcome, err := d.dispatch(ctx, uid, &clone, true)
			switch {
			case err != nil:
				res.Failed++
				d.logger.Warn("notify failed",
					zap.Int64("user_id", uid),
					zap.String("type", n.Type),
					zap.Error(err))
			case outcome == Delivered:
				res.Delivered++
			case outcome == Queued:
				res.Queued++
			}
		}
		if end < len(userIDs) && d.cfg.BatchPause > 0 {
			time.Sleep(d.cfg.BatchPause)
		}
	}
	return res
}

// dispatch runs the full pipeline: preference check, block check, throttle,
// persist (with dedup), live push.
func (d *Dispatcher) dispatch(ctx context.Context, userID int64, n *model.FriendNotification, throttle bool) (Outcome, error) {
	if !model.ValidNotifType(n.Type) {
		d.logger.Warn("unknown notification type dropped", zap.String("type", n.Type))
		return Suppressed, nil
	}
	n.UserID = userID

	// Block precedence: a sender the recipient cannot interact with never
	// produces a notification, persisted or live.
	if n.SenderID != nil && d.guard != nil && !d.guard.CanInteract(ctx, *n.SenderID, userID) {
		metrics.NotificationsTotal.WithLabelValues(n.Type, "suppressed").Inc()
		return Suppressed, nil
	}

	if !d.prefEnabled(ctx, userID, n.Type) {
		metrics.NotificationsTotal.WithLabelValues(n.Type, "disabled").Inc()
		return Suppressed, nil
	}

	if throttle && d.throttled(userID) {
		d.enqueue(userID, n)
		metrics.NotificationsTotal.WithLabelValues(n.Type, "queued").Inc()
		return Queued, nil
	}

	if err := d.persist(ctx, n); err != nil {
		return Suppressed, err
	}

	if d.registry.ConnCount(userID) == 0 {
		metrics.NotificationsTotal.WithLabelValues(n.Type, "persisted").Inc()
		return Persisted, nil
	}

	d.PushLive(ctx, n)
	metrics.NotificationsTotal.WithLabelValues(n.Type, "delivered").Inc()
	return Delivered, nil
}

// throttled records the attempt time and reports whether the user is inside
// the per-user throttle window.
func (d *Dispatcher) throttled(userID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if last, ok := d.lastNotify[userID]; ok && now.Sub(last) < d.cfg.UserThrottle {
		return true
	}
	d.lastNotify[userID] = now
	return false
}

// enqueue appends to the user's bounded FIFO queue, dropping the oldest
// entry on overflow.
func (d *Dispatcher) enqueue(userID int64, n *model.FriendNotification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[userID]
	if len(q) >= d.cfg.QueueCap {
		q = q[1:]
		metrics.NotificationQueueDropped.Inc()
		d.logger.Warn("notification queue full, dropping oldest",
			zap.Int64("user_id", userID))
	}
	d.queues[userID] = append(q, n)
}

// persist stores the notification. A repeat presence notification from the
// same sender inside the dedup window refreshes the existing unread row
// instead of inserting a duplicate.
func (d *Dispatcher) persist(ctx context.Context, n *model.FriendNotification) error {
	if d.dedupable(n.Type) && n.SenderID != nil {
		cutoff := time.Now().Add(-d.cfg.DedupWindow)
		var existing model.FriendNotification
		err := d.db.WithContext(ctx).
			Where("user_id = ? AND sender_id = ? AND type = ? AND is_read = ? AND created_at > ?",
				n.UserID, *n.SenderID, n.Type, false, cutoff).
			First(&existing).Error
		if err == nil {
			existing.CreatedAt = time.Now()
			existing.Message = n.Message
			if updErr := d.db.WithContext(ctx).Save(&existing).Error; updErr == nil {
				*n = existing
				return nil
			}
		}
	}
	return d.db.WithContext(ctx).Create(n).Error
}

func (d *Dispatcher) dedupable(t string) bool {
	return t == model.NotifFriendOnline || t == model.NotifFriendOffline
}

// PersistTx stores the notification inside the caller's transaction after
// running the preference check, so multi-row mutations (accept, block) commit
// with their notifications or not at all. Returns false when suppressed.
func (d *Dispatcher) PersistTx(ctx context.Context, tx *gorm.DB, n *model.FriendNotification) (bool, error) {
	if !d.prefEnabled(ctx, n.UserID, n.Type) {
		return false, nil
	}
	if err := tx.Create(n).Error; err != nil {
		return false, err
	}
	return true, nil
}

// PushLive pushes n to every live connection the user holds, waiting for
// acknowledgements in the background for up to the ack timeout. Failure to
// ack never rolls anything back; the count is logged.
func (d *Dispatcher) PushLive(ctx context.Context, n *model.FriendNotification) {
	conns := d.registry.ConnectionsFor(n.UserID)
	if len(conns) == 0 {
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		d.logger.Error("notification marshal failed", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	acked := make(chan struct{}, len(conns))
	for _, c := range conns {
		ackID := uuid.NewString()
		ackCh := c.PrepareAck(ackID)
		c.Send(&realtime.Packet{Type: "notification", Payload: payload, AckID: ackID})

		wg.Add(1)
		go func(c *realtime.Conn, ackID string, ackCh <-chan struct{}) {
			defer wg.Done()
			timer := time.NewTimer(d.cfg.AckTimeout)
			defer timer.Stop()
			select {
			case <-ackCh:
				acked <- struct{}{}
			case <-timer.C:
				c.DropAck(ackID)
			case <-c.Done:
				c.DropAck(ackID)
			}
		}(c, ackID, ackCh)
	}

	go func() {
		wg.Wait()
		close(acked)
		count := 0
		for range acked {
			count++
		}
		d.logger.Debug("notification live delivery",
			zap.Int64("user_id", n.UserID),
			zap.String("type", n.Type),
			zap.Int("connections", len(conns)),
			zap.Int("acked", count))
	}()
}

// prefEnabled reports whether the user receives notifications of this type.
// friend_offline and user_blocked are disabled unless explicitly enabled;
// everything else is enabled unless explicitly disabled. Settings read
// failures fall back to the defaults.
func (d *Dispatcher) prefEnabled(ctx context.Context, userID int64, notifType string) bool {
	enabled := defaultEnabled(notifType)

	var settings model.UserPresenceSettings
	err := d.db.WithContext(ctx).Where("user_id = ?", userID).First(&settings).Error
	if err != nil || len(settings.NotificationPrefs) == 0 {
		return enabled
	}
	var prefs map[string]bool
	if err := json.Unmarshal(settings.NotificationPrefs, &prefs); err != nil {
		return enabled
	}
	if v, ok := prefs[notifType]; ok {
		return v
	}
	return enabled
}

func defaultEnabled(notifType string) bool {
	switch notifType {
	case model.NotifFriendOffline, model.NotifUserBlocked:
		return false
	}
	return true
}

// Start launches the queue drain loop: one queued item per eligible user per
// tick, FIFO per user.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		tick := d.cfg.UserThrottle
		if tick <= 0 {
			tick = time.Second
		}
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.drainOnce()
			case <-d.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the drain loop.
func (d *Dispatcher) Stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	d.wg.Wait()
}

// drainOnce pops the head of every non-throttled user queue and dispatches it.
func (d *Dispatcher) drainOnce() {
	d.mu.Lock()
	ready := make(map[int64]*model.FriendNotification)
	now := time.Now()
	for uid, q := range d.queues {
		if len(q) == 0 {
			delete(d.queues, uid)
			continue
		}
		if last, ok := d.lastNotify[uid]; ok && now.Sub(last) < d.cfg.UserThrottle {
			continue
		}
		ready[uid] = q[0]
		d.queues[uid] = q[1:]
		d.lastNotify[uid] = now
	}
	d.mu.Unlock()

	ctx := context.Background()
	for uid, n := range ready {
		if _, err := d.dispatch(ctx, uid, n, false); err != nil {
			d.logger.Warn("queued notification dispatch failed",
				zap.Int64("user_id", uid), zap.Error(err))
		}
	}
}
