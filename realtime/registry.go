package realtime

import (
	"sync"
	"time"

	"github.com/tomonet/server/config"
	"github.com/tomonet/server/metrics"
	"github.com/tomonet/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Registry is the single source of truth for which users are reachable and
// on which connections. It enforces per-user and global connection caps and
// signals reachability transitions to the presence layer.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Conn           // connID → conn
	users    map[int64]map[string]*Conn // userID → connID → conn
	lastSync map[int64]time.Time        // userID → last persisted touch

	cfg    config.RealtimeConfig
	db     *gorm.DB
	logger *zap.Logger

	// Reachability hooks are invoked outside the registry lock, on the
	// calling goroutine. Set once during wiring, before any connection.
	onReachable   func(userID int64)
	onUnreachable func(userID int64)
}

// NewRegistry creates a Registry.
func NewRegistry(db *gorm.DB, cfg config.RealtimeConfig, logger *zap.Logger) *Registry {
	return &Registry{
		conns:    make(map[string]*Conn),
		users:    make(map[int64]map[string]*Conn),
		lastSync: make(map[int64]time.Time),
		cfg:      cfg,
		db:       db,
		logger:   logger,
	}
}

// SetReachabilityHooks installs the callbacks fired when a user gains their
// first or loses their last live connection.
func (r *Registry) SetReachabilityHooks(onReachable, onUnreachable func(userID int64)) {
	r.onReachable = onReachable
	r.onUnreachable = onUnreachable
}

// Add registers a connection. It returns false when the global ceiling or the
// user's per-connection ceiling is reached; the caller must then close the
// transport. On the user's first live connection the reachable hook fires.
func (r *Registry) Add(c *Conn) bool {
	r.mu.Lock()
	if len(r.conns) >= r.cfg.MaxConnsTotal {
		r.mu.Unlock()
		metrics.ConnectionsRejected.WithLabelValues("global_cap").Inc()
		r.logger.Warn("connection rejected: global cap reached",
			zap.Int64("user_id", c.UserID),
			zap.Int("cap", r.cfg.MaxConnsTotal))
		return false
	}
	userConns := r.users[c.UserID]
	if len(userConns) >= r.cfg.MaxConnsPerUser {
		r.mu.Unlock()
		metrics.ConnectionsRejected.WithLabelValues("user_cap").Inc()
		r.logger.Warn("connection rejected: per-user cap reached",
			zap.Int64("user_id", c.UserID),
			zap.Int("cap", r.cfg.MaxConnsPerUser))
		return false
	}
	if userConns == nil {
		userConns = make(map[string]*Conn)
		r.users[c.UserID] = userConns
	}
	first := len(userConns) == 0
	userConns[c.ID] = c
	r.conns[c.ID] = c
	r.mu.Unlock()

	metrics.ActiveConnections.Inc()
	if first {
		metrics.ReachableUsers.Inc()
	}

	// Best-effort session record; a failed write never rejects the connection.
	if err := r.db.Create(&model.SocketSession{
		UserID:       c.UserID,
		SocketID:     c.ID,
		LastActivity: time.Now(),
		IP:           c.IP,
		UserAgent:    c.UserAgent,
		IsActive:     true,
	}).Error; err != nil {
		r.logger.Warn("socket session write failed",
			zap.String("conn_id", c.ID), zap.Error(err))
	}

	r.logger.Info("connection registered",
		zap.Int64("user_id", c.UserID),
		zap.String("conn_id", c.ID))

	if first && r.onReachable != nil {
		r.onReachable(c.UserID)
	}
	return true
}

// Remove unregisters a connection. When it was the user's last one the
// unreachable hook fires. Removing an unknown id is a no-op.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	userConns := r.users[c.UserID]
	delete(userConns, connID)
	last := len(userConns) == 0
	if last {
		delete(r.users, c.UserID)
		delete(r.lastSync, c.UserID)
	}
	r.mu.Unlock()

	metrics.ActiveConnections.Dec()
	if last {
		metrics.ReachableUsers.Dec()
	}

	if err := r.db.Model(&model.SocketSession{}).
		Where("socket_id = ?", connID).
		Update("is_active", false).Error; err != nil {
		r.logger.Warn("socket session deactivate failed",
			zap.String("conn_id", connID), zap.Error(err))
	}

	r.logger.Info("connection unregistered",
		zap.Int64("user_id", c.UserID),
		zap.String("conn_id", connID))

	if last && r.onUnreachable != nil {
		r.onUnreachable(c.UserID)
	}
}

// Touch refreshes a connection's last-activity timestamp. The persisted copy
// is synced at most once per touch_sync_every per user to bound write load.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	sync := now.Sub(r.lastSync[c.UserID]) >= r.cfg.TouchSyncEvery
	if sync {
		r.lastSync[c.UserID] = now
	}
	r.mu.Unlock()

	c.Touch()
	if sync {
		if err := r.db.Model(&model.SocketSession{}).
			Where("user_id = ? AND is_active = ?", c.UserID, true).
			Update("last_activity", now).Error; err != nil {
			r.logger.Warn("socket session touch sync failed",
				zap.Int64("user_id", c.UserID), zap.Error(err))
		}
	}
}

// ConnectionsFor returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsFor(userID int64) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.users[userID]))
	for _, c := range r.users[userID] {
		out = append(out, c)
	}
	return out
}

// ConnCount returns the number of live connections for a user.
func (r *Registry) ConnCount(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// IsReachable reports whether a user has at least one live connection.
func (r *Registry) IsReachable(userID int64) bool {
	return r.ConnCount(userID) > 0
}

// ReachableUserCount returns the number of users with live connections.
func (r *Registry) ReachableUserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// TotalConns returns the number of live connections across all users.
func (r *Registry) TotalConns() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ReachableUserIDs returns a snapshot of user ids with live connections.
func (r *Registry) ReachableUserIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	return out
}

// KickUser force-closes every connection a user holds. Returns the number of
// connections closed.
func (r *Registry) KickUser(userID int64) int {
	conns := r.ConnectionsFor(userID)
	for _, c := range conns {
		c.Close()
		r.Remove(c.ID)
	}
	return len(conns)
}

// IdleSweep evicts connections whose last activity exceeds idle_timeout,
// treating eviction exactly like a disconnect.
func (r *Registry) IdleSweep() {
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)

	r.mu.RLock()
	stale := make([]*Conn, 0)
	for _, c := range r.conns {
		if c.LastActive().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		r.logger.Info("evicting idle connection",
			zap.Int64("user_id", c.UserID),
			zap.String("conn_id", c.ID),
			zap.Time("last_active", c.LastActive()))
		c.Close()
		r.Remove(c.ID)
	}
}

// PruneSessions deletes persisted socket session rows that are inactive or
// stale. Run periodically; the table is advisory only.
func (r *Registry) PruneSessions(olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)
	res := r.db.Where("is_active = ? OR last_activity < ?", false, cutoff).
		Delete(&model.SocketSession{})
	if res.Error != nil {
		r.logger.Warn("socket session prune failed", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		r.logger.Debug("pruned socket sessions", zap.Int64("rows", res.RowsAffected))
	}
}
