package social

import (
	"context"

	"github.com/tomonet/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Graph answers the read-mostly friend/block queries that gate every
// fan-out decision. All methods degrade to the SAFE answer on storage
// errors: not friends, blocked, cannot interact. A storage hiccup must
// fail closed rather than leak events into a broadcast path.
type Graph struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGraph creates a Graph.
func NewGraph(db *gorm.DB, logger *zap.Logger) *Graph {
	return &Graph{db: db, logger: logger}
}

// AreFriends reports whether a and b share an active friendship.
// Symmetric; false when a == b.
func (g *Graph) AreFriends(ctx context.Context, a, b int64) bool {
	if a == b {
		return false
	}
	ua, ub := model.OrderPair(a, b)
	var count int64
	err := g.db.WithContext(ctx).Model(&model.Friendship{}).
		Where("user_a = ? AND user_b = ? AND status = ?", ua, ub, model.FriendshipActive).
		Count(&count).Error
	if err != nil {
		g.logger.Warn("friend check failed, treating as not friends",
			zap.Int64("a", a), zap.Int64("b", b), zap.Error(err))
		return false
	}
	return count > 0
}

// IsBlocked reports whether blocker has blocked blocked. Directional.
func (g *Graph) IsBlocked(ctx context.Context, blocker, blocked int64) bool {
	var count int64
	err := g.db.WithContext(ctx).Model(&model.BlockedUser{}).
		Where("blocker_id = ? AND blocked_id = ?", blocker, blocked).
		Count(&count).Error
	if err != nil {
		g.logger.Warn("block check failed, treating as blocked",
			zap.Int64("blocker", blocker), zap.Int64("blocked", blocked), zap.Error(err))
		return true
	}
	return count > 0
}

// CanInteract reports whether neither direction of the pair is blocked.
func (g *Graph) CanInteract(ctx context.Context, a, b int64) bool {
	return !g.IsBlocked(ctx, a, b) && !g.IsBlocked(ctx, b, a)
}

// FriendsOf returns the ids of the user's active friends. Empty on error.
func (g *Graph) FriendsOf(ctx context.Context, userID int64) []int64 {
	var rows []model.Friendship
	err := g.db.WithContext(ctx).
		Where("(user_a = ? OR user_b = ?) AND status = ?", userID, userID, model.FriendshipActive).
		Find(&rows).Error
	if err != nil {
		g.logger.Warn("friend list query failed, returning empty",
			zap.Int64("user_id", userID), zap.Error(err))
		return nil
	}
	out := make([]int64, 0, len(rows))
	for _, f := range rows {
		if f.UserA == userID {
			out = append(out, f.UserB)
		} else {
			out = append(out, f.UserA)
		}
	}
	return out
}
