package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tomonet/server/model"
	"github.com/tomonet/server/realtime"
	"go.uber.org/zap"
)

// Unread returns the user's unread notifications, newest first.
func (d *Dispatcher) Unread(ctx context.Context, userID int64, limit, offset int) ([]model.FriendNotification, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := d.db.WithContext(ctx).Model(&model.FriendNotification{}).
		Where("user_id = ? AND is_read = ?", userID, false)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rows []model.FriendNotification
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// MarkRead marks one notification read. Only the owner may mark it, and only
// while it is unread. The owner's other live connections receive a read event
// so multi-device badges stay in sync.
func (d *Dispatcher) MarkRead(ctx context.Context, notifID, userID int64) bool {
	now := time.Now()
	res := d.db.WithContext(ctx).Model(&model.FriendNotification{}).
		Where("id = ? AND user_id = ? AND is_read = ?", notifID, userID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": now})
	if res.Error != nil {
		d.logger.Warn("mark read failed",
			zap.Int64("notification_id", notifID), zap.Error(res.Error))
		return false
	}
	if res.RowsAffected == 0 {
		return false
	}
	d.emitRead(userID, []int64{notifID})
	return true
}

// MarkAllRead marks every unread notification read and returns the count.
func (d *Dispatcher) MarkAllRead(ctx context.Context, userID int64) int64 {
	now := time.Now()
	res := d.db.WithContext(ctx).Model(&model.FriendNotification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": now})
	if res.Error != nil {
		d.logger.Warn("mark all read failed",
			zap.Int64("user_id", userID), zap.Error(res.Error))
		return 0
	}
	if res.RowsAffected > 0 {
		d.emitRead(userID, nil)
	}
	return res.RowsAffected
}

// Delete removes one notification owned by the user.
func (d *Dispatcher) Delete(ctx context.Context, notifID, userID int64) bool {
	res := d.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", notifID, userID).
		Delete(&model.FriendNotification{})
	return res.Error == nil && res.RowsAffected > 0
}

// BulkDelete removes the given notifications owned by the user and returns
// the number of rows removed.
func (d *Dispatcher) BulkDelete(ctx context.Context, userID int64, ids []int64) int64 {
	if len(ids) == 0 {
		return 0
	}
	res := d.db.WithContext(ctx).
		Where("user_id = ? AND id IN ?", userID, ids).
		Delete(&model.FriendNotification{})
	if res.Error != nil {
		d.logger.Warn("bulk delete failed",
			zap.Int64("user_id", userID), zap.Error(res.Error))
		return 0
	}
	return res.RowsAffected
}

// emitRead pushes a notification_read event to all of the user's connections.
// A nil ids slice means "all were marked read".
func (d *Dispatcher) emitRead(userID int64, ids []int64) {
	payload, err := json.Marshal(map[string]interface{}{"ids": ids})
	if err != nil {
		return
	}
	for _, c := range d.registry.ConnectionsFor(userID) {
		c.Send(&realtime.Packet{Type: "notification_read", Payload: payload})
	}
}
