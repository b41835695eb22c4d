package social

import (
	"context"
	"errors"
	"time"

	"github.com/tomonet/server/feed"
	"github.com/tomonet/server/model"
	"github.com/tomonet/server/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultRequestTTL is how long a friend request stays pending before the
// expiry sweep retires it.
const DefaultRequestTTL = 7 * 24 * time.Hour

const (
	maxMessageLen = 500
	maxReasonLen  = 100
)

// Service owns every friend-graph mutation. Multi-row mutations (accept,
// block, remove) run in a transaction with their notifications, so a
// friendship row is never visible without its paired notification.
type Service struct {
	db         *gorm.DB
	graph      *Graph
	dispatcher *notify.Dispatcher
	feed       *feed.Aggregator
	logger     *zap.Logger

	// RequestTTL is the pending-request lifetime. Defaults to DefaultRequestTTL.
	RequestTTL time.Duration
}

// FriendInfo is one entry of a friend list.
type FriendInfo struct {
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	FriendsAt time.Time `json:"friends_at"`
}

// RequestInfo is one entry of a sent or received request list.
type RequestInfo struct {
	ID        int64     `json:"id"`
	SenderID  int64     `json:"sender_id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BlockInfo is one entry of a block list.
type BlockInfo struct {
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Reason    string    `json:"reason,omitempty"`
	BlockedAt time.Time `json:"blocked_at"`
}

// NewService creates a Service.
func NewService(db *gorm.DB, graph *Graph, dispatcher *notify.Dispatcher, fd *feed.Aggregator, logger *zap.Logger) *Service {
	return &Service{
		db:         db,
		graph:      graph,
		dispatcher: dispatcher,
		feed:       fd,
		logger:     logger,
		RequestTTL: DefaultRequestTTL,
	}
}

// Graph exposes the read-side queries.
func (s *Service) Graph() *Graph { return s.graph }

// SendRequest creates a pending friend request from sender to receiver.
// When the receiver already has a pending request toward the sender, the
// crossed pair auto-accepts instead of creating a mirror request.
func (s *Service) SendRequest(ctx context.Context, senderID, receiverID int64, message string) (*model.FriendRequest, error) {
	if senderID == receiverID {
		return nil, ErrSelfTarget
	}
	if len(message) > maxMessageLen {
		return nil, ErrMessageTooLong
	}
	if !s.graph.CanInteract(ctx, senderID, receiverID) {
		return nil, ErrBlocked
	}
	if s.graph.AreFriends(ctx, senderID, receiverID) {
		return nil, ErrAlreadyFriends
	}

	var receiver model.User
	if err := s.db.WithContext(ctx).First(&receiver, receiverID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	now := time.Now()

	// Crossed requests: the receiver already asked us. Accept theirs.
	var crossed model.FriendRequest
	err := s.db.WithContext(ctx).
		Where("sender_id = ? AND receiver_id = ? AND status = ?", receiverID, senderID, model.RequestPending).
		First(&crossed).Error
	if err == nil && !crossed.Expired(now) {
		if err := s.Accept(ctx, crossed.ID, senderID); err != nil {
			return nil, err
		}
		crossed.Status = model.RequestAccepted
		return &crossed, nil
	}

	var pending model.FriendRequest
	err = s.db.WithContext(ctx).
		Where("sender_id = ? AND receiver_id = ? AND status = ?", senderID, receiverID, model.RequestPending).
		First(&pending).Error
	if err == nil {
		if !pending.Expired(now) {
			return nil, ErrRequestPending
		}
		// Lazily retire the stale row so the new request can proceed.
		s.db.WithContext(ctx).Model(&pending).Update("status", model.RequestExpired)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	req := &model.FriendRequest{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Status:     model.RequestPending,
		Message:    message,
		ExpiresAt:  now.Add(s.RequestTTL),
	}
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		return nil, err
	}

	if _, err := s.dispatcher.Notify(ctx, receiverID, &model.FriendNotification{
		SenderID: &senderID,
		Type:     model.NotifFriendRequest,
		Message:  message,
		Data:     notify.Payload(map[string]interface{}{"request_id": req.ID}),
	}); err != nil {
		s.logger.Warn("friend request notify failed",
			zap.Int64("request_id", req.ID), zap.Error(err))
	}
	return req, nil
}

// Accept turns a pending request into a friendship. Only the receiver may
// accept. The request update, friendship row and both notifications commit
// together.
func (s *Service) Accept(ctx context.Context, requestID, receiverID int64) error {
	var req model.FriendRequest
	if err := s.db.WithContext(ctx).First(&req, requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if req.ReceiverID != receiverID || req.Status != model.RequestPending {
		return ErrNotFound
	}
	if req.Expired(time.Now()) {
		s.db.WithContext(ctx).Model(&req).Update("status", model.RequestExpired)
		return ErrExpired
	}
	if !s.graph.CanInteract(ctx, req.SenderID, req.ReceiverID) {
		return ErrBlocked
	}

	ua, ub := model.OrderPair(req.SenderID, req.ReceiverID)
	var toSender, toReceiver *model.FriendNotification

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.FriendRequest{}).
			Where("id = ? AND status = ?", req.ID, model.RequestPending).
			Update("status", model.RequestAccepted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		if err := tx.Create(&model.Friendship{
			UserA:  ua,
			UserB:  ub,
			Status: model.FriendshipActive,
		}).Error; err != nil {
			return err
		}

		toSender = &model.FriendNotification{
			UserID:   req.SenderID,
			SenderID: &req.ReceiverID,
			Type:     model.NotifFriendAccepted,
			Message:  "accepted your friend request",
		}
		if _, err := s.dispatcher.PersistTx(ctx, tx, toSender); err != nil {
			return err
		}
		toReceiver = &model.FriendNotification{
			UserID:   req.ReceiverID,
			SenderID: &req.SenderID,
			Type:     model.NotifFriendAccepted,
			Message:  "you are now friends",
		}
		if _, err := s.dispatcher.PersistTx(ctx, tx, toReceiver); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Live push only after the transaction committed.
	if toSender.ID != 0 {
		s.dispatcher.PushLive(ctx, toSender)
	}
	if toReceiver.ID != 0 {
		s.dispatcher.PushLive(ctx, toReceiver)
	}

	if s.feed != nil {
		for _, actor := range []int64{req.SenderID, req.ReceiverID} {
			if _, err := s.feed.Record(ctx, actor, model.ActivityFriendAdded, map[string]interface{}{
				"friend_a": req.SenderID, "friend_b": req.ReceiverID,
			}); err != nil {
				s.logger.Warn("friend added feed record failed",
					zap.Int64("actor_id", actor), zap.Error(err))
			}
		}
	}
	return nil
}

// Decline marks a pending request declined. Only the receiver may decline.
// The sender is not notified.
func (s *Service) Decline(ctx context.Context, requestID, receiverID int64) error {
	return s.closeRequest(ctx, requestID, receiverID, "receiver_id", model.RequestDeclined)
}

// Cancel withdraws a pending request. Only the sender may cancel.
func (s *Service) Cancel(ctx context.Context, requestID, senderID int64) error {
	return s.closeRequest(ctx, requestID, senderID, "sender_id", model.RequestCancelled)
}

func (s *Service) closeRequest(ctx context.Context, requestID, userID int64, roleColumn, status string) error {
	res := s.db.WithContext(ctx).Model(&model.FriendRequest{}).
		Where("id = ? AND "+roleColumn+" = ? AND status = ?", requestID, userID, model.RequestPending).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireSweep retires pending requests past their expiry. Returns the number
// of rows retired. Run periodically by the scheduler.
func (s *Service) ExpireSweep(ctx context.Context) int64 {
	res := s.db.WithContext(ctx).Model(&model.FriendRequest{}).
		Where("status = ? AND expires_at < ?", model.RequestPending, time.Now()).
		Update("status", model.RequestExpired)
	if res.Error != nil {
		s.logger.Warn("request expiry sweep failed", zap.Error(res.Error))
		return 0
	}
	if res.RowsAffected > 0 {
		s.logger.Info("expired stale friend requests", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected
}

// RemoveFriend dissolves the friendship and scrubs its history: the request
// rows between the pair and the notifications they sent each other. The
// removed side gets a friend_removed notification.
func (s *Service) RemoveFriend(ctx context.Context, userID, friendID int64) error {
	if userID == friendID {
		return ErrSelfTarget
	}
	ua, ub := model.OrderPair(userID, friendID)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("user_a = ? AND user_b = ?", ua, ub).Delete(&model.Friendship{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFriends
		}
		if err := tx.Where(
			"(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
			userID, friendID, friendID, userID,
		).Delete(&model.FriendRequest{}).Error; err != nil {
			return err
		}
		return tx.Where(
			"(user_id = ? AND sender_id = ?) OR (user_id = ? AND sender_id = ?)",
			userID, friendID, friendID, userID,
		).Delete(&model.FriendNotification{}).Error
	})
	if err != nil {
		return err
	}

	if _, err := s.dispatcher.Notify(ctx, friendID, &model.FriendNotification{
		SenderID: &userID,
		Type:     model.NotifFriendRemoved,
		Message:  "removed you as a friend",
	}); err != nil {
		s.logger.Warn("friend removed notify failed",
			zap.Int64("friend_id", friendID), zap.Error(err))
	}
	return nil
}

// Block records a directional block and severs the relationship: the
// friendship is deleted, pending requests between the pair are cancelled,
// and notifications between the pair are removed, all in one transaction.
func (s *Service) Block(ctx context.Context, blockerID, blockedID int64, reason string) error {
	if blockerID == blockedID {
		return ErrSelfTarget
	}
	if len(reason) > maxReasonLen {
		return ErrReasonTooLong
	}
	if s.graph.IsBlocked(ctx, blockerID, blockedID) {
		return ErrAlreadyBlocked
	}

	var target model.User
	if err := s.db.WithContext(ctx).First(&target, blockedID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}

	ua, ub := model.OrderPair(blockerID, blockedID)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model.BlockedUser{
			BlockerID: blockerID,
			BlockedID: blockedID,
			Reason:    reason,
		}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_a = ? AND user_b = ?", ua, ub).
			Delete(&model.Friendship{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.FriendRequest{}).
			Where("((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)) AND status = ?",
				blockerID, blockedID, blockedID, blockerID, model.RequestPending).
			Update("status", model.RequestCancelled).Error; err != nil {
			return err
		}
		return tx.Where(
			"(user_id = ? AND sender_id = ?) OR (user_id = ? AND sender_id = ?)",
			blockerID, blockedID, blockedID, blockerID,
		).Delete(&model.FriendNotification{}).Error
	})
	if err != nil {
		return err
	}

	// user_blocked is disabled by default; only users who opted in see it.
	if _, err := s.dispatcher.Notify(ctx, blockedID, &model.FriendNotification{
		Type:    model.NotifUserBlocked,
		Message: "a user has blocked you",
	}); err != nil {
		s.logger.Warn("block notify failed", zap.Int64("blocked_id", blockedID), zap.Error(err))
	}
	return nil
}

// Unblock removes the caller's block against the target. Unblocking does not
// restore the friendship.
func (s *Service) Unblock(ctx context.Context, blockerID, blockedID int64) error {
	res := s.db.WithContext(ctx).
		Where("blocker_id = ? AND blocked_id = ?", blockerID, blockedID).
		Delete(&model.BlockedUser{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFriends returns the user's friends with pagination.
func (s *Service) ListFriends(ctx context.Context, userID int64, limit, offset int) ([]FriendInfo, int64, error) {
	limit = clampLimit(limit)
	q := s.db.WithContext(ctx).Model(&model.Friendship{}).
		Where("(user_a = ? OR user_b = ?) AND friendships.status = ?", userID, userID, model.FriendshipActive)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var out []FriendInfo
	err := q.
		Select("CASE WHEN friendships.user_a = ? THEN friendships.user_b ELSE friendships.user_a END AS user_id, users.username, users.full_name, friendships.created_at AS friends_at", userID).
		Joins("JOIN users ON users.id = CASE WHEN friendships.user_a = ? THEN friendships.user_b ELSE friendships.user_a END", userID).
		Order("friendships.created_at DESC").
		Limit(limit).Offset(offset).
		Scan(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ListReceived returns the pending requests addressed to the user. Expired
// rows are filtered out lazily and retired in the background.
func (s *Service) ListReceived(ctx context.Context, userID int64, limit, offset int) ([]RequestInfo, int64, error) {
	return s.listRequests(ctx, "receiver_id", userID, limit, offset)
}

// ListSent returns the user's own pending requests.
func (s *Service) ListSent(ctx context.Context, userID int64, limit, offset int) ([]RequestInfo, int64, error) {
	return s.listRequests(ctx, "sender_id", userID, limit, offset)
}

func (s *Service) listRequests(ctx context.Context, roleColumn string, userID int64, limit, offset int) ([]RequestInfo, int64, error) {
	limit = clampLimit(limit)
	now := time.Now()
	q := s.db.WithContext(ctx).Model(&model.FriendRequest{}).
		Where("friend_requests."+roleColumn+" = ? AND friend_requests.status = ? AND friend_requests.expires_at > ?",
			userID, model.RequestPending, now)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var out []RequestInfo
	err := q.
		Select("friend_requests.id, friend_requests.sender_id, senders.username AS sender, receivers.username AS receiver, friend_requests.message, friend_requests.created_at, friend_requests.expires_at").
		Joins("JOIN users senders ON senders.id = friend_requests.sender_id").
		Joins("JOIN users receivers ON receivers.id = friend_requests.receiver_id").
		Order("friend_requests.created_at DESC").
		Limit(limit).Offset(offset).
		Scan(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ListBlocked returns the users the caller has blocked.
func (s *Service) ListBlocked(ctx context.Context, userID int64, limit, offset int) ([]BlockInfo, int64, error) {
	limit = clampLimit(limit)
	q := s.db.WithContext(ctx).Model(&model.BlockedUser{}).
		Where("blocked_users.blocker_id = ?", userID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var out []BlockInfo
	err := q.
		Select("blocked_users.blocked_id AS user_id, users.username, blocked_users.reason, blocked_users.created_at AS blocked_at").
		Joins("JOIN users ON users.id = blocked_users.blocked_id").
		Order("blocked_users.created_at DESC").
		Limit(limit).Offset(offset).
		Scan(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 50
	}
	return limit
}
