package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/models"
)

const receiptWriteTimeout = 10 * time.Second

// SessionOptions configures a notification session.
type SessionOptions struct {
	// AutoMarkOnDisplay dispatches a read receipt for every notification
	// the first time it becomes visible in this session, mirroring the
	// dashboard behaviour of marking announcements read on render.
	AutoMarkOnDisplay bool
}

// NotificationSession owns the per-user live view for the lifetime of one
// connected client: the subscription feeding it, the derived read state,
// and the dispatched-receipt guard. Read state for a (notification, user)
// pair moves Unread -> Pending -> Read; receipts are applied optimistically
// and reconciled against the next authoritative rebuild, with a rollback to
// Unread only when the remote write itself fails.
type NotificationSession struct {
	svc      *NotificationService
	userID   string
	role     models.UserRole
	opts     SessionOptions
	onUpdate func([]models.NotificationView)
	logger   *zap.Logger

	mu      sync.Mutex
	closed  bool
	sub     *NotificationSubscription
	visible []models.NotificationView
	// dispatched guards against re-issuing a receipt for a notification
	// already marked in this session, even while the remote write is
	// still unconfirmed. Entries are dropped again only on write failure.
	dispatched map[string]struct{}
}

func newNotificationSession(svc *NotificationService, userID string, role models.UserRole, opts SessionOptions, onUpdate func([]models.NotificationView)) *NotificationSession {
	s := &NotificationSession{
		svc:        svc,
		userID:     userID,
		role:       role,
		opts:       opts,
		onUpdate:   onUpdate,
		logger:     svc.logger,
		dispatched: make(map[string]struct{}),
	}
	s.sub = svc.SubscribeVisible(role, s.handleRebuild)
	return s
}

// handleRebuild reconciles the authoritative collection with the session's
// optimistic read state and republishes the derived view.
func (s *NotificationSession) handleRebuild(notifications []models.Notification) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	views := make([]models.NotificationView, 0, len(notifications))
	var toDispatch []string
	for _, n := range notifications {
		confirmed := n.ReadByUser(s.userID)
		_, pending := s.dispatched[n.ID]
		if confirmed {
			// The remote write is reflected back; the pair is Read and
			// the guard entry is no longer needed.
			delete(s.dispatched, n.ID)
		}
		views = append(views, models.NotificationView{Notification: n, IsRead: confirmed || pending})
		if s.opts.AutoMarkOnDisplay && !confirmed && !pending {
			s.dispatched[n.ID] = struct{}{}
			toDispatch = append(toDispatch, n.ID)
		}
	}
	if s.opts.AutoMarkOnDisplay {
		for i := range views {
			views[i].IsRead = true
		}
	}
	s.visible = views
	s.publishLocked()
	s.mu.Unlock()

	for _, id := range toDispatch {
		go s.writeReceipt(id)
	}
}

// publishLocked pushes the current view to the consumer. Callers hold mu,
// which keeps updates strictly sequential. Because the callback runs under
// mu, it must not call back into the session (see NewSession).
func (s *NotificationSession) publishLocked() {
	if s.onUpdate == nil {
		return
	}
	out := make([]models.NotificationView, len(s.visible))
	copy(out, s.visible)
	s.onUpdate(out)
}

// MarkRead transitions one notification to Pending/Read for this session
// and dispatches the idempotent receipt write. Re-invocations for a pair
// already dispatched or confirmed are no-ops.
func (s *NotificationSession) MarkRead(notificationID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.dispatched[notificationID]; ok {
		s.mu.Unlock()
		return
	}
	var confirmed bool
	for i := range s.visible {
		if s.visible[i].ID == notificationID {
			confirmed = s.visible[i].Notification.ReadByUser(s.userID)
			s.visible[i].IsRead = true
		}
	}
	if confirmed {
		s.mu.Unlock()
		return
	}
	s.dispatched[notificationID] = struct{}{}
	s.publishLocked()
	s.mu.Unlock()

	go s.writeReceipt(notificationID)
}

// MarkAllRead marks every currently visible notification read, skipping
// pairs already in Read or Pending state.
func (s *NotificationSession) MarkAllRead() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var toDispatch []string
	for i := range s.visible {
		if s.visible[i].Notification.ReadByUser(s.userID) {
			continue
		}
		s.visible[i].IsRead = true
		if _, ok := s.dispatched[s.visible[i].ID]; ok {
			continue
		}
		s.dispatched[s.visible[i].ID] = struct{}{}
		toDispatch = append(toDispatch, s.visible[i].ID)
	}
	if len(toDispatch) > 0 {
		s.publishLocked()
	}
	s.mu.Unlock()

	for _, id := range toDispatch {
		go s.writeReceipt(id)
	}
}

// writeReceipt performs the remote receipt write. Failures roll the pair
// back to Unread and clear the guard entry so a later attempt can retry;
// they are never surfaced to the user.
func (s *NotificationSession) writeReceipt(notificationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), receiptWriteTimeout)
	defer cancel()

	err := s.svc.MarkRead(ctx, notificationID, s.userID)
	if err == nil {
		return
	}

	s.logger.Warn("read receipt write failed, rolling back",
		zap.String("notification_id", notificationID),
		zap.String("user_id", s.userID),
		zap.Error(err))
	if s.svc.metrics != nil {
		s.svc.metrics.RecordReceiptRollback()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	delete(s.dispatched, notificationID)
	for i := range s.visible {
		if s.visible[i].ID == notificationID {
			s.visible[i].IsRead = s.visible[i].Notification.ReadByUser(s.userID)
		}
	}
	s.publishLocked()
}

// Visible returns the current derived view.
func (s *NotificationSession) Visible() []models.NotificationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.NotificationView, len(s.visible))
	copy(out, s.visible)
	return out
}

// UnreadCount returns the number of visible notifications not yet in Read
// or optimistically-read state.
func (s *NotificationSession) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, v := range s.visible {
		if !v.IsRead {
			count++
		}
	}
	return count
}

// Close tears the session down synchronously. No callback fires after it
// returns, and late receipt-write completions cannot mutate session state.
func (s *NotificationSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}
