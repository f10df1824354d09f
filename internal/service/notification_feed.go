package service

import (
	"sync"

	"go.uber.org/zap"

	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/models"
	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/store"
)

// NotificationSubscription is a live, role-scoped view of the notification
// collection. Each batch from the store replaces the local collection
// wholesale; consumers never observe a partially rebuilt state. When the
// active query tier starts failing the subscription moves down the ladder
// in place, so the caller's callback keeps firing without interruption.
type NotificationSubscription struct {
	querier *notificationQuerier
	role    models.UserRole
	metrics *MetricsService
	logger  *zap.Logger

	// mu serialises rebuilds, tier transitions and teardown. onUpdate runs
	// under mu, which is what makes Close synchronous: once Close returns
	// no callback is running or will run again.
	mu          sync.Mutex
	closed      bool
	tier        queryTier
	cancelStore store.Unsubscribe
	current     []models.Notification
	onUpdate    func([]models.Notification)
}

func newNotificationSubscription(querier *notificationQuerier, role models.UserRole, onUpdate func([]models.Notification), metrics *MetricsService, logger *zap.Logger) *NotificationSubscription {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotificationSubscription{
		querier:  querier,
		role:     role,
		metrics:  metrics,
		logger:   logger,
		tier:     tierIndexed,
		onUpdate: onUpdate,
	}
	s.subscribeCurrentTier()
	if metrics != nil {
		metrics.SubscriptionOpened()
	}
	return s
}

// subscribeCurrentTier walks the ladder from the current tier until a
// store subscription is established or the ladder is exhausted. Exhaustion
// delivers a final empty collection and leaves the stream down until the
// consumer resubscribes.
func (s *NotificationSubscription) subscribeCurrentTier() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		tier := s.tier
		s.mu.Unlock()

		if tier == tierExhausted {
			s.logger.Warn("all live notification tiers failed",
				zap.String("role", string(s.role)))
			s.rebuild(tier, nil)
			return
		}

		cancel, err := s.querier.store.Subscribe(
			s.querier.queryFor(tier, s.role),
			func(snaps []store.Snapshot) { s.rebuild(tier, snaps) },
			func(err error) { s.fallback(tier, err) },
		)
		if err == nil {
			s.mu.Lock()
			if s.closed || s.tier != tier {
				// The stream already failed and a re-entrant fallback
				// resubscribed at a lower tier (or Close ran). That path
				// owns the ladder and has stored its own handle; ours
				// belongs to a dead tier and must not replace it.
				s.mu.Unlock()
				cancel()
				return
			}
			s.cancelStore = cancel
			s.mu.Unlock()
			return
		}

		s.advance(tier, err)
	}
}

// rebuild replaces the local collection from a full snapshot batch.
func (s *NotificationSubscription) rebuild(tier queryTier, snaps []store.Snapshot) {
	rebuilt := s.querier.complete(tier, s.role, snaps)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.tier != tier {
		// Stale delivery from a tier that has already been abandoned.
		return
	}
	s.current = rebuilt
	if s.onUpdate != nil {
		s.onUpdate(rebuilt)
	}
}

// fallback reacts to a subscription-level error by resubscribing one tier
// down. The previous store subscription is dead at this point.
func (s *NotificationSubscription) fallback(tier queryTier, err error) {
	if !s.advance(tier, err) {
		return
	}

	s.mu.Lock()
	cancel := s.cancelStore
	s.cancelStore = nil
	s.mu.Unlock()
	if cancel != nil {
		// Release the failed subscription's resources outside our mutex;
		// its unsubscribe may block on an in-flight callback.
		go cancel()
	}

	s.subscribeCurrentTier()
}

// advance moves the ladder past the given tier. It reports false when the
// subscription is closed or the tier was already abandoned.
func (s *NotificationSubscription) advance(tier queryTier, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.tier != tier {
		return false
	}
	s.tier = tier.next()
	if s.metrics != nil {
		s.metrics.RecordQueryFallback(tier.String())
	}
	s.logger.Warn("live notification tier failed, falling back",
		zap.String("role", string(s.role)),
		zap.String("tier", tier.String()),
		zap.Error(err))
	return true
}

// Current returns the latest rebuilt collection. Must not be called from
// within the subscription's own onUpdate callback.
func (s *NotificationSubscription) Current() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Notification, len(s.current))
	copy(out, s.current)
	return out
}

// Close tears the subscription down. It is synchronous: when it returns,
// no further onUpdate invocation can occur.
func (s *NotificationSubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancelStore
	s.cancelStore = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s.metrics != nil {
		s.metrics.SubscriptionClosed()
	}
}
