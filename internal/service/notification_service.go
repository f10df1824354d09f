package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/models"
	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/store"
	appErrors "github.com/HARSHITHR0107/capstone-management-automation-pu/pkg/errors"
)

// recipientCountCache is the slice of the cache repository the sender
// gateway needs for recipient counts.
type recipientCountCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}) error
}

// NotificationServiceConfig tunes fetch limits for the query ladder.
type NotificationServiceConfig struct {
	RoleFetchLimit  int
	AdminFetchLimit int
}

// NotificationService is the engine behind role-targeted announcements:
// sending, role-scoped delivery, live subscriptions and read tracking.
type NotificationService struct {
	store     store.Store
	querier   *notificationQuerier
	cache     recipientCountCache
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
}

// NewNotificationService constructs the service.
func NewNotificationService(st store.Store, cache recipientCountCache, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger, cfg NotificationServiceConfig) *NotificationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &NotificationService{
		store:     st,
		querier:   newNotificationQuerier(st, cfg.RoleFetchLimit, cfg.AdminFetchLimit, metrics, logger),
		cache:     cache,
		validator: validate,
		metrics:   metrics,
		logger:    logger,
	}
	svc.validator.RegisterValidation("role", func(fl validator.FieldLevel) bool {
		return models.ValidRole(models.UserRole(fl.Field().String()))
	})
	return svc
}

// SendNotificationRequest describes the send payload.
type SendNotificationRequest struct {
	Title           string            `json:"title" validate:"required"`
	Message         string            `json:"message" validate:"required"`
	TargetRoles     []models.UserRole `json:"target_roles" validate:"required,min=1,dive,role"`
	SentBy          string            `json:"sent_by" validate:"required"`
	SentByName      string            `json:"sent_by_name"`
	AttachmentLinks []string          `json:"attachment_links"`
}

// SendNotificationResult reports the outcome of a send. RecipientCount is
// operator feedback only, not a delivery guarantee.
type SendNotificationResult struct {
	Success        bool   `json:"success"`
	NotificationID string `json:"notification_id,omitempty"`
	RecipientCount int    `json:"recipient_count"`
	Error          string `json:"error,omitempty"`
}

// Send validates and persists a notification. Validation failures return
// an error and perform no write; store-level write failures come back as a
// non-fatal result with a human-readable reason.
func (s *NotificationService) Send(ctx context.Context, req SendNotificationRequest) (*SendNotificationResult, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.Message = strings.TrimSpace(req.Message)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid notification payload")
	}

	links := make([]string, 0, len(req.AttachmentLinks))
	for _, link := range req.AttachmentLinks {
		if trimmed := strings.TrimSpace(link); trimmed != "" {
			links = append(links, trimmed)
		}
	}

	doc := notificationDocument(models.Notification{
		Title:           req.Title,
		Message:         req.Message,
		TargetRoles:     req.TargetRoles,
		AttachmentLinks: links,
		SentBy:          req.SentBy,
		SentByName:      req.SentByName,
		ReadBy:          []string{},
	})

	id, err := s.store.Insert(ctx, notificationsCollection, doc)
	if err != nil {
		s.logger.Error("notification insert failed", zap.Error(err))
		return &SendNotificationResult{
			Success: false,
			Error:   fmt.Sprintf("failed to send notification: %v", err),
		}, nil
	}

	if s.metrics != nil {
		s.metrics.RecordNotificationSent()
	}

	count := s.recipientCount(ctx, req.TargetRoles)
	s.logger.Info("notification sent",
		zap.String("notification_id", id),
		zap.Int("recipient_count", count))

	return &SendNotificationResult{Success: true, NotificationID: id, RecipientCount: count}, nil
}

// recipientCount reports how many registered users match the target roles.
// Counts are cached briefly; lookup failures degrade to zero.
func (s *NotificationService) recipientCount(ctx context.Context, roles []models.UserRole) int {
	values := make([]string, 0, len(roles))
	for _, r := range roles {
		values = append(values, string(r))
	}
	sort.Strings(values)
	cacheKey := "notifications:recipients:" + strings.Join(values, ",")

	if s.cache != nil {
		var cached int
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			if s.metrics != nil {
				s.metrics.RecordRecipientCacheHit(true)
			}
			return cached
		}
		if s.metrics != nil {
			s.metrics.RecordRecipientCacheHit(false)
		}
	}

	snaps, err := s.store.Query(ctx, store.Query{
		Collection: usersCollection,
		Filters:    []store.Filter{{Field: "role", Op: store.OpIn, Value: values}},
	})
	if err != nil {
		s.logger.Warn("recipient count query failed", zap.Error(err))
		return 0
	}

	count := len(snaps)
	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, count); err != nil {
			s.logger.Warn("recipient count cache write failed", zap.Error(err))
		}
	}
	return count
}

// GetVisible returns the notifications a role may see, newest first. The
// fallback ladder guarantees a result; total exhaustion yields an empty
// slice rather than an error.
func (s *NotificationService) GetVisible(ctx context.Context, role models.UserRole) []models.Notification {
	return s.querier.FetchVisible(ctx, role)
}

// AllSent returns the administrative view of every sent notification.
func (s *NotificationService) AllSent(ctx context.Context) []models.Notification {
	return s.querier.FetchAllSent(ctx)
}

// SubscribeVisible establishes a live role-scoped view. The returned
// subscription must be closed when the owning session ends.
func (s *NotificationService) SubscribeVisible(role models.UserRole, onUpdate func([]models.Notification)) *NotificationSubscription {
	return newNotificationSubscription(s.querier, role, onUpdate, s.metrics, s.logger)
}

// NewSession builds the per-user session combining the live view with
// read tracking. onUpdate runs with the session's internal state held and
// must not call back into the session (Visible, UnreadCount, MarkRead);
// consume the delivered slice or hand it off instead.
func (s *NotificationService) NewSession(userID string, role models.UserRole, opts SessionOptions, onUpdate func([]models.NotificationView)) *NotificationSession {
	return newNotificationSession(s, userID, role, opts, onUpdate)
}

// MarkRead appends the user to the notification's read receipts. The write
// uses add-if-absent semantics, so repeated invocations for the same pair
// never duplicate the entry.
func (s *NotificationService) MarkRead(ctx context.Context, notificationID, userID string) error {
	err := s.store.MergeUpdate(ctx, notificationsCollection, notificationID,
		[]store.Update{store.ArrayUnion("readBy", userID)})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return appErrors.Clone(appErrors.ErrNotFound, "notification not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark notification as read")
	}
	if s.metrics != nil {
		s.metrics.RecordReceiptWritten()
	}
	return nil
}

// MarkAllRead marks every notification visible to the role as read by the
// user and reports how many receipts were written. Individual receipt
// failures are logged and skipped, never surfaced; pairs already read are
// no-ops.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string, role models.UserRole) int {
	marked := 0
	for _, n := range s.querier.FetchVisible(ctx, role) {
		if n.ReadByUser(userID) {
			continue
		}
		if err := s.MarkRead(ctx, n.ID, userID); err != nil {
			s.logger.Warn("mark-all receipt failed",
				zap.String("notification_id", n.ID),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		marked++
	}
	return marked
}

// UnreadCount counts the visible notifications the user has not read.
func (s *NotificationService) UnreadCount(ctx context.Context, userID string, role models.UserRole) int {
	count := 0
	for _, n := range s.querier.FetchVisible(ctx, role) {
		if !n.ReadByUser(userID) {
			count++
		}
	}
	return count
}
