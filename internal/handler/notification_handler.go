package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/middleware"
	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/models"
	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/service"
	appErrors "github.com/HARSHITHR0107/capstone-management-automation-pu/pkg/errors"
	"github.com/HARSHITHR0107/capstone-management-automation-pu/pkg/response"
)

const streamHeartbeat = 30 * time.Second

type notificationService interface {
	GetVisible(ctx context.Context, role models.UserRole) []models.Notification
	AllSent(ctx context.Context) []models.Notification
	Send(ctx context.Context, req service.SendNotificationRequest) (*service.SendNotificationResult, error)
	MarkRead(ctx context.Context, notificationID, userID string) error
	MarkAllRead(ctx context.Context, userID string, role models.UserRole) int
	UnreadCount(ctx context.Context, userID string, role models.UserRole) int
	NewSession(userID string, role models.UserRole, opts service.SessionOptions, onUpdate func([]models.NotificationView)) *service.NotificationSession
}

// NotificationHandler wires the notification service to HTTP endpoints.
type NotificationHandler struct {
	service notificationService
}

// NewNotificationHandler constructs the handler.
func NewNotificationHandler(svc notificationService) *NotificationHandler {
	return &NotificationHandler{service: svc}
}

// List returns the notifications visible to the caller's role.
func (h *NotificationHandler) List(c *gin.Context) {
	claims := middleware.CurrentClaims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	notifications := h.service.GetVisible(c.Request.Context(), claims.Role)
	views := make([]models.NotificationView, 0, len(notifications))
	for _, n := range notifications {
		views = append(views, models.NotificationView{Notification: n, IsRead: n.ReadByUser(claims.UserID)})
	}
	response.JSON(c, http.StatusOK, views, nil)
}

// AllSent returns every sent notification for the admin dashboard.
func (h *NotificationHandler) AllSent(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.service.AllSent(c.Request.Context()), nil)
}

// Send validates and broadcasts a new notification.
func (h *NotificationHandler) Send(c *gin.Context) {
	claims := middleware.CurrentClaims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.SendNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request body"))
		return
	}
	req.SentBy = claims.UserID
	req.SentByName = claims.FullName

	result, err := h.service.Send(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !result.Success {
		response.JSON(c, http.StatusBadGateway, result, nil)
		return
	}
	response.Created(c, result)
}

// MarkRead records a read receipt for one notification.
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	claims := middleware.CurrentClaims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.MarkRead(c.Request.Context(), c.Param("id"), claims.UserID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// MarkAllRead records read receipts for every visible notification.
func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	claims := middleware.CurrentClaims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	marked := h.service.MarkAllRead(c.Request.Context(), claims.UserID, claims.Role)
	response.JSON(c, http.StatusOK, gin.H{"marked": marked}, nil)
}

// UnreadCount returns the caller's unread notification count.
func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	claims := middleware.CurrentClaims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	count := h.service.UnreadCount(c.Request.Context(), claims.UserID, claims.Role)
	response.JSON(c, http.StatusOK, gin.H{"unread": count}, nil)
}

// Stream serves the live notification view over server-sent events. The
// session (and its store subscription) lives exactly as long as the
// request; notifications are auto-marked read as they are delivered.
func (h *NotificationHandler) Stream(c *gin.Context) {
	claims := middleware.CurrentClaims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	updates := make(chan []models.NotificationView, 1)
	session := h.service.NewSession(claims.UserID, claims.Role,
		service.SessionOptions{AutoMarkOnDisplay: true},
		func(views []models.NotificationView) {
			// Keep only the newest snapshot when the client lags; every
			// batch is a full replacement, so older ones are worthless.
			select {
			case updates <- views:
			default:
				select {
				case <-updates:
				default:
				}
				updates <- views
			}
		})
	defer session.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case views := <-updates:
			c.SSEvent("notifications", views)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC())
			return true
		}
	})
}
