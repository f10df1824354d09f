package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/models"
	appErrors "github.com/HARSHITHR0107/capstone-management-automation-pu/pkg/errors"
)

func TestSendPersistsNotification(t *testing.T) {
	m := newMemoryStore()
	svc := newTestService(m)

	result, err := svc.Send(context.Background(), SendNotificationRequest{
		Title:       "  Exam schedule  ",
		Message:     "Finals start Monday.",
		TargetRoles: []models.UserRole{models.RoleStudent},
		SentBy:      "admin-1",
		SentByName:  "Dean's Office",
		AttachmentLinks: []string{
			"  https://portal.example.edu/schedule.pdf  ",
			"   ",
		},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.NotEmpty(t, result.NotificationID)

	visible := svc.GetVisible(context.Background(), models.RoleStudent)
	require.Len(t, visible, 1)
	assert.Equal(t, "Exam schedule", visible[0].Title)
	assert.Equal(t, "Dean's Office", visible[0].SentByName)
	assert.Equal(t, []string{"https://portal.example.edu/schedule.pdf"}, visible[0].AttachmentLinks)
	assert.Empty(t, visible[0].ReadBy)
	assert.False(t, visible[0].CreatedAt.IsZero())
}

func TestSendRejectsEmptyTargetRoles(t *testing.T) {
	m := newMemoryStore()
	svc := newTestService(m)

	result, err := svc.Send(context.Background(), SendNotificationRequest{
		Title:       "No audience",
		Message:     "This should never persist.",
		TargetRoles: []models.UserRole{},
		SentBy:      "admin-1",
	})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	assert.Equal(t, 0, m.insertCalls)
}

func TestSendRejectsUnknownRole(t *testing.T) {
	m := newMemoryStore()
	svc := newTestService(m)

	_, err := svc.Send(context.Background(), SendNotificationRequest{
		Title:       "Bad audience",
		Message:     "Role outside the closed set.",
		TargetRoles: []models.UserRole{"parent"},
		SentBy:      "admin-1",
	})
	require.Error(t, err)
	assert.Equal(t, 0, m.insertCalls)
}

func TestSendStoreFailureIsNonFatal(t *testing.T) {
	m := newMemoryStore()
	m.insertErr = errors.New("connection reset")
	svc := newTestService(m)

	result, err := svc.Send(context.Background(), SendNotificationRequest{
		Title:       "Doomed",
		Message:     "The store is down.",
		TargetRoles: []models.UserRole{models.RoleStudent},
		SentBy:      "admin-1",
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "failed to send notification")
	assert.Empty(t, result.NotificationID)
}

func TestSendReportsRecipientCount(t *testing.T) {
	m := newMemoryStore()
	seedUser(m, "Asha", models.RoleStudent)
	seedUser(m, "Ben", models.RoleStudent)
	seedUser(m, "Chitra", models.RoleFaculty)
	seedUser(m, "Dev", models.RoleAdmin)
	cache := newStubCache()
	svc := NewNotificationService(m, cache, nil, nil, zap.NewNop(), NotificationServiceConfig{})

	result, err := svc.Send(context.Background(), SendNotificationRequest{
		Title:       "Joint announcement",
		Message:     "For students and faculty.",
		TargetRoles: []models.UserRole{models.RoleFaculty, models.RoleStudent},
		SentBy:      "admin-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.RecipientCount)

	// The count is cached under the sorted role key.
	result, err = svc.Send(context.Background(), SendNotificationRequest{
		Title:       "Second announcement",
		Message:     "Same audience.",
		TargetRoles: []models.UserRole{models.RoleStudent, models.RoleFaculty},
		SentBy:      "admin-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.RecipientCount)
	assert.Equal(t, 1, cache.hits)
}

func TestSendDegradesRecipientCountOnLookupFailure(t *testing.T) {
	m := newMemoryStore()
	seedUser(m, "Asha", models.RoleStudent)
	svc := newTestService(m)

	m.failFiltered = true
	result, err := svc.Send(context.Background(), SendNotificationRequest{
		Title:       "Counted as zero",
		Message:     "The users collection is unreachable.",
		TargetRoles: []models.UserRole{models.RoleStudent},
		SentBy:      "admin-1",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.RecipientCount)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	m := newMemoryStore()
	id := seedNotification(m, "announcement", []models.UserRole{models.RoleStudent})
	svc := newTestService(m)

	require.NoError(t, svc.MarkRead(context.Background(), id, "user-1"))
	require.NoError(t, svc.MarkRead(context.Background(), id, "user-1"))

	assert.Equal(t, []string{"user-1"}, m.readBy(notificationsCollection, id))
}

func TestMarkReadUnknownNotification(t *testing.T) {
	m := newMemoryStore()
	svc := newTestService(m)

	err := svc.MarkRead(context.Background(), "missing", "user-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestMarkAllReadCountsNewReceipts(t *testing.T) {
	m := newMemoryStore()
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		seedNotification(m, title, []models.UserRole{models.RoleStudent})
	}
	seedNotification(m, "seen 1", []models.UserRole{models.RoleStudent}, "user-1")
	seedNotification(m, "seen 2", []models.UserRole{models.RoleStudent}, "user-1")
	svc := newTestService(m)

	marked := svc.MarkAllRead(context.Background(), "user-1", models.RoleStudent)
	assert.Equal(t, 5, marked)
	assert.Equal(t, 0, svc.UnreadCount(context.Background(), "user-1", models.RoleStudent))
}

func TestUnreadCount(t *testing.T) {
	m := newMemoryStore()
	seedNotification(m, "unseen", []models.UserRole{models.RoleStudent})
	seedNotification(m, "seen", []models.UserRole{models.RoleStudent}, "user-1")
	seedNotification(m, "not mine", []models.UserRole{models.RoleFaculty})
	svc := newTestService(m)

	assert.Equal(t, 1, svc.UnreadCount(context.Background(), "user-1", models.RoleStudent))
	assert.Equal(t, 2, svc.UnreadCount(context.Background(), "user-2", models.RoleStudent))
}
