package models

import "time"

// Notification represents a role-targeted announcement broadcast to portal users.
type Notification struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Message         string     `json:"message"`
	TargetRoles     []UserRole `json:"target_roles"`
	AttachmentLinks []string   `json:"attachment_links"`
	SentBy          string     `json:"sent_by"`
	SentByName      string     `json:"sent_by_name"`
	CreatedAt       time.Time  `json:"created_at"`
	ReadBy          []string   `json:"read_by"`
}

// VisibleTo reports whether the notification targets the given role.
func (n Notification) VisibleTo(role UserRole) bool {
	for _, r := range n.TargetRoles {
		if r == role {
			return true
		}
	}
	return false
}

// ReadByUser reports whether the user already appears in the read receipts.
func (n Notification) ReadByUser(userID string) bool {
	for _, id := range n.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// NotificationView pairs a notification with its per-user read state.
type NotificationView struct {
	Notification
	IsRead bool `json:"is_read"`
}
