package service

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/models"
	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/store"
)

const (
	notificationsCollection = "globalNotifications"
	usersCollection         = "users"

	defaultRoleFetchLimit  = 50
	defaultAdminFetchLimit = 100
)

// queryTier identifies one rung of the fallback ladder. Tiers are tried in
// order; each next tier asks less of the store and does more client-side.
type queryTier int

const (
	tierIndexed queryTier = iota
	tierFiltered
	tierUnfiltered
	tierExhausted
)

func (t queryTier) next() queryTier {
	if t >= tierExhausted {
		return tierExhausted
	}
	return t + 1
}

func (t queryTier) String() string {
	switch t {
	case tierIndexed:
		return "indexed"
	case tierFiltered:
		return "filtered"
	case tierUnfiltered:
		return "unfiltered"
	default:
		return "exhausted"
	}
}

// notificationQuerier owns the query formulations for notification reads
// and the client-side completion each tier requires. Callers never learn
// which tier served them; they only ever see a role-filtered collection
// sorted by creation time descending.
type notificationQuerier struct {
	store      store.Store
	roleLimit  int
	adminLimit int
	metrics    *MetricsService
	logger     *zap.Logger
}

func newNotificationQuerier(st store.Store, roleLimit, adminLimit int, metrics *MetricsService, logger *zap.Logger) *notificationQuerier {
	if roleLimit <= 0 {
		roleLimit = defaultRoleFetchLimit
	}
	if adminLimit <= 0 {
		adminLimit = defaultAdminFetchLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &notificationQuerier{
		store:      st,
		roleLimit:  roleLimit,
		adminLimit: adminLimit,
		metrics:    metrics,
		logger:     logger,
	}
}

// queryFor builds the store query for one tier.
func (q *notificationQuerier) queryFor(tier queryTier, role models.UserRole) store.Query {
	switch tier {
	case tierIndexed:
		return store.Query{
			Collection: notificationsCollection,
			Filters:    []store.Filter{{Field: "targetRoles", Op: store.OpArrayContains, Value: string(role)}},
			Sort:       &store.Sort{Field: "createdAt", Descending: true},
			Limit:      q.roleLimit,
		}
	case tierFiltered:
		return store.Query{
			Collection: notificationsCollection,
			Filters:    []store.Filter{{Field: "targetRoles", Op: store.OpArrayContains, Value: string(role)}},
			Limit:      q.roleLimit,
		}
	default:
		return store.Query{
			Collection: notificationsCollection,
			Limit:      q.adminLimit,
		}
	}
}

// complete performs whatever filtering and sorting the tier's store query
// did not: the unfiltered tier filters by role client-side, and every tier
// below indexed sorts client-side.
func (q *notificationQuerier) complete(tier queryTier, role models.UserRole, snaps []store.Snapshot) []models.Notification {
	notifications := make([]models.Notification, 0, len(snaps))
	for _, snap := range snaps {
		n := notificationFromSnapshot(snap)
		if tier == tierUnfiltered && !n.VisibleTo(role) {
			continue
		}
		notifications = append(notifications, n)
	}
	if tier != tierIndexed {
		sortByCreatedAtDesc(notifications)
	}
	return notifications
}

// FetchVisible runs the ladder for a one-shot role-scoped read. Exhaustion
// degrades to an empty set; no error ever reaches the caller.
func (q *notificationQuerier) FetchVisible(ctx context.Context, role models.UserRole) []models.Notification {
	for tier := tierIndexed; tier != tierExhausted; tier = tier.next() {
		snaps, err := q.store.Query(ctx, q.queryFor(tier, role))
		if err != nil {
			q.recordFallback(tier, err)
			continue
		}
		return q.complete(tier, role, snaps)
	}
	q.logger.Warn("all notification query tiers failed", zap.String("role", string(role)))
	return []models.Notification{}
}

// FetchAllSent returns the administrative view of every sent notification,
// newest first. It degrades from a store-side sort to a client-side sort.
func (q *notificationQuerier) FetchAllSent(ctx context.Context) []models.Notification {
	sorted := store.Query{
		Collection: notificationsCollection,
		Sort:       &store.Sort{Field: "createdAt", Descending: true},
		Limit:      q.adminLimit,
	}
	snaps, err := q.store.Query(ctx, sorted)
	if err == nil {
		return decodeSnapshots(snaps)
	}
	q.recordFallback(tierIndexed, err)

	snaps, err = q.store.Query(ctx, store.Query{Collection: notificationsCollection, Limit: q.adminLimit})
	if err != nil {
		q.recordFallback(tierFiltered, err)
		q.logger.Warn("all sent-notification query tiers failed", zap.Error(err))
		return []models.Notification{}
	}
	notifications := decodeSnapshots(snaps)
	sortByCreatedAtDesc(notifications)
	return notifications
}

func (q *notificationQuerier) recordFallback(from queryTier, err error) {
	if q.metrics != nil {
		q.metrics.RecordQueryFallback(from.String())
	}
	q.logger.Warn("notification query tier failed, falling back",
		zap.String("tier", from.String()), zap.Error(err))
}

func decodeSnapshots(snaps []store.Snapshot) []models.Notification {
	notifications := make([]models.Notification, 0, len(snaps))
	for _, snap := range snaps {
		notifications = append(notifications, notificationFromSnapshot(snap))
	}
	return notifications
}

func sortByCreatedAtDesc(notifications []models.Notification) {
	sort.SliceStable(notifications, func(i, j int) bool {
		return notifications[i].CreatedAt.After(notifications[j].CreatedAt)
	})
}

// notificationFromSnapshot decodes a store document leniently, defaulting
// malformed or missing fields instead of rejecting the record.
func notificationFromSnapshot(snap store.Snapshot) models.Notification {
	n := models.Notification{
		ID:              snap.ID,
		Title:           docString(snap.Data, "title"),
		Message:         docString(snap.Data, "message"),
		SentBy:          docString(snap.Data, "sentBy"),
		SentByName:      docString(snap.Data, "sentByName"),
		CreatedAt:       docTime(snap.Data, "createdAt"),
		AttachmentLinks: docStrings(snap.Data, "attachmentLinks"),
		ReadBy:          docStrings(snap.Data, "readBy"),
	}
	if n.SentByName == "" {
		n.SentByName = "Admin"
	}
	for _, role := range docStrings(snap.Data, "targetRoles") {
		n.TargetRoles = append(n.TargetRoles, models.UserRole(role))
	}
	return n
}

func notificationDocument(n models.Notification) store.Document {
	roles := make([]string, 0, len(n.TargetRoles))
	for _, r := range n.TargetRoles {
		roles = append(roles, string(r))
	}
	return store.Document{
		"title":           n.Title,
		"message":         n.Message,
		"targetRoles":     roles,
		"attachmentLinks": n.AttachmentLinks,
		"sentBy":          n.SentBy,
		"sentByName":      n.SentByName,
		"readBy":          n.ReadBy,
		"createdAt":       store.ServerTimestamp,
	}
}

func docString(d store.Document, field string) string {
	if v, ok := d[field].(string); ok {
		return v
	}
	return ""
}

func docStrings(d store.Document, field string) []string {
	switch v := d[field].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func docTime(d store.Document, field string) time.Time {
	switch v := d[field].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
		// Postgres renders timestamptz inside JSON with a space separator.
		if t, err := time.Parse("2006-01-02 15:04:05.999999999-07", v); err == nil {
			return t
		}
	}
	return time.Time{}
}
