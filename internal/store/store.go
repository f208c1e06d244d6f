package store

import (
	"context"
	"time"

	"github.com/nhle/incidentwatch/internal/model"
)

// IncidentFilter controls filtering and pagination for snapshot queries.
// Results are always newest first.
type IncidentFilter struct {
	Status   *model.Status
	Severity *model.Severity
	Query    *string
	Limit    int
	Offset   int
}

// Store persists the last known incident list, new-incident
// notifications and the local upload history. It is a cache of server
// state, never a source of truth.
type Store interface {
	// === Incident snapshots ===

	UpsertIncidents(ctx context.Context, incidents []model.Incident, fetchedAt time.Time) error
	GetIncidents(ctx context.Context, filter IncidentFilter) ([]model.Incident, error)
	GetIncidentByID(ctx context.Context, id model.ID) (*model.Incident, error)
	KnownIncidentIDs(ctx context.Context) (map[model.ID]bool, error)
	LastFetchedAt(ctx context.Context) (time.Time, error)

	// === Notifications ===

	CreateNotification(ctx context.Context, n model.Notification) error
	GetUnreadNotifications(ctx context.Context) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error

	// === Upload history ===

	RecordUpload(ctx context.Context, u model.UploadRecord) error
	GetUploads(ctx context.Context, limit int) ([]model.UploadRecord, error)
}
