package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/incidentwatch/internal/model"
)

// ErrNotFound is returned when a snapshot row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// incidentRow is the storage shape of model.Incident.
type incidentRow struct {
	ID           string         `db:"id"`
	Title        string         `db:"title"`
	Description  string         `db:"description"`
	IncidentType sql.NullString `db:"incident_type"`
	SourceIP     sql.NullString `db:"source_ip"`
	TargetSystem sql.NullString `db:"target_system"`
	Severity     string         `db:"severity"`
	Status       string         `db:"status"`
	DetectedAt   sql.NullTime   `db:"detected_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    sql.NullTime   `db:"updated_at"`
	ResolvedAt   sql.NullTime   `db:"resolved_at"`
	FetchedAt    time.Time      `db:"fetched_at"`
}

func (r incidentRow) incident() model.Incident {
	return model.Incident{
		ID:           model.ID(r.ID),
		Title:        r.Title,
		Description:  r.Description,
		IncidentType: fromNullString(r.IncidentType),
		SourceIP:     fromNullString(r.SourceIP),
		TargetSystem: fromNullString(r.TargetSystem),
		Severity:     model.Severity(r.Severity),
		Status:       model.Status(r.Status),
		DetectedAt:   fromNullTime(r.DetectedAt),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    fromNullTime(r.UpdatedAt),
		ResolvedAt:   fromNullTime(r.ResolvedAt),
	}
}

// UpsertIncidents inserts or replaces a batch of incident snapshots.
// Records with an unknown status or severity are skipped.
func (s *SQLiteStore) UpsertIncidents(
	ctx context.Context,
	incidents []model.Incident,
	fetchedAt time.Time,
) error {
	if len(incidents) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT OR REPLACE INTO incidents (
			id, title, description,
			incident_type, source_ip, target_system,
			severity, status,
			detected_at, created_at, updated_at, resolved_at,
			fetched_at
		) VALUES (
			?, ?, ?,
			?, ?, ?,
			?, ?,
			?, ?, ?, ?,
			?
		)`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, inc := range incidents {
		if !inc.Status.Valid() || !inc.Severity.Valid() {
			continue
		}
		_, err = stmt.ExecContext(ctx,
			string(inc.ID), inc.Title, inc.Description,
			toNullString(inc.IncidentType), toNullString(inc.SourceIP), toNullString(inc.TargetSystem),
			string(inc.Severity), string(inc.Status),
			toNullTime(inc.DetectedAt), inc.CreatedAt.UTC(), toNullTime(inc.UpdatedAt), toNullTime(inc.ResolvedAt),
			fetchedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("upserting incident %s: %w", inc.ID, err)
		}
	}

	return tx.Commit()
}

// GetIncidents retrieves snapshots matching filter, newest first.
func (s *SQLiteStore) GetIncidents(
	ctx context.Context,
	filter IncidentFilter,
) ([]model.Incident, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Severity != nil {
		conditions = append(conditions, "severity = ?")
		args = append(args, string(*filter.Severity))
	}
	if filter.Query != nil && *filter.Query != "" {
		conditions = append(conditions, "(title LIKE ? OR description LIKE ?)")
		q := "%" + *filter.Query + "%"
		args = append(args, q, q)
	}

	query := "SELECT * FROM incidents"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	var rows []incidentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying incidents: %w", err)
	}

	incidents := make([]model.Incident, 0, len(rows))
	for _, r := range rows {
		incidents = append(incidents, r.incident())
	}
	return incidents, nil
}

// GetIncidentByID retrieves a single snapshot.
func (s *SQLiteStore) GetIncidentByID(
	ctx context.Context,
	id model.ID,
) (*model.Incident, error) {
	var row incidentRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM incidents WHERE id = ?", string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting incident %s: %w", id, err)
	}

	inc := row.incident()
	return &inc, nil
}

// KnownIncidentIDs returns the set of incident IDs ever stored.
func (s *SQLiteStore) KnownIncidentIDs(ctx context.Context) (map[model.ID]bool, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, "SELECT id FROM incidents"); err != nil {
		return nil, fmt.Errorf("querying incident ids: %w", err)
	}

	known := make(map[model.ID]bool, len(ids))
	for _, id := range ids {
		known[model.ID(id)] = true
	}
	return known, nil
}

// LastFetchedAt returns when the snapshot was last refreshed, or the
// zero time if it never was.
func (s *SQLiteStore) LastFetchedAt(ctx context.Context) (time.Time, error) {
	var last sql.NullTime
	// MAX() loses the column's declared type, so order and take the row.
	err := s.db.GetContext(ctx, &last,
		"SELECT fetched_at FROM incidents ORDER BY fetched_at DESC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading last fetch time: %w", err)
	}
	return last.Time, nil
}

// CreateNotification inserts a new notification record.
func (s *SQLiteStore) CreateNotification(
	ctx context.Context,
	n model.Notification,
) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, incident_id, severity, message, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.IncidentID), string(n.Severity), n.Message,
		boolToInt(n.Read), n.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("creating notification: %w", err)
	}

	return nil
}

// GetUnreadNotifications retrieves all notifications that have not been read,
// ordered by creation time descending.
func (s *SQLiteStore) GetUnreadNotifications(
	ctx context.Context,
) ([]model.Notification, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM notifications WHERE read = 0 ORDER BY created_at DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("querying unread notifications: %w", err)
	}
	defer rows.Close()

	var notifications []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// MarkNotificationRead marks a single notification as read.
func (s *SQLiteStore) MarkNotificationRead(
	ctx context.Context,
	id string,
) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET read = 1 WHERE id = ?", id,
	)
	if err != nil {
		return fmt.Errorf("marking notification %s as read: %w", id, err)
	}
	return nil
}

// MarkAllNotificationsRead acknowledges every notification.
func (s *SQLiteStore) MarkAllNotificationsRead(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE notifications SET read = 1 WHERE read = 0"); err != nil {
		return fmt.Errorf("marking notifications as read: %w", err)
	}
	return nil
}

// RecordUpload stores a finished upload in the local history.
func (s *SQLiteStore) RecordUpload(ctx context.Context, u model.UploadRecord) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Source == "" {
		u.Source = model.UploadSourceCLI
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO uploads (id, file, state, error, result, source, started_at, finished_at)
		VALUES (:id, :file, :state, :error, :result, :source, :started_at, :finished_at)`,
		u,
	)
	if err != nil {
		return fmt.Errorf("recording upload %s: %w", u.ID, err)
	}
	return nil
}

// GetUploads returns the most recent uploads first. limit <= 0 returns
// all of them.
func (s *SQLiteStore) GetUploads(ctx context.Context, limit int) ([]model.UploadRecord, error) {
	query := "SELECT * FROM uploads ORDER BY finished_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var uploads []model.UploadRecord
	if err := s.db.SelectContext(ctx, &uploads, query); err != nil {
		return nil, fmt.Errorf("querying uploads: %w", err)
	}
	return uploads, nil
}

// scanNotification scans a notification row from a sqlx.Rows result set.
func scanNotification(rows *sqlx.Rows) (model.Notification, error) {
	var (
		n          model.Notification
		incidentID string
		severity   string
		readInt    int
		createdAt  time.Time
	)

	err := rows.Scan(
		&n.ID, &incidentID, &severity, &n.Message,
		&readInt, &createdAt,
	)
	if err != nil {
		return model.Notification{}, fmt.Errorf("scanning notification row: %w", err)
	}

	n.IncidentID = model.ID(incidentID)
	n.Severity = model.Severity(severity)
	n.Read = readInt != 0
	n.CreatedAt = createdAt

	return n, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
