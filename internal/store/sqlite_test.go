package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nhle/incidentwatch/internal/model"
	"github.com/nhle/incidentwatch/internal/store"
	"github.com/nhle/incidentwatch/tests/testutil"
)

var base = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func sampleIncidents() []model.Incident {
	resolved := base.Add(3 * time.Hour)
	return []model.Incident{
		{
			ID: "1", Title: "SSH brute force", Description: "many failed logins",
			SourceIP: strPtr("10.0.0.7"), Severity: model.SeverityHigh,
			Status: model.StatusOpen, CreatedAt: base,
		},
		{
			ID: "2", Title: "Ransomware note", Severity: model.SeverityCritical,
			Status: model.StatusResolved, CreatedAt: base.Add(time.Hour),
			UpdatedAt: &resolved, ResolvedAt: &resolved,
			TargetSystem: strPtr("fileserver-01"),
		},
		{
			ID: "3", Title: "Port scan", Severity: model.SeverityLow,
			Status: model.StatusOpen, CreatedAt: base.Add(2 * time.Hour),
		},
	}
}

func TestUpsertAndGetIncidents(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	if err := s.UpsertIncidents(ctx, sampleIncidents(), base.Add(4*time.Hour)); err != nil {
		t.Fatalf("UpsertIncidents: %v", err)
	}

	all, err := s.GetIncidents(ctx, store.IncidentFilter{})
	if err != nil {
		t.Fatalf("GetIncidents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d incidents, want 3", len(all))
	}
	if all[0].ID != "3" || all[2].ID != "1" {
		t.Errorf("order = %s,%s,%s, want newest first", all[0].ID, all[1].ID, all[2].ID)
	}

	open := model.StatusOpen
	filtered, err := s.GetIncidents(ctx, store.IncidentFilter{Status: &open})
	if err != nil {
		t.Fatalf("GetIncidents(open): %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("open incidents = %d, want 2", len(filtered))
	}

	q := "ransom"
	found, err := s.GetIncidents(ctx, store.IncidentFilter{Query: &q})
	if err != nil || len(found) != 1 || found[0].ID != "2" {
		t.Errorf("query result = %v, %v", found, err)
	}
}

func TestGetIncidentByID_RoundTripsOptionalFields(t *testing.T) {
	s := testutil.NewTestStore(t, sampleIncidents()...)
	ctx := context.Background()

	inc, err := s.GetIncidentByID(ctx, "2")
	if err != nil {
		t.Fatalf("GetIncidentByID: %v", err)
	}
	if inc.ResolvedAt == nil || !inc.ResolvedAt.Equal(base.Add(3*time.Hour)) {
		t.Errorf("resolved_at = %v", inc.ResolvedAt)
	}
	if inc.TargetSystem == nil || *inc.TargetSystem != "fileserver-01" {
		t.Errorf("target_system = %v", inc.TargetSystem)
	}
	if inc.SourceIP != nil {
		t.Errorf("source_ip = %q, want nil", *inc.SourceIP)
	}
	if inc.Severity != model.SeverityCritical || inc.Status != model.StatusResolved {
		t.Errorf("severity/status = %s/%s", inc.Severity, inc.Status)
	}

	_, err = s.GetIncidentByID(ctx, "404")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing incident err = %v, want ErrNotFound", err)
	}
}

func TestUpsertIncidents_ReplacesAndSkipsUnknown(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	list := sampleIncidents()
	if err := s.UpsertIncidents(ctx, list, base); err != nil {
		t.Fatalf("UpsertIncidents: %v", err)
	}

	list[0].Status = model.StatusInvestigating
	list = append(list, model.Incident{ID: "4", Title: "odd", Severity: "urgent", Status: model.StatusOpen, CreatedAt: base})
	if err := s.UpsertIncidents(ctx, list, base.Add(time.Minute)); err != nil {
		t.Fatalf("UpsertIncidents again: %v", err)
	}

	inc, err := s.GetIncidentByID(ctx, "1")
	if err != nil {
		t.Fatalf("GetIncidentByID: %v", err)
	}
	if inc.Status != model.StatusInvestigating {
		t.Errorf("status = %s, want investigating", inc.Status)
	}

	known, err := s.KnownIncidentIDs(ctx)
	if err != nil {
		t.Fatalf("KnownIncidentIDs: %v", err)
	}
	if len(known) != 3 || known["4"] {
		t.Errorf("known = %v", known)
	}

	last, err := s.LastFetchedAt(ctx)
	if err != nil {
		t.Fatalf("LastFetchedAt: %v", err)
	}
	if !last.Equal(base.Add(time.Minute)) {
		t.Errorf("last fetched = %v", last)
	}
}

func TestLastFetchedAt_Empty(t *testing.T) {
	s := testutil.NewTestStore(t)
	last, err := s.LastFetchedAt(context.Background())
	if err != nil || !last.IsZero() {
		t.Errorf("LastFetchedAt = %v, %v; want zero", last, err)
	}
}

func TestNotifications(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	for i, id := range []model.ID{"1", "2"} {
		err := s.CreateNotification(ctx, model.Notification{
			IncidentID: id,
			Severity:   model.SeverityHigh,
			Message:    "new incident " + string(id),
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateNotification: %v", err)
		}
	}

	unread, err := s.GetUnreadNotifications(ctx)
	if err != nil {
		t.Fatalf("GetUnreadNotifications: %v", err)
	}
	if len(unread) != 2 || unread[0].IncidentID != "2" {
		t.Fatalf("unread = %+v", unread)
	}

	if err := s.MarkNotificationRead(ctx, unread[0].ID); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
	unread, _ = s.GetUnreadNotifications(ctx)
	if len(unread) != 1 {
		t.Errorf("unread after mark = %d, want 1", len(unread))
	}

	if err := s.MarkAllNotificationsRead(ctx); err != nil {
		t.Fatalf("MarkAllNotificationsRead: %v", err)
	}
	unread, _ = s.GetUnreadNotifications(ctx)
	if len(unread) != 0 {
		t.Errorf("unread after mark all = %d, want 0", len(unread))
	}
}

func TestUploads(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	records := []model.UploadRecord{
		{File: "a.log", State: "succeeded", Result: `{"ok":true}`, StartedAt: base, FinishedAt: base.Add(time.Second)},
		{File: "b.log", State: "failed", Error: "status 500", Source: model.UploadSourceMailbox, StartedAt: base, FinishedAt: base.Add(time.Minute)},
	}
	for _, r := range records {
		if err := s.RecordUpload(ctx, r); err != nil {
			t.Fatalf("RecordUpload: %v", err)
		}
	}

	got, err := s.GetUploads(ctx, 10)
	if err != nil {
		t.Fatalf("GetUploads: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("uploads = %d, want 2", len(got))
	}
	if got[0].File != "b.log" || got[0].Source != model.UploadSourceMailbox {
		t.Errorf("latest upload = %+v", got[0])
	}
	if got[1].Source != model.UploadSourceCLI || got[1].ID == "" {
		t.Errorf("defaults not applied: %+v", got[1])
	}

	one, _ := s.GetUploads(ctx, 1)
	if len(one) != 1 {
		t.Errorf("limit ignored: %d rows", len(one))
	}
}

func TestMigrations_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incidents.db")

	s, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.UpsertIncidents(context.Background(), sampleIncidents(), base); err != nil {
		t.Fatalf("UpsertIncidents: %v", err)
	}
	s.Close()

	s, err = store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	all, err := s.GetIncidents(context.Background(), store.IncidentFilter{})
	if err != nil || len(all) != 3 {
		t.Errorf("after reopen: %d incidents, %v", len(all), err)
	}
}
