package sync

import (
	"context"
	"testing"
	"time"

	"github.com/nhle/incidentwatch/internal/api"
	"github.com/nhle/incidentwatch/internal/credential"
	"github.com/nhle/incidentwatch/internal/model"
	"github.com/nhle/incidentwatch/internal/refresh"
	"github.com/nhle/incidentwatch/internal/store"
	"github.com/nhle/incidentwatch/tests/testutil"
)

var base = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func incident(id, title string, sev model.Severity) model.Incident {
	return model.Incident{ID: model.ID(id), Title: title, Severity: sev, Status: model.StatusOpen, CreatedAt: base}
}

func newPoller(t *testing.T, fetch refresh.Fetcher) (*Poller, *store.SQLiteStore, *refresh.Coordinator) {
	t.Helper()
	s := testutil.NewTestStore(t)
	coord := refresh.New(context.Background(), refresh.Config{})
	t.Cleanup(coord.Close)
	return New(s, coord, fetch, time.Hour, nil), s, coord
}

func TestApply_FirstSyncIsSilent(t *testing.T) {
	p, s, _ := newPoller(t, nil)
	ctx := context.Background()

	n, err := p.Apply(ctx, []model.Incident{incident("1", "a", model.SeverityLow)}, base)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if n != 0 {
		t.Errorf("first sync new count = %d, want 0", n)
	}
	unread, _ := s.GetUnreadNotifications(ctx)
	if len(unread) != 0 {
		t.Errorf("first sync created %d notifications", len(unread))
	}
}

func TestApply_NotifiesNewIncidents(t *testing.T) {
	p, s, _ := newPoller(t, nil)
	ctx := context.Background()

	if _, err := p.Apply(ctx, []model.Incident{incident("1", "a", model.SeverityLow)}, base); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	next := []model.Incident{
		incident("2", "Exfiltration", model.SeverityCritical),
		incident("1", "a", model.SeverityLow),
	}
	n, err := p.Apply(ctx, next, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if n != 1 {
		t.Errorf("new count = %d, want 1", n)
	}

	unread, err := s.GetUnreadNotifications(ctx)
	if err != nil {
		t.Fatalf("GetUnreadNotifications: %v", err)
	}
	if len(unread) != 1 || unread[0].IncidentID != "2" || unread[0].Severity != model.SeverityCritical {
		t.Fatalf("notifications = %+v", unread)
	}
	if unread[0].Message != "New critical incident: Exfiltration" {
		t.Errorf("message = %q", unread[0].Message)
	}
}

func TestApply_SeededSnapshotIsNotFirstSync(t *testing.T) {
	s := testutil.NewTestStore(t, incident("1", "a", model.SeverityLow))
	coord := refresh.New(context.Background(), refresh.Config{})
	t.Cleanup(coord.Close)
	p := New(s, coord, nil, time.Hour, nil)
	ctx := context.Background()

	last, err := s.LastFetchedAt(ctx)
	if err != nil || !last.Equal(testutil.FixedClock().Now()) {
		t.Fatalf("LastFetchedAt = %v, %v", last, err)
	}

	next := []model.Incident{
		incident("1", "a", model.SeverityLow),
		incident("2", "Credential stuffing", model.SeverityHigh),
	}
	n, err := p.Apply(ctx, next, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if n != 1 {
		t.Errorf("new count = %d, want 1", n)
	}
}

func TestStart_PersistsFetchedList(t *testing.T) {
	fake := testutil.NewFakeAPI(t)
	fake.Add(model.Incident{Title: "Phishing wave", Severity: model.SeverityHigh})
	fake.Add(model.Incident{Title: "Malware beacon", Severity: model.SeverityCritical})

	client := api.NewClient(fake.URL(), credential.None)
	fetch := func(ctx context.Context) (any, error) {
		return client.ListIncidents(ctx, 0, 100)
	}
	p, s, _ := newPoller(t, fetch)

	cmd := p.Start()
	defer p.Stop()

	deadline := time.After(2 * time.Second)
	for {
		got := make(chan any, 1)
		go func() { got <- cmd() }()

		var msg any
		select {
		case msg = <-got:
		case <-deadline:
			t.Fatal("no list result")
		}
		res, ok := msg.(SyncResultMsg)
		if !ok {
			t.Fatalf("message = %T", msg)
		}
		if res.Error != nil {
			t.Fatalf("sync error: %v", res.Error)
		}
		if len(res.Incidents) == 2 && !res.Snapshot.Loading {
			break
		}
		cmd = p.WaitForNextResult()
	}

	stored, err := s.GetIncidents(context.Background(), store.IncidentFilter{})
	if err != nil {
		t.Fatalf("GetIncidents: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("stored %d incidents, want 2", len(stored))
	}
	if p.GetStatus().State != SyncIdle {
		t.Errorf("status = %v, want idle", p.GetStatus().State)
	}
}

func TestSeed_FromStore(t *testing.T) {
	p, _, coord := newPoller(t, nil)
	ctx := context.Background()

	if err := p.Seed(ctx); err != nil {
		t.Fatalf("Seed on empty store: %v", err)
	}
	if _, ok := coord.Peek(refresh.ListKey()); ok {
		t.Fatal("empty store seeded the list")
	}

	if _, err := p.Apply(ctx, []model.Incident{incident("7", "x", model.SeverityMedium)}, base); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := p.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	snap, ok := coord.Peek(refresh.ListKey())
	if !ok || !snap.Stale {
		t.Fatalf("snapshot = %+v, %v", snap, ok)
	}
	list, ok := refresh.Value[[]model.Incident](snap)
	if !ok || len(list) != 1 || list[0].ID != "7" {
		t.Errorf("seeded list = %v", list)
	}
}
