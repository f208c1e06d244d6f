package app

import (
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/nhle/incidentwatch/internal/api"
	"github.com/nhle/incidentwatch/internal/derive"
	"github.com/nhle/incidentwatch/internal/model"
	"github.com/nhle/incidentwatch/internal/ui/dashboard"
	"github.com/nhle/incidentwatch/internal/ui/detail"
	"github.com/nhle/incidentwatch/tests/testutil"
)

func newTestRuntime(t *testing.T, fake *testutil.FakeAPI) *Runtime {
	t.Helper()

	dir := t.TempDir()
	cfg, err := model.LoadConfig(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.API.BaseURL = fake.URL()
	cfg.Store.Path = filepath.Join(dir, "incidents.db")

	rt, err := Open(cfg, Options{LogWriter: io.Discard, Token: "test-token"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestOpenWiresAuthenticatedClient(t *testing.T) {
	fake := testutil.NewFakeAPI(t)
	fake.Add(model.Incident{Title: "ssh brute force"})
	rt := newTestRuntime(t, fake)

	v, err := rt.ListFetcher()(t.Context())
	if err != nil {
		t.Fatalf("list fetch: %v", err)
	}
	if incidents := v.([]model.Incident); len(incidents) != 1 {
		t.Fatalf("got %d incidents, want 1", len(incidents))
	}

	reqs := fake.Requests()
	if got := reqs[len(reqs)-1].Authorization; got != "Bearer test-token" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestSelectingIncidentSubscribesDetail(t *testing.T) {
	fake := testutil.NewFakeAPI(t)
	inc := fake.Add(model.Incident{Title: "port scan"})
	rt := newTestRuntime(t, fake)

	m := New(rt)
	next, cmd := m.Update(dashboard.SelectedIncidentMsg{Incident: inc})
	m = next.(Model)

	if m.currentView != ViewDetail {
		t.Fatalf("view = %v, want detail", m.currentView)
	}
	if m.detailSub == nil {
		t.Fatal("detail subscription not opened")
	}
	if cmd == nil {
		t.Fatal("expected a command waiting for the detail snapshot")
	}
	if _, ok := cmd().(detailUpdateMsg); !ok {
		t.Fatal("expected a detailUpdateMsg")
	}

	next, _ = m.Update(detail.BackMsg{})
	m = next.(Model)
	if m.detailSub != nil || m.currentView != ViewDashboard {
		t.Errorf("back should close the subscription and return to the dashboard")
	}
}

func TestChangeStatusGoesThroughLifecycle(t *testing.T) {
	fake := testutil.NewFakeAPI(t)
	inc := fake.Add(model.Incident{Title: "malware beacon"})
	rt := newTestRuntime(t, fake)
	m := New(rt)

	msg := m.changeStatus(inc, model.StatusInvestigating)().(statusChangedMsg)
	if msg.err != nil {
		t.Fatalf("changeStatus: %v", msg.err)
	}
	if msg.incident.Status != model.StatusInvestigating {
		t.Errorf("status = %s", msg.incident.Status)
	}

	// A no-op never reaches the service.
	msg = m.changeStatus(msg.incident, model.StatusInvestigating)().(statusChangedMsg)
	if msg.err == nil {
		t.Fatal("expected no-op error")
	}
	if n := fake.Calls(testutil.RouteStatus); n != 1 {
		t.Errorf("status calls = %d, want 1", n)
	}
}

func TestExecuteCommand(t *testing.T) {
	rt := newTestRuntime(t, testutil.NewFakeAPI(t))
	m := New(rt)

	m.executeCommand("filter resolved")
	if m.dashboard.Filter() != "resolved" {
		t.Errorf("filter = %q", m.dashboard.Filter())
	}

	m.executeCommand("sort severity")
	if m.dashboard.SortMode() != derive.SortSeverity {
		t.Errorf("sort = %q", m.dashboard.SortMode())
	}

	m.executeCommand("sort bogus")
	if m.errorMessage == "" {
		t.Error("unknown sort mode should set an error")
	}

	m.errorMessage = ""
	m.executeCommand("launch")
	if m.errorMessage == "" {
		t.Error("unknown command should set an error")
	}
}

func TestDescribeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&api.AuthError{StatusCode: 401}, "not authorized, run `incidentctl login`"},
		{&api.NotFoundError{Path: "/incidents/9"}, "incident no longer exists"},
		{&api.NetworkError{Op: "GET /incidents/", Err: errors.New("refused")}, "service unreachable"},
		{errors.New("other"), "other"},
	}
	for _, tt := range tests {
		if got := describeError(tt.err); got != tt.want {
			t.Errorf("describeError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
