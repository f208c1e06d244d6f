package upload

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nhle/incidentwatch/internal/api"
	"github.com/nhle/incidentwatch/internal/ingest"
	"github.com/nhle/incidentwatch/internal/keys"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"", true},
		{"/var/log/auth.log", false},
		{"trace.TXT", false},
		{"capture.pcap", true},
	}
	for _, tt := range tests {
		if err := validatePath(tt.path); (err != nil) != tt.wantErr {
			t.Errorf("validatePath(%q) = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}

func TestRenderJobStates(t *testing.T) {
	m := New(keys.DefaultKeyMap(), 80, 24)

	if got := m.renderJob(); !strings.Contains(got, "No upload yet") {
		t.Errorf("idle render = %q", got)
	}

	m.SetJob(ingest.JobSnapshot{State: ingest.StateAnalyzing, File: "auth.log"})
	if got := m.renderJob(); !strings.Contains(got, "analyzing auth.log") {
		t.Errorf("analyzing render = %q", got)
	}

	m.SetJob(ingest.JobSnapshot{State: ingest.StateFailed, File: "auth.log", Err: errors.New("status 500")})
	if got := m.renderJob(); !strings.Contains(got, "status 500") {
		t.Errorf("failed render = %q", got)
	}

	start := time.Now()
	m.SetJob(ingest.JobSnapshot{
		State:      ingest.StateSucceeded,
		File:       "auth.log",
		Result:     api.AnalysisResult(`{"incidents_created":2}`),
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
	})
	got := m.renderJob()
	if !strings.Contains(got, `"incidents_created": 2`) {
		t.Errorf("succeeded render should pretty-print the analysis: %q", got)
	}
}

func TestPrettyJSONPassesThroughInvalid(t *testing.T) {
	if got := prettyJSON([]byte("not json")); got != "not json" {
		t.Errorf("prettyJSON = %q", got)
	}
}
