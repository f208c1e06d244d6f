package crossref

import (
	"testing"

	"github.com/nhle/incidentwatch/internal/model"
)

func strPtr(s string) *string { return &s }

func TestExtractIPs(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"none", "nothing to see", nil},
		{"single", "blocked 10.0.0.9 at the edge", []string{"10.0.0.9"}},
		{"dedup in order", "192.168.1.4 then 10.0.0.1 then 192.168.1.4", []string{"192.168.1.4", "10.0.0.1"}},
		{"invalid octet skipped", "999.1.1.1 and 8.8.8.8", []string{"8.8.8.8"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractIPs(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestRelated(t *testing.T) {
	subject := model.Incident{
		ID:           "1",
		SourceIP:     strPtr("10.0.0.9"),
		TargetSystem: strPtr("web-01"),
		Description:  "lateral movement towards 172.16.0.3",
	}
	candidates := []model.Incident{
		subject,
		{ID: "2", SourceIP: strPtr("10.0.0.9")},
		{ID: "3", TargetSystem: strPtr("WEB-01")},
		{ID: "4", SourceIP: strPtr("172.16.0.3")},
		{ID: "5", Description: "seen 10.0.0.9 again"},
		{ID: "6", SourceIP: strPtr("8.8.8.8"), TargetSystem: strPtr("db-01")},
	}

	got := Related(subject, candidates)

	want := []struct {
		id     model.ID
		reason Reason
	}{
		{"2", SameSource},
		{"3", SameTarget},
		{"4", MentionedAddr},
		{"5", MentionedAddr},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d matches, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Incident.ID != w.id || got[i].Reason != w.reason {
			t.Errorf("match %d = #%s %q, want #%s %q", i, got[i].Incident.ID, got[i].Reason, w.id, w.reason)
		}
	}
}

func TestRelatedWithoutIndicators(t *testing.T) {
	subject := model.Incident{ID: "1"}
	others := []model.Incident{{ID: "2"}, {ID: "3", Description: "1.2.3.4"}}
	if got := Related(subject, others); len(got) != 0 {
		t.Errorf("expected no matches, got %+v", got)
	}
}
