package main

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/incidentwatch/internal/model"
)

func TestIncidentTable(t *testing.T) {
	created := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	out := incidentTable([]model.Incident{
		{ID: "7", Title: "SSH brute force", Severity: model.SeverityHigh, Status: model.StatusOpen, CreatedAt: created},
		{ID: "9", Title: "Port scan", Severity: model.SeverityLow, Status: model.StatusClosed, CreatedAt: created},
	})

	for _, want := range []string{"ID", "SEVERITY", "SSH brute force", "HIGH", "closed", "9"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestOptionalFlag(t *testing.T) {
	cmd := &cobra.Command{Use: "x"}
	cmd.Flags().String("target", "", "")
	cmd.Flags().String("source-ip", "", "")
	if err := cmd.Flags().Set("target", "web-01"); err != nil {
		t.Fatal(err)
	}

	if got := optionalFlag(cmd, "target"); got == nil || *got != "web-01" {
		t.Errorf("target = %v", got)
	}
	if got := optionalFlag(cmd, "source-ip"); got != nil {
		t.Errorf("unset flag should be nil, got %q", *got)
	}
}

func TestCommandTree(t *testing.T) {
	want := []string{
		"login", "logout", "register", "list", "show", "summary", "set-status",
		"create", "upload", "uploads", "notifications", "health", "intake",
		"config", "dash",
	}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestListRejectsUnknownStatusFilter(t *testing.T) {
	if err := listCmd.Flags().Set("status", "pending"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { listCmd.Flags().Set("status", "all") })

	err := listCmd.RunE(listCmd, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown filter") {
		t.Fatalf("list --status pending: err = %v, want unknown filter", err)
	}
}
