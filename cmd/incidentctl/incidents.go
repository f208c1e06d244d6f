package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/nhle/incidentwatch/internal/api"
	"github.com/nhle/incidentwatch/internal/derive"
	"github.com/nhle/incidentwatch/internal/lifecycle"
	"github.com/nhle/incidentwatch/internal/model"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List incidents",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		sortBy, _ := cmd.Flags().GetString("sort")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		mode, err := derive.ParseSortMode(sortBy)
		if err != nil {
			return err
		}
		filter, err := derive.ParseFilter(status)
		if err != nil {
			return err
		}

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		incidents, err := rt.Client.ListIncidents(cmd.Context(), 0, limit)
		if err != nil {
			return fmt.Errorf("listing incidents: %w", err)
		}
		if _, err := rt.Poller.Apply(cmd.Context(), incidents, time.Now()); err != nil {
			rt.Logger.Warn("persisting incident list", "err", err)
		}

		incidents = derive.Sort(derive.FilterByStatus(incidents, filter), mode)

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(incidents)
		}

		if len(incidents) == 0 {
			fmt.Println("No incidents.")
			return nil
		}
		fmt.Println(incidentTable(incidents))
		s := derive.Summarize(incidents)
		fmt.Printf("%d incidents: %d open, %d investigating, %d resolved, %d closed, %d critical\n",
			s.Total, s.Open, s.Investigating, s.Resolved, s.Closed, s.Critical)
		return nil
	},
}

func incidentTable(incidents []model.Incident) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "SEVERITY", "STATUS", "TITLE", "CREATED")
	for _, inc := range incidents {
		t.Row(
			string(inc.ID),
			strings.ToUpper(string(inc.Severity)),
			string(inc.Status),
			inc.Title,
			inc.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	return t.Render()
}

var showCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one incident",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		id := model.ID(args[0])
		inc, err := rt.Client.GetIncident(cmd.Context(), id)
		if api.IsNetwork(err) {
			cached, cacheErr := rt.Store.GetIncidentByID(cmd.Context(), id)
			if cacheErr != nil {
				return fmt.Errorf("fetching incident %s: %w", id, err)
			}
			fmt.Fprintf(os.Stderr, "service unreachable, showing the last synced copy\n")
			inc, err = cached, nil
		}
		if err != nil {
			return fmt.Errorf("fetching incident %s: %w", id, err)
		}
		printIncident(*inc)
		return nil
	},
}

func printIncident(inc model.Incident) {
	fmt.Printf("#%s  %s\n", inc.ID, inc.Title)
	fmt.Printf("  severity:  %s\n", inc.Severity)
	fmt.Printf("  status:    %s\n", inc.Status)
	for _, f := range []struct {
		label string
		value *string
	}{
		{"type", inc.IncidentType},
		{"source", inc.SourceIP},
		{"target", inc.TargetSystem},
	} {
		if f.value != nil && *f.value != "" {
			fmt.Printf("  %-10s %s\n", f.label+":", *f.value)
		}
	}
	fmt.Printf("  created:   %s\n", inc.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if inc.UpdatedAt != nil {
		fmt.Printf("  updated:   %s\n", inc.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if inc.ResolvedAt != nil {
		fmt.Printf("  resolved:  %s\n", inc.ResolvedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if inc.Description != "" {
		fmt.Printf("\n%s\n", inc.Description)
	}
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show counts per status and the most recent incidents",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		incidents, err := rt.Client.ListIncidents(cmd.Context(), 0, rt.Config.Refresh.ListLimit)
		if err != nil {
			return fmt.Errorf("listing incidents: %w", err)
		}

		groups := derive.PartitionByStatus(incidents)
		for _, st := range model.Statuses {
			fmt.Printf("%-14s %d\n", st, len(groups[st]))
		}

		if critical := derive.Critical(incidents); len(critical) > 0 {
			fmt.Printf("\nCritical (%d):\n", len(critical))
			for _, inc := range derive.SortByCreatedAt(critical) {
				fmt.Printf("  #%-6s %-13s %s\n", inc.ID, inc.Status, inc.Title)
			}
		}

		if recent := derive.Recent(incidents, derive.DefaultRecent); len(recent) > 0 {
			fmt.Println("\nRecent:")
			fmt.Println(incidentTable(recent))
		}
		return nil
	},
}

var setStatusCmd = &cobra.Command{
	Use:   "set-status ID STATUS",
	Short: "Move an incident to open, investigating, resolved or closed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		next, err := model.ParseStatus(args[1])
		if err != nil {
			return err
		}

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		current, err := rt.Client.GetIncident(cmd.Context(), model.ID(args[0]))
		if err != nil {
			return fmt.Errorf("fetching incident %s: %w", args[0], err)
		}

		updated, err := rt.Lifecycle.SetStatus(cmd.Context(), *current, next)
		if lifecycle.IsNoOp(err) {
			fmt.Printf("#%s is already %s\n", current.ID, current.Status)
			return nil
		}
		var applied *lifecycle.AppliedError
		if errors.As(err, &applied) {
			fmt.Printf("#%s: %s -> %s (reload failed: %v)\n", current.ID, current.Status, applied.Status, applied.Err)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("#%s: %s -> %s\n", updated.ID, current.Status, updated.Status)
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Report an incident manually",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		description, _ := cmd.Flags().GetString("description")
		severity, _ := cmd.Flags().GetString("severity")

		sev, err := model.ParseSeverity(severity)
		if err != nil {
			return err
		}
		draft := model.Draft{Title: title, Description: description, Severity: sev}
		draft.IncidentType = optionalFlag(cmd, "type")
		draft.SourceIP = optionalFlag(cmd, "source-ip")
		draft.TargetSystem = optionalFlag(cmd, "target")

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		created, err := rt.Lifecycle.Create(cmd.Context(), draft)
		if err != nil {
			return err
		}
		fmt.Printf("Created #%s (%s)\n", created.ID, created.Severity)
		return nil
	},
}

func optionalFlag(cmd *cobra.Command, name string) *string {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return nil
	}
	return &v
}

func init() {
	listCmd.Flags().String("status", derive.FilterAll, "filter: all, open, investigating, resolved, closed")
	listCmd.Flags().String("sort", string(derive.SortCreated), "order: created_at or severity")
	listCmd.Flags().Int("limit", 100, "page size")
	listCmd.Flags().Bool("json", false, "print JSON")

	createCmd.Flags().String("title", "", "incident title (required)")
	createCmd.Flags().String("description", "", "details")
	createCmd.Flags().String("severity", string(model.SeverityMedium), "low, medium, high or critical")
	createCmd.Flags().String("type", "", "incident type, e.g. brute_force")
	createCmd.Flags().String("source-ip", "", "source address")
	createCmd.Flags().String("target", "", "affected system")
	_ = createCmd.MarkFlagRequired("title")

	rootCmd.AddCommand(listCmd, showCmd, summaryCmd, setStatusCmd, createCmd)
}
