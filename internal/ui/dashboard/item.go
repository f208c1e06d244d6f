package dashboard

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/incidentwatch/internal/model"
	"github.com/nhle/incidentwatch/internal/theme"
)

// IncidentItem wraps a model.Incident so it can be used in a bubbles/list.
type IncidentItem struct {
	Incident model.Incident
}

// FilterValue returns the string used for fuzzy filtering.
func (i IncidentItem) FilterValue() string { return i.Incident.Title }

// Title returns the incident title for the list.
func (i IncidentItem) Title() string { return i.Incident.Title }

// Description returns a short summary line for the list.
func (i IncidentItem) Description() string {
	parts := []string{
		string(i.Incident.Severity),
		string(i.Incident.Status),
		relativeTime(i.Incident.CreatedAt),
	}
	return strings.Join(parts, " | ")
}

// ItemDelegate renders one incident per line.
type ItemDelegate struct {
	// stale is shared with the dashboard Model; it is true while the
	// rows come from a seeded or failed refresh.
	stale *bool
}

// Height returns the number of lines each item takes.
func (d ItemDelegate) Height() int { return 1 }

// Spacing returns the number of blank lines between items.
func (d ItemDelegate) Spacing() int { return 0 }

// Update handles per-item messages (unused).
func (d ItemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd {
	return nil
}

// Render draws a single incident row.
func (d ItemDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	it, ok := item.(IncidentItem)
	if !ok {
		return
	}
	inc := it.Incident

	sevBadge := theme.SeverityStyle(string(inc.Severity)).
		Render(fmt.Sprintf("%-8s", strings.ToUpper(string(inc.Severity))))
	statusBadge := theme.StatusStyle(string(inc.Status)).
		Render(fmt.Sprintf("%-13s", inc.Status))

	target := ""
	if inc.TargetSystem != nil && *inc.TargetSystem != "" {
		target = lipgloss.NewStyle().
			Foreground(theme.ColorGray).
			Render(" @" + *inc.TargetSystem)
	}

	staleIndicator := ""
	if d.stale != nil && *d.stale {
		staleIndicator = lipgloss.NewStyle().
			Foreground(theme.ColorYellow).
			Render(" ⚠")
	}

	timeStr := lipgloss.NewStyle().
		Foreground(theme.ColorGray).
		Render(relativeTime(inc.CreatedAt))

	line := fmt.Sprintf(
		"#%-5s %s %s %s%s%s  %s",
		inc.ID, sevBadge, statusBadge, inc.Title, target, staleIndicator, timeStr,
	)

	if index == m.Index() {
		line = theme.SelectedItemStyle.Render(line)
	} else {
		line = theme.ListItemStyle.Render(line)
	}

	fmt.Fprint(w, line)
}

// relativeTime returns a human-friendly relative time string.
func relativeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return fmt.Sprintf("%dw ago", int(d.Hours()/24/7))
	}
}
