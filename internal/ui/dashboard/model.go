// Package dashboard renders the incident list: headline counts, the
// filtered and sorted table, and the selection that opens the detail pane.
package dashboard

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/incidentwatch/internal/derive"
	"github.com/nhle/incidentwatch/internal/keys"
	"github.com/nhle/incidentwatch/internal/model"
	"github.com/nhle/incidentwatch/internal/refresh"
	"github.com/nhle/incidentwatch/internal/theme"
)

// SelectedIncidentMsg is sent when the user opens an incident.
type SelectedIncidentMsg struct {
	Incident model.Incident
}

// filterCycle is the order the filter key walks through.
var filterCycle = []string{
	derive.FilterAll,
	string(model.StatusOpen),
	string(model.StatusInvestigating),
	string(model.StatusResolved),
	string(model.StatusClosed),
}

// sortCycle is the order the sort key walks through.
var sortCycle = []derive.SortMode{derive.SortCreated, derive.SortSeverity}

// statsHeight is the number of lines the stat cards take.
const statsHeight = 3

// Model is the dashboard view component.
type Model struct {
	list        list.Model
	keys        *keys.KeyMap
	all         []model.Incident
	snap        refresh.Snapshot
	stale       *bool
	filterIndex int
	sortIndex   int
	width       int
	height      int
}

// New creates a dashboard with no data.
func New(k *keys.KeyMap, width, height int) Model {
	stale := new(bool)
	l := list.New([]list.Item{}, ItemDelegate{stale: stale}, width, height-statsHeight-1)
	l.Title = "Incidents"
	l.SetShowStatusBar(true)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.Styles.Title = theme.HeaderStyle

	return Model{
		list:   l,
		keys:   k,
		stale:  stale,
		width:  width,
		height: height,
	}
}

// Init returns the initial command.
func (m Model) Init() tea.Cmd {
	return nil
}

// SetSnapshot replaces the data behind the view with the list entry's
// latest state. A snapshot without a value keeps the current rows.
func (m *Model) SetSnapshot(snap refresh.Snapshot) tea.Cmd {
	m.snap = snap
	*m.stale = snap.Stale || snap.Err != nil
	if incidents, ok := refresh.Value[[]model.Incident](snap); ok {
		m.all = incidents
	}
	return m.apply()
}

// Snapshot returns the last list snapshot applied.
func (m Model) Snapshot() refresh.Snapshot { return m.snap }

// Filter returns the active status filter ("all" or a status).
func (m Model) Filter() string { return filterCycle[m.filterIndex] }

// SortMode returns the active ordering.
func (m Model) SortMode() derive.SortMode { return sortCycle[m.sortIndex] }

// SetFilter selects a status filter by name.
func (m *Model) SetFilter(filter string) (tea.Cmd, error) {
	filter, err := derive.ParseFilter(filter)
	if err != nil {
		return nil, err
	}
	for i, f := range filterCycle {
		if f == filter {
			m.filterIndex = i
			return m.apply(), nil
		}
	}
	return nil, fmt.Errorf("unknown filter %q", filter)
}

// SetSort selects an ordering.
func (m *Model) SetSort(mode derive.SortMode) tea.Cmd {
	for i, s := range sortCycle {
		if s == mode {
			m.sortIndex = i
		}
	}
	return m.apply()
}

// All returns every incident of the last list, unfiltered.
func (m Model) All() []model.Incident { return m.all }

// Visible returns the rows currently shown, filtered and sorted.
func (m Model) Visible() []model.Incident {
	return derive.Sort(derive.FilterByStatus(m.all, m.Filter()), m.SortMode())
}

// Stats summarizes every incident regardless of the active filter.
func (m Model) Stats() derive.Stats {
	return derive.Summarize(m.all)
}

// SelectedIncident returns the focused row.
func (m Model) SelectedIncident() (model.Incident, bool) {
	item, ok := m.list.SelectedItem().(IncidentItem)
	if !ok {
		return model.Incident{}, false
	}
	return item.Incident, true
}

func (m *Model) apply() tea.Cmd {
	rows := m.Visible()
	items := make([]list.Item, len(rows))
	for i, inc := range rows {
		items[i] = IncidentItem{Incident: inc}
	}
	m.list.Title = fmt.Sprintf("Incidents · %s · by %s", m.Filter(), m.SortMode())
	return m.list.SetItems(items)
}

// Update handles messages for the dashboard.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(msg, m.keys.Select):
			inc, ok := m.SelectedIncident()
			if !ok {
				return m, nil
			}
			return m, func() tea.Msg {
				return SelectedIncidentMsg{Incident: inc}
			}

		case key.Matches(msg, m.keys.CycleFilter):
			m.filterIndex = (m.filterIndex + 1) % len(filterCycle)
			cmd := m.apply()
			return m, cmd

		case key.Matches(msg, m.keys.CycleSort):
			m.sortIndex = (m.sortIndex + 1) % len(sortCycle)
			cmd := m.apply()
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// View renders the stat cards above the incident table.
func (m Model) View() string {
	if !m.snap.HasValue && len(m.all) == 0 {
		return m.renderEmptyState()
	}

	body := m.list.View()
	if len(m.list.Items()) == 0 {
		body = lipgloss.NewStyle().
			Width(m.width).
			Height(m.height - statsHeight).
			Align(lipgloss.Center, lipgloss.Center).
			Foreground(theme.ColorGray).
			Render("No " + m.Filter() + " incidents.\nPress f to change the filter.")
	}

	return lipgloss.JoinVertical(lipgloss.Left, m.renderStats(), body)
}

func (m Model) renderStats() string {
	s := m.Stats()
	card := func(label string, n int, color lipgloss.TerminalColor) string {
		value := lipgloss.NewStyle().Bold(true).Foreground(color).Render(fmt.Sprint(n))
		return theme.StatCardStyle.Render(label + " " + value)
	}
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		card("Total", s.Total, theme.ColorWhite),
		card("Critical", s.Critical, theme.ColorRed),
		card("Open", s.Open, theme.ColorRed),
		card("Investigating", s.Investigating, theme.ColorYellow),
		card("Resolved", s.Resolved, theme.ColorGreen),
		card("Closed", s.Closed, theme.ColorGray),
	)
}

// renderEmptyState shows guidance before the first list arrives.
func (m Model) renderEmptyState() string {
	style := lipgloss.NewStyle().
		Width(m.width).
		Height(m.height).
		Align(lipgloss.Center, lipgloss.Center).
		Foreground(theme.ColorGray)

	switch {
	case m.snap.Err != nil:
		return style.Render("Could not load incidents.\n\n" + m.snap.Err.Error() + "\n\nPress r to retry.")
	case m.snap.Loading:
		return style.Render("Loading incidents...")
	default:
		return style.Render("No incidents yet.\n\nPress u to upload a log for analysis.")
	}
}

// SetSize updates the dashboard dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.list.SetSize(width, height-statsHeight)
}
