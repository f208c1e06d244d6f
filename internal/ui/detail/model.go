package detail

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/incidentwatch/internal/crossref"
	"github.com/nhle/incidentwatch/internal/keys"
	"github.com/nhle/incidentwatch/internal/model"
	"github.com/nhle/incidentwatch/internal/refresh"
	"github.com/nhle/incidentwatch/internal/theme"
	"github.com/nhle/incidentwatch/internal/ui"
)

// BackMsg signals the parent to navigate back to the dashboard.
type BackMsg struct{}

// StatusChangeMsg asks the parent to move Incident to Next.
type StatusChangeMsg struct {
	Incident model.Incident
	Next     model.Status
}

// statusBinding lives on the heap so huh's Value pointer survives
// Bubble Tea model copies.
type statusBinding struct {
	next model.Status
}

// Model is the incident detail pane.
type Model struct {
	incident *model.Incident
	snap     refresh.Snapshot
	viewport viewport.Model
	keys     *keys.KeyMap
	form     *huh.Form
	binding  *statusBinding
	notice   string
	related  []crossref.Match
	width    int
	height   int
	loading  bool
}

// New creates a new detail view model.
func New(keys *keys.KeyMap, width, height int) Model {
	vp := viewport.New(width, height-2)
	vp.Style = lipgloss.NewStyle()

	return Model{
		viewport: vp,
		keys:     keys,
		binding:  &statusBinding{},
		width:    width,
		height:   height,
	}
}

// Init returns the initial command for the detail view.
func (m Model) Init() tea.Cmd {
	return nil
}

// Open shows inc immediately, before its own entry has been fetched.
func (m *Model) Open(inc model.Incident) {
	m.incident = &inc
	m.snap = refresh.Snapshot{}
	m.form = nil
	m.notice = ""
	m.related = nil
	m.loading = true
	m.render()
	m.viewport.GotoTop()
}

// SetSnapshot applies the latest state of the incident's entry.
func (m *Model) SetSnapshot(snap refresh.Snapshot) {
	m.snap = snap
	m.loading = snap.Loading && !snap.HasValue
	if inc, ok := refresh.Value[*model.Incident](snap); ok && inc != nil {
		m.incident = inc
	}
	m.render()
}

// SetRelated recomputes the incidents correlated with the one on
// display from the given list.
func (m *Model) SetRelated(all []model.Incident) {
	if m.incident == nil {
		m.related = nil
		return
	}
	m.related = crossref.Related(*m.incident, all)
	m.render()
}

// Related returns the correlated incidents currently listed.
func (m Model) Related() []crossref.Match { return m.related }

// SetNotice shows a one-line message above the record, such as the
// outcome of the last status change.
func (m *Model) SetNotice(notice string) {
	m.notice = notice
	m.render()
}

// Incident returns the incident on display.
func (m Model) Incident() (model.Incident, bool) {
	if m.incident == nil {
		return model.Incident{}, false
	}
	return *m.incident, true
}

// Editing reports whether the status selector is open.
func (m Model) Editing() bool { return m.form != nil }

// Update handles messages for the detail view.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if m.form != nil {
		return m.updateForm(msg)
	}

	if msg, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(msg, m.keys.Back):
			return m, func() tea.Msg {
				return BackMsg{}
			}

		case key.Matches(msg, m.keys.SetStatus):
			if m.incident == nil {
				return m, nil
			}
			m.binding.next = m.incident.Status
			m.form = m.buildStatusForm()
			return m, m.form.Init()
		}
	}

	// Delegate to viewport for scrolling (j/k, up/down, pgup/pgdn)
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) updateForm(msg tea.Msg) (Model, tea.Cmd) {
	mdl, cmd := m.form.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		m.form = nil
		inc := *m.incident
		next := m.binding.next
		return m, func() tea.Msg {
			return StatusChangeMsg{Incident: inc, Next: next}
		}
	case huh.StateAborted:
		m.form = nil
		return m, nil
	}
	return m, cmd
}

func (m Model) buildStatusForm() *huh.Form {
	opts := make([]huh.Option[model.Status], len(model.Statuses))
	for i, st := range model.Statuses {
		label := string(st)
		if st == m.incident.Status {
			label += " (current)"
		}
		opts[i] = huh.NewOption(label, st)
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[model.Status]().
				Title("Move #" + string(m.incident.ID) + " to").
				Options(opts...).
				Value(&m.binding.next),
		),
	).WithWidth(min(m.width-4, 60)).WithShowHelp(true).WithKeyMap(ui.FormKeyMap())
}

// View renders the detail view.
func (m Model) View() string {
	if m.incident == nil {
		return lipgloss.NewStyle().
			Width(m.width).
			Height(m.height).
			Align(lipgloss.Center, lipgloss.Center).
			Foreground(theme.ColorGray).
			Render("No incident selected")
	}

	if m.form != nil {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			m.viewport.View(),
			theme.DetailPanelStyle.Render(m.form.View()),
		)
	}

	return m.viewport.View()
}

func (m *Model) render() {
	m.viewport.SetContent(m.renderContent())
}

// renderContent builds the full detail content string for the viewport.
func (m Model) renderContent() string {
	if m.incident == nil {
		return ""
	}

	inc := m.incident
	var sections []string

	if m.notice != "" {
		sections = append(sections, lipgloss.NewStyle().
			Foreground(theme.ColorYellow).
			Render(m.notice), "")
	}

	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorWhite)
	sections = append(sections, titleStyle.Render(fmt.Sprintf("#%s  %s", inc.ID, inc.Title)))

	badgeLine := lipgloss.JoinHorizontal(
		lipgloss.Top,
		theme.SeverityStyle(string(inc.Severity)).Render(strings.ToUpper(string(inc.Severity))),
		"  ",
		theme.StatusStyle(string(inc.Status)).Render(string(inc.Status)),
	)
	sections = append(sections, badgeLine, "")

	metaStyle := lipgloss.NewStyle().Foreground(theme.ColorGray).Width(10)
	valStyle := lipgloss.NewStyle().Foreground(theme.ColorWhite)
	row := func(label, value string) {
		if value == "" {
			return
		}
		sections = append(sections, metaStyle.Render(label+":")+" "+valStyle.Render(value))
	}

	row("Type", deref(inc.IncidentType))
	row("Source", deref(inc.SourceIP))
	row("Target", deref(inc.TargetSystem))
	row("Detected", formatTime(inc.DetectedAt))
	row("Created", formatTime(&inc.CreatedAt))
	row("Updated", formatTime(inc.UpdatedAt))
	row("Resolved", formatTime(inc.ResolvedAt))

	sepStyle := lipgloss.NewStyle().Foreground(theme.ColorSubtle)
	separator := sepStyle.Render(strings.Repeat("─", max(min(m.width-4, 80), 0)))

	if len(m.related) > 0 {
		sections = append(sections, "", metaStyle.Render("Related:"))
		for _, r := range m.related {
			sections = append(sections, fmt.Sprintf("  %s #%s %s  %s",
				theme.SeverityStyle(string(r.Incident.Severity)).Render(strings.ToUpper(string(r.Incident.Severity))),
				r.Incident.ID,
				r.Incident.Title,
				sepStyle.Render(string(r.Reason)),
			))
		}
	}

	sections = append(sections, "", separator, "")

	descHeaderStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginBottom(1)
	sections = append(sections, descHeaderStyle.Render("Description"))

	body := inc.Description
	if body == "" {
		body = lipgloss.NewStyle().
			Foreground(theme.ColorGray).
			Italic(true).
			Render("No description")
	}
	sections = append(sections, body, "", m.freshness())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// freshness describes where the record on screen came from.
func (m Model) freshness() string {
	style := theme.HelpStyle
	switch {
	case m.loading:
		return style.Render("loading latest record...")
	case m.snap.Err != nil:
		return style.Foreground(theme.ColorRed).Render("refresh failed: " + m.snap.Err.Error())
	case m.snap.Loading:
		return style.Render("refreshing...")
	case !m.snap.FetchedAt.IsZero():
		return style.Render("fetched " + m.snap.FetchedAt.Format("15:04:05"))
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
}

// SetSize updates the detail view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.viewport.Width = width
	m.viewport.Height = height - 2
	m.render()
}
