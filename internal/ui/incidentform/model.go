package incidentform

import (
	"fmt"
	"net"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/incidentwatch/internal/model"
	"github.com/nhle/incidentwatch/internal/theme"
	"github.com/nhle/incidentwatch/internal/ui"
)

// DraftSubmittedMsg is dispatched when the form completes.
type DraftSubmittedMsg struct {
	Draft model.Draft
}

// CancelMsg is dispatched when the user aborts the form.
type CancelMsg struct{}

// formBindings holds form field values on the heap so that huh's Value()
// pointers remain valid across Bubble Tea model copies.
type formBindings struct {
	title        string
	description  string
	severity     model.Severity
	incidentType string
	sourceIP     string
	targetSystem string
}

// Model is the Bubble Tea model for the manual incident form.
type Model struct {
	form   *huh.Form
	fb     *formBindings
	width  int
	height int
}

// New creates a new incident form model.
func New(width, height int) Model {
	return Model{
		fb:     &formBindings{severity: model.SeverityMedium},
		width:  width,
		height: height,
	}
}

// Start resets the fields and builds a fresh form.
func (m *Model) Start() tea.Cmd {
	*m.fb = formBindings{severity: model.SeverityMedium}
	m.form = m.buildForm()
	return m.form.Init()
}

// Update handles messages for the form.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if m.form == nil {
		return m, nil
	}

	mdl, cmd := m.form.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.form = nil
		draft := m.fb.draft()
		return m, func() tea.Msg { return DraftSubmittedMsg{Draft: draft} }
	}
	if m.form.State == huh.StateAborted {
		m.form = nil
		return m, func() tea.Msg { return CancelMsg{} }
	}

	return m, cmd
}

// View renders the form.
func (m Model) View() string {
	if m.form == nil {
		return ""
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginBottom(1)

	content := titleStyle.Render("New Incident") + "\n" + m.form.View()

	return lipgloss.NewStyle().
		Padding(1, 2).
		Render(content)
}

// SetSize updates the form dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
}

func (m *Model) buildForm() *huh.Form {
	sevOpts := make([]huh.Option[model.Severity], len(model.Severities))
	for i, s := range model.Severities {
		sevOpts[i] = huh.NewOption(strings.ToUpper(string(s)), s)
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Title").
				Placeholder("What happened?").
				CharLimit(200).
				Value(&m.fb.title).
				Validate(validateRequired("Title")),
			huh.NewText().
				Title("Description").
				Placeholder("Optional details...").
				Value(&m.fb.description),
			huh.NewSelect[model.Severity]().
				Title("Severity").
				Options(sevOpts...).
				Value(&m.fb.severity),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Type").
				Placeholder("e.g. brute_force (optional)").
				Value(&m.fb.incidentType),
			huh.NewInput().
				Title("Source IP").
				Placeholder("optional").
				Value(&m.fb.sourceIP).
				Validate(validateOptionalIP),
			huh.NewInput().
				Title("Target System").
				Placeholder("optional").
				Value(&m.fb.targetSystem),
		),
	).WithWidth(m.formWidth()).WithHeight(m.formHeight()).WithKeyMap(ui.FormKeyMap())
}

func (fb *formBindings) draft() model.Draft {
	d := model.Draft{
		Title:       strings.TrimSpace(fb.title),
		Description: strings.TrimSpace(fb.description),
		Severity:    fb.severity,
	}
	d.IncidentType = optional(fb.incidentType)
	d.SourceIP = optional(fb.sourceIP)
	d.TargetSystem = optional(fb.targetSystem)
	return d
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func (m Model) formWidth() int {
	return min(max(m.width-4, 40), 100)
}

func (m Model) formHeight() int {
	return max(m.height-4, 10)
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

func validateOptionalIP(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if net.ParseIP(s) == nil {
		return fmt.Errorf("not an IP address")
	}
	return nil
}
