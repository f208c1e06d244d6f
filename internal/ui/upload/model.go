// Package upload is the log upload screen: a file picker that submits to
// the ingestion pipeline and a status panel that follows the live job.
package upload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/incidentwatch/internal/ingest"
	"github.com/nhle/incidentwatch/internal/keys"
	"github.com/nhle/incidentwatch/internal/theme"
	"github.com/nhle/incidentwatch/internal/ui"
)

// SubmitMsg asks the parent to submit the file at Path.
type SubmitMsg struct {
	Path string
}

// BackMsg signals the parent to leave the upload screen.
type BackMsg struct{}

type pathBinding struct {
	path string
}

// Model is the upload screen.
type Model struct {
	form    *huh.Form
	binding *pathBinding
	job     ingest.JobSnapshot
	spinner spinner.Model
	keys    *keys.KeyMap
	width   int
	height  int
}

// New creates a new upload screen.
func New(k *keys.KeyMap, width, height int) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorBlue)

	return Model{
		binding: &pathBinding{},
		job:     ingest.JobSnapshot{State: ingest.StateIdle},
		spinner: sp,
		keys:    k,
		width:   width,
		height:  height,
	}
}

// Start opens the file picker.
func (m *Model) Start() tea.Cmd {
	m.binding.path = ""
	m.form = m.buildForm()
	return tea.Batch(m.form.Init(), m.spinner.Tick)
}

// SetJob applies the pipeline's latest job snapshot.
func (m *Model) SetJob(job ingest.JobSnapshot) {
	m.job = job
}

// Editing reports whether the file picker is open.
func (m Model) Editing() bool { return m.form != nil }

// Job returns the job snapshot on display.
func (m Model) Job() ingest.JobSnapshot { return m.job }

func (m Model) buildForm() *huh.Form {
	dir, err := os.Getwd()
	if err != nil {
		dir = "."
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewFilePicker().
				Title("Log file").
				Description(".log or .txt, up to 10 MiB").
				CurrentDirectory(dir).
				AllowedTypes([]string{".log", ".txt"}).
				FileAllowed(true).
				DirAllowed(false).
				Picking(true).
				Height(max(m.height-8, 5)).
				Value(&m.binding.path).
				Validate(validatePath),
		),
	).WithWidth(min(max(m.width-4, 40), 100)).WithKeyMap(ui.FormKeyMap())
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("choose a file")
	}
	if !ingest.Accepts(path) {
		return fmt.Errorf("only .log and .txt files are accepted")
	}
	return nil
}

// Update handles messages for the upload screen.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if tick, ok := msg.(spinner.TickMsg); ok {
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(tick)
		return m, cmd
	}

	if m.form != nil {
		mdl, cmd := m.form.Update(msg)
		if f, ok := mdl.(*huh.Form); ok {
			m.form = f
		}
		switch m.form.State {
		case huh.StateCompleted:
			m.form = nil
			path := m.binding.path
			return m, func() tea.Msg { return SubmitMsg{Path: path} }
		case huh.StateAborted:
			m.form = nil
			return m, func() tea.Msg { return BackMsg{} }
		}
		return m, cmd
	}

	if msg, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(msg, m.keys.Back):
			return m, func() tea.Msg { return BackMsg{} }
		case key.Matches(msg, m.keys.Upload):
			cmd := m.Start()
			return m, cmd
		}
	}
	return m, nil
}

// View renders the picker or the job status.
func (m Model) View() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginBottom(1)

	if m.form != nil {
		return lipgloss.NewStyle().Padding(1, 2).Render(
			titleStyle.Render("Upload Log") + "\n" + m.form.View(),
		)
	}

	return theme.DetailPanelStyle.
		Width(m.width - 4).
		Render(lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Upload Log"),
			m.renderJob(),
			"",
			theme.HelpStyle.Render("u upload another | esc back"),
		))
}

func (m Model) renderJob() string {
	job := m.job
	label := lipgloss.NewStyle().Foreground(theme.ColorGray)

	switch job.State {
	case ingest.StateIdle:
		return label.Render("No upload yet.")
	case ingest.StateUploading:
		return m.spinner.View() + " uploading " + job.File
	case ingest.StateAnalyzing:
		return m.spinner.View() + " analyzing " + job.File
	case ingest.StateFailed:
		return lipgloss.NewStyle().Foreground(theme.ColorRed).
			Render(fmt.Sprintf("✗ %s failed: %v", job.File, job.Err))
	case ingest.StateSucceeded:
		took := job.FinishedAt.Sub(job.StartedAt).Round(10 * time.Millisecond)
		return lipgloss.JoinVertical(lipgloss.Left,
			lipgloss.NewStyle().Foreground(theme.ColorGreen).
				Render(fmt.Sprintf("✓ %s analyzed in %s", job.File, took)),
			"",
			prettyJSON(job.Result),
		)
	}
	return ""
}

// prettyJSON indents the analysis payload for display; invalid JSON is
// shown as-is.
func prettyJSON(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// SetSize updates the screen dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
}
