// Package app wires the services into the incident dashboard and routes
// messages between its views.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/incidentwatch/internal/api"
	"github.com/nhle/incidentwatch/internal/derive"
	"github.com/nhle/incidentwatch/internal/ingest"
	"github.com/nhle/incidentwatch/internal/lifecycle"
	"github.com/nhle/incidentwatch/internal/model"
	"github.com/nhle/incidentwatch/internal/refresh"
	appsync "github.com/nhle/incidentwatch/internal/sync"
	"github.com/nhle/incidentwatch/internal/ui"
	"github.com/nhle/incidentwatch/internal/ui/command"
	"github.com/nhle/incidentwatch/internal/ui/dashboard"
	"github.com/nhle/incidentwatch/internal/ui/detail"
	helpview "github.com/nhle/incidentwatch/internal/ui/help"
	"github.com/nhle/incidentwatch/internal/ui/incidentform"
	"github.com/nhle/incidentwatch/internal/ui/upload"
)

// actionTimeout bounds a status change or creation started from the UI.
const actionTimeout = 30 * time.Second

// unreadCountMsg carries the number of unread notifications to the UI.
type unreadCountMsg struct {
	count int
}

// detailUpdateMsg carries a snapshot of the open incident's entry.
type detailUpdateMsg struct {
	sub  *refresh.Subscription
	snap refresh.Snapshot
}

// jobUpdateMsg carries the upload pipeline's latest job snapshot.
type jobUpdateMsg struct {
	job ingest.JobSnapshot
}

type statusChangedMsg struct {
	incident model.Incident
	err      error
}

type incidentCreatedMsg struct {
	incident model.Incident
	err      error
}

type uploadStartedMsg struct {
	err error
}

// ViewState represents the current active view in the application.
type ViewState int

const (
	ViewDashboard ViewState = iota
	ViewDetail
	ViewHelp
	ViewCommand
	ViewCreate
	ViewUpload
)

// Model is the root Bubble Tea model that manages view routing and
// layout.
type Model struct {
	rt           *Runtime
	currentView  ViewState
	previousView ViewState
	layout       ui.Layout
	keys         *KeyMap
	dashboard    dashboard.Model
	detail       detail.Model
	helpView     helpview.Model
	commandView  command.Model
	createView   incidentform.Model
	uploadView   upload.Model
	detailSub    *refresh.Subscription
	ready        bool
	unreadCount  int
	errorMessage string
}

// New creates the root model over an opened Runtime.
func New(rt *Runtime) Model {
	keys := DefaultKeyMap()
	return Model{
		rt:          rt,
		currentView: ViewDashboard,
		keys:        keys,
		dashboard:   dashboard.New(keys, 80, 24),
		detail:      detail.New(keys, 80, 24),
		helpView:    helpview.New(keys, 80, 24),
		commandView: command.New(80, 24),
		createView:  incidentform.New(80, 24),
		uploadView:  upload.New(keys, 80, 24),
	}
}

// Init starts polling the incident list. The first SyncResultMsg carries
// the seeded snapshot, if any.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.rt.Poller.Start(),
		m.waitForJob(),
		m.fetchUnreadCount(),
	)
}

// Run seeds the list from the snapshot store and runs the dashboard
// until the user quits.
func Run(rt *Runtime) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rt.Poller.Seed(ctx); err != nil {
		rt.Logger.Warn("seeding incident list", "err", err)
	}
	cancel()

	p := tea.NewProgram(New(rt), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Update handles messages and dispatches to the active view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.ready = true
		w, h := m.layout.ContentWidth(), m.layout.ContentHeight()
		m.dashboard.SetSize(w, h)
		m.detail.SetSize(w, h)
		m.helpView.SetSize(w, h)
		m.commandView.SetSize(w, h)
		m.createView.SetSize(w, h)
		m.uploadView.SetSize(w, h)
		// Forward to active view so huh forms can calculate their layout.
		return m.updateActiveView(msg)

	case appsync.SyncResultMsg:
		switch {
		case msg.AuthError != nil:
			m.errorMessage = msg.AuthError.Message
		case msg.Error != nil:
			m.errorMessage = "refresh failed: " + msg.Error.Error()
		default:
			m.errorMessage = ""
		}
		cmd := m.dashboard.SetSnapshot(msg.Snapshot)
		if m.detailSub != nil {
			m.detail.SetRelated(m.dashboard.All())
		}
		cmds := []tea.Cmd{cmd, m.rt.Poller.WaitForNextResult()}
		if msg.NewIncidentCount > 0 {
			cmds = append(cmds, m.fetchUnreadCount())
		}
		return m, tea.Batch(cmds...)

	case unreadCountMsg:
		m.unreadCount = msg.count
		return m, nil

	case dashboard.SelectedIncidentMsg:
		m.previousView = m.currentView
		m.currentView = ViewDetail
		m.detail.Open(msg.Incident)
		m.detail.SetRelated(m.dashboard.All())
		cmd := m.openDetail(msg.Incident.ID)
		return m, cmd

	case detailUpdateMsg:
		// Late snapshots from a closed subscription are dropped.
		if msg.sub != m.detailSub {
			return m, nil
		}
		m.detail.SetSnapshot(msg.snap)
		return m, waitForDetail(msg.sub)

	case detail.BackMsg:
		m.closeDetail()
		m.currentView = ViewDashboard
		return m, nil

	case detail.StatusChangeMsg:
		return m, m.changeStatus(msg.Incident, msg.Next)

	case statusChangedMsg:
		switch {
		case lifecycle.IsNoOp(msg.err):
			m.detail.SetNotice("Status unchanged.")
		case lifecycle.IsApplied(msg.err):
			var applied *lifecycle.AppliedError
			errors.As(msg.err, &applied)
			m.detail.SetNotice(fmt.Sprintf("Moved to %s; reload pending.", applied.Status))
		case msg.err != nil:
			m.detail.SetNotice(describeError(msg.err))
		default:
			m.detail.SetNotice(fmt.Sprintf("Moved to %s.", msg.incident.Status))
		}
		return m, nil

	case incidentform.DraftSubmittedMsg:
		m.currentView = ViewDashboard
		return m, m.createIncident(msg.Draft)

	case incidentform.CancelMsg:
		m.currentView = ViewDashboard
		return m, nil

	case incidentCreatedMsg:
		if msg.err != nil {
			m.errorMessage = describeError(msg.err)
		} else {
			m.errorMessage = ""
		}
		return m, nil

	case upload.SubmitMsg:
		return m, m.submitUpload(msg.Path)

	case upload.BackMsg:
		m.currentView = ViewDashboard
		return m, nil

	case uploadStartedMsg:
		if msg.err != nil {
			m.uploadView.SetJob(ingest.JobSnapshot{State: ingest.StateFailed, Err: msg.err})
		}
		return m, nil

	case jobUpdateMsg:
		m.uploadView.SetJob(msg.job)
		if msg.job.State.Terminal() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.rt.RecordJob(ctx, msg.job, model.UploadSourceTUI)
			cancel()
		}
		return m, m.waitForJob()

	case command.CommandMsg:
		m.currentView = m.previousView
		cmd := m.executeCommand(string(msg))
		return m, cmd

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			cmd := m.quit()
			return m, cmd
		}
		if m.currentView == ViewCommand && msg.String() == "esc" {
			m.currentView = m.previousView
			return m, nil
		}
		if m.capturesKeys() {
			break
		}
		switch msg.String() {

		case "q":
			if m.currentView == ViewDashboard {
				cmd := m.quit()
				return m, cmd
			}

		case "?":
			if m.currentView == ViewHelp {
				m.currentView = m.previousView
				return m, nil
			}
			m.previousView = m.currentView
			m.currentView = ViewHelp
			return m, nil

		case ":":
			if m.currentView == ViewCommand {
				m.currentView = m.previousView
				return m, nil
			}
			m.previousView = m.currentView
			m.currentView = ViewCommand
			cmd := m.commandView.Focus()
			return m, cmd

		case "esc":
			if m.currentView == ViewHelp {
				m.currentView = m.previousView
				return m, nil
			}

		case "r":
			if m.currentView == ViewDashboard {
				return m, m.rt.Poller.RefreshAll()
			}
			if m.currentView == ViewDetail && m.detailSub != nil {
				return m, m.refreshDetail()
			}

		case "n":
			if m.currentView == ViewDashboard {
				m.previousView = m.currentView
				m.currentView = ViewCreate
				cmd := m.createView.Start()
				return m, cmd
			}

		case "u":
			if m.currentView == ViewDashboard {
				m.previousView = m.currentView
				m.currentView = ViewUpload
				cmd := m.uploadView.Start()
				return m, cmd
			}
		}
	}

	// Delegate to active sub-view
	return m.updateActiveView(msg)
}

// capturesKeys reports whether the active view owns the keyboard, as
// forms and the palette input do.
func (m Model) capturesKeys() bool {
	switch m.currentView {
	case ViewCreate:
		return true
	case ViewUpload:
		return m.uploadView.Editing()
	case ViewDetail:
		return m.detail.Editing()
	case ViewCommand:
		return true
	}
	return false
}

// updateActiveView dispatches the message to the currently active view.
func (m Model) updateActiveView(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch m.currentView {
	case ViewDashboard:
		m.dashboard, cmd = m.dashboard.Update(msg)
	case ViewDetail:
		m.detail, cmd = m.detail.Update(msg)
	case ViewHelp:
		m.helpView, cmd = m.helpView.Update(msg)
	case ViewCommand:
		m.commandView, cmd = m.commandView.Update(msg)
	case ViewCreate:
		m.createView, cmd = m.createView.Update(msg)
	case ViewUpload:
		m.uploadView, cmd = m.uploadView.Update(msg)
	}

	return m, cmd
}

// View renders the full terminal UI using the layout manager.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	title := "incidentwatch"
	if m.unreadCount > 0 {
		title = fmt.Sprintf("incidentwatch [%d new]", m.unreadCount)
	}
	header := m.layout.RenderHeader(title, m.refreshStatus())

	var bar string
	if m.errorMessage != "" && m.currentView == ViewDashboard {
		bar = m.layout.RenderErrorBar(m.errorMessage)
	} else {
		bar = m.layout.RenderStatusBar(m.keyHints())
	}

	return m.layout.RenderWithFrame(header, m.renderContent(), bar)
}

// renderContent returns the rendered string for the current active view.
func (m Model) renderContent() string {
	switch m.currentView {
	case ViewDashboard:
		return m.dashboard.View()
	case ViewDetail:
		return m.detail.View()
	case ViewHelp:
		return m.helpView.View()
	case ViewCommand:
		return m.commandView.View()
	case ViewCreate:
		return m.createView.View()
	case ViewUpload:
		return m.uploadView.View()
	default:
		return ""
	}
}

// refreshStatus returns a short string describing the list refresh.
func (m Model) refreshStatus() string {
	status := m.rt.Poller.GetStatus()
	switch status.State {
	case appsync.SyncRunning:
		return "refreshing"
	case appsync.SyncError:
		return "⚠ unreachable"
	}
	if status.LastSync.IsZero() {
		if snap := m.dashboard.Snapshot(); snap.Stale && !snap.FetchedAt.IsZero() {
			return "cached " + snap.FetchedAt.Local().Format("15:04")
		}
		return "idle"
	}
	return "updated " + status.LastSync.Format("15:04:05")
}

// keyHints returns keyboard shortcut hints for the status bar.
func (m Model) keyHints() string {
	switch m.currentView {
	case ViewHelp:
		return "? close help | esc back"
	case ViewCommand:
		return "enter execute | tab complete | esc back"
	case ViewDetail:
		return "esc back | s set status | r refresh | j/k scroll"
	case ViewCreate:
		return "enter next | esc cancel"
	case ViewUpload:
		return "enter choose | esc back"
	default:
		return "q quit | ? help | enter open | f filter | tab sort | n new | u upload | r refresh"
	}
}

// openDetail subscribes to the incident's own entry so the pane follows
// server state while it is open.
func (m *Model) openDetail(id model.ID) tea.Cmd {
	m.closeDetail()
	m.detailSub = m.rt.Coord.Subscribe(refresh.IncidentKey(id), m.rt.IncidentFetcher(id))
	return waitForDetail(m.detailSub)
}

func (m *Model) closeDetail() {
	if m.detailSub != nil {
		m.detailSub.Close()
		m.detailSub = nil
	}
}

func (m Model) refreshDetail() tea.Cmd {
	sub := m.detailSub
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		sub.Refresh(ctx)
		return nil
	}
}

func waitForDetail(sub *refresh.Subscription) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-sub.Updates()
		if !ok {
			return nil
		}
		return detailUpdateMsg{sub: sub, snap: snap}
	}
}

func (m Model) waitForJob() tea.Cmd {
	updates := m.rt.Pipeline.Updates()
	return func() tea.Msg {
		return jobUpdateMsg{job: <-updates}
	}
}

func (m Model) changeStatus(inc model.Incident, next model.Status) tea.Cmd {
	svc := m.rt.Lifecycle
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		updated, err := svc.SetStatus(ctx, inc, next)
		return statusChangedMsg{incident: updated, err: err}
	}
}

func (m Model) createIncident(d model.Draft) tea.Cmd {
	svc := m.rt.Lifecycle
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		created, err := svc.Create(ctx, d)
		return incidentCreatedMsg{incident: created, err: err}
	}
}

func (m Model) submitUpload(path string) tea.Cmd {
	p := m.rt.Pipeline
	return func() tea.Msg {
		f, err := ingest.FileFromPath(path)
		if err != nil {
			return uploadStartedMsg{err: err}
		}
		// The job outlives this command; progress arrives on the
		// pipeline's update channel.
		_, err = p.Submit(context.Background(), f, nil)
		return uploadStartedMsg{err: err}
	}
}

// fetchUnreadCount returns a tea.Cmd that queries the store for the
// number of unread notifications.
func (m Model) fetchUnreadCount() tea.Cmd {
	s := m.rt.Store
	return func() tea.Msg {
		notifications, err := s.GetUnreadNotifications(context.Background())
		if err != nil {
			return unreadCountMsg{count: 0}
		}
		return unreadCountMsg{count: len(notifications)}
	}
}

func (m *Model) quit() tea.Cmd {
	m.closeDetail()
	m.rt.Poller.Stop()
	return tea.Quit
}

// describeError turns service errors into a status line.
func describeError(err error) string {
	switch {
	case api.IsAuthError(err):
		return "not authorized, run `incidentctl login`"
	case api.IsNotFound(err):
		return "incident no longer exists"
	case api.IsNetwork(err):
		return "service unreachable"
	}
	return err.Error()
}

// executeCommand handles a command string from the command palette.
func (m *Model) executeCommand(cmd string) tea.Cmd {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "refresh", "r":
		return m.rt.Poller.RefreshAll()
	case "quit", "q":
		return m.quit()
	case "new":
		m.previousView = m.currentView
		m.currentView = ViewCreate
		return m.createView.Start()
	case "upload":
		m.previousView = m.currentView
		m.currentView = ViewUpload
		return m.uploadView.Start()
	case "filter":
		if len(fields) < 2 {
			return nil
		}
		m.currentView = ViewDashboard
		cmd, err := m.dashboard.SetFilter(fields[1])
		if err != nil {
			m.errorMessage = err.Error()
		}
		return cmd
	case "sort":
		if len(fields) < 2 {
			return nil
		}
		mode, err := derive.ParseSortMode(fields[1])
		if err != nil {
			m.errorMessage = err.Error()
			return nil
		}
		m.currentView = ViewDashboard
		return m.dashboard.SetSort(mode)
	default:
		m.errorMessage = fmt.Sprintf("unknown command %q", cmd)
		return nil
	}
}
