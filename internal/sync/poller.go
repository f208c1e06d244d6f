// Package sync mirrors the shared incident list into the local snapshot
// store and raises notifications for incidents seen for the first time.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/incidentwatch/internal/api"
	"github.com/nhle/incidentwatch/internal/logging"
	"github.com/nhle/incidentwatch/internal/model"
	"github.com/nhle/incidentwatch/internal/refresh"
	"github.com/nhle/incidentwatch/internal/store"
)

// SyncState represents the current state of the mirror.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

// SyncStatus holds the mirror's state.
type SyncStatus struct {
	State    SyncState
	LastSync time.Time
	Error    error
}

// SyncResultMsg is a tea.Msg sent whenever the list view changes.
type SyncResultMsg struct {
	Snapshot         refresh.Snapshot
	Incidents        []model.Incident
	Error            error
	AuthError        *AuthErrorMsg
	NewIncidentCount int
}

// AuthErrorMsg is a tea.Msg sent when the service rejects the credential.
type AuthErrorMsg struct {
	Message string
}

// persistTimeout bounds a single write of the snapshot.
const persistTimeout = 10 * time.Second

// Poller observes refresh.ListKey() for as long as it runs. The
// coordinator owns the polling schedule; the Poller persists each fresh
// list and forwards it to the UI.
type Poller struct {
	store    store.Store
	coord    *refresh.Coordinator
	fetch    refresh.Fetcher
	interval time.Duration
	logger   logging.Logger

	resultCh chan SyncResultMsg
	stopCh   chan struct{}
	done     chan struct{}

	mu        gosync.Mutex
	status    SyncStatus
	sub       *refresh.Subscription
	running   bool
	lastFetch time.Time
}

// New creates a Poller persisting into s. fetch loads the incident list
// and must return []model.Incident.
func New(
	s store.Store,
	coord *refresh.Coordinator,
	fetch refresh.Fetcher,
	interval time.Duration,
	logger logging.Logger,
) *Poller {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Poller{
		store:    s,
		coord:    coord,
		fetch:    fetch,
		interval: interval,
		logger:   logger,
		resultCh: make(chan SyncResultMsg, 16),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Seed warm-starts the list view from the last persisted snapshot so the
// UI has something to show before the first fetch completes.
func (p *Poller) Seed(ctx context.Context) error {
	last, err := p.store.LastFetchedAt(ctx)
	if err != nil {
		return err
	}
	if last.IsZero() {
		return nil
	}

	incidents, err := p.store.GetIncidents(ctx, store.IncidentFilter{})
	if err != nil {
		return err
	}
	p.coord.Seed(refresh.ListKey(), incidents, last)
	p.logger.Debug("seeded incident list", "count", len(incidents), "fetched_at", last)
	return nil
}

// Start subscribes to the list view and returns a tea.Cmd delivering
// the first SyncResultMsg.
func (p *Poller) Start() tea.Cmd {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.sub = p.coord.Subscribe(refresh.ListKey(), p.fetch, refresh.WithInterval(p.interval))
	sub := p.sub
	p.mu.Unlock()

	go p.watch(sub)

	return p.waitForResult()
}

// Stop closes the subscription and waits for the watcher to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	sub := p.sub
	p.mu.Unlock()

	sub.Close()
	<-p.done
}

// RefreshAll triggers an immediate list refresh. Concurrent triggers
// share one request.
func (p *Poller) RefreshAll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, err := p.coord.Refresh(ctx, refresh.ListKey()); err != nil {
			p.logger.Debug("manual refresh failed", "err", err)
		}
		return nil
	}
}

// GetStatus returns the mirror's current state.
func (p *Poller) GetStatus() SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// watch persists every new list value until the subscription closes.
func (p *Poller) watch(sub *refresh.Subscription) {
	defer close(p.done)

	for snap := range sub.Updates() {
		p.handle(snap)
	}
}

func (p *Poller) handle(snap refresh.Snapshot) {
	if snap.Loading {
		p.setStatus(SyncRunning, nil)
	}

	if snap.Err != nil && !snap.Loading {
		p.setStatus(SyncError, snap.Err)
		msg := SyncResultMsg{Snapshot: snap, Error: snap.Err}
		if api.IsAuthError(snap.Err) {
			msg.AuthError = &AuthErrorMsg{
				Message: "incident service rejected the credential. Run `incidentctl login`.",
			}
		}
		p.sendResult(msg)
		return
	}

	incidents, ok := refresh.Value[[]model.Incident](snap)
	if !ok {
		return
	}

	msg := SyncResultMsg{Snapshot: snap, Incidents: incidents}

	if !snap.Stale && snap.FetchedAt.After(p.lastFetch) {
		p.lastFetch = snap.FetchedAt

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		n, err := p.Apply(ctx, incidents, snap.FetchedAt)
		cancel()
		if err != nil {
			p.logger.Error("persisting incident list", "err", err)
			p.setStatus(SyncError, err)
			msg.Error = err
			p.sendResult(msg)
			return
		}
		msg.NewIncidentCount = n
		p.setStatus(SyncIdle, nil)
	}

	p.sendResult(msg)
}

// Apply upserts incidents into the store and records a notification for
// each one not seen before. The very first snapshot populates the store
// without notifying. It returns the number of new incidents.
func (p *Poller) Apply(ctx context.Context, incidents []model.Incident, fetchedAt time.Time) (int, error) {
	known, err := p.store.KnownIncidentIDs(ctx)
	if err != nil {
		return 0, err
	}
	firstSync := len(known) == 0

	var fresh []model.Incident
	for _, inc := range incidents {
		if !known[inc.ID] {
			fresh = append(fresh, inc)
		}
	}

	if err := p.store.UpsertIncidents(ctx, incidents, fetchedAt); err != nil {
		return 0, err
	}

	if firstSync {
		return 0, nil
	}

	for _, inc := range fresh {
		notification := model.Notification{
			IncidentID: inc.ID,
			Severity:   inc.Severity,
			Message:    fmt.Sprintf("New %s incident: %s", inc.Severity, inc.Title),
			CreatedAt:  time.Now(),
		}
		if err := p.store.CreateNotification(ctx, notification); err != nil {
			p.logger.Warn("recording notification", "incident", inc.ID, "err", err)
		}
	}
	if len(fresh) > 0 {
		p.logger.Info("new incidents", "count", len(fresh))
	}
	return len(fresh), nil
}

// setStatus updates the mirror's state.
func (p *Poller) setStatus(state SyncState, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.State = state
	p.status.Error = err
	if state == SyncIdle && err == nil {
		p.status.LastSync = time.Now()
	}
}

// sendResult sends a SyncResultMsg on the result channel without blocking.
func (p *Poller) sendResult(msg SyncResultMsg) {
	select {
	case p.resultCh <- msg:
	default:
		// Drop if channel is full to avoid blocking the mirror
	}
}

// waitForResult returns a tea.Cmd that waits for the next result from
// the result channel.
func (p *Poller) waitForResult() tea.Cmd {
	return func() tea.Msg {
		select {
		case result := <-p.resultCh:
			return result
		case <-p.stopCh:
			return nil
		}
	}
}

// WaitForNextResult returns a tea.Cmd that waits for the next result.
// It should be called after processing a SyncResultMsg to keep
// listening.
func (p *Poller) WaitForNextResult() tea.Cmd {
	return p.waitForResult()
}
