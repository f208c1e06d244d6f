package lifecycle

import (
	"context"
	"fmt"

	"github.com/nhle/incidentwatch/internal/logging"
	"github.com/nhle/incidentwatch/internal/model"
	"github.com/nhle/incidentwatch/internal/refresh"
)

// IncidentStore is the server side of the lifecycle. *api.Client
// satisfies it.
type IncidentStore interface {
	SetIncidentStatus(ctx context.Context, current model.Incident, next model.Status) (*model.Incident, error)
	CreateIncident(ctx context.Context, d model.Draft) (*model.Incident, error)
}

// Invalidator marks cached views stale. *refresh.Coordinator satisfies it.
type Invalidator interface {
	Invalidate(key refresh.Key) bool
}

// Service applies status changes and creations, then invalidates the
// views they affect.
type Service struct {
	authority *Authority
	store     IncidentStore
	cache     Invalidator
	logger    logging.Logger
}

// NewService wires a Service. A nil authority is permissive and a nil
// logger discards output.
func NewService(a *Authority, store IncidentStore, cache Invalidator, logger logging.Logger) *Service {
	if a == nil {
		a = NewAuthority(nil)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Service{authority: a, store: store, cache: cache, logger: logger}
}

// SetStatus moves current to next. Both the incident's detail view and
// the list are invalidated once the server accepted the change, even
// when the updated record could not be read back (an *AppliedError).
func (s *Service) SetStatus(ctx context.Context, current model.Incident, next model.Status) (model.Incident, error) {
	if err := s.authority.Check(current.Status, next); err != nil {
		return model.Incident{}, err
	}

	updated, err := s.store.SetIncidentStatus(ctx, current, next)
	if IsApplied(err) {
		s.logger.Warn("incident status changed, reload failed",
			"id", current.ID, "from", current.Status, "to", next, "err", err)
		s.invalidate(current.ID)
		return model.Incident{}, fmt.Errorf("setting status of incident %s: %w", current.ID, err)
	}
	if err != nil {
		return model.Incident{}, fmt.Errorf("setting status of incident %s: %w", current.ID, err)
	}

	s.logger.Info("incident status changed",
		"id", current.ID, "from", current.Status, "to", updated.Status)

	s.invalidate(current.ID)
	return *updated, nil
}

func (s *Service) invalidate(id model.ID) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(refresh.IncidentKey(id))
	s.cache.Invalidate(refresh.ListKey())
}

// Create submits a new incident and invalidates the list.
func (s *Service) Create(ctx context.Context, d model.Draft) (model.Incident, error) {
	created, err := s.store.CreateIncident(ctx, d)
	if err != nil {
		return model.Incident{}, fmt.Errorf("creating incident: %w", err)
	}

	s.logger.Info("incident created", "id", created.ID, "severity", created.Severity)

	if s.cache != nil {
		s.cache.Invalidate(refresh.ListKey())
	}
	return *created, nil
}
