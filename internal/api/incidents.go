package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nhle/incidentwatch/internal/model"
)

// ListIncidents returns a page of incidents in the server's order
// (newest first by creation time).
func (c *Client) ListIncidents(ctx context.Context, offset, limit int) ([]model.Incident, error) {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(max(offset, 0)))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var incidents []model.Incident
	if err := c.get(ctx, "/incidents/?"+q.Encode(), &incidents); err != nil {
		return nil, err
	}
	if incidents == nil {
		incidents = []model.Incident{}
	}
	return incidents, nil
}

// GetIncident fetches a single incident. A missing id yields *NotFoundError.
func (c *Client) GetIncident(ctx context.Context, id model.ID) (*model.Incident, error) {
	var inc model.Incident
	if err := c.get(ctx, incidentPath(id), &inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

// CreateIncident submits a draft. Drafts failing local validation are
// rejected with *ValidationError before any request.
func (c *Client) CreateIncident(ctx context.Context, draft model.Draft) (*model.Incident, error) {
	if fields := draft.Validate(); fields != nil {
		return nil, &ValidationError{
			StatusCode: http.StatusBadRequest,
			Message:    "invalid incident draft",
			Fields:     fields,
		}
	}

	var inc model.Incident
	if err := c.post(ctx, "/incidents/", draft, &inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

type statusUpdate struct {
	Status model.Status `json:"status"`
}

// SetIncidentStatus moves current to next. The transition authority is
// consulted first; a rejected change (including a no-op) issues no
// request. When the server acknowledges without returning the record,
// the record is fetched so the caller always sees server state; if that
// read fails the error is a *lifecycle.AppliedError.
func (c *Client) SetIncidentStatus(
	ctx context.Context,
	current model.Incident,
	next model.Status,
) (*model.Incident, error) {
	if err := c.authority.Check(current.Status, next); err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := c.put(ctx, incidentPath(current.ID)+"/status", statusUpdate{Status: next}, &raw); err != nil {
		return nil, err
	}

	if inc, ok := decodeIncident(raw); ok {
		return inc, nil
	}

	c.logger.Debug("status acknowledged without record, refetching", "incident", current.ID)
	inc, err := c.GetIncident(ctx, current.ID)
	if err != nil {
		return nil, &lifecycle.AppliedError{ID: current.ID, Status: next, Err: err}
	}
	return inc, nil
}

// decodeIncident reports whether raw holds an incident record.
func decodeIncident(raw json.RawMessage) (*model.Incident, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var inc model.Incident
	if err := json.Unmarshal(raw, &inc); err != nil || inc.ID == "" {
		return nil, false
	}
	return &inc, true
}

func incidentPath(id model.ID) string {
	return fmt.Sprintf("/incidents/%s", url.PathEscape(string(id)))
}
