// Package lifecycle decides which incident status changes are allowed
// and applies them through the incident store.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/nhle/incidentwatch/internal/model"
)

// NoOpTransitionError rejects a change to the status the incident
// already has. It is raised before any request is made.
type NoOpTransitionError struct {
	Status model.Status
}

func (e *NoOpTransitionError) Error() string {
	return fmt.Sprintf("incident is already %s", e.Status)
}

// IsNoOp reports whether err (or any error in its chain) is a
// NoOpTransitionError.
func IsNoOp(err error) bool {
	var noop *NoOpTransitionError
	return errors.As(err, &noop)
}

// AppliedError reports a status change the server accepted whose
// updated record could not be read back. Views must still be refreshed.
type AppliedError struct {
	ID     model.ID
	Status model.Status
	Err    error
}

func (e *AppliedError) Error() string {
	return fmt.Sprintf("incident %s moved to %s but could not be reloaded: %v", e.ID, e.Status, e.Err)
}

func (e *AppliedError) Unwrap() error { return e.Err }

// IsApplied reports whether err (or any error in its chain) is an
// AppliedError.
func IsApplied(err error) bool {
	var applied *AppliedError
	return errors.As(err, &applied)
}

// TransitionError is returned when the active Policy forbids a change.
type TransitionError struct {
	From   model.Status
	To     model.Status
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move incident from %s to %s: %s", e.From, e.To, e.Reason)
}

// Policy decides whether a change between two distinct, known statuses
// is allowed. It returns nil to allow.
type Policy interface {
	Allow(from, to model.Status) error
}

// PermissivePolicy allows every change, including reopening resolved
// and closed incidents.
type PermissivePolicy struct{}

func (PermissivePolicy) Allow(model.Status, model.Status) error { return nil }

// ForwardOnlyPolicy forbids moving an incident back out of resolved or
// closed. resolved -> closed remains allowed.
type ForwardOnlyPolicy struct{}

func (ForwardOnlyPolicy) Allow(from, to model.Status) error {
	switch from {
	case model.StatusClosed:
		return &TransitionError{From: from, To: to, Reason: "closed incidents cannot be reopened"}
	case model.StatusResolved:
		if to != model.StatusClosed {
			return &TransitionError{From: from, To: to, Reason: "resolved incidents can only be closed"}
		}
	}
	return nil
}

// Authority validates status changes independently of any UI.
type Authority struct {
	policy Policy
}

// NewAuthority returns an Authority applying p. A nil policy is
// permissive.
func NewAuthority(p Policy) *Authority {
	if p == nil {
		p = PermissivePolicy{}
	}
	return &Authority{policy: p}
}

// PolicyFor returns the policy selected by configuration.
func PolicyFor(cfg model.LifecycleConfig) Policy {
	if cfg.ForwardOnly {
		return ForwardOnlyPolicy{}
	}
	return PermissivePolicy{}
}

// Check validates moving an incident from its current status to next.
func (a *Authority) Check(from, next model.Status) error {
	if !next.Valid() {
		return fmt.Errorf("unknown target status %q", next)
	}
	if from == next {
		return &NoOpTransitionError{Status: from}
	}
	return a.policy.Allow(from, next)
}
