package model

import "time"

// Notification records that a previously unseen incident appeared in a
// refreshed incident list.
type Notification struct {
	// ID is the unique identifier for this notification.
	ID string `json:"id" db:"id"`

	// IncidentID links this notification to the incident that triggered it.
	IncidentID ID `json:"incident_id" db:"incident_id"`

	// Severity is copied from the incident at the time it was first seen.
	Severity Severity `json:"severity" db:"severity"`

	// Message is the human-readable notification text.
	Message string `json:"message" db:"message"`

	// Read indicates whether the operator has acknowledged it.
	Read bool `json:"read" db:"read"`

	// CreatedAt is when this notification was generated.
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
