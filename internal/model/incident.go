package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Severity is the assessed impact of an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every known severity, lowest first.
var Severities = []Severity{
	SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical,
}

// ParseSeverity normalizes s (case-insensitive) into a known Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Valid reports whether sev is one of the known severities.
func (sev Severity) Valid() bool {
	return sev.Rank() > 0
}

// Rank orders severities: critical=4, high=3, medium=2, low=1.
// Unknown values rank 0.
func (sev Severity) Rank() int {
	switch sev {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// MarshalText encodes the severity in the backend's upper-case form.
func (sev Severity) MarshalText() ([]byte, error) {
	return []byte(strings.ToUpper(string(sev))), nil
}

// UnmarshalText accepts any casing. Unknown values are kept as-is so
// that a newer backend does not break decoding of whole lists.
func (sev *Severity) UnmarshalText(b []byte) error {
	*sev = Severity(strings.ToLower(strings.TrimSpace(string(b))))
	return nil
}

// Status is the investigation state of an incident.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed"
)

// Statuses lists every known status in workflow order.
var Statuses = []Status{
	StatusOpen, StatusInvestigating, StatusResolved, StatusClosed,
}

// ParseStatus normalizes s (case-insensitive) into a known Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Valid reports whether st is one of the known statuses.
func (st Status) Valid() bool {
	switch st {
	case StatusOpen, StatusInvestigating, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// MarshalText encodes the status in the backend's upper-case form.
func (st Status) MarshalText() ([]byte, error) {
	return []byte(strings.ToUpper(string(st))), nil
}

// UnmarshalText accepts any casing.
func (st *Status) UnmarshalText(b []byte) error {
	*st = Status(strings.ToLower(strings.TrimSpace(string(b))))
	return nil
}

// ID is an opaque incident identifier. The backend issues integers;
// they are held in string form so callers never do arithmetic on them.
type ID string

// UnmarshalJSON accepts both JSON numbers and strings.
func (id *ID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decoding incident id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON emits numeric IDs as numbers and anything else as a string.
func (id ID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// Incident is the client's read-through copy of a server-owned
// security incident record.
type Incident struct {
	ID           ID         `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	IncidentType *string    `json:"incident_type,omitempty"`
	SourceIP     *string    `json:"source_ip,omitempty"`
	TargetSystem *string    `json:"target_system,omitempty"`
	Severity     Severity   `json:"severity"`
	Status       Status     `json:"status"`
	DetectedAt   *time.Time `json:"detected_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`

	// ResolvedAt is populated by the server the first time the incident
	// reaches resolved. The client never sets it.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Validate checks the record invariants against the given current time.
func (inc Incident) Validate(now time.Time) error {
	if inc.ID == "" {
		return fmt.Errorf("incident has no id")
	}
	if !inc.Status.Valid() {
		return fmt.Errorf("incident %s: unknown status %q", inc.ID, inc.Status)
	}
	if !inc.Severity.Valid() {
		return fmt.Errorf("incident %s: unknown severity %q", inc.ID, inc.Severity)
	}
	if inc.UpdatedAt != nil {
		if inc.UpdatedAt.Before(inc.CreatedAt) {
			return fmt.Errorf("incident %s: updated_at precedes created_at", inc.ID)
		}
		if inc.UpdatedAt.After(now) {
			return fmt.Errorf("incident %s: updated_at is in the future", inc.ID)
		}
	}
	if inc.CreatedAt.After(now) {
		return fmt.Errorf("incident %s: created_at is in the future", inc.ID)
	}
	return nil
}

// maxTitleLength mirrors the backend's schema limit.
const maxTitleLength = 200

// Draft is the payload for creating an incident. The server assigns the
// id, the open status and the timestamps.
type Draft struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Severity     Severity `json:"severity,omitempty"`
	IncidentType *string  `json:"incident_type,omitempty"`
	SourceIP     *string  `json:"source_ip,omitempty"`
	TargetSystem *string  `json:"target_system,omitempty"`
}

// Validate returns a field -> message map of problems, or nil.
func (d Draft) Validate() map[string]string {
	fields := map[string]string{}
	title := strings.TrimSpace(d.Title)
	switch {
	case title == "":
		fields["title"] = "title is required"
	case len(title) > maxTitleLength:
		fields["title"] = fmt.Sprintf("title exceeds %d characters", maxTitleLength)
	}
	if d.Severity != "" && !d.Severity.Valid() {
		fields["severity"] = fmt.Sprintf("unknown severity %q", d.Severity)
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}
