// Package derive computes views over incident lists: partitions,
// filters, orderings and summary counts. Every function is pure and
// returns a new slice; inputs are never reordered.
package derive

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nhle/incidentwatch/internal/model"
)

// PartitionByStatus groups incidents by status, preserving input order
// within each group. The result holds exactly the known statuses;
// incidents with any other status are left out, as in Summarize.
func PartitionByStatus(incidents []model.Incident) map[model.Status][]model.Incident {
	out := make(map[model.Status][]model.Incident, len(model.Statuses))
	for _, st := range model.Statuses {
		out[st] = []model.Incident{}
	}
	for _, inc := range incidents {
		if group, ok := out[inc.Status]; ok {
			out[inc.Status] = append(group, inc)
		}
	}
	return out
}

// Critical returns the critical incidents in input order.
func Critical(incidents []model.Incident) []model.Incident {
	out := []model.Incident{}
	for _, inc := range incidents {
		if inc.Severity == model.SeverityCritical {
			out = append(out, inc)
		}
	}
	return out
}

// FilterAll selects every status in FilterByStatus.
const FilterAll = "all"

// ParseFilter normalizes a status filter name: FilterAll (or empty) or a
// status in any case. Input from users should pass through it before
// reaching FilterByStatus.
func ParseFilter(s string) (string, error) {
	if s == "" || strings.EqualFold(strings.TrimSpace(s), FilterAll) {
		return FilterAll, nil
	}
	st, err := model.ParseStatus(s)
	if err != nil {
		return "", fmt.Errorf("unknown filter %q", s)
	}
	return string(st), nil
}

// FilterByStatus returns incidents with the given status, or all of them
// for FilterAll. A filter naming no known status selects nothing.
func FilterByStatus(incidents []model.Incident, filter string) []model.Incident {
	filter, err := ParseFilter(filter)
	if err != nil {
		return []model.Incident{}
	}
	if filter == FilterAll {
		return append([]model.Incident{}, incidents...)
	}
	out := []model.Incident{}
	for _, inc := range incidents {
		if inc.Status == model.Status(filter) {
			out = append(out, inc)
		}
	}
	return out
}

// SortByCreatedAt orders newest first. Equal timestamps keep input order.
func SortByCreatedAt(incidents []model.Incident) []model.Incident {
	out := append([]model.Incident{}, incidents...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// SortBySeverity orders critical first. Equal severities keep input order.
func SortBySeverity(incidents []model.Incident) []model.Incident {
	out := append([]model.Incident{}, incidents...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity.Rank() > out[j].Severity.Rank()
	})
	return out
}

// SortMode selects an ordering for Sort.
type SortMode string

const (
	SortCreated  SortMode = "created_at"
	SortSeverity SortMode = "severity"
)

// ParseSortMode accepts "created_at" (or "created") and "severity".
func ParseSortMode(s string) (SortMode, error) {
	switch s {
	case "", "created_at", "created":
		return SortCreated, nil
	case "severity":
		return SortSeverity, nil
	}
	return "", fmt.Errorf("unknown sort mode %q", s)
}

// Sort applies mode.
func Sort(incidents []model.Incident, mode SortMode) []model.Incident {
	if mode == SortSeverity {
		return SortBySeverity(incidents)
	}
	return SortByCreatedAt(incidents)
}

// Stats are the dashboard's headline counts.
type Stats struct {
	Open          int `json:"open"`
	Investigating int `json:"investigating"`
	Resolved      int `json:"resolved"`
	Closed        int `json:"closed"`
	Critical      int `json:"critical"`
	Total         int `json:"total"`
}

// Summarize counts incidents by status plus the critical ones.
// Incidents with an unknown status count toward Total only.
func Summarize(incidents []model.Incident) Stats {
	var s Stats
	for _, inc := range incidents {
		s.Total++
		switch inc.Status {
		case model.StatusOpen:
			s.Open++
		case model.StatusInvestigating:
			s.Investigating++
		case model.StatusResolved:
			s.Resolved++
		case model.StatusClosed:
			s.Closed++
		}
		if inc.Severity == model.SeverityCritical {
			s.Critical++
		}
	}
	return s
}

// DefaultRecent is the dashboard's recent-incidents length.
const DefaultRecent = 5

// Recent returns the n newest incidents.
func Recent(incidents []model.Incident, n int) []model.Incident {
	sorted := SortByCreatedAt(incidents)
	if n < 0 {
		n = 0
	}
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
