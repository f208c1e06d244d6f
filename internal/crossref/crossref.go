// Package crossref correlates incidents that share an attacker address
// or an affected system.
package crossref

import (
	"net/netip"
	"regexp"
	"strings"

	"github.com/nhle/incidentwatch/internal/model"
)

// ipv4Pattern finds dotted-quad candidates; netip validates them.
var ipv4Pattern = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`)

// ExtractIPs returns the valid IPv4 addresses mentioned in text,
// deduplicated in order of first occurrence.
func ExtractIPs(text string) []string {
	matches := ipv4Pattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var result []string
	for _, m := range matches {
		addr, err := netip.ParseAddr(m)
		if err != nil {
			continue
		}
		s := addr.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		result = append(result, s)
	}
	return result
}

// Reason says why two incidents are related.
type Reason string

const (
	SameSource    Reason = "same source"
	SameTarget    Reason = "same target"
	MentionedAddr Reason = "address mentioned"
)

// Match is one incident related to the subject.
type Match struct {
	Incident model.Incident
	Reason   Reason
}

// Related returns the incidents in candidates linked to subject, in the
// order of candidates. Each incident appears once, under the first
// reason that applies: shared source IP, shared target system, then an
// address from either description matching the other's source IP.
func Related(subject model.Incident, candidates []model.Incident) []Match {
	source := value(subject.SourceIP)
	target := strings.ToLower(value(subject.TargetSystem))
	mentioned := set(ExtractIPs(subject.Description))

	var out []Match
	for _, c := range candidates {
		if c.ID == subject.ID {
			continue
		}
		cSource := value(c.SourceIP)

		switch {
		case source != "" && cSource == source:
			out = append(out, Match{Incident: c, Reason: SameSource})
		case target != "" && strings.ToLower(value(c.TargetSystem)) == target:
			out = append(out, Match{Incident: c, Reason: SameTarget})
		case cSource != "" && mentioned[cSource],
			source != "" && set(ExtractIPs(c.Description))[source]:
			out = append(out, Match{Incident: c, Reason: MentionedAddr})
		}
	}
	return out
}

func value(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func set(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}
