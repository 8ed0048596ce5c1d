// Package tags implements the mandatory WHO/WHEN/PROJECT/WHY metadata
// quadruple and the ingest-time tagging protocol every stored chunk must
// conform to.
package tags

import (
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion and ProtocolName are stamped onto every tagged chunk so
// downstream readers can tell which tagging contract produced it.
const (
	ProtocolVersion = "1.0.0"
	ProtocolName    = "memory-mcp-triple-system"
)

// Policy controls how missing mandatory tags are handled at ingest time.
type Policy int

const (
	// Strict rejects ingestion outright when a mandatory tag is missing.
	Strict Policy = iota
	// AutoFill substitutes documented defaults and reports which ones.
	AutoFill
)

// SourceType classifies how a fact entered the system, and drives the
// derived confidence score.
type SourceType string

const (
	SourceWitnessed SourceType = "witnessed"
	SourceReported  SourceType = "reported"
	SourceInferred  SourceType = "inferred"
	SourceAssumed   SourceType = "assumed"
)

var sourceConfidence = map[SourceType]float64{
	SourceWitnessed: 0.95,
	SourceReported:  0.70,
	SourceInferred:  0.50,
	SourceAssumed:   0.30,
}

// DefaultConfidence is used when SourceType is empty or unrecognized.
const DefaultConfidence = 0.5

// Confidence derives the confidence score for a given source type.
func Confidence(src SourceType) float64 {
	if c, ok := sourceConfidence[src]; ok {
		return c
	}
	return DefaultConfidence
}

// Mandatory is the WHO/WHEN/PROJECT/WHY quadruple plus the fields the
// tagging protocol derives from it.
type Mandatory struct {
	Who     string
	When    time.Time
	Project string
	Why     string

	AgentName     string
	AgentCategory string
	Intent        string
	SourceType    SourceType
}

// Envelope is the full tagged-metadata record attached to a chunk: the
// mandatory quadruple, protocol bookkeeping fields, and caller-supplied
// extras that the protocol does not interpret.
type Envelope struct {
	Mandatory
	Extras map[string]string
}

// MissingMandatory returns the lowercase names of any unset mandatory
// fields, in WHO/WHEN/PROJECT/WHY order.
func MissingMandatory(m Mandatory) []string {
	var missing []string
	if strings.TrimSpace(m.Who) == "" {
		missing = append(missing, "who")
	}
	if m.When.IsZero() {
		missing = append(missing, "when")
	}
	if strings.TrimSpace(m.Project) == "" {
		missing = append(missing, "project")
	}
	if strings.TrimSpace(m.Why) == "" {
		missing = append(missing, "why")
	}
	return missing
}

// ValidationError reports the mandatory tags that were missing under a
// Strict policy.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tags: missing mandatory tags: %v", e.Missing)
}

// ApplyPolicy enforces the mandatory quadruple against policy. Under
// Strict, a missing tag returns a *ValidationError. Under AutoFill, missing
// tags are defaulted and their lowercase names are returned as the second
// result so callers can surface tags_auto_filled.
func ApplyPolicy(m Mandatory, policy Policy, now time.Time, defaultAgent string) (Mandatory, []string, error) {
	missing := MissingMandatory(m)
	if len(missing) == 0 {
		return m, nil, nil
	}
	if policy == Strict {
		return m, nil, &ValidationError{Missing: missing}
	}
	filled := m
	for _, field := range missing {
		switch field {
		case "who":
			who := defaultAgent
			if who == "" {
				who = "unknown:mcp-client"
			}
			filled.Who = who
		case "when":
			filled.When = now
		case "project":
			filled.Project = "untagged"
		case "why":
			filled.Why = "unspecified"
		}
	}
	return filled, missing, nil
}

// ToMetadata flattens an Envelope into the flat string-keyed metadata map
// the tagging protocol prescribes: mandatory tags in both upper and lower
// case, and derived fields. Extras are written first, so a protocol key
// overwrites any extra of the same name.
func ToMetadata(e Envelope) map[string]string {
	out := make(map[string]string, len(e.Extras)+16)
	for k, v := range e.Extras {
		out[k] = v
	}
	whenISO := e.When.UTC().Format(time.RFC3339)

	out["WHO"] = e.Who
	out["who"] = e.Who
	out["WHEN"] = whenISO
	out["when"] = whenISO
	out["PROJECT"] = e.Project
	out["project"] = e.Project
	out["WHY"] = e.Why
	out["why"] = e.Why

	out["agent_name"] = e.AgentName
	out["agent_category"] = e.AgentCategory
	out["timestamp_iso"] = whenISO
	out["timestamp_unix"] = fmt.Sprintf("%d", e.When.Unix())
	out["timestamp_readable"] = e.When.UTC().Format("2006-01-02 15:04:05 MST")
	out["intent"] = e.Intent
	out["_tagging_version"] = ProtocolVersion
	out["_tagging_protocol"] = ProtocolName
	return out
}

// NormalizeCase ensures a raw caller-supplied metadata map has both
// lowercase and uppercase forms of the four mandatory keys, so ingestion
// paths that read either case see a consistent value. It mutates and
// returns the same map.
func NormalizeCase(meta map[string]string) map[string]string {
	if meta == nil {
		meta = map[string]string{}
	}
	pairs := [][2]string{{"who", "WHO"}, {"when", "WHEN"}, {"project", "PROJECT"}, {"why", "WHY"}}
	for _, p := range pairs {
		lower, upper := p[0], p[1]
		if v, ok := meta[lower]; ok && v != "" {
			meta[upper] = v
			continue
		}
		if v, ok := meta[upper]; ok && v != "" {
			meta[lower] = v
		}
	}
	return meta
}
