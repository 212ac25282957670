// Package types provides unified type definitions for the memflow engine.
package types

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier identifies a memory partition with its own retention and capacity policy.
type Tier string

const (
	// TierShortTerm holds recent, unclassified context. Volatile.
	TierShortTerm Tier = "short_term"

	// TierLongTerm holds records promoted for durable retention.
	TierLongTerm Tier = "long_term"

	// TierEpisodic holds event-shaped experiential records.
	TierEpisodic Tier = "episodic"

	// TierSemantic holds factual knowledge and reflection insights.
	TierSemantic Tier = "semantic"

	// TierProcedural holds how-to knowledge and action sequences.
	TierProcedural Tier = "procedural"
)

// AllTiers lists every tier in stable order.
var AllTiers = []Tier{TierShortTerm, TierLongTerm, TierEpisodic, TierSemantic, TierProcedural}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierShortTerm, TierLongTerm, TierEpisodic, TierSemantic, TierProcedural:
		return true
	}
	return false
}

// Durable reports whether records in this tier must survive process restarts.
func (t Tier) Durable() bool {
	switch t {
	case TierLongTerm, TierSemantic, TierProcedural:
		return true
	}
	return false
}

// Importance is the ordered retention priority of a record.
type Importance int

const (
	ImportanceLow Importance = iota
	ImportanceMedium
	ImportanceHigh
	ImportanceCritical
)

var importanceNames = map[Importance]string{
	ImportanceLow:      "low",
	ImportanceMedium:   "medium",
	ImportanceHigh:     "high",
	ImportanceCritical: "critical",
}

func (i Importance) String() string {
	if name, ok := importanceNames[i]; ok {
		return name
	}
	return fmt.Sprintf("importance(%d)", int(i))
}

// Valid reports whether i is a known importance level.
func (i Importance) Valid() bool {
	_, ok := importanceNames[i]
	return ok
}

// ParseImportance converts a string level to an Importance.
func ParseImportance(s string) (Importance, error) {
	for imp, name := range importanceNames {
		if name == s {
			return imp, nil
		}
	}
	return ImportanceLow, fmt.Errorf("unknown importance %q", s)
}

// MarshalText implements encoding.TextMarshaler so importance serializes
// as its name in JSON and YAML.
func (i Importance) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Importance) UnmarshalText(text []byte) error {
	parsed, err := ParseImportance(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// MarshalYAML serializes importance as its name.
func (i Importance) MarshalYAML() (any, error) {
	return i.String(), nil
}

// UnmarshalYAML accepts the importance name.
func (i *Importance) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return i.UnmarshalText([]byte(s))
}

// AccessMode governs cross-owner visibility of a record.
type AccessMode string

const (
	// AccessPrivate records are visible to their owner only.
	AccessPrivate AccessMode = "private"

	// AccessSharedReadOnly records are readable by all owners, writable
	// only by their original owner.
	AccessSharedReadOnly AccessMode = "shared_read_only"

	// AccessSharedReadWrite records are readable and writable by all owners.
	AccessSharedReadWrite AccessMode = "shared_read_write"
)

// Valid reports whether m is a known access mode.
func (m AccessMode) Valid() bool {
	switch m {
	case AccessPrivate, AccessSharedReadOnly, AccessSharedReadWrite:
		return true
	}
	return false
}

// Shared reports whether the record is visible outside its owner's space.
func (m AccessMode) Shared() bool {
	return m == AccessSharedReadOnly || m == AccessSharedReadWrite
}

// MemoryRecord is the central stored entity. Records are immutable after
// creation except for Importance, Tags, AccessCount, LastAccessedAt and
// AccessMode; editing content is modeled as storing a new record.
type MemoryRecord struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	Tier           Tier           `json:"tier"`
	Importance     Importance     `json:"importance"`
	Embedding      []float64      `json:"embedding,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	AccessCount    int64          `json:"access_count"`
	Owner          string         `json:"owner"`
	AccessMode     AccessMode     `json:"access_mode"`
}

// HasEmbedding reports whether the record's embedding has been computed.
func (r *MemoryRecord) HasEmbedding() bool {
	return len(r.Embedding) > 0
}

// HasTag reports whether the record carries the given tag.
func (r *MemoryRecord) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to callers while the original
// keeps mutating under store locks.
func (r *MemoryRecord) Clone() *MemoryRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Embedding != nil {
		out.Embedding = append([]float64(nil), r.Embedding...)
	}
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ReflectionSummary is the ephemeral result of one reflection pass. It only
// becomes a MemoryRecord when explicitly promoted into semantic memory.
type ReflectionSummary struct {
	ID                string         `json:"id"`
	Owner             string         `json:"owner,omitempty"`
	From              time.Time      `json:"from,omitempty"`
	To                time.Time      `json:"to,omitempty"`
	GeneratedAt       time.Time      `json:"generated_at"`
	RecordCount       int            `json:"record_count"`
	CountsByImportance map[string]int `json:"counts_by_importance"`
	CountsByTag       map[string]int `json:"counts_by_tag"`
	Patterns          []string       `json:"patterns,omitempty"`
	Insight           string         `json:"insight,omitempty"`
	SourceIDs         []string       `json:"source_ids"`
	PromotedID        string         `json:"promoted_id,omitempty"`
}

// GraphEdge is a directed, typed relation between two records.
// Strength is in [0,1]. Multiple edges between the same pair with different
// relation types are permitted.
type GraphEdge struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Relation  string    `json:"relation"`
	Strength  float64   `json:"strength"`
	Auto      bool      `json:"auto"`
	CreatedAt time.Time `json:"created_at"`
}

// RelationSimilarTo is the relation type of auto-detected similarity edges.
const RelationSimilarTo = "similar_to"

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	ByTier       map[string]int `json:"by_tier"`
	ByImportance map[string]int `json:"by_importance"`

	TotalStored    int64 `json:"total_stored"`
	TotalRetrieved int64 `json:"total_retrieved"`
	TotalForgotten int64 `json:"total_forgotten"`
	Reflections    int64 `json:"reflections_count"`
}
