package store

import (
	"strings"

	"github.com/BaSui01/memflow/types"
)

// Classifier decides tier and importance for records the caller did not
// place explicitly. Implementations must be safe for concurrent use.
type Classifier interface {
	Classify(content string, tags []string) (types.Tier, types.Importance, []string)
}

// HeuristicClassifier is a keyword and shape based classifier. It is
// deliberately cheap: classification runs inline on the store path.
type HeuristicClassifier struct {
	defaultTier       types.Tier
	defaultImportance types.Importance
}

// NewHeuristicClassifier creates a classifier with the given fallbacks.
func NewHeuristicClassifier(tier types.Tier, importance types.Importance) *HeuristicClassifier {
	if !tier.Valid() {
		tier = types.TierShortTerm
	}
	if !importance.Valid() {
		importance = types.ImportanceMedium
	}
	return &HeuristicClassifier{defaultTier: tier, defaultImportance: importance}
}

var (
	proceduralMarkers = []string{"how to", "step 1", "steps:", "procedure", "first,", "then,", "finally,", "run ", "install ", "configure "}
	episodicMarkers   = []string{"yesterday", "today", "this morning", "last week", "happened", "occurred", "during the", "we met", "i did", "meeting"}
	semanticMarkers   = []string{" is a ", " is an ", " are a ", " means ", " refers to ", " is defined ", " is the "}

	criticalMarkers = []string{"critical", "must never", "must always", "security", "credential", "password", "data loss"}
	highMarkers     = []string{"important", "error", "failed", "failure", "deadline", "prefers", "preference", "always", "never"}
	lowMarkers      = []string{"maybe", "minor", "trivial", "fyi", "note to self"}
)

// Classify implements Classifier.
func (c *HeuristicClassifier) Classify(content string, tags []string) (types.Tier, types.Importance, []string) {
	lower := strings.ToLower(content)

	tier := c.defaultTier
	switch {
	case containsAny(lower, proceduralMarkers):
		tier = types.TierProcedural
	case containsAny(lower, episodicMarkers):
		tier = types.TierEpisodic
	case containsAny(lower, semanticMarkers):
		tier = types.TierSemantic
	}

	importance := c.defaultImportance
	switch {
	case containsAny(lower, criticalMarkers):
		importance = types.ImportanceCritical
	case containsAny(lower, highMarkers):
		importance = types.ImportanceHigh
	case containsAny(lower, lowMarkers):
		importance = types.ImportanceLow
	}

	return tier, importance, nil
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// StaticClassifier always answers with fixed values. Test helper and a
// building block for callers that classify upstream.
type StaticClassifier struct {
	Tier       types.Tier
	Importance types.Importance
}

// Classify implements Classifier.
func (c StaticClassifier) Classify(string, []string) (types.Tier, types.Importance, []string) {
	return c.Tier, c.Importance, nil
}
