package automation

import (
	"context"
	"fmt"

	"automation-engine/internal/models"
)

// Matcher selects the rules an occurrence applies to.
type Matcher struct {
	rules RuleStore
}

func NewMatcher(rules RuleStore) *Matcher {
	return &Matcher{rules: rules}
}

// FindMatchingRules returns the active rules of trigger in orgID whose
// structural targets agree with metadata.
func (m *Matcher) FindMatchingRules(ctx context.Context, trigger models.TriggerType, orgID string, metadata map[string]any) ([]models.AutomationRule, error) {
	candidates, err := m.rules.ListActiveRules(ctx, orgID, trigger)
	if err != nil {
		return nil, fmt.Errorf("list %s rules: %w", trigger, err)
	}
	tc := models.TriggerContext{Metadata: metadata}
	out := make([]models.AutomationRule, 0, len(candidates))
	for _, r := range candidates {
		if RuleApplies(r, tc) {
			out = append(out, r)
		}
	}
	return out, nil
}

// RuleApplies reports whether every target the rule names is named by the
// occurrence. Unset targets match anything.
func RuleApplies(r models.AutomationRule, tc models.TriggerContext) bool {
	if want := r.Conditions.DatabaseID; want != "" && tc.MetaString(models.MetaDatabaseID) != want {
		return false
	}
	if want := r.Conditions.LineageID; want != "" {
		got := tc.MetaString(models.MetaLineageID)
		if got == "" {
			got = tc.MetaString(models.MetaBoardID)
		}
		if got != want {
			return false
		}
	}
	return true
}
