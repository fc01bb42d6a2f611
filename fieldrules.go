package policy

import (
	"context"
	"sort"
)

// FieldRuleEntry is one constraint attached to a permission key in a bundle.
type FieldRuleEntry struct {
	Mode   FieldRuleMode `json:"mode"`
	Fields []string      `json:"fields"`
	Source RuleSource    `json:"source"`
	Note   string        `json:"note,omitempty"`
}

// resolveFieldRules loads the field rules matching the position OR any of the
// resolved roles and groups them by permission key. Rules are not merged:
// multiple rules for the same key legitimately coexist, position-scoped ones
// ordered before role-scoped ones, and the consumer applies them in order.
// A DENY rule with an empty field set blanket-denies the whole action, so its
// key is additionally promoted into the denied set.
func (s *Service) resolveFieldRules(ctx context.Context, actx AppointmentContext, roleIDs []uint, keys []PermKey) (map[PermKey][]FieldRuleEntry, []PermKey, error) {
	// The wildcard has no field-level refinement.
	lookup := make([]PermKey, 0, len(keys))
	for _, k := range keys {
		if !k.IsWildcard() {
			lookup = append(lookup, k)
		}
	}
	if len(lookup) == 0 {
		return map[PermKey][]FieldRuleEntry{}, nil, nil
	}

	rules, err := s.store.FieldRulesFor(ctx, lookup, actx.PositionID, roleIDs)
	if err != nil {
		return nil, nil, err
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Source == SourcePosition && rules[j].Source != SourcePosition
	})

	grouped := make(map[PermKey][]FieldRuleEntry)
	deniedSet := make(map[PermKey]struct{})
	for _, r := range rules {
		grouped[r.Permission] = append(grouped[r.Permission], FieldRuleEntry{
			Mode:   r.Mode,
			Fields: r.Fields,
			Source: r.Source,
			Note:   r.Note,
		})
		if r.Mode == FieldDeny && len(r.Fields) == 0 {
			deniedSet[r.Permission] = struct{}{}
		}
	}
	return grouped, sortedKeys(deniedSet), nil
}
