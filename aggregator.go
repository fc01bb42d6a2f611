package policy

import (
	"context"
	"sort"
)

// aggregate is the role/permission union before field rules are attached.
type aggregate struct {
	Roles        []string
	RoleIDs      []uint
	Keys         []PermKey
	IsAdmin      bool
	IsSuperAdmin bool
}

// aggregatePermissions turns raw role claims plus the resolved appointment
// context into the union of position- and role-granted permission keys with
// the admin overlays applied. Overlays are additive only: nothing here ever
// removes a grant, and the super-admin wildcard does not short-circuit the
// rest of the computation.
func (s *Service) aggregatePermissions(ctx context.Context, actx AppointmentContext, rawRoles []string) (*aggregate, error) {
	roles := NormalizeRoleSet(rawRoles)

	// A position key doubles as an implicit role for permission lookup.
	if actx.PositionKey != "" {
		roles = NormalizeRoleSet(append(roles, actx.PositionKey))
	}

	agg := &aggregate{
		Roles:        roles,
		IsAdmin:      containsRole(roles, RoleAdmin),
		IsSuperAdmin: containsRole(roles, RoleSuperAdmin),
	}

	// Role storage keys may differ in casing convention from claims.
	var variants []string
	for _, r := range roles {
		variants = append(variants, roleKeyVariants(r)...)
	}
	matched, err := s.store.RolesMatching(ctx, variants)
	if err != nil {
		return nil, err
	}
	agg.RoleIDs = make([]uint, 0, len(matched))
	for _, r := range matched {
		agg.RoleIDs = append(agg.RoleIDs, r.ID)
	}
	sort.Slice(agg.RoleIDs, func(i, j int) bool { return agg.RoleIDs[i] < agg.RoleIDs[j] })

	keySet := make(map[PermKey]struct{})
	if actx.PositionID != nil {
		posKeys, err := s.store.PermissionKeysForPosition(ctx, *actx.PositionID)
		if err != nil {
			return nil, err
		}
		for _, k := range posKeys {
			keySet[k] = struct{}{}
		}
	}
	roleKeys, err := s.store.PermissionKeysForRoles(ctx, agg.RoleIDs)
	if err != nil {
		return nil, err
	}
	for _, k := range roleKeys {
		keySet[k] = struct{}{}
	}

	if agg.IsAdmin || agg.IsSuperAdmin {
		for _, k := range AdminBaseline {
			keySet[k] = struct{}{}
		}
	}
	if agg.IsSuperAdmin {
		keySet[Wildcard] = struct{}{}
	}

	agg.Keys = sortedKeys(keySet)
	return agg, nil
}
