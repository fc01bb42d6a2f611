package policy

// EffectivePermissionBundle is the engine's computed decision for one
// (user, appointment context, role set, policy version) tuple. It is derived
// state: once PolicyVersion is stale, the bundle is simply never looked up
// again. The engine does not enforce it; callers do.
type EffectivePermissionBundle struct {
	UserID            uint                         `json:"user_id"`
	Context           AppointmentContext           `json:"context"`
	Roles             []string                     `json:"roles"`
	IsAdmin           bool                         `json:"is_admin"`
	IsSuperAdmin      bool                         `json:"is_super_admin"`
	Permissions       []PermKey                    `json:"permissions"`
	DeniedPermissions []PermKey                    `json:"denied_permissions"`
	FieldRules        map[PermKey][]FieldRuleEntry `json:"field_rules"`
	PolicyVersion     int64                        `json:"policy_version"`
}

// Has reports whether the key was granted, either explicitly or through the
// wildcard. It ignores denials; see Allows.
func (b *EffectivePermissionBundle) Has(key PermKey) bool {
	for _, k := range b.Permissions {
		if k == key || k == Wildcard {
			return true
		}
	}
	return false
}

// Denied reports whether the key was blanket-denied by a field rule.
func (b *EffectivePermissionBundle) Denied(key PermKey) bool {
	for _, k := range b.DeniedPermissions {
		if k == key {
			return true
		}
	}
	return false
}

// Allows is the single enforcement policy callers should use: a grant
// (explicit or wildcard) that has not been blanket-denied. A blanket deny
// wins over the wildcard.
func (b *EffectivePermissionBundle) Allows(key PermKey) bool {
	return b.Has(key) && !b.Denied(key)
}

// RulesFor returns the ordered field rules attached to the key, if any.
func (b *EffectivePermissionBundle) RulesFor(key PermKey) []FieldRuleEntry {
	return b.FieldRules[key]
}
