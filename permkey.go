package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// PermKey identifies one authorizable action. Keys have a
// module:resource or module:resource:verb shape, e.g. "oc:medical:update".
type PermKey string

// Wildcard is the distinguished "all actions" key. It is granted by the
// super-admin overlay only and never carries field rules.
const Wildcard PermKey = "*"

var permKeyPattern = regexp.MustCompile(`^[a-z0-9_]+(:[a-z0-9_]+){1,2}$`)

// ParsePermKey validates the raw string into a PermKey. The wildcard is
// accepted as-is.
func ParsePermKey(raw string) (PermKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == string(Wildcard) {
		return Wildcard, nil
	}
	if !permKeyPattern.MatchString(raw) {
		return "", fmt.Errorf("%w: malformed permission key %q", ErrBadRequest, raw)
	}
	return PermKey(raw), nil
}

// Valid reports whether the key is the wildcard or module:resource[:verb] shaped.
func (k PermKey) Valid() bool {
	return k == Wildcard || permKeyPattern.MatchString(string(k))
}

// IsWildcard reports whether the key is the "all actions" sentinel.
func (k PermKey) IsWildcard() bool { return k == Wildcard }

// IsWrite reports whether the key names a write-shaped action.
func (k PermKey) IsWrite() bool {
	s := string(k)
	return strings.HasSuffix(s, ":create") || strings.HasSuffix(s, ":update") || strings.HasSuffix(s, ":delete")
}

// HasWildcard reports whether the key list contains the wildcard.
func HasWildcard(keys []PermKey) bool {
	for _, k := range keys {
		if k == Wildcard {
			return true
		}
	}
	return false
}

// sortedKeys returns the set's members as a sorted, deduplicated slice.
func sortedKeys(set map[PermKey]struct{}) []PermKey {
	keys := make([]PermKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Admin baseline actions, granted additively to any ADMIN or SUPER_ADMIN
// regardless of explicit role mapping.
const (
	PermBulkUpdate      PermKey = "admin:bulk:update"
	PermAuditRead       PermKey = "admin:audit:read"
	PermCacheRefresh    PermKey = "admin:cache:refresh"
	PermRoleManage      PermKey = "admin:role:update"
	PermFieldRuleManage PermKey = "admin:field_rule:update"
)

// AdminBaseline is the static allowlist layered onto admin role sets.
// It is additive only, never subtractive.
var AdminBaseline = []PermKey{
	PermBulkUpdate,
	PermAuditRead,
	PermCacheRefresh,
	PermRoleManage,
	PermFieldRuleManage,
}
