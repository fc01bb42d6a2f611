package policy

import (
	"regexp"
	"sort"
	"strings"
)

// Well-known role keys.
const (
	RoleAdmin      = "ADMIN"
	RoleSuperAdmin = "SUPER_ADMIN"
	RoleGuest      = "GUEST"
)

var roleSeparators = regexp.MustCompile(`[\s-]+`)

// NormalizeRole canonicalizes a raw role claim: trimmed, runs of whitespace
// and hyphens collapsed to a single underscore, uppercased.
func NormalizeRole(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return strings.ToUpper(roleSeparators.ReplaceAllString(raw, "_"))
}

// NormalizeRoleSet canonicalizes and deduplicates raw role claims into a
// sorted set. SUPER_ADMIN implies ADMIN. Idempotent, and insensitive to the
// order of its input.
func NormalizeRoleSet(raws []string) []string {
	set := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		norm := NormalizeRole(raw)
		if norm == "" {
			continue
		}
		set[norm] = struct{}{}
	}
	if _, ok := set[RoleSuperAdmin]; ok {
		set[RoleAdmin] = struct{}{}
	}
	roles := make([]string, 0, len(set))
	for r := range set {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// roleKeyVariants lists the storage-key spellings a normalized role may be
// persisted under. Role rows written by older tooling use lowercase, spaced,
// or hyphenated keys, so lookups tolerate all four forms.
func roleKeyVariants(norm string) []string {
	lower := strings.ToLower(norm)
	variants := []string{
		norm,
		lower,
		strings.ReplaceAll(lower, "_", " "),
		strings.ReplaceAll(lower, "_", "-"),
	}
	seen := make(map[string]struct{}, len(variants))
	out := variants[:0]
	for _, v := range variants {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func containsRole(roles []string, key string) bool {
	for _, r := range roles {
		if r == key {
			return true
		}
	}
	return false
}
