package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
)

// memStore is an in-memory Store used by the package tests.
type memStore struct {
	mu            sync.Mutex
	nextID        uint
	appointments  map[uint]*Appointment
	positions     map[uint]*Position
	users         map[uint]*User
	platoons      map[uint]*Platoon
	roles         map[uint]*Role
	permissions   map[uint]*Permission
	positionPerms map[uint][]uint
	rolePerms     map[uint][]uint
	fieldRules    map[uint]*FieldRule
	transfers     []*AppointmentTransfer
	version       int64

	failTransfer error // returned by ApplyTransfer before any write
}

func newMemStore() *memStore {
	return &memStore{
		appointments:  map[uint]*Appointment{},
		positions:     map[uint]*Position{},
		users:         map[uint]*User{},
		platoons:      map[uint]*Platoon{},
		roles:         map[uint]*Role{},
		permissions:   map[uint]*Permission{},
		positionPerms: map[uint][]uint{},
		rolePerms:     map[uint][]uint{},
		fieldRules:    map[uint]*FieldRule{},
		version:       1,
	}
}

func (m *memStore) id() uint {
	m.nextID++
	return m.nextID
}

func deleted(d gorm.DeletedAt) bool { return d.Valid }

func softDelete() gorm.DeletedAt {
	return gorm.DeletedAt{Time: time.Now(), Valid: true}
}

// Seeding helpers.

func (m *memStore) addUser(name string) *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &User{ID: m.id(), Name: name}
	m.users[u.ID] = u
	return u
}

func (m *memStore) addPlatoon(name string) *Platoon {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &Platoon{ID: m.id(), Name: name}
	m.platoons[p.ID] = p
	return p
}

func (m *memStore) addPosition(key string, scope ScopeKind) *Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &Position{ID: m.id(), Key: key, Name: key, DefaultScopeKind: scope, Singleton: true}
	m.positions[p.ID] = p
	return p
}

func (m *memStore) addAppointment(userID, positionID uint, scopeKind ScopeKind, scopeID *uint, startsAt time.Time, endsAt *time.Time) *Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &Appointment{
		ID:         m.id(),
		UserID:     userID,
		PositionID: positionID,
		Position:   m.positions[positionID],
		Kind:       AssignmentPrimary,
		ScopeKind:  scopeKind,
		ScopeID:    scopeID,
		StartsAt:   startsAt,
		EndsAt:     endsAt,
	}
	m.appointments[a.ID] = a
	return a
}

func (m *memStore) addRole(key string) *Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &Role{ID: m.id(), Key: key}
	m.roles[r.ID] = r
	return r
}

func (m *memStore) addPermission(key PermKey) *Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &Permission{ID: m.id(), Key: key}
	m.permissions[p.ID] = p
	return p
}

func (m *memStore) grantToPosition(positionID uint, permIDs ...uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionPerms[positionID] = append(m.positionPerms[positionID], permIDs...)
}

func (m *memStore) grantToRole(roleID uint, permIDs ...uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolePerms[roleID] = append(m.rolePerms[roleID], permIDs...)
}

func (m *memStore) addFieldRule(permID uint, positionID, roleID *uint, mode FieldRuleMode, fields ...string) *FieldRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	fr := &FieldRule{ID: m.id(), PermissionID: permID, PositionID: positionID, RoleID: roleID, Mode: mode, Fields: fields}
	m.fieldRules[fr.ID] = fr
	return fr
}

// AppointmentStore implementation.

func (m *memStore) UserAppointmentAt(_ context.Context, userID, appointmentID uint, at time.Time) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[appointmentID]
	if !ok || a.UserID != userID || deleted(a.DeletedAt) || !a.ActiveAt(at) {
		return nil, fmt.Errorf("%w: appointment %d", ErrNotFound, appointmentID)
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) ActiveAppointmentForUser(_ context.Context, userID uint, at time.Time) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Appointment
	for _, a := range m.appointments {
		if a.UserID != userID || deleted(a.DeletedAt) || !a.ActiveAt(at) {
			continue
		}
		if best == nil || a.StartsAt.After(best.StartsAt) {
			best = a
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no active appointment for user %d", ErrNotFound, userID)
	}
	cp := *best
	return &cp, nil
}

func (m *memStore) AppointmentByID(_ context.Context, id uint) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, fmt.Errorf("%w: appointment %d", ErrNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func sameScope(a *Appointment, scopeKind ScopeKind, scopeID *uint) bool {
	if a.ScopeKind != scopeKind {
		return false
	}
	if (a.ScopeID == nil) != (scopeID == nil) {
		return false
	}
	return a.ScopeID == nil || *a.ScopeID == *scopeID
}

func (m *memStore) ConflictingAppointment(_ context.Context, positionID uint, scopeKind ScopeKind, scopeID *uint, at time.Time, excludeID uint) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *Appointment
	for _, a := range m.appointments {
		if a.ID == excludeID || a.PositionID != positionID || deleted(a.DeletedAt) {
			continue
		}
		if !sameScope(a, scopeKind, scopeID) || !a.ActiveAt(at) {
			continue
		}
		if found == nil || a.StartsAt.Before(found.StartsAt) {
			found = a
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (m *memStore) ApplyTransfer(_ context.Context, endID uint, endsAt time.Time, endedBy uint, next *Appointment, record *AppointmentTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTransfer != nil {
		return m.failTransfer
	}
	cur, ok := m.appointments[endID]
	if !ok {
		return fmt.Errorf("%w: appointment %d", ErrNotFound, endID)
	}
	cur.EndsAt = &endsAt
	cur.EndedBy = &endedBy
	next.ID = m.id()
	cp := *next
	m.appointments[next.ID] = &cp
	record.ToAppointmentID = next.ID
	rec := *record
	m.transfers = append(m.transfers, &rec)
	return nil
}

func (m *memStore) CreateAppointment(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.id()
	cp := *a
	m.appointments[a.ID] = &cp
	return nil
}

func (m *memStore) EndAppointment(_ context.Context, id uint, endsAt time.Time, endedBy uint, reason string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok || deleted(a.DeletedAt) {
		return nil, fmt.Errorf("%w: appointment %d", ErrNotFound, id)
	}
	if endsAt.Before(a.StartsAt) {
		return nil, fmt.Errorf("%w: ends-at precedes starts-at", ErrBadRequest)
	}
	a.EndsAt = &endsAt
	a.EndedBy = &endedBy
	if reason != "" {
		a.Reason = reason
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) PositionByID(_ context.Context, id uint) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok || deleted(p.DeletedAt) {
		return nil, fmt.Errorf("%w: position %d", ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) PositionByKey(_ context.Context, key string) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.Key == key && !deleted(p.DeletedAt) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: position %q", ErrNotFound, key)
}

func (m *memStore) CreatePosition(_ context.Context, p *Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.positions {
		if existing.Key == p.Key {
			return fmt.Errorf("%w: position %q already exists", ErrConflict, p.Key)
		}
	}
	p.ID = m.id()
	cp := *p
	m.positions[p.ID] = &cp
	return nil
}

func (m *memStore) UpdatePosition(_ context.Context, id uint, name string) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok || deleted(p.DeletedAt) {
		return nil, fmt.Errorf("%w: position %d", ErrNotFound, id)
	}
	p.Name = name
	cp := *p
	return &cp, nil
}

func (m *memStore) UserByID(_ context.Context, id uint) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", ErrNotFound, id)
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) PlatoonByID(_ context.Context, id uint) (*Platoon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.platoons[id]
	if !ok || deleted(p.DeletedAt) {
		return nil, fmt.Errorf("%w: platoon %d", ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

// PolicyStore implementation.

func (m *memStore) RolesMatching(_ context.Context, keys []string) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	var out []Role
	for _, r := range m.roles {
		if deleted(r.DeletedAt) {
			continue
		}
		if _, ok := want[r.Key]; ok {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) RoleByID(_ context.Context, id uint) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok || deleted(r.DeletedAt) {
		return nil, fmt.Errorf("%w: role %d", ErrNotFound, id)
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) permKeys(ids []uint) []PermKey {
	var keys []PermKey
	for _, id := range ids {
		if p, ok := m.permissions[id]; ok && !deleted(p.DeletedAt) {
			keys = append(keys, p.Key)
		}
	}
	return keys
}

func (m *memStore) PermissionKeysForPosition(_ context.Context, positionID uint) ([]PermKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permKeys(m.positionPerms[positionID]), nil
}

func (m *memStore) PermissionKeysForRoles(_ context.Context, roleIDs []uint) ([]PermKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []PermKey
	for _, id := range roleIDs {
		keys = append(keys, m.permKeys(m.rolePerms[id])...)
	}
	return keys, nil
}

func (m *memStore) FieldRulesFor(_ context.Context, keys []PermKey, positionID *uint, roleIDs []uint) ([]ResolvedFieldRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[PermKey]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	roleSet := make(map[uint]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		roleSet[id] = struct{}{}
	}

	ids := make([]uint, 0, len(m.fieldRules))
	for id := range m.fieldRules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []ResolvedFieldRule
	for _, id := range ids {
		fr := m.fieldRules[id]
		if deleted(fr.DeletedAt) {
			continue
		}
		perm, ok := m.permissions[fr.PermissionID]
		if !ok || deleted(perm.DeletedAt) {
			continue
		}
		if _, ok := want[perm.Key]; !ok {
			continue
		}
		posMatch := fr.PositionID != nil && positionID != nil && *fr.PositionID == *positionID
		roleMatch := false
		if fr.RoleID != nil {
			_, roleMatch = roleSet[*fr.RoleID]
		}
		if !posMatch && !roleMatch {
			continue
		}
		source := SourceRole
		if posMatch {
			source = SourcePosition
		}
		out = append(out, ResolvedFieldRule{
			Permission: perm.Key,
			Mode:       fr.Mode,
			Fields:     []string(fr.Fields),
			Source:     source,
			Note:       fr.Note,
		})
	}
	return out, nil
}

func (m *memStore) CreateRole(_ context.Context, r *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.roles {
		if existing.Key == r.Key && !deleted(existing.DeletedAt) {
			return fmt.Errorf("%w: role %q already exists", ErrConflict, r.Key)
		}
	}
	r.ID = m.id()
	cp := *r
	m.roles[r.ID] = &cp
	return nil
}

func (m *memStore) UpdateRole(_ context.Context, id uint, key, description string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok || deleted(r.DeletedAt) {
		return nil, fmt.Errorf("%w: role %d", ErrNotFound, id)
	}
	r.Key = key
	r.Description = description
	cp := *r
	return &cp, nil
}

func (m *memStore) DeleteRole(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok || deleted(r.DeletedAt) {
		return fmt.Errorf("%w: role %d", ErrNotFound, id)
	}
	r.DeletedAt = softDelete()
	delete(m.rolePerms, id)
	return nil
}

func (m *memStore) CreatePermission(_ context.Context, p *Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.permissions {
		if existing.Key == p.Key && !deleted(existing.DeletedAt) {
			return fmt.Errorf("%w: permission %q already exists", ErrConflict, p.Key)
		}
	}
	p.ID = m.id()
	cp := *p
	m.permissions[p.ID] = &cp
	return nil
}

func (m *memStore) UpdatePermission(_ context.Context, id uint, key PermKey, description string) (*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permissions[id]
	if !ok || deleted(p.DeletedAt) {
		return nil, fmt.Errorf("%w: permission %d", ErrNotFound, id)
	}
	p.Key = key
	p.Description = description
	cp := *p
	return &cp, nil
}

func (m *memStore) DeletePermission(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permissions[id]
	if !ok || deleted(p.DeletedAt) {
		return fmt.Errorf("%w: permission %d", ErrNotFound, id)
	}
	p.DeletedAt = softDelete()
	return nil
}

func (m *memStore) ReplacePositionPermissions(_ context.Context, positionID uint, permissionIDs []uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionPerms[positionID] = append([]uint(nil), permissionIDs...)
	return nil
}

func (m *memStore) ReplaceRolePermissions(_ context.Context, roleID uint, permissionIDs []uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolePerms[roleID] = append([]uint(nil), permissionIDs...)
	return nil
}

func (m *memStore) PermissionIDsByKeys(_ context.Context, keys []PermKey) ([]uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey := make(map[PermKey]uint)
	for _, p := range m.permissions {
		if !deleted(p.DeletedAt) {
			byKey[p.Key] = p.ID
		}
	}
	ids := make([]uint, 0, len(keys))
	for _, k := range keys {
		id, ok := byKey[k]
		if !ok {
			return nil, fmt.Errorf("%w: permission %q", ErrNotFound, k)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memStore) CreateFieldRule(_ context.Context, fr *FieldRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fr.ID = m.id()
	cp := *fr
	m.fieldRules[fr.ID] = &cp
	return nil
}

func (m *memStore) UpdateFieldRule(_ context.Context, id uint, mode FieldRuleMode, fields []string, note string) (*FieldRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fr, ok := m.fieldRules[id]
	if !ok || deleted(fr.DeletedAt) {
		return nil, fmt.Errorf("%w: field rule %d", ErrNotFound, id)
	}
	fr.Mode = mode
	fr.Fields = fields
	fr.Note = note
	cp := *fr
	return &cp, nil
}

func (m *memStore) DeleteFieldRule(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fr, ok := m.fieldRules[id]
	if !ok || deleted(fr.DeletedAt) {
		return fmt.Errorf("%w: field rule %d", ErrNotFound, id)
	}
	fr.DeletedAt = softDelete()
	return nil
}

func (m *memStore) CurrentPolicyVersion(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version, nil
}

func (m *memStore) IncrementPolicyVersion(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version++
	return m.version, nil
}

var _ Store = (*memStore)(nil)
var _ error = (*ConflictError)(nil)

// memCache is an in-memory BundleCache for tests.
type memCache struct {
	mu      sync.Mutex
	entries map[string]*EffectivePermissionBundle
	gets    int
	hits    int
	clears  int
}

func newMemCache() *memCache {
	return &memCache{entries: map[string]*EffectivePermissionBundle{}}
}

func (c *memCache) Get(_ context.Context, key string) (*EffectivePermissionBundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	b, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	c.hits++
	return b, nil
}

func (c *memCache) Set(_ context.Context, key string, b *EffectivePermissionBundle, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = b
	return nil
}

func (c *memCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]*EffectivePermissionBundle{}
	c.clears++
	return nil
}

var _ BundleCache = (*memCache)(nil)

// newTestService wires a Service around fakes with a frozen clock.
func newTestService(store Store, cache BundleCache, at time.Time) *Service {
	return &Service{
		store:    store,
		cache:    cache,
		cacheTTL: time.Minute,
		nowFn:    func() time.Time { return at },
	}
}

var errBoom = errors.New("boom")
