package policy

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// bumpPolicy finishes every policy mutation: increment the global version so
// all generational cache keys move on, then eagerly drop the orphaned
// entries. A lost clear is tolerable; a lost bump is not, which is why the
// increment is a single atomic statement in the store.
func (s *Service) bumpPolicy(ctx context.Context, actorID uint, action, targetType string, targetID uint, details string) error {
	version, err := s.store.IncrementPolicyVersion(ctx)
	if err != nil {
		return err
	}
	if s.cache != nil {
		_ = s.cache.Clear(ctx)
	}
	s.logAudit(ctx, actorID, action, targetType, targetID,
		fmt.Sprintf("%s (policy version %d)", details, version))
	return nil
}

// CreateRole creates a named grant bucket.
func (s *Service) CreateRole(ctx context.Context, key, description string, actorID uint) (*Role, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: role key is required", ErrBadRequest)
	}
	role := Role{Key: key, Description: description}
	if err := s.store.CreateRole(ctx, &role); err != nil {
		return nil, err
	}
	if err := s.bumpPolicy(ctx, actorID, "create_role", "role", role.ID, "created role "+key); err != nil {
		return nil, err
	}
	return &role, nil
}

func (s *Service) UpdateRole(ctx context.Context, id uint, key, description string, actorID uint) (*Role, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: role key is required", ErrBadRequest)
	}
	role, err := s.store.UpdateRole(ctx, id, key, description)
	if err != nil {
		return nil, err
	}
	if err := s.bumpPolicy(ctx, actorID, "update_role", "role", id, "updated role "+key); err != nil {
		return nil, err
	}
	return role, nil
}

func (s *Service) DeleteRole(ctx context.Context, id uint, actorID uint) error {
	if err := s.store.DeleteRole(ctx, id); err != nil {
		return err
	}
	return s.bumpPolicy(ctx, actorID, "delete_role", "role", id, "deleted role")
}

// CreatePermission registers a new action key.
func (s *Service) CreatePermission(ctx context.Context, rawKey, description string, actorID uint) (*Permission, error) {
	key, err := ParsePermKey(rawKey)
	if err != nil {
		return nil, err
	}
	if key.IsWildcard() {
		return nil, fmt.Errorf("%w: the wildcard key is reserved", ErrBadRequest)
	}
	perm := Permission{Key: key, Description: description}
	if err := s.store.CreatePermission(ctx, &perm); err != nil {
		return nil, err
	}
	if err := s.bumpPolicy(ctx, actorID, "create_permission", "permission", perm.ID, "created permission "+string(key)); err != nil {
		return nil, err
	}
	return &perm, nil
}

func (s *Service) UpdatePermission(ctx context.Context, id uint, rawKey, description string, actorID uint) (*Permission, error) {
	key, err := ParsePermKey(rawKey)
	if err != nil {
		return nil, err
	}
	if key.IsWildcard() {
		return nil, fmt.Errorf("%w: the wildcard key is reserved", ErrBadRequest)
	}
	perm, err := s.store.UpdatePermission(ctx, id, key, description)
	if err != nil {
		return nil, err
	}
	if err := s.bumpPolicy(ctx, actorID, "update_permission", "permission", id, "updated permission "+string(key)); err != nil {
		return nil, err
	}
	return perm, nil
}

func (s *Service) DeletePermission(ctx context.Context, id uint, actorID uint) error {
	if err := s.store.DeletePermission(ctx, id); err != nil {
		return err
	}
	return s.bumpPolicy(ctx, actorID, "delete_permission", "permission", id, "deleted permission")
}

// SetPositionPermissions replaces the position's grant set with the given keys.
func (s *Service) SetPositionPermissions(ctx context.Context, positionID uint, keys []PermKey, actorID uint) error {
	if _, err := s.store.PositionByID(ctx, positionID); err != nil {
		return err
	}
	ids, err := s.store.PermissionIDsByKeys(ctx, keys)
	if err != nil {
		return err
	}
	if err := s.store.ReplacePositionPermissions(ctx, positionID, ids); err != nil {
		return err
	}
	return s.bumpPolicy(ctx, actorID, "set_position_permissions", "position", positionID,
		fmt.Sprintf("replaced grants with %d permissions", len(ids)))
}

// SetRolePermissions replaces the role's grant set with the given keys.
func (s *Service) SetRolePermissions(ctx context.Context, roleID uint, keys []PermKey, actorID uint) error {
	if _, err := s.store.RoleByID(ctx, roleID); err != nil {
		return err
	}
	ids, err := s.store.PermissionIDsByKeys(ctx, keys)
	if err != nil {
		return err
	}
	if err := s.store.ReplaceRolePermissions(ctx, roleID, ids); err != nil {
		return err
	}
	return s.bumpPolicy(ctx, actorID, "set_role_permissions", "role", roleID,
		fmt.Sprintf("replaced grants with %d permissions", len(ids)))
}

// FieldRuleInput carries a new field rule. Exactly PositionID, RoleID, or both
// must be set; a rule bound to neither is invalid.
type FieldRuleInput struct {
	PermissionID uint          `json:"permission_id"`
	PositionID   *uint         `json:"position_id,omitempty"`
	RoleID       *uint         `json:"role_id,omitempty"`
	Mode         FieldRuleMode `json:"mode"`
	Fields       []string      `json:"fields"`
	Note         string        `json:"note,omitempty"`
}

func validFieldRuleMode(m FieldRuleMode) bool {
	switch m {
	case FieldAllow, FieldDeny, FieldOmit, FieldMask:
		return true
	}
	return false
}

func (s *Service) CreateFieldRule(ctx context.Context, in FieldRuleInput, actorID uint) (*FieldRule, error) {
	if in.PositionID == nil && in.RoleID == nil {
		return nil, fmt.Errorf("%w: a field rule must reference a position or a role", ErrBadRequest)
	}
	if !validFieldRuleMode(in.Mode) {
		return nil, fmt.Errorf("%w: unknown field rule mode %q", ErrBadRequest, in.Mode)
	}
	fr := FieldRule{
		PermissionID: in.PermissionID,
		PositionID:   in.PositionID,
		RoleID:       in.RoleID,
		Mode:         in.Mode,
		Fields:       in.Fields,
		Note:         in.Note,
	}
	if err := s.store.CreateFieldRule(ctx, &fr); err != nil {
		return nil, err
	}
	if err := s.bumpPolicy(ctx, actorID, "create_field_rule", "field_rule", fr.ID,
		fmt.Sprintf("%s rule on permission %d", in.Mode, in.PermissionID)); err != nil {
		return nil, err
	}
	return &fr, nil
}

func (s *Service) UpdateFieldRule(ctx context.Context, id uint, mode FieldRuleMode, fields []string, note string, actorID uint) (*FieldRule, error) {
	if !validFieldRuleMode(mode) {
		return nil, fmt.Errorf("%w: unknown field rule mode %q", ErrBadRequest, mode)
	}
	fr, err := s.store.UpdateFieldRule(ctx, id, mode, fields, note)
	if err != nil {
		return nil, err
	}
	if err := s.bumpPolicy(ctx, actorID, "update_field_rule", "field_rule", id, "updated field rule"); err != nil {
		return nil, err
	}
	return fr, nil
}

func (s *Service) DeleteFieldRule(ctx context.Context, id uint, actorID uint) error {
	if err := s.store.DeleteFieldRule(ctx, id); err != nil {
		return err
	}
	return s.bumpPolicy(ctx, actorID, "delete_field_rule", "field_rule", id, "deleted field rule")
}

// CreatePosition registers a new organizational post. Position edits do not
// bump the policy version: the version tracks grant policy, while position
// changes surface through the appointment context embedded in cache keys.
func (s *Service) CreatePosition(ctx context.Context, key, name string, defaultScope ScopeKind, singleton bool, actorID uint) (*Position, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: position key is required", ErrBadRequest)
	}
	if defaultScope == "" {
		defaultScope = ScopeGlobal
	}
	pos := Position{Key: key, Name: name, DefaultScopeKind: defaultScope, Singleton: singleton}
	if err := s.store.CreatePosition(ctx, &pos); err != nil {
		return nil, err
	}
	s.logAudit(ctx, actorID, "create_position", "position", pos.ID, "created position "+key)
	return &pos, nil
}

// UpdatePosition changes descriptive fields only.
func (s *Service) UpdatePosition(ctx context.Context, id uint, name string, actorID uint) (*Position, error) {
	pos, err := s.store.UpdatePosition(ctx, id, name)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, actorID, "update_position", "position", id, "renamed position to "+name)
	return pos, nil
}

// Appoint grants a position to a user from startsAt, open-ended. The same
// conflict check as the transfer workflow keeps the slot invariant; the
// storage exclusion constraint backs it up.
func (s *Service) Appoint(ctx context.Context, userID, positionID uint, kind AssignmentKind, scopeKind ScopeKind, scopeID *uint, startsAt time.Time, actorID uint, reason string) (*Appointment, error) {
	if scopeKind == ScopePlatoon && scopeID == nil {
		return nil, fmt.Errorf("%w: platoon scope requires a scope id", ErrBadRequest)
	}
	if scopeKind == ScopeGlobal && scopeID != nil {
		return nil, fmt.Errorf("%w: global scope does not take a scope id", ErrBadRequest)
	}
	target, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if target.DeletedAt.Valid {
		return nil, fmt.Errorf("%w: user %d is deleted", ErrBadRequest, userID)
	}
	if _, err := s.store.PositionByID(ctx, positionID); err != nil {
		return nil, err
	}
	if scopeKind == ScopePlatoon {
		if _, err := s.store.PlatoonByID(ctx, *scopeID); err != nil {
			return nil, err
		}
	}
	conflicting, err := s.store.ConflictingAppointment(ctx, positionID, scopeKind, scopeID, startsAt, 0)
	if err != nil {
		return nil, err
	}
	if conflicting != nil {
		return nil, &ConflictError{AppointmentID: conflicting.ID, UserID: conflicting.UserID}
	}
	if kind == "" {
		kind = AssignmentPrimary
	}
	a := Appointment{
		UserID:      userID,
		PositionID:  positionID,
		Kind:        kind,
		ScopeKind:   scopeKind,
		ScopeID:     scopeID,
		StartsAt:    startsAt,
		AppointedBy: actorID,
		Reason:      reason,
	}
	if err := s.store.CreateAppointment(ctx, &a); err != nil {
		return nil, err
	}
	s.logAudit(ctx, actorID, "appoint", "appointment", a.ID,
		fmt.Sprintf("appointed user %d to position %d", userID, positionID))
	return &a, nil
}

// EndAppointment closes an appointment window at endsAt.
func (s *Service) EndAppointment(ctx context.Context, id uint, endsAt time.Time, actorID uint, reason string) (*Appointment, error) {
	a, err := s.store.EndAppointment(ctx, id, endsAt, actorID, reason)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, actorID, "end_appointment", "appointment", id, "ended appointment")
	return a, nil
}
