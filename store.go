package policy

import (
	"context"
	"time"
)

// AppointmentHint narrows appointment-context resolution. All fields are
// optional; a bare PositionKey models claims that assert a position without a
// backing appointment row.
type AppointmentHint struct {
	AppointmentID *uint     `json:"appointment_id,omitempty"`
	PositionKey   string    `json:"position_key,omitempty"`
	ScopeKind     ScopeKind `json:"scope_kind,omitempty"`
	ScopeID       *uint     `json:"scope_id,omitempty"`
}

// AppointmentContext is the appointment in force for one resolution. Position
// fields are nil/empty when the user holds nothing and no position was hinted.
type AppointmentContext struct {
	AppointmentID *uint          `json:"appointment_id,omitempty"`
	PositionID    *uint          `json:"position_id,omitempty"`
	PositionKey   string         `json:"position_key,omitempty"`
	Kind          AssignmentKind `json:"kind,omitempty"`
	ScopeKind     ScopeKind      `json:"scope_kind,omitempty"`
	ScopeID       *uint          `json:"scope_id,omitempty"`
}

// ResolvedFieldRule is a field rule joined with its permission key and the
// scope (position or role) that matched it.
type ResolvedFieldRule struct {
	Permission PermKey       `json:"permission"`
	Mode       FieldRuleMode `json:"mode"`
	Fields     []string      `json:"fields"`
	Source     RuleSource    `json:"source"`
	Note       string        `json:"note,omitempty"`
}

// RuleSource says which binding matched a field rule.
type RuleSource string

const (
	SourcePosition RuleSource = "POSITION"
	SourceRole     RuleSource = "ROLE"
)

// AppointmentStore is the read surface of the temporal resolver and the
// compound write of the transfer workflow.
type AppointmentStore interface {
	// UserAppointmentAt returns the appointment with the given id if it
	// belongs to the user, is not soft-deleted, and is active at the instant.
	// ErrNotFound otherwise.
	UserAppointmentAt(ctx context.Context, userID, appointmentID uint, at time.Time) (*Appointment, error)

	// ActiveAppointmentForUser returns the user's most recently started
	// appointment active at the instant, or ErrNotFound.
	ActiveAppointmentForUser(ctx context.Context, userID uint, at time.Time) (*Appointment, error)

	// AppointmentByID returns the appointment regardless of soft-deletion so
	// callers can distinguish "missing" from "erroneously entered and voided".
	AppointmentByID(ctx context.Context, id uint) (*Appointment, error)

	// ConflictingAppointment returns the first non-deleted appointment on the
	// (position, scope) slot active at the instant, excluding excludeID, or
	// nil when the slot is free. An appointment ending exactly at the instant
	// does not conflict.
	ConflictingAppointment(ctx context.Context, positionID uint, scopeKind ScopeKind, scopeID *uint, at time.Time, excludeID uint) (*Appointment, error)

	// ApplyTransfer performs the hand-off writes in one atomic transaction:
	// end the current appointment, insert the next one, insert the audit row.
	ApplyTransfer(ctx context.Context, endID uint, endsAt time.Time, endedBy uint, next *Appointment, record *AppointmentTransfer) error

	// CreateAppointment inserts a new appointment row.
	CreateAppointment(ctx context.Context, a *Appointment) error

	// EndAppointment closes an open appointment window.
	EndAppointment(ctx context.Context, id uint, endsAt time.Time, endedBy uint, reason string) (*Appointment, error)

	PositionByID(ctx context.Context, id uint) (*Position, error)
	PositionByKey(ctx context.Context, key string) (*Position, error)
	CreatePosition(ctx context.Context, p *Position) error
	UpdatePosition(ctx context.Context, id uint, name string) (*Position, error)

	// UserByID returns the user regardless of soft-deletion; callers inspect
	// DeletedAt to distinguish a deleted holder from a missing one.
	UserByID(ctx context.Context, id uint) (*User, error)
	PlatoonByID(ctx context.Context, id uint) (*Platoon, error)
}

// PolicyStore is the role/permission/field-rule surface plus the global
// policy version counter.
type PolicyStore interface {
	// RolesMatching returns the role rows whose key matches any of the given
	// spellings.
	RolesMatching(ctx context.Context, keys []string) ([]Role, error)

	RoleByID(ctx context.Context, id uint) (*Role, error)

	PermissionKeysForPosition(ctx context.Context, positionID uint) ([]PermKey, error)
	PermissionKeysForRoles(ctx context.Context, roleIDs []uint) ([]PermKey, error)

	// FieldRulesFor returns the rules bound to the position OR any of the
	// roles, restricted to the given permission keys.
	FieldRulesFor(ctx context.Context, keys []PermKey, positionID *uint, roleIDs []uint) ([]ResolvedFieldRule, error)

	CreateRole(ctx context.Context, r *Role) error
	UpdateRole(ctx context.Context, id uint, key, description string) (*Role, error)
	DeleteRole(ctx context.Context, id uint) error

	CreatePermission(ctx context.Context, p *Permission) error
	UpdatePermission(ctx context.Context, id uint, key PermKey, description string) (*Permission, error)
	DeletePermission(ctx context.Context, id uint) error

	// ReplacePositionPermissions / ReplaceRolePermissions swap the full grant
	// set for the position/role in one transaction.
	ReplacePositionPermissions(ctx context.Context, positionID uint, permissionIDs []uint) error
	ReplaceRolePermissions(ctx context.Context, roleID uint, permissionIDs []uint) error
	PermissionIDsByKeys(ctx context.Context, keys []PermKey) ([]uint, error)

	CreateFieldRule(ctx context.Context, fr *FieldRule) error
	UpdateFieldRule(ctx context.Context, id uint, mode FieldRuleMode, fields []string, note string) (*FieldRule, error)
	DeleteFieldRule(ctx context.Context, id uint) error

	// CurrentPolicyVersion reads the counter, defaulting to 1 when the row
	// does not exist yet.
	CurrentPolicyVersion(ctx context.Context) (int64, error)

	// IncrementPolicyVersion atomically bumps the counter and returns the new
	// value, creating the row with value 1 when absent.
	IncrementPolicyVersion(ctx context.Context) (int64, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	AppointmentStore
	PolicyStore
}
