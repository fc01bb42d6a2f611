package policy

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// ScopeKind is the jurisdiction of an appointment.
type ScopeKind string

const (
	ScopeGlobal  ScopeKind = "GLOBAL"
	ScopePlatoon ScopeKind = "PLATOON"
)

// AssignmentKind distinguishes a substantive holder from an officiating one.
type AssignmentKind string

const (
	AssignmentPrimary     AssignmentKind = "PRIMARY"
	AssignmentOfficiating AssignmentKind = "OFFICIATING"
)

// FieldRuleMode controls how a field rule narrows a permission.
type FieldRuleMode string

const (
	FieldAllow FieldRuleMode = "ALLOW"
	FieldDeny  FieldRuleMode = "DENY"
	FieldOmit  FieldRuleMode = "OMIT"
	FieldMask  FieldRuleMode = "MASK"
)

// Position is an organizational post that users hold over time.
type Position struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	Key              string         `gorm:"uniqueIndex;not null" json:"key"`
	Name             string         `gorm:"not null" json:"name"`
	DefaultScopeKind ScopeKind      `gorm:"not null;default:GLOBAL" json:"default_scope_kind"`
	Singleton        bool           `gorm:"not null;default:true" json:"singleton"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

// Appointment is a time-bounded grant of a Position to a user. For a fixed
// (position, scope kind, scope id) the non-deleted intervals [StartsAt, EndsAt)
// must not overlap; exact boundary touches model an instantaneous hand-off.
type Appointment struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	UserID      uint           `gorm:"index;not null" json:"user_id"`
	PositionID  uint           `gorm:"index;not null" json:"position_id"`
	Position    *Position      `gorm:"foreignKey:PositionID" json:"position,omitempty"`
	Kind        AssignmentKind `gorm:"not null;default:PRIMARY" json:"kind"`
	ScopeKind   ScopeKind      `gorm:"not null" json:"scope_kind"`
	ScopeID     *uint          `gorm:"index" json:"scope_id,omitempty"`
	StartsAt    time.Time      `gorm:"index;not null" json:"starts_at"`
	EndsAt      *time.Time     `gorm:"index" json:"ends_at,omitempty"`
	AppointedBy uint           `json:"appointed_by"`
	EndedBy     *uint          `json:"ended_by,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// ActiveAt reports whether the appointment window covers the given instant.
func (a *Appointment) ActiveAt(at time.Time) bool {
	if a.StartsAt.After(at) {
		return false
	}
	return a.EndsAt == nil || a.EndsAt.After(at)
}

// AppointmentTransfer is an immutable audit record of a hand-off. Never mutated.
type AppointmentTransfer struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Reference         string    `gorm:"uniqueIndex;not null" json:"reference"`
	FromAppointmentID uint      `gorm:"index;not null" json:"from_appointment_id"`
	ToAppointmentID   uint      `gorm:"index;not null" json:"to_appointment_id"`
	FromUserID        uint      `gorm:"index;not null" json:"from_user_id"`
	ToUserID          uint      `gorm:"index;not null" json:"to_user_id"`
	PositionID        uint      `gorm:"not null" json:"position_id"`
	PositionKey       string    `gorm:"not null" json:"position_key"`
	ScopeKind         ScopeKind `gorm:"not null" json:"scope_kind"`
	ScopeID           *uint     `json:"scope_id,omitempty"`
	PrevStartsAt      time.Time `json:"prev_starts_at"`
	PrevEndsAt        time.Time `json:"prev_ends_at"`
	NewStartsAt       time.Time `json:"new_starts_at"`
	ActorID           uint      `gorm:"index;not null" json:"actor_id"`
	Reason            string    `json:"reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Role is a named grant bucket.
type Role struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Key         string         `gorm:"uniqueIndex;not null" json:"key"`
	Description string         `json:"description,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// Permission names one authorizable action.
type Permission struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Key         PermKey        `gorm:"uniqueIndex;not null" json:"key"`
	Description string         `json:"description,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// PositionPermission grants a Permission to a Position.
type PositionPermission struct {
	PositionID   uint      `gorm:"primaryKey;autoIncrement:false" json:"position_id"`
	PermissionID uint      `gorm:"primaryKey;autoIncrement:false" json:"permission_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// RolePermission grants a Permission to a Role.
type RolePermission struct {
	RoleID       uint      `gorm:"primaryKey;autoIncrement:false" json:"role_id"`
	PermissionID uint      `gorm:"primaryKey;autoIncrement:false" json:"permission_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// FieldRule narrows a permission to specific fields, or blanket-denies it,
// scoped to a Position or Role. At least one of PositionID/RoleID must be set.
// An empty Fields set means the rule covers the whole action.
type FieldRule struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	PermissionID uint           `gorm:"index;not null" json:"permission_id"`
	PositionID   *uint          `gorm:"index" json:"position_id,omitempty"`
	RoleID       *uint          `gorm:"index" json:"role_id,omitempty"`
	Mode         FieldRuleMode  `gorm:"not null" json:"mode"`
	Fields       pq.StringArray `gorm:"type:text[]" json:"fields"`
	Note         string         `json:"note,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// PolicyVersion is the single global counter bumped by any policy mutation.
type PolicyVersion struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     int64     `gorm:"not null;default:1" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyVersionKey is the only row the counter table ever holds.
const PolicyVersionKey = "global"

// User is the engine's minimal projection of the externally-owned user table.
// The transfer workflow reads it to validate the target holder.
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Platoon is the engine's minimal projection of the platoon scope entity.
type Platoon struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// AuditLog tracks policy- and appointment-related events.
type AuditLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ActorID    uint      `gorm:"index;not null" json:"actor_id"`
	Action     string    `gorm:"not null" json:"action"`
	TargetType string    `gorm:"not null" json:"target_type"`
	TargetID   uint      `gorm:"index" json:"target_id"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
