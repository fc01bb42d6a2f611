package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// GormStore is the Postgres-backed Store.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates the engine's tables and the storage-level exclusion
// constraint that backs the non-overlap invariant. The application-level
// conflict check in the transfer workflow exists for friendly errors; this
// constraint is what makes two racing transfers safe.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Position{}, &Appointment{}, &AppointmentTransfer{},
		&Role{}, &Permission{}, &PositionPermission{}, &RolePermission{},
		&FieldRule{}, &PolicyVersion{},
		&User{}, &Platoon{}, &AuditLog{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}

	if err := installAppointmentGuards(db); err != nil {
		return err
	}

	// Seed the counter so the first policy edit observably bumps it.
	if err := db.Exec(`
		INSERT INTO policy_versions (key, value, updated_at)
		VALUES (?, 1, NOW())
		ON CONFLICT (key) DO NOTHING
	`, PolicyVersionKey).Error; err != nil {
		return fmt.Errorf("failed to seed policy version: %w", err)
	}
	return nil
}

// installAppointmentGuards enables btree_gist and installs the exclusion
// constraint enforcing one holder per (position, scope) slot. Appointment
// columns migrate as timestamptz, so the range type must be tstzrange.
func installAppointmentGuards(db *gorm.DB) error {
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS btree_gist`).Error; err != nil {
		return fmt.Errorf("failed to enable btree_gist: %w", err)
	}
	if err := db.Exec(`
		DO $$ BEGIN
			IF NOT EXISTS (
				SELECT FROM pg_constraint WHERE conname = 'appointments_no_overlap'
			) THEN
				ALTER TABLE appointments ADD CONSTRAINT appointments_no_overlap
					EXCLUDE USING gist (
						position_id WITH =,
						scope_kind WITH =,
						COALESCE(scope_id, 0) WITH =,
						tstzrange(starts_at, COALESCE(ends_at, 'infinity')) WITH &&
					) WHERE (deleted_at IS NULL);
			END IF;
		END $$
	`).Error; err != nil {
		return fmt.Errorf("failed to create exclusion constraint: %w", err)
	}
	return nil
}

// Postgres error codes surfaced when a race slips past an application-level
// pre-check.
const (
	pgUniqueViolation    = "23505"
	pgExclusionViolation = "23P01"
)

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == pgUniqueViolation || errors.Is(err, gorm.ErrDuplicatedKey)
}

func isExclusionViolation(err error) bool {
	return pgErrorCode(err) == pgExclusionViolation
}

func (g *GormStore) UserAppointmentAt(ctx context.Context, userID, appointmentID uint, at time.Time) (*Appointment, error) {
	var a Appointment
	err := g.db.WithContext(ctx).Preload("Position").
		Where("id = ? AND user_id = ?", appointmentID, userID).
		Where("starts_at <= ? AND (ends_at IS NULL OR ends_at > ?)", at, at).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: appointment %d", ErrNotFound, appointmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch appointment: %w", err)
	}
	return &a, nil
}

func (g *GormStore) ActiveAppointmentForUser(ctx context.Context, userID uint, at time.Time) (*Appointment, error) {
	var a Appointment
	err := g.db.WithContext(ctx).Preload("Position").
		Where("user_id = ?", userID).
		Where("starts_at <= ? AND (ends_at IS NULL OR ends_at > ?)", at, at).
		Order("starts_at DESC").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no active appointment for user %d", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch active appointment: %w", err)
	}
	return &a, nil
}

func (g *GormStore) AppointmentByID(ctx context.Context, id uint) (*Appointment, error) {
	var a Appointment
	err := g.db.WithContext(ctx).Unscoped().Preload("Position").First(&a, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: appointment %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch appointment: %w", err)
	}
	return &a, nil
}

func (g *GormStore) ConflictingAppointment(ctx context.Context, positionID uint, scopeKind ScopeKind, scopeID *uint, at time.Time, excludeID uint) (*Appointment, error) {
	q := g.db.WithContext(ctx).
		Where("position_id = ? AND scope_kind = ?", positionID, scopeKind).
		Where("id <> ?", excludeID).
		Where("starts_at <= ? AND (ends_at IS NULL OR ends_at > ?)", at, at)
	if scopeID != nil {
		q = q.Where("scope_id = ?", *scopeID)
	} else {
		q = q.Where("scope_id IS NULL")
	}

	var a Appointment
	err := q.Order("starts_at ASC").First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check for conflicting appointment: %w", err)
	}
	return &a, nil
}

func (g *GormStore) ApplyTransfer(ctx context.Context, endID uint, endsAt time.Time, endedBy uint, next *Appointment, record *AppointmentTransfer) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Appointment{}).Where("id = ?", endID).
			Updates(map[string]interface{}{"ends_at": endsAt, "ended_by": endedBy})
		if res.Error != nil {
			return fmt.Errorf("failed to end appointment %d: %w", endID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: appointment %d", ErrNotFound, endID)
		}
		if err := tx.Create(next).Error; err != nil {
			if isExclusionViolation(err) {
				return fmt.Errorf("%w: appointment slot is already occupied", ErrConflict)
			}
			return fmt.Errorf("failed to create successor appointment: %w", err)
		}
		record.ToAppointmentID = next.ID
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("failed to record transfer: %w", err)
		}
		return nil
	})
}

func (g *GormStore) CreateAppointment(ctx context.Context, a *Appointment) error {
	if err := g.db.WithContext(ctx).Create(a).Error; err != nil {
		if isExclusionViolation(err) {
			return fmt.Errorf("%w: appointment slot is already occupied", ErrConflict)
		}
		return fmt.Errorf("failed to create appointment: %w", err)
	}
	return nil
}

func (g *GormStore) EndAppointment(ctx context.Context, id uint, endsAt time.Time, endedBy uint, reason string) (*Appointment, error) {
	var a Appointment
	err := g.db.WithContext(ctx).First(&a, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: appointment %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch appointment: %w", err)
	}
	if endsAt.Before(a.StartsAt) {
		return nil, fmt.Errorf("%w: ends-at precedes starts-at", ErrBadRequest)
	}
	a.EndsAt = &endsAt
	a.EndedBy = &endedBy
	if reason != "" {
		a.Reason = reason
	}
	if err := g.db.WithContext(ctx).Save(&a).Error; err != nil {
		return nil, fmt.Errorf("failed to end appointment: %w", err)
	}
	return &a, nil
}

func (g *GormStore) PositionByID(ctx context.Context, id uint) (*Position, error) {
	var p Position
	err := g.db.WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: position %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch position: %w", err)
	}
	return &p, nil
}

func (g *GormStore) PositionByKey(ctx context.Context, key string) (*Position, error) {
	var p Position
	err := g.db.WithContext(ctx).Where("key = ?", key).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: position %q", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch position: %w", err)
	}
	return &p, nil
}

func (g *GormStore) CreatePosition(ctx context.Context, p *Position) error {
	var existing Position
	if err := g.db.WithContext(ctx).Where("key = ?", p.Key).First(&existing).Error; err == nil {
		return fmt.Errorf("%w: position %q already exists", ErrConflict, p.Key)
	}
	if err := g.db.WithContext(ctx).Create(p).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: position %q already exists", ErrConflict, p.Key)
		}
		return fmt.Errorf("failed to create position: %w", err)
	}
	return nil
}

// UpdatePosition changes descriptive fields only. The key, scope kind, and
// singleton flag stay fixed once appointments may reference the position.
func (g *GormStore) UpdatePosition(ctx context.Context, id uint, name string) (*Position, error) {
	var p Position
	err := g.db.WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: position %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch position: %w", err)
	}
	p.Name = name
	if err := g.db.WithContext(ctx).Save(&p).Error; err != nil {
		return nil, fmt.Errorf("failed to update position: %w", err)
	}
	return &p, nil
}

func (g *GormStore) UserByID(ctx context.Context, id uint) (*User, error) {
	var u User
	err := g.db.WithContext(ctx).Unscoped().First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: user %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	return &u, nil
}

func (g *GormStore) PlatoonByID(ctx context.Context, id uint) (*Platoon, error) {
	var p Platoon
	err := g.db.WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: platoon %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch platoon: %w", err)
	}
	return &p, nil
}

func (g *GormStore) RolesMatching(ctx context.Context, keys []string) ([]Role, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var roles []Role
	if err := g.db.WithContext(ctx).Where("key IN ?", keys).Find(&roles).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch roles: %w", err)
	}
	return roles, nil
}

func (g *GormStore) PermissionKeysForPosition(ctx context.Context, positionID uint) ([]PermKey, error) {
	var keys []PermKey
	err := g.db.WithContext(ctx).Model(&Permission{}).
		Joins("JOIN position_permissions pp ON pp.permission_id = permissions.id").
		Where("pp.position_id = ?", positionID).
		Pluck("permissions.key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch position permissions: %w", err)
	}
	return keys, nil
}

func (g *GormStore) PermissionKeysForRoles(ctx context.Context, roleIDs []uint) ([]PermKey, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	var keys []PermKey
	err := g.db.WithContext(ctx).Model(&Permission{}).
		Joins("JOIN role_permissions rp ON rp.permission_id = permissions.id").
		Where("rp.role_id IN ?", roleIDs).
		Pluck("permissions.key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch role permissions: %w", err)
	}
	return keys, nil
}

type fieldRuleRow struct {
	PermissionKey string
	Mode          FieldRuleMode
	Fields        pq.StringArray `gorm:"type:text[]"`
	PositionID    *uint
	RoleID        *uint
	Note          string
}

func (g *GormStore) FieldRulesFor(ctx context.Context, keys []PermKey, positionID *uint, roleIDs []uint) ([]ResolvedFieldRule, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	keyStrings := make([]string, 0, len(keys))
	for _, k := range keys {
		keyStrings = append(keyStrings, string(k))
	}

	q := g.db.WithContext(ctx).Table("field_rules").
		Select("permissions.key AS permission_key, field_rules.mode, field_rules.fields, field_rules.position_id, field_rules.role_id, field_rules.note").
		Joins("JOIN permissions ON permissions.id = field_rules.permission_id AND permissions.deleted_at IS NULL").
		Where("field_rules.deleted_at IS NULL").
		Where("permissions.key IN ?", keyStrings)
	switch {
	case positionID != nil && len(roleIDs) > 0:
		q = q.Where("field_rules.position_id = ? OR field_rules.role_id IN ?", *positionID, roleIDs)
	case positionID != nil:
		q = q.Where("field_rules.position_id = ?", *positionID)
	case len(roleIDs) > 0:
		q = q.Where("field_rules.role_id IN ?", roleIDs)
	default:
		return nil, nil
	}

	var rows []fieldRuleRow
	if err := q.Order("field_rules.id ASC").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch field rules: %w", err)
	}

	rules := make([]ResolvedFieldRule, 0, len(rows))
	for _, row := range rows {
		source := SourceRole
		if row.PositionID != nil && positionID != nil && *row.PositionID == *positionID {
			source = SourcePosition
		}
		rules = append(rules, ResolvedFieldRule{
			Permission: PermKey(row.PermissionKey),
			Mode:       row.Mode,
			Fields:     []string(row.Fields),
			Source:     source,
			Note:       row.Note,
		})
	}
	return rules, nil
}

func (g *GormStore) CreateRole(ctx context.Context, r *Role) error {
	var existing Role
	if err := g.db.WithContext(ctx).Where("key = ?", r.Key).First(&existing).Error; err == nil {
		return fmt.Errorf("%w: role %q already exists", ErrConflict, r.Key)
	}
	if err := g.db.WithContext(ctx).Create(r).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: role %q already exists", ErrConflict, r.Key)
		}
		return fmt.Errorf("failed to create role: %w", err)
	}
	return nil
}

func (g *GormStore) RoleByID(ctx context.Context, id uint) (*Role, error) {
	var r Role
	err := g.db.WithContext(ctx).First(&r, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: role %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch role: %w", err)
	}
	return &r, nil
}

func (g *GormStore) UpdateRole(ctx context.Context, id uint, key, description string) (*Role, error) {
	var r Role
	err := g.db.WithContext(ctx).First(&r, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: role %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch role: %w", err)
	}
	r.Key = key
	r.Description = description
	if err := g.db.WithContext(ctx).Save(&r).Error; err != nil {
		return nil, fmt.Errorf("failed to update role: %w", err)
	}
	return &r, nil
}

func (g *GormStore) DeleteRole(ctx context.Context, id uint) error {
	var r Role
	err := g.db.WithContext(ctx).First(&r, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: role %d", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch role: %w", err)
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("role_id = ?", id).Delete(&RolePermission{}).Error; err != nil {
			return fmt.Errorf("failed to delete role-permission mappings: %w", err)
		}
		if err := tx.Delete(&r).Error; err != nil {
			return fmt.Errorf("failed to delete role: %w", err)
		}
		return nil
	})
}

func (g *GormStore) CreatePermission(ctx context.Context, p *Permission) error {
	var existing Permission
	if err := g.db.WithContext(ctx).Where("key = ?", p.Key).First(&existing).Error; err == nil {
		return fmt.Errorf("%w: permission %q already exists", ErrConflict, p.Key)
	}
	if err := g.db.WithContext(ctx).Create(p).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: permission %q already exists", ErrConflict, p.Key)
		}
		return fmt.Errorf("failed to create permission: %w", err)
	}
	return nil
}

func (g *GormStore) UpdatePermission(ctx context.Context, id uint, key PermKey, description string) (*Permission, error) {
	var p Permission
	err := g.db.WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: permission %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch permission: %w", err)
	}
	p.Key = key
	p.Description = description
	if err := g.db.WithContext(ctx).Save(&p).Error; err != nil {
		return nil, fmt.Errorf("failed to update permission: %w", err)
	}
	return &p, nil
}

func (g *GormStore) DeletePermission(ctx context.Context, id uint) error {
	var p Permission
	err := g.db.WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: permission %d", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch permission: %w", err)
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("permission_id = ?", id).Delete(&PositionPermission{}).Error; err != nil {
			return fmt.Errorf("failed to delete position-permission mappings: %w", err)
		}
		if err := tx.Where("permission_id = ?", id).Delete(&RolePermission{}).Error; err != nil {
			return fmt.Errorf("failed to delete role-permission mappings: %w", err)
		}
		if err := tx.Where("permission_id = ?", id).Delete(&FieldRule{}).Error; err != nil {
			return fmt.Errorf("failed to delete field rules: %w", err)
		}
		if err := tx.Delete(&p).Error; err != nil {
			return fmt.Errorf("failed to delete permission: %w", err)
		}
		return nil
	})
}

func (g *GormStore) ReplacePositionPermissions(ctx context.Context, positionID uint, permissionIDs []uint) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("position_id = ?", positionID).Delete(&PositionPermission{}).Error; err != nil {
			return fmt.Errorf("failed to clear position permissions: %w", err)
		}
		for _, permID := range permissionIDs {
			pp := PositionPermission{PositionID: positionID, PermissionID: permID}
			if err := tx.Create(&pp).Error; err != nil {
				return fmt.Errorf("failed to grant permission %d: %w", permID, err)
			}
		}
		return nil
	})
}

func (g *GormStore) ReplaceRolePermissions(ctx context.Context, roleID uint, permissionIDs []uint) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("role_id = ?", roleID).Delete(&RolePermission{}).Error; err != nil {
			return fmt.Errorf("failed to clear role permissions: %w", err)
		}
		for _, permID := range permissionIDs {
			rp := RolePermission{RoleID: roleID, PermissionID: permID}
			if err := tx.Create(&rp).Error; err != nil {
				return fmt.Errorf("failed to grant permission %d: %w", permID, err)
			}
		}
		return nil
	})
}

func (g *GormStore) PermissionIDsByKeys(ctx context.Context, keys []PermKey) ([]uint, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var perms []Permission
	if err := g.db.WithContext(ctx).Where("key IN ?", keys).Find(&perms).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch permissions: %w", err)
	}
	found := make(map[PermKey]uint, len(perms))
	for _, p := range perms {
		found[p.Key] = p.ID
	}
	ids := make([]uint, 0, len(keys))
	for _, k := range keys {
		id, ok := found[k]
		if !ok {
			return nil, fmt.Errorf("%w: permission %q", ErrNotFound, k)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (g *GormStore) CreateFieldRule(ctx context.Context, fr *FieldRule) error {
	if err := g.db.WithContext(ctx).Create(fr).Error; err != nil {
		return fmt.Errorf("failed to create field rule: %w", err)
	}
	return nil
}

func (g *GormStore) UpdateFieldRule(ctx context.Context, id uint, mode FieldRuleMode, fields []string, note string) (*FieldRule, error) {
	var fr FieldRule
	err := g.db.WithContext(ctx).First(&fr, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: field rule %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch field rule: %w", err)
	}
	fr.Mode = mode
	fr.Fields = fields
	fr.Note = note
	if err := g.db.WithContext(ctx).Save(&fr).Error; err != nil {
		return nil, fmt.Errorf("failed to update field rule: %w", err)
	}
	return &fr, nil
}

func (g *GormStore) DeleteFieldRule(ctx context.Context, id uint) error {
	var fr FieldRule
	err := g.db.WithContext(ctx).First(&fr, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: field rule %d", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch field rule: %w", err)
	}
	if err := g.db.WithContext(ctx).Delete(&fr).Error; err != nil {
		return fmt.Errorf("failed to delete field rule: %w", err)
	}
	return nil
}

func (g *GormStore) CurrentPolicyVersion(ctx context.Context) (int64, error) {
	var pv PolicyVersion
	err := g.db.WithContext(ctx).Where("key = ?", PolicyVersionKey).First(&pv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read policy version: %w", err)
	}
	return pv.Value, nil
}

// IncrementPolicyVersion is a single atomic statement so concurrent admin
// edits cannot lose increments.
func (g *GormStore) IncrementPolicyVersion(ctx context.Context) (int64, error) {
	var value int64
	err := g.db.WithContext(ctx).Raw(`
		INSERT INTO policy_versions (key, value, updated_at)
		VALUES (?, 1, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = policy_versions.value + 1, updated_at = NOW()
		RETURNING value
	`, PolicyVersionKey).Scan(&value).Error
	if err != nil {
		return 0, fmt.Errorf("failed to bump policy version: %w", err)
	}
	return value, nil
}
