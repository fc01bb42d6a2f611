package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// Config holds the configuration for the policy engine.
type Config struct {
	DB                 *gorm.DB
	RedisClient        *redis.Client
	CacheTTL           time.Duration
	CachePrefix        string
	AutoMigrate        bool
	EnableAuditLogging bool
}

// Service is the Authorization & Appointment Policy Engine. It computes
// decision bundles; it never enforces them.
type Service struct {
	db           *gorm.DB
	store        Store
	cache        BundleCache
	cacheTTL     time.Duration
	auditEnabled bool
	group        singleflight.Group
	nowFn        func() time.Time
}

// NewService initializes the engine. RedisClient may be nil, in which case
// the cached lookup degrades to computing every time.
func NewService(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	if cfg.AutoMigrate {
		if err := AutoMigrate(cfg.DB); err != nil {
			return nil, err
		}
	}

	s := &Service{
		db:           cfg.DB,
		store:        NewGormStore(cfg.DB),
		cacheTTL:     cfg.CacheTTL,
		auditEnabled: cfg.EnableAuditLogging,
		nowFn:        time.Now,
	}
	if cfg.RedisClient != nil {
		s.cache = NewRedisBundleCache(cfg.RedisClient, cfg.CachePrefix)
	}
	return s, nil
}

func (s *Service) now() time.Time {
	return s.nowFn()
}

// EffectivePermissions runs the full resolution pipeline uncached: appointment
// context, permission aggregation, field rules, tagged with the policy version
// the computation ran under.
func (s *Service) EffectivePermissions(ctx context.Context, userID uint, rawRoles []string, hint *AppointmentHint) (*EffectivePermissionBundle, error) {
	actx, err := s.ResolveAppointmentContext(ctx, userID, hint)
	if err != nil {
		return nil, err
	}
	version, err := s.store.CurrentPolicyVersion(ctx)
	if err != nil {
		return nil, err
	}
	return s.computeBundle(ctx, userID, actx, rawRoles, version)
}

// CachedEffectivePermissions is the read-through variant. The appointment
// context and policy version are resolved first because both are part of the
// cache key; concurrent misses for the same key are collapsed so a stampede
// computes once. Duplicate computation would be harmless anyway: a bundle is
// a pure function of committed state.
func (s *Service) CachedEffectivePermissions(ctx context.Context, userID uint, rawRoles []string, hint *AppointmentHint) (*EffectivePermissionBundle, error) {
	if s.cache == nil {
		return s.EffectivePermissions(ctx, userID, rawRoles, hint)
	}

	actx, err := s.ResolveAppointmentContext(ctx, userID, hint)
	if err != nil {
		return nil, err
	}
	version, err := s.store.CurrentPolicyVersion(ctx)
	if err != nil {
		return nil, err
	}

	roles := NormalizeRoleSet(rawRoles)
	key := bundleCacheKey(userID, actx, roles, version)

	if cached, err := s.cache.Get(ctx, key); err == nil && cached != nil {
		return cached, nil
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		b, err := s.computeBundle(ctx, userID, actx, rawRoles, version)
		if err != nil {
			return nil, err
		}
		// Best effort: a failed cache write only costs a recomputation.
		_ = s.cache.Set(ctx, key, b, s.cacheTTL)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*EffectivePermissionBundle), nil
}

func (s *Service) computeBundle(ctx context.Context, userID uint, actx AppointmentContext, rawRoles []string, version int64) (*EffectivePermissionBundle, error) {
	agg, err := s.aggregatePermissions(ctx, actx, rawRoles)
	if err != nil {
		return nil, err
	}
	rules, denied, err := s.resolveFieldRules(ctx, actx, agg.RoleIDs, agg.Keys)
	if err != nil {
		return nil, err
	}
	return &EffectivePermissionBundle{
		UserID:            userID,
		Context:           actx,
		Roles:             agg.Roles,
		IsAdmin:           agg.IsAdmin,
		IsSuperAdmin:      agg.IsSuperAdmin,
		Permissions:       agg.Keys,
		DeniedPermissions: denied,
		FieldRules:        rules,
		PolicyVersion:     version,
	}, nil
}
