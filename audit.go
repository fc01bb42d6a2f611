package policy

import (
	"context"
	"time"
)

// logAudit records an engine action. Fire-and-forget: a failed audit write
// never blocks the operation it describes.
func (s *Service) logAudit(ctx context.Context, actorID uint, action, targetType string, targetID uint, details string) {
	if !s.auditEnabled {
		return
	}
	audit := AuditLog{
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
		CreatedAt:  time.Now(),
	}
	s.db.WithContext(ctx).Create(&audit)
}

// ListAuditLogs retrieves audit entries, optionally filtered by actor, action,
// or time window.
func (s *Service) ListAuditLogs(ctx context.Context, actorID *uint, action *string, since, until *time.Time) ([]AuditLog, error) {
	query := s.db.WithContext(ctx).Order("created_at DESC")
	if actorID != nil {
		query = query.Where("actor_id = ?", *actorID)
	}
	if action != nil {
		query = query.Where("action = ?", *action)
	}
	if since != nil {
		query = query.Where("created_at >= ?", *since)
	}
	if until != nil {
		query = query.Where("created_at <= ?", *until)
	}

	var audits []AuditLog
	if err := query.Find(&audits).Error; err != nil {
		return nil, err
	}
	return audits, nil
}
