package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransferRequest asks to move a position from its current holder to NewUserID
// at NewStartsAt, ending the current window at PrevEndsAt.
type TransferRequest struct {
	AppointmentID uint      `json:"appointment_id"`
	ActorID       uint      `json:"actor_id"`
	NewUserID     uint      `json:"new_user_id"`
	PrevEndsAt    time.Time `json:"prev_ends_at"`
	NewStartsAt   time.Time `json:"new_starts_at"`
	Reason        string    `json:"reason,omitempty"`
}

// TransferResult carries both appointment projections, the immutable audit
// record, and the corrected previous ends-at when the requested value was
// bumped forward to the window's own start.
type TransferResult struct {
	Ended              Appointment         `json:"ended"`
	Next               Appointment         `json:"next"`
	Audit              AppointmentTransfer `json:"audit"`
	AdjustedPrevEndsAt *time.Time          `json:"adjusted_prev_ends_at,omitempty"`
}

// TransferAppointment atomically hands a position over to a new holder. All
// validation fails fast with no partial state; the three writes (end current,
// insert next, insert audit row) happen in one transaction. An appointment
// ending exactly at NewStartsAt does not conflict, which is what makes an
// instantaneous hand-off possible.
func (s *Service) TransferAppointment(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	cur, err := s.store.AppointmentByID(ctx, req.AppointmentID)
	if err != nil {
		return nil, err
	}
	if cur.DeletedAt.Valid {
		return nil, fmt.Errorf("%w: appointment %d has been voided", ErrConflict, cur.ID)
	}

	// A window can never be ended before it began.
	effectiveEndsAt := req.PrevEndsAt
	if effectiveEndsAt.Before(cur.StartsAt) {
		effectiveEndsAt = cur.StartsAt
	}
	if req.NewStartsAt.Before(effectiveEndsAt) {
		return nil, fmt.Errorf("%w: new starts-at %s precedes effective previous ends-at %s",
			ErrBadRequest, req.NewStartsAt.Format(time.RFC3339), effectiveEndsAt.Format(time.RFC3339))
	}

	target, err := s.store.UserByID(ctx, req.NewUserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: target user %d", ErrNotFound, req.NewUserID)
		}
		return nil, err
	}
	if target.DeletedAt.Valid {
		return nil, fmt.Errorf("%w: target user %d is deleted", ErrBadRequest, req.NewUserID)
	}

	// Referential drift protection independent of storage-level foreign keys.
	pos, err := s.store.PositionByID(ctx, cur.PositionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: position %d no longer exists", ErrConflict, cur.PositionID)
		}
		return nil, err
	}
	if cur.ScopeKind == ScopePlatoon {
		if cur.ScopeID == nil {
			return nil, fmt.Errorf("%w: platoon-scoped appointment %d has no scope id", ErrBadRequest, cur.ID)
		}
		if _, err := s.store.PlatoonByID(ctx, *cur.ScopeID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: platoon %d no longer exists", ErrConflict, *cur.ScopeID)
			}
			return nil, err
		}
	}

	// Friendly pre-check; the storage exclusion constraint is the real guard
	// against two racing transfers.
	conflicting, err := s.store.ConflictingAppointment(ctx, cur.PositionID, cur.ScopeKind, cur.ScopeID, req.NewStartsAt, cur.ID)
	if err != nil {
		return nil, err
	}
	if conflicting != nil {
		return nil, &ConflictError{AppointmentID: conflicting.ID, UserID: conflicting.UserID}
	}

	reason := req.Reason
	if reason == "" {
		reason = fmt.Sprintf("transferred from user %d by user %d", cur.UserID, req.ActorID)
	}

	next := Appointment{
		UserID:      req.NewUserID,
		PositionID:  cur.PositionID,
		Kind:        cur.Kind,
		ScopeKind:   cur.ScopeKind,
		ScopeID:     cur.ScopeID,
		StartsAt:    req.NewStartsAt,
		EndsAt:      nil,
		AppointedBy: req.ActorID,
		Reason:      reason,
	}
	record := AppointmentTransfer{
		Reference:         uuid.NewString(),
		FromAppointmentID: cur.ID,
		FromUserID:        cur.UserID,
		ToUserID:          req.NewUserID,
		PositionID:        cur.PositionID,
		PositionKey:       pos.Key,
		ScopeKind:         cur.ScopeKind,
		ScopeID:           cur.ScopeID,
		PrevStartsAt:      cur.StartsAt,
		PrevEndsAt:        effectiveEndsAt,
		NewStartsAt:       req.NewStartsAt,
		ActorID:           req.ActorID,
		Reason:            reason,
	}

	if err := s.store.ApplyTransfer(ctx, cur.ID, effectiveEndsAt, req.ActorID, &next, &record); err != nil {
		return nil, err
	}

	ended := *cur
	ended.EndsAt = &effectiveEndsAt
	ended.EndedBy = &req.ActorID

	result := &TransferResult{Ended: ended, Next: next, Audit: record}
	if !effectiveEndsAt.Equal(req.PrevEndsAt) {
		result.AdjustedPrevEndsAt = &effectiveEndsAt
	}

	s.logAudit(ctx, req.ActorID, "transfer_appointment", "appointment", cur.ID,
		fmt.Sprintf("position %s handed to user %d (ref %s)", pos.Key, req.NewUserID, record.Reference))
	return result, nil
}
