package policy

import (
	"context"
	"errors"
	"fmt"
)

// ResolveAppointmentContext returns the appointment context in force for the
// user right now. Precedence: an explicitly hinted appointment id, then the
// most recently started active appointment, then a bare hinted position key
// (degraded, no temporal guarantee), then an empty context that still carries
// the scope hint. Read-only.
func (s *Service) ResolveAppointmentContext(ctx context.Context, userID uint, hint *AppointmentHint) (AppointmentContext, error) {
	now := s.now()

	if hint != nil && hint.AppointmentID != nil {
		a, err := s.store.UserAppointmentAt(ctx, userID, *hint.AppointmentID, now)
		if err == nil {
			return contextFromAppointment(a), nil
		}
		if !errors.Is(err, ErrNotFound) {
			return AppointmentContext{}, err
		}
	}

	a, err := s.store.ActiveAppointmentForUser(ctx, userID, now)
	if err == nil {
		return contextFromAppointment(a), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return AppointmentContext{}, err
	}

	if hint != nil && hint.PositionKey != "" {
		pos, err := s.store.PositionByKey(ctx, hint.PositionKey)
		if err == nil {
			actx := AppointmentContext{
				AppointmentID: hint.AppointmentID,
				PositionID:    &pos.ID,
				PositionKey:   pos.Key,
				Kind:          AssignmentPrimary,
				ScopeKind:     hint.ScopeKind,
				ScopeID:       hint.ScopeID,
			}
			if actx.ScopeKind == "" {
				actx.ScopeKind = pos.DefaultScopeKind
			}
			return actx, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return AppointmentContext{}, err
		}
	}

	actx := AppointmentContext{}
	if hint != nil {
		actx.ScopeKind = hint.ScopeKind
		actx.ScopeID = hint.ScopeID
	}
	return actx, nil
}

func contextFromAppointment(a *Appointment) AppointmentContext {
	actx := AppointmentContext{
		AppointmentID: &a.ID,
		PositionID:    &a.PositionID,
		Kind:          a.Kind,
		ScopeKind:     a.ScopeKind,
		ScopeID:       a.ScopeID,
	}
	if a.Position != nil {
		actx.PositionKey = a.Position.Key
	}
	return actx
}

// cacheToken renders the context into its cache-key segment.
func (c AppointmentContext) cacheToken() string {
	appt := "none"
	if c.AppointmentID != nil {
		appt = fmt.Sprintf("%d", *c.AppointmentID)
	}
	pos := "none"
	if c.PositionKey != "" {
		pos = c.PositionKey
	}
	scope := "none"
	if c.ScopeKind != "" {
		scope = string(c.ScopeKind)
		if c.ScopeID != nil {
			scope = fmt.Sprintf("%s:%d", c.ScopeKind, *c.ScopeID)
		}
	}
	return fmt.Sprintf("%s:%s:%s", appt, pos, scope)
}
