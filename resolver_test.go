package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestResolveCurrentAppointment(t *testing.T) {
	store := newMemStore()
	user := store.addUser("cadet one")
	platoon := store.addPlatoon("P1")
	pos := store.addPosition("PLATOON_COMMANDER", ScopePlatoon)
	appt := store.addAppointment(user.ID, pos.ID, ScopePlatoon, &platoon.ID,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	svc := newTestService(store, nil, testNow)
	actx, err := svc.ResolveAppointmentContext(context.Background(), user.ID, nil)
	require.NoError(t, err)

	require.NotNil(t, actx.AppointmentID)
	assert.Equal(t, appt.ID, *actx.AppointmentID)
	assert.Equal(t, "PLATOON_COMMANDER", actx.PositionKey)
	assert.Equal(t, ScopePlatoon, actx.ScopeKind)
	require.NotNil(t, actx.ScopeID)
	assert.Equal(t, platoon.ID, *actx.ScopeID)
}

func TestResolveHintedAppointmentWins(t *testing.T) {
	store := newMemStore()
	user := store.addUser("cadet")
	posA := store.addPosition("ADJUTANT", ScopeGlobal)
	posB := store.addPosition("QUARTERMASTER", ScopeGlobal)
	// Older appointment, explicitly hinted.
	older := store.addAppointment(user.ID, posA.ID, ScopeGlobal, nil,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	// Newer appointment that would win without the hint.
	store.addAppointment(user.ID, posB.ID, ScopeGlobal, nil,
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), nil)

	svc := newTestService(store, nil, testNow)
	actx, err := svc.ResolveAppointmentContext(context.Background(), user.ID,
		&AppointmentHint{AppointmentID: &older.ID})
	require.NoError(t, err)
	require.NotNil(t, actx.AppointmentID)
	assert.Equal(t, older.ID, *actx.AppointmentID)
	assert.Equal(t, "ADJUTANT", actx.PositionKey)
}

func TestResolveLatestStartedWins(t *testing.T) {
	store := newMemStore()
	user := store.addUser("cadet")
	posA := store.addPosition("ADJUTANT", ScopeGlobal)
	posB := store.addPosition("QUARTERMASTER", ScopeGlobal)
	store.addAppointment(user.ID, posA.ID, ScopeGlobal, nil,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	newer := store.addAppointment(user.ID, posB.ID, ScopeGlobal, nil,
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), nil)

	svc := newTestService(store, nil, testNow)
	actx, err := svc.ResolveAppointmentContext(context.Background(), user.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, actx.AppointmentID)
	assert.Equal(t, newer.ID, *actx.AppointmentID)
}

func TestResolveIgnoresExpiredAndDeleted(t *testing.T) {
	store := newMemStore()
	user := store.addUser("cadet")
	pos := store.addPosition("ADJUTANT", ScopeGlobal)
	ended := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	store.addAppointment(user.ID, pos.ID, ScopeGlobal, nil,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), &ended)
	voided := store.addAppointment(user.ID, pos.ID, ScopeGlobal, nil,
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), nil)
	store.appointments[voided.ID].DeletedAt = softDelete()

	svc := newTestService(store, nil, testNow)
	actx, err := svc.ResolveAppointmentContext(context.Background(), user.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, actx.AppointmentID)
	assert.Empty(t, actx.PositionKey)
}

func TestResolveBarePositionKeyFallback(t *testing.T) {
	store := newMemStore()
	user := store.addUser("cadet")
	platoon := store.addPlatoon("P2")
	store.addPosition("DRILL_INSTRUCTOR", ScopeGlobal)

	svc := newTestService(store, nil, testNow)
	actx, err := svc.ResolveAppointmentContext(context.Background(), user.ID,
		&AppointmentHint{PositionKey: "DRILL_INSTRUCTOR", ScopeKind: ScopePlatoon, ScopeID: &platoon.ID})
	require.NoError(t, err)

	assert.Nil(t, actx.AppointmentID)
	require.NotNil(t, actx.PositionID)
	assert.Equal(t, "DRILL_INSTRUCTOR", actx.PositionKey)
	assert.Equal(t, ScopePlatoon, actx.ScopeKind)
	require.NotNil(t, actx.ScopeID)
	assert.Equal(t, platoon.ID, *actx.ScopeID)
}

func TestResolveEmptyContextPreservesScopeHint(t *testing.T) {
	store := newMemStore()
	user := store.addUser("cadet")
	platoon := store.addPlatoon("P3")

	svc := newTestService(store, nil, testNow)
	actx, err := svc.ResolveAppointmentContext(context.Background(), user.ID,
		&AppointmentHint{ScopeKind: ScopePlatoon, ScopeID: &platoon.ID})
	require.NoError(t, err)

	assert.Nil(t, actx.AppointmentID)
	assert.Nil(t, actx.PositionID)
	assert.Empty(t, actx.PositionKey)
	assert.Equal(t, ScopePlatoon, actx.ScopeKind)
	require.NotNil(t, actx.ScopeID)
	assert.Equal(t, platoon.ID, *actx.ScopeID)
}

func TestResolveUnknownPositionKeyFallsThrough(t *testing.T) {
	store := newMemStore()
	user := store.addUser("cadet")

	svc := newTestService(store, nil, testNow)
	actx, err := svc.ResolveAppointmentContext(context.Background(), user.ID,
		&AppointmentHint{PositionKey: "NO_SUCH_POST"})
	require.NoError(t, err)
	assert.Empty(t, actx.PositionKey)
	assert.Nil(t, actx.PositionID)
}
