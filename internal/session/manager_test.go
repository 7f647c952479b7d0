package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/treadmill/internal/device"
	"example.com/treadmill/internal/device/devicetest"
	"example.com/treadmill/internal/domain"
	"example.com/treadmill/internal/persistence/memory"
	"example.com/treadmill/internal/preflight"
)

type fixture struct {
	manager *Manager
	repo    *memory.InMemoryRepository
	driver  *devicetest.FakeDriver
	device  *device.Manager
	now     time.Time
}

func newFixture(t *testing.T, rec device.Record) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2025, time.June, 2, 7, 30, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	f.repo = memory.NewInMemoryRepository()
	f.driver = devicetest.NewFakeDriver(rec)
	cache := device.NewStatusCache()
	f.device = device.NewManager(f.driver, cache, device.Options{
		Address:        "AA:BB:CC:DD:EE:FF",
		CommandSpacing: time.Millisecond,
	})
	validator := preflight.NewValidator(f.repo, f.device, preflight.Options{Now: clock})
	f.manager = NewManager(f.repo, validator, f.device, Options{
		UserID:            "user-1",
		MetricsRetryDelay: time.Millisecond,
		Now:               clock,
	})
	cache.Observe(f.manager.ObserveStatus)
	return f
}

func standby() device.Record {
	return device.Record{Mode: 2, Belt: devicetest.BeltStandby}
}

func TestStartSessionCreatesOpenRowAndStartsBelt(t *testing.T) {
	f := newFixture(t, standby())

	s, err := f.manager.StartSession(context.Background())
	require.NoError(t, err)
	require.True(t, s.Open())
	require.Equal(t, "user-1", s.UserID)
	require.Equal(t, f.now, s.StartTime)

	stored, ok := f.repo.Get(s.ID)
	require.True(t, ok)
	require.True(t, stored.Open())
	require.Zero(t, stored.DistanceKm)

	require.Equal(t, []device.CommandKind{device.CommandSetMode, device.CommandStartBelt}, f.driver.Kinds())
	active, ok := f.manager.Active()
	require.True(t, ok)
	require.Equal(t, s.ID, active.ID)
}

func TestStartSessionRejectsSecondStartWithoutDeviceIO(t *testing.T) {
	f := newFixture(t, standby())
	_, err := f.manager.StartSession(context.Background())
	require.NoError(t, err)
	commands := len(f.driver.Commands())
	connects := f.driver.Connects()

	_, err = f.manager.StartSession(context.Background())
	require.ErrorIs(t, err, domain.ErrSessionActive)
	var pErr *domain.PreconditionError
	require.ErrorAs(t, err, &pErr)
	require.Len(t, f.driver.Commands(), commands)
	require.Equal(t, connects, f.driver.Connects())
	require.Len(t, f.repo.All(), 1)
}

func TestStartSessionRefusesDirtyDevice(t *testing.T) {
	f := newFixture(t, device.Record{Mode: 1, Belt: devicetest.BeltIdle, Steps: 400, Distance: 30, Time: 300})

	_, err := f.manager.StartSession(context.Background())
	require.ErrorIs(t, err, domain.ErrUnflushedDeviceData)
	require.Empty(t, f.repo.All())
	require.NotContains(t, f.driver.Kinds(), device.CommandStartBelt)
}

func TestStartSessionAdoptsOpenRowFromStore(t *testing.T) {
	f := newFixture(t, standby())
	existing := domain.Session{ID: "left-open", UserID: "user-1", StartTime: f.now.Add(-20 * time.Minute)}
	require.NoError(t, f.repo.Create(context.Background(), existing))

	_, err := f.manager.StartSession(context.Background())
	require.ErrorIs(t, err, domain.ErrSessionActive)
	require.Len(t, f.repo.All(), 1)

	active, ok := f.manager.Active()
	require.True(t, ok)
	require.Equal(t, "left-open", active.ID)
}

func TestStartSessionClosesRowWhenBeltFailsToStart(t *testing.T) {
	f := newFixture(t, standby())
	f.driver.FailCommand(device.CommandStartBelt, errors.New("write failed"))

	_, err := f.manager.StartSession(context.Background())
	var connErr *device.ConnectionError
	require.ErrorAs(t, err, &connErr)

	_, ok := f.manager.Active()
	require.False(t, ok)
	rows := f.repo.All()
	require.Len(t, rows, 1)
	require.False(t, rows[0].Open())
	require.Contains(t, rows[0].Notes, "start aborted")
	require.Contains(t, f.driver.Kinds(), device.CommandStopBelt)
}

func TestEndSessionWithoutSession(t *testing.T) {
	f := newFixture(t, standby())

	_, err := f.manager.EndSession(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrNoActiveSession)
	require.Zero(t, f.driver.Connects())
}

func TestEndSessionUsesDeviceMetrics(t *testing.T) {
	f := newFixture(t, standby())
	f.repo.SetWeight("user-1", 80)
	s, err := f.manager.StartSession(context.Background())
	require.NoError(t, err)

	// 2.5 km over 30 minutes at a peak of 5.5 km/h.
	f.driver.SetRecord(device.Record{Mode: 1, Belt: devicetest.BeltRunning, Speed: 55, Distance: 250, Steps: 3200, Time: 1800})
	f.now = f.now.Add(31 * time.Minute)

	closed, err := f.manager.EndSession(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, s.ID, closed.ID)
	require.False(t, closed.Open())
	require.Equal(t, f.now, *closed.EndTime)
	require.InDelta(t, 2.5, closed.DistanceKm, 1e-9)
	require.Equal(t, 3200, closed.Steps)
	require.Equal(t, 1800, closed.DurationSeconds)
	require.InDelta(t, 5.0, closed.AverageSpeed, 1e-9)
	require.InDelta(t, 5.5, closed.MaxSpeed, 1e-9)
	require.InDelta(t, 3.5*80*0.5, closed.Calories, 1e-9)

	stored, _ := f.repo.Get(s.ID)
	require.False(t, stored.Open())
	require.Equal(t, device.CommandStopBelt, f.driver.Kinds()[len(f.driver.Kinds())-1])

	_, ok := f.manager.Active()
	require.False(t, ok)
}

func TestEndSessionActivityOverridesDevice(t *testing.T) {
	f := newFixture(t, standby())
	_, err := f.manager.StartSession(context.Background())
	require.NoError(t, err)
	f.driver.SetRecord(device.Record{Mode: 1, Belt: devicetest.BeltRunning, Speed: 40, Distance: 100, Steps: 1000, Time: 900})

	distance := 1.6
	closed, err := f.manager.EndSession(context.Background(), &domain.ActivityData{DistanceKm: &distance})
	require.NoError(t, err)
	require.InDelta(t, 1.6, closed.DistanceKm, 1e-9)
	require.Equal(t, 1000, closed.Steps)
	require.Equal(t, 900, closed.DurationSeconds)
}

func TestEndSessionFallsBackToWallClockDuration(t *testing.T) {
	f := newFixture(t, standby())
	_, err := f.manager.StartSession(context.Background())
	require.NoError(t, err)
	f.now = f.now.Add(10 * time.Minute)

	closed, err := f.manager.EndSession(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 600, closed.DurationSeconds)
	require.Zero(t, closed.Calories)
	require.Zero(t, closed.AverageSpeed)
}

func TestEndSessionFallsBackToCachedMetrics(t *testing.T) {
	f := newFixture(t, standby())
	_, err := f.manager.StartSession(context.Background())
	require.NoError(t, err)

	f.manager.ObserveStatus(device.Status{Distance: 0.8, Steps: 900, ElapsedTime: 480, Speed: 4.0})
	f.driver.FailStats(errors.New("timeout"), errors.New("timeout"), errors.New("timeout"))

	closed, err := f.manager.EndSession(context.Background(), nil)
	require.NoError(t, err)
	require.InDelta(t, 0.8, closed.DistanceKm, 1e-9)
	require.Equal(t, 480, closed.DurationSeconds)
	require.InDelta(t, 4.0, closed.MaxSpeed, 1e-9)
}

func TestEndSessionRecoversOpenRowAfterRestart(t *testing.T) {
	f := newFixture(t, standby())
	existing := domain.Session{ID: "before-restart", UserID: "user-1", StartTime: f.now.Add(-15 * time.Minute)}
	require.NoError(t, f.repo.Create(context.Background(), existing))

	closed, err := f.manager.EndSession(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "before-restart", closed.ID)
	require.Equal(t, 900, closed.DurationSeconds)
}

func TestEndSessionDeviceFailureKeepsSessionOpen(t *testing.T) {
	f := newFixture(t, standby())
	s, err := f.manager.StartSession(context.Background())
	require.NoError(t, err)

	f.driver.FailConnect(errors.New("device unreachable"))
	_, err = f.manager.EndSession(context.Background(), nil)
	var connErr *device.ConnectionError
	require.ErrorAs(t, err, &connErr)

	stored, _ := f.repo.Get(s.ID)
	require.True(t, stored.Open())
	_, ok := f.manager.Active()
	require.True(t, ok)
	// The best-effort stop reconnected and stopped the belt.
	require.Equal(t, device.CommandStopBelt, f.driver.Kinds()[len(f.driver.Kinds())-1])
}

func TestEndSessionValidatesActivity(t *testing.T) {
	f := newFixture(t, standby())
	steps := -3

	_, err := f.manager.EndSession(context.Background(), &domain.ActivityData{Steps: &steps})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestEndSessionPersistenceFailure(t *testing.T) {
	f := newFixture(t, standby())
	_, err := f.manager.StartSession(context.Background())
	require.NoError(t, err)

	f.repo.Err = errors.New("connection refused")
	_, err = f.manager.EndSession(context.Background(), nil)
	var pErr *domain.PersistenceError
	require.ErrorAs(t, err, &pErr)
}

func TestStaleCleanupClearsCachedSession(t *testing.T) {
	f := newFixture(t, standby())
	ctx := context.Background()
	first, err := f.manager.StartSession(ctx)
	require.NoError(t, err)

	f.now = f.now.Add(4 * time.Hour)
	_, err = f.manager.preflight.CheckAndCleanFor(ctx, device.ModeStandby)
	require.NoError(t, err)
	stale, _ := f.repo.Get(first.ID)
	require.False(t, stale.Open())

	_, err = f.manager.EndSession(ctx, nil)
	require.ErrorIs(t, err, domain.ErrNoActiveSession)
	_, ok := f.manager.Active()
	require.False(t, ok)

	kept, _ := f.repo.Get(first.ID)
	require.Equal(t, first.StartTime.Add(30*time.Minute), *kept.EndTime)
	require.Contains(t, kept.Notes, "auto-closed")
	require.Equal(t, 1800, kept.DurationSeconds)

	second, err := f.manager.StartSession(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	active, ok := f.manager.Active()
	require.True(t, ok)
	require.Equal(t, second.ID, active.ID)
}

type closingRepo struct {
	*memory.InMemoryRepository
}

// Finish simulates another process closing the row first.
func (r closingRepo) Finish(ctx context.Context, s domain.Session) error {
	end := s.StartTime.Add(time.Minute)
	if err := r.InMemoryRepository.CloseStale(ctx, s.ID, end, 60, "closed elsewhere"); err != nil {
		return err
	}
	return r.InMemoryRepository.Finish(ctx, s)
}

func TestEndSessionKeepsRowClosedConcurrently(t *testing.T) {
	f := newFixture(t, standby())
	ctx := context.Background()
	repo := closingRepo{f.repo}
	validator := preflight.NewValidator(repo, f.device, preflight.Options{Now: func() time.Time { return f.now }})
	manager := NewManager(repo, validator, f.device, Options{
		UserID:            "user-1",
		MetricsRetryDelay: time.Millisecond,
		Now:               func() time.Time { return f.now },
	})

	s, err := manager.StartSession(ctx)
	require.NoError(t, err)
	f.now = f.now.Add(10 * time.Minute)

	_, err = manager.EndSession(ctx, nil)
	require.ErrorIs(t, err, domain.ErrNoActiveSession)
	var pErr *domain.PreconditionError
	require.ErrorAs(t, err, &pErr)
	_, ok := manager.Active()
	require.False(t, ok)

	stored, _ := f.repo.Get(s.ID)
	require.Equal(t, "closed elsewhere", stored.Notes)
	require.Equal(t, 60, stored.DurationSeconds)
}
