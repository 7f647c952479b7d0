package preflight

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
)

var testNow = time.Date(2025, time.March, 14, 18, 0, 0, 0, time.UTC)

func setup(t *testing.T, rec device.Record) (*Validator, *memory.InMemoryRepository, *devicetest.FakeDriver, *device.Manager) {
	t.Helper()
	repo := memory.NewInMemoryRepository()
	drv := devicetest.NewFakeDriver(rec)
	mgr := device.NewManager(drv, device.NewStatusCache(), device.Options{
		Address:        "AA:BB:CC:DD:EE:FF",
		CommandSpacing: time.Millisecond,
	})
	v := NewValidator(repo, mgr, Options{Now: func() time.Time { return testNow }})
	return v, repo, drv, mgr
}

func openSession(id string, start time.Time) domain.Session {
	return domain.Session{ID: id, UserID: "user-1", StartTime: start, Mode: "manual"}
}

func TestCleanDeviceIsReadyAndSwitchedToMode(t *testing.T) {
	v, _, drv, mgr := setup(t, device.Record{Mode: 2, Belt: devicetest.BeltStandby})

	res, err := v.CheckAndCleanFor(context.Background(), device.ModeManual)
	require.NoError(t, err)
	require.True(t, res.Ready)
	require.Equal(t, []device.Command{{Kind: device.CommandSetMode, Value: 1}}, drv.Commands())
	require.False(t, mgr.Connected(), "connection released after preflight")
}

func TestCheckAndCleanLeavesStandbyAlone(t *testing.T) {
	v, _, drv, _ := setup(t, device.Record{Mode: 2, Belt: devicetest.BeltStandby})

	res, err := v.CheckAndClean(context.Background())
	require.NoError(t, err)
	require.True(t, res.Ready)
	require.Empty(t, drv.Commands())
}

func TestMovingBeltIsForceStopped(t *testing.T) {
	v, _, drv, _ := setup(t, device.Record{Mode: 1, Belt: devicetest.BeltRunning, Speed: 30})

	res, err := v.CheckAndCleanFor(context.Background(), device.ModeManual)
	require.NoError(t, err)
	require.True(t, res.Ready)
	require.Equal(t, []device.CommandKind{device.CommandStopBelt}, drv.Kinds())
}

func TestResidualActivityFailsClosed(t *testing.T) {
	cases := map[string]device.Record{
		"distance": {Mode: 1, Belt: devicetest.BeltIdle, Distance: 6},
		"steps":    {Mode: 1, Belt: devicetest.BeltIdle, Steps: 51},
		"time":     {Mode: 1, Belt: devicetest.BeltIdle, Time: 31},
	}
	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			v, _, drv, _ := setup(t, rec)

			res, err := v.CheckAndCleanFor(context.Background(), device.ModeManual)
			require.NoError(t, err)
			require.False(t, res.Ready)
			require.True(t, res.Residual)
			require.Contains(t, res.Reason, "unsaved activity")
			require.Empty(t, drv.Commands(), "mode must not change on a dirty device")
		})
	}
}

func TestResidualAtThresholdIsAccepted(t *testing.T) {
	v, _, _, _ := setup(t, device.Record{Mode: 1, Belt: devicetest.BeltIdle, Distance: 5, Steps: 50, Time: 30})

	res, err := v.CheckAndCleanFor(context.Background(), device.ModeManual)
	require.NoError(t, err)
	require.True(t, res.Ready)
}

func TestUnavailableStatusFailsClosed(t *testing.T) {
	v, _, drv, _ := setup(t, device.Record{})
	drv.Silence(true)

	res, err := v.CheckAndClean(context.Background())
	require.NoError(t, err)
	require.False(t, res.Ready)
	require.False(t, res.Residual)
}

func TestUnreachableDeviceReturnsConnectionError(t *testing.T) {
	v, _, drv, _ := setup(t, device.Record{})
	drv.FailConnect(errors.New("device unreachable"))

	_, err := v.CheckAndClean(context.Background())
	var connErr *device.ConnectionError
	require.ErrorAs(t, err, &connErr)
}

func TestStaleSessionsAreClosedWithEstimate(t *testing.T) {
	v, repo, _, _ := setup(t, device.Record{Mode: 2, Belt: devicetest.BeltStandby})

	old := openSession("stale", testNow.Add(-5*time.Hour))
	old.Notes = "felt good"
	require.NoError(t, repo.Create(context.Background(), old))
	fresh := openSession("fresh", testNow.Add(-time.Hour))
	require.NoError(t, repo.Create(context.Background(), fresh))

	_, err := v.CheckAndClean(context.Background())
	require.NoError(t, err)

	closed, _ := repo.Get("stale")
	require.NotNil(t, closed.EndTime)
	require.Equal(t, old.StartTime.Add(30*time.Minute), *closed.EndTime)
	require.Equal(t, 1800, closed.DurationSeconds)
	require.Contains(t, closed.Notes, "felt good")
	require.Contains(t, closed.Notes, "auto-closed")

	stillOpen, _ := repo.Get("fresh")
	require.True(t, stillOpen.Open())
}

func TestStaleEstimateCappedAtNow(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	drv := devicetest.NewFakeDriver(device.Record{Mode: 2, Belt: devicetest.BeltStandby})
	mgr := device.NewManager(drv, device.NewStatusCache(), device.Options{CommandSpacing: time.Millisecond})
	v := NewValidator(repo, mgr, Options{
		StaleAfter:    time.Hour,
		StaleEstimate: 4 * time.Hour,
		Now:           func() time.Time { return testNow },
	})

	require.NoError(t, repo.Create(context.Background(), openSession("s", testNow.Add(-2*time.Hour))))

	_, err := v.CheckAndClean(context.Background())
	require.NoError(t, err)

	closed, _ := repo.Get("s")
	require.Equal(t, testNow, *closed.EndTime)
	require.Equal(t, 7200, closed.DurationSeconds)
}

func TestStaleCleanupFailureIsNotFatal(t *testing.T) {
	v, repo, _, _ := setup(t, device.Record{Mode: 2, Belt: devicetest.BeltStandby})
	repo.Err = errors.New("database down")

	res, err := v.CheckAndClean(context.Background())
	require.NoError(t, err)
	require.True(t, res.Ready)
}
