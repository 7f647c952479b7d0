// Package session runs the start and end of treadmill sessions against the store and the device.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"example.com/treadmill/internal/device"
	"example.com/treadmill/internal/domain"
	"example.com/treadmill/internal/preflight"
)

// Defaults for Options.
const (
	DefaultUserID             = "default"
	DefaultMetricsAttempts    = 3
	DefaultMetricsRetryDelay  = time.Second
	DefaultCleanupStopTimeout = 10 * time.Second
)

// Repository is the part of the session store the lifecycle needs.
type Repository interface {
	Create(ctx context.Context, session domain.Session) error
	Finish(ctx context.Context, session domain.Session) error
	LatestOpen(ctx context.Context, userID string) (*domain.Session, error)
	UserWeight(ctx context.Context, userID string) (float64, bool, error)
}

// Preflight prepares the device before a session starts.
type Preflight interface {
	CheckAndCleanFor(ctx context.Context, mode device.Mode) (preflight.Result, error)
}

// Device grants scoped access to the treadmill.
type Device interface {
	WithConnection(ctx context.Context, persistent bool, fn func(context.Context, *device.Conn) error) error
}

// Options tunes a Manager.
type Options struct {
	UserID            string
	MetricsAttempts   int
	MetricsRetryDelay time.Duration
	Logger            *zap.Logger
	Now               func() time.Time
}

// Manager owns the lifecycle of the single active session. The store is authoritative
// for whether a session is open; the in-memory pointer caches it.
type Manager struct {
	repo      Repository
	preflight Preflight
	device    Device
	opts      Options
	logger    *zap.Logger

	// mu serialises StartSession and EndSession.
	mu     sync.Mutex
	active *domain.Session

	metricsMu   sync.Mutex
	lastMetrics device.Status
	hasMetrics  bool
	maxSpeed    float64
}

// NewManager constructs a Manager.
func NewManager(repo Repository, pf Preflight, dev Device, opts Options) *Manager {
	if opts.UserID == "" {
		opts.UserID = DefaultUserID
	}
	if opts.MetricsAttempts <= 0 {
		opts.MetricsAttempts = DefaultMetricsAttempts
	}
	if opts.MetricsRetryDelay <= 0 {
		opts.MetricsRetryDelay = DefaultMetricsRetryDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		repo:      repo,
		preflight: pf,
		device:    dev,
		opts:      opts,
		logger:    opts.Logger.Named("session"),
	}
}

// UserID returns the user sessions are recorded for.
func (m *Manager) UserID() string { return m.opts.UserID }

// Active returns a copy of the in-memory active session, if any.
func (m *Manager) Active() (domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return domain.Session{}, false
	}
	return *m.active, true
}

// ObserveStatus records device readings for the active session. It is registered as a
// status cache observer and must not block.
func (m *Manager) ObserveStatus(s device.Status) {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	m.lastMetrics = s
	m.hasMetrics = true
	if s.Speed > m.maxSpeed {
		m.maxSpeed = s.Speed
	}
}

func (m *Manager) resetMetrics() {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	m.lastMetrics = device.Status{}
	m.hasMetrics = false
	m.maxSpeed = 0
}

func (m *Manager) cachedMetrics() (device.Status, bool, float64) {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	return m.lastMetrics, m.hasMetrics, m.maxSpeed
}

// StartSession validates the device, records an open session and starts the belt.
func (m *Manager) StartSession(ctx context.Context) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		open, err := m.syncActive(ctx)
		if err != nil {
			return nil, err
		}
		if open != nil {
			return nil, domain.NewPreconditionError(domain.ErrSessionActive, "")
		}
	}

	result, err := m.preflight.CheckAndCleanFor(ctx, device.ModeManual)
	if err != nil {
		return nil, err
	}
	if !result.Ready {
		sentinel := domain.ErrDeviceNotReady
		if result.Residual {
			sentinel = domain.ErrUnflushedDeviceData
		}
		return nil, domain.NewPreconditionError(sentinel, result.Reason)
	}

	open, err := m.repo.LatestOpen(ctx, m.opts.UserID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "find open session", Err: err}
	}
	if open != nil {
		m.active = open
		return nil, domain.NewPreconditionError(domain.ErrSessionActive,
			fmt.Sprintf("session already active (started %s)", open.StartTime.Format(time.RFC3339)))
	}

	now := m.opts.Now().UTC()
	session := domain.Session{
		ID:        uuid.NewString(),
		UserID:    m.opts.UserID,
		StartTime: now,
		Mode:      string(device.ModeManual),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.Create(ctx, session); err != nil {
		return nil, &domain.PersistenceError{Op: "create session", Err: err}
	}

	m.resetMetrics()
	if err := m.device.WithConnection(ctx, false, func(ctx context.Context, c *device.Conn) error {
		return c.StartBelt(ctx)
	}); err != nil {
		m.logger.Error("starting belt failed, closing session", zap.String("session_id", session.ID), zap.Error(err))
		m.stopBestEffort(ctx)
		m.abortStart(ctx, session, err)
		return nil, err
	}

	m.active = &session
	sessionsStarted.Inc()
	m.logger.Info("session started", zap.String("session_id", session.ID))
	return &session, nil
}

// syncActive reconciles the cached session with the store, which may have
// closed it (stale cleanup) or hold one opened before a restart.
func (m *Manager) syncActive(ctx context.Context) (*domain.Session, error) {
	open, err := m.repo.LatestOpen(ctx, m.opts.UserID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "find open session", Err: err}
	}
	if m.active != nil && (open == nil || open.ID != m.active.ID) {
		m.logger.Info("cached session is no longer open in the store", zap.String("session_id", m.active.ID))
		m.active = nil
		m.resetMetrics()
	}
	if open != nil {
		m.active = open
	}
	return open, nil
}

// abortStart closes a session whose belt never started so it does not linger open.
func (m *Manager) abortStart(ctx context.Context, session domain.Session, cause error) {
	end := m.opts.Now().UTC()
	session.EndTime = &end
	session.UpdatedAt = end
	session.Notes = fmt.Sprintf("start aborted: %v", cause)
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultCleanupStopTimeout)
	defer cancel()
	if err := m.repo.Finish(fctx, session); err != nil {
		m.logger.Error("closing aborted session failed", zap.String("session_id", session.ID), zap.Error(err))
	}
}

// EndSession reads final metrics, stops the belt and closes the active session.
// Non-nil activity fields override the device readings.
func (m *Manager) EndSession(ctx context.Context, activity *domain.ActivityData) (*domain.Session, error) {
	if activity != nil {
		if err := activity.Validate(); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.syncActive(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.NewPreconditionError(domain.ErrNoActiveSession, "")
	}

	var (
		final     device.Status
		haveFinal bool
	)
	err = m.device.WithConnection(ctx, false, func(ctx context.Context, c *device.Conn) error {
		final, haveFinal = m.readFinalMetrics(ctx, c)
		return c.StopBelt(ctx)
	})
	if err != nil {
		m.logger.Error("ending session on device failed", zap.String("session_id", session.ID), zap.Error(err))
		m.stopBestEffort(ctx)
		return nil, err
	}

	cached, haveCached, maxSpeed := m.cachedMetrics()
	if !haveFinal && haveCached {
		final, haveFinal = cached, true
		m.logger.Warn("using cached metrics for session end", zap.String("session_id", session.ID))
	}

	now := m.opts.Now().UTC()
	closed := *session
	closed.EndTime = &now
	closed.UpdatedAt = now
	if haveFinal {
		closed.DistanceKm = final.Distance
		closed.Steps = final.Steps
		closed.DurationSeconds = final.ElapsedTime
		if final.Speed > maxSpeed {
			maxSpeed = final.Speed
		}
	}
	if activity != nil {
		if activity.DistanceKm != nil {
			closed.DistanceKm = *activity.DistanceKm
		}
		if activity.Steps != nil {
			closed.Steps = *activity.Steps
		}
		if activity.DurationSeconds != nil {
			closed.DurationSeconds = *activity.DurationSeconds
		}
	}
	if closed.DurationSeconds <= 0 {
		closed.DurationSeconds = int(now.Sub(closed.StartTime).Seconds())
	}

	weight, ok, err := m.repo.UserWeight(ctx, closed.UserID)
	if err != nil {
		m.logger.Warn("loading user weight failed, using default", zap.Error(err))
	}
	if !ok {
		weight = domain.DefaultWeightKg
	}
	closed.Calories = domain.Calories(closed.DistanceKm, closed.DurationSeconds, weight)
	closed.AverageSpeed = domain.AverageSpeed(closed.DistanceKm, closed.DurationSeconds)
	closed.MaxSpeed = maxSpeed

	if err := m.repo.Finish(ctx, closed); err != nil {
		if errors.Is(err, domain.ErrNoActiveSession) {
			// Closed elsewhere while the belt was stopping; keep the stored row.
			m.logger.Warn("session was closed before it could be finished", zap.String("session_id", closed.ID))
			m.active = nil
			m.resetMetrics()
			return nil, domain.NewPreconditionError(domain.ErrNoActiveSession, "session was already closed")
		}
		return nil, &domain.PersistenceError{Op: "finish session", Err: err}
	}

	m.active = nil
	m.resetMetrics()
	sessionsEnded.Inc()
	m.logger.Info("session ended",
		zap.String("session_id", closed.ID),
		zap.Int("duration_seconds", closed.DurationSeconds),
		zap.Float64("distance_km", closed.DistanceKm),
		zap.Int("steps", closed.Steps),
	)
	return &closed, nil
}

// readFinalMetrics polls the device a bounded number of times.
func (m *Manager) readFinalMetrics(ctx context.Context, c *device.Conn) (device.Status, bool) {
	for attempt := 1; attempt <= m.opts.MetricsAttempts; attempt++ {
		status, ok, err := c.RequestStatus(ctx)
		if err == nil && ok {
			return status, true
		}
		m.logger.Warn("reading final metrics failed",
			zap.Int("attempt", attempt),
			zap.Bool("status_available", ok),
			zap.Error(err),
		)
		if attempt < m.opts.MetricsAttempts && device.Sleep(ctx, m.opts.MetricsRetryDelay) != nil {
			break
		}
	}
	return device.Status{}, false
}

// stopBestEffort tries to halt the belt after a failure; errors are logged only.
func (m *Manager) stopBestEffort(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultCleanupStopTimeout)
	defer cancel()
	if err := m.device.WithConnection(sctx, false, func(ctx context.Context, c *device.Conn) error {
		return c.StopBelt(ctx)
	}); err != nil {
		m.logger.Warn("best-effort stop failed", zap.Error(err))
	}
}
