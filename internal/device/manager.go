package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

const (
	eventConnect    = "connect"
	eventConnected  = "connected"
	eventFail       = "fail"
	eventDisconnect = "disconnect"
)

// Defaults for Options.
const (
	DefaultCommandSpacing    = 690 * time.Millisecond
	DefaultConnectTimeout    = 15 * time.Second
	DefaultPreferenceRetries = 3
)

// Options tunes a Manager.
type Options struct {
	Address           string
	CommandSpacing    time.Duration
	ConnectTimeout    time.Duration
	PreferenceRetries int
	Logger            *zap.Logger
}

// Manager owns the single treadmill link. Every exchange with the device runs inside
// WithConnection, which grants exclusive access for its duration.
type Manager struct {
	driver  Driver
	cache   *StatusCache
	address string
	spacing time.Duration
	timeout time.Duration
	retries int
	logger  *zap.Logger

	// sem serialises acquisitions; a buffered channel so waiting honours ctx.
	sem chan struct{}

	mu          sync.Mutex
	state       *fsm.FSM
	lastCommand time.Time
}

// NewManager wires driver notifications into cache and returns a disconnected Manager.
func NewManager(driver Driver, cache *StatusCache, opts Options) *Manager {
	if opts.CommandSpacing <= 0 {
		opts.CommandSpacing = DefaultCommandSpacing
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.PreferenceRetries <= 0 {
		opts.PreferenceRetries = DefaultPreferenceRetries
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	m := &Manager{
		driver:  driver,
		cache:   cache,
		address: opts.Address,
		spacing: opts.CommandSpacing,
		timeout: opts.ConnectTimeout,
		retries: opts.PreferenceRetries,
		logger:  opts.Logger.Named("device"),
		sem:     make(chan struct{}, 1),
	}

	m.state = fsm.NewFSM(StateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateDisconnected}, Dst: StateConnecting},
			{Name: eventConnected, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventFail, Src: []string{StateConnecting}, Dst: StateDisconnected},
			{Name: eventDisconnect, Src: []string{StateConnecting, StateConnected}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if e.Dst == StateConnected {
					connectedGauge.Set(1)
				} else {
					connectedGauge.Set(0)
				}
				m.logger.Debug("link state changed", zap.String("from", e.Src), zap.String("to", e.Dst))
			},
		},
	)

	driver.Subscribe(func(r Record) {
		cache.Store(StatusFromRecord(r, time.Now().UTC()))
	})
	return m
}

// Address returns the device address.
func (m *Manager) Address() string { return m.address }

// State returns the current link state.
func (m *Manager) State() string {
	return m.state.Current()
}

// Connected reports whether the link is open.
func (m *Manager) Connected() bool {
	return m.state.Is(StateConnected)
}

// LastStatus returns the cached snapshot without touching the device.
func (m *Manager) LastStatus() (Status, bool) {
	return m.cache.Latest()
}

// Connect opens the link if it is not already open.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()
	return m.connectLocked(ctx)
}

// Disconnect closes the link if it is open.
func (m *Manager) Disconnect(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()
	return m.disconnectLocked(ctx)
}

// MarkDisconnected records a link loss observed elsewhere without device I/O.
func (m *Manager) MarkDisconnected() {
	m.transition(eventDisconnect)
}

// WithConnection runs fn with exclusive access to an open link. Unless persistent is
// set or the link was already open on entry, the link is closed again when fn returns,
// including when fn panics.
func (m *Manager) WithConnection(ctx context.Context, persistent bool, fn func(context.Context, *Conn) error) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	wasConnected := m.Connected()
	if err := m.connectLocked(ctx); err != nil {
		return err
	}
	if !persistent && !wasConnected {
		defer func() {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
			defer cancel()
			if err := m.disconnectLocked(dctx); err != nil {
				m.logger.Warn("disconnect after scoped use failed", zap.Error(err))
			}
		}()
	}
	return fn(ctx, &Conn{m: m})
}

// Execute sends a single command inside a scoped connection.
func (m *Manager) Execute(ctx context.Context, cmd Command) error {
	return m.WithConnection(ctx, false, func(ctx context.Context, c *Conn) error {
		return c.SendCommand(ctx, cmd)
	})
}

// UpdatePreferences writes prefs inside a scoped connection.
func (m *Manager) UpdatePreferences(ctx context.Context, prefs Preferences) error {
	if err := prefs.Validate(); err != nil {
		return err
	}
	return m.WithConnection(ctx, false, func(ctx context.Context, c *Conn) error {
		return c.UpdatePreferences(ctx, prefs)
	})
}

// Status requests a fresh snapshot inside a scoped connection.
func (m *Manager) Status(ctx context.Context) (Status, bool, error) {
	var (
		status Status
		ok     bool
	)
	err := m.WithConnection(ctx, false, func(ctx context.Context, c *Conn) error {
		var err error
		status, ok, err = c.RequestStatus(ctx)
		return err
	})
	return status, ok, err
}

// PollStatus requests a snapshot and keeps the link open afterwards.
func (m *Manager) PollStatus(ctx context.Context) (Status, bool, error) {
	var (
		status Status
		ok     bool
	)
	err := m.WithConnection(ctx, true, func(ctx context.Context, c *Conn) error {
		var err error
		status, ok, err = c.RequestStatus(ctx)
		return err
	})
	return status, ok, err
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() {
	<-m.sem
}

func (m *Manager) transition(event string) {
	// The state machine is bookkeeping only; it must not observe request cancellation.
	if err := m.state.Event(context.Background(), event); err != nil {
		var noop fsm.NoTransitionError
		var invalid fsm.InvalidEventError
		if errors.As(err, &noop) || errors.As(err, &invalid) {
			return
		}
		m.logger.Warn("link state transition failed", zap.String("event", event), zap.Error(err))
	}
}

func (m *Manager) connectLocked(ctx context.Context) error {
	if m.Connected() {
		return nil
	}
	m.transition(eventConnect)

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.driver.Connect(cctx, m.address); err != nil {
		m.transition(eventFail)
		connectFailures.Inc()
		return &ConnectionError{Op: "connect", Address: m.address, Err: err}
	}
	m.transition(eventConnected)
	m.logger.Info("connected to treadmill", zap.String("address", m.address))
	return nil
}

func (m *Manager) disconnectLocked(ctx context.Context) error {
	if m.state.Is(StateDisconnected) {
		return nil
	}
	err := m.driver.Disconnect(ctx)
	m.transition(eventDisconnect)
	if err != nil {
		return &ConnectionError{Op: "disconnect", Address: m.address, Err: err}
	}
	m.logger.Info("disconnected from treadmill", zap.String("address", m.address))
	return nil
}

// pace blocks until the minimum spacing since the previous command has elapsed.
func (m *Manager) pace(ctx context.Context) error {
	m.mu.Lock()
	wait := m.spacing - time.Since(m.lastCommand)
	m.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	return Sleep(ctx, wait)
}

func (m *Manager) markCommand() {
	m.mu.Lock()
	m.lastCommand = time.Now()
	m.mu.Unlock()
}

// Conn is the exclusive handle passed to WithConnection callbacks.
type Conn struct {
	m *Manager
}

// SendCommand writes cmd, then waits out the command spacing.
func (c *Conn) SendCommand(ctx context.Context, cmd Command) error {
	if !c.m.Connected() {
		return &ConnectionError{Op: string(cmd.Kind), Address: c.m.address, Err: ErrNotConnected}
	}
	if err := c.m.pace(ctx); err != nil {
		return err
	}
	err := c.m.driver.WriteCommand(ctx, cmd)
	c.m.markCommand()
	recordCommand(cmd.Kind, err)
	if err != nil {
		return &ConnectionError{Op: string(cmd.Kind), Address: c.m.address, Err: err}
	}
	return c.m.pace(ctx)
}

// RequestStatus asks for a fresh record, waits the command spacing and returns
// whatever the cache then holds. The snapshot may predate the request.
func (c *Conn) RequestStatus(ctx context.Context) (Status, bool, error) {
	if !c.m.Connected() {
		return Status{}, false, &ConnectionError{Op: string(CommandRequestStats), Address: c.m.address, Err: ErrNotConnected}
	}
	if err := c.m.pace(ctx); err != nil {
		return Status{}, false, err
	}
	err := c.m.driver.RequestStats(ctx)
	c.m.markCommand()
	recordCommand(CommandRequestStats, err)
	if err != nil {
		return Status{}, false, &ConnectionError{Op: string(CommandRequestStats), Address: c.m.address, Err: err}
	}
	if err := c.m.pace(ctx); err != nil {
		return Status{}, false, err
	}
	status, ok := c.m.cache.Latest()
	return status, ok, nil
}

// StartBelt starts the belt.
func (c *Conn) StartBelt(ctx context.Context) error {
	return c.SendCommand(ctx, Command{Kind: CommandStartBelt})
}

// StopBelt stops the belt.
func (c *Conn) StopBelt(ctx context.Context) error {
	return c.SendCommand(ctx, Command{Kind: CommandStopBelt})
}

// SetSpeed changes the belt speed, km/h.
func (c *Conn) SetSpeed(ctx context.Context, speed float64) error {
	cmd, err := SpeedCommand(speed)
	if err != nil {
		return err
	}
	return c.SendCommand(ctx, cmd)
}

// SetMode switches the control mode.
func (c *Conn) SetMode(ctx context.Context, mode Mode) error {
	return c.SendCommand(ctx, ModeCommand(mode))
}

// Reconnect drops and reopens the link.
func (c *Conn) Reconnect(ctx context.Context) error {
	if err := c.m.disconnectLocked(ctx); err != nil {
		c.m.logger.Warn("disconnect before reconnect failed", zap.Error(err))
	}
	return c.m.connectLocked(ctx)
}

// UpdatePreferences writes each supplied field in order. A field is attempted up to
// the configured retry count with a reconnect between attempts; the first field that
// exhausts its attempts aborts the update.
func (c *Conn) UpdatePreferences(ctx context.Context, prefs Preferences) error {
	for _, w := range prefs.writes() {
		var err error
		for attempt := 1; attempt <= c.m.retries; attempt++ {
			if err = c.SendCommand(ctx, w.cmd); err == nil {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.m.logger.Warn("preference write failed",
				zap.String("field", w.field),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if attempt < c.m.retries {
				if rerr := c.Reconnect(ctx); rerr != nil {
					c.m.logger.Warn("reconnect after preference failure failed", zap.Error(rerr))
				}
			}
		}
		if err != nil {
			return fmt.Errorf("update preference %s: %w", w.field, err)
		}
	}
	return nil
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
