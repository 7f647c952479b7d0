// Package preflight brings the treadmill and the session store into a known state
// before a session starts or the device is set up.
package preflight

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"example.com/treadmill/internal/device"
	"example.com/treadmill/internal/domain"
)

// Defaults for Options.
const (
	DefaultStaleAfter    = 3 * time.Hour
	DefaultStaleEstimate = 30 * time.Minute
)

// Residual activity the device may hold before it is considered dirty.
const (
	MaxResidualDistanceKm = 0.05
	MaxResidualSteps      = 50
	MaxResidualSeconds    = 30
)

// SessionStore is the part of the session repository preflight needs.
type SessionStore interface {
	ListStaleOpen(ctx context.Context, startedBefore time.Time) ([]domain.Session, error)
	CloseStale(ctx context.Context, id string, end time.Time, durationSeconds int, note string) error
}

// Device grants scoped access to the treadmill.
type Device interface {
	WithConnection(ctx context.Context, persistent bool, fn func(context.Context, *device.Conn) error) error
}

// Options tunes a Validator.
type Options struct {
	StaleAfter    time.Duration
	StaleEstimate time.Duration
	Logger        *zap.Logger
	Now           func() time.Time
}

// Result reports whether the device may be used.
type Result struct {
	Ready  bool
	Reason string
	// Residual is set when the device refused because it still holds workout counters.
	Residual bool
}

// Validator checks and cleans state ahead of device use.
type Validator struct {
	store  SessionStore
	device Device
	opts   Options
	logger *zap.Logger
}

// NewValidator constructs a Validator.
func NewValidator(store SessionStore, dev Device, opts Options) *Validator {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.StaleEstimate <= 0 {
		opts.StaleEstimate = DefaultStaleEstimate
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Validator{store: store, device: dev, opts: opts, logger: opts.Logger.Named("preflight")}
}

// CheckAndClean prepares the device for setup, leaving it in standby.
func (v *Validator) CheckAndClean(ctx context.Context) (Result, error) {
	return v.CheckAndCleanFor(ctx, device.ModeStandby)
}

// CheckAndCleanFor closes stale sessions, stops a moving belt, refuses when the device
// holds unsaved activity and otherwise switches the device to mode.
func (v *Validator) CheckAndCleanFor(ctx context.Context, mode device.Mode) (Result, error) {
	v.closeStaleSessions(ctx)

	var result Result
	err := v.device.WithConnection(ctx, false, func(ctx context.Context, c *device.Conn) error {
		status, ok, err := v.readStatus(ctx, c)
		if err != nil {
			return err
		}
		if !ok {
			result = Result{Reason: "treadmill did not report its status; check that it is powered on and in range"}
			return nil
		}

		if !status.Resting() {
			v.logger.Warn("belt moving during preflight, stopping",
				zap.String("belt_state", string(status.BeltState)),
				zap.Float64("speed", status.Speed),
			)
			if err := c.StopBelt(ctx); err != nil {
				return err
			}
			if after, ok, err := c.RequestStatus(ctx); err == nil && ok {
				status = after
			}
		}

		if reason := residualActivity(status); reason != "" {
			result = Result{Reason: reason, Residual: true}
			return nil
		}

		if status.Mode != mode {
			if err := c.SetMode(ctx, mode); err != nil {
				return err
			}
		}
		result = Result{Ready: true}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	checksCounter.WithLabelValues(outcome(result)).Inc()
	if !result.Ready {
		v.logger.Info("preflight refused", zap.String("reason", result.Reason))
	}
	return result, nil
}

// readStatus retries once when the device has not pushed a record yet.
func (v *Validator) readStatus(ctx context.Context, c *device.Conn) (device.Status, bool, error) {
	status, ok, err := c.RequestStatus(ctx)
	if err != nil || ok {
		return status, ok, err
	}
	return c.RequestStatus(ctx)
}

func (v *Validator) closeStaleSessions(ctx context.Context) {
	now := v.opts.Now().UTC()
	stale, err := v.store.ListStaleOpen(ctx, now.Add(-v.opts.StaleAfter))
	if err != nil {
		v.logger.Error("listing stale sessions failed", zap.Error(err))
		return
	}

	for _, s := range stale {
		end := s.StartTime.Add(v.opts.StaleEstimate)
		if end.After(now) {
			end = now
		}
		duration := int(end.Sub(s.StartTime).Seconds())
		note := fmt.Sprintf("auto-closed: open longer than %s, end time estimated at %s after start",
			v.opts.StaleAfter, v.opts.StaleEstimate)

		if err := v.store.CloseStale(ctx, s.ID, end, duration, note); err != nil {
			v.logger.Error("closing stale session failed", zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		staleClosedCounter.Inc()
		v.logger.Info("closed stale session",
			zap.String("session_id", s.ID),
			zap.Time("start_time", s.StartTime),
			zap.Time("end_time", end),
		)
	}
}

func residualActivity(s device.Status) string {
	if s.Distance > MaxResidualDistanceKm || s.Steps > MaxResidualSteps || s.ElapsedTime > MaxResidualSeconds {
		return fmt.Sprintf("treadmill holds unsaved activity (%.2f km, %d steps, %d s); finish or reset the workout on the device first",
			s.Distance, s.Steps, s.ElapsedTime)
	}
	return ""
}

func outcome(r Result) string {
	switch {
	case r.Ready:
		return "ready"
	case r.Residual:
		return "residual"
	default:
		return "unavailable"
	}
}
