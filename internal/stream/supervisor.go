// Package stream polls the treadmill and turns its status into a live event sequence,
// recovering from dropped links and ending once the belt has stayed idle.
package stream

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"example.com/treadmill/internal/device"
)

// Status tags an event.
type Status string

const (
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Event is one element of the stream.
type Event struct {
	Status  Status         `json:"status"`
	Metrics *device.Status `json:"metrics,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Defaults for Options.
const (
	DefaultInterval             = time.Second
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultMaxIdleCount         = 3
)

// Accepted range for a configured polling interval.
const (
	MinInterval = 500 * time.Millisecond
	MaxInterval = time.Second
)

// Options tunes a Supervisor.
type Options struct {
	Interval             time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	MaxIdleCount         int
	Logger               *zap.Logger
}

// Source is the device side of the stream.
type Source interface {
	Connected() bool
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	MarkDisconnected()
	// PollStatus requests a snapshot and leaves the link open.
	PollStatus(ctx context.Context) (device.Status, bool, error)
}

// Supervisor runs one polling loop per Run call.
type Supervisor struct {
	source Source
	opts   Options
	logger *zap.Logger
}

// NewSupervisor constructs a Supervisor, filling unset options with defaults.
func NewSupervisor(source Source, opts Options) *Supervisor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.MaxIdleCount <= 0 {
		opts.MaxIdleCount = DefaultMaxIdleCount
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Supervisor{source: source, opts: opts, logger: opts.Logger.Named("stream")}
}

// Run starts polling and returns the event channel. The channel is closed when the
// stream ends: after a stopped or terminal error event, or when ctx is cancelled.
// The link is always closed on exit.
func (s *Supervisor) Run(ctx context.Context) <-chan Event {
	out := make(chan Event, 1)
	go s.loop(ctx, out)
	return out
}

func (s *Supervisor) loop(ctx context.Context, out chan<- Event) {
	activeStreams.Inc()
	defer func() {
		activeStreams.Dec()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.source.Disconnect(dctx); err != nil {
			s.logger.Warn("disconnect after stream failed", zap.Error(err))
		}
		close(out)
	}()

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			eventsCounter.WithLabelValues(string(ev.Status)).Inc()
			return true
		case <-ctx.Done():
			return false
		}
	}

	var reconnects, idle int
	for ctx.Err() == nil {
		if !s.source.Connected() {
			if err := s.source.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				reconnects++
				s.logger.Warn("stream connect failed",
					zap.Int("attempt", reconnects),
					zap.Int("max_attempts", s.opts.MaxReconnectAttempts),
					zap.Error(err),
				)
				if reconnects >= s.opts.MaxReconnectAttempts {
					emit(Event{Status: StatusError, Error: fmt.Sprintf("unable to reach treadmill after %d attempts: %v", reconnects, err)})
					return
				}
				if device.Sleep(ctx, s.opts.ReconnectDelay) != nil {
					return
				}
				continue
			}
			reconnects = 0
		}

		status, ok, err := s.source.PollStatus(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil && device.IsConnectionLoss(err):
			s.logger.Warn("treadmill link lost, reconnecting", zap.Error(err))
			s.source.MarkDisconnected()
		case err != nil:
			s.logger.Error("stream poll failed", zap.Error(err))
			if !emit(Event{Status: StatusError, Error: err.Error()}) {
				return
			}
		case !ok:
			idle++
			if idle >= s.opts.MaxIdleCount {
				emit(Event{Status: StatusStopped})
				return
			}
		default:
			if status.Idle() {
				idle++
			} else {
				idle = 0
			}
			ev := Event{Status: StatusActive, Metrics: &status}
			switch {
			case idle >= s.opts.MaxIdleCount:
				ev.Status = StatusStopped
			case idle > 0:
				ev.Status = StatusIdle
			}
			if !emit(ev) || ev.Status == StatusStopped {
				return
			}
		}

		if device.Sleep(ctx, s.opts.Interval) != nil {
			return
		}
	}
}
