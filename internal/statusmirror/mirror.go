// Package statusmirror keeps the latest treadmill status in Redis so it can be read
// without a device round trip.
package statusmirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"example.com/treadmill/internal/device"
)

// DefaultTTL bounds how long a snapshot is served after the device goes quiet.
const DefaultTTL = 30 * time.Second

// Mirror copies status snapshots to a Redis key.
type Mirror struct {
	client  *redis.Client
	key     string
	ttl     time.Duration
	updates chan device.Status
	logger  *zap.Logger
}

// New constructs a Mirror for the device at address.
func New(client *redis.Client, address string, ttl time.Duration, logger *zap.Logger) *Mirror {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		client:  client,
		key:     Key(address),
		ttl:     ttl,
		updates: make(chan device.Status, 1),
		logger:  logger.Named("statusmirror"),
	}
}

// Key returns the Redis key holding the snapshot of address.
func Key(address string) string {
	return fmt.Sprintf("treadmill:%s:status", strings.ToLower(strings.ReplaceAll(address, ":", "")))
}

// Observe hands a snapshot to the writer without blocking. An unwritten older snapshot
// is replaced.
func (m *Mirror) Observe(s device.Status) {
	for {
		select {
		case m.updates <- s:
			return
		default:
		}
		select {
		case <-m.updates:
		default:
		}
	}
}

// Run writes snapshots until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-m.updates:
			if err := m.write(ctx, s); err != nil && !errors.Is(err, context.Canceled) {
				mirrorErrors.Inc()
				m.logger.Warn("mirroring status failed", zap.Error(err))
			}
		}
	}
}

func (m *Mirror) write(ctx context.Context, s device.Status) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.client.Set(ctx, m.key, body, m.ttl).Err()
}

// Latest returns the mirrored snapshot; ok is false when none is stored.
func (m *Mirror) Latest(ctx context.Context) (device.Status, bool, error) {
	val, err := m.client.Get(ctx, m.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return device.Status{}, false, nil
		}
		return device.Status{}, false, err
	}
	var s device.Status
	if err := json.Unmarshal(val, &s); err != nil {
		return device.Status{}, false, fmt.Errorf("decode mirrored status: %w", err)
	}
	return s, true, nil
}
