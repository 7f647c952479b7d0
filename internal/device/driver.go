// Package device owns the single treadmill connection: its lifecycle, command pacing and status cache.
package device

import "context"

// Driver is the link-level transport to the treadmill. Implementations frame and
// deliver bytes; they do not pace commands or track connection state.
type Driver interface {
	Connect(ctx context.Context, address string) error
	Disconnect(ctx context.Context) error
	// RequestStats asks the device to push a status record to the subscriber.
	RequestStats(ctx context.Context) error
	// Subscribe registers the callback invoked for every status record.
	Subscribe(fn func(Record))
	WriteCommand(ctx context.Context, cmd Command) error
}
