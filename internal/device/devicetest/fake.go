// Package devicetest provides an in-memory treadmill for tests.
package devicetest

import (
	"context"
	"sync"

	"example.com/treadmill/internal/device"
)

// Raw belt codes understood by device.StatusFromRecord.
const (
	BeltIdle    = 0
	BeltRunning = 1
	BeltStandby = 5
)

// FakeDriver simulates a treadmill. Commands mutate the current record and
// RequestStats pushes it to the subscriber. Error queues are consumed in order.
type FakeDriver struct {
	mu         sync.Mutex
	record     device.Record
	script     []device.Record
	subscriber func(device.Record)
	silent     bool

	connectErrs []error
	statsErrs   []error
	commandErrs map[device.CommandKind][]error

	commands    []device.Command
	connects    int
	disconnects int
	connected   bool
}

// NewFakeDriver returns a driver reporting rec.
func NewFakeDriver(rec device.Record) *FakeDriver {
	return &FakeDriver{record: rec, commandErrs: make(map[device.CommandKind][]error)}
}

// SetRecord replaces the current record.
func (f *FakeDriver) SetRecord(rec device.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record = rec
}

// Record returns the current record.
func (f *FakeDriver) Record() device.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record
}

// Script queues records returned by successive RequestStats calls; the last one sticks.
func (f *FakeDriver) Script(recs ...device.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, recs...)
}

// Silence stops RequestStats from pushing records.
func (f *FakeDriver) Silence(silent bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent = silent
}

// FailConnect queues errors for the next Connect calls.
func (f *FakeDriver) FailConnect(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErrs = append(f.connectErrs, errs...)
}

// FailStats queues errors for the next RequestStats calls.
func (f *FakeDriver) FailStats(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsErrs = append(f.statsErrs, errs...)
}

// FailCommand queues errors for the next commands of kind.
func (f *FakeDriver) FailCommand(kind device.CommandKind, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commandErrs[kind] = append(f.commandErrs[kind], errs...)
}

// Commands returns the successfully written commands.
func (f *FakeDriver) Commands() []device.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]device.Command(nil), f.commands...)
}

// Kinds returns the kinds of the successfully written commands.
func (f *FakeDriver) Kinds() []device.CommandKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]device.CommandKind, 0, len(f.commands))
	for _, c := range f.commands {
		out = append(out, c.Kind)
	}
	return out
}

// Connects returns the number of successful Connect calls.
func (f *FakeDriver) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Disconnects returns the number of Disconnect calls.
func (f *FakeDriver) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// IsConnected reports the simulated link state.
func (f *FakeDriver) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeDriver) Connect(ctx context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.connectErrs); err != nil {
		return err
	}
	f.connects++
	f.connected = true
	return nil
}

func (f *FakeDriver) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return nil
}

func (f *FakeDriver) Subscribe(fn func(device.Record)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriber = fn
}

func (f *FakeDriver) RequestStats(ctx context.Context) error {
	f.mu.Lock()
	if err := pop(&f.statsErrs); err != nil {
		f.mu.Unlock()
		return err
	}
	if len(f.script) > 0 {
		f.record = f.script[0]
		f.script = f.script[1:]
	}
	rec, fn, silent := f.record, f.subscriber, f.silent
	f.mu.Unlock()

	if fn != nil && !silent {
		fn(rec)
	}
	return nil
}

func (f *FakeDriver) WriteCommand(ctx context.Context, cmd device.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.commandErrs[cmd.Kind]
	if err := pop(&queue); err != nil {
		f.commandErrs[cmd.Kind] = queue
		return err
	}
	f.commandErrs[cmd.Kind] = queue
	f.commands = append(f.commands, cmd)

	switch cmd.Kind {
	case device.CommandStartBelt:
		f.record.Belt = BeltRunning
		if f.record.Speed == 0 {
			f.record.Speed = 10
		}
	case device.CommandStopBelt:
		f.record.Belt = BeltIdle
		f.record.Speed = 0
	case device.CommandSetSpeed:
		f.record.Speed = cmd.Value
	case device.CommandSetMode:
		f.record.Mode = cmd.Value
		if cmd.Value == 2 {
			f.record.Belt = BeltStandby
		}
	}
	return nil
}

func pop(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}
