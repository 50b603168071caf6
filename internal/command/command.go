// Package command implements the in-process command pipeline: a
// single fan-in queue fed by Modbus, the façade, and internal callers,
// dispatched serially per device against the state Store.
package command

import (
	"context"
	"errors"
	"fmt"
)

// Source identifies where a Command originated, for error reporting
// and audit.
type Source int

const (
	SourceInternal Source = iota
	SourceModbus
	SourceWebSocket
	SourceHTTP
)

func (s Source) String() string {
	switch s {
	case SourceModbus:
		return "modbus"
	case SourceWebSocket:
		return "websocket"
	case SourceHTTP:
		return "http"
	default:
		return "internal"
	}
}

// Kind enumerates the six commands the pipeline accepts.
type Kind int

const (
	EnableAuto Kind = iota
	DisableAuto
	SetTemperature
	SetFanSpeed
	EmergencyStop
	ResetEmergency
)

// Command is a tagged-union envelope addressed to one device.
type Command struct {
	DeviceID string
	Kind     Kind
	Source   Source

	// Value carries the payload for SetTemperature (°C) and
	// SetFanSpeed (0..100 %); ignored otherwise.
	Value float64

	// result, if non-nil, receives the outcome of dispatch. Set by
	// Bus.Send/SendWait; nil for fire-and-forget internal commands.
	result chan error
}

var (
	ErrInvalidArgument = errors.New("command: invalid argument")
	ErrUnknownKind     = errors.New("command: unknown kind")
	ErrBusClosed       = errors.New("command: bus closed")
)

// Bus is a single-channel MPSC queue: every source enqueues Commands
// on the same channel; one Dispatcher goroutine drains it and applies
// each Command serially. Per-device ordering falls out for free since
// there is exactly one consumer; cross-device ordering is unspecified,
// matching the concurrency model in spec.md §5.
type Bus struct {
	ch chan Command
}

// NewBus allocates a Bus with the given queue depth.
func NewBus(depth int) *Bus {
	if depth <= 0 {
		depth = 64
	}
	return &Bus{ch: make(chan Command, depth)}
}

// Send enqueues cmd without waiting for it to be applied.
func (b *Bus) Send(cmd Command) {
	b.ch <- cmd
}

// SendWait enqueues cmd and blocks until the Dispatcher has applied it,
// returning any validation/actuation error. Used by the façade and the
// Modbus write handlers, which need the mutation to have landed (and
// its Event published) before they answer the caller.
func (b *Bus) SendWait(ctx context.Context, cmd Command) error {
	cmd.result = make(chan error, 1)
	select {
	case b.ch <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new commands; the Dispatcher's Run exits once
// the channel drains.
func (b *Bus) Close() {
	close(b.ch)
}

func (b *Bus) receive() (Command, bool) {
	cmd, ok := <-b.ch
	return cmd, ok
}

func reply(cmd Command, err error) {
	if cmd.result != nil {
		cmd.result <- err
	}
}

// New constructs commands for callers that don't need SendWait's
// synchronous handshake.
func New(deviceID string, kind Kind, source Source, value float64) Command {
	return Command{DeviceID: deviceID, Kind: kind, Source: source, Value: value}
}

func (k Kind) String() string {
	switch k {
	case EnableAuto:
		return "enable_auto"
	case DisableAuto:
		return "disable_auto"
	case SetTemperature:
		return "set_temperature"
	case SetFanSpeed:
		return "set_fan_speed"
	case EmergencyStop:
		return "emergency_stop"
	case ResetEmergency:
		return "reset_emergency"
	default:
		return "unknown"
	}
}

func validationError(cmd Command, msg string) error {
	return fmt.Errorf("%w: device %q %s: %s", ErrInvalidArgument, cmd.DeviceID, cmd.Kind, msg)
}
