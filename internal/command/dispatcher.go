package command

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/agrid-dev/heatctld/internal/registry"
	"github.com/agrid-dev/heatctld/internal/settings"
	"github.com/agrid-dev/heatctld/internal/state"
)

// Actuator is the outbound-publish seam the dispatcher uses for
// commands with an immediate actuation effect (DisableAuto,
// EmergencyStop, SetFanSpeed). Regulator ticks reassert the same
// shadow every second regardless, so a failed publish here is
// logged, not retried inline.
type Actuator interface {
	PublishFan(cfg registry.DeviceConfig, percent float64) error
	PublishValve(cfg registry.DeviceConfig, open bool) error
}

// Dispatcher drains a Bus and applies each Command to the Store,
// serially, translating validation failures into ErrInvalidArgument
// and persisting setpoints via the Settings Store.
type Dispatcher struct {
	bus      *Bus
	reg      *registry.Registry
	store    *state.Store
	settings settings.Store
	actuator Actuator
	log      *slog.Logger
}

// NewDispatcher wires a Dispatcher. actuator may be nil in tests that
// don't care about outbound publishes.
func NewDispatcher(bus *Bus, reg *registry.Registry, store *state.Store, settingsStore settings.Store, actuator Actuator, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{bus: bus, reg: reg, store: store, settings: settingsStore, actuator: actuator, log: log}
}

// Run drains the bus until it is closed or ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-d.bus.ch:
			if !ok {
				return
			}
			reply(cmd, d.apply(cmd))
		}
	}
}

func (d *Dispatcher) apply(cmd Command) error {
	cfg, ok := d.reg.Get(cmd.DeviceID)
	if !ok {
		return validationError(cmd, "unknown device")
	}

	switch cmd.Kind {
	case EnableAuto:
		_, err := d.store.SetAuto(cmd.DeviceID, true)
		return err

	case DisableAuto:
		_, err := d.store.SetAuto(cmd.DeviceID, false)
		if err != nil {
			return err
		}
		d.reassert(cfg, 0, false)
		return nil

	case SetTemperature:
		if cmd.Value < cfg.SetpointMin || cmd.Value > cfg.SetpointMax {
			return validationError(cmd, "setpoint out of range")
		}
		if _, err := d.store.SetSetpoint(cmd.DeviceID, cmd.Value); err != nil {
			return err
		}
		if d.settings != nil {
			if err := d.settings.Set(cmd.DeviceID, settings.KeySetpointTemperature, formatFloat(cmd.Value)); err != nil {
				d.log.Warn("persist setpoint failed", "device_id", cmd.DeviceID, "error", err)
			}
		}
		return nil

	case SetFanSpeed:
		if cmd.Value < 0 || cmd.Value > 100 {
			return validationError(cmd, "fan speed out of range")
		}
		if _, err := d.store.SetFanOutput(cmd.DeviceID, cmd.Value); err != nil {
			return err
		}
		if d.actuator != nil {
			if err := d.actuator.PublishFan(cfg, cmd.Value); err != nil {
				d.log.Warn("publish fan failed", "device_id", cfg.DeviceID, "error", err)
			}
		}
		return nil

	case EmergencyStop:
		_, err := d.store.SetEmergency(cmd.DeviceID, true)
		if err != nil {
			return err
		}
		d.reassert(cfg, 0, false)
		return nil

	case ResetEmergency:
		_, err := d.store.SetEmergency(cmd.DeviceID, false)
		return err

	default:
		return validationError(cmd, "unrecognized command kind")
	}
}

// reassert publishes the fan/valve shadow immediately after a command
// with a direct actuation effect. valveOpen tracks whether the fan
// output implies the valve should track open; DisableAuto and
// EmergencyStop always close it.
func (d *Dispatcher) reassert(cfg registry.DeviceConfig, fanPercent float64, valveOpen bool) {
	if d.actuator == nil {
		return
	}
	if err := d.actuator.PublishFan(cfg, fanPercent); err != nil {
		d.log.Warn("publish fan failed", "device_id", cfg.DeviceID, "error", err)
	}
	if err := d.actuator.PublishValve(cfg, valveOpen); err != nil {
		d.log.Warn("publish valve failed", "device_id", cfg.DeviceID, "error", err)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
