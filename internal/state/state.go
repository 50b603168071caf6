// Package state owns the DeviceState table: the sole source of truth
// observed and mutated by the regulator, the command pipeline, and the
// telemetry ingress. Each device is guarded by its own lock so
// cross-device operations never contend, matching the "one exclusive
// access primitive per device" resource policy.
package state

import (
	"fmt"
	"slices"
	"sync"

	"github.com/agrid-dev/heatctld/internal/registry"
)

// ValveState is the two-position valve relay.
type ValveState int

const (
	ValveClosed ValveState = iota
	ValveOpen
)

func (v ValveState) String() string {
	if v == ValveOpen {
		return "open"
	}
	return "closed"
}

// DeviceState is the mutable record for one device. A snapshot never
// observes a half-applied mutation, since every mutation runs under
// the device's lock.
type DeviceState struct {
	DeviceID string
	UnitID   byte

	CurrentTemperature  float64
	SetpointTemperature float64

	FanOutput  float64
	PidOutput  float64
	ValveState ValveState

	AutoEnabled    bool
	EmergencyStop  bool
	IsWorking      bool
	IsOnline       bool
	Alarm          bool
	TempSensorError bool

	// FreezeActive and OverheatActive mirror the safety trip's current
	// condition (not latched): true for as long as the temperature
	// sits past the corresponding limit, surfaced on the Modbus status
	// word's PROTECTION bits.
	FreezeActive   bool
	OverheatActive bool

	// Regulator internals, opaque to everything but the regulator.
	Integral    float64
	PrevError   float64
	LastTickMs  int64

	LastTemperatureUpdateMs int64
}

// newDeviceState builds the default state for a freshly registered
// device: setpoint 20 °C, everything else off/closed/offline.
func newDeviceState(cfg registry.DeviceConfig) DeviceState {
	return DeviceState{
		DeviceID:            cfg.DeviceID,
		UnitID:              cfg.UnitID,
		SetpointTemperature: 20.0,
		ValveState:          ValveClosed,
	}
}

var ErrUnknownDevice = fmt.Errorf("state: unknown device")

type entry struct {
	mu sync.RWMutex
	s  DeviceState
}

// Store is the sole owner of every DeviceState, indexed by both
// device_id and unit_id.
type Store struct {
	reg      *registry.Registry
	bus      *Bus
	byDevice map[string]*entry
	byUnit   map[byte]*entry
}

// NewStore allocates one DeviceState per registered device.
func NewStore(reg *registry.Registry, bus *Bus) *Store {
	s := &Store{
		reg:      reg,
		bus:      bus,
		byDevice: make(map[string]*entry, reg.Len()),
		byUnit:   make(map[byte]*entry, reg.Len()),
	}
	for _, id := range reg.DeviceIDs() {
		cfg, _ := reg.Get(id)
		e := &entry{s: newDeviceState(cfg)}
		s.byDevice[id] = e
		s.byUnit[cfg.UnitID] = e
	}
	return s
}

func (s *Store) lookup(deviceID string) (*entry, error) {
	e, ok := s.byDevice[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}
	return e, nil
}

func (s *Store) lookupByUnit(unitID byte) (*entry, error) {
	e, ok := s.byUnit[unitID]
	if !ok {
		return nil, fmt.Errorf("%w: unit %d", ErrUnknownDevice, unitID)
	}
	return e, nil
}

// Read returns a consistent snapshot of one device's state.
func (s *Store) Read(deviceID string) (DeviceState, error) {
	e, err := s.lookup(deviceID)
	if err != nil {
		return DeviceState{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.s, nil
}

// ReadByUnitID returns a consistent snapshot keyed by Modbus unit id.
func (s *Store) ReadByUnitID(unitID byte) (DeviceState, error) {
	e, err := s.lookupByUnit(unitID)
	if err != nil {
		return DeviceState{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.s, nil
}

// All returns a snapshot of every device, in registry order.
func (s *Store) All() []DeviceState {
	ids := s.reg.DeviceIDs()
	out := make([]DeviceState, 0, len(ids))
	for _, id := range ids {
		e := s.byDevice[id]
		e.mu.RLock()
		out = append(out, e.s)
		e.mu.RUnlock()
	}
	return out
}

// mutate runs fn under the device's exclusive lock and publishes the
// resulting events (if any) before returning. fn must be short and
// non-blocking: no I/O while the lock is held.
func (s *Store) mutate(deviceID string, fn func(*DeviceState) []EventKind) (DeviceState, error) {
	e, err := s.lookup(deviceID)
	if err != nil {
		return DeviceState{}, err
	}
	// Events are published before the lock is released so that, per
	// device, subscribers see them in the order mutations were applied.
	e.mu.Lock()
	defer e.mu.Unlock()
	kinds := fn(&e.s)
	snap := e.s

	for _, k := range kinds {
		s.bus.Publish(Event{DeviceID: deviceID, Kind: k, Snapshot: snap})
	}
	return snap, nil
}

// ApplyTelemetryReading records a fresh temperature reading and marks
// the device online.
func (s *Store) ApplyTelemetryReading(deviceID string, temperature float64, nowMs int64) (DeviceState, error) {
	return s.mutate(deviceID, func(d *DeviceState) []EventKind {
		d.CurrentTemperature = temperature
		d.LastTemperatureUpdateMs = nowMs
		d.IsOnline = true
		d.TempSensorError = false
		return []EventKind{TempUpdated}
	})
}

// MarkOffline flips IsOnline false, e.g. on a broker disconnect or a
// stale-telemetry health tick.
func (s *Store) MarkOffline(deviceID string) (DeviceState, error) {
	return s.mutate(deviceID, func(d *DeviceState) []EventKind {
		if !d.IsOnline {
			return nil
		}
		d.IsOnline = false
		return []EventKind{TempUpdated}
	})
}

// MarkTempSensorError sets the stale-telemetry status bit (Open
// Question in the distilled spec, resolved in DESIGN.md).
func (s *Store) MarkTempSensorError(deviceID string, stale bool) (DeviceState, error) {
	return s.mutate(deviceID, func(d *DeviceState) []EventKind {
		if d.TempSensorError == stale {
			return nil
		}
		d.TempSensorError = stale
		return []EventKind{TempUpdated}
	})
}

// SetSetpoint validates and applies a new setpoint. Range validation
// against the device's accepted range is the caller's (command
// pipeline's) responsibility so InvalidArgument can be reported before
// any mutation occurs.
func (s *Store) SetSetpoint(deviceID string, t float64) (DeviceState, error) {
	return s.mutate(deviceID, func(d *DeviceState) []EventKind {
		d.SetpointTemperature = t
		return []EventKind{SetpointChanged}
	})
}

// SetAuto flips AutoEnabled, resetting regulator internals on a
// false→true transition, and forcing actuators off on true→false.
func (s *Store) SetAuto(deviceID string, enabled bool) (DeviceState, error) {
	return s.mutate(deviceID, func(d *DeviceState) []EventKind {
		var kinds []EventKind
		if enabled {
			if !d.AutoEnabled {
				d.Integral = 0
				d.PrevError = 0
			}
			d.AutoEnabled = true
			d.EmergencyStop = false
			kinds = append(kinds, AutoEnabled)
		} else {
			d.AutoEnabled = false
			d.IsWorking = false
			d.FanOutput = 0
			d.PidOutput = 0
			d.ValveState = ValveClosed
			kinds = append(kinds, AutoDisabled, FanChanged, ValveChanged)
		}
		return kinds
	})
}

// SetEmergency trips or clears the emergency-stop interlock.
func (s *Store) SetEmergency(deviceID string, stop bool) (DeviceState, error) {
	return s.mutate(deviceID, func(d *DeviceState) []EventKind {
		if stop {
			d.EmergencyStop = true
			d.AutoEnabled = false
			d.IsWorking = false
			d.FanOutput = 0
			d.PidOutput = 0
			d.ValveState = ValveClosed
			return []EventKind{Emergency, FanChanged, ValveChanged}
		}
		d.EmergencyStop = false
		return []EventKind{EmergencyReset}
	})
}

// SetFanOutput publishes a direct fan value (SetFanSpeed command path),
// independent of AutoEnabled.
func (s *Store) SetFanOutput(deviceID string, v float64) (DeviceState, error) {
	return s.mutate(deviceID, func(d *DeviceState) []EventKind {
		d.FanOutput = v
		d.IsWorking = v > 0
		return []EventKind{FanChanged}
	})
}

// SetValve updates the actuator shadow when the regulator's valve
// target changes.
func (s *Store) SetValve(deviceID string, v ValveState) (DeviceState, error) {
	return s.mutate(deviceID, func(d *DeviceState) []EventKind {
		if d.ValveState == v {
			return nil
		}
		d.ValveState = v
		return []EventKind{ValveChanged}
	})
}

// ApplyRegulatorTick performs one regulator tick's worth of internal
// state update in a single atomic mutation: fan output, valve target,
// regulator internals, safety flags. Called by the regulator with the
// fully-computed tick result so the mutation itself contains no
// control-loop logic (kept in package regulator, which is a pure
// function of a DeviceState snapshot).
type TickResult struct {
	FanOutput     float64
	PidOutput     float64
	Valve         ValveState
	Integral      float64
	PrevError     float64
	IsWorking      bool
	Alarm          bool
	TripEmergency  bool
	FreezeActive   bool
	OverheatActive bool
	// Active reports whether this tick ran the full PID computation
	// (auto_enabled ∧ ¬emergency_stop) as opposed to only the
	// always-on safety trips. Only an active tick emits PidTick.
	Active bool
}

func (s *Store) ApplyRegulatorTick(deviceID string, nowMs int64, r TickResult) (DeviceState, error) {
	return s.mutate(deviceID, func(d *DeviceState) []EventKind {
		var kinds []EventKind
		if d.FanOutput != r.FanOutput {
			kinds = append(kinds, FanChanged)
		}
		if d.ValveState != r.Valve {
			kinds = append(kinds, ValveChanged)
		}
		d.FanOutput = r.FanOutput
		d.PidOutput = r.PidOutput
		d.ValveState = r.Valve
		d.Integral = r.Integral
		d.PrevError = r.PrevError
		d.IsWorking = r.IsWorking
		d.Alarm = r.Alarm
		d.FreezeActive = r.FreezeActive
		d.OverheatActive = r.OverheatActive
		d.LastTickMs = nowMs

		if r.TripEmergency && !d.EmergencyStop {
			d.EmergencyStop = true
			d.AutoEnabled = false
			d.IsWorking = false
			d.FanOutput = 0
			d.PidOutput = 0
			d.ValveState = ValveClosed
			kinds = append(kinds, Emergency)
			if !slices.Contains(kinds, FanChanged) {
				kinds = append(kinds, FanChanged)
			}
			if !slices.Contains(kinds, ValveChanged) {
				kinds = append(kinds, ValveChanged)
			}
		}

		if r.Active {
			kinds = append(kinds, PidTick)
		}
		return kinds
	})
}
