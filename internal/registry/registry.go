// Package registry holds the static device table loaded at startup.
// DeviceConfig is immutable once loaded; the registry itself is never
// mutated after New returns (no dynamic device provisioning).
package registry

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateDeviceID = errors.New("registry: duplicate device_id")
	ErrDuplicateUnitID   = errors.New("registry: duplicate unit_id")
	ErrInvalidUnitID     = errors.New("registry: unit_id must be in [1,247]")
	ErrInvalidSetpoint   = errors.New("registry: invalid setpoint range")
	ErrInvalidGains      = errors.New("registry: PID gains and output bounds must be well formed")
	ErrInvalidSafety     = errors.New("registry: freeze_limit must be below overheat_limit")
	ErrMissingTopics     = errors.New("registry: temperature_in, valve_relay_out and fan_dimmer_out topics are required")
)

// RegulatorGains parametrizes the PID regulator for one device.
type RegulatorGains struct {
	Kp     float64
	Ki     float64
	Kd     float64
	OutMin float64
	OutMax float64
}

func (g RegulatorGains) validate() error {
	if g.Kp < 0 || g.Ki < 0 || g.Kd < 0 {
		return ErrInvalidGains
	}
	if g.OutMin > g.OutMax {
		return ErrInvalidGains
	}
	return nil
}

// SafetyLimits bounds the physically safe operating envelope of one device.
type SafetyLimits struct {
	FreezeLimit        float64
	OverheatLimit       float64
	Hysteresis          float64
	MinOutputThreshold  float64
	// IntegralDecayFactor is applied to the regulator's integral term on
	// negative error (soft anti-windup reset). Open Question in the
	// distilled spec; exposed here as config rather than hard-coded.
	IntegralDecayFactor float64
}

func (s SafetyLimits) validate() error {
	if s.FreezeLimit >= s.OverheatLimit {
		return ErrInvalidSafety
	}
	if s.Hysteresis < 0 || s.MinOutputThreshold < 0 {
		return ErrInvalidGains
	}
	if s.IntegralDecayFactor < 0 || s.IntegralDecayFactor > 1 {
		return ErrInvalidGains
	}
	return nil
}

// DeviceConfig is the immutable, per-device static configuration loaded
// from the config file at startup.
type DeviceConfig struct {
	DeviceID   string
	UnitID     byte
	BrokerName string

	TopicTemperatureIn string
	TopicValveRelayOut string
	TopicFanDimmerOut  string
	TopicAlarmIn       string // optional, empty if unused

	Gains  RegulatorGains
	Safety SafetyLimits

	SetpointMin float64
	SetpointMax float64
}

func (c DeviceConfig) validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("%w: empty device_id", ErrInvalidSetpoint)
	}
	if c.UnitID < 1 || c.UnitID > 247 {
		return ErrInvalidUnitID
	}
	if c.TopicTemperatureIn == "" || c.TopicValveRelayOut == "" || c.TopicFanDimmerOut == "" {
		return ErrMissingTopics
	}
	if c.SetpointMin > c.SetpointMax {
		return ErrInvalidSetpoint
	}
	if err := c.Gains.validate(); err != nil {
		return err
	}
	if err := c.Safety.validate(); err != nil {
		return err
	}
	return nil
}

// DefaultSetpointRange is the accepted setpoint range mandated by the spec
// when a device config does not narrow it further.
const (
	DefaultSetpointMin = 5.0
	DefaultSetpointMax = 35.0
)

// Registry is the static, immutable device table.
type Registry struct {
	byDeviceID map[string]DeviceConfig
	byUnitID   map[byte]string
	order      []string
}

// New builds a Registry from a slice of device configs, applying the
// default setpoint range where a device leaves it zero-valued, and
// validating uniqueness of device_id and unit_id.
func New(configs []DeviceConfig) (*Registry, error) {
	r := &Registry{
		byDeviceID: make(map[string]DeviceConfig, len(configs)),
		byUnitID:   make(map[byte]string, len(configs)),
	}

	for _, c := range configs {
		if c.SetpointMin == 0 && c.SetpointMax == 0 {
			c.SetpointMin = DefaultSetpointMin
			c.SetpointMax = DefaultSetpointMax
		}
		if err := c.validate(); err != nil {
			return nil, fmt.Errorf("device %q: %w", c.DeviceID, err)
		}
		if _, exists := r.byDeviceID[c.DeviceID]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateDeviceID, c.DeviceID)
		}
		if other, exists := r.byUnitID[c.UnitID]; exists {
			return nil, fmt.Errorf("%w: unit %d used by %q and %q", ErrDuplicateUnitID, c.UnitID, other, c.DeviceID)
		}
		r.byDeviceID[c.DeviceID] = c
		r.byUnitID[c.UnitID] = c.DeviceID
		r.order = append(r.order, c.DeviceID)
	}

	return r, nil
}

// Get returns the config for device_id.
func (r *Registry) Get(deviceID string) (DeviceConfig, bool) {
	c, ok := r.byDeviceID[deviceID]
	return c, ok
}

// GetByUnitID returns the config for the device occupying unitID.
func (r *Registry) GetByUnitID(unitID byte) (DeviceConfig, bool) {
	id, ok := r.byUnitID[unitID]
	if !ok {
		return DeviceConfig{}, false
	}
	return r.byDeviceID[id], true
}

// DeviceIDs returns device ids in registration order.
func (r *Registry) DeviceIDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int { return len(r.order) }

// MaxUnitID returns the highest unit id in the registry, or 0 if empty.
// The Modbus register plane sizes its buffers off this value.
func (r *Registry) MaxUnitID() byte {
	var max byte
	for id := range r.byUnitID {
		if id > max {
			max = id
		}
	}
	return max
}
