// Package regulator implements the per-device 1 Hz control loop: PID
// with anti-windup, a hysteresis dead-zone, a minimum-output dead-zone,
// the seasonal valve policy, and the overheat/freeze safety trips.
//
// Tick is kept as a pure function of (config, current DeviceState) so
// it can be unit tested without a Store, a clock, or goroutines; Loop
// is the thin driver that samples the Store once a second and feeds
// its result back through Store.ApplyRegulatorTick, publishing the
// resulting outbound actuator commands via the Actuator interface.
package regulator

import (
	"context"
	"time"

	"github.com/agrid-dev/heatctld/internal/clock"
	"github.com/agrid-dev/heatctld/internal/metrics"
	"github.com/agrid-dev/heatctld/internal/registry"
	"github.com/agrid-dev/heatctld/internal/state"
)

// Actuator publishes actuation commands outward (to the telemetry bus).
// Reasserted every tick from the state shadow, so a single failed
// publish self-heals within one period.
type Actuator interface {
	PublishFan(cfg registry.DeviceConfig, percent float64) error
	PublishValve(cfg registry.DeviceConfig, open bool) error
}

// Tick runs one iteration of spec.md §4.3's algorithm against a
// snapshot of d, returning the mutation to apply. It does not touch
// the Store; the caller applies the result and performs actuation.
//
// The PID computation (steps 1-8) only runs when active is true
// (auto_enabled ∧ ¬emergency_stop); the safety trips (step 9) are
// evaluated unconditionally, since spec.md §4.3 requires them "every
// tick, regardless of regulator enable".
func Tick(cfg registry.DeviceConfig, d state.DeviceState, month time.Month, active bool) state.TickResult {
	T := d.CurrentTemperature

	var result state.TickResult
	if active {
		result = pidTick(cfg, d, month)
		result.Active = true
	} else {
		result = state.TickResult{
			FanOutput: d.FanOutput,
			PidOutput: d.PidOutput,
			Valve:     d.ValveState,
			Integral:  d.Integral,
			PrevError: d.PrevError,
			IsWorking: d.IsWorking,
		}
	}

	result.OverheatActive = T > cfg.Safety.OverheatLimit
	result.FreezeActive = T < cfg.Safety.FreezeLimit

	switch {
	case result.OverheatActive:
		result.TripEmergency = true
	case result.FreezeActive:
		result.FanOutput = cfg.Gains.OutMax
		result.Valve = state.ValveOpen
		result.IsWorking = true
	}

	return result
}

// pidTick runs spec.md §4.3 steps 1-8: hysteresis dead-zone, integral
// with conditional anti-windup, PID output, minimum-output dead-zone,
// and the seasonal valve target.
func pidTick(cfg registry.DeviceConfig, d state.DeviceState, month time.Month) state.TickResult {
	T := d.CurrentTemperature
	S := d.SetpointTemperature

	e := S - T

	// Hysteresis dead-zone: while working and slightly over-temperature,
	// hold rather than switch off (avoid chattering).
	if d.IsWorking && e < 0 && -e <= cfg.Safety.Hysteresis {
		e = 0
	}

	integral := d.Integral + e
	if e < 0 {
		decay := cfg.Safety.IntegralDecayFactor
		if decay == 0 {
			decay = 0.95
		}
		integral = integral * decay
		if integral < 0 {
			integral = 0
		}
	}

	derivative := e - d.PrevError
	u := cfg.Gains.Kp*e + cfg.Gains.Ki*integral + cfg.Gains.Kd*derivative
	if u < cfg.Gains.OutMin {
		u = cfg.Gains.OutMin
	}
	if u > cfg.Gains.OutMax {
		u = cfg.Gains.OutMax
	}

	fanOutput := u
	if u < cfg.Safety.MinOutputThreshold {
		fanOutput = 0
	}

	return state.TickResult{
		FanOutput: fanOutput,
		PidOutput: u,
		Valve:     SeasonalValveTarget(month, u),
		Integral:  integral,
		PrevError: e,
		IsWorking: fanOutput > 0,
	}
}

// Store is the subset of *state.Store the loop depends on.
type Store interface {
	Read(deviceID string) (state.DeviceState, error)
	ApplyRegulatorTick(deviceID string, nowMs int64, r state.TickResult) (state.DeviceState, error)
}

// Loop drives Tick for one device at 1 Hz. Every tick evaluates the
// safety trips; the PID computation runs only while AutoEnabled and not
// EmergencyStop. It exits within one period of ctx being canceled.
type Loop struct {
	cfg      registry.DeviceConfig
	store    Store
	actuator Actuator
	clock    clock.Clock
	period   time.Duration

	// valveShadow tracks the last valve state actually published, so
	// PublishValve is only called on a transition (spec.md §4.3 step
	// 8); valveShadowSet is false until the first tick.
	valveShadow    state.ValveState
	valveShadowSet bool
}

// NewLoop constructs a regulator loop for one device. period defaults
// to 1 second if zero.
func NewLoop(cfg registry.DeviceConfig, store Store, actuator Actuator, clk clock.Clock, period time.Duration) *Loop {
	if period <= 0 {
		period = time.Second
	}
	return &Loop{cfg: cfg, store: store, actuator: actuator, clock: clk, period: period}
}

// Run blocks, ticking once per period, until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.tickOnce()
		}
	}
}

func (l *Loop) tickOnce() {
	start := time.Now()
	defer func() {
		metrics.RegulatorTickDuration.WithLabelValues(l.cfg.DeviceID).Observe(time.Since(start).Seconds())
	}()

	d, err := l.store.Read(l.cfg.DeviceID)
	if err != nil {
		return
	}

	active := d.AutoEnabled && !d.EmergencyStop
	now := l.clock.Now()
	result := Tick(l.cfg, d, now.Month(), active)

	if result.TripEmergency && !d.EmergencyStop {
		metrics.SafetyTrips.WithLabelValues(l.cfg.DeviceID).Inc()
	}

	// Read back the applied snapshot rather than trusting result
	// directly: an emergency trip forces fan_output/valve_state beyond
	// what Tick computed, and only the Store's mutation reflects that.
	snap, err := l.store.ApplyRegulatorTick(l.cfg.DeviceID, now.UnixMilli(), result)
	if err != nil {
		return
	}

	if l.actuator == nil {
		return
	}
	// Fan is reasserted every tick, active or not, so a missed publish
	// self-heals within one period.
	_ = l.actuator.PublishFan(l.cfg, snap.FanOutput)

	// Valve is only published on a transition from its last published
	// state, per spec.md §4.3 step 8.
	if !l.valveShadowSet || snap.ValveState != l.valveShadow {
		if err := l.actuator.PublishValve(l.cfg, snap.ValveState == state.ValveOpen); err == nil {
			l.valveShadow = snap.ValveState
			l.valveShadowSet = true
		}
	}
}
