package state

import (
	"testing"

	"github.com/agrid-dev/heatctld/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.DeviceConfig{
		{
			DeviceID:           "boiler-1",
			UnitID:             1,
			TopicTemperatureIn: "t/1/in",
			TopicValveRelayOut: "t/1/valve",
			TopicFanDimmerOut:  "t/1/fan",
			Gains:              registry.RegulatorGains{OutMin: 0, OutMax: 100},
			Safety:             registry.SafetyLimits{FreezeLimit: 2, OverheatLimit: 90},
		},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func TestNewStoreDefaultsSetpointTo20(t *testing.T) {
	reg := testRegistry(t)
	store := NewStore(reg, NewBus())
	d, err := store.Read("boiler-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if d.SetpointTemperature != 20.0 {
		t.Errorf("SetpointTemperature = %v, want 20.0", d.SetpointTemperature)
	}
	if d.ValveState != ValveClosed {
		t.Errorf("ValveState = %v, want closed", d.ValveState)
	}
}

func TestReadByUnitIDMatchesReadByDeviceID(t *testing.T) {
	reg := testRegistry(t)
	store := NewStore(reg, NewBus())
	byID, _ := store.Read("boiler-1")
	byUnit, err := store.ReadByUnitID(1)
	if err != nil {
		t.Fatalf("ReadByUnitID: %v", err)
	}
	if byID != byUnit {
		t.Errorf("ReadByUnitID and Read disagree: %+v vs %+v", byUnit, byID)
	}
}

func TestReadUnknownDeviceReturnsError(t *testing.T) {
	store := NewStore(testRegistry(t), NewBus())
	if _, err := store.Read("nope"); err == nil {
		t.Errorf("expected ErrUnknownDevice")
	}
}

func TestApplyTelemetryReadingMarksOnline(t *testing.T) {
	reg := testRegistry(t)
	store := NewStore(reg, NewBus())
	d, err := store.ApplyTelemetryReading("boiler-1", 21.4, 1000)
	if err != nil {
		t.Fatalf("ApplyTelemetryReading: %v", err)
	}
	if d.CurrentTemperature != 21.4 || !d.IsOnline || d.TempSensorError {
		t.Errorf("unexpected state after telemetry reading: %+v", d)
	}
}

func TestSetAutoResetsIntegralOnEnable(t *testing.T) {
	reg := testRegistry(t)
	bus := NewBus()
	store := NewStore(reg, bus)
	_, _ = store.ApplyRegulatorTick("boiler-1", 1, TickResult{Integral: 42, PrevError: 3, Active: true})

	d, err := store.SetAuto("boiler-1", true)
	if err != nil {
		t.Fatalf("SetAuto: %v", err)
	}
	if d.Integral != 0 || d.PrevError != 0 {
		t.Errorf("expected regulator internals reset on auto enable, got integral=%v prevError=%v", d.Integral, d.PrevError)
	}
}

func TestSetAutoDisableForcesActuatorsOff(t *testing.T) {
	reg := testRegistry(t)
	store := NewStore(reg, NewBus())
	_, _ = store.SetAuto("boiler-1", true)
	_, _ = store.ApplyRegulatorTick("boiler-1", 1, TickResult{FanOutput: 80, Valve: ValveOpen, IsWorking: true, Active: true})

	d, err := store.SetAuto("boiler-1", false)
	if err != nil {
		t.Fatalf("SetAuto: %v", err)
	}
	if d.FanOutput != 0 || d.ValveState != ValveClosed || d.IsWorking {
		t.Errorf("expected actuators forced off after disabling auto, got %+v", d)
	}
}

func TestSetEmergencyStopsAndClears(t *testing.T) {
	reg := testRegistry(t)
	store := NewStore(reg, NewBus())
	_, _ = store.SetAuto("boiler-1", true)
	_, _ = store.ApplyRegulatorTick("boiler-1", 1, TickResult{FanOutput: 60, Valve: ValveOpen, Active: true})

	d, err := store.SetEmergency("boiler-1", true)
	if err != nil {
		t.Fatalf("SetEmergency: %v", err)
	}
	if !d.EmergencyStop || d.AutoEnabled || d.FanOutput != 0 || d.ValveState != ValveClosed {
		t.Errorf("expected emergency stop to force auto off and actuators closed, got %+v", d)
	}

	d, err = store.SetEmergency("boiler-1", false)
	if err != nil {
		t.Fatalf("SetEmergency clear: %v", err)
	}
	if d.EmergencyStop {
		t.Errorf("expected emergency_stop cleared")
	}
}

func TestApplyRegulatorTickEmitsPidTickOnlyWhenActive(t *testing.T) {
	reg := testRegistry(t)
	var kinds []EventKind
	bus := NewBus()
	bus.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })
	store := NewStore(reg, bus)

	kinds = nil
	_, _ = store.ApplyRegulatorTick("boiler-1", 1, TickResult{Active: false})
	for _, k := range kinds {
		if k == PidTick {
			t.Errorf("did not expect PidTick from an inactive (safety-only) tick")
		}
	}

	kinds = nil
	_, _ = store.ApplyRegulatorTick("boiler-1", 2, TickResult{Active: true})
	found := false
	for _, k := range kinds {
		if k == PidTick {
			found = true
		}
	}
	if !found {
		t.Errorf("expected PidTick from an active tick")
	}
}

func TestApplyRegulatorTickAutoTripsEmergencyOnce(t *testing.T) {
	reg := testRegistry(t)
	bus := NewBus()
	emergencies := 0
	bus.Subscribe(func(ev Event) {
		if ev.Kind == Emergency {
			emergencies++
		}
	})
	store := NewStore(reg, bus)
	_, _ = store.SetAuto("boiler-1", true)

	d, err := store.ApplyRegulatorTick("boiler-1", 1, TickResult{TripEmergency: true, Active: true})
	if err != nil {
		t.Fatalf("ApplyRegulatorTick: %v", err)
	}
	if !d.EmergencyStop || d.AutoEnabled {
		t.Errorf("expected TripEmergency to set emergency_stop and clear auto_enabled, got %+v", d)
	}

	// A second tripping tick while already stopped must not trip again.
	if _, err := store.ApplyRegulatorTick("boiler-1", 2, TickResult{TripEmergency: true}); err != nil {
		t.Fatalf("ApplyRegulatorTick: %v", err)
	}
	if emergencies != 1 {
		t.Errorf("Emergency events = %d, want 1 across two tripping ticks", emergencies)
	}
}
