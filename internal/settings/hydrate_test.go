package settings

import (
	"testing"

	"github.com/agrid-dev/heatctld/internal/registry"
	"github.com/agrid-dev/heatctld/internal/state"
)

func hydrateTestRegistry(t *testing.T) *registry.Registry {
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
			SetpointMin:        5,
			SetpointMax:        35,
		},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func TestHydrateAppliesStoredSetpointWithinRange(t *testing.T) {
	reg := hydrateTestRegistry(t)
	store := state.NewStore(reg, state.NewBus())
	s := NewInMemory()
	_ = s.Set("boiler-1", KeySetpointTemperature, "24.5")

	Hydrate(reg, store, s, nil)

	d, _ := store.Read("boiler-1")
	if d.SetpointTemperature != 24.5 {
		t.Errorf("SetpointTemperature = %v, want 24.5", d.SetpointTemperature)
	}
}

func TestHydrateKeepsDefaultWhenValueOutOfRange(t *testing.T) {
	reg := hydrateTestRegistry(t)
	store := state.NewStore(reg, state.NewBus())
	s := NewInMemory()
	_ = s.Set("boiler-1", KeySetpointTemperature, "999")

	Hydrate(reg, store, s, nil)

	d, _ := store.Read("boiler-1")
	if d.SetpointTemperature != 20.0 {
		t.Errorf("SetpointTemperature = %v, want default 20.0", d.SetpointTemperature)
	}
}

func TestHydrateKeepsDefaultWhenValueUnparseable(t *testing.T) {
	reg := hydrateTestRegistry(t)
	store := state.NewStore(reg, state.NewBus())
	s := NewInMemory()
	_ = s.Set("boiler-1", KeySetpointTemperature, "not-a-number")

	Hydrate(reg, store, s, nil)

	d, _ := store.Read("boiler-1")
	if d.SetpointTemperature != 20.0 {
		t.Errorf("SetpointTemperature = %v, want default 20.0", d.SetpointTemperature)
	}
}

func TestHydrateKeepsDefaultWhenKeyMissing(t *testing.T) {
	reg := hydrateTestRegistry(t)
	store := state.NewStore(reg, state.NewBus())
	s := NewInMemory()

	Hydrate(reg, store, s, nil)

	d, _ := store.Read("boiler-1")
	if d.SetpointTemperature != 20.0 {
		t.Errorf("SetpointTemperature = %v, want default 20.0", d.SetpointTemperature)
	}
}
