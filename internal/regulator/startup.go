package regulator

import (
	"log/slog"

	"github.com/agrid-dev/heatctld/internal/clock"
	"github.com/agrid-dev/heatctld/internal/registry"
	"github.com/agrid-dev/heatctld/internal/state"
)

// ApplyStartupValvePolicy applies the seasonal valve policy once,
// unconditionally, to every device — independent of the regulator's
// own 1 Hz schedule (spec.md §4.4). Run this once at boot, before the
// per-device loops start.
func ApplyStartupValvePolicy(reg *registry.Registry, store *state.Store, actuator Actuator, clk clock.Clock, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	month := clk.Now().Month()
	for _, id := range reg.DeviceIDs() {
		cfg, _ := reg.Get(id)
		d, err := store.Read(id)
		if err != nil {
			continue
		}
		target := SeasonalValveTarget(month, d.PidOutput)
		if _, err := store.SetValve(id, target); err != nil {
			log.Warn("startup valve policy failed", "device_id", id, "error", err)
			continue
		}
		if actuator != nil {
			if err := actuator.PublishValve(cfg, target == state.ValveOpen); err != nil {
				log.Warn("startup valve publish failed", "device_id", id, "error", err)
			}
		}
	}
}
