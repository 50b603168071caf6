package settings

import (
	"log/slog"
	"strconv"

	"github.com/agrid-dev/heatctld/internal/registry"
	"github.com/agrid-dev/heatctld/internal/state"
)

// Hydrate loads each device's persisted setpoint at startup (spec.md
// §4.7): a stored value within the device's accepted range overwrites
// the default; on a missing key, an unparseable value, or a value
// outside range the in-memory default (20 °C) wins. The unparseable and
// out-of-range cases are logged; a missing key is not.
func Hydrate(reg *registry.Registry, store *state.Store, s Store, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	for _, id := range reg.DeviceIDs() {
		cfg, _ := reg.Get(id)
		raw, ok, err := s.Get(id, KeySetpointTemperature)
		if err != nil {
			log.Warn("settings store unavailable, keeping default setpoint", "device_id", id, "error", err)
			continue
		}
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			log.Warn("stored setpoint unparseable, keeping default", "device_id", id, "value", raw)
			continue
		}
		if v < cfg.SetpointMin || v > cfg.SetpointMax {
			log.Warn("stored setpoint out of range, keeping default", "device_id", id, "value", v)
			continue
		}
		if _, err := store.SetSetpoint(id, v); err != nil {
			log.Warn("failed to apply stored setpoint", "device_id", id, "error", err)
		}
	}
}
