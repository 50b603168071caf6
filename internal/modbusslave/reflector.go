// Package modbusslave implements the Modbus TCP slave: ADU framing via
// github.com/tbrandon/mbserver, the function-code handlers dispatching
// writes through the command Bus, and the event-driven reflector that
// mirrors DeviceState into the register plane so reads observe live
// values (spec.md §4.6).
package modbusslave

import (
	"strings"
	"time"

	"github.com/agrid-dev/heatctld/internal/modbusplane"
	"github.com/agrid-dev/heatctld/internal/registry"
	"github.com/agrid-dev/heatctld/internal/state"
)

// Reflector keeps a modbusplane.Plane in sync with a state.Store: once
// per event synchronously (subscribed on the state.Bus, so a Modbus
// write's response is only sent after the mirrored register has been
// updated), and once a second as a full sweep to bound divergence
// under a lost event.
type Reflector struct {
	reg   *registry.Registry
	plane *modbusplane.Plane
}

// NewReflector builds a Reflector; call Subscribe to wire it to a
// state.Bus, and run Sweep on a 1Hz ticker for the resync pass.
func NewReflector(reg *registry.Registry, plane *modbusplane.Plane) *Reflector {
	return &Reflector{reg: reg, plane: plane}
}

// Subscribe registers the reflector's OnEvent as a state.Bus subscriber.
func (r *Reflector) Subscribe(bus *state.Bus) {
	bus.Subscribe(r.OnEvent)
}

// OnEvent mirrors the device slice touched by ev. Cheap enough to run
// synchronously under the Store's per-device lock (see state.Bus doc).
func (r *Reflector) OnEvent(ev state.Event) {
	cfg, ok := r.reg.Get(ev.DeviceID)
	if !ok {
		return
	}
	r.writeDevice(cfg, ev.Snapshot)
}

// Sweep reasserts every device's slice from a fresh Store read,
// bounding divergence to at most one sweep period under a lost event.
func (r *Reflector) Sweep(store *state.Store) {
	for _, id := range r.reg.DeviceIDs() {
		cfg, _ := r.reg.Get(id)
		snap, err := store.Read(id)
		if err != nil {
			continue
		}
		r.writeDevice(cfg, snap)
	}
}

func (r *Reflector) writeDevice(cfg registry.DeviceConfig, snap state.DeviceState) {
	unit := cfg.UnitID

	holdingBase := modbusplane.FlatAddress(unit, 0, modbusplane.StrideHoldingRegs)
	_ = r.plane.WriteHoldingReg(holdingBase+modbusplane.HoldingSetpoint, modbusplane.EncodeTemp(snap.SetpointTemperature))
	_ = r.plane.WriteHoldingReg(holdingBase+modbusplane.HoldingHysteresis, uint16(cfg.Safety.Hysteresis*modbusplane.TemperatureScale))
	_ = r.plane.WriteHoldingReg(holdingBase+modbusplane.HoldingTempLow, modbusplane.EncodeTemp(cfg.SetpointMin))
	_ = r.plane.WriteHoldingReg(holdingBase+modbusplane.HoldingTempHigh, modbusplane.EncodeTemp(cfg.SetpointMax))
	_ = r.plane.WriteHoldingReg(holdingBase+modbusplane.HoldingFreezeLimit, modbusplane.EncodeTemp(cfg.Safety.FreezeLimit))
	_ = r.plane.WriteHoldingReg(holdingBase+modbusplane.HoldingOverheat, modbusplane.EncodeTemp(cfg.Safety.OverheatLimit))
	writeDeviceName(r.plane, holdingBase, cfg.DeviceID)

	inputBase := modbusplane.FlatAddress(unit, 0, modbusplane.StrideInputRegs)
	_ = r.plane.WriteInputReg(inputBase+modbusplane.InputCurrentTemp, modbusplane.EncodeTemp(snap.CurrentTemperature))
	_ = r.plane.WriteInputReg(inputBase+modbusplane.InputFanSpeed, uint16(snap.FanOutput+0.5))
	valveVal := uint16(0)
	if snap.ValveState == state.ValveOpen {
		valveVal = 1
	}
	_ = r.plane.WriteInputReg(inputBase+modbusplane.InputValveState, valveVal)
	_ = r.plane.WriteInputReg(inputBase+modbusplane.InputPidOutput, modbusplane.EncodeTemp(snap.PidOutput))

	_ = r.plane.WriteCoil(int(unit-1)*modbusplane.StrideCoilsBits+0, snap.AutoEnabled)

	status := statusByte(snap)
	_ = r.plane.WriteStatusByte(unit, status)
}

func statusByte(snap state.DeviceState) byte {
	var b byte
	if snap.IsOnline {
		b |= modbusplane.BitIsOnline
	}
	if snap.IsWorking {
		b |= modbusplane.BitIsWorking
	}
	if snap.EmergencyStop {
		b |= modbusplane.BitIsEmergencyStop
	}
	if snap.TempSensorError {
		b |= modbusplane.BitTempSensorError
	}
	if snap.AutoEnabled {
		b |= modbusplane.BitPidActive
	}
	if snap.FreezeActive {
		b |= modbusplane.BitFreezeProtection
	}
	if snap.OverheatActive {
		b |= modbusplane.BitOverheatProtection
	}
	if snap.ValveState == state.ValveOpen {
		b |= modbusplane.BitValveOpen
	}
	return b
}

// writeDeviceName packs up to 10 ASCII bytes of id, space-padded, into
// the 5 DEVICE_NAME registers (spec.md §6).
func writeDeviceName(plane *modbusplane.Plane, holdingBase int, id string) {
	name := id
	if len(name) > 10 {
		name = name[:10]
	}
	name = name + strings.Repeat(" ", 10-len(name))
	buf := []byte(name)
	for i := 0; i < 5; i++ {
		reg := uint16(buf[i*2])<<8 | uint16(buf[i*2+1])
		_ = plane.WriteHoldingReg(holdingBase+modbusplane.HoldingDeviceName+i, reg)
	}
}

// SweepLoop runs Sweep once a second until stop is closed.
func SweepLoop(r *Reflector, store *state.Store, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Sweep(store)
		}
	}
}
