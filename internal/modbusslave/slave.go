package modbusslave

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	mbserver "github.com/tbrandon/mbserver"

	"github.com/agrid-dev/heatctld/internal/command"
	"github.com/agrid-dev/heatctld/internal/metrics"
	"github.com/agrid-dev/heatctld/internal/modbusplane"
	"github.com/agrid-dev/heatctld/internal/registry"
)

// instrument wraps a function-code handler to record a
// heatctld_modbus_requests_total observation per request, labeled by
// the resulting exception code (0 = success).
func instrument(fc byte, h func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception)) func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception) {
	return func(srv *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		resp, exc := h(srv, frame)
		code := byte(0)
		if exc != nil {
			code = byte(*exc)
		}
		metrics.ModbusRequests.WithLabelValues(metrics.FunctionCodeLabel(fc), metrics.ExceptionCodeLabel(code)).Inc()
		return resp, exc
	}
}

// Config parametrizes the slave's TCP listener.
type Config struct {
	Addr string // default "0.0.0.0:8503"
}

// Slave is the Modbus TCP server: multi-client, one fixed port, flat
// strided addressing resolved from the register address rather than
// the MBAP unit byte (spec.md §9 Design Notes — the SCADA integration
// this daemon serves relies on that reinterpretation).
type Slave struct {
	cfg   Config
	reg   *registry.Registry
	plane *modbusplane.Plane
	bus   *command.Bus
	log   *slog.Logger

	serv *mbserver.Server
}

// New builds a Slave. It does not start listening until Run is called.
func New(cfg Config, reg *registry.Registry, plane *modbusplane.Plane, bus *command.Bus, log *slog.Logger) *Slave {
	if cfg.Addr == "" {
		cfg.Addr = "0.0.0.0:8503"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Slave{cfg: cfg, reg: reg, plane: plane, bus: bus, log: log}
}

// Run starts the TCP listener and blocks until ctx is canceled. A bind
// failure is Fatal per spec.md §7 — the caller should abort the
// process on a non-nil return before starting other components.
func (s *Slave) Run(ctx context.Context) error {
	serv := mbserver.NewServer()
	s.serv = serv

	serv.RegisterFunctionHandler(1, instrument(1, s.handleReadCoils))
	serv.RegisterFunctionHandler(2, instrument(2, s.handleReadDiscrete))
	serv.RegisterFunctionHandler(3, instrument(3, s.handleReadHolding))
	serv.RegisterFunctionHandler(4, instrument(4, s.handleReadInput))
	serv.RegisterFunctionHandler(5, instrument(5, s.handleWriteSingleCoil))
	serv.RegisterFunctionHandler(6, instrument(6, s.handleWriteSingleRegister))
	serv.RegisterFunctionHandler(15, instrument(15, s.handleWriteMultipleCoils))
	serv.RegisterFunctionHandler(16, instrument(16, s.handleWriteMultipleRegisters))

	if err := serv.ListenTCP(s.cfg.Addr); err != nil {
		return fmt.Errorf("modbusslave: listen tcp %s: %w", s.cfg.Addr, err)
	}
	s.log.Info("modbus slave listening", "addr", s.cfg.Addr)

	<-ctx.Done()
	serv.Close()
	return ctx.Err()
}

func readAddrQty(data []byte) (start, qty int, ok bool) {
	if len(data) < 4 {
		return 0, 0, false
	}
	return int(binary.BigEndian.Uint16(data[0:2])), int(binary.BigEndian.Uint16(data[2:4])), true
}

func packBytes(byteCount int, payload []byte) []byte {
	resp := make([]byte, 1+len(payload))
	resp[0] = byte(byteCount)
	copy(resp[1:], payload)
	return resp
}

func (s *Slave) handleReadCoils(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, ok := readAddrQty(frame.GetData())
	if !ok || qty == 0 || qty > 2000 {
		return nil, &mbserver.IllegalDataValue
	}
	bits, err := s.plane.ReadCoils(start, qty)
	if err != nil {
		return nil, &mbserver.IllegalDataAddress
	}
	return packBytes(len(bits), bits), &mbserver.Success
}

func (s *Slave) handleReadDiscrete(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, ok := readAddrQty(frame.GetData())
	if !ok || qty == 0 || qty > 2000 {
		return nil, &mbserver.IllegalDataValue
	}
	bits, err := s.plane.ReadDiscrete(start, qty)
	if err != nil {
		return nil, &mbserver.IllegalDataAddress
	}
	return packBytes(len(bits), bits), &mbserver.Success
}

func (s *Slave) handleReadHolding(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, ok := readAddrQty(frame.GetData())
	if !ok || qty == 0 || qty > 125 {
		return nil, &mbserver.IllegalDataValue
	}
	regs, err := s.plane.ReadHolding(start, qty)
	if err != nil {
		return nil, &mbserver.IllegalDataAddress
	}
	return packBytes(len(regs), regs), &mbserver.Success
}

func (s *Slave) handleReadInput(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, ok := readAddrQty(frame.GetData())
	if !ok || qty == 0 || qty > 125 {
		return nil, &mbserver.IllegalDataValue
	}
	regs, err := s.plane.ReadInput(start, qty)
	if err != nil {
		return nil, &mbserver.IllegalDataAddress
	}
	return packBytes(len(regs), regs), &mbserver.Success
}

// Valid Modbus unit id range, spec.md §9.
const (
	minUnitID = 1
	maxUnitID = 247
)

// mbapUnit extracts the MBAP unit id byte carried by frame. Run only
// ever calls ListenTCP, so every frame handlers see is a *TCPFrame;
// the type assertion is defensive rather than reachable in practice. 0
// signals "not present" to deviceForAddr.
func mbapUnit(frame mbserver.Framer) byte {
	tcp, ok := frame.(*mbserver.TCPFrame)
	if !ok {
		return 0
	}
	return tcp.Device
}

// deviceForAddr resolves the effective unit id from a flat address
// under stride, cross-checks it against the registry, and returns its
// DeviceConfig. Per spec.md §9, address-derived unit id always wins;
// the MBAP byte is only used for validation and diagnostic logging —
// out of [1,247] or disagreeing with the derived id is logged, never
// rejected.
func (s *Slave) deviceForAddr(addr, stride int, mbap byte) (registry.DeviceConfig, byte, bool) {
	unit, _ := modbusplane.UnitAndRelative(addr, stride)
	cfg, ok := s.reg.GetByUnitID(unit)
	if !ok {
		return registry.DeviceConfig{}, unit, false
	}
	switch {
	case mbap == 0:
		// not carried by this frame
	case mbap < minUnitID || mbap > maxUnitID:
		s.log.Debug("mbap unit id out of valid range", "mbap_unit", mbap)
	case mbap != unit:
		s.log.Debug("mbap unit id disagrees with address-derived unit id", "mbap_unit", mbap, "derived_unit", unit)
	}
	return cfg, unit, true
}

func (s *Slave) handleWriteSingleCoil(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return nil, &mbserver.IllegalDataValue
	}
	addr := int(binary.BigEndian.Uint16(data[0:2]))
	value := binary.BigEndian.Uint16(data[2:4])

	cfg, _, ok := s.deviceForAddr(addr, modbusplane.StrideCoilsBits, mbapUnit(frame))
	if !ok {
		return nil, &mbserver.IllegalDataAddress
	}
	_, relative := modbusplane.UnitAndRelative(addr, modbusplane.StrideCoilsBits)

	var on bool
	switch value {
	case 0x0000:
		on = false
	case 0xFF00:
		on = true
	default:
		return nil, &mbserver.IllegalDataValue
	}

	switch relative {
	case 0:
		s.dispatchAuto(cfg.DeviceID, on)
	case 1:
		s.log.Debug("manual override coil write ignored", "device_id", cfg.DeviceID)
	default:
		return nil, &mbserver.IllegalDataAddress
	}

	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

func (s *Slave) handleWriteMultipleCoils(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 5 {
		return nil, &mbserver.IllegalDataValue
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	qty := int(binary.BigEndian.Uint16(data[2:4]))
	byteCount := int(data[4])
	if qty == 0 || qty > 1968 || byteCount != (qty+7)/8 || len(data) < 5+byteCount {
		return nil, &mbserver.IllegalDataValue
	}

	mbap := mbapUnit(frame)
	for i := 0; i < qty; i++ {
		addr := start + i
		bit := data[5+i/8]&(1<<uint(i%8)) != 0

		cfg, _, ok := s.deviceForAddr(addr, modbusplane.StrideCoilsBits, mbap)
		if !ok {
			return nil, &mbserver.IllegalDataAddress
		}
		_, relative := modbusplane.UnitAndRelative(addr, modbusplane.StrideCoilsBits)
		switch relative {
		case 0:
			s.dispatchAuto(cfg.DeviceID, bit)
		case 1:
			s.log.Debug("manual override coil write ignored", "device_id", cfg.DeviceID)
		default:
			return nil, &mbserver.IllegalDataAddress
		}
	}

	resp := make([]byte, 4)
	binary.BigEndian.PutUint16(resp[0:2], uint16(start))
	binary.BigEndian.PutUint16(resp[2:4], uint16(qty))
	return resp, &mbserver.Success
}

func (s *Slave) dispatchAuto(deviceID string, enable bool) {
	kind := command.DisableAuto
	if enable {
		kind = command.EnableAuto
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.bus.SendWait(ctx, command.New(deviceID, kind, command.SourceModbus, 0)); err != nil {
		s.log.Warn("modbus coil write rejected", "device_id", deviceID, "error", err)
	}
}

func (s *Slave) handleWriteSingleRegister(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return nil, &mbserver.IllegalDataValue
	}
	addr := int(binary.BigEndian.Uint16(data[0:2]))
	value := binary.BigEndian.Uint16(data[2:4])

	if exc := s.applyHoldingWrite(addr, value, mbapUnit(frame)); exc != nil {
		return nil, exc
	}

	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

func (s *Slave) handleWriteMultipleRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 5 {
		return nil, &mbserver.IllegalDataValue
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	qty := int(binary.BigEndian.Uint16(data[2:4]))
	byteCount := int(data[4])
	if qty == 0 || qty > 123 || byteCount != qty*2 || len(data) < 5+byteCount {
		return nil, &mbserver.IllegalDataValue
	}

	mbap := mbapUnit(frame)
	for i := 0; i < qty; i++ {
		addr := start + i
		val := binary.BigEndian.Uint16(data[5+i*2 : 5+i*2+2])
		if exc := s.applyHoldingWrite(addr, val, mbap); exc != nil {
			return nil, exc
		}
	}

	resp := make([]byte, 4)
	binary.BigEndian.PutUint16(resp[0:2], uint16(start))
	binary.BigEndian.PutUint16(resp[2:4], uint16(qty))
	return resp, &mbserver.Success
}

// applyHoldingWrite implements the two writable holding addresses of
// spec.md §4.6: relative 0 (SETPOINT_TEMP) and relative 10 (COMMAND).
// Every other address in a device's slice is advisory/reserved and
// read-only; writing it is a no-op success, matching the reserved
// addresses' "readback zero" contract rather than an error, since a
// SCADA client bulk-writing a slice must not fail on padding.
func (s *Slave) applyHoldingWrite(addr int, value uint16, mbap byte) *mbserver.Exception {
	cfg, _, ok := s.deviceForAddr(addr, modbusplane.StrideHoldingRegs, mbap)
	if !ok {
		return &mbserver.IllegalDataAddress
	}
	_, relative := modbusplane.UnitAndRelative(addr, modbusplane.StrideHoldingRegs)

	switch relative {
	case modbusplane.HoldingSetpoint:
		t := modbusplane.DecodeTemp(value)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.bus.SendWait(ctx, command.New(cfg.DeviceID, command.SetTemperature, command.SourceModbus, t)); err != nil {
			return &mbserver.IllegalDataValue
		}
		return nil

	case modbusplane.HoldingCommand:
		enable, disable, err := modbusplane.DecodeCommandWord(value)
		if err != nil {
			return &mbserver.IllegalDataValue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if disable {
			_ = s.bus.SendWait(ctx, command.New(cfg.DeviceID, command.DisableAuto, command.SourceModbus, 0))
		} else if enable {
			_ = s.bus.SendWait(ctx, command.New(cfg.DeviceID, command.EnableAuto, command.SourceModbus, 0))
		}
		// The COMMAND register is always zeroed after dispatch.
		_ = s.plane.WriteHoldingReg(addr, 0)
		return nil

	default:
		// Reserved / advisory: no-op success, kept in sync by the reflector.
		return nil
	}
}
