package modbusplane

import (
	"sync"
	"testing"
	"time"
)

func TestUnitAndRelativeRoundTrip(t *testing.T) {
	tests := []struct {
		addr, stride int
		wantUnit     byte
		wantRelative int
	}{
		{0, 30, 1, 0},
		{29, 30, 1, 29},
		{30, 30, 2, 0},
		{65, 20, 4, 5},
	}
	for _, tt := range tests {
		unit, relative := UnitAndRelative(tt.addr, tt.stride)
		if unit != tt.wantUnit || relative != tt.wantRelative {
			t.Errorf("UnitAndRelative(%d, %d) = (%d, %d), want (%d, %d)", tt.addr, tt.stride, unit, relative, tt.wantUnit, tt.wantRelative)
		}
		if got := FlatAddress(unit, relative, tt.stride); got != tt.addr {
			t.Errorf("FlatAddress(%d, %d, %d) = %d, want %d", unit, relative, tt.stride, got, tt.addr)
		}
	}
}

func TestEncodeDecodeTempRoundTrip(t *testing.T) {
	tests := []float64{0, 21.5, -12.3, 99.9, -0.1}
	for _, v := range tests {
		raw := EncodeTemp(v)
		got := DecodeTemp(raw)
		if diff := got - v; diff > 0.05 || diff < -0.05 {
			t.Errorf("EncodeTemp/DecodeTemp(%v) round-trip = %v", v, got)
		}
	}
}

func TestEncodeTempClampsToInt16Range(t *testing.T) {
	if got := DecodeTemp(EncodeTemp(10000)); got <= 0 {
		t.Errorf("expected clamped-positive decode, got %v", got)
	}
	if got := DecodeTemp(EncodeTemp(-10000)); got >= 0 {
		t.Errorf("expected clamped-negative decode, got %v", got)
	}
}

func TestPlaneHoldingReadWrite(t *testing.T) {
	p := NewPlane(2)
	if err := p.WriteHoldingReg(FlatAddress(2, HoldingSetpoint, StrideHoldingRegs), EncodeTemp(21.5)); err != nil {
		t.Fatalf("WriteHoldingReg: %v", err)
	}
	regs, err := p.ReadHolding(FlatAddress(2, HoldingSetpoint, StrideHoldingRegs), 1)
	if err != nil {
		t.Fatalf("ReadHolding: %v", err)
	}
	got := DecodeTemp(uint16(regs[0])<<8 | uint16(regs[1]))
	if diff := got - 21.5; diff > 0.05 || diff < -0.05 {
		t.Errorf("readback = %v, want 21.5", got)
	}

	// Unit 1's slice must be untouched.
	other, err := p.ReadHoldingReg(FlatAddress(1, HoldingSetpoint, StrideHoldingRegs))
	if err != nil {
		t.Fatalf("ReadHoldingReg: %v", err)
	}
	if other != 0 {
		t.Errorf("unit 1 slice touched by unit 2 write: %v", other)
	}
}

func TestPlaneOutOfRangeAddress(t *testing.T) {
	p := NewPlane(1)
	if _, err := p.ReadHolding(StrideHoldingRegs, 1); err == nil {
		t.Errorf("expected ErrAddressOutOfRange for a read past the single device's slice")
	}
}

func TestPlaneCoilBitPacking(t *testing.T) {
	p := NewPlane(1)
	if err := p.WriteCoil(0, true); err != nil {
		t.Fatalf("WriteCoil: %v", err)
	}
	if err := p.WriteCoil(3, true); err != nil {
		t.Fatalf("WriteCoil: %v", err)
	}
	bits, err := p.ReadCoils(0, 8)
	if err != nil {
		t.Fatalf("ReadCoils: %v", err)
	}
	want := byte(1<<0 | 1<<3)
	if bits[0] != want {
		t.Errorf("ReadCoils packed byte = %08b, want %08b", bits[0], want)
	}
}

func TestWriteStatusByteMirrorsDiscreteAndInputWord(t *testing.T) {
	p := NewPlane(1)
	status := byte(BitIsOnline | BitIsWorking)
	if err := p.WriteStatusByte(1, status); err != nil {
		t.Fatalf("WriteStatusByte: %v", err)
	}
	online, err := p.ReadDiscrete(0, 1)
	if err != nil {
		t.Fatalf("ReadDiscrete: %v", err)
	}
	if online[0]&1 == 0 {
		t.Errorf("BitIsOnline not reflected in discrete inputs")
	}
	word, err := p.ReadInput(FlatAddress(1, InputStatusWord, StrideInputRegs), 1)
	if err != nil {
		t.Fatalf("ReadInput: %v", err)
	}
	if word[1] != status {
		t.Errorf("status word low byte = %08b, want %08b", word[1], status)
	}
}

// TestPlaneConcurrentReadWrite exercises the pattern production traffic
// produces: telemetry/regulator goroutines writing one device's slice
// while a sweep goroutine rewrites every slice and Modbus connection
// goroutines read the whole plane. Run with -race.
func TestPlaneConcurrentReadWrite(t *testing.T) {
	p := NewPlane(4)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	writer := func(unit byte) {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = p.WriteInputReg(FlatAddress(unit, InputCurrentTemp, StrideInputRegs), 210)
				_ = p.WriteHoldingReg(FlatAddress(unit, HoldingSetpoint, StrideHoldingRegs), 220)
				_ = p.WriteStatusByte(unit, BitIsOnline|BitIsWorking)
				_ = p.WriteCoil(int(unit-1)*StrideCoilsBits, true)
			}
		}
	}
	reader := func(unit byte) {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = p.ReadInput(FlatAddress(unit, 0, StrideInputRegs), StrideInputRegs)
				_, _ = p.ReadHolding(FlatAddress(unit, 0, StrideHoldingRegs), StrideHoldingRegs)
				_, _ = p.ReadCoils(0, StrideCoilsBits*4)
				_, _ = p.ReadDiscrete(0, StrideDiscreteBits*4)
			}
		}
	}

	for unit := byte(1); unit <= 4; unit++ {
		wg.Add(2)
		go writer(unit)
		go reader(unit)
	}

	// Let the goroutines actually race for a bit before tearing down;
	// under -race the interleaving, not the elapsed time, is what
	// matters here.
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestDecodeCommandWord(t *testing.T) {
	tests := []struct {
		name        string
		v           uint16
		wantEnable  bool
		wantDisable bool
		wantErr     bool
	}{
		{"zero is noop", 0, false, false, false},
		{"enable bit", CommandEnableAuto, true, false, false},
		{"disable bit", CommandDisableAuto, false, true, false},
		{"both bits, disable wins", CommandEnableAuto | CommandDisableAuto, false, true, false},
		{"illegal bit pattern", 0x40, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enable, disable, err := DecodeCommandWord(tt.v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if enable != tt.wantEnable || disable != tt.wantDisable {
				t.Errorf("DecodeCommandWord(%v) = (%v, %v), want (%v, %v)", tt.v, enable, disable, tt.wantEnable, tt.wantDisable)
			}
		})
	}
}
