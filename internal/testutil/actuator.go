// Package testutil holds fakes shared by more than one package's
// tests. Put ONLY what multiple test packages need here.
package testutil

import (
	"sync"

	"github.com/agrid-dev/heatctld/internal/registry"
)

// FakeActuator is a reusable fake implementing both regulator.Actuator
// and command.Actuator (PublishFan/PublishValve), recording every call
// for assertions and optionally failing on demand.
type FakeActuator struct {
	mu sync.Mutex

	FanCalls   []FanCall
	ValveCalls []ValveCall

	FanErr   error
	ValveErr error
}

type FanCall struct {
	DeviceID string
	Percent  float64
}

type ValveCall struct {
	DeviceID string
	Open     bool
}

func NewFakeActuator() *FakeActuator {
	return &FakeActuator{}
}

func (f *FakeActuator) PublishFan(cfg registry.DeviceConfig, percent float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FanCalls = append(f.FanCalls, FanCall{DeviceID: cfg.DeviceID, Percent: percent})
	return f.FanErr
}

func (f *FakeActuator) PublishValve(cfg registry.DeviceConfig, open bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ValveCalls = append(f.ValveCalls, ValveCall{DeviceID: cfg.DeviceID, Open: open})
	return f.ValveErr
}

// LastFan returns the most recent fan call, or the zero value if none.
func (f *FakeActuator) LastFan() FanCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.FanCalls) == 0 {
		return FanCall{}
	}
	return f.FanCalls[len(f.FanCalls)-1]
}

// LastValve returns the most recent valve call, or the zero value if none.
func (f *FakeActuator) LastValve() ValveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ValveCalls) == 0 {
		return ValveCall{}
	}
	return f.ValveCalls[len(f.ValveCalls)-1]
}
