package telemetry

import (
	"fmt"

	"github.com/agrid-dev/heatctld/internal/registry"
)

// publisher is the actuation surface one Adapter exposes.
type publisher interface {
	PublishFan(cfg registry.DeviceConfig, percent float64) error
	PublishValve(cfg registry.DeviceConfig, open bool) error
}

// Router fans PublishFan/PublishValve calls out to the Adapter owning
// each device's broker, so the regulator loop and the command
// dispatcher can each hold a single Actuator regardless of how many
// brokers the fleet spans.
type Router struct {
	byBroker map[string]publisher
	byDevice map[string]string // device_id -> broker name
}

// NewRouter builds an empty Router; call Register once per Adapter.
func NewRouter() *Router {
	return &Router{
		byBroker: make(map[string]publisher),
		byDevice: make(map[string]string),
	}
}

// Register wires an Adapter (or any publisher, e.g. a test double) to
// serve the given devices under brokerName.
func (r *Router) Register(brokerName string, devices []registry.DeviceConfig, p publisher) {
	r.byBroker[brokerName] = p
	for _, d := range devices {
		r.byDevice[d.DeviceID] = brokerName
	}
}

func (r *Router) resolve(deviceID string) (publisher, error) {
	broker, ok := r.byDevice[deviceID]
	if !ok {
		return nil, fmt.Errorf("telemetry: no broker registered for device %q", deviceID)
	}
	p, ok := r.byBroker[broker]
	if !ok {
		return nil, fmt.Errorf("telemetry: no adapter registered for broker %q", broker)
	}
	return p, nil
}

func (r *Router) PublishFan(cfg registry.DeviceConfig, percent float64) error {
	p, err := r.resolve(cfg.DeviceID)
	if err != nil {
		return err
	}
	return p.PublishFan(cfg, percent)
}

func (r *Router) PublishValve(cfg registry.DeviceConfig, open bool) error {
	p, err := r.resolve(cfg.DeviceID)
	if err != nil {
		return err
	}
	return p.PublishValve(cfg, open)
}
