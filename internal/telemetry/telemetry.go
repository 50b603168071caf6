// Package telemetry adapts the telemetry bus (an MQTT broker, reached
// with github.com/eclipse/paho.mqtt.golang) to the Device State Store:
// it subscribes to every device's temperature_in topic, parses decimal
// readings into ApplyTelemetryReading mutations, and publishes fan and
// valve actuation commands outward. It also implements the health tick
// (§4.2) and the stale-telemetry status bit (§9 Open Question).
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/agrid-dev/heatctld/internal/clock"
	"github.com/agrid-dev/heatctld/internal/metrics"
	"github.com/agrid-dev/heatctld/internal/registry"
	"github.com/agrid-dev/heatctld/internal/state"
)

// Config parametrizes one broker connection. Multiple Adapters may run
// concurrently against distinct brokers; each owns the devices whose
// DeviceConfig.BrokerName matches it.
type Config struct {
	BrokerName string
	BrokerURL  string
	ClientID   string
	Username   string
	Password   string

	// StaleThreshold marks TempSensorError true when no reading has
	// arrived for this long. Defaults to 30s per spec.md §9.
	StaleThreshold time.Duration
	// HealthTickInterval controls how often staleness/offline status is
	// re-evaluated. Defaults to 5s.
	HealthTickInterval time.Duration
}

// Store is the subset of *state.Store the adapter depends on.
type Store interface {
	ApplyTelemetryReading(deviceID string, temperature float64, nowMs int64) (state.DeviceState, error)
	MarkOffline(deviceID string) (state.DeviceState, error)
	MarkTempSensorError(deviceID string, stale bool) (state.DeviceState, error)
	Read(deviceID string) (state.DeviceState, error)
}

// Adapter is one MQTT connection serving every device on cfg.BrokerName.
type Adapter struct {
	cfg     Config
	devices []registry.DeviceConfig
	store   Store
	clock   clock.Clock
	log     *slog.Logger

	client mqtt.Client
}

// New builds an Adapter for the devices routed to this broker.
func New(cfg Config, devices []registry.DeviceConfig, store Store, clk clock.Clock, log *slog.Logger) *Adapter {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 30 * time.Second
	}
	if cfg.HealthTickInterval <= 0 {
		cfg.HealthTickInterval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Adapter{cfg: cfg, devices: devices, store: store, clock: clk, log: log}
}

func (a *Adapter) deviceForTopic(topic string) (registry.DeviceConfig, bool) {
	for _, d := range a.devices {
		if d.TopicTemperatureIn == topic {
			return d, true
		}
	}
	return registry.DeviceConfig{}, false
}

// Run connects, subscribes every device's temperature_in topic (and
// replays subscriptions on reconnect), and runs the health tick until
// ctx is canceled.
func (a *Adapter) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(a.cfg.BrokerURL).
		SetClientID(a.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)

	if a.cfg.Username != "" {
		opts.SetUsername(a.cfg.Username)
		opts.SetPassword(a.cfg.Password)
	}

	opts.OnConnect = func(cl mqtt.Client) {
		for _, d := range a.devices {
			topic := d.TopicTemperatureIn
			token := cl.Subscribe(topic, 1, a.onMessage)
			token.Wait()
			if err := token.Error(); err != nil {
				a.log.Warn("subscribe failed", "topic", topic, "error", err)
			}
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		a.log.Warn("telemetry bus disconnected", "broker", a.cfg.BrokerName, "error", err)
	}

	a.client = mqtt.NewClient(opts)
	tok := a.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("telemetry: connect %s: %w", a.cfg.BrokerURL, err)
	}
	defer a.client.Disconnect(250)

	ticker := time.NewTicker(a.cfg.HealthTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.healthTick()
		}
	}
}

func (a *Adapter) onMessage(_ mqtt.Client, msg mqtt.Message) {
	cfg, ok := a.deviceForTopic(msg.Topic())
	if !ok {
		return
	}
	text := strings.TrimSpace(string(msg.Payload()))
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		a.log.Warn("dropping unparseable telemetry payload", "device_id", cfg.DeviceID, "payload", text)
		return
	}
	if _, err := a.store.ApplyTelemetryReading(cfg.DeviceID, v, a.clock.Now().UnixMilli()); err != nil {
		a.log.Warn("apply telemetry reading failed", "device_id", cfg.DeviceID, "error", err)
	}
}

// healthTick marks a device offline once the connection to its broker
// is down or its last reading is older than StaleThreshold, and flags
// TempSensorError on a stale reading regardless of connection state.
func (a *Adapter) healthTick() {
	connected := a.client != nil && a.client.IsConnected()
	now := a.clock.Now()

	for _, d := range a.devices {
		snap, err := a.store.Read(d.DeviceID)
		if err != nil {
			continue
		}
		stale := now.UnixMilli()-snap.LastTemperatureUpdateMs > a.cfg.StaleThreshold.Milliseconds()
		if snap.LastTemperatureUpdateMs == 0 {
			stale = true
		}
		if !connected || stale {
			if _, err := a.store.MarkOffline(d.DeviceID); err != nil {
				a.log.Warn("mark offline failed", "device_id", d.DeviceID, "error", err)
			}
		}
		if stale != snap.TempSensorError {
			if _, err := a.store.MarkTempSensorError(d.DeviceID, stale); err != nil {
				a.log.Warn("mark temp sensor error failed", "device_id", d.DeviceID, "error", err)
			}
		}
		staleVal := 0.0
		if stale {
			staleVal = 1.0
		}
		metrics.TelemetryStale.WithLabelValues(d.DeviceID).Set(staleVal)
	}
}

// PublishFan implements regulator.Actuator / command.Actuator: publish
// the fan percentage (0..100) as an integer, per spec.md §6.
func (a *Adapter) PublishFan(cfg registry.DeviceConfig, percent float64) error {
	if a.client == nil || !a.client.IsConnected() {
		return fmt.Errorf("telemetry: broker %q not connected", a.cfg.BrokerName)
	}
	tok := a.client.Publish(cfg.TopicFanDimmerOut, 1, false, fmt.Sprintf("%d", int(percent+0.5)))
	tok.Wait()
	return tok.Error()
}

// PublishValve implements regulator.Actuator / command.Actuator:
// publish 1 for open, 0 for closed.
func (a *Adapter) PublishValve(cfg registry.DeviceConfig, open bool) error {
	if a.client == nil || !a.client.IsConnected() {
		return fmt.Errorf("telemetry: broker %q not connected", a.cfg.BrokerName)
	}
	val := "0"
	if open {
		val = "1"
	}
	tok := a.client.Publish(cfg.TopicValveRelayOut, 1, false, val)
	tok.Wait()
	return tok.Error()
}
