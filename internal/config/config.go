// Package config loads the daemon's static configuration through a
// layered koanf stack: struct defaults, then an optional YAML/JSON
// file, then HEATCTLD_-prefixed environment overrides, mirroring the
// file-then-env layering the pack's services use for multi-broker,
// multi-device deployments (cmd/app.LoadConfig only ever handles a
// single device and a single broker; this generalizes both).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	kenv "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/agrid-dev/heatctld/internal/registry"
)

// EnvPrefix is stripped from, and its remainder lower-cased-and-dotted
// form used as, every environment override key: HEATCTLD_MODBUS_ADDR
// becomes modbus.addr.
const EnvPrefix = "HEATCTLD_"

// ModbusConfig parametrizes the Modbus TCP slave.
type ModbusConfig struct {
	Addr string `koanf:"addr"`
}

// FacadeConfig parametrizes the HTTP/WebSocket façade.
type FacadeConfig struct {
	Addr string `koanf:"addr"`
}

// BrokerConfig is one MQTT broker connection. Devices reference a
// broker by Name via DeviceConfig.Broker.
type BrokerConfig struct {
	Name               string        `koanf:"name"`
	URL                string        `koanf:"url"`
	ClientID           string        `koanf:"client_id"`
	Username           string        `koanf:"username"`
	Password           string        `koanf:"password"`
	StaleThreshold     time.Duration `koanf:"stale_threshold"`
	HealthTickInterval time.Duration `koanf:"health_tick_interval"`
}

// GainsConfig mirrors registry.RegulatorGains for unmarshaling.
type GainsConfig struct {
	Kp     float64 `koanf:"kp"`
	Ki     float64 `koanf:"ki"`
	Kd     float64 `koanf:"kd"`
	OutMin float64 `koanf:"out_min"`
	OutMax float64 `koanf:"out_max"`
}

// SafetyConfig mirrors registry.SafetyLimits for unmarshaling.
type SafetyConfig struct {
	FreezeLimit         float64 `koanf:"freeze_limit"`
	OverheatLimit       float64 `koanf:"overheat_limit"`
	Hysteresis          float64 `koanf:"hysteresis"`
	MinOutputThreshold  float64 `koanf:"min_output_threshold"`
	IntegralDecayFactor float64 `koanf:"integral_decay_factor"`
}

// DeviceConfig is one device's static entry in the config file.
type DeviceConfig struct {
	DeviceID   string `koanf:"device_id"`
	UnitID     byte   `koanf:"unit_id"`
	Broker     string `koanf:"broker"`

	TopicTemperatureIn string `koanf:"topic_temperature_in"`
	TopicValveRelayOut string `koanf:"topic_valve_relay_out"`
	TopicFanDimmerOut  string `koanf:"topic_fan_dimmer_out"`
	TopicAlarmIn       string `koanf:"topic_alarm_in"`

	Gains  GainsConfig  `koanf:"gains"`
	Safety SafetyConfig `koanf:"safety"`

	SetpointMin float64 `koanf:"setpoint_min"`
	SetpointMax float64 `koanf:"setpoint_max"`
}

// SettingsConfig parametrizes the durable setpoint store. Only a DSN
// is carried here; wiring a driver behind it is left to the caller
// (spec.md's Non-goals exclude bundling one), see internal/settings.
type SettingsConfig struct {
	DSN string `koanf:"dsn"`
}

// Config is the full daemon configuration.
type Config struct {
	LogLevel string         `koanf:"log_level"`
	Modbus   ModbusConfig   `koanf:"modbus"`
	Facade   FacadeConfig   `koanf:"facade"`
	Brokers  []BrokerConfig `koanf:"brokers"`
	Devices  []DeviceConfig `koanf:"devices"`
	Settings SettingsConfig `koanf:"settings"`
}

func defaults() Config {
	return Config{
		LogLevel: "info",
		Modbus:   ModbusConfig{Addr: "0.0.0.0:8503"},
		Facade:   FacadeConfig{Addr: ":8080"},
	}
}

// Load builds a Config from struct defaults, an optional file at
// path (skipped if path is empty), and HEATCTLD_-prefixed environment
// overrides, in that order of increasing precedence.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		parser, err := parserForPath(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	envProvider := kenv.Provider(".", kenv.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, EnvPrefix)
			key = strings.ToLower(strings.ReplaceAll(key, "_", "."))
			return key, value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func parserForPath(path string) (koanf.Parser, error) {
	switch {
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return yaml.Parser(), nil
	case strings.HasSuffix(path, ".json"):
		return json.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported extension for %q", path)
	}
}

// BrokerNames indexes Brokers by name, for looking up the broker a
// device's DeviceConfig.Broker references.
func (c Config) BrokerNames() map[string]BrokerConfig {
	out := make(map[string]BrokerConfig, len(c.Brokers))
	for _, b := range c.Brokers {
		out[b.Name] = b
	}
	return out
}

// DevicesByBroker groups the fleet's devices by the broker name they
// reference, converting each to a registry.DeviceConfig.
func (c Config) DevicesByBroker() map[string][]registry.DeviceConfig {
	out := make(map[string][]registry.DeviceConfig)
	for _, d := range c.Devices {
		out[d.Broker] = append(out[d.Broker], d.toRegistry())
	}
	return out
}

// RegistryDevices converts every configured device to a
// registry.DeviceConfig, in file order.
func (c Config) RegistryDevices() []registry.DeviceConfig {
	out := make([]registry.DeviceConfig, len(c.Devices))
	for i, d := range c.Devices {
		out[i] = d.toRegistry()
	}
	return out
}

func (d DeviceConfig) toRegistry() registry.DeviceConfig {
	return registry.DeviceConfig{
		DeviceID:           d.DeviceID,
		UnitID:             d.UnitID,
		BrokerName:         d.Broker,
		TopicTemperatureIn: d.TopicTemperatureIn,
		TopicValveRelayOut: d.TopicValveRelayOut,
		TopicFanDimmerOut:  d.TopicFanDimmerOut,
		TopicAlarmIn:       d.TopicAlarmIn,
		Gains: registry.RegulatorGains{
			Kp:     d.Gains.Kp,
			Ki:     d.Gains.Ki,
			Kd:     d.Gains.Kd,
			OutMin: d.Gains.OutMin,
			OutMax: d.Gains.OutMax,
		},
		Safety: registry.SafetyLimits{
			FreezeLimit:         d.Safety.FreezeLimit,
			OverheatLimit:       d.Safety.OverheatLimit,
			Hysteresis:          d.Safety.Hysteresis,
			MinOutputThreshold:  d.Safety.MinOutputThreshold,
			IntegralDecayFactor: d.Safety.IntegralDecayFactor,
		},
		SetpointMin: d.SetpointMin,
		SetpointMax: d.SetpointMax,
	}
}
