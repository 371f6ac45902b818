// Package config loads the daemon's configuration: struct defaults,
// merged with a YAML file, merged with environment variable overrides
// (env > file > defaults), then validated.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StaticDevice binds a known mac to a friendly name so the cache and
// discovery payloads can use it instead of the raw address.
type StaticDevice struct {
	Mac          string `yaml:"mac"`
	FriendlyName string `yaml:"friendly_name"`
}

// TLSConfig controls the broker connection's transport security.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// MQTTConfig groups every mqtt.* option from the configuration table.
type MQTTConfig struct {
	BrokerHost      string        `yaml:"broker_host"`
	BrokerPort      int           `yaml:"broker_port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	ClientID        string        `yaml:"client_id"`
	BaseTopic       string        `yaml:"base_topic"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	QoS             byte          `yaml:"qos"`
	Retain          bool          `yaml:"retain"`
	TLS             TLSConfig     `yaml:"tls"`
}

// ThresholdsConfig groups the change-threshold publish options.
type ThresholdsConfig struct {
	Temperature float64 `yaml:"temperature"`
	Humidity    float64 `yaml:"humidity"`
}

// DevicesConfig groups the static device list.
type DevicesConfig struct {
	StaticDevices []StaticDevice `yaml:"static_devices"`
}

// StatisticsConfig controls whether min/max/avg/count auxiliary fields
// and discovery sensors are published.
type StatisticsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig groups logging verbosity options.
type LogConfig struct {
	Level string `yaml:"level"`
}

// BluetoothConfig groups BLE adapter options.
type BluetoothConfig struct {
	Adapter int `yaml:"adapter"`
}

// Config is the complete, validated configuration for one daemon run.
// Once loaded it is treated as immutable for the process lifetime.
type Config struct {
	Bluetooth  BluetoothConfig  `yaml:"bluetooth"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Devices    DevicesConfig    `yaml:"devices"`
	Timezone   string           `yaml:"timezone"`
	Log        LogConfig        `yaml:"log"`
	Statistics StatisticsConfig `yaml:"statistics"`
}

// Default returns the struct-literal defaults from spec.md §6, before
// any file or environment override is applied.
func Default() Config {
	return Config{
		Bluetooth: BluetoothConfig{Adapter: 0},
		MQTT: MQTTConfig{
			BrokerHost:      "localhost",
			BrokerPort:      1883,
			ClientID:        "mijiableht-daemon",
			BaseTopic:       "mijiableht",
			DiscoveryPrefix: "homeassistant",
			PublishInterval: 300 * time.Second,
			QoS:             1,
			Retain:          true,
		},
		Thresholds: ThresholdsConfig{Temperature: 0.2, Humidity: 1.0},
		Timezone:   "UTC",
		Log:        LogConfig{Level: "info"},
		Statistics: StatisticsConfig{Enabled: true},
	}
}

// Load builds the effective configuration: defaults, then path (if it
// exists), then environment variable overrides. A missing path is not
// an error — the daemon can run on defaults plus env vars alone.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	normalizeStaticDevices(&cfg)
	return cfg, nil
}

func normalizeStaticDevices(cfg *Config) {
	for i := range cfg.Devices.StaticDevices {
		cfg.Devices.StaticDevices[i].Mac = normalizeMac(cfg.Devices.StaticDevices[i].Mac)
	}
}

func normalizeMac(mac string) string {
	return strings.ToUpper(mac)
}

// applyEnvOverrides applies the MIJIABLEHT_* -> field table below. Each
// entry parses the raw string and
// assigns it only if present, so an unset variable never clobbers a
// value already set by the file or defaults.
func applyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	intv := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	floatv := func(name string, dst *float64) {
		if v, ok := os.LookupEnv(name); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	boolv := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(name); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	durv := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(name); ok {
			if secs, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(secs) * time.Second
			}
		}
	}

	intv("MIJIABLEHT_BLUETOOTH_ADAPTER", &cfg.Bluetooth.Adapter)

	str("MIJIABLEHT_MQTT_BROKER_HOST", &cfg.MQTT.BrokerHost)
	intv("MIJIABLEHT_MQTT_BROKER_PORT", &cfg.MQTT.BrokerPort)
	str("MIJIABLEHT_MQTT_USERNAME", &cfg.MQTT.Username)
	str("MIJIABLEHT_MQTT_PASSWORD", &cfg.MQTT.Password)
	str("MIJIABLEHT_MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	str("MIJIABLEHT_MQTT_BASE_TOPIC", &cfg.MQTT.BaseTopic)
	str("MIJIABLEHT_MQTT_DISCOVERY_PREFIX", &cfg.MQTT.DiscoveryPrefix)
	durv("MIJIABLEHT_MQTT_PUBLISH_INTERVAL", &cfg.MQTT.PublishInterval)
	boolv("MIJIABLEHT_MQTT_RETAIN", &cfg.MQTT.Retain)
	boolv("MIJIABLEHT_MQTT_TLS_ENABLED", &cfg.MQTT.TLS.Enabled)
	str("MIJIABLEHT_MQTT_TLS_CA_FILE", &cfg.MQTT.TLS.CAFile)
	boolv("MIJIABLEHT_MQTT_TLS_INSECURE_SKIP_VERIFY", &cfg.MQTT.TLS.InsecureSkipVerify)

	floatv("MIJIABLEHT_THRESHOLDS_TEMPERATURE", &cfg.Thresholds.Temperature)
	floatv("MIJIABLEHT_THRESHOLDS_HUMIDITY", &cfg.Thresholds.Humidity)

	str("MIJIABLEHT_TIMEZONE", &cfg.Timezone)
	str("MIJIABLEHT_LOG_LEVEL", &cfg.Log.Level)
	boolv("MIJIABLEHT_STATISTICS_ENABLED", &cfg.Statistics.Enabled)
}

// Validate checks the numeric ranges and resolvability spec.md §6
// requires. A non-nil error here is fatal with exit code 2.
func (c Config) Validate() error {
	if c.MQTT.BrokerPort < 1 || c.MQTT.BrokerPort > 65535 {
		return fmt.Errorf("config: mqtt.broker_port %d out of range", c.MQTT.BrokerPort)
	}
	if c.Thresholds.Temperature < 0 {
		return fmt.Errorf("config: thresholds.temperature must be non-negative, got %v", c.Thresholds.Temperature)
	}
	if c.Thresholds.Humidity < 0 {
		return fmt.Errorf("config: thresholds.humidity must be non-negative, got %v", c.Thresholds.Humidity)
	}
	if c.MQTT.PublishInterval <= 0 {
		return fmt.Errorf("config: mqtt.publish_interval must be positive, got %v", c.MQTT.PublishInterval)
	}
	if c.Bluetooth.Adapter < 0 {
		return fmt.Errorf("config: bluetooth.adapter must be non-negative, got %d", c.Bluetooth.Adapter)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q does not resolve: %w", c.Timezone, err)
	}
	for _, d := range c.Devices.StaticDevices {
		if d.Mac == "" {
			return fmt.Errorf("config: devices.static_devices entry missing mac")
		}
	}
	return nil
}

// Location resolves the configured timezone. Call only after Validate
// has succeeded.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
