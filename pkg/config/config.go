// Package config provides the file based configuration of the btscale tools: the device to
// connect to, the REST API and the reading sinks
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fako1024/btscale/pkg/scale"
	"gopkg.in/yaml.v3"
)

// EnvPrefix denotes the prefix of all environment variables overriding file values
const EnvPrefix = "BTSCALE_"

// Config is the root configuration structure. It is loaded from YAML and can be overridden
// by environment variables
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Connection ConnectionConfig `yaml:"connection"`
	API        APIConfig        `yaml:"api"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DeviceConfig selects and identifies the device
type DeviceConfig struct {

	// Variant is one of `serial`, `mock`, `demo` or `felicita`
	Variant      string `yaml:"variant"`
	Name         string `yaml:"name"`
	Manufacturer string `yaml:"manufacturer"`
	Model        string `yaml:"model"`

	// Profile names the command dictionary of a serial device (see profile.Names())
	Profile string `yaml:"profile"`
}

// ConnectionConfig describes the transport, see scale.ConnectionConfig
type ConnectionConfig struct {
	Type                string            `yaml:"type"`
	Address             string            `yaml:"address"`
	Port                int               `yaml:"port"`
	BaudRate            int               `yaml:"baud_rate"`
	DataBits            int               `yaml:"data_bits"`
	Parity              string            `yaml:"parity"`
	StopBits            string            `yaml:"stop_bits"`
	FlowControl         string            `yaml:"flow_control"`
	ConnectionTimeoutMS int               `yaml:"connection_timeout_ms"`
	ReadTimeoutMS       int               `yaml:"read_timeout_ms"`
	Extras              map[string]string `yaml:"extras"`
}

// APIConfig contains the REST API settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MQTTConfig contains the MQTT broker connection settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
	Retained bool   `yaml:"retained"`
}

// InfluxDBConfig contains the InfluxDB connection settings
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains the logging settings
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// Default returns a configuration with sensible defaults (a simulated scale)
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Variant: VariantMock,
			Profile: "generic",
		},
		Connection: ConnectionConfig{
			Type:                string(scale.TransportSerial),
			BaudRate:            9600,
			DataBits:            8,
			Parity:              string(scale.ParityNone),
			StopBits:            string(scale.StopBitsOne),
			FlowControl:         string(scale.FlowControlNone),
			ConnectionTimeoutMS: 5000,
			ReadTimeoutMS:       2000,
		},
		API: APIConfig{
			Listen: ":8080",
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "btscale",
			Topic:    "btscale",
			QoS:      1,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Bucket:        "btscale",
			BatchSize:     100,
			FlushInterval: 1000,
		},
	}
}

// Load reads the configuration from a YAML file on top of the defaults, then applies
// environment variable overrides and validates the result. An empty path skips the file
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides, following the pattern
// BTSCALE_SECTION_KEY (e.g. BTSCALE_CONNECTION_ADDRESS)
func (c *Config) applyEnvOverrides(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"DEVICE_VARIANT":      &c.Device.Variant,
		"DEVICE_NAME":         &c.Device.Name,
		"DEVICE_PROFILE":      &c.Device.Profile,
		"CONNECTION_TYPE":     &c.Connection.Type,
		"CONNECTION_ADDRESS":  &c.Connection.Address,
		"API_LISTEN":          &c.API.Listen,
		"MQTT_BROKER":         &c.MQTT.Broker,
		"MQTT_USERNAME":       &c.MQTT.Username,
		"MQTT_PASSWORD":       &c.MQTT.Password,
		"MQTT_TOPIC":          &c.MQTT.Topic,
		"INFLUXDB_URL":        &c.InfluxDB.URL,
		"INFLUXDB_TOKEN":      &c.InfluxDB.Token,
		"INFLUXDB_ORG":        &c.InfluxDB.Org,
		"INFLUXDB_BUCKET":     &c.InfluxDB.Bucket,
		"CONNECTION_PARITY":   &c.Connection.Parity,
		"CONNECTION_STOPBITS": &c.Connection.StopBits,
	}
	for key, target := range str {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*target = v
		}
	}

	ints := map[string]*int{
		"CONNECTION_BAUD_RATE":             &c.Connection.BaudRate,
		"CONNECTION_CONNECTION_TIMEOUT_MS": &c.Connection.ConnectionTimeoutMS,
		"CONNECTION_READ_TIMEOUT_MS":       &c.Connection.ReadTimeoutMS,
	}
	for key, target := range ints {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: invalid value `%s` for %s%s", scale.ErrConfig, v, EnvPrefix, key)
			}
			*target = n
		}
	}

	bools := map[string]*bool{
		"API_ENABLED":      &c.API.Enabled,
		"MQTT_ENABLED":     &c.MQTT.Enabled,
		"INFLUXDB_ENABLED": &c.InfluxDB.Enabled,
		"LOGGING_DEBUG":    &c.Logging.Debug,
	}
	for key, target := range bools {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%w: invalid value `%s` for %s%s", scale.ErrConfig, v, EnvPrefix, key)
			}
			*target = b
		}
	}

	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []string

	switch c.Device.Variant {
	case VariantSerial:
		if strings.TrimSpace(c.Connection.Address) == "" {
			errs = append(errs, "connection.address is required for serial devices")
		}
		if c.Device.Profile == "" {
			errs = append(errs, "device.profile is required for serial devices")
		}
	case VariantMock, VariantDemo, VariantFelicita:
	default:
		errs = append(errs, fmt.Sprintf("unknown device.variant `%s`", c.Device.Variant))
	}

	if c.Connection.ConnectionTimeoutMS < 0 || c.Connection.ReadTimeoutMS < 0 {
		errs = append(errs, "connection timeouts must not be negative")
	}
	if c.API.Enabled && c.API.Listen == "" {
		errs = append(errs, "api.listen is required when the API is enabled")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required when MQTT is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Sprintf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
		}
	}
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when InfluxDB is enabled")
		}
		if c.InfluxDB.BatchSize <= 0 || c.InfluxDB.FlushInterval <= 0 {
			errs = append(errs, "influxdb.batch_size and influxdb.flush_interval must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", scale.ErrConfig, strings.Join(errs, "; "))
	}

	return nil
}

// Identity returns the identity of the configured device
func (c *Config) Identity() scale.Identity {
	return scale.Identity{
		Name:         c.Device.Name,
		Manufacturer: c.Device.Manufacturer,
		Model:        c.Device.Model,
	}
}

// DeviceConnection converts the connection section into a scale.ConnectionConfig (with defaults
// applied)
func (c *Config) DeviceConnection() scale.ConnectionConfig {
	return scale.ConnectionConfig{
		Type:              scale.TransportType(c.Connection.Type),
		Address:           c.Connection.Address,
		Port:              c.Connection.Port,
		BaudRate:          c.Connection.BaudRate,
		DataBits:          c.Connection.DataBits,
		Parity:            scale.Parity(c.Connection.Parity),
		StopBits:          scale.StopBits(c.Connection.StopBits),
		FlowControl:       scale.FlowControl(c.Connection.FlowControl),
		ConnectionTimeout: time.Duration(c.Connection.ConnectionTimeoutMS) * time.Millisecond,
		ReadTimeout:       time.Duration(c.Connection.ReadTimeoutMS) * time.Millisecond,
		Extras:            c.Connection.Extras,
	}.WithDefaults()
}
