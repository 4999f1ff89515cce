package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for pilight2mqtt.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Hub       HubConfig       `yaml:"hub"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Health    HealthConfig    `yaml:"health"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Daemon    DaemonConfig    `yaml:"daemon"`

	// PIDFile is written on startup and removed on exit. Empty disables it.
	PIDFile string `yaml:"pid_file"`
}

// HubConfig contains the pilight daemon connection settings.
type HubConfig struct {
	// Host of the pilight daemon. Empty means "discover via SSDP".
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// UUID identifies this client to the daemon during the handshake.
	UUID string `yaml:"uuid"`

	// ReadTimeout bounds each socket read and therefore the shutdown latency.
	ReadTimeout    time.Duration      `yaml:"read_timeout"`
	ConnectTimeout time.Duration      `yaml:"connect_timeout"`
	ControlTimeout time.Duration      `yaml:"control_timeout"`
	Reconnect      HubReconnectConfig `yaml:"reconnect"`
}

// HubReconnectConfig controls the optional reconnect loop after a lost hub connection.
type HubReconnectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`

	// MaxAttempts limits reconnect attempts. 0 means unlimited.
	MaxAttempts int `yaml:"max_attempts"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Retain    bool                `yaml:"retain"`
	TopicRoot string              `yaml:"topic_root"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// DiscoveryConfig contains SSDP hub discovery settings.
type DiscoveryConfig struct {
	ServiceType      string        `yaml:"service_type"`
	MulticastAddress string        `yaml:"multicast_address"`
	Timeout          time.Duration `yaml:"timeout"`
	Retries          int           `yaml:"retries"`
}

// HealthConfig controls the periodic bridge health report.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// InfluxDBConfig contains InfluxDB connection settings for bridge statistics.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`

	// Tags are added to every point, e.g. {site: garage}.
	Tags map[string]string `yaml:"tags"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DaemonConfig contains settings for running pilight-daemon as a supervised child.
type DaemonConfig struct {
	// Managed indicates whether pilight2mqtt should start pilight-daemon itself.
	// If false, the daemon is expected to be running externally.
	Managed bool `yaml:"managed"`

	// Binary is the path to the pilight-daemon executable.
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`

	RestartOnFailure bool          `yaml:"restart_on_failure"`
	RestartDelay     time.Duration `yaml:"restart_delay"`

	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	MaxRestartAttempts int `yaml:"max_restart_attempts"`

	// StartupDelay is how long to wait for the daemon to open its socket.
	StartupDelay time.Duration `yaml:"startup_delay"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PILIGHT2MQTT_SECTION_KEY
// For example: PILIGHT2MQTT_HUB_HOST, PILIGHT2MQTT_MQTT_PORT
//
// The result is not validated; callers apply command-line overrides first
// and then call Validate.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			Port:           5001,
			UUID:           "0000-d0-63-00-000000",
			ReadTimeout:    time.Second,
			ConnectTimeout: 10 * time.Second,
			ControlTimeout: 5 * time.Second,
			Reconnect: HubReconnectConfig{
				Enabled:      false,
				InitialDelay: time.Second,
				MaxDelay:     60 * time.Second,
				MaxAttempts:  0,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "pilight2mqtt-" + uuid.NewString()[:8],
			},
			QoS:       0,
			Retain:    false,
			TopicRoot: "PILIGHT",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Discovery: DiscoveryConfig{
			ServiceType:      "urn:schemas-upnp-org:service:pilight:1",
			MulticastAddress: "239.255.255.250:1900",
			Timeout:          2 * time.Second,
			Retries:          1,
		},
		Health: HealthConfig{
			Interval: 30 * time.Second,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "pilight2mqtt",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "text",
			Output: "stderr",
		},
		Daemon: DaemonConfig{
			Binary:             "/usr/local/sbin/pilight-daemon",
			Args:               []string{"-F"},
			RestartOnFailure:   true,
			RestartDelay:       5 * time.Second,
			MaxRestartAttempts: 10,
			StartupDelay:       2 * time.Second,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PILIGHT2MQTT_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// Hub
	if v := os.Getenv("PILIGHT2MQTT_HUB_HOST"); v != "" {
		cfg.Hub.Host = v
	}
	if v := os.Getenv("PILIGHT2MQTT_HUB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PILIGHT2MQTT_HUB_PORT: %w", err)
		}
		cfg.Hub.Port = port
	}

	// MQTT
	if v := os.Getenv("PILIGHT2MQTT_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PILIGHT2MQTT_MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PILIGHT2MQTT_MQTT_PORT: %w", err)
		}
		cfg.MQTT.Broker.Port = port
	}
	if v := os.Getenv("PILIGHT2MQTT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PILIGHT2MQTT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("PILIGHT2MQTT_MQTT_TOPIC"); v != "" {
		cfg.MQTT.TopicRoot = v
	}

	// InfluxDB
	if v := os.Getenv("PILIGHT2MQTT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("PILIGHT2MQTT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Hub validation. An empty host is allowed and triggers discovery.
	if c.Hub.Port < 1 || c.Hub.Port > 65535 {
		errs = append(errs, "hub.port must be between 1 and 65535")
	}
	if c.Hub.UUID == "" {
		errs = append(errs, "hub.uuid is required")
	}
	// Shutdown latency is bounded by the read timeout.
	if c.Hub.ReadTimeout <= 0 || c.Hub.ReadTimeout > 5*time.Second {
		errs = append(errs, "hub.read_timeout must be between 1ms and 5s")
	}
	if c.Hub.ConnectTimeout <= 0 {
		errs = append(errs, "hub.connect_timeout must be positive")
	}
	if c.Hub.ControlTimeout <= 0 {
		errs = append(errs, "hub.control_timeout must be positive")
	}
	if c.Hub.Reconnect.Enabled {
		if c.Hub.Reconnect.InitialDelay <= 0 {
			errs = append(errs, "hub.reconnect.initial_delay must be positive")
		}
		if c.Hub.Reconnect.MaxDelay < c.Hub.Reconnect.InitialDelay {
			errs = append(errs, "hub.reconnect.max_delay must not be less than initial_delay")
		}
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.TopicRoot == "" {
		errs = append(errs, "mqtt.topic_root is required")
	} else if strings.ContainsAny(c.MQTT.TopicRoot, "#+") {
		errs = append(errs, "mqtt.topic_root must not contain wildcards")
	}

	// Discovery is only used when no hub host is configured.
	if c.Hub.Host == "" {
		if c.Discovery.Timeout <= 0 {
			errs = append(errs, "discovery.timeout must be positive")
		}
		if c.Discovery.Retries < 1 {
			errs = append(errs, "discovery.retries must be at least 1")
		}
		if c.Discovery.MulticastAddress == "" {
			errs = append(errs, "discovery.multicast_address is required")
		}
	}

	if c.Health.Interval < 0 {
		errs = append(errs, "health.interval must not be negative")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Daemon.Managed && c.Daemon.Binary == "" {
		errs = append(errs, "daemon.binary is required when daemon.managed is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// HubAddress returns the host:port of the pilight daemon.
func (c *Config) HubAddress() string {
	return fmt.Sprintf("%s:%d", c.Hub.Host, c.Hub.Port)
}
