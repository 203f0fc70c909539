package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BEACON_"

// Radio backends.
const (
	RadioBlueZ = "bluez"
	RadioFake  = "fake"
)

// MemoryBroker selects the in-process broker instead of MQTT.
const MemoryBroker = "memory://"

// Config is the complete node configuration.
type Config struct {
	Node       NodeConfig       `yaml:"node" toml:"node"`
	MQTT       MQTTConfig       `yaml:"mqtt" toml:"mqtt"`
	Commands   CommandsConfig   `yaml:"commands" toml:"commands"`
	Timing     TimingConfig     `yaml:"timing" toml:"timing"`
	Supervisor SupervisorConfig `yaml:"supervisor" toml:"supervisor"`
	Log        LogConfig        `yaml:"log" toml:"log"`
	Audit      AuditConfig      `yaml:"audit" toml:"audit"`
	API        APIConfig        `yaml:"api" toml:"api"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
}

// NodeConfig selects the radio.
type NodeConfig struct {
	Name        string `yaml:"name" toml:"name"`
	Radio       string `yaml:"radio" toml:"radio"`               // bluez or fake
	AdapterID   string `yaml:"adapter_id" toml:"adapter_id"`     // empty or hci0
	FakeAddress string `yaml:"fake_address" toml:"fake_address"` // own address of the fake radio
}

// MQTTConfig configures the messaging channel.
type MQTTConfig struct {
	BrokerURL            string   `yaml:"broker_url" toml:"broker_url"`
	ClientIDPrefix       string   `yaml:"client_id_prefix" toml:"client_id_prefix"`
	Username             string   `yaml:"username" toml:"username"`
	Password             string   `yaml:"password" toml:"password"`
	KeepAlive            Duration `yaml:"keepalive" toml:"keepalive"`
	ConnectRetryInterval Duration `yaml:"connect_retry_interval" toml:"connect_retry_interval"`
	PublishTimeout       Duration `yaml:"publish_timeout" toml:"publish_timeout"`
	InboxSize            int      `yaml:"inbox_size" toml:"inbox_size"`
}

// CommandsConfig configures command decoding.
type CommandsConfig struct {
	Strict bool `yaml:"strict" toml:"strict"`
}

// SupervisorConfig is the restart policy.
type SupervisorConfig struct {
	MaxRestarts int      `yaml:"max_restarts" toml:"max_restarts"`
	Backoff     Duration `yaml:"backoff" toml:"backoff"`
	StableAfter Duration `yaml:"stable_after" toml:"stable_after"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Console    bool   `yaml:"console" toml:"console"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// AuditConfig configures the command audit trail.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	Dir        string `yaml:"dir" toml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// APIConfig configures the local ops API. An empty Listen disables it.
type APIConfig struct {
	Listen    string `yaml:"listen" toml:"listen"`
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// TelemetryConfig configures the local event hub.
type TelemetryConfig struct {
	BufferSize        int      `yaml:"buffer_size" toml:"buffer_size"`
	ClientQueue       int      `yaml:"client_queue" toml:"client_queue"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Name:        "beaconnode",
			Radio:       RadioBlueZ,
			FakeAddress: "02:00:00:00:00:01",
		},
		MQTT: MQTTConfig{
			BrokerURL:            "tcp://localhost:1883",
			ClientIDPrefix:       "beacon-",
			KeepAlive:            Duration(30 * time.Second),
			ConnectRetryInterval: Duration(5 * time.Second),
			PublishTimeout:       Duration(5 * time.Second),
			InboxSize:            64,
		},
		Timing: TimingBaseline(),
		Supervisor: SupervisorConfig{
			MaxRestarts: 10,
			Backoff:     Duration(5 * time.Second),
			StableAfter: Duration(time.Minute),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Audit: AuditConfig{
			Dir:        "/var/log/beaconnode",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 90,
		},
		Telemetry: TelemetryConfig{
			BufferSize:        256,
			ClientQueue:       64,
			HeartbeatInterval: Duration(15 * time.Second),
		},
	}
}

// Load resolves defaults, the optional file at path and BEACON_* overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile decodes path over cfg. Keys absent from the file keep their current value;
// unknown keys are an error.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.UnmarshalStrict(data, cfg)
	case ".toml":
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys %v", undecoded)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q (want .yaml, .yml or .toml)", ext)
	}
}

// applyEnvOverrides applies BEACON_* environment variables to cfg.
func applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		key   string
		apply func(string) error
	}{
		{"NODE_NAME", setString(&cfg.Node.Name)},
		{"RADIO", setString(&cfg.Node.Radio)},
		{"ADAPTER_ID", setString(&cfg.Node.AdapterID)},
		{"FAKE_ADDRESS", setString(&cfg.Node.FakeAddress)},

		{"MQTT_BROKER_URL", setString(&cfg.MQTT.BrokerURL)},
		{"MQTT_CLIENT_ID_PREFIX", setString(&cfg.MQTT.ClientIDPrefix)},
		{"MQTT_USERNAME", setString(&cfg.MQTT.Username)},
		{"MQTT_PASSWORD", setString(&cfg.MQTT.Password)},
		{"MQTT_KEEPALIVE", setDuration(&cfg.MQTT.KeepAlive)},
		{"MQTT_CONNECT_RETRY_INTERVAL", setDuration(&cfg.MQTT.ConnectRetryInterval)},
		{"MQTT_PUBLISH_TIMEOUT", setDuration(&cfg.MQTT.PublishTimeout)},
		{"MQTT_INBOX_SIZE", setInt(&cfg.MQTT.InboxSize)},

		{"COMMANDS_STRICT", setBool(&cfg.Commands.Strict)},

		{"TIMING_SETTLE_DELAY", setDuration(&cfg.Timing.SettleDelay)},
		{"TIMING_CAR_PACE", setDuration(&cfg.Timing.CarPace)},
		{"TIMING_IDLE_PACE", setDuration(&cfg.Timing.IdlePace)},
		{"TIMING_SCAN_WINDOW", setDuration(&cfg.Timing.ScanWindow)},
		{"TIMING_SCAN_MARGIN", setDuration(&cfg.Timing.ScanMargin)},
		{"TIMING_ANNOUNCE_DELAY", setDuration(&cfg.Timing.AnnounceDelay)},

		{"SUPERVISOR_MAX_RESTARTS", setInt(&cfg.Supervisor.MaxRestarts)},
		{"SUPERVISOR_BACKOFF", setDuration(&cfg.Supervisor.Backoff)},
		{"SUPERVISOR_STABLE_AFTER", setDuration(&cfg.Supervisor.StableAfter)},

		{"LOG_LEVEL", setString(&cfg.Log.Level)},
		{"LOG_CONSOLE", setBool(&cfg.Log.Console)},
		{"LOG_FILE", setString(&cfg.Log.File)},

		{"AUDIT_ENABLED", setBool(&cfg.Audit.Enabled)},
		{"AUDIT_DIR", setString(&cfg.Audit.Dir)},

		{"API_LISTEN", setString(&cfg.API.Listen)},
		{"API_JWT_SECRET", setString(&cfg.API.JWTSecret)},

		{"TELEMETRY_BUFFER_SIZE", setInt(&cfg.Telemetry.BufferSize)},
	}

	for _, o := range overrides {
		val, ok := os.LookupEnv(EnvPrefix + o.key)
		if !ok {
			continue
		}
		if err := o.apply(strings.TrimSpace(val)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, o.key, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func setDuration(dst *Duration) func(string) error {
	return func(v string) error {
		return dst.UnmarshalText([]byte(v))
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}
