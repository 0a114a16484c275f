package config

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// MinMessageDelay is the firmware-imposed floor for the inter-send
	// delay on the mesh side. Configured values below it are clamped at
	// the send queue.
	MinMessageDelay = 2.1

	// DefaultTimeout is the radio open timeout in seconds.
	DefaultTimeout = 60.0

	defaultMeshnetName = "default"
	defaultPoolSize    = 10
	defaultPoolIdle    = 300
	defaultPoolTimeout = 30
)

type Config struct {
	Matrix      MatrixConfig     `yaml:"matrix"`
	MatrixRooms []RoomRoute      `yaml:"matrix_rooms"`
	Meshtastic  MeshtasticConfig `yaml:"meshtastic"`
	Database    DatabaseConfig   `yaml:"database"`
	Plugins     PluginMap        `yaml:"plugins"`
	Logging     LoggingConfig    `yaml:"logging"`
}

type MatrixConfig struct {
	Homeserver  string     `yaml:"homeserver"`
	AccessToken string     `yaml:"access_token"`
	BotUserID   string     `yaml:"bot_user_id"`
	E2EE        E2EEConfig `yaml:"e2ee"`
}

type E2EEConfig struct {
	Enabled   bool   `yaml:"enabled"`
	StorePath string `yaml:"store_path"`
}

// RoomRoute binds one Matrix room to one mesh channel. A room may appear
// multiple times with distinct channels, and a channel may appear multiple
// times with distinct rooms.
type RoomRoute struct {
	ID                string `yaml:"id"`
	MeshtasticChannel int    `yaml:"meshtastic_channel"`

	// Filter is an optional expr-lang expression over
	// {text, sender, channel, dm}. When it evaluates false the route is
	// skipped for that message.
	Filter string `yaml:"filter"`
}

type MeshtasticConfig struct {
	ConnectionType   string  `yaml:"connection_type"`
	SerialPort       string  `yaml:"serial_port"`
	Host             string  `yaml:"host"`
	BLEAddress       string  `yaml:"ble_address"`
	BroadcastEnabled *bool   `yaml:"broadcast_enabled"`
	DetectionSensor  bool    `yaml:"detection_sensor"`
	MessageDelay     float64 `yaml:"message_delay"`
	MeshnetName      string  `yaml:"meshnet_name"`
	Timeout          float64 `yaml:"timeout"`
}

// Broadcast reports whether Matrix→mesh text forwarding is enabled.
// Defaults to true when the key is absent.
func (m MeshtasticConfig) Broadcast() bool {
	return m.BroadcastEnabled == nil || *m.BroadcastEnabled
}

type DatabaseConfig struct {
	MsgMap MsgMapConfig `yaml:"msg_map"`
	Pool   PoolConfig   `yaml:"pool"`
}

type MsgMapConfig struct {
	WipeOnRestart bool `yaml:"wipe_on_restart"`
	MsgsToKeep    int  `yaml:"msgs_to_keep"`
}

type PoolConfig struct {
	Enabled        *bool `yaml:"enabled"`
	MaxConnections int   `yaml:"max_connections"`
	MaxIdleTime    int   `yaml:"max_idle_time"`
	Timeout        int   `yaml:"timeout"`
}

// PoolingEnabled defaults to true when the key is absent.
func (p PoolConfig) PoolingEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

type PluginMap map[string]PluginSettings

type PluginSettings struct {
	Active   bool           `yaml:"active"`
	Channels []int          `yaml:"channels"`
	Extra    map[string]any `yaml:",inline"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ResolveCredential resolves a config credential value. Values beginning
// with "$" are treated as environment variable references (e.g.
// "$MMRELAY_TOKEN" or "${MMRELAY_TOKEN}").
func ResolveCredential(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", errors.New("credential value cannot be empty")
	}

	if strings.HasPrefix(trimmed, "$") {
		envName := strings.TrimPrefix(trimmed, "$")
		envName = strings.TrimPrefix(envName, "{")
		envName = strings.TrimSuffix(envName, "}")
		envName = strings.TrimSpace(envName)
		if envName == "" {
			return "", errors.New("credential env reference is invalid")
		}

		resolved := strings.TrimSpace(os.Getenv(envName))
		if resolved == "" {
			return "", fmt.Errorf("environment variable %q is not set", envName)
		}

		return resolved, nil
	}

	return trimmed, nil
}

// Load reads, decodes, and validates a relay config. Unknown keys are
// tolerated so newer configs keep working on older binaries; deprecated
// keys are rewritten with a warning.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}

	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Meshtastic.MeshnetName) == "" {
		cfg.Meshtastic.MeshnetName = defaultMeshnetName
	}

	if cfg.Meshtastic.MessageDelay == 0 {
		cfg.Meshtastic.MessageDelay = MinMessageDelay
	}

	if cfg.Meshtastic.Timeout <= 0 {
		if cfg.Meshtastic.Timeout < 0 {
			log.Printf("[config] meshtastic.timeout must be > 0, using default %gs", DefaultTimeout)
		}
		cfg.Meshtastic.Timeout = DefaultTimeout
	}

	if cfg.Database.Pool.MaxConnections <= 0 {
		cfg.Database.Pool.MaxConnections = defaultPoolSize
	}
	if cfg.Database.Pool.MaxIdleTime <= 0 {
		cfg.Database.Pool.MaxIdleTime = defaultPoolIdle
	}
	if cfg.Database.Pool.Timeout <= 0 {
		cfg.Database.Pool.Timeout = defaultPoolTimeout
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	// "network" is a deprecated alias for "tcp".
	if cfg.Meshtastic.ConnectionType == "network" {
		log.Printf("[config] connection_type \"network\" is deprecated, use \"tcp\"")
		cfg.Meshtastic.ConnectionType = "tcp"
	}
}

// Validate checks the config invariants that are fatal at startup.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Matrix.Homeserver) == "" {
		return errors.New("matrix.homeserver is required")
	}
	if strings.TrimSpace(cfg.Matrix.BotUserID) == "" {
		return errors.New("matrix.bot_user_id is required")
	}

	if len(cfg.MatrixRooms) == 0 {
		return errors.New("config must include at least one matrix_rooms entry")
	}

	seenRoutes := map[string]struct{}{}
	for _, route := range cfg.MatrixRooms {
		id := strings.TrimSpace(route.ID)
		if id == "" {
			return errors.New("matrix_rooms entry requires id")
		}
		if !strings.HasPrefix(id, "!") && !strings.HasPrefix(id, "#") {
			return fmt.Errorf("room id %q must start with \"!\" or \"#\"", id)
		}
		if !strings.Contains(id, ":") {
			return fmt.Errorf("room id %q must include a server part", id)
		}
		if route.MeshtasticChannel < 0 || route.MeshtasticChannel > 7 {
			return fmt.Errorf("room %q: meshtastic_channel %d out of range 0-7", id, route.MeshtasticChannel)
		}

		key := fmt.Sprintf("%s/%d", id, route.MeshtasticChannel)
		if _, exists := seenRoutes[key]; exists {
			return fmt.Errorf("duplicate route: room %q on channel %d", id, route.MeshtasticChannel)
		}
		seenRoutes[key] = struct{}{}
	}

	switch cfg.Meshtastic.ConnectionType {
	case "serial":
		if strings.TrimSpace(cfg.Meshtastic.SerialPort) == "" {
			return errors.New("meshtastic.serial_port is required for connection_type serial")
		}
	case "tcp":
		if strings.TrimSpace(cfg.Meshtastic.Host) == "" {
			return errors.New("meshtastic.host is required for connection_type tcp")
		}
	case "ble":
		if strings.TrimSpace(cfg.Meshtastic.BLEAddress) == "" {
			return errors.New("meshtastic.ble_address is required for connection_type ble")
		}
	case "":
		return errors.New("meshtastic.connection_type is required")
	default:
		return fmt.Errorf("invalid meshtastic.connection_type %q (expected serial, tcp, or ble)", cfg.Meshtastic.ConnectionType)
	}

	// The meshnet tag is embedded in the "[name/meshnet]: " attribution
	// prefix; a "/" or "]" inside it makes the prefix ambiguous.
	if strings.ContainsAny(cfg.Meshtastic.MeshnetName, "/]") {
		return fmt.Errorf("meshnet_name %q must not contain \"/\" or \"]\"", cfg.Meshtastic.MeshnetName)
	}

	if cfg.Meshtastic.MessageDelay < 0 {
		return fmt.Errorf("meshtastic.message_delay must be >= 0, got %g", cfg.Meshtastic.MessageDelay)
	}

	switch cfg.Logging.Level {
	case "error", "warning", "info", "debug":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}

	return nil
}
