package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
matrix:
  homeserver: https://example.org
  access_token: syt_secret
  bot_user_id: "@relay:example.org"
matrix_rooms:
  - id: "!abc:example.org"
    meshtastic_channel: 0
meshtastic:
  connection_type: tcp
  host: 192.168.1.20
  meshnet_name: M1
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Matrix.Homeserver != "https://example.org" {
		t.Errorf("unexpected homeserver %q", cfg.Matrix.Homeserver)
	}
	if len(cfg.MatrixRooms) != 1 || cfg.MatrixRooms[0].MeshtasticChannel != 0 {
		t.Errorf("unexpected rooms: %+v", cfg.MatrixRooms)
	}
	if cfg.Meshtastic.MeshnetName != "M1" {
		t.Errorf("unexpected meshnet %q", cfg.Meshtastic.MeshnetName)
	}
	if cfg.Meshtastic.MessageDelay != MinMessageDelay {
		t.Errorf("expected default message_delay %g, got %g", MinMessageDelay, cfg.Meshtastic.MessageDelay)
	}
	if cfg.Meshtastic.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout %g, got %g", DefaultTimeout, cfg.Meshtastic.Timeout)
	}
	if !cfg.Meshtastic.Broadcast() {
		t.Error("broadcast should default to enabled")
	}
	if !cfg.Database.Pool.PoolingEnabled() {
		t.Error("pooling should default to enabled")
	}
	if cfg.Database.Pool.MaxConnections != 10 {
		t.Errorf("expected default pool size 10, got %d", cfg.Database.Pool.MaxConnections)
	}
}

func TestLoadUnknownKeysTolerated(t *testing.T) {
	body := validConfig + `
some_future_section:
  whatever: true
`
	if _, err := Load(writeConfig(t, body)); err != nil {
		t.Fatalf("unknown keys should be tolerated: %v", err)
	}
}

func TestLoadNetworkAlias(t *testing.T) {
	body := strings.Replace(validConfig, "connection_type: tcp", "connection_type: network", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Meshtastic.ConnectionType != "tcp" {
		t.Errorf("network alias should map to tcp, got %q", cfg.Meshtastic.ConnectionType)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantSub string
	}{
		{
			"missing homeserver",
			func(cfg *Config) { cfg.Matrix.Homeserver = "" },
			"homeserver",
		},
		{
			"missing bot user",
			func(cfg *Config) { cfg.Matrix.BotUserID = "" },
			"bot_user_id",
		},
		{
			"no rooms",
			func(cfg *Config) { cfg.MatrixRooms = nil },
			"matrix_rooms",
		},
		{
			"bad room id",
			func(cfg *Config) { cfg.MatrixRooms[0].ID = "room:example.org" },
			"must start with",
		},
		{
			"channel too high",
			func(cfg *Config) { cfg.MatrixRooms[0].MeshtasticChannel = 8 },
			"out of range",
		},
		{
			"channel negative",
			func(cfg *Config) { cfg.MatrixRooms[0].MeshtasticChannel = -1 },
			"out of range",
		},
		{
			"duplicate route",
			func(cfg *Config) { cfg.MatrixRooms = append(cfg.MatrixRooms, cfg.MatrixRooms[0]) },
			"duplicate route",
		},
		{
			"missing serial port",
			func(cfg *Config) { cfg.Meshtastic.ConnectionType = "serial" },
			"serial_port",
		},
		{
			"missing host",
			func(cfg *Config) { cfg.Meshtastic.ConnectionType = "tcp"; cfg.Meshtastic.Host = "" },
			"host",
		},
		{
			"missing ble address",
			func(cfg *Config) { cfg.Meshtastic.ConnectionType = "ble" },
			"ble_address",
		},
		{
			"invalid connection type",
			func(cfg *Config) { cfg.Meshtastic.ConnectionType = "carrier-pigeon" },
			"invalid meshtastic.connection_type",
		},
		{
			"meshnet with slash",
			func(cfg *Config) { cfg.Meshtastic.MeshnetName = "mesh/one" },
			"meshnet_name",
		},
		{
			"meshnet with bracket",
			func(cfg *Config) { cfg.Meshtastic.MeshnetName = "mesh]one" },
			"meshnet_name",
		},
		{
			"bad log level",
			func(cfg *Config) { cfg.Logging.Level = "verbose" },
			"logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidateChannelBounds(t *testing.T) {
	for _, ch := range []int{0, 7} {
		cfg := baseConfig()
		cfg.MatrixRooms[0].MeshtasticChannel = ch
		if err := Validate(cfg); err != nil {
			t.Errorf("channel %d should be routable: %v", ch, err)
		}
	}
}

func baseConfig() Config {
	return Config{
		Matrix: MatrixConfig{
			Homeserver: "https://example.org",
			BotUserID:  "@relay:example.org",
		},
		MatrixRooms: []RoomRoute{{ID: "!abc:example.org", MeshtasticChannel: 0}},
		Meshtastic: MeshtasticConfig{
			ConnectionType: "tcp",
			Host:           "192.168.1.20",
			MeshnetName:    "M1",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func TestResolveCredential(t *testing.T) {
	t.Setenv("MMRELAY_TEST_TOKEN", "tok123")

	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{"literal", "syt_abc", "syt_abc", false},
		{"env", "$MMRELAY_TEST_TOKEN", "tok123", false},
		{"env braces", "${MMRELAY_TEST_TOKEN}", "tok123", false},
		{"empty", "  ", "", true},
		{"unset env", "$MMRELAY_DOES_NOT_EXIST", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveCredential(tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGenerateSampleThenCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := GenerateSample(path); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("generated config should validate: %v", err)
	}
	if err := GenerateSample(path); err == nil {
		t.Fatal("expected refusal to overwrite existing config")
	}
}

func TestHomeDirResolution(t *testing.T) {
	t.Setenv("MMRELAY_HOME", "")
	t.Setenv("MMRELAY_BASE_DIR", "")
	t.Setenv("MMRELAY_DATA_DIR", "")
	t.Setenv("HOME", "/home/test")

	if got := HomeDir("/opt/relay"); got != "/opt/relay" {
		t.Errorf("override should win, got %q", got)
	}

	t.Setenv("MMRELAY_HOME", "/srv/mmrelay")
	if got := HomeDir(""); got != "/srv/mmrelay" {
		t.Errorf("MMRELAY_HOME should win, got %q", got)
	}

	t.Setenv("MMRELAY_HOME", "")
	t.Setenv("MMRELAY_BASE_DIR", "/legacy/base")
	if got := HomeDir(""); got != "/legacy/base" {
		t.Errorf("legacy env should be honored, got %q", got)
	}

	t.Setenv("MMRELAY_BASE_DIR", "")
	if got := HomeDir(""); got != "/home/test/.mmrelay" {
		t.Errorf("platform default expected, got %q", got)
	}
}

func TestResolvePaths(t *testing.T) {
	t.Setenv("MMRELAY_HOME", "")
	t.Setenv("MMRELAY_BASE_DIR", "")
	t.Setenv("MMRELAY_DATA_DIR", "")

	paths := ResolvePaths("/data/relay")
	if paths.Database != "/data/relay/database/meshtastic.sqlite" {
		t.Errorf("unexpected db path %q", paths.Database)
	}
	if paths.Credentials != "/data/relay/credentials.json" {
		t.Errorf("unexpected credentials path %q", paths.Credentials)
	}
	if paths.MatrixStore != "/data/relay/matrix/store" {
		t.Errorf("unexpected store path %q", paths.MatrixStore)
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	creds := Credentials{
		Homeserver:  "https://example.org",
		UserID:      "@relay:example.org",
		AccessToken: "syt_secret",
		DeviceID:    "ABCDEFGH",
	}
	if err := SaveCredentials(path, creds); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadCredentials(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != creds {
		t.Errorf("round trip mismatch: %+v != %+v", loaded, creds)
	}
}

func TestLoadCredentialsMissing(t *testing.T) {
	_, err := LoadCredentials(filepath.Join(t.TempDir(), "nope.json"))
	if !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}
