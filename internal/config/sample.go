package config

import (
	"fmt"
	"os"
)

// SampleConfig is written by "mmrelay generate-config". It is a complete,
// commented starting point that passes check-config as-is; the placeholder
// credentials still need filling in before the relay can log in.
const SampleConfig = `# mmrelay configuration
# See https://github.com/mmrelay/mmrelay for documentation.

matrix:
  homeserver: https://example.org
  # Either set access_token here or run "mmrelay auth" to create
  # credentials.json (required for E2EE).
  access_token: REPLACE_ME
  bot_user_id: "@mmrelay:example.org"
  e2ee:
    enabled: false

matrix_rooms:
  - id: "!roomid:example.org"
    meshtastic_channel: 0

meshtastic:
  connection_type: serial   # serial, tcp, or ble
  serial_port: /dev/ttyUSB0
  # host: 192.168.1.20      # for tcp
  # ble_address: AA:BB:CC:DD:EE:FF
  broadcast_enabled: true
  detection_sensor: false
  message_delay: 2.1        # seconds between mesh sends, minimum 2.1
  meshnet_name: default

database:
  msg_map:
    wipe_on_restart: false
    # msgs_to_keep: 500

plugins:
  ping:
    active: true
  help:
    active: true

logging:
  level: info
`

// GenerateSample writes the sample config to path, refusing to overwrite an
// existing file.
func GenerateSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing config at %s", path)
	}

	if err := EnsureDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if err := os.WriteFile(path, []byte(SampleConfig), 0o600); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}

	return nil
}
