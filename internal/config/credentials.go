package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Credentials is the on-disk credentials.json written by "mmrelay auth".
// Its presence (with a device ID) is what enables the E2EE bootstrap.
type Credentials struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// LoadCredentials reads credentials.json. A missing file is reported with
// os.ErrNotExist so callers can fall back to the config access_token.
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, err
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials: %w", err)
	}

	if err := creds.Validate(); err != nil {
		return Credentials{}, err
	}

	return creds, nil
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Homeserver) == "" {
		return errors.New("credentials missing homeserver")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("credentials missing user_id")
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return errors.New("credentials missing access_token")
	}
	return nil
}

// SaveCredentials writes credentials.json with owner-only permissions.
func SaveCredentials(path string, creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	if err := EnsureDir(path); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}

	return nil
}
