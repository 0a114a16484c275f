package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// HomeDir returns the resolved relay home directory using a fallback chain:
//
//  1. the override argument (from --home or --data-dir), if non-empty
//  2. $MMRELAY_HOME environment variable
//  3. legacy $MMRELAY_BASE_DIR / $MMRELAY_DATA_DIR (deprecated, warned)
//  4. ~/.mmrelay
func HomeDir(override string) string {
	if trimmed := strings.TrimSpace(override); trimmed != "" {
		return trimmed
	}

	if envHome := strings.TrimSpace(os.Getenv("MMRELAY_HOME")); envHome != "" {
		return envHome
	}

	for _, legacy := range []string{"MMRELAY_BASE_DIR", "MMRELAY_DATA_DIR"} {
		if dir := strings.TrimSpace(os.Getenv(legacy)); dir != "" {
			log.Printf("[config] %s is deprecated, use MMRELAY_HOME", legacy)
			return dir
		}
	}

	return filepath.Join(homeDir(), ".mmrelay")
}

// Paths holds every filesystem location the relay uses, all rooted in one
// home directory.
type Paths struct {
	Home        string
	ConfigFile  string
	Credentials string
	Database    string
	MatrixStore string
	LogFile     string
	PluginsDir  string
}

func ResolvePaths(homeOverride string) Paths {
	home := HomeDir(homeOverride)
	return Paths{
		Home:        home,
		ConfigFile:  filepath.Join(home, "config.yaml"),
		Credentials: filepath.Join(home, "credentials.json"),
		Database:    filepath.Join(home, "database", "meshtastic.sqlite"),
		MatrixStore: filepath.Join(home, "matrix", "store"),
		LogFile:     filepath.Join(home, "logs", "mmrelay.log"),
		PluginsDir:  filepath.Join(home, "plugins"),
	}
}

// EnsureDir creates all parent directories for the given file path if they
// do not already exist.
func EnsureDir(filePath string) error {
	dir := filepath.Dir(filePath)
	return os.MkdirAll(dir, 0o700)
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}

	// fallback for unusual environments
	return "/tmp/mmrelay-" + strconv.Itoa(os.Getuid())
}
