// Package paths resolves where docsync keeps its configuration and its
// SQLite data.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "docsync"

// ConfigFileName is the name of the configuration file inside the config
// directory.
const ConfigFileName = "config.yaml"

// DefaultDataDirName is the CWD-relative data directory used when nothing
// else names one.
const DefaultDataDirName = ".docsync-db"

// Environment overrides.
const (
	EnvConfigDir = "DOCSYNC_CONFIG_DIR"
	EnvDataDir   = "DOCSYNC_DATA_DIR"
)

// platformDir can be swapped in tests.
var platformDir = struct {
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
}{
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
}

// xdgDir returns $xdgVar/docsync on Linux, falling back to ~/fallback/docsync,
// and os.UserConfigDir()/docsync elsewhere.
func xdgDir(xdgVar string, fallback ...string) (string, error) {
	if runtime.GOOS != "linux" {
		dir, err := platformDir.userConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, appName), nil
	}
	if xdg := os.Getenv(xdgVar); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := platformDir.homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(append(append([]string{home}, fallback...), appName)...), nil
}

// DefaultConfigDir returns the platform configuration directory:
// $XDG_CONFIG_HOME/docsync or ~/.config/docsync on Linux, the user config
// dir elsewhere.
func DefaultConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir returns the platform data directory:
// $XDG_DATA_HOME/docsync or ~/.local/share/docsync on Linux, the user config
// dir elsewhere.
func DefaultDataDir() (string, error) {
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

// firstAbs returns the first non-empty candidate as an absolute path.
func firstAbs(candidates ...string) (string, bool, error) {
	for _, c := range candidates {
		if c != "" {
			abs, err := filepath.Abs(c)
			return abs, true, err
		}
	}
	return "", false, nil
}

// ResolveConfigDir applies flag > DOCSYNC_CONFIG_DIR > DefaultConfigDir.
func ResolveConfigDir(flag string) (string, error) {
	if dir, ok, err := firstAbs(flag, os.Getenv(EnvConfigDir)); ok {
		return dir, err
	}
	return DefaultConfigDir()
}

// ResolveDataDir applies flag > config file value > DOCSYNC_DATA_DIR >
// $(CWD)/.docsync-db.
func ResolveDataDir(flag, configValue string) (string, error) {
	if dir, ok, err := firstAbs(flag, configValue, os.Getenv(EnvDataDir)); ok {
		return dir, err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, DefaultDataDirName), nil
}

// ConfigFile returns the configuration file path inside dir.
func ConfigFile(dir string) string {
	return filepath.Join(dir, ConfigFileName)
}
