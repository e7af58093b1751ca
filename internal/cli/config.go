package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/mesh-intelligence/docsync/internal/paths"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

// Config keys.
const (
	cfgKeyBackend    = "backend"
	cfgKeyDataDir    = "data_dir"
	cfgKeyAutoCreate = "auto_create"
	cfgKeyRemoteURL  = "remote_url"
	cfgKeyToken      = "token"
	cfgKeyLogLevel   = "log_level"
	cfgKeyLogFormat  = "log_format"
	cfgKeyListen     = "listen"
)

const defaultListen = ":8080"

// defaultConfigYAML is written to config.yaml on first run.
const defaultConfigYAML = `# docsync configuration

# memory, local or remote
backend: local

# Create documents on first open instead of failing with "not found".
auto_create: false

# Durable store of the local backend and of "docsync serve".
# data_dir:

# Relay used by the remote backend.
# remote_url: http://localhost:8080
# token:

# presence:
#   heartbeat_interval: 5s
#   stale_after: 15s

log_level: warn
log_format: text
`

// settings is everything the commands read from config.yaml.
type settings struct {
	types.Config `mapstructure:",squash"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	Listen    string `mapstructure:"listen"`
}

// loadConfig reads config.yaml from configDir, creating the directory and a
// default file on first run.
func loadConfig(configDir string) (settings, error) {
	var s settings
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return s, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(paths.ConfigFile(configDir)); err != nil {
		return s, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetDefault(cfgKeyBackend, types.BackendLocal)
	v.SetDefault(cfgKeyAutoCreate, false)
	v.SetDefault(cfgKeyLogLevel, "warn")
	v.SetDefault(cfgKeyLogFormat, "text")
	v.SetDefault(cfgKeyListen, defaultListen)
	v.SetConfigFile(paths.ConfigFile(configDir))
	v.SetEnvPrefix("DOCSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range []string{cfgKeyRemoteURL, cfgKeyToken} {
		_ = v.BindEnv(k)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return s, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(&s); err != nil {
		return s, fmt.Errorf("decode config: %w", err)
	}
	return s, nil
}

// ensureDefaultConfigFile writes defaultConfigYAML to path unless a file is
// already there.
func ensureDefaultConfigFile(path string) error {
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

// newLogger builds the slog handler named by format at level.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q (valid: text, json)", format)
}
