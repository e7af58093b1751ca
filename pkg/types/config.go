package types

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Supported backend names.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Presence defaults.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultStaleAfter        = 15 * time.Second
)

// Config validation errors.
var (
	ErrBackendEmpty     = errors.New("backend must not be empty")
	ErrBackendUnknown   = errors.New("unknown backend")
	ErrRemoteURLMissing = errors.New("remote backend requires remote_url")
)

// knownBackends lists the backends that Validate accepts.
var knownBackends = map[string]bool{
	BackendMemory: true,
	BackendLocal:  true,
	BackendRemote: true,
}

// Config selects a DocumentService variant and its parameters.
type Config struct {
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"`

	// DataDir holds the durable store of the local backend.
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`

	// AutoCreate makes a missing document spring into existence with empty
	// metadata when it is first subscribed. When false, loading a missing
	// document ends in ERROR with ErrNotFound.
	AutoCreate bool `json:"auto_create" yaml:"auto_create" mapstructure:"auto_create"`

	// RemoteURL is the base URL of the relay server used by the remote backend.
	RemoteURL string `json:"remote_url" yaml:"remote_url" mapstructure:"remote_url"`

	// Token is passed as a bearer token to the relay server.
	Token string `json:"token" yaml:"token" mapstructure:"token"`

	Presence PresenceConfig `json:"presence" yaml:"presence" mapstructure:"presence"`
}

// PresenceConfig tunes heartbeat-based liveness detection.
type PresenceConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	StaleAfter        time.Duration `json:"stale_after" yaml:"stale_after" mapstructure:"stale_after"`
}

// WithDefaults returns a copy of c with zero presence durations replaced by
// the package defaults.
func (c PresenceConfig) WithDefaults() PresenceConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	return c
}

// Validate checks the presence timing. Zero values are accepted and mean
// "use the default".
func (c PresenceConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.HeartbeatInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.StaleAfter, validation.Min(time.Duration(0))),
	)
}

// Validate checks that the Config is well-formed. Backend selection problems
// return a sentinel error from this package.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if c.Backend == BackendRemote && c.RemoteURL == "" {
		return ErrRemoteURLMissing
	}
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.RemoteURL, validation.When(c.Backend == BackendRemote, validation.Required)),
	); err != nil {
		return err
	}
	return c.Presence.Validate()
}
