package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string    `toml:"default_session"`
	TransportURL   string    `toml:"transport_url"`
	Sync           Sync      `toml:"sync"`
	Reconnect      Reconnect `toml:"reconnect"`
}

// Sync holds subscription timing settings.
type Sync struct {
	// SnapshotTimeoutMS bounds the wait for a subscription's first snapshot.
	SnapshotTimeoutMS int `toml:"snapshot_timeout_ms"`
}

// Reconnect holds transport reconnection and write-retry backoff settings.
type Reconnect struct {
	InitialDelayMS int `toml:"initial_delay_ms"`
	MaxDelayMS     int `toml:"max_delay_ms"`
	MaxAttempts    int `toml:"max_attempts"`
}

// Default returns a config with all settings at their defaults.
func Default() *Config {
	return &Config{
		TransportURL: "ws://localhost:8870/rt",
		Sync: Sync{
			SnapshotTimeoutMS: 10000,
		},
		Reconnect: Reconnect{
			InitialDelayMS: 500,
			MaxDelayMS:     30000,
			MaxAttempts:    8,
		},
	}
}

// Load reads config from the given path. Missing file yields defaults;
// settings absent from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) fillDefaults() {
	def := Default()
	if c.TransportURL == "" {
		c.TransportURL = def.TransportURL
	}
	if c.Sync.SnapshotTimeoutMS <= 0 {
		c.Sync.SnapshotTimeoutMS = def.Sync.SnapshotTimeoutMS
	}
	if c.Reconnect.InitialDelayMS <= 0 {
		c.Reconnect.InitialDelayMS = def.Reconnect.InitialDelayMS
	}
	if c.Reconnect.MaxDelayMS <= 0 {
		c.Reconnect.MaxDelayMS = def.Reconnect.MaxDelayMS
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
}

// SnapshotTimeout returns the first-snapshot timeout as a duration.
func (s Sync) SnapshotTimeout() time.Duration {
	return time.Duration(s.SnapshotTimeoutMS) * time.Millisecond
}

// InitialDelay returns the first backoff delay as a duration.
func (r Reconnect) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

// MaxDelay returns the backoff delay cap as a duration.
func (r Reconnect) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// DelayFor returns the exponential backoff delay for a zero-based attempt,
// capped at MaxDelay.
func (r Reconnect) DelayFor(attempt int) time.Duration {
	d := r.InitialDelay()
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= r.MaxDelay() {
			return r.MaxDelay()
		}
	}
	if d > r.MaxDelay() {
		return r.MaxDelay()
	}
	return d
}
