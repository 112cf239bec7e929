// Package config holds runtime settings for the kinsync server and client
// components. Defaults are applied first, then overlaid from a YAML file if
// one is provided. Later sources take precedence over earlier ones.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
	Hub    HubConfig    `yaml:"hub"`
	Queue  QueueConfig  `yaml:"queue"`
	Sync   SyncConfig   `yaml:"sync"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures the websocket listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
	CertFile     string        `yaml:"cert_file"`
	KeyFile      string        `yaml:"key_file"`
}

// AuthConfig configures handshake token verification.
type AuthConfig struct {
	TokenSecret string `yaml:"token_secret"`
}

// HubConfig configures the coordination hub. LockTTL bounds every edit lock;
// holders that want to keep editing past the TTL re-issue edit-start.
type HubConfig struct {
	LockTTL       time.Duration `yaml:"lock_ttl"`
	SendQueueSize int           `yaml:"send_queue_size"`
}

// QueueConfig configures the durable local mutation queue.
type QueueConfig struct {
	DSN string `yaml:"dsn"`
}

// SyncConfig configures the sync driver.
type SyncConfig struct {
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
	MaxParallelChains int           `yaml:"max_parallel_chains"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Hub: HubConfig{
			LockTTL:       30 * time.Second,
			SendQueueSize: 256,
		},
		Queue: QueueConfig{
			DSN: "kinsync.db",
		},
		Sync: SyncConfig{
			AttemptTimeout:    10 * time.Second,
			MaxParallelChains: 4,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds a Config from defaults overlaid with the YAML file at path.
// An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
