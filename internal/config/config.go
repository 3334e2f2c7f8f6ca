// Package config loads and watches the server's YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/wire"
)

// Config is the root configuration for a server instance.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Hub    HubConfig    `yaml:"hub"`
	Bridge BridgeConfig `yaml:"bridge"`
	NATS   NATSConfig   `yaml:"nats"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// HubConfig holds per-connection WebSocket settings.
type HubConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SendBuffer   int           `yaml:"send_buffer"`
}

// BridgeConfig holds job-event delivery settings. Broadcast and
// MetricsInterval are applied live on config reload.
type BridgeConfig struct {
	Broadcast       wire.BroadcastPolicy `yaml:"broadcast"`
	MetricsInterval time.Duration        `yaml:"metrics_interval"`
}

// NATSConfig holds cross-node relay settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel converts the configured level name to a slog.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return lvl, nil
}
