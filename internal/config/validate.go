package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}

	if c.Hub.WriteTimeout <= 0 {
		return errors.New("hub.write_timeout must be positive")
	}
	if c.Hub.SendBuffer < 1 {
		return errors.New("hub.send_buffer must be >= 1")
	}

	if !c.Bridge.Broadcast.Valid() {
		return fmt.Errorf("bridge.broadcast must be one of auto, user, wallet, global, got %q", c.Bridge.Broadcast)
	}
	if c.Bridge.MetricsInterval <= 0 {
		return errors.New("bridge.metrics_interval must be positive")
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats.enabled is true")
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}

	return nil
}
