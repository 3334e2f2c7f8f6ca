package config

import (
	"time"

	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/wire"
)

// Default values for optional configuration fields.
const (
	DefaultAddr            = ":8080"
	DefaultPingInterval    = 30 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultSendBuffer      = 16
	DefaultMetricsInterval = 30 * time.Second
	DefaultNATSURL         = "nats://127.0.0.1:4222"
	DefaultSubjectPrefix   = "lptracker.relay"
	DefaultLogLevel        = "info"
)

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}

	if c.Hub.PingInterval == 0 {
		c.Hub.PingInterval = DefaultPingInterval
	}
	if c.Hub.WriteTimeout == 0 {
		c.Hub.WriteTimeout = DefaultWriteTimeout
	}
	if c.Hub.SendBuffer == 0 {
		c.Hub.SendBuffer = DefaultSendBuffer
	}

	if c.Bridge.Broadcast == "" {
		c.Bridge.Broadcast = wire.PolicyAuto
	}
	if c.Bridge.MetricsInterval == 0 {
		c.Bridge.MetricsInterval = DefaultMetricsInterval
	}

	if c.NATS.URL == "" {
		c.NATS.URL = DefaultNATSURL
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = DefaultSubjectPrefix
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}
