package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/wire"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	yaml := `
server:
  addr: ":9090"
  allowed_origins:
    - "app.example.com"
hub:
  ping_interval: 10s
  send_buffer: 64
bridge:
  broadcast: user
  metrics_interval: 5s
nats:
  enabled: true
  url: nats://nats.internal:4222
log:
  level: debug
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "app.example.com" {
		t.Errorf("Server.AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Hub.PingInterval != 10*time.Second {
		t.Errorf("Hub.PingInterval = %v, want 10s", cfg.Hub.PingInterval)
	}
	if cfg.Bridge.Broadcast != wire.PolicyUser {
		t.Errorf("Bridge.Broadcast = %q, want user", cfg.Bridge.Broadcast)
	}
	if !cfg.NATS.Enabled || cfg.NATS.URL != "nats://nats.internal:4222" {
		t.Errorf("NATS = %+v", cfg.NATS)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_NATS_URL", "nats://secret.host:4222")

	yaml := `
nats:
  enabled: true
  url: ${TEST_NATS_URL}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.NATS.URL != "nats://secret.host:4222" {
		t.Errorf("NATS.URL = %q, want substituted value", cfg.NATS.URL)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	path := writeTempFile(t, "log:\n  level: warn\n")

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Server.Addr != DefaultAddr {
		t.Errorf("Server.Addr = %q, want default %q", cfg.Server.Addr, DefaultAddr)
	}
	if cfg.Hub.PingInterval != DefaultPingInterval {
		t.Errorf("Hub.PingInterval = %v, want default %v", cfg.Hub.PingInterval, DefaultPingInterval)
	}
	if cfg.Hub.SendBuffer != DefaultSendBuffer {
		t.Errorf("Hub.SendBuffer = %d, want default %d", cfg.Hub.SendBuffer, DefaultSendBuffer)
	}
	if cfg.Bridge.Broadcast != wire.PolicyAuto {
		t.Errorf("Bridge.Broadcast = %q, want auto", cfg.Bridge.Broadcast)
	}
	if cfg.Bridge.MetricsInterval != DefaultMetricsInterval {
		t.Errorf("Bridge.MetricsInterval = %v, want default", cfg.Bridge.MetricsInterval)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, explicit value overridden", cfg.Log.Level)
	}
}

func TestLoadAndValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad broadcast policy",
			yaml: "bridge:\n  broadcast: everyone\n",
			want: "bridge.broadcast",
		},
		{
			name: "negative metrics interval",
			yaml: "bridge:\n  metrics_interval: -5s\n",
			want: "bridge.metrics_interval",
		},
		{
			name: "bad log level",
			yaml: "log:\n  level: loud\n",
			want: "log.level",
		},
		{
			name: "negative send buffer",
			yaml: "hub:\n  send_buffer: -1\n",
			want: "hub.send_buffer",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempFile(t, tc.yaml)
			_, err := LoadAndValidate(path)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	lc := LogConfig{Level: "debug"}
	lvl, err := lc.SlogLevel()
	if err != nil {
		t.Fatalf("SlogLevel: %v", err)
	}
	if lvl != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lvl)
	}

	if _, err := (LogConfig{Level: "shout"}).SlogLevel(); err == nil {
		t.Fatal("invalid level accepted")
	}
}
