package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/client"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/reconnect"
)

// DiscardLogger silences a component under test.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FastPolicy redials immediately with no jitter so recovery tests finish
// quickly. The generous attempt budget covers slow CI machines.
func FastPolicy() reconnect.Policy {
	return reconnect.Policy{Strategy: reconnect.StrategyImmediate, MaxAttempts: 50}
}

// NewIdleClient creates a client with test-friendly defaults without
// connecting it. Close is registered as a cleanup. Extra options are
// applied after the defaults and win.
func NewIdleClient(t *testing.T, urlStr string, opts ...client.Option) *client.Client {
	t.Helper()
	all := []client.Option{
		client.WithLogger(DiscardLogger()),
		client.WithReconnectPolicy(FastPolicy()),
		client.WithDialTimeout(2 * time.Second),
	}
	all = append(all, opts...)
	cli, err := client.New(urlStr, all...)
	if err != nil {
		t.Fatalf("client.New failed: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

// NewTestClient creates a client like NewIdleClient and connects it,
// failing the test if the dial does.
func NewTestClient(t *testing.T, urlStr string, opts ...client.Option) *client.Client {
	t.Helper()
	cli := NewIdleClient(t, urlStr, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("client.Connect failed: %v", err)
	}
	return cli
}
