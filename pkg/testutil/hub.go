package testutil

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/hub"
)

// StartHub runs a hub behind an httptest server and returns it with its
// ws:// URL. Shutdown and server close are registered as test cleanups.
func StartHub(t *testing.T, opts ...hub.Option) (*hub.Hub, string) {
	t.Helper()
	h, err := hub.New(opts...)
	if err != nil {
		t.Fatalf("hub.New failed: %v", err)
	}
	srv := httptest.NewServer(h.UpgradeHandler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}
