// Package testutil provides polling helpers shared by the realtime
// pipeline's integration tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/hub"
)

// WaitFor polls condition until it is true or the timeout expires.
func WaitFor(t *testing.T, description string, timeout time.Duration, condition func() bool) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("condition %q not met within %v", description, timeout)
}

// MustWait is WaitFor but fails the test on timeout.
func MustWait(t *testing.T, description string, timeout time.Duration, condition func() bool) {
	t.Helper()
	if err := WaitFor(t, description, timeout, condition); err != nil {
		t.Fatal(err)
	}
}

// WaitForConns waits until the hub holds exactly want connections.
func WaitForConns(t *testing.T, h *hub.Hub, want int, timeout time.Duration) error {
	t.Helper()
	return WaitFor(t, fmt.Sprintf("%d hub connections", want), timeout, func() bool {
		return h.ConnectionCount() == want
	})
}

// WaitForUser waits until at least one connection is bound to userID.
func WaitForUser(t *testing.T, h *hub.Hub, userID string, timeout time.Duration) error {
	t.Helper()
	return WaitFor(t, fmt.Sprintf("user %s bound", userID), timeout, func() bool {
		return h.UserConnectionCount(userID) > 0
	})
}
