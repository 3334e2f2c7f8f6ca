package reconnect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeDialer counts calls and fails the first failFirst of them, or all of
// them when forever is set.
type fakeDialer struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	forever   bool
	panics    bool
}

func (f *fakeDialer) dial(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	forever, failFirst, panics := f.forever, f.failFirst, f.panics
	f.mu.Unlock()
	if panics {
		panic("socket exploded")
	}
	if forever || n <= failFirst {
		return errors.New("dial refused")
	}
	return nil
}

func (f *fakeDialer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeDialer) succeedFromNow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forever = false
	f.panics = false
	f.failFirst = f.calls
}

func TestEngineRecoversAfterFailures(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{failFirst: 2}
	e := New(d.dial, WithLogger(testLogger()), WithPolicy(Policy{Strategy: StrategyImmediate}))
	defer e.Close()

	e.HandleConnectionLost("read error")
	waitFor(t, "engine to go idle", 2*time.Second, func() bool { return !e.State().IsReconnecting })

	if got := d.count(); got != 3 {
		t.Errorf("dial count = %d, want 3", got)
	}
	st := e.State()
	if st.AttemptsMade != 0 {
		t.Errorf("AttemptsMade = %d, want 0 after recovery", st.AttemptsMade)
	}
	if st.TotalDowntime <= 0 {
		t.Error("TotalDowntime should be positive after an outage")
	}
	stats := e.Stats()
	if stats.Successes != 1 || stats.Failures != 2 {
		t.Errorf("stats = %d successes / %d failures, want 1/2", stats.Successes, stats.Failures)
	}
	if stats.SuccessRate <= 0.32 || stats.SuccessRate >= 0.35 {
		t.Errorf("SuccessRate = %v, want ~1/3", stats.SuccessRate)
	}
}

func TestLossWhileRecoveringKeepsOneTimer(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{forever: true}
	e := New(d.dial, WithLogger(testLogger()),
		WithPolicy(Policy{Strategy: StrategyFixed, InitialDelay: 60 * time.Millisecond, MaxAttempts: 1}))
	defer e.Close()

	e.HandleConnectionLost("first")
	next1 := e.State().NextAttemptAt
	if next1.IsZero() {
		t.Fatal("expected a scheduled attempt")
	}
	e.HandleConnectionLost("second")
	if next2 := e.State().NextAttemptAt; !next2.Equal(next1) {
		t.Errorf("second loss rescheduled the timer: %v vs %v", next2, next1)
	}

	waitFor(t, "the single attempt", 2*time.Second, func() bool { return d.count() == 1 })
	time.Sleep(120 * time.Millisecond)
	if got := d.count(); got != 1 {
		t.Errorf("dial count = %d, want exactly 1", got)
	}
}

func TestEngineGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{forever: true}
	gaveUp := make(chan struct{})
	e := New(d.dial, WithLogger(testLogger()),
		WithPolicy(Policy{Strategy: StrategyImmediate, MaxAttempts: 3}),
		WithOnGiveUp(func() { close(gaveUp) }))
	defer e.Close()

	e.HandleConnectionLost("gone")
	select {
	case <-gaveUp:
	case <-time.After(2 * time.Second):
		t.Fatal("give-up callback never fired")
	}

	st := e.State()
	if !st.IsReconnecting {
		t.Error("engine should still report reconnecting after giving up")
	}
	if st.AttemptsMade != 3 {
		t.Errorf("AttemptsMade = %d, want 3", st.AttemptsMade)
	}
	if !st.NextAttemptAt.IsZero() {
		t.Errorf("nothing should be scheduled after giving up, got %v", st.NextAttemptAt)
	}
	time.Sleep(60 * time.Millisecond)
	if got := d.count(); got != 3 {
		t.Errorf("dial count = %d, want 3", got)
	}

	// Only a forced reconnect resumes from the exhausted state.
	d.succeedFromNow()
	e.ForceReconnect()
	waitFor(t, "forced recovery", 2*time.Second, func() bool { return !e.State().IsReconnecting })
	if got := e.State().AttemptsMade; got != 0 {
		t.Errorf("AttemptsMade = %d, want 0 after forced recovery", got)
	}
}

func TestRestoredCancelsPendingAttempt(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{forever: true}
	e := New(d.dial, WithLogger(testLogger()),
		WithPolicy(Policy{Strategy: StrategyFixed, InitialDelay: time.Minute}))
	defer e.Close()

	e.HandleConnectionLost("blip")
	if e.State().NextAttemptAt.IsZero() {
		t.Fatal("expected a scheduled attempt")
	}
	e.HandleConnectionRestored()

	st := e.State()
	if st.IsReconnecting {
		t.Error("engine should be idle after restore")
	}
	if !st.NextAttemptAt.IsZero() {
		t.Errorf("restore should cancel the schedule, got %v", st.NextAttemptAt)
	}
	if got := d.count(); got != 0 {
		t.Errorf("dial count = %d, want 0", got)
	}
}

func TestDialPanicCountsAsFailure(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{panics: true}
	e := New(d.dial, WithLogger(testLogger()),
		WithPolicy(Policy{Strategy: StrategyImmediate, MaxAttempts: 1}))
	defer e.Close()

	e.HandleConnectionLost("x")
	waitFor(t, "panicking attempt to be recorded", 2*time.Second, func() bool { return e.Stats().Failures == 1 })

	atts := e.RecentAttempts(1)
	if len(atts) != 1 || atts[0].Success {
		t.Fatalf("unexpected attempt record: %+v", atts)
	}
	if !strings.Contains(atts[0].Err, "panicked") {
		t.Errorf("Err = %q, want panic marker", atts[0].Err)
	}
	if !e.State().IsReconnecting {
		t.Error("engine should remain in recovery after a panicking dial")
	}
}

func TestCloseCancelsSchedule(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{forever: true}
	e := New(d.dial, WithLogger(testLogger()),
		WithPolicy(Policy{Strategy: StrategyFixed, InitialDelay: 40 * time.Millisecond}))

	e.HandleConnectionLost("x")
	e.Close()
	time.Sleep(120 * time.Millisecond)
	if got := d.count(); got != 0 {
		t.Errorf("dial count = %d, want 0 after Close", got)
	}

	e.ForceReconnect()
	time.Sleep(60 * time.Millisecond)
	if got := d.count(); got != 0 {
		t.Errorf("closed engine dialed anyway: %d calls", got)
	}
}

func TestRecentAttemptsChronological(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{forever: true}
	e := New(d.dial, WithLogger(testLogger()),
		WithPolicy(Policy{Strategy: StrategyImmediate, MaxAttempts: 4}))
	defer e.Close()

	e.HandleConnectionLost("x")
	waitFor(t, "four failures", 2*time.Second, func() bool { return e.Stats().Failures == 4 })

	all := e.RecentAttempts(0)
	if len(all) != 4 {
		t.Fatalf("RecentAttempts(0) len = %d, want 4", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].At.Before(all[i-1].At) {
			t.Errorf("attempts out of order at %d: %v before %v", i, all[i].At, all[i-1].At)
		}
	}
	if got := e.RecentAttempts(2); len(got) != 2 {
		t.Errorf("RecentAttempts(2) len = %d, want 2", len(got))
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	t.Parallel()

	r := newRing(3)
	for i := 0; i < 5; i++ {
		r.add(Attempt{Delay: time.Duration(i)})
	}
	got := r.list()
	if len(got) != 3 {
		t.Fatalf("ring len = %d, want 3", len(got))
	}
	for i, want := range []time.Duration{2, 3, 4} {
		if got[i].Delay != want {
			t.Errorf("ring[%d].Delay = %d, want %d", i, got[i].Delay, want)
		}
	}
}

func TestDowntimeUsesClock(t *testing.T) {
	base := time.Unix(1700000000, 0)
	cur := base
	old := timeNow
	timeNow = func() time.Time { return cur }
	defer func() { timeNow = old }()

	e := New(func(ctx context.Context) error { return nil },
		WithLogger(testLogger()),
		WithPolicy(Policy{Strategy: StrategyFixed, InitialDelay: time.Hour}))
	defer e.Close()

	e.HandleConnectionLost("x")
	cur = base.Add(7 * time.Second)
	e.HandleConnectionRestored()

	if got := e.State().TotalDowntime; got != 7*time.Second {
		t.Errorf("TotalDowntime = %v, want 7s", got)
	}
}
