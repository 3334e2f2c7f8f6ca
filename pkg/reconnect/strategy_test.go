package reconnect

import (
	"testing"
	"time"
)

func TestExponentialDelaySequence(t *testing.T) {
	t.Parallel()

	p := Policy{
		Strategy:     StrategyExponential,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := p.BaseDelay(i + 1); got != w {
			t.Errorf("attempt %d: BaseDelay = %v, want %v", i+1, got, w)
		}
	}
}

func TestLinearDelayCapped(t *testing.T) {
	t.Parallel()

	p := Policy{
		Strategy:     StrategyLinear,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     1200 * time.Millisecond,
	}
	want := []time.Duration{
		500 * time.Millisecond,
		1000 * time.Millisecond,
		1200 * time.Millisecond,
		1200 * time.Millisecond,
	}
	for i, w := range want {
		if got := p.BaseDelay(i + 1); got != w {
			t.Errorf("attempt %d: BaseDelay = %v, want %v", i+1, got, w)
		}
	}
}

func TestFixedAndImmediateDelays(t *testing.T) {
	t.Parallel()

	fixed := Policy{Strategy: StrategyFixed, InitialDelay: 2 * time.Second, MaxDelay: time.Minute}
	immediate := Policy{Strategy: StrategyImmediate, InitialDelay: 2 * time.Second}
	for attempt := 1; attempt <= 5; attempt++ {
		if got := fixed.BaseDelay(attempt); got != 2*time.Second {
			t.Errorf("fixed attempt %d: BaseDelay = %v, want 2s", attempt, got)
		}
		if got := immediate.BaseDelay(attempt); got != 0 {
			t.Errorf("immediate attempt %d: BaseDelay = %v, want 0", attempt, got)
		}
	}
}

func TestDelayBounds(t *testing.T) {
	t.Parallel()

	jitter := 250 * time.Millisecond
	policies := []Policy{
		{Strategy: StrategyImmediate, JitterMax: jitter},
		{Strategy: StrategyFixed, InitialDelay: time.Second, MaxDelay: 5 * time.Second, JitterMax: jitter},
		{Strategy: StrategyLinear, InitialDelay: time.Second, MaxDelay: 5 * time.Second, JitterMax: jitter},
		{Strategy: StrategyExponential, InitialDelay: time.Second, Multiplier: 3, MaxDelay: 5 * time.Second, JitterMax: jitter},
	}
	for _, p := range policies {
		for attempt := 1; attempt <= 12; attempt++ {
			base := p.BaseDelay(attempt)
			for i := 0; i < 25; i++ {
				d := p.Delay(attempt)
				if d < base {
					t.Fatalf("%s attempt %d: Delay %v below base %v", p.Strategy, attempt, d, base)
				}
				if d >= base+jitter {
					t.Fatalf("%s attempt %d: Delay %v outside jitter window (base %v)", p.Strategy, attempt, d, base)
				}
				if p.MaxDelay > 0 && d > p.MaxDelay+jitter {
					t.Fatalf("%s attempt %d: Delay %v exceeds cap %v plus jitter", p.Strategy, attempt, d, p.MaxDelay)
				}
			}
		}
	}
}

func TestHugeExponentGetsCapped(t *testing.T) {
	t.Parallel()

	p := Policy{Strategy: StrategyExponential, InitialDelay: time.Second, Multiplier: 10, MaxDelay: time.Minute}
	if got := p.BaseDelay(500); got != time.Minute {
		t.Errorf("BaseDelay(500) = %v, want cap %v", got, time.Minute)
	}
}

func TestBaseDelayNormalizesAttempt(t *testing.T) {
	t.Parallel()

	p := Policy{Strategy: StrategyLinear, InitialDelay: time.Second, MaxDelay: time.Minute}
	if got := p.BaseDelay(0); got != time.Second {
		t.Errorf("BaseDelay(0) = %v, want %v", got, time.Second)
	}
	if got := p.BaseDelay(-3); got != time.Second {
		t.Errorf("BaseDelay(-3) = %v, want %v", got, time.Second)
	}
}
