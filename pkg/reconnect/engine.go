package reconnect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// timeNow allows tests to control the clock.
var timeNow = time.Now

// DialFunc re-establishes the connection. A nil return marks the attempt
// successful and returns the engine to idle. The context is canceled when
// the engine closes.
type DialFunc func(ctx context.Context) error

// State is a point-in-time snapshot of the engine.
type State struct {
	IsReconnecting bool `json:"isReconnecting"`
	AttemptsMade   int  `json:"attemptsMade"`
	// NextAttemptAt is zero when nothing is scheduled: while idle, while a
	// dial is in flight, and after the engine has given up.
	NextAttemptAt time.Time     `json:"nextAttemptAt"`
	Strategy      Strategy      `json:"strategy"`
	LastReason    string        `json:"lastReason,omitempty"`
	TotalDowntime time.Duration `json:"totalDowntime"`
}

// Stats summarizes the retained attempt history plus downtime accounting.
// Rates are computed over the attempts still held in the ring.
type Stats struct {
	TotalAttempts int     `json:"totalAttempts"`
	Successes     int     `json:"successes"`
	Failures      int     `json:"failures"`
	SuccessRate   float64 `json:"successRate"`
	// AvgReconnectTime is the mean dial duration of successful attempts.
	AvgReconnectTime time.Duration `json:"avgReconnectTime"`
	CurrentDowntime  time.Duration `json:"currentDowntime"`
	TotalDowntime    time.Duration `json:"totalDowntime"`
}

// Engine drives reconnection for one logical connection. It is idle until
// a loss is reported, then schedules dials on a single timer track until
// one succeeds, the policy's attempt budget is spent, or the owner
// intervenes.
type Engine struct {
	dial     DialFunc
	log      *slog.Logger
	policy   Policy
	onGiveUp func()

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	recovering   bool
	exhausted    bool
	closed       bool
	attempts     int
	lastReason   string
	nextAt       time.Time
	pendingDelay time.Duration
	timer        *time.Timer
	// gen invalidates stale timer callbacks after a cancel or reschedule.
	gen       uint64
	downSince time.Time
	totalDown time.Duration
	hist      *ring
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.log = logger
		}
	}
}

// WithPolicy sets the backoff policy. Defaults to DefaultPolicy().
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithOnGiveUp registers a callback invoked once the engine stops
// scheduling because MaxAttempts was reached. It runs on its own
// goroutine so it may call back into the engine.
func WithOnGiveUp(fn func()) Option {
	return func(e *Engine) { e.onGiveUp = fn }
}

// New creates an idle engine around dial.
func New(dial DialFunc, opts ...Option) *Engine {
	if dial == nil {
		panic("reconnect: New requires a DialFunc")
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		dial:   dial,
		log:    slog.Default(),
		policy: DefaultPolicy(),
		ctx:    ctx,
		cancel: cancel,
		hist:   newRing(historySize),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleConnectionLost moves an idle engine into recovery and schedules the
// first attempt. While already recovering it only records the reason, so
// concurrent loss reports collapse into the one pending timer.
func (e *Engine) HandleConnectionLost(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.recovering {
		e.lastReason = reason
		e.log.Debug("reconnect: loss reported while already recovering", "reason", reason)
		return
	}
	e.recovering = true
	e.exhausted = false
	e.attempts = 0
	e.lastReason = reason
	e.downSince = timeNow()
	delay := e.policy.Delay(1)
	e.scheduleLocked(delay)
	e.log.Info("reconnect: connection lost",
		"reason", reason,
		"strategy", string(e.policy.Strategy),
		"first_attempt_in", delay)
}

// HandleConnectionRestored cancels any scheduled attempt and returns the
// engine to idle, closing the downtime window. Safe to call when idle.
func (e *Engine) HandleConnectionRestored() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.recovering {
		return
	}
	var outage time.Duration
	if !e.downSince.IsZero() {
		outage = timeNow().Sub(e.downSince)
	}
	e.cancelTimerLocked()
	e.restoreLocked()
	e.log.Info("reconnect: connection restored", "downtime", outage, "total_downtime", e.totalDown)
}

// ForceReconnect resets the attempt counter and dials immediately from any
// state. It is the only way to resume after the engine has given up.
func (e *Engine) ForceReconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.cancelTimerLocked()
	if !e.recovering {
		e.recovering = true
		e.downSince = timeNow()
	}
	e.exhausted = false
	e.attempts = 0
	e.lastReason = "forced"
	e.scheduleLocked(0)
	e.log.Info("reconnect: forced reconnect")
}

// State returns a snapshot of the engine. TotalDowntime includes the
// current outage while recovering.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := e.totalDown
	if e.recovering && !e.downSince.IsZero() {
		total += timeNow().Sub(e.downSince)
	}
	return State{
		IsReconnecting: e.recovering,
		AttemptsMade:   e.attempts,
		NextAttemptAt:  e.nextAt,
		Strategy:       e.policy.Strategy,
		LastReason:     e.lastReason,
		TotalDowntime:  total,
	}
}

// Stats computes success metrics over the retained attempt history.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	attempts := e.hist.list()
	s := Stats{TotalAttempts: len(attempts), TotalDowntime: e.totalDown}
	var successDur time.Duration
	for _, a := range attempts {
		if a.Success {
			s.Successes++
			successDur += a.Duration
		} else {
			s.Failures++
		}
	}
	if s.TotalAttempts > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.TotalAttempts)
	}
	if s.Successes > 0 {
		s.AvgReconnectTime = successDur / time.Duration(s.Successes)
	}
	if e.recovering && !e.downSince.IsZero() {
		s.CurrentDowntime = timeNow().Sub(e.downSince)
		s.TotalDowntime += s.CurrentDowntime
	}
	return s
}

// RecentAttempts returns up to n of the most recent attempts, oldest
// first. n <= 0 returns everything retained.
func (e *Engine) RecentAttempts(n int) []Attempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	all := e.hist.list()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Close cancels any scheduled attempt and aborts an in-flight dial via its
// context. The engine is inert afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.cancelTimerLocked()
	e.mu.Unlock()
	e.cancel()
}

func (e *Engine) scheduleLocked(delay time.Duration) {
	e.gen++
	gen := e.gen
	e.pendingDelay = delay
	e.nextAt = timeNow().Add(delay)
	e.timer = time.AfterFunc(delay, func() { e.runAttempt(gen) })
}

func (e *Engine) cancelTimerLocked() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.nextAt = time.Time{}
}

func (e *Engine) restoreLocked() {
	e.recovering = false
	e.exhausted = false
	e.attempts = 0
	if !e.downSince.IsZero() {
		e.totalDown += timeNow().Sub(e.downSince)
		e.downSince = time.Time{}
	}
	e.nextAt = time.Time{}
}

func (e *Engine) runAttempt(gen uint64) {
	e.mu.Lock()
	if e.closed || !e.recovering || gen != e.gen {
		e.mu.Unlock()
		return
	}
	attempt := e.attempts + 1
	delay := e.pendingDelay
	e.nextAt = time.Time{}
	e.timer = nil
	maxAttempts := e.policy.MaxAttempts
	e.mu.Unlock()

	e.log.Debug("reconnect: dialing", "attempt", attempt)
	start := timeNow()
	err := e.runDial()
	elapsed := timeNow().Sub(start)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || gen != e.gen || !e.recovering {
		// Superseded by a restore, force, or close while dialing.
		return
	}

	rec := Attempt{At: start, Delay: delay, Duration: elapsed, Success: err == nil}
	if err != nil {
		rec.Err = err.Error()
	}
	e.hist.add(rec)

	if err == nil {
		var outage time.Duration
		if !e.downSince.IsZero() {
			outage = timeNow().Sub(e.downSince)
		}
		e.restoreLocked()
		e.log.Info("reconnect: recovered", "attempt", attempt, "dial_time", elapsed, "downtime", outage)
		return
	}

	e.attempts = attempt
	e.log.Warn("reconnect: attempt failed", "attempt", attempt, "err", err)
	if maxAttempts > 0 && e.attempts >= maxAttempts {
		e.exhausted = true
		e.log.Warn("reconnect: attempt budget spent, waiting for forceReconnect", "attempts", e.attempts)
		if e.onGiveUp != nil {
			go e.safeGiveUp()
		}
		return
	}
	e.scheduleLocked(e.policy.Delay(e.attempts + 1))
}

func (e *Engine) runDial() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconnect: dial panicked: %v", r)
		}
	}()
	return e.dial(e.ctx)
}

func (e *Engine) safeGiveUp() {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("reconnect: give-up callback panicked", "panic", r)
		}
	}()
	e.onGiveUp()
}
