// Package bridge converts background-job lifecycle events into addressed
// wire messages and periodically broadcasts queue depth metrics. It sits
// between the jobs event bus and the hub: events in, best-effort
// deliveries out. Delivery failures never propagate back to the job
// system; they are counted and logged.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/hub"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/jobs"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/wire"
)

// Deliverer is the transport fan-out the bridge hands messages to.
// *hub.Hub satisfies it directly; the NATS relay wraps one to extend
// delivery across nodes.
type Deliverer interface {
	SendToConnection(ctx context.Context, connID string, msg *wire.Message) error
	SendToUser(ctx context.Context, userID string, msg *wire.Message) error
	SendToWallet(ctx context.Context, wallet string, msg *wire.Message) error
	Broadcast(ctx context.Context, msg *wire.Message) error
}

const (
	defaultMetricsInterval = 30 * time.Second
	defaultPollTimeout     = 5 * time.Second
	deliverTimeout         = 5 * time.Second
)

// Bridge consumes job events and delivers them per the configured
// broadcast policy. Policy and metrics interval are adjustable at
// runtime so config reloads do not require a restart.
type Bridge struct {
	deliverer Deliverer
	log       *slog.Logger

	mu          sync.RWMutex
	policy      wire.BroadcastPolicy
	interval    time.Duration
	pollTimeout time.Duration
	queues      []jobs.Queue

	dropped atomic.Int64

	// intervalCh wakes the metrics loop so a shortened interval takes
	// effect without waiting out the old timer.
	intervalCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startMu sync.Mutex
	started bool
	closed  bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.log = logger
		}
	}
}

// WithBroadcastPolicy sets the initial addressing policy. Defaults to
// PolicyAuto.
func WithBroadcastPolicy(p wire.BroadcastPolicy) Option {
	return func(b *Bridge) { b.policy = p }
}

// WithMetricsInterval sets the queue metrics broadcast cadence.
func WithMetricsInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithPollTimeout bounds each queue counts call during a metrics cycle.
func WithPollTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.pollTimeout = d
		}
	}
}

// WithQueues registers queues for metrics polling.
func WithQueues(queues ...jobs.Queue) Option {
	return func(b *Bridge) {
		for _, q := range queues {
			if q != nil {
				b.queues = append(b.queues, q)
			}
		}
	}
}

// New creates a Bridge that delivers through d. Call Start to begin
// consuming events.
func New(d Deliverer, opts ...Option) (*Bridge, error) {
	if d == nil {
		return nil, errors.New("bridge: deliverer is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		deliverer:   d,
		log:         slog.Default(),
		policy:      wire.PolicyAuto,
		interval:    defaultMetricsInterval,
		pollTimeout: defaultPollTimeout,
		intervalCh:  make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	if !b.policy.Valid() {
		cancel()
		return nil, fmt.Errorf("bridge: invalid broadcast policy %q", b.policy)
	}
	return b, nil
}

// Start begins consuming events and broadcasting metrics. It may be
// called once; the loops run until Close.
func (b *Bridge) Start(events <-chan jobs.Event) error {
	if events == nil {
		return errors.New("bridge: nil event source")
	}
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.closed {
		return errors.New("bridge: closed")
	}
	if b.started {
		return errors.New("bridge: already started")
	}
	b.started = true
	b.wg.Add(2)
	go b.eventLoop(events)
	go b.metricsLoop()
	b.log.Info("bridge: started",
		"policy", string(b.broadcastPolicy()),
		"metrics_interval", b.metricsInterval())
	return nil
}

// Close stops both loops and waits for them. Pending timers are
// cancelled synchronously; no work leaks past Close.
func (b *Bridge) Close() {
	b.startMu.Lock()
	if b.closed {
		b.startMu.Unlock()
		return
	}
	b.closed = true
	b.startMu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.log.Info("bridge: stopped", "dropped", b.dropped.Load())
}

// SetBroadcastPolicy swaps the addressing policy for subsequent events.
func (b *Bridge) SetBroadcastPolicy(p wire.BroadcastPolicy) error {
	if !p.Valid() {
		return fmt.Errorf("bridge: invalid broadcast policy %q", p)
	}
	b.mu.Lock()
	old := b.policy
	b.policy = p
	b.mu.Unlock()
	if old != p {
		b.log.Info("bridge: broadcast policy updated", "from", string(old), "to", string(p))
	}
	return nil
}

// SetMetricsInterval changes the metrics cadence, waking the loop so the
// new interval applies immediately.
func (b *Bridge) SetMetricsInterval(d time.Duration) error {
	if d <= 0 {
		return errors.New("bridge: metrics interval must be positive")
	}
	b.mu.Lock()
	changed := b.interval != d
	b.interval = d
	b.mu.Unlock()
	if changed {
		select {
		case b.intervalCh <- struct{}{}:
		default:
		}
		b.log.Info("bridge: metrics interval updated", "interval", d)
	}
	return nil
}

// AddQueue registers q for metrics polling. Safe while running.
func (b *Bridge) AddQueue(q jobs.Queue) {
	if q == nil {
		return
	}
	b.mu.Lock()
	b.queues = append(b.queues, q)
	b.mu.Unlock()
}

// Dropped reports how many messages were discarded because no recipient
// could be resolved or a delivery failed.
func (b *Bridge) Dropped() int64 {
	return b.dropped.Load()
}

// NotifyUser pushes a notification to one user outside the job flow.
func (b *Bridge) NotifyUser(ctx context.Context, userID string, n wire.Notification) error {
	if userID == "" {
		return errors.New("bridge: user id is required")
	}
	msg, err := wire.New(wire.TypeNotification, n)
	if err != nil {
		return err
	}
	msg.UserID = userID
	return b.deliverer.SendToUser(ctx, userID, msg)
}

// Announce broadcasts a notification to every connection.
func (b *Bridge) Announce(ctx context.Context, n wire.Notification) error {
	msg, err := wire.New(wire.TypeNotification, n)
	if err != nil {
		return err
	}
	return b.deliverer.Broadcast(ctx, msg)
}

func (b *Bridge) eventLoop(events <-chan jobs.Event) {
	defer b.wg.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				b.log.Info("bridge: event source closed")
				return
			}
			b.handleEvent(ev)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bridge) handleEvent(ev jobs.Event) {
	msg, err := messageFor(ev)
	if err != nil {
		b.log.Warn("bridge: skipping event", "kind", string(ev.Kind), "job", ev.Job.ID, "err", err)
		return
	}
	b.deliver(msg, ev.Job.Meta)
}

// messageFor maps a lifecycle event onto its wire message.
func messageFor(ev jobs.Event) (*wire.Message, error) {
	switch ev.Kind {
	case jobs.KindStarted:
		return wire.New(wire.TypeJobStarted, wire.JobStarted{
			JobID:   ev.Job.ID,
			JobName: ev.Job.Name,
			Queue:   ev.Job.Queue,
		})
	case jobs.KindProgress:
		return wire.New(wire.TypeJobProgress, wire.JobProgress{
			JobID:    ev.Job.ID,
			Progress: clampProgress(ev.Progress),
		})
	case jobs.KindCompleted:
		return wire.New(wire.TypeJobCompleted, wire.JobCompleted{
			JobID:      ev.Job.ID,
			DurationMS: ev.Duration.Milliseconds(),
			Result:     ev.Result,
		})
	case jobs.KindFailed:
		return wire.New(wire.TypeJobFailed, wire.JobFailed{
			JobID:      ev.Job.ID,
			DurationMS: ev.Duration.Milliseconds(),
			Error:      ev.Err,
		})
	default:
		return nil, fmt.Errorf("unknown job event kind %q", ev.Kind)
	}
}

// clampProgress normalizes progress into [0, 100]. NaN maps to 0 so a
// misbehaving producer cannot poison the dashboard.
func clampProgress(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// deliver stamps the addressing hints onto the envelope and routes per
// the active policy.
func (b *Bridge) deliver(msg *wire.Message, meta jobs.Meta) {
	msg.UserID = meta.UserID
	msg.WalletAddress = meta.WalletAddress

	ctx, cancel := context.WithTimeout(b.ctx, deliverTimeout)
	defer cancel()

	switch policy := b.broadcastPolicy(); policy {
	case wire.PolicyGlobal:
		if err := b.deliverer.Broadcast(ctx, msg); err != nil {
			b.drop(msg, "broadcast failed", err)
		}
	case wire.PolicyUser:
		if meta.UserID == "" {
			b.drop(msg, "user policy without userId", nil)
			return
		}
		if err := b.deliverer.SendToUser(ctx, meta.UserID, msg); err != nil {
			b.drop(msg, "user delivery failed", err)
		}
	case wire.PolicyWallet:
		if meta.WalletAddress == "" {
			b.drop(msg, "wallet policy without walletAddress", nil)
			return
		}
		if err := b.deliverer.SendToWallet(ctx, meta.WalletAddress, msg); err != nil {
			b.drop(msg, "wallet delivery failed", err)
		}
	default: // wire.PolicyAuto
		b.deliverAuto(ctx, msg, meta)
	}
}

// deliverAuto tries the most specific address first. A stale connection
// id falls through to the next address present; user and wallet are
// terminal because presence of metadata, not presence of a listener, is
// what the chain keys on.
func (b *Bridge) deliverAuto(ctx context.Context, msg *wire.Message, meta jobs.Meta) {
	if meta.ConnectionID != "" {
		err := b.deliverer.SendToConnection(ctx, meta.ConnectionID, msg)
		if err == nil {
			return
		}
		if !errors.Is(err, hub.ErrNoRecipient) {
			b.drop(msg, "connection delivery failed", err)
			return
		}
	}
	switch {
	case meta.UserID != "":
		if err := b.deliverer.SendToUser(ctx, meta.UserID, msg); err != nil {
			b.drop(msg, "user delivery failed", err)
		}
	case meta.WalletAddress != "":
		if err := b.deliverer.SendToWallet(ctx, meta.WalletAddress, msg); err != nil {
			b.drop(msg, "wallet delivery failed", err)
		}
	default:
		b.drop(msg, "no addressing metadata", nil)
	}
}

// drop counts a discarded message. Nobody-listening drops are routine
// and logged at debug; everything else is operator-visible.
func (b *Bridge) drop(msg *wire.Message, reason string, err error) {
	b.dropped.Add(1)
	if err != nil {
		if errors.Is(err, hub.ErrNoRecipient) {
			b.log.Debug("bridge: message dropped", "type", string(msg.Type), "reason", reason, "err", err)
		} else {
			b.log.Warn("bridge: message dropped", "type", string(msg.Type), "reason", reason, "err", err)
		}
		return
	}
	b.log.Warn("bridge: message dropped", "type", string(msg.Type), "reason", reason)
}

func (b *Bridge) metricsLoop() {
	defer b.wg.Done()
	timer := time.NewTimer(b.metricsInterval())
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			b.publishMetrics()
			timer.Reset(b.metricsInterval())
		case <-b.intervalCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(b.metricsInterval())
		case <-b.ctx.Done():
			return
		}
	}
}

// publishMetrics polls every registered queue and broadcasts a single
// snapshot. A queue that fails to answer is skipped this cycle; the
// interval itself never stops.
func (b *Bridge) publishMetrics() {
	queues := b.snapshotQueues()
	if len(queues) == 0 {
		return
	}
	statuses := make([]wire.QueueStatus, 0, len(queues))
	for _, q := range queues {
		pollCtx, cancel := context.WithTimeout(b.ctx, b.queuePollTimeout())
		counts, err := q.Counts(pollCtx)
		cancel()
		if err != nil {
			b.log.Warn("bridge: queue poll failed, skipped this cycle", "queue", q.Name(), "err", err)
			continue
		}
		statuses = append(statuses, wire.QueueStatus{
			Name:      q.Name(),
			Active:    counts.Active,
			Waiting:   counts.Waiting,
			Completed: counts.Completed,
			Failed:    counts.Failed,
			Delayed:   counts.Delayed,
			Paused:    counts.Paused,
		})
	}
	if len(statuses) == 0 {
		return
	}
	msg, err := wire.New(wire.TypeQueueMetrics, wire.QueueMetrics{
		Queues:   statuses,
		PolledAt: time.Now().UTC(),
	})
	if err != nil {
		b.log.Error("bridge: encode queue metrics failed", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, deliverTimeout)
	defer cancel()
	if err := b.deliverer.Broadcast(ctx, msg); err != nil {
		b.log.Warn("bridge: metrics broadcast failed", "err", err)
	}
}

func (b *Bridge) broadcastPolicy() wire.BroadcastPolicy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.policy
}

func (b *Bridge) metricsInterval() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.interval
}

func (b *Bridge) queuePollTimeout() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pollTimeout
}

func (b *Bridge) snapshotQueues() []jobs.Queue {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]jobs.Queue, len(b.queues))
	copy(out, b.queues)
	return out
}
