package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cskr/pubsub"
)

// eventsTopic is the single pubsub topic all lifecycle events flow over.
const eventsTopic = "jobs.events"

// defaultBusCapacity is the per-subscriber channel depth.
const defaultBusCapacity = 64

// Bus is an in-process fan-out of job lifecycle events. Each subscriber
// gets a buffered channel; emitters only block once a subscriber stops
// draining and its buffer fills, so consumers must keep reading until
// they unsubscribe.
type Bus struct {
	ps  *pubsub.PubSub
	log *slog.Logger

	closeOnce sync.Once
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the bus logger. Defaults to slog.Default().
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.log = logger
		}
	}
}

// NewBus creates a Bus. capacity <= 0 uses the default.
func NewBus(capacity int, opts ...BusOption) *Bus {
	if capacity <= 0 {
		capacity = defaultBusCapacity
	}
	b := &Bus{
		ps:  pubsub.New(capacity),
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit publishes ev to every subscriber. A zero At is stamped with the
// current time.
func (b *Bus) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.ps.Pub(ev, eventsTopic)
}

// EmitStarted reports that job began executing.
func (b *Bus) EmitStarted(job Job) {
	b.Emit(Event{Kind: KindStarted, Job: job})
}

// EmitProgress reports job progress. The value is forwarded as-is; the
// bridge clamps it to a displayable range.
func (b *Bus) EmitProgress(job Job, progress float64) {
	b.Emit(Event{Kind: KindProgress, Job: job, Progress: progress})
}

// EmitCompleted reports a successful finish with the job's result payload.
func (b *Bus) EmitCompleted(job Job, duration time.Duration, result json.RawMessage) {
	b.Emit(Event{Kind: KindCompleted, Job: job, Duration: duration, Result: result})
}

// EmitFailed reports a terminal failure.
func (b *Bus) EmitFailed(job Job, duration time.Duration, jobErr error) {
	ev := Event{Kind: KindFailed, Job: job, Duration: duration}
	if jobErr != nil {
		ev.Err = jobErr.Error()
	}
	b.Emit(ev)
}

// Subscribe returns a channel of all events emitted after the call. The
// subscription ends, and the channel closes, when ctx is cancelled or
// the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	raw := b.ps.Sub(eventsTopic)
	out := make(chan Event, cap(raw))

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				b.unsub(raw)
				return
			case v, ok := <-raw:
				if !ok {
					return
				}
				ev, ok := v.(Event)
				if !ok {
					b.log.Warn("jobs: unexpected value on event bus", "value", v)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					b.unsub(raw)
					return
				}
			}
		}
	}()
	return out
}

// unsub drains concurrently while Unsub removes the subscription, as the
// pubsub library requires when the channel may be full.
func (b *Bus) unsub(raw chan interface{}) {
	go func() {
		for range raw {
		}
	}()
	b.ps.Unsub(raw, eventsTopic)
}

// Close shuts the bus down and closes all subscriber channels. Emitting
// after Close panics, so owners should stop producers first.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.ps.Shutdown()
	})
}
