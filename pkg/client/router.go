package client

import (
	"log/slog"
	"sync"

	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/wire"
)

// Handler consumes one inbound message. Handlers for the same type run
// in registration order on the read loop's goroutine, so they must not
// block on the client's own operations.
type Handler func(msg *wire.Message)

type listenerEntry struct {
	id uint64
	fn Handler
}

// router owns the listener registry and the set of subscriptions to
// replay after a reconnect.
type router struct {
	log *slog.Logger

	mu        sync.RWMutex
	nextID    uint64
	listeners map[wire.Type][]listenerEntry
	subs      map[string]wire.Subscription
}

func newRouter(log *slog.Logger) *router {
	return &router{
		log:       log,
		listeners: make(map[wire.Type][]listenerEntry),
		subs:      make(map[string]wire.Subscription),
	}
}

// add registers fn for msgType and returns its registry id.
func (r *router) add(msgType wire.Type, fn Handler) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.listeners[msgType] = append(r.listeners[msgType], listenerEntry{id: r.nextID, fn: fn})
	return r.nextID
}

// remove drops the listener with the given id. Unknown ids are a no-op,
// which makes deregistration funcs safe to call twice.
func (r *router) remove(msgType wire.Type, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.listeners[msgType]
	for i, e := range entries {
		if e.id == id {
			r.listeners[msgType] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(r.listeners[msgType]) == 0 {
		delete(r.listeners, msgType)
	}
}

// listenerCount reports how many handlers are registered for msgType.
func (r *router) listenerCount(msgType wire.Type) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[msgType])
}

// dispatch invokes every listener registered for msg.Type, in order. A
// panicking handler is logged and skipped so the rest still run.
// Listeners added or removed while a dispatch is in flight take effect
// on the next message.
func (r *router) dispatch(msg *wire.Message) {
	r.mu.RLock()
	entries := r.listeners[msg.Type]
	snapshot := make([]listenerEntry, len(entries))
	copy(snapshot, entries)
	r.mu.RUnlock()

	for _, e := range snapshot {
		r.invoke(e, msg)
	}
}

func (r *router) invoke(e listenerEntry, msg *wire.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("client: listener panicked",
				"type", string(msg.Type),
				"listener", e.id,
				"panic", rec)
		}
	}()
	e.fn(msg)
}

// track remembers a subscription for replay after reconnect. Re-tracking
// the same id overwrites the previous entry.
func (r *router) track(sub wire.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = sub
}

// untrack forgets a subscription and reports whether it was known.
func (r *router) untrack(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	return true
}

// subscriptions returns the tracked subscriptions in no particular order.
func (r *router) subscriptions() []wire.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}
