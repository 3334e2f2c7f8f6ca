package client

import (
	"sync"
	"time"
)

// latencySamples bounds the rolling window used for the average.
const latencySamples = 100

// latencyTracker keeps a rolling window of ping round-trip times.
type latencyTracker struct {
	mu   sync.Mutex
	buf  []time.Duration
	next int
	full bool
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{buf: make([]time.Duration, latencySamples)}
}

func (l *latencyTracker) add(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = d
	l.next++
	if l.next == len(l.buf) {
		l.next = 0
		l.full = true
	}
}

func (l *latencyTracker) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.buf)
	}
	return l.next
}

// average returns the mean of the retained samples, zero when empty.
func (l *latencyTracker) average() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if l.full {
		n = len(l.buf)
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += l.buf[i]
	}
	return sum / time.Duration(n)
}
