package reconnect

import "time"

// historySize bounds the attempt record the engine retains.
const historySize = 100

// Attempt is one recorded reconnection attempt.
type Attempt struct {
	// At is when the dial began.
	At time.Time `json:"at"`
	// Delay is the scheduled wait that preceded the dial.
	Delay time.Duration `json:"delay"`
	// Duration is how long the dial itself took.
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	Err      string        `json:"err,omitempty"`
}

// ring is a fixed-capacity attempt buffer that overwrites its oldest entry
// once full.
type ring struct {
	buf  []Attempt
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Attempt, capacity)}
}

func (r *ring) add(a Attempt) {
	r.buf[r.next] = a
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// list returns the retained attempts in chronological order.
func (r *ring) list() []Attempt {
	if !r.full {
		out := make([]Attempt, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Attempt, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
