// Package jobs defines the background-job lifecycle events that feed the
// realtime bridge, plus an in-process event bus for emitting them. Queue
// workers emit events; the bridge subscribes and turns them into wire
// messages for connected dashboards.
package jobs

import (
	"context"
	"encoding/json"
	"time"
)

// Kind is a job lifecycle transition.
type Kind string

const (
	KindStarted   Kind = "started"
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

// Meta carries the addressing hints attached to a job when it was
// enqueued. The bridge uses them to decide which connections receive the
// job's events.
type Meta struct {
	UserID        string `json:"userId,omitempty"`
	WalletAddress string `json:"walletAddress,omitempty"`
	ConnectionID  string `json:"connectionId,omitempty"`
}

// Job identifies one unit of work flowing through a queue.
type Job struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Queue string `json:"queue"`
	Meta  Meta   `json:"meta"`
}

// Event is one lifecycle transition of a Job. Only the fields relevant
// to its Kind are set: Progress for progress events, Duration plus
// Result or Err for terminal ones.
type Event struct {
	Kind     Kind            `json:"kind"`
	Job      Job             `json:"job"`
	Progress float64         `json:"progress,omitempty"`
	Duration time.Duration   `json:"duration,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Err      string          `json:"error,omitempty"`
	At       time.Time       `json:"at"`
}

// Counts is a point-in-time gauge set for one queue.
type Counts struct {
	Active    int  `json:"active"`
	Waiting   int  `json:"waiting"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Delayed   int  `json:"delayed"`
	Paused    bool `json:"paused"`
}

// Queue exposes the metrics side of a job queue. The bridge polls Counts
// on an interval and broadcasts the snapshot to subscribed dashboards.
type Queue interface {
	Name() string
	Counts(ctx context.Context) (Counts, error)
}
