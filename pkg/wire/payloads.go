package wire

import (
	"encoding/json"
	"time"
)

// Topics a client may subscribe to. Wallet-scoped interest is expressed
// through subscription filters rather than per-wallet topic names.
const (
	TopicPositions     = "positions"
	TopicPortfolio     = "portfolio"
	TopicNotifications = "notifications"
)

// BroadcastPolicy selects how the job-event bridge addresses outbound
// messages when a job finishes or reports progress.
type BroadcastPolicy string

const (
	// PolicyAuto tries connection, then user, then wallet addressing,
	// using the first piece of metadata the job carries.
	PolicyAuto BroadcastPolicy = "auto"
	// PolicyUser always addresses by user ID.
	PolicyUser BroadcastPolicy = "user"
	// PolicyWallet always addresses by wallet address.
	PolicyWallet BroadcastPolicy = "wallet"
	// PolicyGlobal broadcasts to every connection.
	PolicyGlobal BroadcastPolicy = "global"
)

// Valid reports whether p is one of the defined policies.
func (p BroadcastPolicy) Valid() bool {
	switch p {
	case PolicyAuto, PolicyUser, PolicyWallet, PolicyGlobal:
		return true
	}
	return false
}

// ConnectionEstablished is the payload of the first message the hub pushes
// on a new connection.
type ConnectionEstablished struct {
	ConnectionID string    `json:"connectionId"`
	ServerTime   time.Time `json:"serverTime"`
}

// AuthenticatePayload carries client credentials. Verification is the
// hub operator's concern; the hub only provides the hook.
type AuthenticatePayload struct {
	Token         string `json:"token,omitempty"`
	UserID        string `json:"userId,omitempty"`
	WalletAddress string `json:"walletAddress,omitempty"`
}

// SubscriptionOptions tunes delivery for one subscription.
type SubscriptionOptions struct {
	UpdateFrequencyMS int `json:"updateFrequencyMs,omitempty"`
}

// Subscription is the payload of subscribe messages and the unit the
// client replays after a reconnect. Filters narrow the topic stream;
// the "walletAddress" filter key additionally binds the connection into
// the hub's wallet index.
type Subscription struct {
	ID      string              `json:"id"`
	Topic   string              `json:"topic"`
	Filters map[string][]string `json:"filters,omitempty"`
	Options SubscriptionOptions `json:"options,omitempty"`
}

// Unsubscribe is the payload of unsubscribe messages.
type Unsubscribe struct {
	ID string `json:"id"`
}

// JobStarted announces that a queued job began executing.
type JobStarted struct {
	JobID   string `json:"jobId"`
	JobName string `json:"jobName,omitempty"`
	Queue   string `json:"queue,omitempty"`
}

// JobProgress reports completion percentage in [0, 100].
type JobProgress struct {
	JobID    string  `json:"jobId"`
	Progress float64 `json:"progress"`
}

// JobCompleted carries the job's wall-clock duration and its result
// document, passed through opaquely.
type JobCompleted struct {
	JobID      string          `json:"jobId"`
	DurationMS int64           `json:"durationMs"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// JobFailed carries the job's wall-clock duration and the failure reason.
type JobFailed struct {
	JobID      string `json:"jobId"`
	DurationMS int64  `json:"durationMs"`
	Error      string `json:"error"`
}

// QueueStatus is one queue's depth counters at poll time.
type QueueStatus struct {
	Name      string `json:"name"`
	Active    int    `json:"active"`
	Waiting   int    `json:"waiting"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Delayed   int    `json:"delayed"`
	Paused    bool   `json:"paused"`
}

// QueueMetrics is the payload of the periodic queue_metrics broadcast.
type QueueMetrics struct {
	Queues   []QueueStatus `json:"queues"`
	PolledAt time.Time     `json:"polledAt"`
}

// Notification is a user-facing dashboard alert.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Level string `json:"level,omitempty"`
}
