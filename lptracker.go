// Package lptracker pushes liquidity-pool tracking updates to browsers
// and other WebSocket subscribers in real time.
//
// The package root re-exports the pieces most integrations need: the
// server-side Hub, the reconnecting Client, the job-event Bridge that
// turns background job lifecycles into addressed messages, and the NATS
// Relay for multi-node fan-out. Each lives in its own package under
// pkg/ for callers that want the narrower import.
package lptracker

import (
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/bridge"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/client"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/hub"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/jobs"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/reconnect"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/relay"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/wire"
)

// Re-export core types.
type (
	Message         = wire.Message
	MessageType     = wire.Type
	Subscription    = wire.Subscription
	Notification    = wire.Notification
	BroadcastPolicy = wire.BroadcastPolicy

	Hub      = hub.Hub
	HubStats = hub.Stats
	AuthFunc = hub.AuthFunc

	Client      = client.Client
	ClientState = client.State

	Bridge    = bridge.Bridge
	Deliverer = bridge.Deliverer

	Bus      = jobs.Bus
	Job      = jobs.Job
	JobEvent = jobs.Event
	JobMeta  = jobs.Meta
	Queue    = jobs.Queue

	ReconnectPolicy = reconnect.Policy
	ReconnectStats  = reconnect.Stats

	Relay = relay.Relay
)

// Re-export error values.
var (
	ErrNoRecipient  = hub.ErrNoRecipient
	ErrHubClosed    = hub.ErrClosed
	ErrClientClosed = client.ErrClosed
	ErrNotConnected = client.ErrNotConnected
)

// Re-export topics and addressing policies.
const (
	TopicPositions     = wire.TopicPositions
	TopicPortfolio     = wire.TopicPortfolio
	TopicNotifications = wire.TopicNotifications

	PolicyAuto   = wire.PolicyAuto
	PolicyUser   = wire.PolicyUser
	PolicyWallet = wire.PolicyWallet
	PolicyGlobal = wire.PolicyGlobal
)

// NewMessage creates an addressable wire message of the given type.
func NewMessage(t wire.Type, data any) (*wire.Message, error) {
	return wire.New(t, data)
}

// NewHub creates the server-side connection hub.
func NewHub(opts ...hub.Option) (*hub.Hub, error) {
	return hub.New(opts...)
}

// NewClient creates a reconnecting WebSocket client for the given URL.
func NewClient(url string, opts ...client.Option) (*client.Client, error) {
	return client.New(url, opts...)
}

// NewBus creates the in-process job event bus.
func NewBus(capacity int, opts ...jobs.BusOption) *jobs.Bus {
	return jobs.NewBus(capacity, opts...)
}

// NewBridge creates the bridge that delivers job events through d.
func NewBridge(d bridge.Deliverer, opts ...bridge.Option) (*bridge.Bridge, error) {
	return bridge.New(d, opts...)
}

// NewRelay connects local delivery to peer nodes over NATS.
func NewRelay(url string, local relay.Local, opts ...relay.Option) (*relay.Relay, error) {
	return relay.New(url, local, opts...)
}

// DefaultReconnectPolicy returns the client's default backoff policy.
func DefaultReconnectPolicy() reconnect.Policy {
	return reconnect.DefaultPolicy()
}
