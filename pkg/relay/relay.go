// Package relay extends hub delivery across server nodes over NATS.
//
// Each node wraps its local hub in a Relay. Deliveries are attempted
// locally first, then forwarded so peers holding the target connection,
// user, or wallet can complete them. A Relay satisfies bridge.Deliverer,
// so the job bridge works unchanged in both single-node and clustered
// deployments.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/hub"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/wire"
)

// Local is the node-local delivery surface the relay wraps. *hub.Hub
// satisfies it.
type Local interface {
	SendToConnection(ctx context.Context, connID string, msg *wire.Message) error
	SendToUser(ctx context.Context, userID string, msg *wire.Message) error
	SendToWallet(ctx context.Context, wallet string, msg *wire.Message) error
	Broadcast(ctx context.Context, msg *wire.Message) error
	PublishTopic(ctx context.Context, topic string, msg *wire.Message) error
}

const (
	defaultSubjectPrefix  = "lptracker.relay"
	defaultDeliverTimeout = 5 * time.Second
	drainWait             = 5 * time.Second

	scopeConnection = "conn"
	scopeUser       = "user"
	scopeWallet     = "wallet"
	scopeBroadcast  = "all"
	scopeTopic      = "topic"
)

// envelope is the cross-node frame. Key is authoritative; the subject
// token is only a routing hint because subjects cannot carry arbitrary
// identifiers.
type envelope struct {
	Origin string        `json:"origin"`
	Scope  string        `json:"scope"`
	Key    string        `json:"key,omitempty"`
	Msg    *wire.Message `json:"msg"`
}

// Relay bridges a local hub to its peers over NATS.
type Relay struct {
	local Local
	log   *slog.Logger

	id      string
	prefix  string
	timeout time.Duration

	nc  *nats.Conn
	sub *nats.Subscription

	closedCh  chan struct{}
	closeOnce sync.Once
}

type config struct {
	logger   *slog.Logger
	prefix   string
	name     string
	timeout  time.Duration
	natsOpts []nats.Option
}

// Option configures a Relay.
type Option func(*config)

// WithLogger sets the relay logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSubjectPrefix overrides the NATS subject prefix. All nodes of one
// cluster must share a prefix.
func WithSubjectPrefix(prefix string) Option {
	return func(c *config) {
		if prefix != "" {
			c.prefix = strings.TrimSuffix(prefix, ".")
		}
	}
}

// WithName sets the NATS client name, visible in server monitoring.
func WithName(name string) Option {
	return func(c *config) {
		if name != "" {
			c.name = name
		}
	}
}

// WithDeliverTimeout bounds local deliveries triggered by inbound
// relay traffic.
func WithDeliverTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithNATSOptions appends extra options to the NATS connection, for
// credentials or custom reconnect behavior.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(c *config) {
		c.natsOpts = append(c.natsOpts, opts...)
	}
}

// New connects to NATS at url and starts relaying for local.
func New(url string, local Local, opts ...Option) (*Relay, error) {
	if local == nil {
		return nil, errors.New("relay: local deliverer is required")
	}
	cfg := config{
		logger:  slog.Default(),
		prefix:  defaultSubjectPrefix,
		name:    "lp-tracker-relay",
		timeout: defaultDeliverTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if url == "" {
		url = nats.DefaultURL
	}

	r := &Relay{
		local:    local,
		log:      cfg.logger,
		id:       uuid.NewString(),
		prefix:   cfg.prefix,
		timeout:  cfg.timeout,
		closedCh: make(chan struct{}),
	}

	natsOpts := append(cfg.natsOpts,
		nats.Name(cfg.name),
		nats.ClosedHandler(func(*nats.Conn) { close(r.closedCh) }),
	)
	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("relay: connect to NATS: %w", err)
	}
	r.nc = nc

	sub, err := nc.Subscribe(r.prefix+".>", r.onMessage)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("relay: subscribe %s.>: %w", r.prefix, err)
	}
	r.sub = sub

	// Make sure the server has registered our interest before callers
	// start publishing through peers.
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("relay: flush: %w", err)
	}

	r.log.Info("relay: connected", "url", nc.ConnectedUrl(), "prefix", r.prefix, "node", r.id)
	return r, nil
}

// Close drains the NATS connection so in-flight relay handlers finish.
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.nc.Drain()
		if err != nil {
			r.nc.Close()
		}
		select {
		case <-r.closedCh:
		case <-time.After(drainWait):
			r.nc.Close()
		}
	})
	return err
}

// SendToConnection delivers to a local connection, or forwards to peers
// when the connection is not on this node. Cross-node delivery is best
// effort, so an unknown-everywhere connection id reports success here.
func (r *Relay) SendToConnection(ctx context.Context, connID string, msg *wire.Message) error {
	err := r.local.SendToConnection(ctx, connID, msg)
	if err == nil {
		return nil
	}
	if !errors.Is(err, hub.ErrNoRecipient) {
		return err
	}
	return r.publish(scopeConnection, connID, msg)
}

// SendToUser delivers to local connections of userID and forwards so
// peers reach theirs. Absence of local recipients is not an error; the
// user may be connected elsewhere.
func (r *Relay) SendToUser(ctx context.Context, userID string, msg *wire.Message) error {
	if err := r.local.SendToUser(ctx, userID, msg); err != nil && !errors.Is(err, hub.ErrNoRecipient) {
		return err
	}
	return r.publish(scopeUser, userID, msg)
}

// SendToWallet mirrors SendToUser for wallet-addressed delivery.
func (r *Relay) SendToWallet(ctx context.Context, wallet string, msg *wire.Message) error {
	if err := r.local.SendToWallet(ctx, wallet, msg); err != nil && !errors.Is(err, hub.ErrNoRecipient) {
		return err
	}
	return r.publish(scopeWallet, wallet, msg)
}

// Broadcast fans out to every connection on every node.
func (r *Relay) Broadcast(ctx context.Context, msg *wire.Message) error {
	if err := r.local.Broadcast(ctx, msg); err != nil && !errors.Is(err, hub.ErrNoRecipient) {
		return err
	}
	return r.publish(scopeBroadcast, "", msg)
}

// PublishTopic pushes to topic subscribers on every node.
func (r *Relay) PublishTopic(ctx context.Context, topic string, msg *wire.Message) error {
	if err := r.local.PublishTopic(ctx, topic, msg); err != nil && !errors.Is(err, hub.ErrNoRecipient) {
		return err
	}
	return r.publish(scopeTopic, topic, msg)
}

func (r *Relay) publish(scope, key string, msg *wire.Message) error {
	data, err := json.Marshal(envelope{
		Origin: r.id,
		Scope:  scope,
		Key:    key,
		Msg:    msg,
	})
	if err != nil {
		return fmt.Errorf("relay: encode envelope: %w", err)
	}
	if err := r.nc.Publish(r.subject(scope, key), data); err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}
	return nil
}

func (r *Relay) subject(scope, key string) string {
	if key == "" {
		return r.prefix + "." + scope
	}
	return r.prefix + "." + scope + "." + subjectToken(key)
}

// subjectToken makes an identifier safe to embed in a NATS subject.
func subjectToken(key string) string {
	return strings.Map(func(c rune) rune {
		switch c {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return c
	}, key)
}

func (r *Relay) onMessage(m *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		r.log.Warn("relay: bad envelope", "subject", m.Subject, "err", err)
		return
	}
	if env.Origin == r.id {
		return
	}
	if env.Msg == nil {
		r.log.Warn("relay: envelope without message", "subject", m.Subject)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	switch env.Scope {
	case scopeConnection:
		err = r.local.SendToConnection(ctx, env.Key, env.Msg)
	case scopeUser:
		err = r.local.SendToUser(ctx, env.Key, env.Msg)
	case scopeWallet:
		err = r.local.SendToWallet(ctx, env.Key, env.Msg)
	case scopeBroadcast:
		err = r.local.Broadcast(ctx, env.Msg)
	case scopeTopic:
		err = r.local.PublishTopic(ctx, env.Key, env.Msg)
	default:
		r.log.Warn("relay: unknown scope", "scope", env.Scope, "subject", m.Subject)
		return
	}
	if err != nil && !errors.Is(err, hub.ErrNoRecipient) {
		r.log.Warn("relay: inbound delivery failed",
			"scope", env.Scope, "key", env.Key, "err", err)
	}
}
