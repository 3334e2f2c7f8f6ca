// Package hub is the server side of the realtime pipeline. It upgrades
// HTTP requests to WebSocket connections, assigns each connection an ID,
// tracks who is on the other end (user, wallets, topic subscriptions), and
// fans messages out by connection, user, wallet, topic, or globally.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/wire"
)

var (
	// ErrNoRecipient is returned when an addressed send finds nobody
	// connected under that connection ID, user ID, or wallet.
	ErrNoRecipient = errors.New("no recipient connected")
	// ErrClosed is returned by sends after Shutdown.
	ErrClosed = errors.New("hub closed")
)

// AuthFunc verifies client credentials and returns the user ID to bind the
// connection to. Returning an error leaves the connection anonymous.
// Credential policy is the operator's; the hub only provides the hook.
type AuthFunc func(ctx context.Context, creds wire.AuthenticatePayload) (string, error)

// Stats is a point-in-time snapshot of hub occupancy.
type Stats struct {
	Connections int   `json:"connections"`
	Users       int   `json:"users"`
	Wallets     int   `json:"wallets"`
	Topics      int   `json:"topics"`
	Dropped     int64 `json:"dropped"`
}

// Hub manages all live connections for one server instance.
type Hub struct {
	config hubConfig

	mu      sync.RWMutex
	conns   map[string]*conn
	users   map[string]map[string]*conn
	wallets map[string]map[string]*conn
	topics  map[string]map[string]*conn

	dropped atomic.Int64

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New creates a Hub. It starts no goroutines; connections arrive through
// UpgradeHandler.
func New(opts ...Option) (*Hub, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		config:  defaultHubConfig(),
		conns:   make(map[string]*conn),
		users:   make(map[string]map[string]*conn),
		wallets: make(map[string]map[string]*conn),
		topics:  make(map[string]map[string]*conn),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	if err := h.config.validate(); err != nil {
		cancel()
		return nil, err
	}
	// PingInterval: zero means library default, negative disables.
	if h.config.pingInterval == 0 {
		h.config.pingInterval = defaultPingInterval
	} else if h.config.pingInterval < 0 {
		h.config.pingInterval = 0
	}
	if h.config.acceptOptions == nil {
		h.config.acceptOptions = &websocket.AcceptOptions{}
	}
	h.config.logger.Info("hub: initialized",
		"ping_interval", h.config.pingInterval,
		"send_buffer", h.config.sendBuffer)
	return h, nil
}

// UpgradeHandler returns the http.HandlerFunc that accepts WebSocket
// connections. The first frame pushed on every connection is a
// connection_established message carrying the server-assigned ID.
func (h *Hub) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-h.ctx.Done():
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		ws, err := websocket.Accept(w, r, h.config.acceptOptions)
		if err != nil {
			h.config.logger.Warn("hub: websocket accept failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		ws.SetReadLimit(maxMessageBytes)

		connCtx, connCancel := context.WithCancel(h.ctx)
		c := &conn{
			id:     uuid.NewString(),
			ws:     ws,
			send:   make(chan *wire.Message, h.config.sendBuffer),
			ctx:    connCtx,
			cancel: connCancel,
			subs:   make(map[string]wire.Subscription),
		}

		h.mu.Lock()
		h.conns[c.id] = c
		total := len(h.conns)
		h.mu.Unlock()
		h.config.logger.Info("hub: connection established", "conn_id", c.id, "remote", r.RemoteAddr, "total", total)

		welcome, err := wire.New(wire.TypeConnectionEstablished, wire.ConnectionEstablished{
			ConnectionID: c.id,
			ServerTime:   time.Now().UTC(),
		})
		if err != nil {
			h.config.logger.Error("hub: encode connection_established", "conn_id", c.id, "err", err)
		} else {
			h.trySend(c, welcome)
		}

		h.wg.Add(3)
		go h.writePump(c)
		go h.pingLoop(c)
		go h.readLoop(c)
	}
}

// SendToConnection delivers msg to one connection.
func (h *Hub) SendToConnection(ctx context.Context, connID string, msg *wire.Message) error {
	if err := h.closedErr(); err != nil {
		return err
	}
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("%w: connection %s", ErrNoRecipient, connID)
	}
	h.trySend(c, msg)
	return nil
}

// SendToUser delivers msg to every connection authenticated as userID.
func (h *Hub) SendToUser(ctx context.Context, userID string, msg *wire.Message) error {
	if err := h.closedErr(); err != nil {
		return err
	}
	targets := h.snapshot(h.users, userID)
	if len(targets) == 0 {
		return fmt.Errorf("%w: user %s", ErrNoRecipient, userID)
	}
	for _, c := range targets {
		h.trySend(c, msg)
	}
	return nil
}

// SendToWallet delivers msg to every connection bound to the wallet
// address, whether through authentication or a subscription filter.
func (h *Hub) SendToWallet(ctx context.Context, wallet string, msg *wire.Message) error {
	if err := h.closedErr(); err != nil {
		return err
	}
	targets := h.snapshot(h.wallets, wallet)
	if len(targets) == 0 {
		return fmt.Errorf("%w: wallet %s", ErrNoRecipient, wallet)
	}
	for _, c := range targets {
		h.trySend(c, msg)
	}
	return nil
}

// Broadcast delivers msg to every live connection. An empty hub is not an
// error.
func (h *Hub) Broadcast(ctx context.Context, msg *wire.Message) error {
	if err := h.closedErr(); err != nil {
		return err
	}
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.trySend(c, msg)
	}
	return nil
}

// PublishTopic delivers msg to every connection subscribed to topic.
// No subscribers is not an error.
func (h *Hub) PublishTopic(ctx context.Context, topic string, msg *wire.Message) error {
	if err := h.closedErr(); err != nil {
		return err
	}
	targets := h.snapshot(h.topics, topic)
	if len(targets) == 0 {
		return nil
	}
	h.config.logger.Debug("hub: publishing to topic", "topic", topic, "subscribers", len(targets))
	for _, c := range targets {
		h.trySend(c, msg)
	}
	return nil
}

// CloseConnection force-closes one connection. The client sees a going-away
// close and its reconnect engine takes over.
func (h *Hub) CloseConnection(connID, reason string) error {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("%w: connection %s", ErrNoRecipient, connID)
	}
	h.config.logger.Info("hub: closing connection", "conn_id", connID, "reason", reason)
	_ = c.ws.Close(websocket.StatusGoingAway, reason)
	h.unregister(c, reason)
	return nil
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// UserConnectionCount returns how many connections are bound to userID.
func (h *Hub) UserConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// WalletConnectionCount returns how many connections are bound to wallet.
func (h *Hub) WalletConnectionCount(wallet string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.wallets[wallet])
}

// TopicSubscriberCount returns how many connections subscribe to topic.
func (h *Hub) TopicSubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Stats reports hub occupancy and the dropped-message counter.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Connections: len(h.conns),
		Users:       len(h.users),
		Wallets:     len(h.wallets),
		Topics:      len(h.topics),
		Dropped:     h.dropped.Load(),
	}
}

// Shutdown closes every connection and waits for their pumps to exit or
// for ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.config.logger.Info("hub: shutting down", "connections", h.ConnectionCount())
		h.cancel()
	})
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.config.logger.Info("hub: shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub: shutdown wait: %w", ctx.Err())
	}
}

func (h *Hub) closedErr() error {
	select {
	case <-h.ctx.Done():
		return ErrClosed
	default:
		return nil
	}
}

// snapshot copies one index entry so sends happen outside the lock.
func (h *Hub) snapshot(idx map[string]map[string]*conn, key string) []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := idx[key]
	if len(set) == 0 {
		return nil
	}
	out := make([]*conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (h *Hub) addToIndexLocked(idx map[string]map[string]*conn, key string, c *conn) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]*conn)
		idx[key] = set
	}
	set[c.id] = c
}

func (h *Hub) removeFromIndexLocked(idx map[string]map[string]*conn, key string, c *conn) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, c.id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

// unregister removes the connection from every index and tears it down.
// Safe to call more than once.
func (h *Hub) unregister(c *conn, reason string) {
	c.cancel()

	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	userID, walletSet, topicSet := c.identity()
	if userID != "" {
		h.removeFromIndexLocked(h.users, userID, c)
	}
	for w := range walletSet {
		h.removeFromIndexLocked(h.wallets, w, c)
	}
	for topic := range topicSet {
		h.removeFromIndexLocked(h.topics, topic, c)
	}
	remaining := len(h.conns)
	h.mu.Unlock()

	_ = c.ws.CloseNow()
	h.config.logger.Info("hub: connection removed", "conn_id", c.id, "reason", reason, "remaining", remaining)
}

func (h *Hub) handleInbound(c *conn, msg *wire.Message) {
	switch msg.Type {
	case wire.TypeAuthenticate:
		h.handleAuthenticate(c, msg)
	case wire.TypeSubscribe:
		h.handleSubscribe(c, msg)
	case wire.TypeUnsubscribe:
		h.handleUnsubscribe(c, msg)
	default:
		h.config.logger.Debug("hub: ignoring inbound message", "conn_id", c.id, "type", string(msg.Type))
	}
}

func (h *Hub) handleAuthenticate(c *conn, msg *wire.Message) {
	var creds wire.AuthenticatePayload
	if err := msg.DecodeData(&creds); err != nil {
		h.config.logger.Warn("hub: bad authenticate payload", "conn_id", c.id, "err", err)
		return
	}
	userID := creds.UserID
	if h.config.authenticate != nil {
		uid, err := h.config.authenticate(c.ctx, creds)
		if err != nil {
			h.config.logger.Warn("hub: authentication rejected", "conn_id", c.id, "err", err)
			return
		}
		userID = uid
	}

	oldUser := c.bindUser(userID, creds.WalletAddress)

	h.mu.Lock()
	if oldUser != "" && oldUser != userID {
		h.removeFromIndexLocked(h.users, oldUser, c)
	}
	if userID != "" {
		h.addToIndexLocked(h.users, userID, c)
	}
	if creds.WalletAddress != "" {
		h.addToIndexLocked(h.wallets, creds.WalletAddress, c)
	}
	h.mu.Unlock()

	h.config.logger.Info("hub: connection authenticated", "conn_id", c.id, "user_id", userID)
}

func (h *Hub) handleSubscribe(c *conn, msg *wire.Message) {
	var sub wire.Subscription
	if err := msg.DecodeData(&sub); err != nil {
		h.config.logger.Warn("hub: bad subscribe payload", "conn_id", c.id, "err", err)
		return
	}
	if sub.Topic == "" {
		h.config.logger.Warn("hub: subscribe without topic", "conn_id", c.id)
		return
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	c.trackSub(sub)

	h.mu.Lock()
	h.addToIndexLocked(h.topics, sub.Topic, c)
	for _, w := range sub.Filters["walletAddress"] {
		if w != "" {
			h.addToIndexLocked(h.wallets, w, c)
		}
	}
	h.mu.Unlock()

	h.config.logger.Info("hub: subscription added",
		"conn_id", c.id, "sub_id", sub.ID, "topic", sub.Topic, "filters", len(sub.Filters))
}

func (h *Hub) handleUnsubscribe(c *conn, msg *wire.Message) {
	var u wire.Unsubscribe
	if err := msg.DecodeData(&u); err != nil {
		h.config.logger.Warn("hub: bad unsubscribe payload", "conn_id", c.id, "err", err)
		return
	}
	removed, ok := c.untrackSub(u.ID)
	if !ok {
		h.config.logger.Debug("hub: unsubscribe for unknown subscription", "conn_id", c.id, "sub_id", u.ID)
		return
	}

	// Only prune index entries no remaining subscription still needs.
	_, walletSet, topicSet := c.identity()
	h.mu.Lock()
	if !topicSet[removed.Topic] {
		h.removeFromIndexLocked(h.topics, removed.Topic, c)
	}
	for _, w := range removed.Filters["walletAddress"] {
		if w != "" && !walletSet[w] {
			h.removeFromIndexLocked(h.wallets, w, c)
		}
	}
	h.mu.Unlock()

	h.config.logger.Info("hub: subscription removed", "conn_id", c.id, "sub_id", u.ID, "topic", removed.Topic)
}
