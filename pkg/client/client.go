// Package client implements the subscriber side of the update pipeline:
// a WebSocket client with typed message listeners, latency tracking,
// authenticate-on-connect, and automatic recovery through the
// reconnect engine. Subscriptions registered on the client survive
// reconnects; they are replayed after every successful dial.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/reconnect"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/wire"
)

// readLimitBytes bounds a single inbound frame.
const readLimitBytes = 1024 * 1024

var (
	// ErrClosed is returned by operations on a permanently closed client.
	ErrClosed = errors.New("client: closed")
	// ErrNotConnected is returned by Send while no connection is up.
	ErrNotConnected = errors.New("client: not connected")
)

// State is a point-in-time snapshot of the connection.
type State struct {
	IsConnected    bool   `json:"isConnected"`
	IsConnecting   bool   `json:"isConnecting"`
	IsReconnecting bool   `json:"isReconnecting"`
	ConnectionID   string `json:"connectionId,omitempty"`
	// LastConnectedAt is zero until the first successful connect.
	LastConnectedAt time.Time `json:"lastConnectedAt"`
}

// Client is a WebSocket client for the update pipeline.
//
// A Client is created disconnected. Connect dials the server; after an
// unexpected loss the reconnect engine redials in the background using
// the configured policy. Disconnect drops the connection and cancels
// recovery without retiring the client; Close is permanent.
type Client struct {
	config clientConfig
	url    string

	engine  *reconnect.Engine
	router  *router
	latency *latencyTracker

	// Client lifetime context. Cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	send chan *wire.Message

	// connMu guards the connection and the pump handles for it. The
	// pump goroutines receive their context, conn, and WaitGroup as
	// arguments so a reconnect never swaps state out from under them.
	connMu          sync.RWMutex
	conn            *websocket.Conn
	connected       bool
	connecting      bool
	lastConnectedAt time.Time
	// epoch invalidates an establish that raced a teardown.
	epoch      uint64
	pumpCancel context.CancelFunc
	pumpWg     *sync.WaitGroup

	credsMu sync.RWMutex
	creds   credentials

	connIDMu     sync.RWMutex
	connectionID string

	closedMu sync.Mutex
	closed   bool
}

// New creates a disconnected Client for urlStr. Call Connect to dial.
func New(urlStr string, opts ...Option) (*Client, error) {
	if urlStr == "" {
		return nil, errors.New("client: url required")
	}
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	// Finalize ping interval: zero means default, negative disables.
	if cfg.pingInterval == 0 {
		cfg.pingInterval = defaultPingInterval
	} else if cfg.pingInterval < 0 {
		cfg.pingInterval = 0
	}
	if cfg.dialOptions == nil {
		cfg.dialOptions = &websocket.DialOptions{HTTPClient: http.DefaultClient}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:  cfg,
		url:     urlStr,
		router:  newRouter(cfg.logger),
		latency: newLatencyTracker(),
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan *wire.Message, cfg.sendBuffer),
		creds:   cfg.creds,
	}
	c.engine = reconnect.New(c.redial,
		reconnect.WithLogger(cfg.logger),
		reconnect.WithPolicy(cfg.policy),
	)
	return c, nil
}

// Connect dials the server. Calling it while connected, or while another
// Connect is in flight, returns nil without a second dial. A successful
// Connect also clears any recovery the engine had pending.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.connMu.Lock()
	if c.connected || c.connecting {
		c.connMu.Unlock()
		return nil
	}
	c.connecting = true
	c.connMu.Unlock()

	err := c.establish(ctx)

	c.connMu.Lock()
	c.connecting = false
	c.connMu.Unlock()

	if err != nil {
		return err
	}
	c.engine.HandleConnectionRestored()
	return nil
}

// Disconnect closes the connection deliberately: no loss is reported and
// any scheduled recovery is cancelled. The server-assigned connection id
// is cleared since it is only valid while connected. The client may
// Connect again.
func (c *Client) Disconnect() error {
	if c.isClosed() {
		return ErrClosed
	}
	c.engine.HandleConnectionRestored()
	c.teardown(websocket.StatusNormalClosure, "client disconnect")
	c.connIDMu.Lock()
	c.connectionID = ""
	c.connIDMu.Unlock()
	c.config.logger.Info("client: disconnected")
	return nil
}

// Close retires the client permanently. It is safe to call twice.
func (c *Client) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	c.engine.Close()
	c.teardown(websocket.StatusNormalClosure, "client closed")
	c.cancel()
	c.config.logger.Info("client: closed")
	return nil
}

// ForceReconnect drops the current connection, if any, resets the attempt
// counter, and dials immediately. It is the way back after the engine has
// spent its attempt budget.
func (c *Client) ForceReconnect() {
	if c.isClosed() {
		return
	}
	c.teardown(websocket.StatusServiceRestart, "force reconnect")
	c.engine.ForceReconnect()
}

// Send queues msg for delivery to the server. It fails fast while
// disconnected rather than queueing into an outage.
func (c *Client) Send(msg *wire.Message) error {
	if msg == nil {
		return errors.New("client: nil message")
	}
	if c.isClosed() {
		return ErrClosed
	}
	c.connMu.RLock()
	connected := c.connected
	c.connMu.RUnlock()
	if !connected {
		return ErrNotConnected
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-time.After(c.config.writeTimeout / 2):
		return fmt.Errorf("client: send %s: outbound queue full", msg.Type)
	}
}

// Authenticate replaces the stored credentials and sends an authenticate
// message now. The same credentials are re-sent after every reconnect.
func (c *Client) Authenticate(token, userID, walletAddress string) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.credsMu.Lock()
	c.creds = credentials{token: token, userID: userID, wallet: walletAddress}
	c.credsMu.Unlock()
	return c.sendAuthenticate()
}

// Subscribe tracks sub and asks the server for it. The subscription is
// replayed after every reconnect until the returned deregistration func
// is called. An empty sub.ID is filled in. Subscribing while offline is
// allowed; the request goes out on the next connect.
func (c *Client) Subscribe(sub wire.Subscription) (func(), error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if sub.Topic == "" {
		return nil, errors.New("client: subscription topic required")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	c.router.track(sub)
	c.sendSubscribe(sub)

	id := sub.ID
	unsubscribe := func() {
		if !c.router.untrack(id) {
			return
		}
		if msg, err := wire.New(wire.TypeUnsubscribe, wire.Unsubscribe{ID: id}); err == nil {
			c.trySend(msg)
		}
	}
	return unsubscribe, nil
}

// AddListener registers fn for inbound messages of the given type and
// returns its deregistration func. Deregistering twice is harmless.
func (c *Client) AddListener(msgType wire.Type, fn Handler) func() {
	if fn == nil {
		return func() {}
	}
	id := c.router.add(msgType, fn)
	return func() { c.router.remove(msgType, id) }
}

// IsConnected reports whether a connection is currently up.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// State returns a snapshot of the connection, combining transport state
// with the engine's recovery flag.
func (c *Client) State() State {
	c.connMu.RLock()
	s := State{
		IsConnected:     c.connected,
		IsConnecting:    c.connecting,
		LastConnectedAt: c.lastConnectedAt,
	}
	c.connMu.RUnlock()
	s.ConnectionID = c.ConnectionID()
	s.IsReconnecting = c.engine.State().IsReconnecting
	return s
}

// ConnectionID returns the server-assigned id from the most recent
// connection_established message, or empty before the first one.
func (c *Client) ConnectionID() string {
	c.connIDMu.RLock()
	defer c.connIDMu.RUnlock()
	return c.connectionID
}

// AverageLatency returns the rolling mean ping round-trip time.
func (c *Client) AverageLatency() time.Duration {
	return c.latency.average()
}

// LatencySamples reports how many round-trip samples back the average.
func (c *Client) LatencySamples() int {
	return c.latency.count()
}

// Subscriptions returns the subscriptions that will replay on reconnect.
func (c *Client) Subscriptions() []wire.Subscription {
	return c.router.subscriptions()
}

// ReconnectState exposes the engine's current state.
func (c *Client) ReconnectState() reconnect.State {
	return c.engine.State()
}

// ReconnectStats exposes the engine's attempt statistics.
func (c *Client) ReconnectStats() reconnect.Stats {
	return c.engine.Stats()
}

// RecentAttempts returns up to n recent reconnect attempts, oldest first.
func (c *Client) RecentAttempts(n int) []reconnect.Attempt {
	return c.engine.RecentAttempts(n)
}

// redial is the engine's DialFunc. It refuses to race a user Connect and
// treats an already-restored connection as success.
func (c *Client) redial(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.connMu.Lock()
	if c.connected {
		c.connMu.Unlock()
		return nil
	}
	if c.connecting {
		c.connMu.Unlock()
		return errors.New("client: connect already in flight")
	}
	c.connecting = true
	c.connMu.Unlock()

	err := c.establish(ctx)

	c.connMu.Lock()
	c.connecting = false
	c.connMu.Unlock()
	return err
}

// establish dials and installs a new connection with fresh pumps, then
// authenticates and replays subscriptions. Pumps from a previous
// connection are stopped first.
func (c *Client) establish(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.connMu.Lock()
	if c.pumpCancel != nil {
		cancel, wg := c.pumpCancel, c.pumpWg
		c.pumpCancel = nil
		c.pumpWg = nil
		c.connMu.Unlock()
		cancel()
		wg.Wait()
		c.connMu.Lock()
	}
	if c.conn != nil {
		c.conn.Close(websocket.StatusAbnormalClosure, "stale connection replaced")
		c.conn = nil
	}
	epoch := c.epoch
	c.connMu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(ctx, c.config.dialTimeout)
	ws, resp, err := websocket.Dial(dialCtx, c.url, c.config.dialOptions)
	dialCancel()
	if err != nil {
		if resp != nil {
			return fmt.Errorf("client: dial %s (status %s): %w", c.url, resp.Status, err)
		}
		return fmt.Errorf("client: dial %s: %w", c.url, err)
	}
	ws.SetReadLimit(readLimitBytes)

	if c.isClosed() {
		ws.Close(websocket.StatusNormalClosure, "client closed")
		return ErrClosed
	}

	c.connMu.Lock()
	if c.epoch != epoch {
		c.connMu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "connection superseded")
		return errors.New("client: connection superseded during dial")
	}
	pumpCtx, pumpCancel := context.WithCancel(c.ctx)
	wg := &sync.WaitGroup{}
	c.conn = ws
	c.pumpCancel = pumpCancel
	c.pumpWg = wg
	c.connected = true
	c.lastConnectedAt = time.Now()
	wg.Add(2)
	go c.readLoop(pumpCtx, pumpCancel, ws, wg)
	go c.writeLoop(pumpCtx, pumpCancel, ws, wg)
	if c.config.pingInterval > 0 {
		wg.Add(1)
		go c.pingLoop(pumpCtx, pumpCancel, ws, wg)
	}
	c.connMu.Unlock()

	c.config.logger.Info("client: connected", "url", c.url)

	if err := c.sendAuthenticate(); err != nil {
		c.config.logger.Warn("client: authenticate send failed", "err", err)
	}
	c.replaySubscriptions()
	return nil
}

// teardown closes the current connection without reporting a loss. The
// epoch bump makes any establish still dialing abandon its result.
func (c *Client) teardown(code websocket.StatusCode, reason string) {
	c.connMu.Lock()
	ws := c.conn
	cancel := c.pumpCancel
	wg := c.pumpWg
	c.conn = nil
	c.connected = false
	c.pumpCancel = nil
	c.pumpWg = nil
	c.epoch++
	c.connMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Close(code, reason)
	}
	if wg != nil {
		wg.Wait()
	}
}

// readLoop consumes inbound messages until the connection dies. Its defer
// decides whether the exit was an unexpected loss: deliberate teardowns
// flip connected off first, so only genuine losses reach the engine.
func (c *Client) readLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, wg *sync.WaitGroup) {
	reason := "connection closed"
	defer func() {
		cancel()
		c.connMu.Lock()
		lost := c.connected && c.conn == ws
		if lost {
			c.connected = false
			c.conn = nil
		}
		c.connMu.Unlock()
		ws.CloseNow()
		wg.Done()
		if lost {
			if c.config.autoReconnect {
				c.engine.HandleConnectionLost(reason)
			} else {
				c.config.logger.Warn("client: connection lost, auto-reconnect disabled", "reason", reason)
			}
		}
	}()

	for {
		var msg wire.Message
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			reason = err.Error()
			status := websocket.CloseStatus(err)
			switch {
			case ctx.Err() != nil:
				c.config.logger.Debug("client: read loop stopping", "err", err)
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				c.config.logger.Debug("client: server closed connection", "status", int(status))
			default:
				c.config.logger.Warn("client: read error", "err", err)
			}
			return
		}
		c.handleInbound(&msg)
	}
}

// handleInbound captures the connection id from connection_established
// before generic dispatch so listeners observe it already set.
func (c *Client) handleInbound(msg *wire.Message) {
	if msg.Type == wire.TypeConnectionEstablished {
		var est wire.ConnectionEstablished
		if err := msg.DecodeData(&est); err != nil {
			c.config.logger.Warn("client: bad connection_established payload", "err", err)
		} else if est.ConnectionID != "" {
			c.connIDMu.Lock()
			c.connectionID = est.ConnectionID
			c.connIDMu.Unlock()
			c.config.logger.Info("client: connection established", "connection_id", est.ConnectionID)
		}
	}
	c.router.dispatch(msg)
}

func (c *Client) writeLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case msg := <-c.send:
			writeCtx, writeCancel := context.WithTimeout(ctx, c.config.writeTimeout)
			err := wsjson.Write(writeCtx, ws, msg)
			writeCancel()
			if err != nil {
				if ctx.Err() == nil {
					c.config.logger.Warn("client: write failed", "type", string(msg.Type), "err", err)
				}
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// pingLoop keeps the connection alive and feeds the latency tracker with
// round-trip times.
func (c *Client) pingLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(c.config.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, c.config.pingInterval/2)
			start := time.Now()
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if ctx.Err() == nil {
					c.config.logger.Warn("client: ping failed", "err", err)
				}
				cancel()
				return
			}
			c.latency.add(time.Since(start))
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendAuthenticate() error {
	c.credsMu.RLock()
	creds := c.creds
	c.credsMu.RUnlock()
	if creds.empty() {
		return nil
	}
	msg, err := wire.New(wire.TypeAuthenticate, wire.AuthenticatePayload{
		Token:         creds.token,
		UserID:        creds.userID,
		WalletAddress: creds.wallet,
	})
	if err != nil {
		return err
	}
	c.trySend(msg)
	return nil
}

func (c *Client) sendSubscribe(sub wire.Subscription) {
	msg, err := wire.New(wire.TypeSubscribe, sub)
	if err != nil {
		c.config.logger.Warn("client: encode subscribe failed", "topic", sub.Topic, "err", err)
		return
	}
	c.trySend(msg)
}

func (c *Client) replaySubscriptions() {
	subs := c.router.subscriptions()
	if len(subs) == 0 {
		return
	}
	c.config.logger.Info("client: replaying subscriptions", "count", len(subs))
	for _, sub := range subs {
		c.sendSubscribe(sub)
	}
}

// trySend queues a control message without blocking the caller.
func (c *Client) trySend(msg *wire.Message) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
	default:
		c.config.logger.Warn("client: outbound queue full, message dropped", "type", string(msg.Type))
	}
}

func (c *Client) isClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}
