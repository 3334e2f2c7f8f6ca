package client

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/reconnect"
)

const (
	defaultSendBuffer   = 16
	defaultWriteTimeout = 10 * time.Second
	defaultDialTimeout  = 10 * time.Second
	// defaultPingInterval drives both keepalive and latency sampling.
	defaultPingInterval = 15 * time.Second
)

type credentials struct {
	token  string
	userID string
	wallet string
}

func (c credentials) empty() bool {
	return c.token == "" && c.userID == "" && c.wallet == ""
}

type clientConfig struct {
	logger        *slog.Logger
	dialOptions   *websocket.DialOptions
	sendBuffer    int
	writeTimeout  time.Duration
	dialTimeout   time.Duration
	pingInterval  time.Duration
	autoReconnect bool
	policy        reconnect.Policy
	creds         credentials
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		logger:        slog.Default(),
		sendBuffer:    defaultSendBuffer,
		writeTimeout:  defaultWriteTimeout,
		dialTimeout:   defaultDialTimeout,
		pingInterval:  defaultPingInterval,
		autoReconnect: true,
		policy:        reconnect.DefaultPolicy(),
	}
}

// Option configures the Client.
type Option func(*clientConfig)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialOptions sets custom websocket.DialOptions.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *clientConfig) {
		c.dialOptions = opts
	}
}

// WithSendBuffer sets the outbound queue size.
func WithSendBuffer(n int) Option {
	return func(c *clientConfig) {
		if n > 0 {
			c.sendBuffer = n
		}
	}
}

// WithWriteTimeout bounds each write to the server.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		if timeout > 0 {
			c.writeTimeout = timeout
		}
	}
}

// WithDialTimeout bounds each connection attempt, including the ones the
// reconnection engine makes.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		if timeout > 0 {
			c.dialTimeout = timeout
		}
	}
}

// WithPingInterval sets the client-initiated ping cadence. Pings feed the
// latency average, so disabling them freezes it.
// interval == 0: uses the library default.
// interval < 0: disables client pings.
func WithPingInterval(interval time.Duration) Option {
	return func(c *clientConfig) {
		c.pingInterval = interval // finalized in New
	}
}

// WithReconnectPolicy sets the backoff policy used after a connection loss.
func WithReconnectPolicy(p reconnect.Policy) Option {
	return func(c *clientConfig) {
		c.policy = p
	}
}

// WithAutoReconnect toggles automatic recovery after an unexpected
// disconnect. Enabled by default; ForceReconnect works either way.
func WithAutoReconnect(enabled bool) Option {
	return func(c *clientConfig) {
		c.autoReconnect = enabled
	}
}

// WithCredentials sets the identity sent in an authenticate message after
// every successful connect. Empty fields are omitted from the payload.
func WithCredentials(token, userID, walletAddress string) Option {
	return func(c *clientConfig) {
		c.creds = credentials{token: token, userID: userID, wallet: walletAddress}
	}
}

// Options contains configuration values for NewWithOptions.
type Options struct {
	Logger        *slog.Logger
	DialOptions   *websocket.DialOptions
	SendBuffer    int
	WriteTimeout  time.Duration
	DialTimeout   time.Duration
	PingInterval  time.Duration
	AutoReconnect bool
	Policy        reconnect.Policy
	Token         string
	UserID        string
	WalletAddress string
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:        slog.Default(),
		DialOptions:   &websocket.DialOptions{HTTPClient: http.DefaultClient},
		SendBuffer:    defaultSendBuffer,
		WriteTimeout:  defaultWriteTimeout,
		DialTimeout:   defaultDialTimeout,
		PingInterval:  defaultPingInterval,
		AutoReconnect: true,
		Policy:        reconnect.DefaultPolicy(),
	}
}

// NewWithOptions creates a Client from an Options struct. Start from
// DefaultOptions and adjust; unset numeric fields fall back to library
// defaults while AutoReconnect is taken as given. Additional functional
// options are applied on top, which helps tests tweak a shared base
// configuration.
func NewWithOptions(urlStr string, opts Options, extra ...Option) (*Client, error) {
	all := []Option{
		WithLogger(opts.Logger),
		WithDialOptions(opts.DialOptions),
		WithSendBuffer(opts.SendBuffer),
		WithWriteTimeout(opts.WriteTimeout),
		WithDialTimeout(opts.DialTimeout),
		WithPingInterval(opts.PingInterval),
		WithAutoReconnect(opts.AutoReconnect),
	}
	if opts.Policy.Strategy != "" {
		all = append(all, WithReconnectPolicy(opts.Policy))
	}
	if opts.Token != "" || opts.UserID != "" || opts.WalletAddress != "" {
		all = append(all, WithCredentials(opts.Token, opts.UserID, opts.WalletAddress))
	}
	all = append(all, extra...)
	return New(urlStr, all...)
}
