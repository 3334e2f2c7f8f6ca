package hub

import (
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultSendBuffer   = 16
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
)

type hubConfig struct {
	logger        *slog.Logger
	acceptOptions *websocket.AcceptOptions
	sendBuffer    int
	writeTimeout  time.Duration
	pingInterval  time.Duration
	authenticate  AuthFunc
}

func defaultHubConfig() hubConfig {
	return hubConfig{
		logger:       slog.Default(),
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		// pingInterval zero means "use default"; New finalizes it.
	}
}

func (c hubConfig) validate() error {
	if c.sendBuffer <= 0 {
		return errors.New("hub: send buffer must be positive")
	}
	if c.writeTimeout <= 0 {
		return errors.New("hub: write timeout must be positive")
	}
	return nil
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.config.logger = logger
		}
	}
}

// WithAcceptOptions sets the WebSocket accept options, including allowed
// origin patterns.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(h *Hub) { h.config.acceptOptions = opts }
}

// WithSendBuffer sets the per-connection outgoing buffer size.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.config.sendBuffer = n
		}
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.config.writeTimeout = d
		}
	}
}

// WithPingInterval sets the keepalive ping cadence. Zero keeps the library
// default, negative disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) { h.config.pingInterval = d }
}

// WithAuthenticator installs the credential verification hook used for
// authenticate messages.
func WithAuthenticator(fn AuthFunc) Option {
	return func(h *Hub) { h.config.authenticate = fn }
}

// Options is the struct-style configuration for NewWithOptions. All fields
// have defaults from DefaultOptions.
type Options struct {
	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// AcceptOptions configures WebSocket accepts. Defaults to
	// &websocket.AcceptOptions{}.
	AcceptOptions *websocket.AcceptOptions

	// SendBuffer is the per-connection outgoing buffer. Defaults to 16.
	SendBuffer int

	// WriteTimeout bounds a single frame write. Defaults to 10 seconds.
	WriteTimeout time.Duration

	// PingInterval is the keepalive cadence. Zero means library default
	// (30s), negative disables pings.
	PingInterval time.Duration

	// Authenticate verifies authenticate messages. Nil trusts the
	// client-supplied user ID.
	Authenticate AuthFunc
}

// DefaultOptions returns Options populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:        slog.Default(),
		AcceptOptions: &websocket.AcceptOptions{},
		SendBuffer:    defaultSendBuffer,
		WriteTimeout:  defaultWriteTimeout,
		PingInterval:  defaultPingInterval,
	}
}

// NewWithOptions creates a Hub from an Options struct. Extra functional
// options override struct values.
func NewWithOptions(opts Options, extra ...Option) (*Hub, error) {
	if opts.SendBuffer < 0 {
		return nil, errors.New("hub: SendBuffer must be non-negative")
	}
	if opts.WriteTimeout < 0 {
		return nil, errors.New("hub: WriteTimeout must be non-negative")
	}

	fns := []Option{
		WithLogger(opts.Logger),
		WithAcceptOptions(opts.AcceptOptions),
		WithAuthenticator(opts.Authenticate),
	}
	if opts.SendBuffer > 0 {
		fns = append(fns, WithSendBuffer(opts.SendBuffer))
	}
	if opts.WriteTimeout > 0 {
		fns = append(fns, WithWriteTimeout(opts.WriteTimeout))
	}
	if opts.PingInterval != 0 {
		fns = append(fns, WithPingInterval(opts.PingInterval))
	}
	fns = append(fns, extra...)
	return New(fns...)
}
