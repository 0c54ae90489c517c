package signaling

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	scraper "github.com/carterjones/go-cloudflare-scraper"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/carterjones/signaling/events"
	"github.com/carterjones/signaling/message"
	"github.com/carterjones/signaling/metrics"
)

var (
	// ErrNotConnected is returned by Send when the client is not connected.
	// Nothing is written to the transport in that case.
	ErrNotConnected = errors.New("signaling client is not connected")

	// ErrAlreadyStarted is returned by Start when the client is running.
	ErrAlreadyStarted = errors.New("signaling client already started")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("signaling client closed")
)

// DefaultReconnectDelay is the fixed wait between a failure or close and the
// next connection attempt.
const DefaultReconnectDelay = 3 * time.Second

// Client keeps a connection to a signaling server open, reconnecting after
// every failure, and fans the messages it receives out to subscribers.
//
// Configure the exported fields before calling Start; changes made afterwards
// are not picked up.
type Client struct {
	// The websocket URL of the signaling server.
	Endpoint string

	// Header values sent with every opening handshake.
	Headers http.Header

	// The time to wait before reconnecting after a failed attempt or a
	// closed connection. Attempts are never capped.
	ReconnectDelay time.Duration

	// The HTTPClient whose cookie jar is shared with the websocket dialer.
	HTTPClient *http.Client

	// An optional setting to provide a non-default TLS configuration to use
	// when connecting to the websocket.
	TLSClientConfig *tls.Config

	// Proxy selection for the websocket handshake.
	Proxy func(*http.Request) (*url.URL, error)

	// Time allowed for the opening handshake.
	HandshakeTimeout time.Duration

	// Structured logger for lifecycle and codec diagnostics.
	Logger zerolog.Logger

	// Receives lifecycle observations. Nil means no instrumentation.
	Metrics metrics.Recorder

	// The transport adapter. When nil, Start builds a WebsocketTransport
	// from the fields above.
	Transport Transport

	// This value is not part of the protocol. If it is set, it is attached
	// to every log entry.
	CustomID string

	events Events

	mu     sync.Mutex
	lc     *lifecycle
	closed bool
}

func debugEnabled() bool {
	return os.Getenv("DEBUG") != ""
}

// defaultLogger writes warnings and errors to stderr, and debug output too
// when DEBUG is set.
func defaultLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if debugEnabled() {
		level = zerolog.DebugLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Str("component", "signaling").
		Logger()
}

// New creates a client for the signaling server at endpoint.
func New(endpoint string) *Client {
	// Cookies set on the cloudflare-aware HTTP client are reused by the
	// websocket handshake.
	cfTransport := scraper.NewTransport(http.DefaultTransport)
	httpClient := &http.Client{
		Transport: cfTransport,
		Jar:       cfTransport.Cookies,
	}

	return &Client{
		Endpoint:         endpoint,
		Headers:          make(http.Header),
		ReconnectDelay:   DefaultReconnectDelay,
		HTTPClient:       httpClient,
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		Logger:           defaultLogger(),
	}
}

// lifecycle returns the state machine, building it on first use.
func (c *Client) lifecycle() (*lifecycle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if c.lc != nil {
		return c.lc, nil
	}

	if c.Transport == nil {
		if c.Endpoint == "" {
			return nil, errors.New("endpoint not set")
		}

		var jar http.CookieJar
		if c.HTTPClient != nil {
			jar = c.HTTPClient.Jar
		}

		c.Transport = NewWebsocketTransport(c.Endpoint, c.Headers, DialerOptions{
			Jar:              jar,
			TLSClientConfig:  c.TLSClientConfig,
			Proxy:            c.Proxy,
			HandshakeTimeout: c.HandshakeTimeout,
		})
	}

	if c.Metrics == nil {
		c.Metrics = metrics.Nop{}
	}

	delay := c.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	log := c.Logger
	if c.CustomID != "" {
		log = log.With().Str("client", c.CustomID).Logger()
	}

	c.lc = newLifecycle(c.Transport, &c.events, delay, log, c.Metrics)
	return c.lc, nil
}

// current returns the state machine if Start has been called.
func (c *Client) current() *lifecycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lc
}

// Start begins connecting in the background. It returns immediately;
// progress is reported through the event feeds.
func (c *Client) Start() error {
	lc, err := c.lifecycle()
	if err != nil {
		return errors.Wrap(err, "start failed")
	}

	return lc.start()
}

// Stop closes the connection and cancels any pending reconnect. If the client
// was connected, a Disconnected event with Stopped set is emitted. The client
// can be started again afterwards.
//
// Stop waits for the event goroutine to finish and must not be called from
// inside an event callback.
func (c *Client) Stop() {
	if lc := c.current(); lc != nil {
		lc.stopLifecycle()
	}
}

// Close stops the client and releases every subscription. A closed client
// cannot be restarted.
func (c *Client) Close() {
	c.Stop()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.events.Close()
}

// State returns the current connection state.
func (c *Client) State() State {
	lc := c.current()
	if lc == nil {
		return StateDisconnected
	}
	s, _, _ := lc.snapshot()
	return s
}

// Counters returns the current attempt counters.
func (c *Client) Counters() Counters {
	lc := c.current()
	if lc == nil {
		return Counters{}
	}
	_, n, _ := lc.snapshot()
	return n
}

// Identity returns the identity of the current connection. ok is false until
// the server has acknowledged the connection, and again once it closes.
func (c *Client) Identity() (id Identity, ok bool) {
	lc := c.current()
	if lc == nil {
		return Identity{}, false
	}
	_, _, p := lc.snapshot()
	if p == nil {
		return Identity{}, false
	}
	return *p, true
}

// ConnectionID returns the server-assigned id of the current connection.
func (c *Client) ConnectionID() (string, bool) {
	id, ok := c.Identity()
	return id.ConnectionID, ok
}

// AuthorizationToken returns the token issued with the current connection.
// The token is opaque to the client.
func (c *Client) AuthorizationToken() (string, bool) {
	id, ok := c.Identity()
	return id.AuthorizationToken, ok
}

// Send writes one message to the server. It never waits for a connection:
// when the client is not connected it returns ErrNotConnected at once.
func (c *Client) Send(m message.Message) error {
	lc := c.current()
	if lc == nil || c.State() != StateConnected {
		c.recorder().SendRejected("not_connected")
		return ErrNotConnected
	}

	frame, err := message.Encode(m)
	if err != nil {
		c.recorder().SendRejected("invalid")
		return errors.Wrap(err, "encode failed")
	}

	if err := lc.transport.Send(frame); err != nil {
		return errors.Wrap(err, "send failed")
	}

	lc.metrics.MessageSent(string(m.MessageHeader().Type), len(frame))
	return nil
}

func (c *Client) recorder() metrics.Recorder {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Metrics == nil {
		return metrics.Nop{}
	}
	return c.Metrics
}

// Events exposes the notification feeds.
func (c *Client) Events() *Events {
	return &c.events
}

// OnConnect subscribes fn to Connected events.
func (c *Client) OnConnect(fn func(Connected)) events.Subscription {
	return c.events.Connect.Subscribe(fn)
}

// OnDisconnect subscribes fn to Disconnected events.
func (c *Client) OnDisconnect(fn func(Disconnected)) events.Subscription {
	return c.events.Disconnect.Subscribe(fn)
}

// OnMessage subscribes fn to every decoded inbound message, including the
// connection acknowledgement.
func (c *Client) OnMessage(fn func(message.Message)) events.Subscription {
	return c.events.Message.Subscribe(fn)
}

// OnConnectionFailed subscribes fn to failed connection attempts.
func (c *Client) OnConnectionFailed(fn func(ConnectionFailed)) events.Subscription {
	return c.events.ConnectionFailed.Subscribe(fn)
}
