package signaling

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// RawEventKind identifies a raw transport event.
type RawEventKind int

const (
	// RawOpen reports that the connection is established.
	RawOpen RawEventKind = iota

	// RawMessage carries one inbound text frame.
	RawMessage

	// RawError reports that the connection could not be established or
	// broke before it could be closed cleanly.
	RawError

	// RawClose reports that an established connection closed.
	RawClose
)

func (k RawEventKind) String() string {
	switch k {
	case RawOpen:
		return "open"
	case RawMessage:
		return "message"
	case RawError:
		return "error"
	case RawClose:
		return "close"
	default:
		return "unknown"
	}
}

// RawEvent is emitted by a Transport.
type RawEvent struct {
	Kind RawEventKind

	// frame payload, set for RawMessage
	Data []byte

	// cause, set for RawError and optionally RawClose
	Err error

	// websocket close code and reason, set for RawClose
	Code   int
	Reason string
}

// Transport owns a single underlying connection at a time.
//
// Open starts connecting and returns immediately. For every call it reports,
// through emit, either one RawError, or one RawOpen followed by any number of
// RawMessage events and a final RawClose. Events of one Open call are emitted
// sequentially. Opening again replaces any previous connection.
type Transport interface {
	Open(ctx context.Context, emit func(RawEvent))
	Send(frame []byte) error
	Close() error
}

// WebsocketConn is the subset of *websocket.Conn used by WebsocketTransport.
type WebsocketConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// WebsocketTransport is a Transport backed by gorilla/websocket.
type WebsocketTransport struct {
	// The websocket URL of the signaling endpoint (ws:// or wss://).
	URL string

	// Header values sent with the opening handshake.
	Header http.Header

	// The dialer used to open connections. NewWebsocketTransport prepares
	// one; a nil Dialer falls back to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Maximum size of an inbound frame. Zero means no limit.
	ReadLimit int64

	// Time allowed to write a frame.
	WriteTimeout time.Duration

	mu   sync.Mutex
	conn WebsocketConn

	writeMu sync.Mutex
}

// DialerOptions configure the dialer built by NewWebsocketTransport.
type DialerOptions struct {
	// Cookies to send with the handshake, typically the HTTP client's jar.
	Jar http.CookieJar

	// Non-default TLS configuration.
	TLSClientConfig *tls.Config

	// Proxy selection. Nil means no proxy.
	Proxy func(*http.Request) (*url.URL, error)

	// Handshake timeout. Zero means no timeout.
	HandshakeTimeout time.Duration
}

// NewWebsocketTransport creates a transport for the given endpoint.
func NewWebsocketTransport(endpoint string, header http.Header, opts DialerOptions) *WebsocketTransport {
	return &WebsocketTransport{
		URL:    endpoint,
		Header: header,
		Dialer: &websocket.Dialer{
			Proxy:            opts.Proxy,
			TLSClientConfig:  opts.TLSClientConfig,
			Jar:              opts.Jar,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		ReadLimit:    defaultReadLimit,
		WriteTimeout: defaultWriteTimeout,
	}
}

const (
	defaultReadLimit    = 64 * 1024
	defaultWriteTimeout = 10 * time.Second
)

// Open dials the endpoint in the background.
func (t *WebsocketTransport) Open(ctx context.Context, emit func(RawEvent)) {
	go t.run(ctx, emit)
}

func (t *WebsocketTransport) dial(ctx context.Context) (WebsocketConn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		// A bad handshake carries its details in the response.
		if resp != nil {
			return nil, errors.Wrapf(err, "dial failed: %v", resp.Status)
		}
		return nil, errors.Wrap(err, "dial failed")
	}

	return conn, nil
}

func (t *WebsocketTransport) run(ctx context.Context, emit func(RawEvent)) {
	conn, err := t.dial(ctx)
	if err != nil {
		emit(RawEvent{Kind: RawError, Err: err})
		return
	}

	if t.ReadLimit > 0 {
		conn.SetReadLimit(t.ReadLimit)
	}

	t.mu.Lock()
	if ctx.Err() != nil {
		// Abandoned while dialing.
		t.mu.Unlock()
		_ = conn.Close()
		emit(RawEvent{Kind: RawError, Err: errors.Wrap(ctx.Err(), "dial abandoned")})
		return
	}
	old := t.conn
	t.conn = conn
	t.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	emit(RawEvent{Kind: RawOpen})
	t.readLoop(conn, emit)
}

func (t *WebsocketTransport) readLoop(conn WebsocketConn, emit func(RawEvent)) {
	defer func() {
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		mt, p, err := conn.ReadMessage()
		if err != nil {
			emit(closeEvent(err))
			return
		}

		// Signaling frames are JSON text; anything else is ignored.
		if mt != websocket.TextMessage {
			continue
		}

		emit(RawEvent{Kind: RawMessage, Data: p})
	}
}

// closeEvent converts a read error into a RawClose event. Errors that are not
// close frames are reported as abnormal closures (1006).
func closeEvent(err error) RawEvent {
	if ce, ok := err.(*websocket.CloseError); ok {
		return RawEvent{Kind: RawClose, Code: ce.Code, Reason: ce.Text, Err: err}
	}
	return RawEvent{Kind: RawClose, Code: websocket.CloseAbnormalClosure, Err: err}
}

// Send writes one text frame to the current connection.
func (t *WebsocketTransport) Send(frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	// Verify a connection has been created.
	if conn == nil {
		return errors.New("send: connection not set")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.WriteTimeout))
	}

	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Wrap(err, "write failed")
	}

	return nil
}

// Close sends a normal closure frame and closes the current connection, if
// any. The read loop of that connection still reports its RawClose.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()

	return errors.Wrap(conn.Close(), "close failed")
}

// setConn replaces the current connection; used by tests to inject fakes.
func (t *WebsocketTransport) setConn(conn WebsocketConn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}
