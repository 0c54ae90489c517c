package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carterjones/signaling/message"
)

const eventTimeout = 2 * time.Second

// fakeTransport hands every Open call's emit function to the test, which then
// plays the role of the network.
type fakeTransport struct {
	opens chan func(RawEvent)

	mu      sync.Mutex
	sent    [][]byte
	closes  int
	sendErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{opens: make(chan func(RawEvent), 16)}
}

func (f *fakeTransport) Open(ctx context.Context, emit func(RawEvent)) {
	f.opens <- emit
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) getSent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

func (f *fakeTransport) nextOpen(t *testing.T) func(RawEvent) {
	t.Helper()
	select {
	case emit := <-f.opens:
		return emit
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for a connection attempt")
		return nil
	}
}

func (f *fakeTransport) noOpen(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case <-f.opens:
		t.Fatal("unexpected connection attempt")
	case <-time.After(d):
	}
}

// recorder collects every event of a client in emission order.
type recorder struct {
	ch chan interface{}
}

func record(c *Client) *recorder {
	r := &recorder{ch: make(chan interface{}, 64)}
	c.OnConnect(func(e Connected) { r.ch <- e })
	c.OnDisconnect(func(e Disconnected) { r.ch <- e })
	c.OnMessage(func(m message.Message) { r.ch <- m })
	c.OnConnectionFailed(func(e ConnectionFailed) { r.ch <- e })
	return r
}

func (r *recorder) next(t *testing.T) interface{} {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for an event")
		return nil
	}
}

func newFakeClient(delay time.Duration) (*Client, *fakeTransport) {
	ft := newFakeTransport()
	c := New("ws://signaling.invalid/ws")
	c.Transport = ft
	c.ReconnectDelay = delay
	c.Logger = zerolog.Nop()
	return c, ft
}

var (
	errRefused = errors.New("connection refused")
	ackFrame   = []byte(`{"from":"server","to":"abc","type":"conn","connectionId":"abc","authorization":"tok"}`)
	regAck     = []byte(`{"from":"server","to":"alice","type":"reg","success":true}`)
)

func TestLifecycle_consecutiveFailures(t *testing.T) {
	c, ft := newFakeClient(time.Millisecond)
	rec := record(c)
	defer c.Close()

	require.NoError(t, c.Start())

	const n = 5
	for i := 1; i <= n; i++ {
		ft.nextOpen(t)(RawEvent{Kind: RawError, Err: errRefused})

		ev := rec.next(t)
		failed, ok := ev.(ConnectionFailed)
		require.True(t, ok, "expected ConnectionFailed, got %#v", ev)
		assert.Equal(t, i, failed.Attempt)
		assert.Equal(t, errRefused, failed.Err)
	}

	assert.Equal(t, n, c.Counters().Attempts)
	assert.Equal(t, 0, c.Counters().Successes)
}

func TestLifecycle_failFailSucceed(t *testing.T) {
	c, ft := newFakeClient(time.Millisecond)
	rec := record(c)
	defer c.Close()

	require.NoError(t, c.Start())
	assert.Equal(t, StateConnecting, c.State())

	ft.nextOpen(t)(RawEvent{Kind: RawError, Err: errRefused})
	ft.nextOpen(t)(RawEvent{Kind: RawError, Err: errRefused})
	ft.nextOpen(t)(RawEvent{Kind: RawOpen})

	assert.Equal(t, ConnectionFailed{Attempt: 1, Err: errRefused}, rec.next(t))
	assert.Equal(t, ConnectionFailed{Attempt: 2, Err: errRefused}, rec.next(t))
	assert.Equal(t, Connected{IsReconnected: false}, rec.next(t))

	assert.Equal(t, Counters{Attempts: 0, Successes: 1}, c.Counters())
	assert.Equal(t, StateConnected, c.State())
}

func TestLifecycle_reconnectFlag(t *testing.T) {
	c, ft := newFakeClient(time.Millisecond)
	rec := record(c)
	defer c.Close()

	require.NoError(t, c.Start())

	emit := ft.nextOpen(t)
	emit(RawEvent{Kind: RawOpen})
	assert.Equal(t, Connected{IsReconnected: false}, rec.next(t))

	for i := 2; i <= 4; i++ {
		emit(RawEvent{Kind: RawClose, Code: 1006})
		assert.Equal(t, Disconnected{Code: 1006}, rec.next(t))

		// A failure between two opens must not affect the flag.
		ft.nextOpen(t)(RawEvent{Kind: RawError, Err: errRefused})
		assert.Equal(t, ConnectionFailed{Attempt: 1, Err: errRefused}, rec.next(t))

		emit = ft.nextOpen(t)
		emit(RawEvent{Kind: RawOpen})
		assert.Equal(t, Connected{IsReconnected: true}, rec.next(t))
		assert.Equal(t, Counters{Attempts: 0, Successes: i}, c.Counters())
	}
}

func TestLifecycle_identity(t *testing.T) {
	c, ft := newFakeClient(time.Millisecond)
	rec := record(c)
	defer c.Close()

	require.NoError(t, c.Start())

	emit := ft.nextOpen(t)
	emit(RawEvent{Kind: RawOpen})
	rec.next(t)

	_, ok := c.Identity()
	assert.False(t, ok, "identity before the acknowledgement")

	seen := make(chan *Identity, 1)
	c.OnMessage(func(message.Message) {
		if id, ok := c.Identity(); ok {
			seen <- &id
			return
		}
		seen <- nil
	})

	emit(RawEvent{Kind: RawMessage, Data: ackFrame})
	ack, ok := rec.next(t).(*message.ConnectAck)
	require.True(t, ok)
	assert.Equal(t, "abc", ack.ConnectionID)

	// Subscribers already observe the identity while the ack is delivered.
	select {
	case id := <-seen:
		require.NotNil(t, id)
		assert.Equal(t, Identity{ConnectionID: "abc", AuthorizationToken: "tok"}, *id)
	case <-time.After(eventTimeout):
		t.Fatal("identity subscriber not called")
	}

	id, ok := c.ConnectionID()
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
	token, ok := c.AuthorizationToken()
	assert.True(t, ok)
	assert.Equal(t, "tok", token)

	emit(RawEvent{Kind: RawClose, Code: 1000, Reason: "bye"})
	assert.Equal(t, Disconnected{Code: 1000, Reason: "bye"}, rec.next(t))

	id, ok = c.ConnectionID()
	assert.False(t, ok)
	assert.Empty(t, id)
	token, ok = c.AuthorizationToken()
	assert.False(t, ok)
	assert.Empty(t, token)
}

func TestLifecycle_dropsBadFrames(t *testing.T) {
	c, ft := newFakeClient(time.Millisecond)
	rec := record(c)
	defer c.Close()

	require.NoError(t, c.Start())

	emit := ft.nextOpen(t)
	emit(RawEvent{Kind: RawOpen})
	rec.next(t)
	emit(RawEvent{Kind: RawMessage, Data: ackFrame})
	rec.next(t)

	emit(RawEvent{Kind: RawMessage, Data: []byte("not json")})
	emit(RawEvent{Kind: RawMessage, Data: []byte(`{"from":"s","to":"c","type":"offer"}`)})
	emit(RawEvent{Kind: RawMessage, Data: []byte(`{"type":"conn","connectionId":"xyz"}`)})
	emit(RawEvent{Kind: RawMessage, Data: regAck})

	// The first event after the bad frames is the valid one.
	ack, ok := rec.next(t).(*message.RegisterAck)
	require.True(t, ok)
	assert.True(t, ack.Success)

	assert.Equal(t, StateConnected, c.State())
	id, ok := c.Identity()
	assert.True(t, ok)
	assert.Equal(t, Identity{ConnectionID: "abc", AuthorizationToken: "tok"}, id)
}

func TestLifecycle_ignoresStaleEvents(t *testing.T) {
	c, ft := newFakeClient(time.Millisecond)
	rec := record(c)
	defer c.Close()

	require.NoError(t, c.Start())

	old := ft.nextOpen(t)
	old(RawEvent{Kind: RawOpen})
	rec.next(t)
	old(RawEvent{Kind: RawClose, Code: 1006})
	rec.next(t)

	// The superseded connection keeps talking after its close.
	old(RawEvent{Kind: RawMessage, Data: ackFrame})
	old(RawEvent{Kind: RawClose, Code: 1006})

	ft.nextOpen(t)(RawEvent{Kind: RawOpen})
	assert.Equal(t, Connected{IsReconnected: true}, rec.next(t))

	_, ok := c.Identity()
	assert.False(t, ok)
}

func TestLifecycle_errorWhileConnected(t *testing.T) {
	c, ft := newFakeClient(200 * time.Millisecond)
	rec := record(c)
	defer c.Close()

	require.NoError(t, c.Start())

	emit := ft.nextOpen(t)
	emit(RawEvent{Kind: RawOpen})
	assert.Equal(t, Connected{IsReconnected: false}, rec.next(t))
	emit(RawEvent{Kind: RawMessage, Data: ackFrame})
	rec.next(t)

	emit(RawEvent{Kind: RawError, Err: errRefused})
	assert.Equal(t, ConnectionFailed{Attempt: 1, Err: errRefused}, rec.next(t))

	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, Counters{Attempts: 1, Successes: 1}, c.Counters())
	_, ok := c.Identity()
	assert.False(t, ok)

	// The broken connection's own close arrives late and is ignored.
	emit(RawEvent{Kind: RawClose, Code: 1006})

	ft.nextOpen(t)(RawEvent{Kind: RawOpen})
	assert.Equal(t, Connected{IsReconnected: true}, rec.next(t))
	assert.Equal(t, Counters{Attempts: 0, Successes: 2}, c.Counters())
}

func TestClient_Send(t *testing.T) {
	cases := map[string]struct {
		open    bool
		started bool
		sendErr error
		msg     message.Message
		wantErr string
		cause   error
		exp     string
	}{
		"never started": {
			msg:   message.NewRegister("alice", "server"),
			cause: ErrNotConnected,
		},
		"still connecting": {
			started: true,
			msg:     message.NewRegister("alice", "server"),
			cause:   ErrNotConnected,
		},
		"connected": {
			started: true,
			open:    true,
			msg:     message.NewGroupRegister("alice", "ops", "server"),
			exp:     `{"from":"alice","to":"server","type":"reggrp","isClientMessage":true,"groupName":"ops"}`,
		},
		"invalid message": {
			started: true,
			open:    true,
			msg:     message.NewGroupRegister("alice", ""),
			cause:   message.ErrInvalid,
		},
		"typed nil message": {
			started: true,
			open:    true,
			msg:     (*message.Register)(nil),
			cause:   message.ErrInvalid,
		},
		"write error": {
			started: true,
			open:    true,
			sendErr: errors.New("broken pipe"),
			msg:     message.NewRegister("alice", "server"),
			wantErr: "send failed: broken pipe",
		},
	}

	for id, tc := range cases {
		t.Run(id, func(t *testing.T) {
			c, ft := newFakeClient(time.Millisecond)
			rec := record(c)
			defer c.Close()
			ft.sendErr = tc.sendErr

			if tc.started {
				require.NoError(t, c.Start())
				emit := ft.nextOpen(t)
				if tc.open {
					emit(RawEvent{Kind: RawOpen})
					rec.next(t)
				}
			}

			before := c.State()
			err := c.Send(tc.msg)

			switch {
			case tc.cause != nil:
				require.Error(t, err)
				assert.Equal(t, tc.cause, errors.Cause(err))
				assert.Empty(t, ft.getSent())
			case tc.wantErr != "":
				assert.EqualError(t, err, tc.wantErr)
			default:
				require.NoError(t, err)
				require.Len(t, ft.getSent(), 1)
				assert.JSONEq(t, tc.exp, string(ft.getSent()[0]))
			}

			assert.Equal(t, before, c.State())
		})
	}
}

func TestClient_StopCancelsRetry(t *testing.T) {
	c, ft := newFakeClient(100 * time.Millisecond)
	rec := record(c)
	defer c.Close()

	require.NoError(t, c.Start())
	ft.nextOpen(t)(RawEvent{Kind: RawError, Err: errRefused})
	rec.next(t)

	c.Stop()
	ft.noOpen(t, 250*time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_StopAndRestart(t *testing.T) {
	c, ft := newFakeClient(time.Millisecond)
	rec := record(c)
	defer c.Close()

	require.NoError(t, c.Start())
	assert.Equal(t, ErrAlreadyStarted, c.Start())

	emit := ft.nextOpen(t)
	emit(RawEvent{Kind: RawOpen})
	rec.next(t)
	emit(RawEvent{Kind: RawMessage, Data: ackFrame})
	rec.next(t)

	c.Stop()
	assert.Equal(t, Disconnected{Stopped: true}, rec.next(t))
	assert.Equal(t, StateDisconnected, c.State())
	_, ok := c.Identity()
	assert.False(t, ok)

	// Events of the stopped connection are ignored after a restart.
	require.NoError(t, c.Start())
	emit(RawEvent{Kind: RawMessage, Data: ackFrame})
	ft.nextOpen(t)(RawEvent{Kind: RawOpen})
	assert.Equal(t, Connected{IsReconnected: true}, rec.next(t))
	_, ok = c.Identity()
	assert.False(t, ok)
}

func TestClient_StartStopOverlap(t *testing.T) {
	c, ft := newFakeClient(time.Millisecond)
	defer c.Close()

	// Answer every attempt so runs have events in flight while stopping.
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			select {
			case emit := <-ft.opens:
				emit(RawEvent{Kind: RawOpen})
			case <-quit:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = c.Start()
				c.Stop()
			}
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("overlapping Start and Stop did not finish")
	}

	assert.Equal(t, StateDisconnected, c.State())
	_, ok := c.Identity()
	assert.False(t, ok)

	// The client is still usable afterwards.
	require.NoError(t, c.Start())
	c.Stop()
}

func TestClient_Close(t *testing.T) {
	c, ft := newFakeClient(time.Millisecond)
	record(c)

	require.NoError(t, c.Start())
	ft.nextOpen(t)

	c.Close()
	c.Close()

	assert.Equal(t, 0, c.Events().Connect.Len())
	assert.Equal(t, 0, c.Events().Disconnect.Len())
	assert.Equal(t, 0, c.Events().Message.Len())
	assert.Equal(t, 0, c.Events().ConnectionFailed.Len())

	err := c.Start()
	require.Error(t, err)
	assert.Equal(t, ErrClosed, errors.Cause(err))
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		State(42):         "unknown",
	}

	for in, exp := range cases {
		assert.Equal(t, exp, in.String())
	}
}
