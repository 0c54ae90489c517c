package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/carterjones/signaling/message"
	"github.com/carterjones/signaling/metrics"
)

// State is the connection state of a client.
type State int

const (
	// StateDisconnected means no connection is open. It is the initial
	// state and the state between a failure and the next retry.
	StateDisconnected State = iota

	// StateConnecting means an attempt is in flight.
	StateConnecting

	// StateConnected means the connection is open.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Counters track connection attempts.
type Counters struct {
	// consecutive failed attempts since the last successful open
	Attempts int

	// successful opens over the client's lifetime
	Successes int
}

// Identity is the server-assigned identity of the current connection.
type Identity struct {
	ConnectionID       string
	AuthorizationToken string
}

// taggedEvent is a raw event stamped with the generation of the connection
// attempt that produced it.
type taggedEvent struct {
	gen uint64
	ev  RawEvent
}

// lifecycle is the reconnect state machine. A single goroutine (run) applies
// every transition; mu only lets other goroutines read a consistent snapshot.
type lifecycle struct {
	transport Transport
	events    *Events
	delay     time.Duration
	log       zerolog.Logger
	metrics   metrics.Recorder

	// serializes start and stop; stop holds it until run has exited
	ctl sync.Mutex

	mu       sync.RWMutex
	state    State
	counters Counters
	identity *Identity
	running  bool

	// owned by the run goroutine, or by start before it exists
	gen    uint64
	cancel context.CancelFunc

	// channels of the current run, guarded by ctl
	stop chan struct{}
	done chan struct{}
}

func newLifecycle(t Transport, ev *Events, delay time.Duration, log zerolog.Logger, rec metrics.Recorder) *lifecycle {
	return &lifecycle{
		transport: t,
		events:    ev,
		delay:     delay,
		log:       log,
		metrics:   rec,
	}
}

func (l *lifecycle) start() error {
	l.ctl.Lock()
	defer l.ctl.Unlock()

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.running = true
	l.mu.Unlock()

	raw := make(chan taggedEvent, 16)
	l.stop = make(chan struct{})
	l.done = make(chan struct{})

	l.connect(raw, l.stop)
	go l.run(raw, l.stop, l.done)

	return nil
}

// stopLifecycle cancels any pending retry, closes the connection and waits for
// the event goroutine to exit. A concurrent start waits until it has.
func (l *lifecycle) stopLifecycle() {
	l.ctl.Lock()
	defer l.ctl.Unlock()

	l.mu.RLock()
	running := l.running
	l.mu.RUnlock()
	if !running {
		return
	}

	close(l.stop)
	<-l.done

	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
}

func (l *lifecycle) run(raw chan taggedEvent, stop, done chan struct{}) {
	defer close(done)

	var retry *time.Timer
	var retryC <-chan time.Time

	for {
		select {
		case <-stop:
			if retry != nil {
				retry.Stop()
			}
			l.shutdown()
			return

		case <-retryC:
			retry, retryC = nil, nil
			l.connect(raw, stop)

		case te := <-raw:
			if te.gen != l.gen {
				// Leftover from a superseded connection.
				continue
			}

			if l.handle(te.ev) {
				retry = time.NewTimer(l.delay)
				retryC = retry.C
			}
		}
	}
}

// handle applies one raw event and reports whether a retry must be scheduled.
func (l *lifecycle) handle(ev RawEvent) bool {
	switch ev.Kind {
	case RawOpen:
		l.onOpen()
	case RawMessage:
		l.onMessage(ev.Data)
	case RawError:
		return l.onError(ev.Err)
	case RawClose:
		return l.onClose(ev)
	}
	return false
}

// connect starts a new attempt. It is called from start before the event
// goroutine exists and afterwards only from that goroutine. Events are
// delivered on raw until stop is closed.
func (l *lifecycle) connect(raw chan<- taggedEvent, stop <-chan struct{}) {
	l.gen++
	gen := l.gen

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	l.setState(StateConnecting)
	l.metrics.ConnectAttempt()

	l.mu.RLock()
	reconnect := l.counters.Successes > 0
	l.mu.RUnlock()

	if reconnect {
		l.log.Debug().Uint64("attempt_gen", gen).Msg("trying to reconnect to signaling server")
	} else {
		l.log.Debug().Uint64("attempt_gen", gen).Msg("trying to connect to signaling server")
	}

	l.transport.Open(ctx, func(ev RawEvent) {
		select {
		case raw <- taggedEvent{gen: gen, ev: ev}:
		case <-stop:
		}
	})
}

func (l *lifecycle) onOpen() {
	l.mu.Lock()
	if s := l.state; s != StateConnecting {
		l.mu.Unlock()
		l.log.Warn().Stringer("state", s).Msg("ignoring open outside of connecting state")
		return
	}
	l.state = StateConnected
	l.counters.Successes++
	l.counters.Attempts = 0
	l.identity = nil
	reconnected := l.counters.Successes > 1
	l.mu.Unlock()

	if reconnected {
		l.log.Info().Msg("signaling client reconnected")
	} else {
		l.log.Info().Msg("signaling client connected")
	}

	l.metrics.Connected(reconnected)
	l.events.Connect.Emit(Connected{IsReconnected: reconnected})
}

func (l *lifecycle) onMessage(frame []byte) {
	m, err := message.Decode(frame)
	if err != nil {
		l.log.Warn().Err(err).Int("size", len(frame)).Msg("dropping signaling frame")
		l.metrics.MessageDropped(dropReason(err))
		return
	}

	if ack, ok := m.(*message.ConnectAck); ok {
		l.mu.Lock()
		if l.state == StateConnected {
			l.identity = &Identity{
				ConnectionID:       ack.ConnectionID,
				AuthorizationToken: ack.Authorization,
			}
		}
		l.mu.Unlock()
		l.log.Debug().Str("connection_id", ack.ConnectionID).Msg("received connection identity")
	}

	l.metrics.MessageReceived(string(m.MessageHeader().Type), len(frame))
	l.events.Message.Emit(m)
}

func (l *lifecycle) onError(cause error) bool {
	l.mu.Lock()
	if l.state == StateDisconnected {
		l.mu.Unlock()
		return false
	}
	l.state = StateDisconnected
	l.identity = nil
	l.counters.Attempts++
	attempt := l.counters.Attempts
	l.mu.Unlock()

	// The attempt is over; anything else it reports is stale.
	l.abandon()

	l.log.Warn().Err(cause).Int("attempt", attempt).Dur("retry_in", l.delay).
		Msg("connection to signaling server failed")

	l.metrics.ConnectFailed(attempt)
	l.events.ConnectionFailed.Emit(ConnectionFailed{Attempt: attempt, Err: cause})
	return true
}

func (l *lifecycle) onClose(ev RawEvent) bool {
	l.mu.Lock()
	if l.state != StateConnected {
		l.mu.Unlock()
		return false
	}
	l.state = StateDisconnected
	l.identity = nil
	l.mu.Unlock()

	l.abandon()

	l.log.Info().Int("code", ev.Code).Str("reason", ev.Reason).Dur("retry_in", l.delay).
		Msg("disconnected from signaling server")

	l.metrics.Disconnected(ev.Code)
	l.events.Disconnect.Emit(Disconnected{Code: ev.Code, Reason: ev.Reason, Err: ev.Err})
	return true
}

// abandon invalidates the current attempt and releases its connection.
func (l *lifecycle) abandon() {
	l.gen++
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	if err := l.transport.Close(); err != nil {
		l.log.Debug().Err(err).Msg("closing transport")
	}
}

func (l *lifecycle) shutdown() {
	l.mu.Lock()
	wasConnected := l.state == StateConnected
	l.state = StateDisconnected
	l.identity = nil
	l.mu.Unlock()

	l.abandon()
	l.log.Info().Msg("signaling client stopped")

	if wasConnected {
		l.metrics.Disconnected(0)
		l.events.Disconnect.Emit(Disconnected{Stopped: true})
	}
}

func (l *lifecycle) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *lifecycle) snapshot() (State, Counters, *Identity) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state, l.counters, l.identity
}

func dropReason(err error) string {
	switch errors.Cause(err) {
	case message.ErrMalformed:
		return "malformed"
	case message.ErrUnknownType:
		return "unknown_type"
	case message.ErrInvalid:
		return "invalid"
	default:
		return "other"
	}
}
