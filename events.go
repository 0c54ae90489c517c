package signaling

import (
	"github.com/carterjones/signaling/events"
	"github.com/carterjones/signaling/message"
)

// Connected is emitted each time a connection opens.
type Connected struct {
	// true for every successful open after the first one in the client's
	// lifetime
	IsReconnected bool
}

// Disconnected is emitted when an open connection closes.
type Disconnected struct {
	// websocket close code and reason, when the server sent them
	Code   int
	Reason string

	// the read error that ended the connection, if any
	Err error

	// true when the close was requested through Stop or Close
	Stopped bool
}

// ConnectionFailed is emitted for every failed attempt.
type ConnectionFailed struct {
	// number of consecutive failures, starting at 1
	Attempt int

	Err error
}

// Events holds the notification feeds of a client. Each feed is independent;
// emissions are delivered synchronously on the client's event goroutine.
type Events struct {
	Connect          events.Feed[Connected]
	Disconnect       events.Feed[Disconnected]
	Message          events.Feed[message.Message]
	ConnectionFailed events.Feed[ConnectionFailed]
}

// Close releases every subscription on every feed.
func (e *Events) Close() {
	e.Connect.Close()
	e.Disconnect.Close()
	e.Message.Close()
	e.ConnectionFailed.Close()
}
