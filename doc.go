/*
Package signaling provides a resilient client for a websocket signaling
server.

A Client keeps exactly one connection open and re-establishes it after any
failure:

	- start: connect to the signaling endpoint
	- open: the server acknowledges the connection with a "conn" frame that
	  carries a connection id and an authorization token
	- close or error: the identity is dropped and a new attempt is made after
	  a fixed delay, forever, until Stop is called

Every transition is reported on typed event feeds (connect, disconnect,
message, connection-failed). Messages are decoded by the message package;
frames it cannot decode are logged and dropped.

Send never waits for the network. When the client is not connected it fails
with ErrNotConnected and nothing is written.

See the provided examples for how to use this library.
*/
package signaling
