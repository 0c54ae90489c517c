package signaling

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/carterjones/signaling/message"
)

// TestCompleteHandler is a minimal signaling server. It upgrades the request,
// acknowledges the connection with a fresh identity and answers every
// registration frame with a successful RegisterAck.
//
// If an error occurs while upgrading the websocket, it will panic.
func TestCompleteHandler(w http.ResponseWriter, r *http.Request) {
	c := testUpgrade(w, r)
	id := uuid.NewString()

	go func() {
		defer c.Close()

		if err := TestAcknowledge(c, id); err != nil {
			return
		}

		for {
			_, p, err := c.ReadMessage()
			if err != nil {
				return
			}

			reply := testReply(p)
			if reply == nil {
				continue
			}

			if err := c.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}()
}

// TestAcknowledge writes a Connect-Ack for connection id to c. The
// authorization token is a random UUID.
func TestAcknowledge(c *websocket.Conn, id string) error {
	ack, err := message.Encode(&message.ConnectAck{
		Header:        message.Header{From: "server", To: message.To(id), Type: message.TypeConnect},
		ConnectionID:  id,
		Authorization: uuid.NewString(),
	})
	if err != nil {
		return err
	}

	return c.WriteMessage(websocket.TextMessage, ack)
}

// TestUnavailable rejects the handshake with 503 Service Unavailable.
func TestUnavailable(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "signaling server unavailable", http.StatusServiceUnavailable)
}

func testUpgrade(w http.ResponseWriter, r *http.Request) *websocket.Conn {
	upgrader := websocket.Upgrader{}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		panic(err)
	}
	return c
}

// testReply builds the server's answer to a client frame, or nil when the
// frame needs none.
func testReply(p []byte) []byte {
	m, err := message.Decode(p)
	if err != nil {
		return nil
	}

	h := m.MessageHeader()
	switch m.(type) {
	case *message.Register, *message.GroupRegister:
	default:
		return nil
	}

	reply, err := message.Encode(&message.RegisterAck{
		Header:  message.Header{From: "server", To: message.To(h.From), Type: h.Type},
		Success: true,
	})
	if err != nil {
		return nil
	}

	return reply
}
