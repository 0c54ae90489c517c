package signaling_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carterjones/signaling"
	"github.com/carterjones/signaling/message"
)

func TestTestCompleteHandler(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(signaling.TestCompleteHandler))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(toWS(ts.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, p, err := conn.ReadMessage()
	require.NoError(t, err)

	m, err := message.Decode(p)
	require.NoError(t, err)
	ack, ok := m.(*message.ConnectAck)
	require.True(t, ok)
	assert.Equal(t, message.To(ack.ConnectionID), ack.To)

	cases := map[string]struct {
		in  message.Message
		typ message.Type
	}{
		"register":         {in: message.NewRegister("bob", "server"), typ: message.TypeRegister},
		"deregister":       {in: message.NewDeregister("bob", "server"), typ: message.TypeDeregister},
		"group register":   {in: message.NewGroupRegister("bob", "ops", "server"), typ: message.TypeGroupRegister},
		"group deregister": {in: message.NewGroupDeregister("bob", "ops", "server"), typ: message.TypeGroupDeregister},
	}

	for id, tc := range cases {
		t.Run(id, func(t *testing.T) {
			frame, err := message.Encode(tc.in)
			require.NoError(t, err)
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

			_, p, err := conn.ReadMessage()
			require.NoError(t, err)

			m, err := message.Decode(p)
			require.NoError(t, err)
			reply, ok := m.(*message.RegisterAck)
			require.True(t, ok)
			assert.True(t, reply.Success)
			assert.Equal(t, tc.typ, reply.Type)
			assert.Equal(t, message.To("bob"), reply.To)
		})
	}
}

func TestTestUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(signaling.TestUnavailable))
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(toWS(ts.URL), nil)
	assert.Equal(t, websocket.ErrBadHandshake, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
