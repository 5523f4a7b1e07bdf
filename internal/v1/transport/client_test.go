package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireomeet/sfu-core/internal/v1/types"
)

func newTestClient(t *testing.T) (*Client, *fakeSocket) {
	t.Helper()
	sock := newFakeSocket()
	c := newClient(sock, nil, "acme:standup", "alice#tab-1")
	go c.writePump()
	t.Cleanup(func() {
		c.Disconnect()
		sock.dropPeer()
	})
	return c, sock
}

// decodeFrames parses every envelope written so far.
func decodeFrames(t *testing.T, sock *fakeSocket) []types.Message {
	t.Helper()
	var out []types.Message
	for _, frame := range sock.writtenTextFrames() {
		var msg types.Message
		require.NoError(t, json.Unmarshal(frame, &msg))
		out = append(out, msg)
	}
	return out
}

func waitForFrames(t *testing.T, sock *fakeSocket, n int) []types.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(sock.writtenFrames()) >= n
	}, time.Second, 5*time.Millisecond)
	return decodeFrames(t, sock)
}

func TestClientSend(t *testing.T) {
	t.Run("should write an event envelope as a text frame", func(t *testing.T) {
		c, sock := newTestClient(t)

		c.Send("userJoined", map[string]string{"userId": "bob#tab-1"})

		msgs := waitForFrames(t, sock, 1)
		assert.Equal(t, types.Event("userJoined"), msgs[0].Event)
		assert.Empty(t, msgs[0].RequestID)
		assert.JSONEq(t, `{"userId":"bob#tab-1"}`, string(msgs[0].Payload))

		frameType, ok := sock.lastFrameType()
		require.True(t, ok)
		assert.Equal(t, websocket.TextMessage, frameType)
	})

	t.Run("should pass raw bus frames through untouched", func(t *testing.T) {
		c, sock := newTestClient(t)

		raw := []byte(`{"event":"chat","payload":{"content":"hi"}}`)
		c.SendRaw(raw)

		require.Eventually(t, func() bool {
			return len(sock.writtenFrames()) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, raw, sock.writtenFrames()[0])
	})
}

func TestClientAcks(t *testing.T) {
	t.Run("should echo the request id on a success ack", func(t *testing.T) {
		c, sock := newTestClient(t)

		c.Ack("req-7", map[string]string{"id": "producer-1"})

		msgs := waitForFrames(t, sock, 1)
		assert.Equal(t, types.EventAck, msgs[0].Event)
		assert.Equal(t, "req-7", msgs[0].RequestID)

		var body types.AckPayload
		require.NoError(t, json.Unmarshal(msgs[0].Payload, &body))
		assert.True(t, body.Success)
		assert.JSONEq(t, `{"id":"producer-1"}`, string(body.Data))
	})

	t.Run("should carry the error kind on a failure ack", func(t *testing.T) {
		c, sock := newTestClient(t)

		c.AckError("req-8", types.ErrScreenBusy)

		msgs := waitForFrames(t, sock, 1)
		assert.Equal(t, types.EventAck, msgs[0].Event)
		assert.Equal(t, "req-8", msgs[0].RequestID)

		var body types.AckPayload
		require.NoError(t, json.Unmarshal(msgs[0].Payload, &body))
		assert.False(t, body.Success)
		assert.Equal(t, string(types.ErrScreenBusy), body.Error)
	})
}

func TestClientDisconnect(t *testing.T) {
	t.Run("should emit a close frame after draining", func(t *testing.T) {
		c, sock := newTestClient(t)

		c.Send("chat", map[string]string{"content": "bye"})
		c.Disconnect()

		require.Eventually(t, func() bool {
			frameType, ok := sock.lastFrameType()
			return ok && frameType == websocket.CloseMessage
		}, time.Second, 5*time.Millisecond)

		// The chat message got out before the close frame.
		frames := sock.writtenFrames()
		require.Len(t, frames, 2)
	})

	t.Run("should drop sends after disconnect without panicking", func(t *testing.T) {
		c, _ := newTestClient(t)

		c.Disconnect()
		c.Disconnect() // idempotent

		assert.NotPanics(t, func() {
			c.Send("chat", map[string]string{"content": "late"})
			c.Ack("req-9", nil)
			c.SendRaw([]byte("{}"))
		})
	})
}
