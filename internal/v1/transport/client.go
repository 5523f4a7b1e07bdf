// Package transport owns the websocket edge: upgrading connections,
// authenticating them, and pumping the JSON signaling envelope between the
// socket and the room core.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vireomeet/sfu-core/internal/v1/lifecycle"
	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/metrics"
	"github.com/vireomeet/sfu-core/internal/v1/room"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// wsConnection is the slice of *websocket.Conn the client needs. Tests
// substitute an in-memory pipe.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one signaling socket. It implements types.ClientConn for the
// room core: sends are non-blocking enqueues into buffered channels drained
// by writePump, so a slow socket can never stall a room broadcast.
type Client struct {
	conn     wsConnection
	socketID types.SocketID
	userID   types.UserID

	hub       *Hub
	channelID types.ChannelID

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	send         chan []byte // normal notifications (chat, presence)
	prioritySend chan []byte // acks, admission results, restart notices
}

func newClient(conn wsConnection, hub *Hub, channelID types.ChannelID, userID types.UserID) *Client {
	return &Client{
		conn:         conn,
		socketID:     types.SocketID(uuid.NewString()),
		userID:       userID,
		hub:          hub,
		channelID:    channelID,
		send:         make(chan []byte, 256),
		prioritySend: make(chan []byte, 64),
	}
}

// SocketID satisfies types.ClientConn.
func (c *Client) SocketID() types.SocketID {
	return c.socketID
}

// Send marshals and enqueues an event notification.
func (c *Client) Send(event types.Event, payload any) {
	data, err := encodeMessage(event, "", payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound event",
			zap.String("event", string(event)), zap.Error(err))
		return
	}
	c.enqueue(data, isPriorityEvent(event))
}

// SendRaw enqueues a pre-serialized envelope, used by the redis bus relay.
func (c *Client) SendRaw(data []byte) {
	c.enqueue(data, false)
}

// Ack satisfies types.ClientConn: a success ack carrying optional data.
func (c *Client) Ack(requestID string, data any) {
	body := types.AckPayload{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			logging.Error(context.Background(), "Failed to marshal ack data",
				zap.String("requestId", requestID), zap.Error(err))
			return
		}
		body.Data = raw
	}
	c.sendAck(requestID, body)
}

// AckError satisfies types.ClientConn: a failure ack carrying the error kind.
func (c *Client) AckError(requestID string, kind types.ErrKind) {
	c.sendAck(requestID, types.AckPayload{Error: string(kind)})
}

func (c *Client) sendAck(requestID string, body types.AckPayload) {
	data, err := encodeMessage(types.EventAck, requestID, body)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal ack",
			zap.String("requestId", requestID), zap.Error(err))
		return
	}
	c.enqueue(data, true)
}

// Disconnect closes the send channels, which lets writePump drain buffered
// messages, emit a close frame, and tear down the socket.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.send)
		close(c.prioritySend)
	})
}

func (c *Client) enqueue(data []byte, priority bool) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	// The channels may be closed between the flag check and the send.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Dropped message for closing socket",
				zap.String("socketId", string(c.socketID)))
		}
	}()

	ch := c.send
	if priority {
		ch = c.prioritySend
	}
	select {
	case ch <- data:
	default:
		if priority {
			logging.Error(context.Background(), "Priority channel full, dropping critical message",
				zap.String("socketId", string(c.socketID)),
				zap.String("userId", string(c.userID)))
		} else {
			logging.Warn(context.Background(), "Send channel full, dropping message",
				zap.String("socketId", string(c.socketID)))
		}
	}
}

// readPump decodes inbound envelopes and hands them to the room router.
// It runs until the socket errors or closes, then reports the disconnect.
func (c *Client) readPump() {
	defer func() {
		if r, ok := c.hub.registry.Get(c.channelID); ok {
			r.HandleDisconnect(context.Background(), c)
		}
		c.Disconnect()
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(context.Background(), "Failed to decode envelope",
				zap.String("userId", string(c.userID)), zap.Error(err))
			continue
		}
		if msg.Event == "" {
			continue
		}

		r, ok := c.hub.registry.Get(c.channelID)
		if !ok {
			if msg.RequestID != "" {
				c.AckError(msg.RequestID, types.ErrRoomClosed)
			}
			continue
		}
		ctx := context.WithValue(context.Background(), logging.UserIDKey, string(c.userID))
		r.Dispatch(ctx, c, msg)
	}
}

// writePump serializes all socket writes. Priority messages are preferred
// when both channels have data.
func (c *Client) writePump() {
	defer c.conn.Close()
	const writeWait = 10 * time.Second

	write := func(data []byte) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(websocket.TextMessage, data) == nil
	}

	// Disconnect closes both channels together, so a closed read on either
	// means shutdown: flush what is buffered, then emit the close frame.
	flushAndClose := func() {
		for data := range c.prioritySend {
			if !write(data) {
				return
			}
		}
		for data := range c.send {
			if !write(data) {
				return
			}
		}
		_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
	}

	for {
		select {
		case data, ok := <-c.prioritySend:
			if !ok {
				flushAndClose()
				return
			}
			if !write(data) {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				flushAndClose()
				return
			}
			if !write(data) {
				return
			}
		}
	}
}

func encodeMessage(event types.Event, requestID string, payload any) ([]byte, error) {
	msg := types.Message{Event: event, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	return json.Marshal(msg)
}

// isPriorityEvent marks the events a client must see even when its normal
// queue is backed up.
func isPriorityEvent(event types.Event) bool {
	switch event {
	case types.EventAck, room.EventAdmissionResult, lifecycle.EventServerRestarting:
		return true
	}
	return false
}
