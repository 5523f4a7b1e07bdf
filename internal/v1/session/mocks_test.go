package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/vireomeet/sfu-core/internal/v1/media"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

type mockConn struct {
	socketID types.SocketID
	mu       sync.Mutex
	sent     []types.Event
}

func newMockConn() *mockConn {
	return &mockConn{socketID: types.SocketID(uuid.NewString())}
}

func (m *mockConn) SocketID() types.SocketID { return m.socketID }

func (m *mockConn) Send(event types.Event, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, event)
}

func (m *mockConn) SendRaw(data []byte) {}

func (m *mockConn) Ack(requestID string, data any) {}

func (m *mockConn) AckError(requestID string, kind types.ErrKind) {}

func (m *mockConn) Disconnect() {}

type mockTransport struct {
	id     string
	mu     sync.Mutex
	closed bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{id: uuid.NewString()}
}

func (m *mockTransport) ID() string { return m.id }

func (m *mockTransport) Connect(ctx context.Context, opts media.ConnectOptions) error { return nil }

func (m *mockTransport) RestartICE(ctx context.Context) (webrtc.ICEParameters, error) {
	return webrtc.ICEParameters{}, nil
}

func (m *mockTransport) Produce(ctx context.Context, opts media.ProducerOptions) (media.Producer, error) {
	return newMockProducer(opts.Kind, opts.Type), nil
}

func (m *mockTransport) Consume(ctx context.Context, producerID string, caps webrtc.RTPCapabilities) (media.Consumer, error) {
	return newMockConsumer(producerID, types.MediaKindVideo), nil
}

func (m *mockTransport) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type mockProducer struct {
	id        string
	kind      types.MediaKind
	mediaType types.MediaType
	mu        sync.Mutex
	paused    bool
	closed    bool
}

func newMockProducer(kind types.MediaKind, mediaType types.MediaType) *mockProducer {
	return &mockProducer{id: uuid.NewString(), kind: kind, mediaType: mediaType}
}

func (m *mockProducer) ID() string            { return m.id }
func (m *mockProducer) Kind() types.MediaKind { return m.kind }
func (m *mockProducer) Type() types.MediaType { return m.mediaType }

func (m *mockProducer) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

func (m *mockProducer) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

func (m *mockProducer) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

func (m *mockProducer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockProducer) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type mockConsumer struct {
	id         string
	producerID string
	kind       types.MediaKind
	mu         sync.Mutex
	closed     bool
}

func newMockConsumer(producerID string, kind types.MediaKind) *mockConsumer {
	return &mockConsumer{id: uuid.NewString(), producerID: producerID, kind: kind}
}

func (m *mockConsumer) ID() string            { return m.id }
func (m *mockConsumer) ProducerID() string    { return m.producerID }
func (m *mockConsumer) Kind() types.MediaKind { return m.kind }

func (m *mockConsumer) RTPParameters() webrtc.RTPParameters {
	return webrtc.RTPParameters{}
}

func (m *mockConsumer) Encodings() []webrtc.RTPCodingParameters { return nil }

func (m *mockConsumer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockConsumer) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
