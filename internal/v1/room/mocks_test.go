package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/vireomeet/sfu-core/internal/v1/media"
	"github.com/vireomeet/sfu-core/internal/v1/types"
	"github.com/vireomeet/sfu-core/internal/v1/webinar"
)

// --- connection mock ---

type sentEvent struct {
	event   types.Event
	payload interface{}
}

type ackRecord struct {
	requestID string
	data      interface{}
	errKind   types.ErrKind
	isError   bool
}

type mockConn struct {
	socketID types.SocketID

	mu           sync.Mutex
	sent         []sentEvent
	acks         []ackRecord
	disconnected bool
}

func newMockConn() *mockConn {
	return &mockConn{socketID: types.SocketID(uuid.NewString())}
}

func (m *mockConn) SocketID() types.SocketID { return m.socketID }

func (m *mockConn) Send(event types.Event, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentEvent{event: event, payload: payload})
}

func (m *mockConn) SendRaw(data []byte) {}

func (m *mockConn) Ack(requestID string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, ackRecord{requestID: requestID, data: data})
}

func (m *mockConn) AckError(requestID string, kind types.ErrKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, ackRecord{requestID: requestID, errKind: kind, isError: true})
}

func (m *mockConn) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
}

func (m *mockConn) isDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

func (m *mockConn) eventsOf(event types.Event) []sentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentEvent
	for _, s := range m.sent {
		if s.event == event {
			out = append(out, s)
		}
	}
	return out
}

func (m *mockConn) lastAck() (ackRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.acks) == 0 {
		return ackRecord{}, false
	}
	return m.acks[len(m.acks)-1], true
}

func (m *mockConn) lastEvent() (sentEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentEvent{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// --- media engine mocks ---

type mockEngine struct {
	mu      sync.Mutex
	routers []*mockRouter
}

func (e *mockEngine) RTPCapabilities() webrtc.RTPCapabilities {
	return webrtc.RTPCapabilities{}
}

func (e *mockEngine) CreateRouter(ctx context.Context, channelID types.ChannelID) (media.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := newMockRouter()
	e.routers = append(e.routers, r)
	return r, nil
}

func (e *mockEngine) HealthyWorkers() int { return 1 }

func (e *mockEngine) Close() error { return nil }

type mockRouter struct {
	id     string
	events chan media.Event
	done   chan struct{}

	mu        sync.Mutex
	producers map[string]media.Producer
	closed    bool
}

func newMockRouter() *mockRouter {
	return &mockRouter{
		id:        uuid.NewString(),
		events:    make(chan media.Event, 16),
		done:      make(chan struct{}),
		producers: make(map[string]media.Producer),
	}
}

func (r *mockRouter) ID() string { return r.id }

func (r *mockRouter) RTPCapabilities() webrtc.RTPCapabilities {
	return webrtc.RTPCapabilities{}
}

func (r *mockRouter) CreateWebRtcTransport(ctx context.Context) (media.Transport, media.TransportParameters, error) {
	t := &mockTransport{id: uuid.NewString(), router: r}
	return t, media.TransportParameters{ID: t.id}, nil
}

func (r *mockRouter) CanConsume(producerID string, caps webrtc.RTPCapabilities) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.producers[producerID]
	return ok
}

func (r *mockRouter) Producer(producerID string) (media.Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[producerID]
	return p, ok
}

func (r *mockRouter) Events() <-chan media.Event { return r.events }

func (r *mockRouter) Done() <-chan struct{} { return r.done }

func (r *mockRouter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.done)
}

// emit injects an async engine event like a dying pump would.
func (r *mockRouter) emit(ev media.Event) {
	r.events <- ev
}

type mockTransport struct {
	id     string
	router *mockRouter

	mu     sync.Mutex
	closed bool
}

func (t *mockTransport) ID() string { return t.id }

func (t *mockTransport) Connect(ctx context.Context, opts media.ConnectOptions) error { return nil }

func (t *mockTransport) RestartICE(ctx context.Context) (webrtc.ICEParameters, error) {
	return webrtc.ICEParameters{UsernameFragment: "restarted"}, nil
}

func (t *mockTransport) Produce(ctx context.Context, opts media.ProducerOptions) (media.Producer, error) {
	p := &mockProducer{
		id:        uuid.NewString(),
		kind:      opts.Kind,
		mediaType: opts.Type,
		paused:    opts.Paused,
	}
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *mockTransport) Consume(ctx context.Context, producerID string, caps webrtc.RTPCapabilities) (media.Consumer, error) {
	return &mockConsumer{id: uuid.NewString(), producerID: producerID, kind: types.MediaKindVideo}, nil
}

func (t *mockTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

type mockProducer struct {
	id        string
	kind      types.MediaKind
	mediaType types.MediaType

	mu     sync.Mutex
	paused bool
	closed bool
}

func (p *mockProducer) ID() string            { return p.id }
func (p *mockProducer) Kind() types.MediaKind { return p.kind }
func (p *mockProducer) Type() types.MediaType { return p.mediaType }

func (p *mockProducer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

func (p *mockProducer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

func (p *mockProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *mockProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *mockProducer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type mockConsumer struct {
	id         string
	producerID string
	kind       types.MediaKind

	mu     sync.Mutex
	closed bool
}

func (c *mockConsumer) ID() string         { return c.id }
func (c *mockConsumer) ProducerID() string { return c.producerID }

func (c *mockConsumer) Kind() types.MediaKind { return c.kind }

func (c *mockConsumer) RTPParameters() webrtc.RTPParameters { return webrtc.RTPParameters{} }

func (c *mockConsumer) Encodings() []webrtc.RTPCodingParameters { return nil }

func (c *mockConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *mockConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// --- fixtures ---

const testChannel = types.ChannelID("acme:daily-standup")

func testDeps() Deps {
	return Deps{
		Engine:  &mockEngine{},
		Webinar: webinar.NewController("test-secret", "https://meet.example.com"),
		Config: Config{
			Secret:            "test-secret",
			LowThreshold:      10,
			StandardThreshold: 8,
			DisconnectGrace:   50 * time.Millisecond,
			CleanupAfter:      50 * time.Millisecond,
		},
	}
}

func newTestRoom(t *testing.T) *Room {
	t.Helper()
	r, err := NewRoom(context.Background(), testChannel, testDeps(), nil)
	if err != nil {
		t.Fatalf("NewRoom: %v", err)
	}
	t.Cleanup(func() { r.Close(context.Background(), "test done") })
	return r
}

func joinInput(key string, conn *mockConn) JoinInput {
	return JoinInput{
		UserKey:     types.UserKey(key),
		SessionID:   types.SessionID(uuid.NewString()[:8]),
		DisplayName: types.DisplayName(key),
		Role:        types.RoleParticipant,
		Conn:        conn,
	}
}

// joinHost admits a host-credentialed participant.
func joinHost(r *Room, key string) (*mockConn, JoinResult, error) {
	conn := newMockConn()
	in := joinInput(key, conn)
	in.IsHostCredential = true
	res, err := r.Join(context.Background(), in)
	return conn, res, err
}

// joinParticipant admits a plain participant, relying on a pre-cleared or
// unlocked room.
func joinParticipant(r *Room, key string) (*mockConn, JoinResult, error) {
	conn := newMockConn()
	res, err := r.Join(context.Background(), joinInput(key, conn))
	return conn, res, err
}
