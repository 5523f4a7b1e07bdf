package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/vireomeet/sfu-core/internal/v1/auth"
	"github.com/vireomeet/sfu-core/internal/v1/media"
	"github.com/vireomeet/sfu-core/internal/v1/room"
	"github.com/vireomeet/sfu-core/internal/v1/types"
	"github.com/vireomeet/sfu-core/internal/v1/webinar"
)

// fakeSocket is an in-memory wsConnection. Reads block on the inbound
// channel; writes land in a slice guarded by the mutex.
type fakeSocket struct {
	inbound  chan []byte
	dropOnce sync.Once

	mu      sync.Mutex
	written [][]byte
	frames  []int
	closed  bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan []byte, 16)}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	data, ok := <-s.inbound
	if !ok {
		return 0, nil, errors.New("socket closed")
	}
	return websocket.TextMessage, data, nil
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("socket closed")
	}
	s.frames = append(s.frames, messageType)
	cp := make([]byte, len(data))
	copy(cp, data)
	s.written = append(s.written, cp)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
	}
	return nil
}

func (s *fakeSocket) SetWriteDeadline(t time.Time) error { return nil }

// push queues an inbound frame as if the peer had sent it.
func (s *fakeSocket) push(data []byte) {
	s.inbound <- data
}

// dropPeer simulates the peer going away: readPump's next read errors.
// Idempotent so tests can drop explicitly and again in cleanup.
func (s *fakeSocket) dropPeer() {
	s.dropOnce.Do(func() { close(s.inbound) })
}

func (s *fakeSocket) writtenFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.written))
	copy(out, s.written)
	return out
}

// writtenTextFrames returns only the text frames written so far, skipping
// control frames such as the close frame writePump emits on disconnect.
func (s *fakeSocket) writtenTextFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for i, frame := range s.written {
		if s.frames[i] != websocket.TextMessage {
			continue
		}
		cp := make([]byte, len(frame))
		copy(cp, frame)
		out = append(out, cp)
	}
	return out
}

func (s *fakeSocket) lastFrameType() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return 0, false
	}
	return s.frames[len(s.frames)-1], true
}

// --- media engine mock, enough for registry-backed hub tests ---

type stubEngine struct{}

func (stubEngine) RTPCapabilities() webrtc.RTPCapabilities { return webrtc.RTPCapabilities{} }

func (stubEngine) CreateRouter(ctx context.Context, channelID types.ChannelID) (media.Router, error) {
	return newStubRouter(), nil
}

func (stubEngine) HealthyWorkers() int { return 1 }

func (stubEngine) Close() error { return nil }

type stubRouter struct {
	id     string
	events chan media.Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func newStubRouter() *stubRouter {
	return &stubRouter{
		id:     uuid.NewString(),
		events: make(chan media.Event),
		done:   make(chan struct{}),
	}
}

func (r *stubRouter) ID() string { return r.id }

func (r *stubRouter) RTPCapabilities() webrtc.RTPCapabilities { return webrtc.RTPCapabilities{} }

func (r *stubRouter) CreateWebRtcTransport(ctx context.Context) (media.Transport, media.TransportParameters, error) {
	id := uuid.NewString()
	return &stubTransport{id: id}, media.TransportParameters{ID: id}, nil
}

func (r *stubRouter) CanConsume(producerID string, caps webrtc.RTPCapabilities) bool { return false }

func (r *stubRouter) Producer(producerID string) (media.Producer, bool) { return nil, false }

func (r *stubRouter) Events() <-chan media.Event { return r.events }

func (r *stubRouter) Done() <-chan struct{} { return r.done }

func (r *stubRouter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.done)
}

type stubTransport struct {
	id string
}

func (t *stubTransport) ID() string { return t.id }

func (t *stubTransport) Connect(ctx context.Context, opts media.ConnectOptions) error { return nil }

func (t *stubTransport) RestartICE(ctx context.Context) (webrtc.ICEParameters, error) {
	return webrtc.ICEParameters{}, nil
}

func (t *stubTransport) Produce(ctx context.Context, opts media.ProducerOptions) (media.Producer, error) {
	return nil, types.ErrMediaEngine
}

func (t *stubTransport) Consume(ctx context.Context, producerID string, caps webrtc.RTPCapabilities) (media.Consumer, error) {
	return nil, types.ErrNotConsumable
}

func (t *stubTransport) Close() {}

// --- validator mock ---

type stubValidator struct {
	claims map[string]*auth.CustomClaims
}

func (v *stubValidator) ValidateToken(token string) (*auth.CustomClaims, error) {
	if c, ok := v.claims[token]; ok {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

// --- fixtures ---

func testRoomDeps() room.Deps {
	return room.Deps{
		Engine:  stubEngine{},
		Webinar: webinar.NewController("test-secret", "https://meet.example.com"),
		Config: room.Config{
			Secret:            "test-secret",
			LowThreshold:      10,
			StandardThreshold: 8,
			DisconnectGrace:   50 * time.Millisecond,
			CleanupAfter:      50 * time.Millisecond,
		},
	}
}
