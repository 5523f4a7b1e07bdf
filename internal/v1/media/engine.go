// Package media is the façade over the RTP media engine. The room core only
// sees the Engine/Router/Transport/Producer/Consumer interfaces and the
// async event stream; the implementation in this package runs pion/webrtc
// ORTC primitives on a pool of workers.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/metrics"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// Engine owns the worker pool and creates one Router per room.
type Engine interface {
	// RTPCapabilities returns the codec set routers are created with.
	RTPCapabilities() webrtc.RTPCapabilities
	// CreateRouter allocates a router on the least-loaded healthy worker.
	CreateRouter(ctx context.Context, channelID types.ChannelID) (Router, error)
	// HealthyWorkers reports the number of usable workers. Zero means the
	// engine cannot recover and the process should exit.
	HealthyWorkers() int
	// Close releases all routers and workers.
	Close() error
}

// Router is the media scope of a single room.
type Router interface {
	ID() string
	RTPCapabilities() webrtc.RTPCapabilities
	CreateWebRtcTransport(ctx context.Context) (Transport, TransportParameters, error)
	// CanConsume reports whether a consumer with the given capabilities can
	// receive the producer's media.
	CanConsume(producerID string, caps webrtc.RTPCapabilities) bool
	// Producer resolves a producer registered on this router.
	Producer(producerID string) (Producer, bool)
	// Events delivers producer/transport close events raised outside the
	// caller's control (DTLS teardown, pump EOF). Drained by the owning room.
	Events() <-chan Event
	// Done is closed when the router shuts down; pairs with Events in the
	// drain loop.
	Done() <-chan struct{}
	Close()
}

// Transport is one side (send or receive) of a peer's connection.
type Transport interface {
	ID() string
	// Connect finishes the ICE/DTLS handshake with the client's parameters.
	Connect(ctx context.Context, opts ConnectOptions) error
	// RestartICE regenerates ICE parameters where possible and returns the
	// parameters the client should switch to.
	RestartICE(ctx context.Context) (webrtc.ICEParameters, error)
	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, producerID string, caps webrtc.RTPCapabilities) (Consumer, error)
	Close()
}

// Producer is a server-side handle for one inbound RTP stream.
type Producer interface {
	ID() string
	Kind() types.MediaKind
	Type() types.MediaType
	Pause()
	Resume()
	Paused() bool
	Close()
}

// Consumer is a server-side handle for one outbound RTP stream.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() types.MediaKind
	RTPParameters() webrtc.RTPParameters
	Encodings() []webrtc.RTPCodingParameters
	Close()
}

// engine is the pion-backed Engine.
type engine struct {
	mu      sync.Mutex
	workers []*worker
	next    int
	caps    webrtc.RTPCapabilities
	closed  bool
}

// NewEngine builds the worker pool. numWorkers is bounded by config
// validation; each worker carries its own pion API instance.
func NewEngine(numWorkers int) (Engine, error) {
	if numWorkers < 1 {
		return nil, fmt.Errorf("media: need at least one worker, got %d", numWorkers)
	}

	e := &engine{caps: defaultRTPCapabilities()}
	for i := 0; i < numWorkers; i++ {
		w, err := newWorker(i)
		if err != nil {
			return nil, fmt.Errorf("media: failed to start worker %d: %w", i, err)
		}
		e.workers = append(e.workers, w)
	}

	metrics.HealthyMediaWorkers.Set(float64(numWorkers))
	logging.Info(context.Background(), "Media engine started", zap.Int("workers", numWorkers))
	return e, nil
}

func (e *engine) RTPCapabilities() webrtc.RTPCapabilities {
	return e.caps
}

func (e *engine) CreateRouter(ctx context.Context, channelID types.ChannelID) (Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, types.ErrRoomClosed
	}

	w := e.pickWorkerLocked()
	if w == nil {
		return nil, fmt.Errorf("media: no healthy workers: %w", types.ErrMediaEngine)
	}

	r := newRouter(w, channelID, e.caps)
	logging.Info(ctx, "Router created",
		zap.String("routerId", r.ID()),
		zap.String("channelId", string(channelID)),
		zap.Int("worker", w.index))
	return r, nil
}

// pickWorkerLocked round-robins across healthy workers.
func (e *engine) pickWorkerLocked() *worker {
	n := len(e.workers)
	for i := 0; i < n; i++ {
		w := e.workers[(e.next+i)%n]
		if w.Healthy() {
			e.next = (e.next + i + 1) % n
			return w
		}
	}
	return nil
}

func (e *engine) HealthyWorkers() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	healthy := 0
	for _, w := range e.workers {
		if w.Healthy() {
			healthy++
		}
	}
	metrics.HealthyMediaWorkers.Set(float64(healthy))
	return healthy
}

func (e *engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	for _, w := range e.workers {
		w.Close()
	}
	metrics.HealthyMediaWorkers.Set(0)
	return nil
}
