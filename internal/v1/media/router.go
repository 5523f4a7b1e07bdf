package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// routerEventBuffer bounds the async event channel. Events are dropped with
// a log line rather than blocking the media path.
const routerEventBuffer = 64

type router struct {
	id        string
	worker    *worker
	channelID types.ChannelID
	caps      webrtc.RTPCapabilities

	mu         sync.RWMutex
	transports map[string]*webRtcTransport
	producers  map[string]*producer
	closed     bool

	events chan Event
	done   chan struct{}
}

func newRouter(w *worker, channelID types.ChannelID, caps webrtc.RTPCapabilities) *router {
	r := &router{
		id:         uuid.NewString(),
		worker:     w,
		channelID:  channelID,
		caps:       caps,
		transports: make(map[string]*webRtcTransport),
		producers:  make(map[string]*producer),
		events:     make(chan Event, routerEventBuffer),
		done:       make(chan struct{}),
	}
	w.addRouter(r)
	return r
}

func (r *router) ID() string { return r.id }

func (r *router) RTPCapabilities() webrtc.RTPCapabilities { return r.caps }

func (r *router) Events() <-chan Event { return r.events }

func (r *router) Done() <-chan struct{} { return r.done }

func (r *router) CreateWebRtcTransport(ctx context.Context) (Transport, TransportParameters, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, TransportParameters{}, types.ErrRoomClosed
	}
	r.mu.Unlock()

	t, params, err := newWebRtcTransport(ctx, r)
	if err != nil {
		r.worker.reportFailure()
		return nil, TransportParameters{}, fmt.Errorf("%w: %v", types.ErrMediaEngine, err)
	}
	r.worker.reportSuccess()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.Close()
		return nil, TransportParameters{}, types.ErrRoomClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	return t, params, nil
}

func (r *router) CanConsume(producerID string, caps webrtc.RTPCapabilities) bool {
	r.mu.RLock()
	p, ok := r.producers[producerID]
	r.mu.RUnlock()
	if !ok || p.isClosed() {
		return false
	}
	return codecMatch(p.codec, caps)
}

func (r *router) Producer(producerID string) (Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[producerID]
	if !ok || p.isClosed() {
		return nil, false
	}
	return p, true
}

func (r *router) addProducer(p *producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *router) removeProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *router) removeTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

// emit publishes an async event without ever blocking media goroutines.
// Events after Close are discarded.
func (r *router) emit(ev Event) {
	select {
	case <-r.done:
	case r.events <- ev:
	default:
		logging.Warn(context.Background(), "Router event dropped, channel full",
			zap.String("routerId", r.id),
			zap.String("eventType", string(ev.Type)))
	}
}

func (r *router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*webRtcTransport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	close(r.done)
	for _, t := range transports {
		t.Close()
	}

	r.worker.removeRouter(r.id)
}
