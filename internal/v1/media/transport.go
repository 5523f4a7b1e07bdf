package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/metrics"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// webRtcTransport bundles the ORTC ICE and DTLS transports for one direction
// of one peer. The server is always the ICE controlled side; browsers
// initiate connectivity checks.
type webRtcTransport struct {
	id       string
	router   *router
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	localICE webrtc.ICEParameters

	mu        sync.Mutex
	connected bool
	closed    bool
	producers map[string]*producer
	consumers map[string]*consumer
}

// newWebRtcTransport gathers host candidates up front so the transport
// parameters in the ack are complete.
func newWebRtcTransport(ctx context.Context, r *router) (*webRtcTransport, TransportParameters, error) {
	api := r.worker.api

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, TransportParameters{}, fmt.Errorf("ice gatherer: %w", err)
	}

	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, TransportParameters{}, fmt.Errorf("dtls transport: %w", err)
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		return nil, TransportParameters{}, fmt.Errorf("ice gather: %w", err)
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		return nil, TransportParameters{}, fmt.Errorf("ice gather: %w", ctx.Err())
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, TransportParameters{}, fmt.Errorf("ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return nil, TransportParameters{}, fmt.Errorf("ice candidates: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, TransportParameters{}, fmt.Errorf("dtls parameters: %w", err)
	}

	t := &webRtcTransport{
		id:        uuid.NewString(),
		router:    r,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		localICE:  iceParams,
		producers: make(map[string]*producer),
		consumers: make(map[string]*consumer),
	}

	ice.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		if state == webrtc.ICETransportStateFailed {
			logging.Warn(context.Background(), "ICE transport failed",
				zap.String("transportId", t.id),
				zap.String("routerId", r.id))
			r.emit(Event{Type: EventTransportFailed, TransportID: t.id})
		}
	})

	params := TransportParameters{
		ID:             t.id,
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
		DTLSParameters: dtlsParams,
	}
	return t, params, nil
}

func (t *webRtcTransport) ID() string { return t.id }

// Connect runs the ICE then DTLS handshake. Idempotent calls after a
// successful connect are rejected so a misbehaving client cannot reset a
// live transport.
func (t *webRtcTransport) Connect(ctx context.Context, opts ConnectOptions) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return types.ErrTransportNotFound
	}
	if t.connected {
		t.mu.Unlock()
		return errors.New("transport already connected")
	}
	t.connected = true
	t.mu.Unlock()

	remoteICE := webrtc.ICEParameters{}
	if opts.ICEParameters != nil {
		remoteICE = *opts.ICEParameters
	}

	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, remoteICE, &role); err != nil {
		t.markDisconnectedOnError()
		return fmt.Errorf("%w: ice start: %v", types.ErrMediaEngine, err)
	}
	if err := t.dtls.Start(opts.DTLSParameters); err != nil {
		t.markDisconnectedOnError()
		return fmt.Errorf("%w: dtls start: %v", types.ErrMediaEngine, err)
	}

	logging.Info(ctx, "Transport connected", zap.String("transportId", t.id))
	return nil
}

func (t *webRtcTransport) markDisconnectedOnError() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

// RestartICE regenerates ICE credentials when the transport has not started
// yet; once ICE is live pion cannot re-key it, so the current parameters are
// returned and the client is expected to re-run connectivity checks.
func (t *webRtcTransport) RestartICE(ctx context.Context) (webrtc.ICEParameters, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return webrtc.ICEParameters{}, types.ErrTransportNotFound
	}
	if !t.connected {
		if err := t.gatherer.Gather(); err == nil {
			if params, err := t.gatherer.GetLocalParameters(); err == nil {
				t.localICE = params
			}
		}
	}
	return t.localICE, nil
}

func (t *webRtcTransport) Produce(ctx context.Context, opts ProducerOptions) (Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, types.ErrTransportNotFound
	}
	t.mu.Unlock()

	p, err := newProducer(t, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMediaEngine, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		p.Close()
		return nil, types.ErrTransportNotFound
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	t.router.addProducer(p)
	metrics.ActiveProducers.WithLabelValues(string(p.kind), string(p.mediaType)).Inc()
	p.startPump()

	logging.Info(ctx, "Producer created",
		zap.String("transportId", t.id),
		zap.String("producerId", p.id),
		zap.String("kind", string(p.kind)),
		zap.String("type", string(p.mediaType)))
	return p, nil
}

func (t *webRtcTransport) Consume(ctx context.Context, producerID string, caps webrtc.RTPCapabilities) (Consumer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, types.ErrTransportNotFound
	}
	t.mu.Unlock()

	t.router.mu.RLock()
	p, ok := t.router.producers[producerID]
	t.router.mu.RUnlock()
	if !ok || p.isClosed() {
		return nil, types.ErrNotFound
	}
	if !codecMatch(p.codec, caps) {
		return nil, types.ErrNotConsumable
	}

	c, err := newConsumer(t, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMediaEngine, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.Close()
		return nil, types.ErrTransportNotFound
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	p.addConsumer(c)
	metrics.ActiveConsumers.Inc()

	logging.Info(ctx, "Consumer created",
		zap.String("transportId", t.id),
		zap.String("consumerId", c.id),
		zap.String("producerId", producerID))
	return c, nil
}

func (t *webRtcTransport) removeProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *webRtcTransport) removeConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

func (t *webRtcTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}

	_ = t.dtls.Stop()
	_ = t.ice.Stop()

	t.router.removeTransport(t.id)
}
