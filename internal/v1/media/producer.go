package media

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/metrics"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// producer receives one RTP stream from a peer and fans its packets out to
// the consumers subscribed to it. One pump goroutine per producer.
type producer struct {
	id        string
	transport *webRtcTransport
	kind      types.MediaKind
	mediaType types.MediaType
	codec     webrtc.RTPCodecCapability
	receiver  *webrtc.RTPReceiver

	paused atomic.Bool
	closed atomic.Bool

	mu        sync.RWMutex
	consumers map[string]*consumer

	closeOnce sync.Once
}

func newProducer(t *webRtcTransport, opts ProducerOptions) (*producer, error) {
	codec, err := pickCodec(opts)
	if err != nil {
		return nil, err
	}
	encodings := opts.Encodings
	if len(encodings) == 0 {
		encodings = defaultEncodings(opts)
	}

	codecType := webrtc.RTPCodecTypeVideo
	if opts.Kind == types.MediaKindAudio {
		codecType = webrtc.RTPCodecTypeAudio
	}

	receiver, err := t.router.worker.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}

	recvParams := webrtc.RTPReceiveParameters{}
	for _, enc := range encodings {
		recvParams.Encodings = append(recvParams.Encodings, webrtc.RTPDecodingParameters{
			RTPCodingParameters: enc,
		})
	}
	if err := receiver.Receive(recvParams); err != nil {
		return nil, fmt.Errorf("rtp receive: %w", err)
	}

	p := &producer{
		id:        uuid.NewString(),
		transport: t,
		kind:      opts.Kind,
		mediaType: opts.Type,
		codec:     codec,
		receiver:  receiver,
		consumers: make(map[string]*consumer),
	}
	p.paused.Store(opts.Paused)
	return p, nil
}

// defaultEncodings synthesizes a single encoding from the offered codec of
// the matching kind. Clients that send bare rtpParameters without an
// explicit encodings list get one stream keyed by the codec's payload type.
func defaultEncodings(opts ProducerOptions) []webrtc.RTPCodingParameters {
	wantAudio := opts.Kind == types.MediaKindAudio
	for _, offered := range opts.RTPParameters.Codecs {
		isAudio := strings.HasPrefix(strings.ToLower(offered.MimeType), "audio/")
		if isAudio != wantAudio {
			continue
		}
		return []webrtc.RTPCodingParameters{{PayloadType: offered.PayloadType}}
	}
	return nil
}

// pickCodec selects the first client-offered codec the server supports.
func pickCodec(opts ProducerOptions) (webrtc.RTPCodecCapability, error) {
	wantAudio := opts.Kind == types.MediaKindAudio
	for _, offered := range opts.RTPParameters.Codecs {
		isAudio := strings.HasPrefix(strings.ToLower(offered.MimeType), "audio/")
		if isAudio != wantAudio {
			continue
		}
		for _, supported := range supportedCodecs {
			if strings.EqualFold(supported.MimeType, offered.MimeType) && supported.ClockRate == offered.ClockRate {
				return supported.RTPCodecCapability, nil
			}
		}
	}
	return webrtc.RTPCodecCapability{}, fmt.Errorf("no supported codec for kind %q", opts.Kind)
}

func (p *producer) ID() string            { return p.id }
func (p *producer) Kind() types.MediaKind { return p.kind }
func (p *producer) Type() types.MediaType { return p.mediaType }
func (p *producer) Paused() bool          { return p.paused.Load() }
func (p *producer) isClosed() bool        { return p.closed.Load() }

func (p *producer) Pause()  { p.paused.Store(true) }
func (p *producer) Resume() { p.paused.Store(false) }

func (p *producer) addConsumer(c *consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers[c.id] = c
}

func (p *producer) removeConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

// startPump spawns the forwarding goroutine. Reads continue while paused so
// the receive buffer does not back up; paused packets are dropped.
func (p *producer) startPump() {
	go func() {
		track := p.receiver.Track()
		buf := make([]byte, 1500)
		for {
			n, _, err := track.Read(buf)
			if err != nil {
				if p.closed.CompareAndSwap(false, true) {
					// Stream died underneath us, surface it to the room.
					logging.Warn(context.Background(), "Producer stream ended",
						zap.String("producerId", p.id),
						zap.Error(err))
					p.teardown()
					p.transport.router.emit(Event{
						Type:        EventProducerClosed,
						TransportID: p.transport.id,
						ProducerID:  p.id,
					})
				}
				return
			}
			if p.paused.Load() {
				continue
			}

			p.mu.RLock()
			for _, c := range p.consumers {
				c.write(buf[:n])
			}
			p.mu.RUnlock()
		}
	}()
}

// Close is the explicit path; no event is emitted because the caller already
// knows.
func (p *producer) Close() {
	p.closed.Store(true)
	p.teardown()
}

func (p *producer) teardown() {
	p.closeOnce.Do(func() {
		_ = p.receiver.Stop()

		p.mu.Lock()
		consumers := make([]*consumer, 0, len(p.consumers))
		for _, c := range p.consumers {
			consumers = append(consumers, c)
		}
		p.consumers = make(map[string]*consumer)
		p.mu.Unlock()

		for _, c := range consumers {
			c.Close()
		}

		p.transport.removeProducer(p.id)
		p.transport.router.removeProducer(p.id)
		metrics.ActiveProducers.WithLabelValues(string(p.kind), string(p.mediaType)).Dec()
	})
}
