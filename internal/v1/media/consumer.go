package media

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/vireomeet/sfu-core/internal/v1/metrics"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// consumer sends one producer's RTP stream to a peer over its receive
// transport.
type consumer struct {
	id         string
	transport  *webRtcTransport
	producerID string
	kind       types.MediaKind
	codec      webrtc.RTPCodecParameters
	track      *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
	encodings  []webrtc.RTPCodingParameters

	closeOnce sync.Once
}

func newConsumer(t *webRtcTransport, p *producer) (*consumer, error) {
	var codecParams webrtc.RTPCodecParameters
	for _, sc := range supportedCodecs {
		if sc.MimeType == p.codec.MimeType && sc.ClockRate == p.codec.ClockRate {
			codecParams = sc
			break
		}
	}

	track, err := webrtc.NewTrackLocalStaticRTP(p.codec, p.id, "sfu")
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}

	sender, err := t.router.worker.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}

	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		return nil, fmt.Errorf("rtp send: %w", err)
	}

	var encodings []webrtc.RTPCodingParameters
	for _, enc := range sendParams.Encodings {
		encodings = append(encodings, enc.RTPCodingParameters)
	}

	return &consumer{
		id:         uuid.NewString(),
		transport:  t,
		producerID: p.id,
		kind:       p.kind,
		codec:      codecParams,
		track:      track,
		sender:     sender,
		encodings:  encodings,
	}, nil
}

func (c *consumer) ID() string         { return c.id }
func (c *consumer) ProducerID() string { return c.producerID }

func (c *consumer) Kind() types.MediaKind { return c.kind }

func (c *consumer) RTPParameters() webrtc.RTPParameters {
	return webrtc.RTPParameters{Codecs: []webrtc.RTPCodecParameters{c.codec}}
}

func (c *consumer) Encodings() []webrtc.RTPCodingParameters { return c.encodings }

// write forwards one RTP packet. Write parses and re-stamps the packet for
// this track's binding; errors here are per-packet and ignored.
func (c *consumer) write(pkt []byte) {
	_, _ = c.track.Write(pkt)
}

func (c *consumer) Close() {
	c.closeOnce.Do(func() {
		_ = c.sender.Stop()

		c.transport.removeConsumer(c.id)
		c.transport.router.mu.RLock()
		p, ok := c.transport.router.producers[c.producerID]
		c.transport.router.mu.RUnlock()
		if ok {
			p.removeConsumer(c.id)
		}
		metrics.ActiveConsumers.Dec()
	})
}
