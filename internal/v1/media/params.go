package media

import (
	"github.com/pion/webrtc/v3"

	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// TransportParameters is what the client needs to complete its side of the
// ICE/DTLS handshake. Serialized verbatim into the createTransport ack.
type TransportParameters struct {
	ID             string                `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// ConnectOptions carries the client's half of the handshake. ICEParameters is
// optional: clients that gathered no fresh ICE credentials omit it.
type ConnectOptions struct {
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *webrtc.ICEParameters `json:"iceParameters,omitempty"`
}

// ProducerOptions describes an inbound stream the client wants the server to
// receive.
type ProducerOptions struct {
	Kind          types.MediaKind              `json:"kind"`
	Type          types.MediaType              `json:"type"`
	RTPParameters webrtc.RTPParameters         `json:"rtpParameters"`
	Encodings     []webrtc.RTPCodingParameters `json:"encodings"`
	Paused        bool                         `json:"paused"`
}

// ConsumerParameters is returned from a consume request; the client uses it
// to set up its receiving stream.
type ConsumerParameters struct {
	ID            string                       `json:"id"`
	ProducerID    string                       `json:"producerId"`
	Kind          types.MediaKind              `json:"kind"`
	RTPParameters webrtc.RTPParameters         `json:"rtpParameters"`
	Encodings     []webrtc.RTPCodingParameters `json:"encodings"`
}
