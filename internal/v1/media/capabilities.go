package media

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

// The codec set is fixed per process. Registering the same set on every
// worker keeps routers interchangeable across workers.
var supportedCodecs = []webrtc.RTPCodecParameters{
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 102,
	},
}

func registerCodecs(m *webrtc.MediaEngine) error {
	for _, c := range supportedCodecs {
		kind := webrtc.RTPCodecTypeVideo
		if strings.HasPrefix(c.MimeType, "audio/") {
			kind = webrtc.RTPCodecTypeAudio
		}
		if err := m.RegisterCodec(c, kind); err != nil {
			return err
		}
	}
	return nil
}

func defaultRTPCapabilities() webrtc.RTPCapabilities {
	caps := webrtc.RTPCapabilities{}
	for _, c := range supportedCodecs {
		caps.Codecs = append(caps.Codecs, c.RTPCodecCapability)
	}
	return caps
}

// codecMatch reports whether the consumer capabilities include the producer's
// codec. Matching is by MIME type and clock rate, case-insensitive on the
// MIME type, which is how browsers vary it.
func codecMatch(producer webrtc.RTPCodecCapability, consumerCaps webrtc.RTPCapabilities) bool {
	for _, c := range consumerCaps.Codecs {
		if strings.EqualFold(c.MimeType, producer.MimeType) && c.ClockRate == producer.ClockRate {
			return true
		}
	}
	return false
}
