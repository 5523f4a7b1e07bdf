package media

// EventType classifies asynchronous router events.
type EventType string

const (
	// EventProducerClosed fires when a producer dies outside an explicit
	// close request, e.g. its transport tore down or its RTP stream ended.
	EventProducerClosed EventType = "producerClosed"
	// EventTransportFailed fires when ICE or DTLS reaches a terminal
	// failure state.
	EventTransportFailed EventType = "transportFailed"
)

// Event is delivered on Router.Events(). The owning room drains the channel
// and translates events into signaling fan-out.
type Event struct {
	Type        EventType
	TransportID string
	ProducerID  string
}
