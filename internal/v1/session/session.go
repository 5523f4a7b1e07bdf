// Package session tracks the per-participant media state: the two WebRTC
// transports, the producers keyed by media slot, and the consumers keyed by
// the remote producer they subscribe to. The room core owns admission and
// policy; a Session only guards its own wiring invariants.
package session

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/vireomeet/sfu-core/internal/v1/media"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// Direction distinguishes the client-to-server (send) transport from the
// server-to-client (recv) transport. Each session gets at most one of each.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

// producerKey is the media slot a producer occupies. Producing into an
// occupied slot replaces the previous producer.
type producerKey struct {
	kind      types.MediaKind
	mediaType types.MediaType
}

// ProducerInfo is the roster-facing view of a producer.
type ProducerInfo struct {
	ID     string          `json:"id"`
	Kind   types.MediaKind `json:"kind"`
	Type   types.MediaType `json:"type"`
	Paused bool            `json:"paused"`
}

// Info is the roster-facing view of a session.
type Info struct {
	UserID      types.UserID      `json:"userId"`
	DisplayName types.DisplayName `json:"displayName"`
	Role        types.Role        `json:"role"`
	IsMuted     bool              `json:"isMuted"`
	IsCameraOff bool              `json:"isCameraOff"`
	HandRaised  bool              `json:"handRaised"`
	Producers   []ProducerInfo    `json:"producers"`
}

// Session is one admitted participant's state within a room.
type Session struct {
	userID   types.UserID
	joinedAt time.Time

	mu          sync.RWMutex
	socketID    types.SocketID
	conn        types.ClientConn
	role        types.Role
	displayName types.DisplayName
	rtpCaps     *webrtc.RTPCapabilities

	sendTransport media.Transport
	recvTransport media.Transport
	producers     map[producerKey]media.Producer
	consumers     map[string]media.Consumer

	handRaised bool
	quality    types.VideoQuality
	closed     bool
}

// New creates a session bound to its current socket.
func New(userID types.UserID, role types.Role, displayName types.DisplayName, conn types.ClientConn) *Session {
	return &Session{
		userID:      userID,
		joinedAt:    time.Now(),
		socketID:    conn.SocketID(),
		conn:        conn,
		role:        role,
		displayName: displayName,
		producers:   make(map[producerKey]media.Producer),
		consumers:   make(map[string]media.Consumer),
		quality:     types.VideoQualityStandard,
	}
}

func (s *Session) UserID() types.UserID { return s.userID }

func (s *Session) JoinedAt() time.Time { return s.joinedAt }

func (s *Session) SocketID() types.SocketID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.socketID
}

func (s *Session) Conn() types.ClientConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Rebind swaps the socket after a reconnect inside the grace window. Media
// state survives; only the signaling connection changes.
func (s *Session) Rebind(conn types.ClientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.socketID = conn.SocketID()
}

func (s *Session) Role() types.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Session) SetRole(role types.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = role
}

func (s *Session) DisplayName() types.DisplayName {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayName
}

func (s *Session) SetDisplayName(name types.DisplayName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displayName = name
}

func (s *Session) HandRaised() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handRaised
}

func (s *Session) SetHandRaised(raised bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handRaised = raised
}

func (s *Session) Quality() types.VideoQuality {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quality
}

func (s *Session) SetQuality(q types.VideoQuality) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quality = q
}

// SetRTPCapabilities stores the client's receive capabilities, declared
// before its first consume.
func (s *Session) SetRTPCapabilities(caps webrtc.RTPCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtpCaps = &caps
}

func (s *Session) RTPCapabilities() (webrtc.RTPCapabilities, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rtpCaps == nil {
		return webrtc.RTPCapabilities{}, false
	}
	return *s.rtpCaps, true
}

// AttachTransport stores a newly created transport for its direction. Each
// direction may only be filled once per session.
func (s *Session) AttachTransport(dir Direction, t media.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrRoomClosed
	}
	switch dir {
	case DirectionSend:
		if s.sendTransport != nil {
			return types.ErrTransportExhausted
		}
		s.sendTransport = t
	case DirectionRecv:
		if s.recvTransport != nil {
			return types.ErrTransportExhausted
		}
		s.recvTransport = t
	default:
		return types.ErrNotFound
	}
	return nil
}

// Transport resolves the transport for a direction.
func (s *Session) Transport(dir Direction) (media.Transport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t media.Transport
	switch dir {
	case DirectionSend:
		t = s.sendTransport
	case DirectionRecv:
		t = s.recvTransport
	}
	if t == nil {
		return nil, types.ErrTransportNotFound
	}
	return t, nil
}

// TransportByID resolves either transport by its engine-assigned id.
func (s *Session) TransportByID(id string) (media.Transport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.sendTransport != nil && s.sendTransport.ID() == id {
		return s.sendTransport, nil
	}
	if s.recvTransport != nil && s.recvTransport.ID() == id {
		return s.recvTransport, nil
	}
	return nil, types.ErrTransportNotFound
}

// AddProducer registers a producer in its (kind, type) slot and returns the
// producer it displaced, if any. The caller closes the displaced producer
// after announcing it, so signaling order stays producerClosed before
// newProducer for the same slot.
func (s *Session) AddProducer(p media.Producer) (media.Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, types.ErrRoomClosed
	}
	key := producerKey{kind: p.Kind(), mediaType: p.Type()}
	old := s.producers[key]
	s.producers[key] = p
	return old, nil
}

// Producer resolves a producer by slot.
func (s *Session) Producer(kind types.MediaKind, mediaType types.MediaType) (media.Producer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.producers[producerKey{kind: kind, mediaType: mediaType}]
	return p, ok
}

// ProducerByID resolves a producer by id.
func (s *Session) ProducerByID(id string) (media.Producer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.producers {
		if p.ID() == id {
			return p, true
		}
	}
	return nil, false
}

// RemoveProducer drops a producer from its slot if it is still the occupant.
func (s *Session) RemoveProducer(id string) (media.Producer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, p := range s.producers {
		if p.ID() == id {
			delete(s.producers, key)
			return p, true
		}
	}
	return nil, false
}

// Producers returns a snapshot of the session's producers.
func (s *Session) Producers() []media.Producer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]media.Producer, 0, len(s.producers))
	for _, p := range s.producers {
		out = append(out, p)
	}
	return out
}

// AddConsumer registers a consumer. A session consumes any remote producer
// at most once.
func (s *Session) AddConsumer(c media.Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrRoomClosed
	}
	if _, exists := s.consumers[c.ProducerID()]; exists {
		return types.ErrNotConsumable
	}
	s.consumers[c.ProducerID()] = c
	return nil
}

// HasConsumerFor reports whether the session already consumes a producer.
func (s *Session) HasConsumerFor(producerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.consumers[producerID]
	return ok
}

// RemoveConsumerFor drops and returns the consumer subscribed to a producer.
func (s *Session) RemoveConsumerFor(producerID string) (media.Consumer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consumers[producerID]
	if ok {
		delete(s.consumers, producerID)
	}
	return c, ok
}

// IsMuted reports whether the session has no live webcam audio.
func (s *Session) IsMuted() bool {
	p, ok := s.Producer(types.MediaKindAudio, types.MediaTypeWebcam)
	return !ok || p.Paused()
}

// IsCameraOff reports whether the session has no live webcam video.
func (s *Session) IsCameraOff() bool {
	p, ok := s.Producer(types.MediaKindVideo, types.MediaTypeWebcam)
	return !ok || p.Paused()
}

// IsScreenSharing reports whether the session holds a live screen producer.
func (s *Session) IsScreenSharing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, p := range s.producers {
		if key.mediaType == types.MediaTypeScreen && !p.Paused() {
			return true
		}
	}
	return false
}

// Info builds the roster view.
func (s *Session) Info() Info {
	s.mu.RLock()
	producers := make([]ProducerInfo, 0, len(s.producers))
	for _, p := range s.producers {
		producers = append(producers, ProducerInfo{
			ID:     p.ID(),
			Kind:   p.Kind(),
			Type:   p.Type(),
			Paused: p.Paused(),
		})
	}
	info := Info{
		UserID:      s.userID,
		DisplayName: s.displayName,
		Role:        s.role,
		HandRaised:  s.handRaised,
		Producers:   producers,
	}
	s.mu.RUnlock()

	info.IsMuted = s.IsMuted()
	info.IsCameraOff = s.IsCameraOff()
	return info
}

// Close tears down all media state. Safe to call more than once; the first
// call wins and later calls are no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	consumers := make([]media.Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]media.Producer, 0, len(s.producers))
	for _, p := range s.producers {
		producers = append(producers, p)
	}
	send, recv := s.sendTransport, s.recvTransport
	s.consumers = make(map[string]media.Consumer)
	s.producers = make(map[producerKey]media.Producer)
	s.sendTransport, s.recvTransport = nil, nil
	s.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}
	if send != nil {
		send.Close()
	}
	if recv != nil {
		recv.Close()
	}
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
