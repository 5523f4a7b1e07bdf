package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// --- Core Domain Types ---

// UserKey is the stable per-human identity (email, authenticated subject,
// or "guest-<sessionId>" for anonymous joins).
type UserKey string

// SessionID identifies a single tab/device of a user. One UserKey may hold
// several sessions at once.
type SessionID string

// UserID is the room-scoped member identity: "<userKey>#<sessionId>".
type UserID string

// RoomID is the human-facing room identifier.
type RoomID string

// ClientID identifies the tenant (product customer) a room belongs to.
type ClientID string

// ChannelID is the globally unique room key: "<clientId>:<roomId>".
type ChannelID string

// DisplayName is the human-readable name shown for a member.
type DisplayName string

// SocketID identifies a single underlying connection; it changes on
// reconnect even when the (UserKey, SessionID) pair is preserved.
type SocketID string

// Role defines the behaviour class of a member. Host is not a Role: it is a
// room-level attribute that can be reassigned at runtime.
type Role string

const (
	RoleParticipant     Role = "participant"
	RoleGhost           Role = "ghost"
	RoleWebinarAttendee Role = "webinar_attendee"
)

// Valid reports whether the role is one the admission engine accepts.
func (r Role) Valid() bool {
	switch r {
	case RoleParticipant, RoleGhost, RoleWebinarAttendee:
		return true
	}
	return false
}

// MediaKind is the RTP media kind of a producer or consumer.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// MediaType distinguishes the source of a produced stream.
type MediaType string

const (
	MediaTypeWebcam MediaType = "webcam"
	MediaTypeScreen MediaType = "screen"
)

// VideoQuality is the room-wide adaptive quality target.
type VideoQuality string

const (
	VideoQualityLow      VideoQuality = "low"
	VideoQualityStandard VideoQuality = "standard"
)

const guestKeyPrefix = "guest-"

// GuestKey derives the stable identity for an anonymous session.
func GuestKey(sessionID SessionID) UserKey {
	return UserKey(guestKeyPrefix + string(sessionID))
}

// IsGuest reports whether the key belongs to an anonymous identity.
func (k UserKey) IsGuest() bool {
	return strings.HasPrefix(string(k), guestKeyPrefix)
}

// MakeUserID joins a user key and session id into the member identity.
func MakeUserID(key UserKey, session SessionID) UserID {
	return UserID(string(key) + "#" + string(session))
}

// SplitUserID recovers the (UserKey, SessionID) pair from a UserID.
func SplitUserID(id UserID) (UserKey, SessionID, error) {
	i := strings.LastIndex(string(id), "#")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("malformed user id %q", id)
	}
	return UserKey(id[:i]), SessionID(id[i+1:]), nil
}

// MakeChannelID joins the tenant and room ids into the room registry key.
func MakeChannelID(client ClientID, room RoomID) ChannelID {
	return ChannelID(string(client) + ":" + string(room))
}

// SplitChannelID recovers the (ClientID, RoomID) pair from a ChannelID.
func SplitChannelID(ch ChannelID) (ClientID, RoomID, error) {
	i := strings.Index(string(ch), ":")
	if i <= 0 || i == len(ch)-1 {
		return "", "", fmt.Errorf("malformed channel id %q", ch)
	}
	return ClientID(ch[:i]), RoomID(ch[i+1:]), nil
}

// --- Error Kinds ---

// ErrKind is the closed set of error strings surfaced through acks. It
// implements error so handlers can return kinds directly.
type ErrKind string

const (
	ErrDraining            ErrKind = "Draining"
	ErrRoomLocked          ErrKind = "RoomLocked"
	ErrGuestsBlocked       ErrKind = "GuestsBlocked"
	ErrInviteCodeRequired  ErrKind = "InviteCodeRequired"
	ErrInvalidInviteCode   ErrKind = "InvalidInviteCode"
	ErrWebinarDisabled     ErrKind = "WebinarDisabled"
	ErrAttendeeCapExceeded ErrKind = "AttendeeCapExceeded"
	ErrInvalidSignedLink   ErrKind = "InvalidSignedLink"
	ErrTransportExhausted  ErrKind = "TransportExhausted"
	ErrTransportNotFound   ErrKind = "TransportNotFound"
	ErrNotConsumable       ErrKind = "NotConsumable"
	ErrScreenBusy          ErrKind = "ScreenBusy"
	ErrMediaEngine         ErrKind = "MediaEngineError"
	ErrForbidden           ErrKind = "Forbidden"
	ErrNotFound            ErrKind = "NotFound"
	ErrRoomClosed          ErrKind = "RoomClosed"
	ErrTimeout             ErrKind = "Timeout"
)

func (e ErrKind) Error() string { return string(e) }

// KindOf extracts the ack error kind from any error, defaulting to
// MediaEngineError for engine failures that carry no kind.
func KindOf(err error) ErrKind {
	var kind ErrKind
	if errors.As(err, &kind) {
		return kind
	}
	return ErrMediaEngine
}

// --- Signaling Envelope ---

// Event names the wire message type. Inbound events route through the room
// router; outbound events are notifications fanned out to members.
type Event string

// Message is the JSON envelope exchanged over the socket. RequestID is set
// on inbound mutating events and echoed on the matching ack.
type Message struct {
	Event     Event           `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AckPayload is the body of an ack message.
type AckPayload struct {
	Success bool            `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// EventAck is the reserved event name for acks.
const EventAck Event = "ack"

// --- Shared Interfaces ---

// ClientConn is the behaviour the room core needs from a connection. It is
// implemented by the websocket transport client; tests supply mocks.
type ClientConn interface {
	SocketID() SocketID
	Send(event Event, payload any)
	SendRaw(data []byte)
	Ack(requestID string, data any)
	AckError(requestID string, kind ErrKind)
	Disconnect()
}

// ChatMessage is a transient chat broadcast payload, also retained in the
// bounded in-room history.
type ChatMessage struct {
	ChatID      string      `json:"chatId"`
	UserID      UserID      `json:"userId"`
	DisplayName DisplayName `json:"displayName"`
	Content     string      `json:"content"`
	Timestamp   int64       `json:"timestamp"`
}

// Validate ensures chat messages are safe to store.
func (m ChatMessage) Validate() error {
	if len(m.Content) == 0 {
		return errors.New("chat content cannot be empty")
	}
	if len(m.Content) > 1000 {
		return errors.New("chat content cannot exceed 1000 characters")
	}
	if m.UserID == "" {
		return errors.New("user id cannot be empty")
	}
	return nil
}

// ReactionEvent is a transient broadcast payload; never persisted.
type ReactionEvent struct {
	UserID    UserID `json:"userId"`
	Kind      string `json:"kind"` // "emoji" | "asset"
	Value     string `json:"value"`
	Label     string `json:"label,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Validate rejects malformed reactions before fan-out.
func (r ReactionEvent) Validate() error {
	if r.Kind != "emoji" && r.Kind != "asset" {
		return fmt.Errorf("unknown reaction kind %q", r.Kind)
	}
	if r.Value == "" || len(r.Value) > 256 {
		return errors.New("reaction value must be 1..256 characters")
	}
	return nil
}
