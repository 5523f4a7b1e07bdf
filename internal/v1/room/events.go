package room

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"

	"github.com/vireomeet/sfu-core/internal/v1/apps"
	"github.com/vireomeet/sfu-core/internal/v1/media"
	"github.com/vireomeet/sfu-core/internal/v1/session"
	"github.com/vireomeet/sfu-core/internal/v1/types"
	"github.com/vireomeet/sfu-core/internal/v1/webinar"
)

// Inbound event names.
const (
	EventJoinRoom                types.Event = "joinRoom"
	EventGetRtpCapabilities      types.Event = "getRtpCapabilities"
	EventCreateProducerTransport types.Event = "createProducerTransport"
	EventCreateConsumerTransport types.Event = "createConsumerTransport"
	EventConnectTransport        types.Event = "connectTransport"
	EventRestartIce              types.Event = "restartIce"
	EventProduce                 types.Event = "produce"
	EventConsume                 types.Event = "consume"
	EventToggleMute              types.Event = "toggleMute"
	EventToggleCamera            types.Event = "toggleCamera"
	EventCloseProducer           types.Event = "closeProducer"

	EventSendChat       types.Event = "sendChat"
	EventGetRecentChats types.Event = "getRecentChats"
	EventDeleteChat     types.Event = "deleteChat"
	EventSetHandRaised  types.Event = "setHandRaised"
	EventSendReaction   types.Event = "sendReaction"
	EventSetDisplayName types.Event = "setDisplayName"

	EventAdmitUser     types.Event = "admitUser"
	EventRejectUser    types.Event = "rejectUser"
	EventPromoteHost   types.Event = "promoteHost"
	EventKickUser      types.Event = "kickUser"
	EventMuteAll       types.Event = "muteAll"
	EventCloseAllVideo types.Event = "closeAllVideo"

	EventSetTtsDisabled      types.Event = "setTtsDisabled"
	EventSetRoomLocked       types.Event = "setRoomLocked"
	EventSetChatLocked       types.Event = "setChatLocked"
	EventSetNoGuests         types.Event = "setNoGuests"
	EventUpdateMeetingConfig types.Event = "updateMeetingConfig"

	EventUpdateWebinarConfig types.Event = "updateWebinarConfig"
	EventGenerateWebinarLink types.Event = "generateWebinarLink"
	EventRotateWebinarLink   types.Event = "rotateWebinarLink"

	EventAppsOpen      types.Event = "apps:open"
	EventAppsClose     types.Event = "apps:close"
	EventAppsLock      types.Event = "apps:lock"
	EventAppsSync      types.Event = "apps:sync"
	EventAppsUpdate    types.Event = "apps:update"
	EventAppsAwareness types.Event = "apps:awareness"
)

// Outbound notification names.
const (
	EventUserJoined        types.Event = "userJoined"
	EventUserLeft          types.Event = "userLeft"
	EventPendingUserJoined types.Event = "pendingUserJoined"
	EventPendingUserLeft   types.Event = "pendingUserLeft"
	EventNewProducer       types.Event = "newProducer"
	EventProducerClosed    types.Event = "producerClosed"
	EventToggleMedia       types.Event = "toggleMedia"
	EventSetVideoQuality   types.Event = "setVideoQuality"
	EventHandRaised        types.Event = "handRaised"
	EventReaction          types.Event = "reaction"
	EventChat              types.Event = "chat"
	EventChatDeleted       types.Event = "chatDeleted"
	EventDisplayName       types.Event = "displayName"
	EventHostChanged       types.Event = "hostChanged"
	EventKicked            types.Event = "kicked"
	EventRoomClosed        types.Event = "roomClosed"
	EventMeetingConfig     types.Event = "meetingConfigChanged"

	EventWebinarConfigChanged        types.Event = "webinar:configChanged"
	EventWebinarAttendeeCountChanged types.Event = "webinar:attendeeCountChanged"
	EventWebinarFeedChanged          types.Event = "webinar:feedChanged"

	EventAppsState              types.Event = "apps:state"
	EventAppsUpdateBroadcast    types.Event = "apps:update"
	EventAppsAwarenessBroadcast types.Event = "apps:awareness"
)

// --- Inbound payloads ---

type JoinPayload struct {
	RoomID      types.RoomID      `json:"roomId"`
	SessionID   types.SessionID   `json:"sessionId"`
	DisplayName types.DisplayName `json:"displayName,omitempty"`
	Role        types.Role        `json:"role,omitempty"`
	IsHost      bool              `json:"isHost,omitempty"`
	InviteCode  string            `json:"inviteCode,omitempty"`
	SignedLink  string            `json:"signedLink,omitempty"`
}

type ConnectTransportPayload struct {
	TransportID string                `json:"transportId"`
	DTLSParams  webrtc.DTLSParameters `json:"dtlsParameters"`
	ICEParams   *webrtc.ICEParameters `json:"iceParameters,omitempty"`
}

type RestartIcePayload struct {
	Transport string `json:"transport"`
}

type ProducePayload struct {
	TransportID   string                       `json:"transportId"`
	Kind          types.MediaKind              `json:"kind"`
	RTPParameters webrtc.RTPParameters         `json:"rtpParameters"`
	Encodings     []webrtc.RTPCodingParameters `json:"encodings,omitempty"`
	AppData       ProduceAppData               `json:"appData"`
}

type ProduceAppData struct {
	Type   types.MediaType `json:"type"`
	Paused bool            `json:"paused,omitempty"`
}

type ConsumePayload struct {
	ProducerID      string                 `json:"producerId"`
	RTPCapabilities webrtc.RTPCapabilities `json:"rtpCapabilities"`
}

type ToggleMediaPayload struct {
	ProducerID string `json:"producerId"`
	Paused     bool   `json:"paused"`
}

type CloseProducerPayload struct {
	ProducerID string `json:"producerId"`
}

type ChatPayload struct {
	Content string `json:"content"`
}

type DeleteChatPayload struct {
	MessageID string `json:"messageId"`
}

type HandRaisedPayload struct {
	Raised bool `json:"raised"`
}

type ReactionPayload struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

type DisplayNamePayload struct {
	DisplayName types.DisplayName `json:"displayName"`
}

type TargetUserPayload struct {
	UserID types.UserID `json:"userId"`
}

type TargetUserKeyPayload struct {
	UserID types.UserID `json:"userId,omitempty"`
	// UserKey may be sent instead of a full user id for pending admissions.
	UserKey types.UserKey `json:"userKey,omitempty"`
}

type FlagPayload struct {
	Disabled bool `json:"disabled,omitempty"`
	Locked   bool `json:"locked,omitempty"`
	Enabled  bool `json:"enabled,omitempty"`
}

type MeetingConfigPayload struct {
	// InviteCode nil leaves the code unchanged; empty string clears it.
	InviteCode *string `json:"inviteCode"`
}

type AppsOpenPayload struct {
	AppID string `json:"appId"`
}

type AppsSyncPayload struct {
	AppID       string `json:"appId"`
	StateVector []byte `json:"stateVector,omitempty"`
}

type AppsUpdatePayload struct {
	AppID  string `json:"appId"`
	Update []byte `json:"update"`
}

type AppsAwarenessPayload struct {
	AppID    string `json:"appId"`
	ClientID uint64 `json:"clientId"`
	Update   []byte `json:"update"`
}

// --- Ack / outbound payloads ---

// JoinStatus values returned in the joinRoom ack.
const (
	JoinStatusJoined  = "joined"
	JoinStatusWaiting = "waiting"
)

type JoinResult struct {
	Status            string                  `json:"status"`
	UserID            types.UserID            `json:"userId,omitempty"`
	HostUserID        types.UserID            `json:"hostUserId,omitempty"`
	RTPCapabilities   *webrtc.RTPCapabilities `json:"rtpCapabilities,omitempty"`
	ExistingProducers []ProducerAnnouncement  `json:"existingProducers,omitempty"`
	Members           []session.Info          `json:"members,omitempty"`
	Quality           types.VideoQuality      `json:"quality,omitempty"`
	RecentChats       []types.ChatMessage     `json:"recentChats,omitempty"`
	AppsState         *apps.Snapshot          `json:"appsState,omitempty"`
	WebinarFeed       *webinar.Feed           `json:"webinarFeed,omitempty"`
	AttendeeCount     int                     `json:"attendeeCount,omitempty"`
}

type ProducerAnnouncement struct {
	ProducerID     string          `json:"producerId"`
	ProducerUserID types.UserID    `json:"producerUserId"`
	Kind           types.MediaKind `json:"kind"`
	Type           types.MediaType `json:"type"`
	Paused         bool            `json:"paused"`
}

type ProducerClosedPayload struct {
	ProducerID     string       `json:"producerId"`
	ProducerUserID types.UserID `json:"producerUserId"`
}

type ToggleMediaBroadcast struct {
	ProducerID string          `json:"producerId"`
	UserID     types.UserID    `json:"userId"`
	Kind       types.MediaKind `json:"kind"`
	Type       types.MediaType `json:"type"`
	Paused     bool            `json:"paused"`
}

type UserPresencePayload struct {
	UserID      types.UserID      `json:"userId"`
	DisplayName types.DisplayName `json:"displayName,omitempty"`
	Role        types.Role        `json:"role,omitempty"`
}

type HandRaisedBroadcast struct {
	UserID    types.UserID `json:"userId"`
	Raised    bool         `json:"raised"`
	Timestamp int64        `json:"timestamp"`
}

type QualityPayload struct {
	Quality types.VideoQuality `json:"quality"`
}

type AttendeeCountPayload struct {
	RoomID        types.RoomID `json:"roomId"`
	AttendeeCount int          `json:"attendeeCount"`
	MaxAttendees  int          `json:"maxAttendees"`
}

type FeedChangedPayload struct {
	RoomID        types.RoomID           `json:"roomId"`
	SpeakerUserID types.UserID           `json:"speakerUserId"`
	Producers     []webinar.FeedProducer `json:"producers"`
}

type AppsBroadcastPayload struct {
	AppID  string `json:"appId"`
	Update []byte `json:"update"`
}

type ConsumerAck struct {
	media.ConsumerParameters
	Paused bool `json:"paused"`
}

// decode unmarshals an event payload, tolerating a missing payload for
// events without arguments.
func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, v)
}
