// Package room is the authoritative room-state core: membership, admission,
// roles, producer/consumer wiring, policy flags, chat, webinar feed and the
// collaborative-apps broker. Every mutation for one room is serialized
// through its RWMutex; media-engine calls that may block are issued with the
// lock dropped and their preconditions re-validated.
package room

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/vireomeet/sfu-core/internal/v1/apps"
	"github.com/vireomeet/sfu-core/internal/v1/bus"
	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/media"
	"github.com/vireomeet/sfu-core/internal/v1/metrics"
	"github.com/vireomeet/sfu-core/internal/v1/session"
	"github.com/vireomeet/sfu-core/internal/v1/types"
	"github.com/vireomeet/sfu-core/internal/v1/webinar"
)

const (
	maxChatHistoryLength = 100
	maxChatHistoryBytes  = 1024 * 1024

	// publishQueueSize bounds concurrent bus publishes per room.
	publishQueueSize = 100
)

// Config carries the room-behavior knobs resolved from the environment.
type Config struct {
	Secret            string
	LowThreshold      int
	StandardThreshold int
	DisconnectGrace   time.Duration
	CleanupAfter      time.Duration
}

// Deps are the shared services a room needs.
type Deps struct {
	Engine  media.Engine
	Bus     *bus.Service
	Webinar *webinar.Controller
	Config  Config
}

// pendingClient is a knocker awaiting a host decision.
type pendingClient struct {
	userID      types.UserID
	displayName types.DisplayName
	conn        types.ClientConn
}

// pendingDisconnect is a grace timer for a transiently dropped member.
type pendingDisconnect struct {
	timer    *time.Timer
	socketID types.SocketID
}

// SystemProducer is a room-owned stream not tied to any member session,
// e.g. the shared-browser feed. It joins fan-out but never admission counts.
type SystemProducer struct {
	Producer        media.Producer
	SyntheticUserID types.UserID
	Type            types.MediaType
}

// Room is the authoritative container for one conference.
type Room struct {
	channelID types.ChannelID
	clientID  types.ClientID
	roomID    types.RoomID

	mu                 sync.RWMutex
	members            map[types.UserID]*session.Session
	memberSeq          map[types.UserID]uint64
	nextSeq            uint64
	pendingClients     map[types.UserKey]*pendingClient
	pendingDisconnects map[types.UserID]*pendingDisconnect
	allowedUsers       set.Set[types.UserKey]
	lockedAllowedUsers set.Set[types.UserKey]
	deniedUsers        set.Set[types.UserKey]

	isLocked      bool
	isChatLocked  bool
	noGuests      bool
	isTtsDisabled bool

	hostUserKey       types.UserKey
	displayNamesByKey map[types.UserKey]types.DisplayName
	userKeysByID      map[types.UserID]types.UserKey
	handRaised        set.Set[types.UserID]

	screenProducerID string
	screenOwner      types.UserID

	currentQuality  types.VideoQuality
	systemProducers map[string]*SystemProducer
	meetingCodeHash []byte

	chatHistory      *list.List
	chatHistoryBytes int

	apps   *apps.State
	router media.Router
	deps   Deps

	onEmpty      func(types.ChannelID)
	cleanupTimer *time.Timer
	closed       bool

	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	publishChan chan struct{}
}

// NewRoom creates a room with its media router and starts the engine event
// drain. onEmpty fires outside the lock when the room loses its last member
// or its last admin.
func NewRoom(ctx context.Context, channelID types.ChannelID, deps Deps, onEmpty func(types.ChannelID)) (*Room, error) {
	clientID, roomID, err := types.SplitChannelID(channelID)
	if err != nil {
		return nil, err
	}

	router, err := deps.Engine.CreateRouter(ctx, channelID)
	if err != nil {
		return nil, err
	}

	r := &Room{
		channelID:          channelID,
		clientID:           clientID,
		roomID:             roomID,
		members:            make(map[types.UserID]*session.Session),
		memberSeq:          make(map[types.UserID]uint64),
		pendingClients:     make(map[types.UserKey]*pendingClient),
		pendingDisconnects: make(map[types.UserID]*pendingDisconnect),
		allowedUsers:       set.New[types.UserKey](),
		lockedAllowedUsers: set.New[types.UserKey](),
		deniedUsers:        set.New[types.UserKey](),
		displayNamesByKey:  make(map[types.UserKey]types.DisplayName),
		userKeysByID:       make(map[types.UserID]types.UserKey),
		handRaised:         set.New[types.UserID](),
		currentQuality:     types.VideoQualityStandard,
		systemProducers:    make(map[string]*SystemProducer),
		chatHistory:        list.New(),
		apps:               apps.NewState(),
		router:             router,
		deps:               deps,
		onEmpty:            onEmpty,
		publishChan:        make(chan struct{}, publishQueueSize),
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.drainEngineEvents()

	if deps.Bus != nil {
		r.subscribeToBus()
	}

	metrics.ActiveRooms.Inc()
	logging.Info(ctx, "Room created",
		zap.String("channelId", string(channelID)),
		zap.String("routerId", router.ID()))
	return r, nil
}

func (r *Room) ChannelID() types.ChannelID { return r.channelID }

func (r *Room) RoomID() types.RoomID { return r.roomID }

// RTPCapabilities exposes the router codec set for the getRtpCapabilities
// ack.
func (r *Room) RTPCapabilities() interface{} {
	return r.router.RTPCapabilities()
}

// MemberCount returns the number of admitted sessions.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Closed reports whether the room has been shut down.
func (r *Room) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// sessionByConn resolves the member session bound to a socket. Events from a
// socket that was rebound away (stale reconnect) resolve to nothing.
func (r *Room) sessionByConn(conn types.ClientConn) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionByConnLocked(conn)
}

func (r *Room) sessionByConnLocked(conn types.ClientConn) (*session.Session, bool) {
	for _, sess := range r.members {
		if sess.SocketID() == conn.SocketID() {
			return sess, true
		}
	}
	return nil, false
}

func (r *Room) userKeyOf(sess *session.Session) types.UserKey {
	key, _, err := types.SplitUserID(sess.UserID())
	if err != nil {
		return ""
	}
	return key
}

// isAdminLocked reports whether a session may perform admin operations:
// the room host or a ghost observer.
func (r *Room) isAdminLocked(sess *session.Session) bool {
	if sess.Role() == types.RoleGhost {
		return true
	}
	return r.hostUserKey != "" && r.userKeyOf(sess) == r.hostUserKey
}

// hasAdminLocked reports whether any current member is an admin.
func (r *Room) hasAdminLocked() bool {
	for _, sess := range r.members {
		if r.isAdminLocked(sess) {
			return true
		}
	}
	return false
}

// hostUserIDLocked resolves the host's current userId, if the host is
// present.
func (r *Room) hostUserIDLocked() types.UserID {
	if r.hostUserKey == "" {
		return ""
	}
	for id, key := range r.userKeysByID {
		if key == r.hostUserKey {
			return id
		}
	}
	return ""
}

// attendeeCountLocked counts live webinar attendees.
func (r *Room) attendeeCountLocked() int {
	n := 0
	for _, sess := range r.members {
		if sess.Role() == types.RoleWebinarAttendee {
			n++
		}
	}
	return n
}

// participantCountLocked counts members relevant for quality adaptation:
// everyone who can publish media.
func (r *Room) participantCountLocked() int {
	n := 0
	for _, sess := range r.members {
		if sess.Role() == types.RoleParticipant {
			n++
		}
	}
	return n
}

// membersSnapshotLocked builds the roster in stable join order.
func (r *Room) membersSnapshotLocked() []*session.Session {
	out := make([]*session.Session, 0, len(r.members))
	for _, sess := range r.members {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return r.memberSeq[out[i].UserID()] < r.memberSeq[out[j].UserID()]
	})
	return out
}

// --- Broadcast plumbing ---

// broadcastLocked fans an event out to every member except the excluded
// user, then republishes on the bus for other pods.
func (r *Room) broadcastLocked(event types.Event, payload interface{}, exclude ...types.UserID) {
	excluded := set.New[types.UserID](exclude...)
	for id, sess := range r.members {
		if excluded.Has(id) {
			continue
		}
		sess.Conn().Send(event, payload)
	}
	r.publishToBusAsync(event, payload)
}

// Broadcast is the unlocked entry used by the registry (drain notices).
func (r *Room) Broadcast(event types.Event, payload interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.broadcastLocked(event, payload)
	for _, p := range r.pendingClients {
		p.conn.Send(event, payload)
	}
}

// broadcastAdminsLocked delivers an event to admins only.
func (r *Room) broadcastAdminsLocked(event types.Event, payload interface{}) {
	for _, sess := range r.members {
		if r.isAdminLocked(sess) {
			sess.Conn().Send(event, payload)
		}
	}
}

// publishToBusAsync republishes a broadcast for other instances without
// blocking the room lock. Drops when the queue is full.
func (r *Room) publishToBusAsync(event types.Event, payload interface{}) {
	if r.deps.Bus == nil {
		return
	}
	select {
	case r.publishChan <- struct{}{}:
		r.wg.Add(1)
		go func() {
			defer func() {
				<-r.publishChan
				r.wg.Done()
			}()
			if err := r.deps.Bus.Publish(context.Background(), string(r.channelID), string(event), payload); err != nil {
				logging.Warn(context.Background(), "Bus publish failed",
					zap.String("channelId", string(r.channelID)),
					zap.Error(err))
			}
		}()
	default:
		logging.Warn(r.ctx, "Dropping bus publish, queue full", zap.String("channelId", string(r.channelID)))
	}
}

// --- Screen lease ---

// acquireScreenLeaseLocked is FCFS: the first (video, screen) producer in
// the room holds the lease until it closes.
func (r *Room) acquireScreenLeaseLocked(userID types.UserID, producerID string) error {
	if r.screenProducerID != "" && r.screenOwner != userID {
		return types.ErrScreenBusy
	}
	r.screenProducerID = producerID
	r.screenOwner = userID
	return nil
}

func (r *Room) releaseScreenLeaseLocked(producerID string) {
	if r.screenProducerID == producerID {
		r.screenProducerID = ""
		r.screenOwner = ""
	}
}

// ScreenOwner returns the current lease holder, if any.
func (r *Room) ScreenOwner() (types.UserID, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.screenOwner, r.screenProducerID
}

// --- System producers ---

// AddSystemProducer registers a room-owned stream and announces it like any
// member producer.
func (r *Room) AddSystemProducer(ctx context.Context, p media.Producer, syntheticUserID types.UserID) {
	r.mu.Lock()
	r.systemProducers[p.ID()] = &SystemProducer{
		Producer:        p,
		SyntheticUserID: syntheticUserID,
		Type:            p.Type(),
	}
	r.announceProducerLocked(p, syntheticUserID)
	r.mu.Unlock()

	logging.Info(ctx, "System producer added",
		zap.String("channelId", string(r.channelID)),
		zap.String("producerId", p.ID()))
}

// RemoveSystemProducer closes a room-owned stream and fans out its closure.
func (r *Room) RemoveSystemProducer(ctx context.Context, producerID string) {
	r.mu.Lock()
	sp, ok := r.systemProducers[producerID]
	if ok {
		delete(r.systemProducers, producerID)
		r.broadcastLocked(EventProducerClosed, ProducerClosedPayload{
			ProducerID:     producerID,
			ProducerUserID: sp.SyntheticUserID,
		})
		r.closeConsumersForLocked(producerID)
	}
	r.mu.Unlock()

	if ok {
		sp.Producer.Close()
	}
}

// --- Cleanup & close ---

// scheduleCleanupLocked arms the dissolve timer when the room is empty or
// admin-less. Re-armed timers are reset, not duplicated.
func (r *Room) scheduleCleanupLocked(reason string) {
	if r.closed {
		return
	}
	if r.cleanupTimer != nil {
		r.cleanupTimer.Stop()
	}
	logging.Info(r.ctx, "Room cleanup scheduled",
		zap.String("channelId", string(r.channelID)),
		zap.String("reason", reason),
		zap.Duration("after", r.deps.Config.CleanupAfter))

	r.cleanupTimer = time.AfterFunc(r.deps.Config.CleanupAfter, func() {
		r.mu.Lock()
		// Re-validate: an admission since arming cancels the dissolve.
		if r.closed || (len(r.members) > 0 && r.hasAdminLocked()) {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		if r.onEmpty != nil {
			r.onEmpty(r.channelID)
		}
	})
}

func (r *Room) cancelCleanupLocked() {
	if r.cleanupTimer != nil {
		r.cleanupTimer.Stop()
		r.cleanupTimer = nil
	}
}

// Close dissolves the room: notifies and disconnects everyone, tears down
// media and waits for room goroutines.
func (r *Room) Close(ctx context.Context, reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.cancelCleanupLocked()

	for _, pd := range r.pendingDisconnects {
		pd.timer.Stop()
	}
	r.pendingDisconnects = make(map[types.UserID]*pendingDisconnect)

	sessions := make([]*session.Session, 0, len(r.members))
	for _, sess := range r.members {
		sessions = append(sessions, sess)
	}
	pendings := make([]*pendingClient, 0, len(r.pendingClients))
	for _, p := range r.pendingClients {
		pendings = append(pendings, p)
	}
	r.members = make(map[types.UserID]*session.Session)
	r.pendingClients = make(map[types.UserKey]*pendingClient)
	system := r.systemProducers
	r.systemProducers = make(map[string]*SystemProducer)
	r.mu.Unlock()

	logging.Info(ctx, "Closing room",
		zap.String("channelId", string(r.channelID)),
		zap.String("reason", reason),
		zap.Int("members", len(sessions)))

	payload := map[string]string{"reason": reason}
	for _, sess := range sessions {
		sess.Conn().Send(EventRoomClosed, payload)
		sess.Close()
		sess.Conn().Disconnect()
	}
	for _, p := range pendings {
		p.conn.Send(EventRoomClosed, payload)
		p.conn.Disconnect()
	}
	for _, sp := range system {
		sp.Producer.Close()
	}

	r.cancel()
	r.router.Close()
	r.deps.Webinar.Delete(r.channelID)
	r.clearBusMembership(ctx)
	r.wg.Wait()

	metrics.ActiveRooms.Dec()
	metrics.RoomMembers.DeleteLabelValues(string(r.channelID))
	metrics.WebinarAttendees.DeleteLabelValues(string(r.channelID))
}

// DisconnectAll force-closes every socket. Used by the drain path; the room
// itself is dissolved by the registry afterwards.
func (r *Room) DisconnectAll(ctx context.Context) {
	r.mu.RLock()
	conns := make([]types.ClientConn, 0, len(r.members)+len(r.pendingClients))
	for _, sess := range r.members {
		conns = append(conns, sess.Conn())
	}
	for _, p := range r.pendingClients {
		conns = append(conns, p.conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.Disconnect()
	}
}
