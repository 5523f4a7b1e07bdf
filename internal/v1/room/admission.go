package room

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"time"

	"go.uber.org/zap"

	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/metrics"
	"github.com/vireomeet/sfu-core/internal/v1/session"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// EventAdmissionResult resolves a knocker's wait: either a full join result
// or a rejection.
const EventAdmissionResult types.Event = "admissionResult"

// JoinInput is the resolved join attempt handed to the room by the
// dispatcher: payload plus the authenticated identity.
type JoinInput struct {
	UserKey          types.UserKey
	SessionID        types.SessionID
	DisplayName      types.DisplayName
	Role             types.Role
	InviteCode       string
	SignedLink       string
	IsHostCredential bool
	Conn             types.ClientConn
}

// Join runs the admission pipeline for one attempt. The drain gate and room
// resolution happen in the registry; this covers role preflight through
// admit or knock.
func (r *Room) Join(ctx context.Context, in JoinInput) (JoinResult, error) {
	userID := types.MakeUserID(in.UserKey, in.SessionID)

	role := in.Role
	if !role.Valid() {
		role = types.RoleParticipant
	}
	// Ghost observation needs a host credential; without one the attempt
	// continues as a plain participant.
	if role == types.RoleGhost && !in.IsHostCredential {
		role = types.RoleParticipant
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		metrics.Admissions.WithLabelValues("rejected").Inc()
		return JoinResult{}, types.ErrRoomClosed
	}
	if r.deniedUsers.Has(in.UserKey) {
		metrics.Admissions.WithLabelValues("rejected").Inc()
		return JoinResult{}, types.ErrForbidden
	}

	// Reconnect inside the grace window resumes the session, role and
	// producers intact, regardless of locks.
	if sess, ok := r.members[userID]; ok {
		return r.resumeSessionLocked(ctx, sess, in), nil
	}

	switch role {
	case types.RoleWebinarAttendee:
		if err := r.deps.Webinar.AuthorizeAttendee(r.channelID, in.SignedLink, in.InviteCode, r.attendeeCountLocked()); err != nil {
			metrics.Admissions.WithLabelValues("rejected").Inc()
			return JoinResult{}, err
		}
		// Attendees never knock.
		return r.admitLocked(ctx, in, userID, role), nil

	case types.RoleParticipant:
		if r.noGuests && in.UserKey.IsGuest() {
			metrics.Admissions.WithLabelValues("rejected").Inc()
			return JoinResult{}, types.ErrGuestsBlocked
		}
		if r.meetingCodeHash != nil && !in.IsHostCredential {
			if err := r.verifyMeetingCodeLocked(in.InviteCode); err != nil {
				metrics.Admissions.WithLabelValues("rejected").Inc()
				return JoinResult{}, err
			}
		}
	}

	// Host path: direct admit, claim the host seat if vacant.
	if in.IsHostCredential {
		if r.hostUserKey == "" {
			r.hostUserKey = in.UserKey
			logging.Info(ctx, "Host assigned",
				zap.String("channelId", string(r.channelID)),
				zap.String("userId", string(userID)))
		}
		return r.admitLocked(ctx, in, userID, role), nil
	}

	// Pre-cleared users skip the waiting room.
	if r.allowedUsers.Has(in.UserKey) || (r.isLocked && r.lockedAllowedUsers.Has(in.UserKey)) {
		return r.admitLocked(ctx, in, userID, role), nil
	}

	if r.isLocked {
		metrics.Admissions.WithLabelValues("rejected").Inc()
		return JoinResult{}, types.ErrRoomLocked
	}

	return r.knockLocked(ctx, in, userID), nil
}

// HandleJoin services an in-band joinRoom from a socket the room already
// knows: an admitted member resuming, or a knocker retrying with a fresh
// credential (invite code or signed link). The identity stays whatever the
// socket authenticated as at upgrade; only the credentials and presentation
// fields come from the payload.
func (r *Room) HandleJoin(ctx context.Context, conn types.ClientConn, p JoinPayload) (JoinResult, error) {
	in, err := r.joinInputForConn(conn, p)
	if err != nil {
		return JoinResult{}, err
	}
	return r.Join(ctx, in)
}

func (r *Room) joinInputForConn(conn types.ClientConn, p JoinPayload) (JoinInput, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in := JoinInput{
		SessionID:   p.SessionID,
		DisplayName: p.DisplayName,
		Role:        p.Role,
		InviteCode:  p.InviteCode,
		SignedLink:  p.SignedLink,
		Conn:        conn,
	}

	if sess, ok := r.sessionByConnLocked(conn); ok {
		key, sessionID, err := types.SplitUserID(sess.UserID())
		if err != nil {
			return JoinInput{}, types.ErrNotFound
		}
		in.UserKey = key
		if in.SessionID == "" {
			in.SessionID = sessionID
		}
		in.Role = sess.Role()
		in.IsHostCredential = key == r.hostUserKey || sess.Role() == types.RoleGhost
		return in, nil
	}

	for key, pending := range r.pendingClients {
		if pending.conn.SocketID() == conn.SocketID() {
			_, sessionID, err := types.SplitUserID(pending.userID)
			if err != nil {
				return JoinInput{}, types.ErrNotFound
			}
			in.UserKey = key
			if in.SessionID == "" {
				in.SessionID = sessionID
			}
			return in, nil
		}
	}

	return JoinInput{}, types.ErrNotFound
}

func (r *Room) verifyMeetingCodeLocked(code string) error {
	if code == "" {
		return types.ErrInviteCodeRequired
	}
	mac := hmac.New(sha256.New, []byte(r.deps.Config.Secret))
	mac.Write([]byte(code))
	if subtle.ConstantTimeCompare(mac.Sum(nil), r.meetingCodeHash) != 1 {
		return types.ErrInvalidInviteCode
	}
	return nil
}

// resumeSessionLocked rebinds an existing session to a fresh socket. Grace
// timers for the user are cancelled; transports are kept best-effort, the
// client re-consumes whatever its transport lost.
func (r *Room) resumeSessionLocked(ctx context.Context, sess *session.Session, in JoinInput) JoinResult {
	if pd, ok := r.pendingDisconnects[sess.UserID()]; ok {
		pd.timer.Stop()
		delete(r.pendingDisconnects, sess.UserID())
	}
	old := sess.Conn()
	sess.Rebind(in.Conn)
	if old.SocketID() != in.Conn.SocketID() {
		old.Disconnect()
	}

	logging.Info(ctx, "Session resumed",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(sess.UserID())))
	metrics.Admissions.WithLabelValues("resumed").Inc()
	return r.joinResultLocked(sess)
}

// admitLocked instantiates the session and fans out presence.
func (r *Room) admitLocked(ctx context.Context, in JoinInput, userID types.UserID, role types.Role) JoinResult {
	displayName := in.DisplayName
	if existing, ok := r.displayNamesByKey[in.UserKey]; ok && displayName == "" {
		displayName = existing
	}
	if displayName == "" {
		displayName = types.DisplayName(in.UserKey)
	}

	sess := session.New(userID, role, displayName, in.Conn)
	r.members[userID] = sess
	r.nextSeq++
	r.memberSeq[userID] = r.nextSeq
	r.userKeysByID[userID] = in.UserKey
	r.displayNamesByKey[in.UserKey] = displayName
	delete(r.pendingClients, in.UserKey)

	r.cancelCleanupLocked()
	r.evaluateCleanupLocked()

	r.broadcastLocked(EventUserJoined, UserPresencePayload{
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
	}, userID)

	r.updateQualityTargetLocked()
	r.addBusMembershipAsync(userID)
	metrics.Admissions.WithLabelValues("admitted").Inc()
	metrics.RoomMembers.WithLabelValues(string(r.channelID)).Set(float64(len(r.members)))

	if role == types.RoleWebinarAttendee {
		r.broadcastAttendeeCountLocked()
	} else {
		r.refreshWebinarFeedLocked()
	}

	logging.Info(ctx, "User admitted",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(userID)),
		zap.String("role", string(role)))
	return r.joinResultLocked(sess)
}

// joinResultLocked snapshots everything a fresh client needs.
func (r *Room) joinResultLocked(sess *session.Session) JoinResult {
	caps := r.router.RTPCapabilities()
	result := JoinResult{
		Status:            JoinStatusJoined,
		UserID:            sess.UserID(),
		HostUserID:        r.hostUserIDLocked(),
		RTPCapabilities:   &caps,
		ExistingProducers: r.producerSnapshotLocked(sess.UserID()),
		Quality:           r.currentQuality,
		RecentChats:       r.recentChatsLocked(),
		AttendeeCount:     r.attendeeCountLocked(),
	}

	appsState := r.apps.Snapshot()
	result.AppsState = &appsState

	if sess.Role() == types.RoleWebinarAttendee {
		feed := r.deps.Webinar.Feed(r.channelID)
		result.WebinarFeed = &feed
		// Attendees see only the curated feed, not the roster.
		return result
	}

	members := r.membersSnapshotLocked()
	infos := make([]session.Info, 0, len(members))
	for _, m := range members {
		if m.Role() == types.RoleGhost && !r.isAdminLocked(sess) {
			continue
		}
		infos = append(infos, m.Info())
	}
	result.Members = infos
	return result
}

// producerSnapshotLocked lists every live producer the given user should
// consume: other members' plus the room's system producers.
func (r *Room) producerSnapshotLocked(exclude types.UserID) []ProducerAnnouncement {
	var out []ProducerAnnouncement
	for _, sess := range r.membersSnapshotLocked() {
		if sess.UserID() == exclude {
			continue
		}
		for _, p := range sess.Producers() {
			out = append(out, ProducerAnnouncement{
				ProducerID:     p.ID(),
				ProducerUserID: sess.UserID(),
				Kind:           p.Kind(),
				Type:           p.Type(),
				Paused:         p.Paused(),
			})
		}
	}
	for id, sp := range r.systemProducers {
		out = append(out, ProducerAnnouncement{
			ProducerID:     id,
			ProducerUserID: sp.SyntheticUserID,
			Kind:           sp.Producer.Kind(),
			Type:           sp.Producer.Type(),
			Paused:         sp.Producer.Paused(),
		})
	}
	return out
}

// knockLocked parks the attempt in the waiting room and pings the admins.
func (r *Room) knockLocked(ctx context.Context, in JoinInput, userID types.UserID) JoinResult {
	displayName := in.DisplayName
	if displayName == "" {
		displayName = types.DisplayName(in.UserKey)
	}
	r.pendingClients[in.UserKey] = &pendingClient{
		userID:      userID,
		displayName: displayName,
		conn:        in.Conn,
	}
	r.broadcastAdminsLocked(EventPendingUserJoined, UserPresencePayload{
		UserID:      userID,
		DisplayName: displayName,
	})

	metrics.Admissions.WithLabelValues("waiting").Inc()
	logging.Info(ctx, "User knocking",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(userID)))
	return JoinResult{Status: JoinStatusWaiting, UserID: userID}
}

// AdmitPending resolves a knock in the user's favor. The admin check is
// done by the dispatcher.
func (r *Room) AdmitPending(ctx context.Context, userKey types.UserKey) error {
	r.mu.Lock()

	p, ok := r.pendingClients[userKey]
	if !ok {
		r.mu.Unlock()
		return types.ErrNotFound
	}
	_, sessionID, err := types.SplitUserID(p.userID)
	if err != nil {
		delete(r.pendingClients, userKey)
		r.mu.Unlock()
		return types.ErrNotFound
	}

	r.allowedUsers.Insert(userKey)
	if r.isLocked {
		r.lockedAllowedUsers.Insert(userKey)
	}
	result := r.admitLocked(ctx, JoinInput{
		UserKey:     userKey,
		SessionID:   sessionID,
		DisplayName: p.displayName,
		Conn:        p.conn,
	}, p.userID, types.RoleParticipant)
	r.broadcastAdminsLocked(EventPendingUserLeft, UserPresencePayload{UserID: p.userID})
	r.mu.Unlock()

	p.conn.Send(EventAdmissionResult, result)
	return nil
}

// RejectPending resolves a knock against the user and drops their socket.
func (r *Room) RejectPending(ctx context.Context, userKey types.UserKey) error {
	r.mu.Lock()
	p, ok := r.pendingClients[userKey]
	if ok {
		delete(r.pendingClients, userKey)
		r.broadcastAdminsLocked(EventPendingUserLeft, UserPresencePayload{UserID: p.userID})
	}
	r.mu.Unlock()

	if !ok {
		return types.ErrNotFound
	}
	p.conn.Send(EventAdmissionResult, types.AckPayload{Error: string(types.ErrForbidden)})
	p.conn.Disconnect()

	logging.Info(ctx, "Pending user rejected",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(p.userID)))
	return nil
}

// PromoteHost hands the host seat to another member. Ghost observers and
// webinar attendees cannot hold it.
func (r *Room) PromoteHost(ctx context.Context, target types.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.members[target]
	if !ok {
		return types.ErrNotFound
	}
	if sess.Role() == types.RoleGhost || sess.Role() == types.RoleWebinarAttendee {
		return types.ErrForbidden
	}

	r.hostUserKey = r.userKeyOf(sess)
	r.cancelCleanupLocked()
	r.broadcastLocked(EventHostChanged, UserPresencePayload{
		UserID:      target,
		DisplayName: sess.DisplayName(),
	})

	logging.Info(ctx, "Host promoted",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(target)))
	return nil
}

// KickUser removes a member and bars the identity from re-entry.
func (r *Room) KickUser(ctx context.Context, target types.UserID) error {
	r.mu.Lock()
	sess, ok := r.members[target]
	if !ok {
		r.mu.Unlock()
		return types.ErrNotFound
	}

	key := r.userKeyOf(sess)
	r.deniedUsers.Insert(key)
	r.allowedUsers.Delete(key)
	r.lockedAllowedUsers.Delete(key)

	conn := sess.Conn()
	r.removeMemberLocked(ctx, target, "kicked")
	r.mu.Unlock()

	conn.Send(EventKicked, map[string]string{"reason": "removed by host"})
	conn.Disconnect()

	logging.Info(ctx, "User kicked",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(target)))
	return nil
}

// HandleDisconnect reacts to a socket drop: knockers are purged, members
// get a grace window before their session is torn down.
func (r *Room) HandleDisconnect(ctx context.Context, conn types.ClientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	// Knocker dropped while waiting: cancel the admission.
	for key, p := range r.pendingClients {
		if p.conn.SocketID() == conn.SocketID() {
			delete(r.pendingClients, key)
			r.broadcastAdminsLocked(EventPendingUserLeft, UserPresencePayload{UserID: p.userID})
			r.evaluateCleanupLocked()
			return
		}
	}

	sess, ok := r.sessionByConnLocked(conn)
	if !ok {
		return
	}
	r.scheduleDisconnectLocked(ctx, sess.UserID(), conn.SocketID())
}

// scheduleDisconnectLocked arms the grace timer. The callback re-acquires
// the lock and re-validates the (userId, socketId) pair: a reconnect that
// rebound the session in the meantime wins.
func (r *Room) scheduleDisconnectLocked(ctx context.Context, userID types.UserID, socketID types.SocketID) {
	if pd, ok := r.pendingDisconnects[userID]; ok {
		pd.timer.Stop()
	}

	grace := r.deps.Config.DisconnectGrace
	logging.Info(ctx, "Disconnect grace started",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(userID)),
		zap.Duration("grace", grace))

	timer := time.AfterFunc(grace, func() {
		r.mu.Lock()
		pd, ok := r.pendingDisconnects[userID]
		if !ok || pd.socketID != socketID {
			r.mu.Unlock()
			return
		}
		delete(r.pendingDisconnects, userID)
		sess, ok := r.members[userID]
		if !ok || sess.SocketID() != socketID {
			r.mu.Unlock()
			return
		}
		r.removeMemberLocked(context.Background(), userID, "grace expired")
		r.mu.Unlock()
	})
	r.pendingDisconnects[userID] = &pendingDisconnect{timer: timer, socketID: socketID}
}

// removeMemberLocked fully tears a member down: producer closures are
// fanned out, consumers at subscribers die, indices and policy sets are
// maintained and the cleanup state re-evaluated.
func (r *Room) removeMemberLocked(ctx context.Context, userID types.UserID, reason string) {
	sess, ok := r.members[userID]
	if !ok {
		return
	}

	wasAttendee := sess.Role() == types.RoleWebinarAttendee

	for _, p := range sess.Producers() {
		r.broadcastLocked(EventProducerClosed, ProducerClosedPayload{
			ProducerID:     p.ID(),
			ProducerUserID: userID,
		}, userID)
		r.closeConsumersForLocked(p.ID())
		r.releaseScreenLeaseLocked(p.ID())
	}

	delete(r.members, userID)
	delete(r.memberSeq, userID)
	delete(r.userKeysByID, userID)
	r.handRaised.Delete(userID)
	if pd, ok := r.pendingDisconnects[userID]; ok {
		pd.timer.Stop()
		delete(r.pendingDisconnects, userID)
	}

	sess.Close()

	for appID, removal := range r.apps.DisconnectUser(userID) {
		r.broadcastLocked(EventAppsAwarenessBroadcast, AppsBroadcastPayload{AppID: appID, Update: removal})
	}

	r.broadcastLocked(EventUserLeft, UserPresencePayload{UserID: userID})
	r.updateQualityTargetLocked()
	r.removeBusMembershipAsync(userID)
	metrics.RoomMembers.WithLabelValues(string(r.channelID)).Set(float64(len(r.members)))

	if wasAttendee {
		r.broadcastAttendeeCountLocked()
	} else {
		r.refreshWebinarFeedLocked()
	}

	r.evaluateCleanupLocked()

	logging.Info(ctx, "Member removed",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(userID)),
		zap.String("reason", reason))
}

// evaluateCleanupLocked arms or clears the dissolve timer per the current
// population: empty rooms and admin-less rooms are both on the clock.
func (r *Room) evaluateCleanupLocked() {
	if r.closed {
		return
	}
	switch {
	case len(r.members) == 0 && len(r.pendingClients) == 0:
		r.scheduleCleanupLocked("room empty")
	case len(r.members) > 0 && !r.hasAdminLocked():
		r.scheduleCleanupLocked("no admin present")
	default:
		r.cancelCleanupLocked()
	}
}
