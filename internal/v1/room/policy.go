package room

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/vireomeet/sfu-core/internal/v1/apps"
	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/session"
	"github.com/vireomeet/sfu-core/internal/v1/types"
	"github.com/vireomeet/sfu-core/internal/v1/webinar"
)

// adminSessionLocked resolves the requester and verifies admin rights.
func (r *Room) adminSessionLocked(conn types.ClientConn) (*session.Session, error) {
	sess, ok := r.sessionByConnLocked(conn)
	if !ok {
		return nil, types.ErrNotFound
	}
	if !r.isAdminLocked(sess) {
		return nil, types.ErrForbidden
	}
	return sess, nil
}

// MuteAll pauses every participant's webcam audio except the requester's.
func (r *Room) MuteAll(ctx context.Context, conn types.ClientConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	admin, err := r.adminSessionLocked(conn)
	if err != nil {
		return err
	}
	for _, sess := range r.members {
		if sess.UserID() == admin.UserID() || sess.Role() != types.RoleParticipant {
			continue
		}
		r.forcePauseLocked(sess, types.MediaKindAudio)
	}
	logging.Info(ctx, "All participants muted",
		zap.String("channelId", string(r.channelID)),
		zap.String("by", string(admin.UserID())))
	return nil
}

// CloseAllVideo pauses every participant's webcam video except the
// requester's.
func (r *Room) CloseAllVideo(ctx context.Context, conn types.ClientConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	admin, err := r.adminSessionLocked(conn)
	if err != nil {
		return err
	}
	for _, sess := range r.members {
		if sess.UserID() == admin.UserID() || sess.Role() != types.RoleParticipant {
			continue
		}
		r.forcePauseLocked(sess, types.MediaKindVideo)
	}
	return nil
}

// SetTtsDisabled toggles text-to-speech for the room.
func (r *Room) SetTtsDisabled(ctx context.Context, conn types.ClientConn, disabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.adminSessionLocked(conn); err != nil {
		return err
	}
	if r.isTtsDisabled == disabled {
		return nil
	}
	r.isTtsDisabled = disabled
	r.broadcastLocked(EventSetTtsDisabled, FlagPayload{Disabled: disabled})
	return nil
}

// SetRoomLocked locks or unlocks the room. Locking snapshots the identities
// allowed through while the lock holds: everyone already inside plus anyone
// previously cleared, so reconnects keep working.
func (r *Room) SetRoomLocked(ctx context.Context, conn types.ClientConn, locked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.adminSessionLocked(conn); err != nil {
		return err
	}
	if r.isLocked == locked {
		return nil
	}
	r.isLocked = locked

	r.lockedAllowedUsers = set.New[types.UserKey]()
	if locked {
		for _, key := range r.userKeysByID {
			r.lockedAllowedUsers.Insert(key)
		}
		for key := range r.allowedUsers {
			r.lockedAllowedUsers.Insert(key)
		}
	}

	r.broadcastLocked(EventSetRoomLocked, FlagPayload{Locked: locked})
	logging.Info(ctx, "Room lock changed",
		zap.String("channelId", string(r.channelID)),
		zap.Bool("locked", locked))
	return nil
}

// SetChatLocked restricts chat to admins.
func (r *Room) SetChatLocked(ctx context.Context, conn types.ClientConn, locked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.adminSessionLocked(conn); err != nil {
		return err
	}
	if r.isChatLocked == locked {
		return nil
	}
	r.isChatLocked = locked
	r.broadcastLocked(EventSetChatLocked, FlagPayload{Locked: locked})
	return nil
}

// SetNoGuests blocks unauthenticated identities from joining. Guests already
// inside stay.
func (r *Room) SetNoGuests(ctx context.Context, conn types.ClientConn, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.adminSessionLocked(conn); err != nil {
		return err
	}
	if r.noGuests == enabled {
		return nil
	}
	r.noGuests = enabled
	r.broadcastLocked(EventSetNoGuests, FlagPayload{Enabled: enabled})
	return nil
}

// UpdateMeetingConfig sets or clears the room's meeting code. Only the keyed
// hash is retained.
func (r *Room) UpdateMeetingConfig(ctx context.Context, conn types.ClientConn, in MeetingConfigPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.adminSessionLocked(conn); err != nil {
		return err
	}
	if in.InviteCode != nil {
		if *in.InviteCode == "" {
			r.meetingCodeHash = nil
		} else {
			mac := hmac.New(sha256.New, []byte(r.deps.Config.Secret))
			mac.Write([]byte(*in.InviteCode))
			r.meetingCodeHash = mac.Sum(nil)
		}
	}

	r.broadcastAdminsLocked(EventMeetingConfig, map[string]bool{
		"hasInviteCode": r.meetingCodeHash != nil,
	})
	logging.Info(ctx, "Meeting config updated",
		zap.String("channelId", string(r.channelID)),
		zap.Bool("hasInviteCode", r.meetingCodeHash != nil))
	return nil
}

// --- Webinar operations ---

// UpdateWebinarConfig applies a partial webinar config change and fans the
// result out.
func (r *Room) UpdateWebinarConfig(ctx context.Context, conn types.ClientConn, u webinar.Update) (webinar.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.adminSessionLocked(conn); err != nil {
		return webinar.Config{}, err
	}
	cfg, err := r.deps.Webinar.Apply(ctx, r.channelID, u)
	if err != nil {
		return webinar.Config{}, err
	}

	r.broadcastLocked(EventWebinarConfigChanged, cfg)
	if cfg.Enabled {
		r.broadcastAttendeeCountLocked()
		r.refreshWebinarFeedLocked()
	}
	return cfg, nil
}

// GenerateWebinarLink returns the current join link for the webinar.
func (r *Room) GenerateWebinarLink(conn types.ClientConn) (string, error) {
	r.mu.RLock()
	_, err := r.adminSessionLocked(conn)
	r.mu.RUnlock()
	if err != nil {
		return "", err
	}
	return r.deps.Webinar.GenerateLink(r.channelID)
}

// RotateWebinarLink invalidates every outstanding signed link and returns a
// fresh one.
func (r *Room) RotateWebinarLink(ctx context.Context, conn types.ClientConn) (string, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.adminSessionLocked(conn); err != nil {
		return "", 0, err
	}
	link, version, err := r.deps.Webinar.RotateLink(r.channelID)
	if err != nil {
		return "", 0, err
	}

	r.broadcastLocked(EventWebinarConfigChanged, r.deps.Webinar.Get(r.channelID))
	logging.Info(ctx, "Webinar link rotated",
		zap.String("channelId", string(r.channelID)),
		zap.Int64("linkVersion", version))
	return link, version, nil
}

// --- Collaborative apps ---

// AppsOpen activates a shared app. With the apps surface locked only admins
// may switch.
func (r *Room) AppsOpen(ctx context.Context, conn types.ClientConn, appID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessionByConnLocked(conn)
	if !ok {
		return types.ErrNotFound
	}
	if r.apps.Locked() && !r.isAdminLocked(sess) {
		return types.ErrForbidden
	}
	if appID == "" {
		return types.ErrNotFound
	}

	if r.apps.Open(appID) {
		r.broadcastLocked(EventAppsState, r.apps.Snapshot())
	}
	return nil
}

// AppsClose deactivates the current app. The document survives for a later
// reopen; only awareness is wiped.
func (r *Room) AppsClose(ctx context.Context, conn types.ClientConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessionByConnLocked(conn)
	if !ok {
		return types.ErrNotFound
	}
	if r.apps.Locked() && !r.isAdminLocked(sess) {
		return types.ErrForbidden
	}

	appID, removal := r.apps.Close()
	if appID == "" {
		return nil
	}
	if removal != nil {
		r.broadcastLocked(EventAppsAwarenessBroadcast, AppsBroadcastPayload{AppID: appID, Update: removal})
	}
	r.broadcastLocked(EventAppsState, r.apps.Snapshot())
	return nil
}

// AppsLock restricts app switching to admins.
func (r *Room) AppsLock(ctx context.Context, conn types.ClientConn, locked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.adminSessionLocked(conn); err != nil {
		return err
	}
	if r.apps.SetLocked(locked) {
		r.broadcastLocked(EventAppsState, r.apps.Snapshot())
	}
	return nil
}

// AppsSync answers a client's state-vector handshake with the missing
// document updates and current awareness.
func (r *Room) AppsSync(conn types.ClientConn, appID string, stateVector []byte) (apps.SyncResponse, error) {
	r.mu.RLock()
	_, ok := r.sessionByConnLocked(conn)
	r.mu.RUnlock()
	if !ok {
		return apps.SyncResponse{}, types.ErrNotFound
	}
	return r.apps.Sync(appID, stateVector)
}

// AppsUpdate applies a document update and relays it to everyone else.
func (r *Room) AppsUpdate(ctx context.Context, conn types.ClientConn, appID string, update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessionByConnLocked(conn)
	if !ok {
		return types.ErrNotFound
	}
	if err := r.apps.Update(appID, update); err != nil {
		return err
	}
	r.broadcastLocked(EventAppsUpdateBroadcast, AppsBroadcastPayload{AppID: appID, Update: update}, sess.UserID())
	return nil
}

// AppsAwareness applies a presence update and relays it to everyone else.
func (r *Room) AppsAwareness(ctx context.Context, conn types.ClientConn, in AppsAwarenessPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessionByConnLocked(conn)
	if !ok {
		return types.ErrNotFound
	}
	if err := r.apps.ApplyAwareness(in.AppID, sess.UserID(), in.ClientID, in.Update); err != nil {
		return err
	}
	r.broadcastLocked(EventAppsAwarenessBroadcast, AppsBroadcastPayload{AppID: in.AppID, Update: in.Update}, sess.UserID())
	return nil
}
