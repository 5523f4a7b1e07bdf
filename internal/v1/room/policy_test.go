package room

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireomeet/sfu-core/internal/v1/apps"
	"github.com/vireomeet/sfu-core/internal/v1/types"
	"github.com/vireomeet/sfu-core/internal/v1/webinar"
)

func TestAdminGates(t *testing.T) {
	t.Run("should refuse policy changes from non-admins", func(t *testing.T) {
		r := newTestRoom(t)
		_ = admitUser(t, r, "alice")
		bob := admitUser(t, r, "bob")

		assert.ErrorIs(t, r.SetRoomLocked(context.Background(), bob, true), types.ErrForbidden)
		assert.ErrorIs(t, r.SetChatLocked(context.Background(), bob, true), types.ErrForbidden)
		assert.ErrorIs(t, r.SetNoGuests(context.Background(), bob, true), types.ErrForbidden)
		assert.ErrorIs(t, r.MuteAll(context.Background(), bob), types.ErrForbidden)
		_, err := r.UpdateWebinarConfig(context.Background(), bob, webinar.Update{})
		assert.ErrorIs(t, err, types.ErrForbidden)
	})

	t.Run("should treat a ghost as an admin", func(t *testing.T) {
		r := newTestRoom(t)
		_ = admitUser(t, r, "alice")

		ghostConn := newMockConn()
		in := joinInput("watcher", ghostConn)
		in.Role = types.RoleGhost
		in.IsHostCredential = true
		_, err := r.Join(context.Background(), in)
		require.NoError(t, err)

		assert.NoError(t, r.SetChatLocked(context.Background(), ghostConn, true))
	})
}

func TestMuteAll(t *testing.T) {
	t.Run("should pause everyone's webcam audio except the requester's", func(t *testing.T) {
		r := newTestRoom(t)
		hostConn := admitUser(t, r, "alice")
		bob := admitUser(t, r, "bob")

		hostTransport := createSendTransport(t, r, hostConn)
		bobTransport := createSendTransport(t, r, bob)
		produceMedia(t, r, hostConn, hostTransport, types.MediaKindAudio, types.MediaTypeWebcam)
		bobProducer := produceMedia(t, r, bob, bobTransport, types.MediaKindAudio, types.MediaTypeWebcam)

		require.NoError(t, r.MuteAll(context.Background(), hostConn))

		p, ok := r.router.Producer(bobProducer)
		require.True(t, ok)
		assert.True(t, p.Paused())

		toggles := bob.eventsOf(EventToggleMedia)
		require.Len(t, toggles, 1)
		assert.True(t, toggles[0].payload.(ToggleMediaBroadcast).Paused)
	})
}

func TestRoomLockSnapshot(t *testing.T) {
	t.Run("should clear the snapshot on unlock", func(t *testing.T) {
		r := newTestRoom(t)
		hostConn := admitUser(t, r, "alice")

		require.NoError(t, r.SetRoomLocked(context.Background(), hostConn, true))
		r.mu.RLock()
		snapshotLen := r.lockedAllowedUsers.Len()
		r.mu.RUnlock()
		assert.Equal(t, 1, snapshotLen)

		require.NoError(t, r.SetRoomLocked(context.Background(), hostConn, false))
		r.mu.RLock()
		snapshotLen = r.lockedAllowedUsers.Len()
		r.mu.RUnlock()
		assert.Zero(t, snapshotLen)
	})

	t.Run("should not re-admit users cleared before an unlock-lock cycle", func(t *testing.T) {
		r := newTestRoom(t)
		hostConn := admitUser(t, r, "alice")

		// bob cleared while unlocked, then leaves, then the room locks.
		_, err := r.Join(context.Background(), joinInput("bob", newMockConn()))
		require.NoError(t, err)
		require.NoError(t, r.AdmitPending(context.Background(), "bob"))

		require.NoError(t, r.SetRoomLocked(context.Background(), hostConn, true))

		// bob is in the lock snapshot: a new tab still gets in.
		_, res, err := joinParticipant(r, "bob")
		require.NoError(t, err)
		assert.Equal(t, JoinStatusJoined, res.Status)

		// carol was never cleared: locked out.
		_, _, err = joinParticipant(r, "carol")
		assert.ErrorIs(t, err, types.ErrRoomLocked)
	})
}

func TestMeetingConfig(t *testing.T) {
	t.Run("should notify admins whether a code is set", func(t *testing.T) {
		r := newTestRoom(t)
		hostConn := admitUser(t, r, "alice")

		code := "open-sesame"
		require.NoError(t, r.UpdateMeetingConfig(context.Background(), hostConn, MeetingConfigPayload{InviteCode: &code}))

		configs := hostConn.eventsOf(EventMeetingConfig)
		require.Len(t, configs, 1)
		assert.True(t, configs[0].payload.(map[string]bool)["hasInviteCode"])

		empty := ""
		require.NoError(t, r.UpdateMeetingConfig(context.Background(), hostConn, MeetingConfigPayload{InviteCode: &empty}))
		configs = hostConn.eventsOf(EventMeetingConfig)
		require.Len(t, configs, 2)
		assert.False(t, configs[1].payload.(map[string]bool)["hasInviteCode"])
	})
}

func TestWebinarConfig(t *testing.T) {
	t.Run("should broadcast config changes", func(t *testing.T) {
		r := newTestRoom(t)
		hostConn := admitUser(t, r, "alice")
		bob := admitUser(t, r, "bob")

		enabled := true
		cfg, err := r.UpdateWebinarConfig(context.Background(), hostConn, webinar.Update{Enabled: &enabled})
		require.NoError(t, err)
		assert.True(t, cfg.Enabled)
		assert.Equal(t, webinar.DefaultMaxAttendees, cfg.MaxAttendees)

		changes := bob.eventsOf(EventWebinarConfigChanged)
		require.Len(t, changes, 1)
	})

	t.Run("should clamp a cap below one", func(t *testing.T) {
		r := newTestRoom(t)
		hostConn := admitUser(t, r, "alice")

		zero := 0
		cfg, err := r.UpdateWebinarConfig(context.Background(), hostConn, webinar.Update{MaxAttendees: &zero})
		require.NoError(t, err)
		assert.Equal(t, 1, cfg.MaxAttendees)
	})

	t.Run("should bump the link version on rotation", func(t *testing.T) {
		r := newTestRoom(t)
		hostConn := admitUser(t, r, "alice")

		enabled := true
		cfg, err := r.UpdateWebinarConfig(context.Background(), hostConn, webinar.Update{Enabled: &enabled})
		require.NoError(t, err)

		_, version, err := r.RotateWebinarLink(context.Background(), hostConn)
		require.NoError(t, err)
		assert.Equal(t, cfg.LinkVersion+1, version)
	})
}

func TestApps(t *testing.T) {
	t.Run("should open an app and broadcast the state", func(t *testing.T) {
		r := newTestRoom(t)
		alice := admitUser(t, r, "alice")
		bob := admitUser(t, r, "bob")

		require.NoError(t, r.AppsOpen(context.Background(), alice, "whiteboard"))

		states := bob.eventsOf(EventAppsState)
		require.Len(t, states, 1)
		assert.Equal(t, "whiteboard", states[0].payload.(apps.Snapshot).ActiveAppID)
	})

	t.Run("should restrict switching while locked", func(t *testing.T) {
		r := newTestRoom(t)
		hostConn := admitUser(t, r, "alice")
		bob := admitUser(t, r, "bob")

		require.NoError(t, r.AppsLock(context.Background(), hostConn, true))

		assert.ErrorIs(t, r.AppsOpen(context.Background(), bob, "whiteboard"), types.ErrForbidden)
		assert.NoError(t, r.AppsOpen(context.Background(), hostConn, "whiteboard"))
	})

	t.Run("should relay updates to everyone but the sender", func(t *testing.T) {
		r := newTestRoom(t)
		alice := admitUser(t, r, "alice")
		bob := admitUser(t, r, "bob")

		require.NoError(t, r.AppsOpen(context.Background(), alice, "whiteboard"))
		require.NoError(t, r.AppsUpdate(context.Background(), alice, "whiteboard", []byte("delta")))

		assert.Len(t, bob.eventsOf(EventAppsUpdateBroadcast), 1)
		assert.Empty(t, alice.eventsOf(EventAppsUpdateBroadcast))
	})

	t.Run("should answer a sync with the accumulated updates", func(t *testing.T) {
		r := newTestRoom(t)
		alice := admitUser(t, r, "alice")
		bob := admitUser(t, r, "bob")

		require.NoError(t, r.AppsOpen(context.Background(), alice, "whiteboard"))
		require.NoError(t, r.AppsUpdate(context.Background(), alice, "whiteboard", []byte("delta")))

		resp, err := r.AppsSync(bob, "whiteboard", nil)
		require.NoError(t, err)
		assert.NotEmpty(t, resp.Update)
		assert.NotEmpty(t, resp.StateVector)
	})
}
