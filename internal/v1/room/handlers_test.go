package room

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireomeet/sfu-core/internal/v1/media"
	"github.com/vireomeet/sfu-core/internal/v1/session"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// admitUser joins with a host credential so the waiting room never gets in
// the way of the media flow under test. Only the first caller takes the host
// seat.
func admitUser(t *testing.T, r *Room, key string) *mockConn {
	t.Helper()
	conn, res, err := joinHost(r, key)
	require.NoError(t, err)
	require.Equal(t, JoinStatusJoined, res.Status)
	return conn
}

func createSendTransport(t *testing.T, r *Room, conn *mockConn) string {
	t.Helper()
	params, err := r.CreateTransport(context.Background(), conn, session.DirectionSend)
	require.NoError(t, err)
	return params.ID
}

func produceMedia(t *testing.T, r *Room, conn *mockConn, transportID string, kind types.MediaKind, mediaType types.MediaType) string {
	t.Helper()
	id, err := r.Produce(context.Background(), conn, ProducePayload{
		TransportID: transportID,
		Kind:        kind,
		AppData:     ProduceAppData{Type: mediaType},
	})
	require.NoError(t, err)
	return id
}

func TestTransports(t *testing.T) {
	t.Run("should create one transport per direction", func(t *testing.T) {
		r := newTestRoom(t)
		conn := admitUser(t, r, "alice")

		_, err := r.CreateTransport(context.Background(), conn, session.DirectionSend)
		require.NoError(t, err)
		_, err = r.CreateTransport(context.Background(), conn, session.DirectionRecv)
		require.NoError(t, err)

		_, err = r.CreateTransport(context.Background(), conn, session.DirectionSend)
		assert.ErrorIs(t, err, types.ErrTransportExhausted)
	})

	t.Run("should reject transport calls from unknown sockets", func(t *testing.T) {
		r := newTestRoom(t)
		_, err := r.CreateTransport(context.Background(), newMockConn(), session.DirectionSend)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("should connect a created transport", func(t *testing.T) {
		r := newTestRoom(t)
		conn := admitUser(t, r, "alice")
		id := createSendTransport(t, r, conn)

		err := r.ConnectTransport(context.Background(), conn, ConnectTransportPayload{TransportID: id})
		assert.NoError(t, err)

		err = r.ConnectTransport(context.Background(), conn, ConnectTransportPayload{TransportID: "missing"})
		assert.ErrorIs(t, err, types.ErrTransportNotFound)
	})
}

func TestProduce(t *testing.T) {
	t.Run("should announce a new producer to everyone else", func(t *testing.T) {
		r := newTestRoom(t)
		alice := admitUser(t, r, "alice")
		bob := admitUser(t, r, "bob")

		transportID := createSendTransport(t, r, alice)
		produceMedia(t, r, alice, transportID, types.MediaKindVideo, types.MediaTypeWebcam)

		assert.Len(t, bob.eventsOf(EventNewProducer), 1)
		assert.Empty(t, alice.eventsOf(EventNewProducer))
	})

	t.Run("should replace the slot occupant and close the old producer first", func(t *testing.T) {
		r := newTestRoom(t)
		alice := admitUser(t, r, "alice")
		bob := admitUser(t, r, "bob")

		transportID := createSendTransport(t, r, alice)
		oldID := produceMedia(t, r, alice, transportID, types.MediaKindVideo, types.MediaTypeWebcam)
		newID := produceMedia(t, r, alice, transportID, types.MediaKindVideo, types.MediaTypeWebcam)
		require.NotEqual(t, oldID, newID)

		closed := bob.eventsOf(EventProducerClosed)
		require.Len(t, closed, 1)
		assert.Equal(t, oldID, closed[0].payload.(ProducerClosedPayload).ProducerID)
		assert.Len(t, bob.eventsOf(EventNewProducer), 2)
	})

	t.Run("should reject producers from ghosts and attendees", func(t *testing.T) {
		r := newTestRoom(t)
		_ = admitUser(t, r, "alice")

		ghostConn := newMockConn()
		in := joinInput("watcher", ghostConn)
		in.Role = types.RoleGhost
		in.IsHostCredential = true
		_, err := r.Join(context.Background(), in)
		require.NoError(t, err)

		_, err = r.Produce(context.Background(), ghostConn, ProducePayload{TransportID: "any"})
		assert.ErrorIs(t, err, types.ErrForbidden)
	})

	t.Run("should start paused when requested", func(t *testing.T) {
		r := newTestRoom(t)
		alice := admitUser(t, r, "alice")
		bob := admitUser(t, r, "bob")

		transportID := createSendTransport(t, r, alice)
		_, err := r.Produce(context.Background(), alice, ProducePayload{
			TransportID: transportID,
			Kind:        types.MediaKindAudio,
			AppData:     ProduceAppData{Type: types.MediaTypeWebcam, Paused: true},
		})
		require.NoError(t, err)

		announcements := bob.eventsOf(EventNewProducer)
		require.Len(t, announcements, 1)
		assert.True(t, announcements[0].payload.(ProducerAnnouncement).Paused)
	})
}

func TestScreenLease(t *testing.T) {
	t.Run("should grant the lease first come first served", func(t *testing.T) {
		r := newTestRoom(t)
		alice := admitUser(t, r, "alice")
		bob := admitUser(t, r, "bob")

		aliceTransport := createSendTransport(t, r, alice)
		bobTransport := createSendTransport(t, r, bob)

		produceMedia(t, r, alice, aliceTransport, types.MediaKindVideo, types.MediaTypeScreen)

		_, err := r.Produce(context.Background(), bob, ProducePayload{
			TransportID: bobTransport,
			Kind:        types.MediaKindVideo,
			AppData:     ProduceAppData{Type: types.MediaTypeScreen},
		})
		assert.ErrorIs(t, err, types.ErrScreenBusy)
	})

	t.Run("should release the lease when the screen producer closes", func(t *testing.T) {
		r := newTestRoom(t)
		alice := admitUser(t, r, "alice")
		bob := admitUser(t, r, "bob")

		aliceTransport := createSendTransport(t, r, alice)
		bobTransport := createSendTransport(t, r, bob)

		screenID := produceMedia(t, r, alice, aliceTransport, types.MediaKindVideo, types.MediaTypeScreen)
		require.NoError(t, r.CloseProducer(context.Background(), alice, screenID))

		owner, _ := r.ScreenOwner()
		assert.Empty(t, owner)

		produceMedia(t, r, bob, bobTransport, types.MediaKindVideo, types.MediaTypeScreen)
	})

	t.Run("should not treat screen audio as part of the lease", func(t *testing.T) {
		r := newTestRoom(t)
		alice := admitUser(t, r, "alice")
		bob := admitUser(t, r, "bob")

		aliceTransport := createSendTransport(t, r, alice)
		bobTransport := createSendTransport(t, r, bob)

		produceMedia(t, r, alice, aliceTransport, types.MediaKindVideo, types.MediaTypeScreen)
		produceMedia(t, r, bob, bobTransport, types.MediaKindAudio, types.MediaTypeScreen)
	})

	t.Run("should release the lease when the owner leaves", func(t *testing.T) {
		r := newTestRoom(t)
		alice := admitUser(t, r, "alice")
		_ = admitUser(t, r, "bob")

		aliceTransport := createSendTransport(t, r, alice)
		produceMedia(t, r, alice, aliceTransport, types.MediaKindVideo, types.MediaTypeScreen)

		r.mu.Lock()
		var aliceID types.UserID
		for id, key := range r.userKeysByID {
			if key == "alice" {
				aliceID = id
			}
		}
		r.removeMemberLocked(context.Background(), aliceID, "test")
		r.mu.Unlock()

		owner, _ := r.ScreenOwner()
		assert.Empty(t, owner)
	})
}

func TestConsume(t *testing.T) {
	setupProducer := func(t *testing.T, r *Room) (producerID string, consumerConn *mockConn) {
		t.Helper()
		alice := admitUser(t, r, "alice")
		bob := admitUser(t, r, "bob")

		aliceTransport := createSendTransport(t, r, alice)
		producerID = produceMedia(t, r, alice, aliceTransport, types.MediaKindVideo, types.MediaTypeWebcam)

		_, err := r.CreateTransport(context.Background(), bob, session.DirectionRecv)
		require.NoError(t, err)
		return producerID, bob
	}

	t.Run("should return consumer parameters for a live producer", func(t *testing.T) {
		r := newTestRoom(t)
		producerID, bob := setupProducer(t, r)

		ack, err := r.Consume(context.Background(), bob, ConsumePayload{
			ProducerID:      producerID,
			RTPCapabilities: webrtc.RTPCapabilities{},
		})
		require.NoError(t, err)
		assert.Equal(t, producerID, ack.ProducerID)
		assert.NotEmpty(t, ack.ID)
		assert.False(t, ack.Paused)
	})

	t.Run("should refuse consuming the same producer twice", func(t *testing.T) {
		r := newTestRoom(t)
		producerID, bob := setupProducer(t, r)

		_, err := r.Consume(context.Background(), bob, ConsumePayload{ProducerID: producerID})
		require.NoError(t, err)
		_, err = r.Consume(context.Background(), bob, ConsumePayload{ProducerID: producerID})
		assert.ErrorIs(t, err, types.ErrNotConsumable)
	})

	t.Run("should refuse consuming an unknown producer", func(t *testing.T) {
		r := newTestRoom(t)
		_, bob := setupProducer(t, r)

		_, err := r.Consume(context.Background(), bob, ConsumePayload{ProducerID: "missing"})
		assert.ErrorIs(t, err, types.ErrNotConsumable)
	})
}

func TestToggleProducer(t *testing.T) {
	t.Run("should broadcast pause state to the other members", func(t *testing.T) {
		r := newTestRoom(t)
		alice := admitUser(t, r, "alice")
		bob := admitUser(t, r, "bob")

		transportID := createSendTransport(t, r, alice)
		producerID := produceMedia(t, r, alice, transportID, types.MediaKindAudio, types.MediaTypeWebcam)

		require.NoError(t, r.ToggleProducer(context.Background(), alice, producerID, true))

		toggles := bob.eventsOf(EventToggleMedia)
		require.Len(t, toggles, 1)
		payload := toggles[0].payload.(ToggleMediaBroadcast)
		assert.True(t, payload.Paused)
		assert.Equal(t, producerID, payload.ProducerID)
	})

	t.Run("should only let the owner toggle a producer", func(t *testing.T) {
		r := newTestRoom(t)
		alice := admitUser(t, r, "alice")
		bob := admitUser(t, r, "bob")

		transportID := createSendTransport(t, r, alice)
		producerID := produceMedia(t, r, alice, transportID, types.MediaKindAudio, types.MediaTypeWebcam)

		err := r.ToggleProducer(context.Background(), bob, producerID, true)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})
}

func TestEngineEvents(t *testing.T) {
	t.Run("should fan out producerClosed when the engine reports a dead producer", func(t *testing.T) {
		r := newTestRoom(t)
		alice := admitUser(t, r, "alice")
		bob := admitUser(t, r, "bob")

		transportID := createSendTransport(t, r, alice)
		producerID := produceMedia(t, r, alice, transportID, types.MediaKindVideo, types.MediaTypeWebcam)

		router := r.router.(*mockRouter)
		router.emit(media.Event{Type: media.EventProducerClosed, ProducerID: producerID})

		assert.Eventually(t, func() bool {
			return len(bob.eventsOf(EventProducerClosed)) == 1
		}, time.Second, 10*time.Millisecond)
	})
}
