package room

import (
	"context"

	"go.uber.org/zap"

	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/media"
	"github.com/vireomeet/sfu-core/internal/v1/session"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// Media signaling handlers. Engine calls that may block (transport creation,
// handshakes, produce/consume) run with the room lock dropped; the room state
// mutation afterwards re-validates what the call assumed.

// CreateTransport allocates the send or recv transport for the requester.
func (r *Room) CreateTransport(ctx context.Context, conn types.ClientConn, dir session.Direction) (media.TransportParameters, error) {
	sess, ok := r.sessionByConn(conn)
	if !ok {
		return media.TransportParameters{}, types.ErrNotFound
	}

	t, params, err := r.router.CreateWebRtcTransport(ctx)
	if err != nil {
		return media.TransportParameters{}, err
	}
	if err := sess.AttachTransport(dir, t); err != nil {
		t.Close()
		return media.TransportParameters{}, err
	}

	logging.Info(ctx, "Transport created",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(sess.UserID())),
		zap.String("transportId", t.ID()),
		zap.String("direction", string(dir)))
	return params, nil
}

// ConnectTransport completes the client's ICE/DTLS handshake.
func (r *Room) ConnectTransport(ctx context.Context, conn types.ClientConn, in ConnectTransportPayload) error {
	sess, ok := r.sessionByConn(conn)
	if !ok {
		return types.ErrNotFound
	}
	t, err := sess.TransportByID(in.TransportID)
	if err != nil {
		return err
	}
	return t.Connect(ctx, media.ConnectOptions{
		DTLSParameters: in.DTLSParams,
		ICEParameters:  in.ICEParams,
	})
}

// RestartICE regenerates ICE parameters for one of the requester's
// transports.
func (r *Room) RestartICE(ctx context.Context, conn types.ClientConn, dir session.Direction) (interface{}, error) {
	sess, ok := r.sessionByConn(conn)
	if !ok {
		return nil, types.ErrNotFound
	}
	t, err := sess.Transport(dir)
	if err != nil {
		return nil, err
	}
	params, err := t.RestartICE(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"iceParameters": params}, nil
}

// Produce registers a new inbound stream. A producer into an occupied
// (kind, type) slot replaces the old one; subscribers see producerClosed for
// the old id before newProducer for the new. Screen video additionally
// requires the room's single screen lease.
func (r *Room) Produce(ctx context.Context, conn types.ClientConn, in ProducePayload) (string, error) {
	sess, ok := r.sessionByConn(conn)
	if !ok {
		return "", types.ErrNotFound
	}
	if sess.Role() == types.RoleWebinarAttendee || sess.Role() == types.RoleGhost {
		return "", types.ErrForbidden
	}
	t, err := sess.TransportByID(in.TransportID)
	if err != nil {
		return "", err
	}

	isScreen := in.Kind == types.MediaKindVideo && in.AppData.Type == types.MediaTypeScreen
	if isScreen {
		r.mu.RLock()
		busy := r.screenProducerID != "" && r.screenOwner != sess.UserID()
		r.mu.RUnlock()
		if busy {
			return "", types.ErrScreenBusy
		}
	}

	producer, err := t.Produce(ctx, media.ProducerOptions{
		Kind:          in.Kind,
		Type:          in.AppData.Type,
		RTPParameters: in.RTPParameters,
		Encodings:     in.Encodings,
		Paused:        in.AppData.Paused,
	})
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		producer.Close()
		return "", types.ErrRoomClosed
	}
	// The lease may have been taken while the lock was dropped.
	if isScreen {
		if err := r.acquireScreenLeaseLocked(sess.UserID(), producer.ID()); err != nil {
			r.mu.Unlock()
			producer.Close()
			return "", err
		}
	}

	old, err := sess.AddProducer(producer)
	if err != nil {
		if isScreen {
			r.releaseScreenLeaseLocked(producer.ID())
		}
		r.mu.Unlock()
		producer.Close()
		return "", err
	}
	if old != nil {
		r.broadcastLocked(EventProducerClosed, ProducerClosedPayload{
			ProducerID:     old.ID(),
			ProducerUserID: sess.UserID(),
		}, sess.UserID())
		r.closeConsumersForLocked(old.ID())
		r.releaseScreenLeaseLocked(old.ID())
	}
	r.announceProducerLocked(producer, sess.UserID())
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}

	logging.Info(ctx, "Producer created",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(sess.UserID())),
		zap.String("producerId", producer.ID()),
		zap.String("kind", string(in.Kind)),
		zap.String("type", string(in.AppData.Type)))
	return producer.ID(), nil
}

// Consume subscribes the requester to a remote producer on its recv
// transport.
func (r *Room) Consume(ctx context.Context, conn types.ClientConn, in ConsumePayload) (ConsumerAck, error) {
	sess, ok := r.sessionByConn(conn)
	if !ok {
		return ConsumerAck{}, types.ErrNotFound
	}
	sess.SetRTPCapabilities(in.RTPCapabilities)

	if sess.HasConsumerFor(in.ProducerID) {
		return ConsumerAck{}, types.ErrNotConsumable
	}
	if !r.router.CanConsume(in.ProducerID, in.RTPCapabilities) {
		return ConsumerAck{}, types.ErrNotConsumable
	}
	t, err := sess.Transport(session.DirectionRecv)
	if err != nil {
		return ConsumerAck{}, err
	}

	consumer, err := t.Consume(ctx, in.ProducerID, in.RTPCapabilities)
	if err != nil {
		return ConsumerAck{}, err
	}
	if err := sess.AddConsumer(consumer); err != nil {
		consumer.Close()
		return ConsumerAck{}, err
	}

	paused := false
	if p, ok := r.router.Producer(in.ProducerID); ok {
		paused = p.Paused()
	}
	return ConsumerAck{
		ConsumerParameters: media.ConsumerParameters{
			ID:            consumer.ID(),
			ProducerID:    consumer.ProducerID(),
			Kind:          consumer.Kind(),
			RTPParameters: consumer.RTPParameters(),
			Encodings:     consumer.Encodings(),
		},
		Paused: paused,
	}, nil
}

// ToggleProducer pauses or resumes one of the requester's own producers and
// fans the state change out.
func (r *Room) ToggleProducer(ctx context.Context, conn types.ClientConn, producerID string, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessionByConnLocked(conn)
	if !ok {
		return types.ErrNotFound
	}
	p, ok := sess.ProducerByID(producerID)
	if !ok {
		return types.ErrNotFound
	}

	if paused {
		p.Pause()
	} else {
		p.Resume()
	}

	r.broadcastLocked(EventToggleMedia, ToggleMediaBroadcast{
		ProducerID: producerID,
		UserID:     sess.UserID(),
		Kind:       p.Kind(),
		Type:       p.Type(),
		Paused:     paused,
	}, sess.UserID())
	r.refreshWebinarFeedLocked()
	return nil
}

// CloseProducer tears down one of the requester's own producers.
func (r *Room) CloseProducer(ctx context.Context, conn types.ClientConn, producerID string) error {
	r.mu.Lock()
	sess, ok := r.sessionByConnLocked(conn)
	if !ok {
		r.mu.Unlock()
		return types.ErrNotFound
	}
	p, ok := sess.RemoveProducer(producerID)
	if !ok {
		r.mu.Unlock()
		return types.ErrNotFound
	}
	r.handleProducerClosedLocked(producerID, sess.UserID())
	r.mu.Unlock()

	p.Close()
	return nil
}

// forcePauseLocked pauses a producer on behalf of an admin and fans the
// change out to everyone including the owner.
func (r *Room) forcePauseLocked(sess *session.Session, kind types.MediaKind) {
	p, ok := sess.Producer(kind, types.MediaTypeWebcam)
	if !ok || p.Paused() {
		return
	}
	p.Pause()
	r.broadcastLocked(EventToggleMedia, ToggleMediaBroadcast{
		ProducerID: p.ID(),
		UserID:     sess.UserID(),
		Kind:       kind,
		Type:       types.MediaTypeWebcam,
		Paused:     true,
	})
}
