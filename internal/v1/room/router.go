package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/metrics"
	"github.com/vireomeet/sfu-core/internal/v1/session"
	"github.com/vireomeet/sfu-core/internal/v1/types"
	"github.com/vireomeet/sfu-core/internal/v1/webinar"
)

// Dispatch routes one in-room signaling message. Messages carrying a
// requestId get exactly one ack: the handler result on success, the error
// kind otherwise. Messages without a requestId are fire-and-forget.
func (r *Room) Dispatch(ctx context.Context, conn types.ClientConn, msg types.Message) {
	start := time.Now()

	data, err := r.handle(ctx, conn, msg)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SignalingEvents.WithLabelValues(string(msg.Event), status).Inc()
	metrics.EventProcessingDuration.WithLabelValues(string(msg.Event)).Observe(time.Since(start).Seconds())

	if err != nil {
		logging.Warn(ctx, "Event failed",
			zap.String("channelId", string(r.channelID)),
			zap.String("event", string(msg.Event)),
			zap.Error(err))
	}
	if msg.RequestID == "" {
		return
	}
	if err != nil {
		conn.AckError(msg.RequestID, types.KindOf(err))
		return
	}
	conn.Ack(msg.RequestID, data)
}

func (r *Room) handle(ctx context.Context, conn types.ClientConn, msg types.Message) (interface{}, error) {
	switch msg.Event {
	case EventJoinRoom:
		var p JoinPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return r.HandleJoin(ctx, conn, p)

	case EventGetRtpCapabilities:
		return map[string]interface{}{"rtpCapabilities": r.router.RTPCapabilities()}, nil

	case EventCreateProducerTransport:
		return r.CreateTransport(ctx, conn, session.DirectionSend)

	case EventCreateConsumerTransport:
		return r.CreateTransport(ctx, conn, session.DirectionRecv)

	case EventConnectTransport:
		var p ConnectTransportPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return nil, r.ConnectTransport(ctx, conn, p)

	case EventRestartIce:
		var p RestartIcePayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		dir := session.Direction(p.Transport)
		if !dir.Valid() {
			dir = session.DirectionSend
		}
		return r.RestartICE(ctx, conn, dir)

	case EventProduce:
		var p ProducePayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		id, err := r.Produce(ctx, conn, p)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil

	case EventConsume:
		var p ConsumePayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return r.Consume(ctx, conn, p)

	case EventToggleMute, EventToggleCamera:
		var p ToggleMediaPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return nil, r.ToggleProducer(ctx, conn, p.ProducerID, p.Paused)

	case EventCloseProducer:
		var p CloseProducerPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return nil, r.CloseProducer(ctx, conn, p.ProducerID)

	case EventSendChat:
		var p ChatPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return nil, r.SendChat(ctx, conn, p.Content)

	case EventGetRecentChats:
		return r.RecentChats(conn)

	case EventDeleteChat:
		var p DeleteChatPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return nil, r.DeleteChat(ctx, conn, p.MessageID)

	case EventSetHandRaised:
		var p HandRaisedPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return nil, r.SetHandRaised(ctx, conn, p.Raised)

	case EventSendReaction:
		var p ReactionPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return nil, r.SendReaction(ctx, conn, p.Kind, p.Value, p.Label)

	case EventSetDisplayName:
		var p DisplayNamePayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return nil, r.SetDisplayName(ctx, conn, p.DisplayName)

	case EventAdmitUser:
		key, err := r.targetUserKey(conn, msg)
		if err != nil {
			return nil, err
		}
		return nil, r.AdmitPending(ctx, key)

	case EventRejectUser:
		key, err := r.targetUserKey(conn, msg)
		if err != nil {
			return nil, err
		}
		return nil, r.RejectPending(ctx, key)

	case EventPromoteHost:
		target, err := r.targetUserID(conn, msg)
		if err != nil {
			return nil, err
		}
		return nil, r.PromoteHost(ctx, target)

	case EventKickUser:
		target, err := r.targetUserID(conn, msg)
		if err != nil {
			return nil, err
		}
		return nil, r.KickUser(ctx, target)

	case EventMuteAll:
		return nil, r.MuteAll(ctx, conn)

	case EventCloseAllVideo:
		return nil, r.CloseAllVideo(ctx, conn)

	case EventSetTtsDisabled:
		var p FlagPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return nil, r.SetTtsDisabled(ctx, conn, p.Disabled)

	case EventSetRoomLocked:
		var p FlagPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return nil, r.SetRoomLocked(ctx, conn, p.Locked)

	case EventSetChatLocked:
		var p FlagPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return nil, r.SetChatLocked(ctx, conn, p.Locked)

	case EventSetNoGuests:
		var p FlagPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return nil, r.SetNoGuests(ctx, conn, p.Enabled)

	case EventUpdateMeetingConfig:
		var p MeetingConfigPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return nil, r.UpdateMeetingConfig(ctx, conn, p)

	case EventUpdateWebinarConfig:
		var u webinar.Update
		if err := decode(msg.Payload, &u); err != nil {
			return nil, types.ErrNotFound
		}
		return r.UpdateWebinarConfig(ctx, conn, u)

	case EventGenerateWebinarLink:
		link, err := r.GenerateWebinarLink(conn)
		if err != nil {
			return nil, err
		}
		return map[string]string{"link": link}, nil

	case EventRotateWebinarLink:
		link, version, err := r.RotateWebinarLink(ctx, conn)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"link": link, "linkVersion": version}, nil

	case EventAppsOpen:
		var p AppsOpenPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return nil, r.AppsOpen(ctx, conn, p.AppID)

	case EventAppsClose:
		return nil, r.AppsClose(ctx, conn)

	case EventAppsLock:
		var p FlagPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return nil, r.AppsLock(ctx, conn, p.Locked)

	case EventAppsSync:
		var p AppsSyncPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return r.AppsSync(conn, p.AppID, p.StateVector)

	case EventAppsUpdate:
		var p AppsUpdatePayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return nil, r.AppsUpdate(ctx, conn, p.AppID, p.Update)

	case EventAppsAwareness:
		var p AppsAwarenessPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, types.ErrNotFound
		}
		return nil, r.AppsAwareness(ctx, conn, p)

	default:
		return nil, types.ErrNotFound
	}
}

// requireAdmin gates dispatcher-level admin operations that act on state the
// room methods cannot attribute to a requester.
func (r *Room) requireAdmin(conn types.ClientConn) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, err := r.adminSessionLocked(conn)
	return err
}

// targetUserKey resolves the user key an admin operation targets, accepting
// either a bare key or a full user id.
func (r *Room) targetUserKey(conn types.ClientConn, msg types.Message) (types.UserKey, error) {
	if err := r.requireAdmin(conn); err != nil {
		return "", err
	}
	var p TargetUserKeyPayload
	if err := decode(msg.Payload, &p); err != nil {
		return "", types.ErrNotFound
	}
	if p.UserKey != "" {
		return p.UserKey, nil
	}
	key, _, err := types.SplitUserID(p.UserID)
	if err != nil {
		return "", types.ErrNotFound
	}
	return key, nil
}

// targetUserID resolves the member an admin operation targets.
func (r *Room) targetUserID(conn types.ClientConn, msg types.Message) (types.UserID, error) {
	if err := r.requireAdmin(conn); err != nil {
		return "", err
	}
	var p TargetUserPayload
	if err := decode(msg.Payload, &p); err != nil {
		return "", types.ErrNotFound
	}
	if p.UserID == "" {
		return "", types.ErrNotFound
	}
	return p.UserID, nil
}
