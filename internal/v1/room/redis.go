package room

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/vireomeet/sfu-core/internal/v1/bus"
	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// busMembersKey is the cross-pod presence set for this room.
func (r *Room) busMembersKey() string {
	return "sfu:channel:" + string(r.channelID) + ":members"
}

// subscribeToBus relays broadcasts from sibling instances to local members.
// Envelopes from this instance are filtered by the bus itself.
func (r *Room) subscribeToBus() {
	r.deps.Bus.Subscribe(r.ctx, string(r.channelID), &r.wg, func(env bus.Envelope) {
		msg := types.Message{Event: types.Event(env.Event), Payload: env.Payload}
		data, err := json.Marshal(msg)
		if err != nil {
			logging.Warn(r.ctx, "Bus relay encode failed",
				zap.String("channelId", string(r.channelID)), zap.Error(err))
			return
		}

		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, sess := range r.members {
			sess.Conn().SendRaw(data)
		}
	})
}

func (r *Room) addBusMembershipAsync(userID types.UserID) {
	if r.deps.Bus == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.deps.Bus.SetAdd(context.Background(), r.busMembersKey(), string(userID)); err != nil {
			logging.Warn(context.Background(), "Presence set add failed", zap.Error(err))
		}
	}()
}

func (r *Room) removeBusMembershipAsync(userID types.UserID) {
	if r.deps.Bus == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.deps.Bus.SetRem(context.Background(), r.busMembersKey(), string(userID)); err != nil {
			logging.Warn(context.Background(), "Presence set remove failed", zap.Error(err))
		}
	}()
}

// clearBusMembership wipes the presence set on room close.
func (r *Room) clearBusMembership(ctx context.Context) {
	if r.deps.Bus == nil {
		return
	}
	members, err := r.deps.Bus.SetMembers(ctx, r.busMembersKey())
	if err != nil {
		logging.Warn(ctx, "Presence set read failed on close", zap.Error(err))
		return
	}
	for _, m := range members {
		_ = r.deps.Bus.SetRem(ctx, r.busMembersKey(), m)
	}
}

// PresenceAcrossInstances returns the merged member list from the shared
// presence set. Falls back to local membership without a bus.
func (r *Room) PresenceAcrossInstances(ctx context.Context) ([]string, error) {
	if r.deps.Bus == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		out := make([]string, 0, len(r.members))
		for id := range r.members {
			out = append(out, string(id))
		}
		return out, nil
	}
	return r.deps.Bus.SetMembers(ctx, r.busMembersKey())
}
