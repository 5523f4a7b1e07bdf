package room

import (
	"context"

	"go.uber.org/zap"

	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/media"
	"github.com/vireomeet/sfu-core/internal/v1/metrics"
	"github.com/vireomeet/sfu-core/internal/v1/types"
	"github.com/vireomeet/sfu-core/internal/v1/webinar"
)

// announceProducerLocked broadcasts a fresh producer to everyone but its
// owner. Subscribers respond with a consume request.
func (r *Room) announceProducerLocked(p media.Producer, ownerID types.UserID) {
	r.broadcastLocked(EventNewProducer, ProducerAnnouncement{
		ProducerID:     p.ID(),
		ProducerUserID: ownerID,
		Kind:           p.Kind(),
		Type:           p.Type(),
		Paused:         p.Paused(),
	}, ownerID)
	r.refreshWebinarFeedLocked()
}

// closeConsumersForLocked drops every member's consumer of a dead producer.
// The client side learns through producerClosed; this only reclaims the
// server handles.
func (r *Room) closeConsumersForLocked(producerID string) {
	for _, sess := range r.members {
		if c, ok := sess.RemoveConsumerFor(producerID); ok {
			c.Close()
		}
	}
}

// handleProducerClosedLocked is the shared teardown for an explicit close
// request and an engine-reported death.
func (r *Room) handleProducerClosedLocked(producerID string, ownerID types.UserID) {
	r.broadcastLocked(EventProducerClosed, ProducerClosedPayload{
		ProducerID:     producerID,
		ProducerUserID: ownerID,
	}, ownerID)
	r.closeConsumersForLocked(producerID)
	r.releaseScreenLeaseLocked(producerID)
	r.refreshWebinarFeedLocked()
}

// drainEngineEvents pumps async router events into room mutations. Runs for
// the life of the room; the router's done channel ends it.
func (r *Room) drainEngineEvents() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.router.Done():
			return
		case ev, ok := <-r.router.Events():
			if !ok {
				return
			}
			r.handleEngineEvent(ev)
		}
	}
}

func (r *Room) handleEngineEvent(ev media.Event) {
	switch ev.Type {
	case media.EventProducerClosed:
		r.mu.Lock()
		ownerID := r.ownerOfProducerLocked(ev.ProducerID)
		if ownerID != "" {
			if sess, ok := r.members[ownerID]; ok {
				sess.RemoveProducer(ev.ProducerID)
			}
			r.handleProducerClosedLocked(ev.ProducerID, ownerID)
		} else if sp, ok := r.systemProducers[ev.ProducerID]; ok {
			delete(r.systemProducers, ev.ProducerID)
			r.broadcastLocked(EventProducerClosed, ProducerClosedPayload{
				ProducerID:     ev.ProducerID,
				ProducerUserID: sp.SyntheticUserID,
			})
			r.closeConsumersForLocked(ev.ProducerID)
		}
		r.mu.Unlock()

	case media.EventTransportFailed:
		// The transport already tried ICE internally; surface to the owner
		// so the client can restart ICE or rebuild.
		logging.Warn(r.ctx, "Transport failed",
			zap.String("channelId", string(r.channelID)),
			zap.String("transportId", ev.TransportID))
	}
}

func (r *Room) ownerOfProducerLocked(producerID string) types.UserID {
	for id, sess := range r.members {
		if _, ok := sess.ProducerByID(producerID); ok {
			return id
		}
	}
	return ""
}

// --- Webinar glue ---

// feedCandidatesLocked snapshots the feed-eligible members in stable join
// order: no ghosts, no attendees.
func (r *Room) feedCandidatesLocked() []webinar.Candidate {
	var out []webinar.Candidate
	for _, sess := range r.membersSnapshotLocked() {
		if sess.Role() != types.RoleParticipant {
			continue
		}
		var producers []webinar.FeedProducer
		for _, p := range sess.Producers() {
			producers = append(producers, webinar.FeedProducer{
				ID:     p.ID(),
				Kind:   p.Kind(),
				Type:   p.Type(),
				Paused: p.Paused(),
			})
		}
		out = append(out, webinar.Candidate{UserID: sess.UserID(), Producers: producers})
	}
	return out
}

// refreshWebinarFeedLocked recomputes the curated feed after any mutation
// touching candidates and fans out only actual changes.
func (r *Room) refreshWebinarFeedLocked() {
	if !r.deps.Webinar.Get(r.channelID).Enabled {
		return
	}
	feed, changed := r.deps.Webinar.RefreshFeed(r.channelID, r.feedCandidatesLocked())
	if !changed {
		return
	}
	r.broadcastLocked(EventWebinarFeedChanged, FeedChangedPayload{
		RoomID:        r.roomID,
		SpeakerUserID: feed.SpeakerUserID,
		Producers:     feed.Producers,
	})
}

func (r *Room) broadcastAttendeeCountLocked() {
	cfg := r.deps.Webinar.Get(r.channelID)
	if !cfg.Enabled {
		return
	}
	count := r.attendeeCountLocked()
	metrics.WebinarAttendees.WithLabelValues(string(r.channelID)).Set(float64(count))
	r.broadcastLocked(EventWebinarAttendeeCountChanged, AttendeeCountPayload{
		RoomID:        r.roomID,
		AttendeeCount: count,
		MaxAttendees:  cfg.MaxAttendees,
	})
}

// BroadcastAll satisfies the drain target surface at room scope. Context is
// accepted for symmetry with the registry.
func (r *Room) BroadcastAll(ctx context.Context, event types.Event, payload interface{}) {
	r.Broadcast(event, payload)
}
